package common

import "github.com/spf13/viper"

// ===============================================================================
// MQTT Related Config

// MQTTBrokerConfig defines parameters for connecting to the MQTT broker
type MQTTBrokerConfig struct {
	// Host is the broker host name or IP
	Host string `mapstructure:"host" json:"host" validate:"required"`
	// Port is the broker port. Ignored for the ws / wss protocols, which always use 8083.
	Port uint16 `mapstructure:"port" json:"port" validate:"required,gt=0"`
	// Username is the broker username
	Username string `mapstructure:"username" json:"username"`
	// Password is the broker password
	Password string `mapstructure:"password" json:"-"`
	// Protocol is the transport protocol: [ws wss mqtt mqtts]
	Protocol string `mapstructure:"protocol" json:"protocol" validate:"required,oneof=ws wss mqtt mqtts"`
	// ClientIDPrefix is the prefix of the generated client ID
	ClientIDPrefix string `mapstructure:"client_id_prefix" json:"client_id_prefix" validate:"required"`
	// ReconnectPeriod is the wait between reconnect attempts in milliseconds.
	// 0 disables automatic reconnect.
	ReconnectPeriod int `mapstructure:"reconnect_period_ms" json:"reconnect_period_ms" validate:"gte=0"`
	// ConnectTimeout is the max duration of one connect attempt in milliseconds
	ConnectTimeout int `mapstructure:"connect_timeout_ms" json:"connect_timeout_ms" validate:"gte=1"`
	// Clean whether to request a clean session
	Clean bool `mapstructure:"clean" json:"clean"`
	// SkipTLSVerify whether to bypass broker certificate validation
	SkipTLSVerify bool `mapstructure:"skip_tls_verify" json:"skip_tls_verify"`
	// QoS is the subscription QoS level
	QoS uint8 `mapstructure:"qos" json:"qos" validate:"lte=2"`
}

// ===============================================================================
// Tracking Related Config

// AddressConfig defines the company / group / user addressing tuple
type AddressConfig struct {
	// CompanyID is the company being tracked
	CompanyID string `mapstructure:"company_id" json:"company_id" validate:"required"`
	// GroupID optionally limits tracking to one group
	GroupID string `mapstructure:"group_id" json:"group_id,omitempty"`
	// UserID optionally limits tracking to one user, across all groups
	UserID string `mapstructure:"user_id" json:"user_id,omitempty"`
}

// FieldMappingConfig defines the payload field names holding the location data
type FieldMappingConfig struct {
	DeviceID  string `mapstructure:"device_id" json:"device_id" validate:"required"`
	UserID    string `mapstructure:"user_id" json:"user_id" validate:"required"`
	Latitude  string `mapstructure:"latitude" json:"latitude" validate:"required"`
	Longitude string `mapstructure:"longitude" json:"longitude" validate:"required"`
	Speed     string `mapstructure:"speed" json:"speed" validate:"required"`
	Altitude  string `mapstructure:"altitude" json:"altitude" validate:"required"`
	Accuracy  string `mapstructure:"accuracy" json:"accuracy" validate:"required"`
}

// TrackingConfig defines the marker tracking session parameters
type TrackingConfig struct {
	// Topic is an explicit topic filter to subscribe to. Takes precedence over Address.
	Topic string `mapstructure:"topic" json:"topic,omitempty"`
	// Address is the addressing tuple used to build the topic filter
	Address *AddressConfig `mapstructure:"address,omitempty" json:"address,omitempty" validate:"omitempty"`
	// OfflineThreshold is the message age in milliseconds after which a device is offline
	OfflineThreshold int `mapstructure:"offline_threshold_ms" json:"offline_threshold_ms" validate:"gte=1"`
	// SweepInterval is the period in milliseconds of the offline sweep
	SweepInterval int `mapstructure:"sweep_interval_ms" json:"sweep_interval_ms" validate:"gte=1"`
	// AutoConnect whether to connect as soon as the session is created
	AutoConnect bool `mapstructure:"auto_connect" json:"auto_connect"`
	// FieldMapping is the payload field name mapping
	FieldMapping FieldMappingConfig `mapstructure:"field_mapping" json:"field_mapping" validate:"required"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// APIServerConfig defines configuration for the marker REST / websocket API server
type APIServerConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required"`
	// PathPrefix is the end-point path prefix for the APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// MetricsConfig defines the prometheus metrics endpoint
type MetricsConfig struct {
	// Enabled whether to serve /metrics on the API server
	Enabled bool `mapstructure:"enabled" json:"enabled"`
}

// ===============================================================================
// Forwarding Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=0"`
}

// NATSConfig defines parameters for publishing marker changes into NATS
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// SubjectPrefix is prepended to the "<company>.<device>" subject of each marker
	SubjectPrefix string `mapstructure:"subject_prefix" json:"subject_prefix"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=0"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect"`
	// JetStream whether to publish through JetStream, and wait for the stream ack.
	// A stream must already capture the subjects.
	JetStream bool `mapstructure:"jetstream" json:"jetstream"`
}

// RedisConfig defines parameters for mirroring markers into Redis
type RedisConfig struct {
	// Addr is the Redis server address
	Addr string `mapstructure:"addr" json:"addr" validate:"required,hostname_port"`
	// DB is the Redis database index
	DB int `mapstructure:"db" json:"db" validate:"gte=0"`
	// KeyPrefix is prepended to the device ID of each marker key
	KeyPrefix string `mapstructure:"key_prefix" json:"key_prefix"`
	// TTL is the expiry of each mirrored marker in seconds. 0 disables expiry.
	TTL int `mapstructure:"ttl_sec" json:"ttl_sec" validate:"gte=0"`
	// WarmStart whether the session starts from the mirrored markers
	WarmStart bool `mapstructure:"warm_start" json:"warm_start"`
}

// ForwardingConfig defines where marker changes are forwarded to
type ForwardingConfig struct {
	NATS  *NATSConfig  `mapstructure:"nats,omitempty" json:"nats,omitempty" validate:"omitempty"`
	Redis *RedisConfig `mapstructure:"redis,omitempty" json:"redis,omitempty" validate:"omitempty"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config
type SystemConfig struct {
	// MQTT are the MQTT broker config parameters
	MQTT MQTTBrokerConfig `mapstructure:"mqtt" json:"mqtt" validate:"required"`
	// Tracking are the marker tracking session parameters
	Tracking TrackingConfig `mapstructure:"tracking" json:"tracking" validate:"required"`
	// API is the REST / websocket API server config
	API *APIServerConfig `mapstructure:"api,omitempty" json:"api,omitempty" validate:"omitempty"`
	// Metrics is the prometheus metrics config
	Metrics MetricsConfig `mapstructure:"metrics" json:"metrics"`
	// Forwarding are the marker forwarding targets
	Forwarding ForwardingConfig `mapstructure:"forwarding" json:"forwarding"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default MQTT settings
	viper.SetDefault("mqtt.host", "127.0.0.1")
	viper.SetDefault("mqtt.port", 1883)
	viper.SetDefault("mqtt.protocol", "ws")
	viper.SetDefault("mqtt.client_id_prefix", "mqtt-client")
	viper.SetDefault("mqtt.reconnect_period_ms", 1000)
	viper.SetDefault("mqtt.connect_timeout_ms", 4000)
	viper.SetDefault("mqtt.clean", true)
	viper.SetDefault("mqtt.skip_tls_verify", true)
	viper.SetDefault("mqtt.qos", 0)

	// Default tracking settings
	viper.SetDefault("tracking.offline_threshold_ms", 10000)
	viper.SetDefault("tracking.sweep_interval_ms", 30000)
	viper.SetDefault("tracking.auto_connect", true)
	viper.SetDefault("tracking.field_mapping.device_id", "device_id")
	viper.SetDefault("tracking.field_mapping.user_id", "user_id")
	viper.SetDefault("tracking.field_mapping.latitude", "latitude")
	viper.SetDefault("tracking.field_mapping.longitude", "longitude")
	viper.SetDefault("tracking.field_mapping.speed", "speed")
	viper.SetDefault("tracking.field_mapping.altitude", "altitude")
	viper.SetDefault("tracking.field_mapping.accuracy", "accuracy")

	// Default API server settings
	viper.SetDefault("api.path_prefix", "/")
	viper.SetDefault("api.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("api.server_config.listen_port", 3000)
	viper.SetDefault("api.server_config.read_timeout_sec", 60)
	viper.SetDefault("api.server_config.write_timeout_sec", 60)
	viper.SetDefault("api.server_config.idle_timeout_sec", 600)
	viper.SetDefault("api.logging_config.request_id_header", "Livemarkers-Request-ID")
	viper.SetDefault(
		"api.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)

	viper.SetDefault("metrics.enabled", true)
}
