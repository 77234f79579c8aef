package core

import (
	"crypto/tls"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/alwitt/livemarkers/common"
	"github.com/apex/log"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// WebSocketPort the broker port used for the ws / wss protocols, regardless of config
const WebSocketPort = 8083

// WebSocketPath the broker path used for the ws / wss protocols
const WebSocketPath = "/mqtt"

// Operation handle for an asynchronous transport operation
//
// Satisfied by both paho tokens and common.Future.
type Operation interface {
	// Done channel closed when the operation completes
	Done() <-chan struct{}
	// Error the result of the operation once complete
	Error() error
}

// Transport an established MQTT client connection
type Transport interface {
	// Subscribe subscribe to a topic filter
	Subscribe(filter string, qos byte) Operation
	// Unsubscribe remove a subscription
	Unsubscribe(filter string) Operation
	// End terminate the connection. With force, in-flight work is not drained.
	End(force bool) Operation
	// IsConnected whether the connection is currently up
	IsConnected() bool
}

// ===============================================================================
// Transport events

// TransportEvent one of the events emitted by a Transport
type TransportEvent interface {
	transportEvent()
}

// ConnectEvent connection (re-)established with the broker
type ConnectEvent struct{}

// MessageEvent message delivered on a topic
type MessageEvent struct {
	Topic   string
	Payload []byte
}

// ErrorEvent connection failure
type ErrorEvent struct {
	Err error
}

// CloseEvent connection closed
type CloseEvent struct{}

// ReconnectEvent transport is retrying the connection on its own
type ReconnectEvent struct{}

// OfflineEvent transport gave up and is offline
type OfflineEvent struct{}

// EndEvent transport terminated on request
type EndEvent struct{}

func (ConnectEvent) transportEvent()   {}
func (MessageEvent) transportEvent()   {}
func (ErrorEvent) transportEvent()     {}
func (CloseEvent) transportEvent()     {}
func (ReconnectEvent) transportEvent() {}
func (OfflineEvent) transportEvent()   {}
func (EndEvent) transportEvent()       {}

// TransportEventHandler callback receiving transport events, in emission order
type TransportEventHandler func(event TransportEvent)

// ===============================================================================
// Connection setup

// MQTTConnectParams MQTT connection parameter
type MQTTConnectParams struct {
	// BrokerURI the broker to connect to
	BrokerURI string `validate:"required,uri"`
	// ClientID the MQTT client ID
	ClientID string `validate:"required"`
	// Username broker username
	Username string
	// Password broker password
	Password string
	// CleanSession whether to request a clean session
	CleanSession bool
	// ConnectTimeout max time for one connect attempt
	ConnectTimeout time.Duration `validate:"gt=0"`
	// ReconnectPeriod wait between reconnect attempts. 0 disables reconnect.
	ReconnectPeriod time.Duration `validate:"gte=0"`
	// SkipTLSVerify whether to bypass broker certificate validation
	SkipTLSVerify bool
	// EventHandler receives the transport events
	EventHandler TransportEventHandler `validate:"required"`
}

// Connector function which creates a Transport and begins connecting it
type Connector func(params MQTTConnectParams) (Transport, error)

// BuildBrokerURI build the broker connection URI
//
// ws / wss always connect to port 8083 on path /mqtt; mqtt / mqtts use the given port.
func BuildBrokerURI(host string, port uint16, protocol string) (string, error) {
	if host == "" {
		return "", fmt.Errorf("broker host not set")
	}
	switch protocol {
	case "ws", "wss":
		return fmt.Sprintf("%s://%s:%d%s", protocol, host, WebSocketPort, WebSocketPath), nil
	case "mqtt", "mqtts":
		return fmt.Sprintf("%s://%s:%d", protocol, host, port), nil
	default:
		return "", fmt.Errorf("unsupported MQTT protocol '%s'", protocol)
	}
}

// GenerateClientID generate a client ID of the form "<prefix>_<6 hex chars>"
func GenerateClientID(prefix string) string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")
	return fmt.Sprintf("%s_%s", prefix, suffix[:6])
}

// DefineMQTTConnectParams build the connection parameters from the broker config
func DefineMQTTConnectParams(
	cfg common.MQTTBrokerConfig, handler TransportEventHandler,
) (MQTTConnectParams, error) {
	uri, err := BuildBrokerURI(cfg.Host, cfg.Port, cfg.Protocol)
	if err != nil {
		return MQTTConnectParams{}, err
	}
	return MQTTConnectParams{
		BrokerURI:       uri,
		ClientID:        GenerateClientID(cfg.ClientIDPrefix),
		Username:        cfg.Username,
		Password:        cfg.Password,
		CleanSession:    cfg.Clean,
		ConnectTimeout:  common.DurationFromMS(cfg.ConnectTimeout),
		ReconnectPeriod: common.DurationFromMS(cfg.ReconnectPeriod),
		SkipTLSVerify:   cfg.SkipTLSVerify,
		EventHandler:    handler,
	}, nil
}

// pahoBrokerURI convert the mqtt / mqtts schemes into the ones paho dials
func pahoBrokerURI(uri string) string {
	switch {
	case strings.HasPrefix(uri, "mqtts://"):
		return "ssl://" + strings.TrimPrefix(uri, "mqtts://")
	case strings.HasPrefix(uri, "mqtt://"):
		return "tcp://" + strings.TrimPrefix(uri, "mqtt://")
	default:
		return uri
	}
}

// ===============================================================================
// paho backed Transport

// pahoTransport implements Transport with the Eclipse paho client
type pahoTransport struct {
	common.Component
	client    mqtt.Client
	reconnect bool
	emit      TransportEventHandler
	endOnce   sync.Once
	ended     *common.Future
}

// ConnectMQTT define a new paho backed Transport, and start connecting to the broker
//
// The connect result is reported through the event handler, not the return value.
func ConnectMQTT(params MQTTConnectParams) (Transport, error) {
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		return nil, err
	}
	logTags := log.Fields{
		"module":    "core",
		"component": "mqtt-transport",
		"instance":  params.ClientID,
		"broker":    params.BrokerURI,
	}

	instance := &pahoTransport{
		Component: common.Component{LogTags: logTags},
		reconnect: params.ReconnectPeriod > 0,
		emit:      params.EventHandler,
		ended:     common.NewFuture(),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(pahoBrokerURI(params.BrokerURI))
	opts.SetClientID(params.ClientID)
	opts.SetUsername(params.Username)
	opts.SetPassword(params.Password)
	opts.SetCleanSession(params.CleanSession)
	opts.SetConnectTimeout(params.ConnectTimeout)
	opts.SetAutoReconnect(instance.reconnect)
	opts.SetConnectRetry(instance.reconnect)
	if instance.reconnect {
		opts.SetConnectRetryInterval(params.ReconnectPeriod)
		opts.SetMaxReconnectInterval(params.ReconnectPeriod)
	}
	if params.SkipTLSVerify {
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: true})
	}
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		log.WithFields(logTags).Info("Connected to broker")
		instance.emit(ConnectEvent{})
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.WithError(err).WithFields(logTags).Error("Lost connection to broker")
		instance.emit(ErrorEvent{Err: err})
		instance.emit(CloseEvent{})
		if !instance.reconnect {
			instance.emit(OfflineEvent{})
		}
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		log.WithFields(logTags).Info("Reconnecting to broker")
		instance.emit(ReconnectEvent{})
	})
	opts.SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
		payload := make([]byte, len(msg.Payload()))
		copy(payload, msg.Payload())
		instance.emit(MessageEvent{Topic: msg.Topic(), Payload: payload})
	})

	instance.client = mqtt.NewClient(opts)

	log.WithFields(logTags).Infof("Connecting to broker")
	connectToken := instance.client.Connect()
	go func() {
		<-connectToken.Done()
		if err := connectToken.Error(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Connect failed")
			instance.emit(ErrorEvent{Err: err})
			if !instance.reconnect {
				instance.emit(OfflineEvent{})
			}
		}
	}()

	return instance, nil
}

// Subscribe subscribe to a topic filter
func (t *pahoTransport) Subscribe(filter string, qos byte) Operation {
	log.WithFields(t.LogTags).Debugf("Subscribing to %s", filter)
	// nil callback routes messages through the default publish handler
	return t.client.Subscribe(filter, qos, nil)
}

// Unsubscribe remove a subscription
func (t *pahoTransport) Unsubscribe(filter string) Operation {
	log.WithFields(t.LogTags).Debugf("Unsubscribing from %s", filter)
	return t.client.Unsubscribe(filter)
}

// End terminate the connection
func (t *pahoTransport) End(force bool) Operation {
	t.endOnce.Do(func() {
		var quiesce uint = 250
		if force {
			quiesce = 0
		}
		go func() {
			wasConnected := t.client.IsConnected()
			t.client.Disconnect(quiesce)
			log.WithFields(t.LogTags).Info("Connection terminated")
			if wasConnected {
				t.emit(CloseEvent{})
			}
			t.emit(EndEvent{})
			t.ended.Resolve(nil)
		}()
	})
	return t.ended
}

// IsConnected whether the connection is currently up
func (t *pahoTransport) IsConnected() bool {
	return t.client.IsConnectionOpen()
}
