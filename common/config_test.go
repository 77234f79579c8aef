package common

import (
	"bytes"
	"testing"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestViperConfigParsing(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	validate := validator.New()

	// Case 0: parse config with no defaults in place
	{
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 1: load the configs
	{
		var cfg SystemConfig
		InstallDefaultConfigValues()
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.Equal("ws", cfg.MQTT.Protocol)
		assert.Equal("mqtt-client", cfg.MQTT.ClientIDPrefix)
		assert.Equal(1000, cfg.MQTT.ReconnectPeriod)
		assert.Equal(4000, cfg.MQTT.ConnectTimeout)
		assert.True(cfg.MQTT.Clean)
		assert.Equal(10000, cfg.Tracking.OfflineThreshold)
		assert.Equal(30000, cfg.Tracking.SweepInterval)
		assert.True(cfg.Tracking.AutoConnect)
		assert.Equal("device_id", cfg.Tracking.FieldMapping.DeviceID)
		assert.Nil(cfg.Tracking.Address)
		assert.NotNil(cfg.API)
		assert.Nil(cfg.Forwarding.NATS)
		assert.Nil(cfg.Forwarding.Redis)
	}

	// Case 2: invalid protocol
	{
		config := []byte(`---
mqtt:
  protocol: http`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 3: address without company
	{
		config := []byte(`---
tracking:
  address:
    group_id: g1`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 4: valid address with forwarding
	{
		config := []byte(`---
mqtt:
  host: broker.example.com
  protocol: mqtts
  port: 8883
tracking:
  address:
    company_id: "123"
    user_id: u1
forwarding:
  redis:
    addr: localhost:6379
    ttl_sec: 300`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.Equal("123", cfg.Tracking.Address.CompanyID)
		assert.Equal("u1", cfg.Tracking.Address.UserID)
		assert.Equal(uint16(8883), cfg.MQTT.Port)
		assert.NotNil(cfg.Forwarding.Redis)
		assert.Equal(300, cfg.Forwarding.Redis.TTL)
	}

	// Case 5: invalid offline threshold
	{
		config := []byte(`---
tracking:
  offline_threshold_ms: 0`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}
}
