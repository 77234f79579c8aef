package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alwitt/livemarkers/common"
	"github.com/apex/log"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestLoadConfig(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	configFile := filepath.Join(t.TempDir(), "tracker.yaml")
	assert.Nil(os.WriteFile(configFile, []byte(`---
mqtt:
  host: broker.example.com
  username: tracker
  password: s3cret
tracking:
  topic: company/A/+/+/location
forwarding:
  redis:
    addr: 127.0.0.1:6379
    warm_start: true`), 0o600))

	// Case 1: config file over the defaults
	{
		viper.Reset()
		common.InstallDefaultConfigValues()
		config, err := loadConfig(configFile, trackerOverrides{})
		assert.Nil(err)
		assert.Equal("broker.example.com", config.MQTT.Host)
		assert.Equal("company/A/+/+/location", config.Tracking.Topic)
		assert.True(config.Tracking.AutoConnect)
		assert.NotNil(config.Forwarding.Redis)
		assert.True(config.Forwarding.Redis.WarmStart)

		// The password has no printed form
		text, err := describeConfig(config)
		assert.Nil(err)
		assert.False(strings.Contains(text, "s3cret"))
		assert.True(strings.Contains(text, "broker.example.com"))
	}

	// Case 2: command line overrides win over the config file
	{
		viper.Reset()
		common.InstallDefaultConfigValues()
		config, err := loadConfig(configFile, trackerOverrides{
			BrokerHost: "10.0.0.5", Topic: "company/B/G1/+/location", NoAutoConnect: true,
		})
		assert.Nil(err)
		assert.Equal("10.0.0.5", config.MQTT.Host)
		assert.Equal("company/B/G1/+/location", config.Tracking.Topic)
		assert.False(config.Tracking.AutoConnect)
	}

	// Case 3: missing config file
	{
		viper.Reset()
		common.InstallDefaultConfigValues()
		_, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"), trackerOverrides{})
		assert.NotNil(err)
	}

	// Case 4: invalid content
	{
		viper.Reset()
		common.InstallDefaultConfigValues()
		viper.Set("mqtt.protocol", "http")
		_, err := loadConfig("", trackerOverrides{})
		assert.NotNil(err)
	}
	viper.Reset()
}
