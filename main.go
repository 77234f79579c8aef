// Copyright 2022 The livemarkers Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alwitt/livemarkers/cmd"
	"github.com/alwitt/livemarkers/common"
	"github.com/apex/log"
	apexJSON "github.com/apex/log/handlers/json"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"
)

type cliArgs struct {
	JSONLog    bool
	LogLevel   string `validate:"required,oneof=debug info warn error"`
	ConfigFile string `validate:"omitempty,file"`
	Instance   string `validate:"required"`
}

// trackerOverrides command line overrides of the config file
type trackerOverrides struct {
	BrokerHost    string
	Topic         string
	NoAutoConnect bool
}

var cmdArgs cliArgs

var overrides trackerOverrides

var logTags log.Fields

func main() {
	hostname, err := os.Hostname()
	if err != nil {
		log.WithError(err).Fatal("Unable to read hostname")
	}

	common.InstallDefaultConfigValues()

	app := &cli.App{
		Version:     "v0.1.0",
		Usage:       "live device location marker tracker",
		Description: "Tracks device locations reported over MQTT, and serves the latest markers",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "json-log",
				Usage:       "Whether to log in JSON format",
				Aliases:     []string{"j"},
				EnvVars:     []string{"LOG_AS_JSON"},
				Destination: &cmdArgs.JSONLog,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Logging level: [debug info warn error]",
				Aliases:     []string{"l"},
				EnvVars:     []string{"LOG_LEVEL"},
				Value:       "warn",
				Destination: &cmdArgs.LogLevel,
			},
			&cli.StringFlag{
				Name:        "config-file",
				Usage:       "Application config file. Built-in defaults if not given.",
				Aliases:     []string{"c"},
				EnvVars:     []string{"CONFIG_FILE"},
				Destination: &cmdArgs.ConfigFile,
			},
			&cli.StringFlag{
				Name:        "instance",
				Usage:       "Tracker name used in logs and metrics",
				Aliases:     []string{"i"},
				EnvVars:     []string{"TRACKER_INSTANCE"},
				Value:       hostname,
				Destination: &cmdArgs.Instance,
			},
		},
		Before: func(c *cli.Context) error {
			return setupLogging()
		},
		Commands: []*cli.Command{
			{
				Name:        "serve",
				Usage:       "Run the marker tracker",
				Description: "Track device locations from the MQTT broker, and serve them over REST and websocket",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:        "broker-host",
						Usage:       "MQTT broker host, overriding mqtt.host",
						EnvVars:     []string{"MQTT_HOST"},
						Destination: &overrides.BrokerHost,
					},
					&cli.StringFlag{
						Name:        "topic",
						Usage:       "Topic filter to track, overriding tracking.topic",
						Aliases:     []string{"t"},
						EnvVars:     []string{"TRACKING_TOPIC"},
						Destination: &overrides.Topic,
					},
					&cli.BoolFlag{
						Name:        "no-autoconnect",
						Usage:       "Wait for a connect request instead of connecting on start",
						Destination: &overrides.NoAutoConnect,
					},
				},
				Action: startTracker,
			},
			{
				Name:        "check-config",
				Usage:       "Validate the config, and print it",
				Description: "Print the effective config after defaults, with secrets left out",
				Action:      checkConfig,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.WithError(err).WithFields(logTags).Fatal("Program shutdown")
	}
}

// setupLogging validate the common args, then prepare the app logging
func setupLogging() error {
	if err := validator.New().Struct(&cmdArgs); err != nil {
		log.WithError(err).Error("Invalid CMD args")
		return err
	}
	if cmdArgs.JSONLog {
		log.SetHandler(apexJSON.New(os.Stderr))
	}
	level, err := log.ParseLevel(cmdArgs.LogLevel)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	logTags = log.Fields{
		"module":    "main",
		"component": "main",
		"instance":  cmdArgs.Instance,
	}
	return nil
}

// applyOverrides push the command line overrides into viper, above the config file
func applyOverrides(o trackerOverrides) {
	if o.BrokerHost != "" {
		viper.Set("mqtt.host", o.BrokerHost)
	}
	if o.Topic != "" {
		viper.Set("tracking.topic", o.Topic)
	}
	if o.NoAutoConnect {
		viper.Set("tracking.auto_connect", false)
	}
}

// loadConfig read the config file, apply the overrides, and validate the result
func loadConfig(configFile string, o trackerOverrides) (*common.SystemConfig, error) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Failed to read config file %s", configFile)
			return nil, err
		}
	}
	applyOverrides(o)
	var config common.SystemConfig
	if err := viper.Unmarshal(&config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to parse config")
		return nil, err
	}
	if err := validator.New().Struct(&config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid config content")
		return nil, err
	}
	return &config, nil
}

// describeConfig the config as indented JSON. The broker password has no JSON form.
func describeConfig(config *common.SystemConfig) (string, error) {
	tmp, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return "", err
	}
	return string(tmp), nil
}

// ============================================================================

// checkConfig print the effective config
func checkConfig(c *cli.Context) error {
	config, err := loadConfig(cmdArgs.ConfigFile, overrides)
	if err != nil {
		return err
	}
	text, err := describeConfig(config)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.App.Writer, text)
	return err
}

// startTracker run the marker tracker until SIGINT or SIGTERM
func startTracker(c *cli.Context) error {
	config, err := loadConfig(cmdArgs.ConfigFile, overrides)
	if err != nil {
		return err
	}
	if text, err := describeConfig(config); err == nil {
		log.WithFields(logTags).Debugf("Effective config\n%s", text)
	}
	log.WithFields(logTags).Infof(
		"Tracking broker %s://%s, autoconnect=%t",
		config.MQTT.Protocol, config.MQTT.Host, config.Tracking.AutoConnect,
	)

	runTimeContext, rtCancel := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer rtCancel()

	return cmd.RunTrackerServer(runTimeContext, config, cmdArgs.Instance)
}
