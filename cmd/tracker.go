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

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/alwitt/livemarkers/apis"
	"github.com/alwitt/livemarkers/common"
	"github.com/alwitt/livemarkers/core"
	"github.com/alwitt/livemarkers/dataplane"
	"github.com/alwitt/livemarkers/marker"
	"github.com/alwitt/livemarkers/metrics"
	"github.com/alwitt/livemarkers/session"
	"github.com/alwitt/livemarkers/storage"
	"github.com/apex/log"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

const streamClientBuffer = 64

// forwardingSinks the marker sinks defined from the forwarding config
type forwardingSinks struct {
	sinks      map[string]marker.Sink
	natsClient *core.NatsClient
	mirror     storage.MarkerMirror
}

// close release the sink connections
func (f forwardingSinks) close(ctxt context.Context, logTags log.Fields) {
	if f.natsClient != nil {
		f.natsClient.Close(ctxt)
	}
	if f.mirror != nil {
		if err := f.mirror.Close(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to close redis mirror")
		}
	}
}

// defineForwardingSinks connect to the configured forwarding targets
func defineForwardingSinks(
	ctxt context.Context, config common.ForwardingConfig, instance string, logTags log.Fields,
) (forwardingSinks, error) {
	result := forwardingSinks{sinks: map[string]marker.Sink{}}

	if config.NATS != nil {
		natsClient, err := core.GetNATSClient(
			core.DefineNATSConnectParams(*config.NATS, logTags), config.NATS.JetStream,
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to define NATS client with %s", config.NATS.ServerURI,
			)
			return result, err
		}
		result.natsClient = &natsClient
		var publisher dataplane.MessagePublisher
		if config.NATS.JetStream {
			publisher, err = dataplane.GetJetStreamPublisher(result.natsClient, instance)
		} else {
			publisher, err = dataplane.GetNATSPublisher(result.natsClient, instance)
		}
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define message publisher")
			result.close(ctxt, logTags)
			return result, err
		}
		markerPub, err := dataplane.NewMarkerPublisher(
			publisher, config.NATS.SubjectPrefix, instance,
		)
		if err != nil {
			result.close(ctxt, logTags)
			return result, err
		}
		result.sinks["nats"] = markerPub
	}

	if config.Redis != nil {
		mirror, err := storage.CreateRedisMarkerMirror(ctxt, *config.Redis)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to connect with redis at %s", config.Redis.Addr,
			)
			result.close(ctxt, logTags)
			return result, err
		}
		result.mirror = mirror
		result.sinks["redis"] = mirror
	}

	return result, nil
}

// warmStartMarkers read back the mirrored markers. A read failure only costs the warm
// start.
func warmStartMarkers(
	ctxt context.Context, mirror storage.MarkerMirror, logTags log.Fields,
) marker.Markers {
	readCtxt, cancel := context.WithTimeout(ctxt, time.Second*10)
	defer cancel()
	markers, err := mirror.ReadAllMarkers(readCtxt)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to read mirrored markers, starting empty")
		return nil
	}
	log.WithFields(logTags).Infof("Read %d mirrored markers", len(markers))
	return markers
}

// sessionCallbacks callbacks logging the session notifications
func sessionCallbacks(logTags log.Fields) session.Callbacks {
	return session.Callbacks{
		OnConnect: func() {
			log.WithFields(logTags).Info("Connected to MQTT broker")
		},
		OnDisconnect: func() {
			log.WithFields(logTags).Warn("Disconnected from MQTT broker")
		},
		OnError: func(err error) {
			log.WithError(err).WithFields(logTags).Error("Tracking session error")
		},
		OnMessage: func(topic string, m marker.Marker) {
			log.WithFields(logTags).Debugf("Marker %s from %s", m, topic)
		},
	}
}

// defineHTTPServer build the API server
func defineHTTPServer(
	config *common.APIServerConfig,
	handler apis.APIRestMarkerHandler,
	registry *prometheus.Registry,
) *http.Server {
	router := mux.NewRouter()
	mainRouter := handler.RegisterRoutes(router, config.PathPrefix)
	if registry != nil {
		_ = apis.RegisterPathPrefix(mainRouter, "/metrics", apis.MethodHandlers{
			http.MethodGet: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}).ServeHTTP,
		})
	}
	serverListen := fmt.Sprintf("%s:%d", config.Server.ListenOn, config.Server.Port)
	return &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(config.Server.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(config.Server.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(config.Server.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}
}

// RunTrackerServer run the marker tracking session, its forwarding sinks, and the API
// server until the runtime context is cancelled
func RunTrackerServer(
	runTimeContext context.Context, config *common.SystemConfig, instance string,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "tracker",
		"instance":  instance,
	}

	// -------------------------------------------------------------------
	// Metrics

	var registry *prometheus.Registry
	var sessionMetrics *metrics.SessionMetrics
	if config.Metrics.Enabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		sessionMetrics = metrics.NewSessionMetrics(registry, instance)
		if config.API == nil {
			log.WithFields(logTags).Warn("Metrics enabled without an API server to serve them")
		}
	}

	// -------------------------------------------------------------------
	// Forwarding

	fwd, err := defineForwardingSinks(runTimeContext, config.Forwarding, instance, logTags)
	if err != nil {
		return err
	}
	defer func() {
		ctxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()
		fwd.close(ctxt, logTags)
	}()

	var hub *apis.MarkerStreamHub
	if config.API != nil {
		hub = apis.NewMarkerStreamHub(instance, streamClientBuffer)
		fwd.sinks["stream"] = hub
		defer hub.Close()
	}

	// -------------------------------------------------------------------
	// Session

	params, err := session.DefineParamsFromConfig(instance, *config)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid tracking config")
		return err
	}
	params.Sinks = fwd.sinks
	params.Metrics = sessionMetrics
	params.Callbacks = sessionCallbacks(logTags)
	if fwd.mirror != nil && config.Forwarding.Redis.WarmStart {
		params.InitialMarkers = warmStartMarkers(runTimeContext, fwd.mirror, logTags)
	}

	tracker, err := session.NewSession(runTimeContext, params)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start tracking session")
		return err
	}
	defer func() {
		ctxt, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := tracker.Close(ctxt); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during session shutdown")
		}
	}()

	// -------------------------------------------------------------------
	// Start the HTTP server

	if config.API == nil {
		log.WithFields(logTags).Info("Tracking without an API server")
		<-runTimeContext.Done()
		return nil
	}

	httpHandler, err := apis.GetAPIRestMarkerHandler(tracker, hub, config.API.Logging, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return err
	}
	httpSrv := defineHTTPServer(config.API, httpHandler, registry)

	serverErr := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
			serverErr <- err
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", httpSrv.Addr)

	// ============================================================================

	var runErr error
	select {
	case <-runTimeContext.Done():
	case runErr = <-serverErr:
	}

	// Stop the HTTP server
	{
		// Stream clients are hijacked connections, which Shutdown does not wait for
		hub.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
	}

	return runErr
}
