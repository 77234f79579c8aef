// Package session drives one MQTT connection which tracks device location markers
package session

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/alwitt/livemarkers/common"
	"github.com/alwitt/livemarkers/core"
	"github.com/alwitt/livemarkers/marker"
	"github.com/alwitt/livemarkers/metrics"
	"github.com/alwitt/livemarkers/topic"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// ErrNotConnected a subscription change was requested while the session is not connected
var ErrNotConnected = errors.New("MQTT client not connected")

// ErrConnectTimeout the broker did not accept the connection in time
var ErrConnectTimeout = errors.New("connection timeout: MQTT broker not responding")

// ErrEmptyTopic a subscription change was requested without a topic filter
var ErrEmptyTopic = errors.New("topic filter is empty")

const (
	defaultEventBuffer    = 256
	defaultForwardTimeout = time.Second * 5
)

// Callbacks user notifications of a Session
//
// Callbacks are invoked one at a time, in the order of the transitions causing them, on
// a goroutine owned by the Session. A callback may call the Session actions, but not
// Close.
type Callbacks struct {
	// OnConnect the session connected to the broker
	OnConnect func()
	// OnDisconnect the connection to the broker closed
	OnDisconnect func()
	// OnError a connect, transport, or subscription error
	OnError func(err error)
	// OnMessage a location report was accepted
	OnMessage func(topic string, m marker.Marker)
}

// Params Session parameters
type Params struct {
	// Instance names the session in logs and metrics
	Instance string `validate:"required"`
	// Broker the broker connection parameters
	Broker common.MQTTBrokerConfig `validate:"required"`
	// InitialTopic the topic filter to subscribe to on first connect. Empty means none.
	InitialTopic string
	// OfflineThreshold report age after which a device is offline
	OfflineThreshold time.Duration `validate:"gt=0"`
	// SweepInterval period of the offline sweep
	SweepInterval time.Duration `validate:"gt=0"`
	// FieldMapping the location report field names
	FieldMapping marker.FieldMapping
	// AutoConnect whether to connect when the session is created
	AutoConnect bool
	// Callbacks user notifications
	Callbacks Callbacks
	// Connector creates the transport. Defaults to core.ConnectMQTT.
	Connector core.Connector
	// Sinks receive every marker change, keyed by sink name
	Sinks map[string]marker.Sink
	// ForwardTimeout max duration of one sink call. Defaults to 5s.
	ForwardTimeout time.Duration `validate:"gte=0"`
	// Metrics optional session metrics
	Metrics *metrics.SessionMetrics
	// Clock optional time source. Defaults to time.Now.
	Clock func() time.Time
	// InitialMarkers optional markers to start from, e.g. read back from a mirror. Their
	// online flag is re-evaluated against the clock, and they are not forwarded.
	InitialMarkers marker.Markers
	// EventBuffer size of the event and forwarding loop queues. Defaults to 256.
	EventBuffer int `validate:"gte=0"`
}

// DefineParamsFromConfig build the Session parameters from the system config
//
// An explicit tracking topic takes precedence over the tracking address.
func DefineParamsFromConfig(instance string, cfg common.SystemConfig) (Params, error) {
	initialTopic := cfg.Tracking.Topic
	if initialTopic == "" && cfg.Tracking.Address != nil {
		addr := topic.Address{
			CompanyID: cfg.Tracking.Address.CompanyID,
			GroupID:   cfg.Tracking.Address.GroupID,
			UserID:    cfg.Tracking.Address.UserID,
		}
		if err := addr.Validate(); err != nil {
			return Params{}, fmt.Errorf("tracking address invalid: %w", err)
		}
		initialTopic = topic.BuildFilter(addr)
	}
	return Params{
		Instance:         instance,
		Broker:           cfg.MQTT,
		InitialTopic:     initialTopic,
		OfflineThreshold: common.DurationFromMS(cfg.Tracking.OfflineThreshold),
		SweepInterval:    common.DurationFromMS(cfg.Tracking.SweepInterval),
		FieldMapping:     marker.FieldMappingFromConfig(cfg.Tracking.FieldMapping),
		AutoConnect:      cfg.Tracking.AutoConnect,
	}, nil
}

// Session one MQTT connection tracking device location markers
//
// All state changes happen on a single event loop. Transport callbacks, timers, and
// the public methods only submit events to that loop.
type Session struct {
	common.Component
	params     Params
	qos        byte
	normalizer *marker.Normalizer
	store      *marker.Store
	connector  core.Connector
	metrics    *metrics.SessionMetrics
	clock      func() time.Time

	operationCtxt context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	loop          common.TaskProcessor
	notices       *noticeQueue
	forwarder     common.TaskProcessor
	watchdog      common.IntervalTimer
	sweeper       common.IntervalTimer
	closeOnce     sync.Once

	// Owned by the event loop
	transport     core.Transport
	generation    uint64
	disconnecting bool
	idleWaiters   []*common.Future

	// Reader view. Only written by the event loop.
	viewLock    sync.RWMutex
	state       State
	lastError   error
	activeTopic string
}

// NewSession define a new Session, and start its event loops
//
// The session runs until Close. The context only bounds the setup. With AutoConnect, the
// session also starts connecting; a connect setup error tears the session down and is
// returned.
func NewSession(ctxt context.Context, params Params) (*Session, error) {
	if params.Connector == nil {
		params.Connector = core.ConnectMQTT
	}
	if params.Clock == nil {
		params.Clock = time.Now
	}
	if params.ForwardTimeout == 0 {
		params.ForwardTimeout = defaultForwardTimeout
	}
	if params.EventBuffer == 0 {
		params.EventBuffer = defaultEventBuffer
	}
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		return nil, err
	}

	logTags := log.Fields{
		"module": "session", "component": "session", "instance": params.Instance,
	}
	operationCtxt, cancel := context.WithCancel(context.Background())
	instance := &Session{
		Component:     common.Component{LogTags: logTags},
		params:        params,
		qos:           params.Broker.QoS,
		normalizer:    marker.NewNormalizer(params.FieldMapping, params.Clock),
		store:         marker.NewStore(params.Instance),
		connector:     params.Connector,
		metrics:       params.Metrics,
		clock:         params.Clock,
		operationCtxt: operationCtxt,
		cancel:        cancel,
		notices:       newNoticeQueue(),
		state:         StateIdle,
	}

	if len(params.InitialMarkers) > 0 {
		for _, oneMarker := range params.InitialMarkers {
			instance.store.Upsert(oneMarker)
		}
		_, _ = instance.store.Sweep(instance.clock(), params.OfflineThreshold)
		log.WithFields(logTags).Infof("Starting from %d markers", instance.store.Len())
	}

	if err := instance.defineLoops(); err != nil {
		cancel()
		return nil, err
	}
	for _, tp := range []common.TaskProcessor{instance.loop, instance.forwarder} {
		if err := tp.StartEventLoop(&instance.wg); err != nil {
			cancel()
			return nil, err
		}
	}
	instance.wg.Add(1)
	go func() {
		defer instance.wg.Done()
		instance.notices.run(operationCtxt, instance.processNotice, logTags)
	}()
	if err := instance.sweeper.Start(params.SweepInterval, func() error {
		return instance.loop.Submit(instance.operationCtxt, sweepTick{})
	}, false); err != nil {
		cancel()
		return nil, err
	}
	instance.metrics.SessionState(StateIdle.String())
	instance.updateMarkerCounts()

	log.WithFields(logTags).Infof("Session ready, initial topic '%s'", params.InitialTopic)

	if params.AutoConnect {
		if err := instance.connectAndWait(ctxt); err != nil {
			closeCtxt, closeCancel := context.WithTimeout(context.Background(), time.Second*5)
			defer closeCancel()
			_ = instance.Close(closeCtxt)
			return nil, err
		}
	}
	return instance, nil
}

// defineLoops define the event loops and timers of the session
func (s *Session) defineLoops() error {
	var err error
	name := s.params.Instance
	if s.loop, err = common.GetNewTaskProcessorInstance(
		s.operationCtxt, fmt.Sprintf("%s-session", name), s.params.EventBuffer,
	); err != nil {
		return err
	}
	if err := s.loop.SetTaskExecutionMap(map[reflect.Type]common.TaskHandler{
		reflect.TypeOf(transportEnvelope{}):    s.processTransportEvent,
		reflect.TypeOf(watchdogFired{}):        s.processWatchdogFired,
		reflect.TypeOf(sweepTick{}):            s.processSweepTick,
		reflect.TypeOf(connectRequest{}):       s.processConnectRequest,
		reflect.TypeOf(disconnectRequest{}):    s.processDisconnectRequest,
		reflect.TypeOf(endComplete{}):          s.processEndComplete,
		reflect.TypeOf(clearRequest{}):         s.processClearRequest,
		reflect.TypeOf(subscriptionRequest{}):  s.processSubscriptionRequest,
		reflect.TypeOf(subscriptionComplete{}): s.processSubscriptionComplete,
	}); err != nil {
		return err
	}

	if s.forwarder, err = common.GetNewTaskProcessorInstance(
		s.operationCtxt, fmt.Sprintf("%s-forward", name), s.params.EventBuffer,
	); err != nil {
		return err
	}
	if err := s.forwarder.SetTaskExecutionMap(map[reflect.Type]common.TaskHandler{
		reflect.TypeOf(forwardBatch{}): s.processForward,
		reflect.TypeOf(forwardClear{}): s.processForward,
	}); err != nil {
		return err
	}

	if s.watchdog, err = common.GetIntervalTimerInstance(
		s.operationCtxt, fmt.Sprintf("%s-watchdog", name), &s.wg,
	); err != nil {
		return err
	}
	s.sweeper, err = common.GetIntervalTimerInstance(
		s.operationCtxt, fmt.Sprintf("%s-sweep", name), &s.wg,
	)
	return err
}

// ========================================================================================
// Actions

// submitAndWait submit a request to the event loop, and wait for its result
func (s *Session) submitAndWait(ctxt context.Context, request interface{}, result *common.Future) error {
	if err := s.loop.Submit(ctxt, request); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Failed to submit %s", reflect.TypeOf(request))
		return err
	}
	waitCtxt, cancel := context.WithCancel(ctxt)
	defer cancel()
	go func() {
		select {
		case <-s.operationCtxt.Done():
			cancel()
		case <-waitCtxt.Done():
		}
	}()
	return result.Wait(waitCtxt)
}

// Connect start connecting to the broker
//
// This is a no-op if the transport is connected, or a connect attempt is in flight.
// Setup errors are returned, and also reported through OnError. The connect outcome is
// observed through the session state and the callbacks.
func (s *Session) Connect() error {
	return s.connectAndWait(context.Background())
}

func (s *Session) connectAndWait(ctxt context.Context) error {
	request := connectRequest{result: common.NewFuture()}
	return s.submitAndWait(ctxt, request, request.result)
}

// Disconnect request a graceful termination of the transport
//
// The session turns idle once the transport confirms the termination.
func (s *Session) Disconnect() error {
	request := disconnectRequest{accepted: common.NewFuture(), idle: common.NewFuture()}
	return s.submitAndWait(context.Background(), request, request.accepted)
}

// subscriptionChange submit a subscription change, and wait for its completion
func (s *Session) subscriptionChange(ctxt context.Context, op subscriptionOp, filter string) error {
	if filter == "" {
		return ErrEmptyTopic
	}
	request := subscriptionRequest{op: op, filter: filter, result: common.NewFuture()}
	return s.submitAndWait(ctxt, request, request.result)
}

// Subscribe subscribe to a topic filter, which becomes the active topic
func (s *Session) Subscribe(ctxt context.Context, filter string) error {
	return s.subscriptionChange(ctxt, opSubscribe, filter)
}

// Unsubscribe remove a subscription. Removing the active topic leaves no active topic.
func (s *Session) Unsubscribe(ctxt context.Context, filter string) error {
	return s.subscriptionChange(ctxt, opUnsubscribe, filter)
}

// SwitchTopic move the subscription from the active topic to a new topic filter
//
// Overlapping switches race at the transport: the last one to complete sets the active
// topic.
func (s *Session) SwitchTopic(ctxt context.Context, filter string) error {
	return s.subscriptionChange(ctxt, opSwitch, filter)
}

// ClearMarkers drop all known markers
func (s *Session) ClearMarkers() error {
	request := clearRequest{result: common.NewFuture()}
	return s.submitAndWait(context.Background(), request, request.result)
}

// Close disconnect, then stop the timers and event loops of the session
func (s *Session) Close(ctxt context.Context) error {
	var closeErr error
	s.closeOnce.Do(func() {
		log.WithFields(s.LogTags).Info("Closing session")
		request := disconnectRequest{accepted: common.NewFuture(), idle: common.NewFuture()}
		if err := s.submitAndWait(ctxt, request, request.accepted); err == nil {
			if err := request.idle.Wait(ctxt); err != nil {
				log.WithError(err).WithFields(s.LogTags).Error("Transport did not terminate in time")
				closeErr = err
			}
		} else {
			closeErr = err
		}
		_ = s.sweeper.Stop()
		_ = s.watchdog.Stop()
		s.cancel()

		stopped := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctxt.Done():
			if closeErr == nil {
				closeErr = ctxt.Err()
			}
		}
	})
	return closeErr
}

// ========================================================================================
// Reader view

// Markers the current marker snapshot. The snapshot must not be modified.
func (s *Session) Markers() marker.Markers {
	return s.store.Snapshot()
}

// Marker the latest marker of one device
func (s *Session) Marker(deviceID string) (marker.Marker, bool) {
	return s.store.Get(deviceID)
}

// State the current session state
func (s *Session) State() State {
	s.viewLock.RLock()
	defer s.viewLock.RUnlock()
	return s.state
}

// IsConnected whether the session is connected
func (s *Session) IsConnected() bool {
	return s.State() == StateConnected
}

// IsConnecting whether a connect attempt or a reconnect is in flight
func (s *Session) IsConnecting() bool {
	current := s.State()
	return current == StateConnecting || current == StateReconnecting
}

// LastError the last connect, transport, or subscription error. nil once connected.
func (s *Session) LastError() error {
	s.viewLock.RLock()
	defer s.viewLock.RUnlock()
	return s.lastError
}

// ActiveTopic the topic filter currently subscribed to. Empty if none.
func (s *Session) ActiveTopic() string {
	s.viewLock.RLock()
	defer s.viewLock.RUnlock()
	return s.activeTopic
}

// Status point-in-time summary of the session
func (s *Session) Status() Status {
	s.viewLock.RLock()
	status := Status{
		State:        s.state,
		Connected:    s.state == StateConnected,
		Connecting:   s.state == StateConnecting || s.state == StateReconnecting,
		ActiveTopic:  s.activeTopic,
		InitialTopic: s.params.InitialTopic,
	}
	if s.lastError != nil {
		status.LastError = s.lastError.Error()
	}
	s.viewLock.RUnlock()
	status.MarkerCount = s.store.Len()
	status.OnlineCount = s.store.OnlineCount()
	return status
}
