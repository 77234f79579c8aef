package session

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/alwitt/livemarkers/core"
	"github.com/alwitt/livemarkers/marker"
	"github.com/apex/log"
)

// ========================================================================================
// Helpers. Only called from the event loop.

// setState change the session state
func (s *Session) setState(newState State) {
	s.viewLock.Lock()
	oldState := s.state
	s.state = newState
	s.viewLock.Unlock()
	if oldState != newState {
		log.WithFields(s.LogTags).Debugf("State %s -> %s", oldState, newState)
		s.metrics.SessionState(newState.String())
	}
}

// setLastError record the last error
func (s *Session) setLastError(err error) {
	s.viewLock.Lock()
	defer s.viewLock.Unlock()
	s.lastError = err
}

// setActiveTopic record the active topic filter
func (s *Session) setActiveTopic(filter string) {
	s.viewLock.Lock()
	defer s.viewLock.Unlock()
	s.activeTopic = filter
}

// notify queue a notice for the callbacks
func (s *Session) notify(notice interface{}) {
	s.notices.push(notice)
}

// forward hand a change to the forwarding loop
func (s *Session) forward(change interface{}) {
	if len(s.params.Sinks) == 0 {
		return
	}
	if err := s.forwarder.Submit(s.operationCtxt, change); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Failed to submit %s", reflect.TypeOf(change))
	}
}

// fail record an error, and report it through OnError
func (s *Session) fail(err error) {
	s.setLastError(err)
	s.notify(errorNotice{err: err})
}

// updateMarkerCounts refresh the marker table gauges
func (s *Session) updateMarkerCounts() {
	s.metrics.MarkerCounts(s.store.Len(), s.store.OnlineCount())
}

// transportEventHandler build the transport event callback for one transport generation
func (s *Session) transportEventHandler(generation uint64) core.TransportEventHandler {
	return func(event core.TransportEvent) {
		if err := s.loop.Submit(
			s.operationCtxt, transportEnvelope{generation: generation, event: event},
		); err != nil {
			log.WithError(err).WithFields(s.LogTags).Errorf("Failed to submit %s", reflect.TypeOf(event))
		}
	}
}

// awaitOperation wait for an asynchronous transport operation off the event loop, then
// report its completion to the event loop
func (s *Session) awaitOperation(op core.Operation, complete subscriptionComplete) {
	go func() {
		select {
		case <-op.Done():
		case <-s.operationCtxt.Done():
			if complete.result != nil {
				complete.result.Resolve(s.operationCtxt.Err())
			}
			return
		}
		complete.err = op.Error()
		if err := s.loop.Submit(s.operationCtxt, complete); err != nil {
			log.WithError(err).WithFields(s.LogTags).Error("Failed to submit subscription completion")
			if complete.result != nil {
				complete.result.Resolve(complete.err)
			}
		}
	}()
}

// resolveIdleWaiters release everyone waiting for the session to turn idle
func (s *Session) resolveIdleWaiters(err error) {
	for _, waiter := range s.idleWaiters {
		waiter.Resolve(err)
	}
	s.idleWaiters = nil
}

// ========================================================================================
// Action handlers

func (s *Session) processConnectRequest(param interface{}) error {
	request, ok := param.(connectRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for connect", reflect.TypeOf(param))
	}
	err := s.connect()
	request.result.Resolve(err)
	return err
}

// connect allocate a new transport, and start the connect watchdog
func (s *Session) connect() error {
	if !s.disconnecting {
		if s.transport != nil && s.transport.IsConnected() {
			log.WithFields(s.LogTags).Info("Already connected, ignoring connect request")
			return nil
		}
		if s.state == StateConnecting || s.state == StateReconnecting {
			log.WithFields(s.LogTags).Info("Connect attempt in flight, ignoring connect request")
			return nil
		}
	}

	if s.transport != nil {
		log.WithFields(s.LogTags).Info("Replacing stale transport")
		s.transport.End(true)
		s.transport = nil
		s.disconnecting = false
		s.resolveIdleWaiters(nil)
	}
	s.generation++
	generation := s.generation

	connectParams, err := core.DefineMQTTConnectParams(
		s.params.Broker, s.transportEventHandler(generation),
	)
	if err != nil {
		return s.connectSetupFailed(err)
	}

	log.WithFields(s.LogTags).Infof("Connecting to %s as %s", connectParams.BrokerURI, connectParams.ClientID)
	s.setState(StateConnecting)
	s.metrics.ConnectAttempt()
	transport, err := s.connector(connectParams)
	if err != nil {
		return s.connectSetupFailed(err)
	}
	s.transport = transport

	watchdogPeriod := connectParams.ConnectTimeout * 2
	if err := s.watchdog.Start(watchdogPeriod, func() error {
		return s.loop.Submit(s.operationCtxt, watchdogFired{generation: generation})
	}, true); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Failed to start connect watchdog")
	}
	return nil
}

// connectSetupFailed handle a connect which could not be started
func (s *Session) connectSetupFailed(err error) error {
	log.WithError(err).WithFields(s.LogTags).Error("Connect setup failed")
	s.setState(StateErrored)
	s.fail(err)
	return err
}

func (s *Session) processDisconnectRequest(param interface{}) error {
	request, ok := param.(disconnectRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for disconnect", reflect.TypeOf(param))
	}
	defer request.accepted.Resolve(nil)
	_ = s.watchdog.Stop()

	if s.transport == nil {
		s.setState(StateIdle)
		request.idle.Resolve(nil)
		return nil
	}

	s.idleWaiters = append(s.idleWaiters, request.idle)
	if s.disconnecting {
		return nil
	}
	s.disconnecting = true
	log.WithFields(s.LogTags).Info("Disconnecting")

	generation := s.generation
	endOp := s.transport.End(true)
	go func() {
		select {
		case <-endOp.Done():
		case <-s.operationCtxt.Done():
			return
		}
		if err := s.loop.Submit(
			s.operationCtxt, endComplete{generation: generation, err: endOp.Error()},
		); err != nil {
			log.WithError(err).WithFields(s.LogTags).Error("Failed to submit end completion")
		}
	}()
	return nil
}

func (s *Session) processEndComplete(param interface{}) error {
	complete, ok := param.(endComplete)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for end", reflect.TypeOf(param))
	}
	if complete.generation != s.generation || !s.disconnecting {
		log.WithFields(s.LogTags).Debug("Ignoring end of superseded transport")
		return nil
	}
	if complete.err != nil {
		log.WithError(complete.err).WithFields(s.LogTags).Error("Transport termination reported failure")
	}
	log.WithFields(s.LogTags).Info("Connection terminated")
	s.transport = nil
	s.disconnecting = false
	// Late events of the terminated transport are dropped
	s.generation++
	s.setState(StateIdle)
	s.resolveIdleWaiters(nil)
	return nil
}

func (s *Session) processClearRequest(param interface{}) error {
	request, ok := param.(clearRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for clear", reflect.TypeOf(param))
	}
	s.store.Clear()
	s.updateMarkerCounts()
	s.forward(forwardClear{})
	request.result.Resolve(nil)
	return nil
}

func (s *Session) processSubscriptionRequest(param interface{}) error {
	request, ok := param.(subscriptionRequest)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for subscription", reflect.TypeOf(param))
	}
	if s.state != StateConnected || s.transport == nil || s.disconnecting {
		request.result.Resolve(ErrNotConnected)
		return nil
	}

	var op core.Operation
	switch request.op {
	case opSubscribe:
		op = s.transport.Subscribe(request.filter, s.qos)
	case opUnsubscribe:
		op = s.transport.Unsubscribe(request.filter)
	default:
		op = SwitchSubscription(s.transport, s.ActiveTopic(), request.filter, s.qos)
	}
	s.awaitOperation(op, subscriptionComplete{
		generation: s.generation, op: request.op, filter: request.filter, result: request.result,
	})
	return nil
}

func (s *Session) processSubscriptionComplete(param interface{}) error {
	complete, ok := param.(subscriptionComplete)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for subscription completion", reflect.TypeOf(param),
		)
	}
	s.metrics.SubscriptionChange(complete.op.String(), complete.err)

	if complete.err != nil {
		log.WithError(complete.err).WithFields(s.LogTags).Errorf(
			"Failed to %s %s", complete.op, complete.filter,
		)
		if complete.op == opResubscribe && complete.generation == s.generation {
			s.fail(fmt.Errorf("subscription failed: %w", complete.err))
		}
	} else if complete.generation == s.generation {
		switch complete.op {
		case opUnsubscribe:
			if s.ActiveTopic() == complete.filter {
				s.setActiveTopic("")
			}
		default:
			s.setActiveTopic(complete.filter)
		}
		log.WithFields(s.LogTags).Infof("Active topic '%s'", s.ActiveTopic())
	}

	if complete.result != nil {
		complete.result.Resolve(complete.err)
	}
	return nil
}

// ========================================================================================
// Timer handlers

func (s *Session) processWatchdogFired(param interface{}) error {
	fired, ok := param.(watchdogFired)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for watchdog", reflect.TypeOf(param))
	}
	if fired.generation != s.generation || s.state != StateConnecting {
		return nil
	}
	log.WithFields(s.LogTags).Error("Connect attempt timed out")
	s.setState(StateErrored)
	s.fail(ErrConnectTimeout)
	return nil
}

func (s *Session) processSweepTick(param interface{}) error {
	if _, ok := param.(sweepTick); !ok {
		return fmt.Errorf("can not process unknown type %s for sweep", reflect.TypeOf(param))
	}
	_, changed := s.store.Sweep(s.clock(), s.params.OfflineThreshold)
	if len(changed) == 0 {
		return nil
	}
	log.WithFields(s.LogTags).Debugf("Sweep changed %d markers", len(changed))
	s.metrics.SweepFlips(len(changed))
	s.updateMarkerCounts()
	s.forward(forwardBatch{changed: changed})
	return nil
}

// ========================================================================================
// Transport event handlers

func (s *Session) processTransportEvent(param interface{}) error {
	envelope, ok := param.(transportEnvelope)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for transport event", reflect.TypeOf(param))
	}
	if envelope.generation != s.generation || s.transport == nil {
		log.WithFields(s.LogTags).Debugf(
			"Ignoring %s from superseded transport", reflect.TypeOf(envelope.event),
		)
		return nil
	}

	switch event := envelope.event.(type) {
	case core.ConnectEvent:
		s.handleConnected()
	case core.MessageEvent:
		s.handleMessage(event)
	case core.ErrorEvent:
		s.handleTransportError(event.Err)
	case core.CloseEvent:
		s.handleClose()
	case core.ReconnectEvent:
		s.handleReconnect()
	case core.OfflineEvent, core.EndEvent:
		s.handleOffline(event)
	default:
		return fmt.Errorf("unknown transport event %s", reflect.TypeOf(event))
	}
	return nil
}

// handleConnected transport connected. Restore the subscription.
func (s *Session) handleConnected() {
	if s.disconnecting {
		log.WithFields(s.LogTags).Debug("Ignoring connect while disconnecting")
		return
	}
	_ = s.watchdog.Stop()
	s.setLastError(nil)
	s.setState(StateConnected)
	s.notify(connectNotice{})

	target := s.ActiveTopic()
	if target == "" {
		target = s.params.InitialTopic
	}
	if target == "" {
		return
	}
	// A fresh connection holds no subscription
	switchOp := SwitchSubscription(s.transport, "", target, s.qos)
	s.awaitOperation(switchOp, subscriptionComplete{
		generation: s.generation, op: opResubscribe, filter: target,
	})
}

// handleMessage normalize a location report into the marker table
func (s *Session) handleMessage(event core.MessageEvent) {
	m, err := s.normalizer.Normalize(event.Payload, event.Topic)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, marker.ErrMissingCoordinates) {
			reason = "missing_coordinates"
		}
		s.metrics.MessageRejected(reason)
		return
	}
	log.WithFields(s.LogTags).Debugf("Marker %s", m)
	s.store.Upsert(m)
	s.metrics.MessageAccepted()
	s.updateMarkerCounts()
	s.notify(messageNotice{topic: event.Topic, marker: m})
	s.forward(forwardBatch{changed: []marker.Marker{m}})
}

// handleTransportError record a transport error. The transport may still self-heal.
func (s *Session) handleTransportError(err error) {
	if err == nil {
		err = fmt.Errorf("unspecified transport error")
	}
	switch s.state {
	case StateConnected, StateConnecting, StateReconnecting:
		s.setState(StateErrored)
	}
	s.fail(err)
}

// handleClose connection closed
func (s *Session) handleClose() {
	switch s.state {
	case StateConnected, StateErrored:
		s.setState(StateDisconnected)
		s.notify(disconnectNotice{})
	default:
		log.WithFields(s.LogTags).Debugf("Connection closed while %s", s.state)
	}
}

// handleReconnect transport retrying on its own
func (s *Session) handleReconnect() {
	if s.disconnecting {
		return
	}
	switch s.state {
	case StateConnected, StateDisconnected, StateErrored:
		s.setState(StateReconnecting)
	}
}

// handleOffline transport gave up, or terminated
func (s *Session) handleOffline(event core.TransportEvent) {
	log.WithFields(s.LogTags).Infof("Transport reported %s", reflect.TypeOf(event).Name())
	_ = s.watchdog.Stop()
	s.setState(StateDisconnected)
}

// ========================================================================================
// Notification and forwarding handlers

func (s *Session) processNotice(param interface{}) error {
	callbacks := s.params.Callbacks
	switch notice := param.(type) {
	case connectNotice:
		if callbacks.OnConnect != nil {
			callbacks.OnConnect()
		}
	case disconnectNotice:
		if callbacks.OnDisconnect != nil {
			callbacks.OnDisconnect()
		}
	case errorNotice:
		if callbacks.OnError != nil {
			callbacks.OnError(notice.err)
		}
	case messageNotice:
		if callbacks.OnMessage != nil {
			callbacks.OnMessage(notice.topic, notice.marker)
		}
	default:
		return fmt.Errorf("can not process unknown type %s for notification", reflect.TypeOf(param))
	}
	return nil
}

func (s *Session) processForward(param interface{}) error {
	for name, sink := range s.params.Sinks {
		var forwardFn func(ctxt context.Context) error
		switch change := param.(type) {
		case forwardBatch:
			forwardFn = func(ctxt context.Context) error {
				return sink.ForwardMarkers(ctxt, change.changed)
			}
		case forwardClear:
			clearSink, ok := sink.(marker.ClearSink)
			if !ok {
				continue
			}
			forwardFn = clearSink.MarkersCleared
		default:
			return fmt.Errorf("can not process unknown type %s for forwarding", reflect.TypeOf(param))
		}
		start := time.Now()
		ctxt, cancel := context.WithTimeout(s.operationCtxt, s.params.ForwardTimeout)
		err := forwardFn(ctxt)
		cancel()
		s.metrics.ForwardResult(name, start, err)
		if err != nil {
			log.WithError(err).WithFields(s.LogTags).Errorf("Forwarding to %s failed", name)
		}
	}
	return nil
}
