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

package dataplane

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/alwitt/livemarkers/common"
	"github.com/alwitt/livemarkers/core"
	"github.com/alwitt/livemarkers/marker"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// MessagePublisher publishes messages on a NATS subject
type MessagePublisher interface {
	// Publish publishes a new message on a subject
	Publish(ctxt context.Context, subject string, msg []byte) error
}

// ==============================================================================

// natsPublisherImpl implements MessagePublisher with core NATS
type natsPublisherImpl struct {
	common.Component
	nc *nats.Conn
}

// GetNATSPublisher get new core NATS MessagePublisher
func GetNATSPublisher(natsClient *core.NatsClient, instance string) (MessagePublisher, error) {
	if natsClient.Conn() == nil {
		return nil, fmt.Errorf("NATS client not connected")
	}
	logTags := log.Fields{
		"module": "dataplane", "component": "nats-publisher", "instance": instance,
	}
	return &natsPublisherImpl{
		Component: common.Component{LogTags: logTags}, nc: natsClient.Conn(),
	}, nil
}

// Publish publishes a new message on a subject
func (s *natsPublisherImpl) Publish(ctxt context.Context, subject string, msg []byte) error {
	localLogTags := s.CopyLogTags(log.Fields{"subject": subject})
	if err := s.nc.Publish(subject, msg); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to send message")
		return err
	}
	log.WithFields(localLogTags).Debug("Sent")
	return nil
}

// ==============================================================================

// jetStreamPublisherImpl implements MessagePublisher with JetStream
type jetStreamPublisherImpl struct {
	common.Component
	js nats.JetStreamContext
}

// GetJetStreamPublisher get new JetStream MessagePublisher
func GetJetStreamPublisher(natsClient *core.NatsClient, instance string) (MessagePublisher, error) {
	if natsClient.JetStream() == nil {
		return nil, fmt.Errorf("NATS client has no JetStream context")
	}
	logTags := log.Fields{
		"module": "dataplane", "component": "js-publisher", "instance": instance,
	}
	return &jetStreamPublisherImpl{
		Component: common.Component{LogTags: logTags}, js: natsClient.JetStream(),
	}, nil
}

// Publish publishes a new message into JetStream on a subject
func (s *jetStreamPublisherImpl) Publish(ctxt context.Context, subject string, msg []byte) error {
	localLogTags := s.CopyLogTags(log.Fields{"subject": subject})
	ack, err := s.js.PublishAsync(subject, msg)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to send message")
		return err
	}
	// Wait for success, failure, or timeout
	select {
	case goodSig, ok := <-ack.Ok():
		if !ok {
			err := fmt.Errorf("reading nats.PubAckFuture OK channel failure")
			log.WithError(err).WithFields(localLogTags).Errorf("Message send failure")
			return err
		}
		log.WithFields(localLogTags).Debugf(
			"Sent [%d] to %s", goodSig.Sequence, goodSig.Stream,
		)
		return nil
	case txErr, ok := <-ack.Err():
		if !ok {
			err := fmt.Errorf("reading nats.PubAckFuture error channel failure")
			log.WithError(err).WithFields(localLogTags).Errorf("Message send failure")
			return err
		}
		return txErr
	case <-ctxt.Done():
		err := ctxt.Err()
		log.WithError(err).WithFields(localLogTags).Errorf("Message send timed out")
		return err
	}
}

// ==============================================================================

// subjectTokenReplacer strips the characters NATS treats specially within a subject token
var subjectTokenReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_", "\t", "_")

// subjectToken turn an ID into a single subject token
func subjectToken(id string) string {
	if id == "" {
		return "_"
	}
	return subjectTokenReplacer.Replace(id)
}

// MarkerSubject the subject a marker change is published on: "<prefix>.<company>.<device>"
//
// A marker without a company uses "_" in its place.
func MarkerSubject(prefix string, m marker.Marker) string {
	subject := fmt.Sprintf("%s.%s", subjectToken(m.CompanyID), subjectToken(m.DeviceID))
	if prefix == "" {
		return subject
	}
	return fmt.Sprintf("%s.%s", prefix, subject)
}

// MarkerPublisher forwards marker changes into NATS, one message per changed marker
type MarkerPublisher struct {
	common.Component
	publisher     MessagePublisher
	subjectPrefix string
}

// NewMarkerPublisher define a new MarkerPublisher
func NewMarkerPublisher(
	publisher MessagePublisher, subjectPrefix, instance string,
) (*MarkerPublisher, error) {
	if publisher == nil {
		return nil, fmt.Errorf("no message publisher given")
	}
	logTags := log.Fields{
		"module": "dataplane", "component": "marker-publisher", "instance": instance,
	}
	return &MarkerPublisher{
		Component:     common.Component{LogTags: logTags},
		publisher:     publisher,
		subjectPrefix: strings.TrimSuffix(subjectPrefix, "."),
	}, nil
}

// ForwardMarkers publish each changed marker as JSON on its own subject
//
// Every marker is attempted; the first failure is returned.
func (p *MarkerPublisher) ForwardMarkers(ctxt context.Context, changed []marker.Marker) error {
	var firstErr error
	for _, oneMarker := range changed {
		payload, err := json.Marshal(&oneMarker)
		if err != nil {
			log.WithError(err).WithFields(p.LogTags).Errorf("Unable to encode %s", oneMarker)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		subject := MarkerSubject(p.subjectPrefix, oneMarker)
		if err := p.publisher.Publish(ctxt, subject, payload); err != nil {
			log.WithError(err).WithFields(p.LogTags).Errorf("Unable to publish %s", oneMarker)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
