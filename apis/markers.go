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

package apis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/livemarkers/common"
	"github.com/alwitt/livemarkers/marker"
	"github.com/alwitt/livemarkers/session"
	"github.com/alwitt/livemarkers/topic"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the stream client
	streamWriteWait = 10 * time.Second
	// Time allowed to read the next pong from the stream client
	streamPongWait = 60 * time.Second
	// Must be less than streamPongWait
	streamPingPeriod = 15 * time.Second
	// Stream clients only send control frames
	streamMaxClientMessage = 512
)

// MarkerSession the tracking session operations served over the REST API
type MarkerSession interface {
	// Connect start connecting to the broker
	Connect() error
	// Disconnect stop the broker connection
	Disconnect() error
	// Subscribe add a subscription
	Subscribe(ctxt context.Context, filter string) error
	// Unsubscribe remove a subscription
	Unsubscribe(ctxt context.Context, filter string) error
	// SwitchTopic replace the active subscription
	SwitchTopic(ctxt context.Context, filter string) error
	// ClearMarkers drop every marker
	ClearMarkers() error
	// Markers snapshot of the marker table
	Markers() marker.Markers
	// Marker the marker of one device
	Marker(deviceID string) (marker.Marker, bool)
	// IsConnected whether the broker connection is up
	IsConnected() bool
	// Status session status summary
	Status() session.Status
}

// APIRestMarkerHandler REST and websocket handler for the marker tracking session
type APIRestMarkerHandler struct {
	goutils.RestAPIHandler
	session  MarkerSession
	hub      *MarkerStreamHub
	validate *validator.Validate
	upgrader websocket.Upgrader
}

// GetAPIRestMarkerHandler define APIRestMarkerHandler
func GetAPIRestMarkerHandler(
	sess MarkerSession,
	hub *MarkerStreamHub,
	logging common.HTTPRequestLogging,
	instance string,
) (APIRestMarkerHandler, error) {
	if sess == nil {
		return APIRestMarkerHandler{}, fmt.Errorf("no marker session given")
	}
	if hub == nil {
		return APIRestMarkerHandler{}, fmt.Errorf("no stream hub given")
	}
	logTags := log.Fields{"module": "apis", "component": "markers", "instance": instance}
	return APIRestMarkerHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, logging),
		session:        sess,
		hub:            hub,
		validate:       validator.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}, nil
}

// respond write the response, logging any write failure
func (h APIRestMarkerHandler) respond(
	w http.ResponseWriter, r *http.Request, respCode int, respBody interface{},
) {
	if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
		log.WithError(err).WithFields(h.GetLogTagsForContext(r.Context())).
			Error("Failed to form response")
	}
}

// respondError log the failure, and write the standard error response
func (h APIRestMarkerHandler) respondError(
	w http.ResponseWriter, r *http.Request, respCode int, msg string, err error,
) {
	log.WithError(err).WithFields(h.GetLogTagsForContext(r.Context())).Error(msg)
	h.respond(w, r, respCode, h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error()))
}

// sessionErrorCode HTTP response code of a session operation failure
func sessionErrorCode(err error) int {
	switch {
	case errors.Is(err, session.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, session.ErrEmptyTopic):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// =======================================================================
// Markers

// APIRestRespMarkers response listing markers
type APIRestRespMarkers struct {
	goutils.RestAPIBaseResponse
	// Markers are the markers, ordered by device ID
	Markers []marker.Marker `json:"markers"`
}

// ListMarkers list every known marker
//
// Query "online=true" limits the list to the online markers.
func (h APIRestMarkerHandler) ListMarkers(w http.ResponseWriter, r *http.Request) {
	onlineOnly := r.URL.Query().Get("online") == "true"
	markers := []marker.Marker{}
	for _, oneMarker := range h.session.Markers() {
		if onlineOnly && !oneMarker.IsOnline {
			continue
		}
		markers = append(markers, oneMarker)
	}
	h.respond(w, r, http.StatusOK, APIRestRespMarkers{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Markers: sortedMarkers(markers),
	})
}

// ListMarkersHandler Wrapper around ListMarkers
func (h APIRestMarkerHandler) ListMarkersHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.ListMarkers)
}

// -----------------------------------------------------------------------

// APIRestRespMarker response with one marker
type APIRestRespMarker struct {
	goutils.RestAPIBaseResponse
	Marker marker.Marker `json:"marker"`
}

// GetMarker fetch the marker of one device
func (h APIRestMarkerHandler) GetMarker(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := mux.Vars(r)["deviceID"]
	if !ok || deviceID == "" {
		h.respondError(
			w, r, http.StatusBadRequest, "No device ID provided", fmt.Errorf("missing device ID"),
		)
		return
	}
	found, ok := h.session.Marker(deviceID)
	if !ok {
		h.respondError(
			w, r, http.StatusNotFound, "Unknown device", fmt.Errorf("no marker for %s", deviceID),
		)
		return
	}
	h.respond(w, r, http.StatusOK, APIRestRespMarker{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Marker: found,
	})
}

// GetMarkerHandler Wrapper around GetMarker
func (h APIRestMarkerHandler) GetMarkerHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.GetMarker)
}

// -----------------------------------------------------------------------

// ClearMarkers drop every marker
func (h APIRestMarkerHandler) ClearMarkers(w http.ResponseWriter, r *http.Request) {
	if err := h.session.ClearMarkers(); err != nil {
		h.respondError(w, r, sessionErrorCode(err), "Failed to clear markers", err)
		return
	}
	h.respond(w, r, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()))
}

// ClearMarkersHandler Wrapper around ClearMarkers
func (h APIRestMarkerHandler) ClearMarkersHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.ClearMarkers)
}

// =======================================================================
// Session

// APIRestRespSession response with the session status
type APIRestRespSession struct {
	goutils.RestAPIBaseResponse
	Session session.Status `json:"session"`
}

// GetSession report the session status
func (h APIRestMarkerHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, http.StatusOK, APIRestRespSession{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Session: h.session.Status(),
	})
}

// GetSessionHandler Wrapper around GetSession
func (h APIRestMarkerHandler) GetSessionHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.GetSession)
}

// -----------------------------------------------------------------------

// Connect start connecting the session to the broker
func (h APIRestMarkerHandler) Connect(w http.ResponseWriter, r *http.Request) {
	if err := h.session.Connect(); err != nil {
		h.respondError(w, r, sessionErrorCode(err), "Failed to connect", err)
		return
	}
	h.respond(w, r, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()))
}

// ConnectHandler Wrapper around Connect
func (h APIRestMarkerHandler) ConnectHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.Connect)
}

// -----------------------------------------------------------------------

// Disconnect stop the session broker connection
func (h APIRestMarkerHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	if err := h.session.Disconnect(); err != nil {
		h.respondError(w, r, sessionErrorCode(err), "Failed to disconnect", err)
		return
	}
	h.respond(w, r, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()))
}

// DisconnectHandler Wrapper around Disconnect
func (h APIRestMarkerHandler) DisconnectHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.Disconnect)
}

// -----------------------------------------------------------------------

// APIRestReqTopic switch topic request. Either an explicit topic filter, or the
// address to build one from.
type APIRestReqTopic struct {
	Topic     string `json:"topic,omitempty"`
	CompanyID string `json:"company_id,omitempty"`
	GroupID   string `json:"group_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

// filter the topic filter requested
func (req APIRestReqTopic) filter() (string, error) {
	if req.Topic != "" {
		return req.Topic, nil
	}
	addr := topic.Address{CompanyID: req.CompanyID, GroupID: req.GroupID, UserID: req.UserID}
	if err := addr.Validate(); err != nil {
		return "", err
	}
	return topic.BuildFilter(addr), nil
}

// SwitchTopic replace the active subscription
func (h APIRestMarkerHandler) SwitchTopic(w http.ResponseWriter, r *http.Request) {
	var params APIRestReqTopic
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "Unable to parse request body", err)
		return
	}
	filter, err := params.filter()
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "Invalid topic address", err)
		return
	}
	if err := h.session.SwitchTopic(r.Context(), filter); err != nil {
		h.respondError(w, r, sessionErrorCode(err), "Failed to switch topic", err)
		return
	}
	h.respond(w, r, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()))
}

// SwitchTopicHandler Wrapper around SwitchTopic
func (h APIRestMarkerHandler) SwitchTopicHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.SwitchTopic)
}

// -----------------------------------------------------------------------

// APIRestReqSubscription subscribe / unsubscribe request
type APIRestReqSubscription struct {
	Topic string `json:"topic" validate:"required"`
}

// readSubscription parse and validate the subscription request body
func (h APIRestMarkerHandler) readSubscription(r *http.Request) (string, error) {
	var params APIRestReqSubscription
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		return "", err
	}
	if err := h.validate.Struct(&params); err != nil {
		return "", err
	}
	return params.Topic, nil
}

// Subscribe add a subscription
func (h APIRestMarkerHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	filter, err := h.readSubscription(r)
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "Invalid subscription request", err)
		return
	}
	if err := h.session.Subscribe(r.Context(), filter); err != nil {
		h.respondError(w, r, sessionErrorCode(err), "Failed to subscribe", err)
		return
	}
	h.respond(w, r, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()))
}

// SubscribeHandler Wrapper around Subscribe
func (h APIRestMarkerHandler) SubscribeHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.Subscribe)
}

// Unsubscribe remove a subscription
func (h APIRestMarkerHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	filter, err := h.readSubscription(r)
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "Invalid subscription request", err)
		return
	}
	if err := h.session.Unsubscribe(r.Context(), filter); err != nil {
		h.respondError(w, r, sessionErrorCode(err), "Failed to unsubscribe", err)
		return
	}
	h.respond(w, r, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()))
}

// UnsubscribeHandler Wrapper around Unsubscribe
func (h APIRestMarkerHandler) UnsubscribeHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.Unsubscribe)
}

// =======================================================================
// Live stream

// StreamMarkers upgrade to a websocket, send the marker table snapshot, then every
// marker change until either side closes
func (h APIRestMarkerHandler) StreamMarkers(w http.ResponseWriter, r *http.Request) {
	logTags := h.GetLogTagsForContext(r.Context())

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error
		log.WithError(err).WithFields(logTags).Error("Websocket upgrade failed")
		return
	}
	defer func() {
		_ = conn.Close()
	}()

	closeWith := func(code int, reason string) {
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(streamWriteWait),
		)
	}

	// Join before taking the snapshot, so no change is missed in between
	client := h.hub.join()
	if client == nil {
		closeWith(websocket.CloseGoingAway, "server stopping")
		return
	}
	defer h.hub.leave(client.id)
	logTags["stream_client"] = client.id

	runtimeCtxt, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Read side only handles control frames, and notices the client leaving
	go func() {
		defer cancel()
		conn.SetReadLimit(streamMaxClientMessage)
		_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(streamPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(
					err, websocket.CloseGoingAway, websocket.CloseNormalClosure,
				) {
					log.WithError(err).WithFields(logTags).Warn("Stream client read failure")
				}
				return
			}
		}
	}()

	write := func(msg StreamMessage) error {
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
		return conn.WriteJSON(&msg)
	}

	if err := write(snapshotMessage(h.session.Markers())); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to send snapshot")
		return
	}
	log.WithFields(logTags).Info("Stream started")

	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-runtimeCtxt.Done():
			log.WithFields(logTags).Info("Stream ended by client")
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.WithError(err).WithFields(logTags).Error("Stream ping failed")
				return
			}
		case msg, ok := <-client.outbound:
			if !ok {
				log.WithFields(logTags).Info("Stream closed by hub")
				closeWith(websocket.CloseGoingAway, "stream closed")
				return
			}
			if err := write(msg); err != nil {
				log.WithError(err).WithFields(logTags).Error("Failed to send marker changes")
				return
			}
		}
	}
}

// StreamMarkersHandler Wrapper around StreamMarkers
func (h APIRestMarkerHandler) StreamMarkersHandler() http.HandlerFunc {
	handler := h.LoggingMiddleware(h.StreamMarkers)
	return func(w http.ResponseWriter, r *http.Request) {
		handler(hijackWriter{ResponseWriter: w}, r)
	}
}

// =======================================================================
// Health Checks

// Alive will return success to indicate the REST API module is live
func (h APIRestMarkerHandler) Alive(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()))
}

// AliveHandler Wrapper around Alive
func (h APIRestMarkerHandler) AliveHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.Alive)
}

// Ready will return success once the session is connected to the broker
func (h APIRestMarkerHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if !h.session.IsConnected() {
		msg := "not ready"
		h.respond(w, r, http.StatusServiceUnavailable, h.GetStdRESTErrorMsg(
			r.Context(), http.StatusServiceUnavailable, msg, session.ErrNotConnected.Error(),
		))
		return
	}
	h.respond(w, r, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()))
}

// ReadyHandler Wrapper around Ready
func (h APIRestMarkerHandler) ReadyHandler() http.HandlerFunc {
	return h.LoggingMiddleware(h.Ready)
}

// =======================================================================

// RegisterRoutes attach every end-point under the path prefix
func (h APIRestMarkerHandler) RegisterRoutes(router *mux.Router, pathPrefix string) *mux.Router {
	mainRouter := RegisterPathPrefix(router, pathPrefix, nil)

	markersRouter := RegisterPathPrefix(mainRouter, "/v1/markers", MethodHandlers{
		http.MethodGet:    h.ListMarkersHandler(),
		http.MethodDelete: h.ClearMarkersHandler(),
	})
	_ = RegisterPathPrefix(markersRouter, "/{deviceID}", MethodHandlers{
		http.MethodGet: h.GetMarkerHandler(),
	})

	sessionRouter := RegisterPathPrefix(mainRouter, "/v1/session", MethodHandlers{
		http.MethodGet: h.GetSessionHandler(),
	})
	_ = RegisterPathPrefix(sessionRouter, "/connect", MethodHandlers{
		http.MethodPost: h.ConnectHandler(),
	})
	_ = RegisterPathPrefix(sessionRouter, "/disconnect", MethodHandlers{
		http.MethodPost: h.DisconnectHandler(),
	})
	_ = RegisterPathPrefix(sessionRouter, "/topic", MethodHandlers{
		http.MethodPut: h.SwitchTopicHandler(),
	})
	_ = RegisterPathPrefix(sessionRouter, "/subscribe", MethodHandlers{
		http.MethodPost: h.SubscribeHandler(),
	})
	_ = RegisterPathPrefix(sessionRouter, "/unsubscribe", MethodHandlers{
		http.MethodPost: h.UnsubscribeHandler(),
	})

	_ = RegisterPathPrefix(mainRouter, "/v1/stream", MethodHandlers{
		http.MethodGet: h.StreamMarkersHandler(),
	})

	_ = RegisterPathPrefix(mainRouter, "/alive", MethodHandlers{
		http.MethodGet: h.AliveHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/ready", MethodHandlers{
		http.MethodGet: h.ReadyHandler(),
	})
	return mainRouter
}
