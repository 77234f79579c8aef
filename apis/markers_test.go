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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/livemarkers/common"
	"github.com/alwitt/livemarkers/marker"
	"github.com/alwitt/livemarkers/session"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

const testRequestIDHeader = "Testing-Request-ID"

func defineTestRouter(t *testing.T, sess MarkerSession, hub *MarkerStreamHub) *mux.Router {
	uut, err := GetAPIRestMarkerHandler(sess, hub, common.HTTPRequestLogging{
		RequestIDHeader: testRequestIDHeader,
		DoNotLogHeaders: []string{"Authorization"},
	}, "testing")
	assert.Nil(t, err)
	router := mux.NewRouter()
	uut.RegisterRoutes(router, "/")
	return router
}

func TestMarkerRestAPI(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	mockSession := NewMockMarkerSession(t)
	router := defineTestRouter(t, mockSession, NewMarkerStreamHub("testing", 4))

	call := func(method, path string, body interface{}) (*httptest.ResponseRecorder, string) {
		var payload []byte
		if body != nil {
			var err error
			payload, err = json.Marshal(body)
			assert.Nil(err)
		}
		req, err := http.NewRequest(method, path, bytes.NewReader(payload))
		assert.Nil(err)
		reqID := uuid.New().String()
		req.Header.Set(testRequestIDHeader, reqID)
		respRecorder := httptest.NewRecorder()
		router.ServeHTTP(respRecorder, req)
		assert.Equal(reqID, respRecorder.Header().Get(testRequestIDHeader))
		assert.Equal("application/json", respRecorder.Header().Get("content-type"))
		return respRecorder, reqID
	}

	speed := 4.5
	marker1 := marker.Marker{
		DeviceID: "d1", Latitude: 1.5, Longitude: 2.5, Speed: &speed, IsOnline: true, CompanyID: "A",
	}
	marker2 := marker.Marker{DeviceID: "d2", Latitude: -1, Longitude: 3, CompanyID: "A"}

	// Case 0: request ID is generated when not given
	{
		req, err := http.NewRequest(http.MethodGet, "/alive", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		router.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
		reqID := respRecorder.Header().Get(testRequestIDHeader)
		assert.NotEmpty(reqID)
		var resp goutils.RestAPIBaseResponse
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &resp))
		assert.True(resp.Success)
		assert.Equal(reqID, resp.RequestID)
	}

	// Case 1: list markers
	mockSession.On("Markers").Return(marker.Markers{"d2": marker2, "d1": marker1}).Twice()
	{
		resp, reqID := call(http.MethodGet, "/v1/markers", nil)
		assert.Equal(http.StatusOK, resp.Code)
		var parsed APIRestRespMarkers
		assert.Nil(json.Unmarshal(resp.Body.Bytes(), &parsed))
		assert.True(parsed.Success)
		assert.Equal(reqID, parsed.RequestID)
		assert.Equal([]marker.Marker{marker1, marker2}, parsed.Markers)
	}
	{
		resp, _ := call(http.MethodGet, "/v1/markers?online=true", nil)
		assert.Equal(http.StatusOK, resp.Code)
		var parsed APIRestRespMarkers
		assert.Nil(json.Unmarshal(resp.Body.Bytes(), &parsed))
		assert.Equal([]marker.Marker{marker1}, parsed.Markers)
	}

	// Case 2: read one marker
	mockSession.On("Marker", "d1").Return(marker1, true).Once()
	{
		resp, _ := call(http.MethodGet, "/v1/markers/d1", nil)
		assert.Equal(http.StatusOK, resp.Code)
		var parsed APIRestRespMarker
		assert.Nil(json.Unmarshal(resp.Body.Bytes(), &parsed))
		assert.Equal(marker1, parsed.Marker)
	}
	mockSession.On("Marker", "d9").Return(marker.Marker{}, false).Once()
	{
		resp, reqID := call(http.MethodGet, "/v1/markers/d9", nil)
		assert.Equal(http.StatusNotFound, resp.Code)
		var parsed goutils.RestAPIBaseResponse
		assert.Nil(json.Unmarshal(resp.Body.Bytes(), &parsed))
		assert.False(parsed.Success)
		assert.Equal(reqID, parsed.RequestID)
		assert.NotNil(parsed.Error)
		assert.Equal(http.StatusNotFound, parsed.Error.Code)
	}

	// Case 3: clear markers
	mockSession.On("ClearMarkers").Return(nil).Once()
	{
		resp, _ := call(http.MethodDelete, "/v1/markers", nil)
		assert.Equal(http.StatusOK, resp.Code)
	}

	// Case 4: session status
	status := session.Status{
		State:       session.StateConnected,
		Connected:   true,
		ActiveTopic: "company/A/+/+/location",
		MarkerCount: 2,
		OnlineCount: 1,
	}
	mockSession.On("Status").Return(status).Once()
	{
		resp, _ := call(http.MethodGet, "/v1/session", nil)
		assert.Equal(http.StatusOK, resp.Code)
		var parsed map[string]interface{}
		assert.Nil(json.Unmarshal(resp.Body.Bytes(), &parsed))
		sessionInfo, ok := parsed["session"].(map[string]interface{})
		assert.True(ok)
		assert.Equal("connected", sessionInfo["state"])
		assert.Equal("company/A/+/+/location", sessionInfo["active_topic"])
		assert.Equal(float64(2), sessionInfo["marker_count"])
	}

	// Case 5: connect and disconnect
	mockSession.On("Connect").Return(nil).Once()
	{
		resp, _ := call(http.MethodPost, "/v1/session/connect", nil)
		assert.Equal(http.StatusOK, resp.Code)
	}
	mockSession.On("Disconnect").Return(fmt.Errorf("dummy error")).Once()
	{
		resp, _ := call(http.MethodPost, "/v1/session/disconnect", nil)
		assert.Equal(http.StatusInternalServerError, resp.Code)
	}

	// Case 6: switch topic with an explicit filter
	mockSession.On("SwitchTopic", mock.Anything, "company/A/+/+/location").Return(nil).Once()
	{
		resp, _ := call(
			http.MethodPut, "/v1/session/topic", APIRestReqTopic{Topic: "company/A/+/+/location"},
		)
		assert.Equal(http.StatusOK, resp.Code)
	}

	// Case 7: switch topic with an address
	mockSession.On("SwitchTopic", mock.Anything, "company/B/G1/+/location").Return(nil).Once()
	{
		resp, _ := call(
			http.MethodPut, "/v1/session/topic", APIRestReqTopic{CompanyID: "B", GroupID: "G1"},
		)
		assert.Equal(http.StatusOK, resp.Code)
	}

	// Case 8: switch topic with bad addresses
	{
		resp, _ := call(http.MethodPut, "/v1/session/topic", APIRestReqTopic{})
		assert.Equal(http.StatusBadRequest, resp.Code)
		resp, _ = call(http.MethodPut, "/v1/session/topic", APIRestReqTopic{CompanyID: "B/+"})
		assert.Equal(http.StatusBadRequest, resp.Code)
	}
	{
		req, err := http.NewRequest(
			http.MethodPut, "/v1/session/topic", strings.NewReader("not json"),
		)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		router.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusBadRequest, respRecorder.Code)
	}

	// Case 9: switch topic while not connected
	mockSession.On("SwitchTopic", mock.Anything, "company/C/+/U1/location").
		Return(session.ErrNotConnected).Once()
	{
		resp, _ := call(
			http.MethodPut, "/v1/session/topic", APIRestReqTopic{CompanyID: "C", UserID: "U1"},
		)
		assert.Equal(http.StatusConflict, resp.Code)
	}

	// Case 10: subscribe and unsubscribe
	mockSession.On("Subscribe", mock.Anything, "company/D/+/+/location").Return(nil).Once()
	{
		resp, _ := call(
			http.MethodPost,
			"/v1/session/subscribe",
			APIRestReqSubscription{Topic: "company/D/+/+/location"},
		)
		assert.Equal(http.StatusOK, resp.Code)
	}
	{
		resp, _ := call(http.MethodPost, "/v1/session/subscribe", APIRestReqSubscription{})
		assert.Equal(http.StatusBadRequest, resp.Code)
	}
	mockSession.On("Unsubscribe", mock.Anything, "company/D/+/+/location").
		Return(fmt.Errorf("wrapped: %w", session.ErrNotConnected)).Once()
	{
		resp, _ := call(
			http.MethodPost,
			"/v1/session/unsubscribe",
			APIRestReqSubscription{Topic: "company/D/+/+/location"},
		)
		assert.Equal(http.StatusConflict, resp.Code)
	}

	// Case 11: readiness follows the broker connection
	mockSession.On("IsConnected").Return(false).Once()
	{
		resp, _ := call(http.MethodGet, "/ready", nil)
		assert.Equal(http.StatusServiceUnavailable, resp.Code)
	}
	mockSession.On("IsConnected").Return(true).Once()
	{
		resp, _ := call(http.MethodGet, "/ready", nil)
		assert.Equal(http.StatusOK, resp.Code)
	}

	// Case 12: unsupported method
	{
		req, err := http.NewRequest(http.MethodPost, "/v1/markers", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		router.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusMethodNotAllowed, respRecorder.Code)
	}
}

func TestGetAPIRestMarkerHandler(t *testing.T) {
	assert := assert.New(t)

	_, err := GetAPIRestMarkerHandler(nil, NewMarkerStreamHub("testing", 1), common.HTTPRequestLogging{}, "testing")
	assert.NotNil(err)
	_, err = GetAPIRestMarkerHandler(&MockMarkerSession{}, nil, common.HTTPRequestLogging{}, "testing")
	assert.NotNil(err)

	// Default request ID header
	uut, err := GetAPIRestMarkerHandler(
		&MockMarkerSession{}, NewMarkerStreamHub("testing", 1), common.HTTPRequestLogging{}, "testing",
	)
	assert.Nil(err)
	assert.NotNil(uut.CallRequestIDHeaderField)
	assert.Equal(DefaultRequestIDHeader, *uut.CallRequestIDHeaderField)

	// Header names are matched in canonical form
	uut, err = GetAPIRestMarkerHandler(
		&MockMarkerSession{},
		NewMarkerStreamHub("testing", 1),
		common.HTTPRequestLogging{DoNotLogHeaders: []string{"authorization", "x-api-key"}},
		"testing",
	)
	assert.Nil(err)
	assert.Equal(map[string]bool{"Authorization": true, "X-Api-Key": true}, uut.DoNotLogHeaders)
}

func TestHijackWriter(t *testing.T) {
	assert := assert.New(t)

	// Case 1: flush is hidden from the logging middleware
	{
		var uut http.ResponseWriter = hijackWriter{ResponseWriter: httptest.NewRecorder()}
		_, isFlusher := uut.(http.Flusher)
		assert.False(isFlusher)
		_, isHijacker := uut.(http.Hijacker)
		assert.True(isHijacker)
	}

	// Case 2: underlying writer can't hijack
	{
		uut := hijackWriter{ResponseWriter: httptest.NewRecorder()}
		_, _, err := uut.Hijack()
		assert.NotNil(err)
	}
}

func TestMarkerStream(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	mockSession := NewMockMarkerSession(t)
	hub := NewMarkerStreamHub("testing", 8)
	server := httptest.NewServer(defineTestRouter(t, mockSession, hub))
	defer server.Close()
	streamURL := fmt.Sprintf("ws%s/v1/stream", strings.TrimPrefix(server.URL, "http"))

	marker1 := marker.Marker{DeviceID: "d1", Latitude: 1, Longitude: 2, IsOnline: true}
	marker2 := marker.Marker{DeviceID: "d2", Latitude: 3, Longitude: 4, IsOnline: true}

	readNext := func(conn *websocket.Conn) (StreamMessage, error) {
		var msg StreamMessage
		_ = conn.SetReadDeadline(time.Now().Add(time.Second * 5))
		err := conn.ReadJSON(&msg)
		return msg, err
	}

	mockSession.On("Markers").Return(marker.Markers{"d1": marker1}).Once()
	conn, _, err := websocket.DefaultDialer.DialContext(utCtxt, streamURL, nil)
	assert.Nil(err)
	defer func() {
		_ = conn.Close()
	}()

	// Case 1: snapshot on join
	{
		msg, err := readNext(conn)
		assert.Nil(err)
		assert.Equal(StreamMsgSnapshot, msg.Type)
		assert.Equal([]marker.Marker{marker1}, msg.Markers)
		assert.Equal(1, hub.ClientCount())
	}

	// Case 2: changes
	assert.Nil(hub.ForwardMarkers(utCtxt, []marker.Marker{marker2}))
	{
		msg, err := readNext(conn)
		assert.Nil(err)
		assert.Equal(StreamMsgChanges, msg.Type)
		assert.Equal([]marker.Marker{marker2}, msg.Markers)
	}

	// Case 3: clear
	assert.Nil(hub.MarkersCleared(utCtxt))
	{
		msg, err := readNext(conn)
		assert.Nil(err)
		assert.Equal(StreamMsgCleared, msg.Type)
		assert.Len(msg.Markers, 0)
	}

	// Case 4: hub close ends the stream
	hub.Close()
	{
		_, err := readNext(conn)
		assert.NotNil(err)
		assert.True(websocket.IsCloseError(err, websocket.CloseGoingAway))
	}

	// Case 5: no new stream once the hub is closed
	{
		conn2, _, err := websocket.DefaultDialer.DialContext(utCtxt, streamURL, nil)
		assert.Nil(err)
		defer func() {
			_ = conn2.Close()
		}()
		_, err = readNext(conn2)
		assert.NotNil(err)
		assert.True(websocket.IsCloseError(err, websocket.CloseGoingAway))
	}

	// Case 6: plain HTTP request is refused
	{
		resp, err := http.Get(fmt.Sprintf("%s/v1/stream", server.URL))
		assert.Nil(err)
		_ = resp.Body.Close()
		assert.Equal(http.StatusBadRequest, resp.StatusCode)
	}
}
