package apis

import (
	"context"
	"sort"
	"sync"

	"github.com/alwitt/livemarkers/common"
	"github.com/alwitt/livemarkers/marker"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// Stream message types
const (
	StreamMsgSnapshot = "snapshot"
	StreamMsgChanges  = "changes"
	StreamMsgCleared  = "cleared"
)

// StreamMessage one message sent to a live stream client
type StreamMessage struct {
	// Type is the message type: [snapshot changes cleared]
	Type string `json:"type"`
	// Markers are the full table for "snapshot", or the changed markers for "changes"
	Markers []marker.Marker `json:"markers,omitempty"`
}

// sortedMarkers order markers by device ID
func sortedMarkers(markers []marker.Marker) []marker.Marker {
	sort.Slice(markers, func(i, j int) bool {
		return markers[i].DeviceID < markers[j].DeviceID
	})
	return markers
}

// snapshotMessage build the snapshot message of a marker table
func snapshotMessage(table marker.Markers) StreamMessage {
	markers := make([]marker.Marker, 0, len(table))
	for _, oneMarker := range table {
		markers = append(markers, oneMarker)
	}
	return StreamMessage{Type: StreamMsgSnapshot, Markers: sortedMarkers(markers)}
}

// streamClient one live stream client registered with the hub
type streamClient struct {
	id       string
	outbound chan StreamMessage
}

// MarkerStreamHub fans marker changes out to the live stream clients
//
// The hub is a marker.ClearSink, so the session forwards changes to it like to any other
// sink. A client which can't keep up is dropped: its outbound channel is closed.
type MarkerStreamHub struct {
	common.Component
	lock       sync.Mutex
	clients    map[string]*streamClient
	bufferSize int
	closed     bool
}

// NewMarkerStreamHub define a new MarkerStreamHub
func NewMarkerStreamHub(instance string, bufferSize int) *MarkerStreamHub {
	if bufferSize < 1 {
		bufferSize = 1
	}
	logTags := log.Fields{"module": "apis", "component": "stream-hub", "instance": instance}
	return &MarkerStreamHub{
		Component:  common.Component{LogTags: logTags},
		clients:    map[string]*streamClient{},
		bufferSize: bufferSize,
	}
}

// join register a new client. Returns nil once the hub is closed.
func (h *MarkerStreamHub) join() *streamClient {
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.closed {
		return nil
	}
	client := &streamClient{
		id: uuid.New().String(), outbound: make(chan StreamMessage, h.bufferSize),
	}
	h.clients[client.id] = client
	log.WithFields(h.LogTags).Debugf("Stream client %s joined", client.id)
	return client
}

// leave remove a client, if still registered
func (h *MarkerStreamHub) leave(clientID string) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.dropLocked(clientID)
}

func (h *MarkerStreamHub) dropLocked(clientID string) {
	if client, ok := h.clients[clientID]; ok {
		close(client.outbound)
		delete(h.clients, clientID)
		log.WithFields(h.LogTags).Debugf("Stream client %s left", clientID)
	}
}

// broadcast queue a message for every client, dropping the ones with a full queue
func (h *MarkerStreamHub) broadcast(msg StreamMessage) {
	h.lock.Lock()
	defer h.lock.Unlock()
	for clientID, client := range h.clients {
		select {
		case client.outbound <- msg:
		default:
			log.WithFields(h.LogTags).Warnf("Dropping slow stream client %s", clientID)
			h.dropLocked(clientID)
		}
	}
}

// ForwardMarkers send the changed markers to every client
func (h *MarkerStreamHub) ForwardMarkers(_ context.Context, changed []marker.Marker) error {
	if len(changed) == 0 {
		return nil
	}
	markers := make([]marker.Marker, len(changed))
	copy(markers, changed)
	h.broadcast(StreamMessage{Type: StreamMsgChanges, Markers: sortedMarkers(markers)})
	return nil
}

// MarkersCleared tell every client the marker table was cleared
func (h *MarkerStreamHub) MarkersCleared(_ context.Context) error {
	h.broadcast(StreamMessage{Type: StreamMsgCleared})
	return nil
}

// ClientCount number of registered clients
func (h *MarkerStreamHub) ClientCount() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return len(h.clients)
}

// Close drop every client, and refuse new ones
func (h *MarkerStreamHub) Close() {
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for clientID := range h.clients {
		h.dropLocked(clientID)
	}
	log.WithFields(h.LogTags).Info("Stream hub closed")
}
