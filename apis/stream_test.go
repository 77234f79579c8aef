package apis

import (
	"context"
	"testing"

	"github.com/alwitt/livemarkers/marker"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestMarkerStreamHub(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt := context.Background()
	uut := NewMarkerStreamHub("testing", 1)

	client1 := uut.join()
	assert.NotNil(client1)
	client2 := uut.join()
	assert.NotNil(client2)
	assert.Equal(2, uut.ClientCount())

	// Case 1: no change, no message
	assert.Nil(uut.ForwardMarkers(utCtxt, nil))
	assert.Len(client1.outbound, 0)

	// Case 2: changes are fanned out, ordered by device
	changes := []marker.Marker{{DeviceID: "d2"}, {DeviceID: "d1"}}
	assert.Nil(uut.ForwardMarkers(utCtxt, changes))
	{
		msg := <-client1.outbound
		assert.Equal(StreamMsgChanges, msg.Type)
		assert.Equal([]marker.Marker{{DeviceID: "d1"}, {DeviceID: "d2"}}, msg.Markers)
		// The caller's slice is left alone
		assert.Equal("d2", changes[0].DeviceID)
	}

	// Case 3: a client with a full queue is dropped
	assert.Nil(uut.MarkersCleared(utCtxt))
	assert.Equal(1, uut.ClientCount())
	{
		// client2 never read: it has the one queued message, then its queue was closed
		msg, ok := <-client2.outbound
		assert.True(ok)
		assert.Equal(StreamMsgChanges, msg.Type)
		_, ok = <-client2.outbound
		assert.False(ok)
	}
	{
		msg := <-client1.outbound
		assert.Equal(StreamMsgCleared, msg.Type)
	}

	// Case 4: leaving twice is harmless
	uut.leave(client2.id)
	uut.leave(client1.id)
	uut.leave(client1.id)
	assert.Equal(0, uut.ClientCount())
	_, ok := <-client1.outbound
	assert.False(ok)

	// Case 5: closed hub drops every client, and refuses new ones
	client3 := uut.join()
	assert.NotNil(client3)
	uut.Close()
	_, ok = <-client3.outbound
	assert.False(ok)
	assert.Nil(uut.join())
}

func TestSnapshotMessage(t *testing.T) {
	assert := assert.New(t)

	msg := snapshotMessage(marker.Markers{
		"d3": {DeviceID: "d3"}, "d1": {DeviceID: "d1"}, "d2": {DeviceID: "d2"},
	})
	assert.Equal(StreamMsgSnapshot, msg.Type)
	assert.Equal(
		[]marker.Marker{{DeviceID: "d1"}, {DeviceID: "d2"}, {DeviceID: "d3"}}, msg.Markers,
	)

	msg = snapshotMessage(marker.Markers{})
	assert.Equal(StreamMsgSnapshot, msg.Type)
	assert.Len(msg.Markers, 0)
}
