// Package marker normalizes device location reports into markers, and keeps the latest
// marker of every known device.
package marker

import (
	"context"
	"fmt"
	"time"
)

// UnknownDeviceID identity given to reports which carry neither a device nor a user ID
const UnknownDeviceID = "unknown-device"

// Marker the normalized most recent position of one device
type Marker struct {
	DeviceID  string   `json:"device_id"`
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Speed     *float64 `json:"speed,omitempty"`
	Altitude  *float64 `json:"altitude,omitempty"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
	// Timestamp is the local receipt time in epoch milliseconds
	Timestamp int64 `json:"timestamp"`
	IsOnline  bool  `json:"is_online"`
	// GroupID and CompanyID come from the delivery topic. Empty means absent.
	GroupID   string `json:"group_id,omitempty"`
	CompanyID string `json:"company_id,omitempty"`
	// Extra holds the report fields which are not part of the marker itself
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// String toString function
func (m Marker) String() string {
	return fmt.Sprintf(
		"%s@(%.6f,%.6f)[%s/%s online=%t]",
		m.DeviceID, m.Latitude, m.Longitude, m.CompanyID, m.GroupID, m.IsOnline,
	)
}

// ReceivedAt the local receipt time of the report
func (m Marker) ReceivedAt() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// Markers mapping from device ID to its latest marker
//
// A Markers value handed out by the Store is a snapshot and must not be modified.
type Markers map[string]Marker

// Sink receives marker changes for forwarding outside of the session
type Sink interface {
	// ForwardMarkers forward a batch of changed markers
	ForwardMarkers(ctxt context.Context, changed []Marker) error
}

// ClearSink Sink which also wants to know when the marker table is cleared
type ClearSink interface {
	Sink
	// MarkersCleared the marker table was emptied
	MarkersCleared(ctxt context.Context) error
}
