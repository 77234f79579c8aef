// Package storage mirrors the marker table into an external store, so other processes
// can read the latest device positions.
package storage

import (
	"context"

	"github.com/alwitt/livemarkers/marker"
)

// MarkerMirror external copy of the marker table
//
// Writes arrive as marker changes through the marker.ClearSink methods.
type MarkerMirror interface {
	marker.ClearSink
	// ReadAllMarkers fetch every stored marker
	ReadAllMarkers(ctxt context.Context) (marker.Markers, error)
	// Close release the store connection
	Close() error
}
