package session

import (
	"github.com/alwitt/livemarkers/common"
	"github.com/alwitt/livemarkers/core"
	"github.com/alwitt/livemarkers/marker"
)

// ========================================================================================
// Session event loop inputs

// transportEnvelope transport event tagged with the generation of the transport which
// emitted it. Events of a superseded transport are dropped.
type transportEnvelope struct {
	generation uint64
	event      core.TransportEvent
}

type watchdogFired struct {
	generation uint64
}

type sweepTick struct{}

type connectRequest struct {
	result *common.Future
}

type disconnectRequest struct {
	accepted *common.Future
	idle     *common.Future
}

type endComplete struct {
	generation uint64
	err        error
}

type clearRequest struct {
	result *common.Future
}

// subscriptionOp kind of subscription change
type subscriptionOp int

const (
	opSubscribe subscriptionOp = iota
	opUnsubscribe
	opSwitch
	// opResubscribe restore the subscription after the transport (re-)connects
	opResubscribe
)

// String toString function
func (o subscriptionOp) String() string {
	switch o {
	case opSubscribe:
		return "subscribe"
	case opUnsubscribe:
		return "unsubscribe"
	case opSwitch:
		return "switch"
	default:
		return "resubscribe"
	}
}

type subscriptionRequest struct {
	op     subscriptionOp
	filter string
	result *common.Future
}

type subscriptionComplete struct {
	generation uint64
	op         subscriptionOp
	filter     string
	err        error
	// result is nil for session initiated changes
	result *common.Future
}

// ========================================================================================
// Notification loop inputs

type connectNotice struct{}

type disconnectNotice struct{}

type errorNotice struct {
	err error
}

type messageNotice struct {
	topic  string
	marker marker.Marker
}

// ========================================================================================
// Forwarding loop inputs

type forwardBatch struct {
	changed []marker.Marker
}

type forwardClear struct{}
