package metrics

import (
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSessionMetrics(t *testing.T) {
	assert := assert.New(t)

	reg := prometheus.NewRegistry()
	uut := NewSessionMetrics(reg, "testing")

	uut.ConnectAttempt()
	uut.MessageAccepted()
	uut.MessageAccepted()
	uut.MessageRejected("malformed")
	uut.SubscriptionChange("switch", nil)
	uut.SubscriptionChange("switch", fmt.Errorf("dummy error"))
	uut.SweepFlips(3)
	uut.MarkerCounts(5, 2)
	uut.SessionState("connected")
	uut.ForwardResult("nats", time.Now(), nil)

	assert.Equal(1.0, testutil.ToFloat64(uut.connectAttempts))
	assert.Equal(2.0, testutil.ToFloat64(uut.messagesAccepted))
	assert.Equal(1.0, testutil.ToFloat64(uut.messagesRejected.WithLabelValues("malformed")))
	assert.Equal(1.0, testutil.ToFloat64(uut.switches.WithLabelValues("switch", "success")))
	assert.Equal(1.0, testutil.ToFloat64(uut.switches.WithLabelValues("switch", "failure")))
	assert.Equal(3.0, testutil.ToFloat64(uut.sweepFlips))
	assert.Equal(5.0, testutil.ToFloat64(uut.markers))
	assert.Equal(2.0, testutil.ToFloat64(uut.onlineMarkers))
	assert.Equal(1.0, testutil.ToFloat64(uut.state.WithLabelValues("connected")))
	assert.Equal(0.0, testutil.ToFloat64(uut.state.WithLabelValues("idle")))
	assert.Equal(1.0, testutil.ToFloat64(uut.forwarded.WithLabelValues("nats", "success")))

	// Change of state
	uut.SessionState("errored")
	assert.Equal(0.0, testutil.ToFloat64(uut.state.WithLabelValues("connected")))
	assert.Equal(1.0, testutil.ToFloat64(uut.state.WithLabelValues("errored")))
}

func TestNilSessionMetrics(t *testing.T) {
	var uut *SessionMetrics
	assert.NotPanics(t, func() {
		uut.ConnectAttempt()
		uut.MessageAccepted()
		uut.MessageRejected("malformed")
		uut.SubscriptionChange("subscribe", nil)
		uut.SweepFlips(1)
		uut.MarkerCounts(1, 1)
		uut.SessionState("idle")
		uut.ForwardResult("redis", time.Now(), nil)
	})
}
