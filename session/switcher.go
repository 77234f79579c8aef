package session

import (
	"fmt"

	"github.com/alwitt/livemarkers/common"
	"github.com/alwitt/livemarkers/core"
	"github.com/apex/log"
)

// SwitchSubscription move the active subscription of a transport from one topic
// filter to another
//
// The unsubscribe of oldFilter (skipped when empty) and the subscribe of newFilter are
// issued together. The returned Future resolves only after both have completed. A
// failed unsubscribe is logged and otherwise ignored; a failed subscribe fails the
// switch. Switching to the same filter resolves immediately without any transport call.
func SwitchSubscription(
	transport core.Transport, oldFilter, newFilter string, qos byte,
) *common.Future {
	logTags := log.Fields{
		"module": "session", "component": "subscription-switch", "from": oldFilter, "to": newFilter,
	}
	if oldFilter == newFilter {
		log.WithFields(logTags).Debug("Already subscribed")
		return common.ResolvedFuture(nil)
	}
	if newFilter == "" {
		return common.ResolvedFuture(fmt.Errorf("no topic filter to switch to"))
	}

	var unsubOp core.Operation
	if oldFilter != "" {
		unsubOp = transport.Unsubscribe(oldFilter)
	}
	subOp := transport.Subscribe(newFilter, qos)

	result := common.NewFuture()
	go func() {
		// AND-join: wait for both sides regardless of completion order
		<-subOp.Done()
		if unsubOp != nil {
			<-unsubOp.Done()
			if err := unsubOp.Error(); err != nil {
				log.WithError(err).WithFields(logTags).Errorf("Unsubscribe from %s failed", oldFilter)
			}
		}
		if err := subOp.Error(); err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Subscribe to %s failed", newFilter)
			result.Resolve(fmt.Errorf("subscribe to %s failed: %w", newFilter, err))
			return
		}
		log.WithFields(logTags).Infof("Switched subscription to %s", newFilter)
		result.Resolve(nil)
	}()
	return result
}
