package session

import (
	"context"
	"reflect"
	"sync"

	"github.com/apex/log"
)

// noticeQueue unbounded FIFO of user notifications, drained by one goroutine
//
// Pushing never blocks, so a callback waiting on a session action can't hold up the
// event loop that would complete the action.
type noticeQueue struct {
	lock    sync.Mutex
	pending []interface{}
	wake    chan struct{}
}

func newNoticeQueue() *noticeQueue {
	return &noticeQueue{wake: make(chan struct{}, 1)}
}

// push queue a notice
func (q *noticeQueue) push(notice interface{}) {
	q.lock.Lock()
	q.pending = append(q.pending, notice)
	q.lock.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// pop take the oldest notice
func (q *noticeQueue) pop() (interface{}, bool) {
	q.lock.Lock()
	defer q.lock.Unlock()
	if len(q.pending) == 0 {
		q.pending = nil
		return nil, false
	}
	notice := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	return notice, true
}

// run hand the notices to the handler one at a time, until the context ends
func (q *noticeQueue) run(
	ctxt context.Context, handler func(interface{}) error, logTags log.Fields,
) {
	for {
		select {
		case <-ctxt.Done():
			return
		case <-q.wake:
		}
		for ctxt.Err() == nil {
			notice, ok := q.pop()
			if !ok {
				break
			}
			if err := handler(notice); err != nil {
				log.WithError(err).WithFields(logTags).Errorf(
					"Failed to process %s", reflect.TypeOf(notice),
				)
			}
		}
	}
}
