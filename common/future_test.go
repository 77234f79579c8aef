package common

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFutureSingleResolution(t *testing.T) {
	assert := assert.New(t)

	uut := NewFuture()
	assert.False(uut.IsResolved())
	assert.Nil(uut.Error())

	// Case 1: first resolution wins
	{
		assert.True(uut.Resolve(fmt.Errorf("dummy error")))
		assert.False(uut.Resolve(nil))
		assert.True(uut.IsResolved())
		assert.EqualError(uut.Error(), "dummy error")
		assert.EqualError(uut.Wait(context.Background()), "dummy error")
	}

	// Case 2: already resolved
	{
		ok := ResolvedFuture(nil)
		select {
		case <-ok.Done():
		default:
			assert.Fail("future not resolved")
		}
		assert.Nil(ok.Error())
	}
}

func TestFutureWaitTimeout(t *testing.T) {
	assert := assert.New(t)

	uut := NewFuture()
	ctxt, cancel := context.WithTimeout(context.Background(), time.Millisecond*20)
	defer cancel()
	assert.Equal(context.DeadlineExceeded, uut.Wait(ctxt))

	go func() {
		time.Sleep(time.Millisecond * 10)
		uut.Resolve(nil)
	}()
	assert.Nil(uut.Wait(context.Background()))
}
