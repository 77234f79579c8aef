package common

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestTaskParamProcessing(t *testing.T) {
	assert := assert.New(t)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetNewTaskProcessorInstance(ctxt, "testing", 4)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.StopEventLoop())
	}()

	// Case 1: no executor map
	{
		assert.NotNil(uut.ProcessNewTaskParam("hello"))
	}

	type testStruct1 struct{}
	type testStruct2 struct{}
	type testStruct3 struct{}

	executorMap := map[reflect.Type]TaskHandler{
		reflect.TypeOf(testStruct1{}): func(p interface{}) error {
			return nil
		},
	}

	// Case 2: define a executor map
	{
		assert.Nil(uut.SetTaskExecutionMap(executorMap))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(&testStruct3{}))
	}

	executorMap = map[reflect.Type]TaskHandler{
		reflect.TypeOf(testStruct1{}): func(p interface{}) error { return nil },
		reflect.TypeOf(testStruct3{}): func(p interface{}) error { return fmt.Errorf("Dummy error") },
	}

	// Case 3: change executor map
	{
		assert.Nil(uut.SetTaskExecutionMap(executorMap))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.NotNil(uut.ProcessNewTaskParam(&testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct3{}))
	}

	// Case 4: append to existing map
	{
		assert.Nil(uut.AddToTaskExecutionMap(
			reflect.TypeOf(&testStruct2{}), func(p interface{}) error { return nil },
		))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.Nil(uut.ProcessNewTaskParam(&testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct3{}))
	}
}

func TestTaskProcessorEventLoopOrdering(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetNewTaskProcessorInstance(ctxt, "testing", 4)
	assert.Nil(err)

	type testEvent struct {
		seq int
	}

	received := []int{}
	testWG := sync.WaitGroup{}
	assert.Nil(uut.AddToTaskExecutionMap(
		reflect.TypeOf(testEvent{}), func(p interface{}) error {
			received = append(received, p.(testEvent).seq)
			testWG.Done()
			return nil
		},
	))
	assert.Nil(uut.StartEventLoop(&wg))

	// Case 1: events processed in submission order
	{
		testWG.Add(10)
		for itr := 0; itr < 10; itr++ {
			useContext, cancel := context.WithTimeout(context.Background(), time.Second)
			assert.Nil(uut.Submit(useContext, testEvent{seq: itr}))
			cancel()
		}
		testWG.Wait()
		assert.Equal([]int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, received)
	}

	// Case 2: submit after the loop stops
	{
		assert.Nil(uut.StopEventLoop())
		wg.Wait()
		useContext, cancel := context.WithTimeout(context.Background(), time.Second)
		assert.NotNil(uut.Submit(useContext, testEvent{seq: 100}))
		cancel()
	}
}

func TestTaskProcessorSubmitTimeout(t *testing.T) {
	assert := assert.New(t)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetNewTaskProcessorInstance(ctxt, "testing", 0)
	assert.Nil(err)

	// No event loop is running, and there is no buffer
	useContext, lclCancel := context.WithTimeout(context.Background(), time.Millisecond*50)
	defer lclCancel()
	assert.Equal(context.DeadlineExceeded, uut.Submit(useContext, "hello"))

	_, err = GetNewTaskProcessorInstance(ctxt, "testing", -1)
	assert.NotNil(err)
}
