package common

import (
	"context"
	"errors"
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

	// Case 0: invalid buffer
	{
		_, err := GetNewTaskProcessorInstance(ctxt, "bad", 0)
		assert.NotNil(err)
	}

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
		reflect.TypeOf(testStruct3{}): func(p interface{}) error { return fmt.Errorf("dummy error") },
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

func TestTaskProcessorBackpressure(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	uut, err := GetNewTaskProcessorInstance(ctxt, "testing", 2)
	assert.Nil(err)

	type task struct{ value int }
	release := make(chan bool)
	processed := make(chan int, 8)
	assert.Nil(uut.SetTaskExecutionMap(map[reflect.Type]TaskHandler{
		reflect.TypeOf(task{}): func(p interface{}) error {
			<-release
			processed <- p.(task).value
			return nil
		},
	}))

	// Case 0: buffer fills before the loop runs
	{
		assert.Nil(uut.TrySubmit(task{value: 1}))
		assert.Nil(uut.TrySubmit(task{value: 2}))
		err := uut.TrySubmit(task{value: 3})
		assert.True(errors.Is(err, ErrTaskQueueFull))
	}

	// Case 1: blocking submit gives up with its context
	{
		lclCtxt, lclCancel := context.WithTimeout(ctxt, time.Millisecond*20)
		err := uut.Submit(lclCtxt, task{value: 3})
		lclCancel()
		assert.NotNil(err)
	}

	// Case 2: tasks processed in order once the loop runs
	{
		assert.Nil(uut.StartEventLoop(&wg))
		close(release)
		for _, expected := range []int{1, 2} {
			select {
			case v := <-processed:
				assert.Equal(expected, v)
			case <-time.After(time.Second):
				assert.Fail("task not processed")
			}
		}
	}

	// Case 3: stopped processor refuses new work
	{
		assert.Nil(uut.StopEventLoop())
		err := uut.TrySubmit(task{value: 4})
		assert.True(errors.Is(err, ErrClosed))
	}
}

type keyedTestTask struct {
	key   string
	value int
}

func (k keyedTestTask) TaskKey() string {
	return k.key
}

func TestTaskDemuxProcessing(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	uut, err := GetNewTaskDemuxProcessorInstance(ctxt, "testing", 16, 4)
	assert.Nil(err)

	lock := sync.Mutex{}
	results := map[string][]int{}
	done := make(chan bool, 64)
	assert.Nil(uut.AddToTaskExecutionMap(
		reflect.TypeOf(keyedTestTask{}), func(p interface{}) error {
			task := p.(keyedTestTask)
			lock.Lock()
			results[task.key] = append(results[task.key], task.value)
			lock.Unlock()
			done <- true
			return nil
		},
	))
	assert.Nil(uut.StartEventLoop(&wg))
	defer func() {
		assert.Nil(uut.StopEventLoop())
	}()

	// Case 0: per key order is kept across workers
	{
		keys := []string{"a", "b", "c"}
		for itr := 0; itr < 10; itr++ {
			for _, key := range keys {
				assert.Nil(uut.Submit(ctxt, keyedTestTask{key: key, value: itr}))
			}
		}
		for itr := 0; itr < 30; itr++ {
			select {
			case <-done:
			case <-time.After(time.Second):
				assert.Fail("task not processed")
			}
		}
		lock.Lock()
		for _, key := range keys {
			assert.Equal([]int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, results[key])
		}
		lock.Unlock()
	}
}

func TestTaskProcessorStopDrainsQueue(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	uut, err := GetNewTaskProcessorInstance(context.Background(), "testing", 8)
	assert.Nil(err)

	type task struct{ value int }
	processed := []int{}
	assert.Nil(uut.SetTaskExecutionMap(map[reflect.Type]TaskHandler{
		reflect.TypeOf(task{}): func(p interface{}) error {
			processed = append(processed, p.(task).value)
			return nil
		},
	}))

	// Case 0: tasks queued before the stop are still processed
	{
		for itr := 0; itr < 5; itr++ {
			assert.Nil(uut.TrySubmit(task{value: itr}))
		}
		assert.Nil(uut.StopEventLoop())
		assert.Nil(uut.StartEventLoop(&wg))
		wg.Wait()
		assert.Equal([]int{0, 1, 2, 3, 4}, processed)
	}

	// Case 1: nothing accepted after the stop
	{
		err := uut.Submit(context.Background(), task{value: 5})
		assert.True(errors.Is(err, ErrClosed))
	}
}
