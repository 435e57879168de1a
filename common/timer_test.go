package common

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestIntervalTimer(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetIntervalTimerInstance("testing", ctxt, &wg)
	assert.Nil(err)

	var value int32
	callback := func() error {
		atomic.AddInt32(&value, 1)
		return nil
	}

	// Case 0: invalid interval
	assert.NotNil(uut.Start(0, callback, true))

	// Case 1: one shot
	{
		assert.Nil(uut.Start(time.Millisecond*50, callback, true))
		time.Sleep(time.Millisecond * 120)
		assert.Equal(int32(1), atomic.LoadInt32(&value))
		time.Sleep(time.Millisecond * 100)
		assert.Equal(int32(1), atomic.LoadInt32(&value))
	}

	// Case 2: periodic until stopped
	{
		atomic.StoreInt32(&value, 0)
		assert.Nil(uut.Start(time.Millisecond*20, callback, false))
		time.Sleep(time.Millisecond * 110)
		assert.Nil(uut.Stop())
		time.Sleep(time.Millisecond * 10)
		fired := atomic.LoadInt32(&value)
		assert.GreaterOrEqual(fired, int32(3))
		time.Sleep(time.Millisecond * 60)
		assert.Equal(fired, atomic.LoadInt32(&value))
	}

	// Case 3: stop is idempotent
	{
		assert.Nil(uut.Stop())
		assert.Nil(uut.Stop())
	}
}
