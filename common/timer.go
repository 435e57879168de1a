package common

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
)

// TimeoutHandler handler callback on timeout
type TimeoutHandler func() error

// IntervalTimer support class for triggering events at specific intervals
type IntervalTimer interface {
	// Start begin calling the handler every interval. A one-shot timer calls it once.
	Start(interval time.Duration, handler TimeoutHandler, oneShot bool) error
	// Stop stop calling the handler. Safe to call more than once.
	Stop() error
}

// intervalTimerImpl implements IntervalTimer
type intervalTimerImpl struct {
	Component
	rootContext context.Context
	lock        sync.Mutex
	stopLoop    context.CancelFunc
	wg          *sync.WaitGroup
}

// GetIntervalTimerInstance create new interval timer instance
func GetIntervalTimerInstance(
	name string, rootCtxt context.Context, wg *sync.WaitGroup,
) (IntervalTimer, error) {
	logTags := log.Fields{
		"module": "common", "component": "interval-timer", "instance": name,
	}
	return &intervalTimerImpl{
		Component:   Component{LogTags: logTags},
		rootContext: rootCtxt,
		wg:          wg,
	}, nil
}

// Start begin calling the handler every interval
func (t *intervalTimerImpl) Start(
	interval time.Duration, handler TimeoutHandler, oneShot bool,
) error {
	if interval <= 0 {
		return fmt.Errorf("timer interval must be positive, got %s", interval)
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	// Restarting replaces the previous loop
	if t.stopLoop != nil {
		t.stopLoop()
	}
	loopCtxt, cancel := context.WithCancel(t.rootContext)
	t.stopLoop = cancel

	log.WithFields(t.LogTags).Debugf("Starting with interval %s", interval)
	ticker := time.NewTicker(interval)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-loopCtxt.Done():
				log.WithFields(t.LogTags).Debug("Timer loop exiting")
				return
			case <-ticker.C:
				if err := handler(); err != nil {
					log.WithError(err).WithFields(t.LogTags).Error("Handler failed")
				}
				if oneShot {
					return
				}
			}
		}
	}()
	return nil
}

// Stop stop calling the handler
func (t *intervalTimerImpl) Stop() error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.stopLoop != nil {
		t.stopLoop()
		t.stopLoop = nil
	}
	return nil
}
