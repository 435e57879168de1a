package common

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/apex/log"
)

// ErrTaskQueueFull the task processor buffer has no room
var ErrTaskQueueFull = errors.New("task queue full")

// TaskHandler a handler function which execute a task based on parameters
type TaskHandler func(taskParam interface{}) error

// KeyedTask a task whose processing order matters relative to other tasks with the same key
type KeyedTask interface {
	TaskKey() string
}

// TaskProcessor processing module for implementing an event loop model
type TaskProcessor interface {
	// Submit queue a task, waiting for buffer space until the context ends
	Submit(ctxt context.Context, newTaskParam interface{}) error
	// TrySubmit queue a task without waiting. Fails with ErrTaskQueueFull.
	TrySubmit(newTaskParam interface{}) error
	// ProcessNewTaskParam process one task synchronously
	ProcessNewTaskParam(newTaskParam interface{}) error
	// SetTaskExecutionMap replace the task type to handler mapping
	SetTaskExecutionMap(newMap map[reflect.Type]TaskHandler) error
	// AddToTaskExecutionMap add one entry to the task type to handler mapping
	AddToTaskExecutionMap(theType reflect.Type, handler TaskHandler) error
	// StartEventLoop start processing queued tasks
	StartEventLoop(wg *sync.WaitGroup) error
	// StopEventLoop stop processing. Tasks already queued are processed before
	// the loop exits.
	StopEventLoop() error
}

// taskProcessorImpl implement TaskProcessor
type taskProcessorImpl struct {
	Component
	name         string
	ctxt         context.Context
	stop         context.CancelFunc
	newTasks     chan interface{}
	mapLock      sync.RWMutex
	executionMap map[reflect.Type]TaskHandler
}

// GetNewTaskProcessorInstance get instance of TaskProcessor
func GetNewTaskProcessorInstance(
	ctxt context.Context, name string, taskBuffer int,
) (TaskProcessor, error) {
	if taskBuffer < 1 {
		return nil, fmt.Errorf("task buffer must be at least 1, got %d", taskBuffer)
	}
	logTags := log.Fields{
		"module": "common", "component": "task-processor", "instance": name,
	}
	loopCtxt, cancel := context.WithCancel(ctxt)
	return &taskProcessorImpl{
		Component:    Component{LogTags: logTags},
		name:         name,
		ctxt:         loopCtxt,
		stop:         cancel,
		newTasks:     make(chan interface{}, taskBuffer),
		executionMap: make(map[reflect.Type]TaskHandler),
	}, nil
}

// Submit queue a task, waiting for buffer space
func (p *taskProcessorImpl) Submit(ctxt context.Context, newTaskParam interface{}) error {
	if p.ctxt.Err() != nil {
		return fmt.Errorf("[TP %s] %w", p.name, ErrClosed)
	}
	select {
	case p.newTasks <- newTaskParam:
		return nil
	case <-ctxt.Done():
		return ctxt.Err()
	case <-p.ctxt.Done():
		return fmt.Errorf("[TP %s] %w", p.name, ErrClosed)
	}
}

// TrySubmit queue a task without waiting
func (p *taskProcessorImpl) TrySubmit(newTaskParam interface{}) error {
	if p.ctxt.Err() != nil {
		return fmt.Errorf("[TP %s] %w", p.name, ErrClosed)
	}
	select {
	case p.newTasks <- newTaskParam:
		return nil
	default:
		return fmt.Errorf("[TP %s] %w", p.name, ErrTaskQueueFull)
	}
}

// SetTaskExecutionMap replace the task type to handler mapping
func (p *taskProcessorImpl) SetTaskExecutionMap(newMap map[reflect.Type]TaskHandler) error {
	p.mapLock.Lock()
	defer p.mapLock.Unlock()
	p.executionMap = make(map[reflect.Type]TaskHandler, len(newMap))
	for k, v := range newMap {
		p.executionMap[k] = v
	}
	return nil
}

// AddToTaskExecutionMap add one entry to the task type to handler mapping
func (p *taskProcessorImpl) AddToTaskExecutionMap(theType reflect.Type, handler TaskHandler) error {
	p.mapLock.Lock()
	defer p.mapLock.Unlock()
	p.executionMap[theType] = handler
	return nil
}

// ProcessNewTaskParam process one task synchronously
func (p *taskProcessorImpl) ProcessNewTaskParam(newTaskParam interface{}) error {
	p.mapLock.RLock()
	theHandler, ok := p.executionMap[reflect.TypeOf(newTaskParam)]
	mapSize := len(p.executionMap)
	p.mapLock.RUnlock()
	if mapSize == 0 {
		return fmt.Errorf("[TP %s] no task execution mapping set", p.name)
	}
	if !ok {
		return fmt.Errorf(
			"[TP %s] no matching handler found for %s", p.name, reflect.TypeOf(newTaskParam),
		)
	}
	return theHandler(newTaskParam)
}

// StartEventLoop start processing queued tasks
func (p *taskProcessorImpl) StartEventLoop(wg *sync.WaitGroup) error {
	log.WithFields(p.LogTags).Info("Starting event loop")
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer log.WithFields(p.LogTags).Info("Event loop exiting")
		for {
			select {
			case <-p.ctxt.Done():
				p.drainQueued()
				return
			case newTaskParam := <-p.newTasks:
				p.runTask(newTaskParam)
			}
		}
	}()
	return nil
}

func (p *taskProcessorImpl) runTask(newTaskParam interface{}) {
	if err := p.ProcessNewTaskParam(newTaskParam); err != nil {
		log.WithError(err).WithFields(p.LogTags).Error("Failed to process task")
	}
}

// drainQueued process whatever is still buffered without waiting for more
func (p *taskProcessorImpl) drainQueued() {
	drained := 0
	for {
		select {
		case newTaskParam := <-p.newTasks:
			p.runTask(newTaskParam)
			drained++
		default:
			if drained > 0 {
				log.WithFields(p.LogTags).Debugf("Processed %d queued tasks during stop", drained)
			}
			return
		}
	}
}

// StopEventLoop stop processing
func (p *taskProcessorImpl) StopEventLoop() error {
	p.stop()
	return nil
}

// ==============================================================================

// taskDemuxProcessorImpl implement TaskProcessor with multiple parallel workers.
// KeyedTask tasks with the same key always reach the same worker, so they are
// processed in submission order.
type taskDemuxProcessorImpl struct {
	Component
	name     string
	workers  []TaskProcessor
	routeIdx uint32
}

// GetNewTaskDemuxProcessorInstance get instance of TaskProcessor backed by parallel workers
func GetNewTaskDemuxProcessorInstance(
	ctxt context.Context, name string, taskBuffer int, workerNum int,
) (TaskProcessor, error) {
	if workerNum < 1 {
		return nil, fmt.Errorf("worker count must be at least 1, got %d", workerNum)
	}
	workers := make([]TaskProcessor, workerNum)
	for itr := 0; itr < workerNum; itr++ {
		workerTP, err := GetNewTaskProcessorInstance(
			ctxt, fmt.Sprintf("%s.worker.%d", name, itr), taskBuffer,
		)
		if err != nil {
			return nil, err
		}
		workers[itr] = workerTP
	}
	logTags := log.Fields{
		"module": "common", "component": "task-demux-processor", "instance": name,
	}
	return &taskDemuxProcessorImpl{
		Component: Component{LogTags: logTags},
		name:      name,
		workers:   workers,
	}, nil
}

// pickWorker select the worker for a task
func (p *taskDemuxProcessorImpl) pickWorker(newTaskParam interface{}) TaskProcessor {
	if keyed, ok := newTaskParam.(KeyedTask); ok {
		hasher := fnv.New32a()
		_, _ = hasher.Write([]byte(keyed.TaskKey()))
		return p.workers[hasher.Sum32()%uint32(len(p.workers))]
	}
	idx := atomic.AddUint32(&p.routeIdx, 1)
	return p.workers[idx%uint32(len(p.workers))]
}

// Submit queue a task with the selected worker
func (p *taskDemuxProcessorImpl) Submit(ctxt context.Context, newTaskParam interface{}) error {
	return p.pickWorker(newTaskParam).Submit(ctxt, newTaskParam)
}

// TrySubmit queue a task with the selected worker without waiting
func (p *taskDemuxProcessorImpl) TrySubmit(newTaskParam interface{}) error {
	return p.pickWorker(newTaskParam).TrySubmit(newTaskParam)
}

// ProcessNewTaskParam process one task synchronously on the selected worker
func (p *taskDemuxProcessorImpl) ProcessNewTaskParam(newTaskParam interface{}) error {
	return p.pickWorker(newTaskParam).ProcessNewTaskParam(newTaskParam)
}

// SetTaskExecutionMap update the task execution map for all workers
func (p *taskDemuxProcessorImpl) SetTaskExecutionMap(newMap map[reflect.Type]TaskHandler) error {
	for _, worker := range p.workers {
		if err := worker.SetTaskExecutionMap(newMap); err != nil {
			return err
		}
	}
	return nil
}

// AddToTaskExecutionMap add a new entry to the task execution map of all workers
func (p *taskDemuxProcessorImpl) AddToTaskExecutionMap(
	theType reflect.Type, handler TaskHandler,
) error {
	for _, worker := range p.workers {
		if err := worker.AddToTaskExecutionMap(theType, handler); err != nil {
			return err
		}
	}
	return nil
}

// StartEventLoop start all worker loops
func (p *taskDemuxProcessorImpl) StartEventLoop(wg *sync.WaitGroup) error {
	log.WithFields(p.LogTags).Infof("Starting %d workers", len(p.workers))
	for _, worker := range p.workers {
		if err := worker.StartEventLoop(wg); err != nil {
			return err
		}
	}
	return nil
}

// StopEventLoop stop all worker loops
func (p *taskDemuxProcessorImpl) StopEventLoop() error {
	for _, worker := range p.workers {
		_ = worker.StopEventLoop()
	}
	return nil
}
