package storage

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/alwitt/stormgate/common"
	"github.com/apex/log"
)

// AsyncRecorder records side effects of live traffic in the background, so socket
// read loops never wait on storage
type AsyncRecorder interface {
	// RecordChannelMessage queue a message for the channel history
	RecordChannelMessage(channelID int64, sender, content string) error
	// RecordMembership queue adding a user to a channel's member list
	RecordMembership(channelID int64, userID string) error
	// RecordPresence queue a presence change on a subject. Waits a bounded time
	// for buffer space, since a lost change skews the shared counter for good.
	RecordPresence(subject string, joined bool) error
	// Start begin processing queued records
	Start(wg *sync.WaitGroup) error
	// Stop stop processing once the records already queued are applied
	Stop() error
}

type channelMessageTask struct {
	channelID int64
	sender    string
	content   string
}

func (t channelMessageTask) TaskKey() string {
	return fmt.Sprintf("channel/%d", t.channelID)
}

type membershipTask struct {
	channelID int64
	userID    string
}

func (t membershipTask) TaskKey() string {
	return fmt.Sprintf("channel/%d", t.channelID)
}

type presenceTask struct {
	subject string
	joined  bool
}

func (t presenceTask) TaskKey() string {
	return fmt.Sprintf("presence/%s", t.subject)
}

// asyncRecorderImpl implements AsyncRecorder
type asyncRecorderImpl struct {
	common.Component
	loops     sync.WaitGroup
	channels  ChannelStore
	presence  Presence
	processor common.TaskProcessor
	timeout   time.Duration
}

// GetAsyncRecorder define an AsyncRecorder. Records for the same channel or subject
// are applied in submission order.
func GetAsyncRecorder(
	ctxt context.Context,
	channels ChannelStore,
	presence Presence,
	workers, buffer int,
	instance string,
) (AsyncRecorder, error) {
	logTags := log.Fields{
		"module": "storage", "component": "async-recorder", "instance": instance,
	}
	processor, err := common.GetNewTaskDemuxProcessorInstance(
		ctxt, fmt.Sprintf("%s.recorder", instance), buffer, workers,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define task processor")
		return nil, err
	}
	instanceImpl := &asyncRecorderImpl{
		Component: common.Component{LogTags: logTags},
		channels:  channels,
		presence:  presence,
		processor: processor,
		timeout:   time.Second * 5,
	}
	if err := processor.SetTaskExecutionMap(map[reflect.Type]common.TaskHandler{
		reflect.TypeOf(channelMessageTask{}): instanceImpl.processChannelMessage,
		reflect.TypeOf(membershipTask{}):     instanceImpl.processMembership,
		reflect.TypeOf(presenceTask{}):       instanceImpl.processPresence,
	}); err != nil {
		return nil, err
	}
	return instanceImpl, nil
}

// RecordChannelMessage queue a message for the channel history
func (r *asyncRecorderImpl) RecordChannelMessage(channelID int64, sender, content string) error {
	return r.processor.TrySubmit(channelMessageTask{
		channelID: channelID, sender: sender, content: content,
	})
}

// RecordMembership queue adding a user to a channel's member list
func (r *asyncRecorderImpl) RecordMembership(channelID int64, userID string) error {
	return r.processor.TrySubmit(membershipTask{channelID: channelID, userID: userID})
}

// RecordPresence queue a presence change on a subject
func (r *asyncRecorderImpl) RecordPresence(subject string, joined bool) error {
	ctxt, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	return r.processor.Submit(ctxt, presenceTask{subject: subject, joined: joined})
}

func (r *asyncRecorderImpl) processChannelMessage(param interface{}) error {
	task, ok := param.(channelMessageTask)
	if !ok {
		return fmt.Errorf("unexpected task param %s", reflect.TypeOf(param))
	}
	ctxt, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.channels.EnsureMember(ctxt, task.channelID, task.sender); err != nil {
		return err
	}
	stored, err := r.channels.SaveChannelMessage(ctxt, task.channelID, task.sender, task.content)
	if err != nil {
		return err
	}
	log.WithFields(r.LogTags).Debugf(
		"Recorded message %d in channel %d", stored.ID, task.channelID,
	)
	return nil
}

func (r *asyncRecorderImpl) processMembership(param interface{}) error {
	task, ok := param.(membershipTask)
	if !ok {
		return fmt.Errorf("unexpected task param %s", reflect.TypeOf(param))
	}
	ctxt, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	return r.channels.EnsureMember(ctxt, task.channelID, task.userID)
}

func (r *asyncRecorderImpl) processPresence(param interface{}) error {
	task, ok := param.(presenceTask)
	if !ok {
		return fmt.Errorf("unexpected task param %s", reflect.TypeOf(param))
	}
	ctxt, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	var count int64
	var err error
	if task.joined {
		count, err = r.presence.Join(ctxt, task.subject)
	} else {
		count, err = r.presence.Leave(ctxt, task.subject)
	}
	if err != nil {
		return err
	}
	log.WithFields(r.LogTags).Debugf("Presence on %s now %d", task.subject, count)
	return nil
}

// Start begin processing queued records
func (r *asyncRecorderImpl) Start(wg *sync.WaitGroup) error {
	if err := r.processor.StartEventLoop(&r.loops); err != nil {
		return err
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.loops.Wait()
	}()
	return nil
}

// Stop stop processing. Returns once the queued records are applied.
func (r *asyncRecorderImpl) Stop() error {
	if err := r.processor.StopEventLoop(); err != nil {
		return err
	}
	r.loops.Wait()
	return nil
}
