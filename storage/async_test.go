package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/stormgate/common"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestAsyncRecorder(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := GetMemoryStore("ut-async-recorder")
	assert.Nil(err)
	presence := GetMemoryPresence()

	uut, err := GetAsyncRecorder(utCtxt, store, presence, 3, 32, "ut-async-recorder")
	assert.Nil(err)
	assert.Nil(uut.Start(&wg))
	defer func() {
		assert.Nil(uut.Stop())
	}()

	channel, err := store.CreateChannel(utCtxt, "general", "system")
	assert.Nil(err)

	// Case 0: channel history recorded in order
	{
		for _, content := range []string{"one", "two", "three"} {
			assert.Nil(uut.RecordChannelMessage(channel.ID, "alice", content))
		}
		assert.Eventually(func() bool {
			history, err := store.ListMessages(utCtxt, channel.ID, 10)
			return err == nil && len(history) == 3
		}, time.Second, time.Millisecond*10)
		history, err := store.ListMessages(utCtxt, channel.ID, 10)
		assert.Nil(err)
		assert.Equal("three", history[0].Content)
		assert.Equal("one", history[2].Content)
	}

	// Case 1: presence changes applied
	{
		assert.Nil(uut.RecordPresence("storm.events", true))
		assert.Nil(uut.RecordPresence("storm.events", true))
		assert.Nil(uut.RecordPresence("storm.events", false))
		assert.Eventually(func() bool {
			count, err := presence.Count(utCtxt, "storm.events")
			return err == nil && count == 1
		}, time.Second, time.Millisecond*10)
	}

	// Case 1a: memberships recorded
	{
		assert.Nil(uut.RecordMembership(channel.ID, "bob"))
		assert.Nil(uut.RecordMembership(channel.ID, "alice"))
		assert.Eventually(func() bool {
			members, err := store.ListMembers(utCtxt, channel.ID)
			return err == nil && len(members) == 2
		}, time.Second, time.Millisecond*10)
		members, err := store.ListMembers(utCtxt, channel.ID)
		assert.Nil(err)
		assert.Equal([]string{"alice", "bob"}, members)
	}

	// Case 2: record for a missing channel is dropped without stopping the recorder
	{
		assert.Nil(uut.RecordChannelMessage(1<<40, "alice", "lost"))
		assert.Nil(uut.RecordChannelMessage(channel.ID, "alice", "four"))
		assert.Eventually(func() bool {
			history, err := store.ListMessages(utCtxt, channel.ID, 10)
			return err == nil && len(history) == 4
		}, time.Second, time.Millisecond*10)
	}
}

// slowPresence delays every change to keep the recorder buffer full
type slowPresence struct {
	Presence
	delay time.Duration
}

func (p slowPresence) Join(ctxt context.Context, subject string) (int64, error) {
	time.Sleep(p.delay)
	return p.Presence.Join(ctxt, subject)
}

func (p slowPresence) Leave(ctxt context.Context, subject string) (int64, error) {
	time.Sleep(p.delay)
	return p.Presence.Leave(ctxt, subject)
}

func TestAsyncRecorderStopAppliesQueuedPresence(t *testing.T) {
	assert := assert.New(t)

	store, err := GetMemoryStore("ut-async-recorder-stop")
	assert.Nil(err)

	// Case 0: every queued leave lands before Stop returns
	{
		wg := sync.WaitGroup{}
		presence := GetMemoryPresence()
		uut, err := GetAsyncRecorder(
			context.Background(), store, presence, 2, 512, "ut-async-recorder-stop",
		)
		assert.Nil(err)
		assert.Nil(uut.Start(&wg))
		for itr := 0; itr < 300; itr++ {
			assert.Nil(uut.RecordPresence("storm.events", true))
		}
		for itr := 0; itr < 300; itr++ {
			assert.Nil(uut.RecordPresence("storm.events", false))
		}
		assert.Nil(uut.Stop())
		wg.Wait()
		count, err := presence.Count(context.Background(), "storm.events")
		assert.Nil(err)
		assert.Equal(int64(0), count)

		err = uut.RecordPresence("storm.events", true)
		assert.True(errors.Is(err, common.ErrClosed))
	}

	// Case 1: a full buffer makes presence changes wait instead of dropping them
	{
		wg := sync.WaitGroup{}
		presence := GetMemoryPresence()
		uut, err := GetAsyncRecorder(
			context.Background(), store, slowPresence{Presence: presence, delay: time.Millisecond},
			1, 2, "ut-async-recorder-slow",
		)
		assert.Nil(err)
		assert.Nil(uut.Start(&wg))
		for itr := 0; itr < 40; itr++ {
			assert.Nil(uut.RecordPresence("channels.1", true))
		}
		for itr := 0; itr < 30; itr++ {
			assert.Nil(uut.RecordPresence("channels.1", false))
		}
		assert.Nil(uut.Stop())
		wg.Wait()
		count, err := presence.Count(context.Background(), "channels.1")
		assert.Nil(err)
		assert.Equal(int64(10), count)
	}
}
