package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/stormgate/common"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

// exerciseStore common Store behavior checks, shared by all Store implementations
func exerciseStore(t *testing.T, uut Store) {
	assert := assert.New(t)
	utCtxt, cancel := context.WithTimeout(context.Background(), time.Second*30)
	defer cancel()

	userA := fmt.Sprintf("alice-%s", uuid.NewString())
	userB := fmt.Sprintf("bob-%s", uuid.NewString())

	// Case 0: create users
	{
		user, err := uut.CreateUser(utCtxt, User{ID: userA, DisplayName: "Alice"}, "hash-a")
		assert.Nil(err)
		assert.Equal(userA, user.ID)
		assert.False(user.CreatedAt.IsZero())
		_, err = uut.CreateUser(utCtxt, User{ID: userB, DisplayName: "Bob"}, "hash-b")
		assert.Nil(err)
	}

	// Case 1: duplicate user
	{
		_, err := uut.CreateUser(utCtxt, User{ID: userA, DisplayName: "Other"}, "hash")
		assert.True(errors.Is(err, common.ErrConflict))
	}

	// Case 2: read back
	{
		user, err := uut.GetUser(utCtxt, userA)
		assert.Nil(err)
		assert.Equal("Alice", user.DisplayName)
		cred, err := uut.GetCredential(utCtxt, userB)
		assert.Nil(err)
		assert.Equal("hash-b", cred.PasswordHash)
		_, err = uut.GetUser(utCtxt, uuid.NewString())
		assert.True(errors.Is(err, common.ErrNotFound))
		_, err = uut.GetCredential(utCtxt, uuid.NewString())
		assert.True(errors.Is(err, common.ErrNotFound))
		users, err := uut.ListUsers(utCtxt)
		assert.Nil(err)
		found := 0
		for _, user := range users {
			if user.ID == userA || user.ID == userB {
				found++
			}
		}
		assert.Equal(2, found)
	}

	// Case 3: refresh tokens revoke once
	{
		tokenID := uuid.NewString()
		assert.Nil(uut.SaveRefreshToken(utCtxt, RefreshToken{
			TokenID: tokenID, UserID: userA, ExpiresAt: time.Now().Add(time.Hour),
		}))
		token, err := uut.GetRefreshToken(utCtxt, tokenID)
		assert.Nil(err)
		assert.Equal(userA, token.UserID)
		assert.False(token.Revoked)
		revoked, err := uut.RevokeRefreshToken(utCtxt, tokenID)
		assert.Nil(err)
		assert.True(revoked)
		revoked, err = uut.RevokeRefreshToken(utCtxt, tokenID)
		assert.Nil(err)
		assert.False(revoked)
		_, err = uut.RevokeRefreshToken(utCtxt, uuid.NewString())
		assert.True(errors.Is(err, common.ErrNotFound))
	}

	// Case 4: channels
	channelName := fmt.Sprintf("room-%s", uuid.NewString())
	var channel Channel
	{
		var err error
		channel, err = uut.CreateChannel(utCtxt, channelName, userA)
		assert.Nil(err)
		assert.Greater(channel.ID, int64(0))
		_, err = uut.CreateChannel(utCtxt, channelName, userB)
		assert.True(errors.Is(err, common.ErrConflict))
		byID, err := uut.GetChannel(utCtxt, channel.ID)
		assert.Nil(err)
		assert.Equal(channelName, byID.Name)
		byName, err := uut.GetChannelByName(utCtxt, channelName)
		assert.Nil(err)
		assert.Equal(channel.ID, byName.ID)
		_, err = uut.GetChannel(utCtxt, 1<<40)
		assert.True(errors.Is(err, common.ErrNotFound))
		assert.Nil(uut.EnsureMember(utCtxt, channel.ID, userB))
		assert.Nil(uut.EnsureMember(utCtxt, channel.ID, userB))
		members, err := uut.ListMembers(utCtxt, channel.ID)
		assert.Nil(err)
		assert.Equal([]string{userB}, members)
		_, err = uut.ListMembers(utCtxt, 1<<40)
		assert.True(errors.Is(err, common.ErrNotFound))
	}

	// Case 5: channel history, newest first with clamped limit
	{
		for itr := 0; itr < 5; itr++ {
			msg, err := uut.SaveChannelMessage(
				utCtxt, channel.ID, userA, fmt.Sprintf("msg-%d", itr),
			)
			assert.Nil(err)
			assert.Equal(channel.ID, msg.ChannelID)
		}
		history, err := uut.ListMessages(utCtxt, channel.ID, 3)
		assert.Nil(err)
		assert.Len(history, 3)
		assert.Equal("msg-4", history[0].Content)
		assert.Equal("msg-2", history[2].Content)
		history, err = uut.ListMessages(utCtxt, channel.ID, 0)
		assert.Nil(err)
		assert.Len(history, 5)
		_, err = uut.ListMessages(utCtxt, 1<<40, 10)
		assert.True(errors.Is(err, common.ErrNotFound))
		_, err = uut.SaveChannelMessage(utCtxt, 1<<40, userA, "lost")
		assert.True(errors.Is(err, common.ErrNotFound))
	}

	// Case 6: seeding is idempotent
	{
		seedName := fmt.Sprintf("seed-%s", uuid.NewString())
		assert.Nil(SeedChannels(utCtxt, uut, []string{seedName, channelName}, "system"))
		assert.Nil(SeedChannels(utCtxt, uut, []string{seedName}, "system"))
		seeded, err := uut.GetChannelByName(utCtxt, seedName)
		assert.Nil(err)
		assert.Equal("system", seeded.CreatedBy)
	}

	assert.Nil(uut.Ready(utCtxt))
}

func TestMemoryStore(t *testing.T) {
	log.SetLevel(log.DebugLevel)
	uut, err := GetMemoryStore("ut-memory-store")
	assert.Nil(t, err)
	defer uut.Close()
	exerciseStore(t, uut)
}

func TestClampMessageLimit(t *testing.T) {
	assert := assert.New(t)
	assert.Equal(DefaultMessageLimit, ClampMessageLimit(0))
	assert.Equal(DefaultMessageLimit, ClampMessageLimit(-4))
	assert.Equal(7, ClampMessageLimit(7))
	assert.Equal(MaxMessageLimit, ClampMessageLimit(5000))
}

// exercisePresence common Presence behavior checks
func exercisePresence(t *testing.T, uut Presence) {
	assert := assert.New(t)
	utCtxt, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	subject := fmt.Sprintf("presence-%s", uuid.NewString())

	// Case 0: unknown subject
	{
		count, err := uut.Count(utCtxt, subject)
		assert.Nil(err)
		assert.Equal(int64(0), count)
	}

	// Case 1: concurrent joins
	{
		wg := sync.WaitGroup{}
		for itr := 0; itr < 10; itr++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := uut.Join(utCtxt, subject)
				assert.Nil(err)
			}()
		}
		wg.Wait()
		count, err := uut.Count(utCtxt, subject)
		assert.Nil(err)
		assert.Equal(int64(10), count)
	}

	// Case 2: leaves never go negative
	{
		for itr := 0; itr < 12; itr++ {
			_, err := uut.Leave(utCtxt, subject)
			assert.Nil(err)
		}
		count, err := uut.Count(utCtxt, subject)
		assert.Nil(err)
		assert.Equal(int64(0), count)
	}
}

func TestMemoryPresence(t *testing.T) {
	exercisePresence(t, GetMemoryPresence())
}
