package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/stormgate/common"
	"github.com/alwitt/stormgate/storage"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClock manually advanced clock
type testClock struct {
	lock    sync.Mutex
	current time.Time
}

func (c *testClock) Now() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.current
}

func (c *testClock) Advance(d time.Duration) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.current = c.current.Add(d)
}

func defineTestAuthenticator(
	t *testing.T, ctxt context.Context, wg *sync.WaitGroup, clock *testClock, cacheTTL time.Duration,
) (Authenticator, storage.Store) {
	store, err := storage.GetMemoryStore("ut-auth")
	require.Nil(t, err)
	tokenizer, err := GetJWTTokenizer(TokenParams{
		Issuer:        "ut-stormgate",
		AccessSecret:  []byte("ut-access-secret-0123456789"),
		RefreshSecret: []byte("ut-refresh-secret-0123456789"),
		AccessTTL:     time.Minute * 15,
		RefreshTTL:    time.Hour * 24,
	})
	require.Nil(t, err)
	if clock != nil {
		tokenizer.(*jwtTokenizer).now = clock.Now
	}
	uut, err := GetAuthenticator(
		ctxt,
		store,
		store,
		GetBcryptHasher(),
		tokenizer,
		AuthenticatorParams{ValidationCacheTTL: cacheTTL, SweepInterval: time.Minute},
		wg,
		"ut-auth",
	)
	require.Nil(t, err)
	if clock != nil {
		uut.(*authenticatorImpl).now = clock.Now
	}
	return uut, store
}

func TestAuthenticatorSessions(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	uut, _ := defineTestAuthenticator(t, utCtxt, &wg, nil, time.Second*30)
	assert.Nil(uut.Start())
	defer func() {
		assert.Nil(uut.Stop())
	}()

	// Case 0: register
	{
		user, err := uut.Register(utCtxt, " alice ", "pw-alice", "Alice")
		assert.Nil(err)
		assert.Equal("alice", user.ID)
		assert.Equal("Alice", user.DisplayName)
	}

	// Case 1: duplicate registration
	{
		_, err := uut.Register(utCtxt, "alice", "other", "")
		assert.True(errors.Is(err, common.ErrConflict))
	}

	// Case 2: missing fields
	{
		_, err := uut.Register(utCtxt, "", "pw", "")
		assert.True(errors.Is(err, common.ErrInvalidPayload))
		_, err = uut.Register(utCtxt, "carol", "", "")
		assert.True(errors.Is(err, common.ErrInvalidPayload))
	}

	// Case 3: bad logins
	{
		_, err := uut.Login(utCtxt, "alice", "wrong")
		assert.True(errors.Is(err, common.ErrUnauthorized))
		_, err = uut.Login(utCtxt, "nobody", "pw-alice")
		assert.True(errors.Is(err, common.ErrUnauthorized))
		_, err = uut.Login(utCtxt, "alice", "")
		assert.True(errors.Is(err, common.ErrUnauthorized))
	}

	// Case 4: login and validate
	var session Session
	{
		var err error
		session, err = uut.Login(utCtxt, "alice", "pw-alice")
		assert.Nil(err)
		assert.Equal("alice", session.UserID)
		assert.NotEmpty(session.AccessToken)
		assert.NotEmpty(session.RefreshToken)
		assert.True(session.AccessExpiresAt.After(time.Now()))
		assert.True(session.RefreshExpiresAt.After(session.AccessExpiresAt))

		userID, err := uut.Validate(utCtxt, session.AccessToken)
		assert.Nil(err)
		assert.Equal("alice", userID)
		// Served from cache the second time
		userID, err = uut.Validate(utCtxt, session.AccessToken)
		assert.Nil(err)
		assert.Equal("alice", userID)
	}

	// Case 5: garbage and cross-kind tokens
	{
		_, err := uut.Validate(utCtxt, "")
		assert.True(errors.Is(err, common.ErrUnauthorized))
		_, err = uut.Validate(utCtxt, "not-a-token")
		assert.True(errors.Is(err, common.ErrUnauthorized))
		_, err = uut.Validate(utCtxt, session.RefreshToken)
		assert.True(errors.Is(err, common.ErrUnauthorized))
		_, err = uut.Refresh(utCtxt, session.AccessToken)
		assert.True(errors.Is(err, common.ErrUnauthorized))
	}

	// Case 6: refresh rotates the refresh token
	var rotated Session
	{
		var err error
		rotated, err = uut.Refresh(utCtxt, session.RefreshToken)
		assert.Nil(err)
		assert.Equal("alice", rotated.UserID)
		assert.NotEqual(session.RefreshToken, rotated.RefreshToken)
		_, err = uut.Refresh(utCtxt, session.RefreshToken)
		assert.True(errors.Is(err, common.ErrUnauthorized))
	}

	// Case 7: logout ends the session, even when cached
	{
		assert.Nil(uut.Logout(utCtxt, rotated.AccessToken, rotated.RefreshToken))
		_, err := uut.Validate(utCtxt, rotated.AccessToken)
		assert.True(errors.Is(err, common.ErrUnauthorized))
		_, err = uut.Refresh(utCtxt, rotated.RefreshToken)
		assert.True(errors.Is(err, common.ErrUnauthorized))
		// The first session is unaffected
		userID, err := uut.Validate(utCtxt, session.AccessToken)
		assert.Nil(err)
		assert.Equal("alice", userID)
	}

	// Case 8: profile lookups
	{
		user, err := uut.Profile(utCtxt, "alice")
		assert.Nil(err)
		assert.Equal("Alice", user.DisplayName)
		_, err = uut.Profile(utCtxt, "nobody")
		assert.True(errors.Is(err, common.ErrNotFound))
		users, err := uut.ListUsers(utCtxt)
		assert.Nil(err)
		assert.Len(users, 1)
	}
}

func TestAuthenticatorExpiry(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := &testClock{current: time.Now()}
	uut, _ := defineTestAuthenticator(t, utCtxt, &wg, clock, time.Minute)

	_, err := uut.Register(utCtxt, "bob", "pw-bob", "")
	assert.Nil(err)
	session, err := uut.Login(utCtxt, "bob", "pw-bob")
	assert.Nil(err)

	// Case 0: valid now
	{
		userID, err := uut.Validate(utCtxt, session.AccessToken)
		assert.Nil(err)
		assert.Equal("bob", userID)
	}

	// Case 1: cache never outlives the token
	{
		clock.Advance(time.Minute*15 + time.Second*2)
		_, err := uut.Validate(utCtxt, session.AccessToken)
		assert.True(errors.Is(err, common.ErrExpired))
	}

	// Case 2: refresh still works, then expires too
	{
		renewed, err := uut.Refresh(utCtxt, session.RefreshToken)
		assert.Nil(err)
		userID, err := uut.Validate(utCtxt, renewed.AccessToken)
		assert.Nil(err)
		assert.Equal("bob", userID)

		clock.Advance(time.Hour * 25)
		_, err = uut.Refresh(utCtxt, renewed.RefreshToken)
		assert.True(errors.Is(err, common.ErrExpired))
	}
}

func TestAuthenticatorSweep(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := &testClock{current: time.Now()}
	uut, _ := defineTestAuthenticator(t, utCtxt, &wg, clock, time.Second*30)
	impl := uut.(*authenticatorImpl)

	_, err := uut.Register(utCtxt, "carol", "pw-carol", "")
	assert.Nil(err)
	session, err := uut.Login(utCtxt, "carol", "pw-carol")
	assert.Nil(err)
	other, err := uut.Login(utCtxt, "carol", "pw-carol")
	assert.Nil(err)

	_, err = uut.Validate(utCtxt, other.AccessToken)
	assert.Nil(err)
	assert.Nil(uut.Logout(utCtxt, session.AccessToken, ""))

	// Case 0: entries kept while tokens are live
	{
		assert.Nil(impl.sweep())
		impl.lock.RLock()
		assert.Len(impl.revoked, 1)
		assert.Len(impl.cache, 1)
		impl.lock.RUnlock()
	}

	// Case 1: cache entry drops after its TTL
	{
		clock.Advance(time.Minute)
		assert.Nil(impl.sweep())
		impl.lock.RLock()
		assert.Len(impl.revoked, 1)
		assert.Len(impl.cache, 0)
		impl.lock.RUnlock()
	}

	// Case 2: revocation drops once the token would have expired
	{
		clock.Advance(time.Minute * 15)
		assert.Nil(impl.sweep())
		impl.lock.RLock()
		assert.Len(impl.revoked, 0)
		impl.lock.RUnlock()
	}
}
