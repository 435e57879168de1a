package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/alwitt/stormgate/common"
	"github.com/alwitt/stormgate/storage"
	"github.com/apex/log"
)

// Session result of a successful login or refresh
type Session struct {
	UserID           string    `json:"user_id"`
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"expires_at"`
	RefreshToken     string    `json:"-"`
	RefreshExpiresAt time.Time `json:"-"`
}

// Authenticator validates credentials and issues / validates sessions
type Authenticator interface {
	// Register create an account. Fails with ErrConflict if the user ID is in use.
	Register(ctxt context.Context, userID, password, displayName string) (storage.User, error)
	// Login validate a credential and start a session. Fails with ErrUnauthorized.
	Login(ctxt context.Context, userID, password string) (Session, error)
	// Validate resolve an access token to its user ID. Fails with ErrUnauthorized or ErrExpired.
	Validate(ctxt context.Context, token string) (string, error)
	// Refresh exchange a refresh token for a new session. The presented token is revoked.
	Refresh(ctxt context.Context, refreshToken string) (Session, error)
	// Logout revoke a session's tokens. Either token may be empty.
	Logout(ctxt context.Context, accessToken, refreshToken string) error
	// Profile fetch a user. Fails with ErrNotFound.
	Profile(ctxt context.Context, userID string) (storage.User, error)
	// ListUsers list all users
	ListUsers(ctxt context.Context) ([]storage.User, error)
	// Start begin periodic pruning of revocation and cache entries
	Start() error
	// Stop stop periodic pruning
	Stop() error
}

// AuthenticatorParams authenticator parameters
type AuthenticatorParams struct {
	// ValidationCacheTTL how long a validated access token is trusted without re-parsing
	ValidationCacheTTL time.Duration
	// SweepInterval interval between pruning expired revocation and cache entries
	SweepInterval time.Duration
}

type cachedValidation struct {
	userID  string
	tokenID string
	until   time.Time
}

// authenticatorImpl implements Authenticator
type authenticatorImpl struct {
	common.Component
	users     storage.UserStore
	tokens    storage.TokenStore
	hasher    Hasher
	tokenizer Tokenizer
	params    AuthenticatorParams
	sweeper   common.IntervalTimer
	now       func() time.Time

	lock sync.RWMutex
	// revoked access token IDs, kept until the token would have expired anyway
	revoked map[string]time.Time
	// recent validation results keyed by raw token
	cache map[string]cachedValidation
}

// GetAuthenticator define a new Authenticator
func GetAuthenticator(
	rootCtxt context.Context,
	users storage.UserStore,
	tokens storage.TokenStore,
	hasher Hasher,
	tokenizer Tokenizer,
	params AuthenticatorParams,
	wg *sync.WaitGroup,
	instance string,
) (Authenticator, error) {
	logTags := log.Fields{
		"module": "auth", "component": "authenticator", "instance": instance,
	}
	sweeper, err := common.GetIntervalTimerInstance(
		fmt.Sprintf("%s.revocation-sweep", instance), rootCtxt, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define sweep timer")
		return nil, err
	}
	return &authenticatorImpl{
		Component: common.Component{LogTags: logTags},
		users:     users,
		tokens:    tokens,
		hasher:    hasher,
		tokenizer: tokenizer,
		params:    params,
		sweeper:   sweeper,
		now:       time.Now,
		revoked:   make(map[string]time.Time),
		cache:     make(map[string]cachedValidation),
	}, nil
}

// Register create an account
func (a *authenticatorImpl) Register(
	ctxt context.Context, userID, password, displayName string,
) (storage.User, error) {
	userID = strings.TrimSpace(userID)
	displayName = strings.TrimSpace(displayName)
	if userID == "" || password == "" {
		return storage.User{}, fmt.Errorf("user ID and password required: %w", common.ErrInvalidPayload)
	}
	if displayName == "" {
		displayName = userID
	}
	hash, err := a.hasher.Hash(password)
	if err != nil {
		log.WithError(err).WithFields(a.LogTags).Error("Failed to hash password")
		return storage.User{}, err
	}
	user, err := a.users.CreateUser(
		ctxt, storage.User{ID: userID, DisplayName: displayName}, hash,
	)
	if err != nil {
		return storage.User{}, err
	}
	log.WithFields(a.LogTags).Infof("Registered user %s", userID)
	return user, nil
}

// Login validate a credential and start a session
func (a *authenticatorImpl) Login(ctxt context.Context, userID, password string) (Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" || password == "" {
		return Session{}, fmt.Errorf("user ID and password required: %w", common.ErrUnauthorized)
	}
	cred, err := a.users.GetCredential(ctxt, userID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return Session{}, fmt.Errorf("unknown user: %w", common.ErrUnauthorized)
		}
		return Session{}, err
	}
	if err := a.hasher.Compare(password, cred.PasswordHash); err != nil {
		return Session{}, err
	}
	return a.startSession(ctxt, userID)
}

// startSession issue a token pair and persist the refresh token
func (a *authenticatorImpl) startSession(ctxt context.Context, userID string) (Session, error) {
	access, accessClaims, err := a.tokenizer.Issue(userID, AccessToken)
	if err != nil {
		log.WithError(err).WithFields(a.LogTags).Error("Failed to issue access token")
		return Session{}, err
	}
	refresh, refreshClaims, err := a.tokenizer.Issue(userID, RefreshToken)
	if err != nil {
		log.WithError(err).WithFields(a.LogTags).Error("Failed to issue refresh token")
		return Session{}, err
	}
	if err := a.tokens.SaveRefreshToken(ctxt, storage.RefreshToken{
		TokenID: refreshClaims.TokenID, UserID: userID, ExpiresAt: refreshClaims.ExpiresAt,
	}); err != nil {
		log.WithError(err).WithFields(a.LogTags).Error("Failed to record refresh token")
		return Session{}, err
	}
	log.WithFields(a.LogTags).Debugf("Started session for %s", userID)
	return Session{
		UserID:           userID,
		AccessToken:      access,
		AccessExpiresAt:  accessClaims.ExpiresAt,
		RefreshToken:     refresh,
		RefreshExpiresAt: refreshClaims.ExpiresAt,
	}, nil
}

// Validate resolve an access token to its user ID
func (a *authenticatorImpl) Validate(_ context.Context, token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("no token: %w", common.ErrUnauthorized)
	}
	now := a.now()
	a.lock.RLock()
	cached, ok := a.cache[token]
	a.lock.RUnlock()
	if ok && now.Before(cached.until) {
		return cached.userID, nil
	}

	claims, err := a.tokenizer.Parse(token, AccessToken)
	if err != nil {
		return "", err
	}

	a.lock.Lock()
	defer a.lock.Unlock()
	if _, revoked := a.revoked[claims.TokenID]; revoked {
		return "", fmt.Errorf("session ended: %w", common.ErrUnauthorized)
	}
	if a.params.ValidationCacheTTL > 0 {
		until := now.Add(a.params.ValidationCacheTTL)
		if claims.ExpiresAt.Before(until) {
			until = claims.ExpiresAt
		}
		a.cache[token] = cachedValidation{
			userID: claims.UserID, tokenID: claims.TokenID, until: until,
		}
	}
	return claims.UserID, nil
}

// Refresh exchange a refresh token for a new session
func (a *authenticatorImpl) Refresh(ctxt context.Context, refreshToken string) (Session, error) {
	if refreshToken == "" {
		return Session{}, fmt.Errorf("no refresh token: %w", common.ErrUnauthorized)
	}
	claims, err := a.tokenizer.Parse(refreshToken, RefreshToken)
	if err != nil {
		return Session{}, err
	}
	revoked, err := a.tokens.RevokeRefreshToken(ctxt, claims.TokenID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return Session{}, fmt.Errorf("unknown refresh token: %w", common.ErrUnauthorized)
		}
		return Session{}, err
	}
	if !revoked {
		return Session{}, fmt.Errorf("refresh token already used: %w", common.ErrUnauthorized)
	}
	return a.startSession(ctxt, claims.UserID)
}

// Logout revoke a session's tokens
func (a *authenticatorImpl) Logout(ctxt context.Context, accessToken, refreshToken string) error {
	if accessToken != "" {
		if claims, err := a.tokenizer.Parse(accessToken, AccessToken); err == nil {
			a.lock.Lock()
			a.revoked[claims.TokenID] = claims.ExpiresAt
			delete(a.cache, accessToken)
			a.lock.Unlock()
			log.WithFields(a.LogTags).Debugf("Revoked access token of %s", claims.UserID)
		}
	}
	if refreshToken != "" {
		if claims, err := a.tokenizer.Parse(refreshToken, RefreshToken); err == nil {
			if _, err := a.tokens.RevokeRefreshToken(ctxt, claims.TokenID); err != nil &&
				!errors.Is(err, common.ErrNotFound) {
				return err
			}
		}
	}
	return nil
}

// Profile fetch a user
func (a *authenticatorImpl) Profile(ctxt context.Context, userID string) (storage.User, error) {
	return a.users.GetUser(ctxt, userID)
}

// ListUsers list all users
func (a *authenticatorImpl) ListUsers(ctxt context.Context) ([]storage.User, error) {
	return a.users.ListUsers(ctxt)
}

// sweep drop revocations of expired tokens and stale cache entries
func (a *authenticatorImpl) sweep() error {
	now := a.now()
	a.lock.Lock()
	defer a.lock.Unlock()
	for tokenID, expiresAt := range a.revoked {
		if now.After(expiresAt) {
			delete(a.revoked, tokenID)
		}
	}
	for token, entry := range a.cache {
		if now.After(entry.until) {
			delete(a.cache, token)
		}
	}
	return nil
}

// Start begin periodic pruning
func (a *authenticatorImpl) Start() error {
	return a.sweeper.Start(a.params.SweepInterval, a.sweep, false)
}

// Stop stop periodic pruning
func (a *authenticatorImpl) Stop() error {
	return a.sweeper.Stop()
}
