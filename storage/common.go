package storage

import (
	"context"
	"errors"
	"time"

	"github.com/alwitt/stormgate/common"
)

// User a registered gateway user
type User struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// Credential login credential of a user
type Credential struct {
	UserID       string
	PasswordHash string
}

// RefreshToken record of an issued refresh token
type RefreshToken struct {
	TokenID   string
	UserID    string
	ExpiresAt time.Time
	Revoked   bool
}

// Channel a named, numbered subject with history
type Channel struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// ChannelMessage one message recorded in a channel's history
type ChannelMessage struct {
	ID        int64     `json:"id"`
	ChannelID int64     `json:"channel_id"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Message history page size bounds
const (
	DefaultMessageLimit = 50
	MaxMessageLimit     = 200
)

// ClampMessageLimit bring a requested history page size into range
func ClampMessageLimit(limit int) int {
	if limit <= 0 {
		return DefaultMessageLimit
	}
	if limit > MaxMessageLimit {
		return MaxMessageLimit
	}
	return limit
}

// UserStore user and credential storage
type UserStore interface {
	// CreateUser record a new user. Fails with ErrConflict if the ID is taken.
	CreateUser(ctxt context.Context, user User, passwordHash string) (User, error)
	// GetUser fetch a user. Fails with ErrNotFound.
	GetUser(ctxt context.Context, userID string) (User, error)
	// GetCredential fetch a user's credential. Fails with ErrNotFound.
	GetCredential(ctxt context.Context, userID string) (Credential, error)
	// ListUsers list all users ordered by ID
	ListUsers(ctxt context.Context) ([]User, error)
}

// TokenStore refresh token storage
type TokenStore interface {
	// SaveRefreshToken record an issued refresh token
	SaveRefreshToken(ctxt context.Context, token RefreshToken) error
	// GetRefreshToken fetch a refresh token record. Fails with ErrNotFound.
	GetRefreshToken(ctxt context.Context, tokenID string) (RefreshToken, error)
	// RevokeRefreshToken mark a refresh token as used. Returns whether this call
	// performed the revocation, so only one caller can rotate a token.
	RevokeRefreshToken(ctxt context.Context, tokenID string) (bool, error)
}

// ChannelStore channel and channel history storage
type ChannelStore interface {
	// CreateChannel record a new channel. Fails with ErrConflict if the name is taken.
	CreateChannel(ctxt context.Context, name, createdBy string) (Channel, error)
	// GetChannel fetch a channel. Fails with ErrNotFound.
	GetChannel(ctxt context.Context, channelID int64) (Channel, error)
	// GetChannelByName fetch a channel by name. Fails with ErrNotFound.
	GetChannelByName(ctxt context.Context, name string) (Channel, error)
	// ListChannels list all channels ordered by ID
	ListChannels(ctxt context.Context) ([]Channel, error)
	// EnsureMember record a user as a channel member
	EnsureMember(ctxt context.Context, channelID int64, userID string) error
	// ListMembers user IDs of a channel's members, sorted
	ListMembers(ctxt context.Context, channelID int64) ([]string, error)
	// SaveChannelMessage append a message to a channel's history
	SaveChannelMessage(
		ctxt context.Context, channelID int64, sender, content string,
	) (ChannelMessage, error)
	// ListMessages newest first page of a channel's history
	ListMessages(ctxt context.Context, channelID int64, limit int) ([]ChannelMessage, error)
}

// Store complete storage collaborator
type Store interface {
	UserStore
	TokenStore
	ChannelStore
	// Ready check the store is usable
	Ready(ctxt context.Context) error
	// Close release store resources
	Close()
}

// Presence per subject live subscriber counters shared between gateway instances
type Presence interface {
	// Join count one more subscriber on a subject, returning the new count
	Join(ctxt context.Context, subject string) (int64, error)
	// Leave count one less subscriber on a subject, returning the new count
	Leave(ctxt context.Context, subject string) (int64, error)
	// Count current subscriber count on a subject
	Count(ctxt context.Context, subject string) (int64, error)
}

// SeedChannels create the named channels if they do not exist yet
func SeedChannels(ctxt context.Context, store ChannelStore, names []string, createdBy string) error {
	for _, name := range names {
		_, err := store.GetChannelByName(ctxt, name)
		if err == nil {
			continue
		}
		if !errors.Is(err, common.ErrNotFound) {
			return err
		}
		// Another instance may have created it in the meantime
		if _, err := store.CreateChannel(ctxt, name, createdBy); err != nil &&
			!errors.Is(err, common.ErrConflict) {
			return err
		}
	}
	return nil
}
