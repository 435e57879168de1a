package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alwitt/stormgate/common"
	"github.com/apex/log"
)

// memoryStore in-process Store, used when no database is configured
type memoryStore struct {
	common.Component
	lock          sync.RWMutex
	users         map[string]User
	credentials   map[string]string
	refreshTokens map[string]RefreshToken
	channels      map[int64]Channel
	channelNames  map[string]int64
	members       map[int64]map[string]bool
	messages      map[int64][]ChannelMessage
	nextChannelID int64
	nextMessageID int64
}

// GetMemoryStore define an in-process Store
func GetMemoryStore(instance string) (Store, error) {
	logTags := log.Fields{
		"module": "storage", "component": "memory-store", "instance": instance,
	}
	return &memoryStore{
		Component:     common.Component{LogTags: logTags},
		users:         make(map[string]User),
		credentials:   make(map[string]string),
		refreshTokens: make(map[string]RefreshToken),
		channels:      make(map[int64]Channel),
		channelNames:  make(map[string]int64),
		members:       make(map[int64]map[string]bool),
		messages:      make(map[int64][]ChannelMessage),
	}, nil
}

// ================================================================
// Users

func (s *memoryStore) CreateUser(
	_ context.Context, user User, passwordHash string,
) (User, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.users[user.ID]; ok {
		return User{}, fmt.Errorf("user '%s' exists: %w", user.ID, common.ErrConflict)
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.users[user.ID] = user
	s.credentials[user.ID] = passwordHash
	log.WithFields(s.LogTags).Debugf("Created user %s", user.ID)
	return user, nil
}

func (s *memoryStore) GetUser(_ context.Context, userID string) (User, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	user, ok := s.users[userID]
	if !ok {
		return User{}, fmt.Errorf("user '%s': %w", userID, common.ErrNotFound)
	}
	return user, nil
}

func (s *memoryStore) GetCredential(_ context.Context, userID string) (Credential, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	hash, ok := s.credentials[userID]
	if !ok {
		return Credential{}, fmt.Errorf("credential of '%s': %w", userID, common.ErrNotFound)
	}
	return Credential{UserID: userID, PasswordHash: hash}, nil
}

func (s *memoryStore) ListUsers(_ context.Context) ([]User, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	result := make([]User, 0, len(s.users))
	for _, user := range s.users {
		result = append(result, user)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// ================================================================
// Refresh tokens

func (s *memoryStore) SaveRefreshToken(_ context.Context, token RefreshToken) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.refreshTokens[token.TokenID]; ok {
		return fmt.Errorf("refresh token '%s' exists: %w", token.TokenID, common.ErrConflict)
	}
	s.refreshTokens[token.TokenID] = token
	// Expired entries are no longer useful to anyone
	now := time.Now()
	for id, entry := range s.refreshTokens {
		if entry.ExpiresAt.Before(now) {
			delete(s.refreshTokens, id)
		}
	}
	return nil
}

func (s *memoryStore) GetRefreshToken(_ context.Context, tokenID string) (RefreshToken, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	token, ok := s.refreshTokens[tokenID]
	if !ok {
		return RefreshToken{}, fmt.Errorf("refresh token '%s': %w", tokenID, common.ErrNotFound)
	}
	return token, nil
}

func (s *memoryStore) RevokeRefreshToken(_ context.Context, tokenID string) (bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	token, ok := s.refreshTokens[tokenID]
	if !ok {
		return false, fmt.Errorf("refresh token '%s': %w", tokenID, common.ErrNotFound)
	}
	if token.Revoked {
		return false, nil
	}
	token.Revoked = true
	s.refreshTokens[tokenID] = token
	return true, nil
}

// ================================================================
// Channels

func (s *memoryStore) CreateChannel(
	_ context.Context, name, createdBy string,
) (Channel, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.channelNames[name]; ok {
		return Channel{}, fmt.Errorf("channel '%s' exists: %w", name, common.ErrConflict)
	}
	s.nextChannelID++
	channel := Channel{
		ID: s.nextChannelID, Name: name, CreatedBy: createdBy, CreatedAt: time.Now().UTC(),
	}
	s.channels[channel.ID] = channel
	s.channelNames[name] = channel.ID
	log.WithFields(s.LogTags).Debugf("Created channel %d '%s'", channel.ID, name)
	return channel, nil
}

func (s *memoryStore) GetChannel(_ context.Context, channelID int64) (Channel, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	channel, ok := s.channels[channelID]
	if !ok {
		return Channel{}, fmt.Errorf("channel %d: %w", channelID, common.ErrNotFound)
	}
	return channel, nil
}

func (s *memoryStore) GetChannelByName(_ context.Context, name string) (Channel, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	id, ok := s.channelNames[name]
	if !ok {
		return Channel{}, fmt.Errorf("channel '%s': %w", name, common.ErrNotFound)
	}
	return s.channels[id], nil
}

func (s *memoryStore) ListChannels(_ context.Context) ([]Channel, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	result := make([]Channel, 0, len(s.channels))
	for _, channel := range s.channels {
		result = append(result, channel)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *memoryStore) EnsureMember(_ context.Context, channelID int64, userID string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.channels[channelID]; !ok {
		return fmt.Errorf("channel %d: %w", channelID, common.ErrNotFound)
	}
	members, ok := s.members[channelID]
	if !ok {
		members = make(map[string]bool)
		s.members[channelID] = members
	}
	members[userID] = true
	return nil
}

func (s *memoryStore) ListMembers(_ context.Context, channelID int64) ([]string, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if _, ok := s.channels[channelID]; !ok {
		return nil, fmt.Errorf("channel %d: %w", channelID, common.ErrNotFound)
	}
	result := make([]string, 0, len(s.members[channelID]))
	for userID := range s.members[channelID] {
		result = append(result, userID)
	}
	sort.Strings(result)
	return result, nil
}

func (s *memoryStore) SaveChannelMessage(
	_ context.Context, channelID int64, sender, content string,
) (ChannelMessage, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.channels[channelID]; !ok {
		return ChannelMessage{}, fmt.Errorf("channel %d: %w", channelID, common.ErrNotFound)
	}
	s.nextMessageID++
	msg := ChannelMessage{
		ID:        s.nextMessageID,
		ChannelID: channelID,
		Sender:    sender,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	s.messages[channelID] = append(s.messages[channelID], msg)
	return msg, nil
}

func (s *memoryStore) ListMessages(
	_ context.Context, channelID int64, limit int,
) ([]ChannelMessage, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if _, ok := s.channels[channelID]; !ok {
		return nil, fmt.Errorf("channel %d: %w", channelID, common.ErrNotFound)
	}
	limit = ClampMessageLimit(limit)
	history := s.messages[channelID]
	result := make([]ChannelMessage, 0, limit)
	for itr := len(history) - 1; itr >= 0 && len(result) < limit; itr-- {
		result = append(result, history[itr])
	}
	return result, nil
}

func (s *memoryStore) Ready(_ context.Context) error {
	return nil
}

func (s *memoryStore) Close() {}

// ================================================================

// memoryPresence in-process Presence
type memoryPresence struct {
	lock   sync.Mutex
	counts map[string]int64
}

// GetMemoryPresence define an in-process Presence
func GetMemoryPresence() Presence {
	return &memoryPresence{counts: make(map[string]int64)}
}

func (p *memoryPresence) Join(_ context.Context, subject string) (int64, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.counts[subject]++
	return p.counts[subject], nil
}

func (p *memoryPresence) Leave(_ context.Context, subject string) (int64, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	count := p.counts[subject] - 1
	if count <= 0 {
		delete(p.counts, subject)
		return 0, nil
	}
	p.counts[subject] = count
	return count, nil
}

func (p *memoryPresence) Count(_ context.Context, subject string) (int64, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.counts[subject], nil
}
