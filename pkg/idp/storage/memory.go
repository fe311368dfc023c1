// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/stacklok/toolhive-idp/pkg/logger"
)

// MemoryStorage implements Storage with in-memory maps. It is safe for
// concurrent use and intended for tests and single-process development.
type MemoryStorage struct {
	mu sync.RWMutex

	users map[string]*User
	// usernames maps username -> user ID.
	usernames map[string]string

	actors map[string]*Actor
	// actorKeys maps issuerSubjectKey -> actor ID.
	actorKeys map[string]string

	authCtxs  map[string]*AuthorizeCtx
	authCodes map[string]*AuthorizeCode

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
}

// MemoryStorageOption configures a MemoryStorage instance.
type MemoryStorageOption func(*MemoryStorage)

// WithCleanupInterval starts a background sweep of expired contexts and codes.
func WithCleanupInterval(interval time.Duration) MemoryStorageOption {
	return func(s *MemoryStorage) {
		s.cleanupInterval = interval
	}
}

// NewMemoryStorage creates an empty MemoryStorage.
func NewMemoryStorage(opts ...MemoryStorageOption) *MemoryStorage {
	s := &MemoryStorage{
		users:     make(map[string]*User),
		usernames: make(map[string]string),
		actors:    make(map[string]*Actor),
		actorKeys: make(map[string]string),
		authCtxs:  make(map[string]*AuthorizeCtx),
		authCodes: make(map[string]*AuthorizeCode),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.cleanupInterval > 0 {
		s.stopCleanup = make(chan struct{})
		s.cleanupDone = make(chan struct{})
		go s.cleanupLoop()
	}
	return s
}

var _ Storage = (*MemoryStorage)(nil)

// issuerSubjectKey builds an unambiguous key: the length prefix keeps
// ("a:b", "c") and ("a", "b:c") apart.
func issuerSubjectKey(issuer, subject string) string {
	return fmt.Sprintf("%d:%s:%s", len(issuer), issuer, subject)
}

// Health always succeeds.
func (*MemoryStorage) Health(context.Context) error { return nil }

// Close stops the background cleanup if it was started.
func (s *MemoryStorage) Close() error {
	if s.stopCleanup != nil {
		close(s.stopCleanup)
		<-s.cleanupDone
		s.stopCleanup = nil
	}
	return nil
}

func (s *MemoryStorage) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case now := <-ticker.C:
			if n, _ := s.PurgeExpired(context.Background(), now); n > 0 {
				logger.Debugw("purged expired authorization state", "count", n)
			}
		}
	}
}

// -----------------------
// Users
// -----------------------

// CreateUser stores a new user.
func (s *MemoryStorage) CreateUser(_ context.Context, user *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[user.ID]; ok {
		return fmt.Errorf("%w: user %s", ErrAlreadyExists, user.ID)
	}
	if _, ok := s.usernames[user.Username]; ok {
		return fmt.Errorf("%w: username %s", ErrAlreadyExists, user.Username)
	}
	s.users[user.ID] = user.Clone()
	s.usernames[user.Username] = user.ID
	return nil
}

// GetUser returns a user by ID.
func (s *MemoryStorage) GetUser(_ context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: user not found", ErrNotFound)
	}
	return u.Clone(), nil
}

// GetUserByUsername returns a user by username.
func (s *MemoryStorage) GetUserByUsername(_ context.Context, username string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.usernames[username]
	if !ok {
		return nil, fmt.Errorf("%w: user not found", ErrNotFound)
	}
	return s.users[id].Clone(), nil
}

// UpdateUser replaces a user. The username cannot change.
func (s *MemoryStorage) UpdateUser(_ context.Context, user *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.users[user.ID]
	if !ok {
		return fmt.Errorf("%w: user not found", ErrNotFound)
	}
	if existing.Username != user.Username {
		return fmt.Errorf("username of user %s cannot change", user.ID)
	}
	s.users[user.ID] = user.Clone()
	return nil
}

// ListUsers returns all users ordered by username.
func (s *MemoryStorage) ListUsers(_ context.Context) ([]*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u.Clone())
	}
	slices.SortFunc(out, func(a, b *User) int { return cmp.Compare(a.Username, b.Username) })
	return out, nil
}

// -----------------------
// Actors
// -----------------------

// CreateActor stores a new actor.
func (s *MemoryStorage) CreateActor(_ context.Context, actor *Actor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := issuerSubjectKey(actor.Issuer, actor.Subject)
	if _, ok := s.actorKeys[key]; ok {
		return fmt.Errorf("%w: actor for issuer %s", ErrAlreadyExists, actor.Issuer)
	}
	if _, ok := s.actors[actor.ID]; ok {
		return fmt.Errorf("%w: actor %s", ErrAlreadyExists, actor.ID)
	}
	s.actors[actor.ID] = actor.Clone()
	s.actorKeys[key] = actor.ID
	return nil
}

// GetActor returns an actor by ID.
func (s *MemoryStorage) GetActor(_ context.Context, id string) (*Actor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.actors[id]
	if !ok {
		return nil, fmt.Errorf("%w: actor not found", ErrNotFound)
	}
	return a.Clone(), nil
}

// GetActorByIssuerSubject returns the actor for (issuer, subject).
func (s *MemoryStorage) GetActorByIssuerSubject(_ context.Context, issuer, subject string) (*Actor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.actorKeys[issuerSubjectKey(issuer, subject)]
	if !ok {
		return nil, fmt.Errorf("%w: actor not found", ErrNotFound)
	}
	return s.actors[id].Clone(), nil
}

// UpdateActor replaces an actor. Issuer and subject cannot change.
func (s *MemoryStorage) UpdateActor(_ context.Context, actor *Actor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.actors[actor.ID]
	if !ok {
		return fmt.Errorf("%w: actor not found", ErrNotFound)
	}
	if existing.Issuer != actor.Issuer || existing.Subject != actor.Subject {
		return fmt.Errorf("issuer and subject of actor %s cannot change", actor.ID)
	}
	s.actors[actor.ID] = actor.Clone()
	return nil
}

// ListActors returns all actors ordered by creation time.
func (s *MemoryStorage) ListActors(_ context.Context) ([]*Actor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Actor, 0, len(s.actors))
	for _, a := range s.actors {
		out = append(out, a.Clone())
	}
	slices.SortFunc(out, func(a, b *Actor) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

// -----------------------
// Authorization state
// -----------------------

// SaveAuthCtx stores an authorization context.
func (s *MemoryStorage) SaveAuthCtx(_ context.Context, authCtx *AuthorizeCtx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.authCtxs[authCtx.Code]; ok {
		return fmt.Errorf("%w: authorization context", ErrAlreadyExists)
	}
	c := *authCtx
	s.authCtxs[authCtx.Code] = &c
	return nil
}

// FindAuthCtx returns an authorization context by code.
func (s *MemoryStorage) FindAuthCtx(_ context.Context, code string) (*AuthorizeCtx, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.authCtxs[code]
	if !ok {
		return nil, fmt.Errorf("%w: authorization context not found", ErrNotFound)
	}
	out := *c
	return &out, nil
}

// DeleteAuthCtx removes an authorization context.
func (s *MemoryStorage) DeleteAuthCtx(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.authCtxs[code]; !ok {
		return fmt.Errorf("%w: authorization context not found", ErrNotFound)
	}
	delete(s.authCtxs, code)
	return nil
}

// ConsumeAuthCtx removes and returns an authorization context.
func (s *MemoryStorage) ConsumeAuthCtx(_ context.Context, code string) (*AuthorizeCtx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.authCtxs[code]
	if !ok {
		return nil, fmt.Errorf("%w: authorization context not found", ErrNotFound)
	}
	delete(s.authCtxs, code)
	return c, nil
}

// SaveAuthCode stores an authorization code.
func (s *MemoryStorage) SaveAuthCode(_ context.Context, code *AuthorizeCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.authCodes[code.Code]; ok {
		return fmt.Errorf("%w: authorization code", ErrAlreadyExists)
	}
	c := *code
	s.authCodes[code.Code] = &c
	return nil
}

// FindAuthCode returns an authorization code.
func (s *MemoryStorage) FindAuthCode(_ context.Context, code string) (*AuthorizeCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.authCodes[code]
	if !ok {
		return nil, fmt.Errorf("%w: authorization code not found", ErrNotFound)
	}
	out := *c
	return &out, nil
}

// DeleteAuthCode removes an authorization code.
func (s *MemoryStorage) DeleteAuthCode(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.authCodes[code]; !ok {
		return fmt.Errorf("%w: authorization code not found", ErrNotFound)
	}
	delete(s.authCodes, code)
	return nil
}

// ConsumeAuthCode removes and returns an authorization code.
func (s *MemoryStorage) ConsumeAuthCode(_ context.Context, code string) (*AuthorizeCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.authCodes[code]
	if !ok {
		return nil, fmt.Errorf("%w: authorization code not found", ErrNotFound)
	}
	delete(s.authCodes, code)
	return c, nil
}

// PurgeExpired removes contexts and codes that expired before now.
// Expired keys are collected under the read lock and deleted under the write lock.
func (s *MemoryStorage) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.RLock()
	var expiredCtxs, expiredCodes []string
	for k, v := range s.authCtxs {
		if v.ExpiresAt.Before(now) {
			expiredCtxs = append(expiredCtxs, k)
		}
	}
	for k, v := range s.authCodes {
		if v.ExpiresAt.Before(now) {
			expiredCodes = append(expiredCodes, k)
		}
	}
	s.mu.RUnlock()

	if len(expiredCtxs) == 0 && len(expiredCodes) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var purged int64
	// Re-check under the write lock: an entry may have been consumed meanwhile.
	for _, k := range expiredCtxs {
		if v, ok := s.authCtxs[k]; ok && v.ExpiresAt.Before(now) {
			delete(s.authCtxs, k)
			purged++
		}
	}
	for _, k := range expiredCodes {
		if v, ok := s.authCodes[k]; ok && v.ExpiresAt.Before(now) {
			delete(s.authCodes, k)
			purged++
		}
	}
	return purged, nil
}

// Stats returns counts of stored records, keyed by kind.
func (s *MemoryStorage) Stats() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return map[string]int{
		"users":      len(s.users),
		"actors":     len(s.actors),
		"auth_ctxs":  len(s.authCtxs),
		"auth_codes": len(s.authCodes),
	}
}
