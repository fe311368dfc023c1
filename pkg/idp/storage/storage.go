// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storage defines persistence for users, actors and the ephemeral
// state of the authorization code flow, with in-memory and Redis backends.
// The durable SQLite backend lives in the sqlite subpackage.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// UserStore persists internal user accounts.
type UserStore interface {
	// CreateUser stores a new user. Returns ErrAlreadyExists if the username is taken.
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	// UpdateUser replaces a user by ID. Returns ErrNotFound if absent.
	UpdateUser(ctx context.Context, user *User) error
	ListUsers(ctx context.Context) ([]*User, error)
}

// ActorStore persists actors.
type ActorStore interface {
	// CreateActor stores a new actor. Returns ErrAlreadyExists if (issuer, subject) is taken.
	CreateActor(ctx context.Context, actor *Actor) error
	GetActor(ctx context.Context, id string) (*Actor, error)
	GetActorByIssuerSubject(ctx context.Context, issuer, subject string) (*Actor, error)
	// UpdateActor replaces an actor by ID. Returns ErrNotFound if absent.
	UpdateActor(ctx context.Context, actor *Actor) error
	ListActors(ctx context.Context) ([]*Actor, error)
}

// AuthStore persists authorization contexts and codes.
//
// Find methods return records regardless of expiry; callers compare
// ExpiresAt with their clock. Consume methods delete and return a record in
// one atomic step, so among concurrent callers exactly one observes it.
type AuthStore interface {
	SaveAuthCtx(ctx context.Context, authCtx *AuthorizeCtx) error
	FindAuthCtx(ctx context.Context, code string) (*AuthorizeCtx, error)
	DeleteAuthCtx(ctx context.Context, code string) error
	ConsumeAuthCtx(ctx context.Context, code string) (*AuthorizeCtx, error)

	SaveAuthCode(ctx context.Context, code *AuthorizeCode) error
	FindAuthCode(ctx context.Context, code string) (*AuthorizeCode, error)
	DeleteAuthCode(ctx context.Context, code string) error
	ConsumeAuthCode(ctx context.Context, code string) (*AuthorizeCode, error)

	// PurgeExpired deletes contexts and codes with ExpiresAt before now and
	// returns how many were removed.
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// Storage is the full persistence surface of the identity provider.
type Storage interface {
	UserStore
	ActorStore
	AuthStore
	// Health reports whether the backends are reachable.
	Health(ctx context.Context) error
	io.Closer
}

// HealthChecker is implemented by AuthStore backends that need a liveness probe.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// WithAuthStore returns a Storage that keeps users and actors in base and
// authorization state in auth. Closing it closes both.
func WithAuthStore(base Storage, auth AuthStore) Storage {
	return &splitStorage{Storage: base, auth: auth}
}

type splitStorage struct {
	Storage
	auth AuthStore
}

func (s *splitStorage) SaveAuthCtx(ctx context.Context, authCtx *AuthorizeCtx) error {
	return s.auth.SaveAuthCtx(ctx, authCtx)
}

func (s *splitStorage) FindAuthCtx(ctx context.Context, code string) (*AuthorizeCtx, error) {
	return s.auth.FindAuthCtx(ctx, code)
}

func (s *splitStorage) DeleteAuthCtx(ctx context.Context, code string) error {
	return s.auth.DeleteAuthCtx(ctx, code)
}

func (s *splitStorage) ConsumeAuthCtx(ctx context.Context, code string) (*AuthorizeCtx, error) {
	return s.auth.ConsumeAuthCtx(ctx, code)
}

func (s *splitStorage) SaveAuthCode(ctx context.Context, code *AuthorizeCode) error {
	return s.auth.SaveAuthCode(ctx, code)
}

func (s *splitStorage) FindAuthCode(ctx context.Context, code string) (*AuthorizeCode, error) {
	return s.auth.FindAuthCode(ctx, code)
}

func (s *splitStorage) DeleteAuthCode(ctx context.Context, code string) error {
	return s.auth.DeleteAuthCode(ctx, code)
}

func (s *splitStorage) ConsumeAuthCode(ctx context.Context, code string) (*AuthorizeCode, error) {
	return s.auth.ConsumeAuthCode(ctx, code)
}

func (s *splitStorage) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	return s.auth.PurgeExpired(ctx, now)
}

func (s *splitStorage) Health(ctx context.Context) error {
	if err := s.Storage.Health(ctx); err != nil {
		return err
	}
	if hc, ok := s.auth.(HealthChecker); ok {
		return hc.Health(ctx)
	}
	return nil
}

func (s *splitStorage) Close() error {
	var errs []error
	if c, ok := s.auth.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	errs = append(errs, s.Storage.Close())
	return errors.Join(errs...)
}
