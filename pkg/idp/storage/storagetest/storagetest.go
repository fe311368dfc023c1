// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storagetest provides behavioural test suites shared by the storage backends.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/toolhive-idp/pkg/idp/storage"
)

// NewAuthCtx returns a context expiring ttl from now.
func NewAuthCtx(code string, ttl time.Duration) *storage.AuthorizeCtx {
	now := time.Now().Truncate(time.Millisecond)
	return &storage.AuthorizeCtx{
		Code:                code,
		ClientID:            "ui",
		RedirectURI:         "https://app/cb",
		Scope:               "openid profile",
		State:               "xyz",
		CodeChallenge:       "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM",
		CodeChallengeMethod: storage.PKCEMethodS256,
		Nonce:               "n-0S6_WzA2Mj",
		CreatedAt:           now,
		ExpiresAt:           now.Add(ttl),
	}
}

// NewAuthCode returns a code for subject expiring ttl from now.
func NewAuthCode(code, subject string, ttl time.Duration) *storage.AuthorizeCode {
	now := time.Now().Truncate(time.Millisecond)
	return &storage.AuthorizeCode{
		Code:                code,
		ClientID:            "ui",
		RedirectURI:         "https://app/cb",
		Subject:             subject,
		Scope:               "openid profile",
		CodeChallenge:       "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM",
		CodeChallengeMethod: storage.PKCEMethodS256,
		Nonce:               "n-0S6_WzA2Mj",
		AuthTime:            now,
		ExpiresAt:           now.Add(ttl),
	}
}

// RunAuthStoreSuite exercises the AuthStore contract. purges reports
// whether PurgeExpired physically removes rows for this backend.
func RunAuthStoreSuite(t *testing.T, newStore func(t *testing.T) storage.AuthStore, purges bool) {
	t.Helper()

	t.Run("auth ctx lifecycle", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()

		in := NewAuthCtx("ctx-1", time.Minute)
		require.NoError(t, s.SaveAuthCtx(ctx, in))
		assert.ErrorIs(t, s.SaveAuthCtx(ctx, in), storage.ErrAlreadyExists)

		got, err := s.FindAuthCtx(ctx, "ctx-1")
		require.NoError(t, err)
		assert.Equal(t, in.ClientID, got.ClientID)
		assert.Equal(t, in.CodeChallenge, got.CodeChallenge)
		assert.Equal(t, in.Nonce, got.Nonce)
		assert.True(t, in.ExpiresAt.Equal(got.ExpiresAt))

		require.NoError(t, s.DeleteAuthCtx(ctx, "ctx-1"))
		_, err = s.FindAuthCtx(ctx, "ctx-1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.ErrorIs(t, s.DeleteAuthCtx(ctx, "ctx-1"), storage.ErrNotFound)
	})

	t.Run("auth ctx consumed once", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()

		require.NoError(t, s.SaveAuthCtx(ctx, NewAuthCtx("ctx-2", time.Minute)))

		got, err := s.ConsumeAuthCtx(ctx, "ctx-2")
		require.NoError(t, err)
		assert.Equal(t, "ctx-2", got.Code)

		_, err = s.ConsumeAuthCtx(ctx, "ctx-2")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("auth code lifecycle", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()

		in := NewAuthCode("code-1", "alice", time.Minute)
		require.NoError(t, s.SaveAuthCode(ctx, in))

		got, err := s.FindAuthCode(ctx, "code-1")
		require.NoError(t, err)
		assert.Equal(t, "alice", got.Subject)
		assert.True(t, in.AuthTime.Equal(got.AuthTime))

		require.NoError(t, s.DeleteAuthCode(ctx, "code-1"))
		_, err = s.FindAuthCode(ctx, "code-1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("concurrent consumption has one winner", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()
		require.NoError(t, s.SaveAuthCode(ctx, NewAuthCode("code-race", "alice", time.Minute)))

		const workers = 20
		var (
			wg      sync.WaitGroup
			winners atomic.Int32
		)
		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.ConsumeAuthCode(context.Background(), "code-race")
				if err == nil {
					winners.Add(1)
				} else if !errors.Is(err, storage.ErrNotFound) {
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), winners.Load())
	})

	if !purges {
		return
	}
	t.Run("purge expired", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()

		require.NoError(t, s.SaveAuthCtx(ctx, NewAuthCtx("old-ctx", -time.Minute)))
		require.NoError(t, s.SaveAuthCtx(ctx, NewAuthCtx("new-ctx", time.Minute)))
		require.NoError(t, s.SaveAuthCode(ctx, NewAuthCode("old-code", "alice", -time.Minute)))
		require.NoError(t, s.SaveAuthCode(ctx, NewAuthCode("new-code", "alice", time.Minute)))

		n, err := s.PurgeExpired(ctx, time.Now())
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		_, err = s.FindAuthCtx(ctx, "old-ctx")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = s.FindAuthCode(ctx, "old-code")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = s.FindAuthCtx(ctx, "new-ctx")
		assert.NoError(t, err)
		_, err = s.FindAuthCode(ctx, "new-code")
		assert.NoError(t, err)
	})
}

// DirectoryStore is the user and actor half of storage.Storage.
type DirectoryStore interface {
	storage.UserStore
	storage.ActorStore
}

// RunDirectorySuite exercises the UserStore and ActorStore contracts.
func RunDirectorySuite(t *testing.T, newStore func(t *testing.T) DirectoryStore) {
	t.Helper()

	t.Run("users", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()
		now := time.Now().UTC().Truncate(time.Millisecond)

		alice := &storage.User{
			ID:           uuid.NewString(),
			Username:     "alice",
			Fullname:     "Alice Liddell",
			PasswordHash: []byte("$2a$04$hash"),
			Admin:        true,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		require.NoError(t, s.CreateUser(ctx, alice))

		dup := alice.Clone()
		dup.ID = uuid.NewString()
		assert.ErrorIs(t, s.CreateUser(ctx, dup), storage.ErrAlreadyExists)

		got, err := s.GetUserByUsername(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, alice.ID, got.ID)
		assert.Equal(t, alice.PasswordHash, got.PasswordHash)
		assert.True(t, got.Admin)
		assert.False(t, got.IsDisabled())

		disabledAt := now.Add(time.Minute)
		got.DisabledAt = &disabledAt
		got.Fullname = "Alice L."
		require.NoError(t, s.UpdateUser(ctx, got))

		byID, err := s.GetUser(ctx, alice.ID)
		require.NoError(t, err)
		assert.Equal(t, "Alice L.", byID.Fullname)
		require.NotNil(t, byID.DisabledAt)
		assert.True(t, disabledAt.Equal(*byID.DisabledAt))

		_, err = s.GetUserByUsername(ctx, "bob")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		ghost := alice.Clone()
		ghost.ID = uuid.NewString()
		assert.ErrorIs(t, s.UpdateUser(ctx, ghost), storage.ErrNotFound)

		users, err := s.ListUsers(ctx)
		require.NoError(t, err)
		assert.Len(t, users, 1)
	})

	t.Run("actors", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()
		now := time.Now().UTC().Truncate(time.Millisecond)

		actor := &storage.Actor{
			ID:         uuid.NewString(),
			Issuer:     "https://corp.example.com",
			Subject:    "u-123",
			Fullname:   "Bob",
			Email:      "bob@example.com",
			Roles:      []storage.ActorRole{{Key: storage.RoleAdmin}, {Key: "catalog-editor"}},
			CreatedAt:  now,
			LastSeenAt: now,
		}
		require.NoError(t, s.CreateActor(ctx, actor))

		dup := actor.Clone()
		dup.ID = uuid.NewString()
		assert.ErrorIs(t, s.CreateActor(ctx, dup), storage.ErrAlreadyExists)

		got, err := s.GetActorByIssuerSubject(ctx, actor.Issuer, actor.Subject)
		require.NoError(t, err)
		assert.Equal(t, actor.ID, got.ID)
		assert.Equal(t, []string{storage.RoleAdmin, "catalog-editor"}, got.RoleKeys())
		assert.True(t, got.HasRole(storage.RoleAdmin))

		// Same subject under a different issuer is a different actor.
		_, err = s.GetActorByIssuerSubject(ctx, "https://other.example.com", actor.Subject)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		got.Roles = nil
		got.LastSeenAt = now.Add(time.Hour)
		require.NoError(t, s.UpdateActor(ctx, got))

		byID, err := s.GetActor(ctx, actor.ID)
		require.NoError(t, err)
		assert.Empty(t, byID.Roles)
		assert.True(t, now.Add(time.Hour).Equal(byID.LastSeenAt))

		actors, err := s.ListActors(ctx)
		require.NoError(t, err)
		assert.Len(t, actors, 1)
	})
}
