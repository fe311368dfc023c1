// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/toolhive-idp/pkg/idp/storage"
	"github.com/stacklok/toolhive-idp/pkg/idp/storage/storagetest"
)

func newMemory(t *testing.T) *storage.MemoryStorage {
	t.Helper()
	s := storage.NewMemoryStorage()
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMemoryStorage_AuthStore(t *testing.T) {
	t.Parallel()
	storagetest.RunAuthStoreSuite(t, func(t *testing.T) storage.AuthStore { return newMemory(t) }, true)
}

func TestMemoryStorage_Directory(t *testing.T) {
	t.Parallel()
	storagetest.RunDirectorySuite(t, func(t *testing.T) storagetest.DirectoryStore { return newMemory(t) })
}

func TestMemoryStorage_ReturnsCopies(t *testing.T) {
	t.Parallel()
	s := newMemory(t)
	ctx := t.Context()

	require.NoError(t, s.CreateActor(ctx, &storage.Actor{
		ID: "a1", Issuer: "iss", Subject: "sub", Roles: []storage.ActorRole{{Key: "x"}},
	}))

	got, err := s.GetActor(ctx, "a1")
	require.NoError(t, err)
	got.Roles[0].Key = "mutated"

	again, err := s.GetActor(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "x", again.Roles[0].Key)
}

func TestMemoryStorage_IssuerSubjectKeyIsUnambiguous(t *testing.T) {
	t.Parallel()
	s := newMemory(t)
	ctx := t.Context()

	require.NoError(t, s.CreateActor(ctx, &storage.Actor{ID: "a1", Issuer: "a:b", Subject: "c"}))
	require.NoError(t, s.CreateActor(ctx, &storage.Actor{ID: "a2", Issuer: "a", Subject: "b:c"}))

	got, err := s.GetActorByIssuerSubject(ctx, "a", "b:c")
	require.NoError(t, err)
	assert.Equal(t, "a2", got.ID)
}

func TestMemoryStorage_CleanupLoop(t *testing.T) {
	t.Parallel()
	s := storage.NewMemoryStorage(storage.WithCleanupInterval(10 * time.Millisecond))
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.SaveAuthCode(t.Context(), storagetest.NewAuthCode("stale", "alice", -time.Second)))

	assert.Eventually(t, func() bool {
		return s.Stats()["auth_codes"] == 0
	}, time.Second, 10*time.Millisecond)
}

func TestWithAuthStore(t *testing.T) {
	t.Parallel()
	base := newMemory(t)
	auth := newMemory(t)

	combined := storage.WithAuthStore(base, auth)
	ctx := t.Context()

	require.NoError(t, combined.SaveAuthCtx(ctx, storagetest.NewAuthCtx("c1", time.Minute)))
	require.NoError(t, combined.CreateUser(ctx, &storage.User{ID: "u1", Username: "alice"}))

	assert.Equal(t, 1, auth.Stats()["auth_ctxs"])
	assert.Equal(t, 0, base.Stats()["auth_ctxs"])
	assert.Equal(t, 1, base.Stats()["users"])
	assert.NoError(t, combined.Health(ctx))
}
