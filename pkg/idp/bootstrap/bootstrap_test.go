// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package bootstrap

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/toolhive-core/httperr"
)

func TestLoadOrCreate_GeneratesOnce(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	var logged []string
	logOnce := func(secret string) { logged = append(logged, secret) }

	first, err := NewStore(dir).LoadOrCreate(t.Context(), "", logOnce)
	require.NoError(t, err)
	assert.Len(t, first.Secret, GeneratedSecretLength)
	assert.False(t, first.Consumed)

	second, err := NewStore(dir).LoadOrCreate(t.Context(), "", logOnce)
	require.NoError(t, err)
	assert.Equal(t, first.Secret, second.Secret)

	require.Len(t, logged, 1, "secret must be logged on first run only")
	assert.Equal(t, first.Secret, logged[0])
}

func TestLoadOrCreate_OperatorSecret(t *testing.T) {
	t.Parallel()

	operator := strings.Repeat("x", MinSecretLength)
	state, err := NewStore(t.TempDir()).LoadOrCreate(t.Context(), operator, nil)
	require.NoError(t, err)
	assert.Equal(t, operator, state.Secret)

	_, err = NewStore(t.TempDir()).LoadOrCreate(t.Context(), "short", nil)
	assert.ErrorIs(t, err, ErrSecretTooShort)
}

func TestLoadOrCreate_PersistedStateWins(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	first, err := NewStore(dir).LoadOrCreate(t.Context(), "", nil)
	require.NoError(t, err)

	again, err := NewStore(dir).LoadOrCreate(t.Context(), strings.Repeat("y", 32), nil)
	require.NoError(t, err)
	assert.Equal(t, first.Secret, again.Secret)
}

func TestLoad_NotInitialized(t *testing.T) {
	t.Parallel()

	_, err := NewStore(t.TempDir()).Load(t.Context())
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestMarkConsumed(t *testing.T) {
	t.Parallel()
	store := NewStore(t.TempDir())

	state, err := store.LoadOrCreate(t.Context(), "", nil)
	require.NoError(t, err)

	require.NoError(t, store.MarkConsumed(t.Context()))
	require.NoError(t, store.MarkConsumed(t.Context()))

	loaded, err := store.Load(t.Context())
	require.NoError(t, err)
	assert.True(t, loaded.Consumed)
	assert.NotNil(t, loaded.ConsumedAt)

	err = store.Consume(t.Context(), state.Secret, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrAlreadyConsumed)
	assert.Equal(t, http.StatusGone, httperr.Code(err))
}

func TestConsume(t *testing.T) {
	t.Parallel()

	t.Run("wrong secret", func(t *testing.T) {
		t.Parallel()
		store := NewStore(t.TempDir())
		_, err := store.LoadOrCreate(t.Context(), "", nil)
		require.NoError(t, err)

		called := false
		err = store.Consume(t.Context(), "nope", func(context.Context) error { called = true; return nil })
		assert.ErrorIs(t, err, ErrInvalidSecret)
		assert.Equal(t, http.StatusUnauthorized, httperr.Code(err))
		assert.False(t, called)
	})

	t.Run("callback failure leaves secret usable", func(t *testing.T) {
		t.Parallel()
		store := NewStore(t.TempDir())
		state, err := store.LoadOrCreate(t.Context(), "", nil)
		require.NoError(t, err)

		boom := errors.New("boom")
		err = store.Consume(t.Context(), state.Secret, func(context.Context) error { return boom })
		assert.ErrorIs(t, err, boom)

		require.NoError(t, store.Consume(t.Context(), state.Secret, func(context.Context) error { return nil }))
	})

	t.Run("secret is persisted as consumed before the callback runs", func(t *testing.T) {
		t.Parallel()
		store := NewStore(t.TempDir())
		state, err := store.LoadOrCreate(t.Context(), "", nil)
		require.NoError(t, err)

		var duringCallback *State
		err = store.Consume(t.Context(), state.Secret, func(context.Context) error {
			var rerr error
			duringCallback, rerr = store.read()
			return rerr
		})
		require.NoError(t, err)
		require.NotNil(t, duringCallback)
		assert.True(t, duringCallback.Consumed)
		assert.NotNil(t, duringCallback.ConsumedAt)

		persisted, err := store.Load(t.Context())
		require.NoError(t, err)
		assert.True(t, persisted.Consumed)
	})

	t.Run("failed callback restores the unconsumed state", func(t *testing.T) {
		t.Parallel()
		store := NewStore(t.TempDir())
		state, err := store.LoadOrCreate(t.Context(), "", nil)
		require.NoError(t, err)

		err = store.Consume(t.Context(), state.Secret, func(context.Context) error { return errors.New("db down") })
		require.Error(t, err)

		persisted, err := store.Load(t.Context())
		require.NoError(t, err)
		assert.False(t, persisted.Consumed)
		assert.Nil(t, persisted.ConsumedAt)
	})

	t.Run("not initialized", func(t *testing.T) {
		t.Parallel()
		err := NewStore(t.TempDir()).Consume(t.Context(), "x", func(context.Context) error { return nil })
		assert.ErrorIs(t, err, ErrNotInitialized)
	})
}

func TestConsume_ExactlyOnceUnderConcurrency(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	state, err := NewStore(dir).LoadOrCreate(t.Context(), "", nil)
	require.NoError(t, err)

	// Separate stores over one directory exercise the file lock as well as the mutex.
	stores := []*Store{NewStore(dir), NewStore(dir)}

	const workers = 16
	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
		consumed  atomic.Int32
	)
	for i := range workers {
		wg.Add(1)
		go func(store *Store) {
			defer wg.Done()
			err := store.Consume(context.Background(), state.Secret, func(context.Context) error { return nil })
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, ErrAlreadyConsumed):
				consumed.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(stores[i%len(stores)])
	}
	wg.Wait()

	assert.Equal(t, int32(1), succeeded.Load())
	assert.Equal(t, int32(workers-1), consumed.Load())
}
