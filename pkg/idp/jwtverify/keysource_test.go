// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package jwtverify_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/toolhive-idp/pkg/idp/jwtverify"
)

type jwksServer struct {
	*httptest.Server
	hits atomic.Int32
}

func newJWKSServer(t *testing.T, handler http.HandlerFunc) *jwksServer {
	t.Helper()
	s := &jwksServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		handler(w, r)
	}))
	t.Cleanup(s.Close)
	return s
}

func serveSet(t *testing.T, keys ...jwk.Key) http.HandlerFunc {
	t.Helper()
	set := jwk.NewSet()
	for _, k := range keys {
		require.NoError(t, set.AddKey(k))
	}
	body, err := json.Marshal(set)
	require.NoError(t, err)
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}
}

func TestJWKSKeySourceCachesByKID(t *testing.T) {
	t.Parallel()

	keys := newTestKeys(t)
	srv := newJWKSServer(t, serveSet(t, importKey(t, &keys.rsa.PublicKey, "k1"), importKey(t, &keys.ec.PublicKey, "k2")))
	source := jwtverify.NewJWKSKeySource(jwtverify.JWKSOptions{Issuer: "corp", URL: srv.URL})

	key, err := source.Key(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, "RSA", key.KeyType().String())

	_, err = source.Key(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), srv.hits.Load())

	key, err = source.Key(context.Background(), "k2")
	require.NoError(t, err)
	assert.Equal(t, "EC", key.KeyType().String())
	assert.Equal(t, int32(1), srv.hits.Load(), "every key of the set is cached by one fetch")
}

func TestJWKSKeySourceUnknownKIDsDoNotRefetch(t *testing.T) {
	t.Parallel()

	keys := newTestKeys(t)
	srv := newJWKSServer(t, serveSet(t, importKey(t, &keys.rsa.PublicKey, "k1")))
	source := jwtverify.NewJWKSKeySource(jwtverify.JWKSOptions{URL: srv.URL})

	for i := range 50 {
		kid := []string{"forged-a", "forged-b"}[i%2]
		_, err := source.Key(context.Background(), kid)
		require.ErrorIs(t, err, jwtverify.ErrUnknownKeyID)
	}
	assert.Equal(t, int32(1), srv.hits.Load())

	_, err := source.Key(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), srv.hits.Load())
}

func TestJWKSKeySourcePicksUpRotatedKeyAfterMinInterval(t *testing.T) {
	t.Parallel()

	keys := newTestKeys(t)
	before := serveSet(t, importKey(t, &keys.rsa.PublicKey, "k1"))
	after := serveSet(t, importKey(t, &keys.rsa.PublicKey, "k1"), importKey(t, &keys.ec.PublicKey, "k2"))
	var rotated atomic.Bool
	srv := newJWKSServer(t, func(w http.ResponseWriter, r *http.Request) {
		if rotated.Load() {
			after(w, r)
			return
		}
		before(w, r)
	})
	source := jwtverify.NewJWKSKeySource(jwtverify.JWKSOptions{URL: srv.URL, MinRefreshInterval: 100 * time.Millisecond})

	_, err := source.Key(context.Background(), "k2")
	require.ErrorIs(t, err, jwtverify.ErrUnknownKeyID)

	rotated.Store(true)
	_, err = source.Key(context.Background(), "k2")
	require.ErrorIs(t, err, jwtverify.ErrUnknownKeyID)
	assert.Equal(t, int32(1), srv.hits.Load())

	require.Eventually(t, func() bool {
		key, err := source.Key(context.Background(), "k2")
		return err == nil && key.KeyType().String() == "EC"
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, int32(2), srv.hits.Load())
}

func TestJWKSKeySourceCollapsesMissesAcrossKIDs(t *testing.T) {
	t.Parallel()

	keys := newTestKeys(t)
	release := make(chan struct{})
	serve := serveSet(t, importKey(t, &keys.rsa.PublicKey, "k1"))
	srv := newJWKSServer(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		serve(w, r)
	})
	source := jwtverify.NewJWKSKeySource(jwtverify.JWKSOptions{URL: srv.URL})

	var wg sync.WaitGroup
	for _, kid := range []string{"k1", "x1", "x2", "x3"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = source.Key(context.Background(), kid)
		}()
	}
	require.Eventually(t, func() bool { return srv.hits.Load() == 1 }, time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), srv.hits.Load())
}

func TestJWKSKeySourceRefetchesAfterExpiry(t *testing.T) {
	t.Parallel()

	keys := newTestKeys(t)
	srv := newJWKSServer(t, serveSet(t, importKey(t, &keys.rsa.PublicKey, "k1")))
	source := jwtverify.NewJWKSKeySource(jwtverify.JWKSOptions{URL: srv.URL, CacheDuration: 50 * time.Millisecond})

	_, err := source.Key(context.Background(), "k1")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, err := source.Key(context.Background(), "k1")
		return err == nil && srv.hits.Load() == 2
	}, 2*time.Second, 20*time.Millisecond)
}

func TestJWKSKeySourceFailures(t *testing.T) {
	t.Parallel()

	keys := newTestKeys(t)

	tests := []struct {
		name     string
		handler  http.HandlerFunc
		timeout  time.Duration
		wantErr  error
		wantHits int32
	}{
		{
			name:     "unknown kid",
			handler:  serveSet(t, importKey(t, &keys.rsa.PublicKey, "other")),
			wantErr:  jwtverify.ErrUnknownKeyID,
			wantHits: 1,
		},
		{
			name: "unparseable document",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte("<html>maintenance</html>"))
			},
			wantErr:  jwtverify.ErrJWKSParse,
			wantHits: 1,
		},
		{
			name: "client error is not retried",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusNotFound)
			},
			wantErr:  jwtverify.ErrJWKSFetch,
			wantHits: 1,
		},
		{
			name: "server error is retried",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
			wantErr:  jwtverify.ErrJWKSFetch,
			wantHits: 3,
		},
		{
			name: "slow endpoint times out",
			handler: func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-r.Context().Done():
				case <-time.After(2 * time.Second):
				}
				w.WriteHeader(http.StatusOK)
			},
			timeout: 100 * time.Millisecond,
			wantErr: jwtverify.ErrJWKSFetch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := newJWKSServer(t, tt.handler)
			source := jwtverify.NewJWKSKeySource(jwtverify.JWKSOptions{URL: srv.URL, FetchTimeout: tt.timeout})

			key, err := source.Key(context.Background(), "k1")
			require.ErrorIs(t, err, tt.wantErr)
			assert.Nil(t, key)
			if tt.wantHits > 0 {
				assert.Equal(t, tt.wantHits, srv.hits.Load())
			}
		})
	}
}

func TestJWKSKeySourceCollapsesConcurrentMisses(t *testing.T) {
	t.Parallel()

	keys := newTestKeys(t)
	release := make(chan struct{})
	serve := serveSet(t, importKey(t, &keys.rsa.PublicKey, "k1"))
	srv := newJWKSServer(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		serve(w, r)
	})
	source := jwtverify.NewJWKSKeySource(jwtverify.JWKSOptions{URL: srv.URL})

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := source.Key(context.Background(), "k1")
			errs <- err
		}()
	}

	require.Eventually(t, func() bool { return srv.hits.Load() == 1 }, time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), srv.hits.Load())
}

func TestJWKSKeySourceHonoursCallerCancellation(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := newJWKSServer(t, func(w http.ResponseWriter, _ *http.Request) {
		<-release
		w.WriteHeader(http.StatusNotFound)
	})
	t.Cleanup(func() { close(release) })
	source := jwtverify.NewJWKSKeySource(jwtverify.JWKSOptions{URL: srv.URL})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := source.Key(ctx, "k1")
	require.ErrorIs(t, err, jwtverify.ErrJWKSFetch)
}
