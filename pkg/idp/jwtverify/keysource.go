// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package jwtverify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"golang.org/x/sync/singleflight"

	"github.com/stacklok/toolhive-idp/pkg/idp/telemetry"
	"github.com/stacklok/toolhive-idp/pkg/logger"
)

//go:generate mockgen -destination=mocks/mock_keysource.go -package=mocks -source=keysource.go KeySource

// KeySource resolves a verification key by key id.
type KeySource interface {
	Key(ctx context.Context, kid string) (jwk.Key, error)
}

const (
	// DefaultCacheSize is the number of keys kept per issuer.
	DefaultCacheSize = 10
	// DefaultCacheDuration is how long a fetched key stays trusted without a refetch.
	DefaultCacheDuration = 600 * time.Second
	// DefaultFetchTimeout bounds a single JWKS download, retries included.
	DefaultFetchTimeout = 5 * time.Second
	// DefaultMinRefreshInterval is the least time between two successful downloads.
	// A kid missing from a set younger than this is rejected without a refetch.
	DefaultMinRefreshInterval = 30 * time.Second

	maxJWKSBytes   = 1 << 20
	maxFetchTries  = 3
	initialBackoff = 100 * time.Millisecond
)

// JWKSOptions configures a JWKSKeySource.
type JWKSOptions struct {
	// Issuer labels logs and metrics.
	Issuer        string
	URL           string
	CacheSize     int
	CacheDuration time.Duration
	FetchTimeout  time.Duration
	HTTPClient    *http.Client
	Metrics       *telemetry.Metrics

	// MinRefreshInterval is capped at CacheDuration.
	MinRefreshInterval time.Duration
}

// JWKSKeySource fetches keys from a JWKS endpoint and caches every key of the
// downloaded set. Concurrent misses share one upstream request whatever kid
// they ask for, and misses against a recently fetched set do not refetch.
type JWKSKeySource struct {
	issuer     string
	url        string
	timeout    time.Duration
	minRefresh time.Duration
	client     *http.Client
	metrics    *telemetry.Metrics

	cache *expirable.LRU[string, jwk.Key]
	group singleflight.Group

	mu        sync.Mutex
	set       jwk.Set
	fetchedAt time.Time
}

// NewJWKSKeySource returns a key source for opts.URL.
func NewJWKSKeySource(opts JWKSOptions) *JWKSKeySource {
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.CacheDuration <= 0 {
		opts.CacheDuration = DefaultCacheDuration
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	if opts.MinRefreshInterval <= 0 {
		opts.MinRefreshInterval = DefaultMinRefreshInterval
	}
	opts.MinRefreshInterval = min(opts.MinRefreshInterval, opts.CacheDuration)
	if opts.HTTPClient == nil {
		opts.HTTPClient = cleanhttp.DefaultPooledClient()
	}
	return &JWKSKeySource{
		issuer:     opts.Issuer,
		url:        opts.URL,
		timeout:    opts.FetchTimeout,
		minRefresh: opts.MinRefreshInterval,
		client:     opts.HTTPClient,
		metrics:    opts.Metrics,
		cache:      expirable.NewLRU[string, jwk.Key](opts.CacheSize, nil, opts.CacheDuration),
	}
}

// Key implements KeySource.
func (s *JWKSKeySource) Key(ctx context.Context, kid string) (jwk.Key, error) {
	if key, ok := s.cache.Get(kid); ok {
		return key, nil
	}
	if set, fresh := s.recentSet(); fresh {
		return s.lookup(set, kid)
	}

	ch := s.group.DoChan(s.url, func() (any, error) {
		if set, fresh := s.recentSet(); fresh {
			return set, nil
		}
		// Detached from the caller so one cancelled request does not fail the others sharing the fetch.
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()

		set, err := s.fetch(fetchCtx)
		s.metrics.RecordJWKSFetch(fetchCtx, s.issuer, Kind(err))
		if err != nil {
			return nil, err
		}
		s.remember(set)
		return set, nil
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrJWKSFetch, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return s.lookup(res.Val.(jwk.Set), kid)
	}
}

// recentSet returns the last downloaded set while it is younger than the
// minimum refresh interval.
func (s *JWKSKeySource) recentSet() (jwk.Set, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.set == nil || time.Since(s.fetchedAt) >= s.minRefresh {
		return nil, false
	}
	return s.set, true
}

func (s *JWKSKeySource) remember(set jwk.Set) {
	for i := range set.Len() {
		key, ok := set.Key(i)
		if !ok {
			continue
		}
		if kid, ok := key.KeyID(); ok && kid != "" {
			s.cache.Add(kid, key)
		}
	}
	s.mu.Lock()
	s.set = set
	s.fetchedAt = time.Now()
	s.mu.Unlock()
}

func (s *JWKSKeySource) lookup(set jwk.Set, kid string) (jwk.Key, error) {
	key, found := set.LookupKeyID(kid)
	if !found {
		return nil, fmt.Errorf("%w: %q not published by %s", ErrUnknownKeyID, kid, s.issuer)
	}
	return key, nil
}

func (s *JWKSKeySource) fetch(ctx context.Context) (jwk.Set, error) {
	operation := func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := s.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
		case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
			return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
		default:
			return nil, backoff.Permanent(fmt.Errorf("unexpected status %d", resp.StatusCode))
		}
		return io.ReadAll(io.LimitReader(resp.Body, maxJWKSBytes))
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = initialBackoff
	body, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(maxFetchTries),
		backoff.WithNotify(func(err error, d time.Duration) {
			logger.Debugw("retrying JWKS fetch", "issuer", s.issuer, "error", err, "backoff", d)
		}),
	)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s timed out after %s", ErrJWKSFetch, s.url, s.timeout)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrJWKSFetch, s.url, err)
	}

	set, err := jwk.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrJWKSParse, s.url, err)
	}
	return set, nil
}
