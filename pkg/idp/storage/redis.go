// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// Key types for Redis keys.
const (
	KeyTypeAuthCtx  = "authctx"
	KeyTypeAuthCode = "authcode"
)

// RedisOptions configures a standalone Redis connection.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisAuthStore keeps authorization contexts and codes in Redis. Entries
// carry a TTL matching their expiry, so PurgeExpired has nothing to do.
type RedisAuthStore struct {
	client    redis.UniversalClient
	keyPrefix string
	now       func() time.Time
}

var _ AuthStore = (*RedisAuthStore)(nil)

// NewRedisAuthStore connects to Redis and verifies the connection.
func NewRedisAuthStore(ctx context.Context, opts RedisOptions) (*RedisAuthStore, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  DefaultDialTimeout,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisAuthStoreWithClient(client, opts.KeyPrefix), nil
}

// NewRedisAuthStoreWithClient wraps a pre-configured client. Tests use it with miniredis.
func NewRedisAuthStoreWithClient(client redis.UniversalClient, keyPrefix string) *RedisAuthStore {
	return &RedisAuthStore{client: client, keyPrefix: keyPrefix, now: time.Now}
}

// Close closes the Redis client.
func (s *RedisAuthStore) Close() error {
	return s.client.Close()
}

// Health pings Redis.
func (s *RedisAuthStore) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisAuthStore) key(keyType, id string) string {
	return s.keyPrefix + keyType + ":" + id
}

// ttl returns the Redis expiry for a record; already expired records get a
// short TTL so they can still be observed, and rejected, by the caller.
func (s *RedisAuthStore) ttl(expiresAt time.Time) time.Duration {
	if d := expiresAt.Sub(s.now()); d > time.Second {
		return d
	}
	return time.Second
}

type storedAuthCtx struct {
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope"`
	State               string `json:"state,omitempty"`
	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method"`
	Nonce               string `json:"nonce,omitempty"`
	CreatedAt           int64  `json:"created_at"`
	ExpiresAt           int64  `json:"expires_at"`
}

type storedAuthCode struct {
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	Subject             string `json:"subject"`
	Scope               string `json:"scope"`
	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method"`
	Nonce               string `json:"nonce,omitempty"`
	AuthTime            int64  `json:"auth_time"`
	ExpiresAt           int64  `json:"expires_at"`
}

// SaveAuthCtx stores an authorization context with SET NX.
func (s *RedisAuthStore) SaveAuthCtx(ctx context.Context, c *AuthorizeCtx) error {
	data, err := json.Marshal(storedAuthCtx{
		ClientID:            c.ClientID,
		RedirectURI:         c.RedirectURI,
		Scope:               c.Scope,
		State:               c.State,
		CodeChallenge:       c.CodeChallenge,
		CodeChallengeMethod: c.CodeChallengeMethod,
		Nonce:               c.Nonce,
		CreatedAt:           c.CreatedAt.UnixMilli(),
		ExpiresAt:           c.ExpiresAt.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal authorization context: %w", err)
	}
	return s.setNX(ctx, s.key(KeyTypeAuthCtx, c.Code), data, c.ExpiresAt, "authorization context")
}

// FindAuthCtx returns an authorization context.
func (s *RedisAuthStore) FindAuthCtx(ctx context.Context, code string) (*AuthorizeCtx, error) {
	data, err := s.client.Get(ctx, s.key(KeyTypeAuthCtx, code)).Bytes()
	if err != nil {
		return nil, notFoundOr(err, "authorization context")
	}
	return decodeAuthCtx(code, data)
}

// DeleteAuthCtx removes an authorization context.
func (s *RedisAuthStore) DeleteAuthCtx(ctx context.Context, code string) error {
	return s.del(ctx, s.key(KeyTypeAuthCtx, code), "authorization context")
}

// ConsumeAuthCtx removes and returns an authorization context with GETDEL.
func (s *RedisAuthStore) ConsumeAuthCtx(ctx context.Context, code string) (*AuthorizeCtx, error) {
	data, err := s.client.GetDel(ctx, s.key(KeyTypeAuthCtx, code)).Bytes()
	if err != nil {
		return nil, notFoundOr(err, "authorization context")
	}
	return decodeAuthCtx(code, data)
}

// SaveAuthCode stores an authorization code with SET NX.
func (s *RedisAuthStore) SaveAuthCode(ctx context.Context, c *AuthorizeCode) error {
	data, err := json.Marshal(storedAuthCode{
		ClientID:            c.ClientID,
		RedirectURI:         c.RedirectURI,
		Subject:             c.Subject,
		Scope:               c.Scope,
		CodeChallenge:       c.CodeChallenge,
		CodeChallengeMethod: c.CodeChallengeMethod,
		Nonce:               c.Nonce,
		AuthTime:            c.AuthTime.UnixMilli(),
		ExpiresAt:           c.ExpiresAt.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}
	return s.setNX(ctx, s.key(KeyTypeAuthCode, c.Code), data, c.ExpiresAt, "authorization code")
}

// FindAuthCode returns an authorization code.
func (s *RedisAuthStore) FindAuthCode(ctx context.Context, code string) (*AuthorizeCode, error) {
	data, err := s.client.Get(ctx, s.key(KeyTypeAuthCode, code)).Bytes()
	if err != nil {
		return nil, notFoundOr(err, "authorization code")
	}
	return decodeAuthCode(code, data)
}

// DeleteAuthCode removes an authorization code.
func (s *RedisAuthStore) DeleteAuthCode(ctx context.Context, code string) error {
	return s.del(ctx, s.key(KeyTypeAuthCode, code), "authorization code")
}

// ConsumeAuthCode removes and returns an authorization code with GETDEL.
func (s *RedisAuthStore) ConsumeAuthCode(ctx context.Context, code string) (*AuthorizeCode, error) {
	data, err := s.client.GetDel(ctx, s.key(KeyTypeAuthCode, code)).Bytes()
	if err != nil {
		return nil, notFoundOr(err, "authorization code")
	}
	return decodeAuthCode(code, data)
}

// PurgeExpired is a no-op: Redis expires the keys itself.
func (*RedisAuthStore) PurgeExpired(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (s *RedisAuthStore) setNX(ctx context.Context, key string, data []byte, expiresAt time.Time, what string) error {
	ok, err := s.client.SetNX(ctx, key, data, s.ttl(expiresAt)).Result()
	if err != nil {
		return fmt.Errorf("failed to store %s: %w", what, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, what)
	}
	return nil
}

func (s *RedisAuthStore) del(ctx context.Context, key, what string) error {
	n, err := s.client.Del(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s not found", ErrNotFound, what)
	}
	return nil
}

func notFoundOr(err error, what string) error {
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %s not found", ErrNotFound, what)
	}
	return fmt.Errorf("failed to get %s: %w", what, err)
}

func decodeAuthCtx(code string, data []byte) (*AuthorizeCtx, error) {
	var stored storedAuthCtx
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization context: %w", err)
	}
	return &AuthorizeCtx{
		Code:                code,
		ClientID:            stored.ClientID,
		RedirectURI:         stored.RedirectURI,
		Scope:               stored.Scope,
		State:               stored.State,
		CodeChallenge:       stored.CodeChallenge,
		CodeChallengeMethod: stored.CodeChallengeMethod,
		Nonce:               stored.Nonce,
		CreatedAt:           time.UnixMilli(stored.CreatedAt),
		ExpiresAt:           time.UnixMilli(stored.ExpiresAt),
	}, nil
}

func decodeAuthCode(code string, data []byte) (*AuthorizeCode, error) {
	var stored storedAuthCode
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization code: %w", err)
	}
	return &AuthorizeCode{
		Code:                code,
		ClientID:            stored.ClientID,
		RedirectURI:         stored.RedirectURI,
		Subject:             stored.Subject,
		Scope:               stored.Scope,
		CodeChallenge:       stored.CodeChallenge,
		CodeChallengeMethod: stored.CodeChallengeMethod,
		Nonce:               stored.Nonce,
		AuthTime:            time.UnixMilli(stored.AuthTime),
		ExpiresAt:           time.UnixMilli(stored.ExpiresAt),
	}, nil
}
