// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config resolves and validates the identity provider configuration.
//
// Values are read through a PropertyReader (satisfied by *viper.Viper) and
// validated once at startup. Any validation error is fatal: the server must
// not start serving traffic with a misconfigured trust model.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"time"

	"github.com/ory/fosite"

	"github.com/stacklok/toolhive-idp/pkg/logger"
)

// Defaults applied by Load when a key is absent.
const (
	DefaultTokenTTL          = time.Hour
	DefaultAuthCtxDuration   = 900 * time.Second
	DefaultAuthCodeDuration  = 120 * time.Second
	DefaultPurgeInterval     = 5 * time.Minute
	DefaultJWKSCacheDuration = 600 * time.Second
	DefaultJWKSCacheSize     = 10
	DefaultJWKSFetchTimeout  = 5 * time.Second
	DefaultPasswordHashCost  = 12
	DefaultListenAddress     = "127.0.0.1:8480"
	DefaultAlgorithm         = "RS256"

	// MinBootstrapSecretLength is the shortest operator-supplied bootstrap secret accepted.
	MinBootstrapSecretLength = 20
)

// Storage backends.
const (
	StorageSQLite = "sqlite"
	StorageMemory = "memory"
)

// SupportedAlgorithms lists the JWS algorithms the verification resolver understands.
var SupportedAlgorithms = []string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}

var (
	// ErrMissingIssuer is returned when the internal issuer is not configured.
	ErrMissingIssuer = errors.New("internal issuer is required")
	// ErrBootstrapSecretTooShort is returned for an operator-supplied secret below the minimum length.
	ErrBootstrapSecretTooShort = fmt.Errorf("bootstrap secret must be at least %d characters", MinBootstrapSecretLength)
	// ErrDuplicateIssuer is returned when two issuers share a name or issuer value.
	ErrDuplicateIssuer = errors.New("duplicate issuer")
	// ErrInvalidIssuerConfig is returned for an incomplete external issuer entry.
	ErrInvalidIssuerConfig = errors.New("invalid external issuer configuration")
	// ErrInvalidClientConfig is returned for an unusable OAuth client entry.
	ErrInvalidClientConfig = errors.New("invalid client configuration")
)

// Config is the fully resolved identity provider configuration.
type Config struct {
	// JWT holds the internal issuer settings.
	JWT JWTConfig
	// DataDir holds the key files and the bootstrap secret file.
	DataDir string
	// ListenAddress is the address the HTTP boundary binds to.
	ListenAddress string
	// BootstrapSecret optionally overrides the generated bootstrap secret.
	BootstrapSecret string
	// PasswordHashCost is the bcrypt cost for user passwords.
	PasswordHashCost int

	OIDC    OIDCConfig
	Clients []ClientConfig

	// ExternalIssuers are the trusted third-party token issuers.
	ExternalIssuers []IssuerConfig
	JWKS            JWKSConfig

	Storage StorageConfig
}

// JWTConfig describes tokens minted by the internal issuer.
type JWTConfig struct {
	Issuer   string
	Audience string
	TTL      time.Duration
}

// OIDCConfig holds protocol timings and endpoint paths relative to the issuer.
type OIDCConfig struct {
	AuthCtxDuration  time.Duration
	AuthCodeDuration time.Duration
	PurgeInterval    time.Duration

	AuthorizePath string
	TokenPath     string
	UserinfoPath  string
	JWKSPath      string
	WellKnownPath string
	LoginPath     string
}

// ClientConfig is a statically registered OAuth client.
type ClientConfig struct {
	ID           string
	Name         string
	RedirectURIs []string
}

// IssuerConfig describes one trusted external issuer.
type IssuerConfig struct {
	// Name is the configuration key of the issuer.
	Name       string
	Issuer     string
	JWKSURI    string
	Audiences  []string
	Algorithms []string
	// CacheDuration overrides JWKSConfig.CacheDuration for this issuer when non-zero.
	CacheDuration time.Duration
}

// JWKSConfig tunes the external key cache.
type JWKSConfig struct {
	CacheDuration time.Duration
	CacheSize     int
	FetchTimeout  time.Duration
}

// StorageConfig selects the persistence backends.
type StorageConfig struct {
	Type       string
	SQLitePath string
	Redis      *RedisConfig
}

// RedisConfig moves authorization contexts and codes into Redis when set.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// Validate checks the configuration and returns the first fatal problem found.
func (c *Config) Validate() error {
	logger.Debugw("validating identity provider config", "issuer", c.JWT.Issuer)

	if c.JWT.Issuer == "" {
		return ErrMissingIssuer
	}
	if c.JWT.TTL <= 0 {
		return fmt.Errorf("token ttl must be positive, got %s", c.JWT.TTL)
	}
	if c.BootstrapSecret != "" && len(c.BootstrapSecret) < MinBootstrapSecretLength {
		return ErrBootstrapSecretTooShort
	}
	if c.OIDC.AuthCtxDuration <= 0 || c.OIDC.AuthCodeDuration <= 0 {
		return errors.New("authorization context and code durations must be positive")
	}

	if err := c.validateClients(); err != nil {
		return err
	}
	if err := c.validateIssuers(); err != nil {
		return err
	}

	switch c.Storage.Type {
	case StorageSQLite:
		if c.Storage.SQLitePath == "" {
			return errors.New("sqlite storage requires a database path")
		}
	case StorageMemory:
	default:
		return fmt.Errorf("unknown storage type %q", c.Storage.Type)
	}
	if c.Storage.Redis != nil && c.Storage.Redis.Addr == "" {
		return errors.New("redis storage requires an address")
	}

	return nil
}

func (c *Config) validateClients() error {
	seen := make(map[string]struct{}, len(c.Clients))
	for _, client := range c.Clients {
		if client.ID == "" {
			return fmt.Errorf("%w: client id is required", ErrInvalidClientConfig)
		}
		if _, dup := seen[client.ID]; dup {
			return fmt.Errorf("%w: client %q registered twice", ErrInvalidClientConfig, client.ID)
		}
		seen[client.ID] = struct{}{}

		if len(client.RedirectURIs) == 0 {
			return fmt.Errorf("%w: client %q has no redirect uris", ErrInvalidClientConfig, client.ID)
		}
		for _, raw := range client.RedirectURIs {
			u, err := url.Parse(raw)
			if err != nil || !fosite.IsValidRedirectURI(u) {
				return fmt.Errorf("%w: client %q redirect uri %q must be absolute without a fragment",
					ErrInvalidClientConfig, client.ID, raw)
			}
		}
	}
	return nil
}

func (c *Config) validateIssuers() error {
	names := make(map[string]struct{}, len(c.ExternalIssuers))
	issuers := map[string]string{c.JWT.Issuer: "internal"}

	for _, iss := range c.ExternalIssuers {
		if _, dup := names[iss.Name]; dup {
			return fmt.Errorf("%w: name %q configured twice", ErrDuplicateIssuer, iss.Name)
		}
		names[iss.Name] = struct{}{}

		if iss.Issuer == "" {
			return fmt.Errorf("%w: %q has no issuer", ErrInvalidIssuerConfig, iss.Name)
		}
		if owner, dup := issuers[iss.Issuer]; dup {
			return fmt.Errorf("%w: %q of %q collides with %s", ErrDuplicateIssuer, iss.Issuer, iss.Name, owner)
		}
		issuers[iss.Issuer] = iss.Name

		if iss.JWKSURI == "" {
			return fmt.Errorf("%w: %q has no jwks uri", ErrInvalidIssuerConfig, iss.Name)
		}
		if u, err := url.Parse(iss.JWKSURI); err != nil || !u.IsAbs() {
			return fmt.Errorf("%w: %q jwks uri %q is not an absolute url", ErrInvalidIssuerConfig, iss.Name, iss.JWKSURI)
		}
		if len(iss.Audiences) == 0 {
			return fmt.Errorf("%w: %q has no audiences", ErrInvalidIssuerConfig, iss.Name)
		}
		if len(iss.Algorithms) == 0 {
			return fmt.Errorf("%w: %q has no algorithms", ErrInvalidIssuerConfig, iss.Name)
		}
		for _, alg := range iss.Algorithms {
			if !slices.Contains(SupportedAlgorithms, alg) {
				return fmt.Errorf("%w: %q uses unsupported algorithm %q", ErrInvalidIssuerConfig, iss.Name, alg)
			}
		}
	}
	return nil
}

// CacheDurationFor returns the effective JWKS cache duration of an issuer.
func (c *Config) CacheDurationFor(iss IssuerConfig) time.Duration {
	if iss.CacheDuration > 0 {
		return iss.CacheDuration
	}
	return c.JWKS.CacheDuration
}
