// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
)

// PropertyReader is the key/value source configuration is read from.
// *viper.Viper satisfies it.
type PropertyReader interface {
	GetString(key string) string
}

// Property keys.
const (
	KeyIssuer          = "idp.issuer"
	KeyAudience        = "idp.audience"
	KeyTokenTTL        = "idp.token.ttl-seconds"
	KeyDataDir         = "idp.data-dir"
	KeyListenAddress   = "idp.listen-address"
	KeyBootstrapSecret = "idp.bootstrap.secret"
	KeyPasswordCost    = "idp.password.hash-cost"

	KeyAuthCtxDuration  = "idp.oidc.auth-ctx-duration-seconds"
	KeyAuthCodeDuration = "idp.oidc.auth-code-duration-seconds"
	KeyPurgeInterval    = "idp.oidc.purge-interval-seconds"

	KeyClients = "idp.clients"

	KeyExternalIssuers    = "idp.jwt.external-issuers"
	KeyJWKSCacheDuration  = "idp.jwt.jwks-cache-duration-seconds"
	KeyJWKSCacheSize      = "idp.jwt.jwks-cache-size"
	KeyJWKSFetchTimeout   = "idp.jwt.jwks-fetch-timeout-seconds"
	KeyStorageType        = "idp.storage.type"
	KeySQLitePath         = "idp.storage.sqlite.path"
	KeyRedisAddr          = "idp.storage.redis.addr"
	KeyRedisPassword      = "idp.storage.redis.password"
	KeyRedisDB            = "idp.storage.redis.db"
	KeyRedisKeyPrefix     = "idp.storage.redis.key-prefix"
	defaultRedisKeyPrefix = "thv-idp:"
)

// Default endpoint paths, relative to the issuer URL.
const (
	DefaultAuthorizePath = "/oauth/authorize"
	DefaultTokenPath     = "/oauth/token"
	DefaultUserinfoPath  = "/oauth/userinfo"
	DefaultJWKSPath      = "/.well-known/jwks.json"
	DefaultWellKnownPath = "/.well-known/openid-configuration"
	DefaultLoginPath     = "/login"
)

func clientKey(id, field string) string { return "idp.client." + id + "." + field }

func issuerKey(name, field string) string { return "idp.jwt.external-issuer." + name + "." + field }

func oidcPathKey(name string) string { return "idp.oidc." + name + "-path" }

// Load reads the configuration from r and applies defaults. It does not validate.
func Load(r PropertyReader) (*Config, error) {
	l := loader{r: r}

	dataDir := l.str(KeyDataDir, filepath.Join(xdg.DataHome, "toolhive-idp"))
	cfg := &Config{
		JWT: JWTConfig{
			Issuer: strings.TrimSpace(r.GetString(KeyIssuer)),
			TTL:    l.seconds(KeyTokenTTL, DefaultTokenTTL),
		},
		DataDir:          dataDir,
		ListenAddress:    l.str(KeyListenAddress, DefaultListenAddress),
		BootstrapSecret:  r.GetString(KeyBootstrapSecret),
		PasswordHashCost: l.integer(KeyPasswordCost, DefaultPasswordHashCost),
		OIDC: OIDCConfig{
			AuthCtxDuration:  l.seconds(KeyAuthCtxDuration, DefaultAuthCtxDuration),
			AuthCodeDuration: l.seconds(KeyAuthCodeDuration, DefaultAuthCodeDuration),
			PurgeInterval:    l.seconds(KeyPurgeInterval, DefaultPurgeInterval),
			AuthorizePath:    l.str(oidcPathKey("authorize"), DefaultAuthorizePath),
			TokenPath:        l.str(oidcPathKey("token"), DefaultTokenPath),
			UserinfoPath:     l.str(oidcPathKey("userinfo"), DefaultUserinfoPath),
			JWKSPath:         l.str(oidcPathKey("jwks"), DefaultJWKSPath),
			WellKnownPath:    l.str(oidcPathKey("well-known"), DefaultWellKnownPath),
			LoginPath:        l.str(oidcPathKey("login"), DefaultLoginPath),
		},
		JWKS: JWKSConfig{
			CacheDuration: l.seconds(KeyJWKSCacheDuration, DefaultJWKSCacheDuration),
			CacheSize:     l.integer(KeyJWKSCacheSize, DefaultJWKSCacheSize),
			FetchTimeout:  l.seconds(KeyJWKSFetchTimeout, DefaultJWKSFetchTimeout),
		},
		Storage: StorageConfig{
			Type:       l.str(KeyStorageType, StorageSQLite),
			SQLitePath: l.str(KeySQLitePath, filepath.Join(dataDir, "idp.db")),
		},
	}
	cfg.JWT.Audience = l.str(KeyAudience, cfg.JWT.Issuer)

	for _, id := range SplitCSV(r.GetString(KeyClients)) {
		cfg.Clients = append(cfg.Clients, ClientConfig{
			ID:           id,
			Name:         l.str(clientKey(id, "name"), id),
			RedirectURIs: SplitCSV(r.GetString(clientKey(id, "redirect-uris"))),
		})
	}

	for _, name := range SplitCSV(r.GetString(KeyExternalIssuers)) {
		algs := SplitCSV(r.GetString(issuerKey(name, "algorithms")))
		if len(algs) == 0 {
			algs = []string{DefaultAlgorithm}
		}
		cfg.ExternalIssuers = append(cfg.ExternalIssuers, IssuerConfig{
			Name:          name,
			Issuer:        strings.TrimSpace(r.GetString(issuerKey(name, "issuer"))),
			JWKSURI:       strings.TrimSpace(r.GetString(issuerKey(name, "jwks-uri"))),
			Audiences:     SplitCSV(r.GetString(issuerKey(name, "audiences"))),
			Algorithms:    algs,
			CacheDuration: l.seconds(issuerKey(name, "cache-duration-seconds"), 0),
		})
	}

	if addr := r.GetString(KeyRedisAddr); addr != "" {
		cfg.Storage.Redis = &RedisConfig{
			Addr:      addr,
			Password:  r.GetString(KeyRedisPassword),
			DB:        l.integer(KeyRedisDB, 0),
			KeyPrefix: l.str(KeyRedisKeyPrefix, defaultRedisKeyPrefix),
		}
	}

	if l.err != nil {
		return nil, l.err
	}
	return cfg, nil
}

// SplitCSV splits a comma separated list, trimming blanks and dropping empty items.
func SplitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// loader remembers the first conversion error so Load can read every key in one pass.
type loader struct {
	r   PropertyReader
	err error
}

func (l *loader) str(key, def string) string {
	if v := strings.TrimSpace(l.r.GetString(key)); v != "" {
		return v
	}
	return def
}

func (l *loader) integer(key string, def int) int {
	raw := strings.TrimSpace(l.r.GetString(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		if l.err == nil {
			l.err = fmt.Errorf("%s: expected an integer, got %q", key, raw)
		}
		return def
	}
	return v
}

func (l *loader) seconds(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(l.r.GetString(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		if l.err == nil {
			l.err = fmt.Errorf("%s: expected a non-negative number of seconds, got %q", key, raw)
		}
		return def
	}
	return time.Duration(v) * time.Second
}
