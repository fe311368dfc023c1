// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package token signs the tokens issued by the internal issuer.
package token

import (
	"fmt"
	"math"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/stacklok/toolhive-idp/pkg/idp/keys"
)

// reserved claims are set by the issuer and never copied from callers.
var reserved = map[string]struct{}{
	"iss": {}, "sub": {}, "aud": {}, "exp": {}, "iat": {}, "nbf": {}, "jti": {},
}

// Issuer signs RS256 tokens with the active key material.
type Issuer struct {
	keys     *keys.KeyMaterial
	issuer   string
	audience string
	ttl      time.Duration
	now      func() time.Time
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithClock sets the time source for iat and exp.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

// NewIssuer returns an Issuer for the internal issuer and audience.
func NewIssuer(km *keys.KeyMaterial, issuer, audience string, ttl time.Duration, opts ...Option) *Issuer {
	i := &Issuer{
		keys:     km,
		issuer:   issuer,
		audience: audience,
		ttl:      ttl,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Issuer returns the iss value of signed tokens.
func (i *Issuer) Issuer() string { return i.issuer }

// Audience returns the aud value of access tokens.
func (i *Issuer) Audience() string { return i.audience }

// TTL returns the lifetime of signed tokens.
func (i *Issuer) TTL() time.Duration { return i.ttl }

// Now returns the issuer's current time.
func (i *Issuer) Now() time.Time { return i.now() }

// IssueAccessToken returns an access token for sub carrying the supplied
// claims. Registered claims cannot be overridden, and values that are not a
// string, bool, number or list of strings are stringified.
func (i *Issuer) IssueAccessToken(sub string, claims map[string]any) (string, error) {
	now := i.now()
	mc := jwt.MapClaims{}
	for k, v := range claims {
		if _, ok := reserved[k]; ok {
			continue
		}
		mc[k] = normalize(v)
	}
	mc["iss"] = i.issuer
	mc["sub"] = sub
	mc["aud"] = i.audience
	mc["iat"] = now.Unix()
	mc["nbf"] = now.Unix()
	mc["exp"] = now.Add(i.ttl).Unix()
	mc["jti"] = uuid.NewString()
	return i.Sign(mc)
}

// Sign signs claims as-is with RS256 and the active kid.
func (i *Issuer) Sign(claims jwt.MapClaims) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = i.keys.KeyID
	signed, err := tok.SignedString(i.keys.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func normalize(v any) any {
	switch val := v.(type) {
	case string, bool, nil:
		return val
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return val
	case float32:
		return normalizeFloat(float64(val))
	case float64:
		return normalizeFloat(val)
	case []string:
		out := make([]string, len(val))
		copy(out, val)
		return out
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return fmt.Sprint(val)
			}
			out = append(out, s)
		}
		return out
	default:
		return fmt.Sprint(val)
	}
}

func normalizeFloat(f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Sprint(f)
	}
	return f
}
