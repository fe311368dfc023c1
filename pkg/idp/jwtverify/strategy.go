// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package jwtverify

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"fmt"
	"slices"
	"strings"

	"github.com/lestrrat-go/jwx/v3/jwk"
)

// SupportedAlgorithms are the JWS algorithms any strategy may allow.
var SupportedAlgorithms = []string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}

// Strategy holds the trust rules of one issuer: which algorithms and
// audiences it accepts and how its verification keys are found.
type Strategy interface {
	// Issuer is the exact "iss" value the strategy applies to.
	Issuer() string
	// Name identifies the strategy in logs; empty for the internal issuer.
	Name() string
	External() bool
	AllowsAlgorithm(alg string) bool
	Audiences() []string
	// ResolveKey returns the key for kid, checked against alg.
	ResolveKey(ctx context.Context, alg, kid string) (crypto.PublicKey, error)
}

// InternalStrategy trusts the process's own signing key.
type InternalStrategy struct {
	issuer   string
	audience string
	keyID    string
	key      crypto.PublicKey
}

// NewInternalStrategy returns the strategy for tokens this process signed.
func NewInternalStrategy(issuer, audience, keyID string, key crypto.PublicKey) *InternalStrategy {
	return &InternalStrategy{issuer: issuer, audience: audience, keyID: keyID, key: key}
}

// Issuer implements Strategy.
func (s *InternalStrategy) Issuer() string { return s.issuer }

// Name implements Strategy.
func (*InternalStrategy) Name() string { return "" }

// External implements Strategy.
func (*InternalStrategy) External() bool { return false }

// AllowsAlgorithm accepts every supported algorithm; the key type check
// rejects the ones the internal RSA key cannot verify.
func (*InternalStrategy) AllowsAlgorithm(alg string) bool {
	return slices.Contains(SupportedAlgorithms, alg)
}

// Audiences implements Strategy.
func (s *InternalStrategy) Audiences() []string { return []string{s.audience} }

// ResolveKey implements Strategy.
func (s *InternalStrategy) ResolveKey(_ context.Context, alg, kid string) (crypto.PublicKey, error) {
	if kid != s.keyID {
		return nil, fmt.Errorf("%w: %q for internal issuer", ErrUnknownKeyID, kid)
	}
	if err := checkKeyType(alg, keyTypeOf(s.key)); err != nil {
		return nil, err
	}
	return s.key, nil
}

// ExternalIssuer is the trust configuration of a third-party issuer.
type ExternalIssuer struct {
	Name       string
	Issuer     string
	Audiences  []string
	Algorithms []string
}

// ExternalStrategy trusts keys published by a configured external issuer.
type ExternalStrategy struct {
	cfg  ExternalIssuer
	keys KeySource
}

// NewExternalStrategy returns a strategy resolving keys through keys.
func NewExternalStrategy(cfg ExternalIssuer, keys KeySource) *ExternalStrategy {
	return &ExternalStrategy{cfg: cfg, keys: keys}
}

// Issuer implements Strategy.
func (s *ExternalStrategy) Issuer() string { return s.cfg.Issuer }

// Name implements Strategy.
func (s *ExternalStrategy) Name() string { return s.cfg.Name }

// External implements Strategy.
func (*ExternalStrategy) External() bool { return true }

// AllowsAlgorithm implements Strategy.
func (s *ExternalStrategy) AllowsAlgorithm(alg string) bool {
	return slices.Contains(s.cfg.Algorithms, alg)
}

// Audiences implements Strategy.
func (s *ExternalStrategy) Audiences() []string { return s.cfg.Audiences }

// ResolveKey fetches kid from the key source and checks that its key type matches alg.
func (s *ExternalStrategy) ResolveKey(ctx context.Context, alg, kid string) (crypto.PublicKey, error) {
	key, err := s.keys.Key(ctx, kid)
	if err != nil {
		return nil, err
	}
	if err := checkKeyType(alg, key.KeyType().String()); err != nil {
		return nil, err
	}

	var raw any
	if err := jwk.Export(key, &raw); err != nil {
		return nil, fmt.Errorf("%w: exporting key %q: %v", ErrJWKSParse, kid, err)
	}
	switch pub := raw.(type) {
	case *rsa.PublicKey, *ecdsa.PublicKey:
		return pub, nil
	default:
		return nil, fmt.Errorf("%w: key %q is %T", ErrUnsupportedKeyType, kid, raw)
	}
}

// expectedKeyType maps a JWS algorithm to the JWK "kty" able to verify it.
func expectedKeyType(alg string) string {
	switch {
	case strings.HasPrefix(alg, "RS"), strings.HasPrefix(alg, "PS"):
		return "RSA"
	case strings.HasPrefix(alg, "ES"):
		return "EC"
	default:
		return ""
	}
}

func checkKeyType(alg, kty string) error {
	if kty != "RSA" && kty != "EC" {
		return fmt.Errorf("%w: %q", ErrUnsupportedKeyType, kty)
	}
	if want := expectedKeyType(alg); want != kty {
		return fmt.Errorf("%w: %s key cannot verify %s", ErrUnsupportedKeyType, kty, alg)
	}
	return nil
}

func keyTypeOf(key crypto.PublicKey) string {
	switch key.(type) {
	case *rsa.PublicKey:
		return "RSA"
	case *ecdsa.PublicKey:
		return "EC"
	default:
		return fmt.Sprintf("%T", key)
	}
}
