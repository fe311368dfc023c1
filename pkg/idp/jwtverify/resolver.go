// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package jwtverify decides, per bearer token, which issuer to trust and
// which key to verify it with. Tokens from the internal issuer are checked
// against the process signing key; tokens from configured external issuers
// are checked against keys fetched from their JWKS endpoints.
package jwtverify

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/stacklok/toolhive-idp/pkg/idp/telemetry"
	"github.com/stacklok/toolhive-idp/pkg/logger"
)

// ErrDuplicateIssuer is returned by NewResolver when two strategies share an issuer.
var ErrDuplicateIssuer = errors.New("duplicate issuer")

// DefaultLeeway is the clock skew tolerated on exp, nbf and iat.
const DefaultLeeway = 30 * time.Second

// Principal is the verified identity carried by a token.
type Principal struct {
	Issuer  string
	Subject string
	Name    string
	Email   string
	// IssuerName is the configured name of an external issuer, empty for internal tokens.
	IssuerName string
	External   bool
	Claims     jwt.MapClaims
}

// Resolver maps an issuer to its trust strategy.
type Resolver struct {
	internal   Strategy
	strategies map[string]Strategy
	leeway     time.Duration
	now        func() time.Time
	metrics    *telemetry.Metrics
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithLeeway overrides DefaultLeeway.
func WithLeeway(d time.Duration) ResolverOption {
	return func(r *Resolver) { r.leeway = d }
}

// WithClock sets the time source used for claim validation.
func WithClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) { r.now = now }
}

// WithMetrics records verification outcomes.
func WithMetrics(m *telemetry.Metrics) ResolverOption {
	return func(r *Resolver) { r.metrics = m }
}

// NewResolver builds a resolver trusting internal plus every external strategy.
// Issuer values must be unique across all of them.
func NewResolver(internal Strategy, externals []Strategy, opts ...ResolverOption) (*Resolver, error) {
	r := &Resolver{
		internal:   internal,
		strategies: make(map[string]Strategy, len(externals)+1),
		leeway:     DefaultLeeway,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}

	all := append([]Strategy{internal}, externals...)
	for _, s := range all {
		if _, exists := r.strategies[s.Issuer()]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateIssuer, s.Issuer())
		}
		r.strategies[s.Issuer()] = s
	}
	return r, nil
}

// Verifier checks one token against the key and rules its issuer resolved to.
type Verifier struct {
	strategy Strategy
	alg      string
	key      crypto.PublicKey
	leeway   time.Duration
	now      func() time.Time
}

// Issuer returns the issuer the verifier is bound to.
func (v *Verifier) Issuer() string { return v.strategy.Issuer() }

// Algorithm returns the algorithm the verifier accepts.
func (v *Verifier) Algorithm() string { return v.alg }

// Audiences returns the audiences the verifier accepts.
func (v *Verifier) Audiences() []string { return v.strategy.Audiences() }

// Resolve reads the unverified header and issuer of token and returns a
// verifier bound to the matching strategy and key. It does not check the
// signature.
func (r *Resolver) Resolve(ctx context.Context, token string) (*Verifier, error) {
	unverified, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		// Header and claims decode before the algorithm lookup, so a
		// non-nil token with ErrTokenUnverifiable is a bad or absent alg.
		if unverified == nil || !errors.Is(err, jwt.ErrTokenUnverifiable) {
			return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
		}
	}

	alg, _ := unverified.Header["alg"].(string)
	if alg == "" {
		return nil, ErrMissingAlgorithm
	}
	if !slices.Contains(SupportedAlgorithms, alg) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, alg)
	}

	claims, ok := unverified.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrMalformedToken
	}
	iss, err := claims.GetIssuer()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if iss == "" {
		return nil, ErrMissingIssuer
	}

	strategy, ok := r.strategies[iss]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIssuer, iss)
	}
	if !strategy.AllowsAlgorithm(alg) {
		return nil, fmt.Errorf("%w: %s is not allowed for %s", ErrUnsupportedAlgorithm, alg, iss)
	}

	kid, _ := unverified.Header["kid"].(string)
	if kid == "" {
		return nil, ErrMissingKeyID
	}

	key, err := strategy.ResolveKey(ctx, alg, kid)
	if err != nil {
		return nil, err
	}

	return &Verifier{
		strategy: strategy,
		alg:      alg,
		key:      key,
		leeway:   r.leeway,
		now:      r.now,
	}, nil
}

// Verify resolves and verifies token in one step.
func (r *Resolver) Verify(ctx context.Context, token string) (*Principal, error) {
	v, err := r.Resolve(ctx, token)
	if err == nil {
		var p *Principal
		if p, err = v.Verify(token); err == nil {
			r.metrics.RecordVerification(ctx, p.Issuer, Kind(nil))
			return p, nil
		}
	}

	logger.Debugw("token verification failed", "reason", Kind(err), "error", err)
	r.metrics.RecordVerification(ctx, "", Kind(err))
	return nil, err
}

// Verify checks the signature, issuer, expiry and audience of token.
func (v *Verifier) Verify(token string) (*Principal, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{v.alg}),
		jwt.WithIssuer(v.strategy.Issuer()),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	)

	claims := jwt.MapClaims{}
	if _, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	aud, err := claims.GetAudience()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !anyAudience(aud, v.strategy.Audiences()) {
		return nil, fmt.Errorf("%w: token audience %v", ErrAudienceMismatch, []string(aud))
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	return &Principal{
		Issuer:     v.strategy.Issuer(),
		Subject:    sub,
		Name:       firstString(claims, "name", "preferred_username"),
		Email:      firstString(claims, "email"),
		IssuerName: v.strategy.Name(),
		External:   v.strategy.External(),
		Claims:     claims,
	}, nil
}

func anyAudience(got, accepted []string) bool {
	for _, a := range got {
		if slices.Contains(accepted, a) {
			return true
		}
	}
	return false
}

func firstString(claims jwt.MapClaims, names ...string) string {
	for _, name := range names {
		if s, ok := claims[name].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
