// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package authn turns a bearer token into an authenticated actor.
package authn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/stacklok/toolhive-core/httperr"

	"github.com/stacklok/toolhive-idp/pkg/idp/actor"
	"github.com/stacklok/toolhive-idp/pkg/idp/jwtverify"
	"github.com/stacklok/toolhive-idp/pkg/idp/storage"
	"github.com/stacklok/toolhive-idp/pkg/logger"
)

var (
	// ErrMissingToken is returned when the request carries no bearer token.
	ErrMissingToken = httperr.WithCode(errors.New("missing bearer token"), http.StatusUnauthorized)
	// ErrUnauthenticated is returned when the token cannot be verified.
	ErrUnauthenticated = httperr.WithCode(errors.New("invalid bearer token"), http.StatusUnauthorized)
	// ErrForbidden is returned when an authenticated actor lacks the admin role.
	ErrForbidden = httperr.WithCode(errors.New("admin role required"), http.StatusForbidden)
)

// Principal is an authenticated request identity.
type Principal struct {
	Actor *storage.Actor
	Token *jwtverify.Principal
}

// IsAdmin reports whether the actor carries the admin role.
func (p *Principal) IsAdmin() bool {
	return p.Actor.HasRole(storage.RoleAdmin)
}

// Verifier verifies bearer tokens.
type Verifier interface {
	Verify(ctx context.Context, token string) (*jwtverify.Principal, error)
}

// Extractor authenticates bearer tokens against the resolver and actor directory.
type Extractor struct {
	verifier Verifier
	actors   *actor.Directory
}

// NewExtractor returns an Extractor.
func NewExtractor(verifier Verifier, actors *actor.Directory) *Extractor {
	return &Extractor{verifier: verifier, actors: actors}
}

// Authenticate verifies token and resolves its actor. External principals
// are synced into the directory; internal ones must already exist.
// Disabled actors are rejected with actor.ErrDisabled.
func (e *Extractor) Authenticate(ctx context.Context, token string) (*Principal, error) {
	verified, err := e.verifier.Verify(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnauthenticated, jwtverify.Kind(err))
	}

	var a *storage.Actor
	if verified.External {
		a, err = e.actors.SyncFromJwtExternalPrincipal(ctx, verified)
	} else {
		a, err = e.actors.FindByIssuerSubject(ctx, verified.Issuer, verified.Subject)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown subject", ErrUnauthenticated)
		}
	}
	if err != nil {
		return nil, err
	}
	if err := actor.CheckEnabled(a); err != nil {
		return nil, err
	}
	return &Principal{Actor: a, Token: verified}, nil
}

// AuthenticateRequest reads the Authorization header of r.
func (e *Extractor) AuthenticateRequest(r *http.Request) (*Principal, error) {
	token, ok := BearerToken(r)
	if !ok {
		return nil, ErrMissingToken
	}
	return e.Authenticate(r.Context(), token)
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

type principalKey struct{}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal stored by WithPrincipal.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok
}

// Middleware rejects requests without a valid bearer token and stores the
// principal in the request context.
func (e *Extractor) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := e.AuthenticateRequest(r)
		if err != nil {
			status := http.StatusUnauthorized
			switch {
			case errors.Is(err, actor.ErrDisabled):
				status = http.StatusForbidden
			case !errors.Is(err, ErrUnauthenticated) && !errors.Is(err, ErrMissingToken):
				logger.Errorw("failed to authenticate request", "error", err)
				status = http.StatusInternalServerError
			}
			if status == http.StatusUnauthorized {
				w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
			}
			http.Error(w, http.StatusText(status), status)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

// RequireAdmin rejects principals without the admin role. It must run after Middleware.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFrom(r.Context())
		if !ok || !p.IsAdmin() {
			http.Error(w, ErrForbidden.Error(), http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
