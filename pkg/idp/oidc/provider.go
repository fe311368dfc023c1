// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package oidc implements the authorization code flow with PKCE for the
// internal issuer.
//
// A request moves through Requested, ContextCreated, CodeIssued and
// TokenIssued. Contexts and codes are single use: each transition consumes
// the previous record atomically, so concurrent redemptions of the same
// code cannot both succeed.
package oidc

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/ory/fosite"
	"golang.org/x/oauth2"

	"github.com/stacklok/toolhive-idp/pkg/idp/config"
	"github.com/stacklok/toolhive-idp/pkg/idp/keys"
	"github.com/stacklok/toolhive-idp/pkg/idp/storage"
	"github.com/stacklok/toolhive-idp/pkg/idp/telemetry"
	"github.com/stacklok/toolhive-idp/pkg/idp/token"
	"github.com/stacklok/toolhive-idp/pkg/logger"
)

// ActorFinder resolves the actor a code was issued to.
type ActorFinder interface {
	FindByIssuerSubject(ctx context.Context, issuer, subject string) (*storage.Actor, error)
}

// Provider is the stateless protocol handler. All state lives in the AuthStore.
type Provider struct {
	cfg     *config.Config
	clients *ClientRegistry
	store   storage.AuthStore
	actors  ActorFinder
	tokens  *token.Issuer
	keys    *keys.KeyMaterial
	metrics *telemetry.Metrics
	now     func() time.Time
}

// Option configures a Provider.
type Option func(*Provider)

// WithClock sets the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

// WithMetrics records authorize and token outcomes.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(p *Provider) { p.metrics = m }
}

// NewProvider wires a Provider.
func NewProvider(
	cfg *config.Config,
	store storage.AuthStore,
	actors ActorFinder,
	tokens *token.Issuer,
	km *keys.KeyMaterial,
	opts ...Option,
) *Provider {
	p := &Provider{
		cfg:     cfg,
		clients: NewClientRegistry(cfg.Clients),
		store:   store,
		actors:  actors,
		tokens:  tokens,
		keys:    km,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Authorize validates an authorization request and, when it is acceptable,
// stores a context waiting for the user to log in.
//
// The redirect URI and client are checked first. Until both are verified no
// error is ever sent to the redirect URI.
func (p *Provider) Authorize(ctx context.Context, req AuthorizeRequest) AuthorizeResult {
	res := p.authorize(ctx, req)
	p.metrics.RecordAuthorize(ctx, p.clientLabel(req.ClientID), authorizeOutcome(res))
	return res
}

func (p *Provider) authorize(ctx context.Context, req AuthorizeRequest) AuthorizeResult {
	if req.RedirectURI == "" {
		return &AuthorizeFatalError{Error: ErrorInvalidRequest, Description: "redirect_uri is required"}
	}
	u, err := url.Parse(req.RedirectURI)
	if err != nil || !fosite.IsValidRedirectURI(u) {
		return &AuthorizeFatalError{Error: ErrorInvalidRequest, Description: "redirect_uri must be an absolute URI without a fragment"}
	}

	client, ok := p.clients.Get(req.ClientID)
	if !ok {
		logger.Warnw("authorization request for unknown client", "client_id", req.ClientID)
		return &AuthorizeFatalError{Error: ErrorInvalidRequest, Description: "client not found"}
	}
	if !client.hasRedirectURI(req.RedirectURI) {
		logger.Warnw("invalid redirect_uri", "client_id", req.ClientID, "redirect_uri", req.RedirectURI)
		return &AuthorizeFatalError{Error: ErrorInvalidRequest, Description: "redirect_uri does not match registered URIs"}
	}

	// From here on errors go back to the verified redirect URI.
	redirectErr := func(code, description string) AuthorizeResult {
		return &AuthorizeRedirectError{RedirectURI: req.RedirectURI, Error: code, Description: description, State: req.State}
	}

	if !client.allowsCodeFlow() {
		return redirectErr(ErrorUnauthorizedClient, "client may not use the authorization code flow")
	}
	if req.ResponseType != "code" {
		return redirectErr(ErrorUnsupportedResponseType, "only response_type=code is supported")
	}
	if !fosite.Arguments(strings.Fields(req.Scope)).Has("openid") {
		return redirectErr(ErrorInvalidScope, "scope must include openid")
	}
	if req.CodeChallenge == "" {
		return redirectErr(ErrorInvalidRequest, "code_challenge is required")
	}
	if req.CodeChallengeMethod != storage.PKCEMethodS256 {
		return redirectErr(ErrorInvalidRequest, "code_challenge_method must be S256")
	}

	now := p.now()
	authCtx := &storage.AuthorizeCtx{
		Code:                rand.Text(),
		ClientID:            client.GetID(),
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		State:               req.State,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Nonce:               req.Nonce,
		CreatedAt:           now,
		ExpiresAt:           now.Add(p.cfg.OIDC.AuthCtxDuration),
	}
	if err := p.store.SaveAuthCtx(ctx, authCtx); err != nil {
		logger.Errorw("failed to save authorization context", "client_id", req.ClientID, "error", err)
		return redirectErr(ErrorServerError, "failed to store authorization request")
	}

	return &AuthorizeValid{AuthCtxCode: authCtx.Code, ClientID: client.GetID(), ClientName: client.Name}
}

// PendingAuthorization is what the login page shows about a context.
type PendingAuthorization struct {
	AuthCtx    *storage.AuthorizeCtx
	ClientName string
}

// FindAuthCtx returns a live context. Expired contexts are reported as not found.
func (p *Provider) FindAuthCtx(ctx context.Context, code string) (*PendingAuthorization, error) {
	authCtx, err := p.store.FindAuthCtx(ctx, code)
	if err != nil {
		return nil, err
	}
	if authCtx.IsExpired(p.now()) {
		return nil, fmt.Errorf("authorization context expired: %w", storage.ErrNotFound)
	}
	name := authCtx.ClientID
	if client, ok := p.clients.Get(authCtx.ClientID); ok {
		name = client.Name
	}
	return &PendingAuthorization{AuthCtx: authCtx, ClientName: name}, nil
}

// CreateCode consumes the context and issues an authorization code for
// subject. It returns the client redirect URI carrying code and state.
func (p *Provider) CreateCode(ctx context.Context, authCtxCode, subject string) (string, error) {
	authCtx, err := p.store.ConsumeAuthCtx(ctx, authCtxCode)
	if err != nil {
		return "", err
	}
	now := p.now()
	if authCtx.IsExpired(now) {
		return "", fmt.Errorf("authorization context expired: %w", storage.ErrNotFound)
	}

	code := &storage.AuthorizeCode{
		Code:                rand.Text(),
		ClientID:            authCtx.ClientID,
		RedirectURI:         authCtx.RedirectURI,
		Subject:             subject,
		Scope:               authCtx.Scope,
		CodeChallenge:       authCtx.CodeChallenge,
		CodeChallengeMethod: authCtx.CodeChallengeMethod,
		Nonce:               authCtx.Nonce,
		AuthTime:            now,
		ExpiresAt:           now.Add(p.cfg.OIDC.AuthCodeDuration),
	}
	if err := p.store.SaveAuthCode(ctx, code); err != nil {
		return "", fmt.Errorf("failed to save authorization code: %w", err)
	}

	return buildCallbackURL(authCtx.RedirectURI, code.Code, authCtx.State), nil
}

// Token redeems an authorization code for an ID token and an access token.
func (p *Provider) Token(ctx context.Context, req TokenRequest) TokenResult {
	res := p.token(ctx, req)
	outcome := telemetry.OutcomeSuccess
	if te, ok := res.(*TokenError); ok {
		outcome = te.Error
		logger.Debugw("token request rejected", "client_id", req.ClientID, "error", te.Error, "description", te.Description)
	}
	p.metrics.RecordToken(ctx, p.clientLabel(req.ClientID), outcome)
	return res
}

// clientLabel is the metric label for a client id taken from a request.
func (p *Provider) clientLabel(clientID string) string {
	if _, ok := p.clients.Get(clientID); ok {
		return clientID
	}
	return telemetry.UnknownClient
}

func (p *Provider) token(ctx context.Context, req TokenRequest) TokenResult {
	if req.GrantType != "authorization_code" {
		return tokenError(fosite.ErrUnsupportedGrantType, "only authorization_code is supported")
	}
	if req.Code == "" || req.ClientID == "" {
		return tokenError(fosite.ErrInvalidRequest, "code and client_id are required")
	}
	if _, ok := p.clients.Get(req.ClientID); !ok {
		return tokenError(fosite.ErrInvalidClient, "client not found")
	}

	code, err := p.store.FindAuthCode(ctx, req.Code)
	if errors.Is(err, storage.ErrNotFound) {
		return tokenError(fosite.ErrInvalidGrant, "authorization code is invalid")
	}
	if err != nil {
		logger.Errorw("failed to look up authorization code", "error", err)
		return tokenError(fosite.ErrServerError, "failed to look up authorization code")
	}
	if code.IsExpired(p.now()) {
		if err := p.store.DeleteAuthCode(ctx, req.Code); err != nil && !errors.Is(err, storage.ErrNotFound) {
			logger.Warnw("failed to delete expired authorization code", "error", err)
		}
		return tokenError(fosite.ErrInvalidGrant, "authorization code expired")
	}
	if code.ClientID != req.ClientID {
		return tokenError(fosite.ErrInvalidGrant, "authorization code was issued to another client")
	}
	if code.RedirectURI != req.RedirectURI {
		return tokenError(fosite.ErrInvalidGrant, "redirect_uri does not match the authorization request")
	}
	if !VerifyPKCE(req.CodeVerifier, code.CodeChallenge) {
		return tokenError(fosite.ErrInvalidGrant, "code_verifier does not match code_challenge")
	}

	// Losing a concurrent redemption shows up here as not found.
	code, err = p.store.ConsumeAuthCode(ctx, req.Code)
	if errors.Is(err, storage.ErrNotFound) {
		return tokenError(fosite.ErrInvalidGrant, "authorization code is invalid")
	}
	if err != nil {
		logger.Errorw("failed to consume authorization code", "error", err)
		return tokenError(fosite.ErrServerError, "failed to redeem authorization code")
	}

	a, err := p.actors.FindByIssuerSubject(ctx, p.tokens.Issuer(), code.Subject)
	if errors.Is(err, storage.ErrNotFound) {
		return tokenError(fosite.ErrInvalidGrant, "subject no longer exists")
	}
	if err != nil {
		logger.Errorw("failed to resolve actor", "error", err)
		return tokenError(fosite.ErrServerError, "failed to resolve subject")
	}
	if a.IsDisabled() {
		return tokenError(fosite.ErrInvalidGrant, "subject is disabled")
	}

	idToken, err := p.idToken(code, a)
	if err != nil {
		logger.Errorw("failed to sign id token", "error", err)
		return tokenError(fosite.ErrServerError, "failed to issue token")
	}
	accessToken, err := p.tokens.IssueAccessToken(code.Subject, actorClaims(a))
	if err != nil {
		logger.Errorw("failed to sign access token", "error", err)
		return tokenError(fosite.ErrServerError, "failed to issue token")
	}

	return &TokenSuccess{
		AccessToken: accessToken,
		IDToken:     idToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(p.tokens.TTL().Seconds()),
		Scope:       code.Scope,
	}
}

func (p *Provider) idToken(code *storage.AuthorizeCode, a *storage.Actor) (string, error) {
	now := p.tokens.Now()
	claims := jwt.MapClaims{
		"iss":       p.tokens.Issuer(),
		"aud":       code.ClientID,
		"sub":       code.Subject,
		"iat":       now.Unix(),
		"exp":       now.Add(p.tokens.TTL()).Unix(),
		"auth_time": code.AuthTime.Unix(),
	}
	if code.Nonce != "" {
		claims["nonce"] = code.Nonce
	}
	for k, v := range actorClaims(a) {
		claims[k] = v
	}
	return p.tokens.Sign(claims)
}

func actorClaims(a *storage.Actor) map[string]any {
	claims := map[string]any{"roles": a.RoleKeys()}
	if a.Fullname != "" {
		claims["name"] = a.Fullname
	}
	if a.Email != "" {
		claims["email"] = a.Email
	}
	return claims
}

// VerifyPKCE compares the S256 transform of verifier with challenge in constant time.
func VerifyPKCE(verifier, challenge string) bool {
	if verifier == "" || challenge == "" {
		return false
	}
	computed := oauth2.S256ChallengeFromVerifier(verifier)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

func buildCallbackURL(redirectURI, code, state string) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return redirectURI
	}
	q := u.Query()
	q.Set("code", code)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func authorizeOutcome(res AuthorizeResult) string {
	switch r := res.(type) {
	case *AuthorizeValid:
		return telemetry.OutcomeSuccess
	case *AuthorizeRedirectError:
		return r.Error
	case *AuthorizeFatalError:
		return "fatal"
	default:
		return "unknown"
	}
}
