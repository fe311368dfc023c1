// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package server exposes the identity provider over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/stacklok/toolhive-core/httperr"
	"golang.org/x/time/rate"

	"github.com/stacklok/toolhive-idp/pkg/idp/actor"
	"github.com/stacklok/toolhive-idp/pkg/idp/authn"
	"github.com/stacklok/toolhive-idp/pkg/idp/config"
	"github.com/stacklok/toolhive-idp/pkg/idp/oidc"
	"github.com/stacklok/toolhive-idp/pkg/idp/user"
	"github.com/stacklok/toolhive-idp/pkg/logger"
)

const (
	// DefaultJWKSCacheMaxAge is the Cache-Control max-age of the JWKS endpoint.
	DefaultJWKSCacheMaxAge = 3600
	// DefaultDiscoveryCacheMaxAge is the Cache-Control max-age of the discovery endpoint.
	DefaultDiscoveryCacheMaxAge = 3600

	maxBodyBytes   = 1 << 16
	requestTimeout = 30 * time.Second
)

// HealthChecker reports whether storage is reachable.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Server holds the HTTP handlers.
type Server struct {
	cfg      *config.Config
	provider *oidc.Provider
	users    *user.Service
	actors   *actor.Directory
	authn    *authn.Extractor
	health   HealthChecker

	credentials *rate.Limiter
}

// New returns a Server.
func New(
	cfg *config.Config,
	provider *oidc.Provider,
	users *user.Service,
	actors *actor.Directory,
	extractor *authn.Extractor,
	health HealthChecker,
) *Server {
	return &Server{
		cfg:      cfg,
		provider: provider,
		users:    users,
		actors:   actors,
		authn:    extractor,
		health:   health,

		credentials: rate.NewLimiter(credentialRate, credentialBurst),
	}
}

// Routes returns the router with every endpoint registered.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	o := s.cfg.OIDC
	r.Get(o.AuthorizePath, s.authorizeHandler)
	r.Post(o.AuthorizePath, s.authorizeHandler)
	r.Get(o.LoginPath, ErrorHandler(s.loginContextHandler))
	r.With(limit(s.credentials)).Post(o.LoginPath, ErrorHandler(s.loginHandler))
	r.Get(o.TokenPath, s.tokenHandler)
	r.Post(o.TokenPath, s.tokenHandler)
	r.Get(o.JWKSPath, s.jwksHandler)
	r.Get(o.WellKnownPath, s.discoveryHandler)
	r.With(s.authn.Middleware).Get(o.UserinfoPath, ErrorHandler(s.userinfoHandler))
	r.Get("/health", s.healthHandler)

	r.Route("/api/v1", func(r chi.Router) {
		r.With(limit(s.credentials)).Post("/bootstrap", ErrorHandler(s.bootstrapHandler))
		r.Group(func(r chi.Router) {
			r.Use(s.authn.Middleware)
			r.Put("/me/password", ErrorHandler(s.changeOwnPasswordHandler))
			r.Group(func(r chi.Router) {
				r.Use(authn.RequireAdmin)
				s.adminRoutes(r)
			})
		})
	})
	return r
}

func (s *Server) authorizeHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, oidc.TokenError{Error: oidc.ErrorInvalidRequest, Description: "malformed request"})
		return
	}

	switch res := s.provider.Authorize(r.Context(), oidc.AuthorizeRequestFromValues(r.Form)).(type) {
	case *oidc.AuthorizeValid:
		login := s.cfg.OIDC.LoginPath + "?" + url.Values{"auth_ctx": {res.AuthCtxCode}}.Encode()
		http.Redirect(w, r, login, http.StatusFound)
	case *oidc.AuthorizeRedirectError:
		w.Header().Set("Location", res.Location())
		w.WriteHeader(http.StatusFound)
	case *oidc.AuthorizeFatalError:
		writeJSON(w, http.StatusBadRequest, oidc.TokenError{Error: res.Error, Description: res.Description})
	}
}

type loginContextResponse struct {
	AuthCtx    string    `json:"auth_ctx"`
	ClientID   string    `json:"client_id"`
	ClientName string    `json:"client_name"`
	Scope      string    `json:"scope"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func (s *Server) loginContextHandler(w http.ResponseWriter, r *http.Request) error {
	pending, err := s.provider.FindAuthCtx(r.Context(), r.URL.Query().Get("auth_ctx"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, loginContextResponse{
		AuthCtx:    pending.AuthCtx.Code,
		ClientID:   pending.AuthCtx.ClientID,
		ClientName: pending.ClientName,
		Scope:      pending.AuthCtx.Scope,
		ExpiresAt:  pending.AuthCtx.ExpiresAt,
	})
	return nil
}

func (s *Server) loginHandler(w http.ResponseWriter, r *http.Request) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		return httperr.WithCode(err, http.StatusBadRequest)
	}
	authCtx := r.PostForm.Get("auth_ctx")

	// Check the context before spending a password hash on it.
	if _, err := s.provider.FindAuthCtx(r.Context(), authCtx); err != nil {
		return err
	}
	u, err := s.users.LoginUser(r.Context(), r.PostForm.Get("username"), r.PostForm.Get("password"))
	if err != nil {
		return err
	}
	location, err := s.provider.CreateCode(r.Context(), authCtx, u.Username)
	if err != nil {
		return err
	}
	http.Redirect(w, r, location, http.StatusFound)
	return nil
}

func (s *Server) tokenHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, oidc.TokenError{Error: oidc.ErrorInvalidRequest, Description: "malformed form body"})
		return
	}
	// A POST reads only its body; query parameters are never merged into it.
	params := r.PostForm
	if r.Method == http.MethodGet {
		params = r.URL.Query()
	}

	switch res := s.provider.Token(r.Context(), oidc.TokenRequestFromValues(params)).(type) {
	case *oidc.TokenSuccess:
		writeJSON(w, http.StatusOK, res)
	case *oidc.TokenError:
		writeJSON(w, res.Status, res)
	}
}

func (s *Server) jwksHandler(w http.ResponseWriter, _ *http.Request) {
	data, err := json.Marshal(s.provider.JWKS())
	if err != nil {
		logger.Errorw("failed to encode JWKS", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", DefaultJWKSCacheMaxAge))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	_, _ = w.Write(data)
}

func (s *Server) discoveryHandler(w http.ResponseWriter, _ *http.Request) {
	data, err := json.Marshal(s.provider.Discovery())
	if err != nil {
		logger.Errorw("failed to encode discovery document", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", DefaultDiscoveryCacheMaxAge))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	_, _ = w.Write(data)
}

type userinfoResponse struct {
	Subject  string   `json:"sub"`
	ActorID  string   `json:"actor_id"`
	Issuer   string   `json:"iss"`
	Name     string   `json:"name,omitempty"`
	Email    string   `json:"email,omitempty"`
	Roles    []string `json:"roles"`
	External bool     `json:"external"`
}

func (*Server) userinfoHandler(w http.ResponseWriter, r *http.Request) error {
	p, ok := authn.PrincipalFrom(r.Context())
	if !ok {
		return authn.ErrUnauthenticated
	}
	writeJSON(w, http.StatusOK, userinfoResponse{
		Subject:  p.Actor.Subject,
		ActorID:  p.Actor.ID,
		Issuer:   p.Actor.Issuer,
		Name:     p.Actor.Fullname,
		Email:    p.Actor.Email,
		Roles:    p.Actor.RoleKeys(),
		External: p.Token.External,
	})
	return nil
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.health.Health(r.Context()); err != nil {
		logger.Warnw("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type bootstrapRequest struct {
	Secret   string `json:"secret"`
	Username string `json:"username"`
	Fullname string `json:"fullname"`
	Password string `json:"password"`
}

type bootstrapResponse struct {
	UserID      string `json:"user_id"`
	ActorID     string `json:"actor_id"`
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (s *Server) bootstrapHandler(w http.ResponseWriter, r *http.Request) error {
	var req bootstrapRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	res, err := s.users.AdminBootstrap(r.Context(), req.Secret, user.NewUser{
		Username: req.Username,
		Fullname: req.Fullname,
		Password: req.Password,
	})
	if err != nil {
		return err
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusCreated, bootstrapResponse{
		UserID:      res.User.ID,
		ActorID:     res.Actor.ID,
		AccessToken: res.AccessToken,
		TokenType:   "Bearer",
		ExpiresIn:   res.ExpiresIn,
	})
	return nil
}

type changePasswordRequest struct {
	Current  string `json:"current_password"`
	Password string `json:"password"`
}

var errExternalAccount = httperr.WithCode(errors.New("external accounts have no password"), http.StatusBadRequest)

func (s *Server) changeOwnPasswordHandler(w http.ResponseWriter, r *http.Request) error {
	p, ok := authn.PrincipalFrom(r.Context())
	if !ok {
		return authn.ErrUnauthenticated
	}
	if p.Token.External {
		return errExternalAccount
	}
	var req changePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	u, err := s.users.GetUserByUsername(r.Context(), p.Actor.Subject)
	if err != nil {
		return err
	}
	if err := s.users.ChangeOwnPassword(r.Context(), u.ID, req.Current, req.Password); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}
