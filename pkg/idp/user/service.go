// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package user manages the accounts of the internal issuer: creation,
// password login, the one-time administrator bootstrap and the admin
// operations that keep each user's actor in step with the user record.
package user

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stacklok/toolhive-core/httperr"
	"golang.org/x/crypto/bcrypt"

	"github.com/stacklok/toolhive-idp/pkg/idp/actor"
	"github.com/stacklok/toolhive-idp/pkg/idp/bootstrap"
	"github.com/stacklok/toolhive-idp/pkg/idp/storage"
	"github.com/stacklok/toolhive-idp/pkg/idp/telemetry"
	"github.com/stacklok/toolhive-idp/pkg/idp/token"
	"github.com/stacklok/toolhive-idp/pkg/logger"
)

// ErrBadCredentials is returned for an unknown user, a disabled user and a
// wrong password alike.
var ErrBadCredentials = httperr.WithCode(errors.New("invalid username or password"), http.StatusUnauthorized)

// Login outcomes recorded in metrics.
const (
	outcomeBadCredentials = "bad_credentials"
	outcomeError          = "error"
)

// NewUser holds the input of CreateEmbeddedUser.
type NewUser struct {
	Username string
	Fullname string
	Password string
	Admin    bool
}

// BootstrapResult is returned by a successful AdminBootstrap.
type BootstrapResult struct {
	User        *storage.User
	Actor       *storage.Actor
	AccessToken string
	ExpiresIn   int64
}

// Service implements the credential operations.
type Service struct {
	users     storage.UserStore
	actors    *actor.Directory
	bootstrap *bootstrap.Store
	tokens    *token.Issuer
	metrics   *telemetry.Metrics
	cost      int
	now       func() time.Time
	logger    *slog.Logger

	dummyOnce sync.Once
	dummyHash []byte
}

// Option configures a Service.
type Option func(*Service)

// WithHashCost sets the bcrypt cost.
func WithHashCost(cost int) Option {
	return func(s *Service) { s.cost = cost }
}

// WithClock sets the time source for account timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithMetrics records login outcomes.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService wires the credential service. Users are mirrored into actors
// under the token issuer's issuer value.
func NewService(
	users storage.UserStore,
	actors *actor.Directory,
	bootstrapStore *bootstrap.Store,
	tokens *token.Issuer,
	opts ...Option,
) *Service {
	s := &Service{
		users:     users,
		actors:    actors,
		bootstrap: bootstrapStore,
		tokens:    tokens,
		cost:      bcrypt.DefaultCost,
		now:       time.Now,
		logger:    logger.With("component", "user-service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateEmbeddedUser validates and stores a new user and its actor.
func (s *Service) CreateEmbeddedUser(ctx context.Context, in NewUser) (*storage.User, error) {
	return s.create(ctx, in, false)
}

func (s *Service) create(ctx context.Context, in NewUser, bootstrapAdmin bool) (*storage.User, error) {
	if err := ValidateUsername(in.Username); err != nil {
		return nil, err
	}
	if err := ValidatePassword(in.Username, in.Password); err != nil {
		return nil, err
	}
	fullname, err := NormalizeFullname(in.Fullname)
	if err != nil {
		return nil, err
	}
	hash, err := s.hash(in.Password)
	if err != nil {
		return nil, err
	}

	now := s.now()
	u := &storage.User{
		ID:           uuid.NewString(),
		Username:     in.Username,
		Fullname:     fullname,
		PasswordHash: hash,
		Admin:        in.Admin || bootstrapAdmin,
		Bootstrap:    bootstrapAdmin,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.users.CreateUser(ctx, u); err != nil {
		return nil, fmt.Errorf("failed to create user %q: %w", in.Username, err)
	}
	if _, err := s.actors.MirrorUser(ctx, s.tokens.Issuer(), u, actor.MirrorAll); err != nil {
		return nil, fmt.Errorf("failed to create actor for user %q: %w", in.Username, err)
	}
	s.logger.Info("created user", "user_id", u.ID, "admin", u.Admin)
	return u, nil
}

// LoginUser checks a username and password. Every failure returns
// ErrBadCredentials after comparable work, so callers cannot tell an
// unknown user from a wrong password.
func (s *Service) LoginUser(ctx context.Context, username, password string) (*storage.User, error) {
	u, err := s.users.GetUserByUsername(ctx, username)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.metrics.RecordLogin(ctx, outcomeError)
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}

	hash := s.dummy()
	if u != nil {
		hash = u.PasswordHash
	}
	match := bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil

	if u == nil || !match || u.IsDisabled() {
		s.metrics.RecordLogin(ctx, outcomeBadCredentials)
		return nil, ErrBadCredentials
	}
	s.metrics.RecordLogin(ctx, telemetry.OutcomeSuccess)
	return u, nil
}

// AdminBootstrap creates the first administrator if secret matches the
// persisted bootstrap secret, consumes the secret and returns an access
// token for the new administrator. Only one call can ever succeed.
func (s *Service) AdminBootstrap(ctx context.Context, secret string, in NewUser) (*BootstrapResult, error) {
	var u *storage.User
	err := s.bootstrap.Consume(ctx, secret, func(ctx context.Context) error {
		var err error
		u, err = s.create(ctx, in, true)
		return err
	})
	if err != nil {
		return nil, err
	}

	a, err := s.actors.FindByIssuerSubject(ctx, s.tokens.Issuer(), u.Username)
	if err != nil {
		return nil, fmt.Errorf("failed to load bootstrap actor: %w", err)
	}
	accessToken, err := s.tokens.IssueAccessToken(u.Username, map[string]any{
		"roles": a.RoleKeys(),
		"name":  u.Fullname,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Warn("bootstrap secret consumed", "user_id", u.ID)
	return &BootstrapResult{
		User:        u,
		Actor:       a,
		AccessToken: accessToken,
		ExpiresIn:   int64(s.tokens.TTL().Seconds()),
	}, nil
}

// ChangeOwnPassword replaces the password of userID after checking current.
func (s *Service) ChangeOwnPassword(ctx context.Context, userID, current, next string) error {
	u, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(current)) != nil {
		return ErrBadCredentials
	}
	return s.setPassword(ctx, u, next)
}

// ChangeUserPassword replaces the password of userID without the current one.
func (s *Service) ChangeUserPassword(ctx context.Context, userID, next string) error {
	u, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	return s.setPassword(ctx, u, next)
}

func (s *Service) setPassword(ctx context.Context, u *storage.User, password string) error {
	if err := ValidatePassword(u.Username, password); err != nil {
		return err
	}
	hash, err := s.hash(password)
	if err != nil {
		return err
	}
	u.PasswordHash = hash
	_, err = s.save(ctx, u, 0)
	return err
}

// DisableUser disables userID at the given time; nil enables it again. The
// user's actor is disabled with it.
func (s *Service) DisableUser(ctx context.Context, userID string, at *time.Time) (*storage.User, error) {
	u, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	u.DisabledAt = at
	return s.save(ctx, u, actor.MirrorDisabled)
}

// ChangeUserFullname renames userID and its actor.
func (s *Service) ChangeUserFullname(ctx context.Context, userID, fullname string) (*storage.User, error) {
	name, err := NormalizeFullname(fullname)
	if err != nil {
		return nil, err
	}
	u, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	u.Fullname = name
	return s.save(ctx, u, actor.MirrorFullname)
}

// GetUser returns the user with id.
func (s *Service) GetUser(ctx context.Context, id string) (*storage.User, error) {
	return s.users.GetUser(ctx, id)
}

// GetUserByUsername returns the user with username.
func (s *Service) GetUserByUsername(ctx context.Context, username string) (*storage.User, error) {
	return s.users.GetUserByUsername(ctx, username)
}

// ListUsers returns every user.
func (s *Service) ListUsers(ctx context.Context) ([]*storage.User, error) {
	return s.users.ListUsers(ctx)
}

// save writes the user row first, then mirrors the changed fields into the actor.
func (s *Service) save(ctx context.Context, u *storage.User, changed actor.MirrorField) (*storage.User, error) {
	u.UpdatedAt = s.now()
	if err := s.users.UpdateUser(ctx, u); err != nil {
		return nil, fmt.Errorf("failed to update user: %w", err)
	}
	if _, err := s.actors.MirrorUser(ctx, s.tokens.Issuer(), u, changed); err != nil {
		return nil, fmt.Errorf("failed to update actor for user: %w", err)
	}
	return u, nil
}

func (s *Service) hash(password string) ([]byte, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	return hash, nil
}

// dummy returns a hash compared against when the user does not exist.
func (s *Service) dummy() []byte {
	s.dummyOnce.Do(func() {
		hash, err := bcrypt.GenerateFromPassword([]byte(uuid.NewString()), s.cost)
		if err != nil {
			s.logger.Error("failed to generate dummy password hash", "error", err)
			return
		}
		s.dummyHash = hash
	})
	return s.dummyHash
}
