// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package actor maintains the canonical identity records of every principal
// that has authenticated, internal or external.
//
// Roles are only ever changed through SetRoles. Claims asserted by external
// issuers update display attributes but never grant roles.
package actor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stacklok/toolhive-core/httperr"

	"github.com/stacklok/toolhive-idp/pkg/idp/jwtverify"
	"github.com/stacklok/toolhive-idp/pkg/idp/storage"
	"github.com/stacklok/toolhive-idp/pkg/logger"
)

// ErrDisabled is returned when a disabled actor tries to authenticate.
var ErrDisabled = httperr.WithCode(errors.New("actor is disabled"), http.StatusForbidden)

// ErrInvalidActor is returned for an actor missing its issuer or subject.
var ErrInvalidActor = httperr.WithCode(errors.New("actor requires issuer and subject"), http.StatusBadRequest)

// Directory reads and writes actors.
type Directory struct {
	store  storage.ActorStore
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Directory.
type Option func(*Directory)

// WithClock sets the time source for CreatedAt and LastSeenAt.
func WithClock(now func() time.Time) Option {
	return func(d *Directory) { d.now = now }
}

// NewDirectory returns a Directory over store.
func NewDirectory(store storage.ActorStore, opts ...Option) *Directory {
	d := &Directory{
		store:  store,
		now:    time.Now,
		logger: logger.With("component", "actor-directory"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SyncFromJwtExternalPrincipal records a verified external principal. It
// creates the actor without roles on first sight, and afterwards refreshes
// its name and email and bumps LastSeenAt. The returned actor may be
// disabled; the caller decides how to reject it.
func (d *Directory) SyncFromJwtExternalPrincipal(ctx context.Context, p *jwtverify.Principal) (*storage.Actor, error) {
	if p.Issuer == "" || p.Subject == "" {
		return nil, ErrInvalidActor
	}

	existing, err := d.store.GetActorByIssuerSubject(ctx, p.Issuer, p.Subject)
	switch {
	case err == nil:
		return d.refresh(ctx, existing, p)
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("failed to look up actor: %w", err)
	}

	now := d.now()
	a := &storage.Actor{
		ID:         uuid.NewString(),
		Issuer:     p.Issuer,
		Subject:    p.Subject,
		Fullname:   p.Name,
		Email:      p.Email,
		Roles:      []storage.ActorRole{},
		CreatedAt:  now,
		LastSeenAt: now,
	}
	if err := d.store.CreateActor(ctx, a); err != nil {
		if !errors.Is(err, storage.ErrAlreadyExists) {
			return nil, fmt.Errorf("failed to create actor: %w", err)
		}
		// Another request created it first.
		existing, err := d.store.GetActorByIssuerSubject(ctx, p.Issuer, p.Subject)
		if err != nil {
			return nil, fmt.Errorf("failed to look up actor: %w", err)
		}
		return d.refresh(ctx, existing, p)
	}

	d.logger.Info("created actor for external principal", "actor_id", a.ID, "issuer", p.Issuer, "issuer_name", p.IssuerName)
	return a, nil
}

func (d *Directory) refresh(ctx context.Context, a *storage.Actor, p *jwtverify.Principal) (*storage.Actor, error) {
	if p.Name != "" {
		a.Fullname = p.Name
	}
	if p.Email != "" {
		a.Email = p.Email
	}
	a.LastSeenAt = d.now()
	if err := d.store.UpdateActor(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to update actor: %w", err)
	}
	return a, nil
}

// Create stores a new actor with a generated ID.
func (d *Directory) Create(ctx context.Context, issuer, subject, fullname, email string, roles []string) (*storage.Actor, error) {
	if issuer == "" || subject == "" {
		return nil, ErrInvalidActor
	}
	now := d.now()
	a := &storage.Actor{
		ID:         uuid.NewString(),
		Issuer:     issuer,
		Subject:    subject,
		Fullname:   fullname,
		Email:      email,
		Roles:      toRoles(roles),
		CreatedAt:  now,
		LastSeenAt: now,
	}
	if err := d.store.CreateActor(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to create actor: %w", err)
	}
	return a, nil
}

// Get returns the actor with id.
func (d *Directory) Get(ctx context.Context, id string) (*storage.Actor, error) {
	return d.store.GetActor(ctx, id)
}

// FindByIssuerSubject returns the actor for (issuer, subject).
func (d *Directory) FindByIssuerSubject(ctx context.Context, issuer, subject string) (*storage.Actor, error) {
	return d.store.GetActorByIssuerSubject(ctx, issuer, subject)
}

// List returns every actor.
func (d *Directory) List(ctx context.Context) ([]*storage.Actor, error) {
	return d.store.ListActors(ctx)
}

// SetRoles replaces the roles of an actor. Keys are trimmed and deduplicated.
func (d *Directory) SetRoles(ctx context.Context, id string, roles []string) (*storage.Actor, error) {
	return d.update(ctx, id, func(a *storage.Actor) {
		a.Roles = toRoles(roles)
	})
}

// Disable marks an actor disabled at the given time; nil enables it again.
func (d *Directory) Disable(ctx context.Context, id string, at *time.Time) (*storage.Actor, error) {
	return d.update(ctx, id, func(a *storage.Actor) {
		a.DisabledAt = at
	})
}

// UpdateFullname sets the display name of an actor.
func (d *Directory) UpdateFullname(ctx context.Context, id, fullname string) (*storage.Actor, error) {
	return d.update(ctx, id, func(a *storage.Actor) {
		a.Fullname = fullname
	})
}

// MirrorField selects the user fields MirrorUser copies onto an existing actor.
type MirrorField uint8

// Mirrored user fields.
const (
	MirrorFullname MirrorField = 1 << iota
	MirrorDisabled

	MirrorAll = MirrorFullname | MirrorDisabled
)

// MirrorUser keeps the internal actor for u in step with its user record.
// A missing actor is created from the whole record, with the admin role for
// admin users. An existing actor only receives the fields named in fields;
// its roles are never touched, so roles and disables set on the actor survive
// unrelated user edits.
func (d *Directory) MirrorUser(ctx context.Context, issuer string, u *storage.User, fields MirrorField) (*storage.Actor, error) {
	a, err := d.store.GetActorByIssuerSubject(ctx, issuer, u.Username)
	if errors.Is(err, storage.ErrNotFound) {
		var roles []string
		if u.Admin {
			roles = []string{storage.RoleAdmin}
		}
		a, err = d.Create(ctx, issuer, u.Username, u.Fullname, "", roles)
		if err != nil {
			return nil, err
		}
		if u.DisabledAt != nil {
			return d.Disable(ctx, a.ID, u.DisabledAt)
		}
		return a, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up actor: %w", err)
	}
	if fields == 0 {
		return a, nil
	}

	if fields&MirrorFullname != 0 {
		a.Fullname = u.Fullname
	}
	if fields&MirrorDisabled != 0 {
		a.DisabledAt = u.DisabledAt
	}
	if err := d.store.UpdateActor(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to update actor: %w", err)
	}
	return a, nil
}

func (d *Directory) update(ctx context.Context, id string, mutate func(*storage.Actor)) (*storage.Actor, error) {
	a, err := d.store.GetActor(ctx, id)
	if err != nil {
		return nil, err
	}
	mutate(a)
	if err := d.store.UpdateActor(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to update actor: %w", err)
	}
	return a, nil
}

// CheckEnabled returns ErrDisabled for a disabled actor.
func CheckEnabled(a *storage.Actor) error {
	if a.IsDisabled() {
		return ErrDisabled
	}
	return nil
}

func toRoles(keys []string) []storage.ActorRole {
	roles := make([]storage.ActorRole, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		roles = append(roles, storage.ActorRole{Key: k})
	}
	slices.SortStableFunc(roles, func(a, b storage.ActorRole) int { return strings.Compare(a.Key, b.Key) })
	return roles
}
