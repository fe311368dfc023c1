// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"slices"
	"time"
)

// RoleAdmin is the only role key interpreted by the identity provider.
const RoleAdmin = "admin"

// PKCEMethodS256 is the only accepted code challenge method.
const PKCEMethodS256 = "S256"

// User is an account of the internal issuer. Users are never physically deleted.
type User struct {
	ID           string
	Username     string
	Fullname     string
	PasswordHash []byte
	Admin        bool
	// Bootstrap marks the administrator created with the bootstrap secret.
	Bootstrap  bool
	DisabledAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// IsDisabled reports whether the user may not log in.
func (u *User) IsDisabled() bool {
	return u.DisabledAt != nil
}

// Clone returns a deep copy.
func (u *User) Clone() *User {
	c := *u
	c.PasswordHash = slices.Clone(u.PasswordHash)
	c.DisabledAt = cloneTime(u.DisabledAt)
	return &c
}

// ActorRole tags an actor with an authorization role.
type ActorRole struct {
	Key string `json:"key"`
}

// Actor is the canonical identity record, unique on (Issuer, Subject).
// ID is opaque and the only identifier that is safe to hand out.
type Actor struct {
	ID         string
	Issuer     string
	Subject    string
	Fullname   string
	Email      string
	Roles      []ActorRole
	DisabledAt *time.Time
	CreatedAt  time.Time
	LastSeenAt time.Time
}

// IsDisabled reports whether authentication as this actor must be rejected.
func (a *Actor) IsDisabled() bool {
	return a.DisabledAt != nil
}

// HasRole reports whether the actor carries the role key.
func (a *Actor) HasRole(key string) bool {
	return slices.ContainsFunc(a.Roles, func(r ActorRole) bool { return r.Key == key })
}

// RoleKeys returns the role keys in stored order.
func (a *Actor) RoleKeys() []string {
	keys := make([]string, 0, len(a.Roles))
	for _, r := range a.Roles {
		keys = append(keys, r.Key)
	}
	return keys
}

// Clone returns a deep copy.
func (a *Actor) Clone() *Actor {
	c := *a
	c.Roles = slices.Clone(a.Roles)
	c.DisabledAt = cloneTime(a.DisabledAt)
	return &c
}

// AuthorizeCtx is a validated authorization request waiting for the user to log in.
type AuthorizeCtx struct {
	Code                string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// IsExpired reports whether the context is past its expiry at now.
func (c *AuthorizeCtx) IsExpired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// AuthorizeCode is a single-use authorization code bound to an authenticated subject.
type AuthorizeCode struct {
	Code                string
	ClientID            string
	RedirectURI         string
	Subject             string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
	AuthTime            time.Time
	ExpiresAt           time.Time
}

// IsExpired reports whether the code is past its expiry at now.
func (c *AuthorizeCode) IsExpired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
