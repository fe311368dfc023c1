// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package sqlite implements storage.Storage on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/stacklok/toolhive-idp/pkg/idp/storage"
)

// Store implements storage.Storage using SQLite.
type Store struct {
	db *sql.DB
}

var _ storage.Storage = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection serializes writers and keeps every statement on the same page cache.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Health pings the database.
func (s *Store) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// -----------------------
// Users
// -----------------------

const userColumns = `id, username, fullname, password_hash, admin, bootstrap, disabled_at, created_at, updated_at`

// CreateUser stores a new user.
func (s *Store) CreateUser(ctx context.Context, u *storage.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Username, u.Fullname, u.PasswordHash, u.Admin, u.Bootstrap,
		formatOptionalTime(u.DisabledAt), formatTime(u.CreatedAt), formatTime(u.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("%w: user %s", storage.ErrAlreadyExists, u.Username)
		}
		return fmt.Errorf("inserting user: %w", err)
	}
	return nil
}

// GetUser returns a user by ID.
func (s *Store) GetUser(ctx context.Context, id string) (*storage.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
}

// GetUserByUsername returns a user by username.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*storage.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`, username))
}

// UpdateUser replaces the mutable fields of a user.
func (s *Store) UpdateUser(ctx context.Context, u *storage.User) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET fullname = ?, password_hash = ?, admin = ?, bootstrap = ?, disabled_at = ?, updated_at = ?
		WHERE id = ? AND username = ?`,
		u.Fullname, u.PasswordHash, u.Admin, u.Bootstrap,
		formatOptionalTime(u.DisabledAt), formatTime(u.UpdatedAt),
		u.ID, u.Username,
	)
	if err != nil {
		return fmt.Errorf("updating user: %w", err)
	}
	return expectOneRow(res, "user")
}

// ListUsers returns all users ordered by username.
func (s *Store) ListUsers(ctx context.Context) ([]*storage.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	defer rows.Close()

	var out []*storage.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// -----------------------
// Actors
// -----------------------

const actorColumns = `id, issuer, subject, fullname, email, json(roles), disabled_at, created_at, last_seen_at`

// CreateActor stores a new actor.
func (s *Store) CreateActor(ctx context.Context, a *storage.Actor) error {
	roles, err := encodeRoles(a.Roles)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO actors (id, issuer, subject, fullname, email, roles, disabled_at, created_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, jsonb(?), ?, ?, ?)`,
		a.ID, a.Issuer, a.Subject, a.Fullname, a.Email, roles,
		formatOptionalTime(a.DisabledAt), formatTime(a.CreatedAt), formatTime(a.LastSeenAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("%w: actor for issuer %s", storage.ErrAlreadyExists, a.Issuer)
		}
		return fmt.Errorf("inserting actor: %w", err)
	}
	return nil
}

// GetActor returns an actor by ID.
func (s *Store) GetActor(ctx context.Context, id string) (*storage.Actor, error) {
	return scanActor(s.db.QueryRowContext(ctx, `SELECT `+actorColumns+` FROM actors WHERE id = ?`, id))
}

// GetActorByIssuerSubject returns the actor for (issuer, subject).
func (s *Store) GetActorByIssuerSubject(ctx context.Context, issuer, subject string) (*storage.Actor, error) {
	return scanActor(s.db.QueryRowContext(ctx,
		`SELECT `+actorColumns+` FROM actors WHERE issuer = ? AND subject = ?`, issuer, subject))
}

// UpdateActor replaces the mutable fields of an actor.
func (s *Store) UpdateActor(ctx context.Context, a *storage.Actor) error {
	roles, err := encodeRoles(a.Roles)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE actors
		SET fullname = ?, email = ?, roles = jsonb(?), disabled_at = ?, last_seen_at = ?
		WHERE id = ? AND issuer = ? AND subject = ?`,
		a.Fullname, a.Email, roles, formatOptionalTime(a.DisabledAt), formatTime(a.LastSeenAt),
		a.ID, a.Issuer, a.Subject,
	)
	if err != nil {
		return fmt.Errorf("updating actor: %w", err)
	}
	return expectOneRow(res, "actor")
}

// ListActors returns all actors ordered by creation time.
func (s *Store) ListActors(ctx context.Context) ([]*storage.Actor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+actorColumns+` FROM actors ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("listing actors: %w", err)
	}
	defer rows.Close()

	var out []*storage.Actor
	for rows.Next() {
		a, err := scanActor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// -----------------------
// Authorization state
// -----------------------

const authCtxColumns = `code, client_id, redirect_uri, scope, state, code_challenge,
	code_challenge_method, nonce, created_at, expires_at`

const authCodeColumns = `code, client_id, redirect_uri, subject, scope, code_challenge,
	code_challenge_method, nonce, auth_time, expires_at`

// SaveAuthCtx stores an authorization context.
func (s *Store) SaveAuthCtx(ctx context.Context, c *storage.AuthorizeCtx) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO oidc_authorize_ctx (`+authCtxColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Code, c.ClientID, c.RedirectURI, c.Scope, c.State, c.CodeChallenge,
		c.CodeChallengeMethod, c.Nonce, c.CreatedAt.UnixMilli(), c.ExpiresAt.UnixMilli(),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("%w: authorization context", storage.ErrAlreadyExists)
		}
		return fmt.Errorf("inserting authorization context: %w", err)
	}
	return nil
}

// FindAuthCtx returns an authorization context.
func (s *Store) FindAuthCtx(ctx context.Context, code string) (*storage.AuthorizeCtx, error) {
	return scanAuthCtx(s.db.QueryRowContext(ctx,
		`SELECT `+authCtxColumns+` FROM oidc_authorize_ctx WHERE code = ?`, code))
}

// DeleteAuthCtx removes an authorization context.
func (s *Store) DeleteAuthCtx(ctx context.Context, code string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM oidc_authorize_ctx WHERE code = ?`, code)
	if err != nil {
		return fmt.Errorf("deleting authorization context: %w", err)
	}
	return expectOneRow(res, "authorization context")
}

// ConsumeAuthCtx deletes and returns an authorization context in one statement.
func (s *Store) ConsumeAuthCtx(ctx context.Context, code string) (*storage.AuthorizeCtx, error) {
	return scanAuthCtx(s.db.QueryRowContext(ctx,
		`DELETE FROM oidc_authorize_ctx WHERE code = ? RETURNING `+authCtxColumns, code))
}

// SaveAuthCode stores an authorization code.
func (s *Store) SaveAuthCode(ctx context.Context, c *storage.AuthorizeCode) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO oidc_authorize_code (`+authCodeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Code, c.ClientID, c.RedirectURI, c.Subject, c.Scope, c.CodeChallenge,
		c.CodeChallengeMethod, c.Nonce, c.AuthTime.UnixMilli(), c.ExpiresAt.UnixMilli(),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("%w: authorization code", storage.ErrAlreadyExists)
		}
		return fmt.Errorf("inserting authorization code: %w", err)
	}
	return nil
}

// FindAuthCode returns an authorization code.
func (s *Store) FindAuthCode(ctx context.Context, code string) (*storage.AuthorizeCode, error) {
	return scanAuthCode(s.db.QueryRowContext(ctx,
		`SELECT `+authCodeColumns+` FROM oidc_authorize_code WHERE code = ?`, code))
}

// DeleteAuthCode removes an authorization code.
func (s *Store) DeleteAuthCode(ctx context.Context, code string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM oidc_authorize_code WHERE code = ?`, code)
	if err != nil {
		return fmt.Errorf("deleting authorization code: %w", err)
	}
	return expectOneRow(res, "authorization code")
}

// ConsumeAuthCode deletes and returns an authorization code in one statement.
func (s *Store) ConsumeAuthCode(ctx context.Context, code string) (*storage.AuthorizeCode, error) {
	return scanAuthCode(s.db.QueryRowContext(ctx,
		`DELETE FROM oidc_authorize_code WHERE code = ? RETURNING `+authCodeColumns, code))
}

// PurgeExpired deletes contexts and codes with expires_at before now.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	var total int64
	for _, table := range []string{"oidc_authorize_ctx", "oidc_authorize_code"} {
		// #nosec G202 - table names are constants
		res, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE expires_at < ?`, now.UnixMilli())
		if err != nil {
			return 0, fmt.Errorf("purging %s: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("purging %s: %w", table, err)
		}
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing transaction: %w", err)
	}
	return total, nil
}

// -----------------------
// Helpers
// -----------------------

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*storage.User, error) {
	var (
		u                    storage.User
		disabledAt           sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&u.ID, &u.Username, &u.Fullname, &u.PasswordHash, &u.Admin, &u.Bootstrap,
		&disabledAt, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: user not found", storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning user: %w", err)
	}

	if u.DisabledAt, err = parseOptionalTime(disabledAt); err != nil {
		return nil, err
	}
	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if u.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

func scanActor(row rowScanner) (*storage.Actor, error) {
	var (
		a                     storage.Actor
		roles                 []byte
		disabledAt            sql.NullString
		createdAt, lastSeenAt string
	)
	err := row.Scan(&a.ID, &a.Issuer, &a.Subject, &a.Fullname, &a.Email, &roles,
		&disabledAt, &createdAt, &lastSeenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: actor not found", storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning actor: %w", err)
	}

	if len(roles) > 0 {
		if err := json.Unmarshal(roles, &a.Roles); err != nil {
			return nil, fmt.Errorf("decoding actor roles: %w", err)
		}
	}
	if a.DisabledAt, err = parseOptionalTime(disabledAt); err != nil {
		return nil, err
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if a.LastSeenAt, err = parseTime(lastSeenAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func scanAuthCtx(row rowScanner) (*storage.AuthorizeCtx, error) {
	var (
		c                    storage.AuthorizeCtx
		createdAt, expiresAt int64
	)
	err := row.Scan(&c.Code, &c.ClientID, &c.RedirectURI, &c.Scope, &c.State, &c.CodeChallenge,
		&c.CodeChallengeMethod, &c.Nonce, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: authorization context not found", storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning authorization context: %w", err)
	}
	c.CreatedAt = time.UnixMilli(createdAt)
	c.ExpiresAt = time.UnixMilli(expiresAt)
	return &c, nil
}

func scanAuthCode(row rowScanner) (*storage.AuthorizeCode, error) {
	var (
		c                   storage.AuthorizeCode
		authTime, expiresAt int64
	)
	err := row.Scan(&c.Code, &c.ClientID, &c.RedirectURI, &c.Subject, &c.Scope, &c.CodeChallenge,
		&c.CodeChallengeMethod, &c.Nonce, &authTime, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: authorization code not found", storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning authorization code: %w", err)
	}
	c.AuthTime = time.UnixMilli(authTime)
	c.ExpiresAt = time.UnixMilli(expiresAt)
	return &c, nil
}

func encodeRoles(roles []storage.ActorRole) (string, error) {
	if roles == nil {
		roles = []storage.ActorRole{}
	}
	data, err := json.Marshal(roles)
	if err != nil {
		return "", fmt.Errorf("encoding actor roles: %w", err)
	}
	return string(data), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatOptionalTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseOptionalTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func expectOneRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s not found", storage.ErrNotFound, what)
	}
	return nil
}

// isConstraintViolation reports unique and primary key violations.
func isConstraintViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

// rollback rolls back tx, ignoring errors (tx may already be committed).
func rollback(tx *sql.Tx) { _ = tx.Rollback() }
