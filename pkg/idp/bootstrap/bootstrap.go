// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package bootstrap manages the one-time secret that authorizes creation of
// the first administrator.
package bootstrap

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/stacklok/toolhive-core/httperr"

	"github.com/stacklok/toolhive-idp/pkg/logger"
)

const (
	// FileName is the state file inside the data directory.
	FileName = "bootstrap-secret.json"

	// GeneratedSecretLength is the length in characters of generated secrets.
	GeneratedSecretLength = 48
	// MinSecretLength is the shortest operator-supplied secret accepted.
	MinSecretLength = 20

	lockTimeout = 10 * time.Second
)

var (
	// ErrNotInitialized is returned when no bootstrap state has been persisted.
	ErrNotInitialized = httperr.WithCode(errors.New("bootstrap secret not initialized"), http.StatusServiceUnavailable)
	// ErrAlreadyConsumed is returned once the secret has been used.
	ErrAlreadyConsumed = httperr.WithCode(errors.New("bootstrap secret already consumed"), http.StatusGone)
	// ErrInvalidSecret is returned when the presented secret does not match.
	ErrInvalidSecret = httperr.WithCode(errors.New("invalid bootstrap secret"), http.StatusUnauthorized)
	// ErrSecretTooShort is returned for an operator-supplied secret below MinSecretLength.
	ErrSecretTooShort = fmt.Errorf("bootstrap secret must be at least %d characters", MinSecretLength)
)

// State is the persisted bootstrap state. Consumed never reverts to false.
type State struct {
	Secret     string     `json:"secret"`
	Consumed   bool       `json:"consumed"`
	CreatedAt  time.Time  `json:"created_at"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty"`
}

// Store persists State as a JSON file guarded by a file lock.
type Store struct {
	path string
	lock *flock.Flock
	// mu serializes goroutines of this process; the file lock covers other processes.
	mu  sync.Mutex
	now func() time.Time
}

// NewStore returns a Store that keeps its state in dir.
func NewStore(dir string) *Store {
	path := filepath.Join(dir, FileName)
	return &Store{
		path: path,
		lock: flock.New(path + ".lock"),
		now:  time.Now,
	}
}

// LoadOrCreate returns the persisted state, creating it on first run. The
// secret is operatorSecret when given, otherwise generated. logOnce receives
// the plaintext only when the state is created.
func (s *Store) LoadOrCreate(ctx context.Context, operatorSecret string, logOnce func(secret string)) (*State, error) {
	if operatorSecret != "" && len(operatorSecret) < MinSecretLength {
		return nil, ErrSecretTooShort
	}

	unlock, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	state, err := s.read()
	if err == nil {
		if operatorSecret != "" && !state.Consumed && !equal(state.Secret, operatorSecret) {
			logger.Warnw("configured bootstrap secret differs from persisted state, keeping persisted secret",
				"path", s.path)
		}
		return state, nil
	}
	if !errors.Is(err, ErrNotInitialized) {
		return nil, err
	}

	secret := operatorSecret
	if secret == "" {
		if secret, err = generateSecret(); err != nil {
			return nil, err
		}
	}

	state = &State{Secret: secret, CreatedAt: s.now().UTC()}
	if err := s.write(state); err != nil {
		return nil, err
	}
	if logOnce != nil {
		logOnce(secret)
	}
	return state, nil
}

// Load returns the raw persisted state without side effects.
func (s *Store) Load(_ context.Context) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

// MarkConsumed flips the consumed flag. It is idempotent.
func (s *Store) MarkConsumed(ctx context.Context) error {
	unlock, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	state, err := s.read()
	if err != nil {
		return err
	}
	if state.Consumed {
		return nil
	}
	return s.markConsumed(state)
}

// Consume checks presented against the persisted secret and, while holding
// the lock, runs fn. The secret is persisted as consumed before fn runs and
// restored only if fn fails, so a completed consumption can never leave the
// secret usable and exactly one caller can ever complete one.
func (s *Store) Consume(ctx context.Context, presented string, fn func(ctx context.Context) error) error {
	unlock, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	state, err := s.read()
	if err != nil {
		return err
	}
	if state.Consumed {
		return ErrAlreadyConsumed
	}
	if !equal(state.Secret, presented) {
		return ErrInvalidSecret
	}

	consumed := *state
	at := s.now().UTC()
	consumed.Consumed = true
	consumed.ConsumedAt = &at
	if err := s.write(&consumed); err != nil {
		return err
	}

	if err := fn(ctx); err != nil {
		if rerr := s.write(state); rerr != nil {
			logger.Errorw("failed to restore bootstrap secret after failed consumption, secret stays consumed",
				"path", s.path, "error", rerr)
		}
		return err
	}
	logger.Infow("bootstrap secret consumed", "path", s.path)
	return nil
}

func (s *Store) markConsumed(state *State) error {
	at := s.now().UTC()
	state.Consumed = true
	state.ConsumedAt = &at
	if err := s.write(state); err != nil {
		return err
	}
	logger.Infow("bootstrap secret consumed", "path", s.path)
	return nil
}

func (s *Store) acquire(ctx context.Context) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create bootstrap directory: %w", err)
	}

	s.mu.Lock()
	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()
	locked, err := s.lock.TryLockContext(lockCtx, 50*time.Millisecond)
	if err != nil || !locked {
		s.mu.Unlock()
		if err == nil {
			err = errors.New("timeout")
		}
		return nil, fmt.Errorf("failed to acquire bootstrap lock: %w", err)
	}
	return func() {
		_ = s.lock.Unlock()
		s.mu.Unlock()
	}, nil
}

func (s *Store) read() (*State, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotInitialized
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read bootstrap state: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse bootstrap state: %w", err)
	}
	return &state, nil
}

func (s *Store) write(state *State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode bootstrap state: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write bootstrap state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to persist bootstrap state: %w", err)
	}
	return nil
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// generateSecret returns GeneratedSecretLength base64url characters.
func generateSecret() (string, error) {
	b := make([]byte, GeneratedSecretLength*3/4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate bootstrap secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
