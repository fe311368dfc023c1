// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package keys manages the RSA signing keypair of the internal issuer.
//
// The keypair and its key identifier are persisted as three files in the
// data directory and reloaded on every start. There is no runtime rotation:
// replacing the files and restarting is the supported way to change keys.
package keys

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/gofrs/flock"

	"github.com/stacklok/toolhive-idp/pkg/logger"
)

// File names inside the data directory.
const (
	PrivateKeyFile = "jwt-private.pem"
	PublicKeyFile  = "jwt-public.pem"
	KeyIDFile      = "jwt.kid"
	lockFile       = ".jwt.lock"
)

const (
	// Algorithm is the only algorithm the internal issuer signs with.
	Algorithm = "RS256"
	// MinRSAKeyBits is the smallest key size accepted on load or generation.
	MinRSAKeyBits = 2048
	// DefaultRSAKeyBits is the size of generated keys.
	DefaultRSAKeyBits = 2048

	lockTimeout = 10 * time.Second
)

// ErrKeyMismatch is returned when the persisted public key does not belong to the private key.
var ErrKeyMismatch = errors.New("persisted public key does not match private key")

// KeyMaterial is the active signing keypair. It is immutable once loaded.
type KeyMaterial struct {
	PrivateKey *rsa.PrivateKey
	PublicKey  *rsa.PublicKey
	KeyID      string
}

// PublicJWK returns the public half in RFC 7517 form.
func (m *KeyMaterial) PublicJWK() jose.JSONWebKey {
	return jose.JSONWebKey{
		Key:       m.PublicKey,
		KeyID:     m.KeyID,
		Algorithm: Algorithm,
		Use:       "sig",
	}
}

// PublicJWKS returns a key set holding the single active public key.
func (m *KeyMaterial) PublicJWKS() *jose.JSONWebKeySet {
	return &jose.JSONWebKeySet{Keys: []jose.JSONWebKey{m.PublicJWK()}}
}

// Registry loads or creates the keypair in a directory.
type Registry struct {
	dir  string
	bits int
}

// Option configures a Registry.
type Option func(*Registry)

// WithKeyBits sets the size of generated keys.
func WithKeyBits(bits int) Option {
	return func(r *Registry) { r.bits = bits }
}

// NewRegistry returns a Registry rooted at dir.
func NewRegistry(dir string, opts ...Option) *Registry {
	r := &Registry{dir: dir, bits: DefaultRSAKeyBits}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// LoadOrCreate returns the persisted keypair, generating and persisting a new
// one when no private key exists. A private key with missing public key or
// kid files is completed from the private key.
func (r *Registry) LoadOrCreate(ctx context.Context) (*KeyMaterial, error) {
	if r.bits < MinRSAKeyBits {
		return nil, fmt.Errorf("RSA key size %d is below the minimum of %d bits", r.bits, MinRSAKeyBits)
	}
	if err := os.MkdirAll(r.dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}

	lock := flock.New(filepath.Join(r.dir, lockFile))
	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()
	locked, err := lock.TryLockContext(lockCtx, 100*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire key lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("failed to acquire key lock: timeout")
	}
	defer func() { _ = lock.Unlock() }()

	priv, err := r.readPrivateKey()
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return r.create()
	case err != nil:
		return nil, err
	}
	return r.complete(priv)
}

func (r *Registry) create() (*KeyMaterial, error) {
	priv, err := rsa.GenerateKey(rand.Reader, r.bits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}
	kid, err := DeriveKeyID(&priv.PublicKey)
	if err != nil {
		return nil, err
	}

	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to encode private key: %w", err)
	}
	if err := writeFile(r.path(PrivateKeyFile), pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), 0o600); err != nil {
		return nil, err
	}
	if err := r.writePublic(&priv.PublicKey, kid); err != nil {
		return nil, err
	}

	logger.Infow("generated signing key", "kid", kid, "bits", r.bits)
	return &KeyMaterial{PrivateKey: priv, PublicKey: &priv.PublicKey, KeyID: kid}, nil
}

func (r *Registry) complete(priv *rsa.PrivateKey) (*KeyMaterial, error) {
	kid, err := DeriveKeyID(&priv.PublicKey)
	if err != nil {
		return nil, err
	}

	pub, pubErr := r.readPublicKey()
	storedKID, kidErr := os.ReadFile(r.path(KeyIDFile))
	if errors.Is(pubErr, fs.ErrNotExist) || errors.Is(kidErr, fs.ErrNotExist) {
		logger.Warnw("signing key files incomplete, restoring from private key", "dir", r.dir)
		if err := r.writePublic(&priv.PublicKey, kid); err != nil {
			return nil, err
		}
		return &KeyMaterial{PrivateKey: priv, PublicKey: &priv.PublicKey, KeyID: kid}, nil
	}
	if pubErr != nil {
		return nil, pubErr
	}
	if kidErr != nil {
		return nil, fmt.Errorf("failed to read key id: %w", kidErr)
	}
	if !priv.PublicKey.Equal(pub) {
		return nil, ErrKeyMismatch
	}

	persisted := strings.TrimSpace(string(storedKID))
	if persisted == "" {
		return nil, fmt.Errorf("key id file %s is empty", r.path(KeyIDFile))
	}
	logger.Debugw("loaded signing key", "kid", persisted)
	return &KeyMaterial{PrivateKey: priv, PublicKey: &priv.PublicKey, KeyID: persisted}, nil
}

func (r *Registry) writePublic(pub *rsa.PublicKey, kid string) error {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return fmt.Errorf("failed to encode public key: %w", err)
	}
	if err := writeFile(r.path(PublicKeyFile), pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0o644); err != nil {
		return err
	}
	return writeFile(r.path(KeyIDFile), []byte(kid+"\n"), 0o644)
}

func (r *Registry) readPrivateKey() (*rsa.PrivateKey, error) {
	block, err := readPEM(r.path(PrivateKeyFile))
	if err != nil {
		return nil, err
	}

	var key any
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported private key PEM type %q", block.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is %T, expected RSA", key)
	}
	if bits := rsaKey.N.BitLen(); bits < MinRSAKeyBits {
		return nil, fmt.Errorf("RSA key size %d is below the minimum of %d bits", bits, MinRSAKeyBits)
	}
	return rsaKey, nil
}

func (r *Registry) readPublicKey() (*rsa.PublicKey, error) {
	block, err := readPEM(r.path(PublicKeyFile))
	if err != nil {
		return nil, err
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is %T, expected RSA", key)
	}
	return rsaKey, nil
}

func (r *Registry) path(name string) string {
	return filepath.Join(r.dir, name)
}

// DeriveKeyID computes the RFC 7638 JWK thumbprint of a public key.
func DeriveKeyID(pub crypto.PublicKey) (string, error) {
	thumbprint, err := (&jose.JSONWebKey{Key: pub}).Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("failed to compute key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(thumbprint), nil
}

func readPEM(path string) (*pem.Block, error) {
	// #nosec G304 - path is built from the configured data directory
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in %s", path)
	}
	return block, nil
}

// writeFile replaces path atomically via a temporary file in the same directory.
func writeFile(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("failed to set permissions on %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to persist %s: %w", path, err)
	}
	return nil
}
