// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreate_GeneratesAndPersists(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	first, err := NewRegistry(dir).LoadOrCreate(t.Context())
	require.NoError(t, err)
	require.NotNil(t, first.PrivateKey)
	assert.GreaterOrEqual(t, first.PrivateKey.N.BitLen(), MinRSAKeyBits)
	assert.NotEmpty(t, first.KeyID)

	for _, name := range []string{PrivateKeyFile, PublicKeyFile, KeyIDFile} {
		assert.FileExists(t, filepath.Join(dir, name))
	}
	info, err := os.Stat(filepath.Join(dir, PrivateKeyFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, err := NewRegistry(dir).LoadOrCreate(t.Context())
	require.NoError(t, err)
	assert.Equal(t, first.KeyID, second.KeyID)
	assert.True(t, first.PrivateKey.Equal(second.PrivateKey))
}

func TestLoadOrCreate_KeyIDIsThumbprint(t *testing.T) {
	t.Parallel()

	material, err := NewRegistry(t.TempDir()).LoadOrCreate(t.Context())
	require.NoError(t, err)

	expected, err := DeriveKeyID(material.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, expected, material.KeyID)
}

func TestLoadOrCreate_RestoresMissingPublicFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	original, err := NewRegistry(dir).LoadOrCreate(t.Context())
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(dir, PublicKeyFile)))
	require.NoError(t, os.Remove(filepath.Join(dir, KeyIDFile)))

	restored, err := NewRegistry(dir).LoadOrCreate(t.Context())
	require.NoError(t, err)
	assert.Equal(t, original.KeyID, restored.KeyID)
	assert.FileExists(t, filepath.Join(dir, PublicKeyFile))

	kid, err := os.ReadFile(filepath.Join(dir, KeyIDFile))
	require.NoError(t, err)
	assert.Equal(t, original.KeyID, strings.TrimSpace(string(kid)))
}

func TestLoadOrCreate_LoadsPKCS1(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	require.NoError(t, os.WriteFile(filepath.Join(dir, PrivateKeyFile), pemBytes, 0o600))

	material, err := NewRegistry(dir).LoadOrCreate(t.Context())
	require.NoError(t, err)
	assert.True(t, priv.Equal(material.PrivateKey))
}

func TestLoadOrCreate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		setup   func(t *testing.T, dir string)
		opts    []Option
		wantErr string
	}{
		{
			name:    "key size below minimum",
			opts:    []Option{WithKeyBits(1024)},
			wantErr: "below the minimum",
		},
		{
			name: "garbage private key",
			setup: func(t *testing.T, dir string) {
				t.Helper()
				require.NoError(t, os.WriteFile(filepath.Join(dir, PrivateKeyFile), []byte("not pem"), 0o600))
			},
			wantErr: "no PEM block",
		},
		{
			name: "mismatched public key",
			setup: func(t *testing.T, dir string) {
				t.Helper()
				_, err := NewRegistry(dir).LoadOrCreate(t.Context())
				require.NoError(t, err)

				other, err := rsa.GenerateKey(rand.Reader, 2048)
				require.NoError(t, err)
				der, err := x509.MarshalPKIXPublicKey(&other.PublicKey)
				require.NoError(t, err)
				require.NoError(t, os.WriteFile(filepath.Join(dir, PublicKeyFile),
					pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0o644))
			},
			wantErr: ErrKeyMismatch.Error(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			if tt.setup != nil {
				tt.setup(t, dir)
			}

			_, err := NewRegistry(dir, tt.opts...).LoadOrCreate(t.Context())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestPublicJWKS(t *testing.T) {
	t.Parallel()

	material, err := NewRegistry(t.TempDir()).LoadOrCreate(t.Context())
	require.NoError(t, err)

	set := material.PublicJWKS()
	require.Len(t, set.Keys, 1)

	key := set.Keys[0]
	assert.Equal(t, material.KeyID, key.KeyID)
	assert.Equal(t, Algorithm, key.Algorithm)
	assert.Equal(t, "sig", key.Use)
	assert.True(t, key.IsPublic())

	data, err := key.MarshalJSON()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"kty":"RSA"`)
	assert.NotContains(t, string(data), `"d":`)
}
