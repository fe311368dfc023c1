// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/toolhive-idp/pkg/idp/keys"
)

func newTestIssuer(t *testing.T, now time.Time) (*Issuer, *keys.KeyMaterial) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	km := &keys.KeyMaterial{PrivateKey: priv, PublicKey: &priv.PublicKey, KeyID: "test-kid"}
	return NewIssuer(km, "https://idp.example.com", "toolhive", 30*time.Minute, WithClock(func() time.Time { return now })), km
}

func parse(t *testing.T, km *keys.KeyMaterial, signed string, now time.Time) (*jwt.Token, jwt.MapClaims) {
	t.Helper()
	claims := jwt.MapClaims{}
	tok, err := jwt.NewParser(
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithTimeFunc(func() time.Time { return now }),
	).ParseWithClaims(signed, claims, func(*jwt.Token) (any, error) { return km.PublicKey, nil })
	require.NoError(t, err)
	return tok, claims
}

func TestIssueAccessToken(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_760_000_000, 0)
	issuer, km := newTestIssuer(t, now)

	signed, err := issuer.IssueAccessToken("alice", map[string]any{
		"roles":  []string{"admin"},
		"groups": []any{"a", "b"},
		"admin":  true,
		"level":  3,
		"ratio":  0.5,
		"when":   now,
		"iss":    "https://evil.example.net",
		"exp":    int64(0),
	})
	require.NoError(t, err)

	tok, claims := parse(t, km, signed, now)
	assert.Equal(t, "test-kid", tok.Header["kid"])
	assert.Equal(t, "RS256", tok.Header["alg"])

	assert.Equal(t, "https://idp.example.com", claims["iss"])
	assert.Equal(t, "alice", claims["sub"])
	assert.Equal(t, "toolhive", claims["aud"])
	assert.InDelta(t, float64(now.Unix()), claims["iat"], 0)
	assert.InDelta(t, float64(now.Add(30*time.Minute).Unix()), claims["exp"], 0)
	assert.NotEmpty(t, claims["jti"])

	assert.Equal(t, []any{"admin"}, claims["roles"])
	assert.Equal(t, []any{"a", "b"}, claims["groups"])
	assert.Equal(t, true, claims["admin"])
	assert.InDelta(t, 3.0, claims["level"], 0)
	assert.InDelta(t, 0.5, claims["ratio"], 0)
	assert.IsType(t, "", claims["when"])
}

func TestIssueAccessTokenEmptyRolesEncodeAsList(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_760_000_000, 0)
	issuer, km := newTestIssuer(t, now)

	signed, err := issuer.IssueAccessToken("bob", map[string]any{"roles": []string{}})
	require.NoError(t, err)

	_, claims := parse(t, km, signed, now)
	require.Contains(t, claims, "roles")
	assert.Equal(t, []any{}, claims["roles"])
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   any
		want any
	}{
		{"string", "x", "x"},
		{"bool", false, false},
		{"int", 42, 42},
		{"string list", []string{"a"}, []string{"a"}},
		{"empty string list stays a list", []string{}, []string{}},
		{"nil string list becomes empty", []string(nil), []string{}},
		{"mixed list is stringified", []any{"a", 1}, "[a 1]"},
		{"map is stringified", map[string]int{"a": 1}, "map[a:1]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, normalize(tt.in))
		})
	}
}
