// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authn

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/toolhive-idp/pkg/idp/actor"
	"github.com/stacklok/toolhive-idp/pkg/idp/jwtverify"
	"github.com/stacklok/toolhive-idp/pkg/idp/storage"
)

const (
	internalIssuer = "https://idp.example.com"
	externalIssuer = "https://accounts.example.org"
)

type verifierFunc func(ctx context.Context, token string) (*jwtverify.Principal, error)

func (f verifierFunc) Verify(ctx context.Context, token string) (*jwtverify.Principal, error) {
	return f(ctx, token)
}

// tokens maps a bearer value to the principal it verifies as.
func fakeVerifier(tokens map[string]*jwtverify.Principal) Verifier {
	return verifierFunc(func(_ context.Context, token string) (*jwtverify.Principal, error) {
		p, ok := tokens[token]
		if !ok {
			return nil, jwtverify.ErrInvalidToken
		}
		return p, nil
	})
}

func newTestExtractor(t *testing.T) (*Extractor, *actor.Directory) {
	t.Helper()
	store := storage.NewMemoryStorage()
	t.Cleanup(func() { _ = store.Close() })
	actors := actor.NewDirectory(store)

	ctx := context.Background()
	_, err := actors.Create(ctx, internalIssuer, "admin", "Admin", "", []string{storage.RoleAdmin})
	require.NoError(t, err)
	off, err := actors.Create(ctx, internalIssuer, "off", "", "", nil)
	require.NoError(t, err)
	now := time.Now()
	_, err = actors.Disable(ctx, off.ID, &now)
	require.NoError(t, err)

	return NewExtractor(fakeVerifier(map[string]*jwtverify.Principal{
		"admin-token":    {Issuer: internalIssuer, Subject: "admin"},
		"off-token":      {Issuer: internalIssuer, Subject: "off"},
		"ghost-token":    {Issuer: internalIssuer, Subject: "ghost"},
		"external-token": {Issuer: externalIssuer, Subject: "ext-1", Name: "Ext", External: true},
	}), actors), actors
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		token     string
		wantErr   error
		wantAdmin bool
	}{
		{name: "internal admin", token: "admin-token", wantAdmin: true},
		{name: "external principal is synced", token: "external-token"},
		{name: "disabled actor", token: "off-token", wantErr: actor.ErrDisabled},
		{name: "unknown internal subject", token: "ghost-token", wantErr: ErrUnauthenticated},
		{name: "bad token", token: "garbage", wantErr: ErrUnauthenticated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e, actors := newTestExtractor(t)

			p, err := e.Authenticate(context.Background(), tt.token)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantAdmin, p.IsAdmin())

			got, err := actors.FindByIssuerSubject(context.Background(), p.Actor.Issuer, p.Actor.Subject)
			require.NoError(t, err)
			assert.Equal(t, p.Actor.ID, got.ID)
		})
	}
}

func TestBearerToken(t *testing.T) {
	t.Parallel()

	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer abc", "abc", true},
		{"Basic abc", "", false},
		{"Bearer ", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			r.Header.Set("Authorization", tt.header)
		}
		got, ok := BearerToken(r)
		assert.Equal(t, tt.ok, ok, tt.header)
		assert.Equal(t, tt.want, got, tt.header)
	}
}

func TestMiddleware(t *testing.T) {
	t.Parallel()

	e, _ := newTestExtractor(t)
	handler := e.Middleware(RequireAdmin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFrom(r.Context())
		require.True(t, ok)
		_, _ = w.Write([]byte(p.Actor.Subject))
	})))

	tests := []struct {
		token string
		want  int
	}{
		{"admin-token", http.StatusOK},
		{"external-token", http.StatusForbidden},
		{"off-token", http.StatusForbidden},
		{"garbage", http.StatusUnauthorized},
		{"", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.token != "" {
			r.Header.Set("Authorization", "Bearer "+tt.token)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, r)
		assert.Equal(t, tt.want, rec.Code, tt.token)
	}
}
