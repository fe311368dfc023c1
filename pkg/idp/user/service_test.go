// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package user

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stacklok/toolhive-core/httperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/stacklok/toolhive-idp/pkg/idp/actor"
	"github.com/stacklok/toolhive-idp/pkg/idp/bootstrap"
	"github.com/stacklok/toolhive-idp/pkg/idp/keys"
	"github.com/stacklok/toolhive-idp/pkg/idp/storage"
	"github.com/stacklok/toolhive-idp/pkg/idp/token"
)

const testIssuer = "https://idp.example.com"

type fixture struct {
	svc    *Service
	store  *storage.MemoryStorage
	actors *actor.Directory
	secret string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := storage.NewMemoryStorage()
	t.Cleanup(func() { _ = store.Close() })

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	issuer := token.NewIssuer(&keys.KeyMaterial{PrivateKey: priv, PublicKey: &priv.PublicKey, KeyID: "kid"}, testIssuer, "toolhive", time.Hour)

	bs := bootstrap.NewStore(t.TempDir())
	state, err := bs.LoadOrCreate(context.Background(), "", func(string) {})
	require.NoError(t, err)

	actors := actor.NewDirectory(store)
	return &fixture{
		svc:    NewService(store, actors, bs, issuer, WithHashCost(bcrypt.MinCost)),
		store:  store,
		actors: actors,
		secret: state.Secret,
	}
}

func TestCreateEmbeddedUserValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		in     NewUser
		field  string
		wantOK bool
	}{
		{name: "valid", in: NewUser{Username: "ada.l", Password: "correct horse"}, wantOK: true},
		{name: "short username", in: NewUser{Username: "ab", Password: "correct horse"}, field: "username"},
		{name: "uppercase username", in: NewUser{Username: "Ada", Password: "correct horse"}, field: "username"},
		{name: "double separator", in: NewUser{Username: "ada..l", Password: "correct horse"}, field: "username"},
		{name: "short password", in: NewUser{Username: "ada", Password: "short"}, field: "password"},
		{name: "blank password", in: NewUser{Username: "ada", Password: "          "}, field: "password"},
		{name: "password equals username", in: NewUser{Username: "adalovelace", Password: "AdaLovelace"}, field: "password"},
		{name: "password over bcrypt limit", in: NewUser{Username: "ada", Password: string(make([]byte, 73)) + "x"}, field: "password"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)

			u, err := f.svc.CreateEmbeddedUser(context.Background(), tt.in)
			if tt.wantOK {
				require.NoError(t, err)
				assert.NotEqual(t, []byte(tt.in.Password), u.PasswordHash)
				return
			}
			var pe *PolicyError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.field, pe.Field)
			assert.NotEmpty(t, pe.Reason)
			assert.ErrorIs(t, err, ErrPolicyViolation)
		})
	}
}

func TestCreateEmbeddedUserMirrorsActor(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.CreateEmbeddedUser(ctx, NewUser{Username: "grace", Fullname: " Grace ", Password: "hopper-1906", Admin: true})
	require.NoError(t, err)

	a, err := f.actors.FindByIssuerSubject(ctx, testIssuer, "grace")
	require.NoError(t, err)
	assert.Equal(t, "Grace", a.Fullname)
	assert.True(t, a.HasRole(storage.RoleAdmin))

	_, err = f.svc.CreateEmbeddedUser(ctx, NewUser{Username: "grace", Password: "another-pass"})
	require.ErrorIs(t, err, storage.ErrAlreadyExists)
}

func TestLoginUserFailuresAreIndistinguishable(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	u, err := f.svc.CreateEmbeddedUser(ctx, NewUser{Username: "alan", Password: "enigma-machine"})
	require.NoError(t, err)
	_, err = f.svc.CreateEmbeddedUser(ctx, NewUser{Username: "off", Password: "disabled-pass"})
	require.NoError(t, err)
	off, err := f.svc.GetUserByUsername(ctx, "off")
	require.NoError(t, err)
	now := time.Now()
	_, err = f.svc.DisableUser(ctx, off.ID, &now)
	require.NoError(t, err)

	got, err := f.svc.LoginUser(ctx, "alan", "enigma-machine")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	for _, tc := range []struct{ username, password string }{
		{"alan", "wrong-password"},
		{"nobody", "enigma-machine"},
		{"off", "disabled-pass"},
	} {
		_, err := f.svc.LoginUser(ctx, tc.username, tc.password)
		require.ErrorIs(t, err, ErrBadCredentials, tc.username)
		assert.Equal(t, http.StatusUnauthorized, httperr.Code(err))
		assert.Equal(t, ErrBadCredentials.Error(), err.Error())
	}
}

func TestAdminBootstrap(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	admin := NewUser{Username: "root", Fullname: "Root", Password: "first-admin-pw"}

	_, err := f.svc.AdminBootstrap(ctx, "not-the-secret-at-all", admin)
	require.ErrorIs(t, err, bootstrap.ErrInvalidSecret)

	// A policy failure does not burn the secret.
	_, err = f.svc.AdminBootstrap(ctx, f.secret, NewUser{Username: "root", Password: "short"})
	require.ErrorIs(t, err, ErrPolicyViolation)

	res, err := f.svc.AdminBootstrap(ctx, f.secret, admin)
	require.NoError(t, err)
	assert.True(t, res.User.Admin)
	assert.True(t, res.User.Bootstrap)
	assert.True(t, res.Actor.HasRole(storage.RoleAdmin))
	assert.NotEmpty(t, res.AccessToken)
	assert.Equal(t, int64(3600), res.ExpiresIn)

	_, err = f.svc.AdminBootstrap(ctx, f.secret, NewUser{Username: "root2", Password: "second-admin-pw"})
	require.ErrorIs(t, err, bootstrap.ErrAlreadyConsumed)
}

func TestAdminBootstrapConcurrent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	const callers = 6
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.AdminBootstrap(ctx, f.secret, NewUser{
				Username: "admin" + string(rune('a'+i)),
				Password: "bootstrap-password",
			})
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, bootstrap.ErrAlreadyConsumed):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	users, err := f.store.ListUsers(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 1)
}

func TestAdminOperationsPropagateToActor(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	u, err := f.svc.CreateEmbeddedUser(ctx, NewUser{Username: "linus", Password: "penguin-power"})
	require.NoError(t, err)

	_, err = f.svc.ChangeUserFullname(ctx, u.ID, "Linus T.")
	require.NoError(t, err)
	now := time.Now().UTC()
	_, err = f.svc.DisableUser(ctx, u.ID, &now)
	require.NoError(t, err)

	a, err := f.actors.FindByIssuerSubject(ctx, testIssuer, "linus")
	require.NoError(t, err)
	assert.Equal(t, "Linus T.", a.Fullname)
	assert.True(t, a.IsDisabled())

	_, err = f.svc.DisableUser(ctx, u.ID, nil)
	require.NoError(t, err)
	a, err = f.actors.FindByIssuerSubject(ctx, testIssuer, "linus")
	require.NoError(t, err)
	assert.False(t, a.IsDisabled())

	_, err = f.svc.DisableUser(ctx, "missing", nil)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUserEditsKeepActorRolesAndDisable(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	u, err := f.svc.CreateEmbeddedUser(ctx, NewUser{Username: "margaret", Password: "apollo-guidance", Admin: true})
	require.NoError(t, err)
	a, err := f.actors.FindByIssuerSubject(ctx, testIssuer, "margaret")
	require.NoError(t, err)
	require.True(t, a.HasRole(storage.RoleAdmin))

	_, err = f.actors.SetRoles(ctx, a.ID, nil)
	require.NoError(t, err)
	now := time.Now().UTC()
	_, err = f.actors.Disable(ctx, a.ID, &now)
	require.NoError(t, err)

	_, err = f.svc.ChangeUserFullname(ctx, u.ID, "Margaret H.")
	require.NoError(t, err)
	require.NoError(t, f.svc.ChangeUserPassword(ctx, u.ID, "lunar-module-5"))

	a, err = f.actors.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "Margaret H.", a.Fullname)
	assert.Empty(t, a.RoleKeys())
	assert.True(t, a.IsDisabled())
}

func TestChangePasswords(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	u, err := f.svc.CreateEmbeddedUser(ctx, NewUser{Username: "ken", Password: "unix-forever"})
	require.NoError(t, err)

	require.ErrorIs(t, f.svc.ChangeOwnPassword(ctx, u.ID, "wrong", "plan9-forever"), ErrBadCredentials)
	require.ErrorIs(t, f.svc.ChangeOwnPassword(ctx, u.ID, "unix-forever", "ken"), ErrPolicyViolation)
	require.NoError(t, f.svc.ChangeOwnPassword(ctx, u.ID, "unix-forever", "plan9-forever"))

	_, err = f.svc.LoginUser(ctx, "ken", "plan9-forever")
	require.NoError(t, err)

	require.NoError(t, f.svc.ChangeUserPassword(ctx, u.ID, "reset-by-admin"))
	_, err = f.svc.LoginUser(ctx, "ken", "plan9-forever")
	require.ErrorIs(t, err, ErrBadCredentials)
	_, err = f.svc.LoginUser(ctx, "ken", "reset-by-admin")
	require.NoError(t, err)
}
