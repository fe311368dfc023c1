// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/toolhive-core/env/mocks"
	"github.com/stacklok/toolhive-core/logging"
)

func TestUnstructuredLogsWithEnv(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		envValue string
		expected bool
	}{
		{"unset", "", true},
		{"true", "true", true},
		{"false", "false", false},
		{"garbage", "yes please", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctrl := gomock.NewController(t)

			mockEnv := mocks.NewMockReader(ctrl)
			mockEnv.EXPECT().Getenv(UnstructuredLogsEnvVar).Return(tt.envValue)

			assert.Equal(t, tt.expected, unstructuredLogsWithEnv(mockEnv))
		})
	}
}

func captureSingleton(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := singleton.Load()
	singleton.Store(logging.New(logging.WithOutput(&buf), logging.WithLevel(slog.LevelDebug)))
	t.Cleanup(func() { singleton.Store(prev) })
	return &buf
}

func TestLevels(t *testing.T) { //nolint:paralleltest // mutates singleton
	tests := []struct {
		name     string
		logFn    func()
		contains string
	}{
		{"Debugf", func() { Debugf("kid %s", "abc") }, "kid abc"},
		{"Debugw", func() { Debugw("jwks fetched", "issuer", "https://idp") }, "jwks fetched"},
		{"Infof", func() { Infof("listening on %s", ":8480") }, "listening on :8480"},
		{"Infow", func() { Infow("purged", "rows", 3) }, "purged"},
		{"Warnf", func() { Warnf("secret %s", "rotated") }, "secret rotated"},
		{"Warnw", func() { Warnw("bootstrap pending", "path", "/tmp") }, "bootstrap pending"},
		{"Errorf", func() { Errorf("failed: %v", "boom") }, "failed: boom"},
		{"Errorw", func() { Errorw("purge failed", "error", "boom") }, "purge failed"},
	}

	for _, tc := range tests { //nolint:paralleltest // mutates singleton
		t.Run(tc.name, func(t *testing.T) {
			buf := captureSingleton(t)
			tc.logFn()
			assert.Contains(t, buf.String(), tc.contains)
		})
	}
}

func TestWith(t *testing.T) { //nolint:paralleltest // mutates singleton
	buf := captureSingleton(t)

	l := With("component", "resolver")
	require.NotNil(t, l)
	l.Info("ready")

	assert.Contains(t, buf.String(), "component")
	assert.Contains(t, buf.String(), "resolver")
}

func TestInitializeWithEnv(t *testing.T) { //nolint:paralleltest // mutates singleton
	for _, value := range []string{"", "true", "false"} {
		t.Run("env="+value, func(t *testing.T) {
			prev := singleton.Load()
			t.Cleanup(func() { singleton.Store(prev) })

			ctrl := gomock.NewController(t)
			mockEnv := mocks.NewMockReader(ctrl)
			mockEnv.EXPECT().Getenv(UnstructuredLogsEnvVar).Return(value)

			InitializeWithEnv(mockEnv)

			got := Get()
			require.NotNil(t, got)
			got.Info("initialized")
		})
	}
}
