// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oidc

import (
	"context"
	"time"

	"github.com/stacklok/toolhive-idp/pkg/idp/storage"
	"github.com/stacklok/toolhive-idp/pkg/logger"
)

// RunPurger removes expired contexts and codes every interval until ctx is done.
func RunPurger(ctx context.Context, store storage.AuthStore, interval time.Duration, now func() time.Time) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.PurgeExpired(ctx, now())
			if err != nil {
				logger.Warnw("failed to purge expired authorization state", "error", err)
				continue
			}
			if n > 0 {
				logger.Debugw("purged expired authorization state", "count", n)
			}
		}
	}
}
