// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"

	"golang.org/x/time/rate"

	"github.com/stacklok/toolhive-idp/pkg/logger"
)

// Password-checking endpoints share one limiter across all callers.
const credentialRate rate.Limit = 20

const credentialBurst = 40

// limit rejects requests with 429 once l is exhausted.
func limit(l *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow() {
				logger.Warnw("credential endpoint rate limited", "path", r.URL.Path)
				w.Header().Set("Retry-After", "1")
				writeJSON(w, http.StatusTooManyRequests, errorBody{Error: http.StatusText(http.StatusTooManyRequests)})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
