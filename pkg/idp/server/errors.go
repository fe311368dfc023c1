// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/stacklok/toolhive-core/httperr"

	"github.com/stacklok/toolhive-idp/pkg/idp/actor"
	"github.com/stacklok/toolhive-idp/pkg/idp/authn"
	"github.com/stacklok/toolhive-idp/pkg/idp/bootstrap"
	"github.com/stacklok/toolhive-idp/pkg/idp/storage"
	"github.com/stacklok/toolhive-idp/pkg/idp/user"
	"github.com/stacklok/toolhive-idp/pkg/logger"
)

// codedErrors are sentinels that keep their status when wrapped.
var codedErrors = []error{
	storage.ErrNotFound,
	storage.ErrAlreadyExists,
	user.ErrPolicyViolation,
	user.ErrBadCredentials,
	actor.ErrDisabled,
	actor.ErrInvalidActor,
	bootstrap.ErrNotInitialized,
	bootstrap.ErrAlreadyConsumed,
	bootstrap.ErrInvalidSecret,
	authn.ErrMissingToken,
	authn.ErrUnauthenticated,
	authn.ErrForbidden,
}

// statusCode returns the HTTP status carried by err or a sentinel it wraps.
func statusCode(err error) int {
	for _, known := range codedErrors {
		if errors.Is(err, known) {
			return httperr.Code(known)
		}
	}
	return httperr.Code(err)
}

// HandlerWithError is an HTTP handler that can return an error.
type HandlerWithError func(http.ResponseWriter, *http.Request) error

// errorBody is the JSON body of every non-OAuth error response.
type errorBody struct {
	Error string `json:"error"`
}

// ErrorHandler converts errors returned by fn into JSON responses. The
// status comes from httperr.Code; 5xx details are logged, not returned.
func ErrorHandler(fn HandlerWithError) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := fn(w, r)
		if err == nil {
			return
		}

		code := statusCode(err)
		if code >= http.StatusInternalServerError {
			logger.Errorw("internal server error", "path", r.URL.Path, "error", err)
			writeJSON(w, code, errorBody{Error: http.StatusText(code)})
			return
		}
		writeJSON(w, code, errorBody{Error: err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Errorw("failed to encode response", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return httperr.WithCode(err, http.StatusBadRequest)
	}
	return nil
}
