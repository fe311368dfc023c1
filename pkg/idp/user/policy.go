// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package user

import (
	"errors"
	"net/http"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/stacklok/toolhive-core/httperr"
)

const (
	MinUsernameLength = 3
	MaxUsernameLength = 32
	MinPasswordLength = 8
	// MaxPasswordLength is the bcrypt input limit in bytes.
	MaxPasswordLength = 72
	MaxFullnameLength = 128
)

var usernamePattern = regexp.MustCompile(`^[a-z][a-z0-9]*(?:[._-][a-z0-9]+)*$`)

// ErrPolicyViolation is wrapped by every PolicyError.
var ErrPolicyViolation = httperr.WithCode(errors.New("policy violation"), http.StatusBadRequest)

// PolicyError reports why a username, password or name was rejected.
type PolicyError struct {
	Field  string
	Reason string
}

func (e *PolicyError) Error() string {
	return e.Field + ": " + e.Reason
}

func (*PolicyError) Unwrap() error { return ErrPolicyViolation }

func violation(field, reason string) error {
	return &PolicyError{Field: field, Reason: reason}
}

// ValidateUsername checks the username format.
func ValidateUsername(username string) error {
	switch n := len(username); {
	case n < MinUsernameLength:
		return violation("username", "must be at least 3 characters")
	case n > MaxUsernameLength:
		return violation("username", "must be at most 32 characters")
	}
	if !usernamePattern.MatchString(username) {
		return violation("username", "must start with a lowercase letter and contain only lowercase letters, digits and single '.', '_' or '-' separators")
	}
	return nil
}

// ValidatePassword checks password against the password policy.
func ValidatePassword(username, password string) error {
	switch {
	case utf8.RuneCountInString(password) < MinPasswordLength:
		return violation("password", "must be at least 8 characters")
	case len(password) > MaxPasswordLength:
		return violation("password", "must be at most 72 bytes")
	case strings.TrimSpace(password) == "":
		return violation("password", "must not be blank")
	case username != "" && strings.EqualFold(password, username):
		return violation("password", "must differ from the username")
	}
	return nil
}

// NormalizeFullname trims fullname and checks its length.
func NormalizeFullname(fullname string) (string, error) {
	fullname = strings.TrimSpace(fullname)
	if utf8.RuneCountInString(fullname) > MaxFullnameLength {
		return "", violation("fullname", "must be at most 128 characters")
	}
	return fullname, nil
}
