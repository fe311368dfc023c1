// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package jwtverify

import "errors"

// Verification failures. Every error returned by this package wraps exactly one of them.
var (
	ErrMalformedToken       = errors.New("malformed token")
	ErrMissingIssuer        = errors.New("token has no issuer")
	ErrMissingAlgorithm     = errors.New("token has no algorithm")
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
	ErrUnknownIssuer        = errors.New("unknown issuer")
	ErrMissingKeyID         = errors.New("token has no key id")
	ErrUnknownKeyID         = errors.New("unknown key id")
	ErrJWKSFetch            = errors.New("failed to fetch JWKS")
	ErrJWKSParse            = errors.New("failed to parse JWKS")
	ErrUnsupportedKeyType   = errors.New("unsupported key type")
	ErrInvalidToken         = errors.New("invalid token signature or claims")
	ErrAudienceMismatch     = errors.New("audience mismatch")
)

var kinds = []struct {
	err  error
	kind string
}{
	{ErrMalformedToken, "malformed_token"},
	{ErrMissingIssuer, "missing_issuer"},
	{ErrMissingAlgorithm, "missing_algorithm"},
	{ErrUnsupportedAlgorithm, "unsupported_algorithm"},
	{ErrUnknownIssuer, "unknown_issuer"},
	{ErrMissingKeyID, "missing_kid"},
	{ErrUnknownKeyID, "unknown_kid"},
	{ErrJWKSFetch, "jwks_fetch"},
	{ErrJWKSParse, "jwks_parse"},
	{ErrUnsupportedKeyType, "unsupported_key_type"},
	{ErrInvalidToken, "invalid_token"},
	{ErrAudienceMismatch, "audience_mismatch"},
}

// Kind returns a stable label for the failure wrapped by err, for logs and
// metrics. It returns "success" for nil and "internal" for foreign errors.
func Kind(err error) string {
	if err == nil {
		return "success"
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "internal"
}
