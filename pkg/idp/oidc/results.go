// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oidc

import (
	"net/url"

	"github.com/ory/fosite"
)

// OAuth2 error codes returned by the provider.
var (
	ErrorInvalidRequest          = fosite.ErrInvalidRequest.ErrorField
	ErrorUnauthorizedClient      = fosite.ErrUnauthorizedClient.ErrorField
	ErrorUnsupportedResponseType = fosite.ErrUnsupportedResponseType.ErrorField
	ErrorInvalidScope            = fosite.ErrInvalidScope.ErrorField
	ErrorInvalidClient           = fosite.ErrInvalidClient.ErrorField
	ErrorInvalidGrant            = fosite.ErrInvalidGrant.ErrorField
	ErrorUnsupportedGrantType    = fosite.ErrUnsupportedGrantType.ErrorField
	ErrorServerError             = fosite.ErrServerError.ErrorField
)

// AuthorizeRequest holds the parameters of an authorization request.
type AuthorizeRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
}

// AuthorizeRequestFromValues reads an AuthorizeRequest from query or form values.
func AuthorizeRequestFromValues(v url.Values) AuthorizeRequest {
	return AuthorizeRequest{
		ResponseType:        v.Get("response_type"),
		ClientID:            v.Get("client_id"),
		RedirectURI:         v.Get("redirect_uri"),
		Scope:               v.Get("scope"),
		State:               v.Get("state"),
		CodeChallenge:       v.Get("code_challenge"),
		CodeChallengeMethod: v.Get("code_challenge_method"),
		Nonce:               v.Get("nonce"),
	}
}

// AuthorizeResult is one of AuthorizeValid, AuthorizeRedirectError or AuthorizeFatalError.
type AuthorizeResult interface {
	authorizeResult()
}

// AuthorizeValid means the request was accepted and a context is waiting for login.
type AuthorizeValid struct {
	AuthCtxCode string
	ClientID    string
	ClientName  string
}

// AuthorizeRedirectError is an error that can be reported to the verified redirect URI.
type AuthorizeRedirectError struct {
	RedirectURI string
	Error       string
	Description string
	State       string
}

// Location returns the redirect URI carrying the error, keeping any query it already has.
func (e *AuthorizeRedirectError) Location() string {
	u, err := url.Parse(e.RedirectURI)
	if err != nil {
		return e.RedirectURI
	}
	q := u.Query()
	q.Set("error", e.Error)
	if e.Description != "" {
		q.Set("error_description", e.Description)
	}
	if e.State != "" {
		q.Set("state", e.State)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// AuthorizeFatalError is an error that must not be redirected, because the
// redirect URI could not be verified.
type AuthorizeFatalError struct {
	Error       string
	Description string
}

func (*AuthorizeValid) authorizeResult()         {}
func (*AuthorizeRedirectError) authorizeResult() {}
func (*AuthorizeFatalError) authorizeResult()    {}

// TokenRequest holds the parameters of a token request.
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	ClientID     string
	CodeVerifier string
}

// TokenRequestFromValues reads a TokenRequest from form values.
func TokenRequestFromValues(v url.Values) TokenRequest {
	return TokenRequest{
		GrantType:    v.Get("grant_type"),
		Code:         v.Get("code"),
		RedirectURI:  v.Get("redirect_uri"),
		ClientID:     v.Get("client_id"),
		CodeVerifier: v.Get("code_verifier"),
	}
}

// TokenResult is either TokenSuccess or TokenError.
type TokenResult interface {
	tokenResult()
}

// TokenSuccess is the body of a successful token response.
type TokenSuccess struct {
	AccessToken string `json:"access_token"`
	IDToken     string `json:"id_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope,omitempty"`
}

// TokenError is an OAuth2 error response with its HTTP status.
type TokenError struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
	Status      int    `json:"-"`
}

func (*TokenSuccess) tokenResult() {}
func (*TokenError) tokenResult()   {}

// tokenError takes the code and status from the fosite error.
func tokenError(e *fosite.RFC6749Error, description string) *TokenError {
	return &TokenError{Error: e.ErrorField, Description: description, Status: e.CodeField}
}
