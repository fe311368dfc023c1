// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oidc

import (
	"strings"

	"github.com/go-jose/go-jose/v4"

	"github.com/stacklok/toolhive-idp/pkg/idp/keys"
	"github.com/stacklok/toolhive-idp/pkg/idp/storage"
)

// DiscoveryDocument is the OpenID Provider Metadata served at the well-known path.
type DiscoveryDocument struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	UserinfoEndpoint                  string   `json:"userinfo_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	ScopesSupported                   []string `json:"scopes_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	ClaimsSupported                   []string `json:"claims_supported"`
}

// Discovery returns the provider metadata.
func (p *Provider) Discovery() *DiscoveryDocument {
	issuer := p.tokens.Issuer()
	o := p.cfg.OIDC
	return &DiscoveryDocument{
		Issuer:                            issuer,
		AuthorizationEndpoint:             endpoint(issuer, o.AuthorizePath),
		TokenEndpoint:                     endpoint(issuer, o.TokenPath),
		UserinfoEndpoint:                  endpoint(issuer, o.UserinfoPath),
		JWKSURI:                           endpoint(issuer, o.JWKSPath),
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code"},
		SubjectTypesSupported:             []string{"public"},
		IDTokenSigningAlgValuesSupported:  []string{keys.Algorithm},
		ScopesSupported:                   []string{"openid", "profile", "email"},
		TokenEndpointAuthMethodsSupported: []string{"none"},
		CodeChallengeMethodsSupported:     []string{storage.PKCEMethodS256},
		ClaimsSupported:                   []string{"iss", "sub", "aud", "iat", "exp", "auth_time", "nonce", "name", "email", "roles"},
	}
}

// JWKS returns the active public key as a key set.
func (p *Provider) JWKS() *jose.JSONWebKeySet {
	return p.keys.PublicJWKS()
}

func endpoint(issuer, path string) string {
	return strings.TrimSuffix(issuer, "/") + "/" + strings.TrimPrefix(path, "/")
}
