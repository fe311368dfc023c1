// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oidc

import (
	"slices"

	"github.com/ory/fosite"

	"github.com/stacklok/toolhive-idp/pkg/idp/config"
)

// Client is a registered public client.
type Client struct {
	*fosite.DefaultClient
	Name string
}

// NewClient returns a public client allowed to use the authorization code flow.
func NewClient(cfg config.ClientConfig) *Client {
	name := cfg.Name
	if name == "" {
		name = cfg.ID
	}
	return &Client{
		DefaultClient: &fosite.DefaultClient{
			ID:            cfg.ID,
			RedirectURIs:  slices.Clone(cfg.RedirectURIs),
			GrantTypes:    fosite.Arguments{"authorization_code"},
			ResponseTypes: fosite.Arguments{"code"},
			Scopes:        fosite.Arguments{"openid", "profile", "email"},
			Public:        true,
		},
		Name: name,
	}
}

// allowsCodeFlow reports whether the client may request codes and redeem them.
func (c *Client) allowsCodeFlow() bool {
	return fosite.Arguments(c.GetResponseTypes()).Has("code") &&
		fosite.Arguments(c.GetGrantTypes()).Has("authorization_code")
}

// hasRedirectURI compares redirectURI with the registered URIs exactly.
func (c *Client) hasRedirectURI(redirectURI string) bool {
	return slices.Contains(c.GetRedirectURIs(), redirectURI)
}

// ClientRegistry holds the statically configured clients.
type ClientRegistry struct {
	clients map[string]*Client
}

// NewClientRegistry builds a registry from configuration.
func NewClientRegistry(cfgs []config.ClientConfig) *ClientRegistry {
	r := &ClientRegistry{clients: make(map[string]*Client, len(cfgs))}
	for _, cfg := range cfgs {
		r.clients[cfg.ID] = NewClient(cfg)
	}
	return r
}

// Get returns the client with id.
func (r *ClientRegistry) Get(id string) (*Client, bool) {
	c, ok := r.clients[id]
	return c, ok
}
