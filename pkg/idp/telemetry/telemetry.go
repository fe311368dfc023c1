// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package telemetry defines the OpenTelemetry instruments of the identity provider.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "github.com/stacklok/toolhive-idp"

// Outcome labels shared by all counters.
const (
	OutcomeSuccess = "success"
)

// UnknownClient labels requests whose client_id is not registered, keeping
// the client_id series bounded by configuration.
const UnknownClient = "unknown"

// Metrics holds the counters. A nil *Metrics records nothing.
type Metrics struct {
	authorizeRequests  metric.Int64Counter
	tokenRequests      metric.Int64Counter
	logins             metric.Int64Counter
	tokenVerifications metric.Int64Counter
	jwksFetches        metric.Int64Counter
}

// NewMetrics creates the instruments on the given provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(instrumentationName)

	authorizeRequests, err := meter.Int64Counter(
		"idp_authorize_requests",
		metric.WithDescription("Authorization requests by outcome"))
	if err != nil {
		return nil, fmt.Errorf("failed to create authorize counter: %w", err)
	}
	tokenRequests, err := meter.Int64Counter(
		"idp_token_requests",
		metric.WithDescription("Token endpoint requests by outcome"))
	if err != nil {
		return nil, fmt.Errorf("failed to create token counter: %w", err)
	}
	logins, err := meter.Int64Counter(
		"idp_logins",
		metric.WithDescription("Password logins by outcome"))
	if err != nil {
		return nil, fmt.Errorf("failed to create login counter: %w", err)
	}
	tokenVerifications, err := meter.Int64Counter(
		"idp_token_verifications",
		metric.WithDescription("Bearer token verifications by issuer and outcome"))
	if err != nil {
		return nil, fmt.Errorf("failed to create verification counter: %w", err)
	}
	jwksFetches, err := meter.Int64Counter(
		"idp_jwks_fetches",
		metric.WithDescription("Upstream JWKS fetches by issuer and outcome"))
	if err != nil {
		return nil, fmt.Errorf("failed to create jwks fetch counter: %w", err)
	}

	return &Metrics{
		authorizeRequests:  authorizeRequests,
		tokenRequests:      tokenRequests,
		logins:             logins,
		tokenVerifications: tokenVerifications,
		jwksFetches:        jwksFetches,
	}, nil
}

// NewNoopMetrics returns Metrics backed by a no-op provider.
func NewNoopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider())
	return m
}

// RecordAuthorize counts an authorization request.
func (m *Metrics) RecordAuthorize(ctx context.Context, clientID, outcome string) {
	if m == nil {
		return
	}
	m.authorizeRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("outcome", outcome),
	))
}

// RecordToken counts a token request.
func (m *Metrics) RecordToken(ctx context.Context, clientID, outcome string) {
	if m == nil {
		return
	}
	m.tokenRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("outcome", outcome),
	))
}

// RecordLogin counts a password login.
func (m *Metrics) RecordLogin(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.logins.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordVerification counts a bearer token verification.
func (m *Metrics) RecordVerification(ctx context.Context, issuer, outcome string) {
	if m == nil {
		return
	}
	m.tokenVerifications.Add(ctx, 1, metric.WithAttributes(
		attribute.String("issuer", issuer),
		attribute.String("outcome", outcome),
	))
}

// RecordJWKSFetch counts an upstream JWKS fetch.
func (m *Metrics) RecordJWKSFetch(ctx context.Context, issuer, outcome string) {
	if m == nil {
		return
	}
	m.jwksFetches.Add(ctx, 1, metric.WithAttributes(
		attribute.String("issuer", issuer),
		attribute.String("outcome", outcome),
	))
}
