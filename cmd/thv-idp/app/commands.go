// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the thv-idp command-line application.
package app

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/toolhive-idp/pkg/idp/config"
	"github.com/stacklok/toolhive-idp/pkg/idp/keys"
	"github.com/stacklok/toolhive-idp/pkg/logger"
	"github.com/stacklok/toolhive-idp/pkg/versions"
)

// envPrefix combines with the "idp." key namespace into THV_IDP_*.
const envPrefix = "THV"

// NewRootCmd creates a new root command for the thv-idp CLI.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "thv-idp",
		DisableAutoGenTag: true,
		Short:             "Embedded OpenID Connect identity provider",
		Long: `thv-idp is a small OpenID Connect provider for ToolHive.

It issues RS256 tokens through the authorization code flow with PKCE, manages
local user accounts, and verifies bearer tokens from its own issuer and from
configured external issuers.`,
		Run: func(cmd *cobra.Command, _ []string) {
			// If no subcommand is provided, print help
			if err := cmd.Help(); err != nil {
				logger.Errorf("Error displaying help: %v", err)
			}
		},
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if err := initViper(viper.GetViper()); err != nil {
				return err
			}
			logger.Initialize()
			return nil
		},
	}

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to a YAML or JSON configuration file")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		logger.Errorf("Error binding config flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newKeysCmd())
	rootCmd.AddCommand(newVersionCmd())

	// Silence printing the usage on error
	rootCmd.SilenceUsage = true

	return rootCmd
}

// initViper reads environment variables and the optional config file into v.
func initViper(v *viper.Viper) error {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}
	return nil
}

// loadConfig resolves and validates the configuration.
func loadConfig(r config.PropertyReader) (*config.Config, error) {
	cfg, err := config.Load(r)
	if err != nil {
		return nil, fmt.Errorf("configuration loading failed: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return cfg, nil
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		Long: `Load the configuration from the config file and THV_IDP_* environment
variables and report the first fatal problem, without starting the server.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := loadConfig(viper.GetViper())
			if err != nil {
				return err
			}
			logger.Infow("configuration is valid",
				"issuer", cfg.JWT.Issuer,
				"audience", cfg.JWT.Audience,
				"clients", len(cfg.Clients),
				"external_issuers", len(cfg.ExternalIssuers),
				"storage", cfg.Storage.Type,
				"redis", cfg.Storage.Redis != nil)
			return nil
		},
	}
}

func newKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "Print the active signing key",
		Long: `Load the signing keypair from the data directory, generating it on first
use, and print its key ID and public JWKS.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			km, err := keys.NewRegistry(cfg.DataDir).LoadOrCreate(cmd.Context())
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(km.PublicJWKS(), "", "  ")
			if err != nil {
				return fmt.Errorf("failed to encode JWKS: %w", err)
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "kid: %s\n%s\n", km.KeyID, data)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := versions.GetVersionInfo()
			out := cmd.OutOrStdout()
			if asJSON {
				return json.NewEncoder(out).Encode(info)
			}
			_, _ = fmt.Fprintf(out, "thv-idp %s\nCommit: %s\nBuilt: %s\nGo: %s\nPlatform: %s\n",
				info.Version, info.Commit, info.BuildDate, info.GoVersion, info.Platform)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")
	return cmd
}
