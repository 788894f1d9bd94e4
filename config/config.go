// Copyright (C) 2025 The Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

// Package config loads the SDK Facade's configuration from YAML files,
// .env files and environment variables, in that order of increasing
// priority: a .env entry never overrides a variable already set in the
// process environment.
package config

import "time"

// Config is the root configuration for an SDK Facade instance.
type Config struct {
	Environment string `yaml:"environment"`

	Relay      RelayConfig      `yaml:"relay"`
	Keystore   KeystoreConfig   `yaml:"keystore"`
	Bootstrap  BootstrapConfig  `yaml:"bootstrap"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// RelayConfig points the Relay Client at a star-topology relay and bounds
// its connection behavior.
type RelayConfig struct {
	HTTPBaseURL       string        `yaml:"http_base_url"`
	WSBaseURL         string        `yaml:"ws_base_url"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ReconnectMinDelay time.Duration `yaml:"reconnect_min_delay"`
	ReconnectMaxDelay time.Duration `yaml:"reconnect_max_delay"`
	MaxQueueDepth     int           `yaml:"max_queue_depth"`
}

// KeystoreConfig selects and configures the Keystore backend.
type KeystoreConfig struct {
	// Backend is one of "memory", "filesystem", "browser-local".
	Backend       string `yaml:"backend"`
	Directory     string `yaml:"directory"`
	PassphraseEnv string `yaml:"passphrase_env"`
}

// BootstrapConfig bounds the Session Bootstrap's admission polling.
type BootstrapConfig struct {
	AdmissionPollInitial time.Duration `yaml:"admission_poll_initial"`
	AdmissionPollMax     time.Duration `yaml:"admission_poll_max"`
	AdmissionPollTimeout time.Duration `yaml:"admission_poll_timeout"`
}

// LoggingConfig configures internal/logger's default logger.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`
	Output      string `yaml:"output"`
	FilePath    string `yaml:"file_path"`
	PrettyPrint bool   `yaml:"pretty_print"`
}

// MetricsConfig controls the optional internal/metrics HTTP server.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

// setDefaults fills in zero-valued fields with sane operating defaults.
func setDefaults(cfg *Config) {
	if cfg.Relay.DialTimeout == 0 {
		cfg.Relay.DialTimeout = 10 * time.Second
	}
	if cfg.Relay.RequestTimeout == 0 {
		cfg.Relay.RequestTimeout = 15 * time.Second
	}
	if cfg.Relay.HeartbeatInterval == 0 {
		cfg.Relay.HeartbeatInterval = 15 * time.Second
	}
	if cfg.Relay.ReconnectMinDelay == 0 {
		cfg.Relay.ReconnectMinDelay = 200 * time.Millisecond
	}
	if cfg.Relay.ReconnectMaxDelay == 0 {
		cfg.Relay.ReconnectMaxDelay = 5 * time.Second
	}
	if cfg.Relay.MaxQueueDepth == 0 {
		cfg.Relay.MaxQueueDepth = 1024
	}

	if cfg.Keystore.Backend == "" {
		cfg.Keystore.Backend = "memory"
	}
	if cfg.Keystore.PassphraseEnv == "" {
		cfg.Keystore.PassphraseEnv = "DKLS_KEYSTORE_PASSPHRASE"
	}

	if cfg.Bootstrap.AdmissionPollInitial == 0 {
		cfg.Bootstrap.AdmissionPollInitial = 200 * time.Millisecond
	}
	if cfg.Bootstrap.AdmissionPollMax == 0 {
		cfg.Bootstrap.AdmissionPollMax = 500 * time.Millisecond
	}
	if cfg.Bootstrap.AdmissionPollTimeout == 0 {
		cfg.Bootstrap.AdmissionPollTimeout = 60 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

// ValidationIssue describes a single configuration problem found by
// ValidateConfiguration.
type ValidationIssue struct {
	Field   string
	Message string
	Level   string // "error" or "warning"
}

// ValidateConfiguration checks cfg for problems that would prevent the SDK
// Facade from starting. Issues at Level "warning" are informational only;
// Load only fails on "error" issues.
func ValidateConfiguration(cfg *Config) []ValidationIssue {
	var issues []ValidationIssue

	if cfg.Relay.HTTPBaseURL == "" {
		issues = append(issues, ValidationIssue{"relay.http_base_url", "relay HTTP base URL is required", "error"})
	}
	if cfg.Relay.WSBaseURL == "" {
		issues = append(issues, ValidationIssue{"relay.ws_base_url", "relay WS base URL is required", "error"})
	}

	switch cfg.Keystore.Backend {
	case "memory", "browser-local":
	case "filesystem":
		if cfg.Keystore.Directory == "" {
			issues = append(issues, ValidationIssue{"keystore.directory", "filesystem keystore requires a directory", "error"})
		}
	case "":
		issues = append(issues, ValidationIssue{"keystore.backend", "keystore backend is required", "error"})
	default:
		issues = append(issues, ValidationIssue{"keystore.backend", "unknown keystore backend: " + cfg.Keystore.Backend, "error"})
	}

	if cfg.Bootstrap.AdmissionPollMax < cfg.Bootstrap.AdmissionPollInitial {
		issues = append(issues, ValidationIssue{"bootstrap.admission_poll_max", "admission_poll_max must be >= admission_poll_initial", "warning"})
	}

	return issues
}
