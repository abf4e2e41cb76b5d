// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the service configuration.
//
// The service runs with sensible defaults when no configuration file
// exists, since OBS invokes source services with nothing but command
// line parameters. A YAML file can adjust the knobs that are not part
// of the service parameter surface (download retry policy, fetch
// parallelism, round limits, the bazel binary path). Command line
// flags override the file; the file overrides the defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable pointing at the configuration
// file. When unset, the defaults are used.
const EnvVar = "OBS_SERVICE_BAZEL_REPOSITORIES_CONFIG"

// Config is the service configuration. Construct with Default or
// Load; call Validate before using the duration accessors.
type Config struct {
	// Exclude lists substrings matched against every discovered URL.
	// A matching URL's blob is dropped from the final bundle and its
	// URL omitted from the generated spec sections. Usually set per
	// package via the service parameter instead.
	Exclude []string `yaml:"exclude"`

	// Jobs bounds the number of concurrent downloads. Zero means one
	// worker per CPU.
	Jobs int `yaml:"jobs"`

	// MaxRounds caps the discovery loop. Dependency chains deeper
	// than this indicate a cycle of fetch failures, not a real build.
	MaxRounds int `yaml:"max_rounds"`

	// Bazel is the path of the bazel binary. Empty means PATH lookup.
	Bazel string `yaml:"bazel"`

	Fetch   FetchConfig   `yaml:"fetch"`
	Sandbox SandboxConfig `yaml:"sandbox"`

	fetchTimeout time.Duration
	retryDelay   time.Duration
	roundTimeout time.Duration
}

// FetchConfig tunes the per-URL download behavior.
type FetchConfig struct {
	// Attempts is the number of download attempts per URL and round
	// before the URL is dropped for that round.
	Attempts int `yaml:"attempts"`

	// Timeout bounds a single download attempt, as a Go duration
	// string.
	Timeout string `yaml:"timeout"`

	// RetryDelay is the backoff base between attempts; it doubles
	// after every failure.
	RetryDelay string `yaml:"retry_delay"`

	// UserAgent is sent with every download request.
	UserAgent string `yaml:"user_agent"`
}

// SandboxConfig tunes the sandboxed discovery rounds.
type SandboxConfig struct {
	// RoundTimeout bounds one sandboxed build-tool invocation, as a
	// Go duration string. Empty or "0" disables the deadline.
	RoundTimeout string `yaml:"round_timeout"`
}

// Default returns the default configuration, sufficient for running
// the service without any configuration file.
func Default() *Config {
	return &Config{
		Jobs:      0,
		MaxRounds: 32,
		Fetch: FetchConfig{
			Attempts:   3,
			Timeout:    "15m",
			RetryDelay: "1s",
			UserAgent:  "obs-service-bazel_repositories",
		},
		Sandbox: SandboxConfig{
			RoundTimeout: "1h",
		},
	}
}

// Load loads the configuration from the file named by the EnvVar
// environment variable, or returns the defaults when it is unset.
func Load() (*Config, error) {
	path := os.Getenv(EnvVar)
	if path == "" {
		return Default(), nil
	}
	return LoadFile(path)
}

// LoadFile loads the configuration from path on top of the defaults.
// Only ${VAR} and ${VAR:-default} expansion is applied, to the bazel
// path; environment variables never override individual fields.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading configuration: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration %s: %w", path, err)
	}
	cfg.Bazel = expandVars(cfg.Bazel)
	return cfg, nil
}

// varPattern matches ${VAR} and ${VAR:-default}.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		if len(parts) >= 3 {
			return parts[2]
		}
		return ""
	})
}

// Validate checks the configuration and caches the parsed durations.
func (c *Config) Validate() error {
	var errs []error

	if c.Jobs < 0 {
		errs = append(errs, fmt.Errorf("jobs must not be negative (got %d)", c.Jobs))
	}
	if c.MaxRounds < 1 {
		errs = append(errs, fmt.Errorf("max_rounds must be at least 1 (got %d)", c.MaxRounds))
	}
	if c.Fetch.Attempts < 1 {
		errs = append(errs, fmt.Errorf("fetch.attempts must be at least 1 (got %d)", c.Fetch.Attempts))
	}
	for _, e := range c.Exclude {
		if e == "" {
			// An empty substring is contained in every URL and would
			// silently exclude the whole bundle.
			errs = append(errs, errors.New("exclude entries must not be empty"))
			break
		}
	}

	var err error
	if c.fetchTimeout, err = parseDuration("fetch.timeout", c.Fetch.Timeout); err != nil {
		errs = append(errs, err)
	}
	if c.retryDelay, err = parseDuration("fetch.retry_delay", c.Fetch.RetryDelay); err != nil {
		errs = append(errs, err)
	}
	if c.roundTimeout, err = parseDuration("sandbox.round_timeout", c.Sandbox.RoundTimeout); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func parseDuration(field, value string) (time.Duration, error) {
	if value == "" || value == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", field, value)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %q", field, value)
	}
	return d, nil
}

// FetchTimeout returns the parsed fetch.timeout. Valid after Validate.
func (c *Config) FetchTimeout() time.Duration {
	return c.fetchTimeout
}

// RetryDelay returns the parsed fetch.retry_delay. Valid after
// Validate.
func (c *Config) RetryDelay() time.Duration {
	return c.retryDelay
}

// RoundTimeout returns the parsed sandbox.round_timeout. Valid after
// Validate.
func (c *Config) RoundTimeout() time.Duration {
	return c.roundTimeout
}
