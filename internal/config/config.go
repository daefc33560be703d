/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package config holds the tunables of the bridge. A Config is built once per process
// (defaults, then an optional YAML file, then command line flags) and copied into each
// debug session, where the launch or attach request arguments may override some fields.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultAttachPort = 18721
	DefaultAttachHost = "localhost"
)

type Config struct {
	// How long to wait for the REPL to report that the session started.
	StartupTimeout time.Duration `yaml:"startupTimeout"`

	// Delay inserted between consecutive commands written to the REPL input.
	CommandDelay time.Duration `yaml:"commandDelay"`

	AttachHost string `yaml:"attachHost"`
	AttachPort int    `yaml:"attachPort"`

	// What to do when the REPL counterpart package is older than MinPackageVersion.
	VersionCheckLevel VersionCheckLevel `yaml:"versionCheckLevel"`
	MinPackageVersion string            `yaml:"minPackageVersion"`

	RPath string   `yaml:"rPath"`
	RArgs []string `yaml:"rArgs"`

	// How long the REPL has to exit after the quit command before it is killed.
	TerminateGracePeriod time.Duration `yaml:"terminateGracePeriod"`

	// Upper bound on waiting for call stack and variable information.
	RefreshTimeout time.Duration `yaml:"refreshTimeout"`
	PollInterval   time.Duration `yaml:"pollInterval"`

	// How long REPL output must be quiet before an unterminated line that looks like a prompt
	// is taken to be one.
	PromptIdleDelay time.Duration `yaml:"promptIdleDelay"`

	// Receive structured messages over a dedicated socket instead of the REPL stdout.
	UseJSONSocket  bool   `yaml:"useJsonSocket"`
	JSONSocketHost string `yaml:"jsonSocketHost"`

	// If set, the pseudo-console is also relayed over a websocket served on this address.
	ConsoleAddress string `yaml:"consoleAddress"`

	// If set, the bridge accepts debug sessions over TCP on this address instead of stdio.
	ListenAddress string `yaml:"listen"`
}

func Default() Config {
	return Config{
		StartupTimeout:       20 * time.Second,
		CommandDelay:         0,
		AttachHost:           DefaultAttachHost,
		AttachPort:           DefaultAttachPort,
		VersionCheckLevel:    VersionCheckWarn,
		MinPackageVersion:    "0.5.0",
		RPath:                "R",
		RArgs:                []string{"--quiet", "--no-save", "--no-restore", "--interactive"},
		TerminateGracePeriod: 2 * time.Second,
		RefreshTimeout:       time.Second,
		PollInterval:         10 * time.Millisecond,
		PromptIdleDelay:      30 * time.Millisecond,
		JSONSocketHost:       "localhost",
	}
}

// Load reads a YAML configuration file on top of the current values.
// Fields missing from the file keep their values.
func (c *Config) Load(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("could not read configuration file '%s': %w", path, err)
	}

	if err = yaml.Unmarshal(content, c); err != nil {
		return fmt.Errorf("configuration file '%s' is invalid: %w", path, err)
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error

	nonNegative := map[string]time.Duration{
		"startupTimeout":       c.StartupTimeout,
		"commandDelay":         c.CommandDelay,
		"terminateGracePeriod": c.TerminateGracePeriod,
		"refreshTimeout":       c.RefreshTimeout,
	}
	for name, d := range nonNegative {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative (was %s)", name, d))
		}
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("pollInterval must be positive (was %s)", c.PollInterval))
	}
	if c.PromptIdleDelay <= 0 {
		errs = append(errs, fmt.Errorf("promptIdleDelay must be positive (was %s)", c.PromptIdleDelay))
	}
	if c.AttachPort <= 0 || c.AttachPort > 65535 {
		errs = append(errs, fmt.Errorf("attachPort %d is not a valid port", c.AttachPort))
	}
	if !c.VersionCheckLevel.IsValid() {
		errs = append(errs, fmt.Errorf("unknown version check level '%s'", c.VersionCheckLevel))
	}
	if c.VersionCheckLevel != VersionCheckNone && c.MinPackageVersion == "" {
		errs = append(errs, errors.New("minPackageVersion is required when the version check is enabled"))
	}
	if c.RPath == "" {
		errs = append(errs, errors.New("rPath must not be empty"))
	}

	return errors.Join(errs...)
}

// Returns a copy that does not share slices with the original.
func (c Config) Clone() Config {
	clone := c
	clone.RArgs = append([]string(nil), c.RArgs...)
	return clone
}
