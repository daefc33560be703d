/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	t.Parallel()

	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultAttachPort, cfg.AttachPort)
	assert.Equal(t, VersionCheckWarn, cfg.VersionCheckLevel)
}

func TestValidateReportsAllProblems(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.StartupTimeout = -time.Second
	cfg.AttachPort = 70000
	cfg.VersionCheckLevel = "sometimes"
	cfg.PollInterval = 0
	cfg.PromptIdleDelay = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "startupTimeout")
	assert.Contains(t, err.Error(), "attachPort")
	assert.Contains(t, err.Error(), "sometimes")
	assert.Contains(t, err.Error(), "pollInterval")
	assert.Contains(t, err.Error(), "promptIdleDelay")
}

func TestLoadYAMLKeepsUnsetFields(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "replbridge.yaml")
	content := "startupTimeout: 5s\nversionCheckLevel: required\nrArgs: [\"--vanilla\"]\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg := Default()
	require.NoError(t, cfg.Load(path))

	assert.Equal(t, 5*time.Second, cfg.StartupTimeout)
	assert.Equal(t, VersionCheckRequired, cfg.VersionCheckLevel)
	assert.Equal(t, []string{"--vanilla"}, cfg.RArgs)
	assert.Equal(t, DefaultAttachPort, cfg.AttachPort)
}

func TestLoadYAMLRejectsBadLevel(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "replbridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("versionCheckLevel: loud\n"), 0600))

	cfg := Default()
	assert.Error(t, cfg.Load(path))
}

func TestFlagsOverrideValues(t *testing.T) {
	t.Parallel()

	cfg := Default()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg.AddFlags(fs)

	require.NoError(t, fs.Parse([]string{
		"--command-delay=20ms",
		"--attach-port=9000",
		"--version-check=none",
		"--r-args=--vanilla,--interactive",
	}))

	assert.Equal(t, 20*time.Millisecond, cfg.CommandDelay)
	assert.Equal(t, 9000, cfg.AttachPort)
	assert.Equal(t, VersionCheckNone, cfg.VersionCheckLevel)
	assert.Equal(t, []string{"--vanilla", "--interactive"}, cfg.RArgs)
}

func TestLaunchArgumentOverrides(t *testing.T) {
	t.Parallel()

	la, err := ParseLaunchArguments([]byte(`{"debugMode":"function","file":"main.R","commandDelay":5,"port":4000,"useJsonSocket":true}`))
	require.NoError(t, err)
	assert.Equal(t, DebugModeFunction, la.DebugMode)
	assert.Equal(t, "main", la.MainFunction)

	base := Default()
	cfg, err := base.WithOverrides(la)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Millisecond, cfg.CommandDelay)
	assert.Equal(t, 4000, cfg.AttachPort)
	assert.True(t, cfg.UseJSONSocket)

	// The base configuration is not affected.
	assert.Equal(t, DefaultAttachPort, base.AttachPort)
	assert.False(t, base.UseJSONSocket)
}

func TestParseLaunchArgumentsRejectsUnknownMode(t *testing.T) {
	t.Parallel()

	_, err := ParseLaunchArguments([]byte(`{"debugMode":"magic"}`))
	assert.Error(t, err)

	la, err := ParseLaunchArguments(nil)
	require.NoError(t, err)
	assert.Equal(t, DebugMode(""), la.DebugMode)
}
