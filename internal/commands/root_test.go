/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/microsoft/replbridge/internal/config"
	"github.com/microsoft/replbridge/internal/version"
	"github.com/microsoft/replbridge/pkg/logger"
)

func parseFlags(t *testing.T, args ...string) (config.Config, *pflag.FlagSet) {
	t.Helper()
	cfg := config.Default()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg.AddFlags(fs)
	require.NoError(t, fs.Parse(args))
	return cfg, fs
}

func TestResolveConfigWithoutFile(t *testing.T) {
	t.Parallel()

	cfg, fs := parseFlags(t, "--startup-timeout=3s", "--version-check=required")
	resolved, err := resolveConfig(cfg, "", fs)
	require.NoError(t, err)
	require.Equal(t, 3*time.Second, resolved.StartupTimeout)
	require.Equal(t, config.VersionCheckRequired, resolved.VersionCheckLevel)
}

func TestResolveConfigFlagsOverrideFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "replbridge.yaml")
	content := []byte(`
startupTimeout: 7s
attachPort: 20000
rPath: /opt/R/bin/R
rArgs: ["--vanilla"]
versionCheckLevel: none
`)
	require.NoError(t, os.WriteFile(path, content, 0600))

	cfg, fs := parseFlags(t, "--attach-port=20001", "--r-args=--quiet,--no-save")
	resolved, err := resolveConfig(cfg, path, fs)
	require.NoError(t, err)

	require.Equal(t, 7*time.Second, resolved.StartupTimeout, "file value")
	require.Equal(t, "/opt/R/bin/R", resolved.RPath, "file value")
	require.Equal(t, config.VersionCheckNone, resolved.VersionCheckLevel, "file value")
	require.Equal(t, 20001, resolved.AttachPort, "flag wins over file")
	require.Equal(t, []string{"--quiet", "--no-save"}, resolved.RArgs, "flag wins over file")
	require.Equal(t, config.Default().RefreshTimeout, resolved.RefreshTimeout, "default")
}

func TestResolveConfigRejectsInvalidValues(t *testing.T) {
	t.Parallel()

	cfg, fs := parseFlags(t, "--attach-port=0")
	_, err := resolveConfig(cfg, "", fs)
	require.Error(t, err)

	_, err = resolveConfig(config.Default(), filepath.Join(t.TempDir(), "missing.yaml"), fs)
	require.Error(t, err)
}

func TestVersionCommand(t *testing.T) {
	t.Parallel()

	log := logger.New("replbridge-test")
	cmd := NewVersionCommand(log.Logger)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs(nil)
	require.NoError(t, cmd.Execute())

	var info version.BuildInfo
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(out.Bytes()), &info))
	require.Equal(t, version.Info().Version, info.Version)
}
