/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package config

import (
	"encoding/json"
	"fmt"
	"time"
)

type DebugMode string

const (
	DebugModeFile      DebugMode = "file"
	DebugModeFunction  DebugMode = "function"
	DebugModeWorkspace DebugMode = "workspace"
)

// LaunchArguments are the implementation-specific arguments of launch and attach requests.
type LaunchArguments struct {
	DebugMode        DebugMode         `json:"debugMode,omitempty"`
	File             string            `json:"file,omitempty"`
	MainFunction     string            `json:"mainFunction,omitempty"`
	WorkingDirectory string            `json:"workingDirectory,omitempty"`
	Args             []string          `json:"args,omitempty"`
	Env              map[string]string `json:"env,omitempty"`

	RPath             string   `json:"rPath,omitempty"`
	RArgs             []string `json:"rArgs,omitempty"`
	CommandDelayMs    *int     `json:"commandDelay,omitempty"`
	StartupTimeoutMs  *int     `json:"startupTimeout,omitempty"`
	UseJSONSocket     *bool    `json:"useJsonSocket,omitempty"`
	AttachHost        string   `json:"host,omitempty"`
	AttachPort        int      `json:"port,omitempty"`
	VersionCheckLevel string   `json:"versionCheckLevel,omitempty"`
}

func ParseLaunchArguments(raw json.RawMessage) (LaunchArguments, error) {
	var la LaunchArguments
	if len(raw) == 0 {
		return la, nil
	}
	if err := json.Unmarshal(raw, &la); err != nil {
		return la, fmt.Errorf("launch arguments are invalid: %w", err)
	}

	switch la.DebugMode {
	case "", DebugModeFile, DebugModeFunction, DebugModeWorkspace:
	default:
		return la, fmt.Errorf("unknown debug mode '%s'", la.DebugMode)
	}
	if la.DebugMode == DebugModeFunction && la.MainFunction == "" {
		la.MainFunction = "main"
	}
	return la, nil
}

// WithOverrides returns a copy of the configuration with per-session overrides applied.
func (c Config) WithOverrides(la LaunchArguments) (Config, error) {
	retval := c.Clone()
	if la.RPath != "" {
		retval.RPath = la.RPath
	}
	if la.RArgs != nil {
		retval.RArgs = append([]string(nil), la.RArgs...)
	}
	if la.CommandDelayMs != nil {
		retval.CommandDelay = millis(*la.CommandDelayMs)
	}
	if la.StartupTimeoutMs != nil {
		retval.StartupTimeout = millis(*la.StartupTimeoutMs)
	}
	if la.UseJSONSocket != nil {
		retval.UseJSONSocket = *la.UseJSONSocket
	}
	if la.AttachHost != "" {
		retval.AttachHost = la.AttachHost
	}
	if la.AttachPort != 0 {
		retval.AttachPort = la.AttachPort
	}
	if la.VersionCheckLevel != "" {
		level, err := ParseVersionCheckLevel(la.VersionCheckLevel)
		if err != nil {
			return c, err
		}
		retval.VersionCheckLevel = level
	}

	return retval, retval.Validate()
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
