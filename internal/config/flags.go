/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package config

import (
	"github.com/spf13/pflag"
)

const ConfigFileFlag = "config"

// AddFlags binds the configuration fields to command line flags.
// The current field values become flag defaults.
func (c *Config) AddFlags(fs *pflag.FlagSet) {
	fs.DurationVar(&c.StartupTimeout, "startup-timeout", c.StartupTimeout, "How long to wait for the R session to start")
	fs.DurationVar(&c.CommandDelay, "command-delay", c.CommandDelay, "Delay between consecutive commands sent to R")
	fs.StringVar(&c.AttachHost, "attach-host", c.AttachHost, "Host to connect to for attach requests")
	fs.IntVar(&c.AttachPort, "attach-port", c.AttachPort, "Port to connect to for attach requests")
	fs.Var(&c.VersionCheckLevel, "version-check", "How to react to an outdated R package: none, warn or required")
	fs.StringVar(&c.MinPackageVersion, "min-package-version", c.MinPackageVersion, "Minimum version of the R counterpart package")
	fs.StringVar(&c.RPath, "r-path", c.RPath, "Path of the R executable")
	fs.StringSliceVar(&c.RArgs, "r-args", c.RArgs, "Arguments passed to the R executable")
	fs.DurationVar(&c.TerminateGracePeriod, "terminate-grace-period", c.TerminateGracePeriod, "How long R has to quit before it is killed")
	fs.DurationVar(&c.RefreshTimeout, "refresh-timeout", c.RefreshTimeout, "Upper bound on waiting for stack and variable information")
	fs.DurationVar(&c.PollInterval, "poll-interval", c.PollInterval, "Polling interval used while waiting for R replies")
	fs.DurationVar(&c.PromptIdleDelay, "prompt-idle-delay", c.PromptIdleDelay, "How long R output must be quiet before a trailing prompt is recognized")
	fs.BoolVar(&c.UseJSONSocket, "json-socket", c.UseJSONSocket, "Receive structured messages from R over a dedicated socket")
	fs.StringVar(&c.JSONSocketHost, "json-socket-host", c.JSONSocketHost, "Host to listen on for structured messages")
	fs.StringVar(&c.ConsoleAddress, "console-address", c.ConsoleAddress, "Address to serve the websocket console relay on")
	fs.StringVar(&c.ListenAddress, "listen", c.ListenAddress, "Accept debug sessions over TCP on host:port instead of stdio")
}
