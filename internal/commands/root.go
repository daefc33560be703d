/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/microsoft/replbridge/internal/config"
	"github.com/microsoft/replbridge/internal/console"
	"github.com/microsoft/replbridge/internal/dap"
	"github.com/microsoft/replbridge/pkg/logger"
	"github.com/microsoft/replbridge/pkg/process"
)

type rootOptions struct {
	cfg        config.Config
	configFile string

	// Overridable in tests.
	stdin  io.ReadCloser
	stdout io.WriteCloser
}

func NewRootCmd(log *logger.Logger) *cobra.Command {
	opts := &rootOptions{
		cfg:    config.Default(),
		stdin:  os.Stdin,
		stdout: os.Stdout,
	}
	return newRootCmd(log, opts)
}

func newRootCmd(log *logger.Logger, opts *rootOptions) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "replbridge",
		Short: "Debug adapter for line-based R sessions",
		Long: `replbridge lets a debugger front end speaking the Debug Adapter Protocol
debug an interactive R session.

By default the protocol is spoken over stdin/stdout and the bridge serves a single session.
With --listen the bridge accepts any number of sessions over TCP.`,
		SilenceUsage:     true,
		Args:             cobra.NoArgs,
		PersistentPreRun: LogVersion(log.Logger, "replbridge starting"),
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(opts.cfg, opts.configFile, cmd.Flags())
			if err != nil {
				return err
			}
			return serve(cmd.Context(), log.Logger, cfg, opts)
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			log.Flush()
		},
	}

	rootCmd.CompletionOptions.HiddenDefaultCmd = true

	log.AddLevelFlag(rootCmd.PersistentFlags())
	rootCmd.Flags().StringVar(&opts.configFile, config.ConfigFileFlag, "", "Path of a YAML configuration file")
	opts.cfg.AddFlags(rootCmd.Flags())

	rootCmd.AddCommand(NewVersionCommand(log.Logger))

	return rootCmd
}

// resolveConfig layers the configuration file under the flags set on the command line.
func resolveConfig(flagCfg config.Config, configFile string, flags *pflag.FlagSet) (config.Config, error) {
	if configFile == "" {
		return flagCfg, flagCfg.Validate()
	}

	cfg := config.Default()
	if err := cfg.Load(configFile); err != nil {
		return config.Config{}, err
	}

	overrides := pflag.NewFlagSet("overrides", pflag.ContinueOnError)
	cfg.AddFlags(overrides)

	var setErr error
	flags.Visit(func(f *pflag.Flag) {
		target := overrides.Lookup(f.Name)
		if target == nil || setErr != nil {
			return
		}
		if sv, isSlice := f.Value.(pflag.SliceValue); isSlice {
			if tsv, ok := target.Value.(pflag.SliceValue); ok {
				setErr = tsv.Replace(sv.GetSlice())
				return
			}
		}
		setErr = target.Value.Set(f.Value.String())
	})
	if setErr != nil {
		return config.Config{}, fmt.Errorf("could not apply command line flags: %w", setErr)
	}

	return cfg, cfg.Validate()
}

func serve(ctx context.Context, log logr.Logger, cfg config.Config, opts *rootOptions) error {
	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	executor := process.NewOSExecutor(log.WithName("executor"))

	var displays []io.Writer
	if cfg.ListenAddress != "" {
		// Stdout is not carrying the protocol, so the operator can watch the session there.
		displays = append(displays, opts.stdout)
	}
	con := console.New(log.WithName("console"), displays...)

	var relayErr chan error
	if cfg.ConsoleAddress != "" {
		relay := console.NewRelay(con, log.WithName("console-relay"))
		relayErr = make(chan error, 1)
		go func() {
			relayErr <- relay.ListenAndServe(serveCtx, cfg.ConsoleAddress, nil)
		}()
	}

	var serveErr error
	if cfg.ListenAddress != "" {
		go func() {
			if err := con.ReadInput(serveCtx, opts.stdin); err != nil && !errors.Is(err, context.Canceled) {
				log.V(1).Info("stopped reading console input", "Error", err.Error())
			}
		}()

		server := dap.NewServer(dap.ServerConfig{
			Address:  cfg.ListenAddress,
			Config:   cfg,
			Executor: executor,
			Console:  con,
			Logger:   log.WithName("server"),
		})
		serveErr = server.Serve(serveCtx)
	} else {
		session := dap.NewSession(dap.SessionConfig{
			Transport: dap.NewStdioTransport(opts.stdin, opts.stdout),
			Config:    cfg,
			Executor:  executor,
			Console:   con,
			Logger:    log.WithName("session"),
		})
		serveErr = session.Run(serveCtx)
	}

	cancel()
	if relayErr != nil {
		if err := <-relayErr; err != nil && !isListenerClosed(err) {
			serveErr = errors.Join(serveErr, err)
		}
	}
	return serveErr
}

func isListenerClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled)
}
