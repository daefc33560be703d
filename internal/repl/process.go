// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package repl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/microsoft/replbridge/internal/config"
	"github.com/microsoft/replbridge/pkg/process"
)

type LaunchOptions struct {
	Config           config.Config
	WorkingDirectory string
	Env              map[string]string
	Executor         process.Executor
	Sink             OutputSink
	OnExit           ExitHandler
	Logger           logr.Logger
}

// ProcessEndpoint is a REPL subprocess started by the bridge.
type ProcessEndpoint struct {
	pid      int32
	executor process.Executor
	writer   *commandWriter
	stdin    io.Closer
	listener *jsonListener
	log      logr.Logger

	done     chan struct{}
	mu       sync.Mutex
	exitCode int32
	exitErr  error
}

// Launch starts the REPL subprocess. The process is stopped when ctx is cancelled.
func Launch(ctx context.Context, opts LaunchOptions) (*ProcessEndpoint, error) {
	log := opts.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	if opts.Executor == nil {
		opts.Executor = process.NewOSExecutor(log)
	}
	cfg := opts.Config

	pe := &ProcessEndpoint{
		pid:      process.UnknownPID,
		executor: opts.Executor,
		log:      log,
		done:     make(chan struct{}),
		exitCode: process.UnknownExitCode,
	}

	if cfg.UseJSONSocket {
		jl, err := listenJSON(ctx, cfg.JSONSocketHost, opts.Sink, log)
		if err != nil {
			return nil, fmt.Errorf("could not open the side-channel listener: %w", err)
		}
		pe.listener = jl
	}

	cmd := exec.Command(cfg.RPath, cfg.RArgs...)
	cmd.Dir = opts.WorkingDirectory
	cmd.Env = makeEnv(opts.Env)
	cmd.Stdout = sinkWriter{ch: ChannelStdout, sink: opts.Sink}
	cmd.Stderr = sinkWriter{ch: ChannelStderr, sink: opts.Sink}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Join(fmt.Errorf("could not create the REPL input pipe: %w", err), pe.closeListener())
	}
	pe.stdin = stdin

	onExit := process.ProcessExitHandlerFunc(func(pid int32, exitCode int32, exitErr error) {
		log.WithValues("PID", pid).Info("REPL process exited", "ExitCode", exitCode)
		pe.writer.Close()
		listenerErr := pe.closeListener()

		pe.mu.Lock()
		pe.exitCode = exitCode
		pe.exitErr = errors.Join(exitErr, listenerErr)
		pe.mu.Unlock()
		close(pe.done)

		if opts.OnExit != nil {
			opts.OnExit(exitCode, exitErr)
		}
	})

	pe.writer = newCommandWriter(ctx, stdin, cfg.CommandDelay, log)
	pid, err := opts.Executor.StartProcess(ctx, cmd, onExit)
	if err != nil {
		pe.writer.Close()
		return nil, errors.Join(fmt.Errorf("could not start '%s': %w", cfg.RPath, err), pe.closeListener())
	}

	pe.pid = pid
	pe.log = log.WithValues("PID", pid)
	pe.log.Info("REPL process started", "Path", cfg.RPath, "Args", cfg.RArgs)
	return pe, nil
}

func makeEnv(extra map[string]string) []string {
	env := os.Environ()
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return append(env, DebugSessionEnvVar+"=1")
}

func (pe *ProcessEndpoint) WriteCommand(cmd string) error {
	return pe.writer.Enqueue([]byte(EnsureNewline(cmd)))
}

func (pe *ProcessEndpoint) WriteRawInput(text string) error {
	return pe.writer.Enqueue([]byte(text))
}

// Terminate kills the REPL process without giving it a chance to exit on its own.
// Use TerminateGracefully to ask it to quit first.
func (pe *ProcessEndpoint) Terminate() error {
	select {
	case <-pe.done:
		return nil
	default:
	}

	pe.log.Info("killing REPL process")
	err := pe.executor.StopProcess(pe.pid, 0)
	if errors.Is(err, process.ErrProcessNotFound) {
		return nil
	}
	return err
}

func (pe *ProcessEndpoint) TerminateGracefully(ctx context.Context, quitCommand string, timeout time.Duration) error {
	return terminateGracefully(ctx, pe, quitCommand, timeout)
}

func (pe *ProcessEndpoint) JSONPort() int32 {
	if pe.listener == nil {
		return 0
	}
	return pe.listener.Port()
}

func (pe *ProcessEndpoint) Pid() int32 {
	return pe.pid
}

func (pe *ProcessEndpoint) Done() <-chan struct{} {
	return pe.done
}

func (pe *ProcessEndpoint) ExitCode() int32 {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	return pe.exitCode
}

// Wait blocks until the process exits and returns the error encountered while tracking it, if any.
func (pe *ProcessEndpoint) Wait() error {
	<-pe.done
	pe.mu.Lock()
	defer pe.mu.Unlock()
	return pe.exitErr
}

func (pe *ProcessEndpoint) closeListener() error {
	if pe.listener == nil {
		return nil
	}
	return pe.listener.Close()
}

var _ Endpoint = (*ProcessEndpoint)(nil)
