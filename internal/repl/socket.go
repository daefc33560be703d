// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package repl

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/microsoft/replbridge/internal/config"
	"github.com/microsoft/replbridge/internal/networking"
	"github.com/microsoft/replbridge/pkg/process"
	"github.com/microsoft/replbridge/pkg/resiliency"
)

type AttachOptions struct {
	Config config.Config
	Sink   OutputSink
	OnExit ExitHandler
	Logger logr.Logger
}

// SocketEndpoint is a REPL the bridge attached to over TCP.
// The connection carries both the command input and the REPL output.
type SocketEndpoint struct {
	conn     net.Conn
	writer   *commandWriter
	listener *jsonListener
	log      logr.Logger
	done     chan struct{}
	once     sync.Once
}

// Attach connects to a REPL listening on the configured attach address.
// Connection attempts are retried until the startup timeout elapses.
func Attach(ctx context.Context, opts AttachOptions) (*SocketEndpoint, error) {
	log := opts.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	cfg := opts.Config
	address := networking.AddressAndPort(cfg.AttachHost, int32(cfg.AttachPort))

	dialCtx, cancelDial := context.WithCancel(ctx)
	if cfg.StartupTimeout > 0 {
		dialCtx, cancelDial = context.WithTimeout(ctx, cfg.StartupTimeout)
	}
	defer cancelDial()

	policy := resiliency.RetryPolicy{
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     time.Second,
		OnRetry: func(err error, _ time.Duration) {
			log.V(1).Info("could not connect to REPL, retrying", "Address", address, "Error", err.Error())
		},
	}
	conn, err := resiliency.RetryGet(dialCtx, policy, func() (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(dialCtx, "tcp", address)
	})
	if err != nil {
		return nil, fmt.Errorf("could not attach to REPL at %s: %w", address, err)
	}

	se := &SocketEndpoint{
		conn: conn,
		log:  log.WithValues("Address", address),
		done: make(chan struct{}),
	}

	if cfg.UseJSONSocket {
		jl, listenErr := listenJSON(ctx, cfg.JSONSocketHost, opts.Sink, log)
		if listenErr != nil {
			return nil, errors.Join(fmt.Errorf("could not open the side-channel listener: %w", listenErr), conn.Close())
		}
		se.listener = jl
	}

	se.writer = newCommandWriter(ctx, conn, cfg.CommandDelay, log)

	go func() {
		readErr := pump(conn, ChannelSocket, opts.Sink)
		se.log.Info("REPL connection closed")
		se.shutdown()
		if opts.OnExit != nil {
			opts.OnExit(0, readErr)
		}
	}()

	go func() {
		select {
		case <-ctx.Done():
			_ = se.Terminate()
		case <-se.done:
		}
	}()

	se.log.Info("attached to REPL")
	return se, nil
}

func (se *SocketEndpoint) shutdown() {
	se.once.Do(func() {
		se.writer.Close()
		_ = se.conn.Close()
		if se.listener != nil {
			_ = se.listener.Close()
		}
		close(se.done)
	})
}

func (se *SocketEndpoint) WriteCommand(cmd string) error {
	return se.writer.Enqueue([]byte(EnsureNewline(cmd)))
}

func (se *SocketEndpoint) WriteRawInput(text string) error {
	return se.writer.Enqueue([]byte(text))
}

// Terminate closes the connection; the remote REPL keeps running.
func (se *SocketEndpoint) Terminate() error {
	err := se.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (se *SocketEndpoint) TerminateGracefully(ctx context.Context, quitCommand string, timeout time.Duration) error {
	return terminateGracefully(ctx, se, quitCommand, timeout)
}

func (se *SocketEndpoint) JSONPort() int32 {
	if se.listener == nil {
		return 0
	}
	return se.listener.Port()
}

func (se *SocketEndpoint) Done() <-chan struct{} {
	return se.done
}

func (se *SocketEndpoint) ExitCode() int32 {
	select {
	case <-se.done:
		return 0
	default:
		return process.UnknownExitCode
	}
}

var _ Endpoint = (*SocketEndpoint)(nil)
