/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/go-logr/logr"

	"github.com/microsoft/replbridge/internal/config"
	"github.com/microsoft/replbridge/internal/console"
	"github.com/microsoft/replbridge/pkg/process"
)

// ServerConfig contains configuration for the Server.
type ServerConfig struct {
	// Address to listen on, in host:port form.
	Address string

	// Config is the base configuration of every session.
	Config config.Config

	// Executor is the process executor for REPL processes.
	// If nil, a new executor will be created.
	Executor process.Executor

	// Launcher and Attacher override how sessions reach the REPL. Used by tests.
	Launcher Launcher
	Attacher Attacher

	// Console is shared by all sessions, if set. Operator input goes to the most recently started REPL.
	Console *console.Console

	// Logger for server operations.
	Logger logr.Logger
}

// Server accepts debugger front end connections over TCP.
// Every connection is an independent session with its own REPL.
type Server struct {
	config   ServerConfig
	log      logr.Logger
	executor process.Executor

	listener  net.Listener
	readyCh   chan struct{}
	readyOnce sync.Once

	// mu protects sessions.
	mu       sync.Mutex
	sessions map[string]*Session
	wg       sync.WaitGroup
}

// NewServer creates a new Server with the given configuration.
func NewServer(config ServerConfig) *Server {
	log := config.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	executor := config.Executor
	if executor == nil {
		executor = process.NewOSExecutor(log)
	}

	return &Server{
		config:   config,
		log:      log,
		executor: executor,
		readyCh:  make(chan struct{}),
		sessions: make(map[string]*Session),
	}
}

// Ready returns a channel that is closed when the server accepts connections.
func (srv *Server) Ready() <-chan struct{} {
	return srv.readyCh
}

// Addr returns the address the server listens on. Only valid after Ready is closed.
func (srv *Server) Addr() net.Addr {
	return srv.listener.Addr()
}

// ActiveSessions returns the number of sessions in progress.
func (srv *Server) ActiveSessions() int {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return len(srv.sessions)
}

// Serve listens for connections and runs a session for each one.
// It blocks until the context is cancelled, then waits for active sessions to end.
func (srv *Server) Serve(ctx context.Context) error {
	lc := net.ListenConfig{}
	listener, listenErr := lc.Listen(ctx, "tcp", srv.config.Address)
	if listenErr != nil {
		return fmt.Errorf("failed to listen on %s: %w", srv.config.Address, listenErr)
	}
	srv.listener = listener

	srv.log.Info("listening for debugger connections", "Address", listener.Addr().String())
	srv.readyOnce.Do(func() {
		close(srv.readyCh)
	})

	stop := context.AfterFunc(ctx, func() {
		_ = listener.Close()
	})
	defer stop()

	var serveErr error
	for {
		conn, acceptErr := listener.Accept()
		if acceptErr != nil {
			if ctx.Err() == nil && !errors.Is(acceptErr, net.ErrClosed) {
				serveErr = fmt.Errorf("failed to accept connection: %w", acceptErr)
			}
			break
		}

		srv.wg.Add(1)
		go func() {
			defer srv.wg.Done()
			srv.runSession(ctx, conn)
		}()
	}

	_ = listener.Close()
	srv.wg.Wait()
	srv.log.V(1).Info("server stopped")

	if serveErr != nil {
		return serveErr
	}
	return filterContextError(ctx.Err(), ctx, srv.log)
}

func (srv *Server) runSession(ctx context.Context, conn net.Conn) {
	session := NewSession(SessionConfig{
		Transport: NewTCPTransport(conn),
		Config:    srv.config.Config,
		Launcher:  srv.config.Launcher,
		Attacher:  srv.config.Attacher,
		Executor:  srv.executor,
		Console:   srv.config.Console,
		Logger:    srv.log.WithValues("RemoteAddr", conn.RemoteAddr().String()),
	})

	srv.mu.Lock()
	srv.sessions[session.ID()] = session
	srv.mu.Unlock()

	defer func() {
		srv.mu.Lock()
		delete(srv.sessions, session.ID())
		srv.mu.Unlock()
	}()

	if err := session.Run(ctx); err != nil {
		srv.log.Error(err, "debug session failed", "Session", session.ID())
	}
}
