// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package repl

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/microsoft/replbridge/internal/networking"
	"github.com/microsoft/replbridge/pkg/resiliency"
)

const readBufferSize = 32 * 1024

// jsonListener accepts side-channel connections from the REPL and feeds everything
// they send into the sink as the json channel.
type jsonListener struct {
	listener net.Listener
	port     int32
	sink     OutputSink
	log      logr.Logger

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

func listenJSON(ctx context.Context, host string, sink OutputSink, log logr.Logger) (*jsonListener, error) {
	listener, port, err := networking.DefaultPortAllocator().Listen(ctx, host)
	if err != nil {
		return nil, err
	}

	jl := &jsonListener{
		listener: listener,
		port:     port,
		sink:     sink,
		log:      log.WithValues("JSONPort", port),
		conns:    make(map[net.Conn]struct{}),
	}

	jl.wg.Add(1)
	go jl.acceptLoop(ctx)
	return jl, nil
}

func (jl *jsonListener) acceptLoop(ctx context.Context) {
	defer jl.wg.Done()

	policy := resiliency.RetryPolicy{
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     time.Second,
		OnRetry: func(err error, _ time.Duration) {
			jl.log.V(1).Info("accepting side-channel connection failed, retrying", "Error", err.Error())
		},
	}

	for {
		conn, err := resiliency.RetryGet(ctx, policy, func() (net.Conn, error) {
			c, acceptErr := jl.listener.Accept()
			if errors.Is(acceptErr, net.ErrClosed) {
				return nil, resiliency.Permanent(acceptErr)
			}
			return c, acceptErr
		})
		if err != nil {
			if !errors.Is(err, net.ErrClosed) && ctx.Err() == nil {
				jl.log.Error(err, "side-channel listener stopped")
			}
			return
		}

		jl.mu.Lock()
		if jl.closed {
			jl.mu.Unlock()
			_ = conn.Close()
			return
		}
		jl.conns[conn] = struct{}{}
		jl.mu.Unlock()

		jl.log.V(1).Info("side-channel connection accepted", "Remote", conn.RemoteAddr().String())
		jl.wg.Add(1)
		go jl.readLoop(conn)
	}
}

func (jl *jsonListener) readLoop(conn net.Conn) {
	defer jl.wg.Done()
	defer func() {
		jl.mu.Lock()
		delete(jl.conns, conn)
		jl.mu.Unlock()
		_ = conn.Close()
	}()

	_ = pump(conn, ChannelJSON, jl.sink)
}

func (jl *jsonListener) Port() int32 {
	return jl.port
}

func (jl *jsonListener) Close() error {
	jl.mu.Lock()
	jl.closed = true
	err := jl.listener.Close()
	for conn := range jl.conns {
		_ = conn.Close()
	}
	jl.mu.Unlock()

	jl.wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// pump copies everything read from r into the sink until r fails.
// Returns nil on a clean end of stream.
func pump(r io.Reader, ch Channel, sink OutputSink) error {
	sw := sinkWriter{ch: ch, sink: sink}
	buf := make([]byte, readBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			_, _ = sw.Write(buf[:n])
		}
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
