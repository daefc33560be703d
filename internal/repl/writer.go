// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package repl

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/smallnest/chanx"
)

// commandWriter is the single writer of the REPL input.
// Each queued item is written whole, in order, optionally followed by a pause.
type commandWriter struct {
	queue  *chanx.UnboundedChan[[]byte]
	w      io.Writer
	delay  time.Duration
	log    logr.Logger
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// Protects closed and writeErr
	mu       sync.Mutex
	closed   bool
	writeErr error
}

func newCommandWriter(lifetimeCtx context.Context, w io.Writer, delay time.Duration, log logr.Logger) *commandWriter {
	ctx, cancel := context.WithCancel(lifetimeCtx)
	cw := &commandWriter{
		queue:  chanx.NewUnboundedChan[[]byte](ctx, 16),
		w:      w,
		delay:  delay,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go cw.run()
	return cw
}

func (cw *commandWriter) Enqueue(data []byte) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.closed {
		return ErrEndpointClosed
	}
	if cw.writeErr != nil {
		return fmt.Errorf("%w: %w", ErrEndpointClosed, cw.writeErr)
	}

	select {
	case cw.queue.In <- data:
		return nil
	case <-cw.ctx.Done():
		return ErrEndpointClosed
	}
}

// Pending returns the number of queued writes.
func (cw *commandWriter) Pending() int {
	return cw.queue.Len()
}

func (cw *commandWriter) Close() {
	cw.mu.Lock()
	cw.closed = true
	cw.mu.Unlock()
	cw.cancel()
	<-cw.done
}

func (cw *commandWriter) run() {
	defer close(cw.done)

	for {
		select {
		case <-cw.ctx.Done():
			return

		case data, ok := <-cw.queue.Out:
			if !ok {
				return
			}

			if cw.log.V(1).Enabled() {
				cw.log.V(1).Info("writing to REPL", "Input", describeCommand(string(data)))
			}
			if _, err := cw.w.Write(data); err != nil {
				cw.log.Error(err, "could not write to REPL input")
				cw.mu.Lock()
				cw.writeErr = err
				cw.mu.Unlock()
				return
			}

			if cw.delay > 0 {
				timer := time.NewTimer(cw.delay)
				select {
				case <-timer.C:
				case <-cw.ctx.Done():
					timer.Stop()
					return
				}
			}
		}
	}
}
