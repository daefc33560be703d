// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package repl

import (
	"bytes"
	"context"
	"errors"
	"time"
)

// Channel identifies one input stream of the bridge.
type Channel string

const (
	ChannelStdout Channel = "stdout"
	ChannelStderr Channel = "stderr"
	// Structured messages received over the side-channel socket.
	ChannelJSON Channel = "json"
	// Output of a REPL the bridge attached to over TCP.
	ChannelSocket Channel = "socket"
)

var (
	// ErrEndpointClosed is returned when writing to an endpoint that has been terminated.
	ErrEndpointClosed = errors.New("REPL endpoint is closed")

	// ErrPackageVersionTooOld is returned when the R counterpart package does not meet the minimum version.
	ErrPackageVersionTooOld = errors.New("R package version is too old")
)

// OutputSink receives raw chunks read from a channel. Chunks of a single channel are delivered in order.
// The sink owns the data slice.
type OutputSink func(ch Channel, data []byte)

// ExitHandler is called once, after the REPL went away and all of its output has been delivered to the sink.
type ExitHandler func(exitCode int32, err error)

// Endpoint is the bridge side of a running REPL.
type Endpoint interface {
	// WriteCommand queues a command line, appending a line feed if it does not have one.
	WriteCommand(cmd string) error

	// WriteRawInput queues text as is.
	WriteRawInput(text string) error

	// Terminate stops the REPL immediately. There is no grace period and no choice of signal:
	// a launched REPL is killed, an attached one is disconnected.
	Terminate() error

	// TerminateGracefully sends the quit command (if any) and calls Terminate
	// if the REPL is still around after the timeout.
	TerminateGracefully(ctx context.Context, quitCommand string, timeout time.Duration) error

	// JSONPort is the port of the side-channel listener, or 0 if there is none.
	JSONPort() int32

	// Done is closed when the REPL went away.
	Done() <-chan struct{}

	// ExitCode is valid after Done is closed.
	ExitCode() int32
}

type sinkWriter struct {
	ch   Channel
	sink OutputSink
}

func (sw sinkWriter) Write(p []byte) (int, error) {
	if len(p) > 0 {
		sw.sink(sw.ch, bytes.Clone(p))
	}
	return len(p), nil
}

// Shared implementation of graceful termination.
func terminateGracefully(ctx context.Context, ep Endpoint, quitCommand string, timeout time.Duration) error {
	select {
	case <-ep.Done():
		return nil
	default:
	}

	if quitCommand != "" {
		if err := ep.WriteCommand(quitCommand); err != nil && !errors.Is(err, ErrEndpointClosed) {
			return errors.Join(err, ep.Terminate())
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ep.Done():
		return nil
	case <-timer.C:
		return ep.Terminate()
	case <-ctx.Done():
		return errors.Join(ctx.Err(), ep.Terminate())
	}
}
