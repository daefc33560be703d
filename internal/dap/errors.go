/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"context"
	"errors"
	"os/exec"
	"strings"

	"github.com/go-logr/logr"
)

var (
	// ErrTransportLost is returned when the REPL or the client connection went away.
	ErrTransportLost = errors.New("transport lost")

	// ErrProtocolDecode is returned when a structured message from the REPL cannot be decoded.
	ErrProtocolDecode = errors.New("structured message decode error")

	// ErrPrecondition is returned when a request needs session state that is missing or invalid.
	ErrPrecondition = errors.New("request precondition not met")

	// ErrUnsupported is returned for requests that have no meaningful mapping onto the REPL.
	ErrUnsupported = errors.New("request not supported")

	// ErrSessionTerminated is returned when a request arrives after the session ended.
	ErrSessionTerminated = errors.New("session terminated")
)

// IsTransportError returns true if the error means the session cannot continue.
func IsTransportError(err error) bool {
	return errors.Is(err, ErrTransportLost) ||
		errors.Is(err, ErrSessionTerminated)
}

// IsProtocolError returns true if the error is local to a single message or request.
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrProtocolDecode) ||
		errors.Is(err, ErrPrecondition) ||
		errors.Is(err, ErrUnsupported)
}

// filterContextError filters out redundant context errors during shutdown.
// If the error is a context.Canceled or context.DeadlineExceeded and the
// context is already done, the error is logged at debug level and nil is returned.
// Errors of processes killed because of the cancellation are filtered out too.
func filterContextError(err error, ctx context.Context, log logr.Logger) error {
	if err == nil {
		return nil
	}

	if ctx.Err() != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			log.V(1).Info("Filtering redundant context error", "error", err)
			return nil
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && strings.Contains(exitErr.Error(), "signal: killed") {
			log.V(1).Info("Filtering process killed error on context cancellation", "error", err)
			return nil
		}
	}

	return err
}
