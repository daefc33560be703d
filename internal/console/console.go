/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package console implements the operator-facing pseudo-console of a REPL session.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/go-logr/logr"
)

var ErrNotAttached = errors.New("the console is not attached to a running REPL")

// InputTarget receives operator input. Implemented by REPL endpoints.
type InputTarget interface {
	WriteRawInput(text string) error
}

// Console shows REPL output to the operator and relays operator input back to the REPL.
//
// Input is sent to the REPL verbatim and echoed to the displays, because the REPL
// does not echo input that does not come from a terminal.
type Console struct {
	log logr.Logger

	mu       sync.Mutex
	target   InputTarget
	displays []io.Writer
}

func New(log logr.Logger, displays ...io.Writer) *Console {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &Console{
		log:      log,
		displays: displays,
	}
}

// Attach directs operator input to target. A nil target detaches the console.
func (c *Console) Attach(target InputTarget) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.target = target
}

// Detach stops directing input to target, unless input already goes to another target.
func (c *Console) Detach(target InputTarget) {
	if target == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.target == target {
		c.target = nil
	}
}

func (c *Console) Attached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target != nil
}

// AddDisplay adds a writer that receives everything shown on the console.
// The returned function removes it.
func (c *Console) AddDisplay(w io.Writer) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.displays = append(c.displays, w)

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, d := range c.displays {
			if d == w {
				c.displays = append(c.displays[:i], c.displays[i+1:]...)
				return
			}
		}
	}
}

// Write shows REPL output as is. It never fails; displays that fail are logged and skipped.
func (c *Console) Write(p []byte) (int, error) {
	c.mu.Lock()
	displays := append([]io.Writer(nil), c.displays...)
	c.mu.Unlock()

	for _, d := range displays {
		if _, err := d.Write(p); err != nil {
			c.log.V(1).Info("console display write failed", "Error", err.Error())
		}
	}
	return len(p), nil
}

// Input sends operator input to the REPL verbatim and echoes it to the displays.
func (c *Console) Input(text string) error {
	c.mu.Lock()
	target := c.target
	c.mu.Unlock()

	if target == nil {
		return ErrNotAttached
	}
	if err := target.WriteRawInput(text); err != nil {
		return fmt.Errorf("could not send console input: %w", err)
	}

	_, _ = c.Write([]byte(text))
	return nil
}

// ReadInput relays lines read from r (e.g. the operator's terminal) until r is exhausted
// or the context is cancelled. Input typed while no REPL is attached is dropped.
func (c *Console) ReadInput(ctx context.Context, r io.Reader) error {
	reader := bufio.NewReader(r)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		line, readErr := reader.ReadString('\n')
		if line != "" {
			if err := c.Input(line); err != nil {
				c.log.Info("console input dropped", "Reason", err.Error())
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			return readErr
		}
	}
}
