/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package resiliency

import (
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/go-logr/logr"
)

var ErrPanic = errors.New("unexpected panic")

// MakePanicError turns a recovered panic value into an error, logging it with the call stack.
// Returns nil if there was no panic.
func MakePanicError(panicVal any, log logr.Logger) error {
	if panicVal == nil {
		return nil
	}

	var panicErr error
	if e, isError := panicVal.(error); isError {
		panicErr = fmt.Errorf("%w: %w", ErrPanic, e)
	} else {
		panicErr = fmt.Errorf("%w: %v", ErrPanic, panicVal)
	}

	log.Error(panicErr, "Recovered from panic", "stack", string(debug.Stack()))
	return Permanent(panicErr)
}

// CatchPanic runs fn and converts a panic raised by it into an error.
func CatchPanic(log logr.Logger, fn func() error) (err error) {
	defer func() {
		if panicErr := MakePanicError(recover(), log); panicErr != nil {
			err = panicErr
		}
	}()
	return fn()
}
