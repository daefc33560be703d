/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package testutil

import (
	"bytes"
	"strings"
	"sync"
)

// LockedBuffer is an io.Writer that can be safely written to and inspected from different goroutines.
type LockedBuffer struct {
	lock sync.Mutex
	buf  bytes.Buffer
}

func (lb *LockedBuffer) Write(p []byte) (int, error) {
	lb.lock.Lock()
	defer lb.lock.Unlock()
	return lb.buf.Write(p)
}

func (lb *LockedBuffer) String() string {
	lb.lock.Lock()
	defer lb.lock.Unlock()
	return lb.buf.String()
}

// Lines returns the complete (newline-terminated) lines written so far.
func (lb *LockedBuffer) Lines() []string {
	s := lb.String()
	idx := strings.LastIndexByte(s, '\n')
	if idx < 0 {
		return nil
	}
	return strings.Split(s[:idx], "\n")
}
