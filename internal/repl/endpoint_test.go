// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package repl

import (
	"bytes"
	"sync"
)

// collectingSink gathers everything delivered to an OutputSink, per channel.
type collectingSink struct {
	mu   sync.Mutex
	data map[Channel]*bytes.Buffer
}

func newCollectingSink() *collectingSink {
	return &collectingSink{data: make(map[Channel]*bytes.Buffer)}
}

func (cs *collectingSink) Sink(ch Channel, data []byte) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	buf, found := cs.data[ch]
	if !found {
		buf = &bytes.Buffer{}
		cs.data[ch] = buf
	}
	buf.Write(data)
}

func (cs *collectingSink) String(ch Channel) string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if buf, found := cs.data[ch]; found {
		return buf.String()
	}
	return ""
}
