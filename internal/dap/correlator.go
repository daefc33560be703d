// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
)

// PendingRequest is an information request sent to the REPL that has not been answered yet.
type PendingRequest struct {
	ID       int
	Kind     string
	IssuedAt time.Time
}

// Correlator matches structured replies to the requests that asked for them.
//
// Requests get increasing identifiers from a single stream. Replies advance a watermark,
// the highest identifier answered so far, so waiting for a reply means waiting for the
// watermark to reach the request identifier.
type Correlator struct {
	pollInterval time.Duration

	// Protects lastID and pending
	mu      sync.Mutex
	lastID  int
	pending map[int]PendingRequest

	watermark atomic.Int64
	failed    atomic.Bool
}

func NewCorrelator(pollInterval time.Duration) *Correlator {
	if pollInterval <= 0 {
		pollInterval = 10 * time.Millisecond
	}
	return &Correlator{
		pollInterval: pollInterval,
		pending:      make(map[int]PendingRequest),
	}
}

// Issue allocates the identifier for a new request.
func (c *Correlator) Issue(kind string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastID++
	c.pending[c.lastID] = PendingRequest{ID: c.lastID, Kind: kind, IssuedAt: time.Now()}
	return c.lastID
}

// Resolve records that the reply for a request arrived.
// Replies to earlier requests that never came are considered resolved too.
func (c *Correlator) Resolve(id int) {
	c.mu.Lock()
	for pendingID := range c.pending {
		if pendingID <= id {
			delete(c.pending, pendingID)
		}
	}
	c.mu.Unlock()

	for {
		current := c.watermark.Load()
		if int64(id) <= current || c.watermark.CompareAndSwap(current, int64(id)) {
			return
		}
	}
}

// Watermark returns the highest request identifier that has been answered.
func (c *Correlator) Watermark() int {
	return int(c.watermark.Load())
}

// Pending returns the requests still waiting for a reply.
func (c *Correlator) Pending() []PendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	retval := make([]PendingRequest, 0, len(c.pending))
	for _, pr := range c.pending {
		retval = append(retval, pr)
	}
	return retval
}

// Fail makes all current and future waits return false. Used when the REPL went away.
func (c *Correlator) Fail() {
	c.failed.Store(true)
	c.mu.Lock()
	c.pending = make(map[int]PendingRequest)
	c.mu.Unlock()
}

func (c *Correlator) Failed() bool {
	return c.failed.Load()
}

var errCorrelatorFailed = errors.New("correlator failed")

// AwaitAtLeast waits until the watermark reaches id. It returns false if the timeout elapses,
// the context is cancelled, or the correlator failed first. A false result means
// the information the caller asked for may be stale, not that the session is broken.
func (c *Correlator) AwaitAtLeast(ctx context.Context, id int, timeout time.Duration) bool {
	err := wait.PollUntilContextTimeout(ctx, c.pollInterval, timeout, true /* poll immediately */, func(_ context.Context) (bool, error) {
		if c.Watermark() >= id {
			return true, nil
		}
		if c.failed.Load() {
			return false, errCorrelatorFailed
		}
		return false, nil
	})
	return err == nil
}
