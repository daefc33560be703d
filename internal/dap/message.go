// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"errors"
	"sync"

	"github.com/google/go-dap"
)

// sequenceCounter provides thread-safe sequence number generation.
type sequenceCounter struct {
	mu  sync.Mutex
	seq int
}

// newSequenceCounter creates a new sequence counter starting at 0.
func newSequenceCounter() *sequenceCounter {
	return &sequenceCounter{seq: 0}
}

// Next returns the next sequence number.
func (c *sequenceCounter) Next() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}

// Current returns the current sequence number without incrementing.
func (c *sequenceCounter) Current() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// Error ids reported in ErrorResponse bodies, one per error class.
const (
	errorIDGeneric      = 1000
	errorIDPrecondition = 1001
	errorIDUnsupported  = 1002
	errorIDTerminated   = 1003
)

// newResponse creates a successful response to the given request.
// The sequence number is assigned when the message is sent.
func newResponse(req *dap.Request) dap.Response {
	return dap.Response{
		ProtocolMessage: dap.ProtocolMessage{Type: "response"},
		Command:         req.Command,
		RequestSeq:      req.Seq,
		Success:         true,
	}
}

// newErrorResponse creates a failed response with a message describing err.
func newErrorResponse(req *dap.Request, err error) *dap.ErrorResponse {
	resp := newResponse(req)
	resp.Success = false
	resp.Message = err.Error()

	id := errorIDGeneric
	switch {
	case errors.Is(err, ErrPrecondition):
		id = errorIDPrecondition
	case errors.Is(err, ErrUnsupported):
		id = errorIDUnsupported
		resp.Message = "notSupported"
	case errors.Is(err, ErrSessionTerminated):
		id = errorIDTerminated
	}

	return &dap.ErrorResponse{
		Response: resp,
		Body: dap.ErrorResponseBody{
			Error: &dap.ErrorMessage{
				Id:       id,
				Format:   err.Error(),
				ShowUser: id != errorIDUnsupported,
			},
		},
	}
}

func newEvent(name string) dap.Event {
	return dap.Event{
		ProtocolMessage: dap.ProtocolMessage{Type: "event"},
		Event:           name,
	}
}

// setSeq assigns the outgoing sequence number of a message.
func setSeq(msg dap.Message, seq int) {
	switch m := msg.(type) {
	case dap.ResponseMessage:
		m.GetResponse().Seq = seq
	case dap.EventMessage:
		m.GetEvent().Seq = seq
	case dap.RequestMessage:
		m.GetRequest().Seq = seq
	}
}
