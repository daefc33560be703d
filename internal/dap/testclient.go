/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/go-dap"

	"github.com/microsoft/replbridge/internal/config"
)

// TestClient is a DAP client for testing purposes.
// It provides helper methods for common DAP operations.
type TestClient struct {
	transport Transport
	seq       int
	seqMu     sync.Mutex

	// eventChan receives events from the server
	eventChan chan dap.Message

	// events records every event received, in order
	events   []dap.Message
	eventsMu sync.Mutex

	// responseChans tracks pending requests waiting for responses
	responseChans map[int]chan dap.Message
	responseMu    sync.Mutex

	// ctx controls the client lifecycle
	ctx    context.Context
	cancel context.CancelFunc

	// wg tracks reader goroutine
	wg sync.WaitGroup
}

// NewTestClient creates a new DAP test client with the given transport.
func NewTestClient(transport Transport) *TestClient {
	ctx, cancel := context.WithCancel(context.Background())
	c := &TestClient{
		transport:     transport,
		seq:           0,
		eventChan:     make(chan dap.Message, 100),
		responseChans: make(map[int]chan dap.Message),
		ctx:           ctx,
		cancel:        cancel,
	}

	c.wg.Add(1)
	go c.readLoop()

	return c
}

// readLoop continuously reads messages from the transport and routes them.
func (c *TestClient) readLoop() {
	defer c.wg.Done()

	for {
		msg, readErr := c.transport.ReadMessage()
		if readErr != nil {
			if IsProtocolError(readErr) {
				continue
			}
			return
		}

		switch m := msg.(type) {
		case dap.ResponseMessage:
			resp := m.GetResponse()
			c.responseMu.Lock()
			if ch, ok := c.responseChans[resp.RequestSeq]; ok {
				ch <- msg
				delete(c.responseChans, resp.RequestSeq)
			}
			c.responseMu.Unlock()

		case dap.EventMessage:
			c.eventsMu.Lock()
			c.events = append(c.events, msg)
			c.eventsMu.Unlock()

			select {
			case c.eventChan <- msg:
			default:
				// Event channel full, drop oldest
				select {
				case <-c.eventChan:
				default:
				}
				c.eventChan <- msg
			}
		}
	}
}

// nextSeq returns the next sequence number.
func (c *TestClient) nextSeq() int {
	c.seqMu.Lock()
	defer c.seqMu.Unlock()
	c.seq++
	return c.seq
}

// Send sends a request and waits for the response, whether it succeeded or not.
func (c *TestClient) Send(ctx context.Context, req dap.RequestMessage) (dap.Message, error) {
	request := req.GetRequest()
	seq := c.nextSeq()
	request.Seq = seq
	request.Type = "request"

	respChan := make(chan dap.Message, 1)
	c.responseMu.Lock()
	c.responseChans[seq] = respChan
	c.responseMu.Unlock()

	if writeErr := c.transport.WriteMessage(req); writeErr != nil {
		c.responseMu.Lock()
		delete(c.responseChans, seq)
		c.responseMu.Unlock()
		return nil, fmt.Errorf("failed to send request: %w", writeErr)
	}

	select {
	case resp := <-respChan:
		return resp, nil
	case <-ctx.Done():
		c.responseMu.Lock()
		delete(c.responseChans, seq)
		c.responseMu.Unlock()
		return nil, ctx.Err()
	}
}

// sendRequest sends a request and fails unless the response is a successful response of type T.
func sendRequest[T dap.ResponseMessage](ctx context.Context, c *TestClient, req dap.RequestMessage) (T, error) {
	var none T
	resp, sendErr := c.Send(ctx, req)
	if sendErr != nil {
		return none, sendErr
	}

	if errResp, isError := resp.(*dap.ErrorResponse); isError {
		return none, fmt.Errorf("%s failed: %s", errResp.Command, errResp.Message)
	}

	typed, ok := resp.(T)
	if !ok {
		return none, fmt.Errorf("unexpected response type: %T", resp)
	}
	if !typed.GetResponse().Success {
		return none, fmt.Errorf("%s failed: %s", typed.GetResponse().Command, typed.GetResponse().Message)
	}
	return typed, nil
}

func request(command string) dap.Request {
	return dap.Request{
		ProtocolMessage: dap.ProtocolMessage{Type: "request"},
		Command:         command,
	}
}

// Initialize sends an initialize request and returns the capabilities.
func (c *TestClient) Initialize(ctx context.Context) (*dap.InitializeResponse, error) {
	req := &dap.InitializeRequest{
		Request: request("initialize"),
		Arguments: dap.InitializeRequestArguments{
			ClientID:        "test-client",
			ClientName:      "DAP Test Client",
			AdapterID:       "R",
			Locale:          "en-US",
			LinesStartAt1:   true,
			ColumnsStartAt1: true,
			PathFormat:      "path",
		},
	}
	return sendRequest[*dap.InitializeResponse](ctx, c, req)
}

// Launch sends a launch request with the given arguments.
func (c *TestClient) Launch(ctx context.Context, args config.LaunchArguments) error {
	argsJSON, marshalErr := json.Marshal(args)
	if marshalErr != nil {
		return fmt.Errorf("failed to marshal launch arguments: %w", marshalErr)
	}

	_, err := sendRequest[*dap.LaunchResponse](ctx, c, &dap.LaunchRequest{Request: request("launch"), Arguments: argsJSON})
	return err
}

// Attach sends an attach request with the given arguments.
func (c *TestClient) Attach(ctx context.Context, args config.LaunchArguments) error {
	argsJSON, marshalErr := json.Marshal(args)
	if marshalErr != nil {
		return fmt.Errorf("failed to marshal attach arguments: %w", marshalErr)
	}

	_, err := sendRequest[*dap.AttachResponse](ctx, c, &dap.AttachRequest{Request: request("attach"), Arguments: argsJSON})
	return err
}

// SetBreakpoints sets breakpoints in the given file at the specified lines.
func (c *TestClient) SetBreakpoints(ctx context.Context, file string, lines []int) (*dap.SetBreakpointsResponse, error) {
	breakpoints := make([]dap.SourceBreakpoint, len(lines))
	for i, line := range lines {
		breakpoints[i] = dap.SourceBreakpoint{Line: line}
	}

	req := &dap.SetBreakpointsRequest{
		Request: request("setBreakpoints"),
		Arguments: dap.SetBreakpointsArguments{
			Source:      dap.Source{Path: file},
			Breakpoints: breakpoints,
		},
	}
	return sendRequest[*dap.SetBreakpointsResponse](ctx, c, req)
}

// ConfigurationDone signals that configuration is complete.
func (c *TestClient) ConfigurationDone(ctx context.Context) error {
	_, err := sendRequest[*dap.ConfigurationDoneResponse](ctx, c, &dap.ConfigurationDoneRequest{Request: request("configurationDone")})
	return err
}

// StackTrace requests the call stack of the single thread.
func (c *TestClient) StackTrace(ctx context.Context) (*dap.StackTraceResponse, error) {
	req := &dap.StackTraceRequest{
		Request:   request("stackTrace"),
		Arguments: dap.StackTraceArguments{ThreadId: threadID},
	}
	return sendRequest[*dap.StackTraceResponse](ctx, c, req)
}

// Scopes requests the scopes of a stack frame.
func (c *TestClient) Scopes(ctx context.Context, frameID int) (*dap.ScopesResponse, error) {
	req := &dap.ScopesRequest{
		Request:   request("scopes"),
		Arguments: dap.ScopesArguments{FrameId: frameID},
	}
	return sendRequest[*dap.ScopesResponse](ctx, c, req)
}

// Variables requests the variables behind a variables reference.
func (c *TestClient) Variables(ctx context.Context, ref int) (*dap.VariablesResponse, error) {
	req := &dap.VariablesRequest{
		Request:   request("variables"),
		Arguments: dap.VariablesArguments{VariablesReference: ref},
	}
	return sendRequest[*dap.VariablesResponse](ctx, c, req)
}

// Evaluate evaluates an expression in the given context.
func (c *TestClient) Evaluate(ctx context.Context, expression string, evalContext string, frameID int) (*dap.EvaluateResponse, error) {
	req := &dap.EvaluateRequest{
		Request: request("evaluate"),
		Arguments: dap.EvaluateArguments{
			Expression: expression,
			Context:    evalContext,
			FrameId:    frameID,
		},
	}
	return sendRequest[*dap.EvaluateResponse](ctx, c, req)
}

// Continue resumes execution of all threads.
func (c *TestClient) Continue(ctx context.Context, threadID int) error {
	req := &dap.ContinueRequest{
		Request:   request("continue"),
		Arguments: dap.ContinueArguments{ThreadId: threadID},
	}
	_, err := sendRequest[*dap.ContinueResponse](ctx, c, req)
	return err
}

// Next steps over the current line.
func (c *TestClient) Next(ctx context.Context, threadID int) error {
	req := &dap.NextRequest{
		Request:   request("next"),
		Arguments: dap.NextArguments{ThreadId: threadID},
	}
	_, err := sendRequest[*dap.NextResponse](ctx, c, req)
	return err
}

// Disconnect sends a disconnect request to terminate the debug session.
func (c *TestClient) Disconnect(ctx context.Context, terminateDebuggee bool) error {
	req := &dap.DisconnectRequest{
		Request: request("disconnect"),
		Arguments: &dap.DisconnectArguments{
			TerminateDebuggee: terminateDebuggee,
		},
	}
	_, err := sendRequest[*dap.DisconnectResponse](ctx, c, req)
	return err
}

// WaitForEvent waits for an event of the specified type.
// Returns the event or an error if timeout expires.
func (c *TestClient) WaitForEvent(eventType string, timeout time.Duration) (dap.Message, error) {
	deadline := time.After(timeout)

	for {
		select {
		case msg := <-c.eventChan:
			if event, ok := msg.(dap.EventMessage); ok {
				if event.GetEvent().Event == eventType {
					return msg, nil
				}
			}
			// Not the event we're looking for, continue waiting

		case <-deadline:
			return nil, fmt.Errorf("timeout waiting for event %q", eventType)

		case <-c.ctx.Done():
			return nil, c.ctx.Err()
		}
	}
}

// WaitForStoppedEvent waits for a stopped event.
func (c *TestClient) WaitForStoppedEvent(timeout time.Duration) (*dap.StoppedEvent, error) {
	msg, waitErr := c.WaitForEvent("stopped", timeout)
	if waitErr != nil {
		return nil, waitErr
	}

	stoppedEvent, ok := msg.(*dap.StoppedEvent)
	if !ok {
		return nil, fmt.Errorf("unexpected event type: %T", msg)
	}

	return stoppedEvent, nil
}

// WaitForTerminatedEvent waits for a terminated event.
func (c *TestClient) WaitForTerminatedEvent(timeout time.Duration) error {
	_, waitErr := c.WaitForEvent("terminated", timeout)
	return waitErr
}

// Events returns all events received so far, in order.
func (c *TestClient) Events() []dap.Message {
	c.eventsMu.Lock()
	defer c.eventsMu.Unlock()
	return append([]dap.Message(nil), c.events...)
}

// EventCount returns the number of received events of the given type.
func (c *TestClient) EventCount(eventType string) int {
	count := 0
	for _, msg := range c.Events() {
		if event, ok := msg.(dap.EventMessage); ok && event.GetEvent().Event == eventType {
			count++
		}
	}
	return count
}

// Output returns the concatenated text of all output events received so far.
func (c *TestClient) Output() string {
	var output string
	for _, msg := range c.Events() {
		if oe, ok := msg.(*dap.OutputEvent); ok {
			output += oe.Body.Output
		}
	}
	return output
}

// Close closes the client and its transport.
func (c *TestClient) Close() error {
	c.cancel()
	closeErr := c.transport.Close()
	c.wg.Wait()
	return closeErr
}
