// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"encoding/json"
	"fmt"
)

// Sentinels bracketing a structured message embedded in REPL output.
const (
	LeftSentinel  = `<v\s\c>`
	RightSentinel = `</v\s\c>`
)

// Message tags of the structured side channel.
const (
	TagGo                     = "go"
	TagEnd                    = "end"
	TagBreakpoint             = "breakpoint"
	TagScopes                 = "scopes"
	TagStack                  = "stack"
	TagVariables              = "variables"
	TagEval                   = "eval"
	TagBreakpointVerification = "breakpointVerification"
)

// envelope is the common shape of every structured message.
type envelope struct {
	Message string          `json:"message"`
	ID      int             `json:"id"`
	Body    json.RawMessage `json:"body"`
}

// Payload is a decoded structured message. The concrete type is one of the *Payload types below.
type Payload interface {
	Tag() string
	RequestID() int
}

type payloadHeader struct {
	id int
}

func (h payloadHeader) RequestID() int { return h.id }

// GoPayload reports that the REPL side of the session started.
type GoPayload struct {
	payloadHeader
	Version string `json:"version"`
}

// EndPayload reports that the debugged program finished.
type EndPayload struct {
	payloadHeader
}

// BreakpointHitPayload reports that execution stopped at a breakpoint.
type BreakpointHitPayload struct {
	payloadHeader
	BreakpointID int    `json:"id"`
	File         string `json:"file"`
	Line         int    `json:"line"`
}

type VariableInfo struct {
	Name       string `json:"name"`
	Value      string `json:"value"`
	Type       string `json:"type"`
	Structured bool   `json:"structured"`
	// Reference can be used to ask for the children of a structured variable.
	Reference int `json:"reference"`
}

type ScopeInfo struct {
	Name      string         `json:"name"`
	EnvID     string         `json:"envId"`
	Variables []VariableInfo `json:"variables"`
}

// ScopesPayload lists the scopes of a frame, innermost first.
type ScopesPayload struct {
	payloadHeader
	EnvID  string      `json:"envId"`
	Scopes []ScopeInfo `json:"scopes"`
}

type FrameInfo struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
	File  string `json:"file"`
	Line  int    `json:"line"`
	EnvID string `json:"envId"`
}

// StackPayload lists the call stack, innermost frame first.
type StackPayload struct {
	payloadHeader
	Frames []FrameInfo `json:"frames"`
}

// VariablesPayload lists the children of a structured variable.
type VariablesPayload struct {
	payloadHeader
	Reference int            `json:"reference"`
	Variables []VariableInfo `json:"variables"`
}

// EvalPayload is the result of an expression evaluation.
type EvalPayload struct {
	payloadHeader
	Result    string `json:"result"`
	Type      string `json:"type"`
	Reference int    `json:"reference"`
	Error     string `json:"error"`
}

// BreakpointVerificationPayload reports whether the REPL could place a breakpoint.
type BreakpointVerificationPayload struct {
	payloadHeader
	BreakpointID int  `json:"id"`
	Verified     bool `json:"verified"`
	Line         int  `json:"line"`
}

// UnknownPayload carries a message with a tag the bridge does not recognize.
type UnknownPayload struct {
	payloadHeader
	Message string
	Body    json.RawMessage
}

func (*GoPayload) Tag() string                     { return TagGo }
func (*EndPayload) Tag() string                    { return TagEnd }
func (*BreakpointHitPayload) Tag() string          { return TagBreakpoint }
func (*ScopesPayload) Tag() string                 { return TagScopes }
func (*StackPayload) Tag() string                  { return TagStack }
func (*VariablesPayload) Tag() string              { return TagVariables }
func (*EvalPayload) Tag() string                   { return TagEval }
func (*BreakpointVerificationPayload) Tag() string { return TagBreakpointVerification }
func (p *UnknownPayload) Tag() string              { return p.Message }

// DecodePayload decodes the JSON text found between the sentinels.
func DecodePayload(data []byte) (Payload, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocolDecode, err)
	}
	if env.Message == "" {
		return nil, fmt.Errorf("%w: structured message has no tag", ErrProtocolDecode)
	}

	header := payloadHeader{id: env.ID}
	var p Payload
	switch env.Message {
	case TagGo:
		p = &GoPayload{payloadHeader: header}
	case TagEnd:
		p = &EndPayload{payloadHeader: header}
	case TagBreakpoint:
		p = &BreakpointHitPayload{payloadHeader: header}
	case TagScopes:
		p = &ScopesPayload{payloadHeader: header}
	case TagStack:
		p = &StackPayload{payloadHeader: header}
	case TagVariables:
		p = &VariablesPayload{payloadHeader: header}
	case TagEval:
		p = &EvalPayload{payloadHeader: header}
	case TagBreakpointVerification:
		p = &BreakpointVerificationPayload{payloadHeader: header}
	default:
		return &UnknownPayload{payloadHeader: header, Message: env.Message, Body: env.Body}, nil
	}

	if len(env.Body) > 0 && string(env.Body) != "null" {
		if err := json.Unmarshal(env.Body, p); err != nil {
			return nil, fmt.Errorf("%w: body of '%s' message: %w", ErrProtocolDecode, env.Message, err)
		}
	}
	return p, nil
}
