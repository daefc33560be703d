// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"sort"
)

type SessionStatus int

const (
	StatusNotStarted SessionStatus = iota
	StatusRunning
	StatusPaused
	StatusTerminated
)

func (s SessionStatus) String() string {
	switch s {
	case StatusNotStarted:
		return "NotStarted"
	case StatusRunning:
		return "Running"
	case StatusPaused:
		return "Paused"
	case StatusTerminated:
		return "Terminated"
	default:
		return "unknown"
	}
}

type Breakpoint struct {
	ID       int
	FilePath string
	Line     int
	Verified bool
}

type StackFrame struct {
	// 0 is the innermost frame.
	Index       int
	DisplayName string
	FilePath    string
	Line        int
	EnvID       string
}

type Variable struct {
	Name       string
	Value      string
	Type       string
	Structured bool
	// Reference assigned by the REPL, used to ask for the children of a structured variable.
	RemoteRef int
}

type Scope struct {
	Name      string
	EnvID     string
	Variables []Variable
}

type Location struct {
	FilePath string
	Line     int
}

// handleTarget is what a variables reference handed out to the client points to.
type handleTarget struct {
	envID      string
	scopeIndex int
	// Non-zero when the handle points to the children of a structured variable.
	remoteRef int
}

// State is the session state store. It reflects what the REPL last reported.
// It is owned by the session reactor and is not goroutine-safe.
type State struct {
	status SessionStatus

	breakpoints      map[string][]*Breakpoint
	breakpointsByID  map[int]*Breakpoint
	nextBreakpointID int

	frames     []StackFrame
	stackFresh bool

	// Scopes per environment identifier
	scopes map[string][]Scope
	// Children of structured variables per remote reference
	children map[int][]Variable

	handles    map[int]handleTarget
	nextHandle int

	location Location
}

func NewState() *State {
	return &State{
		status:          StatusNotStarted,
		breakpoints:     make(map[string][]*Breakpoint),
		breakpointsByID: make(map[int]*Breakpoint),
		scopes:          make(map[string][]Scope),
		children:        make(map[int][]Variable),
		handles:         make(map[int]handleTarget),
	}
}

func (s *State) Status() SessionStatus {
	return s.status
}

// SetStatus changes the session status. Returns false if nothing changed.
// Terminated is final.
func (s *State) SetStatus(status SessionStatus) bool {
	if s.status == status || s.status == StatusTerminated {
		return false
	}
	s.status = status
	if status != StatusPaused {
		s.invalidateFrameData(false)
	}
	return true
}

// SetBreakpoints replaces all breakpoints of a file. Breakpoints on lines that were already
// set keep their identifiers and verification state.
func (s *State) SetBreakpoints(path string, lines []int) []Breakpoint {
	existing := make(map[int]*Breakpoint)
	for _, bp := range s.breakpoints[path] {
		existing[bp.Line] = bp
		delete(s.breakpointsByID, bp.ID)
	}

	seen := make(map[int]bool)
	var updated []*Breakpoint
	for _, line := range lines {
		if seen[line] {
			continue
		}
		seen[line] = true

		bp, found := existing[line]
		if !found {
			s.nextBreakpointID++
			bp = &Breakpoint{ID: s.nextBreakpointID, FilePath: path, Line: line}
		}
		updated = append(updated, bp)
		s.breakpointsByID[bp.ID] = bp
	}

	if len(updated) == 0 {
		delete(s.breakpoints, path)
	} else {
		s.breakpoints[path] = updated
	}
	return s.Breakpoints(path)
}

func (s *State) ClearBreakpoints(path string) {
	s.SetBreakpoints(path, nil)
}

func (s *State) Breakpoints(path string) []Breakpoint {
	bps := s.breakpoints[path]
	retval := make([]Breakpoint, len(bps))
	for i, bp := range bps {
		retval[i] = *bp
	}
	return retval
}

// BreakpointFiles returns the paths of all files with breakpoints, sorted.
func (s *State) BreakpointFiles() []string {
	paths := make([]string, 0, len(s.breakpoints))
	for path := range s.breakpoints {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

func (s *State) Breakpoint(id int) (Breakpoint, bool) {
	bp, found := s.breakpointsByID[id]
	if !found {
		return Breakpoint{}, false
	}
	return *bp, true
}

// VerifyBreakpoint records the REPL verdict about a breakpoint.
// Returns the updated breakpoint and whether anything changed.
func (s *State) VerifyBreakpoint(id int, verified bool, line int) (Breakpoint, bool) {
	bp, found := s.breakpointsByID[id]
	if !found {
		return Breakpoint{}, false
	}

	changed := bp.Verified != verified || (line > 0 && bp.Line != line)
	bp.Verified = verified
	if line > 0 {
		bp.Line = line
	}
	return *bp, changed
}

// SetStack replaces the call stack, innermost frame first.
func (s *State) SetStack(frames []StackFrame) {
	s.frames = append([]StackFrame(nil), frames...)
	s.stackFresh = true
}

// Stack returns the call stack and whether it reflects the current pause.
func (s *State) Stack() ([]StackFrame, bool) {
	return append([]StackFrame(nil), s.frames...), s.stackFresh
}

func (s *State) Frame(index int) (StackFrame, bool) {
	if index < 0 || index >= len(s.frames) {
		return StackFrame{}, false
	}
	return s.frames[index], true
}

// SetScopes caches the scopes of an environment.
func (s *State) SetScopes(envID string, scopes []Scope) {
	s.scopes[envID] = scopes
}

// Scopes returns the cached scopes of an environment.
func (s *State) Scopes(envID string) ([]Scope, bool) {
	scopes, found := s.scopes[envID]
	return scopes, found
}

func (s *State) SetChildren(remoteRef int, vars []Variable) {
	s.children[remoteRef] = vars
}

func (s *State) Children(remoteRef int) ([]Variable, bool) {
	vars, found := s.children[remoteRef]
	return vars, found
}

// ScopeHandle returns the variables reference of a scope, allocating one if necessary.
func (s *State) ScopeHandle(envID string, scopeIndex int) int {
	return s.handle(handleTarget{envID: envID, scopeIndex: scopeIndex})
}

// ChildrenHandle returns the variables reference for the children of a structured variable.
func (s *State) ChildrenHandle(remoteRef int) int {
	return s.handle(handleTarget{remoteRef: remoteRef})
}

func (s *State) handle(target handleTarget) int {
	for h, t := range s.handles {
		if t == target {
			return h
		}
	}
	s.nextHandle++
	s.handles[s.nextHandle] = target
	return s.nextHandle
}

func (s *State) resolveHandle(h int) (handleTarget, bool) {
	t, found := s.handles[h]
	return t, found
}

func (s *State) Location() Location {
	return s.location
}

func (s *State) SetLocation(loc Location) {
	s.location = loc
}

// Frame information is only valid while paused at one place.
func (s *State) invalidateFrameData(keepHandles bool) {
	s.stackFresh = false
	s.scopes = make(map[string][]Scope)
	s.children = make(map[int][]Variable)
	if !keepHandles {
		s.handles = make(map[int]handleTarget)
	}
}

// InvalidateFrameData drops cached stack and variable information, e.g. after the REPL evaluated
// something that could have changed it. References handed out to the client stay valid
// and are served by asking the REPL again.
func (s *State) InvalidateFrameData() {
	s.invalidateFrameData(true)
}
