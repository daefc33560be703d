// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/go-dap"

	"github.com/microsoft/replbridge/internal/config"
	"github.com/microsoft/replbridge/internal/repl"
	"github.com/microsoft/replbridge/pkg/resiliency"
)

// Expressions starting with this directive are sent to the REPL input as is.
const stdinDirective = "###stdin"

var (
	errNotPaused     = fmt.Errorf("%w: the R session is not paused", ErrPrecondition)
	errNotStarted    = fmt.Errorf("%w: the R session has not started", ErrPrecondition)
	errNoFrame       = fmt.Errorf("%w: no active stack frame", ErrPrecondition)
	errAlreadyActive = fmt.Errorf("%w: the session was already launched or attached", ErrPrecondition)
)

func (s *Session) handleRequest(msg dap.Message) {
	rm, isRequest := msg.(dap.RequestMessage)
	if !isRequest {
		s.log.V(1).Info("ignoring message that is not a request", "Message", fmt.Sprintf("%T", msg))
		return
	}
	req := rm.GetRequest()

	if s.state.Status() == StatusTerminated {
		switch msg.(type) {
		case *dap.DisconnectRequest, *dap.TerminateRequest, *dap.InitializeRequest:
		default:
			s.send(newErrorResponse(req, ErrSessionTerminated))
			return
		}
	}

	err := resiliency.CatchPanic(s.log, func() error {
		return s.dispatch(msg)
	})
	if err != nil {
		s.send(newErrorResponse(req, err))
	}
}

// dispatch routes a request to its handler. A returned error is sent as a failed response;
// handlers that answer asynchronously return nil and respond later.
func (s *Session) dispatch(msg dap.Message) error {
	switch req := msg.(type) {
	case *dap.InitializeRequest:
		return s.onInitialize(req)
	case *dap.LaunchRequest:
		return s.onLaunch(req)
	case *dap.AttachRequest:
		return s.onAttach(req)
	case *dap.SetBreakpointsRequest:
		return s.onSetBreakpoints(req)
	case *dap.SetExceptionBreakpointsRequest:
		return s.onSetExceptionBreakpoints(req)
	case *dap.ConfigurationDoneRequest:
		return s.onConfigurationDone(req)
	case *dap.ThreadsRequest:
		return s.onThreads(req)
	case *dap.StackTraceRequest:
		return s.onStackTrace(req)
	case *dap.ScopesRequest:
		return s.onScopes(req)
	case *dap.VariablesRequest:
		return s.onVariables(req)
	case *dap.EvaluateRequest:
		return s.onEvaluate(req)
	case *dap.ContinueRequest:
		return s.onStep(&req.Request, repl.StepContinue, func(resp dap.Response) dap.Message {
			return &dap.ContinueResponse{Response: resp, Body: dap.ContinueResponseBody{AllThreadsContinued: true}}
		})
	case *dap.NextRequest:
		return s.onStep(&req.Request, repl.StepOver, func(resp dap.Response) dap.Message {
			return &dap.NextResponse{Response: resp}
		})
	case *dap.StepInRequest:
		return s.onStep(&req.Request, repl.StepInto, func(resp dap.Response) dap.Message {
			return &dap.StepInResponse{Response: resp}
		})
	case *dap.StepOutRequest:
		return s.onStep(&req.Request, repl.StepOut, func(resp dap.Response) dap.Message {
			return &dap.StepOutResponse{Response: resp}
		})
	case *dap.PauseRequest:
		return fmt.Errorf("%w: the R session cannot be interrupted", ErrUnsupported)
	case *dap.DisconnectRequest:
		return s.onDisconnect(req)
	case *dap.TerminateRequest:
		return s.onTerminate(req)
	default:
		return ErrUnsupported
	}
}

// Requests with a command go-dap does not know cannot be decoded, but still need an answer.
func (s *Session) handleDecodeError(fieldErr *dap.DecodeProtocolMessageFieldError) {
	s.log.V(1).Info("could not decode client message", "Error", fieldErr.Error())
	if !strings.EqualFold(fieldErr.SubType, "request") || fieldErr.FieldName != "command" {
		return
	}

	req := &dap.Request{
		ProtocolMessage: dap.ProtocolMessage{Seq: fieldErr.Seq, Type: "request"},
		Command:         fieldErr.FieldValue,
	}
	s.send(newErrorResponse(req, ErrUnsupported))
}

func (s *Session) onInitialize(req *dap.InitializeRequest) error {
	s.log.V(1).Info("initialize", "Client", req.Arguments.ClientID, "Adapter", req.Arguments.AdapterID)

	s.send(&dap.InitializeResponse{
		Response: newResponse(&req.Request),
		Body: dap.Capabilities{
			SupportsConfigurationDoneRequest: true,
			SupportsEvaluateForHovers:        true,
			SupportTerminateDebuggee:         true,
			SupportsTerminateRequest:         true,
			ExceptionBreakpointFilters: []dap.ExceptionBreakpointsFilter{
				{Filter: "fromFile", Label: "Errors from R file", Default: true},
				{Filter: "fromEval", Label: "Errors from debug console", Default: false},
			},
		},
	})
	return nil
}

func (s *Session) onLaunch(req *dap.LaunchRequest) error {
	return s.start(&req.Request, modeLaunch, req.Arguments)
}

func (s *Session) onAttach(req *dap.AttachRequest) error {
	return s.start(&req.Request, modeAttach, req.Arguments)
}

// start launches or attaches to the REPL. The response is sent when the REPL reports
// that the debug session started, or when the startup timeout elapses.
func (s *Session) start(req *dap.Request, mode launchMode, rawArgs []byte) error {
	if s.mode != modeNone {
		return errAlreadyActive
	}

	la, parseErr := config.ParseLaunchArguments(rawArgs)
	if parseErr != nil {
		return parseErr
	}
	cfg, cfgErr := s.cfg.WithOverrides(la)
	if cfgErr != nil {
		return cfgErr
	}

	s.cfg = cfg
	s.launchArgs = la
	s.mode = mode
	s.pendingStart = req
	s.armStartupTimer(req)

	ctx, log := s.ctx, s.log.WithName("repl")
	go func() {
		var ep repl.Endpoint
		var startErr error
		if mode == modeAttach {
			ep, startErr = s.attacher(ctx, repl.AttachOptions{
				Config: cfg,
				Sink:   s.sink,
				OnExit: s.onEndpointExit,
				Logger: log,
			})
		} else {
			ep, startErr = s.launcher(ctx, repl.LaunchOptions{
				Config:           cfg,
				WorkingDirectory: la.WorkingDirectory,
				Env:              la.Env,
				Executor:         s.executor,
				Sink:             s.sink,
				OnExit:           s.onEndpointExit,
				Logger:           log,
			})
		}
		s.continueWith(func() { s.onEndpointReady(req, ep, startErr) })
	}()
	return nil
}

func (s *Session) armStartupTimer(req *dap.Request) {
	timeout := s.cfg.StartupTimeout
	if timeout <= 0 {
		return
	}
	s.startTimer = time.AfterFunc(timeout, func() {
		s.continueWith(func() {
			if s.pendingStart != req {
				return
			}
			s.log.Info("the R session did not start in time", "Timeout", timeout)
			s.completeStart(fmt.Errorf("the R session did not start within %s", timeout))
			s.endSession(s.mode == modeLaunch)
		})
	})
}

func (s *Session) onEndpointReady(req *dap.Request, ep repl.Endpoint, startErr error) {
	if startErr != nil {
		if s.pendingStart == req {
			s.completeStart(startErr)
		}
		s.state.SetStatus(StatusTerminated)
		s.correlator.Fail()
		s.sendTerminated()
		return
	}

	s.endpoint = ep
	if s.console != nil {
		s.console.Attach(ep)
	}
	if s.pendingStart != req {
		// Timed out while starting.
		s.endSession(s.mode == modeLaunch)
		return
	}

	id := s.correlator.Issue("start")
	if err := s.writeCommand(repl.StartSessionCommand(id, ep.JSONPort())); err != nil {
		s.completeStart(err)
		s.endSession(s.mode == modeLaunch)
	}
}

func (s *Session) writeCommand(cmd string) error {
	if s.endpoint == nil {
		return errNotStarted
	}
	s.settlePendingTails()
	if err := s.endpoint.WriteCommand(cmd); err != nil {
		return fmt.Errorf("could not send command to the R session: %w", err)
	}
	return nil
}

func (s *Session) onSetBreakpoints(req *dap.SetBreakpointsRequest) error {
	path := req.Arguments.Source.Path
	if path == "" {
		return fmt.Errorf("%w: breakpoints can only be set in files", ErrPrecondition)
	}

	requested := make([]int, 0, len(req.Arguments.Breakpoints))
	for _, sbp := range req.Arguments.Breakpoints {
		requested = append(requested, sbp.Line)
	}
	if len(req.Arguments.Breakpoints) == 0 && len(req.Arguments.Lines) > 0 {
		requested = append(requested, req.Arguments.Lines...)
	}

	byLine := make(map[int]Breakpoint)
	for _, bp := range s.state.SetBreakpoints(path, requested) {
		byLine[bp.Line] = bp
	}

	// One entry per requested breakpoint, in request order.
	body := dap.SetBreakpointsResponseBody{Breakpoints: make([]dap.Breakpoint, len(requested))}
	for i, line := range requested {
		body.Breakpoints[i] = s.toDAPBreakpoint(byLine[line])
	}
	s.send(&dap.SetBreakpointsResponse{Response: newResponse(&req.Request), Body: body})

	if s.started && s.state.Status() != StatusTerminated {
		s.sendBreakpoints(path)
	}
	return nil
}

func (s *Session) toDAPBreakpoint(bp Breakpoint) dap.Breakpoint {
	return dap.Breakpoint{
		Id:       bp.ID,
		Verified: bp.Verified,
		Line:     bp.Line,
		Source:   &dap.Source{Name: filepath.Base(bp.FilePath), Path: bp.FilePath},
	}
}

// sendBreakpoints tells the REPL the complete breakpoint set of a file.
func (s *Session) sendBreakpoints(path string) {
	bps := s.state.Breakpoints(path)
	lines := make([]int, len(bps))
	ids := make([]int, len(bps))
	for i, bp := range bps {
		lines[i] = bp.Line
		ids[i] = bp.ID
	}

	id := s.correlator.Issue("setBreakpoints")
	if err := s.writeCommand(repl.SetBreakpointsCommand(path, lines, ids, id)); err != nil {
		s.log.Error(err, "could not send breakpoints", "File", path)
	}
}

func (s *Session) sendAllBreakpoints() {
	for _, path := range s.state.BreakpointFiles() {
		s.sendBreakpoints(path)
	}
}

func (s *Session) onSetExceptionBreakpoints(req *dap.SetExceptionBreakpointsRequest) error {
	s.exceptionFilters = append([]string(nil), req.Arguments.Filters...)
	s.send(&dap.SetExceptionBreakpointsResponse{Response: newResponse(&req.Request)})
	return nil
}

func (s *Session) onConfigurationDone(req *dap.ConfigurationDoneRequest) error {
	s.configurationDone = true
	s.send(&dap.ConfigurationDoneResponse{Response: newResponse(&req.Request)})
	if s.started {
		s.runEntryPoint()
	}
	return nil
}

// runEntryPoint starts the debugged program once the REPL is ready and the client is configured.
func (s *Session) runEntryPoint() {
	if s.entryPointRun || s.state.Status() == StatusTerminated {
		return
	}
	s.entryPointRun = true

	la := s.launchArgs
	if s.mode != modeLaunch || la.DebugMode == config.DebugModeWorkspace || la.File == "" {
		return
	}

	mainFunction := ""
	if la.DebugMode == config.DebugModeFunction {
		mainFunction = la.MainFunction
	}
	s.log.Info("running debugged program", "File", la.File, "Mode", la.DebugMode)
	if err := s.writeCommand(repl.RunCommand(la.File, mainFunction, la.Args)); err != nil {
		s.log.Error(err, "could not run the debugged program")
	}
}

func (s *Session) onThreads(req *dap.ThreadsRequest) error {
	s.send(&dap.ThreadsResponse{
		Response: newResponse(&req.Request),
		Body: dap.ThreadsResponseBody{
			Threads: []dap.Thread{{Id: threadID, Name: "R Session"}},
		},
	})
	return nil
}

func (s *Session) onStackTrace(req *dap.StackTraceRequest) error {
	if s.state.Status() != StatusPaused {
		return errNotPaused
	}

	if _, fresh := s.state.Stack(); fresh {
		s.respondStackTrace(req)
		return nil
	}

	s.refreshStack(func(ok bool) {
		if _, fresh := s.state.Stack(); !ok || !fresh {
			s.send(newErrorResponse(&req.Request, errors.New("could not get the call stack from the R session")))
			return
		}
		s.respondStackTrace(req)
	})
	return nil
}

func (s *Session) respondStackTrace(req *dap.StackTraceRequest) {
	frames, _ := s.state.Stack()
	total := len(frames)

	start := min(max(req.Arguments.StartFrame, 0), total)
	end := total
	if req.Arguments.Levels > 0 {
		end = min(start+req.Arguments.Levels, total)
	}

	body := dap.StackTraceResponseBody{StackFrames: make([]dap.StackFrame, 0, end-start), TotalFrames: total}
	for _, f := range frames[start:end] {
		sf := dap.StackFrame{
			Id:     f.Index + 1,
			Name:   f.DisplayName,
			Line:   f.Line,
			Column: 1,
		}
		if f.FilePath != "" {
			sf.Source = &dap.Source{Name: filepath.Base(f.FilePath), Path: f.FilePath}
		}
		body.StackFrames = append(body.StackFrames, sf)
	}
	s.send(&dap.StackTraceResponse{Response: newResponse(&req.Request), Body: body})
}

// refreshStack asks the REPL for the call stack. Only one refresh is in flight at a time;
// callers arriving while it runs are notified when it completes.
func (s *Session) refreshStack(done func(ok bool)) {
	if s.refresh != nil {
		s.refresh.waiters = append(s.refresh.waiters, done)
		return
	}

	s.refresh = &pendingRefresh{waiters: []func(bool){done}}
	s.refresh.id = s.fetch("stack", repl.DescribeStackCommand, func(_ int, ok bool) {
		r := s.refresh
		s.refresh = nil
		for _, w := range r.waiters {
			w(ok)
		}
	})
}

// fetch sends a correlated command and calls done on the reactor when the REPL replied,
// or when the refresh timeout elapsed. Returns the request id.
func (s *Session) fetch(kind string, command func(id int) string, done func(id int, ok bool)) int {
	id := s.correlator.Issue(kind)
	if err := s.writeCommand(command(id)); err != nil {
		s.log.Error(err, "could not send request to the R session", "Kind", kind)
		s.continueWith(func() { done(id, false) })
		return id
	}

	ctx, timeout := s.ctx, s.cfg.RefreshTimeout
	go func() {
		ok := s.correlator.AwaitAtLeast(ctx, id, timeout)
		s.continueWith(func() { done(id, ok) })
	}()
	return id
}

func (s *Session) onScopes(req *dap.ScopesRequest) error {
	if s.state.Status() != StatusPaused {
		return errNotPaused
	}
	frame, found := s.state.Frame(req.Arguments.FrameId - 1)
	if !found {
		return errNoFrame
	}

	if _, cached := s.state.Scopes(frame.EnvID); cached {
		s.respondScopes(req, frame)
		return nil
	}

	command := func(id int) string { return repl.DescribeScopesCommand(frame.Index, frame.EnvID, id) }
	s.fetch("scopes", command, func(_ int, ok bool) {
		if _, cached := s.state.Scopes(frame.EnvID); !ok || !cached {
			s.send(newErrorResponse(&req.Request, errors.New("could not get the scopes from the R session")))
			return
		}
		s.respondScopes(req, frame)
	})
	return nil
}

func (s *Session) respondScopes(req *dap.ScopesRequest, frame StackFrame) {
	scopes, _ := s.state.Scopes(frame.EnvID)
	body := dap.ScopesResponseBody{Scopes: make([]dap.Scope, len(scopes))}
	for i, sc := range scopes {
		body.Scopes[i] = dap.Scope{
			Name:               sc.Name,
			VariablesReference: s.state.ScopeHandle(frame.EnvID, i),
			NamedVariables:     len(sc.Variables),
		}
	}
	s.send(&dap.ScopesResponse{Response: newResponse(&req.Request), Body: body})
}

func (s *Session) onVariables(req *dap.VariablesRequest) error {
	if s.state.Status() != StatusPaused {
		return errNotPaused
	}
	target, found := s.state.resolveHandle(req.Arguments.VariablesReference)
	if !found {
		return fmt.Errorf("%w: unknown variables reference %d", ErrPrecondition, req.Arguments.VariablesReference)
	}

	if vars, cached := s.variablesOf(target); cached {
		s.respondVariables(req, vars)
		return nil
	}

	var command func(id int) string
	if target.remoteRef != 0 {
		command = func(id int) string { return repl.DescribeVariablesCommand(target.remoteRef, id) }
	} else {
		command = func(id int) string { return repl.DescribeScopesCommand(0, target.envID, id) }
	}

	s.fetch("variables", command, func(_ int, ok bool) {
		vars, cached := s.variablesOf(target)
		if !ok || !cached {
			s.send(newErrorResponse(&req.Request, errors.New("could not get the variables from the R session")))
			return
		}
		s.respondVariables(req, vars)
	})
	return nil
}

func (s *Session) variablesOf(target handleTarget) ([]Variable, bool) {
	if target.remoteRef != 0 {
		return s.state.Children(target.remoteRef)
	}

	scopes, cached := s.state.Scopes(target.envID)
	if !cached {
		return nil, false
	}
	if target.scopeIndex < 0 || target.scopeIndex >= len(scopes) {
		return nil, true
	}
	return scopes[target.scopeIndex].Variables, true
}

func (s *Session) respondVariables(req *dap.VariablesRequest, vars []Variable) {
	start := min(max(req.Arguments.Start, 0), len(vars))
	end := len(vars)
	if req.Arguments.Count > 0 {
		end = min(start+req.Arguments.Count, len(vars))
	}

	body := dap.VariablesResponseBody{Variables: make([]dap.Variable, 0, end-start)}
	for _, v := range vars[start:end] {
		dv := dap.Variable{Name: v.Name, Value: v.Value, Type: v.Type}
		if v.Structured && v.RemoteRef > 0 {
			dv.VariablesReference = s.state.ChildrenHandle(v.RemoteRef)
		}
		body.Variables = append(body.Variables, dv)
	}
	s.send(&dap.VariablesResponse{Response: newResponse(&req.Request), Body: body})
}

func (s *Session) onEvaluate(req *dap.EvaluateRequest) error {
	expr := req.Arguments.Expression

	if rest, isDirective := strings.CutPrefix(expr, stdinDirective); isDirective {
		if s.endpoint == nil {
			return errNotStarted
		}
		text := strings.TrimPrefix(rest, " ")
		s.settlePendingTails()
		if err := s.endpoint.WriteRawInput(text + "\n"); err != nil {
			return fmt.Errorf("could not send input to the R session: %w", err)
		}
		s.send(&dap.EvaluateResponse{Response: newResponse(&req.Request)})
		return nil
	}

	switch req.Arguments.Context {
	case "repl", "":
		return s.evaluateInRepl(req)
	default:
		return s.evaluateInFrame(req)
	}
}

// evaluateInRepl sends a console line to the REPL. Its output is shown as it is produced.
func (s *Session) evaluateInRepl(req *dap.EvaluateRequest) error {
	if !s.started {
		return errNotStarted
	}
	expr := strings.TrimRight(req.Arguments.Expression, "\r\n")

	if s.state.Status() == StatusPaused && repl.IsStepCommand(expr) {
		if err := s.resume(strings.TrimSpace(expr)); err != nil {
			return err
		}
		s.send(&dap.EvaluateResponse{Response: newResponse(&req.Request)})
		s.send(&dap.ContinuedEvent{
			Event: newEvent("continued"),
			Body:  dap.ContinuedEventBody{ThreadId: threadID, AllThreadsContinued: true},
		})
		return nil
	}

	if err := s.writeCommand(expr); err != nil {
		return err
	}
	if s.state.Status() == StatusPaused {
		s.evaluatingRepl = true
	}
	s.send(&dap.EvaluateResponse{Response: newResponse(&req.Request)})
	return nil
}

// evaluateInFrame evaluates a watch or hover expression in a stack frame and reports the value.
func (s *Session) evaluateInFrame(req *dap.EvaluateRequest) error {
	if s.state.Status() != StatusPaused {
		return errNotPaused
	}

	frameIndex := 0
	if req.Arguments.FrameId > 0 {
		if _, found := s.state.Frame(req.Arguments.FrameId - 1); !found {
			return errNoFrame
		}
		frameIndex = req.Arguments.FrameId - 1
	}

	command := func(id int) string {
		s.evalResults[id] = nil
		return repl.EvaluateCommand(req.Arguments.Expression, frameIndex, req.Arguments.Context, id)
	}
	s.fetch("eval", command, func(id int, ok bool) {
		result := s.evalResults[id]
		delete(s.evalResults, id)

		switch {
		case !ok || result == nil:
			s.send(newErrorResponse(&req.Request, errors.New("the R session did not return a result")))
		case result.Error != "":
			s.send(newErrorResponse(&req.Request, errors.New(result.Error)))
		default:
			body := dap.EvaluateResponseBody{Result: result.Result, Type: result.Type}
			if result.Reference > 0 {
				body.VariablesReference = s.state.ChildrenHandle(result.Reference)
			}
			s.send(&dap.EvaluateResponse{Response: newResponse(&req.Request), Body: body})
		}
	})
	return nil
}

func (s *Session) onStep(req *dap.Request, command string, respond func(dap.Response) dap.Message) error {
	if err := s.resume(command); err != nil {
		return err
	}
	s.send(respond(newResponse(req)))
	return nil
}

// resume sends a browser command and marks the session as running.
func (s *Session) resume(command string) error {
	if s.state.Status() != StatusPaused {
		return errNotPaused
	}
	if err := s.writeCommand(command); err != nil {
		return err
	}

	switch command {
	case repl.StepOver, repl.StepInto, repl.StepOut:
		s.lastStep = command
	default:
		s.lastStep = ""
	}
	s.stopReason = ""
	s.hitBreakpointIDs = nil
	s.evaluatingRepl = false
	s.state.SetStatus(StatusRunning)
	return nil
}

func (s *Session) onDisconnect(req *dap.DisconnectRequest) error {
	terminateDebuggee := s.mode != modeAttach
	if req.Arguments != nil && s.mode == modeAttach {
		terminateDebuggee = req.Arguments.TerminateDebuggee
	}
	s.log.Info("client disconnecting", "TerminateDebuggee", terminateDebuggee)

	ep := s.endpoint
	respond := func() {
		s.send(&dap.DisconnectResponse{Response: newResponse(&req.Request)})
		s.finished = true
	}

	if ep == nil || !terminateDebuggee {
		if ep != nil {
			if err := ep.Terminate(); err != nil {
				s.log.Error(err, "could not disconnect from the R session")
			}
		}
		s.state.SetStatus(StatusTerminated)
		s.correlator.Fail()
		respond()
		return nil
	}

	s.state.SetStatus(StatusTerminated)
	s.correlator.Fail()

	ctx, grace := s.ctx, s.cfg.TerminateGracePeriod
	go func() {
		if err := ep.TerminateGracefully(ctx, repl.QuitCommand, grace); err != nil && ctx.Err() == nil {
			s.log.Error(err, "could not terminate the R session")
		}
		s.continueWith(respond)
	}()
	return nil
}

func (s *Session) onTerminate(req *dap.TerminateRequest) error {
	s.send(&dap.TerminateResponse{Response: newResponse(&req.Request)})
	s.endSession(true)
	return nil
}
