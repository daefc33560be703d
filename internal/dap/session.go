// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"
	"github.com/google/uuid"
	"github.com/smallnest/chanx"

	"github.com/microsoft/replbridge/internal/config"
	"github.com/microsoft/replbridge/internal/console"
	"github.com/microsoft/replbridge/internal/repl"
	"github.com/microsoft/replbridge/pkg/process"
	"github.com/microsoft/replbridge/pkg/resiliency"
)

// The REPL has a single logical thread.
const threadID = 1

// Launcher starts a REPL subprocess for a launch request.
type Launcher func(ctx context.Context, opts repl.LaunchOptions) (repl.Endpoint, error)

// Attacher connects to a running REPL for an attach request.
type Attacher func(ctx context.Context, opts repl.AttachOptions) (repl.Endpoint, error)

// SessionConfig holds the configuration for a debug session.
type SessionConfig struct {
	// Transport is the connection to the debugger front end.
	Transport Transport

	// Config holds the bridge tunables. Launch and attach arguments may override some of them.
	Config config.Config

	// Launcher starts the REPL. Defaults to repl.Launch.
	Launcher Launcher

	// Attacher connects to a REPL. Defaults to repl.Attach.
	Attacher Attacher

	// Executor is used by the default launcher. Defaults to an OS executor.
	Executor process.Executor

	// Console, if set, receives a copy of everything the REPL displays
	// and relays operator input to the REPL while the session runs.
	Console *console.Console

	// Logger for session operations.
	Logger logr.Logger
}

type eventKind int

const (
	// A request from the client.
	evRequest eventKind = iota
	// A request the client sent that could not be decoded.
	evRequestDecodeError
	// A chunk of REPL output.
	evOutput
	// The REPL went away.
	evEndpointExit
	// The client connection is gone.
	evTransportClosed
	// Work resumed on the reactor after an asynchronous wait.
	evContinuation
)

// sessionEvent is the unit of work of the session reactor.
type sessionEvent struct {
	kind eventKind

	request dap.Message

	// Set for evRequestDecodeError.
	decodeErr *dap.DecodeProtocolMessageFieldError

	channel repl.Channel
	data    []byte

	exitCode int32
	err      error

	fn func()
}

type launchMode int

const (
	modeNone launchMode = iota
	modeLaunch
	modeAttach
)

// pendingRefresh is the single in-flight stack refresh.
// Requests that need the stack while it is running wait for the same reply.
type pendingRefresh struct {
	id      int
	waiters []func(ok bool)
}

// Session bridges one debugger front end connection to one REPL.
//
// All session state is owned by a single reactor goroutine (see Run). Request handlers
// that need to wait for the REPL start a goroutine that waits and then posts
// a continuation back to the reactor, so other events keep being processed meanwhile.
type Session struct {
	id        string
	cfg       config.Config
	transport Transport
	launcher  Launcher
	attacher  Attacher
	executor  process.Executor
	console   *console.Console
	log       logr.Logger
	seq       *sequenceCounter

	ctx    context.Context
	events *chanx.UnboundedChan[sessionEvent]

	// Everything below is only accessed from the reactor goroutine.
	state      *State
	demux      *Demultiplexer
	classifier *Classifier
	correlator *Correlator

	endpoint   repl.Endpoint
	mode       launchMode
	launchArgs config.LaunchArguments

	// Launch or attach request waiting for the REPL to report that it started.
	pendingStart *dap.Request
	startTimer   *time.Timer
	started      bool

	configurationDone bool
	entryPointRun     bool
	exceptionFilters  []string

	// Why the next browser prompt will be reported.
	stopReason       string
	hitBreakpointIDs []int
	lastStep         string
	stops            int

	// A console expression is being evaluated while paused.
	evaluatingRepl bool

	refresh *pendingRefresh

	// Keyed by the evaluations still in flight; nil until the reply arrives.
	evalResults map[int]*EvalPayload

	// Prompt-like unterminated lines wait for the channel to go quiet.
	// The generation changes whenever a channel receives output.
	tailTimers map[repl.Channel]*time.Timer
	tailGen    map[repl.Channel]uint64

	exitedSent     bool
	terminatedSent bool
	finished       bool
}

// NewSession creates a new debug session.
func NewSession(sc SessionConfig) *Session {
	log := sc.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	id := uuid.NewString()
	s := &Session{
		id:          id,
		cfg:         sc.Config.Clone(),
		transport:   sc.Transport,
		launcher:    sc.Launcher,
		attacher:    sc.Attacher,
		executor:    sc.Executor,
		console:     sc.Console,
		log:         log.WithValues("Session", id),
		seq:         newSequenceCounter(),
		state:       NewState(),
		demux:       NewDemultiplexer(),
		correlator:  NewCorrelator(sc.Config.PollInterval),
		evalResults: make(map[int]*EvalPayload),
		tailTimers:  make(map[repl.Channel]*time.Timer),
		tailGen:     make(map[repl.Channel]uint64),
	}
	s.classifier = NewClassifier(s.log.WithName("classifier"))

	if s.launcher == nil {
		s.launcher = func(ctx context.Context, opts repl.LaunchOptions) (repl.Endpoint, error) {
			return repl.Launch(ctx, opts)
		}
	}
	if s.attacher == nil {
		s.attacher = func(ctx context.Context, opts repl.AttachOptions) (repl.Endpoint, error) {
			return repl.Attach(ctx, opts)
		}
	}
	return s
}

// ID returns the unique identifier of the session.
func (s *Session) ID() string {
	return s.id
}

// Run processes events until the client disconnects, the transport fails, or ctx is cancelled.
// The REPL is stopped before Run returns.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.ctx = ctx
	s.events = chanx.NewUnboundedChan[sessionEvent](ctx, 64)

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		s.readLoop(ctx)
	}()

	s.log.Info("debug session started")
	loopErr := s.loop(ctx)
	s.stopTailTimers()

	var errs []error
	errs = append(errs, filterContextError(loopErr, ctx, s.log))
	errs = append(errs, s.stopEndpoint())
	if s.console != nil {
		s.console.Detach(s.endpoint)
	}
	if closeErr := s.transport.Close(); closeErr != nil {
		errs = append(errs, fmt.Errorf("failed to close transport: %w", closeErr))
	}
	cancel()
	<-readDone

	err := errors.Join(errs...)
	s.log.Info("debug session ended", "Error", err)
	return err
}

func (s *Session) loop(ctx context.Context) error {
	for !s.finished {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-s.events.Out:
			if !ok {
				return ctx.Err()
			}
			s.handleEvent(ev)
		}
	}
	return nil
}

// post delivers an event to the reactor. It can be called from any goroutine.
func (s *Session) post(ev sessionEvent) {
	select {
	case s.events.In <- ev:
	case <-s.ctx.Done():
	}
}

// continueWith runs fn on the reactor goroutine.
func (s *Session) continueWith(fn func()) {
	s.post(sessionEvent{kind: evContinuation, fn: fn})
}

// readLoop reads messages from the client and posts them to the reactor.
func (s *Session) readLoop(ctx context.Context) {
	for {
		msg, readErr := s.transport.ReadMessage()
		if readErr != nil {
			var fieldErr *dap.DecodeProtocolMessageFieldError
			if errors.As(readErr, &fieldErr) {
				s.post(sessionEvent{kind: evRequestDecodeError, decodeErr: fieldErr})
				continue
			}
			if ctx.Err() == nil {
				s.log.V(1).Info("client connection closed", "Error", readErr.Error())
			}
			s.post(sessionEvent{kind: evTransportClosed, err: readErr})
			return
		}

		if s.log.V(1).Enabled() {
			s.log.V(1).Info("received message", "Message", fmt.Sprintf("%T", msg))
		}
		s.post(sessionEvent{kind: evRequest, request: msg})
	}
}

func (s *Session) handleEvent(ev sessionEvent) {
	switch ev.kind {
	case evRequest:
		s.handleRequest(ev.request)

	case evRequestDecodeError:
		s.handleDecodeError(ev.decodeErr)

	case evOutput:
		s.handleOutput(ev.channel, ev.data)

	case evEndpointExit:
		s.handleEndpointExit(ev.exitCode, ev.err)

	case evTransportClosed:
		s.log.Info("client connection lost, ending session")
		s.finished = true

	case evContinuation:
		s.runProtected("continuation", ev.fn)
	}
}

// runProtected runs fn, turning a panic into a logged error so the reactor keeps going.
func (s *Session) runProtected(what string, fn func()) {
	err := resiliency.CatchPanic(s.log, func() error {
		fn()
		return nil
	})
	if err != nil {
		s.log.Error(err, "recovered from failure", "Operation", what)
	}
}

// send assigns the outgoing sequence number and writes the message to the client.
func (s *Session) send(msg dap.Message) {
	setSeq(msg, s.seq.Next())
	if err := s.transport.WriteMessage(msg); err != nil {
		if IsTransportError(err) {
			s.log.V(1).Info("could not send message, client is gone", "Error", err.Error())
		} else {
			s.log.Error(err, "could not send message")
		}
	}
}

// Sink for REPL output. Called from the endpoint goroutines.
func (s *Session) sink(ch repl.Channel, data []byte) {
	s.post(sessionEvent{kind: evOutput, channel: ch, data: data})
}

// Exit handler of the REPL endpoint. Called from the endpoint goroutines.
func (s *Session) onEndpointExit(exitCode int32, err error) {
	s.post(sessionEvent{kind: evEndpointExit, exitCode: exitCode, err: err})
}

func (s *Session) handleOutput(ch repl.Channel, data []byte) {
	s.stopTailTimer(ch)
	s.tailGen[ch]++

	for _, line := range s.demux.Feed(ch, data) {
		s.processLine(line)
	}

	if ch == repl.ChannelJSON {
		return
	}
	if tail, found := s.demux.Tail(ch); found && s.classifier.EndsWithPrompt(tail) {
		gen := s.tailGen[ch]
		s.tailTimers[ch] = time.AfterFunc(s.cfg.PromptIdleDelay, func() {
			s.continueWith(func() { s.settleTail(ch, gen) })
		})
	}
}

// settleTail classifies the unterminated line of a channel that has been quiet since generation gen.
func (s *Session) settleTail(ch repl.Channel, gen uint64) {
	if s.tailGen[ch] != gen {
		return
	}
	s.stopTailTimer(ch)

	tail, found := s.demux.Tail(ch)
	if !found {
		return
	}
	classifications := s.classifier.Classify(tail, s.displayStatus())
	if len(classifications) > 0 {
		s.demux.Consume(ch, len(tail.Text))
		s.applyAll(tail, classifications)
	}
}

// settlePendingTails is called before input is written to the REPL. A REPL that is given input
// was waiting for it, so a pending prompt-like line is a prompt.
func (s *Session) settlePendingTails() {
	for ch := range s.tailTimers {
		s.settleTail(ch, s.tailGen[ch])
	}
}

func (s *Session) stopTailTimer(ch repl.Channel) {
	if t, found := s.tailTimers[ch]; found {
		t.Stop()
		delete(s.tailTimers, ch)
	}
}

func (s *Session) stopTailTimers() {
	for ch := range s.tailTimers {
		s.stopTailTimer(ch)
	}
}

func (s *Session) processLine(line Line) {
	if s.log.V(1).Enabled() {
		s.log.V(1).Info("REPL output", "Channel", line.Channel, "Line", line.Text)
	}

	if line.Channel == repl.ChannelJSON {
		s.processSideChannelLine(line)
		return
	}

	s.applyAll(line, s.classifier.Classify(line, s.displayStatus()))
}

// The side channel carries structured messages only, with or without sentinels.
func (s *Session) processSideChannelLine(line Line) {
	text := strings.TrimSpace(line.Text)
	if text == "" {
		return
	}
	if !strings.Contains(text, LeftSentinel) {
		text = LeftSentinel + text + RightSentinel
	}

	for _, c := range s.classifier.Classify(Line{Channel: line.Channel, Text: text, Complete: true}, s.displayStatus()) {
		if c.Kind == KindStructuredPayload {
			s.apply(line, c)
		}
	}
}

// displayStatus is the status used to decide whether REPL output is shown.
// Output of console expressions evaluated while paused is shown too.
func (s *Session) displayStatus() SessionStatus {
	if s.evaluatingRepl && s.state.Status() == StatusPaused {
		return StatusRunning
	}
	return s.state.Status()
}

func (s *Session) applyAll(line Line, classifications []Classification) {
	for _, c := range classifications {
		s.apply(line, c)
	}
}

func (s *Session) apply(line Line, c Classification) {
	switch c.Kind {
	case KindStructuredPayload:
		s.handlePayload(c.Payload)

	case KindPromptDetected:
		s.handlePrompt(c)

	case KindLocationUpdate:
		s.state.SetLocation(Location{FilePath: c.File, Line: c.Line})

	case KindDisplayOutput:
		s.sendOutput(categoryOf(line.Channel), c.Text+"\n")

	case KindSuppressed:
		if c.Err != nil {
			s.log.V(1).Info("discarded malformed structured message", "Error", c.Err.Error())
		}
	}
}

func categoryOf(ch repl.Channel) string {
	if ch == repl.ChannelStderr {
		return "stderr"
	}
	return "stdout"
}

func (s *Session) handlePayload(p Payload) {
	s.log.V(1).Info("structured message", "Tag", p.Tag(), "ID", p.RequestID())

	switch payload := p.(type) {
	case *GoPayload:
		s.handleStarted(payload)

	case *EndPayload:
		s.log.Info("debugged program finished")
		s.endSession(s.mode == modeLaunch)

	case *BreakpointHitPayload:
		s.stopReason = "breakpoint"
		s.hitBreakpointIDs = nil
		if payload.BreakpointID > 0 {
			s.hitBreakpointIDs = []int{payload.BreakpointID}
		}
		if payload.File != "" {
			s.state.SetLocation(Location{FilePath: payload.File, Line: payload.Line})
		}

	case *StackPayload:
		frames := make([]StackFrame, len(payload.Frames))
		for i, f := range payload.Frames {
			frames[i] = StackFrame{Index: f.Index, DisplayName: f.Name, FilePath: f.File, Line: f.Line, EnvID: f.EnvID}
		}
		s.state.SetStack(frames)

	case *ScopesPayload:
		scopes := make([]Scope, len(payload.Scopes))
		for i, sc := range payload.Scopes {
			scopes[i] = Scope{Name: sc.Name, EnvID: sc.EnvID, Variables: toVariables(sc.Variables)}
		}
		s.state.SetScopes(payload.EnvID, scopes)

	case *VariablesPayload:
		s.state.SetChildren(payload.Reference, toVariables(payload.Variables))

	case *EvalPayload:
		if _, waiting := s.evalResults[payload.RequestID()]; waiting {
			s.evalResults[payload.RequestID()] = payload
		} else {
			s.log.V(1).Info("discarding late evaluation result", "ID", payload.RequestID())
		}

	case *BreakpointVerificationPayload:
		if bp, changed := s.state.VerifyBreakpoint(payload.BreakpointID, payload.Verified, payload.Line); changed {
			event := &dap.BreakpointEvent{
				Event: newEvent("breakpoint"),
				Body: dap.BreakpointEventBody{
					Reason:     "changed",
					Breakpoint: s.toDAPBreakpoint(bp),
				},
			}
			s.send(event)
		}

	case *UnknownPayload:
		s.log.V(1).Info("ignoring structured message with unknown tag", "Tag", payload.Message)
	}

	// Resolve after the body has been stored, so that waiters find it.
	if p.RequestID() > 0 {
		s.correlator.Resolve(p.RequestID())
	}
}

func toVariables(infos []VariableInfo) []Variable {
	vars := make([]Variable, len(infos))
	for i, v := range infos {
		vars[i] = Variable{Name: v.Name, Value: v.Value, Type: v.Type, Structured: v.Structured, RemoteRef: v.Reference}
	}
	return vars
}

func (s *Session) handlePrompt(c Classification) {
	switch c.Prompt {
	case PromptBrowser:
		wasEvaluating := s.evaluatingRepl
		s.evaluatingRepl = false

		if s.state.Status() == StatusPaused {
			if wasEvaluating {
				s.state.InvalidateFrameData()
				if s.stopReason == "" {
					// Back at the same place after a console expression.
					return
				}
				// The expression hit a breakpoint.
				s.sendStopped()
			}
			return
		}

		if s.state.SetStatus(StatusPaused) {
			s.sendStopped()
		}

	case PromptTopLevel:
		s.evaluatingRepl = false

	case PromptContinuation:
	}
}

func (s *Session) sendStopped() {
	reason := s.stopReason
	switch {
	case reason != "":
	case s.lastStep != "":
		reason = "step"
	case s.stops == 0:
		reason = "entry"
	default:
		reason = "pause"
	}

	event := &dap.StoppedEvent{
		Event: newEvent("stopped"),
		Body: dap.StoppedEventBody{
			Reason:            reason,
			ThreadId:          threadID,
			AllThreadsStopped: true,
			HitBreakpointIds:  s.hitBreakpointIDs,
		},
	}
	s.stops++
	s.stopReason = ""
	s.hitBreakpointIDs = nil
	s.lastStep = ""
	s.send(event)
}

func (s *Session) sendOutput(category string, text string) {
	if s.console != nil {
		_, _ = s.console.Write([]byte(text))
	}

	s.send(&dap.OutputEvent{
		Event: newEvent("output"),
		Body: dap.OutputEventBody{
			Category: category,
			Output:   text,
		},
	})
}

func (s *Session) handleStarted(p *GoPayload) {
	if s.started {
		return
	}
	s.started = true
	s.state.SetStatus(StatusRunning)
	s.log.Info("REPL session started", "PackageVersion", p.Version)

	if s.cfg.VersionCheckLevel != config.VersionCheckNone {
		if versionErr := repl.CheckPackageVersion(p.Version, s.cfg.MinPackageVersion); versionErr != nil {
			if s.cfg.VersionCheckLevel == config.VersionCheckRequired {
				s.completeStart(fmt.Errorf("%w: %w", ErrPrecondition, versionErr))
				s.endSession(s.mode == modeLaunch)
				return
			}
			s.sendOutput("stderr", "Warning: "+versionErr.Error()+"\n")
		}
	}

	s.sendAllBreakpoints()
	s.completeStart(nil)
	if s.configurationDone {
		s.runEntryPoint()
	}
}

// completeStart answers the pending launch or attach request.
func (s *Session) completeStart(err error) {
	if s.startTimer != nil {
		s.startTimer.Stop()
		s.startTimer = nil
	}
	req := s.pendingStart
	if req == nil {
		return
	}
	s.pendingStart = nil

	if err != nil {
		s.send(newErrorResponse(req, err))
		return
	}

	resp := newResponse(req)
	if s.mode == modeAttach {
		s.send(&dap.AttachResponse{Response: resp})
	} else {
		s.send(&dap.LaunchResponse{Response: resp})
	}
	s.send(&dap.InitializedEvent{Event: newEvent("initialized")})
}

// endSession stops the REPL; the terminated event is sent once it is gone.
// Without terminateDebuggee an attached REPL is only disconnected from.
func (s *Session) endSession(terminateDebuggee bool) {
	s.state.SetStatus(StatusTerminated)
	s.correlator.Fail()

	ep := s.endpoint
	if ep == nil {
		s.sendTerminated()
		return
	}

	if !terminateDebuggee && s.mode == modeAttach {
		if err := ep.Terminate(); err != nil {
			s.log.Error(err, "could not disconnect from the REPL")
		}
		return
	}

	ctx, grace := s.ctx, s.cfg.TerminateGracePeriod
	go func() {
		if err := ep.TerminateGracefully(ctx, repl.QuitCommand, grace); err != nil && ctx.Err() == nil {
			s.log.Error(err, "could not terminate the REPL")
		}
	}()
}

func (s *Session) handleEndpointExit(exitCode int32, err error) {
	s.stopTailTimers()
	for ch := range s.tailGen {
		s.tailGen[ch]++
	}
	for _, line := range s.demux.FlushAll() {
		s.processLine(line)
	}

	if err != nil && s.ctx.Err() == nil {
		s.log.Error(err, "REPL connection failed")
	}
	s.log.Info("REPL went away", "ExitCode", exitCode)

	if s.console != nil {
		s.console.Detach(s.endpoint)
	}
	s.state.SetStatus(StatusTerminated)
	s.correlator.Fail()
	s.completeStart(fmt.Errorf("%w: the R session ended before it was ready", ErrTransportLost))

	s.sendExited(exitCode)
	s.sendTerminated()
}

func (s *Session) sendExited(exitCode int32) {
	if s.exitedSent || exitCode == process.UnknownExitCode {
		return
	}
	s.exitedSent = true
	s.send(&dap.ExitedEvent{
		Event: newEvent("exited"),
		Body:  dap.ExitedEventBody{ExitCode: int(exitCode)},
	})
}

func (s *Session) sendTerminated() {
	if s.terminatedSent {
		return
	}
	s.terminatedSent = true
	s.send(&dap.TerminatedEvent{Event: newEvent("terminated")})
}

// stopEndpoint makes sure the REPL is gone when the session ends.
func (s *Session) stopEndpoint() error {
	ep := s.endpoint
	if ep == nil {
		return nil
	}

	select {
	case <-ep.Done():
		return nil
	default:
	}

	if s.mode == modeAttach {
		return ep.Terminate()
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.TerminateGracePeriod+time.Second)
	defer cancel()
	return ep.TerminateGracefully(ctx, repl.QuitCommand, s.cfg.TerminateGracePeriod)
}
