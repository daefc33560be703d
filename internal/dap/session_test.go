// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/google/go-dap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microsoft/replbridge/internal/config"
	"github.com/microsoft/replbridge/internal/console"
	"github.com/microsoft/replbridge/internal/repl"
	"github.com/microsoft/replbridge/pkg/testutil"
)

const (
	scriptPath   = "/work/script.R"
	eventTimeout = 5 * time.Second
)

type sessionHarness struct {
	client  *TestClient
	repl    *fakeREPL
	console *console.Console
	display *testutil.LockedBuffer
	done    chan error
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.PollInterval = time.Millisecond
	cfg.RefreshTimeout = 5 * time.Second
	cfg.TerminateGracePeriod = 100 * time.Millisecond
	cfg.PromptIdleDelay = 5 * time.Millisecond
	return cfg
}

func startTestSession(t *testing.T, ctx context.Context, cfg config.Config, f *fakeREPL) *sessionHarness {
	t.Helper()

	serverConn, clientConn := net.Pipe()
	h := &sessionHarness{
		repl:    f,
		display: &testutil.LockedBuffer{},
		done:    make(chan error, 1),
	}
	h.console = console.New(testutil.NewLogForTesting("console"), h.display)

	session := NewSession(SessionConfig{
		Transport: NewTCPTransport(serverConn),
		Config:    cfg,
		Launcher:  f.launcher(),
		Console:   h.console,
		Logger:    testutil.NewLogForTesting("session"),
	})
	go func() {
		h.done <- session.Run(ctx)
	}()

	h.client = NewTestClient(NewTCPTransport(clientConn))
	t.Cleanup(func() { _ = h.client.Close() })
	return h
}

// launchToBreakpoint runs the usual startup sequence and waits for the first stop.
func (h *sessionHarness) launchToBreakpoint(t *testing.T, ctx context.Context) *dap.StoppedEvent {
	t.Helper()

	initResp, initErr := h.client.Initialize(ctx)
	require.NoError(t, initErr)
	assert.True(t, initResp.Body.SupportsConfigurationDoneRequest)
	assert.True(t, initResp.Body.SupportTerminateDebuggee)

	require.NoError(t, h.client.Launch(ctx, config.LaunchArguments{DebugMode: config.DebugModeFile, File: scriptPath}))
	_, waitErr := h.client.WaitForEvent("initialized", eventTimeout)
	require.NoError(t, waitErr)

	bpResp, bpErr := h.client.SetBreakpoints(ctx, scriptPath, []int{3})
	require.NoError(t, bpErr)
	require.Len(t, bpResp.Body.Breakpoints, 1)
	assert.Equal(t, 1, bpResp.Body.Breakpoints[0].Id)
	assert.Equal(t, 3, bpResp.Body.Breakpoints[0].Line)

	require.NoError(t, h.client.ConfigurationDone(ctx))

	stopped, stoppedErr := h.client.WaitForStoppedEvent(eventTimeout)
	require.NoError(t, stoppedErr)
	return stopped
}

func (h *sessionHarness) waitDone(t *testing.T) {
	t.Helper()
	select {
	case err := <-h.done:
		require.NoError(t, err)
	case <-time.After(eventTimeout):
		require.Fail(t, "session did not end")
	}
}

func TestSessionBreakpointInspectAndFinish(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()

	h := startTestSession(t, ctx, testConfig(), newFakeREPL(scriptedSession))

	stopped := h.launchToBreakpoint(t, ctx)
	assert.Equal(t, "breakpoint", stopped.Body.Reason)
	assert.Equal(t, threadID, stopped.Body.ThreadId)
	assert.Equal(t, []int{1}, stopped.Body.HitBreakpointIds)

	assert.True(t, h.repl.HasCommand(".vsc.startSession(id=1"))
	assert.True(t, h.repl.HasCommand(`.vsc.setBreakpoints(file="/work/script.R", lines=c(3L), ids=c(1L)`))
	assert.True(t, h.repl.HasCommand(`.vsc.run(file="/work/script.R")`))
	assert.Equal(t, 1, h.client.EventCount("breakpoint"), "verification is reported")

	// Program output is shown; startup noise, echoes and structured messages are not.
	assert.Equal(t, "hello\n", h.client.Output())

	threads, threadsErr := sendRequest[*dap.ThreadsResponse](ctx, h.client, &dap.ThreadsRequest{Request: request("threads")})
	require.NoError(t, threadsErr)
	assert.Equal(t, []dap.Thread{{Id: threadID, Name: "R Session"}}, threads.Body.Threads)

	stack, stackErr := h.client.StackTrace(ctx)
	require.NoError(t, stackErr)
	require.Len(t, stack.Body.StackFrames, 2)
	assert.Equal(t, 2, stack.Body.TotalFrames)
	assert.Equal(t, 1, stack.Body.StackFrames[0].Id)
	assert.Equal(t, "f(x = 1)", stack.Body.StackFrames[0].Name)
	assert.Equal(t, 3, stack.Body.StackFrames[0].Line)
	require.NotNil(t, stack.Body.StackFrames[0].Source)
	assert.Equal(t, scriptPath, stack.Body.StackFrames[0].Source.Path)
	assert.Equal(t, "main()", stack.Body.StackFrames[1].Name)

	// A second request is served from the cache.
	_, stackErr = h.client.StackTrace(ctx)
	require.NoError(t, stackErr)
	assert.Equal(t, 1, countCommands(h.repl, ".vsc.describeStack("))

	scopes, scopesErr := h.client.Scopes(ctx, 1)
	require.NoError(t, scopesErr)
	require.Len(t, scopes.Body.Scopes, 1)
	assert.Equal(t, "Locals", scopes.Body.Scopes[0].Name)
	assert.Equal(t, 2, scopes.Body.Scopes[0].NamedVariables)

	vars, varsErr := h.client.Variables(ctx, scopes.Body.Scopes[0].VariablesReference)
	require.NoError(t, varsErr)
	require.Len(t, vars.Body.Variables, 2)
	assert.Equal(t, "x", vars.Body.Variables[0].Name)
	assert.Equal(t, "1", vars.Body.Variables[0].Value)
	assert.Equal(t, 0, vars.Body.Variables[0].VariablesReference)
	assert.Equal(t, "cfg", vars.Body.Variables[1].Name)
	require.NotZero(t, vars.Body.Variables[1].VariablesReference)

	children, childrenErr := h.client.Variables(ctx, vars.Body.Variables[1].VariablesReference)
	require.NoError(t, childrenErr)
	require.Len(t, children.Body.Variables, 2)
	assert.Equal(t, "a", children.Body.Variables[0].Name)
	assert.Equal(t, "TRUE", children.Body.Variables[0].Value)
	assert.True(t, h.repl.HasCommand(".vsc.describeVariables(ref=7,"))

	watch, watchErr := h.client.Evaluate(ctx, "x + 1", "watch", 1)
	require.NoError(t, watchErr)
	assert.Equal(t, "2", watch.Body.Result)
	assert.Equal(t, "double", watch.Body.Type)

	_, watchErr = h.client.Evaluate(ctx, "undefined_thing", "watch", 1)
	require.Error(t, watchErr)
	assert.Contains(t, watchErr.Error(), "object 'undefined_thing' not found")

	require.NoError(t, h.client.Continue(ctx, threadID))
	require.NoError(t, h.client.WaitForTerminatedEvent(eventTimeout))

	assert.Equal(t, "hello\nbye\n", h.client.Output())
	assert.Equal(t, "hello\nbye\n", h.display.String())
	assert.Equal(t, 1, h.client.EventCount("exited"))
	assert.True(t, h.repl.HasCommand(repl.QuitCommand))

	// The session is over; only disconnect is still answered.
	resp, sendErr := h.client.Send(ctx, &dap.ThreadsRequest{Request: request("threads")})
	require.NoError(t, sendErr)
	errResp, isError := resp.(*dap.ErrorResponse)
	require.True(t, isError)
	assert.Equal(t, "session terminated", errResp.Message)

	require.NoError(t, h.client.Disconnect(ctx, true))
	h.waitDone(t)
	assert.Equal(t, 1, h.client.EventCount("terminated"))
}

func countCommands(f *fakeREPL, prefix string) int {
	count := 0
	for _, cmd := range f.Commands() {
		if strings.HasPrefix(cmd, prefix) {
			count++
		}
	}
	return count
}

func TestSessionStepReportsStepStop(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()

	h := startTestSession(t, ctx, testConfig(), newFakeREPL(scriptedSession))
	h.launchToBreakpoint(t, ctx)

	_, stackErr := h.client.StackTrace(ctx)
	require.NoError(t, stackErr)

	require.NoError(t, h.client.Next(ctx, threadID))
	stopped, stoppedErr := h.client.WaitForStoppedEvent(eventTimeout)
	require.NoError(t, stoppedErr)
	assert.Equal(t, "step", stopped.Body.Reason)
	assert.Empty(t, stopped.Body.HitBreakpointIds)

	// The stack changed, so it is fetched again.
	_, stackErr = h.client.StackTrace(ctx)
	require.NoError(t, stackErr)
	assert.Equal(t, 2, countCommands(h.repl, ".vsc.describeStack("))

	// Step commands typed into the console behave like step requests.
	_, evalErr := h.client.Evaluate(ctx, "n", "repl", 0)
	require.NoError(t, evalErr)
	_, waitErr := h.client.WaitForEvent("continued", eventTimeout)
	require.NoError(t, waitErr)
	stopped, stoppedErr = h.client.WaitForStoppedEvent(eventTimeout)
	require.NoError(t, stoppedErr)
	assert.Equal(t, "step", stopped.Body.Reason)

	// The echo of the step command is not shown.
	assert.Equal(t, "hello\n", h.client.Output())

	require.NoError(t, h.client.Disconnect(ctx, true))
	h.waitDone(t)
	assert.True(t, h.repl.HasCommand(repl.QuitCommand))
}

func TestSessionConsoleEvaluationWhilePaused(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()

	h := startTestSession(t, ctx, testConfig(), newFakeREPL(scriptedSession))
	h.launchToBreakpoint(t, ctx)

	_, stackErr := h.client.StackTrace(ctx)
	require.NoError(t, stackErr)

	_, evalErr := h.client.Evaluate(ctx, "x + 1", "repl", 0)
	require.NoError(t, evalErr)
	assert.True(t, h.repl.HasCommand("x + 1"))

	// The result is shown, and the session stays paused without a new stop.
	require.Eventually(t, func() bool {
		return strings.Contains(h.client.Output(), "[1] 2\n")
	}, eventTimeout, 10*time.Millisecond)

	stack, stackErr := h.client.StackTrace(ctx)
	require.NoError(t, stackErr)
	require.Len(t, stack.Body.StackFrames, 2)
	assert.Equal(t, 2, countCommands(h.repl, ".vsc.describeStack("), "the evaluation may have changed the frames")
	assert.Equal(t, 1, h.client.EventCount("stopped"))

	require.NoError(t, h.client.Disconnect(ctx, true))
	h.waitDone(t)
}

func TestSessionEvaluateStdinDirective(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()

	h := startTestSession(t, ctx, testConfig(), newFakeREPL(scriptedSession))
	h.launchToBreakpoint(t, ctx)

	_, evalErr := h.client.Evaluate(ctx, "###stdin some answer", "repl", 0)
	require.NoError(t, evalErr)
	assert.Equal(t, []string{"some answer\n"}, h.repl.RawInput())
	assert.False(t, h.repl.HasCommand("###stdin"))

	require.NoError(t, h.client.Disconnect(ctx, true))
	h.waitDone(t)
}

func TestSessionUnsupportedRequests(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()

	h := startTestSession(t, ctx, testConfig(), newFakeREPL(scriptedSession))
	_, initErr := h.client.Initialize(ctx)
	require.NoError(t, initErr)

	requests := []dap.RequestMessage{
		&dap.PauseRequest{Request: request("pause"), Arguments: dap.PauseArguments{ThreadId: threadID}},
		&dap.StepBackRequest{Request: request("stepBack"), Arguments: dap.StepBackArguments{ThreadId: threadID}},
		&dap.SetFunctionBreakpointsRequest{Request: request("setFunctionBreakpoints")},
		&dap.Request{ProtocolMessage: dap.ProtocolMessage{Type: "request"}, Command: "someCustomRequest"},
	}

	for _, req := range requests {
		resp, sendErr := h.client.Send(ctx, req)
		require.NoError(t, sendErr, req.GetRequest().Command)
		errResp, isError := resp.(*dap.ErrorResponse)
		require.True(t, isError, "%s: %T", req.GetRequest().Command, resp)
		assert.False(t, errResp.Success)
		assert.Equal(t, "notSupported", errResp.Message)
		assert.Equal(t, req.GetRequest().Command, errResp.Command)
		assert.Equal(t, req.GetRequest().Seq, errResp.RequestSeq)
	}
}

func TestSessionPreconditions(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()

	h := startTestSession(t, ctx, testConfig(), newFakeREPL(scriptedSession))
	_, initErr := h.client.Initialize(ctx)
	require.NoError(t, initErr)

	// Nothing runs yet.
	_, evalErr := h.client.Evaluate(ctx, "x", "watch", 0)
	require.Error(t, evalErr)
	assert.Contains(t, evalErr.Error(), "not paused")

	_, evalErr = h.client.Evaluate(ctx, "x", "repl", 0)
	require.Error(t, evalErr)
	assert.Contains(t, evalErr.Error(), "has not started")

	require.Error(t, h.client.Continue(ctx, threadID))

	require.NoError(t, h.client.Launch(ctx, config.LaunchArguments{DebugMode: config.DebugModeWorkspace}))
	require.NoError(t, h.client.ConfigurationDone(ctx))

	// Running at top level: there is no frame to inspect.
	_, stackErr := h.client.StackTrace(ctx)
	require.Error(t, stackErr)
	_, scopesErr := h.client.Scopes(ctx, 1)
	require.Error(t, scopesErr)
	assert.False(t, h.repl.HasCommand(".vsc.run("), "workspace mode runs nothing")

	// A second launch is rejected.
	require.Error(t, h.client.Launch(ctx, config.LaunchArguments{}))

	require.NoError(t, h.client.Disconnect(ctx, true))
	h.waitDone(t)
}

func TestSessionStartupTimeout(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()

	cfg := testConfig()
	cfg.StartupTimeout = 100 * time.Millisecond

	// The REPL never reports that it started.
	silent := newFakeREPL(func(*fakeREPL, string) {})
	h := startTestSession(t, ctx, cfg, silent)

	_, initErr := h.client.Initialize(ctx)
	require.NoError(t, initErr)

	launchErr := h.client.Launch(ctx, config.LaunchArguments{File: scriptPath})
	require.Error(t, launchErr)
	assert.Contains(t, launchErr.Error(), "did not start")

	require.NoError(t, h.client.WaitForTerminatedEvent(eventTimeout))
	assert.True(t, silent.HasCommand(repl.QuitCommand))
	assert.Equal(t, 0, h.client.EventCount("initialized"))
}

func TestSessionRequiredPackageVersion(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()

	cfg := testConfig()
	cfg.VersionCheckLevel = config.VersionCheckRequired
	cfg.MinPackageVersion = "1.0.0"

	h := startTestSession(t, ctx, cfg, newFakeREPL(scriptedSession))
	_, initErr := h.client.Initialize(ctx)
	require.NoError(t, initErr)

	launchErr := h.client.Launch(ctx, config.LaunchArguments{File: scriptPath})
	require.Error(t, launchErr)
	assert.Contains(t, launchErr.Error(), "0.5.2")

	require.NoError(t, h.client.WaitForTerminatedEvent(eventTimeout))
}

func TestSessionPackageVersionWarning(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()

	cfg := testConfig()
	cfg.VersionCheckLevel = config.VersionCheckWarn
	cfg.MinPackageVersion = "1.0.0"

	h := startTestSession(t, ctx, cfg, newFakeREPL(scriptedSession))
	_, initErr := h.client.Initialize(ctx)
	require.NoError(t, initErr)

	require.NoError(t, h.client.Launch(ctx, config.LaunchArguments{File: scriptPath}))
	require.Eventually(t, func() bool {
		return strings.Contains(h.client.Output(), "Warning:")
	}, eventTimeout, 10*time.Millisecond)

	require.NoError(t, h.client.Disconnect(ctx, true))
	h.waitDone(t)
}

func TestSessionREPLExitEndsSession(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()

	f := newFakeREPL(scriptedSession)
	h := startTestSession(t, ctx, testConfig(), f)
	h.launchToBreakpoint(t, ctx)

	// The REPL crashes while paused.
	f.exit(3)

	require.NoError(t, h.client.WaitForTerminatedEvent(eventTimeout))
	exited := findEvent[*dap.ExitedEvent](h.client)
	require.NotNil(t, exited)
	assert.Equal(t, 3, exited.Body.ExitCode)

	_, stackErr := h.client.StackTrace(ctx)
	require.Error(t, stackErr)

	require.NoError(t, h.client.Disconnect(ctx, true))
	h.waitDone(t)
	assert.Equal(t, 1, h.client.EventCount("terminated"))
	assert.Equal(t, 1, h.client.EventCount("exited"))
}

func TestSessionClientGoneStopsREPL(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()

	f := newFakeREPL(scriptedSession)
	h := startTestSession(t, ctx, testConfig(), f)
	h.launchToBreakpoint(t, ctx)

	require.NoError(t, h.client.Close())
	h.waitDone(t)

	select {
	case <-f.Done():
	default:
		require.Fail(t, "the REPL should be stopped when the client goes away")
	}
}

func TestSessionOutgoingSequenceNumbers(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()

	h := startTestSession(t, ctx, testConfig(), newFakeREPL(scriptedSession))
	h.launchToBreakpoint(t, ctx)

	seqs := []int{}
	for _, msg := range h.client.Events() {
		seqs = append(seqs, msg.GetSeq())
	}
	require.NotEmpty(t, seqs)
	for i := 1; i < len(seqs); i++ {
		assert.Greater(t, seqs[i], seqs[i-1])
	}

	require.NoError(t, h.client.Disconnect(ctx, true))
	h.waitDone(t)
}

func findEvent[T dap.EventMessage](c *TestClient) T {
	var none T
	for _, msg := range c.Events() {
		if typed, ok := msg.(T); ok {
			return typed
		}
	}
	return none
}

func TestSessionConsoleInputReachesREPL(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 20*time.Second)
	defer cancel()

	h := startTestSession(t, ctx, testConfig(), newFakeREPL(scriptedSession))
	h.launchToBreakpoint(t, ctx)

	require.NoError(t, h.console.Input("readline answer\n"))
	assert.Contains(t, h.repl.RawInput(), "readline answer\n")
	assert.Contains(t, h.display.String(), "readline answer\n")
}

func TestSessionSingleStackRefreshFailsWhenREPLExits(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()

	// The REPL never answers stack requests.
	f := newFakeREPL(func(f *fakeREPL, cmd string) {
		if strings.HasPrefix(cmd, ".vsc.describeStack(") {
			return
		}
		scriptedSession(f, cmd)
	})
	cfg := testConfig()
	cfg.RefreshTimeout = 20 * time.Second
	h := startTestSession(t, ctx, cfg, f)
	h.launchToBreakpoint(t, ctx)

	results := make(chan error, 2)
	stackTrace := func() {
		_, err := h.client.StackTrace(ctx)
		results <- err
	}

	go stackTrace()
	require.Eventually(t, func() bool {
		return f.HasCommand(".vsc.describeStack(")
	}, eventTimeout, 10*time.Millisecond)
	go stackTrace()

	// The second request joins the refresh that is already in flight.
	time.Sleep(100 * time.Millisecond)
	count := 0
	for _, cmd := range f.Commands() {
		if strings.HasPrefix(cmd, ".vsc.describeStack(") {
			count++
		}
	}
	require.Equal(t, 1, count)

	exitTime := time.Now()
	f.exit(1)

	for i := 0; i < 2; i++ {
		select {
		case err := <-results:
			require.Error(t, err)
		case <-time.After(eventTimeout):
			require.Fail(t, "stack trace request was not answered after the REPL exited")
		}
	}
	assert.Less(t, time.Since(exitTime), cfg.RefreshTimeout)

	require.NoError(t, h.client.WaitForTerminatedEvent(eventTimeout))
}
