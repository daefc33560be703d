// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"context"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/microsoft/replbridge/internal/repl"
)

var requestIDPattern = regexp.MustCompile(`[(, ]id=(\d+)`)

// fakeREPL is a scripted stand-in for the R REPL.
// Commands written to it are answered synchronously by the respond function.
type fakeREPL struct {
	mu       sync.Mutex
	commands []string
	raw      []string
	sink     repl.OutputSink
	onExit   repl.ExitHandler
	respond  func(f *fakeREPL, cmd string)

	done     chan struct{}
	once     sync.Once
	exitCode int32
}

func newFakeREPL(respond func(f *fakeREPL, cmd string)) *fakeREPL {
	return &fakeREPL{
		respond:  respond,
		done:     make(chan struct{}),
		exitCode: -1,
	}
}

func (f *fakeREPL) launcher() Launcher {
	return func(_ context.Context, opts repl.LaunchOptions) (repl.Endpoint, error) {
		f.mu.Lock()
		f.sink = opts.Sink
		f.onExit = opts.OnExit
		f.mu.Unlock()
		return f, nil
	}
}

func (f *fakeREPL) WriteCommand(cmd string) error {
	select {
	case <-f.done:
		return repl.ErrEndpointClosed
	default:
	}

	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	respond := f.respond
	f.mu.Unlock()

	if respond != nil {
		respond(f, cmd)
	}
	return nil
}

func (f *fakeREPL) WriteRawInput(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.raw = append(f.raw, text)
	return nil
}

func (f *fakeREPL) Terminate() error {
	f.exit(137)
	return nil
}

func (f *fakeREPL) TerminateGracefully(_ context.Context, quitCommand string, _ time.Duration) error {
	if quitCommand != "" {
		_ = f.WriteCommand(quitCommand)
	}
	f.exit(0)
	return nil
}

func (f *fakeREPL) JSONPort() int32 { return 0 }

func (f *fakeREPL) Done() <-chan struct{} { return f.done }

func (f *fakeREPL) ExitCode() int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exitCode
}

func (f *fakeREPL) exit(code int32) {
	f.once.Do(func() {
		f.mu.Lock()
		f.exitCode = code
		onExit := f.onExit
		f.mu.Unlock()
		close(f.done)
		if onExit != nil {
			onExit(code, nil)
		}
	})
}

func (f *fakeREPL) emit(text string) {
	f.mu.Lock()
	sink := f.sink
	f.mu.Unlock()
	sink(repl.ChannelStdout, []byte(text))
}

func (f *fakeREPL) emitPayload(tag string, id int, body any) {
	msg := map[string]any{"message": tag, "id": id}
	if body != nil {
		msg["body"] = body
	}
	data, err := json.Marshal(msg)
	if err != nil {
		panic(err)
	}
	f.emit(LeftSentinel + string(data) + RightSentinel + "\n")
}

func (f *fakeREPL) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func (f *fakeREPL) RawInput() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.raw...)
}

func (f *fakeREPL) HasCommand(prefix string) bool {
	for _, cmd := range f.Commands() {
		if strings.HasPrefix(cmd, prefix) {
			return true
		}
	}
	return false
}

func commandID(cmd string) int {
	m := requestIDPattern.FindStringSubmatch(cmd)
	if m == nil {
		return 0
	}
	id, _ := strconv.Atoi(m[1])
	return id
}

// scriptedSession answers the way an R session debugging /work/script.R would.
// The program prints "hello", stops at the breakpoint on line 3, and prints "bye" when continued.
func scriptedSession(f *fakeREPL, cmd string) {
	id := commandID(cmd)

	switch {
	case strings.HasPrefix(cmd, ".vsc.startSession("):
		f.emit("R version 4.4.1\n")
		f.emitPayload(TagGo, id, map[string]any{"version": "0.5.2"})
		f.emit("> ")

	case strings.HasPrefix(cmd, ".vsc.setBreakpoints("):
		f.emit(cmd + "\n")
		for _, bpID := range breakpointIDs(cmd) {
			f.emitPayload(TagBreakpointVerification, id, map[string]any{"id": bpID, "verified": true})
		}
		f.emit("> ")

	case strings.HasPrefix(cmd, ".vsc.run("):
		f.emit("hello\n")
		f.emitPayload(TagBreakpoint, 0, map[string]any{"id": 1, "file": "/work/script.R", "line": 3})
		f.emit("debug at /work/script.R#3: y <- x + 1\n")
		f.emit("Browse[1]> ")

	case strings.HasPrefix(cmd, ".vsc.describeStack("):
		f.emit("debugging in: " + cmd + "\n")
		f.emitPayload(TagStack, id, map[string]any{"frames": []map[string]any{
			{"index": 0, "name": "f(x = 1)", "file": "/work/script.R", "line": 3, "envId": "0xf"},
			{"index": 1, "name": "main()", "file": "/work/script.R", "line": 9, "envId": "0xm"},
		}})
		f.emit("exiting from: " + cmd + "\n")
		f.emit("Browse[1]> ")

	case strings.HasPrefix(cmd, ".vsc.describeScopes("):
		f.emitPayload(TagScopes, id, map[string]any{
			"envId": "0xf",
			"scopes": []map[string]any{{
				"name":  "Locals",
				"envId": "0xf",
				"variables": []map[string]any{
					{"name": "x", "value": "1", "type": "double"},
					{"name": "cfg", "value": "List of 2", "type": "list", "structured": true, "reference": 7},
				},
			}},
		})
		f.emit("Browse[1]> ")

	case strings.HasPrefix(cmd, ".vsc.describeVariables("):
		f.emitPayload(TagVariables, id, map[string]any{
			"reference": 7,
			"variables": []map[string]any{
				{"name": "a", "value": "TRUE", "type": "logical"},
				{"name": "b", "value": "\"text\"", "type": "character"},
			},
		})
		f.emit("Browse[1]> ")

	case strings.HasPrefix(cmd, ".vsc.evaluate("):
		if strings.Contains(cmd, "undefined_thing") {
			f.emitPayload(TagEval, id, map[string]any{"error": "object 'undefined_thing' not found"})
		} else {
			f.emitPayload(TagEval, id, map[string]any{"result": "2", "type": "double"})
		}
		f.emit("Browse[1]> ")

	case cmd == repl.StepOver:
		f.emit("n\n")
		f.emit("debug at /work/script.R#4: z <- y * 2\n")
		f.emit("Browse[1]> ")

	case cmd == repl.StepContinue:
		f.emit("bye\n")
		f.emitPayload(TagEnd, 0, nil)
		f.emit("> ")

	case cmd == repl.QuitCommand:
		// The session goes away; TerminateGracefully reports the exit.

	case strings.HasPrefix(cmd, "x + 1"):
		f.emit("[1] 2\n")
		f.emit("Browse[1]> ")

	default:
		f.emit("Browse[1]> ")
	}
}

var breakpointIDsPattern = regexp.MustCompile(`ids=c\(([^)]*)\)`)

func breakpointIDs(cmd string) []int {
	m := breakpointIDsPattern.FindStringSubmatch(cmd)
	if m == nil {
		return nil
	}
	var ids []int
	for _, part := range strings.Split(m[1], ",") {
		part = strings.TrimSuffix(strings.TrimSpace(part), "L")
		if id, err := strconv.Atoi(part); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}
