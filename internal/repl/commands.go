// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package repl

import (
	"fmt"
	"strconv"
	"strings"
)

// Single-character commands understood by the R browser prompt.
const (
	StepContinue = "c"
	StepOver     = "n"
	StepInto     = "s"
	StepOut      = "f"
	BrowserQuit  = "Q"

	QuitCommand = `quit(save = "no")`
)

// DebugSessionEnvVar marks the REPL as running under the bridge.
// The counterpart R package emits structured messages only when it is set.
const DebugSessionEnvVar = "REPLBRIDGE_DEBUG_SESSION"

// Prefix of all function-call commands; their echo is treated as noise.
const InternalCommandPrefix = ".vsc."

// RString returns s as an R string literal.
func RString(s string) string {
	// Go escape sequences used by strconv.Quote are a subset of the ones R understands.
	return strconv.Quote(s)
}

// RIntVector returns values as an R integer vector literal, e.g. c(3L, 7L).
func RIntVector(values []int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.Itoa(v) + "L"
	}
	return "c(" + strings.Join(parts, ", ") + ")"
}

func RStringVector(values []string) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = RString(v)
	}
	return "c(" + strings.Join(parts, ", ") + ")"
}

func call(fn string, args ...string) string {
	return InternalCommandPrefix + fn + "(" + strings.Join(args, ", ") + ")"
}

func arg(name, value string) string {
	return name + "=" + value
}

func StartSessionCommand(id int, jsonPort int32) string {
	args := []string{arg("id", strconv.Itoa(id))}
	if jsonPort > 0 {
		args = append(args, arg("jsonPort", strconv.Itoa(int(jsonPort))))
	}
	return call("startSession", args...)
}

// SetBreakpointsCommand replaces all breakpoints of a file.
// ids[i] is the breakpoint id for lines[i].
func SetBreakpointsCommand(file string, lines []int, ids []int, id int) string {
	return call("setBreakpoints",
		arg("file", RString(file)),
		arg("lines", RIntVector(lines)),
		arg("ids", RIntVector(ids)),
		arg("id", strconv.Itoa(id)),
	)
}

func DescribeStackCommand(id int) string {
	return call("describeStack", arg("id", strconv.Itoa(id)))
}

// DescribeScopesCommand asks for the scopes of a frame (by index) or of an environment.
func DescribeScopesCommand(frame int, envID string, id int) string {
	if envID != "" {
		return call("describeScopes", arg("env", RString(envID)), arg("id", strconv.Itoa(id)))
	}
	return call("describeScopes", arg("frame", strconv.Itoa(frame)), arg("id", strconv.Itoa(id)))
}

func DescribeVariablesCommand(ref int, id int) string {
	return call("describeVariables", arg("ref", strconv.Itoa(ref)), arg("id", strconv.Itoa(id)))
}

func EvaluateCommand(expr string, frame int, context string, id int) string {
	return call("evaluate",
		arg("expr", RString(expr)),
		arg("frame", strconv.Itoa(frame)),
		arg("context", RString(context)),
		arg("id", strconv.Itoa(id)),
	)
}

// RunCommand runs the debugged program: a file, a function defined by a file, or nothing (workspace mode).
func RunCommand(file string, mainFunction string, args []string) string {
	callArgs := []string{arg("file", RString(file))}
	if mainFunction != "" {
		callArgs = append(callArgs, arg("main", RString(mainFunction)))
	}
	if len(args) > 0 {
		callArgs = append(callArgs, arg("args", RStringVector(args)))
	}
	return call("run", callArgs...)
}

// EnsureNewline appends a single line feed unless the text already ends with one.
func EnsureNewline(text string) string {
	if strings.HasSuffix(text, "\n") {
		return text
	}
	return text + "\n"
}

// IsStepCommand reports whether the text is one of the single-character browser commands.
func IsStepCommand(text string) bool {
	switch strings.TrimSpace(text) {
	case StepContinue, StepOver, StepInto, StepOut, BrowserQuit:
		return true
	default:
		return false
	}
}

func describeCommand(cmd string) string {
	if len(cmd) > 80 {
		return fmt.Sprintf("%s...(%d bytes)", cmd[:80], len(cmd))
	}
	return cmd
}
