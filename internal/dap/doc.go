/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

/*
Package dap implements a Debug Adapter Protocol (DAP) server that debugs programs
running in a line-based R REPL.

# Architecture Overview

The REPL only speaks text. The bridge drives it by writing command lines to its input
and recovers structure from what it prints: prompts, location banners, and JSON messages
embedded between sentinel markers. The debugger front end only sees the DAP side.

# Key Components

  - Demultiplexer: splits stdout, stderr and side-channel bytes into lines, per channel
  - Classifier: decides what each line is (structured message, prompt, location, noise, or output)
  - Correlator: matches structured replies to the requests that caused them, by request id
  - State: breakpoints, call stack, scopes and variable references, as last reported by the REPL
  - Session: the per-connection reactor that owns all of the above and answers DAP requests
  - Server: accepts TCP connections and runs a Session for each

# Session Flow

 1. The client sends initialize, then launch (or attach)
 2. The session starts the REPL and sends the start command
 3. The REPL reports that it is ready; the launch response and the initialized event follow
 4. Breakpoints are sent to the REPL; configurationDone runs the debugged program
 5. A browser prompt means the REPL paused; the session reports a stopped event
 6. Stack, scopes, variables and watch expressions are fetched from the REPL on demand
 7. disconnect (or the end of the program) stops the REPL, with a grace period

All session state is owned by a single goroutine. Output from the REPL, client requests,
and completions of asynchronous waits are delivered to it as events through an unbounded queue.

# Usage

	server := dap.NewServer(dap.ServerConfig{
		Address: "localhost:4711",
		Config:  config.Default(),
		Logger:  log,
	})
	err := server.Serve(ctx)

A single session over standard input and output:

	session := dap.NewSession(dap.SessionConfig{
		Transport: dap.NewStdioTransport(os.Stdin, os.Stdout),
		Config:    config.Default(),
		Logger:    log,
	})
	err := session.Run(ctx)
*/
package dap
