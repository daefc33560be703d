// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

//go:build !windows

package repl

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microsoft/replbridge/internal/config"
	"github.com/microsoft/replbridge/pkg/testutil"
)

func shellConfig(script string) config.Config {
	cfg := config.Default()
	cfg.RPath = "sh"
	cfg.RArgs = []string{"-c", script}
	return cfg
}

func TestLaunchRoutesOutputPerChannel(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, 20*time.Second)
	defer cancel()

	sink := newCollectingSink()
	exitCh := make(chan int32, 1)
	pe, err := Launch(ctx, LaunchOptions{
		Config: shellConfig(`read line; echo "out:$line"; echo "err:$` + DebugSessionEnvVar + `" 1>&2; exit 4`),
		Env:    map[string]string{"EXTRA": "1"},
		Sink:   sink.Sink,
		OnExit: func(exitCode int32, _ error) { exitCh <- exitCode },
		Logger: testutil.NewLogForTesting(t.Name()),
	})
	require.NoError(t, err)

	require.NoError(t, pe.WriteCommand("hello"))

	select {
	case code := <-exitCh:
		assert.Equal(t, int32(4), code)
	case <-ctx.Done():
		t.Fatal("REPL exit was not reported")
	}

	// All output is delivered before the exit is reported.
	assert.Equal(t, "out:hello\n", sink.String(ChannelStdout))
	assert.Equal(t, "err:1\n", sink.String(ChannelStderr))
	assert.Equal(t, int32(4), pe.ExitCode())
	assert.ErrorIs(t, pe.WriteCommand("again"), ErrEndpointClosed)
}

func TestTerminateGracefullyUsesQuitCommand(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, 20*time.Second)
	defer cancel()

	pe, err := Launch(ctx, LaunchOptions{
		Config: shellConfig(`while read line; do if [ "$line" = 'quit(save = "no")' ]; then exit 0; fi; done`),
		Sink:   func(Channel, []byte) {},
		Logger: testutil.NewLogForTesting(t.Name()),
	})
	require.NoError(t, err)

	require.NoError(t, pe.TerminateGracefully(ctx, QuitCommand, 10*time.Second))
	<-pe.Done()
	assert.Equal(t, int32(0), pe.ExitCode())
}

func TestTerminateGracefullyEscalatesToKill(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, 20*time.Second)
	defer cancel()

	pe, err := Launch(ctx, LaunchOptions{
		Config: shellConfig(`trap '' TERM; while true; do sleep 1; done`),
		Sink:   func(Channel, []byte) {},
		Logger: testutil.NewLogForTesting(t.Name()),
	})
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, pe.TerminateGracefully(ctx, QuitCommand, 200*time.Millisecond))
	select {
	case <-pe.Done():
	case <-ctx.Done():
		t.Fatal("REPL was not killed")
	}
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestLaunchOpensSideChannel(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, 20*time.Second)
	defer cancel()

	cfg := shellConfig(`read line`)
	cfg.UseJSONSocket = true
	cfg.JSONSocketHost = "127.0.0.1"

	sink := newCollectingSink()
	pe, err := Launch(ctx, LaunchOptions{
		Config: cfg,
		Sink:   sink.Sink,
		Logger: testutil.NewLogForTesting(t.Name()),
	})
	require.NoError(t, err)
	require.NotZero(t, pe.JSONPort())

	conn, err := net.Dial("tcp", pe.listener.listener.Addr().String())
	require.NoError(t, err)
	_, err = conn.Write([]byte("{\"message\":\"go\"}\n"))
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		return strings.Contains(sink.String(ChannelJSON), `"go"`)
	}, 10*time.Second, 10*time.Millisecond)

	require.NoError(t, pe.WriteCommand(""))
	<-pe.Done()
}

func TestLaunchReportsImmediateExit(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, 20*time.Second)
	defer cancel()

	exitCh := make(chan int32, 1)
	pe, err := Launch(ctx, LaunchOptions{
		Config: shellConfig(`exit 3`),
		Sink:   func(Channel, []byte) {},
		OnExit: func(exitCode int32, _ error) { exitCh <- exitCode },
		Logger: testutil.NewLogForTesting(t.Name()),
	})
	require.NoError(t, err)

	select {
	case code := <-exitCh:
		assert.Equal(t, int32(3), code)
	case <-ctx.Done():
		t.Fatal("REPL exit was not reported")
	}
	<-pe.Done()
	assert.Equal(t, int32(3), pe.ExitCode())
}

func TestTerminateKillsWithoutGracePeriod(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, 20*time.Second)
	defer cancel()

	pe, err := Launch(ctx, LaunchOptions{
		Config: shellConfig(`trap '' TERM; while true; do sleep 1; done`),
		Sink:   func(Channel, []byte) {},
		Logger: testutil.NewLogForTesting(t.Name()),
	})
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, pe.Terminate())
	select {
	case <-pe.Done():
	case <-ctx.Done():
		t.Fatal("REPL was not killed")
	}
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.NoError(t, pe.Terminate())
}
