/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package process

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// How long to wait for output copying to finish after the process has exited.
const defaultWaitDelay = 2 * time.Second

type waitState struct {
	cmd    *exec.Cmd
	doneCh chan struct{} // Closed when the process has exited and Wait() returned
}

type OSExecutor struct {
	procs map[int32]*waitState
	lock  sync.Mutex
	log   logr.Logger
}

func NewOSExecutor(log logr.Logger) *OSExecutor {
	return &OSExecutor{
		procs: make(map[int32]*waitState),
		log:   log.WithName("os-executor"),
	}
}

func (e *OSExecutor) StartProcess(ctx context.Context, cmd *exec.Cmd, handler ProcessExitHandler) (int32, error) {
	prepareCommand(cmd)
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = defaultWaitDelay
	}

	if err := cmd.Start(); err != nil {
		return UnknownPID, err
	}

	pid := int32(cmd.Process.Pid)
	ws := &waitState{
		cmd:    cmd,
		doneCh: make(chan struct{}),
	}

	e.lock.Lock()
	e.procs[pid] = ws
	e.lock.Unlock()

	e.log.V(1).Info("process started", "PID", pid, "Path", cmd.Path)

	go func() {
		waitErr := cmd.Wait()
		close(ws.doneCh)

		e.lock.Lock()
		delete(e.procs, pid)
		e.lock.Unlock()

		exitCode, execErr := getProcessExecResult(waitErr, cmd)
		e.log.V(1).Info("process exited", "PID", pid, "ExitCode", exitCode)
		if handler != nil {
			handler.OnProcessExited(pid, exitCode, execErr)
		}
	}()

	go func() {
		select {
		case <-ws.doneCh:
		case <-ctx.Done():
			if stopErr := e.stopProcess(ws, 0); stopErr != nil {
				e.log.Error(stopErr, "could not stop process upon context cancellation", "PID", pid)
			}
		}
	}()

	return pid, nil
}

func (e *OSExecutor) StopProcess(pid int32, gracePeriod time.Duration) error {
	e.lock.Lock()
	ws, found := e.procs[pid]
	e.lock.Unlock()

	if !found {
		return fmt.Errorf("%w: %d", ErrProcessNotFound, pid)
	}

	return e.stopProcess(ws, gracePeriod)
}

func (e *OSExecutor) stopProcess(ws *waitState, gracePeriod time.Duration) error {
	select {
	case <-ws.doneCh:
		return nil
	default:
	}

	if gracePeriod > 0 {
		if err := signalTerminate(ws.cmd); err != nil {
			e.log.V(1).Info("could not ask the process to exit", "PID", ws.cmd.Process.Pid, "Error", err.Error())
		} else {
			timer := time.NewTimer(gracePeriod)
			defer timer.Stop()
			select {
			case <-ws.doneCh:
				return nil
			case <-timer.C:
			}
		}
	}

	e.log.V(1).Info("killing process", "PID", ws.cmd.Process.Pid)
	if err := kill(ws.cmd); err != nil {
		return err
	}
	<-ws.doneCh
	return nil
}

// Returns the process exit code and execution error depending on the result of command wait call.
func getProcessExecResult(waitErr error, cmd *exec.Cmd) (int32, error) {
	var ee *exec.ExitError
	switch {
	case waitErr == nil:
		return int32(cmd.ProcessState.ExitCode()), nil
	case errors.As(waitErr, &ee):
		return int32(ee.ExitCode()), nil
	case errors.Is(waitErr, exec.ErrWaitDelay) && cmd.ProcessState != nil:
		// Some descendant kept the output pipes open; the process itself is gone.
		return int32(cmd.ProcessState.ExitCode()), nil
	default:
		return UnknownExitCode, waitErr
	}
}

var _ Executor = (*OSExecutor)(nil)
