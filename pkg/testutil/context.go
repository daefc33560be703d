/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package testutil

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"testing"
	"time"
)

const testContextTimeoutEnv = "REPLBRIDGE_TEST_CONTEXT_TIMEOUT"

// GetTestContext returns a context that expires no later than the test deadline.
// The timeout can be overridden (in seconds) with the REPLBRIDGE_TEST_CONTEXT_TIMEOUT
// environment variable, which helps when stepping through tests in a debugger.
func GetTestContext(t *testing.T, testTimeout time.Duration) (context.Context, context.CancelFunc) {
	if timeoutStr, found := os.LookupEnv(testContextTimeoutEnv); found {
		timeout, err := strconv.ParseUint(timeoutStr, 10, 32)
		if err != nil {
			panic(fmt.Sprintf("Context timeout value '%s' is invalid: %s", timeoutStr, err.Error()))
		}
		return context.WithTimeout(context.Background(), time.Duration(timeout)*time.Second)
	}

	deadline, haveDeadline := t.Deadline()
	switch {
	case !haveDeadline && testTimeout == 0:
		return context.WithCancel(context.Background())
	case haveDeadline && testTimeout == 0:
		return context.WithDeadline(context.Background(), deadline)
	case !haveDeadline:
		return context.WithTimeout(context.Background(), testTimeout)
	default:
		testDeadline := time.Now().Add(testTimeout)
		if deadline.Before(testDeadline) {
			testDeadline = deadline
		}
		return context.WithDeadline(context.Background(), testDeadline)
	}
}
