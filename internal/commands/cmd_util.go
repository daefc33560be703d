/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"runtime"
)

func IsWindows() bool {
	return runtime.GOOS == "windows"
}

// WithNewline appends the platform line terminator to b.
func WithNewline(b []byte) []byte {
	if IsWindows() {
		b = append(b, '\r')
	}
	return append(b, '\n')
}
