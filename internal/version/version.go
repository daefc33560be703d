/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package version reports build information of the bridge binary.
package version

import (
	"runtime"
	"strconv"
	"time"
)

const DevelopmentVersion = "dev"

// Set by the linker (-X).
var (
	ProductVersion = DevelopmentVersion
	CommitHash     = ""
	BuildTimestamp = ""
)

// Timestamp is a point in time that serializes as an RFC 3339 string, or null when unknown.
type Timestamp struct {
	time.Time
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return []byte(strconv.Quote(t.UTC().Format(time.RFC3339))), nil
}

type BuildInfo struct {
	Version    string     `json:"version"`
	CommitHash string     `json:"commitHash,omitempty"`
	BuildTime  *Timestamp `json:"buildTimestamp,omitempty"`
	GoVersion  string     `json:"goVersion"`
	Platform   string     `json:"platform"`
}

// Info returns the build information. BuildTimestamp may be Unix seconds or RFC 3339.
func Info() BuildInfo {
	info := BuildInfo{
		Version:    ProductVersion,
		CommitHash: CommitHash,
		GoVersion:  runtime.Version(),
		Platform:   runtime.GOOS + "/" + runtime.GOARCH,
	}
	if info.Version == "" {
		info.Version = DevelopmentVersion
	}

	if BuildTimestamp != "" {
		if seconds, err := strconv.ParseInt(BuildTimestamp, 10, 64); err == nil {
			info.BuildTime = &Timestamp{time.Unix(seconds, 0)}
		} else if parsed, parseErr := time.Parse(time.RFC3339, BuildTimestamp); parseErr == nil {
			info.BuildTime = &Timestamp{parsed}
		}
	}

	return info
}
