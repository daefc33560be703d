/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

type VersionCheckLevel string

const (
	VersionCheckNone     VersionCheckLevel = "none"
	VersionCheckWarn     VersionCheckLevel = "warn"
	VersionCheckRequired VersionCheckLevel = "required"
)

func (l VersionCheckLevel) IsValid() bool {
	switch l {
	case VersionCheckNone, VersionCheckWarn, VersionCheckRequired:
		return true
	default:
		return false
	}
}

func ParseVersionCheckLevel(value string) (VersionCheckLevel, error) {
	level := VersionCheckLevel(strings.ToLower(strings.TrimSpace(value)))
	if !level.IsValid() {
		return "", fmt.Errorf("invalid version check level \"%s\" (expected none, warn or required)", value)
	}
	return level, nil
}

// Set implements pflag.Value.
func (l *VersionCheckLevel) Set(value string) error {
	parsed, err := ParseVersionCheckLevel(value)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// String implements pflag.Value.
func (l *VersionCheckLevel) String() string {
	return string(*l)
}

// Type implements pflag.Value.
func (l *VersionCheckLevel) Type() string {
	return "level"
}

func (l *VersionCheckLevel) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return l.Set(s)
}

var _ pflag.Value = new(VersionCheckLevel)
var _ yaml.Unmarshaler = new(VersionCheckLevel)
