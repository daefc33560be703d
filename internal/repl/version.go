// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package repl

import (
	"fmt"

	"k8s.io/apimachinery/pkg/util/version"
)

// CheckPackageVersion verifies that the version reported by the R counterpart package
// is at least the minimum version.
func CheckPackageVersion(reported, minimum string) error {
	minVersion, err := version.ParseGeneric(minimum)
	if err != nil {
		return fmt.Errorf("minimum package version '%s' is invalid: %w", minimum, err)
	}

	if reported == "" {
		return fmt.Errorf("%w: the package did not report its version (need %s)", ErrPackageVersionTooOld, minVersion)
	}

	reportedVersion, err := version.ParseGeneric(reported)
	if err != nil {
		return fmt.Errorf("%w: reported version '%s' is invalid", ErrPackageVersionTooOld, reported)
	}

	if reportedVersion.LessThan(minVersion) {
		return fmt.Errorf("%w: installed version is %s, need %s or newer", ErrPackageVersionTooOld, reportedVersion, minVersion)
	}
	return nil
}
