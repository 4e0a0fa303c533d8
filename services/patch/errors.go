// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package patch

import (
	"fmt"

	"github.com/AleutianAI/patchmcp/services/patch/failures"
)

// PatchError is returned by Service.PatchFile for every failed request.
type PatchError struct {
	// Path is the file path as the caller supplied it.
	Path string

	// Stage is where the request failed.
	Stage failures.Stage

	// Err is the underlying error, e.g. *blocks.ValidationError or
	// *apply.ApplyError.
	Err error

	// Advisory is the consecutive-failure note, empty on a first failure.
	Advisory string
}

// Error implements the error interface.
func (e *PatchError) Error() string {
	msg := fmt.Sprintf("Failed to apply patch to %s: %v", e.Path, e.Err)
	if e.Advisory != "" {
		msg += "\n\n" + e.Advisory
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *PatchError) Unwrap() error {
	return e.Err
}
