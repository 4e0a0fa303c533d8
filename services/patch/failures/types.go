// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package failures

import (
	"time"

	"github.com/google/uuid"
)

// Stage names the step a request failed in.
type Stage string

// Failure stages.
const (
	// StageValidation covers path, allow-list and binary checks.
	StageValidation Stage = "validation"

	// StageParsing covers malformed patch content.
	StageParsing Stage = "patch_parsing"

	// StageApplication covers blocks that did not match exactly once.
	StageApplication Stage = "block_application"

	// StageWrite covers I/O errors while reading or writing the file.
	StageWrite Stage = "file_write"
)

// FailedAttempt records one failed request against a file.
type FailedAttempt struct {
	// ID uniquely identifies the attempt in logs.
	ID uuid.UUID `json:"id"`

	// Timestamp is when the failure was recorded.
	Timestamp time.Time `json:"timestamp"`

	// FilePath is the target file as given by the caller.
	FilePath string `json:"file_path"`

	// BlockCount is the number of SEARCH markers in the request.
	BlockCount int `json:"block_count"`

	// Stage is where the request failed.
	Stage Stage `json:"failure_stage"`

	// ErrorMessage is the error returned to the caller.
	ErrorMessage string `json:"error_message"`

	// Fingerprint identifies the request parameters.
	Fingerprint string `json:"params_fingerprint"`

	// Sequence is the position of this attempt in the current run of
	// consecutive failures, starting at 1.
	Sequence int `json:"sequence"`
}
