// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package guard

import (
	"fmt"
	"path/filepath"
	"strings"
)

// binaryExtensions lists extensions that are never edited as text.
var binaryExtensions = map[string]struct{}{}

func init() {
	for _, group := range [][]string{
		// executables and libraries
		{".exe", ".dll", ".so", ".dylib", ".bin", ".com", ".msi", ".app", ".deb", ".rpm"},
		// compiled objects
		{".o", ".obj", ".a", ".lib", ".pyc", ".pyo", ".pyd", ".class", ".jar", ".war", ".wasm"},
		// documents
		{".pdf", ".doc", ".docx", ".xls", ".xlsx", ".ppt", ".pptx", ".odt", ".ods", ".odp"},
		// media
		{".mp3", ".mp4", ".avi", ".mov", ".mkv", ".wav", ".flac", ".ogg", ".wmv", ".webm"},
		// images
		{".jpg", ".jpeg", ".png", ".gif", ".bmp", ".ico", ".tif", ".tiff", ".webp", ".psd"},
		// archives
		{".zip", ".rar", ".7z", ".tar", ".gz", ".bz2", ".xz", ".tgz", ".iso", ".dmg"},
		// databases and fonts
		{".db", ".sqlite", ".sqlite3", ".ttf", ".otf", ".woff", ".woff2"},
	} {
		for _, ext := range group {
			binaryExtensions[ext] = struct{}{}
		}
	}
}

// IsBinaryExtension reports whether path has a binary file extension and
// returns the lower-cased extension when it does.
//
// An empty path is treated as binary. Paths without an extension, or ending
// in a bare dot, are text. Backslash separators are understood so Windows
// paths classify the same everywhere.
func IsBinaryExtension(path string) (bool, string) {
	if strings.TrimSpace(path) == "" {
		return true, ""
	}
	base := filepath.Base(strings.ReplaceAll(path, `\`, "/"))
	ext := strings.ToLower(filepath.Ext(base))
	if ext == "" || ext == "." {
		return false, ""
	}
	if _, ok := binaryExtensions[ext]; ok {
		return true, ext
	}
	return false, ""
}

// CheckTextFile returns a *PathError wrapping ErrBinaryFile for binary paths.
func CheckTextFile(path string) error {
	binary, ext := IsBinaryExtension(path)
	if !binary {
		return nil
	}
	what := "These"
	if ext != "" {
		what = ext
	}
	return &PathError{
		Err:  ErrBinaryFile,
		Path: path,
		Msg:  fmt.Sprintf("Rejected: patch_file tool should only be used to edit text files. %s files are binary.", what),
	}
}
