// Copyright (C) 2025 dbnd authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package validation provides input validation utilities for user-supplied names.
//
// This package contains validators for identifiers that end up in file paths,
// storage keys, and remote submission payloads. Using these validators prevents
// path traversal and malformed keys from reaching the artifact store.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// namePattern matches valid task and parameter names.
// Allows: letters, digits, underscores; must start with a letter.
// Max length: 64 characters.
var namePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]{0,63}$`)

// aliasPattern matches a single alias segment inside a pipeline plan.
// Same alphabet as task names; aliases are joined with dots to form
// instance paths, so dots are forbidden inside a segment.
var aliasPattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]{0,63}$`)

// ValidateName validates a task definition or parameter name.
//
// Valid names:
//   - 1-64 characters
//   - Letters a-z, A-Z and digits 0-9
//   - Underscores for word separation
//   - First character must be a letter
//
// Returns an error if the name is invalid.
//
// Example:
//
//	if err := validation.ValidateName(name); err != nil {
//	    return nil, fmt.Errorf("invalid task name: %w", err)
//	}
//	// Safe to use in artifact paths and store keys
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("name cannot be empty")
	}

	if !namePattern.MatchString(name) {
		return fmt.Errorf("invalid name format: %q (must be 1-64 chars, letters, digits, underscores, starting with a letter)", name)
	}

	return nil
}

// ValidateAlias validates a single plan alias segment.
func ValidateAlias(alias string) error {
	if alias == "" {
		return fmt.Errorf("alias cannot be empty")
	}

	if !aliasPattern.MatchString(alias) {
		return fmt.Errorf("invalid alias format: %q (must be 1-64 chars, letters, digits, underscores, starting with a letter)", alias)
	}

	return nil
}

// ValidateInstancePath validates a dotted instance path such as
// "root.featurize.split". Each segment must be a valid alias.
// Returns an error listing all invalid segments if any fail validation.
func ValidateInstancePath(path string) error {
	if path == "" {
		return fmt.Errorf("instance path cannot be empty")
	}

	var invalid []string
	for _, seg := range strings.Split(path, ".") {
		if err := ValidateAlias(seg); err != nil {
			invalid = append(invalid, seg)
		}
	}

	if len(invalid) > 0 {
		return fmt.Errorf("invalid instance path segments: %v", invalid)
	}
	return nil
}

// SanitizeName normalizes and validates a name.
// Returns the trimmed name if valid, or an error if invalid.
//
// Use this at API and CLI boundaries where whitespace may leak in:
//
//	safeName, err := validation.SanitizeName(userInput)
//	if err != nil {
//	    return err
//	}
func SanitizeName(name string) (string, error) {
	normalized := strings.TrimSpace(name)
	if err := ValidateName(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}
