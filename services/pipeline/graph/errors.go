// Copyright (C) 2025 dbnd authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package graph

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCyclicDependency marks an expansion that revisits an instance
	// still being expanded, or one that exceeds the depth bound.
	ErrCyclicDependency = errors.New("cyclic dependency")

	// ErrInvalidReference marks an output reference used where no plan
	// scope exists, or one that targets an output parameter.
	ErrInvalidReference = errors.New("invalid output reference")
)

// CycleError reports the alias-path chain that closed a cycle.
type CycleError struct {
	Path []string
}

// Error returns the cycle description with the full chain.
func (e *CycleError) Error() string {
	return fmt.Sprintf("cyclic dependency: %s", strings.Join(e.Path, " -> "))
}

// Unwrap lets errors.Is match ErrCyclicDependency.
func (e *CycleError) Unwrap() error {
	return ErrCyclicDependency
}

// NewCycleError creates a CycleError over the given chain.
func NewCycleError(path []string) *CycleError {
	return &CycleError{Path: path}
}
