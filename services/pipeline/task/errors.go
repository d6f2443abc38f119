// Copyright (C) 2025 dbnd authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package task provides the declarative task model for the pipeline engine.
//
// A task Definition is an immutable template: a name, an ordered set of
// parameter declarations, and exactly one body. Leaf definitions carry a
// RunFunc that performs work; pipeline definitions carry a PlanFunc whose
// declaration phase returns a Plan describing sub-instantiations as data.
// The graph builder binds plans into concrete instances in a separate step,
// so expansion stays deterministic and testable.
//
// # Ownership Model
//
// Definitions are immutable after construction and safe to share between
// runs. Registries hand out the same *Definition to every caller; callers
// MUST NOT mutate parameter specs obtained from a definition.
//
// # Thread Safety
//
// Definition and ParamSpec are read-only after NewDefinition returns.
// Registry is safe for concurrent use.
package task

import "errors"

// Sentinel errors for definition construction and parameter binding.
var (
	// ErrMissingRequiredParameter is returned by Bind when a required
	// parameter has no value after all resolution tiers (instance
	// override, definition override, explicit argument, default).
	ErrMissingRequiredParameter = errors.New("missing required parameter")

	// ErrTypeMismatch is returned when a supplied or overridden value
	// cannot be coerced to the parameter's declared semantic type.
	ErrTypeMismatch = errors.New("value does not match declared parameter type")

	// ErrDuplicateParameter is returned when a definition declares two
	// parameters with the same name.
	ErrDuplicateParameter = errors.New("duplicate parameter name")

	// ErrUnknownParameter is returned when an explicit argument or an
	// output reference names a parameter the definition does not declare.
	ErrUnknownParameter = errors.New("unknown parameter")

	// ErrInvalidDefinition is returned when a definition is structurally
	// invalid: bad name, no body, or both a run and a plan body.
	ErrInvalidDefinition = errors.New("invalid task definition")

	// ErrInvalidOutput is returned when an output parameter declares a
	// non-path type, or an export binds incompatible parameters.
	ErrInvalidOutput = errors.New("invalid output parameter")

	// ErrDuplicateDefinition is returned when registering a definition
	// whose name is already taken in the registry.
	ErrDuplicateDefinition = errors.New("duplicate task definition")

	// ErrDefinitionNotFound is returned when looking up a definition name
	// that was never registered.
	ErrDefinitionNotFound = errors.New("task definition not found")

	// ErrDuplicateAlias is returned when a plan declares two calls with
	// the same alias.
	ErrDuplicateAlias = errors.New("duplicate call alias in plan")

	// ErrUnknownAlias is returned when an output reference or an export
	// names an alias the plan never declared.
	ErrUnknownAlias = errors.New("unknown call alias in plan")
)

// BindError attributes a binding failure to one parameter of one
// would-be instance. Unwrap exposes the sentinel cause so callers can
// test with errors.Is.
type BindError struct {
	Definition string
	Instance   string
	Param      string
	Err        error
}

// Error formats the failure with its full attribution.
func (e *BindError) Error() string {
	if e.Instance != "" {
		return "bind " + e.Definition + "[" + e.Instance + "]." + e.Param + ": " + e.Err.Error()
	}
	return "bind " + e.Definition + "." + e.Param + ": " + e.Err.Error()
}

// Unwrap returns the underlying sentinel error.
func (e *BindError) Unwrap() error {
	return e.Err
}
