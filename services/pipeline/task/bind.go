// Copyright (C) 2025 dbnd authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package task

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// BindSource identifies which resolution tier produced a value.
type BindSource int

const (
	// SourceInstanceOverride is an override keyed to the exact instance
	// path (highest precedence).
	SourceInstanceOverride BindSource = iota

	// SourceDefinitionOverride is an override keyed to the definition.
	SourceDefinitionOverride

	// SourceExplicit is a value supplied by the caller instantiating the
	// definition (pipeline plan arguments or the root call).
	SourceExplicit

	// SourceDefault is the declared default value.
	SourceDefault

	// SourceDerived marks an output address left to derive from the
	// instance signature.
	SourceDerived
)

// String returns the tier name used in event payloads.
func (s BindSource) String() string {
	switch s {
	case SourceInstanceOverride:
		return "instance_override"
	case SourceDefinitionOverride:
		return "definition_override"
	case SourceExplicit:
		return "explicit"
	case SourceDefault:
		return "default"
	case SourceDerived:
		return "derived"
	default:
		return "unknown"
	}
}

// OverrideSource supplies run-scoped overrides to the binder. The run
// package's override table implements it; tests use literal maps.
type OverrideSource interface {
	// InstanceOverride returns the override keyed to the exact instance
	// path, if one was registered.
	InstanceOverride(path, param string) (any, bool)

	// DefinitionOverride returns the override keyed to the definition
	// name, if one was registered.
	DefinitionOverride(definition, param string) (any, bool)
}

// NoOverrides is an OverrideSource with no registrations.
type NoOverrides struct{}

// InstanceOverride always reports no match.
func (NoOverrides) InstanceOverride(string, string) (any, bool) { return nil, false }

// DefinitionOverride always reports no match.
func (NoOverrides) DefinitionOverride(string, string) (any, bool) { return nil, false }

// Binding is the result of resolving one definition's parameters.
type Binding struct {
	// Values holds the resolved value per parameter. Input values are
	// normalized to their canonical Go types; OutputRef arguments pass
	// through untouched for the graph builder to resolve into producer
	// addresses and dependency edges.
	Values Values

	// Sources records the winning tier per parameter.
	Sources map[string]BindSource
}

// Bind resolves every declared parameter of def.
//
// Description:
//
//	Resolution order per parameter, highest precedence first:
//	instance-scoped override, definition-scoped override, explicit
//	argument, declared default. Output parameters fall through to
//	SourceDerived (address derived from the instance signature later).
//	Bind is a pure function of its inputs; the override source must be
//	an immutable run-start snapshot.
//
// Inputs:
//
//	def - The definition whose parameters are resolved.
//	instancePath - Dotted alias path of the would-be instance, used for
//	               instance-scoped override lookup.
//	explicit - Caller-supplied arguments. May contain OutputRef values
//	           for TypePath inputs.
//	overrides - The run's override snapshot; NoOverrides{} when absent.
//
// Outputs:
//
//	Binding - Resolved values plus the winning tier per parameter.
//	error - *BindError wrapping ErrUnknownParameter for an explicit
//	        argument the definition does not declare,
//	        ErrMissingRequiredParameter, or ErrTypeMismatch.
func Bind(def *Definition, instancePath string, explicit map[string]any, overrides OverrideSource) (Binding, error) {
	if overrides == nil {
		overrides = NoOverrides{}
	}

	for name := range explicit {
		if _, ok := def.Param(name); !ok {
			return Binding{}, &BindError{
				Definition: def.Name(),
				Instance:   instancePath,
				Param:      name,
				Err:        fmt.Errorf("%w: %q", ErrUnknownParameter, name),
			}
		}
	}

	b := Binding{
		Values:  make(Values, len(def.params)),
		Sources: make(map[string]BindSource, len(def.params)),
	}

	for _, spec := range def.params {
		value, source, found := resolve(def, spec, instancePath, explicit, overrides)
		if !found {
			if spec.Output {
				// Address derived from the signature once known.
				b.Values[spec.Name] = ""
				b.Sources[spec.Name] = SourceDerived
				continue
			}
			if spec.Required {
				return Binding{}, &BindError{
					Definition: def.Name(),
					Instance:   instancePath,
					Param:      spec.Name,
					Err:        ErrMissingRequiredParameter,
				}
			}
			// Optional without default: binds to nil.
			b.Values[spec.Name] = nil
			b.Sources[spec.Name] = SourceDefault
			continue
		}

		if ref, ok := value.(OutputRef); ok {
			if spec.Type != TypePath {
				return Binding{}, &BindError{
					Definition: def.Name(),
					Instance:   instancePath,
					Param:      spec.Name,
					Err:        fmt.Errorf("%w: output reference bound to %s parameter", ErrTypeMismatch, spec.Type),
				}
			}
			b.Values[spec.Name] = ref
			b.Sources[spec.Name] = source
			continue
		}

		normalized, err := Coerce(spec.Type, value)
		if err != nil {
			return Binding{}, &BindError{
				Definition: def.Name(),
				Instance:   instancePath,
				Param:      spec.Name,
				Err:        err,
			}
		}
		b.Values[spec.Name] = normalized
		b.Sources[spec.Name] = source
	}

	return b, nil
}

// resolve walks the four tiers for one parameter.
func resolve(def *Definition, spec ParamSpec, instancePath string, explicit map[string]any, overrides OverrideSource) (any, BindSource, bool) {
	if v, ok := overrides.InstanceOverride(instancePath, spec.Name); ok {
		return v, SourceInstanceOverride, true
	}
	if v, ok := overrides.DefinitionOverride(def.Name(), spec.Name); ok {
		return v, SourceDefinitionOverride, true
	}
	if v, ok := explicit[spec.Name]; ok {
		return v, SourceExplicit, true
	}
	if spec.Default != nil {
		return spec.Default, SourceDefault, true
	}
	return nil, SourceDefault, false
}

// Coerce normalizes v to the canonical Go type for t.
//
// Coercions are conservative: numeric widening only, string parsing for
// values arriving from the CLI or YAML, no silent truncation. Returns a
// value of type string, int64, float64, bool, or time.Duration, or an
// error wrapping ErrTypeMismatch.
func Coerce(t ValueType, v any) (any, error) {
	switch t {
	case TypeString, TypePath:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case TypeInt:
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int32:
			return int64(n), nil
		case int64:
			return n, nil
		case float64:
			if n == math.Trunc(n) {
				return int64(n), nil
			}
			return nil, fmt.Errorf("%w: float %v is not integral", ErrTypeMismatch, n)
		case string:
			if i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64); err == nil {
				return i, nil
			}
		}
	case TypeFloat:
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
				return f, nil
			}
		}
	case TypeBool:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			if parsed, err := strconv.ParseBool(strings.TrimSpace(b)); err == nil {
				return parsed, nil
			}
		}
	case TypeDuration:
		switch d := v.(type) {
		case time.Duration:
			return d, nil
		case int:
			return time.Duration(d), nil
		case int64:
			return time.Duration(d), nil
		case string:
			if parsed, err := time.ParseDuration(strings.TrimSpace(d)); err == nil {
				return parsed, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: cannot coerce %T to %s", ErrTypeMismatch, v, t)
}
