// Copyright (C) 2025 dbnd authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package task

import "time"

// ValueType is the semantic type of a parameter value.
//
// Values are normalized during binding: TypeInt values are int64,
// TypeFloat values are float64, TypeDuration values are time.Duration,
// TypePath values are target address strings.
type ValueType int

const (
	// TypeString is a plain string value.
	TypeString ValueType = iota

	// TypeInt is a 64-bit integer value.
	TypeInt

	// TypeFloat is a 64-bit float value.
	TypeFloat

	// TypeBool is a boolean value.
	TypeBool

	// TypeDuration is a time.Duration, parseable from strings like "90s".
	TypeDuration

	// TypePath is a target address. Output parameters are always paths;
	// input paths may reference externally supplied artifacts or another
	// task's output.
	TypePath
)

// String returns the lowercase type name used in errors and event payloads.
func (t ValueType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeBool:
		return "bool"
	case TypeDuration:
		return "duration"
	case TypePath:
		return "path"
	default:
		return "unknown"
	}
}

// ParamSpec declares one parameter of a task definition.
//
// Description:
//
//	A spec pairs a name with a semantic type and either a default value
//	or a required marker. Output specs declare target-producing
//	parameters; their addresses default to a location derived from the
//	instance signature but may be pinned by an explicit value or an
//	override.
type ParamSpec struct {
	// Name is unique within a definition.
	Name string

	// Type is the declared semantic type. Output parameters must be
	// TypePath.
	Type ValueType

	// Default is the tier-4 value. nil means no default; combined with
	// Required=false and Output=false this still binds (zero value is
	// not implied, the parameter simply resolves to nil and fails if
	// required).
	Default any

	// Required marks an input that must resolve to a value.
	Required bool

	// Output marks a target-producing parameter.
	Output bool

	// Doc is optional help text surfaced by the CLI.
	Doc string
}

// RequiredParam declares a required input parameter.
func RequiredParam(name string, t ValueType) ParamSpec {
	return ParamSpec{Name: name, Type: t, Required: true}
}

// OptionalParam declares an input parameter with a default value.
func OptionalParam(name string, t ValueType, def any) ParamSpec {
	return ParamSpec{Name: name, Type: t, Default: def}
}

// OutputParam declares a target-producing parameter. Output addresses
// derive from the instance signature unless pinned.
func OutputParam(name string) ParamSpec {
	return ParamSpec{Name: name, Type: TypePath, Output: true}
}

// Values holds the fully resolved parameter values of one instance,
// keyed by parameter name. Values are normalized to the canonical Go
// type for their declared ValueType.
type Values map[string]any

// String returns the named value as a string. The zero value is
// returned when the parameter is absent or has another type.
func (v Values) String(name string) string {
	s, _ := v[name].(string)
	return s
}

// Int returns the named value as an int64.
func (v Values) Int(name string) int64 {
	i, _ := v[name].(int64)
	return i
}

// Float returns the named value as a float64.
func (v Values) Float(name string) float64 {
	f, _ := v[name].(float64)
	return f
}

// Bool returns the named value as a bool.
func (v Values) Bool(name string) bool {
	b, _ := v[name].(bool)
	return b
}

// Duration returns the named value as a time.Duration.
func (v Values) Duration(name string) time.Duration {
	d, _ := v[name].(time.Duration)
	return d
}

// Path returns the named value as a target address string.
func (v Values) Path(name string) string {
	s, _ := v[name].(string)
	return s
}

// Clone returns a shallow copy. Instances hand out clones so callers
// cannot mutate resolved state.
func (v Values) Clone() Values {
	out := make(Values, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}
