// Copyright (C) 2025 dbnd authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package run

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/kalebinn/dbnd/pkg/validation"
)

// OverrideKey identifies one override registration. Exactly one of
// Definition or Instance is set: a definition-scoped key applies to
// every instance of that definition, an instance-scoped key applies
// to the single instance at that dotted alias path. Keys compare by
// value, never by object identity.
type OverrideKey struct {
	// Definition is the definition name for definition-scoped keys.
	Definition string

	// Instance is the dotted alias path for instance-scoped keys,
	// e.g. "root.featurize.split".
	Instance string

	// Param is the parameter name.
	Param string
}

// DefinitionKey builds a definition-scoped key.
func DefinitionKey(definition, param string) OverrideKey {
	return OverrideKey{Definition: definition, Param: param}
}

// InstanceKey builds an instance-scoped key.
func InstanceKey(path, param string) OverrideKey {
	return OverrideKey{Instance: path, Param: param}
}

// String renders "definition.param" or "[path].param".
func (k OverrideKey) String() string {
	if k.Instance != "" {
		return "[" + k.Instance + "]." + k.Param
	}
	return k.Definition + "." + k.Param
}

// Overrides is the mutable registration table built before a run.
//
// Description:
//
//	Registrations accumulate in order; for an identical key the last
//	registration wins. Snapshot freezes the table for a run; further
//	Set calls never affect a snapshot already taken.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Overrides struct {
	mu   sync.Mutex
	regs []registration
}

type registration struct {
	key   OverrideKey
	value any
}

// NewOverrides returns an empty table.
func NewOverrides() *Overrides {
	return &Overrides{}
}

// Set registers key → value. Returns the table for chaining.
func (o *Overrides) Set(key OverrideKey, value any) *Overrides {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.regs = append(o.regs, registration{key: key, value: value})
	return o
}

// SetDefinition registers a definition-scoped override.
func (o *Overrides) SetDefinition(definition, param string, value any) *Overrides {
	return o.Set(DefinitionKey(definition, param), value)
}

// SetInstance registers an instance-scoped override.
func (o *Overrides) SetInstance(path, param string, value any) *Overrides {
	return o.Set(InstanceKey(path, param), value)
}

// Len returns the number of registrations, duplicates included.
func (o *Overrides) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.regs)
}

// Snapshot freezes the current registrations into an immutable
// lookup structure. nil receivers yield an empty snapshot, so callers
// never need to special-case "no overrides".
func (o *Overrides) Snapshot() *Snapshot {
	s := &Snapshot{
		instance:   make(map[string]map[string]any),
		definition: make(map[string]map[string]any),
		matched:    make(map[OverrideKey]bool),
	}
	if o == nil {
		return s
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, reg := range o.regs {
		// Last registration for an identical key wins.
		if reg.key.Instance != "" {
			params := s.instance[reg.key.Instance]
			if params == nil {
				params = make(map[string]any)
				s.instance[reg.key.Instance] = params
			}
			params[reg.key.Param] = reg.value
		} else {
			params := s.definition[reg.key.Definition]
			if params == nil {
				params = make(map[string]any)
				s.definition[reg.key.Definition] = params
			}
			params[reg.key.Param] = reg.value
		}
		s.matched[reg.key] = false
	}
	return s
}

// Snapshot is an immutable override lookup for one run. It satisfies
// the binder's override source contract and records which keys were
// ever consulted successfully, so the post-expansion audit can reject
// registrations that matched nothing.
//
// Thread Safety:
//
//	Safe for concurrent use. Values never change after creation; only
//	the audit marks mutate, under an internal lock.
type Snapshot struct {
	// parent is the enclosing run's snapshot for child runs; lookups
	// fall through to it, audits do not.
	parent *Snapshot

	instance   map[string]map[string]any
	definition map[string]map[string]any

	mu      sync.Mutex
	matched map[OverrideKey]bool
}

// Layer returns a child snapshot over parent: lookups check the child
// first, then the parent. The child's audit covers only its own keys.
func (s *Snapshot) Layer(parent *Snapshot) *Snapshot {
	s.parent = parent
	return s
}

// InstanceOverride returns the override for (path, param), if any.
func (s *Snapshot) InstanceOverride(path, param string) (any, bool) {
	if params, ok := s.instance[path]; ok {
		if v, ok := params[param]; ok {
			s.mark(InstanceKey(path, param))
			return v, true
		}
	}
	if s.parent != nil {
		return s.parent.InstanceOverride(path, param)
	}
	return nil, false
}

// DefinitionOverride returns the override for (definition, param), if
// any.
func (s *Snapshot) DefinitionOverride(definition, param string) (any, bool) {
	if params, ok := s.definition[definition]; ok {
		if v, ok := params[param]; ok {
			s.mark(DefinitionKey(definition, param))
			return v, true
		}
	}
	if s.parent != nil {
		return s.parent.DefinitionOverride(definition, param)
	}
	return nil, false
}

func (s *Snapshot) mark(key OverrideKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.matched[key] = true
}

// Unmatched returns this snapshot's keys that no binder lookup ever
// hit, sorted for stable error messages. After graph expansion a
// non-empty result means UnknownOverrideTarget.
func (s *Snapshot) Unmatched() []OverrideKey {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []OverrideKey
	for key, hit := range s.matched {
		if !hit {
			out = append(out, key)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].String() < out[j].String()
	})
	return out
}

// DefinitionKeys returns the distinct definition-scoped (definition,
// param) pairs in this snapshot, for pre-build registry validation.
func (s *Snapshot) DefinitionKeys() []OverrideKey {
	var out []OverrideKey
	for def, params := range s.definition {
		for param := range params {
			out = append(out, DefinitionKey(def, param))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].String() < out[j].String()
	})
	return out
}

// ParseSet parses one --set expression into a key and raw value.
//
// Description:
//
//	Two forms are accepted:
//
//	  definition.param=value        definition-scoped
//	  definition[path].param=value  instance-scoped; the bracketed
//	                                 dotted path names one instance
//
//	The value stays a string; the binder coerces it against the
//	declared parameter type at bind time.
//
// Outputs:
//
//	OverrideKey - Parsed key.
//	string - Raw value text.
//	error - ErrInvalidOverrideSpec with the offending expression.
func ParseSet(expr string) (OverrideKey, string, error) {
	keyPart, value, ok := strings.Cut(expr, "=")
	if !ok || keyPart == "" {
		return OverrideKey{}, "", fmt.Errorf("%w: %q needs key=value", ErrInvalidOverrideSpec, expr)
	}

	if open := strings.Index(keyPart, "["); open >= 0 {
		closeIdx := strings.Index(keyPart, "]")
		if closeIdx < open {
			return OverrideKey{}, "", fmt.Errorf("%w: %q has unbalanced brackets", ErrInvalidOverrideSpec, expr)
		}
		defName := keyPart[:open]
		path := keyPart[open+1 : closeIdx]
		rest := keyPart[closeIdx+1:]
		param, ok := strings.CutPrefix(rest, ".")
		if !ok || param == "" {
			return OverrideKey{}, "", fmt.Errorf("%w: %q needs [path].param", ErrInvalidOverrideSpec, expr)
		}
		if err := validation.ValidateName(defName); err != nil {
			return OverrideKey{}, "", fmt.Errorf("%w: %q: %v", ErrInvalidOverrideSpec, expr, err)
		}
		if err := validation.ValidateInstancePath(path); err != nil {
			return OverrideKey{}, "", fmt.Errorf("%w: %q: %v", ErrInvalidOverrideSpec, expr, err)
		}
		if err := validation.ValidateName(param); err != nil {
			return OverrideKey{}, "", fmt.Errorf("%w: %q: %v", ErrInvalidOverrideSpec, expr, err)
		}
		return InstanceKey(path, param), value, nil
	}

	lastDot := strings.LastIndex(keyPart, ".")
	if lastDot <= 0 || lastDot == len(keyPart)-1 {
		return OverrideKey{}, "", fmt.Errorf("%w: %q needs definition.param", ErrInvalidOverrideSpec, expr)
	}
	defName := keyPart[:lastDot]
	param := keyPart[lastDot+1:]
	if err := validation.ValidateName(defName); err != nil {
		return OverrideKey{}, "", fmt.Errorf("%w: %q: %v", ErrInvalidOverrideSpec, expr, err)
	}
	if err := validation.ValidateName(param); err != nil {
		return OverrideKey{}, "", fmt.Errorf("%w: %q: %v", ErrInvalidOverrideSpec, expr, err)
	}
	return DefinitionKey(defName, param), value, nil
}
