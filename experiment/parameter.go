package experiment

import (
	"encoding/json"
	"fmt"
	"slices"
)

// ParameterKind identifies the declared type of a Parameter value.
type ParameterKind string

const (
	KindNumber ParameterKind = "number"
	KindString ParameterKind = "string"
	KindBool   ParameterKind = "bool"
	KindChoice ParameterKind = "choice"
)

// Valid returns true if the kind is one of the declared parameter kinds.
func (k ParameterKind) Valid() bool {
	switch k {
	case KindNumber, KindString, KindBool, KindChoice:
		return true
	default:
		return false
	}
}

// Parameter is a single named value owned by an Experiment. The name lives in
// the enclosing Parameters collection; the Parameter itself carries the
// declared kind, the value, optional bounds or an allowed set, and an
// optional free-form comment.
//
// Parameters are immutable once the owning experiment starts running.
type Parameter struct {
	Kind    ParameterKind `json:"kind"`
	Value   any           `json:"value"`
	Min     *float64      `json:"min,omitempty"`
	Max     *float64      `json:"max,omitempty"`
	Choices []string      `json:"choices,omitempty"`
	Comment string        `json:"comment,omitempty"`
}

// Validate checks the parameter value against its declared kind and any
// bounds or allowed set. It returns a ValidationError describing the first
// violation found.
func (p Parameter) Validate(name string) error {
	if !p.Kind.Valid() {
		return &ValidationError{Field: name, Reason: fmt.Sprintf("unknown parameter kind %q", p.Kind)}
	}

	switch p.Kind {
	case KindNumber:
		n, ok := toFloat(p.Value)
		if !ok {
			return &ValidationError{Field: name, Reason: fmt.Sprintf("value %v is not numeric", p.Value)}
		}
		if p.Min != nil && n < *p.Min {
			return &ValidationError{Field: name, Reason: fmt.Sprintf("value %v is below minimum %v", n, *p.Min)}
		}
		if p.Max != nil && n > *p.Max {
			return &ValidationError{Field: name, Reason: fmt.Sprintf("value %v is above maximum %v", n, *p.Max)}
		}
	case KindString:
		if _, ok := p.Value.(string); !ok {
			return &ValidationError{Field: name, Reason: fmt.Sprintf("value %v is not a string", p.Value)}
		}
	case KindBool:
		if _, ok := p.Value.(bool); !ok {
			return &ValidationError{Field: name, Reason: fmt.Sprintf("value %v is not a bool", p.Value)}
		}
	case KindChoice:
		s, ok := p.Value.(string)
		if !ok {
			return &ValidationError{Field: name, Reason: fmt.Sprintf("choice value %v is not a string", p.Value)}
		}
		if !slices.Contains(p.Choices, s) {
			return &ValidationError{Field: name, Reason: fmt.Sprintf("value %q is not in the allowed set %v", s, p.Choices)}
		}
	}

	return nil
}

// toFloat widens any numeric value to float64. JSON decoding may produce
// float64 or json.Number depending on the decoder settings.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()

		return f, err == nil
	default:
		return 0, false
	}
}

// Parameters is an ordered mapping from parameter name to Parameter.
// Iteration and the JSON form both preserve insertion order, which mirrors
// the row order a user arranged in the editing view.
type Parameters struct {
	names  []string
	params map[string]Parameter
}

// NewParameters initializes an empty ordered parameter mapping.
func NewParameters() Parameters {
	return Parameters{params: make(map[string]Parameter)}
}

// Set inserts or replaces the parameter under name. A new name is appended
// to the iteration order; an existing name keeps its position.
func (ps *Parameters) Set(name string, p Parameter) {
	if ps.params == nil {
		ps.params = make(map[string]Parameter)
	}
	if _, ok := ps.params[name]; !ok {
		ps.names = append(ps.names, name)
	}
	ps.params[name] = p
}

// Get returns the parameter under name.
func (ps Parameters) Get(name string) (Parameter, bool) {
	p, ok := ps.params[name]

	return p, ok
}

// Remove deletes the parameter under name, if present.
func (ps *Parameters) Remove(name string) {
	if _, ok := ps.params[name]; !ok {
		return
	}
	delete(ps.params, name)
	ps.names = slices.DeleteFunc(ps.names, func(n string) bool { return n == name })
}

// Names returns the parameter names in insertion order.
func (ps Parameters) Names() []string {
	return slices.Clone(ps.names)
}

// Len returns the number of parameters.
func (ps Parameters) Len() int {
	return len(ps.names)
}

// Validate checks every parameter against its declared kind and bounds.
func (ps Parameters) Validate() error {
	for _, name := range ps.names {
		if err := ps.params[name].Validate(name); err != nil {
			return err
		}
	}

	return nil
}

// Clone returns a copy of the mapping. Parameter values are copied by
// value; nested reference values inside Value are shared.
func (ps Parameters) Clone() Parameters {
	clone := Parameters{
		names:  slices.Clone(ps.names),
		params: make(map[string]Parameter, len(ps.params)),
	}
	for name, p := range ps.params {
		p.Choices = slices.Clone(p.Choices)
		clone.params[name] = p
	}

	return clone
}

// Equal reports whether two mappings hold the same names in the same order
// with deeply equal parameters, compared through their JSON forms.
func (ps Parameters) Equal(other Parameters) bool {
	if !slices.Equal(ps.names, other.names) {
		return false
	}
	a, err := json.Marshal(ps)
	if err != nil {
		return false
	}
	b, err := json.Marshal(other)
	if err != nil {
		return false
	}

	return string(a) == string(b)
}

// orderedParameter is the wire element for one parameter. The mapping is
// marshaled as an array so the name ordering survives the round trip; a
// plain JSON object would lose it.
type orderedParameter struct {
	Name string `json:"name"`
	Parameter
}

// MarshalJSON marshals the mapping as an ordered JSON array of named
// parameters.
//
// Implements the json.Marshaler interface.
func (ps Parameters) MarshalJSON() ([]byte, error) {
	out := make([]orderedParameter, 0, len(ps.names))
	for _, name := range ps.names {
		out = append(out, orderedParameter{Name: name, Parameter: ps.params[name]})
	}

	return json.Marshal(out)
}

// UnmarshalJSON unmarshals an ordered JSON array of named parameters.
//
// Implements the json.Unmarshaler interface.
func (ps *Parameters) UnmarshalJSON(data []byte) error {
	var in []orderedParameter
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	next := NewParameters()
	for _, p := range in {
		next.Set(p.Name, p.Parameter)
	}
	*ps = next

	return nil
}
