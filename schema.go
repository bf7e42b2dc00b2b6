package dset

import (
	"errors"
	"fmt"
)

// Role classifies a parameter as independently controlled or measured.
type Role uint8

const (
	// RoleSetpoint marks an independent parameter (a controlled quantity,
	// e.g. a gate voltage the sweep sets).
	RoleSetpoint Role = iota + 1

	// RoleResult marks a dependent parameter (a measured quantity that
	// only makes sense relative to its setpoints).
	RoleResult
)

// String returns "setpoint", "result", or "unknown".
func (r Role) String() string {
	switch r {
	case RoleSetpoint:
		return "setpoint"
	case RoleResult:
		return "result"
	default:
		return "unknown"
	}
}

// ParseRole converts the string form back to a Role.
func ParseRole(s string) (Role, error) {
	switch s {
	case "setpoint":
		return RoleSetpoint, nil
	case "result":
		return RoleResult, nil
	default:
		return 0, fmt.Errorf("parse role: unknown role %q", s)
	}
}

// ParamSpec declares one parameter of a run.
type ParamSpec struct {
	// Name is the unique parameter name within the run.
	Name string

	// Role tags the parameter as setpoint or result.
	Role Role

	// Shape is the declared array shape of a single sample. nil (or empty)
	// means scalar. A value must contain exactly the product of the
	// dimensions, flattened row-major. One dimension may be -1, meaning
	// unbounded: values then must contain a positive multiple of the
	// product of the fixed dimensions.
	Shape []int

	// DependsOn lists the setpoint parameters this result depends on.
	// Only meaningful for RoleResult; must be empty for setpoints.
	DependsOn []string
}

// checkValue validates a single sample against the declared shape.
func (p ParamSpec) checkValue(v Value) error {
	if len(v) == 0 {
		return fmt.Errorf("%w: parameter %q: empty value", ErrShapeMismatch, p.Name)
	}

	fixed := 1
	unbounded := false

	for _, dim := range p.Shape {
		switch {
		case dim == -1:
			unbounded = true
		case dim > 0:
			fixed *= dim
		default:
			return fmt.Errorf("%w: parameter %q: declared dimension %d", ErrShapeMismatch, p.Name, dim)
		}
	}

	if unbounded {
		if len(v)%fixed != 0 {
			return fmt.Errorf("%w: parameter %q: value length %d is not a multiple of %d",
				ErrShapeMismatch, p.Name, len(v), fixed)
		}

		return nil
	}

	if len(v) != fixed {
		return fmt.Errorf("%w: parameter %q: value length %d, declared shape wants %d",
			ErrShapeMismatch, p.Name, len(v), fixed)
	}

	return nil
}

// Value is one sample for a parameter: a scalar (length 1) or a fixed-shape
// array flattened row-major. Values are never mutated after submission.
type Value []float64

// Scalar wraps a single float64 as a Value.
func Scalar(v float64) Value {
	return Value{v}
}

// Batch maps parameter names to the values submitted together in one
// Append call. All values in a batch become visible to readers atomically.
type Batch map[string][]Value

// Schema is the validated set of parameter declarations for a run.
// A Schema is immutable after construction and safe for concurrent use.
type Schema struct {
	params []ParamSpec
	byName map[string]int
}

// Schema construction errors.
var (
	errSchemaEmpty     = errors.New("schema has no parameters")
	errSchemaDuplicate = errors.New("duplicate parameter name")
	errSchemaDep       = errors.New("invalid dependency")
	errSchemaShape     = errors.New("invalid shape")
)

// checkShape validates a declared shape: every dimension positive, with
// at most one -1 (unbounded) dimension.
func checkShape(shape []int) error {
	unbounded := 0

	for _, dim := range shape {
		switch {
		case dim == -1:
			unbounded++
		case dim <= 0:
			return fmt.Errorf("dimension %d", dim)
		}
	}

	if unbounded > 1 {
		return errors.New("more than one unbounded dimension")
	}

	return nil
}

// NewSchema validates the parameter declarations and returns a Schema.
//
// Rules enforced here (not at append time): names are non-empty and unique,
// roles are valid, shapes declare only positive dimensions (at most one of
// them -1), setpoints declare no dependencies, and every DependsOn entry
// names a declared setpoint.
func NewSchema(params ...ParamSpec) (*Schema, error) {
	if len(params) == 0 {
		return nil, errSchemaEmpty
	}

	byName := make(map[string]int, len(params))

	for i, p := range params {
		if p.Name == "" {
			return nil, fmt.Errorf("parameter %d: name is empty", i)
		}

		if p.Role != RoleSetpoint && p.Role != RoleResult {
			return nil, fmt.Errorf("parameter %q: role is unset", p.Name)
		}

		if err := checkShape(p.Shape); err != nil {
			return nil, fmt.Errorf("%w: parameter %q: %v", errSchemaShape, p.Name, err)
		}

		if _, dup := byName[p.Name]; dup {
			return nil, fmt.Errorf("%w: %q", errSchemaDuplicate, p.Name)
		}

		byName[p.Name] = i
	}

	for _, p := range params {
		if p.Role == RoleSetpoint && len(p.DependsOn) > 0 {
			return nil, fmt.Errorf("%w: setpoint %q declares dependencies", errSchemaDep, p.Name)
		}

		for _, dep := range p.DependsOn {
			j, ok := byName[dep]
			if !ok {
				return nil, fmt.Errorf("%w: %q depends on undeclared parameter %q", errSchemaDep, p.Name, dep)
			}

			if params[j].Role != RoleSetpoint {
				return nil, fmt.Errorf("%w: %q depends on %q, which is not a setpoint", errSchemaDep, p.Name, dep)
			}
		}
	}

	cp := make([]ParamSpec, len(params))
	copy(cp, params)

	return &Schema{params: cp, byName: byName}, nil
}

// Params returns the declared parameters in declaration order.
// The returned slice must not be modified.
func (s *Schema) Params() []ParamSpec {
	return s.params
}

// Param looks up a parameter by name.
func (s *Schema) Param(name string) (ParamSpec, bool) {
	i, ok := s.byName[name]
	if !ok {
		return ParamSpec{}, false
	}

	return s.params[i], true
}
