package dset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSchema(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		params  []ParamSpec
		wantErr string
	}{
		{
			name:    "empty",
			params:  nil,
			wantErr: "no parameters",
		},
		{
			name: "valid single setpoint",
			params: []ParamSpec{
				{Name: "x", Role: RoleSetpoint},
			},
		},
		{
			name: "valid dependency",
			params: []ParamSpec{
				{Name: "x", Role: RoleSetpoint},
				{Name: "y", Role: RoleResult, DependsOn: []string{"x"}},
			},
		},
		{
			name: "missing name",
			params: []ParamSpec{
				{Role: RoleSetpoint},
			},
			wantErr: "name is empty",
		},
		{
			name: "valid unbounded shape",
			params: []ParamSpec{
				{Name: "trace", Role: RoleSetpoint, Shape: []int{-1, 4}},
			},
		},
		{
			name: "zero shape dimension",
			params: []ParamSpec{
				{Name: "x", Role: RoleSetpoint, Shape: []int{0}},
			},
			wantErr: "invalid shape",
		},
		{
			name: "negative shape dimension",
			params: []ParamSpec{
				{Name: "x", Role: RoleSetpoint, Shape: []int{-2}},
			},
			wantErr: "invalid shape",
		},
		{
			name: "two unbounded dimensions",
			params: []ParamSpec{
				{Name: "x", Role: RoleSetpoint, Shape: []int{-1, -1}},
			},
			wantErr: "more than one unbounded dimension",
		},
		{
			name: "missing role",
			params: []ParamSpec{
				{Name: "x"},
			},
			wantErr: "role is unset",
		},
		{
			name: "duplicate name",
			params: []ParamSpec{
				{Name: "x", Role: RoleSetpoint},
				{Name: "x", Role: RoleResult},
			},
			wantErr: "duplicate parameter name",
		},
		{
			name: "setpoint with dependencies",
			params: []ParamSpec{
				{Name: "x", Role: RoleSetpoint},
				{Name: "z", Role: RoleSetpoint, DependsOn: []string{"x"}},
			},
			wantErr: "declares dependencies",
		},
		{
			name: "dependency on undeclared parameter",
			params: []ParamSpec{
				{Name: "y", Role: RoleResult, DependsOn: []string{"x"}},
			},
			wantErr: "undeclared parameter",
		},
		{
			name: "dependency on a result",
			params: []ParamSpec{
				{Name: "x", Role: RoleSetpoint},
				{Name: "y", Role: RoleResult, DependsOn: []string{"x"}},
				{Name: "z", Role: RoleResult, DependsOn: []string{"y"}},
			},
			wantErr: "not a setpoint",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s, err := NewSchema(tt.params...)

			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)

				return
			}

			require.NoError(t, err)
			require.Len(t, s.Params(), len(tt.params))
		})
	}
}

func TestSchemaParamLookup(t *testing.T) {
	t.Parallel()

	s, err := NewSchema(
		ParamSpec{Name: "x", Role: RoleSetpoint},
		ParamSpec{Name: "y", Role: RoleResult, DependsOn: []string{"x"}},
	)
	require.NoError(t, err)

	p, ok := s.Param("y")
	require.True(t, ok)
	assert.Equal(t, RoleResult, p.Role)
	assert.Equal(t, []string{"x"}, p.DependsOn)

	_, ok = s.Param("nope")
	assert.False(t, ok)
}

func TestParamSpecCheckValue(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		shape   []int
		value   Value
		wantErr bool
	}{
		{name: "scalar ok", shape: nil, value: Scalar(1.5)},
		{name: "scalar too long", shape: nil, value: Value{1, 2}, wantErr: true},
		{name: "empty value", shape: nil, value: Value{}, wantErr: true},
		{name: "fixed shape ok", shape: []int{2, 3}, value: make(Value, 6)},
		{name: "fixed shape short", shape: []int{2, 3}, value: make(Value, 5), wantErr: true},
		{name: "unbounded multiple ok", shape: []int{-1, 4}, value: make(Value, 8)},
		{name: "unbounded not a multiple", shape: []int{-1, 4}, value: make(Value, 6), wantErr: true},
		{name: "zero dimension", shape: []int{0}, value: Scalar(1), wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p := ParamSpec{Name: "p", Role: RoleSetpoint, Shape: tt.shape}

			err := p.checkValue(tt.value)

			if tt.wantErr {
				require.ErrorIs(t, err, ErrShapeMismatch)

				return
			}

			require.NoError(t, err)
		})
	}
}

func TestRoleRoundTrip(t *testing.T) {
	t.Parallel()

	for _, role := range []Role{RoleSetpoint, RoleResult} {
		parsed, err := ParseRole(role.String())
		require.NoError(t, err)
		assert.Equal(t, role, parsed)
	}

	_, err := ParseRole("bogus")
	require.Error(t, err)

	assert.Equal(t, "unknown", Role(0).String())
}

func TestStateRoundTrip(t *testing.T) {
	t.Parallel()

	for _, state := range []State{StatePending, StateRunning, StateCompleted, StateInterrupted} {
		parsed, err := ParseState(state.String())
		require.NoError(t, err)
		assert.Equal(t, state, parsed)
	}

	_, err := ParseState("bogus")
	require.Error(t, err)

	assert.False(t, StatePending.Terminal())
	assert.False(t, StateRunning.Terminal())
	assert.True(t, StateCompleted.Terminal())
	assert.True(t, StateInterrupted.Terminal())
}
