package device

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInstanceRef(t *testing.T) {
	tests := []struct {
		input       string
		expected    InstanceRef
		expectError bool
	}{
		{input: "stepper_motor", expected: InstanceRef{BaseType: "stepper_motor"}},
		{input: "temperature_controller.hot_bb", expected: InstanceRef{BaseType: "temperature_controller", Name: "hot_bb"}},
		{input: "", expectError: true},
		{input: ".hot_bb", expectError: true},
		{input: "a.b.c", expectError: true},
	}

	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			ref, err := ParseInstanceRef(tc.input)
			if tc.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, ref)
			assert.Equal(t, tc.input, ref.String())
		})
	}
}

func TestBaseTypeInstanceNames(t *testing.T) {
	assert.True(t, StepperMotor.AllowsName(""))
	assert.False(t, StepperMotor.AllowsName("hot_bb"))

	assert.True(t, TemperatureController.AllowsName("hot_bb"))
	assert.True(t, TemperatureController.AllowsName("cold_bb"))
	assert.False(t, TemperatureController.AllowsName(""))
	assert.False(t, TemperatureController.AllowsName("warm_bb"))

	instances := TemperatureController.Instances()
	require.Len(t, instances, 2)
	assert.Equal(t, InstanceRef{BaseType: "temperature_controller", Name: "hot_bb"}, instances[0].Ref)
	assert.Equal(t, "Temperature controller (hot black body)", instances[0].Description)

	instances = StepperMotor.Instances()
	require.Len(t, instances, 1)
	assert.Equal(t, "Stepper motor", instances[0].Description)
}

func TestCheckDomain(t *testing.T) {
	choice := ParameterSpec{Name: "baudrate", Kind: KindInt, Choices: []any{9600, 115200}}
	assert.NoError(t, choice.CheckDomain(9600))
	assert.Error(t, choice.CheckDomain(4800))

	ranged := ParameterSpec{Name: "duration", Kind: KindFloat, Min: Bound(0), Max: Bound(10)}
	assert.NoError(t, ranged.CheckDomain(0.0))
	assert.NoError(t, ranged.CheckDomain(10.0))
	assert.Error(t, ranged.CheckDomain(-0.5))
	assert.Error(t, ranged.CheckDomain(10.5))
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("port busy")
	err := &Error{
		Kind:     ErrInvalidParameterValue,
		Instance: InstanceRef{BaseType: "stepper_motor"},
		ClassID:  "dummy_stepper",
		Param:    "steps_per_rotation",
		Cause:    cause,
	}

	assert.ErrorIs(t, err, ErrInvalidParameterValue)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrMissingParameter)
	assert.Equal(t, `stepper_motor: invalid parameter value dummy_stepper "steps_per_rotation": port busy`, err.Error())
}

func TestCommandFloat(t *testing.T) {
	cmd := Command{Name: "move.begin", Args: map[string]any{"target": 90, "name": "zenith"}}

	v, err := cmd.Float("target")
	require.NoError(t, err)
	assert.Equal(t, 90.0, v)

	_, err = cmd.Float("name")
	assert.Error(t, err)
	_, err = cmd.Float("missing")
	assert.Error(t, err)
}
