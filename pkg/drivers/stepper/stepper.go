// Package stepper holds logic shared by stepper motor drivers.
package stepper

import (
	"fmt"
	"math"

	"finesse/pkg/device"
)

// MaxAngle is the largest angle the mirror can be moved to, in degrees.
const MaxAngle = 270.0

// MoveEnd is the payload of move.end.
type MoveEnd struct {
	Angle   float64 `json:"angle"`
	Stopped bool    `json:"stopped,omitempty"`
}

// Target returns the target of a move.begin command in degrees. The
// target may be a preset name or a number.
func Target(cmd device.Command) (float64, error) {
	var angle float64
	if name, ok := cmd.Args["target"].(string); ok {
		a, ok := device.PresetAngle(name)
		if !ok {
			return 0, fmt.Errorf("%s is not a valid preset", name)
		}
		angle = a
	} else {
		a, err := cmd.Float("target")
		if err != nil {
			return 0, err
		}
		angle = a
	}

	if angle < 0 || angle > MaxAngle {
		return 0, fmt.Errorf("angle must be between 0° and %v°, got %v°", MaxAngle, angle)
	}
	return angle, nil
}

// ToStep converts an angle to the nearest step position.
func ToStep(angle float64, stepsPerRotation int) int {
	return int(math.Round(float64(stepsPerRotation) * angle / 360.0))
}

// ToAngle converts a step position to degrees.
func ToAngle(step, stepsPerRotation int) float64 {
	return float64(step) * 360.0 / float64(stepsPerRotation)
}

// Parameters common to stepper motor drivers.
func StepsPerRotation(def int) device.ParameterSpec {
	return device.ParameterSpec{
		Name:        "steps_per_rotation",
		Description: "Number of steps in a full rotation",
		Kind:        device.KindInt,
		Default:     def,
		Min:         device.Bound(1),
	}
}
