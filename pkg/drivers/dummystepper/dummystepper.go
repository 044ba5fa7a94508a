// Package dummystepper simulates a stepper motor. Moves take a fixed amount
// of time regardless of distance.
package dummystepper

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"finesse/pkg/device"
	"finesse/pkg/drivers/stepper"
)

const ClassID = "dummy_stepper"

func Descriptor() device.Descriptor {
	return device.Descriptor{
		ClassID:     ClassID,
		BaseType:    device.StepperMotor.Name,
		Description: "Dummy stepper motor",
		Parameters: []device.ParameterSpec{
			stepper.StepsPerRotation(3600),
			{
				Name:        "move_duration",
				Description: "Time taken for a move (seconds)",
				Kind:        device.KindFloat,
				Default:     0.0,
				Min:         device.Bound(0),
			},
		},
		New: New,
	}
}

type Driver struct {
	logger  log.FieldLogger
	emitter device.Emitter

	stepsPerRotation int
	moveDuration     time.Duration

	mu      sync.Mutex
	step    int
	moving  bool
	moveGen int
	timer   *time.Timer
}

func New(cfg device.Config) (device.Driver, error) {
	spr := cfg.Params.Int("steps_per_rotation")
	if spr < 1 {
		return nil, fmt.Errorf("steps_per_rotation must be at least 1")
	}
	duration := cfg.Params.Float("move_duration")
	if duration < 0 {
		return nil, fmt.Errorf("move_duration cannot be negative")
	}

	return &Driver{
		logger:           cfg.Logger,
		emitter:          cfg.Emitter,
		stepsPerRotation: spr,
		moveDuration:     time.Duration(duration * float64(time.Second)),
	}, nil
}

func (d *Driver) Open(ctx context.Context) error {
	return ctx.Err()
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.moving = false
	d.moveGen++
	return nil
}

func (d *Driver) Dispatch(cmd device.Command) error {
	switch cmd.Name {
	case "move.begin":
		target, err := stepper.Target(cmd)
		if err != nil {
			return err
		}
		d.moveTo(target)
		return nil
	case "stop":
		d.stop()
		return nil
	}
	return fmt.Errorf("unsupported command %q", cmd.Name)
}

func (d *Driver) moveTo(angle float64) {
	step := stepper.ToStep(angle, d.stepsPerRotation)
	d.logger.Debugf("Moving to %v° (step %d)", angle, step)

	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.step = step
	d.moveGen++

	if d.moveDuration == 0 {
		d.moving = false
		d.mu.Unlock()
		d.emitter.Emit("move.end", stepper.MoveEnd{Angle: angle})
		return
	}

	d.moving = true
	gen := d.moveGen
	d.timer = time.AfterFunc(d.moveDuration, func() { d.moveEnd(gen) })
	d.mu.Unlock()
}

func (d *Driver) moveEnd(gen int) {
	d.mu.Lock()
	if gen != d.moveGen || !d.moving {
		d.mu.Unlock()
		return
	}
	d.moving = false
	d.timer = nil
	angle := stepper.ToAngle(d.step, d.stepsPerRotation)
	d.mu.Unlock()

	d.emitter.Emit("move.end", stepper.MoveEnd{Angle: angle})
}

// stop ends the current move immediately. A stopped move still signals
// move.end.
func (d *Driver) stop() {
	d.mu.Lock()
	if !d.moving {
		d.mu.Unlock()
		return
	}
	d.timer.Stop()
	d.timer = nil
	d.moving = false
	d.moveGen++
	angle := stepper.ToAngle(d.step, d.stepsPerRotation)
	d.mu.Unlock()

	d.logger.Debug("Move stopped")
	d.emitter.Emit("move.end", stepper.MoveEnd{Angle: angle, Stopped: true})
}

func (d *Driver) Describe() []device.StateProperty {
	d.mu.Lock()
	defer d.mu.Unlock()

	var angle any
	if !d.moving {
		angle = stepper.ToAngle(d.step, d.stepsPerRotation)
	}
	return []device.StateProperty{
		{Name: "steps_per_rotation", Value: d.stepsPerRotation},
		{Name: "step", Value: d.step},
		{Name: "angle", Value: angle},
		{Name: "moving", Value: d.moving},
	}
}
