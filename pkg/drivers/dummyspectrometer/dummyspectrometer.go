// Package dummyspectrometer simulates an OPUS-controlled spectrometer.
package dummyspectrometer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"finesse/pkg/device"
)

const ClassID = "dummy_spectrometer"

// Status is the state of the spectrometer.
type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusConnected
	StatusMeasuring
	StatusFinishing
	StatusCancelling
)

var statusNames = map[Status]string{
	StatusIdle:       "idle",
	StatusConnecting: "connecting",
	StatusConnected:  "connected",
	StatusMeasuring:  "measuring",
	StatusFinishing:  "finishing",
	StatusCancelling: "cancelling",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

var (
	ErrNotIdle      = errors.New("already connected")
	ErrNotConnected = errors.New("not connected")
	ErrNotMeasuring = errors.New("not measuring")
)

// StatusEvent is the payload of status.<name> messages.
type StatusEvent struct {
	Status string `json:"status"`
	Code   int    `json:"code"`
}

func Descriptor() device.Descriptor {
	return device.Descriptor{
		ClassID:     ClassID,
		BaseType:    device.Spectrometer.Name,
		Description: "Dummy OPUS spectrometer",
		Parameters: []device.ParameterSpec{
			{
				Name:        "measure_duration",
				Description: "Time taken for a measurement (seconds)",
				Kind:        device.KindFloat,
				Default:     1.0,
				Min:         device.Bound(0),
			},
		},
		New: New,
	}
}

type Driver struct {
	logger   log.FieldLogger
	emitter  device.Emitter
	duration time.Duration

	mu     sync.Mutex
	status Status
	gen    int
	timer  *time.Timer
}

func New(cfg device.Config) (device.Driver, error) {
	duration := cfg.Params.Float("measure_duration")
	if duration < 0 {
		return nil, fmt.Errorf("measure_duration cannot be negative")
	}
	return &Driver{
		logger:   cfg.Logger,
		emitter:  cfg.Emitter,
		duration: time.Duration(duration * float64(time.Second)),
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
	d.gen++
	return nil
}

func (d *Driver) Dispatch(cmd device.Command) error {
	d.mu.Lock()
	var (
		changes []Status
		err     error
		done    bool
	)
	switch cmd.Name {
	case "connect":
		changes, err = d.connect()
	case "start_measuring":
		changes, done, err = d.start()
	case "stop_measuring":
		changes, err = d.cancel()
	default:
		err = fmt.Errorf("unsupported command %q", cmd.Name)
	}
	d.mu.Unlock()

	d.publish(changes, done)
	return err
}

func (d *Driver) connect() ([]Status, error) {
	if d.status != StatusIdle {
		return nil, ErrNotIdle
	}
	d.status = StatusConnected
	return []Status{StatusConnecting, StatusConnected}, nil
}

func (d *Driver) start() ([]Status, bool, error) {
	if d.status != StatusConnected {
		return nil, false, ErrNotConnected
	}
	if d.duration == 0 {
		return []Status{StatusMeasuring, StatusFinishing, StatusConnected}, true, nil
	}

	d.status = StatusMeasuring
	d.gen++
	gen := d.gen
	d.timer = time.AfterFunc(d.duration, func() { d.finish(gen) })
	return []Status{StatusMeasuring}, false, nil
}

func (d *Driver) cancel() ([]Status, error) {
	if d.status != StatusMeasuring {
		return nil, ErrNotMeasuring
	}
	d.timer.Stop()
	d.timer = nil
	d.gen++
	d.status = StatusConnected
	return []Status{StatusCancelling, StatusConnected}, nil
}

func (d *Driver) finish(gen int) {
	d.mu.Lock()
	if gen != d.gen || d.status != StatusMeasuring {
		d.mu.Unlock()
		return
	}
	d.status = StatusConnected
	d.timer = nil
	d.mu.Unlock()

	d.publish([]Status{StatusFinishing, StatusConnected}, true)
}

func (d *Driver) publish(changes []Status, done bool) {
	for _, s := range changes {
		d.logger.Debugf("Status: %s", s)
		d.emitter.Emit("status."+s.String(), StatusEvent{Status: s.String(), Code: int(s)})
	}
	if done {
		d.logger.Info("Measurement finished")
		d.emitter.Emit("measure.end", nil)
	}
}

func (d *Driver) Describe() []device.StateProperty {
	d.mu.Lock()
	defer d.mu.Unlock()

	return []device.StateProperty{
		{Name: "status", Value: d.status.String()},
		{Name: "measure_duration", Value: d.duration.Seconds()},
	}
}
