// Package sequencer runs measure scripts. For each repeat and each step it
// moves the stepper motor to the step's angle, waits for the move to end,
// then triggers the spectrometer the step's number of times, waiting for
// each measurement to end before starting the next.
//
// The sequencer never blocks: it issues one command on the bus and acts
// again when the matching completion message arrives.
package sequencer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"finesse/pkg/bus"
	"finesse/pkg/device"
	"finesse/pkg/script"
)

var (
	ErrAlreadyRunning = errors.New("a measure script is already running")
	ErrNotRunning     = errors.New("no measure script is running")
	ErrNotPaused      = errors.New("measure script is not paused")
	ErrAborted        = errors.New("aborted by user")
)

type Status int

const (
	StatusIdle Status = iota
	StatusRunning
	StatusPaused
	StatusCompleted
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusRunning:
		return "running"
	case StatusPaused:
		return "paused"
	case StatusCompleted:
		return "completed"
	case StatusAborted:
		return "aborted"
	}
	return "unknown"
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Active reports whether a run in this status still holds the devices.
func (s Status) Active() bool { return s == StatusRunning || s == StatusPaused }

// Phase is what the current run is waiting for.
type Phase int

const (
	PhaseNone Phase = iota
	PhaseMoving
	PhaseMeasuring
)

func (p Phase) String() string {
	switch p {
	case PhaseMoving:
		return "moving"
	case PhaseMeasuring:
		return "measuring"
	}
	return "not_running"
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// Progress is published on measure_script.progress after every change.
// Indices are zero-based; Measurement counts measurements finished at the
// current step.
type Progress struct {
	RunID       string        `json:"run_id,omitempty"`
	Status      Status        `json:"status"`
	Phase       Phase         `json:"phase"`
	Repeat      int           `json:"repeat"`
	Repeats     int           `json:"repeats"`
	Step        int           `json:"step"`
	Steps       int           `json:"steps"`
	Measurement int           `json:"measurement"`
	Count       int           `json:"count"`
	Angle       *script.Angle `json:"angle,omitempty"`
	Completed   int           `json:"completed"`
	Total       int           `json:"total"`
	Error       string        `json:"error,omitempty"`
}

// BeginEvent is published on measure_script.begin.
type BeginEvent struct {
	RunID   string         `json:"run_id"`
	Program script.Program `json:"program"`
}

// EndEvent is published on measure_script.end when a run completes or is
// aborted.
type EndEvent struct {
	RunID  string `json:"run_id"`
	Status Status `json:"status"`
}

// AbortEvent is published on measure_script.aborted before the EndEvent.
type AbortEvent struct {
	RunID   string `json:"run_id"`
	Err     error  `json:"-"`
	Message string `json:"message"`
}

// StateSource reports device connection states. *manager.Manager
// implements it.
type StateSource interface {
	State(ref device.InstanceRef) device.ConnectionState
}

type Option func(*Sequencer)

// WithDevices sets the motor and spectrometer instances to drive.
func WithDevices(motor, spectrometer device.InstanceRef) Option {
	return func(s *Sequencer) {
		s.motor = motor
		s.spectrometer = spectrometer
	}
}

// WithStateSource makes Start refuse to run unless both devices are open.
func WithStateSource(src StateSource) Option {
	return func(s *Sequencer) { s.states = src }
}

type run struct {
	id       string
	prog     script.Program
	status   Status
	phase    Phase
	awaiting bool

	repeat      int
	step        int
	measurement int
	completed   int
	err         error

	subs []*bus.Subscription
}

type Sequencer struct {
	mu           sync.Mutex
	bus          *bus.Bus
	logger       log.FieldLogger
	motor        device.InstanceRef
	spectrometer device.InstanceRef
	states       StateSource
	run          *run
}

func New(b *bus.Bus, logger log.FieldLogger, opts ...Option) *Sequencer {
	s := &Sequencer{
		bus:          b,
		logger:       logger,
		motor:        device.InstanceRef{BaseType: device.StepperMotor.Name},
		spectrometer: device.InstanceRef{BaseType: device.Spectrometer.Name},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins running prog and returns its run ID.
func (s *Sequencer) Start(prog script.Program) (string, error) {
	if len(prog.Sequence) == 0 {
		return "", script.ErrEmptySequence
	}
	if prog.Repeats < 1 {
		return "", fmt.Errorf("%w: repeats must be at least 1", script.ErrInvalidCount)
	}
	for i, step := range prog.Sequence {
		if step.Count < 1 {
			return "", fmt.Errorf("step %d: %w: measurements must be at least 1, got %d", i+1, script.ErrInvalidCount, step.Count)
		}
	}

	s.mu.Lock()
	if s.run != nil && s.run.status.Active() {
		s.mu.Unlock()
		return "", ErrAlreadyRunning
	}
	if s.states != nil {
		for _, ref := range []device.InstanceRef{s.motor, s.spectrometer} {
			if s.states.State(ref) != device.StateOpened {
				s.mu.Unlock()
				return "", &device.Error{Kind: device.ErrDeviceNotOpen, Instance: ref}
			}
		}
	}

	r := &run{id: uuid.NewString(), prog: prog, status: StatusRunning}
	s.run = r
	r.subs = []*bus.Subscription{
		s.bus.Subscribe(bus.DeviceEvent(s.motor, "move.end"), s.handler(r, s.onMoveEnd)),
		s.bus.Subscribe(bus.DeviceEvent(s.spectrometer, "measure.end"), s.handler(r, s.onMeasureEnd)),
	}
	for _, ref := range []device.InstanceRef{s.motor, s.spectrometer} {
		r.subs = append(r.subs,
			s.bus.Subscribe(bus.DeviceError(ref), s.handler(r, s.onError)),
			s.bus.Subscribe(bus.DeviceRejected(ref), s.handler(r, s.onError)),
			s.bus.Subscribe(bus.DeviceClosed(ref), s.handler(r, s.onClosed)),
		)
	}

	s.bus.Post(bus.MeasureScriptBegin(), BeginEvent{RunID: r.id, Program: prog})
	s.move(r)
	s.mu.Unlock()

	s.logger.WithField("run", r.id).Infof("Starting measure script: %d repeats of %d steps", prog.Repeats, len(prog.Sequence))
	s.bus.Flush()
	return r.id, nil
}

// Pause stops the run issuing new commands. A command already issued may
// still complete.
func (s *Sequencer) Pause() error {
	s.mu.Lock()
	r := s.run
	if r == nil || r.status != StatusRunning {
		s.mu.Unlock()
		return ErrNotRunning
	}
	r.status = StatusPaused
	s.progress(r)
	s.mu.Unlock()

	s.logger.WithField("run", r.id).Info("Measure script paused")
	s.bus.Flush()
	return nil
}

// Resume continues a paused run. If the command in flight when the run was
// paused has finished, the next one is issued now.
func (s *Sequencer) Resume() error {
	s.mu.Lock()
	r := s.run
	if r == nil || r.status != StatusPaused {
		s.mu.Unlock()
		return ErrNotPaused
	}
	r.status = StatusRunning
	if r.awaiting {
		s.progress(r)
	} else {
		s.proceed(r)
	}
	s.mu.Unlock()

	s.logger.WithField("run", r.id).Info("Measure script resumed")
	s.bus.Flush()
	return nil
}

// Abort cancels the run. The device busy with the current command is told
// to stop.
func (s *Sequencer) Abort() error {
	s.mu.Lock()
	r := s.run
	if r == nil || !r.status.Active() {
		s.mu.Unlock()
		return ErrNotRunning
	}
	if r.awaiting {
		switch r.phase {
		case PhaseMoving:
			s.bus.Post(bus.DeviceCommand(s.motor, "stop"), nil)
		case PhaseMeasuring:
			s.bus.Post(bus.DeviceCommand(s.spectrometer, "stop_measuring"), nil)
		}
	}
	s.finish(r, StatusAborted, ErrAborted)
	s.mu.Unlock()

	s.bus.Flush()
	return nil
}

// Status returns the progress of the current or most recent run.
func (s *Sequencer) Status() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return Progress{Status: StatusIdle}
	}
	return s.snapshot(s.run)
}

// handler wraps fn so it only runs while r is the current, active run.
func (s *Sequencer) handler(r *run, fn func(r *run, msg bus.Message)) bus.Handler {
	return func(msg bus.Message) {
		s.mu.Lock()
		if s.run != r || !r.status.Active() {
			s.mu.Unlock()
			return
		}
		fn(r, msg)
		s.mu.Unlock()
		s.bus.Flush()
	}
}

func (s *Sequencer) onMoveEnd(r *run, _ bus.Message) {
	if r.phase != PhaseMoving || !r.awaiting {
		return
	}
	r.awaiting = false
	s.completed(r)
}

func (s *Sequencer) onMeasureEnd(r *run, _ bus.Message) {
	if r.phase != PhaseMeasuring || !r.awaiting {
		return
	}
	r.awaiting = false
	r.measurement++
	r.completed++
	s.completed(r)
}

// completed moves on from a finished command, unless paused.
func (s *Sequencer) completed(r *run) {
	if r.status == StatusPaused {
		s.progress(r)
		return
	}
	s.proceed(r)
}

func (s *Sequencer) onError(r *run, msg bus.Message) {
	var err error
	switch p := msg.Payload.(type) {
	case device.ErrorEvent:
		err = p.Err
		if err == nil {
			err = errors.New(p.Message)
		}
	case error:
		err = p
	default:
		err = fmt.Errorf("%s: %v", msg.Topic, msg.Payload)
	}
	s.logger.WithField("run", r.id).WithError(err).Error("Device error during measure script")
	s.finish(r, StatusAborted, err)
}

func (s *Sequencer) onClosed(r *run, msg bus.Message) {
	ref := s.motor
	if msg.Topic.HasPrefix(bus.DeviceClosed(s.spectrometer)) {
		ref = s.spectrometer
	}
	err := &device.Error{Kind: device.ErrDeviceClosed, Instance: ref}
	s.logger.WithField("run", r.id).WithError(err).Error("Device closed during measure script")
	s.finish(r, StatusAborted, err)
}

// proceed issues the command following the one that just completed.
func (s *Sequencer) proceed(r *run) {
	if r.phase == PhaseMoving {
		r.measurement = 0
		s.measure(r)
		return
	}

	if r.measurement < r.prog.Sequence[r.step].Count {
		s.measure(r)
		return
	}

	r.step++
	if r.step == len(r.prog.Sequence) {
		r.step = 0
		r.repeat++
	}
	if r.repeat == r.prog.Repeats {
		r.repeat = r.prog.Repeats - 1
		r.step = len(r.prog.Sequence) - 1
		s.finish(r, StatusCompleted, nil)
		return
	}
	s.move(r)
}

func (s *Sequencer) move(r *run) {
	angle := r.prog.Sequence[r.step].Angle
	r.phase = PhaseMoving
	r.awaiting = true
	r.measurement = 0
	s.bus.Post(bus.DeviceCommand(s.motor, "move.begin"), map[string]any{"target": angle.Target()})
	s.progress(r)
	s.logger.WithField("run", r.id).Debugf("Moving to %s", angle)
}

func (s *Sequencer) measure(r *run) {
	r.phase = PhaseMeasuring
	r.awaiting = true
	s.bus.Post(bus.DeviceCommand(s.spectrometer, "start_measuring"), nil)
	s.progress(r)
}

func (s *Sequencer) finish(r *run, status Status, err error) {
	r.status = status
	r.phase = PhaseNone
	r.awaiting = false
	r.err = err
	for _, sub := range r.subs {
		sub.Unsubscribe()
	}
	r.subs = nil

	s.progress(r)
	if status == StatusAborted {
		s.bus.Post(bus.MeasureScriptAborted(), AbortEvent{RunID: r.id, Err: err, Message: err.Error()})
		s.logger.WithField("run", r.id).Warnf("Measure script aborted: %v", err)
	} else {
		s.logger.WithField("run", r.id).Info("Measure script completed")
	}
	s.bus.Post(bus.MeasureScriptEnd(), EndEvent{RunID: r.id, Status: status})
}

func (s *Sequencer) progress(r *run) {
	s.bus.Post(bus.MeasureScriptProgress(), s.snapshot(r))
}

func (s *Sequencer) snapshot(r *run) Progress {
	step := r.prog.Sequence[r.step]
	angle := step.Angle
	p := Progress{
		RunID:       r.id,
		Status:      r.status,
		Phase:       r.phase,
		Repeat:      r.repeat,
		Repeats:     r.prog.Repeats,
		Step:        r.step,
		Steps:       len(r.prog.Sequence),
		Measurement: r.measurement,
		Count:       step.Count,
		Angle:       &angle,
		Completed:   r.completed,
		Total:       r.prog.Measurements(),
	}
	if r.err != nil {
		p.Error = r.err.Error()
	}
	return p
}
