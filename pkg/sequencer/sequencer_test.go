package sequencer

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finesse/pkg/bus"
	"finesse/pkg/device"
	"finesse/pkg/script"
)

var (
	motor        = device.InstanceRef{BaseType: "stepper_motor"}
	spectrometer = device.InstanceRef{BaseType: "spectrometer"}
)

// rig stands in for the manager and the two drivers: it records commands
// sent to the motor and spectrometer and, when auto is set, answers each
// one with its completion message straight away.
type rig struct {
	bus  *bus.Bus
	auto bool

	mu       sync.Mutex
	commands []string
	progress []Progress
	topics   []string
}

func newRig(auto bool) *rig {
	r := &rig{bus: bus.New(log.WithField("component", "bus")), auto: auto}

	r.bus.Subscribe(bus.DeviceCommand(motor, "move.begin"), func(msg bus.Message) {
		args := msg.Payload.(map[string]any)
		r.record(fmt.Sprintf("move(%v)", args["target"]))
		if r.auto {
			r.bus.Publish(bus.DeviceEvent(motor, "move.end"), nil)
		}
	})
	r.bus.Subscribe(bus.DeviceCommand(motor, "stop"), func(bus.Message) { r.record("stop") })
	r.bus.Subscribe(bus.DeviceCommand(spectrometer, "start_measuring"), func(bus.Message) {
		r.record("measure")
		if r.auto {
			r.bus.Publish(bus.DeviceEvent(spectrometer, "measure.end"), nil)
		}
	})
	r.bus.Subscribe(bus.DeviceCommand(spectrometer, "stop_measuring"), func(bus.Message) { r.record("stop_measuring") })
	r.bus.Subscribe(bus.MeasureScript(), func(msg bus.Message) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.topics = append(r.topics, msg.Topic.String())
		if p, ok := msg.Payload.(Progress); ok {
			r.progress = append(r.progress, p)
		}
	})
	return r
}

func (r *rig) record(cmd string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, cmd)
}

func (r *rig) issued() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.commands...)
}

func (r *rig) scriptTopics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.topics...)
}

func (r *rig) moveEnd()    { r.bus.Publish(bus.DeviceEvent(motor, "move.end"), nil) }
func (r *rig) measureEnd() { r.bus.Publish(bus.DeviceEvent(spectrometer, "measure.end"), nil) }

func newSequencer(r *rig, opts ...Option) *Sequencer {
	return New(r.bus, log.WithField("component", "sequencer"), opts...)
}

func testProgram() script.Program {
	return script.Program{
		Repeats: 2,
		Sequence: []script.Step{
			{Angle: script.Preset("zenith"), Count: 1},
			{Angle: script.Degrees(10.0), Count: 3},
		},
	}
}

func TestFullRun(t *testing.T) {
	r := newRig(true)
	s := newSequencer(r)

	id, err := s.Start(testProgram())
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	assert.Equal(t, []string{
		"move(zenith)", "measure",
		"move(10)", "measure", "measure", "measure",
		"move(zenith)", "measure",
		"move(10)", "measure", "measure", "measure",
	}, r.issued())

	moves, measures := 0, 0
	for _, c := range r.issued() {
		if c == "measure" {
			measures++
		} else {
			moves++
		}
	}
	assert.Equal(t, 8, measures)
	assert.Equal(t, 4, moves)

	st := s.Status()
	assert.Equal(t, StatusCompleted, st.Status)
	assert.Equal(t, 8, st.Completed)
	assert.Equal(t, 8, st.Total)
	assert.Equal(t, id, st.RunID)

	topics := r.scriptTopics()
	assert.Equal(t, "measure_script.begin", topics[0])
	assert.Equal(t, "measure_script.end", topics[len(topics)-1])
	assert.NotContains(t, topics, "measure_script.aborted")

	// A completed run can be followed by another.
	_, err = s.Start(testProgram())
	assert.NoError(t, err)
}

func TestProgressPublishedForEveryChange(t *testing.T) {
	r := newRig(true)
	s := newSequencer(r)

	_, err := s.Start(script.Program{Repeats: 1, Sequence: []script.Step{{Angle: script.Preset("nadir"), Count: 2}}})
	require.NoError(t, err)

	r.mu.Lock()
	defer r.mu.Unlock()
	require.Len(t, r.progress, 4)
	assert.Equal(t, PhaseMoving, r.progress[0].Phase)
	assert.Equal(t, PhaseMeasuring, r.progress[1].Phase)
	assert.Equal(t, 0, r.progress[1].Measurement)
	assert.Equal(t, 1, r.progress[2].Measurement)
	assert.Equal(t, 1, r.progress[2].Completed)
	assert.Equal(t, StatusCompleted, r.progress[3].Status)
	assert.Equal(t, 2, r.progress[3].Completed)
}

func TestErrorAbortsRun(t *testing.T) {
	r := newRig(false)
	s := newSequencer(r)

	_, err := s.Start(testProgram())
	require.NoError(t, err)
	r.moveEnd()
	r.measureEnd()
	r.moveEnd()
	before := r.issued()
	assert.Equal(t, []string{"move(zenith)", "measure", "move(10)", "measure"}, before)

	cause := errors.New("motor stalled")
	r.bus.Publish(bus.DeviceError(motor), device.NewErrorEvent(motor, cause))

	st := s.Status()
	assert.Equal(t, StatusAborted, st.Status)
	assert.Equal(t, "motor stalled", st.Error)

	// Completions arriving after the abort change nothing.
	r.measureEnd()
	r.moveEnd()
	assert.Equal(t, before, r.issued())

	topics := r.scriptTopics()
	assert.Contains(t, topics, "measure_script.aborted")
	assert.Equal(t, "measure_script.end", topics[len(topics)-1])
}

func TestDeviceClosedAbortsRun(t *testing.T) {
	r := newRig(false)
	s := newSequencer(r)

	_, err := s.Start(testProgram())
	require.NoError(t, err)
	r.bus.Publish(bus.DeviceClosed(spectrometer), nil)

	st := s.Status()
	assert.Equal(t, StatusAborted, st.Status)
	assert.Contains(t, st.Error, "spectrometer")
	assert.Contains(t, st.Error, device.ErrDeviceClosed.Error())
}

func TestPauseAndResume(t *testing.T) {
	r := newRig(false)
	s := newSequencer(r)

	assert.ErrorIs(t, s.Pause(), ErrNotRunning)
	assert.ErrorIs(t, s.Resume(), ErrNotPaused)

	_, err := s.Start(testProgram())
	require.NoError(t, err)
	assert.ErrorIs(t, s.Resume(), ErrNotPaused)

	require.NoError(t, s.Pause())
	assert.ErrorIs(t, s.Pause(), ErrNotRunning)
	assert.Equal(t, StatusPaused, s.Status().Status)

	// The move already issued completes, but no measurement starts.
	r.moveEnd()
	assert.Equal(t, []string{"move(zenith)"}, r.issued())

	require.NoError(t, s.Resume())
	assert.Equal(t, []string{"move(zenith)", "measure"}, r.issued())

	// Pause and resume while the measurement is still running.
	require.NoError(t, s.Pause())
	require.NoError(t, s.Resume())
	assert.Equal(t, []string{"move(zenith)", "measure"}, r.issued())

	r.measureEnd()
	assert.Equal(t, []string{"move(zenith)", "measure", "move(10)"}, r.issued())
	assert.Equal(t, StatusRunning, s.Status().Status)
}

func TestAbort(t *testing.T) {
	tests := []struct {
		name     string
		advance  func(r *rig)
		expected []string
	}{
		{
			name:     "while moving",
			advance:  func(*rig) {},
			expected: []string{"move(zenith)", "stop"},
		},
		{
			name:     "while measuring",
			advance:  func(r *rig) { r.moveEnd() },
			expected: []string{"move(zenith)", "measure", "stop_measuring"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := newRig(false)
			s := newSequencer(r)

			_, err := s.Start(testProgram())
			require.NoError(t, err)
			tc.advance(r)

			require.NoError(t, s.Abort())
			assert.Equal(t, tc.expected, r.issued())

			st := s.Status()
			assert.Equal(t, StatusAborted, st.Status)
			assert.Equal(t, ErrAborted.Error(), st.Error)
			assert.ErrorIs(t, s.Abort(), ErrNotRunning)
		})
	}
}

func TestStartWhileRunning(t *testing.T) {
	r := newRig(false)
	s := newSequencer(r)

	_, err := s.Start(testProgram())
	require.NoError(t, err)
	_, err = s.Start(testProgram())
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	_, err = newSequencer(r).Start(script.Program{Repeats: 1})
	assert.ErrorIs(t, err, script.ErrEmptySequence)
}

func TestStartValidatesProgram(t *testing.T) {
	r := newRig(false)
	s := newSequencer(r)

	_, err := s.Start(script.Program{Repeats: 0, Sequence: testProgram().Sequence})
	assert.ErrorIs(t, err, script.ErrInvalidCount)

	prog := testProgram()
	prog.Sequence[1].Count = 0
	_, err = s.Start(prog)
	assert.ErrorIs(t, err, script.ErrInvalidCount)
	assert.ErrorContains(t, err, "step 2")

	assert.Empty(t, r.issued())
	assert.Equal(t, StatusIdle, s.Status().Status)
}

type fakeStates map[device.InstanceRef]device.ConnectionState

func (f fakeStates) State(ref device.InstanceRef) device.ConnectionState { return f[ref] }

func TestStartRequiresOpenDevices(t *testing.T) {
	r := newRig(false)
	states := fakeStates{motor: device.StateOpened, spectrometer: device.StateError}
	s := newSequencer(r, WithStateSource(states))

	_, err := s.Start(testProgram())
	assert.ErrorIs(t, err, device.ErrDeviceNotOpen)
	assert.Empty(t, r.issued())
	assert.Equal(t, StatusIdle, s.Status().Status)

	states[spectrometer] = device.StateOpened
	_, err = s.Start(testProgram())
	assert.NoError(t, err)
}

func TestNamedDevices(t *testing.T) {
	b := bus.New(log.WithField("component", "bus"))
	other := device.InstanceRef{BaseType: "stepper_motor", Name: "secondary"}
	var got []string
	b.Subscribe(bus.DeviceCommand(other, "move.begin"), func(msg bus.Message) { got = append(got, msg.Topic.String()) })

	s := New(b, log.WithField("component", "sequencer"), WithDevices(other, spectrometer))
	_, err := s.Start(testProgram())
	require.NoError(t, err)
	assert.Equal(t, []string{"device.stepper_motor.secondary.move.begin"}, got)
}
