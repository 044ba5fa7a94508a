package manager

import (
	"context"
	"errors"
	"sync"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"finesse/pkg/bus"
	"finesse/pkg/device"
	"finesse/pkg/hwset"
	"finesse/pkg/registry"
)

type mockDriver struct {
	mock.Mock
}

func (d *mockDriver) Open(ctx context.Context) error {
	return d.Called(ctx).Error(0)
}

func (d *mockDriver) Close() error {
	return d.Called().Error(0)
}

func (d *mockDriver) Dispatch(cmd device.Command) error {
	return d.Called(cmd).Error(0)
}

func (d *mockDriver) Describe() []device.StateProperty {
	args := d.Called()
	props, _ := args.Get(0).([]device.StateProperty)
	return props
}

var (
	stepper = device.InstanceRef{BaseType: "stepper_motor"}
	hotBB   = device.InstanceRef{BaseType: "temperature_controller", Name: "hot_bb"}
)

type fixture struct {
	t   *testing.T
	bus *bus.Bus
	m   *Manager

	mu      sync.Mutex
	pending []func()
	topics  []string
	msgs    []bus.Message
	drivers map[device.InstanceRef][]*mockDriver
	configs map[device.InstanceRef]device.Config
}

// newFixture builds a manager whose opens are held until runPending.
func newFixture(t *testing.T) *fixture {
	f := &fixture{
		t:       t,
		drivers: make(map[device.InstanceRef][]*mockDriver),
		configs: make(map[device.InstanceRef]device.Config),
	}

	factory := func(cfg device.Config) (device.Driver, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.configs[cfg.Instance] = cfg
		queue := f.drivers[cfg.Instance]
		if len(queue) == 0 {
			return nil, errors.New("no driver prepared")
		}
		f.drivers[cfg.Instance] = queue[1:]
		return queue[0], nil
	}

	reg := registry.New()
	require.NoError(t, reg.RegisterBaseType(device.StepperMotor))
	require.NoError(t, reg.RegisterBaseType(device.TemperatureController))
	require.NoError(t, reg.Register(device.Descriptor{
		ClassID:     "mock_stepper",
		BaseType:    "stepper_motor",
		Description: "Mock stepper",
		Parameters: []device.ParameterSpec{
			{Name: "speed", Kind: device.KindInt, Default: 10, Min: device.Bound(1)},
		},
		New: factory,
	}))
	require.NoError(t, reg.Register(device.Descriptor{
		ClassID:     "mock_tc",
		BaseType:    "temperature_controller",
		Description: "Mock temperature controller",
		Parameters: []device.ParameterSpec{
			{Name: "port", Kind: device.KindString},
		},
		New: factory,
	}))
	reg.Freeze()

	logger := log.WithField("test", t.Name())
	f.bus = bus.New(logger)
	f.bus.Subscribe(bus.T(), func(msg bus.Message) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.topics = append(f.topics, msg.Topic.String())
		f.msgs = append(f.msgs, msg)
	})
	f.m = New(reg, f.bus, logger, WithExecutor(func(fn func()) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.pending = append(f.pending, fn)
	}))
	return f
}

// driver queues a mock to be returned by the next construction of ref.
func (f *fixture) driver(ref device.InstanceRef) *mockDriver {
	d := &mockDriver{}
	f.mu.Lock()
	f.drivers[ref] = append(f.drivers[ref], d)
	f.mu.Unlock()
	return d
}

func (f *fixture) runPending() {
	f.mu.Lock()
	fns := f.pending
	f.pending = nil
	f.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (f *fixture) published() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.topics...)
}

func (f *fixture) last(topic string) (bus.Message, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.msgs) - 1; i >= 0; i-- {
		if f.msgs[i].Topic.String() == topic {
			return f.msgs[i], true
		}
	}
	return bus.Message{}, false
}

func (f *fixture) clear() {
	f.mu.Lock()
	f.topics = nil
	f.msgs = nil
	f.mu.Unlock()
}

func TestOpenPublishesOpeningThenOpened(t *testing.T) {
	f := newFixture(t)
	d := f.driver(stepper)
	d.On("Open", mock.Anything).Return(nil)

	require.NoError(t, f.m.Open(stepper, "mock_stepper", nil))
	assert.Equal(t, device.StateOpening, f.m.State(stepper))
	assert.Equal(t, []string{"device.opening.stepper_motor"}, f.published())

	f.runPending()
	assert.Equal(t, device.StateOpened, f.m.State(stepper))
	assert.Equal(t, []string{"device.opening.stepper_motor", "device.opened.stepper_motor"}, f.published())

	msg, ok := f.last("device.opened.stepper_motor")
	require.True(t, ok)
	assert.Equal(t, StateEvent{Instance: stepper, ClassID: "mock_stepper", State: device.StateOpened}, msg.Payload)

	assert.Equal(t, device.Params{"speed": 10}, f.configs[stepper].Params)
	d.AssertExpectations(t)
}

func TestConfigurationErrorsChangeNothing(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name    string
		ref     device.InstanceRef
		classID string
		params  map[string]any
		err     error
	}{
		{"unknown class", stepper, "laser", nil, device.ErrUnknownDeviceType},
		{"wrong base type", stepper, "mock_tc", nil, device.ErrUnknownDeviceType},
		{"bad instance name", device.InstanceRef{BaseType: "temperature_controller", Name: "warm_bb"}, "mock_tc", map[string]any{"port": "x"}, device.ErrInvalidInstanceName},
		{"missing parameter", hotBB, "mock_tc", nil, device.ErrMissingParameter},
		{"invalid value", stepper, "mock_stepper", map[string]any{"speed": 0}, device.ErrInvalidParameterValue},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := f.m.Open(tc.ref, tc.classID, tc.params)
			assert.ErrorIs(t, err, tc.err)
			assert.Equal(t, device.StateClosed, f.m.State(tc.ref))
		})
	}
	assert.Empty(t, f.published())
	assert.Empty(t, f.m.Instances())

	var derr *device.Error
	require.ErrorAs(t, f.m.Open(hotBB, "mock_tc", nil), &derr)
	assert.Equal(t, hotBB, derr.Instance)
	assert.Equal(t, "port", derr.Param)
}

func TestOpenTwiceFails(t *testing.T) {
	f := newFixture(t)
	d := f.driver(stepper)
	d.On("Open", mock.Anything).Return(errors.New("no response"))
	d.On("Close").Return(nil)

	require.NoError(t, f.m.Open(stepper, "mock_stepper", nil))
	assert.ErrorIs(t, f.m.Open(stepper, "mock_stepper", nil), device.ErrAlreadyOpenOrOpening)

	f.runPending()
	assert.Equal(t, device.StateError, f.m.State(stepper))
	assert.ErrorIs(t, f.m.Open(stepper, "mock_stepper", nil), device.ErrAlreadyOpenOrOpening)

	require.NoError(t, f.m.Close(stepper))
	assert.NoError(t, f.m.Open(stepper, "mock_stepper", nil))
}

func TestOpenFailure(t *testing.T) {
	f := newFixture(t)
	cause := errors.New("no response")
	d := f.driver(stepper)
	d.On("Open", mock.Anything).Return(cause)
	d.On("Close").Return(nil).Once()

	require.NoError(t, f.m.Open(stepper, "mock_stepper", nil))
	f.runPending()

	assert.Equal(t, device.StateError, f.m.State(stepper))
	assert.Equal(t, []string{"device.opening.stepper_motor", "device.error.stepper_motor"}, f.published())

	msg, ok := f.last("device.error.stepper_motor")
	require.True(t, ok)
	ev, ok := msg.Payload.(device.ErrorEvent)
	require.True(t, ok)
	assert.Equal(t, stepper, ev.Instance)
	assert.ErrorIs(t, ev.Err, cause)
	assert.Contains(t, ev.Message, "no response")

	status, ok := f.m.Status(stepper)
	require.True(t, ok)
	assert.Equal(t, "no response", status.Error)

	// The handle is released when the open fails.
	d.AssertExpectations(t)
}

func TestConstructorFailure(t *testing.T) {
	f := newFixture(t)

	// No driver prepared, so the factory fails.
	require.NoError(t, f.m.Open(stepper, "mock_stepper", nil))
	f.runPending()
	assert.Equal(t, device.StateError, f.m.State(stepper))
}

func TestDispatchRequiresOpened(t *testing.T) {
	f := newFixture(t)
	d := f.driver(stepper)
	d.On("Open", mock.Anything).Return(nil)
	move := device.Command{Name: "move.begin", Args: map[string]any{"target": 90.0}}
	d.On("Dispatch", move).Return(nil).Once()

	assert.ErrorIs(t, f.m.Dispatch(stepper, move), device.ErrDeviceNotOpen)

	require.NoError(t, f.m.Open(stepper, "mock_stepper", nil))
	assert.ErrorIs(t, f.m.Dispatch(stepper, move), device.ErrDeviceNotOpen)

	f.runPending()
	assert.NoError(t, f.m.Dispatch(stepper, move))
	assert.ErrorIs(t, f.m.Dispatch(stepper, device.Command{Name: "fly"}), device.ErrUnknownCommand)
	d.AssertExpectations(t)
}

func TestDispatchErrorMovesToError(t *testing.T) {
	f := newFixture(t)
	d := f.driver(stepper)
	d.On("Open", mock.Anything).Return(nil)
	d.On("Dispatch", mock.Anything).Return(errors.New("stalled"))
	d.On("Close").Return(nil).Once()

	require.NoError(t, f.m.Open(stepper, "mock_stepper", nil))
	f.runPending()
	f.clear()

	err := f.m.Dispatch(stepper, device.Command{Name: "stop"})
	assert.Error(t, err)
	assert.Equal(t, device.StateError, f.m.State(stepper))
	assert.Equal(t, []string{"device.error.stepper_motor"}, f.published())
	assert.ErrorIs(t, f.m.Dispatch(stepper, device.Command{Name: "stop"}), device.ErrDeviceNotOpen)

	// Already released; closing must not close the driver twice.
	require.NoError(t, f.m.Close(stepper))
	d.AssertExpectations(t)
}

func TestEmitter(t *testing.T) {
	f := newFixture(t)
	d := f.driver(stepper)
	d.On("Open", mock.Anything).Return(nil)
	d.On("Close").Return(nil).Once()

	require.NoError(t, f.m.Open(stepper, "mock_stepper", nil))
	f.runPending()
	f.clear()

	em := f.configs[stepper].Emitter
	em.Emit("move.end", map[string]any{"angle": 90.0})
	assert.Equal(t, []string{"device.stepper_motor.move.end"}, f.published())

	em.Fail(errors.New("serial port vanished"))
	assert.Equal(t, device.StateError, f.m.State(stepper))

	// A failed instance is silent.
	f.clear()
	em.Emit("move.end", nil)
	em.Fail(errors.New("again"))
	assert.Empty(t, f.published())
	d.AssertExpectations(t)
}

func TestCloseIsIdempotent(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.m.Close(stepper))
	require.NoError(t, f.m.Close(stepper))
	assert.Equal(t, []string{"device.closed.stepper_motor", "device.closed.stepper_motor"}, f.published())
	assert.Equal(t, device.StateClosed, f.m.State(stepper))
}

func TestCloseDuringOpeningDiscardsResult(t *testing.T) {
	f := newFixture(t)
	d := f.driver(stepper)
	var ctx context.Context
	d.On("Open", mock.Anything).Run(func(args mock.Arguments) {
		ctx = args.Get(0).(context.Context)
	}).Return(nil)
	d.On("Close").Return(nil).Once()

	require.NoError(t, f.m.Open(stepper, "mock_stepper", nil))
	require.NoError(t, f.m.Close(stepper))
	f.runPending()

	assert.Equal(t, device.StateClosed, f.m.State(stepper))
	assert.Equal(t, []string{"device.opening.stepper_motor", "device.closed.stepper_motor"}, f.published())
	require.NotNil(t, ctx)
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
	d.AssertExpectations(t)
}

func TestReopenAfterCloseIgnoresStaleOpen(t *testing.T) {
	f := newFixture(t)
	first := f.driver(stepper)
	first.On("Open", mock.Anything).Return(nil)
	first.On("Close").Return(nil).Once()

	require.NoError(t, f.m.Open(stepper, "mock_stepper", nil))
	require.NoError(t, f.m.Close(stepper))

	// The first open is still pending when the device is reopened.
	f.mu.Lock()
	stale := f.pending
	f.pending = nil
	f.mu.Unlock()

	second := f.driver(stepper)
	second.On("Open", mock.Anything).Return(nil)
	require.NoError(t, f.m.Open(stepper, "mock_stepper", nil))

	for _, fn := range stale {
		fn()
	}
	assert.Equal(t, device.StateOpening, f.m.State(stepper))

	f.runPending()
	assert.Equal(t, device.StateOpened, f.m.State(stepper))
	first.AssertExpectations(t)
	second.AssertExpectations(t)
}

func TestBusRequests(t *testing.T) {
	f := newFixture(t)
	d := f.driver(hotBB)
	d.On("Open", mock.Anything).Return(nil)
	d.On("Dispatch", device.Command{Name: "change_set_point", Args: map[string]any{"temperature": 75.0}}).Return(nil).Once()
	d.On("Close").Return(nil).Once()

	f.bus.Publish(bus.DeviceOpen(), OpenRequest{Instance: hotBB, ClassID: "mock_tc"})
	_, ok := f.last("device.rejected.temperature_controller.hot_bb")
	assert.True(t, ok, "missing port should be rejected")
	assert.Equal(t, device.StateClosed, f.m.State(hotBB))

	f.bus.Publish(bus.DeviceOpen(), OpenRequest{Instance: hotBB, ClassID: "mock_tc", Params: map[string]any{"port": "COM1"}})
	f.runPending()
	assert.Equal(t, device.StateOpened, f.m.State(hotBB))

	f.bus.Publish(bus.DeviceCommand(hotBB, "change_set_point"), map[string]any{"temperature": 75.0})

	f.bus.Publish(bus.DeviceListRequest(), nil)
	msg, ok := f.last("device.list.response")
	require.True(t, ok)
	groups, ok := msg.Payload.([]registry.TypeGroup)
	require.True(t, ok)
	assert.Len(t, groups, 2)

	f.bus.Publish(bus.DeviceClose(), CloseRequest{Instance: hotBB})
	assert.Equal(t, device.StateClosed, f.m.State(hotBB))

	// Commands to a closed device go nowhere.
	f.bus.Publish(bus.DeviceCommand(hotBB, "change_set_point"), map[string]any{"temperature": 80.0})
	d.AssertExpectations(t)
}

func TestOpenSet(t *testing.T) {
	f := newFixture(t)
	old := f.driver(stepper)
	old.On("Open", mock.Anything).Return(nil)
	old.On("Close").Return(nil).Once()

	require.NoError(t, f.m.Open(stepper, "mock_stepper", nil))
	f.runPending()

	bad := &hwset.Set{Name: "bad", Devices: []hwset.Device{
		{Instance: stepper, ClassID: "mock_stepper", Params: device.Params{"speed": 5}},
		{Instance: hotBB, ClassID: "mock_tc"},
	}}
	assert.ErrorIs(t, f.m.OpenSet(bad), device.ErrMissingParameter)
	assert.Equal(t, device.StateOpened, f.m.State(stepper), "nothing changes when validation fails")

	replacement := f.driver(stepper)
	replacement.On("Open", mock.Anything).Return(nil)
	tc := f.driver(hotBB)
	tc.On("Open", mock.Anything).Return(nil)

	good := &hwset.Set{Name: "good", Devices: []hwset.Device{
		{Instance: stepper, ClassID: "mock_stepper", Params: device.Params{"speed": 5}},
		{Instance: hotBB, ClassID: "mock_tc", Params: device.Params{"port": "COM1"}},
	}}
	require.NoError(t, f.m.OpenSet(good))
	f.runPending()

	assert.Equal(t, device.StateOpened, f.m.State(stepper))
	assert.Equal(t, device.StateOpened, f.m.State(hotBB))
	assert.Equal(t, device.Params{"speed": 5}, f.configs[stepper].Params)
	old.AssertExpectations(t)
	replacement.AssertExpectations(t)
	tc.AssertExpectations(t)
}

func TestInstancesAndCloseAll(t *testing.T) {
	f := newFixture(t)
	sd := f.driver(stepper)
	sd.On("Open", mock.Anything).Return(nil)
	sd.On("Describe").Return([]device.StateProperty{{Name: "angle", Value: 90.0}})
	sd.On("Close").Return(nil)
	td := f.driver(hotBB)
	td.On("Open", mock.Anything).Return(nil)
	td.On("Describe").Return(nil)
	td.On("Close").Return(nil)

	require.NoError(t, f.m.Open(stepper, "mock_stepper", nil))
	require.NoError(t, f.m.Open(hotBB, "mock_tc", map[string]any{"port": "COM1"}))
	f.runPending()

	all := f.m.Instances()
	require.Len(t, all, 2)
	assert.Equal(t, stepper, all[0].Instance)
	assert.Equal(t, []device.StateProperty{{Name: "angle", Value: 90.0}}, all[0].Properties)
	assert.Equal(t, hotBB, all[1].Instance)

	f.m.CloseAll()
	assert.Empty(t, f.m.Instances())
	sd.AssertCalled(t, "Close")
	td.AssertCalled(t, "Close")
}
