// Package manager owns the live device instances and runs each one through
// the connection state machine:
//
//	Closed -> Opening -> Opened
//	Opening -> Error, Opened -> Error
//	any -> Closed (explicit close)
//
// Every transition is published on the bus. Error is a sink: the instance
// stays there until it is closed.
package manager

import (
	"context"
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"finesse/pkg/bus"
	"finesse/pkg/device"
	"finesse/pkg/registry"
)

// StateEvent is the payload of device.opening, device.opened and
// device.closed notifications.
type StateEvent struct {
	Instance device.InstanceRef     `json:"instance"`
	ClassID  string                 `json:"class_id,omitempty"`
	State    device.ConnectionState `json:"state"`
}

// InstanceStatus is a snapshot of one instance.
type InstanceStatus struct {
	Instance   device.InstanceRef     `json:"instance"`
	ClassID    string                 `json:"class_id"`
	State      device.ConnectionState `json:"state"`
	Params     device.Params          `json:"params"`
	Error      string                 `json:"error,omitempty"`
	Properties []device.StateProperty `json:"properties,omitempty"`
}

type instance struct {
	ref      device.InstanceRef
	classID  string
	baseType device.BaseType
	params   device.Params
	state    device.ConnectionState
	driver   device.Driver
	gen      uint64
	cancel   context.CancelFunc
	commands []*bus.Subscription
	err      error
}

type Manager struct {
	mu        sync.Mutex
	reg       *registry.Registry
	bus       *bus.Bus
	logger    log.FieldLogger
	instances map[device.InstanceRef]*instance
	nextGen   uint64
	exec      func(func())
	handlers  []*bus.Subscription
}

type Option func(*Manager)

// WithExecutor sets how driver construction and handshakes are run. The
// default runs each on its own goroutine.
func WithExecutor(exec func(func())) Option {
	return func(m *Manager) { m.exec = exec }
}

// New creates a Manager and subscribes it to the device.open, device.close
// and device.list.request topics.
func New(reg *registry.Registry, b *bus.Bus, logger log.FieldLogger, opts ...Option) *Manager {
	m := &Manager{
		reg:       reg,
		bus:       b,
		logger:    logger,
		instances: make(map[device.InstanceRef]*instance),
		exec:      func(f func()) { go f() },
	}
	for _, opt := range opts {
		opt(m)
	}
	m.subscribeRequests()
	return m
}

// Open validates the request and starts opening the device. Configuration
// errors are returned and cause no state change. Otherwise the instance
// enters Opening and the outcome is published as device.opened or
// device.error.
func (m *Manager) Open(ref device.InstanceRef, classID string, params map[string]any) error {
	m.mu.Lock()

	if inst, ok := m.instances[ref]; ok && inst.state != device.StateClosed {
		m.mu.Unlock()
		return &device.Error{Kind: device.ErrAlreadyOpenOrOpening, Instance: ref, ClassID: inst.classID}
	}

	desc, resolved, err := m.validate(ref, classID, params)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	bt, _ := m.reg.BaseType(ref.BaseType)

	ctx, cancel := context.WithCancel(context.Background())
	m.nextGen++
	inst := &instance{
		ref:      ref,
		classID:  classID,
		baseType: bt,
		params:   resolved,
		state:    device.StateOpening,
		gen:      m.nextGen,
		cancel:   cancel,
	}
	m.instances[ref] = inst
	m.bus.Post(bus.DeviceOpening(ref), StateEvent{Instance: ref, ClassID: classID, State: device.StateOpening})
	m.mu.Unlock()

	m.logger.WithField("device", ref.String()).Infof("Opening %s", classID)
	m.bus.Flush()

	gen := inst.gen
	m.exec(func() { m.runOpen(ctx, ref, gen, desc, resolved) })
	return nil
}

// validate checks ref and classID against the registry and resolves the
// parameters.
func (m *Manager) validate(ref device.InstanceRef, classID string, params map[string]any) (device.Descriptor, device.Params, error) {
	desc, err := m.reg.ValidateInstance(ref, classID)
	if err != nil {
		return device.Descriptor{}, nil, err
	}
	resolved, err := m.reg.ResolveParameters(classID, params)
	if err != nil {
		return device.Descriptor{}, nil, withInstance(err, ref)
	}
	return desc, resolved, nil
}

func withInstance(err error, ref device.InstanceRef) error {
	if derr, ok := err.(*device.Error); ok {
		c := *derr
		c.Instance = ref
		return &c
	}
	return err
}

func (m *Manager) runOpen(ctx context.Context, ref device.InstanceRef, gen uint64, desc device.Descriptor, params device.Params) {
	logger := m.logger.WithField("device", ref.String())
	em := &emitter{m: m, ref: ref, gen: gen}

	drv, err := construct(desc, device.Config{Instance: ref, Params: params, Emitter: em, Logger: logger})
	if err == nil {
		err = drv.Open(ctx)
	}
	m.finishOpen(ref, gen, drv, err)
}

func construct(desc device.Descriptor, cfg device.Config) (drv device.Driver, err error) {
	defer func() {
		if r := recover(); r != nil {
			drv, err = nil, fmt.Errorf("driver constructor panicked: %v", r)
		}
	}()
	drv, err = desc.New(cfg)
	if err == nil && drv == nil {
		err = fmt.Errorf("driver constructor returned no driver")
	}
	return drv, err
}

func (m *Manager) finishOpen(ref device.InstanceRef, gen uint64, drv device.Driver, err error) {
	logger := m.logger.WithField("device", ref.String())

	m.mu.Lock()
	inst, ok := m.instances[ref]
	if !ok || inst.gen != gen || inst.state != device.StateOpening {
		// Closed, or failed via the emitter, while opening.
		m.mu.Unlock()
		logger.Debug("Discarding result of superseded open")
		release(logger, drv)
		return
	}

	if err != nil {
		inst.state = device.StateError
		inst.err = err
		derr := &device.Error{Instance: ref, ClassID: inst.classID, Cause: err}
		m.bus.Post(bus.DeviceError(ref), device.NewErrorEvent(ref, derr))
		m.mu.Unlock()

		logger.WithError(err).Error("Failed to open device")
		release(logger, drv)
		m.bus.Flush()
		return
	}

	inst.driver = drv
	inst.state = device.StateOpened
	for _, cmd := range inst.baseType.Commands {
		inst.commands = append(inst.commands, m.bus.Subscribe(bus.DeviceCommand(ref, cmd), m.commandHandler(ref, cmd)))
	}
	m.bus.Post(bus.DeviceOpened(ref), StateEvent{Instance: ref, ClassID: inst.classID, State: device.StateOpened})
	m.mu.Unlock()

	logger.Info("Device opened")
	m.bus.Flush()
}

func release(logger log.FieldLogger, drv device.Driver) {
	if drv == nil {
		return
	}
	if err := drv.Close(); err != nil {
		logger.WithError(err).Warn("Error closing driver")
	}
}

// Close moves the instance to Closed from any state and publishes
// device.closed, even if the instance was already closed.
func (m *Manager) Close(ref device.InstanceRef) error {
	logger := m.logger.WithField("device", ref.String())

	m.mu.Lock()
	inst, ok := m.instances[ref]
	var drv device.Driver
	ev := StateEvent{Instance: ref, State: device.StateClosed}
	if ok {
		delete(m.instances, ref)
		inst.cancel()
		for _, sub := range inst.commands {
			sub.Unsubscribe()
		}
		drv = inst.driver
		inst.driver = nil
		inst.state = device.StateClosed
		ev.ClassID = inst.classID
	}
	m.bus.Post(bus.DeviceClosed(ref), ev)
	m.mu.Unlock()

	var err error
	if drv != nil {
		err = drv.Close()
	}
	if ok {
		logger.Info("Device closed")
	}
	m.bus.Flush()
	return err
}

// CloseAll closes every instance.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	refs := make([]device.InstanceRef, 0, len(m.instances))
	for ref := range m.instances {
		refs = append(refs, ref)
	}
	m.mu.Unlock()

	sortRefs(refs)
	for _, ref := range refs {
		if err := m.Close(ref); err != nil {
			m.logger.WithField("device", ref.String()).WithError(err).Warn("Error closing device")
		}
	}
}

// Dispatch forwards cmd to an opened device. A driver error moves the
// instance to Error.
func (m *Manager) Dispatch(ref device.InstanceRef, cmd device.Command) error {
	m.mu.Lock()
	inst, ok := m.instances[ref]
	if !ok || inst.state != device.StateOpened {
		m.mu.Unlock()
		return &device.Error{Kind: device.ErrDeviceNotOpen, Instance: ref}
	}
	if !inst.baseType.HasCommand(cmd.Name) {
		m.mu.Unlock()
		return &device.Error{Kind: device.ErrUnknownCommand, Instance: ref, ClassID: inst.classID, Cause: fmt.Errorf("%q", cmd.Name)}
	}
	drv, gen := inst.driver, inst.gen
	m.mu.Unlock()

	m.logger.WithField("device", ref.String()).Debugf("Dispatching %s %v", cmd.Name, cmd.Args)
	if err := drv.Dispatch(cmd); err != nil {
		m.fail(ref, gen, err)
		return &device.Error{Instance: ref, Cause: err}
	}
	return nil
}

// fail moves an opening or opened instance to Error. Stale generations are
// ignored.
func (m *Manager) fail(ref device.InstanceRef, gen uint64, err error) {
	logger := m.logger.WithField("device", ref.String())

	m.mu.Lock()
	inst, ok := m.instances[ref]
	if !ok || inst.gen != gen || (inst.state != device.StateOpened && inst.state != device.StateOpening) {
		m.mu.Unlock()
		return
	}
	inst.state = device.StateError
	inst.err = err
	inst.cancel()
	drv := inst.driver
	inst.driver = nil
	derr := &device.Error{Instance: ref, ClassID: inst.classID, Cause: err}
	m.bus.Post(bus.DeviceError(ref), device.NewErrorEvent(ref, derr))
	m.mu.Unlock()

	logger.WithError(err).Error("Device error")
	release(logger, drv)
	m.bus.Flush()
}

// State returns the connection state of ref. Unknown instances are Closed.
func (m *Manager) State(ref device.InstanceRef) device.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.instances[ref]; ok {
		return inst.state
	}
	return device.StateClosed
}

// Status returns a snapshot of one instance including the driver's live
// properties.
func (m *Manager) Status(ref device.InstanceRef) (InstanceStatus, bool) {
	m.mu.Lock()
	inst, ok := m.instances[ref]
	if !ok {
		m.mu.Unlock()
		return InstanceStatus{}, false
	}
	st, drv := snapshot(inst)
	m.mu.Unlock()

	if drv != nil {
		st.Properties = drv.Describe()
	}
	return st, true
}

// Instances returns a snapshot of every instance that is not closed.
func (m *Manager) Instances() []InstanceStatus {
	m.mu.Lock()
	refs := make([]device.InstanceRef, 0, len(m.instances))
	for ref := range m.instances {
		refs = append(refs, ref)
	}
	m.mu.Unlock()

	sortRefs(refs)
	out := make([]InstanceStatus, 0, len(refs))
	for _, ref := range refs {
		if st, ok := m.Status(ref); ok {
			out = append(out, st)
		}
	}
	return out
}

func snapshot(inst *instance) (InstanceStatus, device.Driver) {
	st := InstanceStatus{
		Instance: inst.ref,
		ClassID:  inst.classID,
		State:    inst.state,
		Params:   inst.params,
	}
	if inst.err != nil {
		st.Error = inst.err.Error()
	}
	if inst.state != device.StateOpened {
		return st, nil
	}
	return st, inst.driver
}

func sortRefs(refs []device.InstanceRef) {
	sort.Slice(refs, func(i, j int) bool { return refs[i].String() < refs[j].String() })
}

type emitter struct {
	m   *Manager
	ref device.InstanceRef
	gen uint64
}

func (e *emitter) Emit(event string, payload any) {
	e.m.mu.Lock()
	inst, ok := e.m.instances[e.ref]
	if !ok || inst.gen != e.gen || (inst.state != device.StateOpened && inst.state != device.StateOpening) {
		e.m.mu.Unlock()
		return
	}
	e.m.bus.Post(bus.DeviceEvent(e.ref, event), payload)
	e.m.mu.Unlock()
	e.m.bus.Flush()
}

func (e *emitter) Fail(err error) {
	e.m.fail(e.ref, e.gen, err)
}
