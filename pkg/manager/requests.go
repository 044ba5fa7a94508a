package manager

import (
	"errors"
	"fmt"

	"finesse/pkg/bus"
	"finesse/pkg/device"
	"finesse/pkg/hwset"
)

// OpenRequest is the payload of device.open.
type OpenRequest struct {
	Instance device.InstanceRef `json:"instance"`
	ClassID  string             `json:"class_id"`
	Params   map[string]any     `json:"params,omitempty"`
}

// CloseRequest is the payload of device.close.
type CloseRequest struct {
	Instance device.InstanceRef `json:"instance"`
}

func (m *Manager) subscribeRequests() {
	m.handlers = append(m.handlers,
		m.bus.Subscribe(bus.DeviceOpen(), m.handleOpen),
		m.bus.Subscribe(bus.DeviceClose(), m.handleClose),
		m.bus.Subscribe(bus.DeviceListRequest(), m.handleList),
	)
}

// Detach stops the manager answering bus requests. Instances are left as
// they are.
func (m *Manager) Detach() {
	for _, sub := range m.handlers {
		sub.Unsubscribe()
	}
}

func (m *Manager) handleOpen(msg bus.Message) {
	var req OpenRequest
	switch p := msg.Payload.(type) {
	case OpenRequest:
		req = p
	case *OpenRequest:
		req = *p
	default:
		m.logger.WithField("topic", msg.Topic.String()).Warnf("Ignoring open request with payload %T", msg.Payload)
		return
	}

	if err := m.Open(req.Instance, req.ClassID, req.Params); err != nil {
		m.reject(req.Instance, err)
	}
}

func (m *Manager) handleClose(msg bus.Message) {
	var ref device.InstanceRef
	switch p := msg.Payload.(type) {
	case CloseRequest:
		ref = p.Instance
	case *CloseRequest:
		ref = p.Instance
	case device.InstanceRef:
		ref = p
	default:
		m.logger.WithField("topic", msg.Topic.String()).Warnf("Ignoring close request with payload %T", msg.Payload)
		return
	}

	if err := m.Close(ref); err != nil {
		m.logger.WithField("device", ref.String()).WithError(err).Warn("Error closing device")
	}
}

func (m *Manager) handleList(bus.Message) {
	m.bus.Publish(bus.DeviceListResponse(), m.reg.ListTypes())
}

// reject reports a request that failed before any state change. There is
// no caller to return the error to, so it goes on the bus.
func (m *Manager) reject(ref device.InstanceRef, err error) {
	m.logger.WithField("device", ref.String()).WithError(err).Warn("Rejected request")
	m.bus.Publish(bus.DeviceRejected(ref), device.NewErrorEvent(ref, err))
}

// commandHandler forwards messages on a command topic to the driver.
func (m *Manager) commandHandler(ref device.InstanceRef, command string) bus.Handler {
	topic := bus.DeviceCommand(ref, command)
	return func(msg bus.Message) {
		if len(msg.Topic) != len(topic) {
			return
		}

		var cmd device.Command
		switch p := msg.Payload.(type) {
		case device.Command:
			cmd = p
		case map[string]any:
			cmd.Args = p
		case nil:
		default:
			m.reject(ref, &device.Error{Kind: device.ErrInvalidParameterValue, Instance: ref, Cause: fmt.Errorf("%s: unexpected payload %T", command, msg.Payload)})
			return
		}
		cmd.Name = command

		// Driver failures are already reported as device.error.
		err := m.Dispatch(ref, cmd)
		if errors.Is(err, device.ErrDeviceNotOpen) || errors.Is(err, device.ErrUnknownCommand) {
			m.reject(ref, err)
		}
	}
}

// OpenSet opens every device of set. Every entry is validated before
// anything changes; instances already present under the same key are
// closed and replaced. Devices are opened in set order.
func (m *Manager) OpenSet(set *hwset.Set) error {
	for _, d := range set.Devices {
		if _, _, err := m.validate(d.Instance, d.ClassID, d.Params); err != nil {
			return err
		}
	}

	m.logger.WithField("hardware_set", set.Name).Info("Opening hardware set")
	for _, d := range set.Devices {
		if m.State(d.Instance) != device.StateClosed {
			if err := m.Close(d.Instance); err != nil {
				m.logger.WithField("device", d.Instance.String()).WithError(err).Warn("Error closing device")
			}
		}
		if err := m.Open(d.Instance, d.ClassID, d.Params); err != nil {
			return err
		}
	}
	return nil
}
