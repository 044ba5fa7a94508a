package dummytemperature

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"finesse/pkg/device"
)

// Mean temperatures for each channel of the monitor.
var baseTemperatures = []float64{19, 17, 26, 22, 24, 68, 69, 24}

// Reading is the payload of data.response.
type Reading struct {
	Time         time.Time `json:"time"`
	Temperatures []float64 `json:"temperatures"`
}

func MonitorDescriptor() device.Descriptor {
	return device.Descriptor{
		ClassID:     MonitorClassID,
		BaseType:    device.TemperatureMonitor.Name,
		Description: "Dummy temperature monitor",
		Parameters: []device.ParameterSpec{
			{
				Name:        "channels",
				Description: "Number of channels",
				Kind:        device.KindInt,
				Default:     len(baseTemperatures),
				Choices:     []any{len(baseTemperatures)},
			},
			seedParameter,
		},
		New: NewMonitor,
	}
}

type Monitor struct {
	logger   log.FieldLogger
	emitter  device.Emitter
	interval time.Duration
	channels []*noise
	poller   poller

	mu   sync.Mutex
	last *Reading
}

func NewMonitor(cfg device.Config) (device.Driver, error) {
	n := cfg.Params.Int("channels")
	if n != len(baseTemperatures) {
		return nil, fmt.Errorf("must have %d channels", len(baseTemperatures))
	}
	interval := cfg.Params.Float("poll_interval")
	if interval <= 0 {
		return nil, fmt.Errorf("poll_interval must be positive")
	}

	seed := uint64(cfg.Params.Int("seed"))
	channels := make([]*noise, n)
	for i, t := range baseTemperatures {
		s := seed
		if s != 0 {
			s += uint64(i)
		}
		channels[i] = newNoise(t, 0.1, s)
	}

	return &Monitor{
		logger:   cfg.Logger,
		emitter:  cfg.Emitter,
		interval: time.Duration(interval * float64(time.Second)),
		channels: channels,
	}, nil
}

// Open starts polling in the background.
func (m *Monitor) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.poller.start(m.interval, func() {
		m.emitter.Emit("data.response", m.read())
	})
	return nil
}

func (m *Monitor) read() Reading {
	r := Reading{Time: time.Now(), Temperatures: make([]float64, len(m.channels))}
	for i, ch := range m.channels {
		r.Temperatures[i] = ch.next()
	}

	m.mu.Lock()
	m.last = &r
	m.mu.Unlock()
	return r
}

func (m *Monitor) Close() error {
	m.poller.stop()
	return nil
}

func (m *Monitor) Dispatch(cmd device.Command) error {
	if cmd.Name != "request" {
		return fmt.Errorf("unsupported command %q", cmd.Name)
	}
	m.emitter.Emit("data.response", m.read())
	return nil
}

func (m *Monitor) Describe() []device.StateProperty {
	m.mu.Lock()
	defer m.mu.Unlock()

	props := []device.StateProperty{
		{Name: "channels", Value: len(m.channels)},
		{Name: "poll_interval", Value: m.interval.Seconds()},
	}
	if m.last != nil {
		props = append(props, device.StateProperty{Name: "temperatures", Value: m.last.Temperatures})
	}
	return props
}
