package dummytemperature

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"finesse/pkg/device"
)

// SensorReading is one named value in a data event.
type SensorReading struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

// SensorData is the payload of data.
type SensorData struct {
	Time     time.Time       `json:"time"`
	Readings []SensorReading `json:"readings"`
}

type sensorSpec struct {
	name   string
	unit   string
	mean   float64
	stdDev float64
}

var dummySensors = []sensorSpec{
	{"PSF27 temperature", "deg. C", 28.5, 0.1},
	{"Scanner temperature", "deg. C", 31.0, 0.1},
	{"Pressure", "hPa", 1012.0, 0.5},
	{"Humidity", "%", 41.0, 0.5},
	{"Supply voltage", "V", 24.0, 0.05},
}

func SensorsDescriptor() device.Descriptor {
	return device.Descriptor{
		ClassID:     SensorsClassID,
		BaseType:    device.Sensors.Name,
		Description: "Dummy sensors",
		Parameters:  []device.ParameterSpec{seedParameter},
		New:         NewSensors,
	}
}

type Sensors struct {
	logger   log.FieldLogger
	emitter  device.Emitter
	interval time.Duration
	sensors  []*noise
	poller   poller

	mu   sync.Mutex
	last *SensorData
}

func NewSensors(cfg device.Config) (device.Driver, error) {
	interval := cfg.Params.Float("poll_interval")
	if interval < 0 {
		return nil, fmt.Errorf("poll_interval must not be negative")
	}

	seed := uint64(cfg.Params.Int("seed"))
	sensors := make([]*noise, len(dummySensors))
	for i, spec := range dummySensors {
		s := seed
		if s != 0 {
			s += uint64(i)
		}
		sensors[i] = newNoise(spec.mean, spec.stdDev, s)
	}

	return &Sensors{
		logger:   cfg.Logger,
		emitter:  cfg.Emitter,
		interval: time.Duration(interval * float64(time.Second)),
		sensors:  sensors,
	}, nil
}

// Open sends a first reading and then keeps polling, unless the interval is
// zero.
func (s *Sensors) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.send()
	if s.interval > 0 {
		s.poller.start(s.interval, s.send)
	}
	return nil
}

func (s *Sensors) send() {
	data := SensorData{Time: time.Now(), Readings: make([]SensorReading, len(s.sensors))}
	for i, n := range s.sensors {
		spec := dummySensors[i]
		data.Readings[i] = SensorReading{Name: spec.name, Value: n.next(), Unit: spec.unit}
	}

	s.mu.Lock()
	s.last = &data
	s.mu.Unlock()

	s.emitter.Emit("data", data)
}

func (s *Sensors) Close() error {
	s.poller.stop()
	return nil
}

func (s *Sensors) Dispatch(cmd device.Command) error {
	if cmd.Name != "request" {
		return fmt.Errorf("unsupported command %q", cmd.Name)
	}
	s.send()
	return nil
}

func (s *Sensors) Describe() []device.StateProperty {
	s.mu.Lock()
	defer s.mu.Unlock()

	props := []device.StateProperty{
		{Name: "poll_interval", Value: s.interval.Seconds()},
	}
	if s.last != nil {
		for _, r := range s.last.Readings {
			props = append(props, device.StateProperty{Name: r.Name, Value: r.Value})
		}
	}
	return props
}
