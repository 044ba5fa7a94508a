// Package dummytemperature simulates the black body temperature controllers,
// the temperature monitor and the housekeeping sensors with random noise.
package dummytemperature

import (
	"context"
	"fmt"
	"math"
	"sync"

	log "github.com/sirupsen/logrus"

	"finesse/pkg/device"
)

const (
	ControllerClassID = "dummy_temperature_controller"
	MonitorClassID    = "dummy_temperature_monitor"
	SensorsClassID    = "dummy_sensors"
)

// Properties is the payload of response.properties.
type Properties struct {
	Temperature float64 `json:"temperature"`
	Power       int     `json:"power"`
	AlarmStatus int     `json:"alarm_status"`
	SetPoint    float64 `json:"set_point"`
}

var seedParameter = device.ParameterSpec{
	Name:        "seed",
	Description: "Random seed (0 for a random seed)",
	Kind:        device.KindInt,
	Default:     0,
	Min:         device.Bound(0),
}

func ControllerDescriptor() device.Descriptor {
	return device.Descriptor{
		ClassID:     ControllerClassID,
		BaseType:    device.TemperatureController.Name,
		Description: "Dummy temperature controller",
		Parameters: []device.ParameterSpec{
			{
				Name:        "initial_set_point",
				Description: "Initial set point (°C)",
				Kind:        device.KindFloat,
				Default:     70.0,
			},
			{
				Name:        "alarm_status",
				Description: "Alarm status reported forever (0 is no error)",
				Kind:        device.KindInt,
				Default:     0,
			},
			{
				Name:        "temperature_mean",
				Description: "Mean temperature (°C)",
				Kind:        device.KindFloat,
				Default:     35.0,
			},
			{
				Name:        "power_mean",
				Description: "Mean power output (%)",
				Kind:        device.KindFloat,
				Default:     40.0,
			},
			seedParameter,
		},
		New: NewController,
	}
}

type Controller struct {
	logger  log.FieldLogger
	emitter device.Emitter

	temperature *noise
	power       *noise
	alarmStatus int

	mu       sync.Mutex
	setPoint float64
}

func NewController(cfg device.Config) (device.Driver, error) {
	seed := uint64(cfg.Params.Int("seed"))
	return &Controller{
		logger:      cfg.Logger,
		emitter:     cfg.Emitter,
		temperature: newNoise(cfg.Params.Float("temperature_mean"), 0.1, seed),
		power:       newNoise(cfg.Params.Float("power_mean"), 2.0, seed),
		alarmStatus: cfg.Params.Int("alarm_status"),
		setPoint:    cfg.Params.Float("initial_set_point"),
	}, nil
}

func (c *Controller) Open(ctx context.Context) error {
	return ctx.Err()
}

func (c *Controller) Close() error {
	return nil
}

func (c *Controller) Dispatch(cmd device.Command) error {
	switch cmd.Name {
	case "request":
		c.emitter.Emit("response.properties", c.properties())
		return nil
	case "change_set_point":
		t, err := cmd.Float("temperature")
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.setPoint = t
		c.mu.Unlock()
		c.logger.Infof("Set point changed to %v", t)
		return nil
	}
	return fmt.Errorf("unsupported command %q", cmd.Name)
}

func (c *Controller) properties() Properties {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Properties{
		Temperature: c.temperature.next(),
		Power:       int(math.Round(c.power.next())),
		AlarmStatus: c.alarmStatus,
		SetPoint:    c.setPoint,
	}
}

func (c *Controller) Describe() []device.StateProperty {
	c.mu.Lock()
	defer c.mu.Unlock()

	return []device.StateProperty{
		{Name: "set_point", Value: c.setPoint},
		{Name: "alarm_status", Value: c.alarmStatus},
	}
}
