// Package hosttime is a time source backed by the host clock.
package hosttime

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"finesse/pkg/device"
)

const ClassID = "host_time"

// Response is the payload of response. Offset is the difference between the
// source and the host clock in seconds, so it is always zero here.
type Response struct {
	Time   time.Time `json:"time"`
	Offset float64   `json:"offset"`
}

func Descriptor() device.Descriptor {
	return device.Descriptor{
		ClassID:     ClassID,
		BaseType:    device.Time.Name,
		Description: "Host time",
		New:         New,
	}
}

type Source struct {
	logger  log.FieldLogger
	emitter device.Emitter
	now     func() time.Time
}

func New(cfg device.Config) (device.Driver, error) {
	return &Source{logger: cfg.Logger, emitter: cfg.Emitter, now: time.Now}, nil
}

func (s *Source) Open(ctx context.Context) error {
	return ctx.Err()
}

func (s *Source) Close() error {
	return nil
}

func (s *Source) Dispatch(cmd device.Command) error {
	if cmd.Name != "request" {
		return fmt.Errorf("unsupported command %q", cmd.Name)
	}
	s.emitter.Emit("response", Response{Time: s.now()})
	return nil
}

func (s *Source) Describe() []device.StateProperty {
	return []device.StateProperty{{Name: "offset", Value: 0.0}}
}
