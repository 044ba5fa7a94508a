// Package devicetest provides helpers for testing drivers.
package devicetest

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"finesse/pkg/device"
)

type Event struct {
	Name    string
	Payload any
}

// Recorder is an Emitter that keeps everything it is given.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	errs   []error
	notify chan struct{}
}

func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{}, 64)}
}

func (r *Recorder) Emit(event string, payload any) {
	r.mu.Lock()
	r.events = append(r.events, Event{Name: event, Payload: payload})
	r.mu.Unlock()
	r.signal()
}

func (r *Recorder) Fail(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
	r.signal()
}

func (r *Recorder) signal() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Names returns the names of the events emitted so far.
func (r *Recorder) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(r.events))
	for i, e := range r.events {
		names[i] = e.Name
	}
	return names
}

func (r *Recorder) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

// Config returns a driver config that reports to r.
func (r *Recorder) Config(ref device.InstanceRef, params device.Params) device.Config {
	return device.Config{
		Instance: ref,
		Params:   params,
		Emitter:  r,
		Logger:   log.WithField("device", ref.String()),
	}
}

// Property returns the named property from props.
func Property(props []device.StateProperty, name string) (any, bool) {
	for _, p := range props {
		if p.Name == name {
			return p.Value, true
		}
	}
	return nil, false
}
