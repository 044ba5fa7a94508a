package device

import (
	"context"

	log "github.com/sirupsen/logrus"
)

// ConnectionState is the lifecycle state of a device instance.
type ConnectionState int

const (
	StateClosed ConnectionState = iota
	StateOpening
	StateOpened
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateOpened:
		return "opened"
	case StateError:
		return "error"
	}
	return "unknown"
}

func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Driver is implemented by every hardware family. Open performs the
// connection handshake and may block; ctx is cancelled if the device is
// closed while opening. Dispatch must not block on device I/O: completion
// is reported later through the Emitter.
type Driver interface {
	Open(ctx context.Context) error
	Close() error
	Dispatch(cmd Command) error
	Describe() []StateProperty
}

// Emitter is how a driver reports telemetry and failures. It is safe to call
// from any goroutine, but not while holding a lock that the driver's Close
// also takes.
type Emitter interface {
	// Emit publishes event (e.g. "move.end") under the instance's topic.
	Emit(event string, payload any)

	// Fail reports a fatal runtime error. The instance moves to the error
	// state and the driver is closed.
	Fail(err error)
}

// Config is passed to a Factory when a device is opened.
type Config struct {
	Instance InstanceRef
	Params   Params
	Emitter  Emitter
	Logger   log.FieldLogger
}

type Factory func(cfg Config) (Driver, error)
