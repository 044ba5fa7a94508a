// Package eventlog records bus traffic to a file in CBOR so a session can
// be inspected afterwards.
package eventlog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	log "github.com/sirupsen/logrus"

	"finesse/pkg/bus"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create event log encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:      cbor.DupMapKeyQuiet,
		IndefLength:    cbor.IndefLengthAllowed,
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create event log decoder mode: %v", err))
	}
}

// Event is one recorded bus message.
type Event struct {
	Timestamp time.Time `cbor:"1,keyasint"`
	Topic     string    `cbor:"2,keyasint"`
	Payload   any       `cbor:"3,keyasint,omitempty"`
}

// Recorder appends every bus message to a file. It is safe for concurrent
// use.
type Recorder struct {
	logger log.FieldLogger
	now    func() time.Time

	mu      sync.Mutex
	w       io.WriteCloser
	encoder *cbor.Encoder
	closed  bool
	sub     *bus.Subscription
}

// Open creates a Recorder appending to the file at path.
func Open(path string, logger log.FieldLogger) (*Recorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %v", err)
	}
	return NewRecorder(f, logger), nil
}

func NewRecorder(w io.WriteCloser, logger log.FieldLogger) *Recorder {
	return &Recorder{
		logger:  logger,
		now:     time.Now,
		w:       w,
		encoder: encMode.NewEncoder(w),
	}
}

// Attach subscribes the recorder to every topic on b.
func (r *Recorder) Attach(b *bus.Bus) {
	sub := b.Subscribe(bus.T(), r.Record)
	r.mu.Lock()
	r.sub = sub
	r.mu.Unlock()
}

// Record writes msg. Write failures are logged and otherwise ignored.
func (r *Recorder) Record(msg bus.Message) {
	ev := Event{Topic: msg.Topic.String(), Payload: encodable(msg.Payload)}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	ev.Timestamp = r.now()
	if err := r.encoder.Encode(ev); err != nil {
		r.logger.Warnf("Failed to record %s: %v", ev.Topic, err)
	}
}

// encodable returns payload in a form that can be encoded: errors become
// their message and anything CBOR cannot represent becomes its %v form.
func encodable(payload any) any {
	if err, ok := payload.(error); ok {
		return err.Error()
	}
	if _, err := encMode.Marshal(payload); err != nil {
		return fmt.Sprintf("%v", payload)
	}
	return payload
}

// Close detaches the recorder and closes the file. It is safe to call more
// than once.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	if r.sub != nil {
		r.sub.Unsubscribe()
	}
	return r.w.Close()
}

// ReadAll decodes every event from rd.
func ReadAll(rd io.Reader) ([]Event, error) {
	dec := decMode.NewDecoder(rd)

	var events []Event
	for {
		var ev Event
		if err := dec.Decode(&ev); err != nil {
			if errors.Is(err, io.EOF) {
				return events, nil
			}
			return events, err
		}
		events = append(events, ev)
	}
}

// ReadFile decodes every event in the file at path.
func ReadFile(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadAll(f)
}
