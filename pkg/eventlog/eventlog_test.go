package eventlog

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finesse/pkg/bus"
	"finesse/pkg/device"
)

func TestRecordAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.cbor")
	rec, err := Open(path, log.WithField("component", "eventlog"))
	require.NoError(t, err)

	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	rec.now = func() time.Time {
		tick++
		return start.Add(time.Duration(tick) * time.Millisecond)
	}

	b := bus.New(log.WithField("component", "bus"))
	rec.Attach(b)

	ref := device.InstanceRef{BaseType: "temperature_controller", Name: "hot_bb"}
	b.Publish(bus.DeviceOpened(ref), nil)
	b.Publish(bus.DeviceError(ref), device.NewErrorEvent(ref, errors.New("no response")))
	b.Publish(bus.DeviceEvent(ref, "response.properties"), map[string]any{"set_point": 70.5})
	b.Publish(bus.T("debug"), errors.New("plain error"))
	b.Publish(bus.T("debug"), make(chan int))

	require.NoError(t, rec.Close())
	require.NoError(t, rec.Close())

	// Nothing is recorded after Close.
	b.Publish(bus.DeviceClosed(ref), nil)

	events, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, events, 5)

	assert.Equal(t, "device.opened.temperature_controller.hot_bb", events[0].Topic)
	assert.True(t, events[0].Timestamp.Equal(start.Add(time.Millisecond)))
	assert.Nil(t, events[0].Payload)

	errPayload, ok := events[1].Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "no response", errPayload["message"])
	assert.Equal(t, map[string]any{"base_type": "temperature_controller", "name": "hot_bb"}, errPayload["instance"])

	assert.Equal(t, map[string]any{"set_point": 70.5}, events[2].Payload)
	assert.Equal(t, "plain error", events[3].Payload)
	assert.IsType(t, "", events[4].Payload)
}

func TestReadAllAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.cbor")

	for i := 0; i < 2; i++ {
		rec, err := Open(path, log.WithField("component", "eventlog"))
		require.NoError(t, err)
		rec.Record(bus.Message{Topic: bus.MeasureScriptBegin()})
		require.NoError(t, rec.Close())
	}

	events, err := ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}
