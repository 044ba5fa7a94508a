// Package drivers registers the built-in base types and device drivers.
package drivers

import (
	"fmt"

	"finesse/pkg/device"
	"finesse/pkg/drivers/dummyspectrometer"
	"finesse/pkg/drivers/dummystepper"
	"finesse/pkg/drivers/dummytemperature"
	"finesse/pkg/drivers/hosttime"
	"finesse/pkg/drivers/mqttstepper"
	"finesse/pkg/registry"
	"finesse/pkg/store"
)

// Descriptors returns every built-in device type. MQTT devices take their
// broker defaults from mqttConfig.
func Descriptors(mqttConfig store.MQTTConfig) []device.Descriptor {
	return []device.Descriptor{
		dummystepper.Descriptor(),
		mqttstepper.Descriptor(mqttConfig),
		dummyspectrometer.Descriptor(),
		dummytemperature.ControllerDescriptor(),
		dummytemperature.MonitorDescriptor(),
		dummytemperature.SensorsDescriptor(),
		hosttime.Descriptor(),
	}
}

// Register adds the built-in base types and device types to reg and freezes
// it.
func Register(reg *registry.Registry, mqttConfig store.MQTTConfig) error {
	for _, bt := range device.BaseTypes() {
		if err := reg.RegisterBaseType(bt); err != nil {
			return fmt.Errorf("failed to register base type %s: %w", bt.Name, err)
		}
	}
	for _, d := range Descriptors(mqttConfig) {
		if err := reg.Register(d); err != nil {
			return fmt.Errorf("failed to register %s: %w", d.ClassID, err)
		}
	}
	reg.Freeze()
	return nil
}
