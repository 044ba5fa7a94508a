package bus

import "finesse/pkg/device"

// Topic constructors. Components build topics through these rather than
// from literal strings.

func Device() Topic { return T("device") }

func DeviceListRequest() Topic  { return T("device", "list", "request") }
func DeviceListResponse() Topic { return T("device", "list", "response") }

func DeviceOpen() Topic  { return T("device", "open") }
func DeviceClose() Topic { return T("device", "close") }

func DeviceOpening(ref device.InstanceRef) Topic {
	return T("device", "opening").Append(ref.Tokens()...)
}

func DeviceOpened(ref device.InstanceRef) Topic {
	return T("device", "opened").Append(ref.Tokens()...)
}

func DeviceError(ref device.InstanceRef) Topic {
	return T("device", "error").Append(ref.Tokens()...)
}

func DeviceClosed(ref device.InstanceRef) Topic {
	return T("device", "closed").Append(ref.Tokens()...)
}

// DeviceRejected carries configuration errors for opens requested over
// the bus, which have no caller to return an error to.
func DeviceRejected(ref device.InstanceRef) Topic {
	return T("device", "rejected").Append(ref.Tokens()...)
}

// DeviceErrors matches device.error for every instance.
func DeviceErrors() Topic { return T("device", "error") }

// DeviceTopic is the root of an instance's command and telemetry topics,
// e.g. device.temperature_controller.hot_bb.
func DeviceTopic(ref device.InstanceRef) Topic {
	return T("device").Append(ref.Tokens()...)
}

// DeviceCommand addresses a command, e.g. device.stepper_motor.move.begin.
func DeviceCommand(ref device.InstanceRef, command string) Topic {
	return DeviceTopic(ref).Append(ParseTopic(command)...)
}

// DeviceEvent addresses telemetry, e.g. device.stepper_motor.move.end.
func DeviceEvent(ref device.InstanceRef, event string) Topic {
	return DeviceTopic(ref).Append(ParseTopic(event)...)
}

func MeasureScript() Topic         { return T("measure_script") }
func MeasureScriptBegin() Topic    { return T("measure_script", "begin") }
func MeasureScriptEnd() Topic      { return T("measure_script", "end") }
func MeasureScriptProgress() Topic { return T("measure_script", "progress") }
func MeasureScriptAborted() Topic  { return T("measure_script", "aborted") }
