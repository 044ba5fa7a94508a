package device

// Built-in device base types for the rig.
var (
	StepperMotor = BaseType{
		Name:        "stepper_motor",
		Description: "Stepper motor",
		Commands:    []string{"move.begin", "stop"},
		Events:      []string{"move.end"},
	}

	Spectrometer = BaseType{
		Name:        "spectrometer",
		Description: "Spectrometer",
		Commands:    []string{"connect", "start_measuring", "stop_measuring"},
		Events:      []string{"status", "measure.end"},
	}

	TemperatureController = BaseType{
		Name:        "temperature_controller",
		Description: "Temperature controller",
		InstanceNames: []InstanceName{
			{Short: "hot_bb", Long: "hot black body"},
			{Short: "cold_bb", Long: "cold black body"},
		},
		Commands: []string{"request", "change_set_point"},
		Events:   []string{"response.properties"},
	}

	TemperatureMonitor = BaseType{
		Name:        "temperature_monitor",
		Description: "Temperature monitor",
		Parameters: []ParameterSpec{
			{
				Name:        "poll_interval",
				Description: "How often to poll the device (seconds)",
				Kind:        KindFloat,
				Default:     2.0,
				Min:         Bound(0.1),
			},
		},
		Commands: []string{"request"},
		Events:   []string{"data.response"},
	}

	// Sensors with a zero poll_interval are read once on open and then
	// only on request.
	Sensors = BaseType{
		Name:        "sensors",
		Description: "Sensor devices",
		Parameters: []ParameterSpec{
			{
				Name:        "poll_interval",
				Description: "How often to poll the sensors (seconds, 0 to read once)",
				Kind:        KindFloat,
				Default:     2.0,
				Min:         Bound(0),
			},
		},
		Commands: []string{"request"},
		Events:   []string{"data"},
	}

	Time = BaseType{
		Name:        "time",
		Description: "Time source",
		Commands:    []string{"request"},
		Events:      []string{"response"},
	}
)

// BaseTypes returns every built-in base type.
func BaseTypes() []BaseType {
	return []BaseType{StepperMotor, Spectrometer, TemperatureController, TemperatureMonitor, Sensors, Time}
}

// Preset angles for the stepper motor, in degrees.
var AnglePresets = map[string]float64{
	"zenith":  180.0,
	"nadir":   0.0,
	"hot_bb":  270.0,
	"cold_bb": 225.0,
	"home":    0.0,
}

// PresetAngle returns the angle for a named preset.
func PresetAngle(name string) (float64, bool) {
	a, ok := AnglePresets[name]
	return a, ok
}
