// Package mqttstepper drives an ST10 stepper motor controller through an
// MQTT bridge. Commands are published to <root>/commands and acknowledged
// on <root>/responses; position is reported on <root>/telemetry.
package mqttstepper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"

	"finesse/pkg/device"
	"finesse/pkg/drivers/stepper"
	"finesse/pkg/store"
)

const ClassID = "st10_mqtt"

var (
	ErrNotConnected = errors.New("not connected to the MQTT broker")
	ErrQueueFull    = errors.New("command queue is full")
)

// Descriptor returns the device descriptor. Broker settings default to the
// values in cfg.
func Descriptor(cfg store.MQTTConfig) device.Descriptor {
	root := cfg.TopicRoot
	if root == "" {
		root = store.DefaultMQTTConfig.TopicRoot
	}

	return device.Descriptor{
		ClassID:     ClassID,
		BaseType:    device.StepperMotor.Name,
		Description: "ST10 stepper motor (MQTT bridge)",
		Parameters: []device.ParameterSpec{
			{Name: "broker", Description: "MQTT broker URL", Kind: device.KindString, Default: cfg.Host},
			{Name: "username", Description: "MQTT username", Kind: device.KindString, Default: cfg.Username},
			{Name: "password", Description: "MQTT password", Kind: device.KindString, Default: cfg.Password},
			{Name: "topic_root", Description: "Root of the bridge's MQTT topics", Kind: device.KindString, Default: root},
			stepper.StepsPerRotation(50800),
			{
				Name:        "timeout",
				Description: "Time to wait for a response (seconds)",
				Kind:        device.KindFloat,
				Default:     5.0,
				Min:         device.Bound(0.1),
			},
		},
		New: New,
	}
}

type settings struct {
	broker           string
	username         string
	password         string
	topicRoot        string
	stepsPerRotation int
	timeout          time.Duration
}

// Status is the last known state of the motor.
type Status struct {
	Position int    // Position in steps
	Target   int    // Target of the last move in steps
	Moving   bool   // True if the motor is moving
	Version  string // Firmware version
}

type Driver struct {
	settings settings
	clientID string
	logger   log.FieldLogger
	emitter  device.Emitter

	// newClient creates the MQTT client when the device is opened.
	newClient func(opts *mqtt.ClientOptions) mqtt.Client

	client       mqtt.Client
	responseChan chan Response
	commands     chan string
	cancel       context.CancelFunc

	mu        sync.Mutex
	status    Status
	pending   bool // A move has been requested and move.end not yet sent
	sawMoving bool
}

func New(cfg device.Config) (device.Driver, error) {
	s := settings{
		broker:           cfg.Params.String("broker"),
		username:         cfg.Params.String("username"),
		password:         cfg.Params.String("password"),
		topicRoot:        cfg.Params.String("topic_root"),
		stepsPerRotation: cfg.Params.Int("steps_per_rotation"),
		timeout:          time.Duration(cfg.Params.Float("timeout") * float64(time.Second)),
	}
	if s.broker == "" {
		return nil, fmt.Errorf("no MQTT broker configured")
	}
	if s.stepsPerRotation < 1 {
		return nil, fmt.Errorf("steps_per_rotation must be at least 1")
	}

	return &Driver{
		settings:     s,
		clientID:     "finesse-" + cfg.Instance.String(),
		logger:       cfg.Logger,
		emitter:      cfg.Emitter,
		newClient:    mqtt.NewClient,
		responseChan: make(chan Response, 1),
		commands:     make(chan string, 8),
	}, nil
}

// Open connects to the broker, subscribes to the bridge's topics and reads
// the controller's status and firmware version.
func (d *Driver) Open(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.SetClientID(d.clientID)
	opts.AddBroker(d.settings.broker)
	opts.SetUsername(d.settings.username)
	opts.SetPassword(d.settings.password)
	opts.SetConnectTimeout(d.settings.timeout)

	client := d.newClient(opts)
	if token := client.Connect(); !waitToken(ctx, token, d.settings.timeout) {
		// The attempt carries on in the background unless told to stop.
		client.Disconnect(0)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("timeout connecting to MQTT broker %s", d.settings.broker)
	} else if token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %v", token.Error())
	}
	d.client = client

	if err := d.handshake(ctx); err != nil {
		client.Disconnect(100)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()
	go d.run(runCtx)

	d.logger.Infof("Connected to MQTT broker %s", d.settings.broker)
	return nil
}

func (d *Driver) handshake(ctx context.Context) error {
	root := d.settings.topicRoot
	subs := []struct {
		topic   string
		handler mqtt.MessageHandler
	}{
		{root + "/telemetry", d.telemetryHandler},
		{root + "/responses", d.responseHandler},
	}
	for _, s := range subs {
		if token := d.client.Subscribe(s.topic, 0, s.handler); !waitToken(ctx, token, d.settings.timeout) {
			return fmt.Errorf("timeout subscribing to %s", s.topic)
		} else if token.Error() != nil {
			return fmt.Errorf("failed to subscribe to %s: %v", s.topic, token.Error())
		}
	}

	if err := d.sendCommand(ctx, string(cmdStatus)); err != nil {
		return fmt.Errorf("failed to send status command: %w", err)
	}
	if err := d.sendCommand(ctx, string(cmdVersion)); err != nil {
		return fmt.Errorf("failed to send version command: %w", err)
	}
	return nil
}

// run sends queued commands one at a time. A command that fails is fatal.
func (d *Driver) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-d.commands:
			if err := d.sendCommand(ctx, cmd); err != nil {
				if ctx.Err() != nil {
					return
				}
				d.emitter.Fail(err)
				return
			}
		}
	}
}

func (d *Driver) Close() error {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.pending = false
	d.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	root := d.settings.topicRoot
	d.client.Unsubscribe(root+"/telemetry", root+"/responses")
	d.client.Disconnect(100)
	d.logger.Info("Disconnected from MQTT broker")
	return nil
}

func (d *Driver) Dispatch(cmd device.Command) error {
	switch cmd.Name {
	case "move.begin":
		target, err := stepper.Target(cmd)
		if err != nil {
			return err
		}
		step := stepper.ToStep(target, d.settings.stepsPerRotation)

		d.mu.Lock()
		d.status.Target = step
		d.pending = true
		d.sawMoving = false
		d.mu.Unlock()

		return d.enqueue(fmt.Sprintf("%c=%d", cmdGoto, step))

	case "stop":
		return d.enqueue(string(cmdAbort))
	}
	return fmt.Errorf("unsupported command %q", cmd.Name)
}

func (d *Driver) enqueue(cmd string) error {
	select {
	case d.commands <- cmd:
		return nil
	default:
		return ErrQueueFull
	}
}

func (d *Driver) Describe() []device.StateProperty {
	d.mu.Lock()
	defer d.mu.Unlock()

	return []device.StateProperty{
		{Name: "broker", Value: d.settings.broker},
		{Name: "step", Value: d.status.Position},
		{Name: "angle", Value: stepper.ToAngle(d.status.Position, d.settings.stepsPerRotation)},
		{Name: "moving", Value: d.status.Moving},
		{Name: "firmware_version", Value: d.status.Version},
	}
}
