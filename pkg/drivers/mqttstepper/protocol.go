package mqttstepper

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"finesse/pkg/drivers/stepper"
)

type cmdCode uint8

// Motor controller commands
const (
	cmdGoto    cmdCode = 'G' // Go to a specific step position
	cmdAbort   cmdCode = 'A' // Abort the current move
	cmdStatus  cmdCode = 'S' // Read the motor status
	cmdVersion cmdCode = 'V' // Read firmware version
)

// telemetryMsg is published periodically by the bridge under the
// "telemetry" topic.
type telemetryMsg struct {
	Position int `json:"pos"`
	Target   int `json:"target"`
	Moving   int `json:"moving"`
}

type Response struct {
	Code  cmdCode // The code of the command that was sent
	Value any     // The value of the response
	Error bool    // True if the controller rejected the command
}

// sendCommand publishes cmd and waits for the controller to acknowledge it.
func (d *Driver) sendCommand(ctx context.Context, cmd string) error {
	if !d.client.IsConnected() {
		return ErrNotConnected
	}

	msg := "_" + cmd + ";"
	d.logger.Debugf("Sending command: %s", msg)

	topic := d.settings.topicRoot + "/commands"
	if token := d.client.Publish(topic, 0, false, msg); !waitToken(ctx, token, d.settings.timeout) {
		return fmt.Errorf("timeout publishing command %s", msg)
	} else if token.Error() != nil {
		return fmt.Errorf("failed to publish command: %v", token.Error())
	}

	select {
	case resp := <-d.responseChan:
		if resp.Error {
			return fmt.Errorf("command failed: %c", resp.Code)
		}
		if resp.Code != cmdCode(cmd[0]) {
			return fmt.Errorf("unexpected response command: %c", resp.Code)
		}
		d.logger.Debugf("Response: %+v", resp)

	case <-ctx.Done():
		return ctx.Err()

	case <-time.After(d.settings.timeout):
		return fmt.Errorf("timeout waiting for response to %s", msg)
	}

	return nil
}

// waitToken waits for token to complete, reporting false if ctx is
// cancelled or timeout expires first.
func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) bool {
	select {
	case <-token.Done():
		return true
	case <-ctx.Done():
		return false
	case <-time.After(timeout):
		return false
	}
}

// telemetryHandler tracks the motor position and signals move.end when a
// pending move finishes.
func (d *Driver) telemetryHandler(_ mqtt.Client, msg mqtt.Message) {
	var telemetry telemetryMsg
	if err := json.Unmarshal(msg.Payload(), &telemetry); err != nil {
		d.logger.Errorf("Failed to unmarshal telemetry message: %v", err)
		return
	}

	d.logger.Debugf("Telemetry: %+v", telemetry)

	d.mu.Lock()
	d.status.Position = telemetry.Position
	d.status.Moving = telemetry.Moving == 1

	finished := false
	if d.pending {
		if d.status.Moving {
			d.sawMoving = true
		} else if d.sawMoving || telemetry.Position == d.status.Target {
			d.pending = false
			finished = true
		}
	}
	angle := stepper.ToAngle(telemetry.Position, d.settings.stepsPerRotation)
	d.mu.Unlock()

	if finished {
		d.logger.Infof("Move finished at %v°", angle)
		d.emitter.Emit("move.end", stepper.MoveEnd{Angle: angle})
	}
}

func (d *Driver) responseHandler(_ mqtt.Client, msg mqtt.Message) {
	resp, err := parseResponse(string(msg.Payload()))
	if err != nil {
		d.logger.Errorf("Failed to parse response: %v", err)
		return
	}

	switch resp.Code {
	case cmdGoto, cmdAbort, cmdStatus:
	case cmdVersion:
		if v, ok := resp.Value.(string); ok {
			d.mu.Lock()
			d.status.Version = strings.Trim(v, "()")
			d.mu.Unlock()
			d.logger.Infof("Motor controller firmware version: %s", v)
		}
	default:
		d.logger.Warnf("Unknown response command: %c", resp.Code)
	}

	select {
	case d.responseChan <- resp:
	case <-time.After(1 * time.Second):
		d.logger.Warn("Timeout while sending response to the channel")
	}
}

// Responses have the format:
// "_ACK_<command>;"
// "_ACK_<command>=<value>;"
// "_NACK_<command>;"
func parseResponse(msg string) (Response, error) {
	var resp Response

	fields := strings.Split(msg, "_")
	if len(fields) != 3 {
		return resp, fmt.Errorf("bad number of fields: %s", msg)
	}
	if !strings.HasSuffix(fields[2], ";") {
		return resp, fmt.Errorf("invalid response suffix: %s", msg)
	}

	if fields[1] == "NACK" {
		resp.Error = true
	} else if fields[1] != "ACK" {
		return resp, fmt.Errorf("invalid response format: %s", msg)
	}

	cmd := strings.TrimSuffix(fields[2], ";")

	parts := strings.Split(cmd, "=")
	if len(parts[0]) != 1 {
		return resp, fmt.Errorf("invalid command format: %s", msg)
	}
	resp.Code = cmdCode(parts[0][0])

	if len(parts) == 2 {
		resp.Value = parts[1]
	} else if len(parts) != 1 {
		return resp, fmt.Errorf("invalid response value: %s", msg)
	}

	return resp, nil
}
