package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"finesse/pkg/bus"
)

const (
	eventBuffer  = 256
	writeTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// busEvent is how a bus message is sent to websocket clients.
type busEvent struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// encodeEvent renders msg as JSON. Errors become their message and
// payloads that cannot be encoded become their %v form.
func encodeEvent(msg bus.Message) []byte {
	payload := msg.Payload
	if err, ok := payload.(error); ok {
		payload = err.Error()
	}

	data, err := json.Marshal(busEvent{Topic: msg.Topic.String(), Payload: payload})
	if err != nil {
		data, _ = json.Marshal(busEvent{Topic: msg.Topic.String(), Payload: fmt.Sprintf("%v", payload)})
	}
	return data
}

// handleEvents streams every bus message to a websocket client. A slow
// client loses messages rather than holding up the bus.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	events := make(chan []byte, eventBuffer)
	sub := s.Bus.Subscribe(bus.T(), func(msg bus.Message) {
		select {
		case events <- encodeEvent(msg):
		default:
			s.Logger.Warnf("Event stream client too slow, dropped %s", msg.Topic)
		}
	})
	defer sub.Unsubscribe()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Logger.Debugf("Websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	// Drain client messages so close frames are seen.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case data := <-events:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.Logger.Debugf("Event stream write failed: %v", err)
				return
			}
		}
	}
}
