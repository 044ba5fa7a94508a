package server

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const discoveryRequest = "finessediscovery1"

// DiscoveryResponder answers UDP discovery requests with the HTTP port.
type DiscoveryResponder struct {
	addr     string
	port     int
	response string
	logger   log.FieldLogger
}

// NewDiscoveryResponder creates a responder listening on addr:port that
// advertises httpPort.
func NewDiscoveryResponder(addr string, port, httpPort int, logger log.FieldLogger) *DiscoveryResponder {
	return &DiscoveryResponder{
		addr:     addr,
		port:     port,
		response: fmt.Sprintf(`{"FinessePort": %d}`, httpPort),
		logger:   logger,
	}
}

func (d *DiscoveryResponder) Run(ctx context.Context) error {
	buf := make([]byte, 1024)

	deviceAddress, err := net.ResolveUDPAddr("udp", net.JoinHostPort(d.addr, strconv.Itoa(d.port)))
	if err != nil {
		return fmt.Errorf("cannot resolve device address: %v", err)
	}

	rSock, err := net.ListenUDP("udp", deviceAddress)
	if err != nil {
		return fmt.Errorf("cannot bind receive socket: %v", err)
	}
	defer rSock.Close()

	// Replies go out from an ephemeral port.
	localAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(d.addr, "0"))
	if err != nil {
		return err
	}

	tSock, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		return fmt.Errorf("cannot bind send socket: %v", err)
	}
	defer tSock.Close()

	d.logger.Debugf("Discovery responder started on %s", deviceAddress.String())
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
			// Wake up periodically to check for cancellation.
			rSock.SetReadDeadline(time.Now().Add(1 * time.Second))

			n, addr, err := rSock.ReadFromUDP(buf)
			if err != nil {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					continue
				}
				d.logger.Debugf("Error reading from socket: %v", err)
				continue
			}

			data := string(buf[:n])
			d.logger.Debugf("Received %s from %s", data, addr.String())

			if strings.Contains(data, discoveryRequest) {
				if _, err := tSock.WriteToUDP([]byte(d.response), addr); err != nil {
					d.logger.Errorf("Error writing to socket: %v", err)
				}
			}
		}
	}
}
