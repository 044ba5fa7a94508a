package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"

	"finesse/pkg/device"
	"finesse/pkg/hwset"
	"finesse/pkg/script"
	"finesse/pkg/sequencer"
)

// Global transaction counter
var txCounter atomic.Int32

// Error numbers reported in responses.
const (
	ErrNumberInvalidRequest = 400
	ErrNumberNotFound       = 404
	ErrNumberInvalidState   = 409
	ErrNumberInternal       = 500
)

type baseResponse struct {
	ServerTransactionID int    `json:"ServerTransactionID"`
	ErrorNumber         int    `json:"ErrorNumber"`
	ErrorMessage        string `json:"ErrorMessage"`
	Value               any    `json:"Value,omitempty"`
}

func handleResponse(w http.ResponseWriter, value any) {
	response := baseResponse{
		ServerTransactionID: int(txCounter.Add(1)),
		Value:               value,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func handleError(w http.ResponseWriter, code int, message string) {
	response := baseResponse{
		ServerTransactionID: int(txCounter.Add(1)),
		ErrorNumber:         code,
		ErrorMessage:        message,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// errorNumber classifies err for the response envelope.
func errorNumber(err error) int {
	switch {
	case errors.Is(err, device.ErrUnknownDeviceType),
		errors.Is(err, device.ErrUnknownBaseType),
		errors.Is(err, device.ErrUnknownParameter),
		errors.Is(err, device.ErrMissingParameter),
		errors.Is(err, device.ErrInvalidParameterValue),
		errors.Is(err, device.ErrInvalidInstanceName),
		errors.Is(err, device.ErrUnknownCommand),
		errors.Is(err, hwset.ErrSchemaVersionMismatch),
		errors.Is(err, hwset.ErrNoName),
		errors.Is(err, script.ErrEmptySequence),
		errors.Is(err, script.ErrInvalidAngle),
		errors.Is(err, script.ErrInvalidCount):
		return ErrNumberInvalidRequest

	case errors.Is(err, device.ErrAlreadyOpenOrOpening),
		errors.Is(err, device.ErrDeviceNotOpen),
		errors.Is(err, sequencer.ErrAlreadyRunning),
		errors.Is(err, sequencer.ErrNotRunning),
		errors.Is(err, sequencer.ErrNotPaused):
		return ErrNumberInvalidState
	}
	return ErrNumberInternal
}

func handleErr(w http.ResponseWriter, err error) {
	handleError(w, errorNumber(err), err.Error())
}
