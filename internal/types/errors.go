package types

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Failure classes shared by every layer. Concrete errors wrap one of these
// so callers can branch with errors.Is.
var (
	ErrConfiguration   = errors.New("configuration error")
	ErrTransport       = errors.New("transport error")
	ErrBadInput        = errors.New("bad input")
	ErrDataUnavailable = errors.New("data unavailable")
)

// DeviceError carries the context an operator needs to diagnose a failure
// that ended a device session.
type DeviceError struct {
	DeviceID     uuid.UUID
	DeviceName   string
	FunctionCode uint8
	Address      uint16
	Err          error
}

func (e *DeviceError) Error() string {
	if e.FunctionCode == 0 {
		return fmt.Sprintf("device %s (%s): %v", e.DeviceName, e.DeviceID, e.Err)
	}
	return fmt.Sprintf("device %s (%s) fc=%d addr=%d: %v",
		e.DeviceName, e.DeviceID, e.FunctionCode, e.Address, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewErrorResponse builds a consistent API error payload.
// details can be string, map, struct, etc.
func NewErrorResponse(code, message string, details any) ErrorResponse {
	return ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}
