// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package modbus

import (
	"errors"
	"fmt"
)

// ExceptionCode represents a Modbus exception code.
type ExceptionCode uint8

// Modbus exception codes.
const (
	ExceptionIllegalFunction                    ExceptionCode = 0x01
	ExceptionIllegalDataAddress                 ExceptionCode = 0x02
	ExceptionIllegalDataValue                   ExceptionCode = 0x03
	ExceptionServerDeviceFailure                ExceptionCode = 0x04
	ExceptionAcknowledge                        ExceptionCode = 0x05
	ExceptionServerDeviceBusy                   ExceptionCode = 0x06
	ExceptionMemoryParityError                  ExceptionCode = 0x08
	ExceptionGatewayPathUnavailable             ExceptionCode = 0x0A
	ExceptionGatewayTargetDeviceFailedToRespond ExceptionCode = 0x0B
)

// String returns the string representation of the exception code.
func (e ExceptionCode) String() string {
	switch e {
	case ExceptionIllegalFunction:
		return "illegal function"
	case ExceptionIllegalDataAddress:
		return "illegal data address"
	case ExceptionIllegalDataValue:
		return "illegal data value"
	case ExceptionServerDeviceFailure:
		return "server device failure"
	case ExceptionAcknowledge:
		return "acknowledge"
	case ExceptionServerDeviceBusy:
		return "server device busy"
	case ExceptionMemoryParityError:
		return "memory parity error"
	case ExceptionGatewayPathUnavailable:
		return "gateway path unavailable"
	case ExceptionGatewayTargetDeviceFailedToRespond:
		return "gateway target device failed to respond"
	default:
		return fmt.Sprintf("unknown exception (0x%02X)", uint8(e))
	}
}

// ModbusError is the exception reply of a device that rejected a request.
type ModbusError struct {
	FunctionCode  FunctionCode
	ExceptionCode ExceptionCode
}

// Error implements the error interface.
func (e *ModbusError) Error() string {
	return fmt.Sprintf("modbus: exception %s (FC=%02X)", e.ExceptionCode, e.FunctionCode)
}

// Is checks if the error matches the target.
func (e *ModbusError) Is(target error) bool {
	t, ok := target.(*ModbusError)
	if !ok {
		return false
	}
	return e.ExceptionCode == t.ExceptionCode
}

// Common errors.
var (
	// ErrTimeout indicates the transport did not answer within the link timeout.
	ErrTimeout = errors.New("modbus: timeout")

	// ErrTransport indicates a failure reported by the byte-stream transport.
	ErrTransport = errors.New("modbus: transport error")

	// ErrChecksum indicates a CRC or LRC mismatch on a received frame.
	ErrChecksum = errors.New("modbus: checksum mismatch")

	// ErrTransactionIDMismatch is returned by the MBAP decoder for a frame
	// answering an earlier request. The link discards such frames.
	ErrTransactionIDMismatch = errors.New("modbus: transaction id mismatch")

	// ErrInvalidFrame indicates a malformed link frame.
	ErrInvalidFrame = errors.New("modbus: invalid frame")

	// ErrUnexpectedReplyLength indicates the reply carried a different amount
	// of data than requested.
	ErrUnexpectedReplyLength = errors.New("modbus: unexpected reply length")

	// ErrConfiguration indicates an invalid device, request or data type setting.
	ErrConfiguration = errors.New("modbus: configuration error")

	// ErrReadbackNotAvailable indicates a read of a write device whose cache
	// was never seeded.
	ErrReadbackNotAvailable = errors.New("modbus: readback not available")

	// ErrConnectionClosed indicates the link or device was closed.
	ErrConnectionClosed = errors.New("modbus: connection closed")
)

// NewModbusError creates a new Modbus exception error.
func NewModbusError(fc FunctionCode, ec ExceptionCode) *ModbusError {
	return &ModbusError{
		FunctionCode:  fc,
		ExceptionCode: ec,
	}
}

// IsException checks if an error is a specific Modbus exception.
func IsException(err error, code ExceptionCode) bool {
	var modbusErr *ModbusError
	if errors.As(err, &modbusErr) {
		return modbusErr.ExceptionCode == code
	}
	return false
}

// IsIllegalDataAddress checks if the error is an illegal data address exception.
func IsIllegalDataAddress(err error) bool {
	return IsException(err, ExceptionIllegalDataAddress)
}

// Status is the outcome class of a transaction. Subscribers receive it with
// every value and the poller compares it between cycles.
type Status int

const (
	StatusOK Status = iota
	StatusTimeout
	StatusTransport
	StatusChecksum
	StatusException
	StatusReplyLength
	StatusConfiguration
	StatusReadback
	StatusError
)

var statusNames = [...]string{
	StatusOK:            "ok",
	StatusTimeout:       "timeout",
	StatusTransport:     "transport error",
	StatusChecksum:      "checksum error",
	StatusException:     "exception",
	StatusReplyLength:   "unexpected reply length",
	StatusConfiguration: "configuration error",
	StatusReadback:      "readback not available",
	StatusError:         "error",
}

func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// StatusOf classifies err. A nil error is StatusOK.
func StatusOf(err error) Status {
	var modbusErr *ModbusError
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrTimeout):
		return StatusTimeout
	case errors.Is(err, ErrChecksum):
		return StatusChecksum
	case errors.As(err, &modbusErr):
		return StatusException
	case errors.Is(err, ErrUnexpectedReplyLength), errors.Is(err, ErrInvalidFrame):
		return StatusReplyLength
	case errors.Is(err, ErrConfiguration):
		return StatusConfiguration
	case errors.Is(err, ErrReadbackNotAvailable):
		return StatusReadback
	case errors.Is(err, ErrTransport), errors.Is(err, ErrConnectionClosed):
		return StatusTransport
	}
	return StatusError
}
