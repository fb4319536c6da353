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

// Package modbus polls register ranges of Modbus controllers over TCP or
// serial links and exposes them as cached, typed register images.
package modbus

import (
	"fmt"
	"strings"
	"time"
)

// UnitID represents the Modbus unit identifier (slave address).
type UnitID uint8

// FunctionCode represents a Modbus function code as sent on the wire.
type FunctionCode uint8

// Function codes used by the register operations.
const (
	FuncReadCoils                  FunctionCode = 0x01
	FuncReadDiscreteInputs         FunctionCode = 0x02
	FuncReadHoldingRegisters       FunctionCode = 0x03
	FuncReadInputRegisters         FunctionCode = 0x04
	FuncWriteSingleCoil            FunctionCode = 0x05
	FuncWriteSingleRegister        FunctionCode = 0x06
	FuncWriteMultipleCoils         FunctionCode = 0x0F
	FuncWriteMultipleRegisters     FunctionCode = 0x10
	FuncReadWriteMultipleRegisters FunctionCode = 0x17
)

// Protocol limits.
const (
	MaxReadRegisters  = 125
	MaxWriteRegisters = 123
	MaxReadCoils      = MaxReadRegisters * 16
	MaxWriteCoils     = MaxWriteRegisters * 16

	// MaxFrameSize bounds every request and reply buffer of a link session.
	MaxFrameSize = 600

	MBAPHeaderSize = 7
	ProtocolID     = 0

	DefaultTimeout = 2 * time.Second
)

// Coil values for FC05.
const (
	CoilOn  uint16 = 0xFF00
	CoilOff uint16 = 0x0000
)

// AbsoluteAddress as a device start address selects absolute addressing:
// the device has no poller and every read is a live transaction at the
// address supplied by the caller.
const AbsoluteAddress = -1

// Operation is the closed set of register operations a device can be
// configured with. The two combined variants use FC23 to move data in one
// direction only.
type Operation uint8

const (
	OpReadCoils Operation = iota + 1
	OpReadDiscreteInputs
	OpReadHoldingRegisters
	OpReadInputRegisters
	OpReadInputRegistersCombined
	OpWriteSingleCoil
	OpWriteSingleRegister
	OpWriteMultipleCoils
	OpWriteMultipleRegisters
	OpWriteMultipleRegistersCombined
)

var operationNames = map[Operation]string{
	OpReadCoils:                      "ReadCoils",
	OpReadDiscreteInputs:             "ReadDiscreteInputs",
	OpReadHoldingRegisters:           "ReadHoldingRegisters",
	OpReadInputRegisters:             "ReadInputRegisters",
	OpReadInputRegistersCombined:     "ReadInputRegistersCombined",
	OpWriteSingleCoil:                "WriteSingleCoil",
	OpWriteSingleRegister:            "WriteSingleRegister",
	OpWriteMultipleCoils:             "WriteMultipleCoils",
	OpWriteMultipleRegisters:         "WriteMultipleRegisters",
	OpWriteMultipleRegistersCombined: "WriteMultipleRegistersCombined",
}

// String returns the operation name.
func (op Operation) String() string {
	if name, ok := operationNames[op]; ok {
		return name
	}
	return fmt.Sprintf("Operation(%d)", uint8(op))
}

// Valid reports whether op is one of the defined operations.
func (op Operation) Valid() bool {
	_, ok := operationNames[op]
	return ok
}

// FunctionCode returns the wire function code of the operation.
func (op Operation) FunctionCode() FunctionCode {
	switch op {
	case OpReadCoils:
		return FuncReadCoils
	case OpReadDiscreteInputs:
		return FuncReadDiscreteInputs
	case OpReadHoldingRegisters:
		return FuncReadHoldingRegisters
	case OpReadInputRegisters:
		return FuncReadInputRegisters
	case OpWriteSingleCoil:
		return FuncWriteSingleCoil
	case OpWriteSingleRegister:
		return FuncWriteSingleRegister
	case OpWriteMultipleCoils:
		return FuncWriteMultipleCoils
	case OpWriteMultipleRegisters:
		return FuncWriteMultipleRegisters
	case OpReadInputRegistersCombined, OpWriteMultipleRegistersCombined:
		return FuncReadWriteMultipleRegisters
	}
	return 0
}

// IsRead reports whether the operation transfers data from the device.
func (op Operation) IsRead() bool {
	switch op {
	case OpReadCoils, OpReadDiscreteInputs, OpReadHoldingRegisters,
		OpReadInputRegisters, OpReadInputRegistersCombined:
		return true
	}
	return false
}

// IsWrite reports whether the operation transfers data to the device.
func (op Operation) IsWrite() bool {
	return op.Valid() && !op.IsRead()
}

// IsBit reports whether the operation addresses coils or discrete inputs.
func (op Operation) IsBit() bool {
	switch op {
	case OpReadCoils, OpReadDiscreteInputs, OpWriteSingleCoil, OpWriteMultipleCoils:
		return true
	}
	return false
}

// MaxLength returns the largest length, in words or bits, a device using
// this operation may be configured with.
func (op Operation) MaxLength() int {
	switch op {
	case OpReadCoils, OpReadDiscreteInputs:
		return MaxReadCoils
	case OpWriteSingleCoil, OpWriteMultipleCoils:
		return MaxWriteCoils
	case OpReadHoldingRegisters, OpReadInputRegisters, OpReadInputRegistersCombined:
		return MaxReadRegisters
	case OpWriteSingleRegister, OpWriteMultipleRegisters, OpWriteMultipleRegistersCombined:
		return MaxWriteRegisters
	}
	return 0
}

// readOnce returns the operation used to seed the cache of a write device
// before its first write, or 0 when the operation has no readback.
func (op Operation) readOnce() Operation {
	switch op {
	case OpWriteSingleCoil, OpWriteMultipleCoils:
		return OpReadCoils
	case OpWriteSingleRegister, OpWriteMultipleRegisters:
		return OpReadHoldingRegisters
	case OpWriteMultipleRegistersCombined:
		return OpReadInputRegistersCombined
	}
	return 0
}

// ParseOperation accepts an operation name, in CamelCase or snake_case, or
// its numeric code. Numeric codes follow the function code numbering, with
// 123 and 223 selecting the FC23 read-only and write-only variants.
func ParseOperation(s string) (Operation, error) {
	s = strings.TrimSpace(s)
	norm := strings.NewReplacer("_", "", "-", "").Replace(s)
	for op, name := range operationNames {
		if strings.EqualFold(name, norm) {
			return op, nil
		}
	}
	switch s {
	case "1":
		return OpReadCoils, nil
	case "2":
		return OpReadDiscreteInputs, nil
	case "3":
		return OpReadHoldingRegisters, nil
	case "4":
		return OpReadInputRegisters, nil
	case "5":
		return OpWriteSingleCoil, nil
	case "6":
		return OpWriteSingleRegister, nil
	case "15":
		return OpWriteMultipleCoils, nil
	case "16":
		return OpWriteMultipleRegisters, nil
	case "123":
		return OpReadInputRegistersCombined, nil
	case "223":
		return OpWriteMultipleRegistersCombined, nil
	}
	return 0, fmt.Errorf("%w: unsupported operation %q", ErrConfiguration, s)
}

// LinkType selects the transport envelope used on a connection.
type LinkType uint8

const (
	// LinkTCP is the MBAP length-prefixed envelope.
	LinkTCP LinkType = iota
	// LinkRTU is slave id + PDU + CRC16.
	LinkRTU
	// LinkASCII is ':' + hex(slave id + PDU + LRC).
	LinkASCII
)

// String returns the link type name.
func (l LinkType) String() string {
	switch l {
	case LinkTCP:
		return "tcp"
	case LinkRTU:
		return "rtu"
	case LinkASCII:
		return "ascii"
	default:
		return fmt.Sprintf("LinkType(%d)", uint8(l))
	}
}

// ParseLinkType parses "tcp", "rtu" or "ascii".
func ParseLinkType(s string) (LinkType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tcp", "mbap", "":
		return LinkTCP, nil
	case "rtu":
		return LinkRTU, nil
	case "ascii":
		return LinkASCII, nil
	}
	return 0, fmt.Errorf("%w: unknown link type %q", ErrConfiguration, s)
}

// ConnectionState represents the state of a link connection.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnected
)

// String returns the string representation of the connection state.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}
