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
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeRequest(t *testing.T) {
	tests := []struct {
		name     string
		req      Request
		expected []byte
	}{
		{
			name:     "read holding registers",
			req:      Request{Operation: OpReadHoldingRegisters, Address: 0x006B, Quantity: 3},
			expected: []byte{0x03, 0x00, 0x6B, 0x00, 0x03},
		},
		{
			name:     "read coils",
			req:      Request{Operation: OpReadCoils, Address: 0x0013, Quantity: 0x25},
			expected: []byte{0x01, 0x00, 0x13, 0x00, 0x25},
		},
		{
			name:     "read input registers",
			req:      Request{Operation: OpReadInputRegisters, Address: 8, Quantity: 1},
			expected: []byte{0x04, 0x00, 0x08, 0x00, 0x01},
		},
		{
			name:     "write single coil on",
			req:      Request{Operation: OpWriteSingleCoil, Address: 0x00AC, Values: []uint16{1}},
			expected: []byte{0x05, 0x00, 0xAC, 0xFF, 0x00},
		},
		{
			name:     "write single coil off",
			req:      Request{Operation: OpWriteSingleCoil, Address: 0x00AC, Values: []uint16{0}},
			expected: []byte{0x05, 0x00, 0xAC, 0x00, 0x00},
		},
		{
			name:     "write single register",
			req:      Request{Operation: OpWriteSingleRegister, Address: 1, Values: []uint16{0x0003}},
			expected: []byte{0x06, 0x00, 0x01, 0x00, 0x03},
		},
		{
			name: "write multiple coils",
			req: Request{Operation: OpWriteMultipleCoils, Address: 0x0013,
				Values: []uint16{1, 0, 1, 1, 0, 0, 1, 1, 1, 0}},
			expected: []byte{0x0F, 0x00, 0x13, 0x00, 0x0A, 0x02, 0xCD, 0x01},
		},
		{
			name:     "write multiple registers",
			req:      Request{Operation: OpWriteMultipleRegisters, Address: 1, Values: []uint16{0x000A, 0x0102}},
			expected: []byte{0x10, 0x00, 0x01, 0x00, 0x02, 0x04, 0x00, 0x0A, 0x01, 0x02},
		},
		{
			name:     "combined read declares one output word without data",
			req:      Request{Operation: OpReadInputRegistersCombined, Address: 0x0010, Quantity: 4},
			expected: []byte{0x17, 0x00, 0x10, 0x00, 0x04, 0x00, 0x10, 0x00, 0x01, 0x02},
		},
		{
			name:     "combined write reads back one word",
			req:      Request{Operation: OpWriteMultipleRegistersCombined, Address: 0x0020, Values: []uint16{0x1234, 0x5678}},
			expected: []byte{0x17, 0x00, 0x20, 0x00, 0x01, 0x00, 0x20, 0x00, 0x02, 0x04, 0x12, 0x34, 0x56, 0x78},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pdu, err := EncodeRequest(&tt.req)
			if err != nil {
				t.Fatalf("EncodeRequest failed: %v", err)
			}
			if !bytes.Equal(pdu, tt.expected) {
				t.Errorf("Expected % X, got % X", tt.expected, pdu)
			}
		})
	}
}

func TestEncodeRequestLimits(t *testing.T) {
	tests := []struct {
		name string
		req  Request
	}{
		{"zero quantity", Request{Operation: OpReadHoldingRegisters, Quantity: 0}},
		{"too many registers", Request{Operation: OpReadHoldingRegisters, Quantity: MaxReadRegisters + 1}},
		{"too many coils", Request{Operation: OpReadCoils, Quantity: MaxReadCoils + 1}},
		{"too many written registers", Request{Operation: OpWriteMultipleRegisters, Values: make([]uint16, MaxWriteRegisters+1)}},
		{"single register with two values", Request{Operation: OpWriteSingleRegister, Values: []uint16{1, 2}}},
		{"empty write", Request{Operation: OpWriteMultipleCoils}},
		{"address overflow", Request{Operation: OpReadHoldingRegisters, Address: 0xFFFF, Quantity: 2}},
		{"unknown operation", Request{Operation: Operation(0), Quantity: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := EncodeRequest(&tt.req)
			if !errors.Is(err, ErrConfiguration) {
				t.Errorf("Expected ErrConfiguration, got %v", err)
			}
		})
	}

	_, err := EncodeRequest(&Request{Operation: OpReadHoldingRegisters, Address: 0xFFFF, Quantity: 1})
	assert.NoError(t, err, "last register is addressable")
}

func TestDecodeReplyBitsExactQuantity(t *testing.T) {
	// Padding bits of the last byte are set and must be ignored.
	req := &Request{Operation: OpReadCoils, Address: 0x13, Quantity: 10}
	data, err := DecodeReply(req, []byte{0x01, 0x02, 0xCD, 0xFF})
	require.NoError(t, err)
	assert.Equal(t, []uint16{1, 0, 1, 1, 0, 0, 1, 1, 1, 1}, data)

	_, err = DecodeReply(req, []byte{0x01, 0x01, 0xCD})
	assert.ErrorIs(t, err, ErrUnexpectedReplyLength)
}

func TestDecodeReplyRegisters(t *testing.T) {
	req := &Request{Operation: OpReadHoldingRegisters, Address: 0x6B, Quantity: 3}
	data, err := DecodeReply(req, []byte{0x03, 0x06, 0x02, 0x2B, 0x00, 0x00, 0x00, 0x64})
	require.NoError(t, err)
	assert.Equal(t, []uint16{0x022B, 0x0000, 0x0064}, data)

	// Two words where three were requested.
	_, err = DecodeReply(req, []byte{0x03, 0x04, 0x02, 0x2B, 0x00, 0x00})
	assert.ErrorIs(t, err, ErrUnexpectedReplyLength)

	// Byte count promises more than the frame carries.
	_, err = DecodeReply(req, []byte{0x03, 0x06, 0x02, 0x2B})
	assert.ErrorIs(t, err, ErrUnexpectedReplyLength)

	_, err = DecodeReply(req, nil)
	assert.ErrorIs(t, err, ErrUnexpectedReplyLength)
}

func TestDecodeReplyException(t *testing.T) {
	req := &Request{Operation: OpReadInputRegisters, Address: 0, Quantity: 1}
	_, err := DecodeReply(req, []byte{0x84, 0x02})

	var mbErr *ModbusError
	require.ErrorAs(t, err, &mbErr)
	assert.Equal(t, FuncReadInputRegisters, mbErr.FunctionCode)
	assert.Equal(t, ExceptionIllegalDataAddress, mbErr.ExceptionCode)

	_, err = DecodeReply(req, []byte{0x84})
	assert.ErrorIs(t, err, ErrUnexpectedReplyLength)
}

func TestDecodeReplyWrongFunction(t *testing.T) {
	req := &Request{Operation: OpReadHoldingRegisters, Quantity: 1}
	_, err := DecodeReply(req, []byte{0x04, 0x02, 0x00, 0x01})
	assert.ErrorIs(t, err, ErrInvalidFrame)
}

func TestDecodeReplyWriteEcho(t *testing.T) {
	req := &Request{Operation: OpWriteMultipleRegisters, Address: 1, Values: []uint16{10, 258}}
	data, err := DecodeReply(req, []byte{0x10, 0x00, 0x01, 0x00, 0x02})
	require.NoError(t, err)
	assert.Nil(t, data)

	_, err = DecodeReply(req, []byte{0x10, 0x00, 0x02, 0x00, 0x02})
	assert.ErrorIs(t, err, ErrInvalidFrame, "echo of another address")

	_, err = DecodeReply(req, []byte{0x10, 0x00})
	assert.ErrorIs(t, err, ErrUnexpectedReplyLength)
}

func TestDecodeReplyCombined(t *testing.T) {
	read := &Request{Operation: OpReadInputRegistersCombined, Address: 0x10, Quantity: 2}
	data, err := DecodeReply(read, []byte{0x17, 0x04, 0x00, 0x01, 0x00, 0x02})
	require.NoError(t, err)
	assert.Equal(t, []uint16{1, 2}, data)

	write := &Request{Operation: OpWriteMultipleRegistersCombined, Address: 0x20, Values: []uint16{7}}
	data, err = DecodeReply(write, []byte{0x17, 0x02, 0xAB, 0xCD})
	require.NoError(t, err)
	assert.Nil(t, data, "the read-back word is discarded")
}

func TestExpectedReplyLength(t *testing.T) {
	tests := []struct {
		req      Request
		expected int
	}{
		{Request{Operation: OpReadCoils, Quantity: 10}, 4},
		{Request{Operation: OpReadHoldingRegisters, Quantity: 3}, 8},
		{Request{Operation: OpReadInputRegistersCombined, Quantity: 2}, 6},
		{Request{Operation: OpWriteSingleCoil, Values: []uint16{1}}, 5},
		{Request{Operation: OpWriteMultipleRegistersCombined, Values: []uint16{1, 2}}, 4},
		{Request{Operation: Operation(0)}, 0},
	}
	for _, tt := range tests {
		if got := ExpectedReplyLength(&tt.req); got != tt.expected {
			t.Errorf("%s: expected %d, got %d", tt.req.Operation, tt.expected, got)
		}
	}
}

func TestParseOperation(t *testing.T) {
	tests := []struct {
		in       string
		expected Operation
	}{
		{"ReadHoldingRegisters", OpReadHoldingRegisters},
		{"read_holding_registers", OpReadHoldingRegisters},
		{"write-multiple-coils", OpWriteMultipleCoils},
		{" readcoils ", OpReadCoils},
		{"4", OpReadInputRegisters},
		{"16", OpWriteMultipleRegisters},
		{"123", OpReadInputRegistersCombined},
		{"223", OpWriteMultipleRegistersCombined},
	}
	for _, tt := range tests {
		op, err := ParseOperation(tt.in)
		if err != nil {
			t.Errorf("ParseOperation(%q) failed: %v", tt.in, err)
			continue
		}
		if op != tt.expected {
			t.Errorf("ParseOperation(%q): expected %s, got %s", tt.in, tt.expected, op)
		}
	}

	_, err := ParseOperation("23")
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestOperationProperties(t *testing.T) {
	assert.Equal(t, FuncReadWriteMultipleRegisters, OpReadInputRegistersCombined.FunctionCode())
	assert.Equal(t, FuncReadWriteMultipleRegisters, OpWriteMultipleRegistersCombined.FunctionCode())
	assert.True(t, OpReadInputRegistersCombined.IsRead())
	assert.True(t, OpWriteMultipleRegistersCombined.IsWrite())
	assert.True(t, OpWriteSingleCoil.IsBit())
	assert.False(t, OpWriteSingleRegister.IsBit())
	assert.False(t, Operation(0).IsWrite())
	assert.Equal(t, MaxReadCoils, OpReadDiscreteInputs.MaxLength())
	assert.Equal(t, MaxWriteRegisters, OpWriteSingleRegister.MaxLength())
	assert.Equal(t, OpReadInputRegistersCombined, OpWriteMultipleRegistersCombined.readOnce())
	assert.Equal(t, Operation(0), OpReadCoils.readOnce())
}
