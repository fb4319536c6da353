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
	"encoding/binary"
	"fmt"
)

// Request describes one register transaction. Reads transfer Quantity
// registers or bits starting at Address. Writes transfer Values: one word per
// register, or one word per coil where any nonzero word sets the coil.
type Request struct {
	Operation Operation
	Slave     UnitID
	Address   uint16
	Quantity  uint16
	Values    []uint16
}

// count returns the number of registers or bits moved by the request.
func (r *Request) count() int {
	if r.Operation.IsWrite() {
		return len(r.Values)
	}
	return int(r.Quantity)
}

// pduCodec encodes the request and decodes the reply of one operation class.
type pduCodec interface {
	encode(req *Request) []byte
	decode(req *Request, pdu []byte) ([]uint16, error)
	replyLength(req *Request) int
}

func codecFor(op Operation) (pduCodec, error) {
	switch op {
	case OpReadCoils, OpReadDiscreteInputs:
		return readBitsCodec{}, nil
	case OpReadHoldingRegisters, OpReadInputRegisters:
		return readRegistersCodec{}, nil
	case OpReadInputRegistersCombined:
		return readCombinedCodec{}, nil
	case OpWriteSingleCoil:
		return writeSingleCoilCodec{}, nil
	case OpWriteSingleRegister:
		return writeSingleRegisterCodec{}, nil
	case OpWriteMultipleCoils:
		return writeMultipleCoilsCodec{}, nil
	case OpWriteMultipleRegisters:
		return writeMultipleRegistersCodec{}, nil
	case OpWriteMultipleRegistersCombined:
		return writeCombinedCodec{}, nil
	}
	return nil, fmt.Errorf("%w: unsupported operation %s", ErrConfiguration, op)
}

// EncodeRequest builds the PDU (function code and fields) for req.
func EncodeRequest(req *Request) ([]byte, error) {
	codec, err := codecFor(req.Operation)
	if err != nil {
		return nil, err
	}
	n := req.count()
	limit := req.Operation.MaxLength()
	switch req.Operation {
	case OpWriteSingleCoil, OpWriteSingleRegister:
		limit = 1
	}
	if n < 1 || n > limit {
		return nil, fmt.Errorf("%w: quantity must be 1-%d for %s, got %d",
			ErrConfiguration, limit, req.Operation, n)
	}
	if uint32(req.Address)+uint32(n) > 65536 {
		return nil, fmt.Errorf("%w: address range exceeds 65535", ErrConfiguration)
	}
	return codec.encode(req), nil
}

// DecodeReply validates a reply PDU against the request that produced it and
// returns the transferred data: one word per register, or one 0/1 word per
// bit. Writes return nil.
func DecodeReply(req *Request, pdu []byte) ([]uint16, error) {
	codec, err := codecFor(req.Operation)
	if err != nil {
		return nil, err
	}
	if len(pdu) == 0 {
		return nil, fmt.Errorf("%w: empty reply", ErrUnexpectedReplyLength)
	}
	fc := req.Operation.FunctionCode()
	if pdu[0]&0x80 != 0 {
		if len(pdu) < 2 {
			return nil, fmt.Errorf("%w: truncated exception reply", ErrUnexpectedReplyLength)
		}
		return nil, NewModbusError(fc, ExceptionCode(pdu[1]))
	}
	if FunctionCode(pdu[0]) != fc {
		return nil, fmt.Errorf("%w: function code %02X in reply to %02X", ErrInvalidFrame, pdu[0], uint8(fc))
	}
	return codec.decode(req, pdu)
}

// ExpectedReplyLength returns the PDU length of a normal reply to req, or 0 if
// the operation is unknown.
func ExpectedReplyLength(req *Request) int {
	codec, err := codecFor(req.Operation)
	if err != nil {
		return 0
	}
	return codec.replyLength(req)
}

func readHeader(fc FunctionCode, addr, qty uint16) []byte {
	pdu := make([]byte, 5)
	pdu[0] = byte(fc)
	binary.BigEndian.PutUint16(pdu[1:3], addr)
	binary.BigEndian.PutUint16(pdu[3:5], qty)
	return pdu
}

// registerPayload checks the byte count of a register read reply and unpacks
// its words.
func registerPayload(pdu []byte, want int) ([]uint16, error) {
	if len(pdu) < 2 {
		return nil, fmt.Errorf("%w: reply too short", ErrUnexpectedReplyLength)
	}
	byteCount := int(pdu[1])
	if byteCount/2 != want {
		return nil, fmt.Errorf("%w: expected %d words, received %d", ErrUnexpectedReplyLength, want, byteCount/2)
	}
	if len(pdu) < 2+byteCount {
		return nil, fmt.Errorf("%w: reply truncated", ErrUnexpectedReplyLength)
	}
	values := make([]uint16, want)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(pdu[2+i*2:])
	}
	return values, nil
}

func checkEcho(pdu []byte, addr uint16) error {
	if len(pdu) < 5 {
		return fmt.Errorf("%w: reply too short", ErrUnexpectedReplyLength)
	}
	if got := binary.BigEndian.Uint16(pdu[1:3]); got != addr {
		return fmt.Errorf("%w: reply address %d, requested %d", ErrInvalidFrame, got, addr)
	}
	return nil
}

type readBitsCodec struct{}

func (readBitsCodec) encode(req *Request) []byte {
	return readHeader(req.Operation.FunctionCode(), req.Address, req.Quantity)
}

// decode expands exactly Quantity bits, least significant bit of the first
// data byte first. Padding bits of the last byte are ignored.
func (readBitsCodec) decode(req *Request, pdu []byte) ([]uint16, error) {
	qty := int(req.Quantity)
	need := (qty + 7) / 8
	if len(pdu) < 2 || int(pdu[1]) < need || len(pdu) < 2+need {
		return nil, fmt.Errorf("%w: expected %d data bytes for %d bits", ErrUnexpectedReplyLength, need, qty)
	}
	values := make([]uint16, qty)
	for i := 0; i < qty; i++ {
		if pdu[2+i/8]&(1<<(i%8)) != 0 {
			values[i] = 1
		}
	}
	return values, nil
}

func (readBitsCodec) replyLength(req *Request) int {
	return 2 + (int(req.Quantity)+7)/8
}

type readRegistersCodec struct{}

func (readRegistersCodec) encode(req *Request) []byte {
	return readHeader(req.Operation.FunctionCode(), req.Address, req.Quantity)
}

func (readRegistersCodec) decode(req *Request, pdu []byte) ([]uint16, error) {
	return registerPayload(pdu, int(req.Quantity))
}

func (readRegistersCodec) replyLength(req *Request) int {
	return 2 + 2*int(req.Quantity)
}

// readCombinedCodec reads through FC23. Devices reject a zero write count, so
// the request declares one output word at the read address but carries no
// data bytes, which leaves the register untouched.
type readCombinedCodec struct{}

func (readCombinedCodec) encode(req *Request) []byte {
	pdu := make([]byte, 10)
	pdu[0] = byte(FuncReadWriteMultipleRegisters)
	binary.BigEndian.PutUint16(pdu[1:3], req.Address)
	binary.BigEndian.PutUint16(pdu[3:5], req.Quantity)
	binary.BigEndian.PutUint16(pdu[5:7], req.Address)
	binary.BigEndian.PutUint16(pdu[7:9], 1)
	pdu[9] = 2
	return pdu
}

func (readCombinedCodec) decode(req *Request, pdu []byte) ([]uint16, error) {
	return registerPayload(pdu, int(req.Quantity))
}

func (readCombinedCodec) replyLength(req *Request) int {
	return 2 + 2*int(req.Quantity)
}

type writeSingleCoilCodec struct{}

func (writeSingleCoilCodec) encode(req *Request) []byte {
	value := CoilOff
	if req.Values[0] != 0 {
		value = CoilOn
	}
	return readHeader(FuncWriteSingleCoil, req.Address, value)
}

func (writeSingleCoilCodec) decode(req *Request, pdu []byte) ([]uint16, error) {
	return nil, checkEcho(pdu, req.Address)
}

func (writeSingleCoilCodec) replyLength(*Request) int { return 5 }

type writeSingleRegisterCodec struct{}

func (writeSingleRegisterCodec) encode(req *Request) []byte {
	return readHeader(FuncWriteSingleRegister, req.Address, req.Values[0])
}

func (writeSingleRegisterCodec) decode(req *Request, pdu []byte) ([]uint16, error) {
	return nil, checkEcho(pdu, req.Address)
}

func (writeSingleRegisterCodec) replyLength(*Request) int { return 5 }

type writeMultipleCoilsCodec struct{}

func (writeMultipleCoilsCodec) encode(req *Request) []byte {
	qty := len(req.Values)
	byteCount := (qty + 7) / 8
	pdu := make([]byte, 6+byteCount)
	pdu[0] = byte(FuncWriteMultipleCoils)
	binary.BigEndian.PutUint16(pdu[1:3], req.Address)
	binary.BigEndian.PutUint16(pdu[3:5], uint16(qty))
	pdu[5] = byte(byteCount)
	for i, v := range req.Values {
		if v != 0 {
			pdu[6+i/8] |= 1 << (i % 8)
		}
	}
	return pdu
}

func (writeMultipleCoilsCodec) decode(req *Request, pdu []byte) ([]uint16, error) {
	return nil, checkEcho(pdu, req.Address)
}

func (writeMultipleCoilsCodec) replyLength(*Request) int { return 5 }

type writeMultipleRegistersCodec struct{}

func (writeMultipleRegistersCodec) encode(req *Request) []byte {
	qty := len(req.Values)
	pdu := make([]byte, 6+2*qty)
	pdu[0] = byte(FuncWriteMultipleRegisters)
	binary.BigEndian.PutUint16(pdu[1:3], req.Address)
	binary.BigEndian.PutUint16(pdu[3:5], uint16(qty))
	pdu[5] = byte(2 * qty)
	for i, v := range req.Values {
		binary.BigEndian.PutUint16(pdu[6+i*2:], v)
	}
	return pdu
}

func (writeMultipleRegistersCodec) decode(req *Request, pdu []byte) ([]uint16, error) {
	return nil, checkEcho(pdu, req.Address)
}

func (writeMultipleRegistersCodec) replyLength(*Request) int { return 5 }

// writeCombinedCodec writes through FC23 and reads back one word from the
// write address; that word is discarded.
type writeCombinedCodec struct{}

func (writeCombinedCodec) encode(req *Request) []byte {
	qty := len(req.Values)
	pdu := make([]byte, 10+2*qty)
	pdu[0] = byte(FuncReadWriteMultipleRegisters)
	binary.BigEndian.PutUint16(pdu[1:3], req.Address)
	binary.BigEndian.PutUint16(pdu[3:5], 1)
	binary.BigEndian.PutUint16(pdu[5:7], req.Address)
	binary.BigEndian.PutUint16(pdu[7:9], uint16(qty))
	pdu[9] = byte(2 * qty)
	for i, v := range req.Values {
		binary.BigEndian.PutUint16(pdu[10+i*2:], v)
	}
	return pdu
}

func (writeCombinedCodec) decode(_ *Request, pdu []byte) ([]uint16, error) {
	if _, err := registerPayload(pdu, 1); err != nil {
		return nil, err
	}
	return nil, nil
}

func (writeCombinedCodec) replyLength(*Request) int { return 4 }
