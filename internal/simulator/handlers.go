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

package simulator

import (
	"encoding/binary"
	"errors"
	"log/slog"

	"github.com/edgeo-scada/modbus-poller"
)

func (s *Server) process(unit modbus.UnitID, pdu []byte) []byte {
	if len(pdu) < 1 {
		return exception(0, modbus.ExceptionIllegalFunction)
	}
	fc := modbus.FunctionCode(pdu[0])

	s.opts.logger.Debug("processing request",
		slog.Uint64("unit_id", uint64(unit)),
		slog.String("func", fc.String()))

	if ec, ok := s.mem.takeFault(); ok {
		return exception(fc, ec)
	}

	var reply []byte
	var err error
	switch fc {
	case modbus.FuncReadCoils, modbus.FuncReadDiscreteInputs:
		reply, err = s.handleReadBits(unit, fc, pdu)
	case modbus.FuncReadHoldingRegisters, modbus.FuncReadInputRegisters:
		reply, err = s.handleReadRegisters(unit, fc, pdu)
	case modbus.FuncWriteSingleCoil:
		reply, err = s.handleWriteSingleCoil(unit, pdu)
	case modbus.FuncWriteSingleRegister:
		reply, err = s.handleWriteSingleRegister(unit, pdu)
	case modbus.FuncWriteMultipleCoils:
		reply, err = s.handleWriteMultipleCoils(unit, pdu)
	case modbus.FuncWriteMultipleRegisters:
		reply, err = s.handleWriteMultipleRegisters(unit, pdu)
	case modbus.FuncReadWriteMultipleRegisters:
		reply, err = s.handleReadWriteMultipleRegisters(unit, pdu)
	default:
		reply = exception(fc, modbus.ExceptionIllegalFunction)
	}
	if err != nil {
		var mbErr *modbus.ModbusError
		if errors.As(err, &mbErr) {
			return exception(fc, mbErr.ExceptionCode)
		}
		s.opts.logger.Error("handler error",
			slog.String("func", fc.String()),
			slog.String("error", err.Error()))
		return exception(fc, modbus.ExceptionServerDeviceFailure)
	}
	return reply
}

func exception(fc modbus.FunctionCode, ec modbus.ExceptionCode) []byte {
	return []byte{byte(fc) | 0x80, byte(ec)}
}

func (s *Server) handleReadBits(unit modbus.UnitID, fc modbus.FunctionCode, pdu []byte) ([]byte, error) {
	if len(pdu) < 5 {
		return exception(fc, modbus.ExceptionIllegalDataValue), nil
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	qty := binary.BigEndian.Uint16(pdu[3:5])
	if qty < 1 || int(qty) > modbus.MaxReadCoils {
		return exception(fc, modbus.ExceptionIllegalDataValue), nil
	}

	values, err := s.mem.ReadBits(unit, fc == modbus.FuncReadDiscreteInputs, addr, qty)
	if err != nil {
		return nil, err
	}

	byteCount := (int(qty) + 7) / 8
	reply := make([]byte, 2+byteCount)
	reply[0] = byte(fc)
	reply[1] = byte(byteCount)
	for i, v := range values {
		if v {
			reply[2+i/8] |= 1 << (i % 8)
		}
	}
	return reply, nil
}

func (s *Server) handleReadRegisters(unit modbus.UnitID, fc modbus.FunctionCode, pdu []byte) ([]byte, error) {
	if len(pdu) < 5 {
		return exception(fc, modbus.ExceptionIllegalDataValue), nil
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	qty := binary.BigEndian.Uint16(pdu[3:5])
	if qty < 1 || int(qty) > modbus.MaxReadRegisters {
		return exception(fc, modbus.ExceptionIllegalDataValue), nil
	}

	values, err := s.mem.ReadRegisters(unit, fc == modbus.FuncReadInputRegisters, addr, qty)
	if err != nil {
		return nil, err
	}
	return registerReply(fc, values), nil
}

func registerReply(fc modbus.FunctionCode, values []uint16) []byte {
	reply := make([]byte, 2+2*len(values))
	reply[0] = byte(fc)
	reply[1] = byte(2 * len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(reply[2+2*i:], v)
	}
	return reply
}

func (s *Server) handleWriteSingleCoil(unit modbus.UnitID, pdu []byte) ([]byte, error) {
	if len(pdu) < 5 {
		return exception(modbus.FuncWriteSingleCoil, modbus.ExceptionIllegalDataValue), nil
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	value := binary.BigEndian.Uint16(pdu[3:5])

	var on bool
	switch value {
	case modbus.CoilOn:
		on = true
	case modbus.CoilOff:
	default:
		return exception(modbus.FuncWriteSingleCoil, modbus.ExceptionIllegalDataValue), nil
	}
	if err := s.mem.WriteCoils(unit, addr, []bool{on}); err != nil {
		return nil, err
	}
	return echo(pdu), nil
}

func (s *Server) handleWriteSingleRegister(unit modbus.UnitID, pdu []byte) ([]byte, error) {
	if len(pdu) < 5 {
		return exception(modbus.FuncWriteSingleRegister, modbus.ExceptionIllegalDataValue), nil
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	value := binary.BigEndian.Uint16(pdu[3:5])
	if err := s.mem.WriteRegisters(unit, addr, []uint16{value}); err != nil {
		return nil, err
	}
	return echo(pdu), nil
}

// echo copies the first five bytes of a request as its reply.
func echo(pdu []byte) []byte {
	reply := make([]byte, 5)
	copy(reply, pdu[:5])
	return reply
}

func (s *Server) handleWriteMultipleCoils(unit modbus.UnitID, pdu []byte) ([]byte, error) {
	fc := modbus.FuncWriteMultipleCoils
	if len(pdu) < 6 {
		return exception(fc, modbus.ExceptionIllegalDataValue), nil
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	qty := binary.BigEndian.Uint16(pdu[3:5])
	byteCount := int(pdu[5])
	if qty < 1 || int(qty) > modbus.MaxWriteCoils {
		return exception(fc, modbus.ExceptionIllegalDataValue), nil
	}
	if byteCount != (int(qty)+7)/8 || len(pdu) < 6+byteCount {
		return exception(fc, modbus.ExceptionIllegalDataValue), nil
	}

	values := make([]bool, qty)
	for i := range values {
		values[i] = pdu[6+i/8]&(1<<(i%8)) != 0
	}
	if err := s.mem.WriteCoils(unit, addr, values); err != nil {
		return nil, err
	}
	return writeReply(fc, addr, qty), nil
}

func (s *Server) handleWriteMultipleRegisters(unit modbus.UnitID, pdu []byte) ([]byte, error) {
	fc := modbus.FuncWriteMultipleRegisters
	if len(pdu) < 6 {
		return exception(fc, modbus.ExceptionIllegalDataValue), nil
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	qty := binary.BigEndian.Uint16(pdu[3:5])
	byteCount := int(pdu[5])
	if qty < 1 || int(qty) > modbus.MaxWriteRegisters {
		return exception(fc, modbus.ExceptionIllegalDataValue), nil
	}
	if byteCount != 2*int(qty) || len(pdu) < 6+byteCount {
		return exception(fc, modbus.ExceptionIllegalDataValue), nil
	}

	if err := s.mem.WriteRegisters(unit, addr, registerValues(pdu[6:], int(qty))); err != nil {
		return nil, err
	}
	return writeReply(fc, addr, qty), nil
}

// handleReadWriteMultipleRegisters performs the write before the read. A
// request whose byte count is not followed by data is a pure read.
func (s *Server) handleReadWriteMultipleRegisters(unit modbus.UnitID, pdu []byte) ([]byte, error) {
	fc := modbus.FuncReadWriteMultipleRegisters
	if len(pdu) < 10 {
		return exception(fc, modbus.ExceptionIllegalDataValue), nil
	}
	readAddr := binary.BigEndian.Uint16(pdu[1:3])
	readQty := binary.BigEndian.Uint16(pdu[3:5])
	writeAddr := binary.BigEndian.Uint16(pdu[5:7])
	writeQty := binary.BigEndian.Uint16(pdu[7:9])
	byteCount := int(pdu[9])

	if readQty < 1 || int(readQty) > modbus.MaxReadRegisters {
		return exception(fc, modbus.ExceptionIllegalDataValue), nil
	}
	if writeQty < 1 || int(writeQty) > modbus.MaxWriteRegisters || byteCount != 2*int(writeQty) {
		return exception(fc, modbus.ExceptionIllegalDataValue), nil
	}

	switch {
	case len(pdu) == 10:
	case len(pdu) >= 10+byteCount:
		if err := s.mem.WriteRegisters(unit, writeAddr, registerValues(pdu[10:], int(writeQty))); err != nil {
			return nil, err
		}
	default:
		return exception(fc, modbus.ExceptionIllegalDataValue), nil
	}

	values, err := s.mem.ReadRegisters(unit, false, readAddr, readQty)
	if err != nil {
		return nil, err
	}
	return registerReply(fc, values), nil
}

func registerValues(data []byte, qty int) []uint16 {
	values := make([]uint16, qty)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(data[2*i:])
	}
	return values
}

func writeReply(fc modbus.FunctionCode, addr, qty uint16) []byte {
	reply := make([]byte, 5)
	reply[0] = byte(fc)
	binary.BigEndian.PutUint16(reply[1:3], addr)
	binary.BigEndian.PutUint16(reply[3:5], qty)
	return reply
}
