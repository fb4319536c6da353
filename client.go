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
	"context"
)

// ReadCoils reads coils from slave (FC01).
func (l *Link) ReadCoils(ctx context.Context, slave UnitID, addr, qty uint16) ([]bool, error) {
	return l.readBits(ctx, OpReadCoils, slave, addr, qty)
}

// ReadDiscreteInputs reads discrete inputs from slave (FC02).
func (l *Link) ReadDiscreteInputs(ctx context.Context, slave UnitID, addr, qty uint16) ([]bool, error) {
	return l.readBits(ctx, OpReadDiscreteInputs, slave, addr, qty)
}

func (l *Link) readBits(ctx context.Context, op Operation, slave UnitID, addr, qty uint16) ([]bool, error) {
	words, err := l.Transact(ctx, &Request{Operation: op, Slave: slave, Address: addr, Quantity: qty})
	if err != nil {
		return nil, err
	}
	bits := make([]bool, len(words))
	for i, w := range words {
		bits[i] = w != 0
	}
	return bits, nil
}

// ReadHoldingRegisters reads holding registers from slave (FC03).
func (l *Link) ReadHoldingRegisters(ctx context.Context, slave UnitID, addr, qty uint16) ([]uint16, error) {
	return l.Transact(ctx, &Request{Operation: OpReadHoldingRegisters, Slave: slave, Address: addr, Quantity: qty})
}

// ReadInputRegisters reads input registers from slave (FC04).
func (l *Link) ReadInputRegisters(ctx context.Context, slave UnitID, addr, qty uint16) ([]uint16, error) {
	return l.Transact(ctx, &Request{Operation: OpReadInputRegisters, Slave: slave, Address: addr, Quantity: qty})
}

// ReadRegistersCombined reads registers through FC23 without writing.
func (l *Link) ReadRegistersCombined(ctx context.Context, slave UnitID, addr, qty uint16) ([]uint16, error) {
	return l.Transact(ctx, &Request{Operation: OpReadInputRegistersCombined, Slave: slave, Address: addr, Quantity: qty})
}

// WriteSingleCoil writes a single coil (FC05).
func (l *Link) WriteSingleCoil(ctx context.Context, slave UnitID, addr uint16, value bool) error {
	_, err := l.Transact(ctx, &Request{Operation: OpWriteSingleCoil, Slave: slave, Address: addr, Values: []uint16{coilWord(value)}})
	return err
}

// WriteSingleRegister writes a single register (FC06).
func (l *Link) WriteSingleRegister(ctx context.Context, slave UnitID, addr, value uint16) error {
	_, err := l.Transact(ctx, &Request{Operation: OpWriteSingleRegister, Slave: slave, Address: addr, Values: []uint16{value}})
	return err
}

// WriteMultipleCoils writes consecutive coils (FC15).
func (l *Link) WriteMultipleCoils(ctx context.Context, slave UnitID, addr uint16, values []bool) error {
	words := make([]uint16, len(values))
	for i, v := range values {
		words[i] = coilWord(v)
	}
	_, err := l.Transact(ctx, &Request{Operation: OpWriteMultipleCoils, Slave: slave, Address: addr, Values: words})
	return err
}

// WriteMultipleRegisters writes consecutive registers (FC16).
func (l *Link) WriteMultipleRegisters(ctx context.Context, slave UnitID, addr uint16, values []uint16) error {
	_, err := l.Transact(ctx, &Request{Operation: OpWriteMultipleRegisters, Slave: slave, Address: addr, Values: values})
	return err
}

// WriteRegistersCombined writes registers through FC23.
func (l *Link) WriteRegistersCombined(ctx context.Context, slave UnitID, addr uint16, values []uint16) error {
	_, err := l.Transact(ctx, &Request{Operation: OpWriteMultipleRegistersCombined, Slave: slave, Address: addr, Values: values})
	return err
}

func coilWord(v bool) uint16 {
	if v {
		return 1
	}
	return 0
}
