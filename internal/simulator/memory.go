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
	"sync"

	"github.com/edgeo-scada/modbus-poller"
)

// Memory is a thread-safe register store for any number of slaves. Each
// slave gets a full 65536-entry address space on first use.
type Memory struct {
	mu    sync.RWMutex
	units map[modbus.UnitID]*unitMemory

	faultCode  modbus.ExceptionCode
	faultCount int
}

type unitMemory struct {
	coils          []bool
	discreteInputs []bool
	holdingRegs    []uint16
	inputRegs      []uint16
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{units: make(map[modbus.UnitID]*unitMemory)}
}

// unitLocked returns the memory of unit, creating it if needed.
// Must be called with the write lock held.
func (m *Memory) unitLocked(unit modbus.UnitID) *unitMemory {
	u, ok := m.units[unit]
	if !ok {
		u = &unitMemory{
			coils:          make([]bool, 65536),
			discreteInputs: make([]bool, 65536),
			holdingRegs:    make([]uint16, 65536),
			inputRegs:      make([]uint16, 65536),
		}
		m.units[unit] = u
	}
	return u
}

// FailNext makes the next count requests fail with exception code ec.
func (m *Memory) FailNext(ec modbus.ExceptionCode, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faultCode = ec
	m.faultCount = count
}

// takeFault consumes one injected fault, if any.
func (m *Memory) takeFault() (modbus.ExceptionCode, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.faultCount <= 0 {
		return 0, false
	}
	m.faultCount--
	return m.faultCode, true
}

func inRange(addr, qty uint16) bool {
	return int(addr)+int(qty) <= 65536
}

// ReadBits returns qty coils (discrete=false) or discrete inputs.
func (m *Memory) ReadBits(unit modbus.UnitID, discrete bool, addr, qty uint16) ([]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !inRange(addr, qty) {
		return nil, modbus.NewModbusError(modbus.FuncReadCoils, modbus.ExceptionIllegalDataAddress)
	}
	u := m.unitLocked(unit)
	src := u.coils
	if discrete {
		src = u.discreteInputs
	}
	out := make([]bool, qty)
	copy(out, src[addr:int(addr)+int(qty)])
	return out, nil
}

// ReadRegisters returns qty holding (input=false) or input registers.
func (m *Memory) ReadRegisters(unit modbus.UnitID, input bool, addr, qty uint16) ([]uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !inRange(addr, qty) {
		return nil, modbus.NewModbusError(modbus.FuncReadHoldingRegisters, modbus.ExceptionIllegalDataAddress)
	}
	u := m.unitLocked(unit)
	src := u.holdingRegs
	if input {
		src = u.inputRegs
	}
	out := make([]uint16, qty)
	copy(out, src[addr:int(addr)+int(qty)])
	return out, nil
}

// WriteCoils sets coils starting at addr.
func (m *Memory) WriteCoils(unit modbus.UnitID, addr uint16, values []bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !inRange(addr, uint16(len(values))) {
		return modbus.NewModbusError(modbus.FuncWriteMultipleCoils, modbus.ExceptionIllegalDataAddress)
	}
	copy(m.unitLocked(unit).coils[addr:], values)
	return nil
}

// WriteRegisters sets holding registers starting at addr.
func (m *Memory) WriteRegisters(unit modbus.UnitID, addr uint16, values []uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !inRange(addr, uint16(len(values))) {
		return modbus.NewModbusError(modbus.FuncWriteMultipleRegisters, modbus.ExceptionIllegalDataAddress)
	}
	copy(m.unitLocked(unit).holdingRegs[addr:], values)
	return nil
}

// SetCoil sets a coil value directly.
func (m *Memory) SetCoil(unit modbus.UnitID, addr uint16, value bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unitLocked(unit).coils[addr] = value
}

// SetDiscreteInput sets a discrete input value directly.
func (m *Memory) SetDiscreteInput(unit modbus.UnitID, addr uint16, value bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unitLocked(unit).discreteInputs[addr] = value
}

// SetHoldingRegisters sets holding registers directly.
func (m *Memory) SetHoldingRegisters(unit modbus.UnitID, addr uint16, values ...uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(m.unitLocked(unit).holdingRegs[addr:], values)
}

// SetInputRegisters sets input registers directly.
func (m *Memory) SetInputRegisters(unit modbus.UnitID, addr uint16, values ...uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(m.unitLocked(unit).inputRegs[addr:], values)
}

// HoldingRegister returns one holding register.
func (m *Memory) HoldingRegister(unit modbus.UnitID, addr uint16) uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unitLocked(unit).holdingRegs[addr]
}

// Coil returns one coil.
func (m *Memory) Coil(unit modbus.UnitID, addr uint16) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unitLocked(unit).coils[addr]
}
