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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeo-scada/modbus-poller"
)

func TestMemoryUnits(t *testing.T) {
	m := NewMemory()
	m.SetHoldingRegisters(1, 100, 1, 2, 3)
	m.SetHoldingRegisters(2, 100, 9)

	regs, err := m.ReadRegisters(1, false, 100, 3)
	require.NoError(t, err)
	assert.Equal(t, []uint16{1, 2, 3}, regs)
	assert.Equal(t, uint16(9), m.HoldingRegister(2, 100))
	assert.Equal(t, uint16(0), m.HoldingRegister(3, 100), "unknown units read as zero")

	regs, err = m.ReadRegisters(1, true, 100, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0}, regs, "input and holding registers are separate")
}

func TestMemoryBits(t *testing.T) {
	m := NewMemory()
	m.SetCoil(1, 5, true)
	m.SetDiscreteInput(1, 6, true)

	coils, err := m.ReadBits(1, false, 4, 3)
	require.NoError(t, err)
	assert.Equal(t, []bool{false, true, false}, coils)

	inputs, err := m.ReadBits(1, true, 4, 3)
	require.NoError(t, err)
	assert.Equal(t, []bool{false, false, true}, inputs)

	require.NoError(t, m.WriteCoils(1, 0, []bool{true, true}))
	assert.True(t, m.Coil(1, 1))
}

func TestMemoryRangeChecks(t *testing.T) {
	m := NewMemory()

	err := m.WriteRegisters(1, 65535, []uint16{1, 2})
	assert.True(t, modbus.IsIllegalDataAddress(err))

	_, err = m.ReadRegisters(1, false, 65530, 10)
	assert.True(t, modbus.IsIllegalDataAddress(err))

	_, err = m.ReadBits(1, false, 65535, 1)
	assert.NoError(t, err)
}

func TestMemoryFaults(t *testing.T) {
	m := NewMemory()
	m.FailNext(modbus.ExceptionServerDeviceBusy, 2)

	for i := 0; i < 2; i++ {
		ec, ok := m.takeFault()
		assert.True(t, ok)
		assert.Equal(t, modbus.ExceptionServerDeviceBusy, ec)
	}
	_, ok := m.takeFault()
	assert.False(t, ok)
}
