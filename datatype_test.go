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
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataTypeNames(t *testing.T) {
	for _, dt := range DataTypes() {
		parsed, err := ParseDataType(dt.String())
		require.NoError(t, err)
		assert.Equal(t, dt, parsed)
	}

	dt, err := ParseDataType("float32")
	require.NoError(t, err)
	assert.Equal(t, Float32LE, dt)

	dt, err = ParseDataType("")
	require.NoError(t, err)
	assert.Equal(t, UInt16, dt)

	_, err = ParseDataType("INT24")
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestDataTypeWords(t *testing.T) {
	tests := map[DataType]int{
		UInt16: 1, Int16SM: 1, BCDSigned: 1,
		Int32BEBS: 2, UInt32LE: 2, Float32BE: 2,
		Int64LE: 4, UInt64BEBS: 4, Float64LEBS: 4,
		StringHighLow: 1,
	}
	for dt, want := range tests {
		if got := dt.Words(); got != want {
			t.Errorf("%s: expected %d words, got %d", dt, want, got)
		}
	}
}

func TestIntegerRoundTrip(t *testing.T) {
	values := []int64{0, 1, -1, 1234, -1234, 32767, -32767}
	for _, dt := range DataTypes() {
		if dt.IsString() || dt.IsFloat() {
			continue
		}
		for _, v := range values {
			switch dt {
			case UInt16, BCDUnsigned:
				if v < 0 {
					continue
				}
			case BCDSigned:
				if v > 7999 || v < -7999 {
					continue
				}
			}
			if (dt == BCDUnsigned) && v > 9999 {
				continue
			}
			words, err := EncodeInt64(dt, v)
			require.NoError(t, err, dt.String())
			assert.Len(t, words, dt.Words(), dt.String())
			got, err := ReadInt64(dt, words, 0)
			require.NoError(t, err, dt.String())
			if dt == UInt32LE || dt == UInt32LEBS || dt == UInt32BE || dt == UInt32BEBS {
				assert.Equal(t, int64(uint32(v)), got, "%s %d", dt, v)
				continue
			}
			assert.Equal(t, v, got, "%s %d", dt, v)
		}
	}
}

func TestFloatRoundTrip(t *testing.T) {
	values := []float64{0, 1.5, -273.25, 1e6, math.Inf(1)}
	for _, dt := range DataTypes() {
		if !dt.IsFloat() {
			continue
		}
		for _, v := range values {
			words, err := EncodeFloat64(dt, v)
			require.NoError(t, err)
			got, err := ReadFloat64(dt, words, 0)
			require.NoError(t, err)
			assert.Equal(t, v, got, "%s", dt)
		}
	}
}

func TestWordOrder(t *testing.T) {
	tests := []struct {
		dt       DataType
		words    []uint16
		expected int64
	}{
		{Int32LE, []uint16{2, 0}, 2},
		{Int32BE, []uint16{0, 2}, 2},
		{Int32LEBS, []uint16{0x0200, 0}, 2},
		{Int32BEBS, []uint16{0, 0x0200}, 2},
		{Int32LE, []uint16{0xFFFE, 0xFFFF}, -2},
		{UInt32BE, []uint16{0xFFFF, 0xFFFE}, 0xFFFFFFFE},
		{Int64LE, []uint16{1, 0, 0, 0}, 1},
		{Int64BE, []uint16{0, 0, 0, 1}, 1},
		{UInt64LE, []uint16{0, 0, 0, 1}, 1 << 48},
		{Int16, []uint16{0xFFFF}, -1},
		{UInt16, []uint16{0xFFFF}, 65535},
	}
	for _, tt := range tests {
		got, err := ReadInt64(tt.dt, tt.words, 0)
		if err != nil {
			t.Errorf("%s: %v", tt.dt, err)
			continue
		}
		if got != tt.expected {
			t.Errorf("%s % X: expected %d, got %d", tt.dt, tt.words, tt.expected, got)
		}
	}

	words, err := EncodeInt64(Int32LE, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint16{2, 0}, words)

	words, err = EncodeFloat64(Float32BE, 1.0)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0x3F80, 0x0000}, words)
	words, err = EncodeFloat64(Float32LEBS, 1.0)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0x0000, 0x803F}, words)
}

func TestSignMagnitudeAndBCD(t *testing.T) {
	words, err := EncodeInt64(Int16SM, -1)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0x8001}, words)

	v, err := ReadInt64(Int16SM, []uint16{0x8005}, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(-5), v)

	words, err = EncodeInt64(BCDUnsigned, 1234)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0x1234}, words)

	v, err = ReadInt64(BCDSigned, []uint16{0x8042}, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(-42), v)
}

func TestReadOffsetRange(t *testing.T) {
	words := []uint16{1, 2, 3}
	v, err := ReadInt64(Int32BE, words, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2<<16|3), v)

	_, err = ReadInt64(Int32BE, words, 2)
	assert.ErrorIs(t, err, ErrConfiguration)
	_, err = ReadInt64(UInt16, words, -1)
	assert.ErrorIs(t, err, ErrConfiguration)
	_, err = ReadFloat64(Float64LE, words, 0)
	assert.ErrorIs(t, err, ErrConfiguration)
	_, err = ReadInt64(StringHigh, words, 0)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestFloatConversions(t *testing.T) {
	words, err := EncodeFloat64(Float32LE, -2.75)
	require.NoError(t, err)
	i, err := ReadInt64(Float32LE, words, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(-2), i, "floats truncate toward zero")

	f, err := ReadFloat64(UInt64LE, []uint16{0xFFFF, 0xFFFF, 0xFFFF, 0xFFFF}, 0)
	require.NoError(t, err)
	assert.Equal(t, float64(math.MaxUint64), f)

	words, err = EncodeFloat64(Int16, 12.9)
	require.NoError(t, err)
	assert.Equal(t, []uint16{12}, words)

	_, err = EncodeFloat64(StringLow, 1)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestStringPacking(t *testing.T) {
	tests := []struct {
		dt       DataType
		expected []uint16
	}{
		{StringHigh, []uint16{0x4100, 0x4200, 0x4300}},
		{StringLow, []uint16{0x0041, 0x0042, 0x0043}},
		{StringHighLow, []uint16{0x4142, 0x4300}},
		{StringLowHigh, []uint16{0x4241, 0x0043}},
		{ZStringHighLow, []uint16{0x4142, 0x4300}},
		{ZStringHigh, []uint16{0x4100, 0x4200, 0x4300, 0x0000}},
	}
	for _, tt := range tests {
		words, err := EncodeString(tt.dt, "ABC", 10)
		require.NoError(t, err, tt.dt.String())
		assert.Equal(t, tt.expected, words, tt.dt.String())

		s, err := DecodeString(tt.dt, words, 0, 16)
		require.NoError(t, err)
		assert.Equal(t, "ABC", s, tt.dt.String())
	}
}

func TestStringLimits(t *testing.T) {
	words, err := EncodeString(StringHighLow, "ABCDEF", 2)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0x4142, 0x4344}, words, "truncated to max words")

	s, err := DecodeString(StringHighLow, []uint16{0x4142, 0x4344, 0x4546}, 1, 3)
	require.NoError(t, err)
	assert.Equal(t, "CDE", s)

	s, err = DecodeString(StringLow, []uint16{0x41, 0x00, 0x42}, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, "A", s, "stops at NUL")

	buf := make([]byte, 3)
	n, err := ReadString(StringHigh, []uint16{0x4100, 0x4200, 0x4300}, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []byte{'A', 'B', 0}, buf)

	_, err = ReadString(StringHigh, nil, 0, nil)
	assert.ErrorIs(t, err, ErrConfiguration)
	_, err = EncodeString(Int16, "x", 1)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestStringNegativeLimits(t *testing.T) {
	words, err := EncodeString(StringHighLow, "AB", 0)
	require.NoError(t, err)
	assert.Empty(t, words)

	for _, n := range []int{-1, -4} {
		if _, err := EncodeString(StringHighLow, "AB", n); !errors.Is(err, ErrConfiguration) {
			t.Errorf("EncodeString max words %d: expected ErrConfiguration, got %v", n, err)
		}
	}
	for _, n := range []int{-1, -5} {
		if _, err := DecodeString(StringHigh, []uint16{0x4100}, 0, n); !errors.Is(err, ErrConfiguration) {
			t.Errorf("DecodeString max chars %d: expected ErrConfiguration, got %v", n, err)
		}
	}

	s, err := DecodeString(StringHigh, []uint16{0x4100}, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "", s)
}
