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
	"strings"
	"testing"

	gmb "github.com/goburrow/modbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMBAPHeader_Encode(t *testing.T) {
	header := MBAPHeader{
		TransactionID: 0x0001,
		ProtocolID:    0x0000,
		Length:        0x0006,
		UnitID:        0x01,
	}

	expected := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01}
	result := header.Encode()

	if !bytes.Equal(result, expected) {
		t.Errorf("Expected %x, got %x", expected, result)
	}
}

func TestMBAPHeader_Decode(t *testing.T) {
	data := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01}

	var header MBAPHeader
	if err := header.Decode(data); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if header.TransactionID != 0x0001 {
		t.Errorf("TransactionID: expected 0x0001, got 0x%04X", header.TransactionID)
	}
	if header.Length != 0x0006 {
		t.Errorf("Length: expected 0x0006, got 0x%04X", header.Length)
	}
	if header.UnitID != 0x01 {
		t.Errorf("UnitID: expected 0x01, got 0x%02X", header.UnitID)
	}

	if err := header.Decode([]byte{0x00, 0x01, 0x00}); err == nil {
		t.Error("Expected error for short data")
	}
}

func TestDecodeMBAP(t *testing.T) {
	pdu := []byte{0x03, 0x02, 0x12, 0x34}
	h, body, err := DecodeMBAP(EncodeMBAP(7, 3, pdu))
	require.NoError(t, err)
	assert.Equal(t, uint16(7), h.TransactionID)
	assert.Equal(t, UnitID(3), h.UnitID)
	assert.Equal(t, pdu, body)

	bad := EncodeMBAP(7, 3, pdu)
	bad[3] = 1
	_, _, err = DecodeMBAP(bad)
	assert.ErrorIs(t, err, ErrInvalidFrame, "protocol id")

	_, _, err = DecodeMBAP(EncodeMBAP(7, 3, pdu)[:9])
	assert.ErrorIs(t, err, ErrInvalidFrame, "length field beyond frame")
}

func TestMBAPFramerMatchesReference(t *testing.T) {
	ref := gmb.NewTCPClientHandler("localhost:502")
	ref.SlaveId = 0x11
	pdu := []byte{0x03, 0x00, 0x6B, 0x00, 0x03}

	var f MBAPFramer
	for i := 0; i < 3; i++ {
		want, err := ref.Encode(&gmb.ProtocolDataUnit{FunctionCode: pdu[0], Data: pdu[1:]})
		require.NoError(t, err)
		got, err := f.Encode(0x11, pdu)
		require.NoError(t, err)
		assert.Equal(t, want, got, "frame %d", i)
	}
	assert.Equal(t, uint16(3), f.TransactionID())
}

func TestMBAPFramerRejectsStaleTransaction(t *testing.T) {
	var f MBAPFramer
	_, err := f.Encode(1, []byte{0x03, 0x00, 0x00, 0x00, 0x01})
	require.NoError(t, err)
	_, err = f.Encode(1, []byte{0x03, 0x00, 0x00, 0x00, 0x01})
	require.NoError(t, err)

	reply := []byte{0x03, 0x02, 0x00, 0x2A}
	_, _, err = f.Decode(EncodeMBAP(1, 1, reply))
	assert.ErrorIs(t, err, ErrTransactionIDMismatch)

	unit, body, err := f.Decode(EncodeMBAP(2, 1, reply))
	require.NoError(t, err)
	assert.Equal(t, UnitID(1), unit)
	assert.Equal(t, reply, body)
}

func TestMBAPFramerReadFrame(t *testing.T) {
	first := EncodeMBAP(1, 1, []byte{0x03, 0x02, 0x00, 0x01})
	second := EncodeMBAP(2, 1, []byte{0x06, 0x00, 0x01, 0x00, 0x03})
	r := bytes.NewReader(append(append([]byte(nil), first...), second...))

	var f MBAPFramer
	frame, err := f.ReadFrame(r, 0)
	require.NoError(t, err)
	assert.Equal(t, first, frame)
	frame, err = f.ReadFrame(r, 0)
	require.NoError(t, err)
	assert.Equal(t, second, frame)

	_, err = f.ReadFrame(bytes.NewReader([]byte{0, 1, 0, 0, 0xFF, 0xFF, 1}), 0)
	assert.ErrorIs(t, err, ErrInvalidFrame)
}

func TestRTUFramerMatchesReference(t *testing.T) {
	ref := gmb.NewRTUClientHandler("/dev/null")
	ref.SlaveId = 0x01
	pdus := [][]byte{
		{0x03, 0x00, 0x00, 0x00, 0x0A},
		{0x10, 0x00, 0x01, 0x00, 0x02, 0x04, 0x00, 0x0A, 0x01, 0x02},
		{0x05, 0x00, 0xAC, 0xFF, 0x00},
	}

	var f RTUFramer
	for _, pdu := range pdus {
		want, err := ref.Encode(&gmb.ProtocolDataUnit{FunctionCode: pdu[0], Data: pdu[1:]})
		require.NoError(t, err)
		got, err := f.Encode(0x01, pdu)
		require.NoError(t, err)
		assert.Equal(t, want, got)

		decoded, err := ref.Decode(got)
		require.NoError(t, err)
		assert.Equal(t, pdu[0], decoded.FunctionCode)
	}

	got, err := f.Encode(0x01, pdus[0])
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x0A, 0xC5, 0xCD}, got)
}

func TestRTUFramerDecode(t *testing.T) {
	var f RTUFramer
	adu, err := f.Encode(9, []byte{0x04, 0x02, 0x00, 0x2A})
	require.NoError(t, err)

	unit, pdu, err := f.Decode(adu)
	require.NoError(t, err)
	assert.Equal(t, UnitID(9), unit)
	assert.Equal(t, []byte{0x04, 0x02, 0x00, 0x2A}, pdu)

	adu[3] ^= 0x01
	_, _, err = f.Decode(adu)
	assert.ErrorIs(t, err, ErrChecksum)

	_, _, err = f.Decode([]byte{0x01, 0x83, 0x02})
	assert.ErrorIs(t, err, ErrInvalidFrame)
}

func TestRTUFramerReadFrame(t *testing.T) {
	var f RTUFramer
	tests := []struct {
		name     string
		pdu      []byte
		replyLen int
	}{
		{"register read", []byte{0x03, 0x04, 0x00, 0x01, 0x00, 0x02}, 6},
		{"coil read", []byte{0x01, 0x01, 0x05}, 3},
		{"write echo", []byte{0x10, 0x00, 0x01, 0x00, 0x02}, 5},
		{"exception", []byte{0x83, 0x02}, 6},
		{"combined", []byte{0x17, 0x02, 0x12, 0x34}, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adu, err := f.Encode(1, tt.pdu)
			require.NoError(t, err)
			// Trailing bytes belong to the next frame and must stay unread.
			r := bytes.NewReader(append(append([]byte(nil), adu...), 0xAA, 0xBB))
			frame, err := f.ReadFrame(r, tt.replyLen)
			require.NoError(t, err)
			assert.Equal(t, adu, frame)
			assert.Equal(t, 2, r.Len())
		})
	}
}

func TestASCIIFramerMatchesReference(t *testing.T) {
	ref := gmb.NewASCIIClientHandler("/dev/null")
	ref.SlaveId = 0x01
	pdu := []byte{0x03, 0x00, 0x00, 0x00, 0x01}

	var f ASCIIFramer
	got, err := f.Encode(0x01, pdu)
	require.NoError(t, err)
	assert.Equal(t, ":010300000001FB", string(got))

	want, err := ref.Encode(&gmb.ProtocolDataUnit{FunctionCode: pdu[0], Data: pdu[1:]})
	require.NoError(t, err)
	line := append(got, f.Terminator()...)
	assert.Equal(t, strings.ToUpper(string(want)), string(line))

	decoded, err := ref.Decode(line)
	require.NoError(t, err)
	assert.Equal(t, pdu[1:], decoded.Data)
}

func TestASCIIFramerDecode(t *testing.T) {
	var f ASCIIFramer

	unit, pdu, err := f.Decode([]byte(":0103020102f7\r\n"))
	require.NoError(t, err)
	assert.Equal(t, UnitID(1), unit)
	assert.Equal(t, []byte{0x03, 0x02, 0x01, 0x02}, pdu)

	_, _, err = f.Decode([]byte(":0103020102F8\r\n"))
	assert.ErrorIs(t, err, ErrChecksum)

	_, _, err = f.Decode([]byte("0103020102F7\r\n"))
	assert.ErrorIs(t, err, ErrInvalidFrame, "missing colon")

	_, _, err = f.Decode([]byte(":0103020102F\r\n"))
	assert.ErrorIs(t, err, ErrInvalidFrame, "odd length")

	_, _, err = f.Decode([]byte(":01030201XXF7\r\n"))
	assert.ErrorIs(t, err, ErrInvalidFrame, "non-hex")
}

func TestASCIIFramerReadFrame(t *testing.T) {
	var f ASCIIFramer
	r := bytes.NewReader([]byte(":0103020102F7\r\n:01"))
	frame, err := f.ReadFrame(r, 0)
	require.NoError(t, err)
	assert.Equal(t, ":0103020102F7\r\n", string(frame))
	assert.Equal(t, 3, r.Len())
}

func TestNewFramer(t *testing.T) {
	assert.IsType(t, &MBAPFramer{}, NewFramer(LinkTCP))
	assert.IsType(t, &RTUFramer{}, NewFramer(LinkRTU))
	assert.IsType(t, &ASCIIFramer{}, NewFramer(LinkASCII))
}
