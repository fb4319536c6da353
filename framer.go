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
	"io"
)

// Framer wraps protocol data units in the envelope of one link type. A Framer
// holds per-connection state and must not be shared between connections.
type Framer interface {
	// Encode wraps pdu for slave.
	Encode(slave UnitID, pdu []byte) ([]byte, error)
	// Decode unwraps a received frame and returns the slave id and PDU.
	Decode(adu []byte) (UnitID, []byte, error)
	// ReadFrame reads one complete reply frame from r. replyLen is the PDU
	// length of a normal reply and is used only when the frame carries no
	// length information of its own.
	ReadFrame(r io.Reader, replyLen int) ([]byte, error)
}

// NewFramer returns a fresh framer for the given link type.
func NewFramer(t LinkType) Framer {
	switch t {
	case LinkRTU:
		return &RTUFramer{}
	case LinkASCII:
		return &ASCIIFramer{}
	default:
		return &MBAPFramer{}
	}
}

// MBAPHeader represents the Modbus Application Protocol header for TCP.
type MBAPHeader struct {
	TransactionID uint16 // Transaction identifier
	ProtocolID    uint16 // Protocol identifier (always 0 for Modbus)
	Length        uint16 // Number of following bytes (Unit ID + PDU)
	UnitID        UnitID // Unit identifier (slave address)
}

// Encode encodes the MBAP header to bytes.
func (h *MBAPHeader) Encode() []byte {
	buf := make([]byte, MBAPHeaderSize)
	binary.BigEndian.PutUint16(buf[0:2], h.TransactionID)
	binary.BigEndian.PutUint16(buf[2:4], h.ProtocolID)
	binary.BigEndian.PutUint16(buf[4:6], h.Length)
	buf[6] = byte(h.UnitID)
	return buf
}

// Decode decodes the MBAP header from bytes.
func (h *MBAPHeader) Decode(data []byte) error {
	if len(data) < MBAPHeaderSize {
		return fmt.Errorf("%w: MBAP header too short", ErrInvalidFrame)
	}
	h.TransactionID = binary.BigEndian.Uint16(data[0:2])
	h.ProtocolID = binary.BigEndian.Uint16(data[2:4])
	h.Length = binary.BigEndian.Uint16(data[4:6])
	h.UnitID = UnitID(data[6])
	return nil
}

// EncodeMBAP builds a complete MBAP frame with the given transaction id.
func EncodeMBAP(tid uint16, unit UnitID, pdu []byte) []byte {
	h := MBAPHeader{TransactionID: tid, ProtocolID: ProtocolID, Length: uint16(len(pdu) + 1), UnitID: unit}
	return append(h.Encode(), pdu...)
}

// DecodeMBAP splits an MBAP frame into its header and PDU.
func DecodeMBAP(adu []byte) (MBAPHeader, []byte, error) {
	var h MBAPHeader
	if err := h.Decode(adu); err != nil {
		return h, nil, err
	}
	if h.ProtocolID != ProtocolID {
		return h, nil, fmt.Errorf("%w: invalid protocol ID %d", ErrInvalidFrame, h.ProtocolID)
	}
	pduLen := int(h.Length) - 1
	if pduLen < 1 || len(adu) < MBAPHeaderSize+pduLen {
		return h, nil, fmt.Errorf("%w: length field %d does not match frame", ErrInvalidFrame, h.Length)
	}
	return h, adu[MBAPHeaderSize : MBAPHeaderSize+pduLen], nil
}

// readMBAP reads one MBAP frame into buf.
func readMBAP(r io.Reader, buf []byte) ([]byte, error) {
	if _, err := io.ReadFull(r, buf[:MBAPHeaderSize]); err != nil {
		return nil, err
	}
	length := int(binary.BigEndian.Uint16(buf[4:6]))
	if length < 2 || MBAPHeaderSize-1+length > len(buf) {
		return nil, fmt.Errorf("%w: invalid length %d", ErrInvalidFrame, length)
	}
	end := MBAPHeaderSize - 1 + length
	if _, err := io.ReadFull(r, buf[MBAPHeaderSize:end]); err != nil {
		return nil, err
	}
	return buf[:end], nil
}

// MBAPFramer is the length-prefixed TCP envelope. Every Encode advances the
// transaction id; Decode rejects frames answering any other id.
type MBAPFramer struct {
	tid uint16
	buf [MaxFrameSize]byte
}

// TransactionID returns the id of the last encoded frame.
func (f *MBAPFramer) TransactionID() uint16 {
	return f.tid
}

// Encode implements Framer.
func (f *MBAPFramer) Encode(slave UnitID, pdu []byte) ([]byte, error) {
	if MBAPHeaderSize+len(pdu) > MaxFrameSize {
		return nil, fmt.Errorf("%w: PDU of %d bytes exceeds frame size", ErrInvalidFrame, len(pdu))
	}
	f.tid++
	return EncodeMBAP(f.tid, slave, pdu), nil
}

// Decode implements Framer. A frame with a stale transaction id yields
// ErrTransactionIDMismatch.
func (f *MBAPFramer) Decode(adu []byte) (UnitID, []byte, error) {
	h, pdu, err := DecodeMBAP(adu)
	if err != nil {
		return 0, nil, err
	}
	if h.TransactionID != f.tid {
		return h.UnitID, nil, fmt.Errorf("%w: got %d, want %d", ErrTransactionIDMismatch, h.TransactionID, f.tid)
	}
	return h.UnitID, pdu, nil
}

// ReadFrame implements Framer.
func (f *MBAPFramer) ReadFrame(r io.Reader, _ int) ([]byte, error) {
	return readMBAP(r, f.buf[:])
}

// RTUFramer is the binary envelope: slave id, PDU, CRC16 low byte first.
type RTUFramer struct {
	buf [MaxFrameSize]byte
}

// Encode implements Framer.
func (f *RTUFramer) Encode(slave UnitID, pdu []byte) ([]byte, error) {
	if len(pdu)+3 > MaxFrameSize {
		return nil, fmt.Errorf("%w: PDU of %d bytes exceeds frame size", ErrInvalidFrame, len(pdu))
	}
	adu := make([]byte, 0, len(pdu)+3)
	adu = append(adu, byte(slave))
	adu = append(adu, pdu...)
	return AppendCRC16(adu), nil
}

// Decode implements Framer. The CRC over the whole frame including its
// trailer must be zero.
func (f *RTUFramer) Decode(adu []byte) (UnitID, []byte, error) {
	if len(adu) < 4 {
		return 0, nil, fmt.Errorf("%w: RTU frame of %d bytes", ErrInvalidFrame, len(adu))
	}
	if lo, hi := CRC16(adu); lo != 0 || hi != 0 {
		return 0, nil, fmt.Errorf("%w: RTU CRC", ErrChecksum)
	}
	return UnitID(adu[0]), adu[1 : len(adu)-2], nil
}

// ReadFrame implements Framer. The frame length is derived from the function
// code and, for reads, the byte count field.
func (f *RTUFramer) ReadFrame(r io.Reader, replyLen int) ([]byte, error) {
	buf := f.buf[:]
	if _, err := io.ReadFull(r, buf[:2]); err != nil {
		return nil, err
	}
	n := 2
	var rest int
	fc := FunctionCode(buf[1])
	switch {
	case fc&0x80 != 0:
		rest = 3
	case fc == FuncReadCoils, fc == FuncReadDiscreteInputs, fc == FuncReadHoldingRegisters,
		fc == FuncReadInputRegisters, fc == FuncReadWriteMultipleRegisters:
		if _, err := io.ReadFull(r, buf[2:3]); err != nil {
			return nil, err
		}
		n = 3
		rest = int(buf[2]) + 2
	case fc == FuncWriteSingleCoil, fc == FuncWriteSingleRegister,
		fc == FuncWriteMultipleCoils, fc == FuncWriteMultipleRegisters:
		rest = 6
	default:
		rest = replyLen + 1
	}
	if n+rest > len(buf) {
		return nil, fmt.Errorf("%w: RTU frame exceeds %d bytes", ErrInvalidFrame, len(buf))
	}
	if _, err := io.ReadFull(r, buf[n:n+rest]); err != nil {
		return nil, err
	}
	return buf[:n+rest], nil
}

// ASCIIFramer is the printable envelope: ':' followed by the uppercase hex of
// slave id, PDU and LRC. The line terminator belongs to the link.
type ASCIIFramer struct {
	buf [2*MaxFrameSize + 3]byte
}

// Terminator returns the line terminator appended by the link on write.
func (f *ASCIIFramer) Terminator() []byte {
	return []byte("\r\n")
}

// Encode implements Framer.
func (f *ASCIIFramer) Encode(slave UnitID, pdu []byte) ([]byte, error) {
	if 2*(len(pdu)+2)+1 > len(f.buf) {
		return nil, fmt.Errorf("%w: PDU of %d bytes exceeds frame size", ErrInvalidFrame, len(pdu))
	}
	raw := make([]byte, 0, len(pdu)+1)
	raw = append(raw, byte(slave))
	raw = append(raw, pdu...)
	adu := make([]byte, 0, 1+2*(len(raw)+1))
	adu = append(adu, ':')
	for _, b := range raw {
		adu = AppendHex(adu, b)
	}
	return AppendHex(adu, LRC(raw)), nil
}

// Decode implements Framer. The returned PDU excludes the slave id and LRC.
func (f *ASCIIFramer) Decode(adu []byte) (UnitID, []byte, error) {
	for len(adu) > 0 && (adu[len(adu)-1] == '\n' || adu[len(adu)-1] == '\r') {
		adu = adu[:len(adu)-1]
	}
	if len(adu) == 0 || adu[0] != ':' {
		return 0, nil, fmt.Errorf("%w: ASCII frame does not start with ':'", ErrInvalidFrame)
	}
	hex := adu[1:]
	if len(hex)%2 != 0 || len(hex) < 6 {
		return 0, nil, fmt.Errorf("%w: ASCII frame of %d characters", ErrInvalidFrame, len(hex))
	}
	raw := make([]byte, len(hex)/2)
	for i := range raw {
		b, ok := HexDecode(hex[2*i], hex[2*i+1])
		if !ok {
			return 0, nil, fmt.Errorf("%w: invalid hex at position %d", ErrInvalidFrame, 1+2*i)
		}
		raw[i] = b
	}
	last := len(raw) - 1
	if LRC(raw[:last]) != raw[last] {
		return 0, nil, fmt.Errorf("%w: ASCII LRC", ErrChecksum)
	}
	return UnitID(raw[0]), raw[1:last], nil
}

// ReadFrame implements Framer. It reads up to and including the line feed.
func (f *ASCIIFramer) ReadFrame(r io.Reader, _ int) ([]byte, error) {
	n := 0
	for n < len(f.buf) {
		if _, err := io.ReadFull(r, f.buf[n:n+1]); err != nil {
			return nil, err
		}
		n++
		if f.buf[n-1] == '\n' {
			return f.buf[:n], nil
		}
	}
	return nil, fmt.Errorf("%w: ASCII frame exceeds %d characters", ErrInvalidFrame, len(f.buf))
}
