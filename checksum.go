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

// CRC16 tables for the Modbus polynomial (0xA001 reflected), split into the
// low and high byte of each 16-bit entry.
var crcLoTable, crcHiTable [256]byte

func init() {
	for i := 0; i < 256; i++ {
		crc := uint16(i)
		for bit := 0; bit < 8; bit++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0xA001
			} else {
				crc >>= 1
			}
		}
		crcLoTable[i] = byte(crc)
		crcHiTable[i] = byte(crc >> 8)
	}
}

// CRC16 computes the Modbus RTU CRC over data. The low byte is transmitted
// first. Over a frame that already carries its trailer the result is (0, 0).
func CRC16(data []byte) (lo, hi byte) {
	lo, hi = 0xFF, 0xFF
	for _, b := range data {
		idx := lo ^ b
		lo = hi ^ crcLoTable[idx]
		hi = crcHiTable[idx]
	}
	return lo, hi
}

// AppendCRC16 appends the CRC of data to it, low byte first.
func AppendCRC16(data []byte) []byte {
	lo, hi := CRC16(data)
	return append(data, lo, hi)
}

// LRC computes the Modbus ASCII longitudinal redundancy check: the two's
// complement of the byte sum.
func LRC(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return -sum
}

const hexDigits = "0123456789ABCDEF"

// AppendHex appends the two uppercase hex characters of b to dst.
func AppendHex(dst []byte, b byte) []byte {
	return append(dst, hexDigits[b>>4], hexDigits[b&0x0F])
}

// HexDecode decodes one byte from two hex characters. Lowercase digits are
// accepted. ok is false if either character is not a hex digit.
func HexDecode(hi, lo byte) (b byte, ok bool) {
	h, ok1 := hexNibble(hi)
	l, ok2 := hexNibble(lo)
	return h<<4 | l, ok1 && ok2
}

func hexNibble(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	}
	return 0, false
}
