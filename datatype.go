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
	"fmt"
	"math"
	"math/bits"
	"strings"
)

// DataType selects how consecutive register words map to one logical value.
type DataType uint8

// Data types. LE places the word at the lower address in the least
// significant position, BE reverses the word order. BS variants additionally
// swap the two bytes of every word.
const (
	UInt16 DataType = iota
	Int16SM
	BCDUnsigned
	BCDSigned
	Int16
	Int32LE
	Int32LEBS
	Int32BE
	Int32BEBS
	UInt32LE
	UInt32LEBS
	UInt32BE
	UInt32BEBS
	Int64LE
	Int64LEBS
	Int64BE
	Int64BEBS
	UInt64LE
	UInt64LEBS
	UInt64BE
	UInt64BEBS
	Float32LE
	Float32LEBS
	Float32BE
	Float32BEBS
	Float64LE
	Float64LEBS
	Float64BE
	Float64BEBS
	StringHigh
	StringLow
	StringHighLow
	StringLowHigh
	ZStringHigh
	ZStringLow
	ZStringHighLow
	ZStringLowHigh

	numDataTypes
)

var dataTypeNames = [numDataTypes]string{
	UInt16:         "UINT16",
	Int16SM:        "INT16SM",
	BCDUnsigned:    "BCD_UNSIGNED",
	BCDSigned:      "BCD_SIGNED",
	Int16:          "INT16",
	Int32LE:        "INT32_LE",
	Int32LEBS:      "INT32_LE_BS",
	Int32BE:        "INT32_BE",
	Int32BEBS:      "INT32_BE_BS",
	UInt32LE:       "UINT32_LE",
	UInt32LEBS:     "UINT32_LE_BS",
	UInt32BE:       "UINT32_BE",
	UInt32BEBS:     "UINT32_BE_BS",
	Int64LE:        "INT64_LE",
	Int64LEBS:      "INT64_LE_BS",
	Int64BE:        "INT64_BE",
	Int64BEBS:      "INT64_BE_BS",
	UInt64LE:       "UINT64_LE",
	UInt64LEBS:     "UINT64_LE_BS",
	UInt64BE:       "UINT64_BE",
	UInt64BEBS:     "UINT64_BE_BS",
	Float32LE:      "FLOAT32_LE",
	Float32LEBS:    "FLOAT32_LE_BS",
	Float32BE:      "FLOAT32_BE",
	Float32BEBS:    "FLOAT32_BE_BS",
	Float64LE:      "FLOAT64_LE",
	Float64LEBS:    "FLOAT64_LE_BS",
	Float64BE:      "FLOAT64_BE",
	Float64BEBS:    "FLOAT64_BE_BS",
	StringHigh:     "STRING_HIGH",
	StringLow:      "STRING_LOW",
	StringHighLow:  "STRING_HIGH_LOW",
	StringLowHigh:  "STRING_LOW_HIGH",
	ZStringHigh:    "ZSTRING_HIGH",
	ZStringLow:     "ZSTRING_LOW",
	ZStringHighLow: "ZSTRING_HIGH_LOW",
	ZStringLowHigh: "ZSTRING_LOW_HIGH",
}

// DataTypes returns every defined data type in declaration order.
func DataTypes() []DataType {
	types := make([]DataType, numDataTypes)
	for i := range types {
		types[i] = DataType(i)
	}
	return types
}

func (dt DataType) String() string {
	if dt < numDataTypes {
		return dataTypeNames[dt]
	}
	return fmt.Sprintf("DataType(%d)", uint8(dt))
}

// Valid reports whether dt is a defined data type.
func (dt DataType) Valid() bool {
	return dt < numDataTypes
}

// ParseDataType parses a data type name such as "INT32_LE", ignoring case.
// "INT32" and "FLOAT32" style names without a word order default to LE.
func ParseDataType(s string) (DataType, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	switch name {
	case "INT32", "UINT32", "INT64", "UINT64", "FLOAT32", "FLOAT64":
		name += "_LE"
	case "":
		return UInt16, nil
	}
	for i, n := range dataTypeNames {
		if n == name {
			return DataType(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown data type %q", ErrConfiguration, s)
}

// Words returns the number of registers holding one value of dt. String
// types occupy one register per one or two characters and report 1.
func (dt DataType) Words() int {
	switch {
	case dt >= Int32LE && dt <= UInt32BEBS, dt >= Float32LE && dt <= Float32BEBS:
		return 2
	case dt >= Int64LE && dt <= UInt64BEBS, dt >= Float64LE && dt <= Float64BEBS:
		return 4
	}
	return 1
}

// IsString reports whether dt is one of the packed string types.
func (dt DataType) IsString() bool {
	return dt >= StringHigh && dt <= ZStringLowHigh
}

// IsFloat reports whether dt is an IEEE-754 type.
func (dt DataType) IsFloat() bool {
	return dt >= Float32LE && dt <= Float64BEBS
}

// CharsPerWord returns 2 for the HIGH_LOW and LOW_HIGH string types and 1 for
// the other string types.
func (dt DataType) CharsPerWord() int {
	switch dt {
	case StringHighLow, StringLowHigh, ZStringHighLow, ZStringLowHigh:
		return 2
	}
	return 1
}

func (dt DataType) zeroTerminated() bool {
	return dt >= ZStringHigh && dt <= ZStringLowHigh
}

// wordLayout returns whether the lowest address holds the least significant
// word and whether bytes within each word are swapped.
func (dt DataType) wordLayout() (littleEndian, byteSwap bool) {
	// Each 4-variant group is LE, LE_BS, BE, BE_BS.
	pos := (dt - Int32LE) % 4
	return pos < 2, pos%2 == 1
}

func (dt DataType) checkRange(words []uint16, offset int) error {
	if !dt.Valid() {
		return fmt.Errorf("%w: unknown data type %d", ErrConfiguration, uint8(dt))
	}
	if offset < 0 || offset+dt.Words() > len(words) {
		return fmt.Errorf("%w: %s at offset %d exceeds %d registers", ErrConfiguration, dt, offset, len(words))
	}
	return nil
}

// joinWords assembles n words starting at words[0] into an integer.
func joinWords(dt DataType, words []uint16, n int) uint64 {
	le, bs := dt.wordLayout()
	var v uint64
	for i := 0; i < n; i++ {
		w := words[i]
		if bs {
			w = bits.ReverseBytes16(w)
		}
		shift := 16 * uint(i)
		if !le {
			shift = 16 * uint(n-1-i)
		}
		v |= uint64(w) << shift
	}
	return v
}

// splitWords is the inverse of joinWords.
func splitWords(dt DataType, v uint64, n int) []uint16 {
	le, bs := dt.wordLayout()
	words := make([]uint16, n)
	for i := 0; i < n; i++ {
		shift := 16 * uint(i)
		if !le {
			shift = 16 * uint(n-1-i)
		}
		w := uint16(v >> shift)
		if bs {
			w = bits.ReverseBytes16(w)
		}
		words[i] = w
	}
	return words
}

func decodeBCD(w uint16) int64 {
	var v int64
	mult := int64(1)
	for i := 0; i < 4; i++ {
		v += int64(w&0x0F) * mult
		w >>= 4
		mult *= 10
	}
	return v
}

func encodeBCD(v int64) uint16 {
	var w uint16
	div := int64(1000)
	for i := 3; i >= 0; i-- {
		digit := v / div
		w |= uint16(digit) << (4 * uint(i))
		v -= digit * div
		div /= 10
	}
	return w
}

// ReadInt64 decodes the value of type dt at words[offset]. Float types are
// truncated toward zero.
func ReadInt64(dt DataType, words []uint16, offset int) (int64, error) {
	if dt.IsString() {
		return 0, fmt.Errorf("%w: %s is not numeric", ErrConfiguration, dt)
	}
	if err := dt.checkRange(words, offset); err != nil {
		return 0, err
	}
	w := words[offset:]
	switch {
	case dt == UInt16:
		return int64(w[0]), nil
	case dt == Int16:
		return int64(int16(w[0])), nil
	case dt == Int16SM:
		if w[0]&0x8000 != 0 {
			return -int64(w[0] & 0x7FFF), nil
		}
		return int64(w[0]), nil
	case dt == BCDUnsigned:
		return decodeBCD(w[0]), nil
	case dt == BCDSigned:
		v := decodeBCD(w[0] & 0x7FFF)
		if w[0]&0x8000 != 0 {
			v = -v
		}
		return v, nil
	case dt >= Int32LE && dt <= Int32BEBS:
		return int64(int32(joinWords(dt, w, 2))), nil
	case dt >= UInt32LE && dt <= UInt32BEBS:
		return int64(uint32(joinWords(dt, w, 2))), nil
	case dt >= Int64LE && dt <= UInt64BEBS:
		return int64(joinWords(dt, w, 4)), nil
	case dt.IsFloat():
		f, err := ReadFloat64(dt, words, offset)
		return int64(f), err
	}
	return 0, fmt.Errorf("%w: unsupported data type %s", ErrConfiguration, dt)
}

// ReadFloat64 decodes the value of type dt at words[offset]. Integer types
// are converted through ReadInt64.
func ReadFloat64(dt DataType, words []uint16, offset int) (float64, error) {
	if !dt.IsFloat() {
		v, err := ReadInt64(dt, words, offset)
		if dt >= UInt64LE && dt <= UInt64BEBS {
			return float64(uint64(v)), err
		}
		return float64(v), err
	}
	if err := dt.checkRange(words, offset); err != nil {
		return 0, err
	}
	if dt.Words() == 2 {
		return float64(math.Float32frombits(uint32(joinWords(dt, words[offset:], 2)))), nil
	}
	return math.Float64frombits(joinWords(dt, words[offset:], 4)), nil
}

// EncodeInt64 converts value to the register words of type dt. Integers
// wider than the type lose their high-order bits. Float types encode
// float64(value).
func EncodeInt64(dt DataType, value int64) ([]uint16, error) {
	switch {
	case dt == UInt16, dt == Int16:
		return []uint16{uint16(value)}, nil
	case dt == Int16SM:
		if value < 0 {
			return []uint16{uint16(-value)&0x7FFF | 0x8000}, nil
		}
		return []uint16{uint16(value) & 0x7FFF}, nil
	case dt == BCDUnsigned:
		return []uint16{encodeBCD(value)}, nil
	case dt == BCDSigned:
		if value < 0 {
			return []uint16{encodeBCD(-value) | 0x8000}, nil
		}
		return []uint16{encodeBCD(value)}, nil
	case dt >= Int32LE && dt <= UInt32BEBS:
		return splitWords(dt, uint64(uint32(value)), 2), nil
	case dt >= Int64LE && dt <= UInt64BEBS:
		return splitWords(dt, uint64(value), 4), nil
	case dt.IsFloat():
		return EncodeFloat64(dt, float64(value))
	}
	return nil, fmt.Errorf("%w: cannot encode an integer as %s", ErrConfiguration, dt)
}

// EncodeFloat64 converts value to the register words of type dt. Integer
// types receive the value truncated to an integer.
func EncodeFloat64(dt DataType, value float64) ([]uint16, error) {
	switch {
	case dt >= Float32LE && dt <= Float32BEBS:
		return splitWords(dt, uint64(math.Float32bits(float32(value))), 2), nil
	case dt >= Float64LE && dt <= Float64BEBS:
		return splitWords(dt, math.Float64bits(value), 4), nil
	case dt.IsString() || !dt.Valid():
		return nil, fmt.Errorf("%w: cannot encode a float as %s", ErrConfiguration, dt)
	}
	return EncodeInt64(dt, int64(value))
}

// ReadString unpacks characters of string type dt from words[offset:] into
// buf and terminates them with a NUL byte, so at most len(buf)-1 characters
// are copied. Reading stops at the end of words. It returns the number of
// characters before the first NUL.
func ReadString(dt DataType, words []uint16, offset int, buf []byte) (int, error) {
	if !dt.IsString() {
		return 0, fmt.Errorf("%w: %s is not a string type", ErrConfiguration, dt)
	}
	if len(buf) == 0 {
		return 0, fmt.Errorf("%w: empty string buffer", ErrConfiguration)
	}
	if offset < 0 || offset > len(words) {
		return 0, fmt.Errorf("%w: string offset %d exceeds %d registers", ErrConfiguration, offset, len(words))
	}
	maxChars := len(buf) - 1
	i := 0
	for ; i < maxChars && offset < len(words); offset++ {
		w := words[offset]
		hi, lo := byte(w>>8), byte(w)
		switch dt {
		case StringHigh, ZStringHigh:
			buf[i] = hi
			i++
		case StringLow, ZStringLow:
			buf[i] = lo
			i++
		case StringHighLow, ZStringHighLow:
			buf[i] = hi
			i++
			if i < maxChars {
				buf[i] = lo
				i++
			}
		case StringLowHigh, ZStringLowHigh:
			buf[i] = lo
			i++
			if i < maxChars {
				buf[i] = hi
				i++
			}
		}
	}
	buf[i] = 0
	for n := 0; n < i; n++ {
		if buf[n] == 0 {
			return n, nil
		}
	}
	return i, nil
}

// DecodeString returns the string of type dt stored in words[offset:], up to
// maxChars characters or the first NUL.
func DecodeString(dt DataType, words []uint16, offset, maxChars int) (string, error) {
	if maxChars < 0 {
		return "", fmt.Errorf("%w: negative string length %d", ErrConfiguration, maxChars)
	}
	buf := make([]byte, maxChars+1)
	n, err := ReadString(dt, words, offset, buf)
	if err != nil {
		return "", err
	}
	return string(buf[:n]), nil
}

// EncodeString packs s into at most maxWords registers of string type dt. The
// ZSTRING types append a NUL terminator when room remains. A HIGH_LOW or
// LOW_HIGH string of odd length leaves the second half of its last word zero.
func EncodeString(dt DataType, s string, maxWords int) ([]uint16, error) {
	if !dt.IsString() {
		return nil, fmt.Errorf("%w: %s is not a string type", ErrConfiguration, dt)
	}
	if maxWords < 0 {
		return nil, fmt.Errorf("%w: negative string capacity %d", ErrConfiguration, maxWords)
	}
	chars := []byte(s)
	if dt.zeroTerminated() {
		chars = append(chars, 0)
	}
	per := dt.CharsPerWord()
	if maxChars := maxWords * per; len(chars) > maxChars {
		chars = chars[:maxChars]
	}
	words := make([]uint16, (len(chars)+per-1)/per)
	for i, c := range chars {
		w := &words[i/per]
		switch dt {
		case StringHigh, ZStringHigh:
			*w = uint16(c) << 8
		case StringLow, ZStringLow:
			*w = uint16(c)
		case StringHighLow, ZStringHighLow:
			if i%2 == 0 {
				*w |= uint16(c) << 8
			} else {
				*w |= uint16(c)
			}
		case StringLowHigh, ZStringLowHigh:
			if i%2 == 0 {
				*w |= uint16(c)
			} else {
				*w |= uint16(c) << 8
			}
		}
	}
	return words, nil
}
