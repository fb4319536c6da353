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
	"strings"
	"sync"
)

// SubscriberClass names the five notification classes.
type SubscriberClass uint8

const (
	// ClassBits delivers a masked word when the masked value changes.
	ClassBits SubscriberClass = iota
	// ClassInt delivers an integer on every successful poll.
	ClassInt
	// ClassFloat delivers a float on every successful poll.
	ClassFloat
	// ClassArray delivers the typed elements from an offset to the end of
	// the range when any data changed.
	ClassArray
	// ClassString delivers a decoded string when any data changed.
	ClassString
)

func (c SubscriberClass) String() string {
	switch c {
	case ClassBits:
		return "bits"
	case ClassInt:
		return "int"
	case ClassFloat:
		return "float"
	case ClassArray:
		return "array"
	case ClassString:
		return "string"
	default:
		return fmt.Sprintf("SubscriberClass(%d)", uint8(c))
	}
}

// ParseSubscriberClass parses a class name.
func ParseSubscriberClass(s string) (SubscriberClass, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bits", "bit", "digital":
		return ClassBits, nil
	case "int", "integer":
		return ClassInt, nil
	case "float":
		return ClassFloat, nil
	case "array":
		return ClassArray, nil
	case "string":
		return ClassString, nil
	}
	return 0, fmt.Errorf("%w: unknown subscriber class %q", ErrConfiguration, s)
}

type subscription[T any] struct {
	id       uint64
	offset   int
	dataType DataType
	mask     uint16
	maxChars int
	fn       func(T, error)
}

// Subscribers holds the callbacks of one device, one typed collection per
// class. It belongs to the caller; a poller only iterates it. Callbacks run
// on the poller goroutine while the device lock is held and must not call
// back into the device.
type Subscribers struct {
	mu      sync.Mutex
	nextID  uint64
	bits    []*subscription[uint16]
	ints    []*subscription[int64]
	floats  []*subscription[float64]
	arrays  []*subscription[[]int64]
	strings []*subscription[string]
}

// NewSubscribers creates an empty collection.
func NewSubscribers() *Subscribers {
	return &Subscribers{}
}

func add[T any](s *Subscribers, list *[]*subscription[T], sub *subscription[T]) func() {
	s.mu.Lock()
	s.nextID++
	sub.id = s.nextID
	*list = append(*list, sub)
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, v := range *list {
			if v.id == sub.id {
				*list = append((*list)[:i], (*list)[i+1:]...)
				return
			}
		}
	}
}

func snapshot[T any](list []*subscription[T]) []*subscription[T] {
	out := make([]*subscription[T], len(list))
	copy(out, list)
	return out
}

// OnBits registers fn for the word at offset under mask. A mask of 0 or
// 0xFFFF delivers the whole word. The returned function unsubscribes.
func (s *Subscribers) OnBits(offset int, mask uint16, fn func(uint16, error)) func() {
	return add(s, &s.bits, &subscription[uint16]{offset: offset, mask: mask, fn: fn})
}

// OnInt registers fn for the integer of type dt at offset.
func (s *Subscribers) OnInt(offset int, dt DataType, fn func(int64, error)) func() {
	return add(s, &s.ints, &subscription[int64]{offset: offset, dataType: dt, fn: fn})
}

// OnFloat registers fn for the float of type dt at offset.
func (s *Subscribers) OnFloat(offset int, dt DataType, fn func(float64, error)) func() {
	return add(s, &s.floats, &subscription[float64]{offset: offset, dataType: dt, fn: fn})
}

// OnArray registers fn for the elements of type dt from offset to the end of
// the range. Each element spans dt.Words() registers; a trailing partial
// element is dropped. Float types are truncated as by ReadInt64.
func (s *Subscribers) OnArray(offset int, dt DataType, fn func([]int64, error)) func() {
	return add(s, &s.arrays, &subscription[[]int64]{offset: offset, dataType: dt, fn: fn})
}

// OnString registers fn for the string of type dt starting at offset, at
// most maxChars characters.
func (s *Subscribers) OnString(offset int, dt DataType, maxChars int, fn func(string, error)) func() {
	return add(s, &s.strings, &subscription[string]{offset: offset, dataType: dt, maxChars: maxChars, fn: fn})
}

// Len returns the number of registered callbacks.
func (s *Subscribers) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bits) + len(s.ints) + len(s.floats) + len(s.arrays) + len(s.strings)
}

type subscriberSet struct {
	bits    []*subscription[uint16]
	ints    []*subscription[int64]
	floats  []*subscription[float64]
	arrays  []*subscription[[]int64]
	strings []*subscription[string]
}

func (s *Subscribers) snapshot() subscriberSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return subscriberSet{
		bits:    snapshot(s.bits),
		ints:    snapshot(s.ints),
		floats:  snapshot(s.floats),
		arrays:  snapshot(s.arrays),
		strings: snapshot(s.strings),
	}
}

// notifyError delivers err to every subscriber.
func (s *Subscribers) notifyError(err error) {
	set := s.snapshot()
	for _, sub := range set.bits {
		sub.fn(0, err)
	}
	for _, sub := range set.ints {
		sub.fn(0, err)
	}
	for _, sub := range set.floats {
		sub.fn(0, err)
	}
	for _, sub := range set.arrays {
		sub.fn(nil, err)
	}
	for _, sub := range set.strings {
		sub.fn("", err)
	}
}

// fanOut delivers a successful poll. Bit subscribers fire when their masked
// word changed, integer and float subscribers always, array and string
// subscribers when anything changed. force fires every class.
func (s *Subscribers) fanOut(cur, prev []uint16, force bool) {
	set := s.snapshot()
	changed := force || !equalWords(cur, prev)

	for _, sub := range set.bits {
		if sub.offset < 0 || sub.offset >= len(cur) {
			if force {
				sub.fn(0, fmt.Errorf("%w: offset %d outside %d registers", ErrConfiguration, sub.offset, len(cur)))
			}
			continue
		}
		v := applyMask(cur[sub.offset], sub.mask)
		if force || sub.offset >= len(prev) || v != applyMask(prev[sub.offset], sub.mask) {
			sub.fn(v, nil)
		}
	}
	for _, sub := range set.ints {
		sub.fn(ReadInt64(sub.dataType, cur, sub.offset))
	}
	for _, sub := range set.floats {
		sub.fn(ReadFloat64(sub.dataType, cur, sub.offset))
	}
	if !changed {
		return
	}
	for _, sub := range set.arrays {
		sub.fn(decodeArray(sub.dataType, cur, sub.offset))
	}
	for _, sub := range set.strings {
		sub.fn(DecodeString(sub.dataType, cur, sub.offset, sub.maxChars))
	}
}

// decodeArray decodes consecutive elements of type dt from words[offset:].
func decodeArray(dt DataType, words []uint16, offset int) ([]int64, error) {
	if dt.IsString() || !dt.Valid() {
		return nil, fmt.Errorf("%w: %s is not an array element type", ErrConfiguration, dt)
	}
	if offset < 0 || offset > len(words) {
		return nil, fmt.Errorf("%w: offset %d outside %d registers", ErrConfiguration, offset, len(words))
	}
	step := dt.Words()
	out := make([]int64, 0, (len(words)-offset)/step)
	for i := offset; i+step <= len(words); i += step {
		v, err := ReadInt64(dt, words, i)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func equalWords(a, b []uint16) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
