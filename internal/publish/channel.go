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

package publish

import (
	"github.com/edgeo-scada/modbus-poller"
)

// Channel is a buffered Sink. When the buffer is full new updates are
// dropped and counted.
type Channel struct {
	ch      chan Update
	dropped modbus.Counter
}

// NewChannel creates a channel sink holding up to size updates.
func NewChannel(size int) *Channel {
	if size < 1 {
		size = 1
	}
	return &Channel{ch: make(chan Update, size)}
}

// Publish implements Sink.
func (c *Channel) Publish(u Update) {
	select {
	case c.ch <- u:
	default:
		c.dropped.Add(1)
	}
}

// Updates returns the receive side.
func (c *Channel) Updates() <-chan Update {
	return c.ch
}

// Dropped returns the number of updates lost to a full buffer.
func (c *Channel) Dropped() int64 {
	return c.dropped.Value()
}

// Fanout forwards every update to all sinks.
type Fanout []Sink

// Publish implements Sink.
func (f Fanout) Publish(u Update) {
	for _, s := range f {
		s.Publish(u)
	}
}
