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

// Package publish delivers poll results to consumers outside the poller
// goroutine, either over a channel or to an MQTT broker.
package publish

import (
	"time"

	"github.com/edgeo-scada/modbus-poller"
	"github.com/edgeo-scada/modbus-poller/internal/config"
)

// Update is one subscriber delivery.
type Update struct {
	Device string                 `json:"device"`
	Point  string                 `json:"point"`
	Class  modbus.SubscriberClass `json:"-"`
	Value  any                    `json:"value,omitempty"`
	Status modbus.Status          `json:"-"`
	Err    error                  `json:"-"`
	Time   time.Time              `json:"time"`
}

// Sink receives updates. Publish is called from the poller goroutine and
// must not block.
type Sink interface {
	Publish(u Update)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Update)

func (f SinkFunc) Publish(u Update) { f(u) }

// Bind registers one subscriber per point on subs and forwards every
// delivery to sink. The returned function removes all of them.
func Bind(device string, subs *modbus.Subscribers, points []config.Point, sink Sink) func() {
	emit := func(p config.Point, v any, err error) {
		u := Update{
			Device: device,
			Point:  p.Name,
			Class:  p.Class,
			Status: modbus.StatusOf(err),
			Err:    err,
			Time:   time.Now(),
		}
		if err == nil {
			u.Value = v
		}
		sink.Publish(u)
	}

	unsubs := make([]func(), 0, len(points))
	for _, p := range points {
		p := p
		var unsub func()
		switch p.Class {
		case modbus.ClassBits:
			unsub = subs.OnBits(p.Offset, p.Mask, func(v uint16, err error) { emit(p, v, err) })
		case modbus.ClassInt:
			unsub = subs.OnInt(p.Offset, p.DataType, func(v int64, err error) { emit(p, v, err) })
		case modbus.ClassFloat:
			unsub = subs.OnFloat(p.Offset, p.DataType, func(v float64, err error) { emit(p, v, err) })
		case modbus.ClassArray:
			unsub = subs.OnArray(p.Offset, p.DataType, func(v []int64, err error) { emit(p, v, err) })
		case modbus.ClassString:
			unsub = subs.OnString(p.Offset, p.DataType, p.MaxChars, func(v string, err error) { emit(p, v, err) })
		default:
			continue
		}
		unsubs = append(unsubs, unsub)
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
