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

package config

import (
	"fmt"

	"github.com/edgeo-scada/modbus-poller"
	"github.com/edgeo-scada/modbus-poller/internal/transport"
)

// LinkType returns the framing of the link.
func (l LinkConfig) LinkType() (modbus.LinkType, error) {
	return modbus.ParseLinkType(l.Type)
}

// NewTransport creates the transport the link connects over.
func (l LinkConfig) NewTransport() (modbus.Transport, error) {
	timeout := l.Timeout
	if timeout == 0 {
		timeout = modbus.DefaultTimeout
	}
	if l.Serial != nil {
		return transport.NewSerialTransport(transport.SerialConfig{
			Device:   l.Serial.Device,
			BaudRate: l.Serial.BaudRate,
			DataBits: l.Serial.DataBits,
			StopBits: l.Serial.StopBits,
			Parity:   l.Serial.Parity,
			RS485:    l.Serial.RS485,
		}, timeout), nil
	}
	if l.Address == "" {
		return nil, fmt.Errorf("%w: link %q has no address", modbus.ErrConfiguration, l.Name)
	}
	return transport.NewTCPTransport(l.Address, timeout), nil
}

// Options returns the link options set in the file.
func (l LinkConfig) Options() []modbus.LinkOption {
	var opts []modbus.LinkOption
	if l.Timeout > 0 {
		opts = append(opts, modbus.WithTimeout(l.Timeout))
	}
	if l.WriteDelay > 0 {
		opts = append(opts, modbus.WithWriteDelay(l.WriteDelay))
	}
	return opts
}

// ModbusConfig converts the device entry into a library configuration.
func (d DeviceConfig) ModbusConfig() (modbus.DeviceConfig, error) {
	op, err := modbus.ParseOperation(d.Operation)
	if err != nil {
		return modbus.DeviceConfig{}, fmt.Errorf("device %q: %w", d.Name, err)
	}
	dt, err := modbus.ParseDataType(d.DataType)
	if err != nil {
		return modbus.DeviceConfig{}, fmt.Errorf("device %q: %w", d.Name, err)
	}
	mc := modbus.DeviceConfig{
		Name:         d.Name,
		Slave:        modbus.UnitID(d.Slave),
		Operation:    op,
		Start:        d.Start,
		Length:       d.Length,
		DataType:     dt,
		PollInterval: d.PollInterval,
		Variant:      d.Variant,
	}
	if d.Absolute {
		mc.Start = modbus.AbsoluteAddress
	}
	if d.Readback != nil {
		mc.ReadbackOffset = modbus.ReadbackOffset{Registers: d.Readback.Registers, Coils: d.Readback.Coils}
	}
	return mc, nil
}

// Options returns the device options set in the file.
func (d DeviceConfig) Options() []modbus.DeviceOption {
	var opts []modbus.DeviceOption
	if h := d.Histogram; h != nil {
		opts = append(opts, modbus.WithHistogram(h.Enabled))
		if h.BinWidthMs > 0 {
			opts = append(opts, modbus.WithHistogramBinWidth(h.BinWidthMs))
		}
	}
	return opts
}

// dataType returns the point's type, falling back to the device default.
func (p PointConfig) dataType(d DeviceConfig) (modbus.DataType, error) {
	if p.DataType == "" {
		return modbus.ParseDataType(d.DataType)
	}
	return modbus.ParseDataType(p.DataType)
}

// Point is a resolved subscriber binding.
type Point struct {
	Name     string
	Class    modbus.SubscriberClass
	Offset   int
	Mask     uint16
	DataType modbus.DataType
	MaxChars int
}

// ResolvePoints parses the points of d.
func (d DeviceConfig) ResolvePoints() ([]Point, error) {
	points := make([]Point, 0, len(d.Points))
	for i, p := range d.Points {
		class, err := modbus.ParseSubscriberClass(p.Class)
		if err != nil {
			return nil, fmt.Errorf("device %q point %d: %w", d.Name, i, err)
		}
		dt, err := p.dataType(d)
		if err != nil {
			return nil, fmt.Errorf("device %q point %d: %w", d.Name, i, err)
		}
		name := p.Name
		if name == "" {
			name = fmt.Sprintf("%s.%d", class, p.Offset)
		}
		maxChars := p.MaxChars
		if class == modbus.ClassString && maxChars == 0 {
			maxChars = (d.Length - p.Offset) * dt.CharsPerWord()
		}
		points = append(points, Point{
			Name:     name,
			Class:    class,
			Offset:   p.Offset,
			Mask:     p.Mask,
			DataType: dt,
			MaxChars: maxChars,
		})
	}
	return points, nil
}
