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
)

// Validate checks the file for consistency. It does not mutate f.
func Validate(f *File) error {
	links := make(map[string]bool, len(f.Links))
	for _, l := range f.Links {
		if l.Name == "" {
			return fmt.Errorf("%w: link without name", modbus.ErrConfiguration)
		}
		if links[l.Name] {
			return fmt.Errorf("%w: duplicate link %q", modbus.ErrConfiguration, l.Name)
		}
		links[l.Name] = true

		if _, err := modbus.ParseLinkType(l.Type); err != nil {
			return fmt.Errorf("link %q: %w", l.Name, err)
		}
		switch {
		case l.Address == "" && l.Serial == nil:
			return fmt.Errorf("%w: link %q: one of address or serial is required", modbus.ErrConfiguration, l.Name)
		case l.Address != "" && l.Serial != nil:
			return fmt.Errorf("%w: link %q: address and serial are exclusive", modbus.ErrConfiguration, l.Name)
		case l.Serial != nil && l.Serial.Device == "":
			return fmt.Errorf("%w: link %q: serial device is required", modbus.ErrConfiguration, l.Name)
		}
		if l.Timeout < 0 || l.WriteDelay < 0 {
			return fmt.Errorf("%w: link %q: negative duration", modbus.ErrConfiguration, l.Name)
		}
	}

	devices := make(map[string]bool, len(f.Devices))
	for _, d := range f.Devices {
		if d.Name == "" {
			return fmt.Errorf("%w: device without name", modbus.ErrConfiguration)
		}
		if devices[d.Name] {
			return fmt.Errorf("%w: duplicate device %q", modbus.ErrConfiguration, d.Name)
		}
		devices[d.Name] = true

		if !links[d.Link] {
			return fmt.Errorf("%w: device %q: unknown link %q", modbus.ErrConfiguration, d.Name, d.Link)
		}
		mc, err := d.ModbusConfig()
		if err != nil {
			return err
		}
		if err := mc.Validate(); err != nil {
			return err
		}
		if d.Histogram != nil && d.Histogram.BinWidthMs < 0 {
			return fmt.Errorf("%w: device %q: negative histogram bin width", modbus.ErrConfiguration, d.Name)
		}
		if d.Absolute && len(d.Points) > 0 {
			return fmt.Errorf("%w: device %q: absolute devices are not polled and cannot have points",
				modbus.ErrConfiguration, d.Name)
		}
		for _, p := range d.Points {
			if err := validatePoint(d, p); err != nil {
				return err
			}
		}
	}

	if m := f.MQTT; m != nil {
		if m.Broker == "" {
			return fmt.Errorf("%w: mqtt: broker is required", modbus.ErrConfiguration)
		}
		if m.QoS > 2 {
			return fmt.Errorf("%w: mqtt: qos must be 0-2, got %d", modbus.ErrConfiguration, m.QoS)
		}
	}
	return nil
}

func validatePoint(d DeviceConfig, p PointConfig) error {
	class, err := modbus.ParseSubscriberClass(p.Class)
	if err != nil {
		return fmt.Errorf("device %q point %q: %w", d.Name, p.Name, err)
	}
	if p.Offset < 0 || p.Offset >= d.Length {
		return fmt.Errorf("%w: device %q point %q: offset %d outside %d registers",
			modbus.ErrConfiguration, d.Name, p.Name, p.Offset, d.Length)
	}
	dt, err := p.dataType(d)
	if err != nil {
		return fmt.Errorf("device %q point %q: %w", d.Name, p.Name, err)
	}
	if p.MaxChars < 0 {
		return fmt.Errorf("%w: device %q point %q: negative max_chars %d",
			modbus.ErrConfiguration, d.Name, p.Name, p.MaxChars)
	}
	switch class {
	case modbus.ClassInt, modbus.ClassFloat, modbus.ClassArray:
		if dt.IsString() {
			return fmt.Errorf("%w: device %q point %q: %s is not numeric",
				modbus.ErrConfiguration, d.Name, p.Name, dt)
		}
		if p.Offset+dt.Words() > d.Length {
			return fmt.Errorf("%w: device %q point %q: %s at offset %d exceeds %d registers",
				modbus.ErrConfiguration, d.Name, p.Name, dt, p.Offset, d.Length)
		}
	case modbus.ClassString:
		if !dt.IsString() {
			return fmt.Errorf("%w: device %q point %q: %s is not a string type",
				modbus.ErrConfiguration, d.Name, p.Name, dt)
		}
	}
	return nil
}
