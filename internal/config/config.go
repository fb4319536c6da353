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

// Package config loads the YAML device file used by the poller daemon.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/edgeo-scada/modbus-poller"
)

// File is the root of a device file.
type File struct {
	Links   []LinkConfig   `yaml:"links"`
	Devices []DeviceConfig `yaml:"devices"`
	MQTT    *MQTTConfig    `yaml:"mqtt,omitempty"`
}

// ---- LINK ----

// LinkConfig describes one connection. Address selects a TCP connection,
// Serial a serial line; Type selects the framing on either.
type LinkConfig struct {
	Name       string        `yaml:"name"`
	Type       string        `yaml:"type"`
	Address    string        `yaml:"address,omitempty"`
	Serial     *SerialConfig `yaml:"serial,omitempty"`
	Timeout    time.Duration `yaml:"timeout,omitempty"`
	WriteDelay time.Duration `yaml:"write_delay,omitempty"`
}

type SerialConfig struct {
	Device   string `yaml:"device"`
	BaudRate int    `yaml:"baud_rate"`
	DataBits int    `yaml:"data_bits"`
	StopBits int    `yaml:"stop_bits"`
	Parity   string `yaml:"parity"`
	RS485    bool   `yaml:"rs485"`
}

// ---- DEVICE ----

type DeviceConfig struct {
	Name         string           `yaml:"name"`
	Link         string           `yaml:"link"`
	Slave        uint8            `yaml:"slave"`
	Operation    string           `yaml:"operation"`
	Start        int              `yaml:"start"`
	Absolute     bool             `yaml:"absolute,omitempty"`
	Length       int              `yaml:"length"`
	DataType     string           `yaml:"data_type,omitempty"`
	PollInterval time.Duration    `yaml:"poll_interval"`
	Variant      string           `yaml:"variant,omitempty"`
	Readback     *ReadbackConfig  `yaml:"readback,omitempty"`
	Histogram    *HistogramConfig `yaml:"histogram,omitempty"`
	Points       []PointConfig    `yaml:"points,omitempty"`
}

type ReadbackConfig struct {
	Registers uint16 `yaml:"registers"`
	Coils     uint16 `yaml:"coils"`
}

type HistogramConfig struct {
	Enabled    bool `yaml:"enabled"`
	BinWidthMs int  `yaml:"bin_width_ms"`
}

// PointConfig binds one subscriber to a device. Class is one of bits, int,
// float, array or string.
type PointConfig struct {
	Name     string `yaml:"name"`
	Class    string `yaml:"class"`
	Offset   int    `yaml:"offset"`
	Mask     uint16 `yaml:"mask,omitempty"`
	DataType string `yaml:"data_type,omitempty"`
	MaxChars int    `yaml:"max_chars,omitempty"`
}

// ---- MQTT ----

type MQTTConfig struct {
	Broker        string        `yaml:"broker"`
	ClientID      string        `yaml:"client_id,omitempty"`
	Username      string        `yaml:"username,omitempty"`
	Password      string        `yaml:"password,omitempty"`
	TopicPrefix   string        `yaml:"topic_prefix"`
	QoS           byte          `yaml:"qos"`
	Retain        bool          `yaml:"retain"`
	StatsInterval time.Duration `yaml:"stats_interval,omitempty"`
}

// Load reads and parses the file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes a device file. Unknown keys are rejected.
func Parse(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("%w: %v", modbus.ErrConfiguration, err)
	}
	return &f, nil
}

// Marshal encodes f as YAML.
func Marshal(f *File) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(f); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Link returns the link named name.
func (f *File) Link(name string) (LinkConfig, bool) {
	for _, l := range f.Links {
		if l.Name == name {
			return l, true
		}
	}
	return LinkConfig{}, false
}

// Device returns the device named name.
func (f *File) Device(name string) (DeviceConfig, bool) {
	for _, d := range f.Devices {
		if d.Name == name {
			return d, true
		}
	}
	return DeviceConfig{}, false
}
