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
	"log/slog"
	"time"
)

// LinkOption is a functional option for configuring a link.
type LinkOption func(*linkOptions)

type linkOptions struct {
	timeout    time.Duration
	writeDelay time.Duration

	// Callbacks
	onConnect    func()
	onDisconnect func(error)

	logger *slog.Logger
}

func defaultLinkOptions() *linkOptions {
	return &linkOptions{
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
}

// WithTimeout sets the fixed timeout of every transaction.
func WithTimeout(d time.Duration) LinkOption {
	return func(o *linkOptions) {
		o.timeout = d
	}
}

// WithWriteDelay sets a quiet time inserted before every write.
func WithWriteDelay(d time.Duration) LinkOption {
	return func(o *linkOptions) {
		o.writeDelay = d
	}
}

// WithOnConnect sets a callback to be called when the connection is established.
func WithOnConnect(fn func()) LinkOption {
	return func(o *linkOptions) {
		o.onConnect = fn
	}
}

// WithOnDisconnect sets a callback to be called when the connection is dropped
// after an I/O failure.
func WithOnDisconnect(fn func(error)) LinkOption {
	return func(o *linkOptions) {
		o.onDisconnect = fn
	}
}

// WithLogger sets the logger for the link.
func WithLogger(logger *slog.Logger) LinkOption {
	return func(o *linkOptions) {
		o.logger = logger
	}
}

// DeviceOption is a functional option for configuring a device.
type DeviceOption func(*deviceOptions)

type deviceOptions struct {
	logger       *slog.Logger
	histogram    bool
	histogramBin int
}

func defaultDeviceOptions() *deviceOptions {
	return &deviceOptions{
		logger:       slog.Default(),
		histogram:    true,
		histogramBin: 1,
	}
}

// WithDeviceLogger sets the logger for the device.
func WithDeviceLogger(logger *slog.Logger) DeviceOption {
	return func(o *deviceOptions) {
		o.logger = logger
	}
}

// WithHistogram enables or disables latency histogram collection.
func WithHistogram(enable bool) DeviceOption {
	return func(o *deviceOptions) {
		o.histogram = enable
	}
}

// WithHistogramBinWidth sets the histogram bin width in milliseconds.
func WithHistogramBinWidth(ms int) DeviceOption {
	return func(o *deviceOptions) {
		o.histogramBin = ms
	}
}

// PollerOption is a functional option for configuring a poller.
type PollerOption func(*pollerOptions)

type pollerOptions struct {
	recoveryInterval time.Duration
	logger           *slog.Logger
}

func defaultPollerOptions() *pollerOptions {
	return &pollerOptions{
		recoveryInterval: time.Second,
		logger:           slog.Default(),
	}
}

// WithRecoveryInterval sets the pause after a failure identical to the
// previous one.
func WithRecoveryInterval(d time.Duration) PollerOption {
	return func(o *pollerOptions) {
		o.recoveryInterval = d
	}
}

// WithPollerLogger sets the logger for the poller.
func WithPollerLogger(logger *slog.Logger) PollerOption {
	return func(o *pollerOptions) {
		o.logger = logger
	}
}
