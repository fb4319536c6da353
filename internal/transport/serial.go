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

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/goburrow/serial"
)

// SerialConfig describes a serial line.
type SerialConfig struct {
	Device   string
	BaudRate int
	DataBits int
	StopBits int
	// Parity is "N", "E" or "O".
	Parity string
	// RS485 enables RTS toggling around transmissions.
	RS485 bool
}

// SerialTransport carries RTU or ASCII frames over a serial line.
type SerialTransport struct {
	cfg     SerialConfig
	timeout time.Duration

	mu   sync.Mutex
	port serial.Port
}

// NewSerialTransport creates a serial transport. timeout is the read timeout
// of the port.
func NewSerialTransport(cfg SerialConfig, timeout time.Duration) *SerialTransport {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 9600
	}
	if cfg.DataBits == 0 {
		cfg.DataBits = 8
	}
	if cfg.StopBits == 0 {
		cfg.StopBits = 1
	}
	if cfg.Parity == "" {
		cfg.Parity = "N"
	}
	return &SerialTransport{cfg: cfg, timeout: timeout}
}

// Connect opens the serial port.
func (t *SerialTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.port != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	port, err := serial.Open(&serial.Config{
		Address:  t.cfg.Device,
		BaudRate: t.cfg.BaudRate,
		DataBits: t.cfg.DataBits,
		StopBits: t.cfg.StopBits,
		Parity:   t.cfg.Parity,
		Timeout:  t.timeout,
		RS485:    serial.RS485Config{Enabled: t.cfg.RS485},
	})
	if err != nil {
		return fmt.Errorf("serial open %s: %w", t.cfg.Device, err)
	}
	t.port = port
	return nil
}

// Close closes the serial port.
func (t *SerialTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	return err
}

// IsConnected returns true if the port is open.
func (t *SerialTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port != nil
}

// WriteRead writes request and lets read consume the reply. The port read
// timeout bounds every read; a port timeout is reported as
// os.ErrDeadlineExceeded. Any failure closes the port, which discards
// unread input.
func (t *SerialTransport) WriteRead(ctx context.Context, request []byte, read func(io.Reader) ([]byte, error)) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.port == nil {
		return nil, ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if _, err := t.port.Write(request); err != nil {
		t.closePortLocked()
		return nil, fmt.Errorf("write: %w", err)
	}

	reply, err := read(&deadlineReader{ctx: ctx, r: t.port})
	if err != nil {
		t.closePortLocked()
		if errors.Is(err, serial.ErrTimeout) {
			return nil, fmt.Errorf("read: %w", os.ErrDeadlineExceeded)
		}
		return nil, fmt.Errorf("read: %w", err)
	}
	return reply, nil
}

func (t *SerialTransport) closePortLocked() {
	if t.port != nil {
		t.port.Close()
		t.port = nil
	}
}

// deadlineReader stops reading once ctx is done.
type deadlineReader struct {
	ctx context.Context
	r   io.Reader
}

func (d *deadlineReader) Read(p []byte) (int, error) {
	if err := d.ctx.Err(); err != nil {
		return 0, err
	}
	return d.r.Read(p)
}
