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
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Poller periodically refreshes the register image of one device and fans
// the result out to its subscribers.
type Poller struct {
	dev    *Device
	subs   *Subscribers
	opts   *pollerOptions
	logger *slog.Logger

	prevStatus Status
}

// NewPoller creates a poller for dev. Devices using absolute addressing have
// no poller.
func NewPoller(dev *Device, subs *Subscribers, opts ...PollerOption) (*Poller, error) {
	if dev == nil {
		return nil, fmt.Errorf("%w: poller without device", ErrConfiguration)
	}
	if dev.cfg.Absolute() {
		return nil, fmt.Errorf("%w: device %q uses absolute addressing and cannot be polled",
			ErrConfiguration, dev.cfg.Name)
	}
	if subs == nil {
		subs = NewSubscribers()
	}
	options := defaultPollerOptions()
	for _, opt := range opts {
		opt(options)
	}
	return &Poller{
		dev:    dev,
		subs:   subs,
		opts:   options,
		logger: options.logger.With(slog.String("device", dev.cfg.Name)),
	}, nil
}

// Subscribers returns the collection the poller notifies.
func (p *Poller) Subscribers() *Subscribers {
	return p.subs
}

// Run polls until ctx is cancelled. The first cycle starts immediately; later
// cycles start after the poll interval or when the device is woken. A poll
// interval of zero waits for a wake only.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("poller started",
		slog.String("op", p.dev.cfg.Operation.String()),
		slog.Duration("interval", p.dev.PollInterval()))
	defer p.logger.Info("poller stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}
		if p.cycle(ctx) {
			if !sleepContext(ctx, p.opts.recoveryInterval) {
				return nil
			}
		}
		if !p.wait(ctx) {
			return nil
		}
	}
}

func (p *Poller) wait(ctx context.Context) bool {
	var tick <-chan time.Time
	if interval := p.dev.PollInterval(); interval > 0 {
		timer := time.NewTimer(interval)
		defer timer.Stop()
		tick = timer.C
	}
	select {
	case <-ctx.Done():
		return false
	case <-p.dev.wake:
	case <-tick:
	}
	return true
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// cycle runs one transaction and its fan-out under the device lock. It
// reports true when the failure repeats the previous one, in which case no
// subscriber is notified and the caller backs off.
func (p *Poller) cycle(ctx context.Context) bool {
	d := p.dev
	d.mu.Lock()
	defer d.mu.Unlock()

	attempted, err := d.pollLocked(ctx)
	if !attempted {
		return false
	}
	status := StatusOf(err)
	if err != nil && status == p.prevStatus {
		return true
	}

	force := d.force.Swap(false) || status != p.prevStatus
	if err != nil {
		p.subs.notifyError(err)
	} else {
		p.subs.fanOut(d.image, d.previous, force)
	}
	p.prevStatus = status
	copy(d.previous, d.image)
	return false
}
