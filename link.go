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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"
)

// Transport is a byte-stream connection to one or more slaves. WriteRead
// sends request and hands the stream to read, which consumes exactly one
// reply; the deadline of ctx bounds the whole exchange. A transport drops its
// connection when an exchange fails.
type Transport interface {
	Connect(ctx context.Context) error
	Close() error
	IsConnected() bool
	WriteRead(ctx context.Context, request []byte, read func(io.Reader) ([]byte, error)) ([]byte, error)
}

// Link binds one transport connection to the framer of its link type. It
// serializes transactions, so devices sharing a connection can share a Link.
type Link struct {
	name      string
	linkType  LinkType
	transport Transport
	framer    Framer
	opts      *linkOptions

	mu        sync.Mutex
	state     ConnectionState
	connected bool // connected at least once
	closed    bool
	metrics   *LinkMetrics
	logger    *slog.Logger
}

// NewLink creates a link over t using the envelope of linkType. The
// connection is opened by the first transaction.
func NewLink(name string, t Transport, linkType LinkType, opts ...LinkOption) (*Link, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: link %q has no transport", ErrConfiguration, name)
	}
	options := defaultLinkOptions()
	for _, opt := range opts {
		opt(options)
	}
	if options.timeout <= 0 {
		return nil, fmt.Errorf("%w: link %q timeout must be positive", ErrConfiguration, name)
	}

	return &Link{
		name:      name,
		linkType:  linkType,
		transport: t,
		framer:    NewFramer(linkType),
		opts:      options,
		state:     StateDisconnected,
		metrics:   &LinkMetrics{},
		logger:    options.logger.With(slog.String("link", name)),
	}, nil
}

// Name returns the link name.
func (l *Link) Name() string {
	return l.name
}

// Type returns the link envelope type.
func (l *Link) Type() LinkType {
	return l.linkType
}

// Metrics returns the link metrics.
func (l *Link) Metrics() *LinkMetrics {
	return l.metrics
}

// State returns the current connection state.
func (l *Link) State() ConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Close closes the link and its transport.
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.state = StateDisconnected
	l.logger.Debug("closing link")
	return l.transport.Close()
}

// Transact performs one write-then-read exchange for req and returns the
// decoded reply data. The link timeout bounds the exchange.
func (l *Link) Transact(ctx context.Context, req *Request) ([]uint16, error) {
	pdu, err := EncodeRequest(req)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrConnectionClosed
	}

	ctx, cancel := context.WithTimeout(ctx, l.opts.timeout)
	defer cancel()

	if !l.transport.IsConnected() {
		if err := l.connectLocked(ctx); err != nil {
			l.metrics.RequestsErrors.Add(1)
			return nil, l.classify(err)
		}
	}

	adu, err := l.framer.Encode(req.Slave, pdu)
	if err != nil {
		return nil, err
	}
	if t, ok := l.framer.(interface{ Terminator() []byte }); ok {
		adu = append(adu, t.Terminator()...)
	}

	if l.opts.writeDelay > 0 {
		timer := time.NewTimer(l.opts.writeDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, l.classify(ctx.Err())
		case <-timer.C:
		}
	}

	l.metrics.RequestsTotal.Add(1)
	l.logger.Debug("sending request",
		slog.Uint64("slave", uint64(req.Slave)),
		slog.String("op", req.Operation.String()),
		slog.Uint64("addr", uint64(req.Address)))

	replyLen := ExpectedReplyLength(req)
	reply, err := l.transport.WriteRead(ctx, adu, func(r io.Reader) ([]byte, error) {
		for {
			frame, err := l.framer.ReadFrame(r, replyLen)
			if err != nil {
				return nil, err
			}
			_, body, err := l.framer.Decode(frame)
			if errors.Is(err, ErrTransactionIDMismatch) {
				l.metrics.StaleFrames.Add(1)
				l.logger.Debug("discarding stale frame", slog.String("error", err.Error()))
				continue
			}
			if err != nil {
				return nil, err
			}
			out := make([]byte, len(body))
			copy(out, body)
			return out, nil
		}
	})
	if err != nil {
		err = l.classify(err)
		l.metrics.RequestsErrors.Add(1)
		l.handleDisconnectLocked(err)
		return nil, err
	}

	return DecodeReply(req, reply)
}

func (l *Link) connectLocked(ctx context.Context) error {
	if err := l.transport.Connect(ctx); err != nil {
		return err
	}
	if l.connected {
		l.metrics.Reconnections.Add(1)
		l.logger.Info("reconnected")
	} else {
		l.logger.Info("connected")
	}
	l.connected = true
	l.state = StateConnected
	if l.opts.onConnect != nil {
		l.opts.onConnect()
	}
	return nil
}

func (l *Link) handleDisconnectLocked(err error) {
	if l.transport.IsConnected() {
		return
	}
	if l.state == StateConnected {
		l.logger.Warn("disconnected", slog.String("error", err.Error()))
		if l.opts.onDisconnect != nil {
			l.opts.onDisconnect(err)
		}
	}
	l.state = StateDisconnected
}

// classify maps a transport failure onto ErrTimeout or ErrTransport. Framing
// errors pass through unchanged.
func (l *Link) classify(err error) error {
	switch {
	case errors.Is(err, ErrChecksum), errors.Is(err, ErrInvalidFrame),
		errors.Is(err, ErrUnexpectedReplyLength):
		return err
	case isTimeout(err):
		l.metrics.Timeouts.Add(1)
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
