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
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeTransport hands every request to respond and feeds the returned bytes
// to the link's reader. A failed exchange drops the connection.
type fakeTransport struct {
	mu         sync.Mutex
	connected  bool
	connects   int
	connectErr error
	requests   [][]byte
	respond    func(req []byte) ([]byte, error)
}

func (f *fakeTransport) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	f.connects++
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) WriteRead(_ context.Context, request []byte, read func(io.Reader) ([]byte, error)) ([]byte, error) {
	f.mu.Lock()
	f.requests = append(f.requests, append([]byte(nil), request...))
	respond := f.respond
	f.mu.Unlock()

	reply, err := respond(request)
	if err == nil {
		reply, err = read(bytes.NewReader(reply))
	}
	if err != nil {
		f.Close()
		return nil, err
	}
	return reply, nil
}

func (f *fakeTransport) setRespond(fn func(req []byte) ([]byte, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.respond = fn
}

func (f *fakeTransport) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// mbapRegisters answers MBAP register reads from values, offset by the
// requested address.
func mbapRegisters(values []uint16) func(req []byte) ([]byte, error) {
	return func(req []byte) ([]byte, error) {
		h, pdu, err := DecodeMBAP(req)
		if err != nil {
			return nil, err
		}
		return EncodeMBAP(h.TransactionID, h.UnitID, registerReplyPDU(pdu, values)), nil
	}
}

func registerReplyPDU(pdu []byte, values []uint16) []byte {
	addr := int(binary.BigEndian.Uint16(pdu[1:3]))
	qty := int(binary.BigEndian.Uint16(pdu[3:5]))
	reply := []byte{pdu[0], byte(2 * qty)}
	for i := 0; i < qty; i++ {
		reply = binary.BigEndian.AppendUint16(reply, values[addr+i])
	}
	return reply
}

func failWith(err error) func([]byte) ([]byte, error) {
	return func([]byte) ([]byte, error) { return nil, err }
}

func newTestLink(t *testing.T, tr Transport, lt LinkType, opts ...LinkOption) *Link {
	t.Helper()
	opts = append([]LinkOption{WithLogger(discardLogger), WithTimeout(time.Second)}, opts...)
	l, err := NewLink("test", tr, lt, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestNewLinkValidation(t *testing.T) {
	_, err := NewLink("nil", nil, LinkTCP)
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = NewLink("zero", &fakeTransport{}, LinkTCP, WithTimeout(0))
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestLinkTransactTCP(t *testing.T) {
	tr := &fakeTransport{respond: mbapRegisters([]uint16{10, 20, 30, 40})}
	l := newTestLink(t, tr, LinkTCP)

	data, err := l.ReadHoldingRegisters(context.Background(), 5, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint16{20, 30}, data)
	assert.Equal(t, StateConnected, l.State())

	req := tr.requests[0]
	assert.Equal(t, []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x05, 0x03, 0x00, 0x01, 0x00, 0x02}, req)
	assert.Equal(t, int64(1), l.Metrics().RequestsTotal.Value())
}

func TestLinkDiscardsStaleFrames(t *testing.T) {
	tr := &fakeTransport{}
	tr.respond = func(req []byte) ([]byte, error) {
		h, pdu, err := DecodeMBAP(req)
		if err != nil {
			return nil, err
		}
		reply := registerReplyPDU(pdu, []uint16{0xBEEF})
		stale := EncodeMBAP(h.TransactionID-1, h.UnitID, []byte{0x03, 0x02, 0xDE, 0xAD})
		return append(stale, EncodeMBAP(h.TransactionID, h.UnitID, reply)...), nil
	}
	l := newTestLink(t, tr, LinkTCP)

	data, err := l.ReadHoldingRegisters(context.Background(), 1, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0xBEEF}, data)
	assert.Equal(t, int64(1), l.Metrics().StaleFrames.Value())
}

func TestLinkTransactRTU(t *testing.T) {
	tr := &fakeTransport{}
	tr.respond = func(req []byte) ([]byte, error) {
		var f RTUFramer
		unit, pdu, err := f.Decode(req)
		if err != nil {
			return nil, err
		}
		return f.Encode(unit, registerReplyPDU(pdu, []uint16{0x1111, 0x2222}))
	}
	l := newTestLink(t, tr, LinkRTU)

	data, err := l.ReadInputRegisters(context.Background(), 3, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0x1111, 0x2222}, data)

	tr.setRespond(func(req []byte) ([]byte, error) {
		var f RTUFramer
		adu, _ := f.Encode(3, []byte{0x04, 0x02, 0x00, 0x01})
		adu[len(adu)-1] ^= 0xFF
		return adu, nil
	})
	_, err = l.ReadInputRegisters(context.Background(), 3, 0, 1)
	assert.ErrorIs(t, err, ErrChecksum)
	assert.Equal(t, StatusChecksum, StatusOf(err))
}

func TestLinkTransactASCII(t *testing.T) {
	tr := &fakeTransport{}
	tr.respond = func(req []byte) ([]byte, error) {
		if !bytes.HasSuffix(req, []byte("\r\n")) {
			return nil, errors.New("request not terminated")
		}
		var f ASCIIFramer
		unit, pdu, err := f.Decode(req)
		if err != nil {
			return nil, err
		}
		adu, err := f.Encode(unit, []byte{pdu[0], pdu[1], pdu[2], pdu[3], pdu[4]})
		return append(adu, f.Terminator()...), err
	}
	l := newTestLink(t, tr, LinkASCII)

	err := l.WriteSingleRegister(context.Background(), 2, 40, 0x0102)
	require.NoError(t, err)
	assert.Equal(t, ":020600280102CD\r\n", string(tr.requests[0]))
}

func TestLinkTimeoutAndReconnect(t *testing.T) {
	var disconnects int
	tr := &fakeTransport{respond: failWith(os.ErrDeadlineExceeded)}
	l := newTestLink(t, tr, LinkTCP, WithOnDisconnect(func(error) { disconnects++ }))

	_, err := l.ReadHoldingRegisters(context.Background(), 1, 0, 1)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, StatusTimeout, StatusOf(err))
	assert.Equal(t, StateDisconnected, l.State())
	assert.Equal(t, 1, disconnects)
	assert.Equal(t, int64(1), l.Metrics().Timeouts.Value())

	tr.setRespond(mbapRegisters([]uint16{7}))
	data, err := l.ReadHoldingRegisters(context.Background(), 1, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint16{7}, data)
	assert.Equal(t, 2, tr.connects)
	assert.Equal(t, int64(1), l.Metrics().Reconnections.Value())
	assert.Equal(t, int64(1), l.Metrics().RequestsErrors.Value())
}

func TestLinkTransportError(t *testing.T) {
	tr := &fakeTransport{connectErr: errors.New("connection refused")}
	l := newTestLink(t, tr, LinkTCP)

	_, err := l.ReadHoldingRegisters(context.Background(), 1, 0, 1)
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, 0, tr.requestCount())
}

func TestLinkException(t *testing.T) {
	tr := &fakeTransport{}
	tr.respond = func(req []byte) ([]byte, error) {
		h, _, err := DecodeMBAP(req)
		if err != nil {
			return nil, err
		}
		return EncodeMBAP(h.TransactionID, h.UnitID, []byte{0x83, 0x02}), nil
	}
	l := newTestLink(t, tr, LinkTCP)

	_, err := l.ReadHoldingRegisters(context.Background(), 1, 0, 1)
	assert.True(t, IsIllegalDataAddress(err))
	assert.Equal(t, StateConnected, l.State(), "an exception keeps the connection")
}

func TestLinkWriteDelay(t *testing.T) {
	tr := &fakeTransport{respond: mbapRegisters([]uint16{1})}
	l := newTestLink(t, tr, LinkTCP, WithWriteDelay(30*time.Millisecond))

	start := time.Now()
	_, err := l.ReadHoldingRegisters(context.Background(), 1, 0, 1)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestLinkClosed(t *testing.T) {
	tr := &fakeTransport{respond: mbapRegisters([]uint16{1})}
	l := newTestLink(t, tr, LinkTCP)
	require.NoError(t, l.Close())

	_, err := l.ReadHoldingRegisters(context.Background(), 1, 0, 1)
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.NoError(t, l.Close(), "second close is a no-op")
}

func TestLinkTypeParse(t *testing.T) {
	for in, want := range map[string]LinkType{"": LinkTCP, "MBAP": LinkTCP, "rtu": LinkRTU, " ascii ": LinkASCII} {
		got, err := ParseLinkType(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLinkType("udp")
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.Equal(t, "ascii", LinkASCII.String())
}
