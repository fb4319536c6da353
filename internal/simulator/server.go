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

// Package simulator provides an in-process Modbus slave for tests and the
// simulate command. It answers MBAP, RTU and ASCII framed requests over TCP.
package simulator

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgeo-scada/modbus-poller"
)

// Option configures a Server.
type Option func(*options)

type options struct {
	linkType      modbus.LinkType
	logger        *slog.Logger
	readTimeout   time.Duration
	maxConns      int
	responseDelay time.Duration
	staleReplies  bool
}

func defaultOptions() *options {
	return &options{
		linkType:    modbus.LinkTCP,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		readTimeout: 60 * time.Second,
		maxConns:    16,
	}
}

// WithLinkType selects the framing the server speaks.
func WithLinkType(t modbus.LinkType) Option {
	return func(o *options) {
		o.linkType = t
	}
}

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithReadTimeout sets the idle timeout of a connection.
func WithReadTimeout(d time.Duration) Option {
	return func(o *options) {
		o.readTimeout = d
	}
}

// WithMaxConns limits concurrent connections.
func WithMaxConns(n int) Option {
	return func(o *options) {
		o.maxConns = n
	}
}

// WithResponseDelay delays every reply.
func WithResponseDelay(d time.Duration) Option {
	return func(o *options) {
		o.responseDelay = d
	}
}

// WithStaleReplies makes an MBAP server send a copy of each reply carrying
// the previous transaction id before the real one.
func WithStaleReplies(enable bool) Option {
	return func(o *options) {
		o.staleReplies = enable
	}
}

// Metrics holds server-side counters.
type Metrics struct {
	RequestsTotal   modbus.Counter
	RequestsSuccess modbus.Counter
	RequestsErrors  modbus.Counter
	ActiveConns     modbus.Counter
	TotalConns      modbus.Counter
}

// Server is a simulated Modbus slave.
type Server struct {
	mem  *Memory
	opts *options

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   atomic.Bool
	wg       sync.WaitGroup
	metrics  *Metrics
	delay    atomic.Int64
}

// NewServer creates a server answering from mem.
func NewServer(mem *Memory, opts ...Option) *Server {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	s := &Server{
		mem:     mem,
		opts:    o,
		conns:   make(map[net.Conn]struct{}),
		metrics: &Metrics{},
	}
	s.delay.Store(int64(o.responseDelay))
	return s
}

// Memory returns the backing register store.
func (s *Server) Memory() *Memory {
	return s.mem
}

// Metrics returns the server counters.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// SetResponseDelay changes the reply delay at runtime.
func (s *Server) SetResponseDelay(d time.Duration) {
	s.delay.Store(int64(d))
}

// ListenAndServeContext listens on addr and serves until ctx is cancelled.
func (s *Server) ListenAndServeContext(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		s.Close()
	}()
	return s.Serve(listener)
}

// Serve accepts connections on listener until Close is called.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	s.opts.logger.Info("simulator started",
		slog.String("addr", listener.Addr().String()),
		slog.String("link", s.opts.linkType.String()))

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.opts.logger.Error("accept error", slog.String("error", err.Error()))
			continue
		}

		s.mu.Lock()
		if len(s.conns) >= s.opts.maxConns {
			s.mu.Unlock()
			s.opts.logger.Warn("max connections reached, rejecting",
				slog.String("remote", conn.RemoteAddr().String()))
			conn.Close()
			continue
		}
		s.conns[conn] = struct{}{}
		s.metrics.ActiveConns.Add(1)
		s.metrics.TotalConns.Add(1)
		s.mu.Unlock()

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// Close stops the listener and drops all connections.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.mu.Lock()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.opts.logger.Info("simulator stopped")
	return err
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// DropConnections closes every open client connection.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			s.opts.logger.Error("panic in connection handler",
				slog.String("remote", conn.RemoteAddr().String()),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}

		s.wg.Done()
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.metrics.ActiveConns.Add(-1)
		s.mu.Unlock()
	}()

	s.opts.logger.Debug("connection accepted",
		slog.String("remote", conn.RemoteAddr().String()))

	r := bufio.NewReader(conn)
	sess := newSession(s.opts.linkType)
	for {
		if s.closed.Load() {
			return
		}
		if s.opts.readTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.opts.readTimeout))
		}

		unit, pdu, err := sess.readRequest(r)
		if err != nil {
			if errors.Is(err, modbus.ErrChecksum) {
				// A slave stays silent on a corrupted frame.
				s.metrics.RequestsErrors.Add(1)
				continue
			}
			if !errors.Is(err, io.EOF) && !s.closed.Load() {
				s.opts.logger.Debug("read error",
					slog.String("remote", conn.RemoteAddr().String()),
					slog.String("error", err.Error()))
			}
			return
		}

		s.metrics.RequestsTotal.Add(1)
		reply := s.process(unit, pdu)

		if d := time.Duration(s.delay.Load()); d > 0 {
			time.Sleep(d)
		}
		if s.opts.readTimeout > 0 {
			conn.SetWriteDeadline(time.Now().Add(s.opts.readTimeout))
		}

		var out []byte
		if s.opts.staleReplies && sess.linkType == modbus.LinkTCP {
			out = append(out, modbus.EncodeMBAP(sess.tid-1, unit, reply)...)
		}
		out = append(out, sess.encodeReply(unit, reply)...)
		if _, err := conn.Write(out); err != nil {
			s.metrics.RequestsErrors.Add(1)
			s.opts.logger.Debug("write error",
				slog.String("remote", conn.RemoteAddr().String()),
				slog.String("error", err.Error()))
			return
		}
		s.metrics.RequestsSuccess.Add(1)
	}
}

// session carries the per-connection framing state.
type session struct {
	linkType modbus.LinkType
	tid      uint16
	buf      [modbus.MaxFrameSize]byte
	rtu      modbus.RTUFramer
	ascii    modbus.ASCIIFramer
}

func newSession(t modbus.LinkType) *session {
	return &session{linkType: t}
}

func (s *session) readRequest(r io.Reader) (modbus.UnitID, []byte, error) {
	switch s.linkType {
	case modbus.LinkRTU:
		adu, err := s.readRTU(r)
		if err != nil {
			return 0, nil, err
		}
		return s.rtu.Decode(adu)
	case modbus.LinkASCII:
		line, err := s.ascii.ReadFrame(r, 0)
		if err != nil {
			return 0, nil, err
		}
		return s.ascii.Decode(line)
	default:
		adu, err := s.readMBAP(r)
		if err != nil {
			return 0, nil, err
		}
		h, pdu, err := modbus.DecodeMBAP(adu)
		if err != nil {
			return 0, nil, err
		}
		s.tid = h.TransactionID
		return h.UnitID, pdu, nil
	}
}

func (s *session) readMBAP(r io.Reader) ([]byte, error) {
	buf := s.buf[:]
	if _, err := io.ReadFull(r, buf[:modbus.MBAPHeaderSize]); err != nil {
		return nil, err
	}
	length := int(binary.BigEndian.Uint16(buf[4:6]))
	end := modbus.MBAPHeaderSize - 1 + length
	if length < 2 || end > len(buf) {
		return nil, fmt.Errorf("%w: invalid length %d", modbus.ErrInvalidFrame, length)
	}
	if _, err := io.ReadFull(r, buf[modbus.MBAPHeaderSize:end]); err != nil {
		return nil, err
	}
	return buf[:end], nil
}

// readRTU reads one request frame. Its length follows from the function
// code and, for multi-word writes, the byte count field.
func (s *session) readRTU(r io.Reader) ([]byte, error) {
	buf := s.buf[:]
	if _, err := io.ReadFull(r, buf[:2]); err != nil {
		return nil, err
	}
	n := 2
	fill := func(k int) error {
		if n+k > len(buf) {
			return fmt.Errorf("%w: RTU request exceeds %d bytes", modbus.ErrInvalidFrame, len(buf))
		}
		if _, err := io.ReadFull(r, buf[n:n+k]); err != nil {
			return err
		}
		n += k
		return nil
	}

	switch fc := modbus.FunctionCode(buf[1]); fc {
	case modbus.FuncReadCoils, modbus.FuncReadDiscreteInputs, modbus.FuncReadHoldingRegisters,
		modbus.FuncReadInputRegisters, modbus.FuncWriteSingleCoil, modbus.FuncWriteSingleRegister:
		if err := fill(6); err != nil {
			return nil, err
		}
	case modbus.FuncWriteMultipleCoils, modbus.FuncWriteMultipleRegisters:
		if err := fill(5); err != nil {
			return nil, err
		}
		if err := fill(int(buf[n-1]) + 2); err != nil {
			return nil, err
		}
	case modbus.FuncReadWriteMultipleRegisters:
		if err := fill(9); err != nil {
			return nil, err
		}
		byteCount := int(buf[n-1])
		if err := fill(2); err != nil {
			return nil, err
		}
		// A read-only request declares a byte count but carries no data.
		if lo, hi := modbus.CRC16(buf[:n]); lo == 0 && hi == 0 {
			return buf[:n], nil
		}
		if err := fill(byteCount); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unsupported function code 0x%02X", modbus.ErrInvalidFrame, byte(fc))
	}
	return buf[:n], nil
}

func (s *session) encodeReply(unit modbus.UnitID, pdu []byte) []byte {
	switch s.linkType {
	case modbus.LinkRTU:
		adu, _ := s.rtu.Encode(unit, pdu)
		return adu
	case modbus.LinkASCII:
		adu, _ := s.ascii.Encode(unit, pdu)
		return append(adu, s.ascii.Terminator()...)
	default:
		return modbus.EncodeMBAP(s.tid, unit, pdu)
	}
}
