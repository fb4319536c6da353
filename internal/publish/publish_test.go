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

package publish

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeo-scada/modbus-poller"
	"github.com/edgeo-scada/modbus-poller/internal/config"
	"github.com/edgeo-scada/modbus-poller/internal/simulator"
	"github.com/edgeo-scada/modbus-poller/internal/transport"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestChannelDropsWhenFull(t *testing.T) {
	c := NewChannel(2)
	for i := 0; i < 5; i++ {
		c.Publish(Update{Point: "p"})
	}
	if got := len(c.Updates()); got != 2 {
		t.Errorf("buffered: expected 2, got %d", got)
	}
	if got := c.Dropped(); got != 3 {
		t.Errorf("Dropped: expected 3, got %d", got)
	}

	if got := cap(NewChannel(0).ch); got != 1 {
		t.Errorf("minimum size: expected 1, got %d", got)
	}
}

func TestFanout(t *testing.T) {
	var a, b []string
	f := Fanout{
		SinkFunc(func(u Update) { a = append(a, u.Point) }),
		SinkFunc(func(u Update) { b = append(b, u.Point) }),
	}
	f.Publish(Update{Point: "x"})
	f.Publish(Update{Point: "y"})
	assert.Equal(t, []string{"x", "y"}, a)
	assert.Equal(t, []string{"x", "y"}, b)
}

func startPoller(t *testing.T) (*simulator.Memory, *modbus.Poller) {
	t.Helper()
	srv := simulator.NewServer(simulator.NewMemory(), simulator.WithLogger(discardLogger))
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(l)
	t.Cleanup(func() { srv.Close() })

	link, err := modbus.NewLink("sim", transport.NewTCPTransport(l.Addr().String(), time.Second),
		modbus.LinkTCP, modbus.WithLogger(discardLogger))
	require.NoError(t, err)
	t.Cleanup(func() { link.Close() })

	dev, err := modbus.NewDevice(link, modbus.DeviceConfig{
		Name:         "tank",
		Slave:        1,
		Operation:    modbus.OpReadHoldingRegisters,
		Length:       4,
		PollInterval: 10 * time.Millisecond,
	}, modbus.WithDeviceLogger(discardLogger))
	require.NoError(t, err)

	p, err := modbus.NewPoller(dev, nil, modbus.WithPollerLogger(discardLogger))
	require.NoError(t, err)
	return srv.Memory(), p
}

// collect reads updates until every name in want has been seen once or the
// deadline passes. Only updates matching keep are recorded.
func collect(t *testing.T, c *Channel, want []string, keep func(Update) bool) map[string]Update {
	t.Helper()
	got := make(map[string]Update)
	deadline := time.After(3 * time.Second)
	for len(got) < len(want) {
		select {
		case u := <-c.Updates():
			if keep(u) {
				got[u.Point] = u
			}
		case <-deadline:
			t.Fatalf("collect: saw %d of %d points", len(got), len(want))
		}
	}
	return got
}

func TestBind(t *testing.T) {
	mem, p := startPoller(t)
	mem.SetHoldingRegisters(1, 0, 0x1234, 7, 0x4142, 0x4344)

	points := []config.Point{
		{Name: "flags", Class: modbus.ClassBits, Offset: 0, Mask: 0x00FF},
		{Name: "count", Class: modbus.ClassInt, Offset: 1, DataType: modbus.Int16},
		{Name: "level", Class: modbus.ClassFloat, Offset: 1, DataType: modbus.UInt16},
		{Name: "raw", Class: modbus.ClassArray, Offset: 2, DataType: modbus.UInt16},
		{Name: "wide", Class: modbus.ClassArray, Offset: 2, DataType: modbus.Int32BE},
		{Name: "tag", Class: modbus.ClassString, Offset: 2, DataType: modbus.StringHighLow, MaxChars: 4},
	}
	names := []string{"flags", "count", "level", "raw", "wide", "tag"}

	sink := NewChannel(256)
	unbind := Bind("tank", p.Subscribers(), points, sink)
	assert.Equal(t, 6, p.Subscribers().Len())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	got := collect(t, sink, names, func(u Update) bool { return u.Err == nil })
	for _, n := range names {
		u := got[n]
		assert.Equal(t, "tank", u.Device)
		assert.Equal(t, modbus.StatusOK, u.Status)
		assert.False(t, u.Time.IsZero())
	}
	assert.Equal(t, uint16(0x34), got["flags"].Value)
	assert.Equal(t, int64(7), got["count"].Value)
	assert.Equal(t, float64(7), got["level"].Value)
	assert.Equal(t, []int64{0x4142, 0x4344}, got["raw"].Value)
	assert.Equal(t, []int64{0x41424344}, got["wide"].Value)
	assert.Equal(t, "ABCD", got["tag"].Value)
	assert.Equal(t, modbus.ClassString, got["tag"].Class)

	mem.FailNext(modbus.ExceptionServerDeviceBusy, 1000)
	failed := collect(t, sink, names, func(u Update) bool { return u.Err != nil })
	for _, n := range names {
		u := failed[n]
		assert.Equal(t, modbus.StatusException, u.Status)
		assert.Nil(t, u.Value)
		assert.True(t, modbus.IsException(u.Err, modbus.ExceptionServerDeviceBusy))
	}

	unbind()
	assert.Equal(t, 0, p.Subscribers().Len())
}

type fakeToken struct {
	err  error
	done chan struct{}
}

func newFakeToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakePublisher struct {
	msgs chan published
	err  error
}

func (p *fakePublisher) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	p.msgs <- published{topic: topic, qos: qos, retained: retained, payload: payload.([]byte)}
	return newFakeToken(p.err)
}

func newTestSink(prefix string) (*MQTTSink, *fakePublisher) {
	s := NewMQTTSink(&config.MQTTConfig{
		Broker:      "tcp://127.0.0.1:1883",
		TopicPrefix: prefix,
		QoS:         1,
		Retain:      true,
	}, discardLogger)
	fp := &fakePublisher{msgs: make(chan published, 8)}
	s.pub = fp
	return s, fp
}

func TestMQTTSinkTopic(t *testing.T) {
	s, _ := newTestSink("plant/")
	if got := s.Topic("tank", "level"); got != "plant/tank/level" {
		t.Errorf("Topic: expected plant/tank/level, got %s", got)
	}
	s, _ = newTestSink("")
	if got := s.Topic("tank", "level"); got != "tank/level" {
		t.Errorf("Topic: expected tank/level, got %s", got)
	}
}

func TestMQTTSinkPublish(t *testing.T) {
	s, fp := newTestSink("plant")
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	s.Publish(Update{
		Device: "tank",
		Point:  "level",
		Class:  modbus.ClassFloat,
		Value:  12.5,
		Status: modbus.StatusOK,
		Time:   ts,
	})
	msg := <-fp.msgs
	assert.Equal(t, "plant/tank/level", msg.topic)
	assert.Equal(t, byte(1), msg.qos)
	assert.True(t, msg.retained)
	assert.JSONEq(t, `{"device":"tank","point":"level","class":"float","value":12.5,
		"status":"ok","time":"2025-03-01T12:00:00Z"}`, string(msg.payload))

	err := &modbus.ModbusError{FunctionCode: modbus.FuncReadHoldingRegisters, ExceptionCode: modbus.ExceptionServerDeviceBusy}
	s.Publish(Update{
		Device: "tank",
		Point:  "level",
		Class:  modbus.ClassFloat,
		Status: modbus.StatusOf(err),
		Err:    err,
		Time:   ts,
	})
	msg = <-fp.msgs
	var body map[string]any
	require.NoError(t, json.Unmarshal(msg.payload, &body))
	assert.Equal(t, err.Error(), body["error"])
	assert.Equal(t, modbus.StatusException.String(), body["status"])
	assert.NotContains(t, body, "value")
}

func TestMQTTSinkPublishNonFinite(t *testing.T) {
	s, fp := newTestSink("plant")
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	for _, tt := range []struct {
		value float64
		want  string
	}{
		{math.NaN(), "NaN"},
		{math.Inf(1), "+Inf"},
		{math.Inf(-1), "-Inf"},
	} {
		s.Publish(Update{
			Device: "tank",
			Point:  "level",
			Class:  modbus.ClassFloat,
			Value:  tt.value,
			Status: modbus.StatusOK,
			Time:   ts,
		})
		select {
		case msg := <-fp.msgs:
			var body map[string]any
			require.NoError(t, json.Unmarshal(msg.payload, &body))
			if body["value"] != tt.want {
				t.Errorf("Publish(%v): expected value %q, got %v", tt.value, tt.want, body["value"])
			}
			assert.Equal(t, "ok", body["status"])
		case <-time.After(time.Second):
			t.Fatalf("Publish(%v): nothing published", tt.value)
		}
	}
}

func TestMQTTSinkPublishStats(t *testing.T) {
	s, fp := newTestSink("plant")
	fp.err = errors.New("not connected")
	s.PublishStats("tank", map[string]interface{}{"requests_total": 3})
	msg := <-fp.msgs
	assert.Equal(t, "plant/tank/$stats", msg.topic)
	assert.JSONEq(t, `{"requests_total":3}`, string(msg.payload))
}
