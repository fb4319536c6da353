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
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/edgeo-scada/modbus-poller/internal/config"
)

// publisher is the part of mqtt.Client the sink uses.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTSink publishes updates as JSON to <prefix>/<device>/<point> and
// statistics to <prefix>/<device>/$stats.
type MQTTSink struct {
	client  mqtt.Client
	pub     publisher
	prefix  string
	qos     byte
	retain  bool
	timeout time.Duration
	logger  *slog.Logger
}

type payload struct {
	Device string `json:"device"`
	Point  string `json:"point"`
	Class  string `json:"class"`
	Value  any    `json:"value,omitempty"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	Time   string `json:"time"`
}

// NewMQTTSink creates a sink for cfg. Connect must be called before use.
func NewMQTTSink(cfg *config.MQTTConfig, logger *slog.Logger) *MQTTSink {
	if logger == nil {
		logger = slog.Default()
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "modbuspoll-" + uuid.NewString()
	}

	s := &MQTTSink{
		prefix:  strings.TrimSuffix(cfg.TopicPrefix, "/"),
		qos:     cfg.QoS,
		retain:  cfg.Retain,
		timeout: 5 * time.Second,
		logger:  logger.With(slog.String("broker", cfg.Broker)),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(clientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		s.logger.Info("mqtt connected")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.logger.Warn("mqtt connection lost", slog.String("error", err.Error()))
	})

	s.client = mqtt.NewClient(opts)
	s.pub = s.client
	return s
}

// Connect dials the broker, giving up when ctx is done.
func (s *MQTTSink) Connect(ctx context.Context) error {
	token := s.client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt connect: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close disconnects from the broker.
func (s *MQTTSink) Close() {
	if s.client != nil {
		s.client.Disconnect(250)
	}
}

// Topic returns the topic of a point.
func (s *MQTTSink) Topic(device, point string) string {
	if s.prefix == "" {
		return device + "/" + point
	}
	return s.prefix + "/" + device + "/" + point
}

// Publish implements Sink. The broker round trip runs asynchronously.
func (s *MQTTSink) Publish(u Update) {
	p := payload{
		Device: u.Device,
		Point:  u.Point,
		Class:  u.Class.String(),
		Value:  jsonValue(u.Value),
		Status: u.Status.String(),
		Time:   u.Time.UTC().Format(time.RFC3339Nano),
	}
	if u.Err != nil {
		p.Error = u.Err.Error()
	}
	data, err := json.Marshal(p)
	if err != nil {
		s.logger.Error("encode update", slog.String("error", err.Error()))
		return
	}
	s.send(s.Topic(u.Device, u.Point), data)
}

// jsonValue replaces a NaN or infinite float, which JSON cannot carry, with
// its string form: "NaN", "+Inf" or "-Inf".
func jsonValue(v any) any {
	if f, ok := v.(float64); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	return v
}

// PublishStats publishes a statistics snapshot of device.
func (s *MQTTSink) PublishStats(device string, stats map[string]interface{}) {
	data, err := json.Marshal(stats)
	if err != nil {
		s.logger.Error("encode stats", slog.String("error", err.Error()))
		return
	}
	s.send(s.Topic(device, "$stats"), data)
}

func (s *MQTTSink) send(topic string, data []byte) {
	token := s.pub.Publish(topic, s.qos, s.retain, data)
	go func() {
		if !token.WaitTimeout(s.timeout) {
			s.logger.Warn("mqtt publish timed out", slog.String("topic", topic))
			return
		}
		if err := token.Error(); err != nil {
			s.logger.Warn("mqtt publish failed",
				slog.String("topic", topic),
				slog.String("error", err.Error()))
		}
	}()
}
