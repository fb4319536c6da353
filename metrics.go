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
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// HistogramBins is the number of latency bins kept per device.
const HistogramBins = 200

// Counter is a simple atomic counter.
type Counter struct {
	value int64
}

// Add adds delta to the counter.
func (c *Counter) Add(delta int64) {
	atomic.AddInt64(&c.value, delta)
}

// Value returns the current counter value.
func (c *Counter) Value() int64 {
	return atomic.LoadInt64(&c.value)
}

// Reset resets the counter to zero.
func (c *Counter) Reset() {
	atomic.StoreInt64(&c.value, 0)
}

// LatencyHistogram counts transaction latencies in HistogramBins fixed-width
// millisecond bins. Latencies beyond the last bin land in the last bin.
type LatencyHistogram struct {
	mu       sync.Mutex
	enabled  bool
	binWidth int // ms
	counts   [HistogramBins]int64
}

// NewLatencyHistogram creates an enabled histogram with 1 ms bins.
func NewLatencyHistogram() *LatencyHistogram {
	return &LatencyHistogram{enabled: true, binWidth: 1}
}

// Bucket returns the bin index for a latency of ms milliseconds.
func (h *LatencyHistogram) Bucket(ms int64) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return bucketFor(ms, h.binWidth)
}

func bucketFor(ms int64, binWidth int) int {
	if ms < 0 {
		return 0
	}
	bin := ms / int64(binWidth)
	if bin >= HistogramBins {
		return HistogramBins - 1
	}
	return int(bin)
}

// Observe records one latency. It is a no-op while the histogram is disabled.
func (h *LatencyHistogram) Observe(ms int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.enabled {
		return
	}
	h.counts[bucketFor(ms, h.binWidth)]++
}

// SetEnabled turns collection on or off. Enabling clears previous counts.
func (h *LatencyHistogram) SetEnabled(enable bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if enable && !h.enabled {
		h.counts = [HistogramBins]int64{}
	}
	h.enabled = enable
}

// Enabled reports whether latencies are being collected.
func (h *LatencyHistogram) Enabled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.enabled
}

// SetBinWidth changes the bin width in milliseconds and clears the counts.
func (h *LatencyHistogram) SetBinWidth(ms int) error {
	if ms < 1 {
		return fmt.Errorf("%w: histogram bin width must be at least 1 ms, got %d", ErrConfiguration, ms)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.binWidth = ms
	h.counts = [HistogramBins]int64{}
	return nil
}

// BinWidth returns the bin width in milliseconds.
func (h *LatencyHistogram) BinWidth() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.binWidth
}

// Counts returns a copy of the bin counts.
func (h *LatencyHistogram) Counts() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]int64, HistogramBins)
	copy(out, h.counts[:])
	return out
}

// TimeAxis returns the lower edge in milliseconds of every bin.
func (h *LatencyHistogram) TimeAxis() []float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	axis := make([]float64, HistogramBins)
	for i := range axis {
		axis[i] = float64(i * h.binWidth)
	}
	return axis
}

// Reset clears the counts.
func (h *LatencyHistogram) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.counts = [HistogramBins]int64{}
}

// TransactionStats holds the I/O statistics of one device.
type TransactionStats struct {
	ReadOK   Counter
	WriteOK  Counter
	IOErrors Counter
	// ConsecutiveErrors counts failures since the last success.
	ConsecutiveErrors Counter

	lastMs atomic.Int64
	maxMs  atomic.Int64

	Latency *LatencyHistogram
}

// NewTransactionStats creates empty statistics.
func NewTransactionStats() *TransactionStats {
	return &TransactionStats{Latency: NewLatencyHistogram()}
}

// Millis converts an elapsed time to whole milliseconds, rounding to nearest.
func Millis(d time.Duration) int64 {
	return d.Round(time.Millisecond).Milliseconds()
}

// Record updates the statistics after one transaction attempt.
func (s *TransactionStats) Record(op Operation, elapsed time.Duration, err error) {
	ms := Millis(elapsed)
	s.lastMs.Store(ms)
	for {
		cur := s.maxMs.Load()
		if ms <= cur || s.maxMs.CompareAndSwap(cur, ms) {
			break
		}
	}
	s.Latency.Observe(ms)

	switch {
	case err != nil:
		s.IOErrors.Add(1)
		s.ConsecutiveErrors.Add(1)
	case op.IsRead():
		s.ReadOK.Add(1)
		s.ConsecutiveErrors.Reset()
	default:
		s.WriteOK.Add(1)
		s.ConsecutiveErrors.Reset()
	}
}

// LastIOMillis returns the latency of the most recent transaction.
func (s *TransactionStats) LastIOMillis() int64 {
	return s.lastMs.Load()
}

// MaxIOMillis returns the longest latency observed.
func (s *TransactionStats) MaxIOMillis() int64 {
	return s.maxMs.Load()
}

// Collect returns the statistics as a map (compatible with expvar).
func (s *TransactionStats) Collect() map[string]interface{} {
	return map[string]interface{}{
		"read_ok":            s.ReadOK.Value(),
		"write_ok":           s.WriteOK.Value(),
		"io_errors":          s.IOErrors.Value(),
		"consecutive_errors": s.ConsecutiveErrors.Value(),
		"last_io_ms":         s.LastIOMillis(),
		"max_io_ms":          s.MaxIOMillis(),
		"histogram_enabled":  s.Latency.Enabled(),
		"histogram_bin_ms":   s.Latency.BinWidth(),
		"histogram":          s.Latency.Counts(),
	}
}

// Reset clears counters, latencies and the histogram.
func (s *TransactionStats) Reset() {
	s.ReadOK.Reset()
	s.WriteOK.Reset()
	s.IOErrors.Reset()
	s.ConsecutiveErrors.Reset()
	s.lastMs.Store(0)
	s.maxMs.Store(0)
	s.Latency.Reset()
}

// LinkMetrics holds the counters of one link connection.
type LinkMetrics struct {
	RequestsTotal  Counter
	RequestsErrors Counter
	Timeouts       Counter
	Reconnections  Counter
	// StaleFrames counts MBAP replies discarded for a transaction id mismatch.
	StaleFrames Counter
}

// Collect returns all link metrics as a map.
func (m *LinkMetrics) Collect() map[string]interface{} {
	return map[string]interface{}{
		"requests_total":  m.RequestsTotal.Value(),
		"requests_errors": m.RequestsErrors.Value(),
		"timeouts":        m.Timeouts.Value(),
		"reconnections":   m.Reconnections.Value(),
		"stale_frames":    m.StaleFrames.Value(),
	}
}

// String returns a string representation of FunctionCode.
func (fc FunctionCode) String() string {
	switch fc {
	case FuncReadCoils:
		return "ReadCoils"
	case FuncReadDiscreteInputs:
		return "ReadDiscreteInputs"
	case FuncReadHoldingRegisters:
		return "ReadHoldingRegisters"
	case FuncReadInputRegisters:
		return "ReadInputRegisters"
	case FuncWriteSingleCoil:
		return "WriteSingleCoil"
	case FuncWriteSingleRegister:
		return "WriteSingleRegister"
	case FuncWriteMultipleCoils:
		return "WriteMultipleCoils"
	case FuncWriteMultipleRegisters:
		return "WriteMultipleRegisters"
	case FuncReadWriteMultipleRegisters:
		return "ReadWriteMultipleRegisters"
	default:
		return "Unknown"
	}
}
