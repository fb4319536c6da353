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
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ReadbackOffset is added to the configured address when a write device reads
// its own registers, for controllers whose read and write addresses differ.
// Registers applies to register writes, Coils to coil writes.
type ReadbackOffset struct {
	Registers uint16
	Coils     uint16
}

// wagoReadbackOffset is the output image offset of Wago controllers.
const wagoReadbackOffset = 0x200

// DeviceConfig describes one register range of one slave.
type DeviceConfig struct {
	Name      string
	Slave     UnitID
	Operation Operation
	// Start is the first register or bit, or AbsoluteAddress.
	Start  int
	Length int
	// DataType is the default type for values read from the range.
	DataType DataType
	// PollInterval of zero polls only on request. On a write range a
	// nonzero interval enables one read-once of the device into the image,
	// run by the first poll cycle or the first read, whichever comes first.
	// A failed read-once is not repeated.
	PollInterval time.Duration
	// Variant names the controller family. A variant containing "Wago"
	// selects a 0x200 readback offset.
	Variant        string
	ReadbackOffset ReadbackOffset
}

// Absolute reports whether the device uses absolute addressing.
func (c *DeviceConfig) Absolute() bool {
	return c.Start == AbsoluteAddress
}

// Validate checks the configuration against the protocol limits.
func (c *DeviceConfig) Validate() error {
	if !c.Operation.Valid() {
		return fmt.Errorf("%w: device %q: unsupported operation %d", ErrConfiguration, c.Name, uint8(c.Operation))
	}
	if !c.Absolute() && (c.Start < 0 || c.Start > 65535) {
		return fmt.Errorf("%w: device %q: start address %d out of range", ErrConfiguration, c.Name, c.Start)
	}
	if limit := c.Operation.MaxLength(); c.Length < 1 || c.Length > limit {
		return fmt.Errorf("%w: device %q: length must be 1-%d for %s, got %d",
			ErrConfiguration, c.Name, limit, c.Operation, c.Length)
	}
	if !c.Absolute() && c.Start+c.Length > 65536 {
		return fmt.Errorf("%w: device %q: address range exceeds 65535", ErrConfiguration, c.Name)
	}
	if !c.DataType.Valid() {
		return fmt.Errorf("%w: device %q: unknown data type %d", ErrConfiguration, c.Name, uint8(c.DataType))
	}
	if c.PollInterval < 0 {
		return fmt.Errorf("%w: device %q: negative poll interval", ErrConfiguration, c.Name)
	}
	return nil
}

func (c *DeviceConfig) readback() ReadbackOffset {
	off := c.ReadbackOffset
	if strings.Contains(c.Variant, "Wago") {
		if off.Registers == 0 {
			off.Registers = wagoReadbackOffset
		}
		if off.Coils == 0 {
			off.Coils = wagoReadbackOffset
		}
	}
	return off
}

// Device is the register store of one DeviceConfig: the cached register
// image, its previous snapshot and the transaction statistics. All
// transactions of a device are serialized by one lock.
type Device struct {
	cfg      DeviceConfig
	link     *Link
	readback ReadbackOffset
	stats    *TransactionStats
	logger   *slog.Logger

	mu              sync.Mutex
	image           []uint16
	previous        []uint16
	seeded          bool // image holds data read from or written to the device
	readOnceDone    bool
	readOncePending bool // read-once result not yet delivered by a poller
	readOnceErr     error
	ioStatus        Status
	ioErr           error

	force        atomic.Bool
	pollInterval atomic.Int64
	wake         chan struct{}
}

// NewDevice validates cfg and creates a device transacting over link.
func NewDevice(link *Link, cfg DeviceConfig, opts ...DeviceOption) (*Device, error) {
	if link == nil {
		return nil, fmt.Errorf("%w: device %q has no link", ErrConfiguration, cfg.Name)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	options := defaultDeviceOptions()
	for _, opt := range opts {
		opt(options)
	}

	d := &Device{
		cfg:      cfg,
		link:     link,
		readback: cfg.readback(),
		stats:    NewTransactionStats(),
		logger:   options.logger.With(slog.String("device", cfg.Name)),
		image:    make([]uint16, cfg.Length),
		previous: make([]uint16, cfg.Length),
		wake:     make(chan struct{}, 1),
	}
	if err := d.stats.Latency.SetBinWidth(options.histogramBin); err != nil {
		return nil, err
	}
	d.stats.Latency.SetEnabled(options.histogram)
	d.pollInterval.Store(int64(cfg.PollInterval))
	d.force.Store(true)
	return d, nil
}

// Name returns the device name.
func (d *Device) Name() string {
	return d.cfg.Name
}

// Config returns the device configuration.
func (d *Device) Config() DeviceConfig {
	return d.cfg
}

// Link returns the link the device transacts over.
func (d *Device) Link() *Link {
	return d.link
}

// Stats returns the transaction statistics.
func (d *Device) Stats() *TransactionStats {
	return d.stats
}

// Status returns the outcome of the most recent transaction.
func (d *Device) Status() (Status, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ioStatus, d.ioErr
}

// Image returns a copy of the register image.
func (d *Device) Image() []uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]uint16, len(d.image))
	copy(out, d.image)
	return out
}

// PollInterval returns the current poll interval.
func (d *Device) PollInterval() time.Duration {
	return time.Duration(d.pollInterval.Load())
}

// SetPollInterval changes the poll interval and wakes the poller.
func (d *Device) SetPollInterval(interval time.Duration) error {
	if interval < 0 {
		return fmt.Errorf("%w: negative poll interval", ErrConfiguration)
	}
	d.pollInterval.Store(int64(interval))
	d.RequestRead()
	return nil
}

// RequestRead wakes the poller to start a cycle now.
func (d *Device) RequestRead() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// ForceCallbacks makes the next poll notify every subscriber whether or not
// the data changed, and wakes the poller.
func (d *Device) ForceCallbacks() {
	d.force.Store(true)
	d.RequestRead()
}

// Execute performs one transaction of op at address. For reads len(buf)
// registers or bits are requested and copied into buf on success; for writes
// buf holds the values to write.
func (d *Device) Execute(ctx context.Context, op Operation, address uint16, buf []uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.execLocked(ctx, op, address, buf)
}

func (d *Device) execLocked(ctx context.Context, op Operation, address uint16, buf []uint16) error {
	req := &Request{Operation: op, Slave: d.cfg.Slave, Address: address}
	if op.IsRead() {
		req.Quantity = uint16(len(buf))
	} else {
		req.Values = buf
	}

	start := time.Now()
	data, err := d.link.Transact(ctx, req)
	elapsed := time.Since(start)
	if IsException(err, ExceptionAcknowledge) {
		d.logger.Warn("device acknowledged request without completing it",
			slog.String("op", op.String()), slog.Uint64("addr", uint64(address)))
		err = nil
	}

	prevErrors := d.stats.ConsecutiveErrors.Value()
	d.stats.Record(op, elapsed, err)
	d.noteResultLocked(err, prevErrors)
	if err != nil {
		return err
	}
	if op.IsRead() && data != nil {
		copy(buf, data)
	}
	return nil
}

// noteResultLocked logs once per status transition.
func (d *Device) noteResultLocked(err error, prevErrors int64) {
	status := StatusOf(err)
	switch {
	case err != nil && status != d.ioStatus:
		d.logger.Error("transaction failed", slog.String("error", err.Error()))
	case err == nil && d.ioStatus != StatusOK:
		d.logger.Info("transactions back to normal", slog.Int64("errors", prevErrors))
	}
	d.ioStatus = status
	d.ioErr = err
}

// pollLocked performs the transaction of one poll cycle. It reports false
// when the device has nothing to poll.
func (d *Device) pollLocked(ctx context.Context) (bool, error) {
	switch {
	case d.cfg.Absolute():
		return false, nil
	case d.cfg.Operation.IsRead():
		err := d.execLocked(ctx, d.cfg.Operation, uint16(d.cfg.Start), d.image)
		if err == nil {
			d.seeded = true
		}
		return true, err
	case !d.readOnceDone && d.PollInterval() > 0:
		err := d.readOnceLocked(ctx)
		d.readOncePending = false
		return true, err
	case d.readOncePending:
		d.readOncePending = false
		return true, d.readOnceErr
	}
	return false, nil
}

// readOnceLocked seeds the image of a write device from the device. It runs
// at most once per device, whether it succeeds or not.
func (d *Device) readOnceLocked(ctx context.Context) error {
	d.readOnceDone = true
	d.readOncePending = true
	op := d.cfg.Operation.readOnce()
	offset := d.readback.Registers
	if op == OpReadCoils {
		offset = d.readback.Coils
	}
	buf := make([]uint16, d.cfg.Length)
	if err := d.execLocked(ctx, op, uint16(d.cfg.Start)+offset, buf); err != nil {
		d.readOnceErr = err
		return err
	}
	copy(d.image, buf)
	d.seeded = true
	return nil
}

// wordsAt returns words holding n registers from offset, and the index of
// offset within them. Absolute devices read live; others copy the image.
func (d *Device) wordsAt(ctx context.Context, offset, n int) ([]uint16, int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cfg.Absolute() {
		if !d.cfg.Operation.IsRead() {
			return nil, 0, fmt.Errorf("%w: absolute write device %q", ErrReadbackNotAvailable, d.cfg.Name)
		}
		if offset < 0 || offset+n > 65536 {
			return nil, 0, fmt.Errorf("%w: absolute address %d out of range", ErrConfiguration, offset)
		}
		buf := make([]uint16, n)
		if err := d.execLocked(ctx, d.cfg.Operation, uint16(offset), buf); err != nil {
			return nil, 0, err
		}
		return buf, 0, nil
	}

	if offset < 0 || offset >= len(d.image) {
		return nil, 0, fmt.Errorf("%w: offset %d outside %d registers", ErrConfiguration, offset, len(d.image))
	}
	if d.cfg.Operation.IsRead() && d.ioErr != nil {
		return nil, 0, d.ioErr
	}
	if !d.seeded && !d.readOnceDone && d.PollInterval() > 0 {
		if err := d.readOnceLocked(ctx); err != nil {
			return nil, 0, err
		}
	}
	if !d.seeded {
		return nil, 0, fmt.Errorf("%w: device %q has no data yet", ErrReadbackNotAvailable, d.cfg.Name)
	}
	out := make([]uint16, len(d.image))
	copy(out, d.image)
	return out, offset, nil
}

// ReadBits returns the word at offset, masked by mask unless mask is 0 or
// 0xFFFF. For coil and discrete input ranges each word is 0 or 1.
func (d *Device) ReadBits(ctx context.Context, offset int, mask uint16) (uint16, error) {
	words, i, err := d.wordsAt(ctx, offset, 1)
	if err != nil {
		return 0, err
	}
	return applyMask(words[i], mask), nil
}

func applyMask(w, mask uint16) uint16 {
	if mask != 0 && mask != 0xFFFF {
		return w & mask
	}
	return w
}

// ReadInt64 returns the value of type dt at offset.
func (d *Device) ReadInt64(ctx context.Context, offset int, dt DataType) (int64, error) {
	words, i, err := d.wordsAt(ctx, offset, dt.Words())
	if err != nil {
		return 0, err
	}
	return ReadInt64(dt, words, i)
}

// ReadFloat64 returns the value of type dt at offset.
func (d *Device) ReadFloat64(ctx context.Context, offset int, dt DataType) (float64, error) {
	words, i, err := d.wordsAt(ctx, offset, dt.Words())
	if err != nil {
		return 0, err
	}
	return ReadFloat64(dt, words, i)
}

// ReadWords returns up to n words from offset, truncated at the end of the
// range.
func (d *Device) ReadWords(ctx context.Context, offset, n int) ([]uint16, error) {
	words, i, err := d.wordsAt(ctx, offset, n)
	if err != nil {
		return nil, err
	}
	end := i + n
	if end > len(words) {
		end = len(words)
	}
	out := make([]uint16, end-i)
	copy(out, words[i:end])
	return out, nil
}

// ReadString returns up to maxChars characters of string type dt from offset.
func (d *Device) ReadString(ctx context.Context, offset int, dt DataType, maxChars int) (string, error) {
	if !dt.IsString() {
		return "", fmt.Errorf("%w: %s is not a string type", ErrConfiguration, dt)
	}
	if maxChars < 0 {
		return "", fmt.Errorf("%w: negative string length %d", ErrConfiguration, maxChars)
	}
	per := dt.CharsPerWord()
	words, i, err := d.wordsAt(ctx, offset, (maxChars+per-1)/per)
	if err != nil {
		return "", err
	}
	return DecodeString(dt, words, i, maxChars)
}

// writeAddress maps an offset to the wire address of a write.
func (d *Device) writeAddress(offset, n int) (uint16, error) {
	if !d.cfg.Operation.IsWrite() {
		return 0, fmt.Errorf("%w: device %q is configured for %s", ErrConfiguration, d.cfg.Name, d.cfg.Operation)
	}
	if d.cfg.Absolute() {
		if offset < 0 || offset+n > 65536 {
			return 0, fmt.Errorf("%w: absolute address %d out of range", ErrConfiguration, offset)
		}
		return uint16(offset), nil
	}
	if offset < 0 || offset+n > d.cfg.Length {
		return 0, fmt.Errorf("%w: write of %d words at offset %d exceeds %d registers",
			ErrConfiguration, n, offset, d.cfg.Length)
	}
	return uint16(d.cfg.Start + offset), nil
}

// writeWordsLocked writes words at offset with the configured operation.
// Single-register and single-coil operations write one word per transaction.
func (d *Device) writeWordsLocked(ctx context.Context, offset int, words []uint16) error {
	addr, err := d.writeAddress(offset, len(words))
	if err != nil {
		return err
	}
	op := d.cfg.Operation
	if op.IsBit() {
		bits := make([]uint16, len(words))
		for i, w := range words {
			if w != 0 {
				bits[i] = 1
			}
		}
		words = bits
	}

	switch op {
	case OpWriteSingleCoil, OpWriteSingleRegister:
		for i, w := range words {
			if err := d.execLocked(ctx, op, addr+uint16(i), []uint16{w}); err != nil {
				return err
			}
			d.storeLocked(offset+i, []uint16{w})
		}
	default:
		if err := d.execLocked(ctx, op, addr, words); err != nil {
			return err
		}
		d.storeLocked(offset, words)
	}
	return nil
}

func (d *Device) storeLocked(offset int, words []uint16) {
	d.readOnceDone = true
	if d.cfg.Absolute() {
		return
	}
	copy(d.image[offset:], words)
	d.seeded = true
}

// WriteBits writes value under mask at offset. On register ranges a mask
// other than 0 and 0xFFFF reads the current register first and replaces only
// the masked bits; the read and the write run under one lock.
func (d *Device) WriteBits(ctx context.Context, offset int, value, mask uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cfg.Operation.IsBit() {
		return d.writeWordsLocked(ctx, offset, []uint16{applyMask(value, mask)})
	}
	data := value
	if mask != 0 && mask != 0xFFFF {
		addr, err := d.writeAddress(offset, 1)
		if err != nil {
			return err
		}
		cur := []uint16{0}
		if err := d.execLocked(ctx, OpReadHoldingRegisters, addr+d.readback.Registers, cur); err != nil {
			return err
		}
		data = cur[0]
		data |= value & mask
		data &= value | ^mask
	}
	return d.writeWordsLocked(ctx, offset, []uint16{data})
}

// WriteInt64 writes value as type dt at offset. On coil ranges any nonzero
// value sets the coil.
func (d *Device) WriteInt64(ctx context.Context, offset int, dt DataType, value int64) error {
	var words []uint16
	if d.cfg.Operation.IsBit() {
		words = []uint16{0}
		if value != 0 {
			words[0] = 1
		}
	} else {
		var err error
		if words, err = EncodeInt64(dt, value); err != nil {
			return err
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeWordsLocked(ctx, offset, words)
}

// WriteFloat64 writes value as type dt at offset.
func (d *Device) WriteFloat64(ctx context.Context, offset int, dt DataType, value float64) error {
	if d.cfg.Operation.IsBit() {
		return d.WriteInt64(ctx, offset, dt, int64(value))
	}
	words, err := EncodeFloat64(dt, value)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeWordsLocked(ctx, offset, words)
}

// WriteWords writes raw words at offset.
func (d *Device) WriteWords(ctx context.Context, offset int, words []uint16) error {
	if len(words) == 0 {
		return fmt.Errorf("%w: empty write", ErrConfiguration)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeWordsLocked(ctx, offset, words)
}

// WriteString writes s as string type dt at offset, truncated to the
// registers remaining in the range.
func (d *Device) WriteString(ctx context.Context, offset int, dt DataType, s string) error {
	if _, err := d.writeAddress(offset, 1); err != nil {
		return err
	}
	maxWords := d.cfg.Length - offset
	if d.cfg.Absolute() {
		maxWords = MaxWriteRegisters
	}
	words, err := EncodeString(dt, s, maxWords)
	if err != nil {
		return err
	}
	if len(words) == 0 {
		return fmt.Errorf("%w: empty string", ErrConfiguration)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeWordsLocked(ctx, offset, words)
}
