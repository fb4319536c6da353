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

package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/edgeo-scada/modbus-poller"
	"github.com/edgeo-scada/modbus-poller/internal/config"
	"github.com/edgeo-scada/modbus-poller/internal/publish"
)

var (
	watchInterval  time.Duration
	watchCount     int
	watchClearTerm bool
	watchLogFile   string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Continuously monitor Modbus values",
	Long: `Poll a register range and redraw it whenever it changes. Changed values
are highlighted. Failures are shown once per change of status.`,
	Example: `  # Watch 5 holding registers every second
  modbuspoll watch hr -a 0 -c 5 -i 1s -H 192.168.1.100

  # Watch two floats and log changes to a CSV file
  modbuspoll watch hr -a 100 -c 4 -t FLOAT32_BE --log data.csv

  # Watch coils over RTU-over-TCP
  modbuspoll watch c -a 0 -c 8 --link rtu -p 5020`,
	Annotations: map[string]string{"log-level": "error"},
}

func init() {
	subs := []struct {
		use     string
		aliases []string
		op      modbus.Operation
	}{
		{"holding-registers", []string{"hr", "holding"}, modbus.OpReadHoldingRegisters},
		{"input-registers", []string{"ir", "input"}, modbus.OpReadInputRegisters},
		{"combined", []string{"rw", "fc23"}, modbus.OpReadInputRegistersCombined},
		{"coils", []string{"c", "coil"}, modbus.OpReadCoils},
		{"discrete-inputs", []string{"di", "discrete"}, modbus.OpReadDiscreteInputs},
	}
	for _, s := range subs {
		op := s.op
		cmd := &cobra.Command{
			Use:         s.use,
			Aliases:     s.aliases,
			Short:       "Watch " + op.String(),
			Annotations: watchCmd.Annotations,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runWatch(op)
			},
		}
		cmd.Flags().Uint16VarP(&readAddr, "address", "a", 0, "Starting address")
		cmd.Flags().Uint16VarP(&readCount, "count", "c", 1, "Number of items to read")
		cmd.Flags().DurationVarP(&watchInterval, "interval", "i", time.Second, "Poll interval")
		cmd.Flags().IntVarP(&watchCount, "iterations", "n", 0, "Number of updates to show (0 = infinite)")
		cmd.Flags().BoolVar(&watchClearTerm, "clear", true, "Clear terminal between updates")
		cmd.Flags().StringVar(&watchLogFile, "log", "", "Log values to file (CSV format)")
		if !op.IsBit() {
			cmd.Flags().StringVarP(&readType, "type", "t", "UINT16", "Data type")
		}
		watchCmd.AddCommand(cmd)
	}
}

type WatchState struct {
	title        string
	dataType     modbus.DataType
	isBit        bool
	prev         []uint16
	iteration    int
	logFile      *os.File
	logWriter    *csv.Writer
	startTime    time.Time
	errorCount   int
	successCount int
}

func runWatch(op modbus.Operation) error {
	dt := modbus.UInt16
	if !op.IsBit() {
		var err error
		if dt, err = modbus.ParseDataType(readType); err != nil {
			return err
		}
	}

	link, err := openLink()
	if err != nil {
		return err
	}
	defer link.Close()

	dev, err := modbus.NewDevice(link, modbus.DeviceConfig{
		Name:         "watch",
		Slave:        slaveID(),
		Operation:    op,
		Start:        int(readAddr),
		Length:       int(readCount),
		DataType:     dt,
		PollInterval: watchInterval,
	}, modbus.WithDeviceLogger(logger))
	if err != nil {
		return err
	}

	subs := modbus.NewSubscribers()
	updates := publish.NewChannel(16)
	publish.Bind(dev.Name(), subs, []config.Point{{Name: "range", Class: modbus.ClassArray, DataType: modbus.UInt16}}, updates)

	poller, err := modbus.NewPoller(dev, subs, modbus.WithPollerLogger(logger))
	if err != nil {
		return err
	}

	state := &WatchState{
		title:     fmt.Sprintf("%s %d-%d", op, readAddr, int(readAddr)+int(readCount)-1),
		dataType:  dt,
		isBit:     op.IsBit(),
		startTime: time.Now(),
	}
	if watchLogFile != "" {
		f, err := os.Create(watchLogFile)
		if err != nil {
			return fmt.Errorf("failed to create log file: %w", err)
		}
		state.logFile = f
		state.logWriter = csv.NewWriter(f)
		defer f.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- poller.Run(ctx) }()

	for {
		select {
		case u := <-updates.Updates():
			state.show(u)
			if watchCount > 0 && state.iteration >= watchCount {
				cancel()
				<-done
				state.printSummary(dev)
				return nil
			}
		case err := <-done:
			state.printSummary(dev)
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		}
	}
}

func (s *WatchState) show(u publish.Update) {
	s.iteration++
	if u.Err != nil {
		s.errorCount++
		fmt.Printf("%s %s %s\n",
			paint(metaStyle, u.Time.Format("15:04:05.000")),
			paint(errorStyle, u.Status.String()),
			u.Err)
		return
	}
	s.successCount++

	elems, _ := u.Value.([]int64)
	words := make([]uint16, len(elems))
	for i, v := range elems {
		words[i] = uint16(v)
	}
	if watchClearTerm && outputFmt == "table" {
		fmt.Print("\033[H\033[2J")
	}
	s.render(words, u.Time)
	s.log(words, u.Time)
	s.prev = append(s.prev[:0], words...)
}

func (s *WatchState) render(words []uint16, now time.Time) {
	if outputFmt == "json" {
		results, err := decodeValues(readAddr, words, s.dataType)
		if err == nil {
			writeJSON(map[string]interface{}{"time": now, "values": results})
		}
		return
	}

	t := newTable(fmt.Sprintf("%s  %s  #%d", s.title, now.Format("15:04:05.000"), s.iteration))
	if s.isBit {
		t.AppendHeader(table.Row{"ADDRESS", "VALUE"})
		for i, w := range words {
			v := paint(errorStyle, "OFF")
			if w != 0 {
				v = paint(okStyle, "ON")
			}
			if s.changed(i, 1, words) {
				v = paint(changedStyle, "*") + v
			}
			t.AppendRow(table.Row{int(readAddr) + i, v})
		}
		t.Render()
		return
	}

	results, err := decodeValues(readAddr, words, s.dataType)
	if err != nil {
		outputWarning("%v", err)
		return
	}
	t.AppendHeader(table.Row{"ADDRESS", "RAW", "VALUE"})
	n := s.dataType.Words()
	if s.dataType.IsString() {
		n = len(words)
	}
	for i, r := range results {
		v := fmt.Sprint(r.Value)
		if s.changed(i*n, n, words) {
			v = paint(changedStyle, v)
		}
		t.AppendRow(table.Row{r.Address, hexWords(r.Raw), v})
	}
	t.Render()
}

// changed reports whether any of n words at off differ from the last update.
func (s *WatchState) changed(off, n int, words []uint16) bool {
	if s.prev == nil {
		return false
	}
	for i := off; i < off+n && i < len(words); i++ {
		if i >= len(s.prev) || s.prev[i] != words[i] {
			return true
		}
	}
	return false
}

func (s *WatchState) log(words []uint16, now time.Time) {
	if s.logWriter == nil {
		return
	}
	rec := make([]string, 0, len(words)+1)
	rec = append(rec, now.Format(time.RFC3339Nano))
	for _, w := range words {
		rec = append(rec, strconv.Itoa(int(w)))
	}
	s.logWriter.Write(rec)
	s.logWriter.Flush()
}

func (s *WatchState) printSummary(dev *modbus.Device) {
	elapsed := time.Since(s.startTime)
	st := dev.Stats()
	fmt.Println()
	fmt.Println(paint(titleStyle, "Watch Summary"))
	fmt.Printf("  Duration:       %v\n", elapsed.Round(time.Millisecond))
	fmt.Printf("  Updates:        %d\n", s.iteration)
	fmt.Printf("  Value updates:  %d\n", s.successCount)
	fmt.Printf("  Error updates:  %d\n", s.errorCount)
	fmt.Printf("  Reads OK:       %d\n", st.ReadOK.Value())
	fmt.Printf("  I/O errors:     %d\n", st.IOErrors.Value())
	fmt.Printf("  Last/max I/O:   %d/%d ms\n", st.LastIOMillis(), st.MaxIOMillis())
}
