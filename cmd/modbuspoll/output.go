package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/edgeo-scada/modbus-poller"
)

var (
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	titleStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	changedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	metaStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func paint(style lipgloss.Style, s string) string {
	if noColor {
		return s
	}
	return style.Render(s)
}

func outputSuccess(format string, args ...interface{}) {
	fmt.Println(paint(okStyle, "OK") + " " + fmt.Sprintf(format, args...))
}

func outputWarning(format string, args ...interface{}) {
	fmt.Fprintln(os.Stderr, paint(warnStyle, "WARN")+" "+fmt.Sprintf(format, args...))
}

func outputInfo(format string, args ...interface{}) {
	fmt.Println(paint(infoStyle, "INFO") + " " + fmt.Sprintf(format, args...))
}

func newTable(title string) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	if title != "" {
		t.SetTitle(paint(titleStyle, title))
	}
	return t
}

type BoolResult struct {
	Address uint16 `json:"address"`
	Value   bool   `json:"value"`
}

type ValueResult struct {
	Address uint16      `json:"address"`
	Raw     []uint16    `json:"raw"`
	Value   interface{} `json:"value"`
	Type    string      `json:"type"`
}

func outputBoolValues(title string, startAddr uint16, values []bool) error {
	switch outputFmt {
	case "json":
		results := make([]BoolResult, len(values))
		for i, v := range values {
			results[i] = BoolResult{Address: startAddr + uint16(i), Value: v}
		}
		return writeJSON(results)
	case "csv":
		w := csv.NewWriter(os.Stdout)
		w.Write([]string{"address", "value"})
		for i, v := range values {
			w.Write([]string{strconv.Itoa(int(startAddr) + i), boolDigit(v)})
		}
		w.Flush()
		return w.Error()
	case "raw":
		for _, v := range values {
			fmt.Print(boolDigit(v))
		}
		fmt.Println()
		return nil
	}

	t := newTable(fmt.Sprintf("%s (Address %d-%d, Count: %d)",
		title, startAddr, int(startAddr)+len(values)-1, len(values)))
	t.AppendHeader(table.Row{"ADDRESS", "VALUE", "STATUS"})
	for i, v := range values {
		status := paint(errorStyle, "OFF")
		if v {
			status = paint(okStyle, "ON")
		}
		t.AppendRow(table.Row{int(startAddr) + i, boolDigit(v), status})
	}
	t.Render()
	return nil
}

func boolDigit(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

// decodeValues splits words into values of dt. Strings consume every word.
func decodeValues(startAddr uint16, words []uint16, dt modbus.DataType) ([]ValueResult, error) {
	if dt.IsString() {
		s, err := modbus.DecodeString(dt, words, 0, len(words)*dt.CharsPerWord())
		if err != nil {
			return nil, err
		}
		return []ValueResult{{Address: startAddr, Raw: words, Value: s, Type: dt.String()}}, nil
	}

	n := dt.Words()
	results := make([]ValueResult, 0, len(words)/n)
	for off := 0; off+n <= len(words); off += n {
		var v interface{}
		var err error
		if dt.IsFloat() {
			v, err = modbus.ReadFloat64(dt, words, off)
		} else {
			v, err = modbus.ReadInt64(dt, words, off)
		}
		if err != nil {
			return nil, err
		}
		results = append(results, ValueResult{
			Address: startAddr + uint16(off),
			Raw:     words[off : off+n],
			Value:   v,
			Type:    dt.String(),
		})
	}
	return results, nil
}

func outputRegisterValues(title string, startAddr uint16, words []uint16, dt modbus.DataType) error {
	results, err := decodeValues(startAddr, words, dt)
	if err != nil {
		return err
	}

	switch outputFmt {
	case "json":
		return writeJSON(results)
	case "csv":
		w := csv.NewWriter(os.Stdout)
		w.Write([]string{"address", "raw", "value"})
		for _, r := range results {
			w.Write([]string{strconv.Itoa(int(r.Address)), hexWords(r.Raw), fmt.Sprint(r.Value)})
		}
		w.Flush()
		return w.Error()
	case "raw":
		for _, r := range results {
			fmt.Println(r.Value)
		}
		return nil
	}

	t := newTable(fmt.Sprintf("%s (Address %d-%d, Count: %d, %s)",
		title, startAddr, int(startAddr)+len(words)-1, len(words), dt))
	t.AppendHeader(table.Row{"ADDRESS", "RAW", "VALUE"})
	for _, r := range results {
		t.AppendRow(table.Row{r.Address, hexWords(r.Raw), r.Value})
	}
	t.Render()
	return nil
}

func hexWords(words []uint16) string {
	b := make([]byte, 0, len(words)*5)
	for i, w := range words {
		if i > 0 {
			b = append(b, ' ')
		}
		b = append(b, fmt.Sprintf("%04X", w)...)
	}
	return string(b)
}

func writeJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputStats renders the counters of each device.
func outputStats(devices []*modbus.Device) error {
	if outputFmt == "json" {
		out := make(map[string]interface{}, len(devices))
		for _, d := range devices {
			stats := d.Stats().Collect()
			status, _ := d.Status()
			stats["status"] = status.String()
			stats["link"] = d.Link().Metrics().Collect()
			out[d.Name()] = stats
		}
		return writeJSON(out)
	}

	t := newTable("Device statistics")
	t.AppendHeader(table.Row{"DEVICE", "STATUS", "READ OK", "WRITE OK", "IO ERRORS", "CONSEC", "LAST MS", "MAX MS"})
	for _, d := range devices {
		s := d.Stats()
		status, _ := d.Status()
		label := paint(okStyle, status.String())
		if status != modbus.StatusOK {
			label = paint(errorStyle, status.String())
		}
		t.AppendRow(table.Row{
			d.Name(), label,
			s.ReadOK.Value(), s.WriteOK.Value(), s.IOErrors.Value(), s.ConsecutiveErrors.Value(),
			s.LastIOMillis(), s.MaxIOMillis(),
		})
	}
	t.Render()

	for _, d := range devices {
		h := d.Stats().Latency
		if !h.Enabled() {
			continue
		}
		outputHistogram(d.Name(), h)
	}
	return nil
}

// outputHistogram lists the non-empty latency bins.
func outputHistogram(name string, h *modbus.LatencyHistogram) {
	counts := h.Counts()
	axis := h.TimeAxis()
	t := newTable(fmt.Sprintf("%s latency (bin %d ms)", name, h.BinWidth()))
	t.AppendHeader(table.Row{"FROM MS", "COUNT"})
	for i, c := range counts {
		if c == 0 {
			continue
		}
		t.AppendRow(table.Row{axis[i], c})
	}
	t.Render()
}
