package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/edgeo-scada/modbus-poller"
)

var (
	writeAddr    uint16
	writeValues  []string
	writeType    string
	writeOp      string
	writeMaskOp  string
	writeMask    string
	writeVariant string
)

var writeCmd = &cobra.Command{
	Use:     "write",
	Aliases: []string{"w"},
	Short:   "Write data to a Modbus device",
	Long:    `Write coils or registers to a Modbus device.`,
}

var writeCoilCmd = &cobra.Command{
	Use:     "coil",
	Aliases: []string{"c"},
	Short:   "Write single coil (FC05)",
	Long: `Write a single coil using function code 05.

Value can be: 1, 0, true, false, on, off`,
	Example: `  modbuspoll write coil -a 0 -V 1 -H 192.168.1.100
  modbuspoll w c -a 100 -V on`,
	RunE: runWriteCoil,
}

var writeCoilsCmd = &cobra.Command{
	Use:     "coils",
	Aliases: []string{"cs"},
	Short:   "Write multiple coils (FC15)",
	Example: `  modbuspoll write coils -a 0 -V 1,0,1,1,0 -H 192.168.1.100`,
	RunE:    runWriteCoils,
}

var writeRegisterCmd = &cobra.Command{
	Use:     "register",
	Aliases: []string{"reg", "r"},
	Short:   "Write single register (FC06)",
	Long: `Write a single holding register using function code 06.

Value can be decimal, hexadecimal (0x prefix), or binary (0b prefix).`,
	Example: `  modbuspoll write register -a 0 -V 1234 -H 192.168.1.100
  modbuspoll w r -a 100 -V 0xFF00`,
	RunE: runWriteRegister,
}

var writeRegistersCmd = &cobra.Command{
	Use:     "registers",
	Aliases: []string{"regs", "rs"},
	Short:   "Write multiple registers (FC16)",
	Example: `  modbuspoll write registers -a 0 -V 100,200,300 -H 192.168.1.100`,
	RunE:    runWriteRegisters,
}

var writeCombinedCmd = &cobra.Command{
	Use:     "combined",
	Aliases: []string{"rw", "fc23"},
	Short:   "Write registers through read/write multiple registers (FC23)",
	RunE:    runWriteCombined,
}

var writeValueCmd = &cobra.Command{
	Use:     "value",
	Aliases: []string{"v"},
	Short:   "Write one typed value",
	Long: `Encode one value with the data type given by -t and write it starting at
the address. --op selects the write operation; write_single_register issues
one transaction per word.`,
	Example: `  modbuspoll write value -a 10 -t FLOAT32_BE -V 21.5
  modbuspoll w v -a 20 -t INT32_LE_BS -V -100000 --op write_single_register
  modbuspoll w v -a 30 -t ZSTRING_HIGH_LOW -V "PUMP 1"`,
	RunE: runWriteValue,
}

var writeMaskCmd = &cobra.Command{
	Use:   "mask",
	Short: "Change the masked bits of one register",
	Long: `Read the register, replace the bits selected by --mask with the bits of the
value and write it back. --variant "Wago" reads from the 0x200 readback
address.`,
	Example: `  modbuspoll write mask -a 5 -V 0x0010 --mask 0x00F0`,
	RunE:    runWriteMask,
}

func init() {
	writeCmd.AddCommand(writeCoilCmd)
	writeCmd.AddCommand(writeCoilsCmd)
	writeCmd.AddCommand(writeRegisterCmd)
	writeCmd.AddCommand(writeRegistersCmd)
	writeCmd.AddCommand(writeCombinedCmd)
	writeCmd.AddCommand(writeValueCmd)
	writeCmd.AddCommand(writeMaskCmd)

	for _, cmd := range []*cobra.Command{writeCoilCmd, writeCoilsCmd, writeRegisterCmd, writeRegistersCmd, writeCombinedCmd, writeValueCmd, writeMaskCmd} {
		cmd.Flags().Uint16VarP(&writeAddr, "address", "a", 0, "Starting address")
		cmd.Flags().StringSliceVarP(&writeValues, "values", "V", nil, "Values to write")
		cmd.MarkFlagRequired("values")
	}
	writeValueCmd.Flags().StringVarP(&writeType, "type", "t", "UINT16", "Data type")
	writeValueCmd.Flags().StringVar(&writeOp, "op", "write_multiple_registers", "Write operation")
	writeMaskCmd.Flags().StringVar(&writeMask, "mask", "0xFFFF", "Bits to change")
	writeMaskCmd.Flags().StringVar(&writeMaskOp, "op", "write_single_register", "Write operation")
	writeMaskCmd.Flags().StringVar(&writeVariant, "variant", "", "Controller variant")
}

func writeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 4*viper.GetDuration("timeout"))
}

func slaveID() modbus.UnitID {
	return modbus.UnitID(viper.GetUint("unit"))
}

func runWriteCoil(cmd *cobra.Command, args []string) error {
	value, err := parseBoolValue(writeValues[0])
	if err != nil {
		return fmt.Errorf("invalid coil value: %w", err)
	}
	link, err := openLink()
	if err != nil {
		return err
	}
	defer link.Close()

	ctx, cancel := writeContext()
	defer cancel()
	if err := link.WriteSingleCoil(ctx, slaveID(), writeAddr, value); err != nil {
		return fmt.Errorf("write coil failed: %w", err)
	}
	outputSuccess("Wrote coil %d = %v", writeAddr, value)
	return nil
}

func runWriteCoils(cmd *cobra.Command, args []string) error {
	values, err := parseBoolValues(writeValues)
	if err != nil {
		return fmt.Errorf("invalid coil values: %w", err)
	}
	if len(values) == 0 {
		return fmt.Errorf("at least one value required")
	}
	link, err := openLink()
	if err != nil {
		return err
	}
	defer link.Close()

	ctx, cancel := writeContext()
	defer cancel()
	if err := link.WriteMultipleCoils(ctx, slaveID(), writeAddr, values); err != nil {
		return fmt.Errorf("write coils failed: %w", err)
	}
	outputSuccess("Wrote %d coils starting at address %d", len(values), writeAddr)
	return nil
}

func runWriteRegister(cmd *cobra.Command, args []string) error {
	value, err := parseUint16Value(writeValues[0])
	if err != nil {
		return fmt.Errorf("invalid register value: %w", err)
	}
	link, err := openLink()
	if err != nil {
		return err
	}
	defer link.Close()

	ctx, cancel := writeContext()
	defer cancel()
	if err := link.WriteSingleRegister(ctx, slaveID(), writeAddr, value); err != nil {
		return fmt.Errorf("write register failed: %w", err)
	}
	outputSuccess("Wrote register %d = %d (0x%04X)", writeAddr, value, value)
	return nil
}

func runWriteRegisters(cmd *cobra.Command, args []string) error {
	return writeRegisterList(false)
}

func runWriteCombined(cmd *cobra.Command, args []string) error {
	return writeRegisterList(true)
}

func writeRegisterList(combined bool) error {
	values, err := parseUint16Values(writeValues)
	if err != nil {
		return fmt.Errorf("invalid register values: %w", err)
	}
	if len(values) == 0 {
		return fmt.Errorf("at least one value required")
	}
	link, err := openLink()
	if err != nil {
		return err
	}
	defer link.Close()

	ctx, cancel := writeContext()
	defer cancel()
	if combined {
		err = link.WriteRegistersCombined(ctx, slaveID(), writeAddr, values)
	} else {
		err = link.WriteMultipleRegisters(ctx, slaveID(), writeAddr, values)
	}
	if err != nil {
		return fmt.Errorf("write registers failed: %w", err)
	}
	outputSuccess("Wrote %d registers starting at address %d", len(values), writeAddr)
	return nil
}

// writeDevice builds an unpolled device covering n words at writeAddr.
func writeDevice(link *modbus.Link, opName string, n int) (*modbus.Device, error) {
	op, err := modbus.ParseOperation(opName)
	if err != nil {
		return nil, err
	}
	if !op.IsWrite() || op.IsBit() {
		return nil, fmt.Errorf("%s is not a register write operation", op)
	}
	return modbus.NewDevice(link, modbus.DeviceConfig{
		Name:      "cli",
		Slave:     slaveID(),
		Operation: op,
		Start:     int(writeAddr),
		Length:    n,
		Variant:   writeVariant,
	}, modbus.WithDeviceLogger(logger))
}

func runWriteValue(cmd *cobra.Command, args []string) error {
	dt, err := modbus.ParseDataType(writeType)
	if err != nil {
		return err
	}
	raw := strings.Join(writeValues, ",")

	var words []uint16
	switch {
	case dt.IsString():
		words, err = modbus.EncodeString(dt, raw, modbus.MaxWriteRegisters)
	case dt.IsFloat():
		var f float64
		if f, err = strconv.ParseFloat(raw, 64); err == nil {
			words, err = modbus.EncodeFloat64(dt, f)
		}
	default:
		var i int64
		if i, err = strconv.ParseInt(raw, 0, 64); err == nil {
			words, err = modbus.EncodeInt64(dt, i)
		}
	}
	if err != nil {
		return fmt.Errorf("invalid %s value %q: %w", dt, raw, err)
	}

	link, err := openLink()
	if err != nil {
		return err
	}
	defer link.Close()
	dev, err := writeDevice(link, writeOp, len(words))
	if err != nil {
		return err
	}

	ctx, cancel := writeContext()
	defer cancel()
	if err := dev.WriteWords(ctx, 0, words); err != nil {
		return fmt.Errorf("write value failed: %w", err)
	}
	outputSuccess("Wrote %s %s at address %d (%s)", dt, raw, writeAddr, hexWords(words))
	return nil
}

func runWriteMask(cmd *cobra.Command, args []string) error {
	value, err := parseUint16Value(writeValues[0])
	if err != nil {
		return fmt.Errorf("invalid register value: %w", err)
	}
	mask, err := parseUint16Value(writeMask)
	if err != nil {
		return fmt.Errorf("invalid mask: %w", err)
	}

	link, err := openLink()
	if err != nil {
		return err
	}
	defer link.Close()
	dev, err := writeDevice(link, writeMaskOp, 1)
	if err != nil {
		return err
	}

	ctx, cancel := writeContext()
	defer cancel()
	if err := dev.WriteBits(ctx, 0, value, mask); err != nil {
		return fmt.Errorf("write mask failed: %w", err)
	}
	outputSuccess("Wrote register %d = 0x%04X under mask 0x%04X", writeAddr, value, mask)
	return nil
}

func parseBoolValue(s string) (bool, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "1", "true", "on", "yes":
		return true, nil
	case "0", "false", "off", "no":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean value: %s", s)
	}
}

func splitValues(values []string) []string {
	var out []string
	for _, v := range values {
		out = append(out, strings.FieldsFunc(v, func(r rune) bool {
			return r == ',' || r == ' '
		})...)
	}
	return out
}

func parseBoolValues(values []string) ([]bool, error) {
	var result []bool
	for _, p := range splitValues(values) {
		b, err := parseBoolValue(p)
		if err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, nil
}

func parseUint16Value(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid uint16 value: %s", s)
	}
	return uint16(v), nil
}

func parseUint16Values(values []string) ([]uint16, error) {
	var result []uint16
	for _, p := range splitValues(values) {
		u, err := parseUint16Value(p)
		if err != nil {
			return nil, err
		}
		result = append(result, u)
	}
	return result, nil
}
