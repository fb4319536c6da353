package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/edgeo-scada/modbus-poller"
)

var (
	readAddr  uint16
	readCount uint16
	readType  string
)

var readCmd = &cobra.Command{
	Use:     "read",
	Aliases: []string{"r"},
	Short:   "Read data from a Modbus device",
	Long:    `Read coils, discrete inputs, holding registers or input registers from a Modbus device.`,
}

var readCoilsCmd = &cobra.Command{
	Use:     "coils",
	Aliases: []string{"c", "coil"},
	Short:   "Read coils (FC01)",
	Example: `  modbuspoll read coils -a 0 -c 10 -H 192.168.1.100
  modbuspoll r c -a 100 -c 8 --link rtu -p 5020`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReadBits(modbus.OpReadCoils, "Coils")
	},
}

var readDiscreteInputsCmd = &cobra.Command{
	Use:     "discrete-inputs",
	Aliases: []string{"di", "discrete"},
	Short:   "Read discrete inputs (FC02)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReadBits(modbus.OpReadDiscreteInputs, "Discrete Inputs")
	},
}

var readHoldingRegistersCmd = &cobra.Command{
	Use:     "holding-registers",
	Aliases: []string{"hr", "holding"},
	Short:   "Read holding registers (FC03)",
	Long: `Read holding registers using function code 03.

The -t/--type flag accepts any data type name, for example INT16, UINT32_BE,
FLOAT32_LE_BS, FLOAT64_BE or STRING_HIGH_LOW. Bare INT32, FLOAT32 and the
other multi-word names default to the little-endian word order.`,
	Example: `  modbuspoll read holding-registers -a 0 -c 10 -H 192.168.1.100
  modbuspoll r hr -a 100 -c 4 -t FLOAT32_BE
  modbuspoll r hr -a 0 -c 20 -t STRING_HIGH_LOW`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReadRegisters(modbus.OpReadHoldingRegisters, "Holding Registers")
	},
}

var readInputRegistersCmd = &cobra.Command{
	Use:     "input-registers",
	Aliases: []string{"ir", "input"},
	Short:   "Read input registers (FC04)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReadRegisters(modbus.OpReadInputRegisters, "Input Registers")
	},
}

var readCombinedCmd = &cobra.Command{
	Use:     "combined",
	Aliases: []string{"rw", "fc23"},
	Short:   "Read registers through read/write multiple registers (FC23)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReadRegisters(modbus.OpReadInputRegistersCombined, "Registers (FC23)")
	},
}

func init() {
	readCmd.AddCommand(readCoilsCmd)
	readCmd.AddCommand(readDiscreteInputsCmd)
	readCmd.AddCommand(readHoldingRegistersCmd)
	readCmd.AddCommand(readInputRegistersCmd)
	readCmd.AddCommand(readCombinedCmd)

	for _, cmd := range []*cobra.Command{readCoilsCmd, readDiscreteInputsCmd, readHoldingRegistersCmd, readInputRegistersCmd, readCombinedCmd} {
		cmd.Flags().Uint16VarP(&readAddr, "address", "a", 0, "Starting address")
		cmd.Flags().Uint16VarP(&readCount, "count", "c", 1, "Number of items to read")
	}
	for _, cmd := range []*cobra.Command{readHoldingRegistersCmd, readInputRegistersCmd, readCombinedCmd} {
		cmd.Flags().StringVarP(&readType, "type", "t", "UINT16", "Data type")
	}
}

func runReadBits(op modbus.Operation, title string) error {
	link, err := openLink()
	if err != nil {
		return err
	}
	defer link.Close()

	ctx, cancel := context.WithTimeout(context.Background(), viper.GetDuration("timeout"))
	defer cancel()

	slave := modbus.UnitID(viper.GetUint("unit"))
	var values []bool
	if op == modbus.OpReadDiscreteInputs {
		values, err = link.ReadDiscreteInputs(ctx, slave, readAddr, readCount)
	} else {
		values, err = link.ReadCoils(ctx, slave, readAddr, readCount)
	}
	if err != nil {
		return fmt.Errorf("read %s failed: %w", op, err)
	}
	return outputBoolValues(title, readAddr, values)
}

func runReadRegisters(op modbus.Operation, title string) error {
	dt, err := modbus.ParseDataType(readType)
	if err != nil {
		return err
	}
	link, err := openLink()
	if err != nil {
		return err
	}
	defer link.Close()

	ctx, cancel := context.WithTimeout(context.Background(), viper.GetDuration("timeout"))
	defer cancel()

	words, err := link.Transact(ctx, &modbus.Request{
		Operation: op,
		Slave:     modbus.UnitID(viper.GetUint("unit")),
		Address:   readAddr,
		Quantity:  readCount,
	})
	if err != nil {
		return fmt.Errorf("read %s failed: %w", op, err)
	}
	return outputRegisterValues(title, readAddr, words, dt)
}
