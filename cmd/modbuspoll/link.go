package main

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/edgeo-scada/modbus-poller"
	"github.com/edgeo-scada/modbus-poller/internal/config"
	"github.com/edgeo-scada/modbus-poller/internal/transport"
)

// openLink creates a link from the connection flags.
func openLink() (*modbus.Link, error) {
	lt, err := modbus.ParseLinkType(viper.GetString("link"))
	if err != nil {
		return nil, err
	}
	to := viper.GetDuration("timeout")

	var t modbus.Transport
	if dev := viper.GetString("serial"); dev != "" {
		dataBits := 8
		if lt == modbus.LinkASCII {
			dataBits = 7
		}
		t = transport.NewSerialTransport(transport.SerialConfig{
			Device:   dev,
			BaudRate: viper.GetInt("baud"),
			DataBits: dataBits,
			StopBits: 1,
			Parity:   viper.GetString("parity"),
		}, to)
	} else {
		t = transport.NewTCPTransport(getAddress(), to)
	}

	return modbus.NewLink("cli", t, lt,
		modbus.WithTimeout(to),
		modbus.WithLogger(logger),
	)
}

// loadDevices loads and validates the device file named by --devices.
func loadDevices() (*config.File, error) {
	path := viper.GetString("devices")
	if path == "" {
		return nil, fmt.Errorf("a device file is required (--devices)")
	}
	f, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	if err := config.Validate(f); err != nil {
		return nil, fmt.Errorf("validate %s: %w", path, err)
	}
	return f, nil
}
