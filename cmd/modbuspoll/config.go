package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/edgeo-scada/modbus-poller/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Device file helpers",
}

var configTemplateCmd = &cobra.Command{
	Use:   "template",
	Short: "Print a commented example device file",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := os.Stdout.Write(config.Template())
		return err
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Check a device file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := viper.GetString("devices")
		if len(args) == 1 {
			path = args[0]
		}
		if path == "" {
			return fmt.Errorf("a device file is required")
		}
		f, err := config.Load(path)
		if err != nil {
			return err
		}
		if err := config.Validate(f); err != nil {
			return err
		}
		points := 0
		for _, d := range f.Devices {
			points += len(d.Points)
		}
		outputSuccess("%s: %d links, %d devices, %d points", path, len(f.Links), len(f.Devices), points)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the device file after parsing",
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := loadDevices()
		if err != nil {
			return err
		}
		data, err := config.Marshal(f)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	},
}

func init() {
	configCmd.AddCommand(configTemplateCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configShowCmd)
}
