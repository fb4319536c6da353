package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"
)

var (
	cfgFile string

	// Global flags
	devicesFile string
	host        string
	port        int
	linkType    string
	serialDev   string
	baudRate    int
	parity      string
	unitID      uint8
	timeout     time.Duration
	outputFmt   string
	verbose     bool
	noColor     bool
	logLevel    string

	zlog   *zap.Logger
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "modbuspoll",
	Short: "Poll Modbus devices over TCP, RTU and ASCII links",
	Long: `modbuspoll reads and writes Modbus devices and runs a polling daemon that
delivers changed values to subscribers.

Features:
  - MBAP, RTU and ASCII framing over TCP or serial lines
  - 37 data types including byte-swapped and string layouts
  - Change-driven subscriber delivery with MQTT publishing
  - Per-device transaction statistics and latency histogram
  - Built-in simulator

Examples:
  # Read 10 holding registers from address 0
  modbuspoll read hr -a 0 -c 10 -H 192.168.1.100

  # Read a float over RTU-over-TCP
  modbuspoll read hr -a 100 -c 2 -t FLOAT32_BE --link rtu -p 5020

  # Run the daemon for every device in a file
  modbuspoll run -d devices.yaml

  # Start a simulator
  modbuspoll simulate --listen :5020 --framing ascii`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogger(cmd)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if zlog != nil {
			zlog.Sync()
		}
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	// Configuration file
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.modbuspoll.yaml)")
	rootCmd.PersistentFlags().StringVarP(&devicesFile, "devices", "d", "", "device file (YAML)")

	// Connection flags
	rootCmd.PersistentFlags().StringVarP(&host, "host", "H", "localhost", "Modbus server host")
	rootCmd.PersistentFlags().IntVarP(&port, "port", "p", 502, "Modbus server port")
	rootCmd.PersistentFlags().StringVar(&linkType, "link", "tcp", "Framing: tcp, rtu, ascii")
	rootCmd.PersistentFlags().StringVar(&serialDev, "serial", "", "Serial device; overrides host and port")
	rootCmd.PersistentFlags().IntVar(&baudRate, "baud", 19200, "Serial baud rate")
	rootCmd.PersistentFlags().StringVar(&parity, "parity", "E", "Serial parity: N, E, O")
	rootCmd.PersistentFlags().Uint8VarP(&unitID, "unit", "u", 1, "Modbus unit ID (1-247)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Second, "Transaction timeout")

	// Output flags
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "Output format: table, json, csv, raw")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable color output")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default depends on command)")

	// Bind to viper
	for _, name := range []string{"devices", "host", "port", "link", "serial", "baud", "parity", "unit", "timeout", "output"} {
		viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}

	// Add commands
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(writeCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(configCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return
		}

		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigName(".modbuspoll")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("MODBUS")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if verbose {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}

// setupLogger builds the zap logger and routes the library's slog output
// through it. Long-running commands carry a "log-level" annotation.
func setupLogger(cmd *cobra.Command) error {
	var cfg zap.Config
	if verbose {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

		level := logLevel
		if level == "" {
			level = cmd.Annotations["log-level"]
		}
		if level == "" {
			level = "warn"
		}
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", level, err)
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	l, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	zlog = l
	logger = slog.New(zapslog.NewHandler(l.Core()))
	slog.SetDefault(logger)
	return nil
}

func getAddress() string {
	return fmt.Sprintf("%s:%d", viper.GetString("host"), viper.GetInt("port"))
}
