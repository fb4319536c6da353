package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/edgeo-scada/modbus-poller/internal/publish"
)

var runQuiet bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Poll every device in the device file",
	Long: `Start one poller per device of the device file. Point updates are logged
and, when the file has an mqtt section, published to the broker as JSON.`,
	Example: `  modbuspoll run -d devices.yaml
  MODBUS_DEVICES=/etc/modbus/devices.yaml modbuspoll run`,
	Annotations: map[string]string{"log-level": "info"},
	RunE:        runDaemon,
}

func init() {
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "Do not log point updates")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	f, err := loadDevices()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var sinks publish.Fanout
	if !runQuiet {
		sinks = append(sinks, logSink{log: zlog.Named("updates")})
	}

	var mqttSink *publish.MQTTSink
	if f.MQTT != nil {
		mqttSink = publish.NewMQTTSink(f.MQTT, logger)
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := mqttSink.Connect(connectCtx)
		cancel()
		if err != nil {
			return err
		}
		defer mqttSink.Close()
		sinks = append(sinks, mqttSink)
	}

	var sink publish.Sink
	if len(sinks) > 0 {
		sink = sinks
	}
	d, err := buildDaemon(f, sink, logger)
	if err != nil {
		return err
	}
	defer d.Close()

	zlog.Info("daemon started", zap.String("devices", describeDaemon(d)))
	if mqttSink != nil && f.MQTT.StatsInterval > 0 {
		go d.publishStats(ctx, mqttSink, f.MQTT.StatsInterval)
	}

	err = d.Run(ctx)
	zlog.Info("daemon stopped")
	return err
}
