package main

import (
	"context"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/edgeo-scada/modbus-poller"
	"github.com/edgeo-scada/modbus-poller/internal/simulator"
)

var (
	simListen  string
	simLink    string
	simDelay   time.Duration
	simAnimate time.Duration
	simSlave   uint8
)

var simulateCmd = &cobra.Command{
	Use:     "simulate",
	Aliases: []string{"sim"},
	Short:   "Run a simulated Modbus slave",
	Long: `Serve an in-memory register map over TCP with MBAP, RTU or ASCII framing.
With --animate, holding register 0 counts up, registers 1-2 hold a sine wave
as FLOAT32_BE and coil 0 toggles.`,
	Example: `  modbuspoll simulate --listen :5020
  modbuspoll simulate --listen :5021 --link rtu --animate 500ms`,
	Annotations: map[string]string{"log-level": "info"},
	RunE:        runSimulate,
}

func init() {
	simulateCmd.Flags().StringVar(&simListen, "listen", ":5020", "Listen address")
	simulateCmd.Flags().StringVar(&simLink, "framing", "tcp", "Framing: tcp, rtu, ascii")
	simulateCmd.Flags().DurationVar(&simDelay, "delay", 0, "Reply delay")
	simulateCmd.Flags().DurationVar(&simAnimate, "animate", 0, "Update interval of the animated registers (0 = static)")
	simulateCmd.Flags().Uint8Var(&simSlave, "slave", 1, "Slave id of the animated registers")
}

func runSimulate(cmd *cobra.Command, args []string) error {
	lt, err := modbus.ParseLinkType(simLink)
	if err != nil {
		return err
	}

	mem := simulator.NewMemory()
	srv := simulator.NewServer(mem,
		simulator.WithLinkType(lt),
		simulator.WithResponseDelay(simDelay),
		simulator.WithLogger(logger),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if simAnimate > 0 {
		go animate(ctx, mem, modbus.UnitID(simSlave), simAnimate)
	}

	zlog.Info("simulator listening", zap.String("addr", simListen), zap.Stringer("framing", lt))
	return srv.ListenAndServeContext(ctx, simListen)
}

func animate(ctx context.Context, mem *simulator.Memory, unit modbus.UnitID, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var n uint16
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n++
			wave, _ := modbus.EncodeFloat64(modbus.Float32BE, 100*math.Sin(float64(n)/10))
			mem.SetHoldingRegisters(unit, 0, n)
			mem.SetHoldingRegisters(unit, 1, wave...)
			mem.SetInputRegisters(unit, 0, n)
			mem.SetCoil(unit, 0, n%2 == 1)
		}
	}
}
