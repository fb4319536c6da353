package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edgeo-scada/modbus-poller"
	"github.com/edgeo-scada/modbus-poller/internal/config"
	"github.com/edgeo-scada/modbus-poller/internal/publish"
)

// daemon owns the links, devices and pollers built from a device file.
type daemon struct {
	links   map[string]*modbus.Link
	devices []*modbus.Device
	pollers []*modbus.Poller
	unbind  []func()
	logger  *slog.Logger
}

// buildDaemon creates every link and device of f and binds their points to
// sink. A nil sink leaves the points unbound.
func buildDaemon(f *config.File, sink publish.Sink, logger *slog.Logger) (*daemon, error) {
	d := &daemon{links: make(map[string]*modbus.Link), logger: logger}

	for _, lc := range f.Links {
		lt, err := lc.LinkType()
		if err != nil {
			d.Close()
			return nil, err
		}
		t, err := lc.NewTransport()
		if err != nil {
			d.Close()
			return nil, err
		}
		name := lc.Name
		opts := append(lc.Options(),
			modbus.WithLogger(logger),
			modbus.WithOnDisconnect(func(err error) {
				logger.Warn("link lost", slog.String("link", name), slog.String("error", err.Error()))
			}),
		)
		link, err := modbus.NewLink(lc.Name, t, lt, opts...)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.links[lc.Name] = link
	}

	for _, dc := range f.Devices {
		mc, err := dc.ModbusConfig()
		if err != nil {
			d.Close()
			return nil, err
		}
		opts := append(dc.Options(), modbus.WithDeviceLogger(logger))
		dev, err := modbus.NewDevice(d.links[dc.Link], mc, opts...)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.devices = append(d.devices, dev)
		if mc.Absolute() {
			continue
		}

		subs := modbus.NewSubscribers()
		if sink != nil {
			points, err := dc.ResolvePoints()
			if err != nil {
				d.Close()
				return nil, err
			}
			d.unbind = append(d.unbind, publish.Bind(dev.Name(), subs, points, sink))
		}
		p, err := modbus.NewPoller(dev, subs, modbus.WithPollerLogger(logger))
		if err != nil {
			d.Close()
			return nil, err
		}
		d.pollers = append(d.pollers, p)
	}
	return d, nil
}

// Run polls every device until ctx is done.
func (d *daemon) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	errs := make(chan error, len(d.pollers))
	for _, p := range d.pollers {
		wg.Add(1)
		go func(p *modbus.Poller) {
			defer wg.Done()
			if err := p.Run(ctx); err != nil {
				errs <- err
			}
		}(p)
	}
	wg.Wait()
	close(errs)
	return <-errs
}

// Close unbinds every point and closes the links.
func (d *daemon) Close() {
	for _, u := range d.unbind {
		u()
	}
	for name, l := range d.links {
		if err := l.Close(); err != nil {
			d.logger.Debug("close link", slog.String("link", name), slog.String("error", err.Error()))
		}
	}
}

// publishStats sends a statistics snapshot of every device each interval.
func (d *daemon) publishStats(ctx context.Context, sink *publish.MQTTSink, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, dev := range d.devices {
				stats := dev.Stats().Collect()
				delete(stats, "histogram")
				status, _ := dev.Status()
				stats["status"] = status.String()
				sink.PublishStats(dev.Name(), stats)
			}
		}
	}
}

// logSink writes every update to the zap logger.
type logSink struct {
	log *zap.Logger
}

func (s logSink) Publish(u publish.Update) {
	if u.Err != nil {
		s.log.Warn("update",
			zap.String("device", u.Device),
			zap.String("point", u.Point),
			zap.Stringer("status", u.Status),
			zap.Error(u.Err))
		return
	}
	s.log.Info("update",
		zap.String("device", u.Device),
		zap.String("point", u.Point),
		zap.String("class", u.Class.String()),
		zap.Any("value", u.Value))
}

func describeDaemon(d *daemon) string {
	return fmt.Sprintf("%d links, %d devices, %d pollers", len(d.links), len(d.devices), len(d.pollers))
}
