// Command sensorhostd runs the sensor-network host runtime standalone:
// it opens the USB-attached base station, starts the routing hub and the
// MultiSensor device driver registry, and serves Prometheus metrics —
// every background worker the runtime needs. The interactive shell and
// script interpreter that normally sit on top of this core are out of
// scope; this binary is the daemon a shell or automation would otherwise
// drive.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/daedaluz/sensorhost/basestation"
	"github.com/daedaluz/sensorhost/config"
	"github.com/daedaluz/sensorhost/device"
	"github.com/daedaluz/sensorhost/metrics"
	"github.com/daedaluz/sensorhost/rawusb"
	"github.com/daedaluz/sensorhost/routing"
	"github.com/daedaluz/sensorhost/sensors"
	"github.com/daedaluz/sensorhost/transport"
)

func newLogger(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.Set(level); err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func run(cfg config.Config, log *zap.Logger) error {
	found, err := rawusb.OpenBaseStation(cfg.VendorID, cfg.ProductID)
	if err != nil {
		return fmt.Errorf("opening base station: %w", err)
	}
	defer found.Close()

	transportCfg := transport.Config{
		PoolWaitTimeout: cfg.PoolWaitTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		ReadTimeout:     cfg.ReadTimeout,
	}
	bs := basestation.New(found, transportCfg, log.Named("basestation"))
	bs.Label = fmt.Sprintf("bus%d-dev%d", found.BusNumber, found.DeviceNumber)

	hub := routing.NewHub(log.Named("routing"))
	hub.TelemetryInterval = cfg.TelemetryInterval
	hub.AddressDeassociation = cfg.AddressDeassociation
	hub.NewDeviceHook = func(id routing.Identity) {
		log.Info("new device discovered", zap.Stringer("device", id))
	}
	hub.DroppedPacketHook = func(st *basestation.BaseStation, sofCount uint16, data []byte) {
		log.Debug("dropped radio packet with no known owner", zap.Stringer("station", st), zap.Uint16("sof", sofCount))
	}
	sensors.RegisterWithConfig(hub, log.Named("sensors"), device.Config{
		CmdRespTimeout: cfg.CmdAttemptTimeout,
		CmdMaxAttempts: cfg.CmdMaxAttempts,
		GapTimeout:     cfg.DataGapTimeout,
	})
	hub.AddStation(bs)

	reg := prometheus.NewRegistry()
	metrics.Register(reg)
	sampler := metrics.NewSampler(hub, cfg.TelemetryInterval, log.Named("metrics"))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return bs.Run(ctx) })
	g.Go(func() error { return hub.Run(ctx) })
	g.Go(func() error { return sampler.Run(ctx) })

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		g.Go(func() error {
			log.Info("serving metrics", zap.String("addr", cfg.MetricsAddr))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	if err != nil && ctx.Err() != nil {
		// Shutdown was requested; workers returning ctx.Err() is expected,
		// not a failure worth surfacing to the caller.
		return nil
	}
	return err
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "sensorhostd",
		Short: "Host-side runtime for the SensorPlatform wireless sensor network",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.PersistentFlags().GetString("config")
			cfg, err := config.Load(v, configPath)
			if err != nil {
				return err
			}
			log, err := newLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck
			return run(cfg, log)
		},
	}
	cmd.PersistentFlags().String("config", "", "path to an optional YAML/TOML config file")
	config.BindFlags(cmd, v)
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
