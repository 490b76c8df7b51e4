// Package config binds the runtime's tunables — address-deassociation and
// data-gap timeouts, reliable-command retry budget, telemetry interval, USB
// vendor/product selection, and the metrics/log surface — to cobra flags
// and a viper-backed config file/environment layer, the way
// meshtastic-message-relay and ClusterCockpit/cc-backend wire that pair
// together: defaults supplied in code, overridable by an optional config
// file and SENSORHOST_* environment variables, with flags taking
// precedence over both.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds every tunable that would otherwise be a hard-coded constant
// in the core packages, plus the ambient transport/USB/metrics settings
// this daemon needs on top of that.
type Config struct {
	// USB device selection.
	VendorID  uint32
	ProductID uint32

	// AddressDeassociation is how long an address survives without a
	// refresh before the routing hub releases it.
	AddressDeassociation time.Duration
	// DataGapTimeout bounds how long the reassembler waits for a missing
	// data packet before zero-filling it and moving on.
	DataGapTimeout time.Duration
	// CmdAttemptTimeout is the per-attempt reply timeout for the per-device
	// reliable command transport.
	CmdAttemptTimeout time.Duration
	// CmdMaxAttempts is the retry budget for the per-device reliable
	// command transport.
	CmdMaxAttempts int
	// TelemetryInterval is how often receiver and device telemetry counters
	// are resampled.
	TelemetryInterval time.Duration

	// USB transport tunables.
	PoolWaitTimeout time.Duration
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration

	// MetricsAddr is the listen address for the Prometheus /metrics
	// endpoint; empty disables it.
	MetricsAddr string
	// LogLevel selects the zap level ("debug", "info", "warn", "error").
	LogLevel string
}

// Defaults returns the configuration with every tunable set explicitly,
// instead of leaving it hard-coded in the components that use it.
func Defaults() Config {
	return Config{
		VendorID:  0xf055,
		ProductID: 0x5053,

		AddressDeassociation: 5 * time.Second,
		DataGapTimeout:       2 * time.Second,
		CmdAttemptTimeout:    100 * time.Millisecond,
		CmdMaxAttempts:       64,
		TelemetryInterval:    time.Second,

		PoolWaitTimeout: time.Second,
		WriteTimeout:    time.Second,
		ReadTimeout:     10 * time.Second,

		MetricsAddr: ":9090",
		LogLevel:    "info",
	}
}

// BindFlags registers every Config field as a persistent flag on cmd and
// binds it into v, so that flag > environment > file > code-default
// precedence falls out of viper's own resolution order.
func BindFlags(cmd *cobra.Command, v *viper.Viper) {
	d := Defaults()
	flags := cmd.PersistentFlags()

	flags.Uint32("usb-vendor-id", d.VendorID, "USB vendor id of the SensorPlatform base station")
	flags.Uint32("usb-product-id", d.ProductID, "USB product id of the SensorPlatform base station")

	flags.Duration("address-deassociation", d.AddressDeassociation, "how long a radio address survives without a refresh before it is released")
	flags.Duration("data-gap-timeout", d.DataGapTimeout, "how long the data-stream reassembler waits for a missing packet before zero-filling it")
	flags.Duration("cmd-attempt-timeout", d.CmdAttemptTimeout, "per-attempt reply timeout for the per-device reliable command transport")
	flags.Int("cmd-max-attempts", d.CmdMaxAttempts, "retry budget for the per-device reliable command transport")
	flags.Duration("telemetry-interval", d.TelemetryInterval, "how often receiver and device telemetry counters are resampled")

	flags.Duration("pool-wait-timeout", d.PoolWaitTimeout, "how long AsyncCmd blocks for a free USB sequence number")
	flags.Duration("write-timeout", d.WriteTimeout, "USB bulk OUT transfer timeout")
	flags.Duration("read-timeout", d.ReadTimeout, "USB bulk IN transfer timeout")

	flags.String("metrics-addr", d.MetricsAddr, "listen address for the Prometheus /metrics endpoint, empty to disable")
	flags.String("log-level", d.LogLevel, "zap log level: debug, info, warn, error")

	flags.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
	})
}

// Load reads environment variables (SENSORHOST_*) and an optional config
// file discovered by v, merges them under the already-bound flags, and
// returns the resolved Config.
func Load(v *viper.Viper, configPath string) (Config, error) {
	v.SetEnvPrefix("sensorhost")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: reading %s: %w", configPath, err)
		}
	}

	cfg := Defaults()
	cfg.VendorID = v.GetUint32("usb-vendor-id")
	cfg.ProductID = v.GetUint32("usb-product-id")
	cfg.AddressDeassociation = v.GetDuration("address-deassociation")
	cfg.DataGapTimeout = v.GetDuration("data-gap-timeout")
	cfg.CmdAttemptTimeout = v.GetDuration("cmd-attempt-timeout")
	cfg.CmdMaxAttempts = v.GetInt("cmd-max-attempts")
	cfg.TelemetryInterval = v.GetDuration("telemetry-interval")
	cfg.PoolWaitTimeout = v.GetDuration("pool-wait-timeout")
	cfg.WriteTimeout = v.GetDuration("write-timeout")
	cfg.ReadTimeout = v.GetDuration("read-timeout")
	cfg.MetricsAddr = v.GetString("metrics-addr")
	cfg.LogLevel = v.GetString("log-level")
	return cfg, nil
}
