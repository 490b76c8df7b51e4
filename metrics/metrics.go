// Package metrics exposes the runtime's internal counters — USB sequence
// pool occupancy, receiver telemetry, per-device telemetry and
// reliable-transport occupancy, and reassembler gap/loss counters — as
// Prometheus metrics, the way go-tcpinfo/sockstats/conniver and sttp/goapi
// wire client_golang: package-level collectors plus a periodic sampler
// that walks the routing hub, rather than a push-per-event model, since
// most of these values are already point-in-time snapshots kept by their
// owning package. Background workers must never block on a metrics push.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/daedaluz/sensorhost/basestation"
	"github.com/daedaluz/sensorhost/routing"
)

// namespace prefixes every metric this package registers.
const namespace = "sensorhost"

var (
	usbSeqPoolActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "usb",
		Name:      "seq_pool_active",
		Help:      "Reserved sequence numbers in the 256-slot USB response-matching pool.",
	})

	stationRxCounter = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "basestation",
		Name:      "rx_counter_rate",
		Help:      "Per-second delta of a base station's receiver-side telemetry counters.",
	}, []string{"station", "counter"})

	deviceCmdPoolActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "device",
		Name:      "cmd_pool_active",
		Help:      "Reserved sequence numbers in a device's 32-slot reliable command transport.",
	}, []string{"device"})

	deviceTelemetryRate = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "device",
		Name:      "telemetry_rate",
		Help:      "Per-second delta of a device's no-data-info telemetry counters.",
	}, []string{"device", "counter"})

	decoderSeq = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "decoder",
		Name:      "sequence",
		Help:      "Reassembler's current in-order packet sequence number.",
	}, []string{"device"})

	decoderLostPackets = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "decoder",
		Name:      "lost_packets_total",
		Help:      "Packets the reassembler gave up waiting for and zero-filled.",
	}, []string{"device"})

	decoderBufferDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "decoder",
		Name:      "buffer_depth",
		Help:      "Packets currently held in the reassembler's out-of-order buffer.",
	}, []string{"device"})
)

// Register installs every collector in this package with reg. Call once
// during startup, before serving /metrics.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		usbSeqPoolActive,
		stationRxCounter,
		deviceCmdPoolActive,
		deviceTelemetryRate,
		decoderSeq,
		decoderLostPackets,
		decoderBufferDepth,
	)
}

// instrumentedDevice is the subset of routing.DeviceDriver that a
// device.Device exposes for sampling; kept as a local interface so this
// package doesn't need to import device directly (same DI pattern as
// firmware.Commander).
type instrumentedDevice interface {
	ActiveCommands() int
	DecoderStats() (seq uint32, lostPackets uint32, bufferDepth int)
	TelemetryRate() [8]float64
}

// Sampler periodically walks a routing hub and its base stations, pushing
// their current counters into this package's gauges.
type Sampler struct {
	hub      *routing.Hub
	stations []*basestation.BaseStation
	log      *zap.Logger
	interval time.Duration
}

// NewSampler builds a Sampler for hub, polling every interval.
func NewSampler(hub *routing.Hub, interval time.Duration, log *zap.Logger) *Sampler {
	return &Sampler{hub: hub, log: log, interval: interval}
}

// Run samples metrics every interval until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context) error {
	interval := s.interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sample()
		}
	}
}

func (s *Sampler) sample() {
	for _, bs := range s.hub.Stations() {
		usbSeqPoolActive.Set(float64(bs.ActiveCommands()))
		delta := bs.LastDelta()
		label := bs.String()
		for i, v := range delta {
			stationRxCounter.WithLabelValues(label, counterName(i)).Set(v)
		}
	}
	for _, id := range s.hub.Devices() {
		driver := s.hub.GetDevice(id)
		dev, ok := driver.(instrumentedDevice)
		if !ok {
			continue
		}
		label := id.String()
		deviceCmdPoolActive.WithLabelValues(label).Set(float64(dev.ActiveCommands()))
		seq, lost, depth := dev.DecoderStats()
		decoderSeq.WithLabelValues(label).Set(float64(seq))
		decoderLostPackets.WithLabelValues(label).Set(float64(lost))
		decoderBufferDepth.WithLabelValues(label).Set(float64(depth))
		for i, v := range dev.TelemetryRate() {
			deviceTelemetryRate.WithLabelValues(label, counterName(i)).Set(v)
		}
	}
}

func counterName(i int) string {
	const names = "01234567"
	if i < 0 || i >= len(names) {
		return "?"
	}
	return string(names[i])
}
