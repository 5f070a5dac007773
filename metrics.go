package redislite

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

// VictoriaMetrics is a MetricsCollector backed by a VictoriaMetrics metric
// set. Series are exposed in Prometheus text format by WritePrometheus.
type VictoriaMetrics struct {
	set         *metrics.Set
	activeConns atomic.Int64

	connectionsTotal *metrics.Counter
	syncTotal        *metrics.Counter
	syncDuration     *metrics.Histogram
}

// NewVictoriaMetrics creates a collector with its own metric set
func NewVictoriaMetrics() *VictoriaMetrics {
	set := metrics.NewSet()
	vm := &VictoriaMetrics{
		set:              set,
		connectionsTotal: set.NewCounter("redislite_connections_total"),
		syncTotal:        set.NewCounter("redislite_sync_total"),
		syncDuration:     set.NewHistogram("redislite_sync_duration_seconds"),
	}
	set.NewGauge("redislite_connections_active", func() float64 {
		return float64(vm.activeConns.Load())
	})
	return vm
}

// RecordSyncDuration implements MetricsCollector
func (vm *VictoriaMetrics) RecordSyncDuration(duration time.Duration) {
	vm.syncTotal.Inc()
	vm.syncDuration.Update(duration.Seconds())
}

// RecordCommandProcessed implements MetricsCollector
func (vm *VictoriaMetrics) RecordCommandProcessed(cmd string, duration time.Duration) {
	vm.set.GetOrCreateCounter(fmt.Sprintf(`redislite_commands_total{command=%q}`, cmd)).Inc()
	vm.set.GetOrCreateHistogram(fmt.Sprintf(`redislite_command_duration_seconds{command=%q}`, cmd)).Update(duration.Seconds())
}

// RecordConnection implements MetricsCollector
func (vm *VictoriaMetrics) RecordConnection(open bool) {
	if open {
		vm.connectionsTotal.Inc()
		vm.activeConns.Add(1)
		return
	}
	vm.activeConns.Add(-1)
}

// RecordError implements MetricsCollector
func (vm *VictoriaMetrics) RecordError(errorType string) {
	vm.set.GetOrCreateCounter(fmt.Sprintf(`redislite_errors_total{type=%q}`, errorType)).Inc()
}

// WritePrometheus writes the collector's series in Prometheus text format
func (vm *VictoriaMetrics) WritePrometheus(w io.Writer) {
	vm.set.WritePrometheus(w)
}

// WriteProcessMetrics writes the Go runtime and process series of the
// default VictoriaMetrics set
func WriteProcessMetrics(w io.Writer) {
	metrics.WritePrometheus(w, true)
}
