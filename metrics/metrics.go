// Package metrics provides the decoder's observability surface: a
// package-level prometheus.Registry of packet, query, and instruction
// counters, mirroring the registry pattern in
// containerd-nydus-snapshotter's pkg/metrics/registry package.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"ptdecode/errs"
	"ptdecode/insn"
	"ptdecode/packet"
	"ptdecode/query"
)

var (
	// PacketsDecoded counts successfully decoded packets by wire type.
	PacketsDecoded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ptdecode_packets_decoded_total",
		Help: "Number of Intel PT packets decoded, by packet type.",
	}, []string{"type"})

	// DecodeErrors counts decode failures by error kind.
	DecodeErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ptdecode_decode_errors_total",
		Help: "Number of decode errors, by error kind.",
	}, []string{"kind"})

	// EventsEmitted counts query-engine events by kind.
	EventsEmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ptdecode_events_emitted_total",
		Help: "Number of events emitted by the query/event decoder, by event kind.",
	}, []string{"kind"})

	// InstructionsDecoded counts instructions produced by the
	// instruction-flow decoder, by class.
	InstructionsDecoded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ptdecode_instructions_decoded_total",
		Help: "Number of instructions reconstructed by the flow decoder, by class.",
	}, []string{"class"})

	// SyncScans observes how many bytes a PSB sync scan walked before
	// finding (or failing to find) a synchronization point.
	SyncScans = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ptdecode_sync_scan_bytes",
		Help:    "Bytes scanned per sync_forward/sync_backward call.",
		Buckets: prometheus.ExponentialBuckets(16, 4, 8),
	})
)

// Registry is the decoder's dedicated prometheus registry, separate from
// the global default registry so library callers can opt in explicitly.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		PacketsDecoded,
		DecodeErrors,
		EventsEmitted,
		InstructionsDecoded,
		SyncScans,
	)
}

// ObservePacket increments the per-type packet counter.
func ObservePacket(t packet.Type) {
	PacketsDecoded.WithLabelValues(t.String()).Inc()
}

// ObserveError increments the per-kind error counter.
func ObserveError(kind errs.Kind) {
	DecodeErrors.WithLabelValues(kind.Name()).Inc()
}

// ObserveEvent increments the per-kind event counter.
func ObserveEvent(kind query.Kind) {
	EventsEmitted.WithLabelValues(kind.String()).Inc()
}

// ObserveSyncScan records how many bytes a sync scan walked.
func ObserveSyncScan(bytes float64) {
	SyncScans.Observe(bytes)
}

// ObserveInstruction increments the per-class instruction counter.
func ObserveInstruction(class insn.Class) {
	InstructionsDecoded.WithLabelValues(class.String()).Inc()
}
