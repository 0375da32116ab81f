package directory

import (
	"github.com/VictoriaMetrics/metrics"

	"github.com/carlosiborra/msgrelay/pkg/metricsx"
)

// directoryMetrics tracks per-operation request counts, split by result,
// following the api0 handler's struct-of-counters pattern.
type directoryMetrics struct {
	set    *metrics.Set
	prefix string
}

func newDirectoryMetrics(prefix string) *directoryMetrics {
	if prefix == "" {
		prefix = "msgrelay_directory"
	}
	return &directoryMetrics{
		set:    metrics.NewSet(),
		prefix: prefix,
	}
}

func (m *directoryMetrics) resultLabel(result int) string {
	switch result {
	case ResultOK:
		return "ok"
	case ResultNotFoundOrState:
		return "not_found_or_state"
	case ResultBadInputOrError:
		return "bad_input_or_error"
	case ResultIdentityMismatch:
		return "identity_mismatch"
	default:
		return "unknown"
	}
}

// observe increments the requests_total counter for op/result. Concurrent
// callers (ConnectedUsers runs under an RLock, so several observe calls can
// race) are safe because GetOrCreateCounter is itself locked and idempotent,
// unlike NewCounter, which panics on a duplicate name.
func (m *directoryMetrics) observe(op string, result int) {
	name := metricsx.FormatName(m.prefix+"_requests_total", "", "op", op, "result", m.resultLabel(result))
	m.set.GetOrCreateCounter(name).Inc()
}

// Set returns the VictoriaMetrics set backing this directory's counters,
// for registration with a debug HTTP listener.
func (d *Directory) Set() *metrics.Set {
	return d.m.set
}
