package protocol

import (
	"github.com/VictoriaMetrics/metrics"

	"github.com/carlosiborra/msgrelay/pkg/metricsx"
)

// protocolMetrics tracks per-opcode request counts, split by result, plus
// connection-level abort counts for framing failures, following the api0
// handler's struct-of-counters pattern.
type protocolMetrics struct {
	set    *metrics.Set
	prefix string
}

func newProtocolMetrics(prefix string) *protocolMetrics {
	if prefix == "" {
		prefix = "msgrelay_protocol"
	}
	return &protocolMetrics{
		set:    metrics.NewSet(),
		prefix: prefix,
	}
}

// observe increments a requests_total counter. When op is empty, this
// records a connection-level abort (unknown opcode, framing failure)
// rather than a completed opcode dispatch. Handle runs one goroutine per
// accepted connection with no synchronization of its own, so observe must
// be safe for concurrent callers: GetOrCreateCounter is locked and
// idempotent, unlike NewCounter, which panics if the name is already
// registered.
func (m *protocolMetrics) observe(op, result string) {
	var name string
	if op == "" {
		name = metricsx.FormatName(m.prefix+"_connection_aborts_total", "", "reason", result)
	} else {
		name = metricsx.FormatName(m.prefix+"_requests_total", "", "op", op, "result", result)
	}
	m.set.GetOrCreateCounter(name).Inc()
}
