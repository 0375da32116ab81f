package delivery

import "github.com/VictoriaMetrics/metrics"

// pushMetrics tracks push outcomes, following the api0 handler's
// struct-of-counters pattern.
type pushMetrics struct {
	set     *metrics.Set
	success *metrics.Counter
	fail    struct {
		dial  *metrics.Counter
		write *metrics.Counter
	}
}

func newPushMetrics(prefix string) *pushMetrics {
	if prefix == "" {
		prefix = "msgrelay_delivery"
	}
	m := &pushMetrics{set: metrics.NewSet()}
	m.success = m.set.NewCounter(prefix + `_pushes_total{result="success"}`)
	m.fail.dial = m.set.NewCounter(prefix + `_pushes_total{result="fail_dial"}`)
	m.fail.write = m.set.NewCounter(prefix + `_pushes_total{result="fail_write"}`)
	return m
}

func (m *pushMetrics) observe(result string) {
	switch result {
	case "success":
		m.success.Inc()
	case "fail_dial":
		m.fail.dial.Inc()
	case "fail_write":
		m.fail.write.Inc()
	}
}

// Set returns the VictoriaMetrics set backing this pusher's counters, for
// registration with a debug HTTP listener.
func (p *Pusher) Set() *metrics.Set {
	return p.m.set
}
