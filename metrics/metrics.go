// Package metrics is the thin counter sink threaded through replob,
// detector, and chronos. It is satisfied structurally by
// *statsd.Client (cactus/go-statsd-client), so wiring a real statsd
// endpoint at startup requires no adapter; tests and no-metrics runs use
// Nop.
package metrics

import (
	"github.com/cactus/go-statsd-client/v5/statsd"
)

// Sink is the slice of statsd.Statter this codebase actually calls.
// Counter-only: the components here report discrete events (steps
// completed, votes sent, peers evicted), never gauges or timings.
type Sink interface {
	Inc(stat string, value int64, rate float32) error
}

type nopSink struct{}

func (nopSink) Inc(string, int64, float32) error { return nil }

// Nop discards every counter; used where no statsd endpoint is configured.
var Nop Sink = nopSink{}

// Dial opens a statsd client pointed at addr (e.g. "127.0.0.1:8125"),
// prefixing every stat name with prefix.
func Dial(addr, prefix string) (Sink, error) {
	client, err := statsd.NewClient(addr, prefix)
	if err != nil {
		return nil, err
	}
	return client, nil
}
