package dsmtypes

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel/metric"
)

// Stats holds the runtime's lifetime counters. Each field is an
// atomic.Int64 so every subsystem can bump it without its own lock,
// matching spec.md's "Statistics: stats_lock" intent while avoiding a
// single contended mutex on the hottest counters (page faults).
type Stats struct {
	PageFaults             atomic.Int64
	ReadFaults              atomic.Int64
	WriteFaults             atomic.Int64
	PagesFetched            atomic.Int64
	InvalidationsSent       atomic.Int64
	InvalidationsReceived   atomic.Int64
	LockAcquires            atomic.Int64
	BarrierWaits            atomic.Int64
	AllocAckTimeouts        atomic.Int64
	PeerFailures            atomic.Int64
	OwnershipReclamations   atomic.Int64
}

// Snapshot is the plain-value copy returned by get_stats / printed by
// print_stats; keeping it dependency-free (no otel types) is deliberate so
// callers and tests don't need an OTel SDK wired up just to read counters.
type Snapshot struct {
	PageFaults            int64
	ReadFaults            int64
	WriteFaults           int64
	PagesFetched          int64
	InvalidationsSent     int64
	InvalidationsReceived int64
	LockAcquires          int64
	BarrierWaits          int64
	AllocAckTimeouts      int64
	PeerFailures          int64
	OwnershipReclamations int64
}

func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		PageFaults:            s.PageFaults.Load(),
		ReadFaults:            s.ReadFaults.Load(),
		WriteFaults:           s.WriteFaults.Load(),
		PagesFetched:          s.PagesFetched.Load(),
		InvalidationsSent:     s.InvalidationsSent.Load(),
		InvalidationsReceived: s.InvalidationsReceived.Load(),
		LockAcquires:          s.LockAcquires.Load(),
		BarrierWaits:          s.BarrierWaits.Load(),
		AllocAckTimeouts:      s.AllocAckTimeouts.Load(),
		PeerFailures:          s.PeerFailures.Load(),
		OwnershipReclamations: s.OwnershipReclamations.Load(),
	}
}

func (s *Stats) Reset() {
	s.PageFaults.Store(0)
	s.ReadFaults.Store(0)
	s.WriteFaults.Store(0)
	s.PagesFetched.Store(0)
	s.InvalidationsSent.Store(0)
	s.InvalidationsReceived.Store(0)
	s.LockAcquires.Store(0)
	s.BarrierWaits.Store(0)
	s.AllocAckTimeouts.Store(0)
	s.PeerFailures.Store(0)
	s.OwnershipReclamations.Store(0)
}

// OtelMirror registers OTel async counters that read straight from Stats,
// mirroring the way clickhouse/pkg/metrics.go and the orchestrator's metrics
// registration mirror internal counters into OTel instruments. Additive
// only: get_stats/print_stats never depend on this having been called.
func (s *Stats) OtelMirror(meter metric.Meter) error {
	register := func(name, desc string, read func() int64) error {
		_, err := meter.Int64ObservableCounter(name,
			metric.WithDescription(desc),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(read())
				return nil
			}),
		)
		return err
	}

	for _, c := range []struct {
		name string
		desc string
		read func() int64
	}{
		{"dsm.page_faults", "total page faults handled", s.PageFaults.Load},
		{"dsm.read_faults", "page faults caused by a read", s.ReadFaults.Load},
		{"dsm.write_faults", "page faults caused by a write", s.WriteFaults.Load},
		{"dsm.pages_fetched", "pages fetched from a remote owner", s.PagesFetched.Load},
		{"dsm.invalidations_sent", "invalidations sent to sharers", s.InvalidationsSent.Load},
		{"dsm.invalidations_received", "invalidations received from a writer", s.InvalidationsReceived.Load},
		{"dsm.lock_acquires", "distributed lock acquisitions", s.LockAcquires.Load},
		{"dsm.barrier_waits", "distributed barrier waits", s.BarrierWaits.Load},
		{"dsm.peer_failures", "peers marked failed by the heartbeat monitor", s.PeerFailures.Load},
	} {
		if err := register(c.name, c.desc, c.read); err != nil {
			return err
		}
	}

	return nil
}
