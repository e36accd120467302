package transport

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"

	"github.com/e2b-dev/infra/packages/dsm/internal/dsmlog"
	"github.com/e2b-dev/infra/packages/dsm/internal/dsmtypes"
	"github.com/e2b-dev/infra/packages/dsm/pkg/wire"
)

// Heartbeat runs the liveness side of spec.md section 4.L / 5: every
// connected peer gets a TTL slot refreshed on each Heartbeat/HeartbeatAck;
// letting that TTL (the configured death timeout) expire is what
// declares a node failed. This follows the teacher's
// api/internal/nomad/cache.go idiom of driving eviction-as-failure-
// detection through jellydator/ttlcache's OnEviction callback instead of a
// hand-rolled miss counter.
type Heartbeat struct {
	t        *Transport
	cache    *ttlcache.Cache[dsmtypes.NodeID, struct{}]
	interval time.Duration
	onFailed func(dsmtypes.NodeID)
	stats    *dsmtypes.Stats
}

// NewHeartbeat wires a cache whose per-entry TTL is deathTimeout (the
// default configuration sets it to three heartbeat intervals). onFailed is
// invoked once per eviction, from the cache's own background goroutine.
func NewHeartbeat(t *Transport, interval, deathTimeout time.Duration, stats *dsmtypes.Stats, onFailed func(dsmtypes.NodeID)) *Heartbeat {
	cache := ttlcache.New[dsmtypes.NodeID, struct{}](
		ttlcache.WithTTL[dsmtypes.NodeID, struct{}](deathTimeout),
	)

	h := &Heartbeat{t: t, cache: cache, interval: interval, onFailed: onFailed, stats: stats}

	cache.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[dsmtypes.NodeID, struct{}]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		id := item.Key()
		if !t.registry.IsFailed(id) {
			t.registry.MarkFailed(id)
			stats.PeerFailures.Add(1)
			dsmlog.L().Warn("transport: peer declared failed (heartbeat timeout)", dsmlog.WithNode(id))
			if h.onFailed != nil {
				h.onFailed(id)
			}
		}
	})

	return h
}

// Touch refreshes id's TTL slot; called whenever a Heartbeat or
// HeartbeatAck arrives from id.
func (h *Heartbeat) Touch(id dsmtypes.NodeID) {
	h.cache.Set(id, struct{}{}, ttlcache.DefaultTTL)
	h.t.registry.TouchHeartbeat(id, time.Now())
}

// Run starts the cache's own TTL-sweep goroutine and a ticker that sends a
// Heartbeat to every connected peer every interval, until ctx is canceled.
func (h *Heartbeat) Run(ctx context.Context) {
	go h.cache.Start()
	go func() {
		<-ctx.Done()
		h.cache.Stop()
	}()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range h.t.registry.ConnectedPeers() {
				if err := h.t.Send(id, &wire.Heartbeat{}); err != nil {
					dsmlog.L().Debug("transport: heartbeat send failed", dsmlog.WithNode(id), zap.Error(err))
				}
			}
		}
	}
}
