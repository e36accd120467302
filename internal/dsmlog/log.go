// Package dsmlog wraps go.uber.org/zap the way the teacher's
// shared/pkg/logger wraps it for api and orchestrator: a small set of
// context-free helpers (this runtime has no per-request context to
// propagate a trace id through, unlike an HTTP-facing service) plus
// node/page/lock/barrier field constructors so call sites read like
// logger.L().Error("...", zap.Error(err), dsmlog.WithNode(id)).
package dsmlog

import (
	"sync"

	"go.uber.org/zap"

	"github.com/e2b-dev/infra/packages/dsm/internal/dsmtypes"
)

var (
	mu      sync.RWMutex
	current *zap.Logger
)

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	current = l
}

// L returns the process-wide logger, mirroring logger.L() in the teacher's
// wrapper.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// SetLevel maps the public API's 0..4 log-level scale onto a zap level and
// rebuilds the process logger, backing dsm.SetLogLevel.
func SetLevel(level int) {
	var zl zap.AtomicLevel
	switch {
	case level <= 0:
		zl = zap.NewAtomicLevelAt(zap.ErrorLevel)
	case level == 1:
		zl = zap.NewAtomicLevelAt(zap.WarnLevel)
	case level == 2:
		zl = zap.NewAtomicLevelAt(zap.InfoLevel)
	case level == 3:
		zl = zap.NewAtomicLevelAt(zap.DebugLevel)
	default:
		zl = zap.NewAtomicLevelAt(zap.DebugLevel)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zl
	l, err := cfg.Build()
	if err != nil {
		return
	}

	mu.Lock()
	old := current
	current = l
	mu.Unlock()
	_ = old.Sync()
}

// WithNode and WithPage are the field constructors most call sites need;
// kept here rather than scattered as ad hoc zap.Uint32 calls everywhere so
// the field name stays consistent across packages.
func WithNode(id dsmtypes.NodeID) zap.Field {
	return zap.Uint32("node_id", uint32(id))
}

func WithPage(id dsmtypes.PageID) zap.Field {
	return zap.Uint64("page_id", uint64(id))
}

func WithLock(id dsmtypes.LockID) zap.Field {
	return zap.Uint64("lock_id", uint64(id))
}

func WithBarrier(id dsmtypes.BarrierID) zap.Field {
	return zap.Uint64("barrier_id", uint64(id))
}
