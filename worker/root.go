package worker

import (
	"context"
	"runtime"

	"go.uber.org/zap"

	"github.com/lucas-schuermann/pcisph-wasm/remote"
)

// Lazy publishes h once it is ready. The first request through "handlers" waits for
// the thread budget to be applied; later requests reuse the result.
func Lazy(h *Handlers) *remote.Lazy {
	return remote.NewLazy(func(context.Context) (any, error) {
		if runtime.GOMAXPROCS(0) < h.NumThreads {
			h.log.Info("thread budget exceeds GOMAXPROCS",
				zap.Int("threads", h.NumThreads), zap.Int("gomaxprocs", runtime.GOMAXPROCS(0)))
		}
		h.log.Info("handlers ready", zap.Int("threads", h.NumThreads))
		return remote.Expose(h), nil
	})
}

// NewRoot is the object a worker serves: {"handlers": <remote handle to h>}.
func NewRoot(h *Handlers) map[string]any {
	return map[string]any{"handlers": Lazy(h)}
}
