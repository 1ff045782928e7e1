// Package worker hosts a simulation behind a remote root. The driver reaches it as
// handlers.{numThreads, init, addBlock, reset, snapshot, stats, stop}.
package worker

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/lucas-schuermann/pcisph-wasm/endpoint"
	"github.com/lucas-schuermann/pcisph-wasm/remote"
	"github.com/lucas-schuermann/pcisph-wasm/sim"
	"github.com/lucas-schuermann/pcisph-wasm/stats"
)

var ErrNotInitialized = errors.New("worker: simulation not initialized")

// releaseTimeout bounds how long Stop waits for the driver to acknowledge released handles.
const releaseTimeout = time.Second

type Option func(*Handlers)

func WithLogger(l *zap.Logger) Option {
	return func(h *Handlers) {
		if l != nil {
			h.log = l
		}
	}
}

// WithFrameRate sets how many frames per second the loop started by Init runs.
func WithFrameRate(fps int) Option {
	return func(h *Handlers) {
		if fps > 0 {
			h.frameInterval = time.Second / time.Duration(fps)
		}
	}
}

// WithRegisterer registers the worker's frame counter with reg.
func WithRegisterer(reg prometheus.Registerer, namespace string) Option {
	return func(h *Handlers) {
		h.reg, h.namespace = reg, namespace
	}
}

// Stats is what Handlers.Stats reports.
type Stats struct {
	Particles int     `json:"particles"`
	Frames    uint64  `json:"frames"`
	Steps     uint64  `json:"steps"`
	MaxSimMs  float64 `json:"maxSimMs"`
	Running   bool    `json:"running"`
}

// Handlers is the object the driver drives. Exported fields and methods are reachable
// remotely; method names are matched with a lower-case first letter as well.
type Handlers struct {
	NumThreads int `json:"numThreads"`

	log           *zap.Logger
	frameInterval time.Duration
	reg           prometheus.Registerer
	namespace     string
	framesTotal   prometheus.Counter

	// lifecycle serializes Init and Stop so a frame loop is never replaced while another
	// is being installed.
	lifecycle sync.Mutex

	mu       sync.Mutex
	sim      *sim.Simulation
	cancel   context.CancelFunc
	done     chan struct{}
	sink     stats.Sink
	panel    stats.PanelSink
	frames   uint64
	maxSimMs float64
}

// NewHandlers creates handlers that simulate on threads goroutines; zero means one per CPU.
func NewHandlers(threads int, opts ...Option) *Handlers {
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	h := &Handlers{
		NumThreads:    threads,
		log:           zap.NewNop(),
		frameInterval: time.Second / 60,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.framesTotal = promauto.With(h.reg).NewCounter(prometheus.CounterOpts{
		Namespace: h.namespace,
		Subsystem: "worker",
		Name:      "frames_total",
		Help:      "Frames simulated and drawn.",
	})
	return h
}

// Init creates the simulation drawing into surface and starts the frame loop. Each
// frame is bracketed by monitor.begin/end and reports its step time to panel.update.
// monitor and panel may be nil. Calling Init again replaces the running simulation.
func (h *Handlers) Init(surface *endpoint.Buffer, monitor, panel *remote.Proxy, darkMode bool) (int, error) {
	s, err := sim.New(surface, darkMode, h.NumThreads)
	if err != nil {
		return 0, err
	}
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()
	h.stop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	h.mu.Lock()
	h.sim = s
	h.cancel = cancel
	h.done = done
	h.sink = sinkFor(monitor)
	h.panel = panelFor(panel)
	h.frames = 0
	h.maxSimMs = 0
	sink, ps := h.sink, h.panel
	h.mu.Unlock()

	go h.run(ctx, s, sink, ps, done)
	h.log.Info("simulation started",
		zap.Int("particles", s.NumParticles()),
		zap.Int("threads", h.NumThreads),
		zap.Duration("frame_interval", h.frameInterval))
	return s.NumParticles(), nil
}

func (h *Handlers) current() (*sim.Simulation, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sim == nil {
		return nil, ErrNotInitialized
	}
	return h.sim, nil
}

func (h *Handlers) AddBlock() (int, error) {
	s, err := h.current()
	if err != nil {
		return 0, err
	}
	return s.AddBlock(), nil
}

func (h *Handlers) Reset() (int, error) {
	s, err := h.current()
	if err != nil {
		return 0, err
	}
	h.mu.Lock()
	h.maxSimMs = 0
	h.mu.Unlock()
	return s.Reset(), nil
}

// Snapshot returns a copy of the surface, transferred to the caller.
func (h *Handlers) Snapshot() (remote.Transferred, error) {
	s, err := h.current()
	if err != nil {
		return remote.Transferred{}, err
	}
	frame, err := s.Surface().Clone()
	if err != nil {
		return remote.Transferred{}, err
	}
	return remote.Transfer(frame, frame), nil
}

func (h *Handlers) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := Stats{Frames: h.frames, MaxSimMs: h.maxSimMs, Running: h.cancel != nil}
	if h.sim != nil {
		st.Particles = h.sim.NumParticles()
		st.Steps = h.sim.Steps()
	}
	return st
}

// Stop ends the frame loop and releases the driver's stats handles. The simulation is
// kept, so AddBlock, Reset and Snapshot still work.
func (h *Handlers) Stop() {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()
	h.stop()
}

func (h *Handlers) stop() {
	h.mu.Lock()
	cancel, done := h.cancel, h.done
	sink, panel := h.sink, h.panel
	h.cancel, h.done, h.sink, h.panel = nil, nil, nil, nil
	h.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done

	ctx, cancelRelease := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancelRelease()
	for _, r := range []any{sink, panel} {
		if rel, ok := r.(interface{ Release(context.Context) error }); ok {
			if err := rel.Release(ctx); err != nil {
				h.log.Debug("release failed", zap.Error(err))
			}
		}
	}
	h.log.Info("simulation stopped")
}

func (h *Handlers) run(ctx context.Context, s *sim.Simulation, sink stats.Sink, panel stats.PanelSink, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(h.frameInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := h.frame(ctx, s, sink, panel); err != nil {
			if ctx.Err() == nil {
				h.log.Warn("frame loop stopped", zap.Error(err))
			}
			return
		}
	}
}

func (h *Handlers) frame(ctx context.Context, s *sim.Simulation, sink stats.Sink, panel stats.PanelSink) error {
	if err := sink.Begin(ctx); err != nil {
		return err
	}
	start := time.Now()
	s.Step()
	simMs := float64(time.Since(start)) / float64(time.Millisecond)
	if err := s.Draw(); err != nil {
		return err
	}

	h.mu.Lock()
	h.maxSimMs = max(h.maxSimMs, simMs)
	h.frames++
	maxSimMs := h.maxSimMs
	h.mu.Unlock()
	h.framesTotal.Inc()

	if err := panel.Update(ctx, simMs, maxSimMs); err != nil {
		return err
	}
	return sink.End(ctx)
}

type nopSink struct{}

func (nopSink) Begin(context.Context) error                   { return nil }
func (nopSink) End(context.Context) error                     { return nil }
func (nopSink) Update(context.Context, float64, float64) error { return nil }

func sinkFor(p *remote.Proxy) stats.Sink {
	if p == nil {
		return nopSink{}
	}
	return stats.NewRemoteSink(p)
}

func panelFor(p *remote.Proxy) stats.PanelSink {
	if p == nil {
		return nopSink{}
	}
	return stats.NewRemotePanel(p)
}
