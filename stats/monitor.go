// Package stats collects per-frame timings for a running simulation.
//
// A Monitor lives with the driver and is handed to the worker as a remote handle; the
// worker brackets each frame with Begin/End and feeds extra panels through Update.
package stats

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Snapshot holds aggregated frame statistics over the rolling window.
type Snapshot struct {
	Frames   int                      `json:"frames"` // total frames recorded
	AvgFrame time.Duration            `json:"avgFrame"`
	MinFrame time.Duration            `json:"minFrame"`
	MaxFrame time.Duration            `json:"maxFrame"`
	FPS      float64                  `json:"fps"`
	Panels   map[string]PanelSnapshot `json:"panels"`
}

// Monitor tracks frame timing over a rolling window.
type Monitor struct {
	mu         sync.Mutex
	windowSize int
	samples    []time.Duration
	writeIndex int
	count      int
	frames     int
	begin      time.Time
	lastEnd    time.Time
	interval   time.Duration // time between the last two End calls
	panels     map[string]*Panel

	frameSeconds prometheus.Gauge
	fps          prometheus.Gauge
	panelValue   *prometheus.GaugeVec
}

// NewMonitor creates a monitor averaging over windowSize frames. Gauges are registered
// with reg under namespace; a nil reg leaves them unregistered.
func NewMonitor(windowSize int, reg prometheus.Registerer, namespace string) *Monitor {
	if windowSize < 1 {
		windowSize = 60
	}
	factory := promauto.With(reg)
	return &Monitor{
		windowSize: windowSize,
		samples:    make([]time.Duration, windowSize),
		panels:     make(map[string]*Panel),
		frameSeconds: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stats",
			Name:      "frame_seconds",
			Help:      "Duration of the last frame.",
		}),
		fps: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stats",
			Name:      "frames_per_second",
			Help:      "Frame rate derived from the interval between frames.",
		}),
		panelValue: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stats",
			Name:      "panel_value",
			Help:      "Last value reported to a panel.",
		}, []string{"panel"}),
	}
}

// Begin starts timing a frame.
func (m *Monitor) Begin() {
	m.mu.Lock()
	m.begin = time.Now()
	m.mu.Unlock()
}

// End finishes the frame started by Begin and records its duration. An End without a
// matching Begin only advances the frame rate.
func (m *Monitor) End() {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.lastEnd.IsZero() {
		m.interval = now.Sub(m.lastEnd)
		if m.interval > 0 {
			m.fps.Set(float64(time.Second) / float64(m.interval))
		}
	}
	m.lastEnd = now
	if m.begin.IsZero() {
		return
	}

	d := now.Sub(m.begin)
	m.begin = time.Time{}
	m.samples[m.writeIndex] = d
	m.writeIndex = (m.writeIndex + 1) % m.windowSize
	if m.count < m.windowSize {
		m.count++
	}
	m.frames++
	m.frameSeconds.Set(d.Seconds())
}

// Panel returns the named panel, creating it on first use.
func (m *Monitor) Panel(name string) *Panel {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.panels[name]; ok {
		return p
	}
	p := &Panel{name: name, gauge: m.panelValue.WithLabelValues(name)}
	m.panels[name] = p
	return p
}

// Snapshot aggregates the current window.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	s := Snapshot{Frames: m.frames, Panels: make(map[string]PanelSnapshot, len(m.panels))}
	if m.interval > 0 {
		s.FPS = float64(time.Second) / float64(m.interval)
	}
	if m.count > 0 {
		var total time.Duration
		s.MinFrame = m.samples[0]
		for _, d := range m.samples[:m.count] {
			total += d
			s.MinFrame = min(s.MinFrame, d)
			s.MaxFrame = max(s.MaxFrame, d)
		}
		s.AvgFrame = total / time.Duration(m.count)
	}
	panels := make([]*Panel, 0, len(m.panels))
	for _, p := range m.panels {
		panels = append(panels, p)
	}
	m.mu.Unlock()

	for _, p := range panels {
		s.Panels[p.name] = p.Snapshot()
	}
	return s
}

// Panels lists panel names in order.
func (m *Monitor) Panels() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.panels))
	for name := range m.panels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
