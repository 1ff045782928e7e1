package stats

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type PanelSnapshot struct {
	Value   float64 `json:"value"`
	Max     float64 `json:"max"`
	Min     float64 `json:"min"`
	Updates int     `json:"updates"`
}

// Panel is an extra graph next to the frame timings, fed one sample at a time.
type Panel struct {
	name  string
	gauge prometheus.Gauge

	mu      sync.Mutex
	value   float64
	max     float64 // scale reported by the caller
	min     float64
	updates int
}

func (p *Panel) Name() string { return p.name }

// Update records value; max is the scale the caller wants the graph drawn against.
func (p *Panel) Update(value, max float64) {
	p.mu.Lock()
	if p.updates == 0 || value < p.min {
		p.min = value
	}
	p.value = value
	p.max = max
	p.updates++
	p.mu.Unlock()
	p.gauge.Set(value)
}

func (p *Panel) Snapshot() PanelSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PanelSnapshot{Value: p.value, Max: p.max, Min: p.min, Updates: p.updates}
}
