// Package sim is the particle simulation a worker hosts. It integrates gravity and
// boundary collisions only; it draws into a grayscale surface owned by the driver.
package sim

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/lucas-schuermann/pcisph-wasm/endpoint"
)

const (
	WindowWidth  = 1024
	WindowHeight = 720
	ViewWidth    = 20.0
	ViewHeight   = WindowHeight * ViewWidth / WindowWidth // 14.0625

	MaxParticles   = 30000
	BlockParticles = 500
	DamParticles   = 75 * 75

	solverSteps    = 10
	particleRadius = 0.03
	spacing        = 3 * particleRadius
	dt             = (1.0 / 40.0) / solverSteps
	restitution    = 0.5
	minChunk       = 256
)

var gravity = r2.Vec{X: 0, Y: -9.81}

// Surface shades.
const (
	DarkBackground  byte = 25
	LightBackground byte = 230
	ParticleShade   byte = 153
)

var ErrSurfaceSize = errors.New("sim: surface has the wrong size")

type particle struct {
	x r2.Vec
	v r2.Vec
}

// Simulation owns the particle state and the surface it draws into.
type Simulation struct {
	mu         sync.Mutex
	particles  []particle
	surface    *endpoint.Buffer
	background byte
	threads    int
	steps      uint64
}

// New starts a dam break drawn into surface, which must hold WindowWidth*WindowHeight
// bytes. threads bounds how many goroutines Step uses.
func New(surface *endpoint.Buffer, dark bool, threads int) (*Simulation, error) {
	if surface == nil || surface.Len() != WindowWidth*WindowHeight {
		n := 0
		if surface != nil {
			n = surface.Len()
		}
		return nil, fmt.Errorf("%w: %d bytes, want %d", ErrSurfaceSize, n, WindowWidth*WindowHeight)
	}
	if threads < 1 {
		threads = 1
	}
	s := &Simulation{
		particles:  make([]particle, 0, MaxParticles),
		surface:    surface,
		background: LightBackground,
		threads:    threads,
	}
	if dark {
		s.background = DarkBackground
	}
	s.placeSquare(r2.Vec{X: 0.25 * ViewWidth, Y: 0.95 * ViewHeight}, DamParticles)
	return s, nil
}

func (s *Simulation) NumParticles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.particles)
}

// Steps is the number of completed Step calls.
func (s *Simulation) Steps() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.steps
}

// AddBlock drops a block of particles from the top unless that would exceed MaxParticles.
func (s *Simulation) AddBlock() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.particles) < MaxParticles-BlockParticles {
		s.placeSquare(r2.Vec{X: ViewWidth/2 - ViewHeight/10, Y: ViewHeight - ViewHeight/10}, BlockParticles)
	}
	return len(s.particles)
}

// Reset clears the particles and starts a new dam break.
func (s *Simulation) Reset() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.particles = s.particles[:0]
	s.placeSquare(r2.Vec{X: 0.25 * ViewWidth, Y: 0.95 * ViewHeight}, DamParticles)
	return len(s.particles)
}

func (s *Simulation) placeSquare(start r2.Vec, n int) {
	side := int(math.Sqrt(float64(n)))
	for row := 0; row < side; row++ {
		for col := 0; col < side; col++ {
			s.particles = append(s.particles, particle{x: r2.Vec{
				X: start.X + float64(col)*spacing,
				Y: start.Y - float64(row)*spacing,
			}})
		}
	}
}

// Step advances the simulation by one frame.
func (s *Simulation) Step() {
	s.mu.Lock()
	defer s.mu.Unlock()
	parallelFor(len(s.particles), minChunk, s.threads, func(start, end int) {
		for i := start; i < end; i++ {
			p := &s.particles[i]
			for k := 0; k < solverSteps; k++ {
				p.v = r2.Add(p.v, r2.Scale(dt, gravity))
				p.x = r2.Add(p.x, r2.Scale(dt, p.v))
				collide(p)
			}
		}
	})
	s.steps++
}

// collide keeps p inside the view, reflecting its velocity off the walls.
func collide(p *particle) {
	lo, hi := r2.Vec{X: particleRadius, Y: particleRadius}, r2.Vec{X: ViewWidth - particleRadius, Y: ViewHeight - particleRadius}
	if p.x.X < lo.X {
		p.x.X, p.v.X = lo.X, -p.v.X*restitution
	} else if p.x.X > hi.X {
		p.x.X, p.v.X = hi.X, -p.v.X*restitution
	}
	if p.x.Y < lo.Y {
		p.x.Y, p.v.Y = lo.Y, -p.v.Y*restitution
	} else if p.x.Y > hi.Y {
		p.x.Y, p.v.Y = hi.Y, -p.v.Y*restitution
	}
}

// Draw clears the surface and plots every particle.
func (s *Simulation) Draw() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.surface.Update(func(data []byte) {
		for i := range data {
			data[i] = s.background
		}
		for _, p := range s.particles {
			px := int(p.x.X / ViewWidth * WindowWidth)
			py := WindowHeight - 1 - int(p.x.Y/ViewHeight*WindowHeight)
			if px < 0 || px >= WindowWidth || py < 0 || py >= WindowHeight {
				continue
			}
			data[py*WindowWidth+px] = ParticleShade
		}
	})
}

// Surface is the buffer Draw writes to.
func (s *Simulation) Surface() *endpoint.Buffer { return s.surface }
