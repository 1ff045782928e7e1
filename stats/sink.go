package stats

import (
	"context"

	"github.com/lucas-schuermann/pcisph-wasm/remote"
)

// Sink is the frame bracket as seen by the frame loop.
type Sink interface {
	Begin(ctx context.Context) error
	End(ctx context.Context) error
}

// PanelSink is a panel as seen by the frame loop.
type PanelSink interface {
	Update(ctx context.Context, value, max float64) error
}

// Local adapts an in-process Monitor.
func Local(m *Monitor) Sink { return localSink{m} }

type localSink struct{ m *Monitor }

func (s localSink) Begin(context.Context) error { s.m.Begin(); return nil }
func (s localSink) End(context.Context) error   { s.m.End(); return nil }

// LocalPanel adapts an in-process Panel.
func LocalPanel(p *Panel) PanelSink { return localPanel{p} }

type localPanel struct{ p *Panel }

func (l localPanel) Update(_ context.Context, value, max float64) error {
	l.p.Update(value, max)
	return nil
}

// RemoteSink forwards to a Monitor exposed on the other side of p.
type RemoteSink struct {
	p *remote.Proxy
}

func NewRemoteSink(p *remote.Proxy) *RemoteSink { return &RemoteSink{p: p} }

func (s *RemoteSink) Begin(ctx context.Context) error {
	_, err := s.p.Prop("begin").Call(ctx)
	return err
}

func (s *RemoteSink) End(ctx context.Context) error {
	_, err := s.p.Prop("end").Call(ctx)
	return err
}

// Release drops the handle. Later calls fail with remote.ErrReleased.
func (s *RemoteSink) Release(ctx context.Context) error { return s.p.Release(ctx) }

// RemotePanel forwards to a Panel exposed on the other side of p.
type RemotePanel struct {
	p *remote.Proxy
}

func NewRemotePanel(p *remote.Proxy) *RemotePanel { return &RemotePanel{p: p} }

func (r *RemotePanel) Update(ctx context.Context, value, max float64) error {
	_, err := r.p.Prop("update").Call(ctx, value, max)
	return err
}

func (r *RemotePanel) Release(ctx context.Context) error { return r.p.Release(ctx) }
