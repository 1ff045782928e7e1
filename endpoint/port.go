package endpoint

import (
	"sync"
)

type listenerEntry struct {
	id uint64
	fn Listener
}

// MessagePort is the Port implementation shared by in-process channels and stream
// transports. Each started port delivers on its own goroutine, one message at a time,
// in arrival order.
type MessagePort struct {
	scope Scope
	peer  Peer

	mu        sync.Mutex
	queue     []Message
	listeners []listenerEntry
	nextID    uint64
	started   bool
	closed    bool

	wake chan struct{}
	done chan struct{}
}

// NewMessagePort returns an unstarted port whose outgoing messages go to peer.
// A nil peer makes every post fail with ErrClosed.
func NewMessagePort(scope Scope, peer Peer) *MessagePort {
	return &MessagePort{
		scope: scope,
		peer:  peer,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

func (p *MessagePort) Scope() Scope { return p.scope }

func (p *MessagePort) Done() <-chan struct{} { return p.done }

func (p *MessagePort) PostMessage(data any, transfer ...Transferable) error {
	p.mu.Lock()
	closed, peer := p.closed, p.peer
	p.mu.Unlock()
	if closed || peer == nil {
		return ErrClosed
	}

	moved, err := p.transferAll(transfer)
	if err != nil {
		return err
	}
	if err := peer.Deliver(Message{Data: data, Transfer: moved}); err != nil {
		giveBack(transfer, moved)
		return err
	}
	return nil
}

// giveBack returns transferred buffers to their senders when the peer refused the
// message. Ports transfer as themselves and need nothing.
func giveBack(transfer, moved []Transferable) {
	for i, t := range transfer {
		if orig, ok := t.(*Buffer); ok {
			if m, ok := moved[i].(*Buffer); ok && m != orig {
				orig.reclaim(m)
			}
		}
	}
}

// transferAll validates the whole list before moving anything, so a rejected post
// leaves every resource with its owner.
func (p *MessagePort) transferAll(transfer []Transferable) ([]Transferable, error) {
	if len(transfer) == 0 {
		return nil, nil
	}
	seen := make(map[Transferable]struct{}, len(transfer))
	for _, t := range transfer {
		if t == Transferable(p) {
			return nil, ErrTransferSelf
		}
		if _, dup := seen[t]; dup {
			return nil, ErrDuplicateTransfer
		}
		seen[t] = struct{}{}
		if d, ok := t.(interface{ Detached() bool }); ok && d.Detached() {
			return nil, ErrDetached
		}
	}

	moved := make([]Transferable, len(transfer))
	for i, t := range transfer {
		m, err := t.Transfer()
		if err != nil {
			return nil, err
		}
		moved[i] = m
	}
	return moved, nil
}

// Deliver queues msg for this port's listeners. It is the Peer side of PostMessage.
func (p *MessagePort) Deliver(msg Message) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.queue = append(p.queue, msg)
	p.mu.Unlock()
	p.signal()
	return nil
}

func (p *MessagePort) AddListener(l Listener) func() {
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.listeners = append(p.listeners, listenerEntry{id: id, fn: l})
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			for i, e := range p.listeners {
				if e.id == id {
					p.listeners = append(p.listeners[:i:i], p.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

func (p *MessagePort) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true
	go p.run()
}

// Transfer lets a port travel inside another message. The port keeps its queue and
// listeners; the sender is expected to stop using it.
func (p *MessagePort) Transfer() (Transferable, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	return p, nil
}

func (p *MessagePort) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	peer := p.peer
	p.shutdownLocked()
	p.mu.Unlock()

	if peer != nil {
		peer.Hangup()
	}
	return nil
}

// Hangup closes this side because the other side went away. Unlike Close it does not
// notify the peer.
func (p *MessagePort) Hangup() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.shutdownLocked()
}

func (p *MessagePort) shutdownLocked() {
	p.closed = true
	if !p.started {
		p.queue = nil
		close(p.done)
		return
	}
	p.signal()
}

func (p *MessagePort) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *MessagePort) run() {
	defer close(p.done)
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.mu.Unlock()
			<-p.wake
			p.mu.Lock()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		msg := p.queue[0]
		p.queue[0] = Message{}
		p.queue = p.queue[1:]
		listeners := make([]listenerEntry, len(p.listeners))
		copy(listeners, p.listeners)
		p.mu.Unlock()

		for _, l := range listeners {
			l.fn(msg)
		}
	}
}

var _ Port = (*MessagePort)(nil)
