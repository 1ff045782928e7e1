// Package endpoint provides duplex message ports and transferable resources.
//
// A Port is one side of a channel. Messages posted on a port arrive, in order and
// asynchronously, at the listeners of its entangled peer. A message may carry a transfer
// list: resources whose ownership moves with it, leaving the sender's handle unusable.
//
//	ch := endpoint.NewChannel(endpoint.ScopeDedicated)
//	ch.Port2.AddListener(func(m endpoint.Message) { ... })
//	ch.Port2.Start()
//	ch.Port1.PostMessage(data, surface) // surface is detached from here on
package endpoint

import "errors"

var (
	ErrClosed            = errors.New("endpoint: port is closed")
	ErrDetached          = errors.New("endpoint: resource has been transferred")
	ErrDuplicateTransfer = errors.New("endpoint: resource listed twice in transfer list")
	ErrTransferSelf      = errors.New("endpoint: a port cannot transfer itself")
)

// Scope says how long a port is meant to live.
type Scope int

const (
	// ScopeRoot ports live as long as the context that owns them. RELEASE never closes them.
	ScopeRoot Scope = iota
	// ScopeDedicated ports serve exactly one remote object and close when it is released.
	ScopeDedicated
)

func (s Scope) String() string {
	if s == ScopeDedicated {
		return "dedicated"
	}
	return "root"
}

// Transferable is a resource that can move to the receiving side of a message.
//
// Transfer hands ownership to a new handle and returns it; afterwards the receiver of the
// call must treat itself as unusable.
type Transferable interface {
	Transfer() (Transferable, error)
}

// Message is what a listener receives: the posted data plus the transferred resources,
// already re-homed to the receiving side.
type Message struct {
	Data     any
	Transfer []Transferable
}

type Listener func(Message)

// Port is one side of a duplex message channel.
type Port interface {
	Transferable

	// PostMessage sends data to the peer, moving every resource in transfer along with it.
	PostMessage(data any, transfer ...Transferable) error
	// AddListener registers l for incoming messages. The returned func removes it and
	// may be called any number of times, including from inside l.
	AddListener(l Listener) (remove func())
	// Start begins delivery. Messages that arrive earlier are queued.
	Start()
	Scope() Scope
	// Close disentangles both sides. Messages already queued are still delivered.
	Close() error
	// Done is closed once the port is closed and its queue has drained.
	Done() <-chan struct{}
}

// Peer receives what a MessagePort sends. Entangled in-process ports are each other's
// peers; stream transports supply a peer that writes frames.
type Peer interface {
	Deliver(msg Message) error
	Hangup()
}
