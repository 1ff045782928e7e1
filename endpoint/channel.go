package endpoint

// Channel is an entangled pair of in-process ports.
type Channel struct {
	Port1 *MessagePort
	Port2 *MessagePort
}

// NewChannel creates a connected pair; both ends share scope.
func NewChannel(scope Scope) *Channel {
	p1 := NewMessagePort(scope, nil)
	p2 := NewMessagePort(scope, p1)
	p1.peer = p2
	return &Channel{Port1: p1, Port2: p2}
}
