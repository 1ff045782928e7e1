package remote

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/lucas-schuermann/pcisph-wasm/endpoint"
	"github.com/lucas-schuermann/pcisph-wasm/message"
)

// pendingReply is the future for one outstanding request. It is completed at most once,
// by the first reply whose id matches.
type pendingReply struct {
	id     string
	once   sync.Once
	ch     chan endpoint.Message
	remove func()
}

func (p *pendingReply) onMessage(m endpoint.Message) {
	reply, ok := m.Data.(*message.Message)
	if !ok || !reply.IsReplyTo(p.id) {
		return
	}
	p.once.Do(func() {
		p.ch <- m
		p.remove()
	})
}

// request posts msg under a fresh correlation id and waits for its reply.
//
// There is no timeout. ctx only lets the caller stop waiting; the far side is not told
// and may still complete the operation.
func request(ctx context.Context, port endpoint.Port, msg *message.Message, transfer []endpoint.Transferable) (*message.Message, []endpoint.Transferable, error) {
	msg.ID = uuid.NewString()
	pending := &pendingReply{id: msg.ID, ch: make(chan endpoint.Message, 1)}
	pending.remove = port.AddListener(pending.onMessage)
	defer pending.remove()

	if err := port.PostMessage(msg, transfer...); err != nil {
		return nil, nil, err
	}

	select {
	case m := <-pending.ch:
		return m.Data.(*message.Message), m.Transfer, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case <-port.Done():
		// The reply may have been the last message delivered before the port closed.
		select {
		case m := <-pending.ch:
			return m.Data.(*message.Message), m.Transfer, nil
		default:
			return nil, nil, endpoint.ErrClosed
		}
	}
}
