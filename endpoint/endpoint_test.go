package endpoint

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(p Port, n int) <-chan []Message {
	out := make(chan []Message, 1)
	var mu sync.Mutex
	var got []Message
	p.AddListener(func(m Message) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, m)
		if len(got) == n {
			out <- got
		}
	})
	return out
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
	var zero T
	return zero
}

func TestChannelDeliversInOrder(t *testing.T) {
	ch := NewChannel(ScopeDedicated)
	got := collect(ch.Port2, 100)
	ch.Port2.Start()

	for i := 0; i < 100; i++ {
		require.NoError(t, ch.Port1.PostMessage(i))
	}

	msgs := waitFor(t, got)
	for i, m := range msgs {
		assert.Equal(t, i, m.Data)
	}
}

func TestMessagesQueueUntilStart(t *testing.T) {
	ch := NewChannel(ScopeRoot)
	require.NoError(t, ch.Port1.PostMessage("early"))

	got := collect(ch.Port2, 1)
	select {
	case <-got:
		t.Fatal("delivered before Start")
	case <-time.After(20 * time.Millisecond):
	}

	ch.Port2.Start()
	msgs := waitFor(t, got)
	assert.Equal(t, "early", msgs[0].Data)
}

func TestBothDirections(t *testing.T) {
	ch := NewChannel(ScopeDedicated)
	ch.Port1.AddListener(func(m Message) {
		_ = ch.Port1.PostMessage(m.Data.(int) + 1)
	})
	got := collect(ch.Port2, 1)
	ch.Port1.Start()
	ch.Port2.Start()

	require.NoError(t, ch.Port2.PostMessage(41))
	assert.Equal(t, 42, waitFor(t, got)[0].Data)
}

func TestListenerCanRemoveItself(t *testing.T) {
	ch := NewChannel(ScopeDedicated)
	var calls int
	var remove func()
	remove = ch.Port2.AddListener(func(Message) {
		calls++
		remove()
	})
	after := collect(ch.Port2, 2)
	ch.Port2.Start()

	require.NoError(t, ch.Port1.PostMessage(1))
	require.NoError(t, ch.Port1.PostMessage(2))
	waitFor(t, after)
	assert.Equal(t, 1, calls)
	remove() // idempotent
}

func TestTransferDetachesBuffer(t *testing.T) {
	ch := NewChannel(ScopeDedicated)
	got := collect(ch.Port2, 1)
	ch.Port2.Start()

	surface := BufferFrom([]byte{1, 2, 3})
	require.NoError(t, ch.Port1.PostMessage("surface", surface))

	assert.True(t, surface.Detached())
	assert.Equal(t, 0, surface.Len())
	_, err := surface.Bytes()
	assert.ErrorIs(t, err, ErrDetached)
	assert.ErrorIs(t, surface.Update(func([]byte) {}), ErrDetached)

	msgs := waitFor(t, got)
	require.Len(t, msgs[0].Transfer, 1)
	received := msgs[0].Transfer[0].(*Buffer)
	data, err := received.Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data)

	// A detached handle cannot be sent again.
	assert.ErrorIs(t, ch.Port1.PostMessage("again", surface), ErrDetached)
}

func TestTransferListValidation(t *testing.T) {
	ch := NewChannel(ScopeDedicated)
	a, b := NewBuffer(4), NewBuffer(4)

	assert.ErrorIs(t, ch.Port1.PostMessage(nil, a, b, a), ErrDuplicateTransfer)
	assert.False(t, a.Detached(), "a rejected post moves nothing")
	assert.False(t, b.Detached())

	assert.ErrorIs(t, ch.Port1.PostMessage(nil, ch.Port1), ErrTransferSelf)
}

func TestTransferPort(t *testing.T) {
	outer := NewChannel(ScopeRoot)
	inner := NewChannel(ScopeDedicated)
	got := collect(outer.Port2, 1)
	outer.Port2.Start()

	require.NoError(t, outer.Port1.PostMessage("port", inner.Port2))
	msgs := waitFor(t, got)
	received := msgs[0].Transfer[0].(Port)
	assert.Equal(t, ScopeDedicated, received.Scope())

	replies := collect(received, 1)
	received.Start()
	require.NoError(t, inner.Port1.PostMessage("through"))
	assert.Equal(t, "through", waitFor(t, replies)[0].Data)
}

func TestCloseDrainsAndDisentangles(t *testing.T) {
	ch := NewChannel(ScopeDedicated)
	got := collect(ch.Port2, 2)
	ch.Port2.Start()

	require.NoError(t, ch.Port1.PostMessage("a"))
	require.NoError(t, ch.Port1.PostMessage("b"))
	require.NoError(t, ch.Port1.Close())

	msgs := waitFor(t, got)
	assert.Len(t, msgs, 2, "queued messages survive close")

	waitFor(t, ch.Port2.Done())
	waitFor(t, ch.Port1.Done())
	assert.ErrorIs(t, ch.Port1.PostMessage("c"), ErrClosed)
	assert.ErrorIs(t, ch.Port2.PostMessage("c"), ErrClosed)
	assert.NoError(t, ch.Port2.Close())

	_, err := ch.Port1.Transfer()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestBufferClone(t *testing.T) {
	b := BufferFrom([]byte("abc"))
	c, err := b.Clone()
	require.NoError(t, err)
	require.NoError(t, c.Update(func(d []byte) { d[0] = 'x' }))

	orig, _ := b.Bytes()
	assert.Equal(t, "abc", string(orig))
	assert.Equal(t, ScopeRoot.String(), "root")
	assert.Equal(t, ScopeDedicated.String(), "dedicated")
}

type hungUpPeer struct{}

func (hungUpPeer) Deliver(Message) error { return ErrClosed }
func (hungUpPeer) Hangup()               {}

func TestFailedDeliveryKeepsBuffers(t *testing.T) {
	p := NewMessagePort(ScopeDedicated, hungUpPeer{})
	surface := BufferFrom([]byte{1, 2, 3})

	assert.ErrorIs(t, p.PostMessage("surface", surface), ErrClosed)
	assert.False(t, surface.Detached())
	data, err := surface.Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data)
}
