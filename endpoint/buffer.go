package endpoint

import "sync"

// Buffer is a transferable block of bytes, the stand-in for an offscreen rendering
// surface or a shared memory buffer. After Transfer the original handle is detached:
// it reports zero length and every access fails with ErrDetached.
type Buffer struct {
	mu       sync.RWMutex
	data     []byte
	detached bool
}

func NewBuffer(n int) *Buffer {
	return &Buffer{data: make([]byte, n)}
}

// BufferFrom takes ownership of b.
func BufferFrom(b []byte) *Buffer {
	return &Buffer{data: b}
}

func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.data)
}

func (b *Buffer) Detached() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.detached
}

// Bytes returns a copy of the contents.
func (b *Buffer) Bytes() ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.detached {
		return nil, ErrDetached
	}
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out, nil
}

// Update runs fn with exclusive access to the contents.
func (b *Buffer) Update(fn func(data []byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.detached {
		return ErrDetached
	}
	fn(b.data)
	return nil
}

// View runs fn with shared read access to the contents.
func (b *Buffer) View(fn func(data []byte)) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.detached {
		return ErrDetached
	}
	fn(b.data)
	return nil
}

// Clone returns an independent copy; the original stays usable.
func (b *Buffer) Clone() (*Buffer, error) {
	data, err := b.Bytes()
	if err != nil {
		return nil, err
	}
	return &Buffer{data: data}, nil
}

func (b *Buffer) Transfer() (Transferable, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.detached {
		return nil, ErrDetached
	}
	moved := &Buffer{data: b.data}
	b.data = nil
	b.detached = true
	return moved, nil
}

// reclaim takes the contents back from moved, the handle Transfer returned, after a
// delivery that never happened.
func (b *Buffer) reclaim(moved *Buffer) {
	moved.mu.Lock()
	data := moved.data
	moved.data = nil
	moved.detached = true
	moved.mu.Unlock()

	b.mu.Lock()
	b.data = data
	b.detached = false
	b.mu.Unlock()
}
