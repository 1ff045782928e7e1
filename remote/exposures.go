package remote

import (
	"sync"

	"github.com/lucas-schuermann/pcisph-wasm/endpoint"
)

// exposureTable owns the dispatchers started on dedicated channels for exposed values
// and ENDPOINT requests, keyed by the port each one serves. An entry lives until its
// dispatcher stops, which happens on RELEASE or when either end of the channel closes.
type exposureTable struct {
	mu     sync.Mutex
	byPort map[endpoint.Port]*Dispatcher
}

var exposures = &exposureTable{byPort: make(map[endpoint.Port]*Dispatcher)}

func (t *exposureTable) add(port endpoint.Port, d *Dispatcher) {
	t.mu.Lock()
	t.byPort[port] = d
	t.mu.Unlock()

	go func() {
		<-d.Done()
		t.mu.Lock()
		delete(t.byPort, port)
		t.mu.Unlock()
	}()
}

func (t *exposureTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byPort)
}

// exposeOnChannel serves v on a fresh dedicated channel and returns the far end.
func exposeOnChannel(v any, o *options) endpoint.Port {
	ch := endpoint.NewChannel(endpoint.ScopeDedicated)
	d := serve(ch.Port1, v, o)
	exposures.add(ch.Port1, d)
	return ch.Port2
}
