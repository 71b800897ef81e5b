package mcp

import (
	"fmt"
	"sync"
)

// pendingTable maps in-flight request ids to the one-shot channel that
// receives their response. Callers insert, the reader removes; every
// access happens under mu so the two can never race on the same id.
type pendingTable struct {
	mu     sync.Mutex
	slots  map[int64]chan *Response
	closed bool

	// gauge, if set, receives the outstanding count after every change.
	// It is called with mu held so reports arrive in order.
	gauge func(int)
}

func newPendingTable(gauge func(int)) *pendingTable {
	return &pendingTable{slots: make(map[int64]chan *Response), gauge: gauge}
}

// changed reports the current count. Callers hold mu.
func (p *pendingTable) changed() {
	if p.gauge != nil {
		p.gauge(len(p.slots))
	}
}

// register creates the slot for id. It fails once the table is closed
// or if id is already outstanding.
func (p *pendingTable) register(id int64) (<-chan *Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrTransportClosed
	}
	if _, dup := p.slots[id]; dup {
		return nil, fmt.Errorf("request id %d already pending", id)
	}

	ch := make(chan *Response, 1)
	p.slots[id] = ch
	p.changed()
	return ch, nil
}

// resolve delivers resp to the slot for resp.ID and removes it. It
// reports false when no slot exists (stale, duplicate or unsolicited).
func (p *pendingTable) resolve(resp *Response) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch, ok := p.slots[resp.ID]
	if !ok {
		return false
	}
	delete(p.slots, resp.ID)
	ch <- resp
	p.changed()
	return true
}

// cancel removes the slot for id without fulfilling it. It reports false
// if the slot was already resolved or closed.
func (p *pendingTable) cancel(id int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.slots[id]; !ok {
		return false
	}
	delete(p.slots, id)
	p.changed()
	return true
}

// closeAll fails every outstanding slot by closing its channel and
// rejects future registrations. It returns the number of slots failed.
func (p *pendingTable) closeAll() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	n := len(p.slots)
	for id, ch := range p.slots {
		close(ch)
		delete(p.slots, id)
	}
	p.changed()
	return n
}

// len returns the number of outstanding requests.
func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// ids returns the outstanding request ids in no particular order.
func (p *pendingTable) ids() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]int64, 0, len(p.slots))
	for id := range p.slots {
		out = append(out, id)
	}
	return out
}
