package chat

import (
	"context"
	"sync"
	"time"

	"commune/service/proto"
)

// Correlator pairs outbound requests with their responses on one
// connection. IDs are a plain counter; they only need to be unique for
// the connection's lifetime. A response arriving after its waiter gave
// up is dropped silently.
type Correlator struct {
	mu      sync.Mutex
	next    uint64
	pending map[proto.RequestID]chan proto.Response
	timeout time.Duration
	closed  bool
}

func NewCorrelator(timeout time.Duration) *Correlator {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Correlator{
		pending: make(map[proto.RequestID]chan proto.Response),
		timeout: timeout,
	}
}

// Register allocates the next request id and a slot for its response.
func (c *Correlator) Register() (proto.RequestID, <-chan proto.Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	id := proto.RequestID(c.next)
	ch := make(chan proto.Response, 1)
	if !c.closed {
		c.pending[id] = ch
	}
	return id, ch
}

// Complete routes a response to its waiter. Unknown ids (timed out,
// duplicated, or never issued) are a no-op.
func (c *Correlator) Complete(resp proto.Response) bool {
	c.mu.Lock()
	ch, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	ch <- resp
	return true
}

// Await blocks for the response to id, up to the configured timeout.
func (c *Correlator) Await(ctx context.Context, id proto.RequestID, ch <-chan proto.Response) (proto.Response, error) {
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		c.forget(id)
		return proto.Response{}, proto.ErrTimeout
	case <-ctx.Done():
		c.forget(id)
		return proto.Response{}, ctx.Err()
	}
}

func (c *Correlator) forget(id proto.RequestID) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Close fails every waiter with a timeout. Used on disconnect.
func (c *Correlator) Close() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[proto.RequestID]chan proto.Response)
	c.closed = true
	c.mu.Unlock()
	for id, ch := range pending {
		ch <- proto.Response{ID: id, Err: proto.ErrTimeout}
	}
}
