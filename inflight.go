package mcp

import (
	"context"
	"sync"
)

type requestKey struct {
	sessionID string
	id        string
}

// pendingRequests holds the response channels of server to client requests until the client
// answers.
type pendingRequests struct {
	mu      sync.Mutex
	waiters map[requestKey]chan JSONRPCMessage
}

// inflightRequests holds the cancel functions of client requests being handled, so that
// notifications/cancelled and session close can stop them.
type inflightRequests struct {
	mu      sync.Mutex
	cancels map[requestKey]context.CancelFunc
}

type progressGuard struct {
	mu   sync.Mutex
	last float64
	seen bool
}

func newPendingRequests() *pendingRequests {
	return &pendingRequests{waiters: make(map[requestKey]chan JSONRPCMessage)}
}

func (p *pendingRequests) add(sessionID, id string) <-chan JSONRPCMessage {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch := make(chan JSONRPCMessage, 1)
	p.waiters[requestKey{sessionID, id}] = ch
	return ch
}

func (p *pendingRequests) resolve(sessionID, id string, msg JSONRPCMessage) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := requestKey{sessionID, id}
	ch, ok := p.waiters[key]
	if !ok {
		return false
	}
	delete(p.waiters, key)
	ch <- msg
	return true
}

func (p *pendingRequests) remove(sessionID, id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.waiters, requestKey{sessionID, id})
}

func (p *pendingRequests) dropSession(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for key, ch := range p.waiters {
		if key.sessionID == sessionID {
			delete(p.waiters, key)
			close(ch)
		}
	}
}

func newInflightRequests() *inflightRequests {
	return &inflightRequests{cancels: make(map[requestKey]context.CancelFunc)}
}

func (r *inflightRequests) add(sessionID, id string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cancels[requestKey{sessionID, id}] = cancel
}

func (r *inflightRequests) remove(sessionID, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.cancels, requestKey{sessionID, id})
}

func (r *inflightRequests) cancel(sessionID, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cancel, ok := r.cancels[requestKey{sessionID, id}]
	if ok {
		cancel()
	}
	return ok
}

func (r *inflightRequests) cancelSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, cancel := range r.cancels {
		if key.sessionID == sessionID {
			cancel()
		}
	}
}

// advance accepts v only if it exceeds every value accepted before.
func (g *progressGuard) advance(v float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.seen && v <= g.last {
		return ErrProgressNotIncreasing
	}
	g.last = v
	g.seen = true
	return nil
}
