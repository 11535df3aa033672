package server

import "errors"

var (
	// ErrPeerClosed is returned when sending to a peer that is gone.
	ErrPeerClosed = errors.New("peer connection closed")
	// ErrSendQueueFull is returned when a slow peer cannot take more messages.
	ErrSendQueueFull = errors.New("peer send queue full")
)

// Peer is one connected viewer's channel within a room. Send must not block
// and Close must be idempotent.
type Peer interface {
	ID() string
	Send(payload []byte) error
	Close(code int, reason string) error
}

// Registry is the live set of peers of one room. It belongs to the room's
// actor goroutine and is NOT thread-safe.
type Registry struct {
	peers map[string]Peer
}

func NewRegistry() *Registry {
	return &Registry{peers: make(map[string]Peer)}
}

// Add registers p. It reports false, leaving the registry untouched, when
// another peer already holds the id of p.
func (r *Registry) Add(p Peer) bool {
	if cur, ok := r.peers[p.ID()]; ok {
		return cur == p
	}
	r.peers[p.ID()] = p
	return true
}

// Remove drops p and returns the number of peers left. Removing an absent
// peer is a no-op.
func (r *Registry) Remove(p Peer) int {
	if cur, ok := r.peers[p.ID()]; ok && cur == p {
		delete(r.peers, p.ID())
	}
	return len(r.peers)
}

// Has reports whether p is registered.
func (r *Registry) Has(p Peer) bool {
	cur, ok := r.peers[p.ID()]
	return ok && cur == p
}

func (r *Registry) Count() int {
	return len(r.peers)
}

// BroadcastExcept sends payload to every peer but sender. A failed delivery
// does not stop the others; the failures are returned keyed by peer id.
func (r *Registry) BroadcastExcept(sender Peer, payload []byte) map[string]error {
	var failed map[string]error
	for id, p := range r.peers {
		if sender != nil && id == sender.ID() {
			continue
		}
		if err := r.deliver(p, payload); err != nil {
			if failed == nil {
				failed = make(map[string]error)
			}
			failed[id] = err
		}
	}
	return failed
}

// deliver isolates a misbehaving peer, a panic counts as a failed delivery
func (r *Registry) deliver(p Peer, payload []byte) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.New("peer send panicked")
		}
	}()
	return p.Send(payload)
}

// Each calls fn for every registered peer.
func (r *Registry) Each(fn func(Peer)) {
	for _, p := range r.peers {
		fn(p)
	}
}
