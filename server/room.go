package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/UoB-Cloud-Computing-2018-KLS/vchamber/metrics"
	"github.com/UoB-Cloud-Computing-2018-KLS/vchamber/playback"
	"github.com/UoB-Cloud-Computing-2018-KLS/vchamber/store"
)

const (
	roomEventQueueSize  = 256
	defaultStoreTimeout = 2 * time.Second

	// close codes, see RFC 6455 section 7.4.1
	CloseNormalClosure   = 1000
	CloseGoingAway       = 1001
	ClosePolicyViolation = 1008

	closeReasonLeft      = "room is closing the connection"
	closeReasonShutdown  = "server shutting down"
	closeReasonDuplicate = "duplicate peer id"
)

// RoomOptions is what every room of a Server shares.
type RoomOptions struct {
	Store        store.Store
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
	StoreTimeout time.Duration
}

type eventType int

const (
	eventConnect eventType = iota
	eventMessage
	eventDisconnect
	eventSuspend
	eventSnapshot
)

type event struct {
	t       eventType
	peer    Peer
	payload []byte
	code    int
	reason  string
	reply   chan Snapshot
}

// Snapshot is a point-in-time view of a room, taken by its own actor.
type Snapshot struct {
	State *playback.State
	Peers int
}

// Room owns the canonical state and the peers of one room key. Every event
// is handled by a single goroutine (RunManager) in arrival order.
type Room struct {
	Key string

	events   chan event
	quit     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	// previous actor for the same key, must exit before we hydrate
	after <-chan struct{}

	state     *playback.State
	peers     *Registry
	suspended bool

	store        store.Store
	storeTimeout time.Duration
	log          *slog.Logger
	metrics      *metrics.Metrics

	// guarded by Server.mutex
	refs   int
	onExit func(*Room)
}

// NewRoom creates a room actor for key. Call RunManager to start it.
func NewRoom(key string, opts RoomOptions) *Room {
	if opts.Store == nil {
		opts.Store = store.NewMemStore()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = defaultStoreTimeout
	}
	return &Room{
		Key:          key,
		events:       make(chan event, roomEventQueueSize),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
		peers:        NewRegistry(),
		store:        opts.Store,
		storeTimeout: opts.StoreTimeout,
		log:          opts.Logger.With("room", key),
		metrics:      opts.Metrics,
	}
}

// Connect registers p with the room.
func (r *Room) Connect(p Peer) {
	r.send(event{t: eventConnect, peer: p})
}

// Receive hands a raw peer message to the room.
func (r *Room) Receive(p Peer, payload []byte) {
	r.send(event{t: eventMessage, peer: p, payload: payload})
}

// Disconnect removes p from the room and closes it.
func (r *Room) Disconnect(p Peer, code int, reason string) {
	r.send(event{t: eventDisconnect, peer: p, code: code, reason: reason})
}

// Suspend closes every peer without clearing the persisted state, so the
// room can be hydrated again by another process.
func (r *Room) Suspend() {
	r.send(event{t: eventSuspend})
}

// Snapshot waits for every event queued before it and returns the room's
// view. A room that has exited reports an empty Snapshot.
func (r *Room) Snapshot() Snapshot {
	reply := make(chan Snapshot, 1)
	if !r.send(event{t: eventSnapshot, reply: reply}) {
		return Snapshot{}
	}
	select {
	case s := <-reply:
		return s
	case <-r.done:
		return Snapshot{}
	}
}

// send queues ev, or drops it once the actor has exited
func (r *Room) send(ev event) bool {
	select {
	case r.events <- ev:
		return true
	case <-r.done:
		return false
	}
}

// Stop ends RunManager once the events already queued are handled. Events
// sent later are dropped.
func (r *Room) Stop() {
	r.stopOnce.Do(func() { close(r.quit) })
}

// Done is closed when RunManager returns.
func (r *Room) Done() <-chan struct{} {
	return r.done
}

// RunManager manages room r
func (r *Room) RunManager() {
	defer func() {
		close(r.done)
		if r.onExit != nil {
			r.onExit(r)
		}
	}()
	if r.after != nil {
		<-r.after
	}
	r.metrics.AddRooms(1)
	defer r.metrics.AddRooms(-1)

	// nothing is handled before hydration resolves, events queue up meanwhile
	r.hydrate()

	for {
		select {
		case ev := <-r.events:
			r.handle(ev)
		case <-r.quit:
			for {
				select {
				case ev := <-r.events:
					r.handle(ev)
				default:
					return
				}
			}
		}
	}
}

func (r *Room) handle(ev event) {
	switch ev.t {
	case eventConnect:
		r.joinPeer(ev.peer)
	case eventMessage:
		r.handleMessage(ev.peer, ev.payload)
	case eventDisconnect:
		r.killPeer(ev.peer, ev.code, ev.reason)
	case eventSuspend:
		r.suspend()
	case eventSnapshot:
		ev.reply <- r.snapshot()
	}
}

func (r *Room) storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.storeTimeout)
}

func (r *Room) hydrate() {
	ctx, cancel := r.storeContext()
	defer cancel()
	st, err := r.store.Hydrate(ctx, r.Key)
	if err != nil {
		// degrade to an empty room rather than never serving it
		r.metrics.IncStoreErrors("hydrate")
		r.log.Error("hydration failed, starting empty", "error", err)
		return
	}
	if st != nil {
		r.state = st
		r.log.Info("room hydrated", "source", st.SourceID, "recency", st.Recency)
	}
}

func (r *Room) joinPeer(p Peer) {
	if p == nil || r.peers.Has(p) {
		return
	}
	if !r.peers.Add(p) {
		r.log.Warn("peer id already taken, refusing", "peer", p.ID())
		_ = p.Close(ClosePolicyViolation, closeReasonDuplicate)
		return
	}
	r.metrics.AddPeers(1)
	if r.suspended {
		// joined while the server was going down
		_ = p.Close(CloseGoingAway, closeReasonShutdown)
	}
	r.log.Debug("peer joined", "peer", p.ID(), "peers", r.peers.Count())
}

func (r *Room) handleMessage(p Peer, payload []byte) {
	if !r.peers.Has(p) {
		r.log.Debug("message from unregistered peer dropped", "peer", p.ID())
		return
	}
	in, err := playback.ParseIntent(payload)
	if err != nil {
		r.metrics.ObserveIntent("malformed", playback.VerdictReject.String())
		r.log.Debug("invalid message", "peer", p.ID(), "error", err)
		return
	}

	d := playback.Decide(r.state, in)
	r.metrics.ObserveIntent(in.Kind.String(), d.Verdict.String())

	switch d.Verdict {
	case playback.VerdictAccept:
		r.apply(p, d)
	case playback.VerdictEcho:
		if err := p.Send(encodeState(MessageTypeState, d.State)); err != nil {
			r.metrics.AddDeliveryFailures(1)
			r.log.Warn("echo failed", "peer", p.ID(), "error", err)
		}
	case playback.VerdictReject:
		r.log.Debug("intent rejected", "peer", p.ID(), "kind", in.Kind.String(), "reason", d.Reason)
	case playback.VerdictIgnore:
	}
}

// apply makes d.State canonical, persists it, then fans it out. A failed
// persist is logged and does not hold back the broadcast.
func (r *Room) apply(sender Peer, d playback.Decision) {
	st := d.State
	r.state = &st

	ctx, cancel := r.storeContext()
	err := r.store.Persist(ctx, r.Key, st)
	cancel()
	if err != nil {
		r.metrics.IncStoreErrors("persist")
		r.log.Error("persisting state failed", "error", err)
	}

	if !d.Broadcast {
		return
	}
	r.metrics.IncBroadcasts()
	failed := r.peers.BroadcastExcept(sender, encodeState(MessageTypeSync, st))
	r.metrics.AddDeliveryFailures(len(failed))
	for id, err := range failed {
		r.log.Warn("delivery failed", "peer", id, "error", err)
	}
}

// killPeer removes a client from room r
func (r *Room) killPeer(p Peer, code int, reason string) {
	if p == nil {
		return
	}
	present := r.peers.Has(p)
	left := r.peers.Remove(p)
	if err := p.Close(r.closeCode(), r.closeReason()); err != nil && !errors.Is(err, ErrPeerClosed) {
		r.log.Debug("closing peer", "peer", p.ID(), "error", err)
	}
	if !present {
		return
	}
	r.metrics.AddPeers(-1)
	r.log.Debug("peer left", "peer", p.ID(), "code", code, "reason", reason, "peers", left)
	if left == 0 {
		r.teardown()
	}
}

func (r *Room) closeCode() int {
	if r.suspended {
		return CloseGoingAway
	}
	return CloseNormalClosure
}

func (r *Room) closeReason() string {
	if r.suspended {
		return closeReasonShutdown
	}
	return closeReasonLeft
}

// teardown forgets the room once its last observer is gone
func (r *Room) teardown() {
	if r.suspended {
		r.log.Info("room suspended, keeping persisted state")
		return
	}
	r.state = nil
	ctx, cancel := r.storeContext()
	defer cancel()
	if err := r.store.Clear(ctx, r.Key); err != nil {
		r.metrics.IncStoreErrors("clear")
		r.log.Error("clearing room failed", "error", err)
	}
	r.metrics.IncTeardowns()
	r.log.Info("room emptied")
}

func (r *Room) suspend() {
	r.suspended = true
	r.peers.Each(func(p Peer) {
		_ = p.Close(CloseGoingAway, closeReasonShutdown)
	})
}

func (r *Room) snapshot() Snapshot {
	s := Snapshot{Peers: r.peers.Count()}
	if r.state != nil {
		st := *r.state
		s.State = &st
	}
	return s
}
