package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/UoB-Cloud-Computing-2018-KLS/vchamber/logger"
	"github.com/UoB-Cloud-Computing-2018-KLS/vchamber/metrics"
	"github.com/UoB-Cloud-Computing-2018-KLS/vchamber/playback"
	"github.com/UoB-Cloud-Computing-2018-KLS/vchamber/store"
)

func startRoom(t *testing.T, key string, s store.Store) *Room {
	t.Helper()
	r := NewRoom(key, RoomOptions{Store: s, Logger: logger.Discard()})
	go r.RunManager()
	t.Cleanup(func() {
		r.Stop()
		<-r.Done()
	})
	return r
}

func vid(source string, paused bool, position float64, recency int64) playback.State {
	return playback.State{SourceID: source, Paused: paused, Position: position, Recency: recency}
}

func TestRoom_Walkthrough(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	s := store.NewMemStore()
	r := startRoom(t, "R1", s)
	a, b := newFakePeer("a"), newFakePeer("b")

	// 1. first update seeds the room, nobody to tell
	r.Connect(a)
	r.Receive(a, payload("update", vid("vid1", false, 0, 100)))
	snap := r.Snapshot()
	req.NotNil(snap.State)
	req.Equal(vid("vid1", false, 0, 100), *snap.State)
	req.Empty(a.messages())

	// 2. query is answered to the asker only
	r.Connect(b)
	r.Receive(b, []byte(`{"type":"query"}`))
	r.Snapshot()
	msgs := b.messages()
	req.Len(msgs, 1)
	req.Equal(MessageTypeState, msgs[0].Type)
	req.Equal(vid("vid1", false, 0, 100), msgs[0].State)
	req.Empty(a.messages())

	// 3. stale update is dropped
	r.Receive(b, payload("update", vid("vid1", true, 42, 50)))
	snap = r.Snapshot()
	req.Equal(int64(100), snap.State.Recency)
	req.Empty(a.messages())
	req.Len(b.messages(), 1)

	// 4. fresh update reaches everybody but the sender
	r.Receive(b, payload("update", vid("vid1", true, 42, 200)))
	snap = r.Snapshot()
	req.Equal(vid("vid1", true, 42, 200), *snap.State)
	msgs = a.messages()
	req.Len(msgs, 1)
	req.Equal(MessageTypeSync, msgs[0].Type)
	req.Equal(vid("vid1", true, 42, 200), msgs[0].State)
	req.Len(b.messages(), 1)

	// 5. a different source is refused
	r.Receive(b, payload("update", vid("vid2", false, 0, 300)))
	snap = r.Snapshot()
	req.Equal(vid("vid1", true, 42, 200), *snap.State)
	req.Len(a.messages(), 1)

	persisted, err := s.Hydrate(ctx, "R1")
	req.NoError(err)
	req.Equal(vid("vid1", true, 42, 200), *persisted)

	// 6. the last one out turns off the lights
	r.Disconnect(a, CloseNormalClosure, "")
	snap = r.Snapshot()
	req.Equal(1, snap.Peers)
	req.NotNil(snap.State)
	r.Disconnect(b, CloseNormalClosure, "")
	snap = r.Snapshot()
	req.Equal(0, snap.Peers)
	req.Nil(snap.State)

	persisted, err = s.Hydrate(ctx, "R1")
	req.NoError(err)
	req.Nil(persisted)

	closed, code := a.isClosed()
	req.True(closed)
	req.Equal(CloseNormalClosure, code)
}

func TestRoom_Announce_Seeds_Then_Echoes(t *testing.T) {
	req := require.New(t)
	r := startRoom(t, "R1", nil)
	a, b := newFakePeer("a"), newFakePeer("b")
	r.Connect(a)
	r.Connect(b)

	r.Receive(a, payload("join", vid("vid1", true, 10, 100)))
	r.Snapshot()
	req.Empty(a.messages())
	req.Empty(b.messages())

	r.Receive(b, payload("join", vid("vid1", false, 0, 1)))
	r.Snapshot()
	msgs := b.messages()
	req.Len(msgs, 1)
	req.Equal(MessageTypeState, msgs[0].Type)
	req.Equal(vid("vid1", true, 10, 100), msgs[0].State)

	// a late joiner on another source does not hijack the room
	r.Receive(b, payload("join", vid("vid9", false, 0, 999)))
	snap := r.Snapshot()
	req.Equal("vid1", snap.State.SourceID)
	req.Len(b.messages(), 1)
}

func TestRoom_Query_On_Empty_Room_Is_Ignored(t *testing.T) {
	req := require.New(t)
	r := startRoom(t, "R1", nil)
	a := newFakePeer("a")
	r.Connect(a)
	r.Receive(a, []byte(`{"type":"query"}`))
	snap := r.Snapshot()
	req.Nil(snap.State)
	req.Empty(a.messages())
}

func TestRoom_Malformed_Messages_Change_Nothing(t *testing.T) {
	req := require.New(t)
	r := startRoom(t, "R1", nil)
	a, b := newFakePeer("a"), newFakePeer("b")
	r.Connect(a)
	r.Connect(b)
	r.Receive(a, payload("update", vid("vid1", false, 0, 100)))
	r.Snapshot()
	// the seeding update reached b
	req.Len(b.messages(), 1)

	for _, raw := range []string{
		`not json`,
		`{"type":"teleport","sourceId":"vid1","recency":500}`,
		`{"type":"update","recency":500}`,
		`{"type":"update","sourceId":"vid1"}`,
		`{"type":"update","sourceId":"vid1","recency":500,"position":-3}`,
	} {
		r.Receive(a, []byte(raw))
	}
	snap := r.Snapshot()
	req.Equal(vid("vid1", false, 0, 100), *snap.State)
	req.Equal(2, snap.Peers)
	msgs := b.messages()
	req.Len(msgs, 1)
	req.Equal(MessageTypeSync, msgs[0].Type)
	req.Empty(a.messages())
}

func TestRoom_Ignores_Unregistered_Sender(t *testing.T) {
	req := require.New(t)
	r := startRoom(t, "R1", nil)
	a, ghost := newFakePeer("a"), newFakePeer("ghost")
	r.Connect(a)
	r.Receive(ghost, payload("update", vid("vid1", false, 0, 100)))
	snap := r.Snapshot()
	req.Nil(snap.State)
	req.Empty(a.messages())
}

func TestRoom_Disconnect_Is_Idempotent(t *testing.T) {
	req := require.New(t)
	m := metrics.New()
	r := NewRoom("R1", RoomOptions{Logger: logger.Discard(), Metrics: m})
	go r.RunManager()
	defer func() {
		r.Stop()
		<-r.Done()
	}()
	a, b := newFakePeer("a"), newFakePeer("b")
	r.Connect(a)
	r.Connect(b)
	r.Disconnect(a, CloseNormalClosure, "")
	r.Disconnect(a, CloseNormalClosure, "")
	snap := r.Snapshot()
	req.Equal(1, snap.Peers)
	req.Equal(float64(0), gathered(t, m, "vchamber_room_teardowns_total"))
	req.Equal(float64(1), gathered(t, m, "vchamber_connected_peers"))
}

func TestRoom_Slow_Peer_Does_Not_Block_Broadcast(t *testing.T) {
	req := require.New(t)
	r := startRoom(t, "R1", nil)
	a, slow, c := newFakePeer("a"), newFakePeer("slow"), newFakePeer("c")
	slow.sendErr = ErrSendQueueFull
	r.Connect(a)
	r.Connect(slow)
	r.Connect(c)

	r.Receive(a, payload("update", vid("vid1", false, 0, 100)))
	snap := r.Snapshot()
	req.Equal(int64(100), snap.State.Recency)
	req.Len(c.messages(), 1)
	req.Equal(3, snap.Peers)
}

func TestRoom_Hydrates_Before_Handling_Events(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	backing := store.NewMemStore()
	req.NoError(backing.Persist(ctx, "R1", vid("vid1", true, 7, 100)))
	gate := &gatedStore{Store: backing, entered: make(chan struct{}), release: make(chan struct{})}

	r := startRoom(t, "R1", gate)
	a := newFakePeer("a")
	r.Connect(a)
	r.Receive(a, []byte(`{"type":"query"}`))
	r.Receive(a, payload("update", vid("vid1", false, 8, 150)))

	<-gate.entered
	time.Sleep(20 * time.Millisecond)
	req.Empty(a.messages())
	close(gate.release)

	snap := r.Snapshot()
	// the query saw the hydrated state, the update landed on top of it
	msgs := a.messages()
	req.Len(msgs, 1)
	req.Equal(MessageTypeState, msgs[0].Type)
	req.Equal(vid("vid1", true, 7, 100), msgs[0].State)
	req.Equal(vid("vid1", false, 8, 150), *snap.State)
}

func TestRoom_Hydration_Failure_Starts_Empty(t *testing.T) {
	req := require.New(t)
	m := metrics.New()
	s := &flakyStore{Store: store.NewMemStore(), failHydrate: true}
	r := NewRoom("R1", RoomOptions{Store: s, Logger: logger.Discard(), Metrics: m})
	go r.RunManager()
	defer func() {
		r.Stop()
		<-r.Done()
	}()

	a := newFakePeer("a")
	r.Connect(a)
	r.Receive(a, payload("update", vid("vid1", false, 0, 100)))
	snap := r.Snapshot()
	req.Equal(int64(100), snap.State.Recency)
	req.Equal(float64(1), gathered(t, m, "vchamber_store_errors_total"))
}

func TestRoom_Persist_Failure_Still_Broadcasts(t *testing.T) {
	req := require.New(t)
	s := &flakyStore{Store: store.NewMemStore(), failPersist: true}
	r := startRoom(t, "R1", s)
	a, b := newFakePeer("a"), newFakePeer("b")
	r.Connect(a)
	r.Connect(b)

	r.Receive(a, payload("update", vid("vid1", false, 3, 100)))
	snap := r.Snapshot()
	req.Equal(vid("vid1", false, 3, 100), *snap.State)
	msgs := b.messages()
	req.Len(msgs, 1)
	req.Equal(vid("vid1", false, 3, 100), msgs[0].State)
}

func TestRoom_Suspend_Keeps_State(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	s := store.NewMemStore()
	r := startRoom(t, "R1", s)
	a, b := newFakePeer("a"), newFakePeer("b")
	r.Connect(a)
	r.Connect(b)
	r.Receive(a, payload("update", vid("vid1", false, 3, 100)))

	r.Suspend()
	r.Snapshot()
	for _, p := range []*fakePeer{a, b} {
		closed, code := p.isClosed()
		req.True(closed)
		req.Equal(CloseGoingAway, code)
	}

	r.Disconnect(a, CloseGoingAway, "")
	r.Disconnect(b, CloseGoingAway, "")
	snap := r.Snapshot()
	req.Equal(0, snap.Peers)

	persisted, err := s.Hydrate(ctx, "R1")
	req.NoError(err)
	req.NotNil(persisted)
	req.Equal(int64(100), persisted.Recency)

	// a peer showing up now is turned away at once
	late := newFakePeer("late")
	r.Connect(late)
	r.Snapshot()
	closed, code := late.isClosed()
	req.True(closed)
	req.Equal(CloseGoingAway, code)
}

func TestRoom_Next_Generation_Hydrates_Persisted_State(t *testing.T) {
	req := require.New(t)
	s := store.NewMemStore()
	first := NewRoom("R1", RoomOptions{Store: s, Logger: logger.Discard()})
	go first.RunManager()
	a := newFakePeer("a")
	first.Connect(a)
	first.Receive(a, payload("update", vid("vid1", false, 3, 100)))
	first.Suspend()
	first.Disconnect(a, CloseGoingAway, "")
	first.Stop()
	<-first.Done()

	second := startRoom(t, "R1", s)
	snap := second.Snapshot()
	req.NotNil(snap.State)
	req.Equal(vid("vid1", false, 3, 100), *snap.State)
}

func TestRoom_Refuses_Duplicate_Peer_ID(t *testing.T) {
	req := require.New(t)
	m := metrics.New()
	r := NewRoom("R1", RoomOptions{Logger: logger.Discard(), Metrics: m})
	go r.RunManager()
	defer func() {
		r.Stop()
		<-r.Done()
	}()
	first, impostor := newFakePeer("a"), newFakePeer("a")
	r.Connect(first)
	r.Connect(impostor)
	r.Snapshot()

	closed, code := impostor.isClosed()
	req.True(closed)
	req.Equal(ClosePolicyViolation, code)
	closed, _ = first.isClosed()
	req.False(closed)

	// the refused peer going away does not count against the room
	r.Disconnect(impostor, CloseNormalClosure, "")
	snap := r.Snapshot()
	req.Equal(1, snap.Peers)
	req.Equal(float64(1), gathered(t, m, "vchamber_connected_peers"))

	r.Disconnect(first, CloseNormalClosure, "")
	snap = r.Snapshot()
	req.Equal(0, snap.Peers)
	req.Equal(float64(0), gathered(t, m, "vchamber_connected_peers"))
	req.Equal(float64(1), gathered(t, m, "vchamber_room_teardowns_total"))
}

func TestRoom_Calls_After_Stop_Do_Not_Panic(t *testing.T) {
	req := require.New(t)
	r := NewRoom("R1", RoomOptions{Logger: logger.Discard()})
	go r.RunManager()
	a := newFakePeer("a")
	r.Connect(a)
	r.Receive(a, payload("update", vid("vid1", false, 0, 100)))
	r.Stop()
	r.Stop()
	<-r.Done()

	req.NotPanics(func() {
		r.Connect(newFakePeer("b"))
		r.Receive(a, payload("update", vid("vid1", false, 0, 200)))
		r.Disconnect(a, CloseNormalClosure, "")
		r.Suspend()
	})
	snap := r.Snapshot()
	req.Nil(snap.State)
	req.Zero(snap.Peers)
}

func TestRoom_Stop_Handles_Queued_Events_First(t *testing.T) {
	req := require.New(t)
	s := store.NewMemStore()
	r := NewRoom("R1", RoomOptions{Store: s, Logger: logger.Discard()})
	a := newFakePeer("a")
	r.Connect(a)
	r.Receive(a, payload("update", vid("vid1", false, 0, 100)))
	r.Stop()
	go r.RunManager()
	<-r.Done()

	st, err := s.Hydrate(context.Background(), "R1")
	req.NoError(err)
	req.NotNil(st)
	req.Equal(int64(100), st.Recency)
}
