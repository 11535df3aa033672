package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/UoB-Cloud-Computing-2018-KLS/vchamber/metrics"
	"github.com/UoB-Cloud-Computing-2018-KLS/vchamber/playback"
	"github.com/UoB-Cloud-Computing-2018-KLS/vchamber/store"
)

type fakePeer struct {
	id string

	mu          sync.Mutex
	sent        [][]byte
	closed      int
	closeCode   int
	closeReason string
	sendErr     error
	panics      bool
}

func newFakePeer(id string) *fakePeer {
	return &fakePeer{id: id}
}

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) Send(payload []byte) error {
	if p.panics {
		panic("boom")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendErr != nil {
		return p.sendErr
	}
	p.sent = append(p.sent, payload)
	return nil
}

func (p *fakePeer) Close(code int, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed == 0 {
		p.closeCode = code
		p.closeReason = reason
	}
	p.closed++
	return nil
}

func (p *fakePeer) messages() []StateMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]StateMessage, 0, len(p.sent))
	for _, b := range p.sent {
		var m StateMessage
		if err := json.Unmarshal(b, &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

func (p *fakePeer) isClosed() (bool, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed > 0, p.closeCode
}

func payload(kind string, st playback.State) []byte {
	b, _ := json.Marshal(&StateMessage{Type: MessageType(kind), State: st})
	return b
}

var errStoreDown = errors.New("store down")

// flakyStore fails the operations it is told to.
type flakyStore struct {
	store.Store
	failHydrate bool
	failPersist bool
	failClear   bool
}

func (s *flakyStore) Hydrate(ctx context.Context, room string) (*playback.State, error) {
	if s.failHydrate {
		return nil, errStoreDown
	}
	return s.Store.Hydrate(ctx, room)
}

func (s *flakyStore) Persist(ctx context.Context, room string, st playback.State) error {
	if s.failPersist {
		return errStoreDown
	}
	return s.Store.Persist(ctx, room, st)
}

func (s *flakyStore) Clear(ctx context.Context, room string) error {
	if s.failClear {
		return errStoreDown
	}
	return s.Store.Clear(ctx, room)
}

// gatedStore holds Hydrate until release is closed.
type gatedStore struct {
	store.Store
	entered chan struct{}
	release chan struct{}
}

func (s *gatedStore) Hydrate(ctx context.Context, room string) (*playback.State, error) {
	close(s.entered)
	<-s.release
	return s.Store.Hydrate(context.Background(), room)
}

// gathered sums every series of the named family.
func gathered(t *testing.T, m *metrics.Metrics, name string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	var sum float64
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, s := range f.GetMetric() {
			if c := s.GetCounter(); c != nil {
				sum += c.GetValue()
			}
			if g := s.GetGauge(); g != nil {
				sum += g.GetValue()
			}
		}
	}
	return sum
}
