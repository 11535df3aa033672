package playback

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func vid(src string, paused bool, pos float64, rec int64) State {
	return State{SourceID: src, Paused: paused, Position: pos, Recency: rec}
}

func TestDecide_Query(t *testing.T) {
	req := require.New(t)

	d := Decide(nil, Query())
	req.Equal(VerdictIgnore, d.Verdict)

	cur := vid("vid1", false, 10, 100)
	d = Decide(&cur, Query())
	req.Equal(VerdictEcho, d.Verdict)
	req.Equal(cur, d.State)
}

func TestDecide_Announce_Seeds_Empty_Room_Without_Broadcast(t *testing.T) {
	req := require.New(t)
	s := vid("vid1", true, 3.5, 7)

	d := Decide(nil, Announce(s))

	req.Equal(VerdictAccept, d.Verdict)
	req.False(d.Broadcast)
	req.Equal(s, d.State)
}

func TestDecide_Announce_Existing_Room(t *testing.T) {
	req := require.New(t)
	cur := vid("vid1", false, 42, 200)

	// same source: bring the peer up to date, whatever its recency
	d := Decide(&cur, Announce(vid("vid1", true, 0, 999)))
	req.Equal(VerdictEcho, d.Verdict)
	req.Equal(cur, d.State)

	d = Decide(&cur, Announce(vid("vid2", true, 0, 999)))
	req.Equal(VerdictReject, d.Verdict)
	req.ErrorIs(d.Reason, ErrSourceMismatch)
}

func TestDecide_Update_Seeds_Empty_Room_With_Broadcast(t *testing.T) {
	req := require.New(t)
	s := vid("vid1", false, 0, 100)

	d := Decide(nil, Update(s))

	req.Equal(VerdictAccept, d.Verdict)
	req.True(d.Broadcast)
	req.Equal(s, d.State)
}

func TestDecide_Update_Stale_Is_Rejected(t *testing.T) {
	req := require.New(t)
	cur := vid("vid1", false, 0, 100)

	for _, rec := range []int64{50, 99, 100} {
		d := Decide(&cur, Update(vid("vid1", true, 42, rec)))
		req.Equal(VerdictReject, d.Verdict, "recency %d", rec)
		req.ErrorIs(d.Reason, ErrStale)
	}
}

func TestDecide_Update_Stale_Wins_Over_Source_Mismatch(t *testing.T) {
	req := require.New(t)
	cur := vid("vid1", false, 0, 100)

	d := Decide(&cur, Update(vid("vid2", true, 42, 10)))

	req.ErrorIs(d.Reason, ErrStale)
}

func TestDecide_Update_Source_Mismatch_Regardless_Of_Recency(t *testing.T) {
	req := require.New(t)
	cur := vid("vid1", false, 0, 100)

	d := Decide(&cur, Update(vid("vid2", false, 0, 1_000_000)))

	req.Equal(VerdictReject, d.Verdict)
	req.ErrorIs(d.Reason, ErrSourceMismatch)
}

func TestDecide_Update_Newer_Is_Accepted(t *testing.T) {
	req := require.New(t)
	cur := vid("vid1", false, 0, 100)
	next := vid("vid1", true, 42, 200)

	d := Decide(&cur, Update(next))

	req.Equal(VerdictAccept, d.Verdict)
	req.True(d.Broadcast)
	req.Equal(next, d.State)
}

func TestDecide_Converges_To_Last_Accepted_Update(t *testing.T) {
	req := require.New(t)
	var cur *State
	var last State
	for i := int64(1); i <= 20; i++ {
		s := vid("vid1", i%2 == 0, float64(i), i*10)
		d := Decide(cur, Update(s))
		req.Equal(VerdictAccept, d.Verdict)
		next := d.State
		cur = &next
		last = s
	}
	req.Equal(last, *cur)
}

func TestDecide_Recency_Never_Decreases(t *testing.T) {
	req := require.New(t)
	cur := vid("vid1", false, 0, 100)
	recencies := []int64{90, 150, 120, 150, 300, 1, 301}
	for _, rec := range recencies {
		d := Decide(&cur, Update(vid("vid1", false, 0, rec)))
		if d.Verdict == VerdictAccept {
			req.Greater(d.State.Recency, cur.Recency)
			cur = d.State
		}
	}
	req.Equal(int64(301), cur.Recency)
}
