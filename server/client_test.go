package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClient_Stop_Ends_Both_Loops(t *testing.T) {
	req := require.New(t)
	srv, ts := newTestServer(t, nil)

	follower, err := Connect(nil, wsURL(ts), "R1")
	req.NoError(err)
	heartbeatDone := make(chan struct{})
	recvDone := make(chan struct{})
	go func() {
		follower.ClientSendHeartbeat()
		close(heartbeatDone)
	}()
	go func() {
		follower.ClientHandleRecv()
		close(recvDone)
	}()

	driver, err := Connect(nil, wsURL(ts), "R1")
	req.NoError(err)
	defer driver.Close()
	require.Eventually(t, func() bool {
		r, ok := srv.Lookup("R1")
		return ok && r.Snapshot().Peers == 2
	}, 2*time.Second, 10*time.Millisecond)

	req.NoError(driver.Update(vid("vid1", false, 5, 100)))
	require.Eventually(t, func() bool {
		st, ok := follower.State()
		return ok && st.Recency == 100
	}, 2*time.Second, 10*time.Millisecond)

	follower.Stop()
	for _, done := range []chan struct{}{heartbeatDone, recvDone} {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("client loop still running after Stop")
		}
	}
	require.Eventually(t, func() bool {
		r, ok := srv.Lookup("R1")
		return ok && r.Snapshot().Peers == 1
	}, 2*time.Second, 10*time.Millisecond)
}
