package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/UoB-Cloud-Computing-2018-KLS/vchamber/playback"
)

// Client is a headless VChamber peer, used by the stress tool and tests
type Client struct {
	conn    *websocket.Conn
	wmu     sync.Mutex
	smu     sync.Mutex
	state   *playback.State
	latency time.Duration
	stop    chan bool
}

// ClientHandleRecv keeps the last state the room sent until stopped or
// disconnected. Do not mix it with ReadState.
func (c *Client) ClientHandleRecv() {
	defer func() {
		c.conn.Close()
	}()
	msgs := make(chan []byte)
	go func() {
		defer close(msgs)
		for {
			_, b, err := c.conn.ReadMessage()
			if err != nil {
				return
			}
			select {
			case msgs <- b:
			case <-c.stop:
				return
			}
		}
	}()
	for {
		select {
		case b, ok := <-msgs:
			if !ok {
				return
			}
			c.observe(b)
		case <-c.stop:
			return
		}
	}
}

func (c *Client) observe(b []byte) {
	var m struct {
		Type MessageType `json:"type"`
		playback.State
		Timestamp float64 `json:"sendtime"`
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return
	}
	c.smu.Lock()
	defer c.smu.Unlock()
	switch m.Type {
	case MessageTypeSync, MessageTypeState:
		st := m.State
		c.state = &st
	case MessageTypePong:
		sent := time.Unix(0, int64(m.Timestamp*1e9))
		c.latency = time.Since(sent)
	}
}

// State returns the last state observed by ClientHandleRecv.
func (c *Client) State() (playback.State, bool) {
	c.smu.Lock()
	defer c.smu.Unlock()
	if c.state == nil {
		return playback.State{}, false
	}
	return *c.state, true
}

// Latency is the last measured heartbeat round trip.
func (c *Client) Latency() time.Duration {
	c.smu.Lock()
	defer c.smu.Unlock()
	return c.latency
}

// ClientSendHeartbeat pings the server every second until Stop.
func (c *Client) ClientSendHeartbeat() {
	var ticker = time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ping := PingMessage{
				Type:      MessageTypePing,
				Timestamp: float64(time.Now().UnixNano()) / 1000000000.0,
			}
			if err := c.SendMessage(&ping); err != nil {
				return
			}
		case <-c.stop:
			c.wmu.Lock()
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
			c.wmu.Unlock()
			return
		}
	}
}

// Stop ends ClientSendHeartbeat and ClientHandleRecv.
func (c *Client) Stop() {
	close(c.stop)
}

func (c *Client) SendMessage(msg interface{}) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

// Announce tells the room what this client believes the state is.
func (c *Client) Announce(st playback.State) error {
	return c.SendMessage(&StateMessage{Type: "join", State: st})
}

// Update proposes a new state to the room.
func (c *Client) Update(st playback.State) error {
	return c.SendMessage(&StateMessage{Type: "update", State: st})
}

// Query asks the room for its canonical state.
func (c *Client) Query() error {
	return c.SendMessage(map[string]string{"type": "query"})
}

// ReadState waits up to timeout for the next state carrying message.
func (c *Client) ReadState(timeout time.Duration) (StateMessage, error) {
	deadline := time.Now().Add(timeout)
	c.conn.SetReadDeadline(deadline)
	defer c.conn.SetReadDeadline(time.Time{})
	for {
		_, b, err := c.conn.ReadMessage()
		if err != nil {
			return StateMessage{}, err
		}
		var m StateMessage
		if err := json.Unmarshal(b, &m); err != nil {
			return StateMessage{}, err
		}
		if m.Type == MessageTypeSync || m.Type == MessageTypeState {
			return m, nil
		}
	}
}

// Close hangs up without a closing handshake.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Connect dials addr (e.g. ws://host:8080/ws) and joins room rid.
func Connect(dialer *websocket.Dialer, addr string, rid string) (*Client, error) {
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 45 * time.Second,
			Subprotocols:     []string{WebsocketSubprotocolMagicV1},
		}
	}
	if rid == "" {
		return nil, errors.New(ErrInvalidRoomID)
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("rid", rid)
	u.RawQuery = q.Encode()
	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return nil, err
	}

	return &Client{
		conn: conn,
		stop: make(chan bool),
	}, nil
}
