package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/xid"
)

const (
	WebsocketSubprotocolMagicV1 = "vchamber_v1"
)

const (
	wsReadBufferSize    = 1024
	wsWriteBufferSize   = 1024
	clientSendQueueSize = 32
	maxMessageSize      = 4096
)

const (
	DefaultHeartbeatTimeout = 30 * time.Second
	WriteWait               = 10 * time.Second
)

// ErrServerClosing is returned by Join once Shutdown has started.
var ErrServerClosing = errors.New("server is shutting down")

// Options configures a Server.
type Options struct {
	RoomOptions
	// HeartbeatTimeout drops a peer whose transport stayed silent that long.
	// Zero disables keepalive pings.
	HeartbeatTimeout time.Duration
}

// Server is the room directory: it maps room keys to exactly one running
// Room and reference-counts the connections using it.
type Server struct {
	rooms    map[string]*Room
	draining map[string]*Room // stopped, not yet exited
	opts     Options
	upgrader *websocket.Upgrader
	log      *slog.Logger
	closing  bool
	mutex    sync.Mutex
}

var wsUpgrader = GetWSUpgrader()

// GetWSUpgrader return the websocket upgrader for use with vchamber
func GetWSUpgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  wsReadBufferSize,
		WriteBufferSize: wsWriteBufferSize,
		Subprotocols: []string{
			WebsocketSubprotocolMagicV1,
		},
		CheckOrigin: func(r *http.Request) bool {
			return true
		}, //disable origin check
	}
}

// NewServer creates a new server struct
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		rooms:    make(map[string]*Room),
		draining: make(map[string]*Room),
		opts:     opts,
		upgrader: wsUpgrader,
		log:      opts.Logger,
	}
}

// Join returns the room for key, starting its actor if needed, and takes a
// reference on it. Every successful Join must be paired with a Leave.
func (s *Server) Join(key string) (*Room, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closing {
		return nil, ErrServerClosing
	}
	r, ok := s.rooms[key]
	if !ok {
		r = NewRoom(key, s.opts.RoomOptions)
		if prev, ok := s.draining[key]; ok {
			r.after = prev.Done()
		}
		r.onExit = s.roomExited
		s.rooms[key] = r
		go r.RunManager()
		s.log.Info("room registered", "room", key)
	}
	r.refs++
	return r, nil
}

// Leave drops a reference taken by Join. The last one stops the room.
func (s *Server) Leave(r *Room) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	r.refs--
	if r.refs > 0 {
		return
	}
	if cur, ok := s.rooms[r.Key]; ok && cur == r {
		delete(s.rooms, r.Key)
	}
	s.draining[r.Key] = r
	r.Stop()
}

func (s *Server) roomExited(r *Room) {
	s.mutex.Lock()
	if cur, ok := s.draining[r.Key]; ok && cur == r {
		delete(s.draining, r.Key)
	}
	s.mutex.Unlock()
	s.log.Info("room deregistered", "room", r.Key)
}

// RoomKeys lists the rooms with connected peers.
func (s *Server) RoomKeys() []string {
	s.mutex.Lock()
	keys := make([]string, 0, len(s.rooms))
	for k := range s.rooms {
		keys = append(keys, k)
	}
	s.mutex.Unlock()
	sort.Strings(keys)
	return keys
}

// Lookup returns the running room for key, if any. No reference is taken,
// so the room may exit afterwards; its methods then drop their events.
func (s *Server) Lookup(key string) (*Room, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	r, ok := s.rooms[key]
	return r, ok
}

// Shutdown closes every peer with a going-away code, keeping persisted room
// state, and waits for all rooms to exit or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mutex.Lock()
	s.closing = true
	rooms := make([]*Room, 0, len(s.rooms)+len(s.draining))
	for _, r := range s.rooms {
		// under the lock: Leave cannot stop r before the event is queued
		r.Suspend()
		rooms = append(rooms, r)
	}
	for _, r := range s.draining {
		rooms = append(rooms, r)
	}
	s.mutex.Unlock()

	for _, r := range rooms {
		select {
		case <-r.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// ClientConn encapsulates an established client websocket connection
type ClientConn struct {
	id        string
	conn      *websocket.Conn
	sendQueue chan []byte
	closing   chan struct{}
	closeOnce sync.Once
	// written before closing is closed
	closeCode   int
	closeReason string

	heartbeat time.Duration
	room      *Room
	server    *Server
	log       *slog.Logger
}

// NewClientConn creates a client websocket connection wrapper
func NewClientConn(id string, room *Room, conn *websocket.Conn, s *Server) *ClientConn {
	return &ClientConn{
		id:        id,
		conn:      conn,
		sendQueue: make(chan []byte, clientSendQueueSize),
		closing:   make(chan struct{}),
		heartbeat: s.opts.HeartbeatTimeout,
		room:      room,
		server:    s,
		log:       s.log.With("peer", id, "room", room.Key),
	}
}

func (c *ClientConn) ID() string { return c.id }

// Send queues payload for the writer goroutine without blocking.
func (c *ClientConn) Send(payload []byte) error {
	select {
	case <-c.closing:
		return ErrPeerClosed
	default:
	}
	select {
	case c.sendQueue <- payload:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close asks the writer to send a close frame and hang up. Only the first
// call has an effect.
func (c *ClientConn) Close(code int, reason string) error {
	c.finish(code, reason)
	return nil
}

func (c *ClientConn) finish(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.closing)
	})
}

// the goroutine that runs this function reads from c.conn
func (c *ClientConn) HandleWSClientRecv() {
	code, reason := websocket.CloseAbnormalClosure, ""
	defer func() {
		c.room.Disconnect(c, code, reason)
		c.server.Leave(c.room)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if c.heartbeat > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.heartbeat))
		c.conn.SetPongHandler(func(string) error {
			return c.conn.SetReadDeadline(time.Now().Add(c.heartbeat))
		})
	}
	for {
		_, m, err := c.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code, reason = ce.Code, ce.Text
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("unexpected closure", "error", err)
			}
			return
		}
		receivedAt := time.Now()
		if c.heartbeat > 0 {
			c.conn.SetReadDeadline(receivedAt.Add(c.heartbeat))
		}
		if pong, ok := heartbeatReply(m, receivedAt); ok {
			_ = c.Send(pong)
			continue
		}
		c.room.Receive(c, m)
	}
}

// the goroutine that runs this function writes to c.conn
func (c *ClientConn) HandleWSClientSend() {
	var ping <-chan time.Time
	if c.heartbeat > 0 {
		ticker := time.NewTicker(c.heartbeat * 9 / 10)
		defer ticker.Stop()
		ping = ticker.C
	}
	defer c.conn.Close()
	for {
		select {
		case b := <-c.sendQueue:
			if err := c.write(b); err != nil {
				c.finish(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ping:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(WriteWait)); err != nil {
				c.finish(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		case <-c.closing:
			c.flush()
			msg := websocket.FormatCloseMessage(c.closeCode, c.closeReason)
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(WriteWait))
			return
		}
	}
}

func (c *ClientConn) write(b []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(WriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

// flush writes whatever is still queued, best effort
func (c *ClientConn) flush() {
	for {
		select {
		case b := <-c.sendQueue:
			if c.write(b) != nil {
				return
			}
		default:
			return
		}
	}
}

// roomKey derives the room key of an inbound request
func roomKey(r *http.Request) string {
	if rid := mux.Vars(r)["rid"]; rid != "" {
		return rid
	}
	return r.URL.Query().Get("rid")
}

func handleWSClient(s *Server, w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		RespondWithError("expected Upgrade: websocket", http.StatusUpgradeRequired, w)
		return
	}
	roomid := roomKey(r)
	if roomid == "" {
		RespondWithError(ErrInvalidRoomID, http.StatusBadRequest, w)
		return
	}

	room, err := s.Join(roomid)
	if err != nil {
		RespondWithError(err.Error(), http.StatusServiceUnavailable, w)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already replied
		s.log.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		s.Leave(room)
		return
	}

	cid := xid.New().String()
	client := NewClientConn(cid, room, conn, s)

	room.Connect(client)
	go client.HandleWSClientSend()
	go client.HandleWSClientRecv()
	s.log.Info("client joined room", "peer", cid, "remote", conn.RemoteAddr().String(), "room", roomid)
}

// GetVChamberWSHandleFunc returns a handle function for the server
func GetVChamberWSHandleFunc(server *Server) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		handleWSClient(server, w, r)
	}
}
