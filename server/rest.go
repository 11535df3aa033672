package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/xid"

	"github.com/UoB-Cloud-Computing-2018-KLS/vchamber/logger"
	"github.com/UoB-Cloud-Computing-2018-KLS/vchamber/store"
)

const (
	ErrInvalidRoomID = "Error: Invalid Room ID"
	infoTimeout      = 2 * time.Second
)

type ServerInfoMsg struct {
	OK    bool     `json:"ok"`
	NRoom int      `json:"nroom"`
	Rooms []string `json:"rooms"`
}

type RoomCreatedMsg struct {
	OK     bool   `json:"ok"`
	RoomID string `json:"roomID"`
}

type RoomSourceMsg struct {
	OK       bool   `json:"ok"`
	RoomID   string `json:"roomID"`
	SourceID string `json:"sourceId"`
}

func RespondWithJSON(m interface{}, statusCode int, w http.ResponseWriter) {
	payload, _ := json.Marshal(m)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	w.Write(payload)
}

func RespondWithError(reason string, statusCode int, w http.ResponseWriter) {
	RespondWithJSON(map[string]interface{}{
		"ok":     false,
		"reason": reason,
	}, statusCode, w)
}

func getServerInfo(s *Server, w http.ResponseWriter, r *http.Request) {
	rooms := s.RoomKeys()
	RespondWithJSON(&ServerInfoMsg{
		OK:    true,
		NRoom: len(rooms),
		Rooms: rooms,
	}, http.StatusOK, w)
}

// createRoom mints a fresh key. Rooms themselves come to life on first connect.
func createRoom(s *Server, w http.ResponseWriter, r *http.Request) {
	RespondWithJSON(&RoomCreatedMsg{
		OK:     true,
		RoomID: xid.New().String(),
	}, http.StatusOK, w)
}

// getRoomSource answers from persisted metadata only, the room actor is not involved.
func getRoomSource(s *Server, w http.ResponseWriter, r *http.Request) {
	rid := mux.Vars(r)["rid"]
	if s.opts.Store == nil {
		RespondWithError("room not found", http.StatusNotFound, w)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), infoTimeout)
	defer cancel()

	src, err := s.opts.Store.Source(ctx, rid)
	if errors.Is(err, store.ErrNotFound) {
		RespondWithError("room not found", http.StatusNotFound, w)
		return
	}
	if err != nil {
		s.log.Error("source lookup failed", "room", rid, "error", err)
		RespondWithError("An internal error occurred.", http.StatusInternalServerError, w)
		return
	}
	RespondWithJSON(&RoomSourceMsg{OK: true, RoomID: rid, SourceID: src}, http.StatusOK, w)
}

// NewVChamberMux makes the servemux of server: the RESTful API, the
// websocket endpoint and, when metricsHandler is set, /metrics
func NewVChamberMux(server *Server, metricsHandler http.Handler) *mux.Router {
	root := mux.NewRouter().StrictSlash(true)

	// no middleware on the websocket routes, the request logger cannot hijack
	root.HandleFunc("/ws/{rid}", GetVChamberWSHandleFunc(server))
	root.HandleFunc("/ws", GetVChamberWSHandleFunc(server))
	if metricsHandler != nil {
		root.Handle("/metrics", metricsHandler).Methods("GET")
	}

	restMux := root.NewRoute().Subrouter()
	restMux.Use(logger.RequestLogger(server.log))
	restMux.HandleFunc("/server", func(w http.ResponseWriter, r *http.Request) {
		getServerInfo(server, w, r)
	}).Methods("GET")
	restMux.HandleFunc("/room", func(w http.ResponseWriter, r *http.Request) {
		createRoom(server, w, r)
	}).Methods("GET", "POST")
	restMux.HandleFunc("/room/{rid}/source", func(w http.ResponseWriter, r *http.Request) {
		getRoomSource(server, w, r)
	}).Methods("GET")
	return root
}
