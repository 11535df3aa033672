package schedule

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/mux"
	"github.com/koding/websocketproxy"

	vsv "github.com/UoB-Cloud-Computing-2018-KLS/vchamber/server"
)

// LoadBalancedReverseProxy is a reverse proxy that serves as an entry point
// for multiple backend servers. Every connection for a room ends up on the
// backend owning that room.
type LoadBalancedReverseProxy struct {
	sch *Scheduler
	log *slog.Logger
}

// NewLoadBalancedReverseProxy creates a new reverse proxy placing rooms with sch
func NewLoadBalancedReverseProxy(sch *Scheduler) *LoadBalancedReverseProxy {
	return &LoadBalancedReverseProxy{sch: sch, log: sch.log}
}

// roomID reads the room key from /ws/{rid} or ?rid=
func roomID(req *http.Request) string {
	if rid := strings.TrimPrefix(req.URL.Path, "/ws/"); rid != req.URL.Path && rid != "" {
		return rid
	}
	return req.URL.Query().Get("rid")
}

func (r *LoadBalancedReverseProxy) ProxyBackend() func(*http.Request) *url.URL {
	return func(req *http.Request) *url.URL {
		rid := roomID(req)
		if rid == "" {
			return nil
		}
		target, err := r.sch.Backend(rid)
		if err != nil {
			r.log.Error("no route for room", "room", rid, "error", err)
			return nil
		}
		u := *BackendWSScheme
		u.Host = target
		u.Fragment = req.URL.Fragment
		u.Path = req.URL.Path
		u.RawQuery = req.URL.RawQuery
		return &u
	}
}

// GetProxy returns a websocket reverse proxy object with registry-backed backend
func (r *LoadBalancedReverseProxy) GetProxy() *websocketproxy.WebsocketProxy {
	return &websocketproxy.WebsocketProxy{
		Backend:  r.ProxyBackend(),
		Upgrader: vsv.GetWSUpgrader(),
	}
}

// NewProxyMux routes websocket traffic to room owners and room creation to
// the scheduler
func NewProxyMux(r *LoadBalancedReverseProxy) *mux.Router {
	root := mux.NewRouter()
	wsProxy := r.GetProxy()
	root.Handle("/ws/{rid}", wsProxy)
	root.Handle("/ws", wsProxy)
	root.Handle("/room", r.sch.GetProxy()).Methods("GET", "POST")
	root.HandleFunc("/backends", func(w http.ResponseWriter, req *http.Request) {
		vsv.RespondWithJSON(&ScheduleInfo{Backends: r.sch.Backends()}, http.StatusOK, w)
	}).Methods("GET")
	return root
}
