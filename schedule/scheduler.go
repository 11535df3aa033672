package schedule

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sort"
	"sync"

	hostpool "github.com/bitly/go-hostpool"
	"github.com/go-redis/redis"

	vserver "github.com/UoB-Cloud-Computing-2018-KLS/vchamber/server"
)

// SchedulePubSubChannel carries ScheduleInfo updates between proxies
const SchedulePubSubChannel = "vchamber:schedule"

// url schemes for our backends
var (
	BackendWSScheme, _   = url.Parse("ws://example.com:8080")
	BackendRESTScheme, _ = url.Parse("http://example.com:8080")
)

var ErrNoBackend = errors.New("no backend available")

// ScheduleInfo is the set of backends rooms may be placed on
type ScheduleInfo struct {
	Backends []string `json:"backends"`
}

// Scheduler places rooms on backends. A room is owned by the first backend
// that claims it in the registry, later lookups always return that owner.
type Scheduler struct {
	store Storage
	info  *ScheduleInfo
	pool  hostpool.HostPool
	log   *slog.Logger
	mutex *sync.RWMutex
}

// NewScheduler creates a scheduler over backends using s as room registry
func NewScheduler(s Storage, backends []string, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	sch := &Scheduler{
		store: s,
		info:  &ScheduleInfo{Backends: backends},
		log:   log,
		mutex: &sync.RWMutex{},
	}
	sch.RebuildPool()
	return sch
}

// RebuildPool recreate the backend pool base on current scheduleinfo,
// NOT thread-safe
func (sch *Scheduler) RebuildPool() {
	if sch.pool != nil {
		sch.pool.Close()
		sch.pool = nil
	}
	hosts := make([]string, 0, len(sch.info.Backends))
	for _, h := range sch.info.Backends {
		if h != "" {
			hosts = append(hosts, h)
		}
	}
	if len(hosts) == 0 {
		return
	}
	sort.Strings(hosts)
	sch.pool = hostpool.New(hosts) // just round-robin
}

// SetBackends replaces the backends new rooms are placed on. Rooms already
// owned by a removed backend keep their owner.
func (sch *Scheduler) SetBackends(info *ScheduleInfo) {
	sch.mutex.Lock()
	sch.info = info
	sch.RebuildPool()
	sch.mutex.Unlock()
	sch.log.Info("backend pool rebuilt", "backends", info.Backends)
}

// Backends lists the current pool
func (sch *Scheduler) Backends() []string {
	sch.mutex.RLock()
	defer sch.mutex.RUnlock()
	if sch.pool == nil {
		return nil
	}
	hosts := sch.pool.Hosts()
	sort.Strings(hosts)
	return hosts
}

// NextBackend returns a backend string using the current scheduling strategy
func (sch *Scheduler) NextBackend() (string, error) {
	sch.mutex.RLock()
	defer sch.mutex.RUnlock()
	if sch.pool == nil {
		return "", ErrNoBackend
	}
	r := sch.pool.Get()
	r.Mark(nil)
	return r.Host(), nil
}

// Backend returns the backend owning room rid, placing the room first if
// no backend owns it yet.
func (sch *Scheduler) Backend(rid string) (string, error) {
	owner, err := sch.store.Get(rid)
	if err != nil {
		return "", err
	}
	if owner != "" {
		return owner, nil
	}
	candidate, err := sch.NextBackend()
	if err != nil {
		return "", err
	}
	owner, err = sch.store.Claim(rid, candidate)
	if err != nil {
		return "", err
	}
	if owner == candidate {
		sch.log.Info("room placed", "room", rid, "backend", owner)
	}
	return owner, nil
}

// RunScheduler follows ScheduleInfo updates published on client until ctx
// is done
func (sch *Scheduler) RunScheduler(ctx context.Context, client redis.UniversalClient) error {
	ps := client.Subscribe(SchedulePubSubChannel)
	defer ps.Close()
	// wait for the subscription to be confirmed
	if _, err := ps.Receive(); err != nil {
		return err
	}
	ch := ps.Channel()
	for {
		select {
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var info ScheduleInfo
			if err := json.Unmarshal([]byte(m.Payload), &info); err != nil {
				sch.log.Warn("invalid schedule info", "payload", m.Payload, "error", err)
				continue
			}
			sch.SetBackends(&info)
		case <-ctx.Done():
			return nil
		}
	}
}

// PublishScheduleInfo announces a new backend set to every scheduler
func PublishScheduleInfo(client redis.UniversalClient, info *ScheduleInfo) error {
	b, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return client.Publish(SchedulePubSubChannel, string(b)).Err()
}

// ProxyDirector returns a Director function for the reverseproxy
func (sch *Scheduler) ProxyDirector() func(*http.Request) {
	return func(req *http.Request) {
		req.URL.Scheme = BackendRESTScheme.Scheme
		h, err := sch.NextBackend()
		if err != nil {
			sch.log.Warn("cannot place room", "error", err)
		}
		req.URL.Host = h
		if _, ok := req.Header["User-Agent"]; !ok {
			req.Header.Set("User-Agent", "")
		}
	}
}

// RoomRegister returns a ModifyResponse function for the reverseproxy
func (sch *Scheduler) RoomRegister() func(*http.Response) error {
	return func(rsp *http.Response) error {
		if rsp.StatusCode != http.StatusOK {
			return nil
		}
		b, err := io.ReadAll(rsp.Body)
		if err != nil {
			return err
		}
		if err := rsp.Body.Close(); err != nil {
			return err
		}
		var m vserver.RoomCreatedMsg
		if err := json.Unmarshal(b, &m); err != nil || m.RoomID == "" {
			return errors.New("Internal error during room creation")
		}
		if _, err := sch.store.Claim(m.RoomID, rsp.Request.URL.Host); err != nil {
			return err
		}
		// put the original content back
		rsp.Body = io.NopCloser(bytes.NewReader(b))
		return nil
	}
}

// GetProxy returns the reverse proxy that creates rooms on a backend
func (sch *Scheduler) GetProxy() *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Director:       sch.ProxyDirector(),
		ModifyResponse: sch.RoomRegister(),
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			sch.log.Error("room creation failed", "error", err)
			vserver.RespondWithError(err.Error(), http.StatusBadGateway, w)
		},
	}
}
