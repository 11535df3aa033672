package main

import (
	"context"
	"flag"
	"net/http"
	"os"

	"github.com/UoB-Cloud-Computing-2018-KLS/vchamber/config"
	"github.com/UoB-Cloud-Computing-2018-KLS/vchamber/logger"
	"github.com/UoB-Cloud-Computing-2018-KLS/vchamber/schedule"
	"github.com/UoB-Cloud-Computing-2018-KLS/vchamber/store"
)

var wsaddr = flag.String("ws", "", "WebSocket Service bind address, overrides VCHAMBER_ADDR")
var envfile = flag.String("env", ".env", "dotenv file to load when present")

func main() {
	flag.Parse()

	cfg, err := config.Load(*envfile)
	if err != nil {
		logger.New("info", "json").Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if *wsaddr != "" {
		cfg.Addr = *wsaddr
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	typ, err := schedule.ParseStorageBackendType(cfg.Proxy.Registry)
	if err != nil {
		log.Error("room registry", "error", err)
		os.Exit(1)
	}

	var reg schedule.Storage
	var sch *schedule.Scheduler
	switch typ {
	case schedule.StorageBackendRedis:
		// the registry shares the redis deployment of the state store
		rs := schedule.NewRedisStorage(store.NewRedisClient(cfg.StoreOptions()))
		reg = rs
		sch = schedule.NewScheduler(reg, cfg.Proxy.Backends, log)
		go func() {
			if err := sch.RunScheduler(context.Background(), rs.Client()); err != nil {
				log.Error("schedule subscription", "error", err)
			}
		}()
	default:
		reg, _ = schedule.NewStorageBackend(schedule.StorageBackendMem)
		sch = schedule.NewScheduler(reg, cfg.Proxy.Backends, log)
	}

	rp := schedule.NewLoadBalancedReverseProxy(sch)
	log.Info("vChamber proxy listening", "addr", cfg.Addr, "backends", cfg.Proxy.Backends, "registry", cfg.Proxy.Registry)
	if err := http.ListenAndServe(cfg.Addr, schedule.NewProxyMux(rp)); err != nil {
		log.Error("vChamber proxy", "error", err)
		os.Exit(1)
	}
}
