package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/cors"

	"github.com/UoB-Cloud-Computing-2018-KLS/vchamber/config"
	"github.com/UoB-Cloud-Computing-2018-KLS/vchamber/logger"
	"github.com/UoB-Cloud-Computing-2018-KLS/vchamber/metrics"
	vserver "github.com/UoB-Cloud-Computing-2018-KLS/vchamber/server"
	"github.com/UoB-Cloud-Computing-2018-KLS/vchamber/store"
)

var listenaddr = flag.String("addr", "", "WebSocket Service bind address, overrides VCHAMBER_ADDR")
var envfile = flag.String("env", ".env", "dotenv file to load when present")

func main() {
	flag.Parse()

	cfg, err := config.Load(*envfile)
	if err != nil {
		logger.New("info", "json").Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if *listenaddr != "" {
		cfg.Addr = *listenaddr
	}

	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	st, err := store.Open(cfg.StoreOptions())
	if err != nil {
		log.Error("opening state store", "backend", cfg.Store.Backend, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	m := metrics.New()
	server := vserver.NewServer(vserver.Options{
		RoomOptions: vserver.RoomOptions{
			Store:        st,
			Logger:       log,
			Metrics:      m,
			StoreTimeout: cfg.Room.StoreTimeout,
		},
		HeartbeatTimeout: cfg.Room.HeartbeatTimeout,
	})

	mux := vserver.NewVChamberMux(server, m.Handler())
	withCORS := cors.Default().Handler(mux)
	httpServer := &http.Server{Addr: cfg.Addr, Handler: withCORS}

	go func() {
		log.Info("vChamber backend listening", "addr", cfg.Addr, "store", cfg.Store.Backend)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("vChamber backend", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Room.ShutdownTimeout)
	defer cancel()
	// hijacked websocket connections are not tracked by http.Server, the
	// rooms close them
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error("http shutdown", "error", err)
	}
	if err := server.Shutdown(ctx); err != nil {
		log.Error("room shutdown", "error", err)
	}
}
