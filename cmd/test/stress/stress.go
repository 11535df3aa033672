package main

import (
	"flag"
	"os"
	"time"

	"github.com/UoB-Cloud-Computing-2018-KLS/vchamber/logger"
	"github.com/UoB-Cloud-Computing-2018-KLS/vchamber/playback"
	vsv "github.com/UoB-Cloud-Computing-2018-KLS/vchamber/server"
)

var addr = flag.String("addr", "localhost:8080", "server to stress")
var nPerRoom = flag.Int("nc", 100, "number of clients per room")
var defaultRoomID = flag.String("rid", "testroom", "the roomID")
var source = flag.String("source", "stress-video", "source every client plays")
var period = flag.Duration("period", 5*time.Second, "interval between updates of the driving client")

func main() {
	flag.Parse()
	log := logger.New("info", "text")
	url := "ws://" + *addr + "/ws"

	var clients []*vsv.Client
	for i := 0; i < (*nPerRoom - 1); i++ {
		c, e := vsv.Connect(nil, url, *defaultRoomID)
		if e != nil {
			log.Error("connect failed", "n", i, "error", e)
			os.Exit(1)
		}
		go c.ClientSendHeartbeat()
		go c.ClientHandleRecv()
		clients = append(clients, c)
	}
	log.Info("clients joined", "n", len(clients), "room", *defaultRoomID)

	// the last client drives playback, everybody else follows
	c, e := vsv.Connect(nil, url, *defaultRoomID)
	if e != nil {
		log.Error("connect failed", "error", e)
		os.Exit(1)
	}
	go c.ClientSendHeartbeat()
	go c.ClientHandleRecv()

	start := time.Now()
	st := playback.State{SourceID: *source, Recency: start.UnixMilli()}
	if err := c.Announce(st); err != nil {
		log.Error("announce failed", "error", err)
		os.Exit(1)
	}

	ticker := time.NewTicker(*period)
	defer ticker.Stop()
	for now := range ticker.C {
		prev := st.Recency
		st.Paused = !st.Paused
		st.Position = now.Sub(start).Seconds()
		st.Recency = now.UnixMilli()
		if err := c.Update(st); err != nil {
			log.Error("update failed", "error", err)
			os.Exit(1)
		}

		inSync := 0
		var worst time.Duration
		for _, f := range clients {
			if got, ok := f.State(); ok && got.Recency >= prev {
				inSync++
			}
			if l := f.Latency(); l > worst {
				worst = l
			}
		}
		// checked right after sending, followers are judged on the previous round
		log.Info("round", "recency", prev, "in_sync", inSync, "followers", len(clients), "worst_latency", worst)
	}
}
