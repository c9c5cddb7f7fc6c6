// Command streamer polls a frame source at a fixed rate and broadcasts each
// frame as one JSON line to every connected TCP subscriber. An optional HTTP
// status server exposes publish statistics and a live websocket relay.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/SooratiLab/vicon/internal/api"
	"github.com/SooratiLab/vicon/internal/broadcast"
	"github.com/SooratiLab/vicon/internal/config"
	"github.com/SooratiLab/vicon/internal/mocap"
	"github.com/SooratiLab/vicon/internal/version"
)

var (
	listen      = flag.String("listen", ":5555", "TCP broadcast address")
	status      = flag.String("status", "", "HTTP status server address (empty to disable)")
	rate        = flag.Float64("rate", 100.0, "Target broadcast rate in Hz")
	mode        = flag.String("mode", "pose", "Stream mode: pose (segments only) or all (segments, markers, quality)")
	cameras     = flag.Bool("cameras", false, "Pass camera centroid metadata through")
	fixture     = flag.String("fixture", "", "Replay frames from a fixture file instead of generating them")
	subjects    = flag.String("subjects", "TB10", "Comma-separated subject names for the synthetic source")
	configPath  = flag.String("config", "", "Optional JSON config file (flags override nothing set here)")
	showVersion = flag.Bool("version", false, "Print version information and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("streamer %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	if *listen == "" {
		log.Fatal("Broadcast address is required")
	}

	// A config file supplies values for anything the flags left at defaults.
	var cfg *config.StreamerConfig
	if *configPath != "" {
		var err error
		cfg, err = config.LoadStreamerConfig(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
		applyStreamerConfig(cfg)
	}

	streamMode, err := mocap.ParseMode(*mode)
	if err != nil {
		log.Fatal(err)
	}

	var source mocap.FrameSource
	if *fixture != "" {
		source, err = mocap.NewReplaySource(*fixture)
		if err != nil {
			log.Fatalf("failed to open fixture source: %v", err)
		}
	} else {
		source = mocap.NewSyntheticSource(strings.Split(*subjects, ",")...)
	}
	defer source.Close()

	serializer := mocap.Serializer{Mode: streamMode, IncludeCameras: *cameras}
	server := broadcast.NewServer(broadcast.ServerConfig{
		Addr:         *listen,
		QueueSize:    cfg.GetQueueSize(),
		WriteTimeout: cfg.GetWriteTimeout(),
	}, serializer)
	if err := server.Start(); err != nil {
		log.Fatalf("failed to start broadcast server: %v", err)
	}
	defer server.Stop()

	pacer, err := broadcast.NewPacer(*rate, nil)
	if err != nil {
		log.Fatal(err)
	}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// poll/publish loop
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := pacer.Run(ctx, func(ctx context.Context) error {
			frame, err := source.Poll(ctx)
			if err != nil {
				return err
			}
			return server.Publish(frame)
		})
		if err != nil && err != context.Canceled {
			log.Printf("publish loop terminated: %v", err)
		}
		log.Print("publish loop stopped")
	}()

	// periodic stats logging, as a heartbeat for unattended runs
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s := server.Stats()
				log.Printf("stats | clients: %d | published: %d (%.1f Hz) | bytes: %d | evicted: %d | uptime: %.1fs",
					s.Clients, s.Count, s.RateHz, s.Bytes, s.Evicted, s.Uptime)
			}
		}
	}()

	// HTTP status server
	if *status != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()

			mux := api.NewServer(server).ServeMux()
			httpServer := &http.Server{
				Addr:    *status,
				Handler: api.LoggingMiddleware(mux),
			}

			go func() {
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatalf("failed to start status server: %v", err)
				}
			}()

			<-ctx.Done()
			log.Println("shutting down status server...")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				log.Printf("status server shutdown error: %v", err)
			}
		}()
	}

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}

// applyStreamerConfig copies config-file values into flags the user left at
// their defaults.
func applyStreamerConfig(cfg *config.StreamerConfig) {
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if !set["listen"] {
		*listen = cfg.GetListenAddr()
	}
	if !set["status"] {
		*status = cfg.GetStatusAddr()
	}
	if !set["rate"] {
		*rate = cfg.GetRateHz()
	}
	if !set["mode"] {
		*mode = string(cfg.GetMode())
	}
	if !set["cameras"] {
		*cameras = cfg.GetIncludeCameras()
	}
}
