// Command listener connects to a running streamer, maintains the live pose
// cache, and optionally records every received sample to SQLite. It keeps
// reconnecting until interrupted, surviving streamer restarts.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/SooratiLab/vicon/internal/config"
	"github.com/SooratiLab/vicon/internal/db"
	"github.com/SooratiLab/vicon/internal/listener"
	"github.com/SooratiLab/vicon/internal/mocap"
	"github.com/SooratiLab/vicon/internal/version"
)

var (
	host        = flag.String("host", "localhost", "Streamer host address")
	port        = flag.Int("port", 5555, "Streamer TCP port")
	meters      = flag.Bool("meters", true, "Convert incoming millimeter positions to meters")
	verbose     = flag.Bool("verbose", false, "Print per-frame detail")
	record      = flag.String("record", "", "Record received samples to this SQLite file")
	migrations  = flag.String("migrations", db.DefaultMigrationsDir, "Schema migrations directory")
	status      = flag.String("status", "", "HTTP debug server address (empty to disable)")
	configPath  = flag.String("config", "", "Optional JSON config file")
	showVersion = flag.Bool("version", false, "Print version information and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("listener %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	var fileCfg *config.ListenerConfig
	if *configPath != "" {
		var err error
		fileCfg, err = config.LoadListenerConfig(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
		applyListenerConfig(fileCfg)
	}

	// Sample recording store, enabled by -record.
	var store *db.DB
	if *record != "" {
		var err error
		store, err = db.NewDB(*record)
		if err != nil {
			log.Fatalf("failed to open recording database: %v", err)
		}
		defer store.Close()
		if err := store.MigrateUp(*migrations); err != nil {
			log.Fatalf("failed to migrate recording database: %v", err)
		}
	}

	cfg := listener.Config{
		Host:             *host,
		Port:             *port,
		ConvertToMeters:  *meters,
		StaleDataTimeout: fileCfg.GetStaleDataTimeout(),
		ReconnectDelay:   fileCfg.GetReconnectDelay(),
		ConnectTimeout:   fileCfg.GetConnectTimeout(),
		OnMessage: func(msg *mocap.Message) {
			if *verbose {
				logFrame(msg)
			}
			if store != nil {
				if err := store.RecordMessage(msg); err != nil {
					log.Printf("failed to record frame %d: %v", msg.FrameNumber, err)
				}
			}
		},
	}

	l, err := listener.New(cfg)
	if err != nil {
		log.Fatal(err)
	}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	l.Start()
	defer l.Stop()
	log.Printf("listening for pose data from %s:%d", *host, *port)

	// periodic stats logging
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
				s := l.Stats()
				log.Printf("stats | state: %s | frames: %d (%.1f Hz) | data: %.1f KB | uptime: %.1fs",
					l.State(), s.Count, s.RateHz, float64(s.Bytes)/1024, s.Uptime)
			}
		}
	}()

	// debug HTTP server with the tailsql console over the recording store
	if *status != "" && store != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()

			mux := http.NewServeMux()
			store.AttachAdminRoutes(mux)
			httpServer := &http.Server{Addr: *status, Handler: mux}

			go func() {
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatalf("failed to start debug server: %v", err)
				}
			}()

			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				log.Printf("debug server shutdown error: %v", err)
			}
		}()
	}

	<-ctx.Done()
	wg.Wait()
	log.Printf("Graceful shutdown complete")
}

func logFrame(msg *mocap.Message) {
	log.Printf("frame %d | subjects: %d | latency: %.2fms", msg.FrameNumber, msg.SubjectCount, msg.LatencyMS)
	for _, subj := range msg.Subjects {
		for _, seg := range subj.Segments {
			log.Printf("  %s/%s | pos: (%.1f, %.1f, %.1f) | rot: (%.1f, %.1f, %.1f)°",
				subj.Name, seg.Name,
				seg.Position.X, seg.Position.Y, seg.Position.Z,
				seg.EulerXYZ.X, seg.EulerXYZ.Y, seg.EulerXYZ.Z)
		}
		if len(subj.Markers) > 0 {
			log.Printf("  %s has %d markers", subj.Name, len(subj.Markers))
		}
	}
}

// applyListenerConfig copies config-file values into flags the user left at
// their defaults.
func applyListenerConfig(cfg *config.ListenerConfig) {
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if !set["host"] {
		*host = cfg.GetHost()
	}
	if !set["port"] {
		*port = cfg.GetPort()
	}
	if !set["meters"] {
		*meters = cfg.GetConvertToMeters()
	}
	if !set["record"] {
		*record = cfg.GetRecordPath()
	}
}
