// Command streamd is the daemon entrypoint: it wires the config, State
// Store, Storage Manager, Registry, Event Bus, and Control API together and
// runs until SIGINT/SIGTERM, the same env-var-driven wiring and graceful
// shutdown shape as the inherited backend's main.go.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/duskvale/streamd/config"
	"github.com/duskvale/streamd/controlapi"
	controlauth "github.com/duskvale/streamd/controlapi/auth"
	"github.com/duskvale/streamd/core"
	"github.com/duskvale/streamd/eventbus"
	"github.com/duskvale/streamd/health"
	"github.com/duskvale/streamd/recording"
	"github.com/duskvale/streamd/registry"
	"github.com/duskvale/streamd/sourcedriver"
	"github.com/duskvale/streamd/statestore"
	"github.com/duskvale/streamd/statestore/postgres"
	"github.com/duskvale/streamd/statestore/sqlite"
	"github.com/duskvale/streamd/storage"
	"github.com/duskvale/streamd/supervisor"
)

var version = "dev"

func main() {
	port := env("LISTEN_PORT", "8080")

	dsn := os.Getenv("STATE_STORE_DSN")
	if dsn == "" {
		dsn = "streamd.db"
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET environment variable is required")
	}

	fmt.Printf("streamd %s\n", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStore(ctx, dsn)
	if err != nil {
		log.Fatalf("state store: %v", err)
	}
	defer store.Close()

	cfg, err := config.Load(ctx, store)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	data := cfg.Get()

	adminUser := env("ADMIN_USERNAME", "admin")
	adminHash := os.Getenv("ADMIN_PASSWORD_HASH")
	if adminHash == "" {
		if pass := os.Getenv("ADMIN_PASSWORD"); pass != "" {
			adminHash, err = controlauth.HashPassword(pass)
			if err != nil {
				log.Fatalf("hash admin password: %v", err)
			}
		} else {
			log.Println("ADMIN_PASSWORD(_HASH) not set; login will reject all credentials")
		}
	}

	events := eventbus.New()

	volumes := storage.New(storage.FSProber{DegradedFreeBytes: data.RetentionMinFreePerVol}, events)
	for _, v := range parseVolumes(os.Getenv("STREAMD_VOLUMES")) {
		volumes.AddVolume(v)
		if err := store.SaveVolumeSnapshot(ctx, v); err != nil {
			log.Printf("persist volume %s: %v", v.ID, err)
		}
	}

	opts := supervisor.Options{
		HealthThresholds: health.Thresholds{
			TFrameOK:       time.Duration(data.FrameOKMS) * time.Millisecond,
			TFrameDegraded: time.Duration(data.FrameDegradedMS) * time.Millisecond,
			TFrameFail:     time.Duration(data.FrameFailMS) * time.Millisecond,
			DwellWorsen:    data.DwellWorsen,
			DwellImprove:   data.DwellImprove,
		},
		HealthTickInterval: time.Duration(data.HealthTickMS) * time.Millisecond,
		RecordingOptions: recording.Options{
			MaxSegmentDuration: time.Duration(data.MaxSegmentDurationMS) * time.Millisecond,
			MaxSegmentBytes:    data.MaxSegmentBytes,
			SegmentReserve:     data.SegmentReserveBytes,
			SwapBufferCeiling:  data.SwapBufferCeilingPct,
			Retention: core.RetentionPolicy{
				MaxAge:            time.Duration(data.RetentionMaxAgeMS) * time.Millisecond,
				MaxBytesPerStream: data.RetentionMaxBytesPerSet,
				MinFreePerVolume:  data.RetentionMinFreePerVol,
			},
		},
		AutoRemoveAfter: time.Duration(data.AutoRemoveAfterMS) * time.Millisecond,
	}

	deps := registry.Dependencies{
		Dialer:      sourcedriver.WebSocketDialer{},
		Volumes:     volumes,
		Catalog:     store,
		Checkpoints: store,
		Events:      events,
		Opts:        opts,
	}

	reg := registry.New(ctx, store, deps, data.MaxStreams)

	if err := recoverStreams(ctx, store, reg); err != nil {
		log.Printf("recovery: %v", err)
	}

	srv := &http.Server{
		Addr: ":" + port,
		Handler: controlapi.New(controlapi.Deps{
			Registry:          reg,
			Events:            events,
			Store:             store,
			Config:            cfg,
			JWTSecret:         []byte(jwtSecret),
			AdminUsername:     adminUser,
			AdminPasswordHash: adminHash,
		}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("listening on :%s", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http: %v", err)
		}
	}()

	<-sigCh
	log.Println("shutting down...")
	cancel()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}

// openStore selects the SQLite or PostgreSQL State Store backend by DSN
// shape, the same dispatch the inherited codebase used to pick its
// Postgres-only backend variant, generalized here to a real either/or.
func openStore(ctx context.Context, dsn string) (statestore.Store, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return postgres.Open(ctx, dsn)
	}
	return sqlite.Open(dsn)
}

// recoverStreams re-spawns a Supervisor for every persisted StreamDefinition
// (§4.8 Recovery), seeded with its last checkpointed record_on_ready intent.
func recoverStreams(ctx context.Context, store statestore.Store, reg *registry.Registry) error {
	defs, err := store.ListDefinitions(ctx)
	if err != nil {
		return fmt.Errorf("list definitions: %w", err)
	}
	checkpoints, err := store.ListCheckpoints(ctx)
	if err != nil {
		return fmt.Errorf("list checkpoints: %w", err)
	}
	recordOnReady := make(map[core.StreamId]bool, len(checkpoints))
	for _, c := range checkpoints {
		recordOnReady[c.StreamID] = c.RecordOnReady
	}

	for _, def := range defs {
		reg.Restore(def, recordOnReady[def.ID])
		log.Printf("recovered stream %s (record_on_ready=%v)", def.ID, recordOnReady[def.ID])
	}
	return nil
}

// parseVolumes reads STREAMD_VOLUMES as a comma-separated list of
// id=mount_root:capacity_bytes:priority entries, e.g.
// "primary=/mnt/rec1:500000000000:10,overflow=/mnt/rec2:2000000000000:0".
func parseVolumes(raw string) []core.Volume {
	var out []core.Volume
	if raw == "" {
		return out
	}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		idAndRest := strings.SplitN(entry, "=", 2)
		if len(idAndRest) != 2 {
			log.Printf("STREAMD_VOLUMES: skipping malformed entry %q", entry)
			continue
		}
		fields := strings.Split(idAndRest[1], ":")
		if len(fields) != 3 {
			log.Printf("STREAMD_VOLUMES: skipping malformed entry %q", entry)
			continue
		}
		capacity, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			log.Printf("STREAMD_VOLUMES: invalid capacity in %q: %v", entry, err)
			continue
		}
		priority, err := strconv.Atoi(fields[2])
		if err != nil {
			log.Printf("STREAMD_VOLUMES: invalid priority in %q: %v", entry, err)
			continue
		}
		out = append(out, core.Volume{
			ID:            idAndRest[0],
			MountRoot:     fields[0],
			CapacityBytes: capacity,
			Priority:      priority,
		})
	}
	return out
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
