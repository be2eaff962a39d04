// Command server runs the persistence core: durable store, mutation services,
// notification bus, client cache and the local websocket diff feed.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"nekocrawl.dev/internal/bus"
	"nekocrawl.dev/internal/cache"
	"nekocrawl.dev/internal/master"
	"nekocrawl.dev/internal/persistence/audit"
	"nekocrawl.dev/internal/service/dungeon"
	"nekocrawl.dev/internal/service/inventory"
	"nekocrawl.dev/internal/service/shop"
	"nekocrawl.dev/internal/service/story"
	"nekocrawl.dev/internal/service/wallet"
	"nekocrawl.dev/internal/store"
	"nekocrawl.dev/internal/transport/ws"
	"nekocrawl.dev/internal/tuning"
)

func main() {
	var (
		addr       = flag.String("addr", "127.0.0.1:8080", "http listen address")
		configDir  = flag.String("configs", "./configs", "config directory")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		auditDir   = flag.String("audit", "", "mutation audit log directory (default: <data>/audit)")
		noAudit    = flag.Bool("disable_audit", false, "disable the mutation audit log")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Printf("tuning not found (%s); using defaults", tp)
			tune = tuning.Defaults()
		} else {
			logger.Fatalf("load tuning: %v", err)
		}
	}

	defs, err := master.Load(filepath.Join(*configDir, "master"))
	if err != nil {
		logger.Fatalf("load master data: %v", err)
	}
	for name, digest := range defs.Digests {
		logger.Printf("master catalog %s sha256=%s", name, digest)
	}

	st, err := store.Open(filepath.Join(*dataDir, "save.db"))
	if err != nil {
		logger.Fatalf("open store: %v", err)
	}
	defer st.Close()

	var aud *audit.Log
	if !*noAudit {
		dir := strings.TrimSpace(*auditDir)
		if dir == "" {
			dir = filepath.Join(*dataDir, "audit")
		}
		aud = audit.Open(dir)
		defer aud.Close()
	}

	b := bus.New()
	defer b.Close()

	inv := inventory.New(st, defs, b, aud, logger)
	wal := wallet.New(st, b, aud, tune, inv, logger)
	dun := dungeon.New(st, defs, b, aud, logger)
	sto := story.New(st, defs, b, aud, logger)
	shp := shop.New(st, defs, b, aud, tune, wal, inv, logger)

	ctx, cancel := signalContext()
	defer cancel()

	if err := shp.SyncCatalog(ctx); err != nil {
		logger.Fatalf("sync shop catalog: %v", err)
	}

	c := cache.New(cache.Services{
		Inventory: inv,
		Wallet:    wal,
		Dungeon:   dun,
		Story:     sto,
		Shop:      shp,
	}, b, tune, logger)
	defer c.Close()
	if err := c.Load(ctx); err != nil {
		logger.Fatalf("cache load: %v", err)
	}
	logger.Printf("cache loaded: %d stacks, %d catalog entries", len(c.Items()), len(defs.Shop))

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/v1/state", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		resp := struct {
			Wallet   any `json:"wallet"`
			Items    any `json:"items"`
			Versions any `json:"versions"`
		}{
			Wallet: c.Wallet(),
			Items:  c.Items(),
			Versions: func() map[bus.Topic]uint64 {
				out := map[bus.Topic]uint64{}
				for _, topic := range bus.Topics() {
					out[topic] = c.Version(topic)
				}
				return out
			}(),
		}
		_ = json.NewEncoder(rw).Encode(resp)
	})
	mux.HandleFunc("/v1/ws", ws.NewServer(b, logger).Handler())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
