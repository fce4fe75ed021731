// Command regen drives mapping regeneration out-of-band: once for cron
// style deployments, or on an interval as a long-running worker. The API
// never regenerates inline with a request.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rolegate.org/internal/config"
	"rolegate.org/internal/directory"
	"rolegate.org/internal/mapping"
	"rolegate.org/internal/obs"
	"rolegate.org/internal/store"
	"rolegate.org/internal/store/pg"
)

func main() {
	log.SetFlags(0)
	var (
		configPath = flag.String("config", os.Getenv("ROLEGATE_CONFIG"), "Path to YAML config")
		once       = flag.Bool("once", false, "Run one regeneration pass and exit")
		interval   = flag.Duration("interval", 5*time.Minute, "Pass interval in worker mode")
	)
	flag.Parse()

	obs.Init()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.PostgresDSN == "" {
		log.Fatal("missing DSN: regeneration needs the durable store")
	}

	pgStore, err := pg.Open(cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer pgStore.Close()

	adapter := store.NewAdapter(pgStore)
	dir := directory.New(adapter, "default")
	engine := mapping.NewEngine(adapter, cfg.TenantOrDefault,
		&mapping.RoleTagGenerator{Catalog: dir},
		&mapping.DynamicConfigGenerator{Fields: adapter},
	)

	tenants := make([]string, 0, len(cfg.Tenants)+1)
	for name := range cfg.Tenants {
		tenants = append(tenants, name)
	}
	if len(tenants) == 0 {
		tenants = append(tenants, "default")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	pass := func() {
		for _, tenant := range tenants {
			if _, _, err := engine.Regenerate(ctx, tenant); err != nil {
				log.Printf("regenerate %s: %v", tenant, err)
			}
		}
	}

	pass()
	if *once {
		return
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Println("Stopped")
			return
		case <-ticker.C:
			pass()
		}
	}
}
