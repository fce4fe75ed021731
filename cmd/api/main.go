package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rolegate.org/internal/awssts"
	"rolegate.org/internal/challenge"
	"rolegate.org/internal/config"
	"rolegate.org/internal/directory"
	"rolegate.org/internal/gate"
	"rolegate.org/internal/httpapi"
	"rolegate.org/internal/mapping"
	"rolegate.org/internal/notify"
	"rolegate.org/internal/obs"
	"rolegate.org/internal/store"
	"rolegate.org/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = ""
)

func main() {
	configPath := flag.String("config", os.Getenv("ROLEGATE_CONFIG"), "Path to YAML config")
	flag.Parse()

	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.SessionKey == "" {
		log.Fatal("missing session key: set session_key or ROLEGATE_SESSION_KEY")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Durable tier: PostgreSQL when a DSN is configured, in-process
	// memory otherwise (development only).
	var durable store.Backend
	var probe httpapi.ReadyProbe
	if cfg.PostgresDSN != "" {
		pgStore, err := pg.Open(cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer pgStore.Close()
		durable = pgStore
		probe = httpapi.ReadyProbe{DB: pgStore.DB()}
	} else {
		log.Print("no DSN configured, using in-memory store")
		durable = store.NewMemory(0)
	}

	// Shared cache tier in front of the durable store.
	adapter := store.NewAdapter(durable, store.WithSharedCache(store.NewMemory(5*time.Minute)))

	tenantFn := cfg.TenantOrDefault
	dir := directory.New(adapter, "default")

	engine := mapping.NewEngine(adapter, tenantFn,
		&mapping.RoleTagGenerator{Catalog: dir},
		&mapping.DynamicConfigGenerator{Fields: adapter},
	)

	vendor, err := awssts.New(ctx, time.Hour)
	if err != nil {
		log.Fatalf("sts vendor: %v", err)
	}

	var notifier gate.Notifier = notify.DenyAll{}
	if cfg.MFAWebhookURL != "" {
		notifier, err = notify.NewWebhook(cfg.MFAWebhookURL)
		if err != nil {
			log.Fatalf("mfa webhook: %v", err)
		}
	}

	defaults := tenantFn("default")
	issuance := gate.New(dir, notifier, vendor, dir, defaults.DefaultMaxCertAge, defaults.MFATimeout)

	challenges, err := challenge.NewManager(adapter, tenantFn, []byte(cfg.SessionKey), cfg.CookieName)
	if err != nil {
		log.Fatalf("challenge manager: %v", err)
	}

	api := httpapi.New(probe, version, httpapi.Deps{
		Engine:     engine,
		Gate:       issuance,
		Challenges: challenges,
		Accounts:   dir,
		AppRoles:   dir.AppRoles,
		CookieName: cfg.CookieName,
		ReadMaxAge: func(tenant string) time.Duration { return tenantFn(tenant).ReadMaxAge },
	})
	api.SetRateLimit(cfg.RateBurst, cfg.RatePerSec)
	api.SetMaxBodyBytes(cfg.MaxBodyBytes)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      60 * time.Second, // MFA step-up blocks inside the handler
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting rolegate-api %s on %s", version, srv.Addr)
	obs.SetReady(true)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	obs.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	log.Println("Stopped")
}
