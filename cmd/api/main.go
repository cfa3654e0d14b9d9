package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dermatrust.org/internal/access"
	"dermatrust.org/internal/analysis/sim"
	"dermatrust.org/internal/audit"
	"dermatrust.org/internal/config"
	"dermatrust.org/internal/credential"
	"dermatrust.org/internal/gateway"
	"dermatrust.org/internal/httpapi"
	"dermatrust.org/internal/obs"
	"dermatrust.org/internal/records"
	"dermatrust.org/internal/report"
	"dermatrust.org/internal/session"
	"dermatrust.org/internal/store/pg"
)

var version = "0.3.1"

func main() {
	obs.Init()

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Stores: PostgreSQL when a DSN is configured, in-memory otherwise.
	var (
		db           *sql.DB
		userStore    credential.Store
		sessionStore session.Store
		recordStore  records.Store
		auditStore   audit.Store
	)
	if cfg.PGDSN != "" {
		pgStore, err := pg.Open(cfg.PGDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer pgStore.Close()
		db = pgStore.DB()
		userStore = pgStore
		sessionStore = pgStore.Sessions()
		recordStore = pgStore.Records()
		auditStore = pgStore.Audit()
	} else {
		userStore = credential.NewInMemory()
		sessionStore = session.NewInMemory()
		recordStore = records.NewInMemory()
		auditStore = audit.NewInMemory()
	}

	creds := credential.NewService(userStore,
		credential.WithPasswordPolicy(credential.Policy{
			MinLength:  cfg.PasswordMinLength,
			MinClasses: cfg.PasswordMinClasses,
		}),
		credential.WithLockout(cfg.LockoutThreshold, cfg.LockoutWindow, cfg.LockoutCooldown),
	)
	sessions := session.NewManager(sessionStore, userStore,
		session.WithTTL(cfg.SessionTTL),
		session.WithHardCap(cfg.SessionHardCap),
	)
	registry := records.NewRegistry(recordStore)

	auditOpts := []audit.Option{}
	if cfg.AuditSpoolPath != "" {
		spool, err := audit.OpenSpool(cfg.AuditSpoolPath)
		if err != nil {
			log.Fatalf("open audit spool: %v", err)
		}
		defer spool.Close()
		auditOpts = append(auditOpts, audit.WithSpool(spool))
	}
	auditLog := audit.New(auditStore, auditOpts...)

	gw := gateway.New(sessions, access.NewEvaluator(registry), auditLog)

	renderer, err := report.NewTextRenderer()
	if err != nil {
		log.Fatalf("report renderer: %v", err)
	}
	secret := cfg.ReportTokenSecret
	if secret == "" {
		log.Fatalf("DERMATRUST_REPORT_TOKEN_SECRET is required")
	}
	tokens, err := report.NewTokenIssuer([]byte(secret), 15*time.Minute)
	if err != nil {
		log.Fatalf("report tokens: %v", err)
	}

	api := httpapi.New(httpapi.Deps{
		Credentials: creds,
		Sessions:    sessions,
		Gateway:     gw,
		Registry:    registry,
		Analyzer:    sim.New(),
		Renderer:    renderer,
		Reports:     tokens,
		Audit:       auditLog,
	}, httpapi.ReadyProbe{DB: db}, version)

	srv := &http.Server{
		Addr:              ":8080",
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting dermatrust-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	// Recover spooled audit entries once storage is reachable again.
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if n, err := auditLog.Drain(ctx); err == nil && n > 0 {
				log.Printf("recovered %d spooled audit entries", n)
			}
			cancel()
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	log.Println("Stopped")
}
