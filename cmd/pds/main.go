// pds is a single-user AT Protocol Personal Data Server.
//
// It reads configuration from pds.json in the working directory,
// connects to PostgreSQL, bootstraps the schema and the one hosted
// identity, and starts an HTTP server exposing the repository and
// sync XRPC surface plus the event firehose.
//
// Usage:
//
//	./pds                 # reads ./pds.json, starts server
//	docker compose up -d   # runs via Docker with a mounted config
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/primal-host/solo-pds/internal/auth"
	"github.com/primal-host/solo-pds/internal/config"
	"github.com/primal-host/solo-pds/internal/database"
	"github.com/primal-host/solo-pds/internal/events"
	"github.com/primal-host/solo-pds/internal/identity"
	"github.com/primal-host/solo-pds/internal/records"
	"github.com/primal-host/solo-pds/internal/repo"
	"github.com/primal-host/solo-pds/internal/server"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("pds starting...")

	cfg, err := config.Load("pds.json")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Config loaded (listen=%s db=%s/%s)", cfg.ListenAddr, cfg.DBConn, cfg.DBName)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received %v, shutting down...", sig)
		cancel()
	}()

	db, err := database.Open(ctx, cfg.ConnString())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected, schema bootstrapped")

	id, err := identity.Bootstrap(ctx, db.Pool, cfg.Handle, cfg.RepoSigningKey)
	if err != nil {
		log.Fatalf("Failed to bootstrap identity: %v", err)
	}
	log.Printf("Identity: did=%s handle=%s", id.DID, id.Handle)

	priv, err := repo.ParseKey(id.SigningKey)
	if err != nil {
		log.Fatalf("Failed to parse signing key: %v", err)
	}

	persister := events.NewPersister(db.Pool)
	seq, err := events.NewManager(ctx, persister, cfg.SeqWindow)
	if err != nil {
		log.Fatalf("Failed to start event sequencer: %v", err)
	}
	defer seq.Shutdown()
	seq.StartKeepalive(ctx, events.DefaultKeepaliveInterval)
	log.Printf("Event sequencer ready at seq=%d", seq.CurrentSeq())

	recStore := records.NewPostgres(db.Pool)
	repos := repo.NewManager(db.Pool, recStore, seq, id.DID, priv)

	if err := repos.InitRepo(ctx); err != nil {
		log.Fatalf("Failed to initialize repository: %v", err)
	}
	if err := repos.RecoverSequencer(ctx); err != nil {
		log.Fatalf("Failed to recover event sequencer: %v", err)
	}
	log.Println("Repository ready")

	adminKeyHash, err := auth.HashAdminKey(cfg.AdminKey)
	if err != nil {
		log.Fatalf("Failed to hash admin key: %v", err)
	}

	jwtSecret := cfg.JWTSecret
	if jwtSecret == "" {
		jwtSecret = auth.GenerateSecret()
		log.Println("No jwtSecret configured — generated an ephemeral one for this run")
	}
	jwtMgr := auth.NewJWTManager(jwtSecret, cfg.ServiceURL, id.DID)

	srv := server.New(cfg, id, repos, seq, jwtMgr, adminKeyHash)
	if err := srv.Start(ctx); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("pds stopped")
}
