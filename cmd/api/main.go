package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"lumen/api/internal/app"
	"lumen/api/internal/authpw"
	"lumen/api/internal/config"
	"lumen/api/internal/credential"
	"lumen/api/internal/remote"
	"lumen/api/internal/search"
	"lumen/api/internal/session"
	"lumen/api/internal/store"
)

func main() {
	configPath := pflag.String("config", "", "optional YAML config file")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}
	dataStore := store.NewPostgresStore(db)

	sessions, err := session.NewRedisStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer sessions.Close()

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	searchService := search.NewService(meiliClient, pgfts)
	defer searchService.Close()
	if meiliClient != nil {
		go searchService.ReindexAllFromPG(ctx)
	}

	credentials, err := credential.Open(cfg.KeyringDir, cfg.KeyringBackend)
	if err != nil {
		log.Fatalf("credential store unavailable: %v", err)
	}

	backend := remote.New(remote.Config{
		Store:       dataStore,
		Sessions:    sessions,
		Auth:        authpw.NewService(dataStore),
		Credentials: credentials,
		Index:       searchService,
		Secret:      []byte(cfg.JWTSecret),
		SessionTTL:  cfg.SessionTTL,
	})

	client := app.NewClient(backend, app.ClientOptions{
		IdentityTimeout:   cfg.IdentityTimeout,
		ProfileTimeout:    cfg.ProfileTimeout,
		RoleTimeout:       cfg.RoleTimeout,
		OperatorEmails:    cfg.OperatorEmails,
		SignOutRedirect:   cfg.SignOutRedirect,
		NotificationLimit: cfg.NotificationLimit,
		RollbackOnFailure: cfg.RollbackOnFailure,
		ToastMaxItems:     cfg.ToastMaxItems,
		Searcher:          searchService,
	})

	var background sync.WaitGroup
	background.Add(1)
	go func() {
		defer background.Done()
		if err := client.Watch(ctx); err != nil {
			log.Printf("identity watch stopped: %v", err)
		}
	}()
	if err := client.Start(ctx); err != nil {
		log.Printf("WARNING: session bootstrap failed, starting signed out: %v", err)
	}

	httpServer := app.NewHTTPServer(app.HTTPConfig{
		Client:   client,
		Accounts: backend,
		Checks: map[string]app.Pinger{
			"database": dataStore,
			"redis":    sessions,
		},
		CORSOrigin:      cfg.CORSOrigin,
		SignOutRedirect: cfg.SignOutRedirect,
	})
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Lumen API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	background.Wait()
	client.Close(shutdownCtx)
}
