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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ignite/bulk-dispatch/internal/callback"
	"github.com/ignite/bulk-dispatch/internal/config"
	"github.com/ignite/bulk-dispatch/internal/domain"
	"github.com/ignite/bulk-dispatch/internal/pkg/httputil"
	_ "github.com/lib/pq"
)

func main() {
	log.Println("Starting callback receiver...")

	cfg, err := config.LoadFromEnv("config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := db.PingContext(pingCtx); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	log.Println("Connected to database")

	handler := callback.NewHandler(callback.NewIngestor(db))
	if cfg.Callbacks.EmailKey != "" {
		handler.Register(domain.ChannelEmail, callback.FlowNormal, callback.NewKeyAuthenticator(cfg.Callbacks.EmailKey))
	}
	if cfg.Callbacks.EmailTransactionalKey != "" {
		handler.Register(domain.ChannelEmail, callback.FlowTransactional, callback.NewKeyAuthenticator(cfg.Callbacks.EmailTransactionalKey))
	}
	if cfg.Callbacks.SMSKey != "" {
		handler.Register(domain.ChannelSMS, callback.FlowNormal, callback.NewKeyAuthenticator(cfg.Callbacks.SMSKey))
	}
	if cfg.Callbacks.SMSTransactionalKey != "" {
		handler.Register(domain.ChannelSMS, callback.FlowTransactional, callback.NewKeyAuthenticator(cfg.Callbacks.SMSTransactionalKey))
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		httputil.OK(w, map[string]string{"status": "ok"})
	})
	r.Mount("/", handler.Routes())

	srv := &http.Server{
		Addr:              cfg.Callbacks.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: time.Duration(cfg.Callbacks.ReadHeaderTimeoutSecond) * time.Second,
	}

	go func() {
		log.Printf("Callback receiver listening on %s", cfg.Callbacks.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("Shutting down callback receiver...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Callbacks.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	log.Println("Callback receiver stopped")
}
