package main

import (
	"context"
	"database/sql"
	"encoding/hex"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/bulk-dispatch/internal/config"
	"github.com/ignite/bulk-dispatch/internal/credentials"
	"github.com/ignite/bulk-dispatch/internal/dispatch"
	"github.com/ignite/bulk-dispatch/internal/domain"
	"github.com/ignite/bulk-dispatch/internal/enrichment"
	"github.com/ignite/bulk-dispatch/internal/pkg/distlock"
	"github.com/ignite/bulk-dispatch/internal/pkg/logger"
	"github.com/ignite/bulk-dispatch/internal/render"
	"github.com/ignite/bulk-dispatch/internal/transport"
	_ "github.com/lib/pq"
)

func main() {
	log.Println("Starting dispatch worker...")

	cfg, err := config.LoadFromEnv("config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	channel := domain.ChannelEmail
	if cfg.Dispatcher.Channel == "sms" {
		channel = domain.ChannelSMS
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := db.PingContext(pingCtx); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	log.Println("Connected to database")

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Fatalf("Invalid redis URL: %v", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		log.Fatalf("Failed to ping redis: %v", err)
	}
	log.Println("Connected to redis")

	masterKey, err := hex.DecodeString(cfg.Credentials.MasterKeyHex)
	if err != nil {
		log.Fatalf("Invalid CREDENTIALS_MASTER_KEY: %v", err)
	}
	resolver, err := credentials.NewResolver(db, masterKey)
	if err != nil {
		log.Fatalf("Failed to init credential resolver: %v", err)
	}

	signer, err := render.NewLinkSigner(cfg.Unsubscribe.BaseURL, cfg.Unsubscribe.Keys, cfg.Unsubscribe.ActiveKeyVersion)
	if err != nil {
		log.Fatalf("Failed to init link signer: %v", err)
	}
	theme := render.NewThemeRenderer(render.Branding{
		AgencyName:  cfg.Email.Branding.AgencyName,
		LogoURL:     cfg.Email.Branding.LogoURL,
		AccentColor: cfg.Email.Branding.AccentColor,
		Address:     cfg.Email.Branding.Address,
	}, cfg.Email.MastheadDomains)

	store := dispatch.NewStore(db)
	worker := dispatch.NewWorker(store, resolver, render.NewRenderer(), signer, theme, dispatch.Config{
		Channel:     channel,
		Concurrency: cfg.Dispatcher.Concurrency,
		Email: transport.EmailConfig{
			PrimaryURL:       cfg.Email.PrimaryURL,
			FallbackURL:      cfg.Email.FallbackURL,
			PrimaryIdentity:  transport.SenderIdentity{Name: cfg.Email.PrimaryIdentity.Name, Email: cfg.Email.PrimaryIdentity.Email},
			FallbackIdentity: transport.SenderIdentity{Name: cfg.Email.FallbackIdentity.Name, Email: cfg.Email.FallbackIdentity.Email},
			UseFallback:      cfg.Email.UseFallback,
		},
		SMS: transport.SMSConfig{
			PrimaryURL:         cfg.SMS.PrimaryURL,
			FallbackURL:        cfg.SMS.FallbackURL,
			UseFallback:        cfg.SMS.UseFallback,
			DefaultCountryCode: cfg.SMS.DefaultCountryCode,
		},
	})

	if cfg.Enrichment.Enabled && cfg.Enrichment.BaseURL != "" {
		worker.SetEnricher(enrichment.NewClient(cfg.Enrichment.BaseURL, time.Duration(cfg.Enrichment.TimeoutSeconds)*time.Second))
	}

	limits := map[string]dispatch.ProviderLimit{}
	if cfg.Email.PerSecondLimit > 0 || cfg.Email.PerMinuteLimit > 0 {
		limits["email"] = dispatch.ProviderLimit{PerSecond: cfg.Email.PerSecondLimit, PerMinute: cfg.Email.PerMinuteLimit}
	}
	if cfg.SMS.PerSecondLimit > 0 || cfg.SMS.PerMinuteLimit > 0 {
		limits["sms"] = dispatch.ProviderLimit{PerSecond: cfg.SMS.PerSecondLimit, PerMinute: cfg.SMS.PerMinuteLimit}
	}
	if len(limits) > 0 {
		worker.SetProviderLimiter(dispatch.NewProviderLimiter(redisClient, limits))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pollInterval := time.Duration(cfg.Dispatcher.PollIntervalSeconds) * time.Second
	lockTTL := time.Duration(cfg.Dispatcher.LockTTLSeconds) * time.Second

	log.Printf("Dispatch worker running (channel=%s, poll=%s)", channel, pollInterval)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		runJobs(ctx, store, worker, redisClient, channel, lockTTL, cfg.Dispatcher.DefaultSendRate)
		select {
		case <-ctx.Done():
			log.Println("Shutting down dispatch worker")
			return
		case <-ticker.C:
		}
	}
}

// runJobs claims and cycles every active job for this worker's channel. The
// per-job lock keeps concurrent worker processes from double-sending.
func runJobs(ctx context.Context, store *dispatch.Store, worker *dispatch.Worker, redisClient *redis.Client, channel domain.Channel, lockTTL time.Duration, defaultRate int) {
	jobs, err := store.ActiveJobs(ctx)
	if err != nil {
		logger.Error("job poll failed", "error", err.Error())
		return
	}

	for _, job := range jobs {
		if job.Channel != channel {
			continue
		}
		if job.SendRate <= 0 {
			job.SendRate = defaultRate
		}
		if ctx.Err() != nil {
			return
		}

		lock := distlock.ForJob(redisClient, job.ID.String(), lockTTL)
		acquired, err := lock.Acquire(ctx)
		if err != nil {
			logger.Error("job lock failed", "job_id", job.ID.String(), "error", err.Error())
			continue
		}
		if !acquired {
			continue
		}

		if err := cycleJob(ctx, store, worker, job); err != nil {
			logger.Error("dispatch cycle failed", "job_id", job.ID.String(), "error", err.Error())
		}
		if err := lock.Release(context.Background()); err != nil {
			logger.Warn("job lock release failed", "job_id", job.ID.String(), "error", err.Error())
		}
	}
}

func cycleJob(ctx context.Context, store *dispatch.Store, worker *dispatch.Worker, job domain.MessageJob) error {
	if err := worker.SetupSendingService(ctx, job); err != nil {
		return err
	}
	defer worker.DestroySendingService()

	result, err := worker.RunCycle(ctx, job)
	if err != nil {
		return err
	}
	logger.Info("dispatch cycle complete",
		"job_id", job.ID.String(),
		"queued", result.Queued,
		"fetched", result.Fetched,
		"sent", result.Sent,
		"failed", result.Failed)

	if result.Done {
		if err := store.MarkJobDone(ctx, job.ID); err != nil {
			return err
		}
		logger.Info("job drained", "job_id", job.ID.String())
	}
	return nil
}
