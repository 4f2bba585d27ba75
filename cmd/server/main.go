package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"airlift/internal/auth"
	"airlift/internal/blob"
	"airlift/internal/config"
	"airlift/internal/db"
	"airlift/internal/download"
	"airlift/internal/httpapi"
	"airlift/internal/inject"
	"airlift/internal/janitor"
	"airlift/internal/service"
	"airlift/internal/store"
)

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		log.Fatalf("load .env: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}
	defer pool.Close()

	st := store.New(pool)
	if err := st.Migrate(ctx); err != nil {
		log.Fatalf("migrate schema: %v", err)
	}

	blobs, err := newBlobStore(ctx, cfg)
	if err != nil {
		log.Fatalf("init blob store: %v", err)
	}

	engine := download.NewEngine(blobs, logger)
	injector := inject.NewInjector(blobs, logger)
	mgr := service.NewManager(st, blobs, engine, injector, logger, service.Defaults{
		AutoCleanupDays:  cfg.AutoCleanupDays,
		AutoCleanupMaxMB: cfg.AutoCleanupMaxMB,
	})
	if err := mgr.RecoverInterrupted(ctx); err != nil {
		log.Fatalf("recover interrupted tasks: %v", err)
	}

	jan := janitor.New(st, blobs, mgr, mgr, logger)
	go janitor.NewWorker(jan, logger).Run(ctx)

	pow, err := auth.NewPowGate(cfg.PowDifficulty)
	if err != nil {
		log.Fatalf("init pow gate: %v", err)
	}

	api := httpapi.New(cfg, mgr, pow, blobs, logger)
	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      api.NewEcho(),
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr, "commit", cfg.BuildCommit)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("serve: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "err", err)
	}
	mgr.Shutdown()
}

func newBlobStore(ctx context.Context, cfg config.Config) (blob.Store, error) {
	opts := []func(*awscfg.LoadOptions) error{
		awscfg.WithRegion(cfg.S3Region),
	}
	if cfg.S3AccessKeyID != "" {
		opts = append(opts, awscfg.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKeyID, cfg.S3SecretKey, ""),
		))
	}
	awsCfg, err := awscfg.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = &cfg.S3Endpoint
			o.UsePathStyle = true
		}
	})
	return blob.NewS3Store(blob.S3Options{
		Client: client,
		Bucket: cfg.S3Bucket,
		Prefix: cfg.S3Prefix,
	}), nil
}
