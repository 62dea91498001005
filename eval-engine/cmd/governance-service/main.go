package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"github.com/ILLUVRSE/agent-governance/eval-engine/internal/auth"
	"github.com/ILLUVRSE/agent-governance/eval-engine/internal/config"
	"github.com/ILLUVRSE/agent-governance/eval-engine/internal/httpserver"
	"github.com/ILLUVRSE/agent-governance/eval-engine/internal/lifecycle"
	"github.com/ILLUVRSE/agent-governance/eval-engine/internal/policy"
	"github.com/ILLUVRSE/agent-governance/eval-engine/internal/store"
	"github.com/ILLUVRSE/agent-governance/eval-engine/internal/stream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := lifecycle.Options{
		Trend:      policy.NewTrendGate(cfg.Trend),
		Regression: policy.NewRegressionDetector(cfg.Regression),
		Demotion:   policy.NewDemotionPolicy(cfg.Demotion),
	}

	var streamer *stream.Streamer
	switch cfg.Store {
	case config.StorePostgres:
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer db.Close()
		db.SetMaxOpenConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			log.Fatalf("ping db: %v", err)
		}
		st := store.NewPGStore(db)
		opts.Store = st
		opts.Locker = store.NewPGAdvisoryLocker(db)
		if cfg.Stream.Enabled() {
			streamer, err = buildStreamer(ctx, st, cfg.Stream)
			if err != nil {
				log.Fatalf("event streaming: %v", err)
			}
		}
	default:
		log.Printf("using in-memory store; state is lost on restart")
		opts.Store = store.NewMemoryStore()
	}

	ctrl := lifecycle.NewController(opts)
	verifier := auth.NewVerifier(auth.Config{
		Secret:         []byte(cfg.Auth.JWTSecret),
		Issuer:         cfg.Auth.Issuer,
		RequiredScope:  cfg.Auth.RequiredScope,
		AllowDevHeader: cfg.Auth.AllowDevHeader,
	})
	if !verifier.Enabled() {
		log.Printf("GOVERNANCE_JWT_SECRET unset; approval resolution is unauthenticated")
	}

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: httpserver.New(ctrl, verifier).Router(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("Agent governance service listening on %s (store=%s)", cfg.Addr, cfg.Store)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if streamer != nil {
		g.Go(func() error {
			if err := streamer.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return shutdown(httpServer)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func buildStreamer(ctx context.Context, st *store.PGStore, cfg config.StreamConfig) (*stream.Streamer, error) {
	var publisher stream.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		p, err := stream.NewKafkaPublisher(stream.KafkaConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic})
		if err != nil {
			return nil, err
		}
		publisher = p
	}
	var archiver stream.Archiver
	if cfg.S3Bucket != "" {
		a, err := stream.NewS3Archiver(ctx, cfg.S3Bucket, cfg.S3Prefix, cfg.S3Endpoint)
		if err != nil {
			return nil, err
		}
		archiver = a
	}
	return stream.NewStreamer(st, publisher, archiver, stream.Config{
		BatchSize:      cfg.BatchSize,
		PollInterval:   cfg.PollInterval,
		MaxConcurrency: cfg.MaxConcurrency,
	}), nil
}

func shutdown(srv *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		return err
	}
	return nil
}
