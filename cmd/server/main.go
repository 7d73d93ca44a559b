package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"certmint/internal/issuance/adapters/mintclient"
	"certmint/internal/issuance/adapters/outcomes"
	"certmint/internal/issuance/adapters/signer"
	"certmint/internal/issuance/coordinator"
	"certmint/internal/issuance/handler"
	issuancemetrics "certmint/internal/issuance/metrics"
	"certmint/internal/issuance/ports"
	"certmint/internal/issuance/service"
	"certmint/internal/issuance/store"
	"certmint/internal/platform/config"
	"certmint/internal/platform/httpserver"
	"certmint/internal/platform/logger"
	platformmetrics "certmint/internal/platform/metrics"
	platformredis "certmint/internal/platform/redis"
	httptransport "certmint/internal/transport/http"
	"certmint/pkg/platform/audit/publisher"
	auditmemory "certmint/pkg/platform/audit/store/memory"
	auditpostgres "certmint/pkg/platform/audit/store/postgres"
	"certmint/pkg/platform/circuit"
)

const auditBufferSize = 1024

// main wires high-level dependencies, exposes the HTTP router, and keeps the
// server lifecycle small. Business logic lives in internal services packages.
func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Log)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
}

// closer releases a resource during shutdown.
type closer func()

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	issuanceMetrics := issuancemetrics.New(reg)
	httpMetrics := platformmetrics.New(reg)

	backend, err := buildStores(ctx, cfg, log, reg)
	if err != nil {
		return err
	}
	defer backend.close()

	auditPublisher := publisher.NewPublisher(backend.audit,
		publisher.WithAsyncBuffer(auditBufferSize),
		publisher.WithLogger(log),
	)
	defer auditPublisher.Close()

	outcomePublisher, closeOutcomes, err := buildOutcomePublisher(cfg, log)
	if err != nil {
		return err
	}
	defer closeOutcomes()

	mint, err := mintclient.New(cfg.Mint.URL, cfg.Mint.Timeout,
		mintclient.WithAPIKey(cfg.Mint.APIKey),
		mintclient.WithBreaker(circuit.New("mint-service",
			circuit.WithFailureThreshold(cfg.Mint.FailureThreshold),
			circuit.WithOpenTimeout(cfg.Mint.OpenTimeout),
		)),
		mintclient.WithLogger(log),
		mintclient.WithMetrics(issuanceMetrics),
	)
	if err != nil {
		return err
	}

	var (
		capability ports.Signer
		approval   *signer.Approval
	)
	switch cfg.Signer.Mode {
	case config.SignerModeKeypair:
		kp, err := signer.NewKeypair(cfg.Signer.Keypair, signer.WithKeypairLogger(log))
		if err != nil {
			return fmt.Errorf("load signer keypair: %w", err)
		}
		log.Info("signing with server keypair", "public_key", kp.PublicKey())
		capability = kp
	default:
		approval = signer.NewApproval(
			signer.WithSigningTimeout(cfg.Signer.Timeout),
			signer.WithApprovalLogger(log),
			signer.WithApprovalMetrics(issuanceMetrics),
		)
		capability = approval
	}

	coord, err := coordinator.New(mint, capability,
		coordinator.WithLogger(log),
		coordinator.WithMetrics(issuanceMetrics),
		coordinator.WithConfirmTimeout(cfg.Issuance.ConfirmTimeout),
		coordinator.WithConstructRetry(cfg.Issuance.ConstructMaxAttempts, cfg.Issuance.ConstructBackoff),
	)
	if err != nil {
		return err
	}

	svc, err := service.New(coord, backend.attempts,
		service.WithLogger(log),
		service.WithMetrics(issuanceMetrics),
		service.WithAuditPublisher(auditPublisher),
		service.WithOutcomePublisher(outcomePublisher),
	)
	if err != nil {
		return err
	}

	handlerOpts := []handler.Option{
		handler.WithMaxImageBytes(cfg.Server.MaxImageBytes),
		handler.WithAuditTrail(auditPublisher),
	}
	if approval != nil {
		handlerOpts = append(handlerOpts, handler.WithSigningRequests(approval))
	}
	router := httptransport.NewRouter(httptransport.Deps{
		Issuance:     handler.New(svc, log, handlerOpts...),
		AdminToken:   cfg.Server.AdminToken,
		Logger:       log,
		Metrics:      httpMetrics,
		Gatherer:     reg,
		HealthChecks: map[string]httptransport.HealthCheck{"attempt_store": backend.health},
	})
	srv := httpserver.New(cfg.Server.Addr, router, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting certmint", "addr", cfg.Server.Addr, "signer_mode", cfg.Signer.Mode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Stop taking requests first so no attempt starts after the service
		// begins cancelling.
		httpErr := srv.Shutdown(shutdownCtx)
		if err := svc.Shutdown(shutdownCtx); err != nil {
			log.Warn("attempts still running at shutdown", "error", err)
		}
		return httpErr
	})
	return g.Wait()
}

// stores groups the persistence chosen from configuration.
type stores struct {
	attempts ports.AttemptStore
	audit    publisher.Store
	health   httptransport.HealthCheck
	close    closer
}

// buildStores prefers Redis for attempts, then Postgres, then memory. The
// audit trail is durable only when Postgres is configured.
func buildStores(ctx context.Context, cfg config.Config, log *slog.Logger, reg prometheus.Registerer) (*stores, error) {
	out := &stores{
		audit:  auditmemory.New(),
		health: func(context.Context) error { return nil },
	}

	var closers []closer
	out.close = func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.Database.URL != "" {
		db, err := sql.Open("pgx", cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		closers = append(closers, func() { _ = db.Close() })
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)

		auditStore := auditpostgres.New(db)
		if err := auditStore.Migrate(ctx); err != nil {
			out.close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}
		out.audit = auditStore

		pg := store.NewPostgres(db)
		if err := pg.Migrate(ctx); err != nil {
			out.close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}
		out.attempts, out.health = pg, pg.Ping
		log.Info("using postgres audit store")
	}

	if cfg.Redis.URL != "" {
		client, err := platformredis.New(ctx, cfg.Redis)
		if err != nil {
			out.close()
			return nil, err
		}
		closers = append(closers, func() { _ = client.Close() })
		client.RegisterPoolMetrics(reg)
		out.attempts, out.health = store.NewRedis(client.Client), client.Health
	}

	switch out.attempts.(type) {
	case *store.RedisStore:
		log.Info("using redis attempt store")
	case *store.PostgresStore:
		log.Info("using postgres attempt store")
	default:
		log.Warn("no REDIS_URL or DATABASE_URL set; attempts are kept in memory and lost on restart")
		out.attempts = store.NewInMemory()
	}
	return out, nil
}

func buildOutcomePublisher(cfg config.Config, log *slog.Logger) (ports.OutcomePublisher, closer, error) {
	if len(cfg.Kafka.Brokers) == 0 {
		return outcomes.NewLogPublisher(log), func() {}, nil
	}
	kp, err := outcomes.NewKafkaPublisher(cfg.Kafka.Brokers,
		outcomes.WithTopic(cfg.Kafka.Topic),
		outcomes.WithKafkaLogger(log),
	)
	if err != nil {
		return nil, nil, err
	}
	log.Info("publishing outcomes to kafka", "topic", cfg.Kafka.Topic)
	return kp, kp.Close, nil
}
