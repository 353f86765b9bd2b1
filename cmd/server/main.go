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

	"golang.org/x/sync/errgroup"

	"fiscalbridge/internal/gateway"
	"fiscalbridge/internal/platform/config"
	"fiscalbridge/internal/platform/httpserver"
	"fiscalbridge/internal/platform/kafka"
	"fiscalbridge/internal/platform/lock"
	"fiscalbridge/internal/platform/logger"
	"fiscalbridge/internal/platform/metrics"
	"fiscalbridge/internal/platform/postgres"
	"fiscalbridge/internal/platform/redis"
	"fiscalbridge/internal/query"
	"fiscalbridge/internal/record"
	"fiscalbridge/internal/remittance"
	httptransport "fiscalbridge/internal/transport/http"
	"fiscalbridge/internal/unit"
	"fiscalbridge/internal/validation"
	"fiscalbridge/pkg/platform/audit"
	"fiscalbridge/pkg/platform/audit/publisher"
	"fiscalbridge/pkg/platform/audit/publishers/compliance"
	auditmemory "fiscalbridge/pkg/platform/audit/store/memory"
	auditpg "fiscalbridge/pkg/platform/audit/store/postgres"
	"fiscalbridge/pkg/platform/audit/worker"
)

const (
	auditBufferSize       = 256
	auditTopicPartitions  = 3
	auditTopicReplication = 1
)

// main wires the stores, services and HTTP surface, then blocks until a
// shutdown signal arrives.
func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
}

type stores struct {
	db          *sql.DB
	units       unit.Store
	records     record.Store
	rules       validation.RuleStore
	findings    validation.FindingStore
	remittances remittance.Store
	logs        remittance.LogStore
	audit       audit.Store
	outbox      *auditpg.Store
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := buildStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	if st.db != nil {
		defer st.db.Close()
	}

	redisClient, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	var locker lock.Locker = lock.NewSharded(0)
	if redisClient != nil {
		defer redisClient.Close()
		locker = lock.NewRedis(redisClient.Client, lock.RedisOptions{Expiry: cfg.Redis.LockExpiry})
		log.Info("using redis locks")
	}

	m := metrics.New()
	auditPublisher := publisher.NewPublisher(st.audit,
		publisher.WithAsyncBuffer(auditBufferSize),
		publisher.WithLogger(log),
		publisher.WithCompliancePublisher(compliance.New(st.audit,
			compliance.WithLogger(log),
			compliance.WithMetrics(compliance.NewMetrics()),
		)),
	)
	defer auditPublisher.Close()

	checks := map[string]httptransport.HealthCheck{}
	if st.db != nil {
		checks["postgres"] = st.db.PingContext
	}
	if redisClient != nil {
		checks["redis"] = redisClient.Health
	}

	gw, err := buildGateway(cfg, log, checks)
	if err != nil {
		return err
	}

	units := unit.NewService(st.units, unit.NewSealer(cfg.Credentials.Key),
		unit.WithLogger(log),
		unit.WithAuditPublisher(auditPublisher),
	)
	records := record.NewService(st.records, units,
		record.WithLogger(log),
		record.WithAuditPublisher(auditPublisher),
	)
	validations := validation.NewService(st.rules, st.findings, records,
		validation.WithLogger(log),
		validation.WithAuditPublisher(auditPublisher),
		validation.WithLocker(locker),
		validation.WithMetrics(m),
	)
	remittanceOpts := []remittance.Option{
		remittance.WithLogger(log),
		remittance.WithAuditPublisher(auditPublisher),
		remittance.WithLocker(locker),
		remittance.WithMetrics(m),
		remittance.WithGatewayTimeout(cfg.Gateway.Timeout),
		remittance.WithAutoProcess(cfg.AutoProcess),
	}
	if st.db != nil {
		remittanceOpts = append(remittanceOpts, remittance.WithTxRunner(newRemittancePostgresTx(st.db)))
	}
	remittances := remittance.NewService(st.remittances, st.logs, records, units, validations, gw, remittanceOpts...)
	records.SetEditGuard(remittances)
	queries := query.NewService(st.remittances, st.records, st.units, query.WithLogger(log))

	handler := httptransport.New(units, records, validations, remittances, queries, log)
	srv := httpserver.New(cfg.Server.Addr, httptransport.NewRouter(handler, checks, log), cfg.Gateway.Timeout)

	g, gctx := errgroup.WithContext(ctx)

	if len(cfg.Kafka.Brokers) > 0 {
		if st.outbox == nil {
			log.Warn("kafka brokers configured without a database; audit relay disabled")
		} else {
			producer, err := kafka.NewProducer(ctx, cfg.Kafka.Brokers, cfg.Kafka.AuditTopic, log)
			if err != nil {
				return fmt.Errorf("connect kafka: %w", err)
			}
			defer producer.Close()
			if err := producer.EnsureTopic(ctx, auditTopicPartitions, auditTopicReplication); err != nil {
				return err
			}
			relay := worker.NewWorker(st.outbox, producer,
				worker.WithInterval(cfg.Kafka.RelayInterval),
				worker.WithLogger(log),
			)
			g.Go(func() error {
				if err := relay.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
			log.Info("audit outbox relay started", "topic", cfg.Kafka.AuditTopic)
		}
	}

	g.Go(func() error {
		log.Info("starting fiscalbridge", "addr", cfg.Server.Addr, "environment", cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

func buildStores(ctx context.Context, cfg config.Config, log *slog.Logger) (*stores, error) {
	if cfg.Database.URL == "" {
		if cfg.IsProduction() {
			return nil, errors.New("DATABASE_URL is required in production")
		}
		log.Warn("DATABASE_URL not set; using in-memory stores")
		return &stores{
			units:       unit.NewInMemoryStore(),
			records:     record.NewInMemoryStore(),
			rules:       validation.NewInMemoryRuleStore(),
			findings:    validation.NewInMemoryFindingStore(),
			remittances: remittance.NewInMemoryStore(),
			logs:        remittance.NewInMemoryLogStore(),
			audit:       auditmemory.NewInMemoryStore(),
		}, nil
	}

	db, err := postgres.Open(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := postgres.Migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}
	outbox := auditpg.New(db)
	return &stores{
		db:          db,
		units:       unit.NewPostgresStore(db),
		records:     record.NewPostgresStore(db),
		rules:       validation.NewPostgresRuleStore(db),
		findings:    validation.NewPostgresFindingStore(db),
		remittances: remittance.NewPostgresStore(db),
		logs:        remittance.NewPostgresLogStore(db),
		audit:       outbox,
		outbox:      outbox,
	}, nil
}

func buildGateway(cfg config.Config, log *slog.Logger, checks map[string]httptransport.HealthCheck) (remittance.Gateway, error) {
	if cfg.Gateway.URL == "" {
		if cfg.IsProduction() {
			return nil, errors.New("GATEWAY_URL is required in production")
		}
		log.Warn("GATEWAY_URL not set; using stub gateway")
		return gateway.NewStub(), nil
	}
	gw := gateway.NewHTTPGateway(gateway.HTTPConfig{
		BaseURL:            cfg.Gateway.URL,
		Timeout:            cfg.Gateway.Timeout,
		BreakerMaxFailures: cfg.Gateway.BreakerMaxFailures,
		BreakerOpenTimeout: cfg.Gateway.BreakerOpenTimeout,
		TokenIssuer:        cfg.Gateway.TokenIssuer,
	}, gateway.WithLogger(log))
	checks["gateway"] = func(context.Context) error {
		if state := gw.BreakerState(); state == "open" {
			return fmt.Errorf("circuit %s", state)
		}
		return nil
	}
	return gw, nil
}
