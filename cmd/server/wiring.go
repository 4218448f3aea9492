package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"

	"tokenfund/internal/admin"
	"tokenfund/internal/alert"
	depositmetrics "tokenfund/internal/deposit/metrics"
	"tokenfund/internal/deposit/matcher"
	depositstore "tokenfund/internal/deposit/store"
	"tokenfund/internal/deposit/watcher"
	investorservice "tokenfund/internal/investor/service"
	investorstore "tokenfund/internal/investor/store"
	"tokenfund/internal/issuance/executor"
	"tokenfund/internal/issuance/lease"
	issuancemetrics "tokenfund/internal/issuance/metrics"
	"tokenfund/internal/issuance/rate"
	issuancestore "tokenfund/internal/issuance/store"
	jwttoken "tokenfund/internal/jwt_token"
	"tokenfund/internal/ledger"
	"tokenfund/internal/ledger/xrpl"
	"tokenfund/internal/pipeline"
	"tokenfund/internal/platform/config"
	"tokenfund/internal/platform/kafka"
	"tokenfund/internal/platform/metrics"
	"tokenfund/internal/platform/middleware"
	"tokenfund/internal/platform/postgres"
	redisclient "tokenfund/internal/platform/redis"
	purchaseservice "tokenfund/internal/purchase/service"
	purchasestore "tokenfund/internal/purchase/store"
	"tokenfund/pkg/platform/circuit"
	"tokenfund/pkg/platform/retry"
	txcontext "tokenfund/pkg/platform/tx"
)

type application struct {
	router      http.Handler
	pipeline    *pipeline.Pipeline
	persistence string
	closers     []func()
}

func (a *application) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// stores groups the persistence backends selected by configuration.
type stores struct {
	investors    investorservice.Store
	intents      purchaseservice.Store
	cursors      watcher.CursorStore
	transactions interface {
		pipeline.TransactionCache
		executor.Transactions
	}
	records  executor.Records
	txRunner txcontext.Runner
}

func memoryStores() stores {
	return stores{
		investors:    investorstore.NewInMemory(),
		intents:      purchasestore.NewInMemory(),
		cursors:      depositstore.NewInMemoryCursors(),
		transactions: depositstore.NewInMemoryTransactions(),
		records:      issuancestore.NewInMemory(),
		txRunner:     txcontext.NewMemoryRunner(),
	}
}

func postgresStores(db *sql.DB) stores {
	return stores{
		investors:    investorstore.NewPostgres(db),
		intents:      purchasestore.NewPostgres(db),
		cursors:      depositstore.NewPostgresCursors(db),
		transactions: depositstore.NewPostgresTransactions(db),
		records:      issuancestore.NewPostgres(db),
		txRunner:     txcontext.NewPostgresRunner(db),
	}
}

func build(ctx context.Context, cfg config.Config, log *slog.Logger) (*application, error) {
	app := &application{persistence: "memory"}
	fail := func(err error) (*application, error) {
		app.close()
		return nil, err
	}

	st := memoryStores()
	var db *sql.DB
	if cfg.Database.URL != "" {
		var err error
		db, err = postgres.Open(ctx, cfg.Database)
		if err != nil {
			return fail(err)
		}
		app.closers = append(app.closers, func() { _ = db.Close() })
		if cfg.Database.AutoMigrate {
			if err := postgres.Migrate(ctx, db); err != nil {
				return fail(err)
			}
		}
		st = postgresStores(db)
		app.persistence = "postgres"
	}

	var rdb *redisclient.Client
	if cfg.Redis.URL != "" {
		var err error
		rdb, err = redisclient.New(ctx, cfg.Redis)
		if err != nil {
			return fail(err)
		}
		app.closers = append(app.closers, func() { _ = rdb.Close() })
	}

	var leases lease.Lease
	switch cfg.Issuance.LeaseBackend {
	case config.LeaseBackendPostgres:
		leases = lease.NewPostgres(db)
	case config.LeaseBackendRedis:
		leases = lease.NewRedis(rdb.Client)
	default:
		leases = lease.NewMemory()
	}

	publishers := alert.Fanout{alert.NewLogPublisher(log)}
	producer, err := kafka.NewProducer(ctx, cfg.Kafka)
	if err != nil {
		return fail(err)
	}
	if producer != nil {
		app.closers = append(app.closers, producer.Close)
		if err := kafka.EnsureTopic(ctx, producer, cfg.Kafka.AlertTopic, 1, 1); err != nil {
			log.Warn("alert topic bootstrap failed", "topic", cfg.Kafka.AlertTopic, "error", err)
		}
		publishers = append(publishers, alert.NewKafkaPublisher(producer, cfg.Kafka.AlertTopic))
	}

	node, err := xrpl.New(cfg.Ledger.RPCURL,
		xrpl.WithLogger(log),
		xrpl.WithHTTPClient(&http.Client{Timeout: cfg.Ledger.QueryTimeout}),
		xrpl.WithSigner(cfg.Ledger.IssuerAddress, cfg.Ledger.IssuerSecret),
		xrpl.WithSigner(cfg.Ledger.DepositAddress, cfg.Ledger.DepositSecret),
		xrpl.WithMaxFee(cfg.Ledger.MaxFeeDrops),
		xrpl.WithLedgerWindow(cfg.Ledger.LedgerWindow),
	)
	if err != nil {
		return fail(err)
	}
	gateway := ledger.NewBreakerGateway(node, circuit.New("xrpl",
		circuit.WithFailureThreshold(cfg.Ledger.BreakerThreshold),
		circuit.WithCooldown(cfg.Ledger.BreakerCooldown),
	), log)

	reg := metrics.NewRegistry()
	depositMetrics := depositmetrics.New(reg)
	issuanceMetrics := issuancemetrics.New(reg)

	investors, err := investorservice.New(st.investors, gateway, cfg.Ledger.IssuerAddress, cfg.Ledger.TokenCurrency,
		investorservice.WithLogger(log))
	if err != nil {
		return fail(err)
	}
	intents, err := purchaseservice.New(st.intents, investors, cfg.Ledger.DepositCurrency,
		purchaseservice.WithLogger(log), purchaseservice.WithDestinationTags())
	if err != nil {
		return fail(err)
	}

	rates, err := rate.NewStatic(cfg.Issuance.Rate)
	if err != nil {
		return fail(err)
	}
	exec, err := executor.New(executor.Deps{
		Records:      st.records,
		Intents:      intents,
		Gate:         investors,
		Transactions: st.transactions,
		Gateway:      gateway,
		Lease:        leases,
		Rates:        rates,
		Alerts:       publishers,
		TxRunner:     st.txRunner,
	}, executor.Config{
		IssuerAddress:   cfg.Ledger.IssuerAddress,
		TokenCurrency:   cfg.Ledger.TokenCurrency,
		TokenPrecision:  cfg.Issuance.TokenPrecision,
		DepositAddress:  cfg.Ledger.DepositAddress,
		TreasuryAddress: cfg.Ledger.TreasuryAddress,
		TreasuryTag:     cfg.Ledger.TreasuryTag,
		SubmitRetry: retry.Policy{
			MaxAttempts:     cfg.Issuance.SubmitMaxAttempts,
			InitialInterval: cfg.Issuance.RetryInitial,
			MaxInterval:     cfg.Issuance.RetryMax,
		},
		SubmitTimeout:   cfg.Ledger.SubmitTimeout,
		ResolveTimeout:  cfg.Ledger.ResolveTimeout,
		ResolveInterval: cfg.Ledger.ResolveInterval,
		LeaseTTL:        cfg.Issuance.LeaseTTL,
	}, executor.WithLogger(log), executor.WithMetrics(issuanceMetrics),
		executor.WithTracer(otel.Tracer("tokenfund/issuance")))
	if err != nil {
		return fail(err)
	}

	m, err := matcher.New(investors, intents, publishers, matcher.Config{
		Tolerance:     cfg.Matching.Tolerance,
		DepositIssuer: cfg.Ledger.DepositIssuer,
	}, matcher.WithLogger(log), matcher.WithMetrics(depositMetrics))
	if err != nil {
		return fail(err)
	}

	w, err := watcher.New(gateway, st.cursors, watcher.Config{
		Account:      cfg.Ledger.DepositAddress,
		PollInterval: cfg.Watcher.PollInterval,
		PageLimit:    cfg.Watcher.PageLimit,
		MaxPages:     cfg.Watcher.MaxPages,
		StartLedger:  cfg.Watcher.StartLedger,
		QueryTimeout: cfg.Ledger.QueryTimeout,
		Retry: retry.Policy{
			MaxAttempts:     3,
			InitialInterval: cfg.Issuance.RetryInitial,
			MaxInterval:     cfg.Issuance.RetryMax,
		},
	}, watcher.WithLogger(log), watcher.WithMetrics(depositMetrics))
	if err != nil {
		return fail(err)
	}

	pool := pipeline.NewWorkerPool(exec, cfg.Issuance.WorkerCount, cfg.Issuance.QueueSize, issuanceMetrics, log)
	handoff := pipeline.NewHandoff(st.transactions, m, pool, log)
	scheduler := pipeline.NewScheduler(exec, investors, cfg.Schedules.Reconcile, cfg.Schedules.TrustLineSync, log)
	app.pipeline = pipeline.New(w, handoff, pool, scheduler, exec, log)

	jwtService := jwttoken.NewJWTService(cfg.Server.JWTSigningKey, cfg.Server.JWTIssuer, cfg.Server.JWTAudience)
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestTime)
	r.Use(chimiddleware.Timeout(60 * time.Second))
	r.Handle("/metrics", metrics.Handler(reg))
	r.Get("/healthz", healthz(db, rdb, producer))
	admin.New(investors, intents, exec, jwtService, log).Register(r)
	app.router = r

	return app, nil
}

// healthz reports unavailable when a configured backend cannot be reached.
func healthz(db *sql.DB, rdb *redisclient.Client, producer *kgo.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		var errs []error
		if db != nil {
			if err := db.PingContext(ctx); err != nil {
				errs = append(errs, fmt.Errorf("postgres: %w", err))
			}
		}
		if rdb != nil {
			if err := rdb.Health(ctx); err != nil {
				errs = append(errs, fmt.Errorf("redis: %w", err))
			}
		}
		if producer != nil {
			if err := producer.Ping(ctx); err != nil {
				errs = append(errs, fmt.Errorf("kafka: %w", err))
			}
		}
		if err := errors.Join(errs...); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}
}
