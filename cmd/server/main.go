// Package main runs the emission ledger daemon: a signed HTTP API over the ledger engine,
// persisted in LevelDB and instrumented with Prometheus and OpenTelemetry.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/emission-ledger/internal/circuitbreaker"
	"github.com/yourorg/emission-ledger/internal/config"
	"github.com/yourorg/emission-ledger/internal/ledger"
	"github.com/yourorg/emission-ledger/internal/metrics"
	"github.com/yourorg/emission-ledger/internal/otel"
	"github.com/yourorg/emission-ledger/internal/security"
	"github.com/yourorg/emission-ledger/internal/store"
	"github.com/yourorg/emission-ledger/internal/tierlock"
	"github.com/yourorg/emission-ledger/internal/token"
	"github.com/yourorg/emission-ledger/internal/types"
)

// main is the entry point for the application
func main() {
	setupLogging()

	cfg := config.Load()
	shutdownTracer := otel.InitTracer(cfg)

	server, closeFn, err := buildServer(cfg)
	if err != nil {
		shutdownTracer()
		logrus.WithError(err).Fatal("Failed to start emission ledger")
	}

	server.Start()
	closeFn()
	shutdownTracer()
}

// setupLogging configures the logging for the application
func setupLogging() {
	logFormat := strings.ToLower(os.Getenv("LOG_FORMAT"))
	logLevel := strings.ToLower(os.Getenv("LOG_LEVEL"))

	switch logFormat {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	switch logLevel {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "warn", "warning":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}

	logrus.Info("Logging configured")
}

// buildServer opens the store, restores or seeds state, and wires the engine. The returned
// function closes the store.
func buildServer(cfg config.Config) (*Server, func(), error) {
	if cfg.ParamsFile == "" {
		return nil, nil, errors.New("LEDGER_CONFIG must point at a ledger parameter file")
	}
	params, err := config.LoadParams(cfg.ParamsFile)
	if err != nil {
		return nil, nil, err
	}
	ledgerCfg, err := params.LedgerConfig()
	if err != nil {
		return nil, nil, err
	}

	st, err := openStore(cfg.DataDir)
	if err != nil {
		return nil, nil, err
	}
	closeStore := func() {
		if err := st.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close store")
		}
	}

	srv, err := wire(cfg, params, ledgerCfg, st)
	if err != nil {
		closeStore()
		return nil, nil, err
	}
	return srv, closeStore, nil
}

func openStore(dataDir string) (*store.Store, error) {
	if dataDir == "" {
		logrus.Warn("DATA_DIR not set, ledger state will not survive a restart")
		return store.OpenMemory()
	}
	return store.Open(store.DefaultConfig(dataDir))
}

// wire assembles a server over st. A non-empty store is resumed; an empty one is seeded
// from params and committed as the genesis record.
func wire(cfg config.Config, params config.Params, ledgerCfg ledger.Config, st *store.Store) (*Server, error) {
	snap, resumed, err := st.Load()
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	book := token.NewBook()
	registry := tierlock.NewRegistry()
	if resumed {
		book.Restore(snap.Tokens)
		registry.Restore(snap.TierLock)
	} else if err := params.SeedBook(book); err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.New(reg)

	breaker := circuitbreaker.New(circuitbreaker.Thresholds{
		MaxConsecutiveFailures: cfg.MaxOracleFailures,
		MaxIntervals:           cfg.MaxTierIntervals,
	}).WithResetDelay(cfg.CircuitResetDelay).WithTripCallback(collector.BreakerTripped)

	var oracle tierlock.Oracle = registry
	if cfg.OracleURL != "" {
		oracle = tierlock.NewHTTPOracle(cfg.OracleURL,
			tierlock.WithAPIKey(cfg.OracleAPIKey),
			tierlock.WithTimeout(cfg.RequestTimeout),
		)
		registry = nil
		logrus.WithField("url", cfg.OracleURL).Info("Using remote tier-lock oracle")
	}

	exporter, err := metrics.NewExporter(metrics.ExporterConfig{
		Enabled:        cfg.ExportWebhookURL != "",
		WebhookURL:     cfg.ExportWebhookURL,
		WebhookAPIKey:  cfg.ExportWebhookKey,
		BatchSize:      cfg.ExportBatchSize,
		ExportInterval: cfg.ExportInterval,
	})
	if err != nil {
		return nil, err
	}

	engine, err := ledger.New(ledgerCfg, book.Bind(ledgerCfg.Self), tierlock.NewGuarded(oracle, breaker),
		ledger.WithObserver(collector, exporter))
	if err != nil {
		return nil, err
	}
	if resumed {
		if err := engine.Restore(snap.Ledger); err != nil {
			return nil, fmt.Errorf("restore ledger: %w", err)
		}
		logrus.WithFields(logrus.Fields{
			"seq":   st.Sequence(),
			"pools": engine.PoolLength(),
		}).Info("Ledger state resumed")
	}
	for _, p := range engine.Pools() {
		collector.PoolUpdated(p)
	}

	var signer *security.Signer
	if cfg.SigningKey != "" {
		signer, err = security.SignerFromHex(cfg.SigningKey)
		if err != nil {
			return nil, err
		}
	} else {
		logrus.Warn("LEDGER_SIGNING_KEY not set, audit reports will be unsigned")
	}

	srv := NewServer(Deps{
		Config:   cfg,
		Engine:   engine,
		Book:     book,
		Registry: registry,
		Breaker:  breaker,
		Store:    st,
		Metrics:  collector,
		Gatherer: reg,
		Exporter: exporter,
		Signer:   signer,
	})
	if !resumed {
		genesis := types.NewCall(ledgerCfg.Admin, ledgerCfg.Schedule.StartBlock, time.Now().UTC())
		if _, err := srv.persist(opGenesis, genesis, nil); err != nil {
			return nil, fmt.Errorf("commit genesis: %w", err)
		}
	}
	return srv, nil
}

// shutdownContext bounds the final flush after the server stops
func shutdownContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return context.WithTimeout(context.Background(), timeout)
}
