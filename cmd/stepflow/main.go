// stepflow validates workflow definitions and runs the process engine as a
// daemon.
//
//	stepflow -workflows ./workflows                 validate definitions
//	stepflow -workflows ./workflows -serve          run the engine
//	stepflow -store postgres -dsn ... -init-schema  create the tables
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fluxorio/stepflow/pkg/definition"
	"github.com/fluxorio/stepflow/pkg/events"
	"github.com/fluxorio/stepflow/pkg/metrics"
	"github.com/fluxorio/stepflow/pkg/process"
	"github.com/fluxorio/stepflow/pkg/store"
	"github.com/fluxorio/stepflow/pkg/telemetry"
)

const version = "0.1.0"

func main() {
	var (
		configPath   = flag.String("config", "", "engine config file (yaml)")
		workflowsDir = flag.String("workflows", "", "directory of workflow definition files")
		storeKind    = flag.String("store", "memory", "state store: memory, sqlite, postgres, pgx")
		dsn          = flag.String("dsn", "", "database DSN for sqlite/postgres/pgx stores")
		natsURL      = flag.String("nats", "", "NATS URL for transition and action events")
		metricsAddr  = flag.String("metrics-addr", "", "address for the Prometheus /metrics endpoint")
		traceExp     = flag.String("trace-exporter", "", "trace exporter: stdout, jaeger, zipkin")
		traceEP      = flag.String("trace-endpoint", "", "trace collector endpoint")
		initSchema   = flag.Bool("init-schema", false, "create database tables and exit")
		serve        = flag.Bool("serve", false, "run the engine until interrupted")
	)
	flag.Parse()

	logger := process.NewDefaultLogger()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := process.Config{}
	if *configPath != "" {
		loaded, err := process.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
	}

	st, cleanup, err := openStore(ctx, *storeKind, *dsn, *initSchema)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer cleanup()
	if *initSchema {
		logger.Infof("schema ready (store=%s)", *storeKind)
		return
	}

	catalog := definition.NewCatalog()
	if *workflowsDir != "" {
		n, err := loadWorkflows(catalog, *workflowsDir)
		if err != nil {
			log.Fatalf("Failed to load workflows: %v", err)
		}
		logger.Infof("loaded %d workflow definitions from %s", n, *workflowsDir)
	}
	if !*serve {
		return
	}

	if *traceExp != "" {
		shutdown, err := telemetry.Init(ctx, telemetry.Config{
			Enabled:  true,
			Exporter: *traceExp,
			Endpoint: *traceEP,
		}, "stepflow", version)
		if err != nil {
			log.Fatalf("Failed to init tracing: %v", err)
		}
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			if err := shutdown(sctx); err != nil {
				logger.Warnf("trace shutdown: %v", err)
			}
		}()
	}

	mcfg := process.ManagerConfig{
		Steps:      catalog,
		Workflows:  catalog,
		Store:      st,
		Conditions: process.NewFuncEvaluator(catalog),
		Logger:     logger,
		Metrics:    metrics.Get(),
		Config:     cfg,
	}

	var pub *events.Publisher
	if *natsURL != "" {
		pub, err = events.Connect(events.Config{URL: *natsURL, Name: "stepflow", Logger: logger})
		if err != nil {
			log.Fatalf("Failed to connect to NATS: %v", err)
		}
		defer pub.Close()
		mcfg.Actions = pub
	}

	mgr, err := process.NewManager(mcfg)
	if err != nil {
		log.Fatalf("Failed to create manager: %v", err)
	}
	defer mgr.Close()
	if pub != nil {
		mgr.AddTransitionListener(pub.Listener())
	}

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(metrics.DefaultRegistry, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Errorf("metrics server: %v", err)
			}
		}()
		defer func() { _ = srv.Shutdown(context.Background()) }()
		logger.Infof("metrics on %s/metrics", *metricsAddr)
	}

	logger.Infof("stepflow %s running (store=%s)", version, *storeKind)
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Infof("shutting down")
}

func openStore(ctx context.Context, kind, dsn string, initSchema bool) (process.Store, func(), error) {
	switch kind {
	case "memory":
		return process.NewMemoryStore(), func() {}, nil
	case "sqlite", "postgres":
		driver, dialect := "sqlite3", store.DialectSQLite
		if kind == "postgres" {
			driver, dialect = "postgres", store.DialectPostgres
		}
		if dsn == "" {
			return nil, nil, fmt.Errorf("-dsn is required for the %s store", kind)
		}
		db, err := sql.Open(driver, dsn)
		if err != nil {
			return nil, nil, err
		}
		s, err := store.NewSQLStore(db, dialect)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		if initSchema {
			if err := s.InitSchema(ctx); err != nil {
				db.Close()
				return nil, nil, err
			}
		}
		return s, func() { db.Close() }, nil
	case "pgx":
		if dsn == "" {
			return nil, nil, fmt.Errorf("-dsn is required for the pgx store")
		}
		s, err := store.Connect(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		if initSchema {
			if err := s.InitSchema(ctx); err != nil {
				s.Close()
				return nil, nil, err
			}
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store %q", kind)
	}
}

func loadWorkflows(catalog *definition.Catalog, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".yaml", ".yml", ".json":
		default:
			continue
		}
		g, err := definition.Load(filepath.Join(dir, e.Name()))
		if err != nil {
			return n, fmt.Errorf("%s: %w", e.Name(), err)
		}
		if err := catalog.Register(g); err != nil {
			return n, fmt.Errorf("%s: %w", e.Name(), err)
		}
		n++
	}
	return n, nil
}
