package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/draftline-labs/draftline-go/internal/engine"
	"github.com/draftline-labs/draftline-go/internal/export"
	"github.com/draftline-labs/draftline-go/internal/generate"
	"github.com/draftline-labs/draftline-go/internal/pipelinecfg"
	"github.com/draftline-labs/draftline-go/internal/platform/auth"
	"github.com/draftline-labs/draftline-go/internal/platform/env"
	"github.com/draftline-labs/draftline-go/internal/platform/httpserver"
	"github.com/draftline-labs/draftline-go/internal/platform/objectstore"
	"github.com/draftline-labs/draftline-go/internal/platform/postgres"
	repopg "github.com/draftline-labs/draftline-go/internal/repo/postgres"
	"github.com/draftline-labs/draftline-go/internal/progress"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("ORCHESTRATOR_HTTP_ADDR", ":8080")
	shutdownTimeout, err := env.Duration("ORCHESTRATOR_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	spec := pipelinecfg.Default()
	if path := env.String("PIPELINE_SPEC_PATH", ""); path != "" {
		spec, err = pipelinecfg.LoadFile(path)
		if err != nil {
			logger.Error("invalid pipeline spec", "path", path, "error", err)
			os.Exit(2)
		}
	}

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid objectstore config", "error", err)
		os.Exit(2)
	}
	store, err := objectstore.NewMinIOClient(storeCfg)
	if err != nil {
		logger.Error("objectstore unavailable", "error", err)
		os.Exit(1)
	}
	if err := objectstore.EnsureExportBucket(ctx, store, storeCfg); err != nil {
		logger.Warn("export bucket not ready", "bucket", storeCfg.BucketExports, "error", err)
	}

	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid auth config", "error", err)
		os.Exit(2)
	}
	var authenticator auth.Authenticator
	switch authCfg.Mode {
	case auth.ModeDev:
		authenticator = auth.NewDevAuthenticator(authCfg)
	case auth.ModeOIDC:
		authenticator, err = auth.NewOIDCAuthenticator(ctx, authCfg)
		if err != nil {
			logger.Error("oidc init failed", "error", err)
			os.Exit(1)
		}
	case auth.ModeDisabled:
		authenticator = nil
	default:
		logger.Error("unsupported auth mode", "mode", string(authCfg.Mode))
		os.Exit(2)
	}

	projects := repopg.NewProjectStore(db)
	runs := repopg.NewRunStore(db)
	artifacts := repopg.NewArtifactStore(db)
	approvals := repopg.NewApprovalStore(db)
	events := repopg.NewProgressEventStore(db)

	bus := progress.NewBus(events, logger)
	driver := engine.NewDriver(logger, projects, runs, artifacts, approvals,
		generate.NewTemplateGenerator(), bus, spec)
	exporter := export.NewExporter(store, storeCfg.BucketExports, projects, runs, artifacts)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("orchestrator"))
	mux.HandleFunc(
		"/readyz",
		httpserver.ReadyzWithChecks(
			"orchestrator",
			httpserver.ReadinessCheck{
				Name: "postgres",
				Check: func(ctx context.Context) error {
					pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
					defer cancel()
					return db.PingContext(pingCtx)
				},
			},
			httpserver.ReadinessCheck{
				Name: "objectstore",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
					defer cancel()
					return objectstore.CheckExportBucket(checkCtx, store, storeCfg)
				},
			},
		),
	)

	api := newOrchestratorAPI(logger, db, driver, bus, exporter, projects, runs, artifacts, approvals)
	api.register(mux)

	protected := auth.Middleware{
		Logger:        logger,
		Authenticator: authenticator,
		SkipPrefixes:  []string{"/healthz", "/readyz"},
	}.Wrap(mux)

	handler := httpserver.Wrap(logger, "orchestrator", protected)
	if err := httpserver.Run(ctx, logger, httpserver.Config{
		Service:         "orchestrator",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}, handler); err != nil && err != http.ErrServerClosed {
		logger.Error("http server failed", "error", err)
		os.Exit(1)
	}
}
