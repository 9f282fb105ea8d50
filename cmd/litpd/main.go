// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// litpd is the livestock traceability platform daemon: it serves the
// import and cleanse APIs and runs the background pipelines they start.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"
	"github.com/juju/lumberjack/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/canonical/litp/apiserver"
	"github.com/canonical/litp/core/dataset"
	"github.com/canonical/litp/internal/cleanse"
	"github.com/canonical/litp/internal/config"
	"github.com/canonical/litp/internal/filecrypto"
	"github.com/canonical/litp/internal/ingest"
	"github.com/canonical/litp/internal/lease"
	"github.com/canonical/litp/internal/mail"
	"github.com/canonical/litp/internal/metrics"
	"github.com/canonical/litp/internal/mongo"
	"github.com/canonical/litp/internal/objectstore"
	"github.com/canonical/litp/state"
	statelease "github.com/canonical/litp/state/lease"
)

var logger = loggo.GetLogger("litp.cmd.litpd")

const shutdownTimeout = 30 * time.Second

func main() {
	flags := gnuflag.NewFlagSet("litpd", gnuflag.ExitOnError)
	configPath := flags.String("config", "/etc/litp/litpd.yaml", "path to the configuration file")
	flags.Parse(true, os.Args[1:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "litpd: %v\n", err)
		os.Exit(2)
	}
	if err := setupLogging(cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "litpd: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

func setupLogging(cfg config.LoggingConfig) error {
	if err := loggo.ConfigureLoggers(cfg.Config); err != nil {
		return errors.Annotatef(err, "configuring loggers from %q", cfg.Config)
	}
	if cfg.File == "" {
		return nil
	}
	writer := loggo.NewSimpleWriter(&lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		Compress:   true,
	}, loggo.DefaultFormatter)
	return errors.Trace(loggo.RegisterWriter("file", writer))
}

func run(cfg config.Config) error {
	ctx := context.Background()
	clk := clock.WallClock

	registry, err := dataset.NewRegistry(dataset.BuiltIn()...)
	if err != nil {
		return errors.Trace(err)
	}

	db, err := mongo.Dial(cfg.Mongo.URL, cfg.Mongo.Database)
	if err != nil {
		return errors.Trace(err)
	}
	defer db.Close()

	st := state.New(db, registry, clk)
	if err := st.EnsureIndexes(); err != nil {
		return errors.Annotate(err, "ensuring indexes")
	}

	source, err := objectstore.NewStore(ctx, cfg.Stores.Source.Binding(), clk)
	if err != nil {
		return errors.Annotate(err, "dialling source store")
	}
	target, err := objectstore.NewStore(ctx, cfg.Stores.Target.Binding(), clk)
	if err != nil {
		return errors.Annotate(err, "dialling target store")
	}
	reports, err := objectstore.NewStore(ctx, cfg.Stores.Reports.Binding(), clk)
	if err != nil {
		return errors.Annotate(err, "dialling reports store")
	}

	holder, err := os.Hostname()
	if err != nil || holder == "" {
		holder = "litpd"
	}
	holder = holder + "/" + uuid.NewString()
	locks := lease.NewManager(statelease.NewClient(st.LockCollection, clk), clk, holder, lease.DefaultDuration)

	// The source binding is read-only by construction: the acquisition
	// stage only ever sees its Reader capability.
	acquisition := ingest.NewAcquisitionStage(
		source, target, registry, st,
		filecrypto.NewPBKDF2Provider(cfg.Crypto.Pepper),
		clk,
		ingest.AcquisitionConfig{
			Workers:    cfg.Ingest.AcquisitionWorkers,
			Iterations: cfg.Crypto.Iterations,
		},
	)
	ingestion := ingest.NewIngestionStage(
		target, registry, st,
		ingest.NewUpsertEngine(st),
		ingest.NewLineageRecorder(st),
		clk,
		ingest.IngestionConfig{
			BatchSize:      cfg.Ingest.BatchSize,
			DatasetWorkers: cfg.Ingest.DatasetWorkers,
		},
	)
	imports := ingest.NewImportOrchestrator(st, locks, acquisition, ingestion, clk,
		ingest.OrchestratorConfig{WindowDays: cfg.Ingest.WindowDays})

	var sink mail.Sink = mail.LogSink{}
	if cfg.SMTP.Mail().Enabled() {
		sink = mail.NewSMTPSink(cfg.SMTP.Mail(), clk)
	}
	queries := cleanse.NewMongoQueries(st)
	analyzer := cleanse.NewAnalyzer(queries, st,
		cleanse.NewPipeline(cleanse.BuiltInRules()...), clk,
		cleanse.AnalyzerConfig{PageSize: cfg.Cleanse.PageSize})
	exporter := cleanse.NewExporter(st, reports, clk,
		cleanse.ExporterConfig{PageSize: cfg.Cleanse.ExportPageSize})
	analyses := cleanse.NewOrchestrator(st, locks, queries, analyzer, exporter, sink, clk)

	prometheus.MustRegister(metrics.NewIssueCollector(st))

	server := &http.Server{
		Addr: cfg.API.Addr,
		Handler: apiserver.NewServer(apiserver.Config{
			Imports: imports,
			Cleanse: analyses,
			Store:   st,
			Mail:    sink,
			Clock:   clk,
		}).Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("listening on %s", cfg.API.Addr)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return errors.Trace(err)
	case sig := <-sigCh:
		logger.Infof("received %s, shutting down", sig)
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return errors.Trace(server.Shutdown(shutdownCtx))
}
