// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package ingest

import (
	"context"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/canonical/litp/core/ingest"
	"github.com/canonical/litp/internal/lease"
	"github.com/canonical/litp/internal/metrics"
)

// ImportStore persists import report aggregates.
type ImportStore interface {
	SaveImportReport(r *ingest.ImportReport) error
}

// OrchestratorConfig tunes the import orchestrator.
type OrchestratorConfig struct {
	// WindowDays is how far back the ingestion phase looks for files,
	// counted in UTC calendar days including today.
	WindowDays int
}

func (c OrchestratorConfig) withDefaults() OrchestratorConfig {
	if c.WindowDays <= 0 {
		c.WindowDays = 7
	}
	return c
}

// ImportOrchestrator runs end-to-end imports. Only one import runs at a
// time platform-wide, guarded by the import lock; a second start attempt
// while one is running fails with lease.ErrHeld.
type ImportOrchestrator struct {
	st          ImportStore
	locks       *lease.Manager
	acquisition *AcquisitionStage
	ingestion   *IngestionStage
	clock       clock.Clock
	cfg         OrchestratorConfig
}

// NewImportOrchestrator wires up an orchestrator.
func NewImportOrchestrator(
	st ImportStore,
	locks *lease.Manager,
	acquisition *AcquisitionStage,
	ingestion *IngestionStage,
	clk clock.Clock,
	cfg OrchestratorConfig,
) *ImportOrchestrator {
	return &ImportOrchestrator{
		st:          st,
		locks:       locks,
		acquisition: acquisition,
		ingestion:   ingestion,
		clock:       clk,
		cfg:         cfg.withDefaults(),
	}
}

// StartImport claims the import lock, records the started report and kicks
// off the pipeline in the background, returning a snapshot of the report.
// External imports acquire then ingest; internal imports ingest the target
// store directly.
func (o *ImportOrchestrator) StartImport(source ingest.SourceType) (*ingest.ImportReport, error) {
	token, err := o.locks.TryAcquire(lease.ImportLock)
	if err != nil {
		return nil, errors.Trace(err)
	}
	report := ingest.NewImportReport(uuid.NewString(), source, o.clock.Now().UTC())
	if err := o.st.SaveImportReport(report); err != nil {
		token.Release()
		return nil, errors.Trace(err)
	}
	logger.Infof("import %s started from %s source", report.ID, source)

	snapshot := *report
	go o.run(report, token)
	return &snapshot, nil
}

// run drives one import to completion. Losing the lease cancels the
// context, aborting in-flight work before another holder can start.
func (o *ImportOrchestrator) run(report *ingest.ImportReport, token *lease.Token) {
	defer token.Release()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-token.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	var runErr error
	if report.SourceType == ingest.SourceExternal {
		runErr = o.runPhase(ctx, &report.Acquisition, report, func() error {
			return o.acquisition.Run(ctx, report.ID, &report.Acquisition)
		})
	}
	if runErr == nil && report.Acquisition.Status != ingest.PhaseFailed {
		runErr = o.runPhase(ctx, &report.Ingestion, report, func() error {
			rng := LastN(o.clock, o.cfg.WindowDays)
			return o.ingestion.Run(ctx, report.ID, &report.Ingestion, rng)
		})
	}

	report.Complete(o.clock.Now().UTC(), runErr)
	if err := o.st.SaveImportReport(report); err != nil {
		logger.Errorf("saving final report for import %s: %v", report.ID, err)
	}
	metrics.ImportsTotal.WithLabelValues(string(report.Status)).Inc()
	metrics.ImportRecordsTotal.WithLabelValues("created").Add(float64(report.Ingestion.RecordsCreated))
	metrics.ImportRecordsTotal.WithLabelValues("updated").Add(float64(report.Ingestion.RecordsUpdated))
	metrics.ImportRecordsTotal.WithLabelValues("deleted").Add(float64(report.Ingestion.RecordsDeleted))
	if runErr != nil {
		logger.Errorf("import %s failed: %v", report.ID, runErr)
	} else {
		logger.Infof("import %s %s", report.ID, report.Status)
	}
}

// runPhase brackets one phase with its lifecycle transitions and persists
// the aggregate at each transition so progress is observable mid-import.
func (o *ImportOrchestrator) runPhase(ctx context.Context, phase *ingest.PhaseReport, report *ingest.ImportReport, fn func() error) error {
	phase.Start(o.clock.Now().UTC())
	if err := o.st.SaveImportReport(report); err != nil {
		logger.Errorf("saving report for import %s: %v", report.ID, err)
	}
	err := fn()
	now := o.clock.Now().UTC()
	if err != nil {
		phase.Fail(now)
	} else {
		phase.Complete(now)
	}
	if saveErr := o.st.SaveImportReport(report); saveErr != nil {
		logger.Errorf("saving report for import %s: %v", report.ID, saveErr)
	}
	if err != nil {
		return errors.Trace(err)
	}
	if ctx.Err() != nil {
		return errors.Trace(ctx.Err())
	}
	return nil
}
