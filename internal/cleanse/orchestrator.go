// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package cleanse

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"

	corecleanse "github.com/canonical/litp/core/cleanse"
	"github.com/canonical/litp/internal/lease"
	"github.com/canonical/litp/internal/metrics"
)

// OperationStore persists analysis operation aggregates.
type OperationStore interface {
	SaveOperation(op *corecleanse.Operation) error
	Operation(id string) (*corecleanse.Operation, error)
	SetOperationReportURL(id, url string) error
}

// Notifier announces a finished analysis. Notification failure never fails
// the operation.
type Notifier interface {
	SendReport(ctx context.Context, reportURL string, summary Summary) error
}

// Orchestrator runs cleanse analysis operations. Only one runs at a time
// platform-wide, guarded by the analysis lock; a second start attempt while
// one is running fails with lease.ErrHeld.
type Orchestrator struct {
	st       OperationStore
	locks    *lease.Manager
	queries  Queries
	analyzer *Analyzer
	exporter *Exporter
	notifier Notifier
	clock    clock.Clock
}

// NewOrchestrator wires up an orchestrator.
func NewOrchestrator(
	st OperationStore,
	locks *lease.Manager,
	queries Queries,
	analyzer *Analyzer,
	exporter *Exporter,
	notifier Notifier,
	clk clock.Clock,
) *Orchestrator {
	return &Orchestrator{
		st:       st,
		locks:    locks,
		queries:  queries,
		analyzer: analyzer,
		exporter: exporter,
		notifier: notifier,
		clock:    clk,
	}
}

// StartAnalysis claims the analysis lock, records the running operation and
// kicks off the run in the background, returning a snapshot.
func (o *Orchestrator) StartAnalysis() (*corecleanse.Operation, error) {
	token, err := o.locks.TryAcquire(lease.CleanseLock)
	if err != nil {
		return nil, errors.Trace(err)
	}
	op := &corecleanse.Operation{
		ID:                uuid.NewString(),
		Status:            corecleanse.OperationRunning,
		StartedAt:         o.clock.Now().UTC(),
		StatusDescription: "Starting analysis",
	}
	if err := o.st.SaveOperation(op); err != nil {
		token.Release()
		return nil, errors.Trace(err)
	}
	logger.Infof("cleanse analysis %s started", op.ID)

	snapshot := *op
	go o.run(op, token)
	return &snapshot, nil
}

// run drives one operation to its terminal state. Losing the lease cancels
// the context, aborting in-flight work before another holder can start.
func (o *Orchestrator) run(op *corecleanse.Operation, token *lease.Token) {
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

	// Each run gets a fresh cache; datasets mutate between operations.
	actx := NewAnalysisContext(o.queries)
	summary, err := o.analyzer.Run(ctx, actx, func(analyzed, total int) {
		op.RecordsAnalyzed = analyzed
		op.TotalRecords = total
		if total > 0 {
			op.ProgressPct = float64(analyzed) / float64(total) * 100
		}
		op.StatusDescription = fmt.Sprintf("Analyzed %d of %d holdings", analyzed, total)
		o.save(op)
	})
	op.RecordsAnalyzed = summary.RecordsAnalyzed
	op.TotalRecords = summary.TotalRecords
	op.IssuesFound = summary.IssuesFound
	op.IssuesResolved = summary.IssuesResolved
	if err != nil {
		o.finalise(op, err)
		return
	}

	op.StatusDescription = "Generating report"
	o.save(op)
	key, url, err := o.exporter.Export(ctx, op.ID)
	if err != nil {
		o.finalise(op, err)
		return
	}
	op.ReportObjectKey = key
	op.ReportURL = url

	if err := o.notifier.SendReport(ctx, url, summary); err != nil {
		logger.Warningf("analysis %s report notification failed: %v", op.ID, err)
		op.StatusDescription = "Completed; report notification failed"
	} else {
		op.StatusDescription = "Completed"
	}
	o.finalise(op, nil)
}

// finalise moves the operation to its terminal state. Terminal states are
// never re-opened; a rerun gets a new operation.
func (o *Orchestrator) finalise(op *corecleanse.Operation, runErr error) {
	now := o.clock.Now().UTC()
	op.CompletedAt = &now
	op.Duration = now.Sub(op.StartedAt)
	if runErr != nil {
		op.Status = corecleanse.OperationFailed
		op.Error = runErr.Error()
		op.StatusDescription = "Failed"
		logger.Errorf("cleanse analysis %s failed: %v", op.ID, runErr)
	} else {
		op.Status = corecleanse.OperationCompleted
		op.ProgressPct = 100
		logger.Infof("cleanse analysis %s completed: %d found, %d resolved",
			op.ID, op.IssuesFound, op.IssuesResolved)
	}
	o.save(op)
	metrics.CleanseRunsTotal.WithLabelValues(string(op.Status)).Inc()
}

func (o *Orchestrator) save(op *corecleanse.Operation) {
	if err := o.st.SaveOperation(op); err != nil {
		logger.Errorf("saving analysis operation %s: %v", op.ID, err)
	}
}

// RegenerateReportURL re-signs the report of a finished operation and
// records the fresh URL.
func (o *Orchestrator) RegenerateReportURL(id string) (string, error) {
	op, err := o.st.Operation(id)
	if err != nil {
		return "", errors.Trace(err)
	}
	if op.ReportObjectKey == "" {
		return "", errors.NotFoundf("report for operation %q", id)
	}
	url, err := o.exporter.Presign(op.ReportObjectKey)
	if err != nil {
		return "", errors.Trace(err)
	}
	if err := o.st.SetOperationReportURL(id, url); err != nil {
		return "", errors.Trace(err)
	}
	return url, nil
}
