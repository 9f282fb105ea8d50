// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package cleanse

import (
	"archive/zip"
	"context"
	"encoding/csv"
	"fmt"

	"github.com/juju/clock"
	"github.com/juju/errors"

	corecleanse "github.com/canonical/litp/core/cleanse"
	"github.com/canonical/litp/core/objectstore"
)

// reportTimestamp is the layout embedded in report object keys.
const reportTimestamp = "20060102150405"

// ActiveIssueSource pages the active issues for export.
type ActiveIssueSource interface {
	ActiveIssues(skip, top int) ([]*corecleanse.Issue, error)
}

// ExporterConfig tunes the report exporter.
type ExporterConfig struct {
	// PageSize bounds how many issues are loaded per page while
	// streaming the report.
	PageSize int
}

func (c ExporterConfig) withDefaults() ExporterConfig {
	if c.PageSize <= 0 {
		c.PageSize = 500
	}
	return c
}

// Exporter streams the active issues of an operation into a zipped CSV in
// the report sink and hands back a presigned download URL.
type Exporter struct {
	issues ActiveIssueSource
	sink   objectstore.Store
	clock  clock.Clock
	cfg    ExporterConfig
}

// NewExporter wires up an exporter writing to the given sink.
func NewExporter(issues ActiveIssueSource, sink objectstore.Store, clk clock.Clock, cfg ExporterConfig) *Exporter {
	return &Exporter{issues: issues, sink: sink, clock: clk, cfg: cfg.withDefaults()}
}

// Export writes the report for one operation and returns its object key
// and presigned URL. A run with zero active issues still produces a report
// holding only the CSV header.
func (e *Exporter) Export(ctx context.Context, operationID string) (key, url string, err error) {
	key = fmt.Sprintf("cleanse-reports/%s/issues-%s.zip",
		operationID, e.clock.Now().UTC().Format(reportTimestamp))

	stream, err := e.sink.OpenWrite(ctx, key, objectstore.WriteOptions{
		ContentType: "application/zip",
	})
	if err != nil {
		return "", "", errors.Trace(err)
	}
	if err := e.writeReport(stream); err != nil {
		_ = stream.Abort()
		return "", "", errors.Annotatef(err, "writing report %q", key)
	}
	if err := stream.Close(); err != nil {
		return "", "", errors.Annotatef(err, "finalising report %q", key)
	}

	url, err = e.sink.Presign(key, objectstore.DefaultPresignExpiry)
	if err != nil {
		return "", "", errors.Annotatef(err, "presigning report %q", key)
	}
	return key, url, nil
}

// Presign re-signs an existing report object.
func (e *Exporter) Presign(key string) (string, error) {
	url, err := e.sink.Presign(key, objectstore.DefaultPresignExpiry)
	return url, errors.Trace(err)
}

func (e *Exporter) writeReport(stream objectstore.WriteStream) error {
	archive := zip.NewWriter(stream)
	entry, err := archive.Create("issues.csv")
	if err != nil {
		return errors.Trace(err)
	}
	writer := csv.NewWriter(entry)
	if err := writer.Write([]string{"CPH", "ErrorCode"}); err != nil {
		return errors.Trace(err)
	}
	for skip := 0; ; skip += e.cfg.PageSize {
		issues, err := e.issues.ActiveIssues(skip, e.cfg.PageSize)
		if err != nil {
			return errors.Trace(err)
		}
		for _, issue := range issues {
			if err := writer.Write([]string{issue.CPH, issue.ErrorCode}); err != nil {
				return errors.Trace(err)
			}
		}
		if len(issues) < e.cfg.PageSize {
			break
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(archive.Close())
}
