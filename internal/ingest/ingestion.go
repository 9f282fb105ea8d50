// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package ingest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"golang.org/x/sync/errgroup"

	"github.com/canonical/litp/core/dataset"
	"github.com/canonical/litp/core/ingest"
	"github.com/canonical/litp/core/objectstore"
)

// IngestionConfig tunes the ingestion stage.
type IngestionConfig struct {
	// BatchSize bounds the rows applied per bulk write.
	BatchSize int

	// DatasetWorkers bounds the number of datasets ingested concurrently.
	// Files within a dataset are always sequential, newest publication
	// first; the change-type transitions keep the final record state
	// independent of cross-file order.
	DatasetWorkers int
}

func (c IngestionConfig) withDefaults() IngestionConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 1000
	}
	if c.DatasetWorkers <= 0 {
		c.DatasetWorkers = 4
	}
	return c
}

// IngestionStage parses acquired CSV snapshots into dataset collections,
// applying change-type semantics and recording per-record lineage.
type IngestionStage struct {
	target   objectstore.Reader
	registry *dataset.Registry
	reports  FileReportStore
	engine   *UpsertEngine
	recorder *LineageRecorder
	clock    clock.Clock
	cfg      IngestionConfig
}

// NewIngestionStage wires up an ingestion stage.
func NewIngestionStage(
	target objectstore.Reader,
	registry *dataset.Registry,
	reports FileReportStore,
	engine *UpsertEngine,
	recorder *LineageRecorder,
	clk clock.Clock,
	cfg IngestionConfig,
) *IngestionStage {
	return &IngestionStage{
		target:   target,
		registry: registry,
		reports:  reports,
		engine:   engine,
		recorder: recorder,
		clock:    clk,
		cfg:      cfg.withDefaults(),
	}
}

// Run executes the ingestion phase for one import over the files whose
// publication timestamp falls inside the range. Datasets run in parallel;
// a failed file does not stop the dataset's remaining files.
func (s *IngestionStage) Run(ctx context.Context, importID string, phase *ingest.PhaseReport, rng DateRange) error {
	catalogue := NewCatalogue(s.target, s.registry)
	matched, err := catalogue.Resolve(ctx, rng)
	if err != nil {
		return errors.Annotate(err, "resolving ingestion catalogue")
	}

	var mu sync.Mutex
	for _, refs := range matched {
		phase.FilesDiscovered += len(refs)
	}

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(s.cfg.DatasetWorkers)
	for name, refs := range matched {
		def, err := s.registry.Definition(name)
		if err != nil {
			continue
		}
		refs := s.newestFirst(refs)
		group.Go(func() error {
			for _, ref := range refs {
				status, detail, err := s.processFile(ctx, importID, def, ref)
				mu.Lock()
				switch {
				case err != nil:
					phase.FilesFailed++
				case status == ingest.FileSkipped:
					phase.FilesSkipped++
					phase.FilesProcessed++
				default:
					phase.FilesProcessed++
				}
				if detail != nil {
					phase.RecordsCreated += detail.RecordsCreated
					phase.RecordsUpdated += detail.RecordsUpdated
					phase.RecordsDeleted += detail.RecordsDeleted
				}
				mu.Unlock()
				if err != nil && errors.Is(err, context.Canceled) {
					return errors.Trace(err)
				}
			}
			return nil
		})
	}
	return errors.Trace(group.Wait())
}

// newestFirst orders a dataset's files by publication timestamp, most
// recent first. The catalogue orders by last-modified, which can drift
// from the timestamp embedded in the file name.
func (s *IngestionStage) newestFirst(refs []objectstore.ObjectRef) []objectstore.ObjectRef {
	ordered := append([]objectstore.ObjectRef(nil), refs...)
	sort.Slice(ordered, func(i, j int) bool {
		_, ti, _ := s.registry.Match(ordered[i].Key)
		_, tj, _ := s.registry.Match(ordered[j].Key)
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return ordered[i].Key < ordered[j].Key
	})
	return ordered
}

// processFile ingests one file, recording its report whatever the outcome.
func (s *IngestionStage) processFile(ctx context.Context, importID string, def dataset.Definition, ref objectstore.ObjectRef) (ingest.FileStatus, *ingest.IngestionDetail, error) {
	ingested, err := s.reports.IngestedBefore(ref.Key, ref.ETag)
	if err != nil {
		return "", nil, errors.Trace(err)
	}
	report := s.baseReport(importID, def, ref)
	if ingested {
		report.Status = ingest.FileSkipped
		if err := s.reports.SaveFileReport(report); err != nil {
			return "", nil, errors.Trace(err)
		}
		return ingest.FileSkipped, nil, nil
	}

	detail, err := s.ingestFile(ctx, importID, def, ref)
	if err != nil {
		logger.Errorf("ingesting %q: %v", ref.Key, err)
		report.Status = ingest.FileFailed
		report.Error = err.Error()
		if saveErr := s.reports.SaveFileReport(report); saveErr != nil {
			return "", nil, errors.Trace(saveErr)
		}
		return ingest.FileFailed, nil, errors.Trace(err)
	}
	report.Status = ingest.FileIngested
	report.Ingestion = detail
	if err := s.reports.SaveFileReport(report); err != nil {
		return "", nil, errors.Trace(err)
	}
	return ingest.FileIngested, detail, nil
}

// baseReport extends this import's acquisition report for the file when
// one exists, so the ingestion outcome lands on the same document.
// Internal imports have no acquisition report and start fresh.
func (s *IngestionStage) baseReport(importID string, def dataset.Definition, ref objectstore.ObjectRef) *ingest.FileProcessingReport {
	if existing, err := s.reports.FileReport(importID, ref.Key); err == nil {
		existing.ETag = ref.ETag
		existing.FileSize = ref.Size
		existing.Error = ""
		return existing
	}
	return &ingest.FileProcessingReport{
		ImportID:    importID,
		FileName:    baseName(ref.Key),
		FileKey:     ref.Key,
		DatasetName: def.Name,
		ETag:        ref.ETag,
		FileSize:    ref.Size,
	}
}

// ingestFile streams one CSV snapshot through the upsert engine in batches.
func (s *IngestionStage) ingestFile(ctx context.Context, importID string, def dataset.Definition, ref objectstore.ObjectRef) (*ingest.IngestionDetail, error) {
	started := s.clock.Now()
	src, err := s.target.OpenRead(ctx, ref.Key)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer func() { _ = src.Close() }()

	buffered := bufio.NewReader(src)
	reader := csv.NewReader(buffered)
	reader.Comma = detectDelimiter(buffered, def.Delimiter)

	header, err := reader.Read()
	if err != nil {
		return nil, errors.Annotatef(err, "reading header of %q", ref.Key)
	}
	columns, keyIndexes, changeIndex, err := mapHeader(header, def)
	if err != nil {
		return nil, errors.Trace(err)
	}

	accumulators := set.NewStrings(def.AccumulatorColumns...)
	var counts Counts
	processed := 0
	batch := make([]Row, 0, s.cfg.BatchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		now := s.clock.Now().UTC()
		batchCounts, outcomes, err := s.engine.Apply(def.Name, batch, accumulators, now)
		if err != nil {
			return errors.Trace(err)
		}
		counts.add(batchCounts)
		if err := s.recorder.Record(def.Name, importID, ref.Key, outcomes, now); err != nil {
			return errors.Trace(err)
		}
		batch = batch[:0]
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, errors.Trace(err)
		}
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Annotatef(err, "parsing %q", ref.Key)
		}
		row, err := buildRow(record, columns, keyIndexes, changeIndex)
		if err != nil {
			return nil, errors.Annotatef(err, "row %d of %q", processed+2, ref.Key)
		}
		processed++
		batch = append(batch, row)
		if len(batch) >= s.cfg.BatchSize {
			if err := flush(); err != nil {
				return nil, errors.Trace(err)
			}
		}
	}
	if err := flush(); err != nil {
		return nil, errors.Trace(err)
	}

	return &ingest.IngestionDetail{
		RecordsProcessed: processed,
		RecordsCreated:   counts.Created,
		// An undelete replaces the record's columns the same way an
		// update does, so it reports as one.
		RecordsUpdated:    counts.Updated + counts.Undeleted,
		RecordsDeleted:    counts.Deleted,
		IngestionDuration: s.clock.Now().Sub(started),
		IngestedAt:        s.clock.Now().UTC(),
	}, nil
}

// detectDelimiter sniffs the header line for the column separator when the
// dataset does not pin one. Pipe-separated snapshots appear in some feeds;
// everything else is comma-separated.
func detectDelimiter(r *bufio.Reader, pinned rune) rune {
	if pinned != 0 {
		return pinned
	}
	peeked, _ := r.Peek(4096)
	if i := bytes.IndexByte(peeked, '\n'); i >= 0 {
		peeked = peeked[:i]
	}
	if bytes.ContainsRune(peeked, '|') && !bytes.ContainsRune(peeked, ',') {
		return '|'
	}
	return ','
}

// mapHeader resolves the dataset's key and change-type columns against the
// file's header. A missing primary key column is a permanent failure.
func mapHeader(header []string, def dataset.Definition) (columns []string, keyIndexes []int, changeIndex int, err error) {
	columns = make([]string, len(header))
	index := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.TrimSpace(name)
		columns[i] = name
		index[name] = i
	}
	for _, key := range def.PrimaryKeyColumns {
		i, ok := index[key]
		if !ok {
			return nil, nil, 0, errors.NotValidf("file without primary key column %q", key)
		}
		keyIndexes = append(keyIndexes, i)
	}
	changeIndex = -1
	if def.ChangeTypeColumn != "" {
		if i, ok := index[def.ChangeTypeColumn]; ok {
			changeIndex = i
		}
	}
	return columns, keyIndexes, changeIndex, nil
}

// buildRow shapes one CSV record for the upsert engine. The change-type
// column drives the engine but is not stored as a record field.
func buildRow(record []string, columns []string, keyIndexes []int, changeIndex int) (Row, error) {
	parts := make([]string, 0, len(keyIndexes))
	for _, i := range keyIndexes {
		parts = append(parts, strings.TrimSpace(record[i]))
	}
	id, err := RecordID(parts...)
	if err != nil {
		return Row{}, errors.Trace(err)
	}
	row := Row{ID: id, Columns: make(map[string]string, len(columns))}
	for i, value := range record {
		if i == changeIndex {
			row.ChangeType = value
			continue
		}
		row.Columns[columns[i]] = value
	}
	return row, nil
}
