// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package ingest

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/retry"
	"golang.org/x/sync/errgroup"

	"github.com/canonical/litp/core/dataset"
	"github.com/canonical/litp/core/ingest"
	"github.com/canonical/litp/core/objectstore"
	"github.com/canonical/litp/internal/filecrypto"
)

var logger = loggo.GetLogger("litp.ingest")

// skippedUnrecognised is recorded on source objects no dataset definition
// claims.
const skippedUnrecognised = "SKIPPED_UNRECOGNISED"

// FileReportStore is the slice of persistence the stages need for
// per-file reports and dedup decisions.
type FileReportStore interface {
	SaveFileReport(r *ingest.FileProcessingReport) error
	FileReport(importID, fileKey string) (*ingest.FileProcessingReport, error)
	AcquiredBefore(fileKey, eTag string) (bool, error)
	IngestedBefore(fileKey, eTag string) (bool, error)
}

// AcquisitionConfig tunes the acquisition stage.
type AcquisitionConfig struct {
	// Workers bounds the number of files decrypted concurrently.
	Workers int

	// Iterations is the PBKDF2 work factor for key derivation.
	Iterations int

	// Attempts bounds whole-file retries on transient stream failures.
	Attempts int
}

func (c AcquisitionConfig) withDefaults() AcquisitionConfig {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Iterations <= 0 {
		c.Iterations = filecrypto.DefaultIterations
	}
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	return c
}

// AcquisitionStage streams encrypted snapshots from the source store,
// decrypts them into the target store and records per-file acquisition
// metadata.
type AcquisitionStage struct {
	source   objectstore.Reader
	target   objectstore.Store
	registry *dataset.Registry
	reports  FileReportStore
	provider filecrypto.PasswordSaltProvider
	clock    clock.Clock
	cfg      AcquisitionConfig
}

// NewAcquisitionStage wires up an acquisition stage.
func NewAcquisitionStage(
	source objectstore.Reader,
	target objectstore.Store,
	registry *dataset.Registry,
	reports FileReportStore,
	provider filecrypto.PasswordSaltProvider,
	clk clock.Clock,
	cfg AcquisitionConfig,
) *AcquisitionStage {
	return &AcquisitionStage{
		source:   source,
		target:   target,
		registry: registry,
		reports:  reports,
		provider: provider,
		clock:    clk,
		cfg:      cfg.withDefaults(),
	}
}

// Run executes the acquisition phase for one import, mutating the phase
// report as it goes. Files are processed by a bounded worker pool; a
// single failed file does not fail the phase.
func (s *AcquisitionStage) Run(ctx context.Context, importID string, phase *ingest.PhaseReport) error {
	refs, err := s.source.List(ctx, "")
	if err != nil {
		return errors.Annotate(err, "listing source objects")
	}
	var mu sync.Mutex
	phase.FilesDiscovered = len(refs)

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(s.cfg.Workers)
	for _, ref := range refs {
		ref := ref
		group.Go(func() error {
			status, err := s.processFile(ctx, importID, ref)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				phase.FilesFailed++
			case status == ingest.FileSkipped:
				phase.FilesSkipped++
				phase.FilesProcessed++
			default:
				phase.FilesProcessed++
			}
			if err != nil && errors.Is(err, context.Canceled) {
				// Stop starting new files; in-flight streams
				// have already aborted cleanly.
				return errors.Trace(err)
			}
			return nil
		})
	}
	return errors.Trace(group.Wait())
}

// processFile acquires one source object, recording its file report
// whatever the outcome.
func (s *AcquisitionStage) processFile(ctx context.Context, importID string, ref objectstore.ObjectRef) (ingest.FileStatus, error) {
	def, _, ok := s.registry.Match(ref.Key)
	if !ok {
		logger.Debugf("source object %q matches no dataset, skipping", ref.Key)
		report := &ingest.FileProcessingReport{
			ImportID: importID,
			FileName: baseName(ref.Key),
			FileKey:  ref.Key,
			ETag:     ref.ETag,
			FileSize: ref.Size,
			Status:   ingest.FileSkipped,
			Error:    skippedUnrecognised,
		}
		if err := s.reports.SaveFileReport(report); err != nil {
			return "", errors.Trace(err)
		}
		return ingest.FileSkipped, nil
	}

	targetKey := strings.TrimSuffix(ref.Key, ".enc")
	now := s.clock.Now().UTC()

	// A previous import may already have acquired this exact file
	// version; the skip still emits an acquisition document so the
	// ingestion phase can cross-reference it.
	meta, err := s.target.GetMetadata(ctx, targetKey)
	if err == nil {
		acquired, err := s.reports.AcquiredBefore(targetKey, meta.ETag)
		if err != nil {
			return "", errors.Trace(err)
		}
		if acquired {
			report := &ingest.FileProcessingReport{
				ImportID:    importID,
				FileName:    baseName(targetKey),
				FileKey:     targetKey,
				DatasetName: def.Name,
				ETag:        meta.ETag,
				FileSize:    meta.Size,
				Status:      ingest.FileSkipped,
				Acquisition: &ingest.AcquisitionDetail{
					SourceKey:  ref.Key,
					AcquiredAt: now,
				},
			}
			if err := s.reports.SaveFileReport(report); err != nil {
				return "", errors.Trace(err)
			}
			return ingest.FileSkipped, nil
		}
	} else if !errors.Is(err, objectstore.ErrNotFound) {
		return "", errors.Trace(err)
	}

	report, err := s.decryptFile(ctx, importID, def, ref, targetKey)
	if err != nil {
		logger.Errorf("acquiring %q: %v", ref.Key, err)
		failed := &ingest.FileProcessingReport{
			ImportID:    importID,
			FileName:    baseName(targetKey),
			FileKey:     targetKey,
			DatasetName: def.Name,
			ETag:        ref.ETag,
			FileSize:    ref.Size,
			Status:      ingest.FileFailed,
			Error:       err.Error(),
		}
		if saveErr := s.reports.SaveFileReport(failed); saveErr != nil {
			return "", errors.Trace(saveErr)
		}
		return ingest.FileFailed, errors.Trace(err)
	}
	if err := s.reports.SaveFileReport(report); err != nil {
		return "", errors.Trace(err)
	}
	return report.Status, nil
}

// decryptFile streams one object through the decryptor into the target,
// retrying whole-file on transient stream failures. Corrupt ciphertext is
// permanent and not retried.
func (s *AcquisitionStage) decryptFile(ctx context.Context, importID string, def dataset.Definition, ref objectstore.ObjectRef, targetKey string) (*ingest.FileProcessingReport, error) {
	password, salt := s.provider(ref.Key)
	key := filecrypto.Key(password, salt, s.cfg.Iterations)

	var md5sum string
	var duration time.Duration
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			var err error
			md5sum, duration, err = s.decryptOnce(ctx, ref.Key, targetKey, key)
			return err
		},
		IsFatalError: func(err error) bool {
			return errors.Is(err, filecrypto.ErrCorrupt) ||
				errors.Is(err, context.Canceled)
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Debugf("decrypting %q attempt %d: %v", ref.Key, attempt, err)
		},
		Attempts: s.cfg.Attempts,
		Delay:    time.Second,
		Clock:    s.clock,
		Stop:     ctx.Done(),
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	meta, err := s.target.GetMetadata(ctx, targetKey)
	if err != nil {
		return nil, errors.Annotatef(err, "reading back %q", targetKey)
	}
	return &ingest.FileProcessingReport{
		ImportID:    importID,
		FileName:    baseName(targetKey),
		FileKey:     targetKey,
		DatasetName: def.Name,
		MD5:         md5sum,
		ETag:        meta.ETag,
		FileSize:    meta.Size,
		Status:      ingest.FileAcquired,
		Acquisition: &ingest.AcquisitionDetail{
			SourceKey:          ref.Key,
			DecryptionDuration: duration,
			AcquiredAt:         s.clock.Now().UTC(),
		},
	}, nil
}

func (s *AcquisitionStage) decryptOnce(ctx context.Context, sourceKey, targetKey string, key []byte) (string, time.Duration, error) {
	started := s.clock.Now()
	src, err := s.source.OpenRead(ctx, sourceKey)
	if err != nil {
		return "", 0, errors.Trace(err)
	}
	defer func() { _ = src.Close() }()

	decrypted, err := filecrypto.NewDecryptingReader(src, key)
	if err != nil {
		return "", 0, errors.Trace(err)
	}

	dst, err := s.target.OpenWrite(ctx, targetKey, objectstore.WriteOptions{
		ContentType: "text/csv",
	})
	if err != nil {
		return "", 0, errors.Trace(err)
	}

	hash := md5.New()
	if _, err := io.Copy(io.MultiWriter(dst, hash), decrypted); err != nil {
		_ = dst.Abort()
		return "", 0, errors.Annotatef(err, "decrypting %q", sourceKey)
	}
	if err := dst.Close(); err != nil {
		return "", 0, errors.Annotatef(err, "finalising %q", targetKey)
	}
	return hex.EncodeToString(hash.Sum(nil)), s.clock.Now().Sub(started), nil
}

func baseName(key string) string {
	if i := strings.LastIndex(key, "/"); i >= 0 {
		return key[i+1:]
	}
	return key
}
