// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package objectstore

import (
	"bytes"
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/juju/errors"

	coreobjectstore "github.com/canonical/litp/core/objectstore"
)

// writeStream is one multipart upload in progress. Writes are buffered to
// the part size and flushed as parts; Close uploads the final part and
// completes the upload, Abort tears the whole thing down. A failed Close
// aborts automatically so no partial object is ever left visible.
type writeStream struct {
	ctx      context.Context
	store    *Store
	key      string
	uploadID string
	partSize int64

	buf      bytes.Buffer
	parts    []types.CompletedPart
	finished bool
}

func (s *Store) newWriteStream(ctx context.Context, key string, opts coreobjectstore.WriteOptions) (*writeStream, error) {
	partSize := opts.PartSize
	if partSize <= 0 {
		partSize = coreobjectstore.DefaultPartSize
	}
	input := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	if len(opts.Metadata) > 0 {
		input.Metadata = opts.Metadata
	}
	var out *s3.CreateMultipartUploadOutput
	err := s.callRetrying(ctx, "create-upload", func() error {
		var err error
		out, err = s.client.CreateMultipartUpload(ctx, input)
		return err
	})
	if err != nil {
		return nil, classify(err, "starting upload of %q", key)
	}
	return &writeStream{
		ctx:      ctx,
		store:    s,
		key:      key,
		uploadID: aws.ToString(out.UploadId),
		partSize: partSize,
	}, nil
}

// Write buffers p, flushing full parts as they accumulate.
func (w *writeStream) Write(p []byte) (int, error) {
	if w.finished {
		return 0, errors.Errorf("write to finished upload of %q", w.key)
	}
	n, _ := w.buf.Write(p)
	for int64(w.buf.Len()) >= w.partSize {
		if err := w.flushPart(w.buf.Next(int(w.partSize))); err != nil {
			return n, errors.Trace(err)
		}
	}
	return n, nil
}

func (w *writeStream) flushPart(part []byte) error {
	partNumber := int32(len(w.parts) + 1)
	var out *s3.UploadPartOutput
	err := w.store.callRetrying(w.ctx, "upload-part", func() error {
		var err error
		out, err = w.store.client.UploadPart(w.ctx, &s3.UploadPartInput{
			Bucket:     aws.String(w.store.bucket),
			Key:        aws.String(w.store.fullKey(w.key)),
			UploadId:   aws.String(w.uploadID),
			PartNumber: aws.Int32(partNumber),
			Body:       bytes.NewReader(part),
		})
		return err
	})
	if err != nil {
		return classify(err, "uploading part %d of %q", partNumber, w.key)
	}
	w.parts = append(w.parts, types.CompletedPart{
		ETag:       out.ETag,
		PartNumber: aws.Int32(partNumber),
	})
	return nil
}

// Close uploads any buffered remainder and completes the upload. On error
// the upload is aborted before returning.
func (w *writeStream) Close() error {
	if w.finished {
		return nil
	}
	if err := w.finish(); err != nil {
		_ = w.Abort()
		return errors.Trace(err)
	}
	w.finished = true
	return nil
}

func (w *writeStream) finish() error {
	// The final part may be smaller than the minimum part size; an
	// object written in one Write smaller than a part uploads as a
	// single final part.
	if w.buf.Len() > 0 || len(w.parts) == 0 {
		if err := w.flushPart(w.buf.Bytes()); err != nil {
			return errors.Trace(err)
		}
		w.buf.Reset()
	}
	err := w.store.callRetrying(w.ctx, "complete-upload", func() error {
		_, err := w.store.client.CompleteMultipartUpload(w.ctx, &s3.CompleteMultipartUploadInput{
			Bucket:   aws.String(w.store.bucket),
			Key:      aws.String(w.store.fullKey(w.key)),
			UploadId: aws.String(w.uploadID),
			MultipartUpload: &types.CompletedMultipartUpload{
				Parts: w.parts,
			},
		})
		return err
	})
	return classify(err, "completing upload of %q", w.key)
}

// Abort cancels the upload, leaving no partial object.
func (w *writeStream) Abort() error {
	if w.finished {
		return nil
	}
	w.finished = true
	_, err := w.store.client.AbortMultipartUpload(context.Background(), &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(w.store.bucket),
		Key:      aws.String(w.store.fullKey(w.key)),
		UploadId: aws.String(w.uploadID),
	})
	return classify(err, "aborting upload of %q", w.key)
}
