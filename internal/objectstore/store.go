// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package objectstore implements the platform object store facade over an
// S3-compatible service. Every instance is scoped to a bucket and key
// prefix; keys crossing the prefix boundary cannot be addressed through
// it. Transient service errors are retried here with bounded exponential
// backoff, so callers only ever see permanent failures.
package objectstore

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/retry"

	coreobjectstore "github.com/canonical/litp/core/objectstore"
)

var logger = loggo.GetLogger("litp.objectstore")

const maxPageSize = 1000

// Config describes one object store binding.
type Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string

	// ForcePathStyle addresses the bucket in the URL path rather than
	// the host, which most S3-compatible stores require.
	ForcePathStyle bool
}

// Validate returns an error if the binding is unusable.
func (c Config) Validate() error {
	if c.Bucket == "" {
		return errors.NotValidf("object store binding without bucket")
	}
	if c.Region == "" {
		return errors.NotValidf("object store binding without region")
	}
	return nil
}

// Store is an S3-backed object store instance. It satisfies
// core/objectstore.Store; hand it out as a Reader to deny write access.
type Store struct {
	client    *s3.Client
	presigner *s3.PresignClient
	bucket    string
	prefix    string
	clock     clock.Clock
}

// NewStore dials the configured S3 endpoint and returns a store scoped to
// the configured bucket and prefix.
func NewStore(ctx context.Context, cfg Config, clk clock.Clock) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Annotate(err, "loading object store configuration")
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return &Store{
		client:    client,
		presigner: s3.NewPresignClient(client),
		bucket:    cfg.Bucket,
		prefix:    normalisePrefix(cfg.Prefix),
		clock:     clk,
	}, nil
}

func normalisePrefix(prefix string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return ""
	}
	return prefix + "/"
}

// fullKey maps a caller-relative key onto the bucket keyspace.
func (s *Store) fullKey(key string) string {
	return s.prefix + strings.TrimPrefix(key, "/")
}

// relativeKey strips the instance prefix from a bucket key.
func (s *Store) relativeKey(key string) string {
	return strings.TrimPrefix(key, s.prefix)
}

// callRetrying runs f, retrying transient failures with bounded jittered
// exponential backoff. Exhaustion surfaces the last error as permanent.
func (s *Store) callRetrying(ctx context.Context, label string, f func() error) error {
	err := retry.Call(retry.CallArgs{
		Func:     f,
		Clock:    s.clock,
		Attempts: 6,
		Delay:    250 * time.Millisecond,
		BackoffFunc: retry.ExpBackoff(
			250*time.Millisecond, 10*time.Second, 2.0, true),
		IsFatalError: func(err error) bool {
			return !isTransient(err)
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Debugf("%s attempt %d: %v", label, attempt, err)
		},
		Stop: ctx.Done(),
	})
	return errors.Trace(err)
}

// List returns every object under prefix in lexical key order.
func (s *Store) List(ctx context.Context, prefix string) ([]coreobjectstore.ObjectRef, error) {
	var all []coreobjectstore.ObjectRef
	token := ""
	for {
		page, next, err := s.ListPage(ctx, prefix, maxPageSize, token)
		if err != nil {
			return nil, errors.Trace(err)
		}
		all = append(all, page...)
		if next == "" {
			break
		}
		token = next
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Key < all[j].Key })
	return all, nil
}

// ListPage returns one page of objects under prefix.
func (s *Store) ListPage(ctx context.Context, prefix string, size int, token string) ([]coreobjectstore.ObjectRef, string, error) {
	if size <= 0 || size > maxPageSize {
		size = maxPageSize
	}
	input := &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(s.fullKey(prefix)),
		MaxKeys: aws.Int32(int32(size)),
	}
	if token != "" {
		input.ContinuationToken = aws.String(token)
	}
	var out *s3.ListObjectsV2Output
	err := s.callRetrying(ctx, "list", func() error {
		var err error
		out, err = s.client.ListObjectsV2(ctx, input)
		return err
	})
	if err != nil {
		return nil, "", classify(err, "listing %q", prefix)
	}
	refs := make([]coreobjectstore.ObjectRef, 0, len(out.Contents))
	for _, obj := range out.Contents {
		refs = append(refs, coreobjectstore.ObjectRef{
			Container:    s.bucket,
			Key:          s.relativeKey(aws.ToString(obj.Key)),
			Size:         aws.ToInt64(obj.Size),
			ETag:         trimETag(aws.ToString(obj.ETag)),
			LastModified: aws.ToTime(obj.LastModified),
		})
	}
	next := ""
	if aws.ToBool(out.IsTruncated) {
		next = aws.ToString(out.NextContinuationToken)
	}
	return refs, next, nil
}

// GetMetadata returns the metadata of the object at key.
func (s *Store) GetMetadata(ctx context.Context, key string) (coreobjectstore.Metadata, error) {
	var out *s3.HeadObjectOutput
	err := s.callRetrying(ctx, "head", func() error {
		var err error
		out, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.fullKey(key)),
		})
		return err
	})
	if err != nil {
		return coreobjectstore.Metadata{}, classify(err, "reading metadata of %q", key)
	}
	return coreobjectstore.Metadata{
		Size:         aws.ToInt64(out.ContentLength),
		ContentType:  aws.ToString(out.ContentType),
		ETag:         trimETag(aws.ToString(out.ETag)),
		LastModified: aws.ToTime(out.LastModified),
		User:         out.Metadata,
	}, nil
}

// Exists reports whether an object exists at key.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.GetMetadata(ctx, key)
	if errors.Is(err, coreobjectstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Trace(err)
	}
	return true, nil
}

// OpenRead returns a stream over the object's content.
func (s *Store) OpenRead(ctx context.Context, key string) (io.ReadCloser, error) {
	var out *s3.GetObjectOutput
	err := s.callRetrying(ctx, "get", func() error {
		var err error
		out, err = s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.fullKey(key)),
		})
		return err
	})
	if err != nil {
		return nil, classify(err, "opening %q", key)
	}
	return out.Body, nil
}

// OpenWrite starts a multipart upload to key.
func (s *Store) OpenWrite(ctx context.Context, key string, opts coreobjectstore.WriteOptions) (coreobjectstore.WriteStream, error) {
	return s.newWriteStream(ctx, key, opts)
}

// Upload writes data as the object at key.
func (s *Store) Upload(ctx context.Context, key string, data []byte, opts coreobjectstore.WriteOptions) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
		Body:   bytes.NewReader(data),
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	if len(opts.Metadata) > 0 {
		input.Metadata = opts.Metadata
	}
	err := s.callRetrying(ctx, "put", func() error {
		_, err := s.client.PutObject(ctx, input)
		return err
	})
	return classify(err, "uploading %q", key)
}

// SetMetadata replaces the user metadata of the object at key. S3 has no
// metadata-only update, so this is a same-key copy with a replace
// directive.
func (s *Store) SetMetadata(ctx context.Context, key string, metadata map[string]string) error {
	full := s.fullKey(key)
	err := s.callRetrying(ctx, "set-metadata", func() error {
		_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:            aws.String(s.bucket),
			Key:               aws.String(full),
			CopySource:        aws.String(s.bucket + "/" + full),
			Metadata:          metadata,
			MetadataDirective: "REPLACE",
		})
		return err
	})
	return classify(err, "replacing metadata of %q", key)
}

// Delete removes the object at key. Absent objects are not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.callRetrying(ctx, "delete", func() error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.fullKey(key)),
		})
		return err
	})
	if err != nil && isNotFound(err) {
		return nil
	}
	return classify(err, "deleting %q", key)
}

// ClearDown deletes every object under the instance prefix and returns the
// deleted keys. The listing is prefix-scoped, so the operation cannot
// reach outside the prefix.
func (s *Store) ClearDown(ctx context.Context) ([]string, error) {
	refs, err := s.List(ctx, "")
	if err != nil {
		return nil, errors.Trace(err)
	}
	deleted := make([]string, 0, len(refs))
	for _, ref := range refs {
		if err := s.Delete(ctx, ref.Key); err != nil {
			return deleted, errors.Annotatef(err, "clearing down %q", ref.Key)
		}
		deleted = append(deleted, ref.Key)
	}
	logger.Infof("cleared down %d objects under %q/%q", len(deleted), s.bucket, s.prefix)
	return deleted, nil
}

// Presign generates a time-limited GET URL for key. Generation is purely
// local; the object's existence is not checked.
func (s *Store) Presign(key string, expiry time.Duration) (string, error) {
	if expiry <= 0 {
		expiry = coreobjectstore.DefaultPresignExpiry
	}
	req, err := s.presigner.PresignGetObject(context.Background(), &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
	}, func(o *s3.PresignOptions) {
		o.Expires = expiry
	})
	if err != nil {
		return "", errors.Annotatef(err, "presigning %q", key)
	}
	return req.URL, nil
}

func trimETag(etag string) string {
	return strings.Trim(etag, `"`)
}
