// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package objectstore

import (
	"net"

	"github.com/aws/smithy-go"
	"github.com/juju/errors"

	coreobjectstore "github.com/canonical/litp/core/objectstore"
)

// transientCodes are the S3 error codes worth retrying: throttling and
// server-side hiccups. Everything else is treated as permanent.
var transientCodes = map[string]bool{
	"InternalError":       true,
	"ServiceUnavailable":  true,
	"SlowDown":            true,
	"RequestTimeout":      true,
	"ThrottlingException": true,
	"Throttling":          true,
}

func isTransient(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return transientCodes[apiErr.ErrorCode()]
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return true
		}
	}
	return false
}

// classify maps a service error onto the platform error kinds, annotated
// with the operation that failed. A nil error stays nil.
func classify(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	if isNotFound(err) {
		return errors.WithType(errors.Annotatef(err, format, args...), coreobjectstore.ErrNotFound)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "PreconditionFailed" {
		return errors.WithType(errors.Annotatef(err, format, args...), coreobjectstore.ErrPreconditionFailed)
	}
	return errors.Annotatef(err, format, args...)
}
