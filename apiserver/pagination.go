// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	"net/url"
	"strconv"
	"time"

	"github.com/juju/errors"
)

const maxPageSize = 100

// parsePage reads the skip/top pagination query parameters, applying the
// endpoint's default page size. skip must be non-negative, top in [1,100].
func parsePage(query url.Values, defaultTop int) (skip, top int, err error) {
	skip, err = intParam(query, "skip", 0)
	if err != nil {
		return 0, 0, errors.Trace(err)
	}
	if skip < 0 {
		return 0, 0, errors.NotValidf("skip %d", skip)
	}
	top, err = intParam(query, "top", defaultTop)
	if err != nil {
		return 0, 0, errors.Trace(err)
	}
	if top < 1 || top > maxPageSize {
		return 0, 0, errors.NotValidf("top %d", top)
	}
	return skip, top, nil
}

func intParam(query url.Values, name string, fallback int) (int, error) {
	raw := query.Get(name)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.NotValidf("%s %q", name, raw)
	}
	return value, nil
}

// boolParam reads an optional boolean query parameter, nil when absent.
func boolParam(query url.Values, name string) (*bool, error) {
	raw := query.Get(name)
	if raw == "" {
		return nil, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, errors.NotValidf("%s %q", name, raw)
	}
	return &value, nil
}

// timeParam reads an optional RFC 3339 timestamp query parameter, nil when
// absent.
func timeParam(query url.Values, name string) (*time.Time, error) {
	raw := query.Get(name)
	if raw == "" {
		return nil, nil
	}
	value, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, errors.NotValidf("%s %q", name, raw)
	}
	value = value.UTC()
	return &value, nil
}
