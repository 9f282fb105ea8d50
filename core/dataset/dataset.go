// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package dataset holds the immutable registry of reference datasets the
// platform knows how to ingest. A definition describes how files for the
// dataset are named, which columns form the record identity, and which
// columns carry change-type and accumulator semantics.
package dataset

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
)

// DatePatternCompact is the timestamp pattern embedded in every published
// snapshot filename: yyyyMMddHHmmss.
const DatePatternCompact = "yyyyMMddHHmmss"

// Definition describes a single reference dataset.
type Definition struct {
	// Name is the dataset name and doubles as the name of the document
	// collection records are stored in. Unique within a registry.
	Name string

	// FilePrefix is the filename prefix with a {0} placeholder marking
	// where the publication timestamp appears.
	FilePrefix string

	// DatePattern is the pattern the embedded timestamp is written in.
	DatePattern string

	// PrimaryKeyColumns are the ordered columns forming the record
	// identity. All must be present in the CSV header.
	PrimaryKeyColumns []string

	// ChangeTypeColumn optionally names the column carrying the per-row
	// I/U/D instruction. Rows default to insert when it is empty or the
	// column is absent.
	ChangeTypeColumn string

	// AccumulatorColumns are columns whose values are aggregated as a
	// set across imports rather than replaced.
	AccumulatorColumns []string

	// Delimiter optionally forces the CSV column delimiter. When zero
	// the delimiter is auto-detected from the header line.
	Delimiter rune
}

// Validate returns an error if the definition is malformed.
func (d Definition) Validate() error {
	if d.Name == "" {
		return errors.NotValidf("definition with empty name")
	}
	if !strings.Contains(d.FilePrefix, "{0}") {
		return errors.NotValidf("file prefix %q without {0} placeholder", d.FilePrefix)
	}
	if len(d.PrimaryKeyColumns) == 0 {
		return errors.NotValidf("definition %q without primary key columns", d.Name)
	}
	for _, col := range d.PrimaryKeyColumns {
		if strings.TrimSpace(col) == "" {
			return errors.NotValidf("definition %q with blank primary key column", d.Name)
		}
	}
	if _, err := goLayout(d.DatePattern); err != nil {
		return errors.Trace(err)
	}
	accumulators := set.NewStrings(d.AccumulatorColumns...)
	for _, col := range d.PrimaryKeyColumns {
		if accumulators.Contains(col) {
			return errors.NotValidf("definition %q accumulating primary key column %q", d.Name, col)
		}
	}
	return nil
}

// goLayout translates the pattern vocabulary used by the publishing parties
// into a Go time layout.
func goLayout(pattern string) (string, error) {
	replacer := strings.NewReplacer(
		"yyyy", "2006",
		"MM", "01",
		"dd", "02",
		"HH", "15",
		"mm", "04",
		"ss", "05",
	)
	layout := replacer.Replace(pattern)
	if strings.ContainsAny(layout, "yMdHs") {
		return "", errors.NotValidf("date pattern %q", pattern)
	}
	return layout, nil
}

// matcher returns the regular expression a bare (extension-stripped)
// filename for this dataset must satisfy.
func (d Definition) matcher() *regexp.Regexp {
	prefix := strings.ReplaceAll(d.FilePrefix, "{0}", "")
	return regexp.MustCompile(`^` + regexp.QuoteMeta(prefix) + `(\d{14})$`)
}

// MatchFileName reports whether the supplied filename belongs to this
// dataset, returning the publication timestamp parsed from it. Object key
// extensions (".csv", ".enc") are stripped before matching.
func (d Definition) MatchFileName(name string) (time.Time, bool) {
	bare := strings.TrimSuffix(strings.TrimSuffix(baseName(name), ".enc"), ".csv")
	m := d.matcher().FindStringSubmatch(bare)
	if m == nil {
		return time.Time{}, false
	}
	layout, err := goLayout(d.DatePattern)
	if err != nil {
		return time.Time{}, false
	}
	ts, err := time.ParseInLocation(layout, m[1], time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// FileNameAt renders the filename (without extension) a snapshot of this
// dataset published at the given instant would carry.
func (d Definition) FileNameAt(ts time.Time) string {
	layout, err := goLayout(d.DatePattern)
	if err != nil {
		// Validate() gates registry construction, so this cannot
		// happen for a registered definition.
		panic(fmt.Sprintf("unrenderable date pattern %q", d.DatePattern))
	}
	return strings.ReplaceAll(d.FilePrefix, "{0}", ts.In(time.UTC).Format(layout))
}

func baseName(key string) string {
	if i := strings.LastIndex(key, "/"); i >= 0 {
		return key[i+1:]
	}
	return key
}

// Registry is an immutable, ordered collection of dataset definitions.
type Registry struct {
	defs   []Definition
	byName map[string]Definition
}

// NewRegistry validates the supplied definitions and returns a registry
// preserving their order.
func NewRegistry(defs ...Definition) (*Registry, error) {
	byName := make(map[string]Definition, len(defs))
	for _, def := range defs {
		if err := def.Validate(); err != nil {
			return nil, errors.Trace(err)
		}
		if _, ok := byName[def.Name]; ok {
			return nil, errors.AlreadyExistsf("dataset definition %q", def.Name)
		}
		byName[def.Name] = def
	}
	return &Registry{defs: append([]Definition(nil), defs...), byName: byName}, nil
}

// Definitions returns the registered definitions in registration order.
func (r *Registry) Definitions() []Definition {
	return append([]Definition(nil), r.defs...)
}

// Definition returns the named definition.
func (r *Registry) Definition(name string) (Definition, error) {
	def, ok := r.byName[name]
	if !ok {
		return Definition{}, errors.NotFoundf("dataset %q", name)
	}
	return def, nil
}

// Match resolves a filename (or object key) to the definition it belongs
// to, along with the publication timestamp embedded in it.
func (r *Registry) Match(name string) (Definition, time.Time, bool) {
	for _, def := range r.defs {
		if ts, ok := def.MatchFileName(name); ok {
			return def, ts, true
		}
	}
	return Definition{}, time.Time{}, false
}

// BuiltIn returns the definitions for the datasets published by the
// traceability parties today. Additional datasets can be registered from
// configuration alongside these.
func BuiltIn() []Definition {
	return []Definition{{
		Name:              "cts_holdings",
		FilePrefix:        "LITP_CTS_HOLDINGS_{0}",
		DatePattern:       DatePatternCompact,
		PrimaryKeyColumns: []string{"LID_FULL_IDENTIFIER"},
		ChangeTypeColumn:  "CHANGETYPE",
	}, {
		Name:               "sam_holdings",
		FilePrefix:         "LITP_SAM_HOLDINGS_{0}",
		DatePattern:        DatePatternCompact,
		PrimaryKeyColumns:  []string{"CPH"},
		ChangeTypeColumn:   "CHANGETYPE",
		AccumulatorColumns: []string{"FEATURE_CODES"},
	}, {
		Name:              "sam_herds",
		FilePrefix:        "LITP_SAM_HERDS_{0}",
		DatePattern:       DatePatternCompact,
		PrimaryKeyColumns: []string{"CPH", "HERD_MARK"},
		ChangeTypeColumn:  "CHANGETYPE",
	}, {
		Name:               "sam_parties",
		FilePrefix:         "LITP_SAM_PARTIES_{0}",
		DatePattern:        DatePatternCompact,
		PrimaryKeyColumns:  []string{"PARTY_ID"},
		ChangeTypeColumn:   "CHANGETYPE",
		AccumulatorColumns: []string{"ROLE_CODES"},
	}, {
		Name:              "sam_party_emails",
		FilePrefix:        "LITP_SAM_PARTY_EMAILS_{0}",
		DatePattern:       DatePatternCompact,
		PrimaryKeyColumns: []string{"PARTY_ID", "EMAIL_ADDRESS"},
		ChangeTypeColumn:  "CHANGETYPE",
	}, {
		Name:              "test_persons",
		FilePrefix:        "LITP_TEST_PERSONS_{0}",
		DatePattern:       DatePatternCompact,
		PrimaryKeyColumns: []string{"PersonId"},
		ChangeTypeColumn:  "CHANGETYPE",
	}}
}
