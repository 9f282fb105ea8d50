// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package ingest

import (
	"crypto/sha256"
	"encoding/base64"
	"strings"

	"github.com/juju/errors"
)

// keyPartSeparator joins composite key parts before hashing. The unit
// separator cannot appear in CSV cell content that survives parsing, so
// distinct part sequences can never collide on the canonical form.
const keyPartSeparator = "\x1f"

// RecordID derives the deterministic document id for a record from its
// ordered composite-key parts: URL-safe unpadded base64 of the SHA-256 of
// the canonical joined form, always 43 characters. Every part must be
// non-empty after trimming.
func RecordID(parts ...string) (string, error) {
	if len(parts) == 0 {
		return "", errors.NotValidf("record id without key parts")
	}
	for _, part := range parts {
		if strings.TrimSpace(part) == "" {
			return "", errors.NotValidf("null or empty key part")
		}
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, keyPartSeparator)))
	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}
