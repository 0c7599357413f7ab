// SPDX-License-Identifier: AGPL-3.0-or-later

package coredb

import (
	"errors"
	"strings"

	sqlite3 "modernc.org/sqlite/lib"
)

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("coredb: not found")

// ErrAlreadyResolved indicates a pending request was already decided by a
// concurrent writer. Callers should reload and surface the winning decision.
var ErrAlreadyResolved = errors.New("coredb: request already resolved")

// codeError matches modernc.org/sqlite error types exposed by the driver.
type codeError interface {
	Code() int
}

// IsQuotaExceeded reports whether the supplied error indicates that the
// configured DB storage quota has been exhausted. This covers SQLite's
// SQLITE_FULL result when the max_page_count boundary is reached. A string
// fallback handles filesystem-level quota messages surfaced by SQLite.
func IsQuotaExceeded(err error) bool {
	if err == nil {
		return false
	}
	var coder codeError
	if errors.As(err, &coder) {
		if coder.Code() == int(sqlite3.SQLITE_FULL) {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "database or disk is full"):
		return true
	case strings.Contains(msg, "quota") && strings.Contains(msg, "exceeded"):
		return true
	default:
		return false
	}
}
