// Package idgen provides the identifiers patternwatch attaches to runs
// and pages.
//
// Constructors that mint ids accept a Generator, so tests can pin ids and
// deployments can pick a strategy at startup.
package idgen

import (
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator of RFC 9562 version 7 UUIDs, which sort by
// creation time.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed wraps a Generator and prepends a fixed prefix to every ID.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Sequence returns a Generator that yields prefix1, prefix2, ...
func Sequence(prefix string) Generator {
	var n atomic.Uint64
	return func() string {
		return prefix + strconv.FormatUint(n.Add(1), 10)
	}
}

const runPrefix = "run_"

// RunID mints the id of one detection run.
var RunID Generator = Prefixed(runPrefix, UUIDv7())

// RunTime returns the creation time encoded in a run id minted by RunID.
// ok is false for anything else.
func RunTime(id string) (t time.Time, ok bool) {
	rest, found := strings.CutPrefix(id, runPrefix)
	if !found {
		return time.Time{}, false
	}
	u, err := uuid.Parse(rest)
	if err != nil || u.Version() != 7 {
		return time.Time{}, false
	}
	sec, nsec := u.Time().UnixTime()
	return time.Unix(sec, nsec), true
}

// PageID derives a stable id from a page URL, so a page keeps its id across
// restarts when the config does not name one.
func PageID(url string) string {
	u := uuid.NewSHA1(uuid.NameSpaceURL, []byte(strings.TrimSpace(url)))
	return "page_" + u.String()[:8]
}
