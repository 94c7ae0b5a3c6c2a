// Package staleness decides per source whether cached data may be reused.
//
// The decision is split in two: LoadState reads everything it needs from the
// cache once, and ShouldFetch is a pure function over the captured State.
package staleness

import (
	"context"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/helm/certwatch/pkg/compliance/sources"
	"github.com/Mindburn-Labs/helm/certwatch/pkg/store/cache"
)

// TTL is the maximum age of a source's cached data.
const TTL = 7 * 24 * time.Hour

// SourceState is what the cache holds for one source.
type SourceState struct {
	// LastSuccess is zero when no timestamp was ever recorded.
	LastSuccess time.Time
	// Cached reports whether a usable record list exists. A list written by
	// an incompatible adapter version counts as absent.
	Cached bool
	// Version is the adapter version that wrote the cached list.
	Version string
}

// State is a point-in-time view of the cache.
type State struct {
	Now     time.Time
	Sources map[string]SourceState
	// Global is the last time any source was re-fetched.
	Global time.Time
}

// LoadState captures the cache state for every adapter at now. Cache read
// failures degrade to "nothing cached" so the affected sources are fetched.
func LoadState(ctx context.Context, recs *cache.Records, now time.Time, adapters []sources.Adapter) State {
	logger := slog.Default().With("component", "staleness")
	ts, err := recs.Timestamps(ctx)
	if err != nil {
		logger.WarnContext(ctx, "timestamps unreadable, treating every source as stale", "error", err)
		ts = map[string]time.Time{}
	}

	st := State{
		Now:     now,
		Sources: make(map[string]SourceState, len(adapters)),
		Global:  ts[cache.GlobalKey],
	}
	for _, a := range adapters {
		key := a.Key()
		ss := SourceState{LastSuccess: ts[key]}
		entry, found, err := recs.Load(ctx, key)
		if err != nil {
			logger.WarnContext(ctx, "cached records unreadable", "source", key, "error", err)
			found = false
		}
		if found {
			ss.Version = entry.AdapterVersion
			ss.Cached = len(entry.Records) > 0 && sources.Compatible(a.Version(), entry.AdapterVersion)
		}
		st.Sources[key] = ss
	}
	return st
}

// ShouldFetch reports whether source must be re-fetched: always when force is
// set, when no usable cached list exists, or when the last success is older
// than TTL. A missing timestamp counts as infinitely old.
func ShouldFetch(st State, source string, force bool) bool {
	if force {
		return true
	}
	ss, ok := st.Sources[source]
	if !ok || !ss.Cached || ss.LastSuccess.IsZero() {
		return true
	}
	return st.Now.Sub(ss.LastSuccess) > TTL
}

// Age returns how old source's data is, or -1 when it has never been fetched.
func (st State) Age(source string) time.Duration {
	ss, ok := st.Sources[source]
	if !ok || ss.LastSuccess.IsZero() {
		return -1
	}
	return st.Now.Sub(ss.LastSuccess)
}
