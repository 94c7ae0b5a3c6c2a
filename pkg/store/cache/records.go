package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Mindburn-Labs/helm/certwatch/pkg/compliance/record"
)

const (
	// TimestampsKey holds the map of last successful fetch per source.
	TimestampsKey = "compliance_data_ts_v7"
	// GlobalKey is bumped whenever any source was actually re-fetched.
	GlobalKey = "_global"
)

var errCorruptTimestamps = errors.New("decode timestamps")

// RecordsKey is the cache key of one source's record list.
func RecordsKey(source string) string {
	return fmt.Sprintf("compliance_data_%s_v3", source)
}

// Entry is the envelope stored under RecordsKey.
type Entry struct {
	AdapterVersion string                    `json:"adapterVersion"`
	StoredAt       time.Time                 `json:"storedAt"`
	Records        []record.ComplianceRecord `json:"records"`
}

// Records is the typed view over a Store used by the aggregator and the
// enrichment writer.
type Records struct {
	store Store
	// tsMu serialises read-modify-write of the timestamp map within this
	// process.
	tsMu sync.Mutex
}

func NewRecords(store Store) *Records {
	return &Records{store: store}
}

// Load returns the cached entry for source, if any.
func (r *Records) Load(ctx context.Context, source string) (*Entry, bool, error) {
	raw, found, err := r.store.Get(ctx, RecordsKey(source))
	if err != nil || !found {
		return nil, false, err
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, fmt.Errorf("decode cache entry %s: %w", source, err)
	}
	return &e, true, nil
}

// Put writes the record list for source without touching timestamps.
func (r *Records) Put(ctx context.Context, source string, e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode cache entry %s: %w", source, err)
	}
	return r.store.Set(ctx, RecordsKey(source), raw)
}

// Commit writes a freshly fetched list and marks source and _global as
// updated at e.StoredAt.
func (r *Records) Commit(ctx context.Context, source string, e Entry) error {
	if err := r.Put(ctx, source, e); err != nil {
		return err
	}
	return r.Touch(ctx, e.StoredAt, source)
}

// Timestamps returns the last successful fetch time per source, including
// GlobalKey. A missing map is empty, not an error.
func (r *Records) Timestamps(ctx context.Context) (map[string]time.Time, error) {
	raw, found, err := r.store.Get(ctx, TimestampsKey)
	if err != nil {
		return nil, err
	}
	out := make(map[string]time.Time)
	if !found {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", errCorruptTimestamps, err)
	}
	return out, nil
}

// Touch records now for every source and for GlobalKey.
func (r *Records) Touch(ctx context.Context, now time.Time, sources ...string) error {
	r.tsMu.Lock()
	defer r.tsMu.Unlock()

	ts, err := r.Timestamps(ctx)
	switch {
	case errors.Is(err, errCorruptTimestamps):
		ts = make(map[string]time.Time)
	case err != nil:
		return err
	}
	for _, s := range sources {
		ts[s] = now
	}
	ts[GlobalKey] = now

	raw, err := json.Marshal(ts)
	if err != nil {
		return fmt.Errorf("encode timestamps: %w", err)
	}
	return r.store.Set(ctx, TimestampsKey, raw)
}
