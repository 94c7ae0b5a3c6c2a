package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm/certwatch/pkg/compliance/aggregator"
	"github.com/Mindburn-Labs/helm/certwatch/pkg/compliance/enrich"
	"github.com/Mindburn-Labs/helm/certwatch/pkg/compliance/query"
	"github.com/Mindburn-Labs/helm/certwatch/pkg/compliance/record"
	"github.com/Mindburn-Labs/helm/certwatch/pkg/compliance/sources"
	"github.com/Mindburn-Labs/helm/certwatch/pkg/store/cache"
)

type liveAdapter struct {
	mu    sync.Mutex
	recs  []record.ComplianceRecord
	err   error
	delay time.Duration
	calls atomic.Int32
}

func (l *liveAdapter) Key() string     { return "acvp" }
func (l *liveAdapter) Version() string { return "1.0.0" }
func (l *liveAdapter) Owns(r record.ComplianceRecord) bool {
	return r.Type == record.TypeACVP
}

func (l *liveAdapter) Fetch(ctx context.Context) ([]record.ComplianceRecord, error) {
	l.calls.Add(1)
	if l.delay > 0 {
		time.Sleep(l.delay)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]record.ComplianceRecord(nil), l.recs...), l.err
}

func (l *liveAdapter) set(recs []record.ComplianceRecord, err error) {
	l.mu.Lock()
	l.recs, l.err = recs, err
	l.mu.Unlock()
}

type detailText string

func (d detailText) FetchDetail(context.Context, string) (string, error) { return string(d), nil }

func acvpRecord(id string) record.ComplianceRecord {
	return record.ComplianceRecord{
		ID:          id,
		Source:      record.SourceNIST,
		Type:        record.TypeACVP,
		Date:        time.Now().UTC().Format(time.DateOnly),
		Link:        "https://csrc.nist.gov/projects/cryptographic-algorithm-validation-program/details?product=" + id,
		PQCCoverage: record.PendingCoverage(),
	}
}

func newSession(t *testing.T, live *liveAdapter, snapshot aggregator.SnapshotLoader) *Session {
	t.Helper()
	recs := cache.NewRecords(cache.NewMemoryStore())
	agg := aggregator.New([]sources.Adapter{live}, snapshot, recs, aggregator.Config{Production: true})
	set := record.NewSet(nil)
	enr := enrich.New(set, detailText("ML-DSA-87 SigGen"), recs, live,
		enrich.WithCoalescer(enrich.NewCoalescer(10*time.Millisecond)))
	return New(agg, set, enr)
}

func TestRefreshInstallsRecords(t *testing.T) {
	live := &liveAdapter{recs: []record.ComplianceRecord{acvpRecord("1"), acvpRecord("2")}}
	s := newSession(t, live, nil)

	assert.True(t, s.LastUpdated().IsZero())
	st := s.Refresh(context.Background(), false)
	assert.Len(t, st.Records, 2)
	assert.False(t, st.Loading)
	assert.Empty(t, st.Error)
	assert.NotEmpty(t, st.Fingerprint)
	assert.False(t, s.LastUpdated().IsZero())
	assert.NoError(t, s.Err())
	assert.Len(t, s.Records(), 2)
}

func TestRefreshFailureKeepsStaleRecords(t *testing.T) {
	live := &liveAdapter{recs: []record.ComplianceRecord{acvpRecord("1")}}
	failing := aggregator.SnapshotFunc(func(context.Context) ([]record.ComplianceRecord, error) {
		return nil, errors.New("snapshot gone")
	})
	s := newSession(t, live, failing)

	s.Refresh(context.Background(), false)
	require.Len(t, s.Records(), 1)

	live.set(nil, errors.New("portal down"))
	st := s.Refresh(context.Background(), true)
	assert.Len(t, st.Records, 1)
	require.Error(t, s.Err())
	assert.ErrorIs(t, s.Err(), aggregator.ErrNoData)
	assert.NotEmpty(t, st.Error)

	live.set([]record.ComplianceRecord{acvpRecord("2")}, nil)
	s.Refresh(context.Background(), true)
	assert.NoError(t, s.Err())
}

func TestConcurrentRefreshIsCoalesced(t *testing.T) {
	live := &liveAdapter{delay: 50 * time.Millisecond, recs: []record.ComplianceRecord{acvpRecord("1")}}
	s := newSession(t, live, nil)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Refresh(context.Background(), true)
		}()
	}
	require.Eventually(t, s.Loading, time.Second, time.Millisecond)
	wg.Wait()

	assert.Equal(t, int32(1), live.calls.Load())
	assert.False(t, s.Loading())
}

func TestEnrichThroughSession(t *testing.T) {
	live := &liveAdapter{recs: []record.ComplianceRecord{acvpRecord("1")}}
	s := newSession(t, live, nil)
	s.Refresh(context.Background(), false)

	r, err := s.Enrich(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, "ML-DSA-87", r.PQCCoverage.String())

	got, ok := s.Record("1")
	require.True(t, ok)
	assert.Equal(t, r.PQCCoverage, got.PQCCoverage)
	require.NoError(t, s.Close(context.Background()))

	disabled := New(nil, record.NewSet(nil), nil)
	_, err = disabled.Enrich(context.Background(), "1")
	require.ErrorIs(t, err, ErrEnrichmentDisabled)
}

func TestRunPollsUntilCancelled(t *testing.T) {
	live := &liveAdapter{recs: []record.ComplianceRecord{acvpRecord("1")}}
	s := newSession(t, live, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, 20*time.Millisecond) }()

	require.Eventually(t, func() bool { return len(s.Records()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}

	require.Error(t, s.Run(context.Background(), 0))
}

func TestEnrichUnderFilterKeepsHiddenRecordsCached(t *testing.T) {
	keep, other := acvpRecord("1"), acvpRecord("2")
	keep.Vendor, other.Vendor = "Keep", "Other"
	live := &liveAdapter{recs: []record.ComplianceRecord{keep, other}}

	filter, err := query.Compile(`record.vendor == "Keep"`)
	require.NoError(t, err)
	recs := cache.NewRecords(cache.NewMemoryStore())
	agg := aggregator.New([]sources.Adapter{live}, nil, recs, aggregator.Config{Production: true, Filter: filter})
	set := record.NewSet(nil)
	enr := enrich.New(set, detailText("ML-KEM-768 KeyGen"), recs, live,
		enrich.WithCoalescer(enrich.NewCoalescer(time.Millisecond)))
	s := New(agg, set, enr)

	st := s.Refresh(context.Background(), false)
	require.Len(t, st.Records, 1)

	_, err = s.Enrich(context.Background(), "1")
	require.NoError(t, err)
	require.NoError(t, s.Close(context.Background()))

	entry, found, err := recs.Load(context.Background(), "acvp")
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, entry.Records, 2)
	byID := map[string]record.ComplianceRecord{}
	for _, r := range entry.Records {
		byID[r.ID] = r
	}
	assert.Equal(t, "ML-KEM-768", byID["1"].PQCCoverage.String())
	assert.True(t, byID["2"].PQCCoverage.IsPending())

	// a later run served from cache still sees both records
	filtered, err := agg.Run(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, filtered.Records, 1)
	assert.True(t, filtered.Sources[0].FromCache)
	assert.Equal(t, int32(1), live.calls.Load())
}
