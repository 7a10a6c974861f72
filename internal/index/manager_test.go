package index

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dakb-ai/dakb/internal/domain"
)

// fakeSource serves a fixed record set and can hold scans open until
// released, to exercise mid-rebuild behavior.
type fakeSource struct {
	mu      sync.Mutex
	records []Record
	scans   atomic.Int32
	gate    chan struct{} // when non-nil, scan blocks until closed
	err     error
}

func (s *fakeSource) ScanIndexRecords(ctx context.Context) ([]Record, error) {
	s.scans.Add(1)
	s.mu.Lock()
	gate := s.gate
	records := append([]Record(nil), s.records...)
	err := s.err
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return records, err
}

func (s *fakeSource) setRecords(records []Record) {
	s.mu.Lock()
	s.records = records
	s.mu.Unlock()
}

func startManager(t *testing.T, source Source) *Manager {
	t.Helper()
	m := NewManager(source)
	m.Start(context.Background())
	t.Cleanup(m.Stop)
	return m
}

func TestManagerQueryFailsClosedBeforeFirstBuild(t *testing.T) {
	m := startManager(t, &fakeSource{})

	_, err := m.Query([]float32{1, 0}, 5, nil)
	assert.ErrorIs(t, err, domain.ErrIndexUnavailable)
	assert.False(t, m.Stats().Ready)
}

func TestManagerRebuildPublishesGeneration(t *testing.T) {
	source := &fakeSource{records: []Record{
		{EntryID: "a", Embedding: []float32{1, 0}, Version: 1},
		{EntryID: "b", Embedding: []float32{0, 1}, Version: 1},
	}}
	m := startManager(t, source)

	require.NoError(t, m.Rebuild(context.Background()))

	matches, err := m.Query([]float32{1, 0}, 1, nil)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "a", matches[0].EntryID)
	assert.GreaterOrEqual(t, matches[0].Similarity, 0.99)

	stats := m.Stats()
	assert.True(t, stats.Ready)
	assert.Equal(t, 2, stats.Entries)
	assert.Equal(t, uint64(1), stats.Generation)
}

func TestManagerApplyVisibleAfterDrain(t *testing.T) {
	m := startManager(t, &fakeSource{})
	require.NoError(t, m.Rebuild(context.Background()))

	m.Apply(domain.ChangeEvent{Kind: domain.EventCreated, EntryID: "x", Embedding: []float32{1, 0}, Version: 1})

	require.Eventually(t, func() bool {
		matches, err := m.Query([]float32{1, 0}, 1, nil)
		return err == nil && len(matches) == 1 && matches[0].EntryID == "x"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestManagerRebuildCoalescing(t *testing.T) {
	gate := make(chan struct{})
	source := &fakeSource{gate: gate}
	m := startManager(t, source)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.Rebuild(context.Background())
		}(i)
	}

	// Let every caller attach to the in-flight rebuild, then release it
	assert.Eventually(t, func() bool { return source.scans.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), source.scans.Load(), "concurrent rebuild requests must coalesce into one scan")
}

func TestManagerAppliesQueuedDuringRebuild(t *testing.T) {
	gate := make(chan struct{})
	source := &fakeSource{
		records: []Record{{EntryID: "old", Embedding: []float32{1, 0}, Version: 1}},
		gate:    gate,
	}
	m := startManager(t, source)

	done := make(chan error, 1)
	go func() { done <- m.Rebuild(context.Background()) }()
	require.Eventually(t, func() bool { return source.scans.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	// Write arriving mid-rebuild: must survive the generation swap
	m.Apply(domain.ChangeEvent{Kind: domain.EventCreated, EntryID: "new", Embedding: []float32{0, 1}, Version: 1})
	time.Sleep(20 * time.Millisecond)
	close(gate)
	require.NoError(t, <-done)

	matches, err := m.Query([]float32{0, 1}, 1, nil)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "new", matches[0].EntryID)

	matches, err = m.Query([]float32{1, 0}, 1, nil)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "old", matches[0].EntryID)
}

func TestManagerQueryDuringRebuildSeesOldGeneration(t *testing.T) {
	source := &fakeSource{records: []Record{{EntryID: "a", Embedding: []float32{1, 0}, Version: 1}}}
	m := startManager(t, source)
	require.NoError(t, m.Rebuild(context.Background()))

	gate := make(chan struct{})
	source.mu.Lock()
	source.gate = gate
	source.records = []Record{{EntryID: "b", Embedding: []float32{0, 1}, Version: 1}}
	source.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- m.Rebuild(context.Background()) }()
	require.Eventually(t, func() bool { return source.scans.Load() == 2 }, 2*time.Second, 5*time.Millisecond)

	// Mid-rebuild queries must answer from the old generation, never a
	// partially built one.
	matches, err := m.Query([]float32{1, 0}, 1, nil)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "a", matches[0].EntryID)

	close(gate)
	require.NoError(t, <-done)

	matches, err = m.Query([]float32{0, 1}, 1, nil)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "b", matches[0].EntryID)
}

func TestManagerRebuildFailureKeepsOldGeneration(t *testing.T) {
	source := &fakeSource{records: []Record{{EntryID: "a", Embedding: []float32{1, 0}, Version: 1}}}
	m := startManager(t, source)
	require.NoError(t, m.Rebuild(context.Background()))

	source.mu.Lock()
	source.err = assert.AnError
	source.mu.Unlock()

	assert.Error(t, m.Rebuild(context.Background()))

	matches, err := m.Query([]float32{1, 0}, 1, nil)
	require.NoError(t, err)
	assert.Len(t, matches, 1, "failed rebuild must not unpublish the old generation")
}

func TestManagerStopIsLeakFree(t *testing.T) {
	defer goleak.VerifyNone(t)

	source := &fakeSource{}
	m := NewManager(source)
	m.Start(context.Background())
	require.NoError(t, m.Rebuild(context.Background()))
	m.Apply(domain.ChangeEvent{Kind: domain.EventCreated, EntryID: "a", Embedding: []float32{1}, Version: 1})
	m.Stop()
}
