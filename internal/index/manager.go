// Package index maintains the derived vector similarity index over
// knowledge entries. The index is never authoritative: it is rebuilt from
// the store on demand and kept current between rebuilds by an ordered
// change-event stream.
package index

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dakb-ai/dakb/internal/domain"
)

const defaultEventBuffer = 1024

// Record is one store row projected into the index during a rebuild scan
type Record struct {
	EntryID   string
	Embedding []float32
	Version   int64
}

// Source yields every live entry in the store; the index is reconstructible
// from this scan alone.
type Source interface {
	ScanIndexRecords(ctx context.Context) ([]Record, error)
}

// Stats describes the currently published generation
type Stats struct {
	Ready       bool
	Generation  uint64
	Entries     int
	Tombstones  int
	LastRebuild time.Time
}

type rebuildHandle struct {
	done chan struct{}
	err  error
}

type buildResult struct {
	gen *Generation
	err error
}

// Manager owns the published index generation and serializes all index
// mutations through a single apply goroutine. Queries read whatever
// generation is published and never block on an in-flight rebuild.
type Manager struct {
	source Source

	gen         atomic.Pointer[Generation]
	lastRebuild atomic.Int64 // unix nanos
	seq         atomic.Uint64

	events   chan domain.ChangeEvent
	rebuildc chan *rebuildHandle

	mu       sync.Mutex
	inflight *rebuildHandle

	runCtx  context.Context
	cancel  context.CancelFunc
	stopped chan struct{}
	started bool
}

// NewManager creates a Manager reading rebuild scans from source. The
// manager publishes no generation until the first successful rebuild;
// queries fail closed until then.
func NewManager(source Source) *Manager {
	return &Manager{
		source:   source,
		events:   make(chan domain.ChangeEvent, defaultEventBuffer),
		rebuildc: make(chan *rebuildHandle),
		stopped:  make(chan struct{}),
	}
}

// Start launches the apply loop. Must be called exactly once.
func (m *Manager) Start(ctx context.Context) {
	m.runCtx, m.cancel = context.WithCancel(ctx)
	m.started = true
	go m.loop()
}

// Stop shuts down the apply loop and waits for it to exit
func (m *Manager) Stop() {
	if !m.started {
		return
	}
	m.cancel()
	<-m.stopped
}

// Apply enqueues a change event for the single-writer apply loop. Events
// for one entry must be enqueued in version order, which the store
// guarantees by emitting synchronously after each committed mutation.
func (m *Manager) Apply(ev domain.ChangeEvent) {
	select {
	case m.events <- ev:
	case <-m.runCtx.Done():
	}
}

// Query returns the top-k matches against the last fully-built generation.
// Fails with ErrIndexUnavailable before the first successful rebuild.
func (m *Manager) Query(vector []float32, k int, candidates map[string]struct{}) ([]Match, error) {
	g := m.gen.Load()
	if g == nil {
		return nil, domain.ErrIndexUnavailable
	}
	return g.search(vector, k, candidates), nil
}

// Rebuild reconstructs the index from a full store scan and atomically
// publishes the new generation. A rebuild requested while one is already
// running is coalesced: both callers observe the same completion.
func (m *Manager) Rebuild(ctx context.Context) error {
	m.mu.Lock()
	if h := m.inflight; h != nil {
		m.mu.Unlock()
		return m.await(ctx, h)
	}
	h := &rebuildHandle{done: make(chan struct{})}
	m.inflight = h
	m.mu.Unlock()

	select {
	case m.rebuildc <- h:
	case <-m.runCtx.Done():
		m.mu.Lock()
		m.inflight = nil
		m.mu.Unlock()
		h.err = domain.NewDomainErrorWithCause(domain.ErrCodeUnavailable, "index manager stopped", m.runCtx.Err())
		close(h.done)
		return h.err
	}
	return m.await(ctx, h)
}

func (m *Manager) await(ctx context.Context, h *rebuildHandle) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats reports the state of the published generation
func (m *Manager) Stats() Stats {
	g := m.gen.Load()
	if g == nil {
		return Stats{}
	}
	entries, tombstones := g.size()
	return Stats{
		Ready:       true,
		Generation:  g.seq,
		Entries:     entries,
		Tombstones:  tombstones,
		LastRebuild: time.Unix(0, m.lastRebuild.Load()).UTC(),
	}
}

// loop is the single writer for all index state. Events arriving while a
// rebuild scan is running are parked and replayed against the freshly
// built generation right after the swap, so no write is lost to a rebuild
// race. Stale-version no-ops in apply make the replay safe even when the
// scan already observed the newer row.
func (m *Manager) loop() {
	defer close(m.stopped)

	var pending []domain.ChangeEvent
	var building *rebuildHandle
	builtc := make(chan buildResult, 1)

	for {
		select {
		case ev := <-m.events:
			g := m.gen.Load()
			if building != nil || g == nil {
				pending = append(pending, ev)
				continue
			}
			applyEvent(g, ev)

		case h := <-m.rebuildc:
			building = h
			go func() {
				gen, err := m.build()
				builtc <- buildResult{gen: gen, err: err}
			}()

		case res := <-builtc:
			if res.err == nil {
				for _, ev := range pending {
					applyEvent(res.gen, ev)
				}
				pending = pending[:0]
				m.gen.Store(res.gen)
				m.lastRebuild.Store(time.Now().UnixNano())
			} else {
				log.Printf("index: rebuild failed: %v", res.err)
				if g := m.gen.Load(); g != nil {
					for _, ev := range pending {
						applyEvent(g, ev)
					}
					pending = pending[:0]
				}
			}
			h := building
			building = nil
			m.mu.Lock()
			m.inflight = nil
			m.mu.Unlock()
			h.err = res.err
			close(h.done)

		case <-m.runCtx.Done():
			if building != nil {
				m.mu.Lock()
				m.inflight = nil
				m.mu.Unlock()
				building.err = domain.NewDomainErrorWithCause(domain.ErrCodeUnavailable, "index manager stopped", m.runCtx.Err())
				close(building.done)
			}
			return
		}
	}
}

func (m *Manager) build() (*Generation, error) {
	records, err := m.source.ScanIndexRecords(m.runCtx)
	if err != nil {
		return nil, err
	}
	gen := newGeneration(m.seq.Add(1))
	for _, rec := range records {
		gen.upsert(rec.EntryID, rec.Embedding, rec.Version)
	}
	return gen, nil
}

func applyEvent(g *Generation, ev domain.ChangeEvent) {
	switch ev.Kind {
	case domain.EventCreated, domain.EventUpdated:
		g.upsert(ev.EntryID, ev.Embedding, ev.Version)
	case domain.EventDeleted:
		g.remove(ev.EntryID, ev.Version)
	}
}
