package service

import (
	"context"
	"sort"
	"time"

	"github.com/dakb-ai/dakb/internal/domain"
	"github.com/dakb-ai/dakb/internal/index"
	"github.com/dakb-ai/dakb/internal/telemetry"
)

const (
	// DefaultSearchLimit is what the HTTP layer substitutes when a request
	// omits the limit; the service itself requires an explicit limit in [1, max]
	DefaultSearchLimit = 10
	// MaxSearchLimit is the hard ceiling on requested result counts
	MaxSearchLimit = 50

	// The index is over-fetched to compensate for matches dropped by
	// access control, expiry, and the score floor
	overfetchFactor = 4
	overfetchMin    = 20
	overfetchMax    = 200
)

// IndexInterface defines the similarity index interface
type IndexInterface interface {
	Query(vector []float32, k int, candidates map[string]struct{}) ([]index.Match, error)
}

// SearchInput represents a similarity search request
type SearchInput struct {
	Query    string
	Limit    int
	MinScore float64
	Category domain.Category
}

// SearchResult pairs an entry with its similarity to the query
type SearchResult struct {
	Entry      *domain.Entry
	Similarity float64
}

// SearchService ranks knowledge entries by vector similarity. It fails
// closed: without a consistent index snapshot or a reachable embedding
// capability, searches return Unavailable rather than degraded results.
type SearchService struct {
	repo     EntryRepositoryInterface
	embedder EmbedderInterface
	index    IndexInterface
	maxLimit int
	now      func() time.Time
}

// NewSearchService creates a new SearchService instance
func NewSearchService(repo EntryRepositoryInterface, embedder EmbedderInterface, idx IndexInterface) *SearchService {
	return &SearchService{
		repo:     repo,
		embedder: embedder,
		index:    idx,
		maxLimit: MaxSearchLimit,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// NewSearchServiceWithDeps creates a SearchService with a custom result
// ceiling and clock (for testing)
func NewSearchServiceWithDeps(repo EntryRepositoryInterface, embedder EmbedderInterface, idx IndexInterface, maxLimit int, now func() time.Time) *SearchService {
	if maxLimit <= 0 {
		maxLimit = MaxSearchLimit
	}
	return &SearchService{
		repo:     repo,
		embedder: embedder,
		index:    idx,
		maxLimit: maxLimit,
		now:      now,
	}
}

// Search embeds the query text and returns up to Limit entries the
// requester may read, ordered by similarity, then confidence, then
// recency. Entries below MinScore or past their TTL never appear.
func (s *SearchService) Search(ctx context.Context, req domain.Requester, input SearchInput) ([]SearchResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "SearchService.Search", telemetry.SpanAttributes{
		AgentID:   req.AgentID,
		Operation: "search",
	})
	defer span.End()

	if err := s.validate(input); err != nil {
		return nil, err
	}
	limit := input.Limit

	vec, err := s.embedder.GenerateEmbedding(ctx, input.Query)
	if err != nil {
		span.SetError(err)
		return nil, err
	}

	var candidates map[string]struct{}
	if input.Category != "" {
		candidates, err = s.repo.IDsByCategory(ctx, input.Category)
		if err != nil {
			span.SetError(err)
			return nil, err
		}
		if len(candidates) == 0 {
			return []SearchResult{}, nil
		}
	}

	matches, err := s.index.Query(vec, overfetch(limit), candidates)
	if err != nil {
		span.SetError(err)
		return nil, err
	}
	if len(matches) == 0 {
		return []SearchResult{}, nil
	}

	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, m.EntryID)
	}
	entries, err := s.repo.GetByIDs(ctx, ids)
	if err != nil {
		span.SetError(err)
		return nil, err
	}
	byID := make(map[string]*domain.Entry, len(entries))
	for _, e := range entries {
		byID[e.ID] = e
	}

	now := s.now()
	results := make([]SearchResult, 0, limit)
	for _, m := range matches {
		e, ok := byID[m.EntryID]
		if !ok {
			// Indexed but deleted from the store since; skip
			continue
		}
		if m.Similarity < input.MinScore || e.Expired(now) || !e.Readable(req) {
			continue
		}
		results = append(results, SearchResult{Entry: e, Similarity: m.Similarity})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		if results[i].Entry.Confidence != results[j].Entry.Confidence {
			return results[i].Entry.Confidence > results[j].Entry.Confidence
		}
		return results[i].Entry.CreatedAt.After(results[j].Entry.CreatedAt)
	})

	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (s *SearchService) validate(input SearchInput) error {
	if input.Query == "" {
		return domain.NewDomainError(domain.ErrCodeValidation, "search query is required")
	}
	if input.Limit < 1 || input.Limit > s.maxLimit {
		return domain.NewDomainError(domain.ErrCodeValidation, "search limit out of range")
	}
	if input.MinScore < 0 || input.MinScore > 1 {
		return domain.NewDomainError(domain.ErrCodeValidation, "min score must be between 0 and 1")
	}
	if input.Category != "" && !domain.IsValidCategory(input.Category) {
		return domain.NewDomainError(domain.ErrCodeValidation, "invalid category: "+string(input.Category))
	}
	return nil
}

func overfetch(limit int) int {
	k := limit * overfetchFactor
	if k < overfetchMin {
		k = overfetchMin
	}
	if k > overfetchMax {
		k = overfetchMax
	}
	return k
}
