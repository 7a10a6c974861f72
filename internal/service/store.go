package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/dakb-ai/dakb/internal/domain"
	"github.com/dakb-ai/dakb/internal/pagination"
	"github.com/dakb-ai/dakb/internal/repository"
	"github.com/dakb-ai/dakb/internal/telemetry"
)

// voteRetryAttempts bounds the optimistic-concurrency retry when two
// agents vote on the same entry at the same moment
const voteRetryAttempts = 3

// EntryRepositoryInterface defines the repository interface for knowledge persistence
type EntryRepositoryInterface interface {
	Create(ctx context.Context, e *domain.Entry) error
	GetByID(ctx context.Context, id string) (*domain.Entry, error)
	GetByIDs(ctx context.Context, ids []string) ([]*domain.Entry, error)
	Update(ctx context.Context, e *domain.Entry, expectedVersion int64) error
	Delete(ctx context.Context, id string) error
	IDsByCategory(ctx context.Context, category domain.Category) (map[string]struct{}, error)
	ListPage(ctx context.Context, filter repository.ListFilter, cursor *pagination.Cursor, limit int) (*repository.ListPageResult, error)
	Stats(ctx context.Context) (*repository.Stats, error)
	Count(ctx context.Context) (int64, error)
}

// EmbedderInterface defines the embedding gateway interface
type EmbedderInterface interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
}

// EventSink receives the ordered change-event stream that keeps the
// similarity index current between rebuilds. The store emits an event
// synchronously after every committed mutation, so events for a single
// entry always arrive in version order.
type EventSink interface {
	Apply(ev domain.ChangeEvent)
}

// UUIDGenerator defines interface for UUID generation (for testing)
type UUIDGenerator interface {
	NewString() string
}

// DefaultUUIDGenerator is the default UUID generator using google/uuid
type DefaultUUIDGenerator struct{}

// NewString generates a new UUID string
func (g *DefaultUUIDGenerator) NewString() string {
	return uuid.NewString()
}

// KnowledgeStore handles business logic for knowledge entries: creation
// with embedding and TTL derivation, access-controlled reads, optimistic
// updates, voting, and deletion, each followed by a change event.
type KnowledgeStore struct {
	repo     EntryRepositoryInterface
	embedder EmbedderInterface
	events   EventSink
	uuidGen  UUIDGenerator
	now      func() time.Time
}

// NewKnowledgeStore creates a new KnowledgeStore instance
func NewKnowledgeStore(repo EntryRepositoryInterface, embedder EmbedderInterface, events EventSink) *KnowledgeStore {
	return &KnowledgeStore{
		repo:     repo,
		embedder: embedder,
		events:   events,
		uuidGen:  &DefaultUUIDGenerator{},
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// NewKnowledgeStoreWithDeps creates a KnowledgeStore with custom UUID
// generation and clock (for testing)
func NewKnowledgeStoreWithDeps(repo EntryRepositoryInterface, embedder EmbedderInterface, events EventSink, uuidGen UUIDGenerator, now func() time.Time) *KnowledgeStore {
	return &KnowledgeStore{
		repo:     repo,
		embedder: embedder,
		events:   events,
		uuidGen:  uuidGen,
		now:      now,
	}
}

// CreateInput represents the input for creating a knowledge entry
type CreateInput struct {
	Title       string
	Content     string
	ContentType domain.ContentType
	Category    domain.Category
	Tags        []string
	AccessScope domain.AccessScope
	AllowAgents []string
}

// UpdateInput represents a partial update to a knowledge entry. Nil
// fields are left unchanged. ExpectedVersion, when non-zero, must match
// the stored version or the update fails with a conflict.
type UpdateInput struct {
	EntryID         string
	Title           *string
	Content         *string
	Category        *domain.Category
	Tags            *[]string
	AccessScope     *domain.AccessScope
	AllowAgents     *[]string
	ExpectedVersion int64
}

// ListInput represents a paginated listing request
type ListInput struct {
	Category    domain.Category
	ContentType domain.ContentType
	Cursor      string
	Limit       int
}

// ListOutput is one page of entries visible to the requester
type ListOutput struct {
	Items   []*domain.Entry
	Cursor  string
	HasMore bool
}

// Create stores a new knowledge entry. The embedding is generated before
// anything is persisted, so an unreachable embedding capability rejects
// the write instead of storing an entry the index could never serve.
func (s *KnowledgeStore) Create(ctx context.Context, req domain.Requester, input CreateInput) (*domain.Entry, error) {
	ctx, span := telemetry.StartSpan(ctx, "KnowledgeStore.Create", telemetry.SpanAttributes{
		AgentID:   req.AgentID,
		Operation: "create",
	})
	defer span.End()

	if req.AgentID == "" {
		return nil, domain.NewDomainError(domain.ErrCodeValidation, "requester agent id is required")
	}

	now := s.now()
	entry := &domain.Entry{
		ID:          s.uuidGen.NewString(),
		Title:       input.Title,
		Content:     input.Content,
		ContentType: input.ContentType,
		Category:    input.Category,
		Tags:        input.Tags,
		AccessScope: input.AccessScope,
		AllowAgents: input.AllowAgents,
		OwnerID:     req.AgentID,
		Confidence:  domain.ComputeConfidence(domain.VoteTally{}),
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   domain.ExpiryFor(input.ContentType, now),
		Version:     1,
	}
	if entry.Category == "" {
		entry.Category = domain.CategoryGeneral
	}
	if entry.AccessScope == "" {
		entry.AccessScope = domain.AccessScopePublic
	}
	if err := domain.ValidateEntry(entry); err != nil {
		return nil, err
	}

	vec, err := s.embedder.GenerateEmbedding(ctx, entry.EmbeddingText())
	if err != nil {
		span.SetError(err)
		return nil, err
	}
	entry.Embedding = vec

	if err := s.repo.Create(ctx, entry); err != nil {
		span.SetError(err)
		return nil, err
	}

	s.events.Apply(domain.ChangeEvent{
		Kind:      domain.EventCreated,
		EntryID:   entry.ID,
		Embedding: entry.Embedding,
		Version:   entry.Version,
	})
	return entry, nil
}

// Get returns a single entry, enforcing read access. Expired entries are
// reported as not found even before the sweeper removes them.
func (s *KnowledgeStore) Get(ctx context.Context, req domain.Requester, id string) (*domain.Entry, error) {
	entry, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry.Expired(s.now()) {
		return nil, domain.ErrEntryNotFound
	}
	if !entry.Readable(req) {
		return nil, domain.ErrForbidden
	}
	return entry, nil
}

// Update applies a partial update. Only the owner or an admin may write.
// Title or content changes re-embed the entry and refresh its TTL lease;
// a concurrent writer winning the version race surfaces as a conflict.
func (s *KnowledgeStore) Update(ctx context.Context, req domain.Requester, input UpdateInput) (*domain.Entry, error) {
	ctx, span := telemetry.StartSpan(ctx, "KnowledgeStore.Update", telemetry.SpanAttributes{
		EntryID:   input.EntryID,
		AgentID:   req.AgentID,
		Operation: "update",
	})
	defer span.End()

	entry, err := s.repo.GetByID(ctx, input.EntryID)
	if err != nil {
		return nil, err
	}
	// An expired entry is gone to writers too; the TTL lease cannot be
	// revived by updating past it
	if entry.Expired(s.now()) {
		return nil, domain.ErrEntryNotFound
	}
	if !entry.Writable(req) {
		return nil, domain.ErrForbidden
	}
	if input.ExpectedVersion > 0 && entry.Version != input.ExpectedVersion {
		return nil, domain.ErrVersionConflict
	}

	contentChanged := false
	if input.Title != nil && *input.Title != entry.Title {
		entry.Title = *input.Title
		contentChanged = true
	}
	if input.Content != nil && *input.Content != entry.Content {
		entry.Content = *input.Content
		contentChanged = true
	}
	if input.Category != nil {
		entry.Category = *input.Category
	}
	if input.Tags != nil {
		entry.Tags = *input.Tags
	}
	if input.AccessScope != nil {
		entry.AccessScope = *input.AccessScope
	}
	if input.AllowAgents != nil {
		entry.AllowAgents = *input.AllowAgents
	}
	if err := domain.ValidateEntry(entry); err != nil {
		return nil, err
	}

	now := s.now()
	if contentChanged {
		vec, err := s.embedder.GenerateEmbedding(ctx, entry.EmbeddingText())
		if err != nil {
			span.SetError(err)
			return nil, err
		}
		entry.Embedding = vec
		entry.ExpiresAt = domain.ExpiryFor(entry.ContentType, now)
	}

	expected := entry.Version
	entry.Version++
	entry.UpdatedAt = now

	if err := s.repo.Update(ctx, entry, expected); err != nil {
		span.SetError(err)
		return nil, err
	}

	s.events.Apply(domain.ChangeEvent{
		Kind:      domain.EventUpdated,
		EntryID:   entry.ID,
		Embedding: entry.Embedding,
		Version:   entry.Version,
	})
	return entry, nil
}

// Vote records a vote on an entry and recomputes its confidence. Any
// agent that can read the entry may vote. Lost optimistic races against
// other voters are retried a bounded number of times.
func (s *KnowledgeStore) Vote(ctx context.Context, req domain.Requester, id string, kind domain.VoteKind) (*domain.Entry, error) {
	ctx, span := telemetry.StartSpan(ctx, "KnowledgeStore.Vote", telemetry.SpanAttributes{
		EntryID:   id,
		AgentID:   req.AgentID,
		Operation: "vote",
	})
	defer span.End()

	if !domain.IsValidVoteKind(kind) {
		return nil, domain.ErrInvalidVoteKind
	}

	var lastErr error
	for attempt := 0; attempt < voteRetryAttempts; attempt++ {
		entry, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if entry.Expired(s.now()) {
			return nil, domain.ErrEntryNotFound
		}
		if !entry.Readable(req) {
			return nil, domain.ErrForbidden
		}

		switch kind {
		case domain.VoteHelpful:
			entry.Votes.Helpful++
		case domain.VoteUnhelpful:
			entry.Votes.Unhelpful++
		case domain.VoteOutdated:
			entry.Votes.Outdated++
		case domain.VoteIncorrect:
			entry.Votes.Incorrect++
		}
		entry.Confidence = domain.ComputeConfidence(entry.Votes)

		expected := entry.Version
		entry.Version++
		entry.UpdatedAt = s.now()

		err = s.repo.Update(ctx, entry, expected)
		if err == nil {
			s.events.Apply(domain.ChangeEvent{
				Kind:      domain.EventUpdated,
				EntryID:   entry.ID,
				Embedding: entry.Embedding,
				Version:   entry.Version,
			})
			return entry, nil
		}
		if !errors.Is(err, domain.ErrVersionConflict) {
			span.SetError(err)
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// Delete removes an entry. Only the owner or an admin may delete. The
// emitted tombstone event carries version+1 so it always supersedes the
// last live version in the index.
func (s *KnowledgeStore) Delete(ctx context.Context, req domain.Requester, id string) error {
	ctx, span := telemetry.StartSpan(ctx, "KnowledgeStore.Delete", telemetry.SpanAttributes{
		EntryID:   id,
		AgentID:   req.AgentID,
		Operation: "delete",
	})
	defer span.End()

	entry, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	// No expiry check here: the sweeper removes entries precisely because
	// they expired
	if !entry.Writable(req) {
		return domain.ErrForbidden
	}

	if err := s.repo.Delete(ctx, id); err != nil {
		span.SetError(err)
		return err
	}

	s.events.Apply(domain.ChangeEvent{
		Kind:    domain.EventDeleted,
		EntryID: id,
		Version: entry.Version + 1,
	})
	return nil
}

// List returns one page of entries visible to the requester, newest
// update first
func (s *KnowledgeStore) List(ctx context.Context, req domain.Requester, input ListInput) (*ListOutput, error) {
	cursor, err := pagination.DecodeCursor(input.Cursor)
	if err != nil {
		return nil, domain.NewDomainError(domain.ErrCodeValidation, "invalid cursor")
	}
	if input.Category != "" && !domain.IsValidCategory(input.Category) {
		return nil, domain.NewDomainError(domain.ErrCodeValidation, "invalid category: "+string(input.Category))
	}
	if input.ContentType != "" && !domain.IsValidContentType(input.ContentType) {
		return nil, domain.NewDomainError(domain.ErrCodeValidation, "invalid content type: "+string(input.ContentType))
	}

	page, err := s.repo.ListPage(ctx, repository.ListFilter{
		Category:    input.Category,
		ContentType: input.ContentType,
	}, cursor, input.Limit)
	if err != nil {
		return nil, err
	}

	now := s.now()
	items := make([]*domain.Entry, 0, len(page.Items))
	for _, e := range page.Items {
		if e.Readable(req) && !e.Expired(now) {
			items = append(items, e)
		}
	}
	return &ListOutput{Items: items, Cursor: page.NextCursor, HasMore: page.HasMore}, nil
}

// Stats summarizes the stored corpus
func (s *KnowledgeStore) Stats(ctx context.Context) (*repository.Stats, error) {
	return s.repo.Stats(ctx)
}

// Count returns the number of stored entries, used by the readiness check
func (s *KnowledgeStore) Count(ctx context.Context) (int64, error) {
	return s.repo.Count(ctx)
}
