package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dakb-ai/dakb/internal/domain"
	"github.com/dakb-ai/dakb/internal/pagination"
	"github.com/dakb-ai/dakb/internal/repository"
)

// MockEntryRepository is a mock implementation of EntryRepositoryInterface
type MockEntryRepository struct {
	mock.Mock
}

func (m *MockEntryRepository) Create(ctx context.Context, e *domain.Entry) error {
	args := m.Called(ctx, e)
	return args.Error(0)
}

func (m *MockEntryRepository) GetByID(ctx context.Context, id string) (*domain.Entry, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Entry), args.Error(1)
}

func (m *MockEntryRepository) GetByIDs(ctx context.Context, ids []string) ([]*domain.Entry, error) {
	args := m.Called(ctx, ids)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Entry), args.Error(1)
}

func (m *MockEntryRepository) Update(ctx context.Context, e *domain.Entry, expectedVersion int64) error {
	args := m.Called(ctx, e, expectedVersion)
	return args.Error(0)
}

func (m *MockEntryRepository) Delete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockEntryRepository) IDsByCategory(ctx context.Context, category domain.Category) (map[string]struct{}, error) {
	args := m.Called(ctx, category)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]struct{}), args.Error(1)
}

func (m *MockEntryRepository) ListPage(ctx context.Context, filter repository.ListFilter, cursor *pagination.Cursor, limit int) (*repository.ListPageResult, error) {
	args := m.Called(ctx, filter, cursor, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*repository.ListPageResult), args.Error(1)
}

func (m *MockEntryRepository) Stats(ctx context.Context) (*repository.Stats, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*repository.Stats), args.Error(1)
}

func (m *MockEntryRepository) Count(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

// MockEmbedder is a mock implementation of EmbedderInterface
type MockEmbedder struct {
	mock.Mock
}

func (m *MockEmbedder) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	args := m.Called(ctx, text)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]float32), args.Error(1)
}

// recordingSink captures change events in emission order
type recordingSink struct {
	events []domain.ChangeEvent
}

func (s *recordingSink) Apply(ev domain.ChangeEvent) {
	s.events = append(s.events, ev)
}

type fixedUUIDGen struct{ id string }

func (g *fixedUUIDGen) NewString() string { return g.id }

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(repo *MockEntryRepository, embedder *MockEmbedder, sink *recordingSink) *KnowledgeStore {
	return NewKnowledgeStoreWithDeps(repo, embedder, sink,
		&fixedUUIDGen{id: "entry-1"},
		func() time.Time { return testNow })
}

func agentReq(id string) domain.Requester {
	return domain.Requester{AgentID: id, Role: domain.RoleAgent}
}

func validCreateInput() CreateInput {
	return CreateInput{
		Title:       "Postgres connection pooling",
		Content:     "Use a bounded pool sized to core count.",
		ContentType: domain.ContentTypeLesson,
		Category:    domain.CategoryOperations,
		Tags:        []string{"postgres"},
	}
}

func TestCreateEntry(t *testing.T) {
	repo := &MockEntryRepository{}
	embedder := &MockEmbedder{}
	sink := &recordingSink{}
	store := newTestStore(repo, embedder, sink)

	embedder.On("GenerateEmbedding", mock.Anything, mock.Anything).Return([]float32{0.1, 0.2}, nil)
	repo.On("Create", mock.Anything, mock.AnythingOfType("*domain.Entry")).Return(nil)

	entry, err := store.Create(context.Background(), agentReq("agent-a"), validCreateInput())
	require.NoError(t, err)

	assert.Equal(t, "entry-1", entry.ID)
	assert.Equal(t, "agent-a", entry.OwnerID)
	assert.Equal(t, int64(1), entry.Version)
	assert.Equal(t, []float32{0.1, 0.2}, entry.Embedding)
	assert.InDelta(t, 0.5, entry.Confidence, 1e-9)
	assert.Equal(t, domain.AccessScopePublic, entry.AccessScope)

	require.Len(t, sink.events, 1)
	assert.Equal(t, domain.EventCreated, sink.events[0].Kind)
	assert.Equal(t, int64(1), sink.events[0].Version)
	repo.AssertExpectations(t)
}

func TestCreateEntryLessonNeverExpires(t *testing.T) {
	repo := &MockEntryRepository{}
	embedder := &MockEmbedder{}
	store := newTestStore(repo, embedder, &recordingSink{})

	embedder.On("GenerateEmbedding", mock.Anything, mock.Anything).Return([]float32{0.1}, nil)
	repo.On("Create", mock.Anything, mock.Anything).Return(nil)

	entry, err := store.Create(context.Background(), agentReq("agent-a"), validCreateInput())
	require.NoError(t, err)
	assert.Nil(t, entry.ExpiresAt, "lessons carry no TTL")
}

func TestCreateEntryPlanGetsTTL(t *testing.T) {
	repo := &MockEntryRepository{}
	embedder := &MockEmbedder{}
	store := newTestStore(repo, embedder, &recordingSink{})

	embedder.On("GenerateEmbedding", mock.Anything, mock.Anything).Return([]float32{0.1}, nil)
	repo.On("Create", mock.Anything, mock.Anything).Return(nil)

	input := validCreateInput()
	input.ContentType = domain.ContentTypePlan
	entry, err := store.Create(context.Background(), agentReq("agent-a"), input)
	require.NoError(t, err)
	require.NotNil(t, entry.ExpiresAt)
	assert.Equal(t, testNow.Add(90*24*time.Hour), *entry.ExpiresAt)
}

func TestCreateEntryValidationRejectedBeforeEmbedding(t *testing.T) {
	repo := &MockEntryRepository{}
	embedder := &MockEmbedder{}
	store := newTestStore(repo, embedder, &recordingSink{})

	input := validCreateInput()
	input.Title = ""
	_, err := store.Create(context.Background(), agentReq("agent-a"), input)
	require.Error(t, err)

	var domainErr *domain.DomainError
	require.ErrorAs(t, err, &domainErr)
	assert.Equal(t, domain.ErrCodeValidation, domainErr.Code)
	embedder.AssertNotCalled(t, "GenerateEmbedding", mock.Anything, mock.Anything)
}

func TestCreateEntryEmbeddingFailureStoresNothing(t *testing.T) {
	repo := &MockEntryRepository{}
	embedder := &MockEmbedder{}
	sink := &recordingSink{}
	store := newTestStore(repo, embedder, sink)

	embedder.On("GenerateEmbedding", mock.Anything, mock.Anything).
		Return(nil, domain.ErrEmbeddingUnavailable)

	_, err := store.Create(context.Background(), agentReq("agent-a"), validCreateInput())
	assert.ErrorIs(t, err, domain.ErrEmbeddingUnavailable)
	repo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	assert.Empty(t, sink.events)
}

func storedEntry(owner string) *domain.Entry {
	return &domain.Entry{
		ID:          "entry-1",
		Title:       "Postgres connection pooling",
		Content:     "Use a bounded pool sized to core count.",
		ContentType: domain.ContentTypeLesson,
		Category:    domain.CategoryOperations,
		Embedding:   []float32{0.1, 0.2},
		AccessScope: domain.AccessScopePublic,
		OwnerID:     owner,
		Confidence:  0.5,
		CreatedAt:   testNow.Add(-time.Hour),
		UpdatedAt:   testNow.Add(-time.Hour),
		Version:     3,
	}
}

func TestUpdateEntryBumpsVersion(t *testing.T) {
	repo := &MockEntryRepository{}
	embedder := &MockEmbedder{}
	sink := &recordingSink{}
	store := newTestStore(repo, embedder, sink)

	repo.On("GetByID", mock.Anything, "entry-1").Return(storedEntry("agent-a"), nil)
	embedder.On("GenerateEmbedding", mock.Anything, mock.Anything).Return([]float32{0.3, 0.4}, nil)
	repo.On("Update", mock.Anything, mock.AnythingOfType("*domain.Entry"), int64(3)).Return(nil)

	content := "Pool size should follow core count, not connection demand."
	entry, err := store.Update(context.Background(), agentReq("agent-a"), UpdateInput{
		EntryID: "entry-1",
		Content: &content,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(4), entry.Version)
	assert.Equal(t, []float32{0.3, 0.4}, entry.Embedding, "content change must re-embed")
	assert.Equal(t, testNow, entry.UpdatedAt)

	require.Len(t, sink.events, 1)
	assert.Equal(t, domain.EventUpdated, sink.events[0].Kind)
	assert.Equal(t, int64(4), sink.events[0].Version)
	repo.AssertExpectations(t)
}

func TestUpdateEntryMetadataOnlySkipsEmbedding(t *testing.T) {
	repo := &MockEntryRepository{}
	embedder := &MockEmbedder{}
	store := newTestStore(repo, embedder, &recordingSink{})

	repo.On("GetByID", mock.Anything, "entry-1").Return(storedEntry("agent-a"), nil)
	repo.On("Update", mock.Anything, mock.Anything, int64(3)).Return(nil)

	tags := []string{"postgres", "pooling"}
	entry, err := store.Update(context.Background(), agentReq("agent-a"), UpdateInput{
		EntryID: "entry-1",
		Tags:    &tags,
	})
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2}, entry.Embedding)
	embedder.AssertNotCalled(t, "GenerateEmbedding", mock.Anything, mock.Anything)
}

func TestUpdateEntryForbiddenForNonOwner(t *testing.T) {
	repo := &MockEntryRepository{}
	store := newTestStore(repo, &MockEmbedder{}, &recordingSink{})

	repo.On("GetByID", mock.Anything, "entry-1").Return(storedEntry("agent-a"), nil)

	title := "hijacked"
	_, err := store.Update(context.Background(), agentReq("agent-b"), UpdateInput{
		EntryID: "entry-1",
		Title:   &title,
	})
	assert.ErrorIs(t, err, domain.ErrForbidden)
	repo.AssertNotCalled(t, "Update", mock.Anything, mock.Anything, mock.Anything)
}

func TestUpdateEntryAdminMayWrite(t *testing.T) {
	repo := &MockEntryRepository{}
	store := newTestStore(repo, &MockEmbedder{}, &recordingSink{})

	repo.On("GetByID", mock.Anything, "entry-1").Return(storedEntry("agent-a"), nil)
	repo.On("Update", mock.Anything, mock.Anything, int64(3)).Return(nil)

	cat := domain.CategoryDebugging
	_, err := store.Update(context.Background(), domain.Requester{AgentID: "ops", Role: domain.RoleAdmin}, UpdateInput{
		EntryID:  "entry-1",
		Category: &cat,
	})
	assert.NoError(t, err)
}

func TestUpdateEntryStaleExpectedVersionConflicts(t *testing.T) {
	repo := &MockEntryRepository{}
	store := newTestStore(repo, &MockEmbedder{}, &recordingSink{})

	repo.On("GetByID", mock.Anything, "entry-1").Return(storedEntry("agent-a"), nil)

	_, err := store.Update(context.Background(), agentReq("agent-a"), UpdateInput{
		EntryID:         "entry-1",
		ExpectedVersion: 2,
	})
	assert.ErrorIs(t, err, domain.ErrVersionConflict)
}

func TestUpdateExpiredEntryNotFound(t *testing.T) {
	repo := &MockEntryRepository{}
	store := newTestStore(repo, &MockEmbedder{}, &recordingSink{})

	e := storedEntry("agent-a")
	gone := testNow.Add(-time.Minute)
	e.ExpiresAt = &gone
	repo.On("GetByID", mock.Anything, "entry-1").Return(e, nil)

	title := "too late"
	_, err := store.Update(context.Background(), agentReq("agent-a"), UpdateInput{
		EntryID: "entry-1",
		Title:   &title,
	})
	assert.ErrorIs(t, err, domain.ErrEntryNotFound, "an elapsed TTL cannot be refreshed by updating")
	repo.AssertNotCalled(t, "Update", mock.Anything, mock.Anything, mock.Anything)
}

func TestUpdateEntryConcurrentWriterLosesRace(t *testing.T) {
	repo := &MockEntryRepository{}
	sink := &recordingSink{}
	store := newTestStore(repo, &MockEmbedder{}, sink)

	repo.On("GetByID", mock.Anything, "entry-1").Return(storedEntry("agent-a"), nil)
	repo.On("Update", mock.Anything, mock.Anything, int64(3)).Return(domain.ErrVersionConflict)

	tags := []string{"x"}
	_, err := store.Update(context.Background(), agentReq("agent-a"), UpdateInput{
		EntryID: "entry-1",
		Tags:    &tags,
	})
	assert.ErrorIs(t, err, domain.ErrVersionConflict)
	assert.Empty(t, sink.events, "lost races must not emit events")
}

func TestVoteRecomputesConfidence(t *testing.T) {
	repo := &MockEntryRepository{}
	sink := &recordingSink{}
	store := newTestStore(repo, &MockEmbedder{}, sink)

	repo.On("GetByID", mock.Anything, "entry-1").Return(storedEntry("agent-a"), nil)
	repo.On("Update", mock.Anything, mock.Anything, int64(3)).Return(nil)

	entry, err := store.Vote(context.Background(), agentReq("agent-b"), "entry-1", domain.VoteHelpful)
	require.NoError(t, err)

	assert.Equal(t, 1, entry.Votes.Helpful)
	assert.Equal(t, domain.ComputeConfidence(entry.Votes), entry.Confidence)
	assert.Greater(t, entry.Confidence, 0.5)
	assert.Equal(t, int64(4), entry.Version)
	require.Len(t, sink.events, 1)
	assert.Equal(t, domain.EventUpdated, sink.events[0].Kind)
}

func TestVoteInvalidKind(t *testing.T) {
	repo := &MockEntryRepository{}
	store := newTestStore(repo, &MockEmbedder{}, &recordingSink{})

	_, err := store.Vote(context.Background(), agentReq("agent-b"), "entry-1", domain.VoteKind("meh"))
	assert.ErrorIs(t, err, domain.ErrInvalidVoteKind)
	repo.AssertNotCalled(t, "GetByID", mock.Anything, mock.Anything)
}

func TestVoteRetriesLostRace(t *testing.T) {
	repo := &MockEntryRepository{}
	store := newTestStore(repo, &MockEmbedder{}, &recordingSink{})

	first := storedEntry("agent-a")
	second := storedEntry("agent-a")
	second.Version = 4

	repo.On("GetByID", mock.Anything, "entry-1").Return(first, nil).Once()
	repo.On("Update", mock.Anything, mock.Anything, int64(3)).Return(domain.ErrVersionConflict).Once()
	repo.On("GetByID", mock.Anything, "entry-1").Return(second, nil).Once()
	repo.On("Update", mock.Anything, mock.Anything, int64(4)).Return(nil).Once()

	entry, err := store.Vote(context.Background(), agentReq("agent-b"), "entry-1", domain.VoteIncorrect)
	require.NoError(t, err)
	assert.Equal(t, int64(5), entry.Version)
	repo.AssertExpectations(t)
}

func TestVoteRestrictedEntryRequiresReadAccess(t *testing.T) {
	repo := &MockEntryRepository{}
	store := newTestStore(repo, &MockEmbedder{}, &recordingSink{})

	e := storedEntry("agent-a")
	e.AccessScope = domain.AccessScopeRestricted
	repo.On("GetByID", mock.Anything, "entry-1").Return(e, nil)

	_, err := store.Vote(context.Background(), agentReq("agent-b"), "entry-1", domain.VoteHelpful)
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestVoteExpiredEntryNotFound(t *testing.T) {
	repo := &MockEntryRepository{}
	store := newTestStore(repo, &MockEmbedder{}, &recordingSink{})

	e := storedEntry("agent-a")
	gone := testNow.Add(-time.Minute)
	e.ExpiresAt = &gone
	repo.On("GetByID", mock.Anything, "entry-1").Return(e, nil)

	_, err := store.Vote(context.Background(), agentReq("agent-b"), "entry-1", domain.VoteHelpful)
	assert.ErrorIs(t, err, domain.ErrEntryNotFound)
	repo.AssertNotCalled(t, "Update", mock.Anything, mock.Anything, mock.Anything)
}

func TestDeleteEntryEmitsTombstone(t *testing.T) {
	repo := &MockEntryRepository{}
	sink := &recordingSink{}
	store := newTestStore(repo, &MockEmbedder{}, sink)

	repo.On("GetByID", mock.Anything, "entry-1").Return(storedEntry("agent-a"), nil)
	repo.On("Delete", mock.Anything, "entry-1").Return(nil)

	require.NoError(t, store.Delete(context.Background(), agentReq("agent-a"), "entry-1"))

	require.Len(t, sink.events, 1)
	assert.Equal(t, domain.EventDeleted, sink.events[0].Kind)
	assert.Equal(t, int64(4), sink.events[0].Version, "tombstone must supersede the last live version")
}

func TestDeleteEntryForbiddenForNonOwner(t *testing.T) {
	repo := &MockEntryRepository{}
	store := newTestStore(repo, &MockEmbedder{}, &recordingSink{})

	repo.On("GetByID", mock.Anything, "entry-1").Return(storedEntry("agent-a"), nil)

	err := store.Delete(context.Background(), agentReq("agent-b"), "entry-1")
	assert.ErrorIs(t, err, domain.ErrForbidden)
	repo.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
}

func TestGetEntryNotFound(t *testing.T) {
	repo := &MockEntryRepository{}
	store := newTestStore(repo, &MockEmbedder{}, &recordingSink{})

	repo.On("GetByID", mock.Anything, "missing").Return(nil, domain.ErrEntryNotFound)

	_, err := store.Get(context.Background(), agentReq("agent-a"), "missing")
	assert.ErrorIs(t, err, domain.ErrEntryNotFound)
}

func TestGetExpiredEntryNotServed(t *testing.T) {
	repo := &MockEntryRepository{}
	store := newTestStore(repo, &MockEmbedder{}, &recordingSink{})

	e := storedEntry("agent-a")
	expired := testNow.Add(-time.Minute)
	e.ExpiresAt = &expired
	repo.On("GetByID", mock.Anything, "entry-1").Return(e, nil)

	_, err := store.Get(context.Background(), agentReq("agent-a"), "entry-1")
	assert.ErrorIs(t, err, domain.ErrEntryNotFound)
}

func TestGetRestrictedEntryAllowList(t *testing.T) {
	repo := &MockEntryRepository{}
	store := newTestStore(repo, &MockEmbedder{}, &recordingSink{})

	e := storedEntry("agent-a")
	e.AccessScope = domain.AccessScopeRestricted
	e.AllowAgents = []string{"agent-c"}
	repo.On("GetByID", mock.Anything, "entry-1").Return(e, nil)

	_, err := store.Get(context.Background(), agentReq("agent-c"), "entry-1")
	assert.NoError(t, err)

	_, err = store.Get(context.Background(), agentReq("agent-b"), "entry-1")
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestListFiltersUnreadableAndExpired(t *testing.T) {
	repo := &MockEntryRepository{}
	store := newTestStore(repo, &MockEmbedder{}, &recordingSink{})

	visible := storedEntry("agent-a")
	restricted := storedEntry("agent-x")
	restricted.ID = "entry-2"
	restricted.AccessScope = domain.AccessScopeRestricted
	expired := storedEntry("agent-a")
	expired.ID = "entry-3"
	gone := testNow.Add(-time.Minute)
	expired.ExpiresAt = &gone

	repo.On("ListPage", mock.Anything, mock.Anything, (*pagination.Cursor)(nil), 0).
		Return(&repository.ListPageResult{Items: []*domain.Entry{visible, restricted, expired}}, nil)

	out, err := store.List(context.Background(), agentReq("agent-b"), ListInput{})
	require.NoError(t, err)
	require.Len(t, out.Items, 1)
	assert.Equal(t, "entry-1", out.Items[0].ID)
}

func TestListRejectsBadCursor(t *testing.T) {
	store := newTestStore(&MockEntryRepository{}, &MockEmbedder{}, &recordingSink{})

	_, err := store.List(context.Background(), agentReq("agent-a"), ListInput{Cursor: "not-base64!"})
	require.Error(t, err)
	var domainErr *domain.DomainError
	require.ErrorAs(t, err, &domainErr)
	assert.Equal(t, domain.ErrCodeValidation, domainErr.Code)
}
