package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/dakb-ai/dakb/internal/domain"
)

// MockJobProcessor is a mock implementation of JobProcessor
type MockJobProcessor struct {
	mock.Mock
}

func (m *MockJobProcessor) ProcessJobs(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// MockExpiredLister is a mock implementation of ExpiredLister
type MockExpiredLister struct {
	mock.Mock
}

func (m *MockExpiredLister) ListExpired(ctx context.Context, now time.Time, limit int) ([]*domain.Entry, error) {
	args := m.Called(ctx, now, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Entry), args.Error(1)
}

// MockEntryDeleter is a mock implementation of EntryDeleter
type MockEntryDeleter struct {
	mock.Mock
}

func (m *MockEntryDeleter) Delete(ctx context.Context, req domain.Requester, id string) error {
	args := m.Called(ctx, req, id)
	return args.Error(0)
}

// MockArchiver is a mock implementation of Archiver
type MockArchiver struct {
	mock.Mock
}

func (m *MockArchiver) ArchiveEntry(ctx context.Context, e *domain.Entry) error {
	args := m.Called(ctx, e)
	return args.Error(0)
}

// MockRebuilder is a mock implementation of Rebuilder
type MockRebuilder struct {
	mock.Mock
}

func (m *MockRebuilder) Rebuild(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

var sweepNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestSweeper(lister *MockExpiredLister, deleter *MockEntryDeleter, archiver Archiver) *ExpirySweeper {
	return NewExpirySweeperWithDeps(lister, deleter, archiver, 10, func() time.Time { return sweepNow })
}

func expiredEntry(id string) *domain.Entry {
	gone := sweepNow.Add(-time.Hour)
	return &domain.Entry{
		ID:        id,
		OwnerID:   "agent-a",
		ExpiresAt: &gone,
		Version:   2,
	}
}

// TestWorker_StartStop tests the worker start and stop functionality
func TestWorker_StartStop(t *testing.T) {
	mockProcessor := new(MockJobProcessor)
	mockProcessor.On("ProcessJobs", mock.Anything).Return(nil)

	worker := NewWorker(mockProcessor, 100*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		worker.Start(ctx)
	}()

	time.Sleep(250 * time.Millisecond)

	worker.Stop()
	wg.Wait()

	mockProcessor.AssertCalled(t, "ProcessJobs", mock.Anything)
}

// TestWorker_ContextCancellation tests worker stops on context cancellation
func TestWorker_ContextCancellation(t *testing.T) {
	mockProcessor := new(MockJobProcessor)
	mockProcessor.On("ProcessJobs", mock.Anything).Return(nil)

	worker := NewWorker(mockProcessor, 100*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		worker.Start(ctx)
	}()

	time.Sleep(150 * time.Millisecond)

	cancel()
	wg.Wait()

	mockProcessor.AssertCalled(t, "ProcessJobs", mock.Anything)
}

func TestExpirySweeper_NoExpiredEntries(t *testing.T) {
	lister := new(MockExpiredLister)
	deleter := new(MockEntryDeleter)

	lister.On("ListExpired", mock.Anything, sweepNow, 10).Return([]*domain.Entry{}, nil)

	sweeper := newTestSweeper(lister, deleter, nil)
	err := sweeper.ProcessJobs(context.Background())

	assert.NoError(t, err)
	lister.AssertExpectations(t)
	deleter.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything, mock.Anything)
}

func TestExpirySweeper_DeletesExpired(t *testing.T) {
	lister := new(MockExpiredLister)
	deleter := new(MockEntryDeleter)

	lister.On("ListExpired", mock.Anything, sweepNow, 10).
		Return([]*domain.Entry{expiredEntry("e1"), expiredEntry("e2")}, nil)
	deleter.On("Delete", mock.Anything, sweepRequester, "e1").Return(nil)
	deleter.On("Delete", mock.Anything, sweepRequester, "e2").Return(nil)

	sweeper := newTestSweeper(lister, deleter, nil)
	err := sweeper.ProcessJobs(context.Background())

	assert.NoError(t, err)
	deleter.AssertExpectations(t)
}

func TestExpirySweeper_ArchivesBeforeDelete(t *testing.T) {
	lister := new(MockExpiredLister)
	deleter := new(MockEntryDeleter)
	archiver := new(MockArchiver)

	entry := expiredEntry("e1")
	lister.On("ListExpired", mock.Anything, sweepNow, 10).Return([]*domain.Entry{entry}, nil)
	archiver.On("ArchiveEntry", mock.Anything, entry).Return(nil)
	deleter.On("Delete", mock.Anything, sweepRequester, "e1").Return(nil)

	sweeper := newTestSweeper(lister, deleter, archiver)
	err := sweeper.ProcessJobs(context.Background())

	assert.NoError(t, err)
	archiver.AssertExpectations(t)
	deleter.AssertExpectations(t)
}

func TestExpirySweeper_FailedArchiveRetainsEntry(t *testing.T) {
	lister := new(MockExpiredLister)
	deleter := new(MockEntryDeleter)
	archiver := new(MockArchiver)

	entry := expiredEntry("e1")
	lister.On("ListExpired", mock.Anything, sweepNow, 10).Return([]*domain.Entry{entry}, nil)
	archiver.On("ArchiveEntry", mock.Anything, entry).Return(errors.New("bucket unreachable"))

	sweeper := newTestSweeper(lister, deleter, archiver)
	err := sweeper.ProcessJobs(context.Background())

	// Sweep itself succeeds; the entry stays for the next pass
	assert.NoError(t, err)
	deleter.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything, mock.Anything)
	archiver.AssertNumberOfCalls(t, "ArchiveEntry", archiveRetries+1)
}

func TestExpirySweeper_OneFailureDoesNotBlockOthers(t *testing.T) {
	lister := new(MockExpiredLister)
	deleter := new(MockEntryDeleter)

	lister.On("ListExpired", mock.Anything, sweepNow, 10).
		Return([]*domain.Entry{expiredEntry("e1"), expiredEntry("e2")}, nil)
	deleter.On("Delete", mock.Anything, sweepRequester, "e1").Return(errors.New("database error"))
	deleter.On("Delete", mock.Anything, sweepRequester, "e2").Return(nil)

	sweeper := newTestSweeper(lister, deleter, nil)
	err := sweeper.ProcessJobs(context.Background())

	assert.NoError(t, err)
	deleter.AssertExpectations(t)
}

func TestExpirySweeper_ListError(t *testing.T) {
	lister := new(MockExpiredLister)
	deleter := new(MockEntryDeleter)

	lister.On("ListExpired", mock.Anything, sweepNow, 10).Return(nil, errors.New("database error"))

	sweeper := newTestSweeper(lister, deleter, nil)
	err := sweeper.ProcessJobs(context.Background())

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to list expired entries")
}

func TestIndexCompactor_Rebuilds(t *testing.T) {
	rebuilder := new(MockRebuilder)
	rebuilder.On("Rebuild", mock.Anything).Return(nil)

	compactor := NewIndexCompactor(rebuilder)
	assert.NoError(t, compactor.ProcessJobs(context.Background()))
	rebuilder.AssertExpectations(t)
}

func TestIndexCompactor_SurfacesRebuildError(t *testing.T) {
	rebuilder := new(MockRebuilder)
	rebuilder.On("Rebuild", mock.Anything).Return(errors.New("scan failed"))

	compactor := NewIndexCompactor(rebuilder)
	err := compactor.ProcessJobs(context.Background())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "index compaction rebuild failed")
}
