// Package jobs runs the background maintenance loops: the TTL expiry
// sweep and periodic index compaction.
package jobs

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dakb-ai/dakb/internal/domain"
)

const (
	// DefaultSweepBatch bounds how many expired entries one sweep removes
	DefaultSweepBatch = 100

	archiveRetries       = 2
	archiveRetryInterval = 500 * time.Millisecond
)

// ExpiredLister yields entries whose TTL has elapsed
type ExpiredLister interface {
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*domain.Entry, error)
}

// EntryDeleter removes an entry on behalf of a requester
type EntryDeleter interface {
	Delete(ctx context.Context, req domain.Requester, id string) error
}

// Archiver preserves an entry before it is removed. A nil Archiver
// disables archival and expired entries are simply deleted.
type Archiver interface {
	ArchiveEntry(ctx context.Context, e *domain.Entry) error
}

// sweepRequester is the identity the sweeper deletes under; admin role
// so restricted entries expire like any other
var sweepRequester = domain.Requester{AgentID: "system-sweeper", Role: domain.RoleAdmin}

// ExpirySweeper removes entries past their TTL, archiving each one first
// when an Archiver is configured. Failures are isolated per entry: one
// stuck entry never blocks the rest of the sweep, and a failed archive
// leaves the entry in place for the next pass.
type ExpirySweeper struct {
	lister   ExpiredLister
	deleter  EntryDeleter
	archiver Archiver
	batch    int
	now      func() time.Time
}

// NewExpirySweeper creates an ExpirySweeper. archiver may be nil.
func NewExpirySweeper(lister ExpiredLister, deleter EntryDeleter, archiver Archiver) *ExpirySweeper {
	return &ExpirySweeper{
		lister:   lister,
		deleter:  deleter,
		archiver: archiver,
		batch:    DefaultSweepBatch,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// NewExpirySweeperWithDeps creates an ExpirySweeper with a custom batch
// size and clock (for testing)
func NewExpirySweeperWithDeps(lister ExpiredLister, deleter EntryDeleter, archiver Archiver, batch int, now func() time.Time) *ExpirySweeper {
	if batch <= 0 {
		batch = DefaultSweepBatch
	}
	return &ExpirySweeper{
		lister:   lister,
		deleter:  deleter,
		archiver: archiver,
		batch:    batch,
		now:      now,
	}
}

// ProcessJobs implements the JobProcessor interface
func (s *ExpirySweeper) ProcessJobs(ctx context.Context) error {
	expired, err := s.lister.ListExpired(ctx, s.now(), s.batch)
	if err != nil {
		return fmt.Errorf("failed to list expired entries: %w", err)
	}
	if len(expired) == 0 {
		return nil
	}

	log.Printf("sweeper: removing %d expired entries", len(expired))

	for _, entry := range expired {
		if err := s.sweepOne(ctx, entry); err != nil {
			log.Printf("sweeper: entry %s: %v", entry.ID, err)
		}
	}
	return nil
}

func (s *ExpirySweeper) sweepOne(ctx context.Context, entry *domain.Entry) error {
	if s.archiver != nil {
		policy := backoff.WithContext(backoff.WithMaxRetries(
			backoff.NewConstantBackOff(archiveRetryInterval), archiveRetries), ctx)
		err := backoff.Retry(func() error {
			return s.archiver.ArchiveEntry(ctx, entry)
		}, policy)
		if err != nil {
			return fmt.Errorf("archive failed, entry retained: %w", err)
		}
	}
	if err := s.deleter.Delete(ctx, sweepRequester, entry.ID); err != nil {
		return fmt.Errorf("delete failed: %w", err)
	}
	return nil
}
