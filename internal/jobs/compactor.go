package jobs

import (
	"context"
	"fmt"
	"log"
)

// Rebuilder reconstructs the similarity index from the store
type Rebuilder interface {
	Rebuild(ctx context.Context) error
}

// IndexCompactor periodically rebuilds the index so accumulated
// tombstones are purged and any drift from the store is corrected.
type IndexCompactor struct {
	rebuilder Rebuilder
}

// NewIndexCompactor creates a new IndexCompactor instance
func NewIndexCompactor(rebuilder Rebuilder) *IndexCompactor {
	return &IndexCompactor{rebuilder: rebuilder}
}

// ProcessJobs implements the JobProcessor interface
func (c *IndexCompactor) ProcessJobs(ctx context.Context) error {
	if err := c.rebuilder.Rebuild(ctx); err != nil {
		return fmt.Errorf("index compaction rebuild failed: %w", err)
	}
	log.Println("compactor: index rebuilt")
	return nil
}
