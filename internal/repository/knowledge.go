package repository

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/dakb-ai/dakb/internal/domain"
	"github.com/dakb-ai/dakb/internal/index"
	"github.com/dakb-ai/dakb/internal/pagination"
)

type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const entryColumns = `id, title, content, content_type, category, tags, embedding,
	access_scope, allow_agents, owner_id,
	votes_helpful, votes_unhelpful, votes_outdated, votes_incorrect, confidence,
	created_at, updated_at, expires_at, version`

// KnowledgeRepository persists knowledge entries in Postgres. The
// embedding column uses pgvector so the similarity index is always
// reconstructible from this table alone.
type KnowledgeRepository struct {
	db dbtx
}

func NewKnowledgeRepository(pool *pgxpool.Pool) *KnowledgeRepository {
	return &KnowledgeRepository{db: pool}
}

func NewKnowledgeRepositoryWithTx(tx pgx.Tx) *KnowledgeRepository {
	return &KnowledgeRepository{db: tx}
}

func (r *KnowledgeRepository) Create(ctx context.Context, e *domain.Entry) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO knowledge_entries (`+entryColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		e.ID, e.Title, e.Content, e.ContentType, e.Category, e.Tags, pgvector.NewVector(e.Embedding),
		e.AccessScope, e.AllowAgents, e.OwnerID,
		e.Votes.Helpful, e.Votes.Unhelpful, e.Votes.Outdated, e.Votes.Incorrect, e.Confidence,
		e.CreatedAt, e.UpdatedAt, e.ExpiresAt, e.Version,
	)
	return err
}

func (r *KnowledgeRepository) GetByID(ctx context.Context, id string) (*domain.Entry, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM knowledge_entries WHERE id = $1`, id)
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrEntryNotFound
		}
		return nil, err
	}
	return e, nil
}

// GetByIDs returns the entries for the given ids, skipping missing ones
func (r *KnowledgeRepository) GetByIDs(ctx context.Context, ids []string) ([]*domain.Entry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+entryColumns+` FROM knowledge_entries WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntryRows(rows)
}

// Update persists a mutated entry using an optimistic version check. The
// row is only written when its stored version still equals
// expectedVersion; the entry's Version must already be expectedVersion+1.
// A concurrent writer winning the race surfaces as ErrVersionConflict.
func (r *KnowledgeRepository) Update(ctx context.Context, e *domain.Entry, expectedVersion int64) error {
	cmdTag, err := r.db.Exec(ctx,
		`UPDATE knowledge_entries
		 SET title = $1, content = $2, content_type = $3, category = $4, tags = $5,
		     embedding = $6, access_scope = $7, allow_agents = $8,
		     votes_helpful = $9, votes_unhelpful = $10, votes_outdated = $11, votes_incorrect = $12,
		     confidence = $13, updated_at = $14, expires_at = $15, version = $16
		 WHERE id = $17 AND version = $18`,
		e.Title, e.Content, e.ContentType, e.Category, e.Tags,
		pgvector.NewVector(e.Embedding), e.AccessScope, e.AllowAgents,
		e.Votes.Helpful, e.Votes.Unhelpful, e.Votes.Outdated, e.Votes.Incorrect,
		e.Confidence, e.UpdatedAt, e.ExpiresAt, e.Version,
		e.ID, expectedVersion,
	)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		var exists bool
		if err := r.db.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM knowledge_entries WHERE id = $1)`, e.ID,
		).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return domain.ErrEntryNotFound
		}
		return domain.ErrVersionConflict
	}
	return nil
}

func (r *KnowledgeRepository) Delete(ctx context.Context, id string) error {
	cmdTag, err := r.db.Exec(ctx, `DELETE FROM knowledge_entries WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return domain.ErrEntryNotFound
	}
	return nil
}

// ListExpired returns up to limit entries whose TTL elapsed at or before
// the given instant, oldest expiry first
func (r *KnowledgeRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]*domain.Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+entryColumns+` FROM knowledge_entries
		 WHERE expires_at IS NOT NULL AND expires_at <= $1
		 ORDER BY expires_at ASC
		 LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntryRows(rows)
}

// IDsByCategory returns the ids of all entries in a category, used as the
// candidate set for category-restricted index queries
func (r *KnowledgeRepository) IDsByCategory(ctx context.Context, category domain.Category) (map[string]struct{}, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id FROM knowledge_entries WHERE category = $1`, category)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

// ScanIndexRecords projects every entry into the index rebuild scan,
// implementing index.Source
func (r *KnowledgeRepository) ScanIndexRecords(ctx context.Context) ([]index.Record, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, embedding, version FROM knowledge_entries`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []index.Record
	for rows.Next() {
		var rec index.Record
		var vec pgvector.Vector
		if err := rows.Scan(&rec.EntryID, &vec, &rec.Version); err != nil {
			return nil, err
		}
		rec.Embedding = vec.Slice()
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ListFilter narrows a paginated listing
type ListFilter struct {
	Category    domain.Category
	ContentType domain.ContentType
}

// ListPageResult is one keyset page of entries
type ListPageResult struct {
	Items      []*domain.Entry
	NextCursor string
	HasMore    bool
}

// ListPage returns entries ordered by (updated_at, id) descending using a
// keyset cursor
func (r *KnowledgeRepository) ListPage(ctx context.Context, filter ListFilter, cursor *pagination.Cursor, limit int) (*ListPageResult, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `SELECT ` + entryColumns + ` FROM knowledge_entries WHERE 1=1`
	args := []any{}
	n := 1

	if filter.Category != "" {
		query += ` AND category = $` + strconv.Itoa(n)
		args = append(args, filter.Category)
		n++
	}
	if filter.ContentType != "" {
		query += ` AND content_type = $` + strconv.Itoa(n)
		args = append(args, filter.ContentType)
		n++
	}
	if cursor != nil {
		query += ` AND (updated_at, id) < ($` + strconv.Itoa(n) + `, $` + strconv.Itoa(n+1) + `)`
		args = append(args, cursor.Timestamp, cursor.LastID)
		n += 2
	}
	query += ` ORDER BY updated_at DESC, id DESC LIMIT $` + strconv.Itoa(n)
	args = append(args, limit+1)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items, err := scanEntryRows(rows)
	if err != nil {
		return nil, err
	}

	hasMore := len(items) > limit
	if hasMore {
		items = items[:limit]
	}

	var nextCursor string
	if hasMore && len(items) > 0 {
		last := items[len(items)-1]
		nextCursor = pagination.EncodeCursor(last.ID, last.UpdatedAt)
	}

	return &ListPageResult{Items: items, NextCursor: nextCursor, HasMore: hasMore}, nil
}

// Stats summarizes the stored corpus
type Stats struct {
	Total         int64
	ByCategory    map[domain.Category]int64
	ByContentType map[domain.ContentType]int64
}

func (r *KnowledgeRepository) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		ByCategory:    make(map[domain.Category]int64),
		ByContentType: make(map[domain.ContentType]int64),
	}

	rows, err := r.db.Query(ctx,
		`SELECT category, content_type, COUNT(*) FROM knowledge_entries GROUP BY category, content_type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var cat domain.Category
		var ct domain.ContentType
		var count int64
		if err := rows.Scan(&cat, &ct, &count); err != nil {
			return nil, err
		}
		stats.ByCategory[cat] += count
		stats.ByContentType[ct] += count
		stats.Total += count
	}
	return stats, rows.Err()
}

// Count returns the number of stored entries
func (r *KnowledgeRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM knowledge_entries`).Scan(&count)
	return count, err
}

func scanEntry(row pgx.Row) (*domain.Entry, error) {
	var e domain.Entry
	var vec pgvector.Vector
	err := row.Scan(
		&e.ID, &e.Title, &e.Content, &e.ContentType, &e.Category, &e.Tags, &vec,
		&e.AccessScope, &e.AllowAgents, &e.OwnerID,
		&e.Votes.Helpful, &e.Votes.Unhelpful, &e.Votes.Outdated, &e.Votes.Incorrect, &e.Confidence,
		&e.CreatedAt, &e.UpdatedAt, &e.ExpiresAt, &e.Version,
	)
	if err != nil {
		return nil, err
	}
	e.Embedding = vec.Slice()
	return &e, nil
}

func scanEntryRows(rows pgx.Rows) ([]*domain.Entry, error) {
	var results []*domain.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, e)
	}
	return results, rows.Err()
}

