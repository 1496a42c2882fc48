package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spacedatanetwork/s201-server/internal/dataset"
	"github.com/spacedatanetwork/s201-server/internal/geometry"
)

// SortColumns maps API sort keys to catalog columns.
var SortColumns = map[string]string{
	"id":            "id",
	"uuid":          "id",
	"createdAt":     "created_at",
	"lastUpdatedAt": "updated_at",
	"datasetTitle":  "title",
}

// Order is one ORDER BY term. Field must be a key of SortColumns.
type Order struct {
	Field string
	Desc  bool
}

// Criteria is the SQL-side prefilter for dataset lookups. Exact geometric
// intersection is left to the caller; Envelope only narrows candidates.
type Criteria struct {
	ID               string
	IDs              []string // nil means any
	UpdatedFrom      *time.Time
	UpdatedTo        *time.Time
	ExcludeCancelled bool
	Envelope         *geometry.Envelope
	Order            []Order
	Limit            int
	Offset           int
}

func (c Criteria) where() (string, []interface{}, bool) {
	var (
		conds []string
		args  []interface{}
	)
	if c.ID != "" {
		conds = append(conds, "id = ?")
		args = append(args, c.ID)
	}
	if c.IDs != nil {
		if len(c.IDs) == 0 {
			return "", nil, false
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(c.IDs)), ",")
		conds = append(conds, "id IN ("+placeholders+")")
		for _, id := range c.IDs {
			args = append(args, id)
		}
	}
	if c.UpdatedFrom != nil {
		conds = append(conds, "updated_at >= ?")
		args = append(args, toMillis(*c.UpdatedFrom))
	}
	if c.UpdatedTo != nil {
		conds = append(conds, "updated_at <= ?")
		args = append(args, toMillis(*c.UpdatedTo))
	}
	if c.ExcludeCancelled {
		conds = append(conds, "cancelled = 0")
	}
	if e := c.Envelope; e != nil {
		conds = append(conds, "min_x <= ? AND max_x >= ? AND min_y <= ? AND max_y >= ?")
		args = append(args, e.MaxX, e.MinX, e.MaxY, e.MinY)
	}

	if len(conds) == 0 {
		return "", nil, true
	}
	return " WHERE " + strings.Join(conds, " AND "), args, true
}

func (c Criteria) orderBy() (string, error) {
	terms := make([]string, 0, len(c.Order)+1)
	hasID := false
	for _, o := range c.Order {
		col, ok := SortColumns[o.Field]
		if !ok {
			return "", fmt.Errorf("%w: unknown sort field %q", dataset.ErrValidation, o.Field)
		}
		dir := "ASC"
		if o.Desc {
			dir = "DESC"
		}
		terms = append(terms, col+" "+dir)
		hasID = hasID || col == "id"
	}
	// Stable pagination needs a unique tiebreaker.
	if !hasID {
		terms = append(terms, "id ASC")
	}
	return " ORDER BY " + strings.Join(terms, ", "), nil
}

// FindDatasets returns the datasets matching c in the requested order.
func (s *Store) FindDatasets(ctx context.Context, c Criteria) ([]*dataset.Dataset, error) {
	where, args, ok := c.where()
	if !ok {
		return nil, nil
	}
	order, err := c.orderBy()
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + datasetColumns + ` FROM datasets` + where + order
	if c.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, c.Limit, c.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query datasets: %w", err)
	}
	defer rows.Close()

	var results []*dataset.Dataset
	for rows.Next() {
		d, err := scanDataset(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dataset row: %w", err)
		}
		results = append(results, d)
	}
	return results, rows.Err()
}

// CountDatasets counts the datasets matching c, ignoring order and paging.
func (s *Store) CountDatasets(ctx context.Context, c Criteria) (int64, error) {
	where, args, ok := c.where()
	if !ok {
		return 0, nil
	}
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM datasets`+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count datasets: %w", err)
	}
	return count, nil
}

// StreamDatasets calls fn for every dataset without materialising the
// catalog. Iteration stops at the first error returned by fn.
func (s *Store) StreamDatasets(ctx context.Context, fn func(*dataset.Dataset) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT `+datasetColumns+` FROM datasets ORDER BY id`)
	if err != nil {
		return fmt.Errorf("failed to stream datasets: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		d, err := scanDataset(rows)
		if err != nil {
			return fmt.Errorf("failed to scan dataset row: %w", err)
		}
		if err := fn(d); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Successors returns the datasets that replaced id.
func (s *Store) Successors(ctx context.Context, id string) ([]*dataset.Dataset, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+datasetColumns+` FROM datasets WHERE predecessor_id = ? ORDER BY created_at, id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query successors: %w", err)
	}
	defer rows.Close()

	var results []*dataset.Dataset
	for rows.Next() {
		d, err := scanDataset(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dataset row: %w", err)
		}
		results = append(results, d)
	}
	return results, rows.Err()
}
