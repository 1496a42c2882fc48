// Package contentlog provides the append-only, hash-linked log of every
// content-affecting operation on the catalog. Each entry carries the hash of
// the previous entry, so edits or deletions of history are detectable.
//
// Entries are written through the caller's transaction so that a log entry
// exists if and only if the catalog mutation it describes was committed.
package contentlog

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/spacedatanetwork/s201-server/internal/dataset"
)

var log = logging.Logger("contentlog")

// Errors
var (
	ErrLogTampered   = errors.New("content log tampering detected")
	ErrEntryNotFound = errors.New("log entry not found")
)

// GenesisHash is the previous hash of the first entry.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Execer is the subset of *sql.Tx and *sql.DB used to append entries.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Log is the content log table.
type Log struct {
	db *sql.DB
}

// New creates the content log table in db if needed.
func New(db *sql.DB) (*Log, error) {
	l := &Log{db: db}
	if err := l.initDB(); err != nil {
		return nil, fmt.Errorf("failed to initialize content log: %w", err)
	}
	return l, nil
}

func (l *Log) initDB() error {
	_, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS content_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			operation TEXT NOT NULL,
			dataset_id TEXT NOT NULL,
			content_id INTEGER NOT NULL,
			content_cid TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			previous_hash TEXT NOT NULL,
			entry_hash TEXT NOT NULL UNIQUE
		);
		CREATE INDEX IF NOT EXISTS idx_content_log_dataset ON content_log (dataset_id, id);
		CREATE INDEX IF NOT EXISTS idx_content_log_timestamp ON content_log (timestamp);
	`)
	return err
}

// Append writes a new entry through q, which must be the transaction that
// performs the described mutation. The chain head is read inside the same
// transaction.
func (l *Log) Append(ctx context.Context, q Execer, op dataset.Operation, content *dataset.Content, at time.Time) (*dataset.LogEntry, error) {
	if content == nil {
		return nil, fmt.Errorf("log entry for %s requires a content reference", op)
	}

	prevHash := GenesisHash
	err := q.QueryRowContext(ctx, `SELECT entry_hash FROM content_log ORDER BY id DESC LIMIT 1`).Scan(&prevHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read chain head: %w", err)
	}

	entry := &dataset.LogEntry{
		Operation:    op,
		DatasetID:    content.DatasetID,
		ContentID:    content.ID,
		ContentCID:   content.CID,
		Timestamp:    time.UnixMilli(at.UnixMilli()).UTC(),
		PreviousHash: prevHash,
	}
	entry.EntryHash = computeEntryHash(entry)

	result, err := q.ExecContext(ctx, `
		INSERT INTO content_log (operation, dataset_id, content_id, content_cid, timestamp, previous_hash, entry_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, string(entry.Operation), entry.DatasetID, entry.ContentID, entry.ContentCID,
		entry.Timestamp.UnixMilli(), entry.PreviousHash, entry.EntryHash)
	if err != nil {
		return nil, fmt.Errorf("failed to write log entry: %w", err)
	}
	entry.Sequence, _ = result.LastInsertId()

	log.Debugf("Content log %d: %s %s (%s)", entry.Sequence, entry.Operation, entry.DatasetID, entry.ContentCID)
	return entry, nil
}

// computeEntryHash computes the SHA-256 hash of an entry.
func computeEntryHash(e *dataset.LogEntry) string {
	data := fmt.Sprintf("%d|%s|%s|%d|%s|%s",
		e.Timestamp.UnixMilli(), e.Operation, e.DatasetID, e.ContentID, e.ContentCID, e.PreviousHash)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// QueryOptions specifies log query filters.
type QueryOptions struct {
	DatasetID string
	Operation dataset.Operation
	Since     time.Time
	Until     time.Time
	Limit     int
	Offset    int
}

const entryColumns = `id, operation, dataset_id, content_id, content_cid, timestamp, previous_hash, entry_hash`

func scanEntry(rows interface{ Scan(...any) error }) (dataset.LogEntry, error) {
	var (
		e         dataset.LogEntry
		op        string
		timestamp int64
	)
	if err := rows.Scan(&e.Sequence, &op, &e.DatasetID, &e.ContentID, &e.ContentCID, &timestamp, &e.PreviousHash, &e.EntryHash); err != nil {
		return e, err
	}
	e.Operation = dataset.Operation(op)
	e.Timestamp = time.UnixMilli(timestamp).UTC()
	return e, nil
}

// Query retrieves entries matching opts in sequence order.
func (l *Log) Query(ctx context.Context, opts QueryOptions) ([]dataset.LogEntry, error) {
	var (
		conds []string
		args  []interface{}
	)
	if opts.DatasetID != "" {
		conds = append(conds, "dataset_id = ?")
		args = append(args, opts.DatasetID)
	}
	if opts.Operation != "" {
		conds = append(conds, "operation = ?")
		args = append(args, string(opts.Operation))
	}
	if !opts.Since.IsZero() {
		conds = append(conds, "timestamp >= ?")
		args = append(args, opts.Since.UnixMilli())
	}
	if !opts.Until.IsZero() {
		conds = append(conds, "timestamp <= ?")
		args = append(args, opts.Until.UnixMilli())
	}

	query := `SELECT ` + entryColumns + ` FROM content_log`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id ASC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
		if opts.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", opts.Offset)
		}
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query content log: %w", err)
	}
	defer rows.Close()

	var entries []dataset.LogEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// History returns every entry recorded for a dataset, oldest first.
func (l *Log) History(ctx context.Context, datasetID string) ([]dataset.LogEntry, error) {
	return l.Query(ctx, QueryOptions{DatasetID: datasetID})
}

// Get retrieves a single entry by sequence number.
func (l *Log) Get(ctx context.Context, seq int64) (*dataset.LogEntry, error) {
	row := l.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM content_log WHERE id = ?`, seq)
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEntryNotFound
		}
		return nil, err
	}
	return &e, nil
}

// Count returns the total number of entries.
func (l *Log) Count(ctx context.Context) (int64, error) {
	var count int64
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM content_log`).Scan(&count)
	return count, err
}

// VerifyChain walks the whole log and checks every link. It returns the
// number of entries verified.
func (l *Log) VerifyChain(ctx context.Context) (int, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM content_log ORDER BY id ASC`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	expectedPrevHash := GenesisHash
	var count int

	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return count, fmt.Errorf("failed to scan entry: %w", err)
		}

		if entry.PreviousHash != expectedPrevHash {
			log.Errorf("Chain break at entry %d: expected prev hash %s, got %s",
				entry.Sequence, expectedPrevHash, entry.PreviousHash)
			return count, fmt.Errorf("%w: chain break at entry %d", ErrLogTampered, entry.Sequence)
		}

		if computed := computeEntryHash(&entry); entry.EntryHash != computed {
			log.Errorf("Hash mismatch at entry %d: stored %s, computed %s",
				entry.Sequence, entry.EntryHash, computed)
			return count, fmt.Errorf("%w: hash mismatch at entry %d", ErrLogTampered, entry.Sequence)
		}

		expectedPrevHash = entry.EntryHash
		count++
	}
	if err := rows.Err(); err != nil {
		return count, err
	}

	log.Infof("Content log verified: %d entries, integrity OK", count)
	return count, nil
}
