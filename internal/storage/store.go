// Package storage provides the SQLite-backed catalog: dataset records, their
// immutable content blobs, subscriptions and the UN/LOCODE map.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/spacedatanetwork/s201-server/internal/dataset"
	"github.com/spacedatanetwork/s201-server/internal/geometry"
)

var log = logging.Logger("storage")

// DBFile is the catalog database file name inside the storage directory.
const DBFile = "catalog.db"

// ErrLocodeNotFound is returned when a UN/LOCODE has no map entry.
var ErrLocodeNotFound = errors.New("UN/LOCODE not found")

// Store is the catalog database. Reads run on the shared pool without a
// transaction; every mutation goes through Update.
type Store struct {
	db     *sql.DB
	dbPath string
}

// Open opens (creating if needed) the catalog database under basePath.
func Open(basePath string, busyTimeout time.Duration) (*Store, error) {
	// Ensure directory exists
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}

	dbPath := filepath.Join(basePath, DBFile)
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate&_foreign_keys=on",
		dbPath, busyTimeout.Milliseconds())

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{
		db:     db,
		dbPath: dbPath,
	}

	if err := store.initTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize tables: %w", err)
	}

	log.Debugf("Opened catalog database %s", dbPath)
	return store, nil
}

func (s *Store) initTables() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS contents (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			dataset_id TEXT NOT NULL,
			cid TEXT NOT NULL,
			data BLOB NOT NULL,
			size INTEGER NOT NULL,
			generated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_contents_dataset ON contents (dataset_id, id)`,
		`CREATE TABLE IF NOT EXISTS datasets (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			identification TEXT NOT NULL,
			geometry_wkt TEXT NOT NULL,
			min_x REAL, min_y REAL, max_x REAL, max_y REAL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			cancelled INTEGER NOT NULL DEFAULT 0,
			content_id INTEGER REFERENCES contents(id),
			predecessor_id TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_datasets_updated ON datasets (updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_datasets_bbox ON datasets (min_x, max_x, min_y, max_y)`,
		`CREATE INDEX IF NOT EXISTS idx_datasets_predecessor ON datasets (predecessor_id)`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			id TEXT PRIMARY KEY,
			subscriber_id TEXT NOT NULL,
			geometry_wkt TEXT,
			unlocode TEXT,
			container_type INTEGER,
			product_type TEXT,
			product_version TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_subscriber ON subscriptions (subscriber_id)`,
		`CREATE TABLE IF NOT EXISTS unlocode_map (
			code TEXT PRIMARY KEY,
			geometry_wkt TEXT NOT NULL
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// DB exposes the underlying pool for components that own their own tables.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Tx is a write transaction. It embeds *sql.Tx so collaborators owning other
// tables (the content log) can write inside the same unit.
type Tx struct {
	*sql.Tx
}

// Update runs fn inside a single immediate write transaction. The
// transaction commits only if fn returns nil.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&Tx{Tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

const datasetColumns = `id, identification, geometry_wkt, created_at, updated_at, cancelled, content_id, predecessor_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDataset(row rowScanner) (*dataset.Dataset, error) {
	var (
		d              dataset.Dataset
		identification string
		wkt            string
		createdAt      int64
		updatedAt      int64
		cancelled      int
		contentID      sql.NullInt64
		predecessorID  sql.NullString
	)
	if err := row.Scan(&d.ID, &identification, &wkt, &createdAt, &updatedAt, &cancelled, &contentID, &predecessorID); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(identification), &d.Identification); err != nil {
		return nil, fmt.Errorf("corrupt identification for %s: %w", d.ID, err)
	}
	g, err := geometry.Parse(wkt)
	if err != nil {
		return nil, fmt.Errorf("corrupt geometry for %s: %w", d.ID, err)
	}
	d.Geometry = g
	d.CreatedAt = fromMillis(createdAt)
	d.UpdatedAt = fromMillis(updatedAt)
	d.Cancelled = cancelled != 0
	if contentID.Valid {
		d.ContentID = contentID.Int64
	}
	if predecessorID.Valid {
		d.PredecessorID = predecessorID.String
	}
	return &d, nil
}

func getDataset(ctx context.Context, q queryer, id string) (*dataset.Dataset, error) {
	row := q.QueryRowContext(ctx, `SELECT `+datasetColumns+` FROM datasets WHERE id = ?`, id)
	d, err := scanDataset(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", dataset.ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get dataset: %w", err)
	}
	return d, nil
}

// GetDataset retrieves a dataset by identifier.
func (s *Store) GetDataset(ctx context.Context, id string) (*dataset.Dataset, error) {
	return getDataset(ctx, s.db, id)
}

// GetDataset reads a dataset inside the transaction.
func (tx *Tx) GetDataset(ctx context.Context, id string) (*dataset.Dataset, error) {
	return getDataset(ctx, tx.Tx, id)
}

// InsertDataset inserts a new catalog row.
func (tx *Tx) InsertDataset(ctx context.Context, d *dataset.Dataset) error {
	identification, err := json.Marshal(d.Identification)
	if err != nil {
		return fmt.Errorf("failed to marshal identification: %w", err)
	}
	env, _ := d.Geometry.Envelope()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO datasets (id, title, identification, geometry_wkt, min_x, min_y, max_x, max_y,
			created_at, updated_at, cancelled, content_id, predecessor_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.Identification.Title, string(identification), d.Geometry.WKT(),
		env.MinX, env.MinY, env.MaxX, env.MaxY,
		toMillis(d.CreatedAt), toMillis(d.UpdatedAt), boolToInt(d.Cancelled),
		nullableInt(d.ContentID), nullableString(d.PredecessorID))
	if err != nil {
		return fmt.Errorf("failed to insert dataset: %w", err)
	}
	return nil
}

// UpdateDataset rewrites the mutable columns of an active dataset. It
// refuses to touch a cancelled row.
func (tx *Tx) UpdateDataset(ctx context.Context, d *dataset.Dataset) error {
	identification, err := json.Marshal(d.Identification)
	if err != nil {
		return fmt.Errorf("failed to marshal identification: %w", err)
	}
	env, _ := d.Geometry.Envelope()

	result, err := tx.ExecContext(ctx, `
		UPDATE datasets SET title = ?, identification = ?, geometry_wkt = ?,
			min_x = ?, min_y = ?, max_x = ?, max_y = ?, updated_at = ?, content_id = ?
		WHERE id = ? AND cancelled = 0
	`, d.Identification.Title, string(identification), d.Geometry.WKT(),
		env.MinX, env.MinY, env.MaxX, env.MaxY, toMillis(d.UpdatedAt), nullableInt(d.ContentID), d.ID)
	if err != nil {
		return fmt.Errorf("failed to update dataset: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return fmt.Errorf("%w: %s", dataset.ErrAlreadyCancelled, d.ID)
	}
	return nil
}

// CancelDataset flips the cancelled flag if it is not already set. It
// reports whether this call performed the transition.
func (tx *Tx) CancelDataset(ctx context.Context, id string, at time.Time) (bool, error) {
	result, err := tx.ExecContext(ctx, `
		UPDATE datasets SET cancelled = 1, updated_at = ? WHERE id = ? AND cancelled = 0
	`, toMillis(at), id)
	if err != nil {
		return false, fmt.Errorf("failed to cancel dataset: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected == 1, nil
}

// DeleteDataset removes a catalog row and every content row it owns.
func (tx *Tx) DeleteDataset(ctx context.Context, id string) error {
	result, err := tx.ExecContext(ctx, `DELETE FROM datasets WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete dataset: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return fmt.Errorf("%w: %s", dataset.ErrNotFound, id)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM contents WHERE dataset_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete contents: %w", err)
	}
	return nil
}

// InsertContent stores an immutable payload and returns its row ID.
func (tx *Tx) InsertContent(ctx context.Context, c *dataset.Content) (int64, error) {
	result, err := tx.ExecContext(ctx, `
		INSERT INTO contents (dataset_id, cid, data, size, generated_at) VALUES (?, ?, ?, ?, ?)
	`, c.DatasetID, c.CID, c.Data, int64(len(c.Data)), toMillis(c.GeneratedAt))
	if err != nil {
		return 0, fmt.Errorf("failed to store content: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read content id: %w", err)
	}
	c.ID = id
	c.Size = int64(len(c.Data))
	return id, nil
}

// GetContent reads a content row inside the transaction.
func (tx *Tx) GetContent(ctx context.Context, id int64) (*dataset.Content, error) {
	return getContent(ctx, tx.Tx, id)
}

func getContent(ctx context.Context, q queryer, id int64) (*dataset.Content, error) {
	var (
		c           dataset.Content
		generatedAt int64
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, dataset_id, cid, data, size, generated_at FROM contents WHERE id = ?
	`, id).Scan(&c.ID, &c.DatasetID, &c.CID, &c.Data, &c.Size, &generatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: content %d", dataset.ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get content: %w", err)
	}
	c.GeneratedAt = fromMillis(generatedAt)
	return &c, nil
}

// GetContent retrieves a content row by ID.
func (s *Store) GetContent(ctx context.Context, id int64) (*dataset.Content, error) {
	return getContent(ctx, s.db, id)
}

// CurrentContent returns the content a dataset currently points at.
func (s *Store) CurrentContent(ctx context.Context, datasetID string) (*dataset.Content, error) {
	d, err := s.GetDataset(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	if d.ContentID == 0 {
		return nil, fmt.Errorf("%w: dataset %s has no content", dataset.ErrNotFound, datasetID)
	}
	return s.GetContent(ctx, d.ContentID)
}

// ListContents returns the content history owned by a dataset, oldest first,
// without payload bytes.
func (s *Store) ListContents(ctx context.Context, datasetID string) ([]*dataset.Content, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, dataset_id, cid, size, generated_at FROM contents WHERE dataset_id = ? ORDER BY id ASC
	`, datasetID)
	if err != nil {
		return nil, fmt.Errorf("failed to list contents: %w", err)
	}
	defer rows.Close()

	var contents []*dataset.Content
	for rows.Next() {
		var c dataset.Content
		var generatedAt int64
		if err := rows.Scan(&c.ID, &c.DatasetID, &c.CID, &c.Size, &generatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan content row: %w", err)
		}
		c.GeneratedAt = fromMillis(generatedAt)
		contents = append(contents, &c)
	}
	return contents, rows.Err()
}

// Stats returns row counts per table.
func (s *Store) Stats(ctx context.Context) (map[string]int64, error) {
	stats := make(map[string]int64)
	for _, table := range []string{"datasets", "contents", "subscriptions", "unlocode_map"} {
		var count int64
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&count); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		stats[table] = count
	}
	var active int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM datasets WHERE cancelled = 0`).Scan(&active); err != nil {
		return nil, fmt.Errorf("failed to count active datasets: %w", err)
	}
	stats["datasets_active"] = active
	return stats, nil
}

// PutLocode inserts or replaces a UN/LOCODE map entry.
func (s *Store) PutLocode(ctx context.Context, code string, g geometry.Geometry) error {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != 5 {
		return fmt.Errorf("%w: UN/LOCODE must have 5 characters", dataset.ErrValidation)
	}
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO unlocode_map (code, geometry_wkt) VALUES (?, ?)`, code, g.WKT())
	if err != nil {
		return fmt.Errorf("failed to store UN/LOCODE: %w", err)
	}
	return nil
}

// GetLocode returns the geometry mapped to a UN/LOCODE.
func (s *Store) GetLocode(ctx context.Context, code string) (geometry.Geometry, error) {
	var wkt string
	err := s.db.QueryRowContext(ctx, `SELECT geometry_wkt FROM unlocode_map WHERE code = ?`,
		strings.ToUpper(strings.TrimSpace(code))).Scan(&wkt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return geometry.Geometry{}, fmt.Errorf("%w: %s", ErrLocodeNotFound, code)
		}
		return geometry.Geometry{}, fmt.Errorf("failed to get UN/LOCODE: %w", err)
	}
	return geometry.Parse(wkt)
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableInt(v int64) interface{} {
	if v == 0 {
		return nil
	}
	return v
}

func nullableString(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}
