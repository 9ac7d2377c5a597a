package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pavel-fokin/files-relay/internal/files"
	_ "modernc.org/sqlite"
)

// Repository implements files.Registry using SQLite
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new SQLite repository
func NewRepository(dbPath string) (*Repository, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps Replace and Load strictly ordered.
	db.SetMaxOpenConns(1)

	repo := &Repository{db: db}

	// Initialize database schema
	if err := repo.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return repo, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

// initSchema creates and migrates the necessary database tables
func (r *Repository) initSchema() error {
	createTableQuery := `
	CREATE TABLE IF NOT EXISTS files (
		position INTEGER NOT NULL,
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		size INTEGER NOT NULL,
		content_type TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		password TEXT NOT NULL DEFAULT '',
		owner INTEGER NOT NULL
	);`
	if _, err := r.db.Exec(createTableQuery); err != nil {
		return fmt.Errorf("failed to create files table: %w", err)
	}

	// Visibility lists came later; add the column to older databases.
	alterTableQuery := `ALTER TABLE files ADD COLUMN devices TEXT NOT NULL DEFAULT '[]';`
	if _, err := r.db.Exec(alterTableQuery); err != nil {
		if !strings.Contains(err.Error(), "duplicate column name") {
			return fmt.Errorf("failed to add devices column: %w", err)
		}
	}

	createIndexQuery := `CREATE INDEX IF NOT EXISTS idx_files_position ON files(position);`
	if _, err := r.db.Exec(createIndexQuery); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}

	return nil
}

// Load retrieves all file records in snapshot order
func (r *Repository) Load(ctx context.Context) ([]files.Record, error) {
	query := `
	SELECT id, name, size, content_type, created_at, password, owner, devices
	FROM files
	ORDER BY position
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query files: %w", err)
	}
	defer rows.Close()

	records := []files.Record{}
	for rows.Next() {
		var (
			record  files.Record
			devices string
		)
		err := rows.Scan(
			&record.ID,
			&record.Name,
			&record.Size,
			&record.ContentType,
			&record.CreatedAt,
			&record.Password,
			&record.Owner,
			&devices,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file row: %w", err)
		}
		if err := json.Unmarshal([]byte(devices), &record.Devices); err != nil {
			return nil, fmt.Errorf("failed to decode devices of %q: %w", record.Name, err)
		}
		if len(record.Devices) == 0 {
			record.Devices = nil
		}
		record.CreatedAt = record.CreatedAt.UTC()
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating file rows: %w", err)
	}

	return records, nil
}

// Replace swaps the whole snapshot inside one transaction
func (r *Repository) Replace(ctx context.Context, records []files.Record) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM files`); err != nil {
		return fmt.Errorf("failed to clear files: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO files (position, id, name, size, content_type, created_at, password, owner, devices)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, record := range records {
		devices, err := json.Marshal(record.Devices)
		if err != nil {
			return fmt.Errorf("failed to encode devices of %q: %w", record.Name, err)
		}
		if record.Devices == nil {
			devices = []byte("[]")
		}
		_, err = stmt.ExecContext(ctx,
			i,
			record.ID,
			record.Name,
			record.Size,
			record.ContentType,
			record.CreatedAt,
			record.Password,
			int64(record.Owner),
			string(devices),
		)
		if err != nil {
			return fmt.Errorf("failed to insert file record %q: %w", record.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}

	return nil
}
