// Package session persists provenance histories across runs.
//
// The in-memory store is authoritative while the tool runs; this package
// snapshots it into a SQLite database on save and repopulates it on load.
// The same history shape also round-trips through a JSON export document
// for interchange with other tools, validated against an embedded schema
// on the way back in.
package session

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"fixity/internal/digest"
)

// Schema for the session database. Times are RFC3339 text so the database
// stays readable in an audit.
const schema = `
CREATE TABLE IF NOT EXISTS files (
    id      TEXT PRIMARY KEY,
    path    TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS hash_records (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    file_id         TEXT NOT NULL REFERENCES files(id),
    algorithm       TEXT NOT NULL,
    digest          TEXT NOT NULL,
    computed_at     TEXT NOT NULL,
    origin          TEXT NOT NULL,
    segment_index   INTEGER,
    segment_label   TEXT NOT NULL DEFAULT '',
    result          TEXT,
    verified_at     TEXT,
    reference       TEXT
);

CREATE INDEX IF NOT EXISTS idx_hash_records_file ON hash_records(file_id, id);
`

// Store is the SQLite session store.
type Store struct {
	db *sql.DB
}

// FileEntry is one persisted file identity.
type FileEntry struct {
	ID   string
	Path string
}

// Open opens or creates the session database at the given path.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping verifies the database connection is still usable.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("session store is closed")
	}
	return s.db.PingContext(ctx)
}

// SaveHistory replaces the persisted history for one file with the given
// records. The in-memory history is append-only; persisting it is a
// snapshot of the whole sequence, so stale rows from the previous save are
// swapped out in the same transaction.
func (s *Store) SaveHistory(fileID, path string, records []digest.HashRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO files (id, path) VALUES (?, ?)`, fileID, path); err != nil {
		return fmt.Errorf("upsert file: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM hash_records WHERE file_id = ?`, fileID); err != nil {
		return fmt.Errorf("clear prior snapshot: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO hash_records (file_id, algorithm, digest, computed_at, origin, segment_index, segment_label, result, verified_at, reference)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		var result, verifiedAt, reference interface{}
		if r.Verification != nil {
			result = string(r.Verification.Result)
			verifiedAt = r.Verification.VerifiedAt.UTC().Format(time.RFC3339Nano)
			if r.Verification.Reference != nil {
				reference = r.Verification.Reference.Value
			}
		}

		var segIndex interface{}
		if r.SegmentIndex != nil {
			segIndex = *r.SegmentIndex
		}

		if _, err := stmt.Exec(
			fileID,
			string(r.Algorithm),
			r.Value,
			r.ComputedAt.UTC().Format(time.RFC3339Nano),
			string(r.Origin),
			segIndex,
			r.SegmentLabel,
			result,
			verifiedAt,
			reference,
		); err != nil {
			return fmt.Errorf("insert hash record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// LoadHistory returns the persisted records for one file in insertion
// order. An unknown file yields an empty history, not an error.
func (s *Store) LoadHistory(fileID string) ([]digest.HashRecord, error) {
	rows, err := s.db.Query(`
		SELECT algorithm, digest, computed_at, origin, segment_index, segment_label, result, verified_at, reference
		FROM hash_records
		WHERE file_id = ?
		ORDER BY id ASC`, fileID,
	)
	if err != nil {
		return nil, fmt.Errorf("query hash records: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// LoadAll returns every persisted history keyed by file id.
func (s *Store) LoadAll() (map[string][]digest.HashRecord, error) {
	files, err := s.Files()
	if err != nil {
		return nil, err
	}

	out := make(map[string][]digest.HashRecord, len(files))
	for _, f := range files {
		recs, err := s.LoadHistory(f.ID)
		if err != nil {
			return nil, err
		}
		out[f.ID] = recs
	}
	return out, nil
}

// Files lists the persisted file identities, sorted by id.
func (s *Store) Files() ([]FileEntry, error) {
	rows, err := s.db.Query(`SELECT id, path FROM files ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query files: %w", err)
	}
	defer rows.Close()

	var out []FileEntry
	for rows.Next() {
		var f FileEntry
		if err := rows.Scan(&f.ID, &f.Path); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate files: %w", err)
	}
	return out, nil
}

// FilePath returns the stored path for a file id, empty when unknown.
func (s *Store) FilePath(fileID string) (string, error) {
	var path string
	err := s.db.QueryRow(`SELECT path FROM files WHERE id = ?`, fileID).Scan(&path)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get file path: %w", err)
	}
	return path, nil
}

func scanRecords(rows *sql.Rows) ([]digest.HashRecord, error) {
	var out []digest.HashRecord

	for rows.Next() {
		var (
			rec        digest.HashRecord
			algorithm  string
			origin     string
			computedAt string
			segIndex   sql.NullInt64
			result     sql.NullString
			verifiedAt sql.NullString
			reference  sql.NullString
		)

		if err := rows.Scan(&algorithm, &rec.Value, &computedAt, &origin, &segIndex, &rec.SegmentLabel, &result, &verifiedAt, &reference); err != nil {
			return nil, fmt.Errorf("scan hash record: %w", err)
		}

		rec.Algorithm = digest.Algorithm(algorithm)
		rec.Origin = digest.Origin(origin)

		t, err := time.Parse(time.RFC3339Nano, computedAt)
		if err != nil {
			return nil, fmt.Errorf("parse computed_at: %w", err)
		}
		rec.ComputedAt = t

		if segIndex.Valid {
			idx := int(segIndex.Int64)
			rec.SegmentIndex = &idx
		}

		if result.Valid {
			mark := &digest.VerificationMark{Result: digest.VerificationResult(result.String)}
			if verifiedAt.Valid {
				vt, err := time.Parse(time.RFC3339Nano, verifiedAt.String)
				if err != nil {
					return nil, fmt.Errorf("parse verified_at: %w", err)
				}
				mark.VerifiedAt = vt
			}
			if reference.Valid {
				ref := digest.New(rec.Algorithm, reference.String)
				mark.Reference = &ref
			}
			rec.Verification = mark
		}

		out = append(out, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate hash records: %w", err)
	}
	return out, nil
}
