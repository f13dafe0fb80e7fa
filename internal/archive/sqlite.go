package archive

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/felixgeelhaar/rewind/internal/memory"
)

// StoreInfo identifies an exported store.
type StoreInfo struct {
	ID         string
	Name       string
	ExportedAt time.Time
	Records    int
}

// Archive is a SQLite snapshot of one or more stores, for inspection with
// ordinary SQL tools. It is written on export and never read back by a store.
type Archive struct {
	db *sql.DB
}

func Open(path string) (*Archive, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}

	a := &Archive{db: db}
	if err := a.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

func (a *Archive) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS stores (
			id TEXT PRIMARY KEY,
			name TEXT,
			exported_at TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS records (
			id TEXT PRIMARY KEY,
			store_id TEXT,
			capture_time TEXT,
			media_ref TEXT,
			description TEXT,
			embedding BLOB,
			dimensions INTEGER,
			status TEXT,
			created_at TEXT,
			embedded_at TEXT,
			FOREIGN KEY(store_id) REFERENCES stores(id)
		);`,
		`CREATE INDEX IF NOT EXISTS records_store_capture ON records(store_id, capture_time);`,
	}

	for _, query := range queries {
		if _, err := a.db.Exec(query); err != nil {
			return fmt.Errorf("failed to init schema: %w", err)
		}
	}
	return nil
}

func (a *Archive) Close() error {
	return a.db.Close()
}

// ExportStore replaces the archived copy of a store with records.
func (a *Archive) ExportStore(ctx context.Context, id, name string, records []memory.Record, at time.Time) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO stores (id, name, exported_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, exported_at = excluded.exported_at`,
		id, name, formatTime(at)); err != nil {
		return fmt.Errorf("failed to write store: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE store_id = ?`, id); err != nil {
		return fmt.Errorf("failed to clear records: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO records (id, store_id, capture_time, media_ref, description, embedding, dimensions, status, created_at, embedded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range records {
		vec, err := encodeVector(r.Embedding)
		if err != nil {
			return err
		}
		var embeddedAt sql.NullString
		if r.EmbeddedAt != nil {
			embeddedAt = sql.NullString{String: formatTime(*r.EmbeddedAt), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, r.ID, id, formatTime(r.CaptureTime), r.MediaRef, r.Description,
			vec, len(r.Embedding), string(r.Status), formatTime(r.CreatedAt), embeddedAt); err != nil {
			return fmt.Errorf("failed to write record %s: %w", r.ID, err)
		}
	}

	return tx.Commit()
}

// Stores lists the archived stores with their record counts.
func (a *Archive) Stores(ctx context.Context) ([]StoreInfo, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT s.id, s.name, s.exported_at, COUNT(r.id)
		FROM stores s LEFT JOIN records r ON r.store_id = s.id
		GROUP BY s.id ORDER BY s.name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoreInfo
	for rows.Next() {
		var info StoreInfo
		var at string
		if err := rows.Scan(&info.ID, &info.Name, &at, &info.Records); err != nil {
			return nil, err
		}
		if info.ExportedAt, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// Records returns the archived records of a store in capture order.
func (a *Archive) Records(ctx context.Context, storeID string) ([]memory.Record, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, capture_time, media_ref, description, embedding, status, created_at, embedded_at
		FROM records WHERE store_id = ? ORDER BY capture_time, rowid`, storeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []memory.Record
	for rows.Next() {
		var r memory.Record
		var captured, created, status string
		var embeddedAt sql.NullString
		var vecBlob []byte
		if err := rows.Scan(&r.ID, &captured, &r.MediaRef, &r.Description, &vecBlob, &status, &created, &embeddedAt); err != nil {
			return nil, err
		}
		if r.CaptureTime, err = parseTime(captured); err != nil {
			return nil, err
		}
		if r.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		if embeddedAt.Valid {
			t, err := parseTime(embeddedAt.String)
			if err != nil {
				return nil, err
			}
			r.EmbeddedAt = &t
		}
		if r.Embedding, err = decodeVector(vecBlob); err != nil {
			return nil, err
		}
		r.Status = memory.Status(status)
		out = append(out, r)
	}
	return out, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q: %w", s, err)
	}
	return t, nil
}

func encodeVector(vec []float32) ([]byte, error) {
	if vec == nil {
		return nil, nil
	}
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, vec); err != nil {
		return nil, fmt.Errorf("failed to encode vector: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeVector(blob []byte) ([]float32, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("vector blob of %d bytes is not a float32 array", len(blob))
	}
	vec := make([]float32, len(blob)/4)
	if err := binary.Read(bytes.NewReader(blob), binary.LittleEndian, &vec); err != nil {
		return nil, fmt.Errorf("failed to decode vector: %w", err)
	}
	return vec, nil
}
