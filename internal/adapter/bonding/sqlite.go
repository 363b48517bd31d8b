package bonding

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"roamer/internal/domain"
)

// SQLiteBackend stores one row per (peer, material type).
type SQLiteBackend struct {
	db   *sql.DB
	path string
}

// NewSQLiteBackend opens (or creates) a SQLite database at dbPath
// and runs the schema migration.
func NewSQLiteBackend(dbPath string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open bonding db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate bonding db: %w", err)
	}
	return &SQLiteBackend{db: db, path: dbPath}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS bonding (
			peer TEXT    NOT NULL,
			type INTEGER NOT NULL,
			data BLOB    NOT NULL,
			PRIMARY KEY (peer, type)
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

func (b *SQLiteBackend) Name() string { return "sqlite:" + b.path }

func (b *SQLiteBackend) Read(ctx context.Context) (Records, error) {
	rows, err := b.db.QueryContext(ctx, "SELECT peer, type, data FROM bonding")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(Records)
	for rows.Next() {
		var (
			peer string
			t    int
			data []byte
		)
		if err := rows.Scan(&peer, &t, &data); err != nil {
			return nil, err
		}
		if t < 0 || t > 255 {
			return nil, fmt.Errorf("peer %s: material type %d out of range", peer, t)
		}
		m, ok := out[peer]
		if !ok {
			m = make(domain.Material)
			out[peer] = m
		}
		m[domain.MaterialType(t)] = data
	}
	return out, rows.Err()
}

// Write replaces the stored rows with records in one transaction.
func (b *SQLiteBackend) Write(ctx context.Context, records Records) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM bonding"); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, "INSERT INTO bonding (peer, type, data) VALUES (?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for peer, m := range records {
		for t, data := range m {
			if data == nil {
				data = []byte{}
			}
			if _, err := stmt.ExecContext(ctx, peer, int(t), data); err != nil {
				return fmt.Errorf("insert %s/%d: %w", peer, t, err)
			}
		}
	}
	return tx.Commit()
}

func (b *SQLiteBackend) Clear(ctx context.Context) error {
	_, err := b.db.ExecContext(ctx, "DELETE FROM bonding")
	return err
}
