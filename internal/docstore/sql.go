package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/local/parsemd/internal/core"
)

const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite"
)

// Document locates a stored binary.
type Document struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Bucket   string `json:"bucket"`
	Location string `json:"location"`
}

// SQL is a document store over database/sql, backed by Postgres (pgx) or SQLite.
type SQL struct {
	db     *sql.DB
	driver string
}

func Open(ctx context.Context, driver, dsn string) (*SQL, error) {
	switch driver {
	case DriverPostgres, DriverSQLite:
	case "postgres":
		driver = DriverPostgres
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// database/sql would otherwise give each connection its own in-memory db
		db.SetMaxOpenConns(1)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	log.Info().Str("driver", driver).Msg("document store connected")
	return &SQL{db: db, driver: driver}, nil
}

// Migrate creates the documents table when missing.
func (s *SQL) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS documents (
	id       TEXT PRIMARY KEY,
	name     TEXT NOT NULL,
	bucket   TEXT NOT NULL DEFAULT '',
	location TEXT NOT NULL
)`)
	if err != nil {
		return fmt.Errorf("migrate documents: %w", err)
	}
	return nil
}

func (s *SQL) placeholder(n int) string {
	if s.driver == DriverPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// GetDocument returns the document with id, or an error wrapping core.ErrNotFound.
func (s *SQL) GetDocument(ctx context.Context, id string) (Document, error) {
	q := "SELECT id, name, bucket, location FROM documents WHERE id = " + s.placeholder(1)

	var d Document
	err := s.db.QueryRowContext(ctx, q, id).Scan(&d.ID, &d.Name, &d.Bucket, &d.Location)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, fmt.Errorf("document %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return Document{}, fmt.Errorf("get document %s: %w", id, err)
	}
	return d, nil
}

// Put inserts or replaces a document record.
func (s *SQL) Put(ctx context.Context, d Document) error {
	if d.ID == "" || d.Location == "" {
		return errors.New("document id and location are required")
	}
	q := fmt.Sprintf(`INSERT INTO documents (id, name, bucket, location) VALUES (%s, %s, %s, %s)
ON CONFLICT (id) DO UPDATE SET name = excluded.name, bucket = excluded.bucket, location = excluded.location`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4))
	if _, err := s.db.ExecContext(ctx, q, d.ID, d.Name, d.Bucket, d.Location); err != nil {
		return fmt.Errorf("put document %s: %w", d.ID, err)
	}
	return nil
}

func (s *SQL) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQL) Close() error { return s.db.Close() }
