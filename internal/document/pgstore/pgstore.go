// Package pgstore is the PostgreSQL document store. The op log is a jsonb
// array appended in a single upsert statement, so appends for one document
// are atomic and ordered by commit.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"collabtext/syncd/internal/document"
)

const schema = `CREATE TABLE IF NOT EXISTS documents (
	id         text PRIMARY KEY,
	title      text NOT NULL,
	ops        jsonb NOT NULL DEFAULT '[]'::jsonb,
	created_at timestamptz NOT NULL DEFAULT now(),
	updated_at timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS documents_updated_at_idx ON documents (updated_at DESC);`

const uniqueViolation = "23505"

var _ document.Store = (*Store)(nil)

type Store struct {
	pool *pgxpool.Pool
}

// Connect opens a pool against url and makes sure the schema exists.
func Connect(ctx context.Context, url string) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to create schema: %w", err)
	}
	glog.Infof("[pg]connected to PostgreSQL")
	return &Store{pool: pool}, nil
}

func (s *Store) Create(ctx context.Context, id, title string) (*document.Document, error) {
	if id == "" {
		id = document.NewID()
	}
	row := s.pool.QueryRow(ctx,
		`INSERT INTO documents (id, title) VALUES ($1, $2)
		 RETURNING id, title, ops, created_at, updated_at`,
		id, document.NormalizeTitle(title),
	)
	doc, err := scan(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, document.ErrExists
		}
		return nil, err
	}
	return doc, nil
}

func (s *Store) CreateIfAbsent(ctx context.Context, id, title string) (*document.Document, bool, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO documents (id, title) VALUES ($1, $2)
		 ON CONFLICT (id) DO NOTHING
		 RETURNING id, title, ops, created_at, updated_at`,
		id, document.NormalizeTitle(title),
	)
	doc, err := scan(row)
	switch {
	case err == nil:
		return doc, true, nil
	case errors.Is(err, pgx.ErrNoRows):
		doc, err := s.Get(ctx, id)
		if err != nil {
			return nil, false, err
		}
		return doc, false, nil
	default:
		return nil, false, err
	}
}

func (s *Store) Get(ctx context.Context, id string) (*document.Document, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, title, ops, created_at, updated_at FROM documents WHERE id = $1`,
		id,
	)
	doc, err := scan(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, document.ErrNotFound
	}
	return doc, err
}

func (s *Store) List(ctx context.Context, limit int) ([]document.Document, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, title, ops, created_at, updated_at FROM documents
		 ORDER BY updated_at DESC LIMIT $1`,
		document.NormalizeLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()

	docs := []document.Document{}
	for rows.Next() {
		doc, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}
		docs = append(docs, *doc)
	}
	return docs, rows.Err()
}

func (s *Store) AppendOp(ctx context.Context, id string, op json.RawMessage) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO documents (id, title, ops, updated_at)
		 VALUES ($1, $2, jsonb_build_array($3::jsonb), now())
		 ON CONFLICT (id) DO UPDATE
		 SET ops = documents.ops || jsonb_build_array($3::jsonb), updated_at = now()`,
		id, document.DefaultTitle, string(op),
	)
	return err
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func scan(row pgx.Row) (*document.Document, error) {
	var (
		doc       document.Document
		rawOps    []byte
		createdAt time.Time
		updatedAt time.Time
	)
	if err := row.Scan(&doc.ID, &doc.Title, &rawOps, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	doc.Ops = []json.RawMessage{}
	if err := json.Unmarshal(rawOps, &doc.Ops); err != nil {
		return nil, fmt.Errorf("failed to decode ops for %s: %w", doc.ID, err)
	}
	doc.CreatedAt = createdAt
	doc.UpdatedAt = updatedAt
	return &doc, nil
}
