// Package pgstore keeps typed-field documents in Postgres so the service can
// run without Firestore. Documents are stored as the same JSON the REST API
// speaks, keyed by their slash-separated path.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"example/chat-gateway/app/firestore"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const schema = `
	CREATE TABLE IF NOT EXISTS documents (
		path        TEXT PRIMARY KEY,
		parent      TEXT NOT NULL,
		fields      JSONB NOT NULL,
		create_time TIMESTAMPTZ NOT NULL DEFAULT now(),
		update_time TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS documents_parent_idx ON documents (parent);
`

type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New wraps an open database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Open connects, pings and returns a Store.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("db.Ping: %w", err)
	}
	return New(db), nil
}

// EnsureSchema creates the documents table if needed.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Get(ctx context.Context, path string) (*firestore.Document, error) {
	path = cleanPath(path)
	row := s.db.QueryRowContext(ctx, `
		SELECT path, fields, create_time, update_time
		FROM documents
		WHERE path = $1;
	`, path)
	return scanDocument(row)
}

func (s *Store) Create(ctx context.Context, parent, docID string, fields firestore.Fields) (*firestore.Document, error) {
	parent = cleanPath(parent)
	if docID == "" {
		docID = strings.ReplaceAll(uuid.NewString(), "-", "")[:20]
	}
	path := parent + "/" + docID

	payload, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (path, parent, fields, create_time, update_time)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (path) DO NOTHING;
	`, path, parent, payload, now)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, firestore.ErrAlreadyExists
	}
	return &firestore.Document{Name: path, Fields: fields, CreateTime: now, UpdateTime: now}, nil
}

// Patch mirrors the REST semantics: the document is created when missing,
// and a mask limits which field paths are touched.
func (s *Store) Patch(ctx context.Context, path string, fields firestore.Fields, mask []string) (*firestore.Document, error) {
	path = cleanPath(path)

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var (
		raw     []byte
		created time.Time
	)
	now := s.now().UTC()
	err = tx.QueryRowContext(ctx, `
		SELECT fields, create_time
		FROM documents
		WHERE path = $1
		FOR UPDATE;
	`, path).Scan(&raw, &created)
	base := firestore.Fields{}
	switch {
	case errors.Is(err, sql.ErrNoRows):
		created = now
	case err != nil:
		return nil, err
	default:
		if err := json.Unmarshal(raw, &base); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}

	merged := firestore.ApplyMask(base, fields, mask)
	payload, err := json.Marshal(merged)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (path, parent, fields, create_time, update_time)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (path) DO UPDATE
		SET fields = EXCLUDED.fields, update_time = EXCLUDED.update_time;
	`, path, parentOf(path), payload, created, now)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &firestore.Document{Name: path, Fields: merged, CreateTime: created, UpdateTime: now}, nil
}

func (s *Store) Delete(ctx context.Context, path string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE path = $1;`, cleanPath(path))
	return err
}

func (s *Store) List(ctx context.Context, parent string) ([]*firestore.Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT path, fields, create_time, update_time
		FROM documents
		WHERE parent = $1
		ORDER BY path;
	`, cleanPath(parent))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*firestore.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// FindOne matches a typed value at a dotted field path, e.g.
// "subscription.stripeCustomerId", within a top-level collection.
func (s *Store) FindOne(ctx context.Context, collection, fieldPath string, value firestore.Value) (*firestore.Document, error) {
	want, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT path, fields, create_time, update_time
		FROM documents
		WHERE parent = $1 AND fields #> $2 = $3::jsonb
		LIMIT 1;
	`, cleanPath(collection), pq.Array(jsonPath(fieldPath)), string(want))
	return scanDocument(row)
}

// jsonPath turns "a.b.c" into the JSONB path through nested mapValues:
// {a,mapValue,fields,b,mapValue,fields,c}.
func jsonPath(fieldPath string) []string {
	parts := strings.Split(fieldPath, ".")
	out := make([]string, 0, len(parts)*3)
	for i, p := range parts {
		if i > 0 {
			out = append(out, "mapValue", "fields")
		}
		out = append(out, p)
	}
	return out
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (*firestore.Document, error) {
	var (
		doc firestore.Document
		raw []byte
	)
	if err := row.Scan(&doc.Name, &raw, &doc.CreateTime, &doc.UpdateTime); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, firestore.ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(raw, &doc.Fields); err != nil {
		return nil, fmt.Errorf("decode %s: %w", doc.Name, err)
	}
	return &doc, nil
}

func cleanPath(p string) string {
	return strings.Trim(p, "/")
}

func parentOf(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[:i]
	}
	return ""
}
