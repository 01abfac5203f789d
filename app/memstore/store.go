// Package memstore is an in-process document store for local development and
// tests. Every document is kept as its typed-field JSON, so reads and writes
// go through the same codec as the remote stores.
package memstore

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"example/chat-gateway/app/firestore"

	"github.com/google/uuid"
)

type record struct {
	raw     []byte
	created time.Time
	updated time.Time
}

type Store struct {
	mu   sync.Mutex
	docs map[string]record
	now  func() time.Time
}

func New() *Store {
	return &Store{docs: map[string]record{}, now: time.Now}
}

func (s *Store) decode(path string, r record) (*firestore.Document, error) {
	doc := &firestore.Document{Name: path, CreateTime: r.created, UpdateTime: r.updated}
	if err := json.Unmarshal(r.raw, &doc.Fields); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *Store) Get(_ context.Context, path string) (*firestore.Document, error) {
	path = strings.Trim(path, "/")
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.docs[path]
	if !ok {
		return nil, firestore.ErrNotFound
	}
	return s.decode(path, r)
}

func (s *Store) Create(_ context.Context, parent, docID string, fields firestore.Fields) (*firestore.Document, error) {
	parent = strings.Trim(parent, "/")
	if docID == "" {
		docID = strings.ReplaceAll(uuid.NewString(), "-", "")[:20]
	}
	path := parent + "/" + docID
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.docs[path]; exists {
		return nil, firestore.ErrAlreadyExists
	}
	now := s.now().UTC()
	r := record{raw: raw, created: now, updated: now}
	s.docs[path] = r
	return s.decode(path, r)
}

func (s *Store) Patch(_ context.Context, path string, fields firestore.Fields, mask []string) (*firestore.Document, error) {
	path = strings.Trim(path, "/")
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	r, ok := s.docs[path]
	base := firestore.Fields{}
	if ok {
		if err := json.Unmarshal(r.raw, &base); err != nil {
			return nil, err
		}
	} else {
		r.created = now
	}
	raw, err := json.Marshal(firestore.ApplyMask(base, fields, mask))
	if err != nil {
		return nil, err
	}
	r.raw = raw
	r.updated = now
	s.docs[path] = r
	return s.decode(path, r)
}

func (s *Store) Delete(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, strings.Trim(path, "/"))
	return nil
}

func parentOf(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[:i]
	}
	return ""
}

// keys returns the paths directly under parent, sorted.
func (s *Store) keys(parent string) []string {
	var out []string
	for path := range s.docs {
		if parentOf(path) == parent {
			out = append(out, path)
		}
	}
	sort.Strings(out)
	return out
}

func (s *Store) List(_ context.Context, parent string) ([]*firestore.Document, error) {
	parent = strings.Trim(parent, "/")
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*firestore.Document
	for _, path := range s.keys(parent) {
		doc, err := s.decode(path, s.docs[path])
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

func (s *Store) FindOne(_ context.Context, collection, fieldPath string, value firestore.Value) (*firestore.Document, error) {
	want, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, path := range s.keys(strings.Trim(collection, "/")) {
		doc, err := s.decode(path, s.docs[path])
		if err != nil {
			return nil, err
		}
		got, ok := doc.Fields.Lookup(fieldPath)
		if !ok {
			continue
		}
		raw, err := json.Marshal(got)
		if err != nil {
			return nil, err
		}
		if bytes.Equal(raw, want) {
			return doc, nil
		}
	}
	return nil, firestore.ErrNotFound
}
