// Package boltstore keeps documents in an embedded bbolt file. Every document
// is a nested bucket holding a JSON meta record and an "ops" bucket keyed by
// a big-endian sequence number, so iteration order is append order.
package boltstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"collabtext/syncd/internal/document"
)

var (
	documentsBucket = []byte("documents")
	opsBucket       = []byte("ops")
	metaKey         = []byte("meta")
)

type meta struct {
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

var _ document.Store = (*Store)(nil)

type Store struct {
	db  *bbolt.DB
	now func() time.Time
}

func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt file %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(documentsBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create documents bucket: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Create(ctx context.Context, id, title string) (*document.Document, error) {
	if id == "" {
		id = document.NewID()
	}
	var doc *document.Document
	err := s.db.Update(func(tx *bbolt.Tx) error {
		docs := tx.Bucket(documentsBucket)
		if docs.Bucket([]byte(id)) != nil {
			return document.ErrExists
		}
		var err error
		doc, err = s.create(docs, id, title)
		return err
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *Store) CreateIfAbsent(ctx context.Context, id, title string) (*document.Document, bool, error) {
	var doc *document.Document
	created := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		docs := tx.Bucket(documentsBucket)
		if b := docs.Bucket([]byte(id)); b != nil {
			var err error
			doc, err = read(id, b)
			return err
		}
		created = true
		var err error
		doc, err = s.create(docs, id, title)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return doc, created, nil
}

func (s *Store) Get(ctx context.Context, id string) (*document.Document, error) {
	var doc *document.Document
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(documentsBucket).Bucket([]byte(id))
		if b == nil {
			return document.ErrNotFound
		}
		var err error
		doc, err = read(id, b)
		return err
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *Store) List(ctx context.Context, limit int) ([]document.Document, error) {
	var docs []document.Document
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(documentsBucket).ForEachBucket(func(k []byte) error {
			doc, err := read(string(k), tx.Bucket(documentsBucket).Bucket(k))
			if err != nil {
				return err
			}
			docs = append(docs, *doc)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(docs, func(i, j int) bool {
		return docs[i].UpdatedAt.After(docs[j].UpdatedAt)
	})
	if limit = document.NormalizeLimit(limit); len(docs) > limit {
		docs = docs[:limit]
	}
	return docs, nil
}

func (s *Store) AppendOp(ctx context.Context, id string, op json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		docs := tx.Bucket(documentsBucket)
		b := docs.Bucket([]byte(id))
		if b == nil {
			if _, err := s.create(docs, id, ""); err != nil {
				return err
			}
			b = docs.Bucket([]byte(id))
		}
		ops := b.Bucket(opsBucket)
		seq, err := ops.NextSequence()
		if err != nil {
			return err
		}
		if err := ops.Put(seqKey(seq), op); err != nil {
			return err
		}

		var m meta
		if err := json.Unmarshal(b.Get(metaKey), &m); err != nil {
			return fmt.Errorf("corrupt meta for %s: %w", id, err)
		}
		m.UpdatedAt = s.now()
		return putMeta(b, m)
	})
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) create(docs *bbolt.Bucket, id, title string) (*document.Document, error) {
	b, err := docs.CreateBucket([]byte(id))
	if err != nil {
		return nil, err
	}
	if _, err := b.CreateBucket(opsBucket); err != nil {
		return nil, err
	}
	now := s.now()
	m := meta{Title: document.NormalizeTitle(title), CreatedAt: now, UpdatedAt: now}
	if err := putMeta(b, m); err != nil {
		return nil, err
	}
	return &document.Document{
		ID:        id,
		Title:     m.Title,
		Ops:       []json.RawMessage{},
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}, nil
}

// read copies out of the transaction; bolt values are only valid inside it.
func read(id string, b *bbolt.Bucket) (*document.Document, error) {
	var m meta
	if err := json.Unmarshal(b.Get(metaKey), &m); err != nil {
		return nil, fmt.Errorf("corrupt meta for %s: %w", id, err)
	}
	doc := &document.Document{
		ID:        id,
		Title:     m.Title,
		Ops:       []json.RawMessage{},
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
	err := b.Bucket(opsBucket).ForEach(func(_, v []byte) error {
		doc.Ops = append(doc.Ops, append(json.RawMessage(nil), v...))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func putMeta(b *bbolt.Bucket, m meta) error {
	buf, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return b.Put(metaKey, buf)
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}
