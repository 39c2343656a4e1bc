package document

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// Memory is a process-local Store. Append is atomic under its mutex, so it
// satisfies the same contract as the durable stores.
type Memory struct {
	mu   sync.RWMutex // protects docs
	docs map[string]*Document
	now  func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		docs: make(map[string]*Document),
		now:  time.Now,
	}
}

func (m *Memory) Create(ctx context.Context, id, title string) (*Document, error) {
	if id == "" {
		id = NewID()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[id]; ok {
		return nil, ErrExists
	}
	doc := m.newDocument(id, title)
	m.docs[id] = doc
	return doc.Clone(), nil
}

func (m *Memory) CreateIfAbsent(ctx context.Context, id, title string) (*Document, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if doc, ok := m.docs[id]; ok {
		return doc.Clone(), false, nil
	}
	doc := m.newDocument(id, title)
	m.docs[id] = doc
	return doc.Clone(), true, nil
}

func (m *Memory) Get(ctx context.Context, id string) (*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return doc.Clone(), nil
}

func (m *Memory) List(ctx context.Context, limit int) ([]Document, error) {
	m.mu.RLock()
	docs := make([]Document, 0, len(m.docs))
	for _, doc := range m.docs {
		docs = append(docs, *doc.Clone())
	}
	m.mu.RUnlock()

	sort.SliceStable(docs, func(i, j int) bool {
		return docs[i].UpdatedAt.After(docs[j].UpdatedAt)
	})
	if limit = NormalizeLimit(limit); len(docs) > limit {
		docs = docs[:limit]
	}
	return docs, nil
}

func (m *Memory) AppendOp(ctx context.Context, id string, op json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		doc = m.newDocument(id, "")
		m.docs[id] = doc
	}
	doc.Ops = append(doc.Ops, append(json.RawMessage(nil), op...))
	doc.UpdatedAt = m.now()
	return nil
}

func (m *Memory) Close() error {
	return nil
}

func (m *Memory) newDocument(id, title string) *Document {
	now := m.now()
	return &Document{
		ID:        id,
		Title:     NormalizeTitle(title),
		Ops:       []json.RawMessage{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}
