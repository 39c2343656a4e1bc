package document

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// DefaultTitle is given to documents created without an explicit title,
// including the ones created lazily by a join or an op append.
const DefaultTitle = "Untitled Document"

// DefaultListLimit caps List when the caller passes a non-positive limit.
const DefaultListLimit = 50

var (
	ErrNotFound = errors.New("document not found")
	ErrExists   = errors.New("document already exists")
)

// Document is the durable state of one collaborative document. Ops is the
// append-only log of opaque edit operations in the order the server relayed
// them.
type Document struct {
	ID        string            `json:"id"`
	Title     string            `json:"title"`
	Ops       []json.RawMessage `json:"ops"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// Store persists documents and their operation logs.
// Implementations: Memory, boltstore, pgstore, mongostore.
type Store interface {
	// Create stores a new document. An empty id gets a generated one and an
	// empty title becomes DefaultTitle. Returns ErrExists on an id collision.
	Create(ctx context.Context, id, title string) (*Document, error)

	// CreateIfAbsent returns the stored document for id, creating an empty
	// one first when there is none. created reports which case happened.
	CreateIfAbsent(ctx context.Context, id, title string) (doc *Document, created bool, err error)

	// Get returns ErrNotFound if id is unknown.
	Get(ctx context.Context, id string) (*Document, error)

	// List returns up to limit documents, most recently updated first.
	List(ctx context.Context, limit int) ([]Document, error)

	// AppendOp atomically appends op to the document's log and bumps
	// UpdatedAt. A missing document is created with DefaultTitle.
	AppendOp(ctx context.Context, id string, op json.RawMessage) error

	Close() error
}

// NormalizeTitle maps an empty title to DefaultTitle.
func NormalizeTitle(title string) string {
	if title == "" {
		return DefaultTitle
	}
	return title
}

// NormalizeLimit maps a non-positive list limit to DefaultListLimit.
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}

// Clone returns a deep copy so callers never alias a store's internal slices.
func (d *Document) Clone() *Document {
	c := *d
	c.Ops = make([]json.RawMessage, len(d.Ops))
	for i, op := range d.Ops {
		c.Ops[i] = append(json.RawMessage(nil), op...)
	}
	return &c
}

// NewID generates an identifier for documents created without one.
func NewID() string {
	return uuid.NewString()
}
