// Package mongostore keeps documents in MongoDB. Ops are stored as their JSON
// text so the store never reinterprets client payloads.
package mongostore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"collabtext/syncd/internal/document"
)

const collectionName = "documents"

type record struct {
	ID        string    `bson:"_id"`
	Title     string    `bson:"title"`
	Ops       []string  `bson:"ops"`
	CreatedAt time.Time `bson:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

func (r *record) document() *document.Document {
	doc := &document.Document{
		ID:        r.ID,
		Title:     r.Title,
		Ops:       make([]json.RawMessage, len(r.Ops)),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	for i, op := range r.Ops {
		doc.Ops[i] = json.RawMessage(op)
	}
	return doc
}

var _ document.Store = (*Store)(nil)

type Store struct {
	client *mongo.Client
	docs   *mongo.Collection
	now    func() time.Time
}

func Connect(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	docs := client.Database(database).Collection(collectionName)
	if _, err := docs.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "updatedAt", Value: -1}},
	}); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to create index: %w", err)
	}
	glog.Infof("[mongo]connected to MongoDB database %s\n", database)
	return &Store{client: client, docs: docs, now: time.Now}, nil
}

func (s *Store) Create(ctx context.Context, id, title string) (*document.Document, error) {
	if id == "" {
		id = document.NewID()
	}
	r := s.newRecord(id, title)
	if _, err := s.docs.InsertOne(ctx, r); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, document.ErrExists
		}
		return nil, err
	}
	return r.document(), nil
}

func (s *Store) CreateIfAbsent(ctx context.Context, id, title string) (*document.Document, bool, error) {
	r := s.newRecord(id, title)
	res, err := s.docs.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: id}},
		bson.D{{Key: "$setOnInsert", Value: bson.D{
			{Key: "title", Value: r.Title},
			{Key: "ops", Value: r.Ops},
			{Key: "createdAt", Value: r.CreatedAt},
			{Key: "updatedAt", Value: r.UpdatedAt},
		}}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return nil, false, err
	}
	if res.UpsertedCount > 0 {
		return r.document(), true, nil
	}
	doc, err := s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return doc, false, nil
}

func (s *Store) Get(ctx context.Context, id string) (*document.Document, error) {
	var r record
	err := s.docs.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&r)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, document.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r.document(), nil
}

func (s *Store) List(ctx context.Context, limit int) ([]document.Document, error) {
	cursor, err := s.docs.Find(ctx, bson.D{},
		options.Find().
			SetSort(bson.D{{Key: "updatedAt", Value: -1}}).
			SetLimit(int64(document.NormalizeLimit(limit))),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	var records []record
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("failed to decode: %w", err)
	}
	docs := make([]document.Document, 0, len(records))
	for i := range records {
		docs = append(docs, *records[i].document())
	}
	return docs, nil
}

func (s *Store) AppendOp(ctx context.Context, id string, op json.RawMessage) error {
	now := s.now()
	_, err := s.docs.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: id}},
		bson.D{
			{Key: "$push", Value: bson.D{{Key: "ops", Value: string(op)}}},
			{Key: "$set", Value: bson.D{{Key: "updatedAt", Value: now}}},
			{Key: "$setOnInsert", Value: bson.D{
				{Key: "title", Value: document.DefaultTitle},
				{Key: "createdAt", Value: now},
			}},
		},
		options.UpdateOne().SetUpsert(true),
	)
	return err
}

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *Store) newRecord(id, title string) *record {
	now := s.now()
	return &record{
		ID:        id,
		Title:     document.NormalizeTitle(title),
		Ops:       []string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}
