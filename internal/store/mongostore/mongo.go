// Package mongostore keeps sessions as documents in a "sessions" collection.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"codedojo/collab/internal/models"
	"codedojo/collab/internal/store"
)

const collectionName = "sessions"

type sessionDoc struct {
	ID          string    `bson:"_id"`
	SessionCode string    `bson:"session_code"`
	Title       string    `bson:"title,omitempty"`
	Language    string    `bson:"language"`
	Code        string    `bson:"code"`
	CreatedAt   time.Time `bson:"created_at"`
	UpdatedAt   time.Time `bson:"updated_at"`
}

func (d *sessionDoc) toModel() *models.Session {
	return &models.Session{
		ID:        d.ID,
		Code:      d.SessionCode,
		Title:     d.Title,
		Language:  d.Language,
		Text:      d.Code,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

type Store struct {
	client *mongo.Client
	col    *mongo.Collection
	now    func() time.Time
}

// Connect dials uri and ensures the unique index on session_code.
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	if uri == "" {
		return nil, errors.New("MONGO_URI is empty")
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	s := newWithCollection(client.Database(database).Collection(collectionName))
	s.client = client
	if err := s.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func newWithCollection(col *mongo.Collection) *Store {
	return &Store{col: col, now: time.Now}
}

func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.col.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "session_code", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "updated_at", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create session indexes: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(context.Background())
}

func (s *Store) Get(ctx context.Context, code string) (*models.Session, error) {
	var doc sessionDoc
	err := s.col.FindOne(ctx, bson.M{"session_code": store.NormalizeCode(code)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return doc.toModel(), nil
}

func (s *Store) SetCode(ctx context.Context, code, text string) (*models.Session, error) {
	return s.update(ctx, code, bson.M{"code": text})
}

func (s *Store) SetLanguage(ctx context.Context, code, language string) (*models.Session, error) {
	return s.update(ctx, code, bson.M{"language": language})
}

func (s *Store) update(ctx context.Context, code string, set bson.M) (*models.Session, error) {
	set["updated_at"] = s.now().UTC()
	var doc sessionDoc
	err := s.col.FindOneAndUpdate(ctx,
		bson.M{"session_code": store.NormalizeCode(code)},
		bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return doc.toModel(), nil
}

func (s *Store) Create(ctx context.Context, title, language string) (*models.Session, error) {
	return store.CreateUnique(ctx, func(ctx context.Context, code string) (*models.Session, error) {
		sess := store.NewSession(uuid.NewString(), code, title, language, s.now().UTC())
		doc := sessionDoc{
			ID:          sess.ID,
			SessionCode: sess.Code,
			Title:       sess.Title,
			Language:    sess.Language,
			Code:        sess.Text,
			CreatedAt:   sess.CreatedAt,
			UpdatedAt:   sess.UpdatedAt,
		}
		if _, err := s.col.InsertOne(ctx, doc); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return nil, store.ErrCodeTaken
			}
			return nil, err
		}
		return sess, nil
	})
}

func (s *Store) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.col.DeleteMany(ctx, bson.M{"updated_at": bson.M{"$lt": cutoff.UTC()}})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}
