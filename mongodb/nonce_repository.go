package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"go.verikey.dev/keygate/domain"
)

// NonceRepository implements domain.NonceRepository on MongoDB. The nonce is
// the document _id, so insertion is atomic without an extra index; a TTL
// index on marked_at handles retention.
type NonceRepository struct {
	coll *mongo.Collection
}

// NewNonceRepository creates the repository and ensures the retention TTL
// index.
func NewNonceRepository(ctx context.Context, db *mongo.Database, retention time.Duration) (*NonceRepository, error) {
	coll := db.Collection(NonceMarksCollection)

	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "marked_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(int32(retention / time.Second)),
	})
	if err != nil {
		return nil, fmt.Errorf("create nonce indexes: %w", err)
	}

	return &NonceRepository{coll: coll}, nil
}

func (r *NonceRepository) MarkIfAbsent(ctx context.Context, nonce string, at time.Time) error {
	_, err := r.coll.InsertOne(ctx, domain.NonceMark{Nonce: nonce, MarkedAt: at})
	if err == nil {
		return nil
	}
	if mongo.IsDuplicateKeyError(err) {
		return &domain.ConflictError{Key: nonce}
	}
	return mapStoreError(err, "mark nonce")
}

func (r *NonceRepository) IsMarked(ctx context.Context, nonce string) (bool, error) {
	err := r.coll.FindOne(ctx, bson.M{"_id": nonce}).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, mapStoreError(err, "check nonce")
	}
	return true, nil
}

func (r *NonceRepository) Delete(ctx context.Context, nonce string) error {
	res, err := r.coll.DeleteOne(ctx, bson.M{"_id": nonce})
	if err != nil {
		return mapStoreError(err, "delete nonce")
	}
	if res.DeletedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

var _ domain.NonceRepository = (*NonceRepository)(nil)
