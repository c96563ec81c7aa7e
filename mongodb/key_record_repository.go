package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"go.verikey.dev/keygate/domain"
	kgerrors "go.verikey.dev/keygate/errors"
)

// KeyRecordRepository implements domain.UsageRecordRepository on MongoDB.
// The unique index on key_id is the race arbiter: of N concurrent inserts
// for the same key, exactly one succeeds and the rest get a duplicate-key
// error, mapped here to a domain.ConflictError.
type KeyRecordRepository struct {
	coll *mongo.Collection
}

// NewKeyRecordRepository creates the repository and ensures its indexes.
// The TTL index expires on purge_at, a retention deadline set by the
// writer; it is deliberately not placed on issued_expiry so that expired
// keys remain queryable until retention removes them.
func NewKeyRecordRepository(ctx context.Context, db *mongo.Database) (*KeyRecordRepository, error) {
	coll := db.Collection(KeyRecordsCollection)

	_, err := coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "key_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "redeemed_at", Value: -1}},
		},
		{
			Keys:    bson.D{{Key: "purge_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create key record indexes: %w", err)
	}

	return &KeyRecordRepository{coll: coll}, nil
}

// InsertIfAbsent implements the atomic claim. On a duplicate key it loads
// the winning record for diagnostics and returns a ConflictError.
func (r *KeyRecordRepository) InsertIfAbsent(ctx context.Context, rec *domain.UsageRecord) error {
	_, err := r.coll.InsertOne(ctx, rec)
	if err == nil {
		return nil
	}
	if mongo.IsDuplicateKeyError(err) {
		existing, getErr := r.GetByKeyID(ctx, rec.KeyID)
		if getErr != nil {
			// The winner exists but could not be read back; still a
			// conflict, just without diagnostics.
			log.Warn().Err(getErr).Str("keyId", rec.KeyID).
				Msg("Conflicting key record could not be loaded")
			existing = nil
		}
		return &domain.ConflictError{Key: rec.KeyID, Existing: existing}
	}
	return mapStoreError(err, "insert key record")
}

func (r *KeyRecordRepository) GetByKeyID(ctx context.Context, keyID string) (*domain.UsageRecord, error) {
	var rec domain.UsageRecord
	err := r.coll.FindOne(ctx, bson.M{"key_id": keyID}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, mapStoreError(err, "get key record")
	}
	return &rec, nil
}

// List returns all records, most recently redeemed first.
func (r *KeyRecordRepository) List(ctx context.Context) ([]*domain.UsageRecord, error) {
	cursor, err := r.coll.Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "redeemed_at", Value: -1}}))
	if err != nil {
		return nil, mapStoreError(err, "list key records")
	}

	records := make([]*domain.UsageRecord, 0)
	if err := cursor.All(ctx, &records); err != nil {
		return nil, mapStoreError(err, "decode key records")
	}
	return records, nil
}

func (r *KeyRecordRepository) Delete(ctx context.Context, keyID string) error {
	res, err := r.coll.DeleteOne(ctx, bson.M{"key_id": keyID})
	if err != nil {
		return mapStoreError(err, "delete key record")
	}
	if res.DeletedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

type facetCount struct {
	Count int64 `bson:"count"`
}

type statsFacets struct {
	Total          []facetCount `bson:"total"`
	VerifiedActive []facetCount `bson:"verified_active"`
	Expired        []facetCount `bson:"expired"`
	Today          []facetCount `bson:"today"`
	Week           []facetCount `bson:"week"`
	Month          []facetCount `bson:"month"`
}

// Stats aggregates usage counts in a single $facet pipeline.
func (r *KeyRecordRepository) Stats(ctx context.Context, now time.Time) (*domain.UsageStats, error) {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())

	count := bson.M{"$count": "count"}
	pipeline := []bson.M{{
		"$facet": bson.M{
			"total": []bson.M{count},
			"verified_active": []bson.M{
				{"$match": bson.M{"accepted": true, "issued_expiry": bson.M{"$gt": now}}},
				count,
			},
			"expired": []bson.M{
				{"$match": bson.M{"issued_expiry": bson.M{"$lte": now}}},
				count,
			},
			"today": []bson.M{
				{"$match": bson.M{"redeemed_at": bson.M{"$gte": midnight, "$lt": midnight.Add(24 * time.Hour)}}},
				count,
			},
			"week": []bson.M{
				{"$match": bson.M{"redeemed_at": bson.M{"$gte": now.Add(-7 * 24 * time.Hour)}}},
				count,
			},
			"month": []bson.M{
				{"$match": bson.M{"redeemed_at": bson.M{"$gte": monthStart}}},
				count,
			},
		},
	}}

	cursor, err := r.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, mapStoreError(err, "aggregate usage stats")
	}

	var facets []statsFacets
	if err := cursor.All(ctx, &facets); err != nil {
		return nil, mapStoreError(err, "decode usage stats")
	}
	if len(facets) == 0 {
		return nil, kgerrors.NewStoreUnavailable(errors.New("empty stats aggregation result"))
	}

	return &domain.UsageStats{
		Total:          facetCountOf(facets[0].Total),
		VerifiedActive: facetCountOf(facets[0].VerifiedActive),
		Expired:        facetCountOf(facets[0].Expired),
		RedeemedToday:  facetCountOf(facets[0].Today),
		RedeemedWeek:   facetCountOf(facets[0].Week),
		RedeemedMonth:  facetCountOf(facets[0].Month),
		Timestamp:      now,
	}, nil
}

func facetCountOf(c []facetCount) int64 {
	if len(c) == 0 {
		return 0
	}
	return c[0].Count
}

// mapStoreError classifies driver errors into the verification taxonomy so
// that a deadline is never mistaken for a conflict or a rejection.
func mapStoreError(err error, op string) error {
	if errors.Is(err, context.DeadlineExceeded) || mongo.IsTimeout(err) {
		return kgerrors.NewStoreTimeout(fmt.Errorf("%s: %w", op, err))
	}
	return kgerrors.NewStoreUnavailable(fmt.Errorf("%s: %w", op, err))
}

var _ domain.UsageRecordRepository = (*KeyRecordRepository)(nil)
