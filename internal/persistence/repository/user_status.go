package repository

import (
	"context"
	"errors"
	"time"

	"github.com/talkline/relay/internal/domain"
	"github.com/talkline/relay/internal/persistence/db"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// UserStatusRepository writes presence transitions onto the user documents
// owned by the REST service. Only the status fields are touched here.
type UserStatusRepository struct {
	db *mongo.Database
}

var _ domain.UserStatusRepository = (*UserStatusRepository)(nil)

func NewUserStatusRepository(database *mongo.Database) *UserStatusRepository {
	return &UserStatusRepository{
		db: database,
	}
}

func (r *UserStatusRepository) UpdateStatus(ctx context.Context, userID string, state domain.PresenceState, lastSeen time.Time) error {
	collection := r.db.Collection(db.UsersCollection)

	set := bson.M{"status": state}
	if !lastSeen.IsZero() {
		set["last_seen"] = lastSeen
	}

	filter := bson.M{"_id": userID}
	update := bson.M{"$set": set}

	// Upsert so a presence write never depends on the REST service having
	// created the document first.
	opts := options.Update().SetUpsert(true)

	if _, err := collection.UpdateOne(ctx, filter, update, opts); err != nil {
		return errors.Join(domain.ErrPresenceWrite, err)
	}

	return nil
}

func (r *UserStatusRepository) GetStatus(ctx context.Context, userID string) (*domain.PresenceRecord, error) {
	collection := r.db.Collection(db.UsersCollection)

	var record domain.PresenceRecord
	err := collection.FindOne(ctx, bson.M{"_id": userID},
		options.FindOne().SetProjection(bson.M{"status": 1, "last_seen": 1}),
	).Decode(&record)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return &domain.PresenceRecord{UserID: userID, State: domain.PresenceOffline}, nil
		}
		return nil, err
	}

	record.UserID = userID
	if record.State == "" {
		record.State = domain.PresenceOffline
	}

	return &record, nil
}

func (r *UserStatusRepository) EnsureIndexes(ctx context.Context) error {
	collection := r.db.Collection(db.UsersCollection)

	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "last_seen", Value: -1},
			},
		},
	}

	_, err := collection.Indexes().CreateMany(ctx, indexes)
	return err
}
