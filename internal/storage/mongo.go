package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/example/ride-dispatch/internal/models"
)

const (
	mongoTimeout    = 3 * time.Second
	ridesCollection = "rides"
)

type MongoStore struct {
	client *mongo.Client
	rides  *mongo.Collection
}

// NewMongoStore connects and pings before returning.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	rides := client.Database(database).Collection(ridesCollection)
	_, err = rides.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "customer_id", Value: 1}}},
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("create indexes: %w", err)
	}
	return &MongoStore{client: client, rides: rides}, nil
}

func (m *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

func (m *MongoStore) Create(ctx context.Context, r *models.Ride) error {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()
	if _, err := m.rides.InsertOne(ctx, r); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert ride: %w", err)
	}
	return nil
}

func (m *MongoStore) Get(ctx context.Context, id string) (*models.Ride, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()
	var r models.Ride
	if err := m.rides.FindOne(ctx, bson.M{"_id": id}).Decode(&r); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find ride: %w", err)
	}
	return &r, nil
}

// Update is a single FindOneAndUpdate whose filter carries the condition.
func (m *MongoStore) Update(ctx context.Context, id string, c Cond, p Patch) (*models.Ride, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()
	update := bson.M{}
	if set := setDoc(p); len(set) > 0 {
		update["$set"] = set
	}
	if p.ClearDriver {
		update["$unset"] = bson.M{"driver_id": "", "sub_driver_id": ""}
	}
	if len(update) == 0 {
		return nil, errors.New("empty patch")
	}
	return m.findAndUpdate(ctx, id, condFilter(id, c), update)
}

func (m *MongoStore) AddDecline(ctx context.Context, id, driverID string) (*models.Ride, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()
	filter := condFilter(id, Cond{Statuses: models.OpenStatuses, DriverUnset: true})
	return m.findAndUpdate(ctx, id, filter, bson.M{"$addToSet": bson.M{"declined_by": driverID}})
}

func (m *MongoStore) findAndUpdate(ctx context.Context, id string, filter, update bson.M) (*models.Ride, error) {
	var r models.Ride
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	err := m.rides.FindOneAndUpdate(ctx, filter, update, opts).Decode(&r)
	if errors.Is(err, mongo.ErrNoDocuments) {
		n, cerr := m.rides.CountDocuments(ctx, bson.M{"_id": id})
		if cerr != nil {
			return nil, fmt.Errorf("count ride: %w", cerr)
		}
		if n == 0 {
			return nil, ErrNotFound
		}
		return nil, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("update ride: %w", err)
	}
	return &r, nil
}

func condFilter(id string, c Cond) bson.M {
	f := bson.M{"_id": id}
	if len(c.Statuses) > 0 {
		f["status"] = bson.M{"$in": c.Statuses}
	}
	if c.DriverUnset {
		// nil also matches a missing field
		f["driver_id"] = bson.M{"$in": bson.A{nil, ""}}
	}
	if c.OTPCode != nil {
		f["otp.code"] = *c.OTPCode
	}
	if c.OTPVerified != nil {
		f["otp.verified"] = *c.OTPVerified
	}
	return f
}

func setDoc(p Patch) bson.M {
	set := bson.M{}
	if p.Status != nil {
		set["status"] = *p.Status
	}
	if p.DriverID != nil {
		set["driver_id"] = *p.DriverID
	}
	if p.SubDriverID != nil && *p.SubDriverID != "" {
		set["sub_driver_id"] = *p.SubDriverID
	}
	if p.OTP != nil {
		set["otp"] = *p.OTP
	}
	if p.Pricing != nil {
		set["pricing"] = *p.Pricing
	}
	if p.Cancellation != nil {
		set["cancellation"] = *p.Cancellation
	}
	if p.Earnings != nil {
		set["earnings"] = *p.Earnings
	}
	for field, t := range map[string]*time.Time{
		"accepted_at":  p.AcceptedAt,
		"arrived_at":   p.ArrivedAt,
		"started_at":   p.StartedAt,
		"completed_at": p.CompletedAt,
		"cancelled_at": p.CancelledAt,
	} {
		if t != nil {
			set[field] = *t
		}
	}
	return set
}
