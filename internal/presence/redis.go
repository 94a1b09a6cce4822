package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisStore keeps presence flags in a hash per driver and positions in a GEO set.
type RedisStore struct {
	client *redis.Client
	geoKey string
}

func NewRedisStore(client *redis.Client, geoKey string) *RedisStore {
	if geoKey == "" {
		geoKey = "drivers_geo"
	}
	return &RedisStore{client: client, geoKey: geoKey}
}

func NewRedisClient(addr, password string) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr, Password: password})
}

func metaKey(id string) string { return "driver:presence:" + id }

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

func (r *RedisStore) hset(ctx context.Context, id string, values map[string]interface{}) error {
	values["updated"] = time.Now().UTC().Format(time.RFC3339Nano)
	return r.client.HSet(ctx, metaKey(id), values).Err()
}

func (r *RedisStore) Register(ctx context.Context, d models.Driver) error {
	kind := d.Kind
	if kind == "" {
		kind = models.DriverMain
	}
	if err := r.hset(ctx, d.ID, map[string]interface{}{
		"kind":          string(kind),
		"parent_id":     d.ParentID,
		"vehicle_class": string(d.Vehicle),
	}); err != nil {
		return unavailable("register", err)
	}
	return nil
}

func (r *RedisStore) SetOnline(ctx context.Context, id string, online bool) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		now := time.Now().UTC().Format(time.RFC3339Nano)
		pipe.HSet(ctx, metaKey(id), map[string]interface{}{
			"online":    strconv.FormatBool(online),
			"last_seen": now,
			"updated":   now,
		})
		if !online {
			pipe.ZRem(ctx, r.geoKey, id)
		}
		return nil
	})
	if err != nil {
		return unavailable("set online", err)
	}
	return nil
}

func (r *RedisStore) SetAvailable(ctx context.Context, id string, available bool) error {
	if err := r.hset(ctx, id, map[string]interface{}{"available": strconv.FormatBool(available)}); err != nil {
		return unavailable("set available", err)
	}
	return nil
}

func (r *RedisStore) UpdateLocation(ctx context.Context, id string, loc models.Coord) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		now := time.Now().UTC().Format(time.RFC3339Nano)
		pipe.GeoAdd(ctx, r.geoKey, &redis.GeoLocation{Longitude: loc.Lon, Latitude: loc.Lat, Name: id})
		pipe.HSet(ctx, metaKey(id), map[string]interface{}{
			"lat":       strconv.FormatFloat(loc.Lat, 'f', -1, 64),
			"lon":       strconv.FormatFloat(loc.Lon, 'f', -1, 64),
			"last_seen": now,
			"updated":   now,
		})
		return nil
	})
	if err != nil {
		return unavailable("update location", err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, id string) (models.Driver, error) {
	m, err := r.client.HGetAll(ctx, metaKey(id)).Result()
	if err != nil {
		return models.Driver{}, unavailable("get", err)
	}
	if len(m) == 0 {
		return models.Driver{}, ErrNotFound
	}
	return decodeDriver(id, m), nil
}

func (r *RedisStore) Candidate(ctx context.Context, id string, ride *models.Ride) (models.Driver, bool, error) {
	d, err := r.Get(ctx, id)
	if err == ErrNotFound {
		return models.Driver{}, false, nil
	}
	if err != nil {
		return models.Driver{}, false, err
	}
	return d, Eligible(d, ride), nil
}

func (r *RedisStore) Nearby(ctx context.Context, loc models.Coord, radiusKm float64, limit int) ([]models.Driver, error) {
	res, err := r.client.GeoSearchLocation(ctx, r.geoKey, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  loc.Lon,
			Latitude:   loc.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
			Count:      limit,
		},
		WithCoord: true,
	}).Result()
	if err != nil {
		return nil, unavailable("nearby", err)
	}
	out := make([]models.Driver, 0, len(res))
	for _, g := range res {
		d, err := r.Get(ctx, g.Name)
		if err != nil || !d.Online {
			continue
		}
		d.Loc = models.Coord{Lat: g.Latitude, Lon: g.Longitude}
		out = append(out, d)
	}
	return out, nil
}

func decodeDriver(id string, m map[string]string) models.Driver {
	d := models.Driver{
		ID:        id,
		Kind:      models.DriverKind(m["kind"]),
		ParentID:  m["parent_id"],
		Vehicle:   models.VehicleClass(m["vehicle_class"]),
		Online:    m["online"] == "true",
		Available: m["available"] == "true",
	}
	if d.Kind == "" {
		d.Kind = models.DriverMain
	}
	if v, err := strconv.ParseFloat(m["lat"], 64); err == nil {
		d.Loc.Lat = v
	}
	if v, err := strconv.ParseFloat(m["lon"], 64); err == nil {
		d.Loc.Lon = v
	}
	if t, err := time.Parse(time.RFC3339Nano, m["last_seen"]); err == nil {
		d.LastSeen = t
	}
	if t, err := time.Parse(time.RFC3339Nano, m["updated"]); err == nil {
		d.Updated = t
	}
	return d
}
