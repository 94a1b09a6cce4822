package eta

import (
	"math"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Client is a routing backend able to estimate travel time.
type Client interface {
	EstimateSeconds(from, to models.Coord) (float64, error)
}

// Cache remembers routed durations per origin/destination pair. Points are
// snapped to roughly a metre so jittery GPS pings share entries.
type Cache struct {
	mu      sync.Mutex
	entries map[routeKey]cached
	ttl     time.Duration
	now     func() time.Time
}

type routeKey struct{ fromLat, fromLon, toLat, toLon int64 }

type cached struct {
	seconds float64
	expires time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{entries: make(map[routeKey]cached), ttl: ttl, now: time.Now}
}

func snap(v float64) int64 { return int64(math.Round(v * 1e5)) }

func keyOf(a, b models.Coord) routeKey {
	return routeKey{snap(a.Lat), snap(a.Lon), snap(b.Lat), snap(b.Lon)}
}

func (c *Cache) Get(a, b models.Coord) (float64, bool) {
	k := keyOf(a, b)
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[k]
	if !ok {
		return 0, false
	}
	if c.now().After(e.expires) {
		delete(c.entries, k)
		return 0, false
	}
	return e.seconds, true
}

func (c *Cache) Set(a, b models.Coord, seconds float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[keyOf(a, b)] = cached{seconds: seconds, expires: c.now().Add(c.ttl)}
}

// EstimateSeconds is the straight-line fallback: great-circle metres over speed.
func EstimateSeconds(from, to models.Coord, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = DefaultSpeedMps
	}
	return geo.Haversine(from.Lat, from.Lon, to.Lat, to.Lon) / speedMps
}

// DefaultSpeedMps is about 29 km/h, typical urban traffic.
const DefaultSpeedMps = 8.0

// Estimator resolves travel time through the cache, then the routing client,
// then the naive estimate. Client and Cache are optional.
type Estimator struct {
	Client   Client
	Cache    *Cache
	SpeedMps float64
}

func (e *Estimator) Seconds(from, to models.Coord) float64 {
	if e.Cache != nil {
		if v, ok := e.Cache.Get(from, to); ok {
			return v
		}
	}
	if e.Client != nil {
		if v, err := e.Client.EstimateSeconds(from, to); err == nil {
			if e.Cache != nil {
				e.Cache.Set(from, to, v)
			}
			return v
		}
	}
	return EstimateSeconds(from, to, e.SpeedMps)
}

// Minutes is Seconds expressed in minutes, as the fare quote expects.
func (e *Estimator) Minutes(from, to models.Coord) float64 {
	return e.Seconds(from, to) / 60
}
