// Package dispatch decides which driver sessions see a new ride offer.
//
// Offers go out in tiers, each re-checked against presence at push time:
// main drivers first, then sub-drivers, then every connected driver
// unconditionally so that a request is never dropped.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/realtime"
)

var ErrNoRecipients = errors.New("no driver session received the offer")

// Tier is a stage of the broadcast fallback.
type Tier int

const (
	TierMainDrivers Tier = iota + 1
	TierSubDrivers
	TierAllDrivers
)

func (t Tier) String() string {
	switch t {
	case TierMainDrivers:
		return "main_drivers"
	case TierSubDrivers:
		return "sub_drivers"
	case TierAllDrivers:
		return "all_drivers"
	}
	return "none"
}

func (t Tier) room() string {
	switch t {
	case TierMainDrivers:
		return realtime.RoomMainDrivers
	case TierSubDrivers:
		return realtime.RoomSubDrivers
	case TierAllDrivers:
		return realtime.RoomDrivers
	}
	return ""
}

// tierOf places a session role in its presence-checked tier.
func tierOf(role auth.Role) (Tier, bool) {
	switch role {
	case auth.RoleDriver:
		return TierMainDrivers, true
	case auth.RoleSubDriver:
		return TierSubDrivers, true
	case auth.RoleCustomer, auth.RoleAdmin:
		return 0, false
	}
	return 0, false
}

// Roster lists the live sessions in a room.
type Roster interface {
	Members(room string) []*realtime.Session
}

// Presence answers whether a driver may be offered a ride.
type Presence interface {
	Candidate(ctx context.Context, driverID string, r *models.Ride) (models.Driver, bool, error)
}

// Ranker orders candidates by closeness to the pickup.
type Ranker interface {
	Rank(pickup models.Coord, drivers []models.Driver) []matcher.Candidate
}

// Result describes one broadcast: the tier that produced recipients, the
// driver identities reached and how many sessions accepted the frame.
type Result struct {
	Tier     Tier     `json:"tier"`
	Drivers  []string `json:"drivers"`
	Sessions int      `json:"sessions"`
}

// Engine broadcasts ride offers and tracks who was offered each ride.
type Engine struct {
	roster   Roster
	presence Presence
	ranker   Ranker
	log      *slog.Logger

	mu      sync.Mutex
	offered map[string]map[string]struct{}
}

// New builds an Engine. A nil ranker ranks by straight-line ETA.
func New(roster Roster, ps Presence, ranker Ranker, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if ranker == nil {
		ranker = matcher.New(nil)
	}
	return &Engine{roster: roster, presence: ps, ranker: ranker, log: log, offered: make(map[string]map[string]struct{})}
}

// Broadcast pushes the offer for r through the tiers.
func (e *Engine) Broadcast(ctx context.Context, r *models.Ride) (Result, error) {
	start := time.Now()
	defer func() { observability.DispatchLatency.Observe(time.Since(start).Seconds()) }()

	frame, err := events.Encode(events.NewRideRequest, events.OfferFor(r))
	if err != nil {
		return Result{}, err
	}
	for _, tier := range []Tier{TierMainDrivers, TierSubDrivers} {
		res := e.pushTier(ctx, r, tier, frame)
		if res.Sessions > 0 {
			return e.finish(r, res), nil
		}
	}
	res := e.pushAll(r, frame)
	if res.Sessions == 0 {
		e.log.Warn("ride offer reached no driver", "ride_id", r.ID, "declined", len(r.DeclinedBy))
		return res, ErrNoRecipients
	}
	return e.finish(r, res), nil
}

// Rebroadcast re-offers r after driverID declined. The ride's declined set
// is excluded in every tier.
func (e *Engine) Rebroadcast(ctx context.Context, r *models.Ride, driverID string) (Result, error) {
	e.mu.Lock()
	if set, ok := e.offered[r.ID]; ok {
		delete(set, driverID)
	}
	e.mu.Unlock()
	e.log.Info("re-offering declined ride", "ride_id", r.ID, "driver_id", driverID)
	return e.Broadcast(ctx, r)
}

// Offered lists drivers that were shown the ride and have not declined it.
func (e *Engine) Offered(rideID string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.offered[rideID]))
	for id := range e.offered[rideID] {
		out = append(out, id)
	}
	return out
}

// Forget drops offer bookkeeping once the ride is no longer open.
func (e *Engine) Forget(rideID string) {
	e.mu.Lock()
	delete(e.offered, rideID)
	e.mu.Unlock()
}

func (e *Engine) finish(r *models.Ride, res Result) Result {
	e.mu.Lock()
	set, ok := e.offered[r.ID]
	if !ok {
		set = make(map[string]struct{})
		e.offered[r.ID] = set
	}
	for _, id := range res.Drivers {
		set[id] = struct{}{}
	}
	e.mu.Unlock()

	observability.DispatchBroadcasts.WithLabelValues(res.Tier.String()).Inc()
	observability.DispatchOffers.Add(float64(res.Sessions))
	e.log.Info("ride offered", "ride_id", r.ID, "tier", res.Tier.String(), "drivers", len(res.Drivers), "sessions", res.Sessions)
	return res
}

// pushTier checks presence once per driver identity in the tier's room and
// sends to every session of each eligible driver, nearest first.
func (e *Engine) pushTier(ctx context.Context, r *models.Ride, tier Tier, frame []byte) Result {
	byDriver := make(map[string][]*realtime.Session)
	for _, s := range e.roster.Members(tier.room()) {
		t, ok := tierOf(s.Identity.Role)
		if !ok || t != tier || r.Declined(s.Identity.ID) {
			continue
		}
		byDriver[s.Identity.ID] = append(byDriver[s.Identity.ID], s)
	}

	eligible := make([]models.Driver, 0, len(byDriver))
	for id := range byDriver {
		d, ok, err := e.presence.Candidate(ctx, id, r)
		if err != nil {
			e.log.Warn("presence check failed; skipping driver", "ride_id", r.ID, "driver_id", id, "error", err)
			continue
		}
		if ok {
			eligible = append(eligible, d)
		}
	}

	res := Result{Tier: tier}
	for _, c := range e.ranker.Rank(r.Pickup.Loc, eligible) {
		if n := send(byDriver[c.Driver.ID], frame); n > 0 {
			res.Drivers = append(res.Drivers, c.Driver.ID)
			res.Sessions += n
		}
	}
	return res
}

func (e *Engine) pushAll(r *models.Ride, frame []byte) Result {
	byDriver := make(map[string][]*realtime.Session)
	for _, s := range e.roster.Members(TierAllDrivers.room()) {
		if r.Declined(s.Identity.ID) {
			continue
		}
		byDriver[s.Identity.ID] = append(byDriver[s.Identity.ID], s)
	}
	res := Result{Tier: TierAllDrivers}
	for id, sessions := range byDriver {
		if n := send(sessions, frame); n > 0 {
			res.Drivers = append(res.Drivers, id)
			res.Sessions += n
		}
	}
	return res
}

func send(sessions []*realtime.Session, frame []byte) int {
	n := 0
	for _, s := range sessions {
		if err := s.Send(frame); err == nil {
			n++
		}
	}
	return n
}
