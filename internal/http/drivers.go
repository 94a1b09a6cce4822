package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/ride"
)

func driverCaller(r *http.Request) (auth.Identity, error) {
	id := caller(r)
	if !id.Role.IsDriver() {
		return id, fmt.Errorf("%w: driver account required", ride.ErrForbidden)
	}
	return id, nil
}

type profileBody struct {
	Vehicle models.VehicleClass `json:"vehicle_class"`
}

func (s *Server) handleRegisterDriver(w http.ResponseWriter, r *http.Request) {
	id, err := driverCaller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	body := profileBody{Vehicle: models.VehicleClass(id.Vehicle)}
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if !body.Vehicle.Valid() {
		s.writeError(w, r, fmt.Errorf("%w: unknown vehicle_class %q", ride.ErrBadRequest, body.Vehicle))
		return
	}
	d := models.Driver{ID: id.ID, Kind: models.DriverMain, Vehicle: body.Vehicle}
	if id.Role == auth.RoleSubDriver {
		d.Kind, d.ParentID = models.DriverSub, id.ParentID
	}
	if err := s.presence.Register(r.Context(), d); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respondDriver(w, r, id.ID)
}

func (s *Server) handleGetDriver(w http.ResponseWriter, r *http.Request) {
	id, err := driverCaller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respondDriver(w, r, id.ID)
}

func (s *Server) respondDriver(w http.ResponseWriter, r *http.Request, driverID string) {
	d, err := s.presence.Get(r.Context(), driverID)
	if errors.Is(err, presence.ErrNotFound) {
		s.writeError(w, r, fmt.Errorf("%w: driver has no presence record", ride.ErrNotFound))
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type flagBody struct {
	Online    *bool `json:"online,omitempty"`
	Available *bool `json:"available,omitempty"`
}

func (s *Server) handleSetOnline(w http.ResponseWriter, r *http.Request) {
	id, err := driverCaller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body flagBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.Online == nil {
		s.writeError(w, r, fmt.Errorf("%w: online is required", ride.ErrBadRequest))
		return
	}
	if err := s.presence.SetOnline(r.Context(), id.ID, *body.Online); err != nil {
		s.writeError(w, r, err)
		return
	}
	if !*body.Online {
		// Going offline also withdraws from new offers.
		if err := s.presence.SetAvailable(r.Context(), id.ID, false); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	s.respondDriver(w, r, id.ID)
}

func (s *Server) handleSetAvailability(w http.ResponseWriter, r *http.Request) {
	id, err := driverCaller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body flagBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.Available == nil {
		s.writeError(w, r, fmt.Errorf("%w: available is required", ride.ErrBadRequest))
		return
	}
	if err := s.presence.SetAvailable(r.Context(), id.ID, *body.Available); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respondDriver(w, r, id.ID)
}

type locationBody struct {
	RideID string  `json:"ride_id,omitempty"`
	Lat    float64 `json:"lat"`
	Lon    float64 `json:"lon"`
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	var body locationBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	loc := models.Coord{Lat: body.Lat, Lon: body.Lon}
	if err := s.commands.ReportLocation(r.Context(), caller(r), body.RideID, loc); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lon, errLon := strconv.ParseFloat(q.Get("lon"), 64)
	loc := models.Coord{Lat: lat, Lon: lon}
	if errLat != nil || errLon != nil || !loc.Valid() {
		s.writeError(w, r, fmt.Errorf("%w: lat and lon are required", ride.ErrBadRequest))
		return
	}
	radius := s.radiusKm
	if v := q.Get("radius_km"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			s.writeError(w, r, fmt.Errorf("%w: radius_km must be positive", ride.ErrBadRequest))
			return
		}
		radius = f
	}
	limit := 20
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, r, fmt.Errorf("%w: limit must be positive", ride.ErrBadRequest))
			return
		}
		limit = n
	}
	drivers, err := s.presence.Nearby(r.Context(), loc, radius, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"drivers": drivers, "radius_km": radius})
}
