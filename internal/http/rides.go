package httpapi

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/ride"
)

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	id := caller(r)
	if id.Role != auth.RoleCustomer {
		s.writeError(w, r, fmt.Errorf("%w: only customers request rides", ride.ErrForbidden))
		return
	}
	var req ride.CreateRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.CustomerID, req.CustomerEmail = id.ID, id.Email
	res, err := s.rides.Create(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	rd, err := s.rides.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !canView(rd, caller(r)) {
		s.writeError(w, r, fmt.Errorf("%w: not a party to this ride", ride.ErrForbidden))
		return
	}
	writeJSON(w, http.StatusOK, rd)
}

// canView lets drivers see open rides they may be offered.
func canView(r *models.Ride, id auth.Identity) bool {
	switch id.Role {
	case auth.RoleAdmin:
		return true
	case auth.RoleCustomer:
		return r.CustomerID == id.ID
	case auth.RoleDriver, auth.RoleSubDriver:
		return r.HeldBy(id.ID) || r.Status.Open()
	}
	return false
}

type acceptBody struct {
	SubDriverID string `json:"sub_driver_id,omitempty"`
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	var body acceptBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	rd, err := s.rides.Accept(r.Context(), mux.Vars(r)["id"], caller(r), body.SubDriverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rd)
}

func (s *Server) handleDecline(w http.ResponseWriter, r *http.Request) {
	res, err := s.rides.Decline(r.Context(), mux.Vars(r)["id"], caller(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleArrive(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.rides.Arrive)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.rides.Start)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.rides.Complete)
}

func (s *Server) transition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id string, actor auth.Identity) (*models.Ride, error)) {
	rd, err := fn(r.Context(), mux.Vars(r)["id"], caller(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rd)
}

type otpBody struct {
	Code string `json:"code,omitempty"`
	OTP  string `json:"otp,omitempty"`
}

func (b otpBody) value() string {
	if b.Code != "" {
		return b.Code
	}
	return b.OTP
}

// handleIssueOTP echoes the code back to the issuing customer; it is never
// part of the ride document.
func (s *Server) handleIssueOTP(w http.ResponseWriter, r *http.Request) {
	var body otpBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	rd, err := s.rides.IssueOTP(r.Context(), mux.Vars(r)["id"], caller(r), body.value())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ride": rd, "otp": rd.OTP.Code})
}

func (s *Server) handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	var body otpBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	rd, err := s.rides.VerifyOTP(r.Context(), mux.Vars(r)["id"], caller(r), body.value())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rd)
}

type cancelBody struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body cancelBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	id := caller(r)
	rd, err := s.rides.Cancel(r.Context(), mux.Vars(r)["id"], id, ride.ActorFor(id), body.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rd)
}
