// Package realtime routes frames to live sessions. It holds transport state
// only; rides and presence live elsewhere.
package realtime

import (
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/observability"
)

var (
	ErrNoSession = errors.New("no such session")
	ErrClosed    = errors.New("registry closed")
)

// Role rooms.
const (
	RoomDrivers     = "drivers"
	RoomMainDrivers = "main-drivers"
	RoomSubDrivers  = "sub-drivers"
	RoomCustomers   = "customers"
	RoomAdmins      = "admins"
)

func UserRoom(id string) string { return "user:" + id }

func EmailRoom(email string) string { return "email:" + strings.ToLower(strings.TrimSpace(email)) }

func RideRoom(rideID string) string { return "ride:" + rideID }

// RoleRooms lists the rooms a session joins automatically for its role.
func RoleRooms(role auth.Role) []string {
	switch role {
	case auth.RoleDriver:
		return []string{RoomDrivers, RoomMainDrivers}
	case auth.RoleSubDriver:
		return []string{RoomDrivers, RoomSubDrivers}
	case auth.RoleCustomer:
		return []string{RoomCustomers}
	case auth.RoleAdmin:
		return []string{RoomAdmins}
	}
	return nil
}

// Sender writes a frame to one connection without blocking.
type Sender interface {
	Send(frame []byte) error
	Close()
}

type Session struct {
	ID       string
	Identity auth.Identity
	sender   Sender
}

func (s *Session) Send(frame []byte) error { return s.sender.Send(frame) }

// Registry is owned by the process: built at startup, closed at shutdown.
type Registry struct {
	mu         sync.RWMutex
	sessions   map[string]*Session
	memberOf   map[string]map[string]struct{}
	rooms      map[string]map[string]*Session
	identities map[string]int
	closed     bool
}

func NewRegistry() *Registry {
	return &Registry{
		sessions:   make(map[string]*Session),
		memberOf:   make(map[string]map[string]struct{}),
		rooms:      make(map[string]map[string]*Session),
		identities: make(map[string]int),
	}
}

// Connect registers a session and joins its identity, role and email rooms.
func (r *Registry) Connect(id auth.Identity, sender Sender) (*Session, error) {
	s := &Session{ID: uuid.NewString(), Identity: id, sender: sender}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	r.sessions[s.ID] = s
	r.memberOf[s.ID] = make(map[string]struct{})
	r.join(s, UserRoom(id.ID))
	for _, room := range RoleRooms(id.Role) {
		r.join(s, room)
	}
	if id.Email != "" {
		r.join(s, EmailRoom(id.Email))
	}
	r.identities[id.ID]++
	observability.RealtimeSessions.Inc()
	if id.Role.IsDriver() && r.identities[id.ID] == 1 {
		observability.DriversOnline.Inc()
	}
	return s, nil
}

// Disconnect destroys the session. last is true when it was the identity's
// final live session.
func (r *Registry) Disconnect(sessionID string) (s *Session, last bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, false, ErrNoSession
	}
	r.leaveAll(s)
	delete(r.memberOf, sessionID)
	delete(r.sessions, sessionID)
	observability.RealtimeSessions.Dec()

	r.identities[s.Identity.ID]--
	if r.identities[s.Identity.ID] <= 0 {
		delete(r.identities, s.Identity.ID)
		last = true
		if s.Identity.Role.IsDriver() {
			observability.DriversOnline.Dec()
		}
	}
	return s, last, nil
}

func (r *Registry) Join(sessionID, room string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return ErrNoSession
	}
	r.join(s, room)
	return nil
}

func (r *Registry) Leave(sessionID, room string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return ErrNoSession
	}
	r.leave(s, room)
	return nil
}

func (r *Registry) LeaveAll(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return ErrNoSession
	}
	r.leaveAll(s)
	return nil
}

func (r *Registry) join(s *Session, room string) {
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]*Session)
		r.rooms[room] = members
	}
	members[s.ID] = s
	r.memberOf[s.ID][room] = struct{}{}
}

func (r *Registry) leave(s *Session, room string) {
	if members, ok := r.rooms[room]; ok {
		delete(members, s.ID)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
	delete(r.memberOf[s.ID], room)
}

func (r *Registry) leaveAll(s *Session) {
	for room := range r.memberOf[s.ID] {
		r.leave(s, room)
	}
}

func (r *Registry) Session(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Members snapshots the sessions currently in room.
func (r *Registry) Members(room string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.rooms[room]
	out := make([]*Session, 0, len(members))
	for _, s := range members {
		out = append(out, s)
	}
	return out
}

func (r *Registry) Rooms(sessionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.memberOf[sessionID]))
	for room := range r.memberOf[sessionID] {
		out = append(out, room)
	}
	return out
}

func (r *Registry) Connected(identityID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.identities[identityID] > 0
}

// Emit sends frame once to every session in any of rooms and returns how many
// sends succeeded.
func (r *Registry) Emit(rooms []string, frame []byte) int {
	seen := make(map[string]struct{})
	var targets []*Session
	r.mu.RLock()
	for _, room := range rooms {
		for id, s := range r.rooms[room] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			targets = append(targets, s)
		}
	}
	r.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		if err := s.Send(frame); err == nil {
			delivered++
		}
	}
	return delivered
}

// Close disconnects every session and refuses new ones.
func (r *Registry) Close() { r.Drain() }

// Drain closes the registry and returns the sessions that were live, so the
// caller can run their disconnect side effects.
func (r *Registry) Drain() []*Session {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	drivers := make(map[string]struct{})
	for _, s := range r.sessions {
		sessions = append(sessions, s)
		if s.Identity.Role.IsDriver() {
			drivers[s.Identity.ID] = struct{}{}
		}
	}
	observability.DriversOnline.Sub(float64(len(drivers)))
	observability.RealtimeSessions.Sub(float64(len(sessions)))
	r.sessions = make(map[string]*Session)
	r.memberOf = make(map[string]map[string]struct{})
	r.rooms = make(map[string]map[string]*Session)
	r.identities = make(map[string]int)
	r.mu.Unlock()

	for _, s := range sessions {
		s.sender.Close()
	}
	return sessions
}
