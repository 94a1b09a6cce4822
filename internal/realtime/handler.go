package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
)

// AuthError is returned when a supplied credential does not verify.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return fmt.Sprintf("authentication failed: %v", e.Err) }

func (e *AuthError) Unwrap() error { return e.Err }

type Verifier interface {
	Verify(token string) (auth.Identity, error)
}

// Authenticate resolves a credential. An empty credential yields an anonymous
// customer so apps can connect before login.
func Authenticate(v Verifier, credential string) (auth.Identity, error) {
	if credential == "" {
		return auth.Identity{ID: "guest-" + uuid.NewString(), Role: auth.RoleCustomer, Anonymous: true}, nil
	}
	id, err := v.Verify(credential)
	if err != nil {
		return auth.Identity{}, &AuthError{Err: err}
	}
	return id, nil
}

// Router executes one decoded client command on behalf of a session.
type Router interface {
	Route(ctx context.Context, s *Session, in events.Inbound) error
}

type Handler struct {
	registry *Registry
	verifier Verifier
	presence presence.Store
	router   Router
	log      *slog.Logger
	upgrader websocket.Upgrader

	// ErrorCode names an error for the client; defaults to "error".
	ErrorCode func(error) string

	Retries int
	Backoff time.Duration

	// presence writes for one identity never interleave between connect and disconnect
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewHandler(reg *Registry, v Verifier, ps presence.Store, router Router, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		registry: reg,
		verifier: v,
		presence: ps,
		router:   router,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		Retries: 3,
		Backoff: 200 * time.Millisecond,
		locks:   make(map[string]*sync.Mutex),
	}
}

func (h *Handler) identityLock(id string) *sync.Mutex {
	h.locksMu.Lock()
	defer h.locksMu.Unlock()
	if h.locks == nil {
		h.locks = make(map[string]*sync.Mutex)
	}
	mu, ok := h.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		h.locks[id] = mu
	}
	return mu
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, err := Authenticate(h.verifier, auth.BearerToken(r))
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized", "message": err.Error()})
		return
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	conn := NewConn(ws, h.log)
	ctx := context.WithoutCancel(r.Context())
	s, err := h.Connect(ctx, id, conn)
	if err != nil {
		conn.Close()
		return
	}
	go conn.writePump()
	conn.readPump(func(frame []byte) { h.HandleFrame(ctx, s, frame) })
	h.Disconnect(ctx, s.ID)
}

// Connect registers the session and marks drivers online.
func (h *Handler) Connect(ctx context.Context, id auth.Identity, sender Sender) (*Session, error) {
	s, err := h.registry.Connect(id, sender)
	if err != nil {
		return nil, err
	}
	h.log.Info("session connected", "session_id", s.ID, "user_id", id.ID, "role", id.Role, "anonymous", id.Anonymous)
	if id.Role.IsDriver() && h.presence != nil {
		mu := h.identityLock(id.ID)
		mu.Lock()
		defer mu.Unlock()
		if err := h.presence.Register(ctx, driverProfile(id)); err != nil {
			h.log.Warn("presence register failed", "driver_id", id.ID, "error", err)
		}
		if err := h.presence.SetOnline(ctx, id.ID, true); err != nil {
			h.log.Warn("presence online failed", "driver_id", id.ID, "error", err)
		}
	}
	return s, nil
}

// Disconnect destroys the session. When a driver's last session goes away
// both presence flags are cleared, with retry.
func (h *Handler) Disconnect(ctx context.Context, sessionID string) {
	s, last, err := h.registry.Disconnect(sessionID)
	if err != nil {
		return
	}
	h.log.Info("session disconnected", "session_id", s.ID, "user_id", s.Identity.ID, "last", last)
	if last && s.Identity.Role.IsDriver() {
		h.markOffline(ctx, s.Identity.ID)
	}
}

// Shutdown closes every live session and takes their drivers offline.
func (h *Handler) Shutdown(ctx context.Context) {
	seen := make(map[string]struct{})
	for _, s := range h.registry.Drain() {
		if _, dup := seen[s.Identity.ID]; dup || !s.Identity.Role.IsDriver() {
			continue
		}
		seen[s.Identity.ID] = struct{}{}
		h.markOffline(ctx, s.Identity.ID)
	}
	h.log.Info("realtime sessions drained", "drivers", len(seen))
}

// markOffline clears both presence flags unless the driver has connected
// again in the meantime.
func (h *Handler) markOffline(ctx context.Context, driverID string) {
	if h.presence == nil {
		return
	}
	mu := h.identityLock(driverID)
	mu.Lock()
	defer mu.Unlock()
	write := func(fn func() error) func() error {
		return func() error {
			if h.registry.Connected(driverID) {
				return errReconnected
			}
			return fn()
		}
	}
	err := retry(ctx, h.Retries, h.Backoff, write(func() error { return h.presence.SetOnline(ctx, driverID, false) }))
	if err == nil {
		err = retry(ctx, h.Retries, h.Backoff, write(func() error { return h.presence.SetAvailable(ctx, driverID, false) }))
	}
	switch {
	case errors.Is(err, errReconnected):
		h.log.Info("driver reconnected, presence kept", "driver_id", driverID)
	case err != nil:
		h.log.Error("presence offline failed", "driver_id", driverID, "error", err)
	}
}

// HandleFrame decodes one inbound frame and routes it. Failures go back to
// the originating session only.
func (h *Handler) HandleFrame(ctx context.Context, s *Session, frame []byte) {
	in, err := events.Decode(frame)
	if err != nil {
		code := "invalid_payload"
		if errors.Is(err, events.ErrUnknownEvent) {
			code = "unknown_event"
		}
		h.reply(s, "", code, err)
		return
	}
	if h.router == nil {
		return
	}
	if err := h.router.Route(ctx, s, in); err != nil {
		code := "error"
		if h.ErrorCode != nil {
			code = h.ErrorCode(err)
		}
		h.log.Debug("realtime command failed", "session_id", s.ID, "event", in.Name(), "error", err)
		h.reply(s, in.Name(), code, err)
	}
}

func (h *Handler) reply(s *Session, cause events.Name, code string, err error) {
	frame, encErr := events.Encode(events.Error, events.ErrorPayload{Event: cause, Code: code, Message: err.Error()})
	if encErr != nil {
		return
	}
	if sendErr := s.Send(frame); sendErr != nil {
		h.log.Debug("error reply dropped", "session_id", s.ID, "error", sendErr)
	}
}

func driverProfile(id auth.Identity) models.Driver {
	d := models.Driver{ID: id.ID, Kind: models.DriverMain, Vehicle: models.VehicleClass(id.Vehicle)}
	if id.Role == auth.RoleSubDriver {
		d.Kind = models.DriverSub
		d.ParentID = id.ParentID
	}
	return d
}

var errReconnected = errors.New("identity reconnected")

// retry runs fn until it succeeds, the attempts run out or fn reports a
// reconnect.
func retry(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil || errors.Is(err, errReconnected) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
