package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("missing token")
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
	ErrUnknownRole  = errors.New("unknown role")
)

// Role is closed: every switch over it must handle all four values.
type Role string

const (
	RoleCustomer  Role = "customer"
	RoleDriver    Role = "driver"
	RoleSubDriver Role = "sub_driver"
	RoleAdmin     Role = "admin"
)

func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleCustomer, RoleDriver, RoleSubDriver, RoleAdmin:
		return r, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
}

// IsDriver is true for main drivers and sub-drivers.
func (r Role) IsDriver() bool {
	switch r {
	case RoleDriver, RoleSubDriver:
		return true
	case RoleCustomer, RoleAdmin:
		return false
	}
	return false
}

// Identity is the resolved caller of an HTTP request or realtime session.
type Identity struct {
	ID        string `json:"id"`
	Email     string `json:"email,omitempty"`
	Role      Role   `json:"role"`
	ParentID  string `json:"parent_id,omitempty"`
	Vehicle   string `json:"vehicle_class,omitempty"`
	Anonymous bool   `json:"anonymous,omitempty"`
}

// MainDriverID is the driver account a ride is assigned to when this identity accepts.
func (i Identity) MainDriverID() string {
	if i.Role == RoleSubDriver && i.ParentID != "" {
		return i.ParentID
	}
	return i.ID
}

type Claims struct {
	UserID   string `json:"user_id"`
	Email    string `json:"email,omitempty"`
	Role     Role   `json:"role"`
	ParentID string `json:"parent_id,omitempty"`
	Vehicle  string `json:"vehicle_class,omitempty"`
	jwt.RegisteredClaims
}

// Verifier issues and checks HS256 bearer tokens.
type Verifier struct {
	secret []byte
	ttl    time.Duration
	issuer string
}

func NewVerifier(secret string, ttl time.Duration) *Verifier {
	return &Verifier{secret: []byte(secret), ttl: ttl, issuer: "ride-dispatch"}
}

func (v *Verifier) Issue(id Identity) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:   id.ID,
		Email:    id.Email,
		Role:     id.Role,
		ParentID: id.ParentID,
		Vehicle:  id.Vehicle,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(v.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    v.issuer,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

func (v *Verifier) Verify(token string) (Identity, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return Identity{}, ErrMissingToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.UserID == "" {
		return Identity{}, ErrInvalidToken
	}
	role, err := ParseRole(string(claims.Role))
	if err != nil {
		return Identity{}, ErrInvalidToken
	}
	return Identity{
		ID:       claims.UserID,
		Email:    claims.Email,
		Role:     role,
		ParentID: claims.ParentID,
		Vehicle:  claims.Vehicle,
	}, nil
}

type contextKey string

const identityKey contextKey = "identity"

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// BearerToken extracts the credential from the Authorization header, falling
// back to the token query parameter used by browser websocket clients.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// Middleware rejects requests without a valid bearer token.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := v.Verify(BearerToken(r))
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   "unauthorized",
		"message": msg,
	})
}
