package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

const rideColumns = `id, customer_id, customer_email, driver_id, sub_driver_id, vehicle_class, service_type, status,
	pickup_address, pickup_lat, pickup_lon, dest_address, dest_lat, dest_lon,
	pricing, otp_code, otp_generated_at, otp_verified, otp_verified_at, declined_by, payment_intent,
	cancellation, earnings, created_at, accepted_at, arrived_at, started_at, completed_at, cancelled_at`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Exec runs a raw statement, used for migrations.
func (p *PostgresStore) Exec(ctx context.Context, stmt string) error {
	_, err := p.db.ExecContext(ctx, stmt)
	return err
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Create(ctx context.Context, r *models.Ride) error {
	pricing, err := json.Marshal(r.Pricing)
	if err != nil {
		return err
	}
	declined := r.DeclinedBy
	if declined == nil {
		declined = []string{}
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO rides (`+rideColumns+`) VALUES
		($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29)`,
		r.ID, r.CustomerID, r.CustomerEmail, nullString(r.DriverID), nullString(r.SubDriverID),
		string(r.Vehicle), string(r.Service), string(r.Status),
		r.Pickup.Address, r.Pickup.Loc.Lat, r.Pickup.Loc.Lon,
		r.Destination.Address, r.Destination.Loc.Lat, r.Destination.Loc.Lon,
		pricing, r.OTP.Code, r.OTP.GeneratedAt, r.OTP.Verified, r.OTP.VerifiedAt,
		pq.Array(declined), r.PaymentIntent,
		jsonOrNull(r.Cancellation), jsonOrNull(r.Earnings),
		r.CreatedAt, r.AcceptedAt, r.ArrivedAt, r.StartedAt, r.CompletedAt, r.CancelledAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*models.Ride, error) {
	r, err := scanRide(p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// Update issues one UPDATE ... WHERE <cond> RETURNING, so the condition and
// the write are a single statement.
func (p *PostgresStore) Update(ctx context.Context, id string, c Cond, patch Patch) (*models.Ride, error) {
	args := []any{id}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var set []string
	if patch.Status != nil {
		set = append(set, "status = "+arg(string(*patch.Status)))
	}
	if patch.ClearDriver {
		set = append(set, "driver_id = NULL", "sub_driver_id = NULL")
	}
	if patch.DriverID != nil {
		set = append(set, "driver_id = "+arg(nullString(*patch.DriverID)))
	}
	if patch.SubDriverID != nil {
		set = append(set, "sub_driver_id = "+arg(nullString(*patch.SubDriverID)))
	}
	if o := patch.OTP; o != nil {
		set = append(set,
			"otp_code = "+arg(o.Code),
			"otp_generated_at = "+arg(o.GeneratedAt),
			"otp_verified = "+arg(o.Verified),
			"otp_verified_at = "+arg(o.VerifiedAt),
		)
	}
	if patch.Pricing != nil {
		b, err := json.Marshal(patch.Pricing)
		if err != nil {
			return nil, err
		}
		set = append(set, "pricing = "+arg(b))
	}
	if patch.Cancellation != nil {
		set = append(set, "cancellation = "+arg(jsonOrNull(patch.Cancellation)))
	}
	if patch.Earnings != nil {
		set = append(set, "earnings = "+arg(jsonOrNull(patch.Earnings)))
	}
	for col, t := range map[string]any{
		"accepted_at":  patch.AcceptedAt,
		"arrived_at":   patch.ArrivedAt,
		"started_at":   patch.StartedAt,
		"completed_at": patch.CompletedAt,
		"cancelled_at": patch.CancelledAt,
	} {
		if !isNilTime(t) {
			set = append(set, col+" = "+arg(t))
		}
	}
	if len(set) == 0 {
		return nil, errors.New("empty patch")
	}

	where := []string{"id = $1"}
	if len(c.Statuses) > 0 {
		statuses := make([]string, len(c.Statuses))
		for i, s := range c.Statuses {
			statuses[i] = string(s)
		}
		where = append(where, "status = ANY("+arg(pq.Array(statuses))+")")
	}
	if c.DriverUnset {
		where = append(where, "driver_id IS NULL")
	}
	if c.OTPCode != nil {
		where = append(where, "otp_code = "+arg(*c.OTPCode))
	}
	if c.OTPVerified != nil {
		where = append(where, "otp_verified = "+arg(*c.OTPVerified))
	}

	q := `UPDATE rides SET ` + strings.Join(set, ", ") + ` WHERE ` + strings.Join(where, " AND ") + ` RETURNING ` + rideColumns
	r, err := scanRide(p.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, p.missOrConflict(ctx, id)
	}
	return r, err
}

func (p *PostgresStore) AddDecline(ctx context.Context, id, driverID string) (*models.Ride, error) {
	r, err := scanRide(p.db.QueryRowContext(ctx, `UPDATE rides
		SET declined_by = CASE WHEN $2 = ANY(declined_by) THEN declined_by ELSE array_append(declined_by, $2) END
		WHERE id = $1 AND status = ANY($3) AND driver_id IS NULL
		RETURNING `+rideColumns,
		id, driverID, pq.Array([]string{string(models.StatusPending), string(models.StatusSearching)})))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, p.missOrConflict(ctx, id)
	}
	return r, err
}

func (p *PostgresStore) missOrConflict(ctx context.Context, id string) error {
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM rides WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(row rowScanner) (*models.Ride, error) {
	var (
		r                         models.Ride
		driver, sub               sql.NullString
		pricing, cancel, earnings []byte
	)
	err := row.Scan(
		&r.ID, &r.CustomerID, &r.CustomerEmail, &driver, &sub, &r.Vehicle, &r.Service, &r.Status,
		&r.Pickup.Address, &r.Pickup.Loc.Lat, &r.Pickup.Loc.Lon,
		&r.Destination.Address, &r.Destination.Loc.Lat, &r.Destination.Loc.Lon,
		&pricing, &r.OTP.Code, &r.OTP.GeneratedAt, &r.OTP.Verified, &r.OTP.VerifiedAt,
		pq.Array(&r.DeclinedBy), &r.PaymentIntent,
		&cancel, &earnings, &r.CreatedAt, &r.AcceptedAt, &r.ArrivedAt, &r.StartedAt, &r.CompletedAt, &r.CancelledAt,
	)
	if err != nil {
		return nil, err
	}
	r.DriverID, r.SubDriverID = driver.String, sub.String
	if len(pricing) > 0 {
		if err := json.Unmarshal(pricing, &r.Pricing); err != nil {
			return nil, fmt.Errorf("decode pricing: %w", err)
		}
	}
	if len(cancel) > 0 {
		r.Cancellation = &models.Cancellation{}
		if err := json.Unmarshal(cancel, r.Cancellation); err != nil {
			return nil, fmt.Errorf("decode cancellation: %w", err)
		}
	}
	if len(earnings) > 0 {
		r.Earnings = &models.Earnings{}
		if err := json.Unmarshal(earnings, r.Earnings); err != nil {
			return nil, fmt.Errorf("decode earnings: %w", err)
		}
	}
	return &r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func jsonOrNull[T any](v *T) any {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func isNilTime(v any) bool {
	t, ok := v.(*time.Time)
	return !ok || t == nil
}
