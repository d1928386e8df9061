package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/tow-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

const requestColumns = `id, requester_id, operator_id, released_operator_id,
	origin_lat, origin_lon, origin_address, dest_lat, dest_lon, dest_address,
	vehicle_class, notes, distance_km, duration_seconds, route_geometry, route_estimated,
	currency, heavy_tier, per_km_rate, base_fare, distance_fare, subtotal,
	platform_fee, processor_fee, payer_total, payee_total,
	state, version, cancel_reason,
	requested_at, claimed_at, en_route_at, on_site_at, completed_at, cancelled_at`

const operatorColumns = `id, name, phone, plate, lat, lon, availability, capabilities,
	verified, suspended, completed_count, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func (p *PostgresStore) CreateRequest(ctx context.Context, r *models.ServiceRequest) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO service_requests (`+requestColumns+`) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18,
		$19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30, $31, $32, $33, $34, $35)`,
		r.ID, r.RequesterID, nullString(r.OperatorID), nullString(r.ReleasedOperatorID),
		r.Origin.Lat, r.Origin.Lon, r.OriginAddress, r.Destination.Lat, r.Destination.Lon, r.DestinationAddress,
		string(r.VehicleClass), r.Notes, r.DistanceKm, r.DurationSeconds, r.RouteGeometry, r.RouteEstimated,
		r.Fare.Currency, r.Fare.HeavyTier, r.Fare.PerKmRate, r.Fare.BaseFare, r.Fare.DistanceFare, r.Fare.Subtotal,
		r.Fare.PlatformFee, r.Fare.ProcessorFee, r.Fare.PayerTotal, r.Fare.PayeeTotal,
		string(r.State), r.Version, r.CancelReason,
		r.RequestedAt, r.ClaimedAt, r.EnRouteAt, r.OnSiteAt, r.CompletedAt, r.CancelledAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == "service_requests_active_requester_idx" {
		return fmt.Errorf("requester %s: %w", r.RequesterID, models.ErrActiveRequest)
	}
	if err != nil {
		return fmt.Errorf("insert request %s: %w", r.ID, err)
	}
	return nil
}

func (p *PostgresStore) GetRequest(ctx context.Context, id string) (*models.ServiceRequest, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM service_requests WHERE id = $1`, id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("request %s: %w", id, models.ErrNotFound)
	}
	return r, err
}

func (p *PostgresStore) HasActiveRequest(ctx context.Context, requesterID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `SELECT EXISTS (
		SELECT 1 FROM service_requests
		WHERE requester_id = $1 AND state NOT IN ('COMPLETED', 'CANCELLED'))`, requesterID).Scan(&exists)
	return exists, err
}

// ClaimRequest reserves the operator and binds the request in one transaction.
// The operator row is always locked before the request row.
func (p *PostgresStore) ClaimRequest(ctx context.Context, requestID, operatorID string, at time.Time) (*models.ServiceRequest, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE operators SET availability = 'BUSY', updated_at = $2
		WHERE id = $1 AND availability = 'AVAILABLE'`, operatorID, at)
	if err != nil {
		return nil, fmt.Errorf("reserve operator %s: %w", operatorID, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		if err := p.exists(ctx, tx, "operators", operatorID); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("operator %s not available: %w", operatorID, models.ErrNotEligible)
	}

	row := tx.QueryRowContext(ctx, `UPDATE service_requests
		SET state = 'CLAIMED', operator_id = $2, claimed_at = $3, version = version + 1
		WHERE id = $1 AND state = 'REQUESTED' AND operator_id IS NULL
		RETURNING `+requestColumns, requestID, operatorID, at)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		if err := p.exists(ctx, tx, "service_requests", requestID); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("request %s: %w", requestID, models.ErrConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("claim request %s: %w", requestID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return r, nil
}

func (p *PostgresStore) ApplyTransition(ctx context.Context, t Transition) (*models.ServiceRequest, error) {
	if t.To == models.StateClaimed {
		return nil, fmt.Errorf("claims must go through ClaimRequest")
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `UPDATE service_requests SET
			state = $1,
			version = version + 1,
			en_route_at = CASE WHEN $1 = 'EN_ROUTE' THEN $2 ELSE en_route_at END,
			on_site_at = CASE WHEN $1 = 'ON_SITE' THEN $2 ELSE on_site_at END,
			completed_at = CASE WHEN $1 = 'COMPLETED' THEN $2 ELSE completed_at END,
			cancelled_at = CASE WHEN $1 = 'CANCELLED' THEN $2 ELSE cancelled_at END,
			cancel_reason = CASE WHEN $1 = 'CANCELLED' THEN $3 ELSE cancel_reason END,
			released_operator_id = CASE WHEN $1 = 'CANCELLED' THEN operator_id ELSE released_operator_id END,
			operator_id = CASE WHEN $1 = 'CANCELLED' THEN NULL ELSE operator_id END
		WHERE id = $4 AND state = $5 AND version = $6
		RETURNING `+requestColumns,
		string(t.To), t.At, t.Reason, t.RequestID, string(t.From), t.Version,
	)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		if err := p.exists(ctx, tx, "service_requests", t.RequestID); err != nil {
			return nil, err
		}
		return nil, ErrStale
	}
	if err != nil {
		return nil, fmt.Errorf("transition request %s: %w", t.RequestID, err)
	}

	if t.ReleaseOperator != "" {
		completed := 0
		if t.CountCompletion {
			completed = 1
		}
		if _, err := tx.ExecContext(ctx, `UPDATE operators SET
				availability = CASE WHEN availability = 'BUSY' THEN 'AVAILABLE' ELSE availability END,
				completed_count = completed_count + $2,
				updated_at = $3
			WHERE id = $1`, t.ReleaseOperator, completed, t.At); err != nil {
			return nil, fmt.Errorf("release operator %s: %w", t.ReleaseOperator, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return r, nil
}

func (p *PostgresStore) SaveOperator(ctx context.Context, op *models.Operator) error {
	var lat, lon sql.NullFloat64
	if op.Location != nil {
		lat = sql.NullFloat64{Float64: op.Location.Lat, Valid: true}
		lon = sql.NullFloat64{Float64: op.Location.Lon, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO operators (`+operatorColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			phone = EXCLUDED.phone,
			plate = EXCLUDED.plate,
			capabilities = EXCLUDED.capabilities,
			verified = EXCLUDED.verified,
			suspended = EXCLUDED.suspended,
			updated_at = EXCLUDED.updated_at`,
		op.ID, op.Name, op.Phone, op.Plate, lat, lon, string(op.Availability), pq.Array(op.Capabilities.Strings()),
		op.Verified, op.Suspended, op.CompletedCount, op.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert operator %s: %w", op.ID, err)
	}
	return nil
}

func (p *PostgresStore) GetOperator(ctx context.Context, id string) (*models.Operator, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+operatorColumns+` FROM operators WHERE id = $1`, id)
	op, err := scanOperator(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("operator %s: %w", id, models.ErrNotFound)
	}
	return op, err
}

func (p *PostgresStore) GetOperators(ctx context.Context, ids []string) ([]models.Operator, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+operatorColumns+` FROM operators
		WHERE id = ANY($1) ORDER BY array_position($1, id)`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	return collectOperators(rows)
}

func (p *PostgresStore) ListMatchable(ctx context.Context) ([]models.Operator, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+operatorColumns+` FROM operators
		WHERE availability = 'AVAILABLE' AND lat IS NOT NULL AND lon IS NOT NULL
		ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return collectOperators(rows)
}

func (p *PostgresStore) UpdateOperatorLocation(ctx context.Context, id string, c *models.Coord, at time.Time) error {
	var lat, lon sql.NullFloat64
	if c != nil {
		lat = sql.NullFloat64{Float64: c.Lat, Valid: true}
		lon = sql.NullFloat64{Float64: c.Lon, Valid: true}
	}
	res, err := p.db.ExecContext(ctx, `UPDATE operators SET lat = $2, lon = $3, updated_at = $4 WHERE id = $1`, id, lat, lon, at)
	if err != nil {
		return fmt.Errorf("update location %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("operator %s: %w", id, models.ErrNotFound)
	}
	return nil
}

func (p *PostgresStore) SetOperatorAvailability(ctx context.Context, id string, from []models.Availability, to models.Availability, at time.Time) (bool, error) {
	allowed := make([]string, len(from))
	for i, f := range from {
		allowed[i] = string(f)
	}
	res, err := p.db.ExecContext(ctx, `UPDATE operators SET availability = $2, updated_at = $3
		WHERE id = $1 AND availability = ANY($4)`, id, string(to), at, pq.Array(allowed))
	if err != nil {
		return false, fmt.Errorf("set availability %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}
	var one int
	err = p.db.QueryRowContext(ctx, `SELECT 1 FROM operators WHERE id = $1`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("operator %s: %w", id, models.ErrNotFound)
	}
	return false, err
}

func (p *PostgresStore) AppendEvent(ctx context.Context, e models.StateChanged) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO request_events
		(request_id, from_state, to_state, requester_id, operator_id, reason, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (request_id, to_state) DO NOTHING`,
		e.RequestID, string(e.From), string(e.To), e.RequesterID, nullString(e.OperatorID), e.Reason, e.At,
	)
	return err
}

func (p *PostgresStore) exists(ctx context.Context, tx *sql.Tx, table, id string) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM `+table+` WHERE id = $1`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", table, id, models.ErrNotFound)
	}
	return err
}

func scanRequest(row rowScanner) (*models.ServiceRequest, error) {
	var r models.ServiceRequest
	var operatorID, releasedID sql.NullString
	var class, state string
	var claimedAt, enRouteAt, onSiteAt, completedAt, cancelledAt sql.NullTime
	err := row.Scan(
		&r.ID, &r.RequesterID, &operatorID, &releasedID,
		&r.Origin.Lat, &r.Origin.Lon, &r.OriginAddress, &r.Destination.Lat, &r.Destination.Lon, &r.DestinationAddress,
		&class, &r.Notes, &r.DistanceKm, &r.DurationSeconds, &r.RouteGeometry, &r.RouteEstimated,
		&r.Fare.Currency, &r.Fare.HeavyTier, &r.Fare.PerKmRate, &r.Fare.BaseFare, &r.Fare.DistanceFare, &r.Fare.Subtotal,
		&r.Fare.PlatformFee, &r.Fare.ProcessorFee, &r.Fare.PayerTotal, &r.Fare.PayeeTotal,
		&state, &r.Version, &r.CancelReason,
		&r.RequestedAt, &claimedAt, &enRouteAt, &onSiteAt, &completedAt, &cancelledAt,
	)
	if err != nil {
		return nil, err
	}
	r.OperatorID = operatorID.String
	r.ReleasedOperatorID = releasedID.String
	r.VehicleClass = models.VehicleClass(class)
	r.State = models.State(state)
	r.Fare.DistanceKm = r.DistanceKm
	r.ClaimedAt = toTimePtr(claimedAt)
	r.EnRouteAt = toTimePtr(enRouteAt)
	r.OnSiteAt = toTimePtr(onSiteAt)
	r.CompletedAt = toTimePtr(completedAt)
	r.CancelledAt = toTimePtr(cancelledAt)
	return &r, nil
}

func scanOperator(row rowScanner) (*models.Operator, error) {
	var op models.Operator
	var lat, lon sql.NullFloat64
	var availability string
	var caps pq.StringArray
	err := row.Scan(&op.ID, &op.Name, &op.Phone, &op.Plate, &lat, &lon, &availability, &caps,
		&op.Verified, &op.Suspended, &op.CompletedCount, &op.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if lat.Valid && lon.Valid {
		op.Location = &models.Coord{Lat: lat.Float64, Lon: lon.Float64}
	}
	op.Availability = models.Availability(availability)
	set, err := models.ParseCapabilities(caps)
	if err != nil {
		return nil, fmt.Errorf("operator %s capabilities: %w", op.ID, err)
	}
	op.Capabilities = set
	return &op, nil
}

func collectOperators(rows *sql.Rows) ([]models.Operator, error) {
	defer rows.Close()
	var out []models.Operator
	for rows.Next() {
		op, err := scanOperator(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *op)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func toTimePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
