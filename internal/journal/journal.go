// Package journal persists decision-cycle records and regime snapshots
// to PostgreSQL. The journal is an audit trail, not engine state: a
// write failure is logged and the cycle proceeds.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// DecisionRecord is one completed cycle as written to the journal.
type DecisionRecord struct {
	CycleID     string             `json:"cycle_id" db:"cycle_id"`
	Timestamp   time.Time          `json:"ts" db:"ts"`
	CycleCount  int                `json:"cycle_count" db:"cycle_count"`
	Regime      string             `json:"regime" db:"regime"`
	StressRatio float64            `json:"stress_ratio" db:"stress_ratio"`
	Scale       float64            `json:"scale" db:"scale"`
	Targets     map[string]float64 `json:"targets" db:"targets"`
	OrderCount  int                `json:"order_count" db:"order_count"`
	Halted      bool               `json:"halted" db:"halted"`
	CreatedAt   time.Time          `json:"created_at" db:"created_at"`
}

// RegimeRecord is one regime observation as written to the journal.
type RegimeRecord struct {
	Timestamp      time.Time `json:"ts" db:"ts"`
	State          string    `json:"state" db:"state"`
	StressRatio    float64   `json:"stress_ratio" db:"stress_ratio"`
	SmoothedStress float64   `json:"smoothed_stress" db:"smoothed_stress"`
	MedianZ        float64   `json:"median_z" db:"median_z"`
	RiskScaler     float64   `json:"risk_scaler" db:"risk_scaler"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// Writer is what the engine needs from a journal.
type Writer interface {
	WriteDecision(ctx context.Context, rec DecisionRecord) error
	WriteRegime(ctx context.Context, rec RegimeRecord) error
}

// Journal implements Writer on PostgreSQL.
type Journal struct {
	db      *sqlx.DB
	timeout time.Duration
}

// New wraps an existing sqlx handle.
func New(db *sqlx.DB, timeout time.Duration) *Journal {
	return &Journal{db: db, timeout: timeout}
}

// Open connects to Postgres, pings it and returns a journal.
func Open(dsn string, timeout time.Duration) (*Journal, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect journal db: %w", err)
	}
	return New(db, timeout), nil
}

// Close releases the underlying pool.
func (j *Journal) Close() error { return j.db.Close() }

// WriteDecision upserts a cycle record keyed by cycle id.
func (j *Journal) WriteDecision(ctx context.Context, rec DecisionRecord) error {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	targetsJSON, err := json.Marshal(rec.Targets)
	if err != nil {
		return fmt.Errorf("marshal targets: %w", err)
	}

	query := `
		INSERT INTO decision_records
		(cycle_id, ts, cycle_count, regime, stress_ratio, scale, targets, order_count, halted)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (cycle_id) DO UPDATE SET
			ts = EXCLUDED.ts,
			cycle_count = EXCLUDED.cycle_count,
			regime = EXCLUDED.regime,
			stress_ratio = EXCLUDED.stress_ratio,
			scale = EXCLUDED.scale,
			targets = EXCLUDED.targets,
			order_count = EXCLUDED.order_count,
			halted = EXCLUDED.halted`

	if _, err := j.db.ExecContext(ctx, query,
		rec.CycleID, rec.Timestamp, rec.CycleCount, rec.Regime,
		rec.StressRatio, rec.Scale, targetsJSON, rec.OrderCount, rec.Halted); err != nil {
		return fmt.Errorf("write decision record: %w", err)
	}
	return nil
}

// WriteRegime upserts a regime observation keyed by timestamp.
func (j *Journal) WriteRegime(ctx context.Context, rec RegimeRecord) error {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	query := `
		INSERT INTO regime_records
		(ts, state, stress_ratio, smoothed_stress, median_z, risk_scaler)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (ts) DO UPDATE SET
			state = EXCLUDED.state,
			stress_ratio = EXCLUDED.stress_ratio,
			smoothed_stress = EXCLUDED.smoothed_stress,
			median_z = EXCLUDED.median_z,
			risk_scaler = EXCLUDED.risk_scaler`

	if _, err := j.db.ExecContext(ctx, query,
		rec.Timestamp, rec.State, rec.StressRatio, rec.SmoothedStress,
		rec.MedianZ, rec.RiskScaler); err != nil {
		return fmt.Errorf("write regime record: %w", err)
	}
	return nil
}

// LatestDecision returns the most recent cycle record, or nil when the
// journal is empty.
func (j *Journal) LatestDecision(ctx context.Context) (*DecisionRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	query := `
		SELECT cycle_id, ts, cycle_count, regime, stress_ratio, scale, targets, order_count, halted, created_at
		FROM decision_records
		ORDER BY ts DESC
		LIMIT 1`

	row := j.db.QueryRowxContext(ctx, query)

	var rec DecisionRecord
	var targetsJSON []byte
	err := row.Scan(&rec.CycleID, &rec.Timestamp, &rec.CycleCount, &rec.Regime,
		&rec.StressRatio, &rec.Scale, &targetsJSON, &rec.OrderCount, &rec.Halted, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read latest decision: %w", err)
	}
	if err := json.Unmarshal(targetsJSON, &rec.Targets); err != nil {
		return nil, fmt.Errorf("parse targets: %w", err)
	}
	return &rec, nil
}
