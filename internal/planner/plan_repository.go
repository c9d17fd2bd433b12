package planner

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"wellness-planner/internal/plan"
)

// PlanRepository is a database-backed plan store holding one row per date.
type PlanRepository struct {
	db *sql.DB
}

// NewPlanRepository creates a new PlanRepository.
func NewPlanRepository(d *sql.DB) *PlanRepository {
	return &PlanRepository{db: d}
}

// Get returns the plan stored for date, or nil when there is none.
func (r *PlanRepository) Get(ctx context.Context, date string) (*plan.DailyPlan, error) {
	var data string
	err := r.db.QueryRowContext(ctx, `SELECT data FROM daily_plans WHERE date = ?`, date).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get plan for %s: %w", date, err)
	}

	var p plan.DailyPlan
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("failed to decode plan for %s: %w", date, err)
	}
	return &p, nil
}

// Set upserts the plan for date. Only authoritative plans are accepted.
func (r *PlanRepository) Set(ctx context.Context, date string, p *plan.DailyPlan) error {
	if p == nil {
		return fmt.Errorf("cannot store a nil plan for %s", date)
	}
	if !p.Source.Authoritative() {
		return fmt.Errorf("%w: %s", plan.ErrNonAuthoritative, p.Source)
	}
	if p.Date != date {
		return fmt.Errorf("plan dated %s cannot be stored under %s", p.Date, date)
	}

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode plan for %s: %w", date, err)
	}
	created := p.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	updated := p.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO daily_plans (date, data, source, is_temporary, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(date) DO UPDATE SET
			data = excluded.data,
			source = excluded.source,
			is_temporary = excluded.is_temporary,
			updated_at = excluded.updated_at`,
		date, string(data), string(p.Source), p.IsTemporary,
		created.UTC().Format(time.RFC3339Nano), updated.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save plan for %s: %w", date, err)
	}
	return nil
}

// ListDates returns the most recent stored date keys, newest first.
func (r *PlanRepository) ListDates(ctx context.Context, limit int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT date FROM daily_plans ORDER BY date DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list plan dates: %w", err)
	}
	defer rows.Close()

	var dates []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("failed to scan plan date: %w", err)
		}
		dates = append(dates, d)
	}
	return dates, rows.Err()
}
