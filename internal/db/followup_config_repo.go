package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"salesflow/internal/types"
)

// FollowUpConfigRepository reads the per-organization follow-up policy. The
// CRM admin surface owns writes; the scheduler core only ever reads, so no
// mutation methods exist here.
type FollowUpConfigRepository struct {
	db DBTX
}

// NewFollowUpConfigRepository creates a new FollowUpConfigRepository backed
// by the given database connection (pool or transaction).
func NewFollowUpConfigRepository(db DBTX) *FollowUpConfigRepository {
	return &FollowUpConfigRepository{db: db}
}

// GetByOrganization returns the organization's follow-up config with its
// steps ordered ascending by step_order. Returns (nil, nil) when the
// organization has no config row; the scheduler maps that to its
// followup_config_missing error.
func (r *FollowUpConfigRepository) GetByOrganization(ctx context.Context, orgID string) (*types.FollowUpConfig, error) {
	var (
		cfg  types.FollowUpConfig
		days []int
	)
	err := r.db.QueryRow(ctx,
		`SELECT id, organization_id, is_active, business_hours_only,
		        business_start_hour, business_end_hour, business_days
		 FROM follow_up_configs
		 WHERE organization_id = $1`,
		orgID,
	).Scan(
		&cfg.ID,
		&cfg.OrganizationID,
		&cfg.IsActive,
		&cfg.BusinessHoursOnly,
		&cfg.BusinessStartHour,
		&cfg.BusinessEndHour,
		&days,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query follow-up config", err)
	}

	cfg.BusinessDays = make([]time.Weekday, 0, len(days))
	for _, d := range days {
		cfg.BusinessDays = append(cfg.BusinessDays, time.Weekday(d))
	}

	rows, err := r.db.Query(ctx,
		`SELECT step_order, delay_minutes
		 FROM follow_up_steps
		 WHERE config_id = $1
		 ORDER BY step_order ASC`,
		cfg.ID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query follow-up steps", err)
	}
	defer rows.Close()

	for rows.Next() {
		var step types.FollowUpStep
		if err := rows.Scan(&step.Order, &step.DelayMinutes); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan follow-up step", err)
		}
		cfg.Steps = append(cfg.Steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating follow-up steps", err)
	}

	return &cfg, nil
}
