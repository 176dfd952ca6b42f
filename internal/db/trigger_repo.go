package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"flowmill/internal/types"
)

// TriggerStateRepository persists the per-trigger last-fire record in the
// trigger_records table, keyed by (namespace, flow_id, trigger_id). Saves
// are upserts; the table holds at most one row per trigger identity.
//
// The scheduler never issues two concurrent writes for the same key, so
// the repository relies on the unique constraint only to replace rows,
// not to arbitrate same-key races.
type TriggerStateRepository struct {
	db DBTX
}

// NewTriggerStateRepository creates a TriggerStateRepository backed by the
// given database connection (pool or transaction).
func NewTriggerStateRepository(db DBTX) *TriggerStateRepository {
	return &TriggerStateRepository{db: db}
}

// FindLast returns the current trigger record for the context's trigger
// identity, or nil when the trigger has never fired.
func (r *TriggerStateRepository) FindLast(ctx context.Context, tc types.TriggerContext) (*types.TriggerRecord, error) {
	var (
		rec         types.TriggerRecord
		date        time.Time
		executionID *string
	)

	err := r.db.QueryRow(ctx,
		`SELECT namespace, flow_id, flow_revision, trigger_id, date, execution_id
		 FROM trigger_records
		 WHERE namespace = $1 AND flow_id = $2 AND trigger_id = $3`,
		tc.Namespace,
		tc.FlowID,
		tc.TriggerID,
	).Scan(&rec.Namespace, &rec.FlowID, &rec.FlowRevision, &rec.TriggerID, &date, &executionID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load trigger record", err)
	}

	rec.Date = date.UTC()
	if executionID != nil {
		rec.ExecutionID = *executionID
	}

	return &rec, nil
}

// Save upserts the trigger record by its identity key. The write must be
// durable before the caller considers the fire committed, so Save returns
// only after the statement has been acknowledged.
func (r *TriggerStateRepository) Save(ctx context.Context, rec types.TriggerRecord) error {
	var executionID *string
	if rec.ExecutionID != "" {
		executionID = &rec.ExecutionID
	}

	_, err := r.db.Exec(ctx,
		`INSERT INTO trigger_records (namespace, flow_id, flow_revision, trigger_id, date, execution_id, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW())
		 ON CONFLICT (namespace, flow_id, trigger_id) DO UPDATE
		   SET flow_revision = EXCLUDED.flow_revision,
		       date          = EXCLUDED.date,
		       execution_id  = EXCLUDED.execution_id,
		       updated_at    = NOW()`,
		rec.Namespace,
		rec.FlowID,
		rec.FlowRevision,
		rec.TriggerID,
		rec.Date.UTC(),
		executionID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to save trigger record", err)
	}

	return nil
}
