package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"flowmill/internal/types"
)

// ExecutionStateRepository reads executions from the executions table as
// maintained by the indexer. The scheduler only needs point lookups by id
// to decide whether the previous firing is still active; it never writes
// this table.
type ExecutionStateRepository struct {
	db DBTX
}

// NewExecutionStateRepository creates an ExecutionStateRepository backed
// by the given database connection (pool or transaction).
func NewExecutionStateRepository(db DBTX) *ExecutionStateRepository {
	return &ExecutionStateRepository{db: db}
}

// FindByID returns the execution with the given id, or nil when the
// indexer has not received it yet. An absent execution is not an error:
// the caller treats it as "schedule blocked" until the row appears.
func (r *ExecutionStateRepository) FindByID(ctx context.Context, id string) (*types.Execution, error) {
	var (
		exec      types.Execution
		state     string
		createdAt time.Time
	)

	err := r.db.QueryRow(ctx,
		`SELECT id, namespace, flow_id, flow_revision, trigger_id, state, created_at
		 FROM executions
		 WHERE id = $1`,
		id,
	).Scan(&exec.ID, &exec.Namespace, &exec.FlowID, &exec.FlowRevision, &exec.TriggerID, &state, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load execution", err)
	}

	exec.State = types.ExecutionState(state)
	exec.CreatedAt = createdAt.UTC()

	return &exec, nil
}
