package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"superpost/internal/workflow"
	"superpost/pkg/db"
	"superpost/pkg/errkind"
	"superpost/pkg/otel"
	"superpost/pkg/util"
)

const (
	createExecutionSQL = `
		INSERT INTO workflow_executions (id, workflow, status, started_at, updated_at, body)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`

	saveExecutionSQL = `
		INSERT INTO workflow_executions (id, workflow, status, started_at, updated_at, body)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, updated_at = EXCLUDED.updated_at, body = EXCLUDED.body`

	getExecutionSQL = `SELECT body FROM workflow_executions WHERE id = $1`

	// LIMIT NULL means no limit
	listExecutionsSQL = `
		SELECT body FROM workflow_executions
		WHERE workflow = $1 AND status = $2
		ORDER BY started_at ASC
		LIMIT NULLIF($3, 0)`
)

// ExecutionRepository keeps workflow checkpoints in PostgreSQL.
type ExecutionRepository struct {
	db db.Querier
}

var _ workflow.CheckpointStore = (*ExecutionRepository)(nil)

func NewExecutionRepository(q db.Querier) *ExecutionRepository {
	return &ExecutionRepository{db: q}
}

func executionArgs(exec *workflow.Execution) ([]any, error) {
	body, err := json.Marshal(exec)
	if err != nil {
		return nil, err
	}
	return []any{exec.ID, exec.Workflow, string(exec.Status), exec.StartedAt, exec.UpdatedAt, body}, nil
}

func (r *ExecutionRepository) Create(ctx context.Context, exec *workflow.Execution) (*workflow.Execution, bool, error) {
	defer observe("insert", "workflow_executions", time.Now())

	args, err := executionArgs(exec)
	if err != nil {
		return nil, false, errkind.Validation("workflow.create", err)
	}
	var created bool
	err = otel.Exec(ctx, "workflow.create", createExecutionSQL, func(ctx context.Context) error {
		tag, err := r.db.Exec(ctx, createExecutionSQL, args...)
		created = err == nil && tag.RowsAffected() == 1
		return err
	})
	if err != nil {
		return nil, false, util.Classify("workflow.create", err)
	}
	if created {
		return exec.Clone(), true, nil
	}
	existing, err := r.Get(ctx, exec.ID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *ExecutionRepository) Save(ctx context.Context, exec *workflow.Execution) error {
	defer observe("upsert", "workflow_executions", time.Now())

	args, err := executionArgs(exec)
	if err != nil {
		return errkind.Validation("workflow.save", err)
	}
	err = otel.Exec(ctx, "workflow.save", saveExecutionSQL, func(ctx context.Context) error {
		_, err := r.db.Exec(ctx, saveExecutionSQL, args...)
		return err
	})
	return util.Classify("workflow.save", err)
}

func (r *ExecutionRepository) Get(ctx context.Context, id string) (*workflow.Execution, error) {
	defer observe("select", "workflow_executions", time.Now())

	var exec *workflow.Execution
	err := otel.QueryRow(ctx, "workflow.get", getExecutionSQL, func(ctx context.Context) error {
		var err error
		exec, err = scanExecution(r.db.QueryRow(ctx, getExecutionSQL, id))
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errkind.NotFound("workflow.get_execution", fmt.Errorf("%s: %w", id, workflow.ErrExecutionNotFound))
	}
	if err != nil {
		return nil, util.Classify("workflow.get", err)
	}
	return exec, nil
}

func (r *ExecutionRepository) List(ctx context.Context, wf string, status workflow.Status, limit int) ([]*workflow.Execution, error) {
	defer observe("select", "workflow_executions", time.Now())

	var out []*workflow.Execution
	err := otel.QueryRow(ctx, "workflow.list", listExecutionsSQL, func(ctx context.Context) error {
		rows, err := r.db.Query(ctx, listExecutionsSQL, wf, string(status), limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			exec, err := scanExecution(rows)
			if err != nil {
				return err
			}
			out = append(out, exec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, util.Classify("workflow.list", err)
	}
	return out, nil
}

func scanExecution(row pgx.Row) (*workflow.Execution, error) {
	var body []byte
	if err := row.Scan(&body); err != nil {
		return nil, err
	}
	var exec workflow.Execution
	if err := json.Unmarshal(body, &exec); err != nil {
		return nil, errkind.Validation("workflow.decode", err)
	}
	return &exec, nil
}
