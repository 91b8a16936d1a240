package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"superpost/internal/eventbus"
	"superpost/pkg/db"
	"superpost/pkg/errkind"
	"superpost/pkg/otel"
	"superpost/pkg/util"
)

const (
	insertDeadLetterSQL = `
		INSERT INTO dead_letters (id, bus, rule, event, error, attempts, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`

	selectDeadLetterColumns = `
		SELECT id, bus, rule, event, error, attempts, failed_at, replayed_at
		FROM dead_letters`

	getDeadLetterSQL = selectDeadLetterColumns + `
		WHERE id = $1`

	pendingDeadLettersSQL = selectDeadLetterColumns + `
		WHERE replayed_at IS NULL
		ORDER BY failed_at ASC
		LIMIT NULLIF($1, 0)`

	markReplayedSQL = `UPDATE dead_letters SET replayed_at = $2 WHERE id = $1`
)

// DeadLetterRepository is the durable dead-letter sink of a router.
type DeadLetterRepository struct {
	db db.Querier
}

var _ eventbus.DeadLetterStore = (*DeadLetterRepository)(nil)

func NewDeadLetterRepository(q db.Querier) *DeadLetterRepository {
	return &DeadLetterRepository{db: q}
}

func (r *DeadLetterRepository) Put(ctx context.Context, dl eventbus.DeadLetter) error {
	defer observe("insert", "dead_letters", time.Now())

	event, err := json.Marshal(dl.Event)
	if err != nil {
		return errkind.Validation("deadletters.put", err)
	}
	err = otel.Exec(ctx, "deadletters.put", insertDeadLetterSQL, func(ctx context.Context) error {
		_, err := r.db.Exec(ctx, insertDeadLetterSQL, dl.ID, dl.Bus, dl.Rule, event, dl.Error, dl.Attempts, dl.FailedAt)
		return err
	})
	return util.Classify("deadletters.put", err)
}

func (r *DeadLetterRepository) Get(ctx context.Context, id string) (eventbus.DeadLetter, error) {
	defer observe("select", "dead_letters", time.Now())

	var dl eventbus.DeadLetter
	err := otel.QueryRow(ctx, "deadletters.get", getDeadLetterSQL, func(ctx context.Context) error {
		var err error
		dl, err = scanDeadLetter(r.db.QueryRow(ctx, getDeadLetterSQL, id))
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return eventbus.DeadLetter{}, errkind.NotFound("deadletters.get", fmt.Errorf("%s: %w", id, eventbus.ErrDeadLetterNotFound))
	}
	if err != nil {
		return eventbus.DeadLetter{}, util.Classify("deadletters.get", err)
	}
	return dl, nil
}

func (r *DeadLetterRepository) List(ctx context.Context, limit int) ([]eventbus.DeadLetter, error) {
	defer observe("select", "dead_letters", time.Now())

	var out []eventbus.DeadLetter
	err := otel.QueryRow(ctx, "deadletters.list", pendingDeadLettersSQL, func(ctx context.Context) error {
		rows, err := r.db.Query(ctx, pendingDeadLettersSQL, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			dl, err := scanDeadLetter(rows)
			if err != nil {
				return err
			}
			out = append(out, dl)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, util.Classify("deadletters.list", err)
	}
	return out, nil
}

func (r *DeadLetterRepository) MarkReplayed(ctx context.Context, id string, at time.Time) error {
	defer observe("update", "dead_letters", time.Now())

	err := otel.Exec(ctx, "deadletters.mark_replayed", markReplayedSQL, func(ctx context.Context) error {
		tag, err := r.db.Exec(ctx, markReplayedSQL, id, at)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return errkind.NotFound("deadletters.mark_replayed", fmt.Errorf("%s: %w", id, eventbus.ErrDeadLetterNotFound))
		}
		return nil
	})
	return util.Classify("deadletters.mark_replayed", err)
}

func scanDeadLetter(row pgx.Row) (eventbus.DeadLetter, error) {
	var dl eventbus.DeadLetter
	var event []byte
	if err := row.Scan(&dl.ID, &dl.Bus, &dl.Rule, &event, &dl.Error, &dl.Attempts, &dl.FailedAt, &dl.ReplayedAt); err != nil {
		return eventbus.DeadLetter{}, err
	}
	if err := json.Unmarshal(event, &dl.Event); err != nil {
		return eventbus.DeadLetter{}, errkind.Validation("deadletters.decode", err)
	}
	return dl, nil
}
