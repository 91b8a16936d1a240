package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"superpost/internal/mailbox"
	"superpost/internal/model"
	"superpost/pkg/db"
	"superpost/pkg/errkind"
	"superpost/pkg/metrics"
	"superpost/pkg/otel"
	"superpost/pkg/util"
)

const (
	selectLetterSQL = `SELECT body FROM mailbox WHERE letter_id = $1`

	lockLetterSQL = selectLetterSQL + ` FOR UPDATE`

	insertLetterSQL = `
		INSERT INTO mailbox (letter_id, status, status_rank, updated_at, body)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (letter_id) DO NOTHING`

	updateLetterSQL = `
		UPDATE mailbox
		SET status = $2, status_rank = $3, updated_at = $4, body = $5
		WHERE letter_id = $1`
)

// MailboxRepository is the mailbox table of one region.
//
// Put locks the row for the duration of the write rule, so concurrent
// writers of the same letter are serialized by the database and exactly one
// of them observes a given transition.
type MailboxRepository struct {
	db     db.Querier
	region string
}

var _ mailbox.Store = (*MailboxRepository)(nil)

func NewMailboxRepository(q db.Querier, region string) *MailboxRepository {
	return &MailboxRepository{db: q, region: region}
}

func (r *MailboxRepository) Get(ctx context.Context, letterID string) (*model.Letter, error) {
	defer observe("select", "mailbox", time.Now())

	var letter *model.Letter
	err := otel.QueryRow(ctx, "mailbox.get", selectLetterSQL, func(ctx context.Context) error {
		var err error
		letter, err = scanLetter(r.db.QueryRow(ctx, selectLetterSQL, letterID))
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &errkind.Error{Kind: errkind.KindNotFound, Op: "mailbox.get", LetterID: letterID, Err: mailbox.ErrNotFound}
	}
	if err != nil {
		return nil, errkind.WithLetter(util.Classify("mailbox.get", err), letterID, "")
	}
	return letter, nil
}

func (r *MailboxRepository) Put(ctx context.Context, letter *model.Letter) (mailbox.Outcome, error) {
	defer observe("upsert", "mailbox", time.Now())

	if err := mailbox.ValidateWrite(letter); err != nil {
		metrics.RecordMailboxWrite(r.region, "error")
		return mailbox.Outcome{}, err
	}
	body, err := json.Marshal(letter)
	if err != nil {
		metrics.RecordMailboxWrite(r.region, "error")
		return mailbox.Outcome{}, errkind.Validation("mailbox.put", err)
	}
	args := []any{letter.LetterID, string(letter.Status), letter.Status.Rank(), letter.UpdatedAt, body}

	var out mailbox.Outcome
	err = otel.Tx(ctx, "mailbox.put", func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
			prev, err := scanLetter(tx.QueryRow(ctx, lockLetterSQL, letter.LetterID))
			if errors.Is(err, pgx.ErrNoRows) {
				tag, err := tx.Exec(ctx, insertLetterSQL, args...)
				if err != nil {
					return err
				}
				if tag.RowsAffected() == 1 {
					out = mailbox.Outcome{Applied: true, Current: letter.Clone()}
					return nil
				}
				// A concurrent insert won; lock the row it wrote.
				prev, err = scanLetter(tx.QueryRow(ctx, lockLetterSQL, letter.LetterID))
				if err != nil {
					return err
				}
			} else if err != nil {
				return err
			}

			if !letter.Supersedes(prev) {
				out = mailbox.Outcome{Previous: prev, Current: prev.Clone()}
				return nil
			}
			if _, err := tx.Exec(ctx, updateLetterSQL, args...); err != nil {
				return err
			}
			out = mailbox.Outcome{Applied: true, Previous: prev, Current: letter.Clone()}
			return nil
		})
	})
	if err != nil {
		metrics.RecordMailboxWrite(r.region, "error")
		return mailbox.Outcome{}, errkind.WithLetter(util.Classify("mailbox.put", err), letter.LetterID, string(letter.Status))
	}

	if out.Applied {
		metrics.RecordMailboxWrite(r.region, "applied")
	} else {
		metrics.RecordMailboxWrite(r.region, "skipped")
	}
	return out, nil
}

func scanLetter(row pgx.Row) (*model.Letter, error) {
	var body []byte
	if err := row.Scan(&body); err != nil {
		return nil, err
	}
	var letter model.Letter
	if err := json.Unmarshal(body, &letter); err != nil {
		return nil, errkind.Validation("mailbox.decode", err)
	}
	return &letter, nil
}
