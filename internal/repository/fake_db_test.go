package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type execRow struct {
	workflow  string
	status    string
	startedAt time.Time
	body      []byte
}

type deadLetterRow struct {
	values   []any
	failedAt time.Time
	replayed bool
}

// fakeDB interprets the statements of this package against in-memory
// tables. Transactions are not isolated; tests drive one writer at a time.
type fakeDB struct {
	mu          sync.Mutex
	mailbox     map[string][]byte
	executions  map[string]execRow
	deadLetters map[string]*deadLetterRow

	// failNext is returned by the next statement.
	failNext error
	// raceInsert is stored just before the next mailbox insert, which then
	// reports no rows, as if another writer got there first.
	raceInsert []byte

	statements []string
	commits    int
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		mailbox:     make(map[string][]byte),
		executions:  make(map[string]execRow),
		deadLetters: make(map[string]*deadLetterRow),
	}
}

func (f *fakeDB) fail() error {
	err := f.failNext
	f.failNext = nil
	return err
}

func tag(s string) pgconn.CommandTag { return pgconn.NewCommandTag(s) }

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statements = append(f.statements, sql)
	if err := f.fail(); err != nil {
		return pgconn.CommandTag{}, err
	}

	switch sql {
	case insertLetterSQL:
		id := args[0].(string)
		if f.raceInsert != nil {
			f.mailbox[id], f.raceInsert = f.raceInsert, nil
			return tag("INSERT 0 0"), nil
		}
		if _, ok := f.mailbox[id]; ok {
			return tag("INSERT 0 0"), nil
		}
		f.mailbox[id] = args[4].([]byte)
		return tag("INSERT 0 1"), nil
	case updateLetterSQL:
		id := args[0].(string)
		if _, ok := f.mailbox[id]; !ok {
			return tag("UPDATE 0"), nil
		}
		f.mailbox[id] = args[4].([]byte)
		return tag("UPDATE 1"), nil
	case createExecutionSQL, saveExecutionSQL:
		id := args[0].(string)
		if _, ok := f.executions[id]; ok && sql == createExecutionSQL {
			return tag("INSERT 0 0"), nil
		}
		f.executions[id] = execRow{
			workflow:  args[1].(string),
			status:    args[2].(string),
			startedAt: args[3].(time.Time),
			body:      args[5].([]byte),
		}
		return tag("INSERT 0 1"), nil
	case insertDeadLetterSQL:
		id := args[0].(string)
		if _, ok := f.deadLetters[id]; ok {
			return tag("INSERT 0 0"), nil
		}
		f.deadLetters[id] = &deadLetterRow{
			values:   append(append([]any(nil), args...), nil),
			failedAt: args[6].(time.Time),
		}
		return tag("INSERT 0 1"), nil
	case markReplayedSQL:
		row, ok := f.deadLetters[args[0].(string)]
		if !ok {
			return tag("UPDATE 0"), nil
		}
		row.values[7] = args[1].(time.Time)
		row.replayed = true
		return tag("UPDATE 1"), nil
	}
	return pgconn.CommandTag{}, fmt.Errorf("fakeDB: unexpected exec %q", sql)
}

func (f *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statements = append(f.statements, sql)
	if err := f.fail(); err != nil {
		return fakeRow{err: err}
	}

	id := args[0].(string)
	switch sql {
	case selectLetterSQL, lockLetterSQL:
		if body, ok := f.mailbox[id]; ok {
			return fakeRow{values: []any{body}}
		}
	case getExecutionSQL:
		if row, ok := f.executions[id]; ok {
			return fakeRow{values: []any{row.body}}
		}
	case getDeadLetterSQL:
		if row, ok := f.deadLetters[id]; ok {
			return fakeRow{values: row.values}
		}
	default:
		return fakeRow{err: fmt.Errorf("fakeDB: unexpected query %q", sql)}
	}
	return fakeRow{err: pgx.ErrNoRows}
}

func (f *fakeDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statements = append(f.statements, sql)
	if err := f.fail(); err != nil {
		return nil, err
	}

	var rows [][]any
	var limit int
	switch sql {
	case listExecutionsSQL:
		limit = args[2].(int)
		var matched []execRow
		for _, row := range f.executions {
			if row.workflow == args[0].(string) && row.status == args[1].(string) {
				matched = append(matched, row)
			}
		}
		sort.Slice(matched, func(i, j int) bool { return matched[i].startedAt.Before(matched[j].startedAt) })
		for _, row := range matched {
			rows = append(rows, []any{row.body})
		}
	case pendingDeadLettersSQL:
		limit = args[0].(int)
		var matched []*deadLetterRow
		for _, row := range f.deadLetters {
			if !row.replayed {
				matched = append(matched, row)
			}
		}
		sort.Slice(matched, func(i, j int) bool { return matched[i].failedAt.Before(matched[j].failedAt) })
		for _, row := range matched {
			rows = append(rows, row.values)
		}
	default:
		return nil, fmt.Errorf("fakeDB: unexpected query %q", sql)
	}
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return &fakeRows{rows: rows, i: -1}, nil
}

func (f *fakeDB) Begin(ctx context.Context) (pgx.Tx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail(); err != nil {
		return nil, err
	}
	return &fakeTx{db: f}, nil
}

type fakeTx struct {
	pgx.Tx
	db   *fakeDB
	done bool
}

func (t *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return t.db.QueryRow(ctx, sql, args...)
}

func (t *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return t.db.Exec(ctx, sql, args...)
}

func (t *fakeTx) Commit(ctx context.Context) error {
	t.done = true
	t.db.mu.Lock()
	t.db.commits++
	t.db.mu.Unlock()
	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	return nil
}

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return scanInto(r.values, dest)
}

type fakeRows struct {
	pgx.Rows
	rows [][]any
	i    int
}

func (r *fakeRows) Next() bool {
	r.i++
	return r.i < len(r.rows)
}

func (r *fakeRows) Scan(dest ...any) error { return scanInto(r.rows[r.i], dest) }
func (r *fakeRows) Err() error             { return nil }
func (r *fakeRows) Close()                 {}

func scanInto(values, dest []any) error {
	if len(values) != len(dest) {
		return fmt.Errorf("fakeDB: scan %d values into %d targets", len(values), len(dest))
	}
	for i, v := range values {
		switch d := dest[i].(type) {
		case *[]byte:
			*d = append([]byte(nil), v.([]byte)...)
		case *string:
			*d = v.(string)
		case *int:
			*d = v.(int)
		case *time.Time:
			*d = v.(time.Time)
		case **time.Time:
			if v == nil {
				*d = nil
			} else {
				t := v.(time.Time)
				*d = &t
			}
		default:
			return fmt.Errorf("fakeDB: unsupported scan target %T", dest[i])
		}
	}
	return nil
}
