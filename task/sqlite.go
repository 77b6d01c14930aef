package task

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id           TEXT PRIMARY KEY,
	title        TEXT NOT NULL,
	description  TEXT NOT NULL DEFAULT '',
	type         TEXT NOT NULL DEFAULT '',
	priority     INTEGER NOT NULL DEFAULT 0,
	state        TEXT NOT NULL,
	dependencies TEXT NOT NULL DEFAULT '[]',
	assignee     TEXT NOT NULL DEFAULT '',
	created_at   DATETIME NOT NULL,
	claimed_at   DATETIME,
	started_at   DATETIME,
	completed_at DATETIME,
	retry_count  INTEGER NOT NULL DEFAULT 0,
	max_retries  INTEGER NOT NULL DEFAULT 0,
	result       TEXT NOT NULL DEFAULT 'null',
	error        TEXT NOT NULL DEFAULT '',
	metrics      TEXT NOT NULL DEFAULT 'null'
);
CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state);
CREATE INDEX IF NOT EXISTS idx_tasks_type ON tasks(type);
`

// SQLiteStore persists tasks in a SQLite database. It is the
// production Registry backend: every mutation runs in a transaction and
// the state column doubles as the optimistic-concurrency guard
// (UPDATE ... WHERE state = expected).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and
// ensures the tasks table exists. The caller is responsible for Close.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Create persists a new task inside a transaction, computing the
// initial state from the stored states of its dependencies.
func (s *SQLiteStore) Create(t *Task) (string, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := createInTx(tx, t, nil); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return t.ID, nil
}

// CreateBatch persists all tasks in one transaction: a crash or error
// mid-batch leaves none of them behind. Dependencies may reference
// other members of the same batch.
func (s *SQLiteStore) CreateBatch(ts []*Task) ([]string, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	batch := make(map[string]bool, len(ts))
	ids := make([]string, 0, len(ts))
	for _, t := range ts {
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		if batch[t.ID] {
			return nil, ErrDuplicateID
		}
		batch[t.ID] = true
	}
	for _, t := range ts {
		if err := createInTx(tx, t, batch); err != nil {
			return nil, err
		}
		ids = append(ids, t.ID)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return ids, nil
}

// createInTx inserts one task. batch holds IDs of not-yet-done siblings
// being created in the same transaction; depending on one of them means
// the task starts in backlog.
func createInTx(tx *sql.Tx, t *Task, batch map[string]bool) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	var exists int
	err := tx.QueryRow(`SELECT 1 FROM tasks WHERE id = ?`, t.ID).Scan(&exists)
	if err == nil {
		return ErrDuplicateID
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("check id: %w", err)
	}

	t.CreatedAt = time.Now().UTC()
	t.State = StatePending
	for _, dep := range t.Dependencies {
		if batch != nil && batch[dep] {
			t.State = StateBacklog
			break
		}
		var st string
		err := tx.QueryRow(`SELECT state FROM tasks WHERE id = ?`, dep).Scan(&st)
		if err == sql.ErrNoRows || (err == nil && !State(st).Succeeded()) {
			t.State = StateBacklog
			break
		}
		if err != nil {
			return fmt.Errorf("check dependency %s: %w", dep, err)
		}
	}
	return insertInTx(tx, t)
}

func insertInTx(tx *sql.Tx, t *Task) error {
	deps, _ := json.Marshal(t.Dependencies)
	result, _ := json.Marshal(t.Result)
	metrics, _ := json.Marshal(t.Metrics)
	_, err := tx.Exec(`
		INSERT INTO tasks
			(id, title, description, type, priority, state, dependencies, assignee,
			 created_at, claimed_at, started_at, completed_at,
			 retry_count, max_retries, result, error, metrics)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Title, t.Description, t.Type, t.Priority, string(t.State),
		string(deps), t.Assignee,
		t.CreatedAt, nullTime(t.ClaimedAt), nullTime(t.StartedAt), nullTime(t.CompletedAt),
		t.RetryCount, t.MaxRetries, string(result), t.Error, string(metrics),
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// Get retrieves a task by ID.
func (s *SQLiteStore) Get(id string) (*Task, error) {
	row := s.db.QueryRow(selectCols+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return t, err
}

// Update applies mutate under a transaction. The WHERE state = expected
// guard on the final write keeps the check valid even against writers
// outside this process.
func (s *SQLiteStore) Update(id string, expect State, mutate func(*Task) error) (*Task, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	row := tx.QueryRow(selectCols+` FROM tasks WHERE id = ?`, id)
	cur, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	next, err := applyMutation(cur, expect, mutate)
	if err != nil {
		return nil, err
	}

	deps, _ := json.Marshal(next.Dependencies)
	result, _ := json.Marshal(next.Result)
	metrics, _ := json.Marshal(next.Metrics)
	res, err := tx.Exec(`
		UPDATE tasks SET
			title=?, description=?, type=?, priority=?, state=?, dependencies=?, assignee=?,
			claimed_at=?, started_at=?, completed_at=?,
			retry_count=?, max_retries=?, result=?, error=?, metrics=?
		WHERE id=? AND state=?`,
		next.Title, next.Description, next.Type, next.Priority, string(next.State),
		string(deps), next.Assignee,
		nullTime(next.ClaimedAt), nullTime(next.StartedAt), nullTime(next.CompletedAt),
		next.RetryCount, next.MaxRetries, string(result), next.Error, string(metrics),
		id, string(expect),
	)
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		// A concurrent writer moved the state between our read and write.
		return nil, &StaleWriteError{ID: id, Expected: expect, Actual: cur.State}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return next, nil
}

// List returns tasks matching the filter.
func (s *SQLiteStore) List(f Filter) ([]*Task, error) {
	q := strings.Builder{}
	q.WriteString(selectCols + " FROM tasks WHERE 1=1")
	args := []any{}

	if len(f.States) > 0 {
		q.WriteString(" AND state IN (?" + strings.Repeat(",?", len(f.States)-1) + ")")
		for _, st := range f.States {
			args = append(args, string(st))
		}
	}
	if f.Type != "" {
		q.WriteString(" AND type=?")
		args = append(args, f.Type)
	}
	if f.Assignee != "" {
		q.WriteString(" AND assignee=?")
		args = append(args, f.Assignee)
	}
	if f.OrderByPriority {
		q.WriteString(" ORDER BY priority DESC, created_at ASC, rowid ASC")
	} else {
		q.WriteString(" ORDER BY created_at ASC, rowid ASC")
	}

	rows, err := s.db.Query(q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if f.DepsSatisfied != nil {
		states, err := s.stateMap()
		if err != nil {
			return nil, err
		}
		filtered := out[:0]
		for _, t := range out {
			if depsDoneIn(states, t.Dependencies) == *f.DepsSatisfied {
				filtered = append(filtered, t)
			}
		}
		out = filtered
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Cancel logically deletes a task; the transition table restricts it to
// backlog and pending.
func (s *SQLiteStore) Cancel(id string) error {
	cur, err := s.Get(id)
	if err != nil {
		return err
	}
	_, err = s.Update(id, cur.State, func(t *Task) error {
		t.State = StateCancelled
		return nil
	})
	return err
}

// stateMap loads the id -> state mapping for dependency checks.
func (s *SQLiteStore) stateMap() (map[string]State, error) {
	rows, err := s.db.Query(`SELECT id, state FROM tasks`)
	if err != nil {
		return nil, fmt.Errorf("load states: %w", err)
	}
	defer rows.Close() //nolint:errcheck
	m := make(map[string]State)
	for rows.Next() {
		var id, st string
		if err := rows.Scan(&id, &st); err != nil {
			return nil, err
		}
		m[id] = State(st)
	}
	return m, rows.Err()
}

func depsDoneIn(states map[string]State, deps []string) bool {
	for _, id := range deps {
		st, ok := states[id]
		if !ok || !st.Succeeded() {
			return false
		}
	}
	return true
}

const selectCols = `SELECT id, title, description, type, priority, state, dependencies, assignee,
	created_at, claimed_at, started_at, completed_at, retry_count, max_retries, result, error, metrics`

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*Task, error) {
	var (
		t                   Task
		state               string
		deps, result, mtr   string
		claimed, started    sql.NullTime
		completed           sql.NullTime
	)
	err := row.Scan(&t.ID, &t.Title, &t.Description, &t.Type, &t.Priority, &state,
		&deps, &t.Assignee, &t.CreatedAt, &claimed, &started, &completed,
		&t.RetryCount, &t.MaxRetries, &result, &t.Error, &mtr)
	if err != nil {
		return nil, err
	}
	t.State = State(state)
	if err := json.Unmarshal([]byte(deps), &t.Dependencies); err != nil {
		return nil, fmt.Errorf("decode dependencies: %w", err)
	}
	if err := json.Unmarshal([]byte(result), &t.Result); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	if err := json.Unmarshal([]byte(mtr), &t.Metrics); err != nil {
		return nil, fmt.Errorf("decode metrics: %w", err)
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.ClaimedAt = timePtr(claimed)
	t.StartedAt = timePtr(started)
	t.CompletedAt = timePtr(completed)
	return &t, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	ts := t.Time.UTC()
	return &ts
}
