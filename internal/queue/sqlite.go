package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"jobfeed/internal/domain"
)

var ErrEmpty = errors.New("no tasks ready")

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  type TEXT NOT NULL,
  payload BLOB NOT NULL,
  priority INTEGER NOT NULL DEFAULT 5,
  state TEXT NOT NULL CHECK(state IN ('queued','running','succeeded','failed','canceled')) DEFAULT 'queued',
  attempts INTEGER NOT NULL DEFAULT 0,
  max_attempts INTEGER NOT NULL DEFAULT 4,
  next_run_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  visibility_timeout INTEGER NOT NULL DEFAULT 60,
  idempotency_key TEXT,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_tasks_next_run ON tasks(state, next_run_at, priority DESC);
CREATE INDEX IF NOT EXISTS idx_tasks_type_state ON tasks(type, state);
CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_idem ON tasks(idempotency_key) WHERE idempotency_key IS NOT NULL;
CREATE TABLE IF NOT EXISTS task_attempts (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  task_id TEXT NOT NULL,
  started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  finished_at DATETIME,
  success INTEGER NOT NULL DEFAULT 0,
  error TEXT,
  FOREIGN KEY(task_id) REFERENCES tasks(id)
);
CREATE INDEX IF NOT EXISTS idx_attempts_task ON task_attempts(task_id);
CREATE TABLE IF NOT EXISTS schedules (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL UNIQUE,
  cron_expr TEXT NOT NULL,
  task_type TEXT NOT NULL,
  payload BLOB NOT NULL,
  priority INTEGER NOT NULL DEFAULT 5,
  max_attempts INTEGER NOT NULL DEFAULT 4,
  visibility_timeout INTEGER NOT NULL DEFAULT 1800,
  enabled INTEGER NOT NULL DEFAULT 1,
  last_run DATETIME,
  next_run DATETIME NOT NULL,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_schedules_next_run ON schedules(enabled, next_run);
`
	_, err := db.Exec(schema)
	return err
}

type Repository interface {
	Enqueue(ctx context.Context, t domain.Task) (string, error)
	LeaseNext(ctx context.Context, now time.Time) (domain.Task, Lease, error)
	Retry(ctx context.Context, id, err string, delay time.Duration) error
	Requeue(ctx context.Context, id, reason string, delay time.Duration) error
	Succeed(ctx context.Context, id string) error
	Fail(ctx context.Context, id, err string) error
	RecoverStale(ctx context.Context, now time.Time) (int, error)
	Get(ctx context.Context, id string) (domain.Task, error)
	ListRecentTasks(ctx context.Context, limit int) ([]domain.Task, error)
	ListAttempts(ctx context.Context, taskID string) ([]domain.Attempt, error)

	// Schedule operations
	CreateSchedule(ctx context.Context, s domain.Schedule) (string, error)
	GetSchedule(ctx context.Context, id string) (domain.Schedule, error)
	GetScheduleByName(ctx context.Context, name string) (domain.Schedule, error)
	ListSchedules(ctx context.Context) ([]domain.Schedule, error)
	UpdateSchedule(ctx context.Context, s domain.Schedule) error
	DeleteSchedule(ctx context.Context, id string) error
	GetDueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error)
	UpdateScheduleLastRun(ctx context.Context, id string, lastRun, nextRun time.Time) error
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

type Lease struct{ Until time.Time }

func (r *sqliteRepo) Enqueue(ctx context.Context, t domain.Task) (string, error) {
	id := t.ID
	if id == "" {
		id = "tsk_" + uuid.NewString()
	}
	if t.Priority == 0 {
		t.Priority = 5
	}
	if t.MaxAttempts == 0 {
		t.MaxAttempts = 4
	}
	if t.VisibilityTimeout == 0 {
		t.VisibilityTimeout = 60
	}

	// A task already enqueued for the same occurrence wins; return its id.
	if t.IdempotencyKey != nil {
		row := r.db.QueryRowContext(ctx, "SELECT id FROM tasks WHERE idempotency_key = ?", *t.IdempotencyKey)
		var existingID string
		if err := row.Scan(&existingID); err == nil {
			return existingID, nil
		}
	}

	_, err := r.db.ExecContext(ctx, `
INSERT INTO tasks (id,type,payload,priority,state,attempts,max_attempts,next_run_at,visibility_timeout,idempotency_key,created_at,updated_at)
VALUES (?,?,?,?, 'queued',0,?, CURRENT_TIMESTAMP, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
`, id, t.Type, t.Payload, t.Priority, t.MaxAttempts, t.VisibilityTimeout, t.IdempotencyKey)
	return id, err
}

// LeaseNext hands out the oldest runnable queued task. A task type with a
// running row is skipped entirely, which is what keeps executions of the
// same task name non-overlapping even across worker goroutines.
func (r *sqliteRepo) LeaseNext(ctx context.Context, now time.Time) (domain.Task, Lease, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return domain.Task{}, Lease{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	row := tx.QueryRowContext(ctx, `
SELECT id,type,payload,priority,attempts,max_attempts,state,next_run_at,visibility_timeout,idempotency_key,created_at,updated_at
FROM tasks
WHERE state='queued' AND next_run_at <= ?
  AND type NOT IN (SELECT type FROM tasks WHERE state='running')
ORDER BY priority DESC, created_at ASC
LIMIT 1
`, now)
	var t domain.Task
	var idem sql.NullString
	err = row.Scan(&t.ID, &t.Type, &t.Payload, &t.Priority, &t.Attempts, &t.MaxAttempts, &t.State, &t.NextRunAt, &t.VisibilityTimeout, &idem, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		err = nil
		if rbErr := tx.Rollback(); rbErr != nil {
			return domain.Task{}, Lease{}, rbErr
		}
		return domain.Task{}, Lease{}, ErrEmpty
	}
	if err != nil {
		return domain.Task{}, Lease{}, err
	}
	if idem.Valid {
		s := idem.String
		t.IdempotencyKey = &s
	}

	leaseUntil := now.Add(time.Duration(t.VisibilityTimeout) * time.Second)
	_, err = tx.ExecContext(ctx, `UPDATE tasks SET state='running', updated_at=CURRENT_TIMESTAMP WHERE id=?`, t.ID)
	if err != nil {
		return domain.Task{}, Lease{}, err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO task_attempts(task_id) VALUES (?)`, t.ID)
	if err != nil {
		return domain.Task{}, Lease{}, err
	}

	if err = tx.Commit(); err != nil {
		return domain.Task{}, Lease{}, err
	}
	t.State = domain.TaskRunning
	return t, Lease{Until: leaseUntil}, nil
}

// Retry records the failed attempt and requeues with a delay, or flips the
// task to failed once attempts are exhausted.
func (r *sqliteRepo) Retry(ctx context.Context, id, errStr string, delay time.Duration) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := closeAttempt(ctx, tx, id, false, errStr); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
UPDATE tasks
SET attempts = attempts + 1,
    state = CASE WHEN attempts + 1 >= max_attempts THEN 'failed' ELSE 'queued' END,
    next_run_at = datetime(CURRENT_TIMESTAMP, ?),
    updated_at = CURRENT_TIMESTAMP
WHERE id = ?`, fmt.Sprintf("+%d seconds", int(delay.Seconds())), id)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// Requeue puts a leased task back without consuming an attempt. Used when
// the task name's lock is held elsewhere: the overlap is benign and must
// not eat into the retry budget.
func (r *sqliteRepo) Requeue(ctx context.Context, id, reason string, delay time.Duration) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := closeAttempt(ctx, tx, id, false, reason); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
UPDATE tasks
SET state='queued',
    next_run_at = datetime(CURRENT_TIMESTAMP, ?),
    updated_at = CURRENT_TIMESTAMP
WHERE id = ?`, fmt.Sprintf("+%d seconds", int(delay.Seconds())), id)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (r *sqliteRepo) Succeed(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := closeAttempt(ctx, tx, id, true, ""); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE tasks SET state='succeeded', attempts=attempts+1, updated_at=CURRENT_TIMESTAMP WHERE id=?`, id)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// Fail is a hard fail: no requeue regardless of remaining attempts.
func (r *sqliteRepo) Fail(ctx context.Context, id, errStr string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := closeAttempt(ctx, tx, id, false, errStr); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE tasks SET state='failed', attempts=attempts+1, updated_at=CURRENT_TIMESTAMP WHERE id=?`, id)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func closeAttempt(ctx context.Context, tx *sql.Tx, taskID string, success bool, errStr string) error {
	_, err := tx.ExecContext(ctx, `
UPDATE task_attempts
SET finished_at=CURRENT_TIMESTAMP, success=?, error=?
WHERE id = (SELECT id FROM task_attempts WHERE task_id=? AND finished_at IS NULL ORDER BY id DESC LIMIT 1)`,
		success, errStr, taskID)
	return err
}

// RecoverStale requeues running tasks whose lease expired (crashed worker).
func (r *sqliteRepo) RecoverStale(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE tasks
SET state='queued', next_run_at=CURRENT_TIMESTAMP, updated_at=CURRENT_TIMESTAMP
WHERE state='running' AND strftime('%s','now') - strftime('%s',updated_at) > visibility_timeout`)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *sqliteRepo) Get(ctx context.Context, id string) (domain.Task, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id,type,payload,priority,attempts,max_attempts,state,next_run_at,visibility_timeout,idempotency_key,created_at,updated_at
FROM tasks WHERE id=?`, id)
	var t domain.Task
	var idem sql.NullString
	if err := row.Scan(&t.ID, &t.Type, &t.Payload, &t.Priority, &t.Attempts, &t.MaxAttempts, &t.State, &t.NextRunAt, &t.VisibilityTimeout, &idem, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return domain.Task{}, err
	}
	if idem.Valid {
		s := idem.String
		t.IdempotencyKey = &s
	}
	return t, nil
}

func (r *sqliteRepo) ListRecentTasks(ctx context.Context, limit int) ([]domain.Task, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id,type,payload,priority,attempts,max_attempts,state,next_run_at,visibility_timeout,idempotency_key,created_at,updated_at
FROM tasks ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		var t domain.Task
		var idem sql.NullString
		if err := rows.Scan(&t.ID, &t.Type, &t.Payload, &t.Priority, &t.Attempts, &t.MaxAttempts, &t.State, &t.NextRunAt, &t.VisibilityTimeout, &idem, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		if idem.Valid {
			s := idem.String
			t.IdempotencyKey = &s
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (r *sqliteRepo) ListAttempts(ctx context.Context, taskID string) ([]domain.Attempt, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, task_id, started_at, finished_at, success, error
FROM task_attempts WHERE task_id=? ORDER BY id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Attempt
	for rows.Next() {
		var a domain.Attempt
		var finished sql.NullTime
		var errStr sql.NullString
		if err := rows.Scan(&a.ID, &a.TaskID, &a.StartedAt, &finished, &a.Success, &errStr); err != nil {
			return nil, err
		}
		if finished.Valid {
			a.FinishedAt = &finished.Time
		}
		a.Error = errStr.String
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *sqliteRepo) CreateSchedule(ctx context.Context, s domain.Schedule) (string, error) {
	id := s.ID
	if id == "" {
		id = "sch_" + uuid.NewString()
	}
	if s.Priority == 0 {
		s.Priority = 5
	}
	if s.MaxAttempts == 0 {
		s.MaxAttempts = 4
	}
	if s.VisibilityTimeout == 0 {
		// scheduled ingestion runs page slowly under the host rate limiter;
		// a short lease would cancel them mid-run
		s.VisibilityTimeout = 1800
	}

	_, err := r.db.ExecContext(ctx, `
INSERT INTO schedules (id,name,cron_expr,task_type,payload,priority,max_attempts,visibility_timeout,enabled,last_run,next_run,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
`, id, s.Name, s.CronExpr, s.TaskType, s.Payload, s.Priority, s.MaxAttempts, s.VisibilityTimeout, s.Enabled, s.LastRun, s.NextRun)
	return id, err
}

func (r *sqliteRepo) GetSchedule(ctx context.Context, id string) (domain.Schedule, error) {
	return r.getSchedule(ctx, "id", id)
}

func (r *sqliteRepo) GetScheduleByName(ctx context.Context, name string) (domain.Schedule, error) {
	return r.getSchedule(ctx, "name", name)
}

func (r *sqliteRepo) getSchedule(ctx context.Context, col, val string) (domain.Schedule, error) {
	row := r.db.QueryRowContext(ctx, fmt.Sprintf(`
SELECT id,name,cron_expr,task_type,payload,priority,max_attempts,visibility_timeout,enabled,last_run,next_run,created_at,updated_at
FROM schedules WHERE %s=?`, col), val)
	var s domain.Schedule
	var lastRun sql.NullTime
	if err := row.Scan(&s.ID, &s.Name, &s.CronExpr, &s.TaskType, &s.Payload, &s.Priority, &s.MaxAttempts, &s.VisibilityTimeout, &s.Enabled, &lastRun, &s.NextRun, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return domain.Schedule{}, err
	}
	if lastRun.Valid {
		s.LastRun = &lastRun.Time
	}
	return s, nil
}

func (r *sqliteRepo) ListSchedules(ctx context.Context) ([]domain.Schedule, error) {
	return r.querySchedules(ctx, `
SELECT id,name,cron_expr,task_type,payload,priority,max_attempts,visibility_timeout,enabled,last_run,next_run,created_at,updated_at
FROM schedules ORDER BY name`)
}

func (r *sqliteRepo) UpdateSchedule(ctx context.Context, s domain.Schedule) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE schedules SET name=?,cron_expr=?,task_type=?,payload=?,priority=?,max_attempts=?,visibility_timeout=?,enabled=?,next_run=?,updated_at=CURRENT_TIMESTAMP
WHERE id=?`, s.Name, s.CronExpr, s.TaskType, s.Payload, s.Priority, s.MaxAttempts, s.VisibilityTimeout, s.Enabled, s.NextRun, s.ID)
	return err
}

func (r *sqliteRepo) DeleteSchedule(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM schedules WHERE id=?", id)
	return err
}

func (r *sqliteRepo) GetDueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error) {
	return r.querySchedules(ctx, `
SELECT id,name,cron_expr,task_type,payload,priority,max_attempts,visibility_timeout,enabled,last_run,next_run,created_at,updated_at
FROM schedules WHERE enabled=1 AND next_run <= ? ORDER BY next_run`, now)
}

func (r *sqliteRepo) querySchedules(ctx context.Context, query string, args ...any) ([]domain.Schedule, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []domain.Schedule
	for rows.Next() {
		var s domain.Schedule
		var lastRun sql.NullTime
		if err := rows.Scan(&s.ID, &s.Name, &s.CronExpr, &s.TaskType, &s.Payload, &s.Priority, &s.MaxAttempts, &s.VisibilityTimeout, &s.Enabled, &lastRun, &s.NextRun, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		if lastRun.Valid {
			s.LastRun = &lastRun.Time
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

func (r *sqliteRepo) UpdateScheduleLastRun(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE schedules SET last_run=?,next_run=?,updated_at=CURRENT_TIMESTAMP WHERE id=?`, lastRun, nextRun, id)
	return err
}
