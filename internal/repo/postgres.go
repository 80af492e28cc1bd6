package repo

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/url"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"modelfetch/internal/data"
	"modelfetch/internal/fp"
)

// PostgresTaskRepo implements TaskRepo backed by PostgreSQL. It retains task
// rows across restarts so the queue listing can show history; rows for tasks
// that were in flight when the process died are marked failed on recovery by
// the coordinator.
type PostgresTaskRepo struct {
	db *sql.DB
}

// NewPostgresTaskRepo constructs a repository using the provided DSN.
func NewPostgresTaskRepo(dsn string) (*PostgresTaskRepo, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	r := &PostgresTaskRepo{db: db}
	if err := r.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

// NewPostgresTaskRepoFromEnv constructs a DSN using component env vars.
// Recognized envs (with defaults):
//
//	POSTGRES_HOST (postgres), POSTGRES_PORT (5432), POSTGRES_DB (modelfetch),
//	POSTGRES_USER (modelfetch), POSTGRES_PASSWORD (empty), POSTGRES_SSLMODE (disable)
func NewPostgresTaskRepoFromEnv() (*PostgresTaskRepo, error) {
	host := getenv("POSTGRES_HOST", "postgres")
	port := getenv("POSTGRES_PORT", "5432")
	db := getenv("POSTGRES_DB", "modelfetch")
	user := getenv("POSTGRES_USER", "modelfetch")
	pass := getenv("POSTGRES_PASSWORD", "")
	ssl := getenv("POSTGRES_SSLMODE", "disable")

	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(user, pass),
		Host:   net.JoinHostPort(host, port),
		Path:   "/" + db,
	}
	q := url.Values{}
	q.Set("sslmode", ssl)
	u.RawQuery = q.Encode()
	return NewPostgresTaskRepo(u.String())
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func (r *PostgresTaskRepo) Close() error { return r.db.Close() }

func (r *PostgresTaskRepo) Ping(ctx context.Context) error { return r.db.PingContext(ctx) }

func (r *PostgresTaskRepo) ensureSchema(ctx context.Context) error {
	// One statement per exec; the pgx stdlib driver rejects batched DDL.
	if _, err := r.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS tasks (
    id UUID PRIMARY KEY,
    source TEXT NOT NULL,
    destination TEXT NOT NULL,
    expected_size BIGINT,
    expected_sha256 TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    bytes_done BIGINT NOT NULL DEFAULT 0,
    bytes_total BIGINT,
    retry_count INT NOT NULL DEFAULT 0,
    last_error_kind TEXT NOT NULL DEFAULT '',
    last_error_msg TEXT NOT NULL DEFAULT '',
    queued_at TIMESTAMPTZ NOT NULL,
    started_at TIMESTAMPTZ,
    finished_at TIMESTAMPTZ,
    fingerprint TEXT NOT NULL
);
`); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS tasks_fingerprint_idx ON tasks (fingerprint)`)
	return err
}

const taskColumns = `id,source,destination,expected_size,expected_sha256,status,bytes_done,bytes_total,retry_count,last_error_kind,last_error_msg,queued_at,started_at,finished_at`

func (r *PostgresTaskRepo) List(ctx context.Context) (data.Tasks, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY queued_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out data.Tasks
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *PostgresTaskRepo) Get(ctx context.Context, id string) (*data.Task, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=$1`, id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, data.ErrNotFound
		}
		return nil, err
	}
	return t, nil
}

func (r *PostgresTaskRepo) Add(ctx context.Context, t *data.Task) (*data.Task, error) {
	var kind, msg string
	if t.LastError != nil {
		kind, msg = string(t.LastError.Kind), t.LastError.Message
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO tasks (`+taskColumns+`,fingerprint)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		t.ID, t.Source, t.Destination, t.ExpectedSize, t.ExpectedSHA256, string(t.Status),
		t.BytesDone, t.BytesTotal, t.RetryCount, kind, msg,
		t.QueuedAt, t.StartedAt, t.FinishedAt, fp.Fingerprint(t.Destination))
	if err != nil {
		return nil, err
	}
	return r.Get(ctx, t.ID)
}

func (r *PostgresTaskRepo) Update(ctx context.Context, id string, mutate func(*data.Task) error) (*data.Task, error) {
	// Serialize updates per row using SELECT ... FOR UPDATE.
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=$1 FOR UPDATE`, id)
	cur, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, data.ErrNotFound
		}
		return nil, err
	}

	next := cur.Clone()
	if mutate != nil {
		if err := mutate(next); err != nil {
			return nil, err
		}
	}

	var kind, msg string
	if next.LastError != nil {
		kind, msg = string(next.LastError.Kind), next.LastError.Message
	}
	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET source=$1, destination=$2, expected_size=$3,
expected_sha256=$4, status=$5, bytes_done=$6, bytes_total=$7, retry_count=$8,
last_error_kind=$9, last_error_msg=$10, started_at=$11, finished_at=$12, fingerprint=$13 WHERE id=$14`,
		next.Source, next.Destination, next.ExpectedSize, next.ExpectedSHA256, string(next.Status),
		next.BytesDone, next.BytesTotal, next.RetryCount, kind, msg,
		next.StartedAt, next.FinishedAt, fp.Fingerprint(next.Destination), id); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return next.Clone(), nil
}

func (r *PostgresTaskRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM tasks WHERE id=$1`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return data.ErrNotFound
	}
	return nil
}

type rowScanner interface{ Scan(dest ...any) error }

func scanTask(rs rowScanner) (*data.Task, error) {
	var (
		t            data.Task
		status       string
		expectedSize sql.NullInt64
		bytesTotal   sql.NullInt64
		kind, msg    string
		startedAt    sql.NullTime
		finishedAt   sql.NullTime
	)
	if err := rs.Scan(&t.ID, &t.Source, &t.Destination, &expectedSize, &t.ExpectedSHA256, &status,
		&t.BytesDone, &bytesTotal, &t.RetryCount, &kind, &msg,
		&t.QueuedAt, &startedAt, &finishedAt); err != nil {
		return nil, err
	}
	t.Status = data.TaskStatus(status)
	if expectedSize.Valid {
		v := expectedSize.Int64
		t.ExpectedSize = &v
	}
	if bytesTotal.Valid {
		v := bytesTotal.Int64
		t.BytesTotal = &v
	}
	if kind != "" {
		t.LastError = &data.TaskError{Kind: data.FailureKind(kind), Message: msg}
	}
	if startedAt.Valid {
		ts := startedAt.Time
		t.StartedAt = &ts
	}
	if finishedAt.Valid {
		ts := finishedAt.Time
		t.FinishedAt = &ts
	}
	return &t, nil
}
