package registry

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"image"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/tileforge/internal/domain"
	"github.com/lib/pq"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	source_key TEXT NOT NULL,
	canvas_width INTEGER NOT NULL CHECK (canvas_width > 0),
	canvas_height INTEGER NOT NULL CHECK (canvas_height > 0),
	scale DOUBLE PRECISION NOT NULL CHECK (scale > 0),
	tile_mode TEXT NOT NULL,
	engine TEXT NOT NULL,
	tile_size INTEGER NOT NULL,
	tile_overlap INTEGER NOT NULL,
	webhook_url TEXT NOT NULL DEFAULT '',
	checkpoint_key TEXT NOT NULL DEFAULT '',
	next_tile_index INTEGER NOT NULL DEFAULT 0,
	lease_owner TEXT NOT NULL DEFAULT '',
	lease_expires_at TIMESTAMPTZ,
	final_key TEXT NOT NULL DEFAULT '',
	final_url TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_status_created_idx ON jobs (status, created_at);

CREATE TABLE IF NOT EXISTS tiles (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL REFERENCES jobs (id) ON DELETE CASCADE,
	tile_index INTEGER NOT NULL,
	status TEXT NOT NULL,
	x INTEGER,
	y INTEGER,
	result_bucket TEXT NOT NULL DEFAULT '',
	result_key TEXT NOT NULL DEFAULT '',
	result_url TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS tiles_job_status_idx ON tiles (job_id, status);
CREATE INDEX IF NOT EXISTS tiles_status_updated_idx ON tiles (status, updated_at);

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

const jobColumns = `id, status, source_key, canvas_width, canvas_height, scale, tile_mode, engine,
	tile_size, tile_overlap, webhook_url, checkpoint_key, next_tile_index, lease_owner,
	lease_expires_at, final_key, final_url, error, created_at, updated_at`

const tileColumns = `id, job_id, tile_index, status, x, y, result_bucket, result_key, result_url,
	error, created_at, updated_at`

type PostgresRegistry struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresRegistry(ctx context.Context, dsn string) (*PostgresRegistry, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	r := &PostgresRegistry{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
	if err := r.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *PostgresRegistry) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure registry schema: %w", err)
	}
	return nil
}

func (r *PostgresRegistry) Close() error {
	return r.db.Close()
}

func (r *PostgresRegistry) CreateJob(ctx context.Context, job domain.Job) error {
	_, err := r.db.ExecContext(
		ctx,
		`INSERT INTO jobs (id, status, source_key, canvas_width, canvas_height, scale, tile_mode, engine,
			tile_size, tile_overlap, webhook_url, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		job.ID,
		string(job.Status),
		job.SourceKey,
		job.CanvasWidth,
		job.CanvasHeight,
		job.Scale,
		string(job.TileMode),
		string(job.Engine),
		job.TileSize,
		job.TileOverlap,
		job.WebhookURL,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return classify("insert job", err)
	}
	return nil
}

func (r *PostgresRegistry) GetJob(ctx context.Context, id string) (domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, ErrJobNotFound
	}
	if err != nil {
		return domain.Job{}, classify("query job", err)
	}
	return job, nil
}

func (r *PostgresRegistry) ClaimJob(ctx context.Context, id string, claim LeaseClaim) (domain.Job, bool, error) {
	now := r.now()
	row := r.db.QueryRowContext(
		ctx,
		`UPDATE jobs
		 SET lease_owner = $1, lease_expires_at = $2, updated_at = $3
		 WHERE id = $4
		   AND status = ANY($5)
		   AND (lease_owner = '' OR lease_owner = $1 OR lease_expires_at IS NULL OR lease_expires_at <= $3)
		 RETURNING `+jobColumns,
		claim.Owner,
		now.Add(claim.TTL),
		now,
		id,
		pq.Array(jobStatusStrings(claim.Statuses)),
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		current, getErr := r.GetJob(ctx, id)
		return current, false, getErr
	}
	if err != nil {
		return domain.Job{}, false, classify("claim job", err)
	}
	return job, true, nil
}

func (r *PostgresRegistry) UpdateJob(ctx context.Context, id string, update JobUpdate) (domain.Job, bool, error) {
	q := newUpdateBuilder("jobs", r.now())

	if update.Status != "" {
		q.set("status", string(update.Status))
		q.where("status = ANY($%d)", pq.Array(jobStatusStrings(update.Status.Predecessors())))
	}
	if update.Error != nil {
		q.set("error", *update.Error)
	}
	if update.FinalKey != nil {
		q.set("final_key", *update.FinalKey)
	}
	if update.FinalURL != nil {
		q.set("final_url", *update.FinalURL)
	}
	if update.Checkpoint != nil {
		q.set("checkpoint_key", update.Checkpoint.Key)
		q.set("next_tile_index", update.Checkpoint.NextTileIndex)
		q.where("next_tile_index <= $%d", update.Checkpoint.NextTileIndex)
	}
	if update.ClearCheckpoint {
		q.set("checkpoint_key", "")
		q.set("next_tile_index", 0)
	}
	if update.LeaseExpiresAt != nil {
		q.set("lease_expires_at", *update.LeaseExpiresAt)
	}
	if update.ReleaseLease {
		q.set("lease_owner", "")
		q.set("lease_expires_at", nil)
	}
	if len(update.IfStatuses) > 0 {
		q.where("status = ANY($%d)", pq.Array(jobStatusStrings(update.IfStatuses)))
	}
	if update.IfLeaseOwner != "" {
		q.where("lease_owner = $%d", update.IfLeaseOwner)
	}
	if !update.IfUpdatedBefore.IsZero() {
		q.where("updated_at < $%d", update.IfUpdatedBefore)
	}
	q.where("id = $%d", id)

	row := r.db.QueryRowContext(ctx, q.sql()+` RETURNING `+jobColumns, q.args...)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		current, getErr := r.GetJob(ctx, id)
		return current, false, getErr
	}
	if err != nil {
		return domain.Job{}, false, classify("update job", err)
	}
	return job, true, nil
}

func (r *PostgresRegistry) ListJobs(ctx context.Context, filter JobFilter) ([]domain.Job, error) {
	var (
		clauses []string
		args    []any
	)
	if len(filter.Statuses) > 0 {
		args = append(args, pq.Array(jobStatusStrings(filter.Statuses)))
		clauses = append(clauses, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if !filter.UpdatedBefore.IsZero() {
		args = append(args, filter.UpdatedBefore)
		clauses = append(clauses, fmt.Sprintf("updated_at < $%d", len(args)))
	}

	query := `SELECT ` + jobColumns + ` FROM jobs` + whereSQL(clauses) + ` ORDER BY created_at ASC, id ASC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("list jobs", err)
	}
	defer rows.Close()

	var out []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, classify("scan job", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list jobs", err)
	}
	return out, nil
}

func (r *PostgresRegistry) CountJobs(ctx context.Context, statuses []domain.JobStatus) (int, error) {
	var count int
	err := r.db.QueryRowContext(
		ctx,
		`SELECT count(*) FROM jobs WHERE status = ANY($1)`,
		pq.Array(jobStatusStrings(statuses)),
	).Scan(&count)
	if err != nil {
		return 0, classify("count jobs", err)
	}
	return count, nil
}

func (r *PostgresRegistry) CreateTiles(ctx context.Context, tiles []domain.Tile) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin tile insert", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(
		ctx,
		`INSERT INTO tiles (id, job_id, tile_index, status, x, y, result_bucket, result_key, result_url, error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
	)
	if err != nil {
		return classify("prepare tile insert", err)
	}
	defer stmt.Close()

	for _, tile := range tiles {
		var x, y sql.NullInt64
		if tile.Origin != nil {
			x = sql.NullInt64{Int64: int64(tile.Origin.X), Valid: true}
			y = sql.NullInt64{Int64: int64(tile.Origin.Y), Valid: true}
		}
		if _, err := stmt.ExecContext(
			ctx,
			tile.ID,
			tile.JobID,
			tile.Index,
			string(tile.Status),
			x,
			y,
			tile.Result.Bucket,
			tile.Result.Key,
			tile.Result.URL,
			tile.Error,
			tile.CreatedAt,
			tile.UpdatedAt,
		); err != nil {
			return classify("insert tile "+tile.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return classify("commit tile insert", err)
	}
	return nil
}

func (r *PostgresRegistry) GetTiles(ctx context.Context, filter TileFilter) ([]domain.Tile, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.JobID != "" {
		args = append(args, filter.JobID)
		clauses = append(clauses, fmt.Sprintf("job_id = $%d", len(args)))
	}
	if len(filter.Statuses) > 0 {
		args = append(args, pq.Array(tileStatusStrings(filter.Statuses)))
		clauses = append(clauses, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if !filter.UpdatedBefore.IsZero() {
		args = append(args, filter.UpdatedBefore)
		clauses = append(clauses, fmt.Sprintf("updated_at < $%d", len(args)))
	}

	query := `SELECT ` + tileColumns + ` FROM tiles` + whereSQL(clauses) + ` ORDER BY job_id, tile_index, id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("list tiles", err)
	}
	defer rows.Close()

	var out []domain.Tile
	for rows.Next() {
		tile, err := scanTile(rows)
		if err != nil {
			return nil, classify("scan tile", err)
		}
		out = append(out, tile)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list tiles", err)
	}
	return out, nil
}

func (r *PostgresRegistry) UpdateTile(ctx context.Context, id string, update TileUpdate) (bool, error) {
	q := newUpdateBuilder("tiles", r.now())

	if update.Status != "" {
		q.set("status", string(update.Status))
		q.where("status = ANY($%d)", pq.Array(tileStatusStrings(update.Status.Predecessors())))
	}
	if update.Error != nil {
		q.set("error", *update.Error)
	}
	if update.Result != nil {
		q.set("result_bucket", update.Result.Bucket)
		q.set("result_key", update.Result.Key)
		q.set("result_url", update.Result.URL)
	}
	if !update.IfUpdatedBefore.IsZero() {
		q.where("updated_at < $%d", update.IfUpdatedBefore)
	}
	q.where("id = $%d", id)

	res, err := r.db.ExecContext(ctx, q.sql(), q.args...)
	if err != nil {
		return false, classify("update tile", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, classify("update tile", err)
	}
	return affected == 1, nil
}

func (r *PostgresRegistry) CountTilesByStatus(ctx context.Context, jobID string) (TileCounts, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, count(*) FROM tiles WHERE job_id = $1 GROUP BY status`, jobID)
	if err != nil {
		return nil, classify("count tiles", err)
	}
	defer rows.Close()

	counts := make(TileCounts)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, classify("scan tile count", err)
		}
		counts[domain.TileStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, classify("count tiles", err)
	}
	return counts, nil
}

func (r *PostgresRegistry) ConcurrencyLimit(ctx context.Context, fallback int) (int, error) {
	var raw string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = 'max_concurrent_jobs'`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fallback, nil
	}
	if err != nil {
		return 0, classify("read concurrency limit", err)
	}

	limit, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || limit < 0 {
		return fallback, nil
	}
	return limit, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.Job, error) {
	var (
		job                       domain.Job
		status, tileMode, engine  string
		leaseExpiresAt            sql.NullTime
		checkpointKey, leaseOwner string
		nextTileIndex             int
	)
	if err := row.Scan(
		&job.ID,
		&status,
		&job.SourceKey,
		&job.CanvasWidth,
		&job.CanvasHeight,
		&job.Scale,
		&tileMode,
		&engine,
		&job.TileSize,
		&job.TileOverlap,
		&job.WebhookURL,
		&checkpointKey,
		&nextTileIndex,
		&leaseOwner,
		&leaseExpiresAt,
		&job.FinalKey,
		&job.FinalURL,
		&job.Error,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return domain.Job{}, err
	}

	parsed, err := domain.ParseJobStatus(status)
	if err != nil {
		return domain.Job{}, err
	}
	job.Status = parsed
	job.TileMode = domain.TileMode(tileMode)
	job.Engine = domain.Engine(engine)
	job.Checkpoint = domain.Checkpoint{Key: checkpointKey, NextTileIndex: nextTileIndex}
	job.Lease = domain.Lease{Owner: leaseOwner}
	if leaseExpiresAt.Valid {
		job.Lease.ExpiresAt = leaseExpiresAt.Time
	}
	return job, nil
}

func scanTile(row rowScanner) (domain.Tile, error) {
	var (
		tile   domain.Tile
		status string
		x, y   sql.NullInt64
	)
	if err := row.Scan(
		&tile.ID,
		&tile.JobID,
		&tile.Index,
		&status,
		&x,
		&y,
		&tile.Result.Bucket,
		&tile.Result.Key,
		&tile.Result.URL,
		&tile.Error,
		&tile.CreatedAt,
		&tile.UpdatedAt,
	); err != nil {
		return domain.Tile{}, err
	}

	parsed, err := domain.ParseTileStatus(status)
	if err != nil {
		return domain.Tile{}, err
	}
	tile.Status = parsed
	if x.Valid && y.Valid {
		tile.Origin = &image.Point{X: int(x.Int64), Y: int(y.Int64)}
	}
	return tile, nil
}

type updateBuilder struct {
	table   string
	sets    []string
	clauses []string
	args    []any
}

func newUpdateBuilder(table string, now time.Time) *updateBuilder {
	return &updateBuilder{
		table: table,
		sets:  []string{"updated_at = $1"},
		args:  []any{now},
	}
}

func (b *updateBuilder) set(column string, value any) {
	b.args = append(b.args, value)
	b.sets = append(b.sets, fmt.Sprintf("%s = $%d", column, len(b.args)))
}

// where appends a condition; format must contain exactly one %d for the
// placeholder index.
func (b *updateBuilder) where(format string, value any) {
	b.args = append(b.args, value)
	b.clauses = append(b.clauses, fmt.Sprintf(format, len(b.args)))
}

func (b *updateBuilder) sql() string {
	return fmt.Sprintf("UPDATE %s SET %s%s", b.table, strings.Join(b.sets, ", "), whereSQL(b.clauses))
}

func whereSQL(clauses []string) string {
	if len(clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(clauses, " AND ")
}

func jobStatusStrings(statuses []domain.JobStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func tileStatusStrings(statuses []domain.TileStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// classify marks connection loss, serialization failures and resource
// exhaustion as transient so callers retry them.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, driver.ErrBadConn) {
		return &domain.TransientError{Op: op, Err: err}
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "40", "53", "57":
			return &domain.TransientError{Op: op, Err: err}
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
