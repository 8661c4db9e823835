package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/gpubatch/gpubatch/scheduler/domain"
	"github.com/gpubatch/gpubatch/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	prompt_ref TEXT NOT NULL,
	kind TEXT NOT NULL,
	controls_json TEXT NOT NULL,
	status TEXT NOT NULL,
	batch_id TEXT NOT NULL DEFAULT '',
	retry_count INTEGER NOT NULL DEFAULT 0,
	parent_id TEXT NOT NULL DEFAULT '',
	retried_as TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	started_at INTEGER NOT NULL DEFAULT 0,
	completed_at INTEGER NOT NULL DEFAULT 0,
	output_ref TEXT NOT NULL DEFAULT '',
	error_kind TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS jobs_status ON jobs(status, created_at);
`

const jobColumns = `id, prompt_ref, kind, controls_json, status, batch_id, retry_count, parent_id,
	retried_as, created_at, started_at, completed_at, output_ref, error_kind, error_message`

// SQLiteStore persists jobs in a single sqlite file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if needed) the database at path.
// ":memory:" gives a private in-memory database.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	// One writer at a time; also keeps ":memory:" on a single connection.
	db.SetMaxOpenConns(1)
	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "setting wal mode")
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "initializing schema")
	}
	log.Infof("Opened sqlite store at %s", path)
	return &SQLiteStore{db: db}, nil
}

type controlRecord struct {
	Weight    float64 `json:"weight"`
	HasAsset  bool    `json:"has_asset,omitempty"`
	AssetPath string  `json:"asset_path,omitempty"`
}

func encodeControls(cs map[string]domain.Control) (string, error) {
	rec := make(map[string]controlRecord, len(cs))
	for m, c := range cs {
		rec[m] = controlRecord{Weight: c.Weight, HasAsset: c.HasAsset, AssetPath: c.AssetPath}
	}
	b, err := json.Marshal(rec)
	return string(b), err
}

func decodeControls(s string) (map[string]domain.Control, error) {
	var rec map[string]controlRecord
	if err := json.Unmarshal([]byte(s), &rec); err != nil {
		return nil, err
	}
	if len(rec) == 0 {
		return nil, nil
	}
	cs := make(map[string]domain.Control, len(rec))
	for m, r := range rec {
		cs[m] = domain.Control{Weight: r.Weight, HasAsset: r.HasAsset, AssetPath: r.AssetPath}
	}
	return cs, nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (s *SQLiteStore) CreateJob(ctx context.Context, job domain.Job) error {
	controls, err := encodeControls(job.Controls)
	if err != nil {
		return errors.Wrapf(err, "encoding controls of %s", job.ID)
	}
	var errKind, errMsg string
	if job.Error != nil {
		errKind, errMsg = string(job.Error.Kind), job.Error.Message
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.PromptRef, job.Kind.String(), controls, job.Status.String(), job.BatchID, job.RetryCount,
		job.ParentID, job.RetriedAs, toNanos(job.CreatedAt), toNanos(job.StartedAt), toNanos(job.CompletedAt),
		job.OutputRef, errKind, errMsg)
	return errors.Wrapf(err, "inserting job %s", job.ID)
}

func (s *SQLiteStore) UpdateJobStatus(ctx context.Context, u store.StatusUpdate) error {
	var errKind, errMsg string
	if u.Error != nil {
		errKind, errMsg = string(u.Error.Kind), u.Error.Message
	}
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET
		status = ?,
		batch_id = CASE WHEN ? = '' THEN batch_id ELSE ? END,
		output_ref = CASE WHEN ? = '' THEN output_ref ELSE ? END,
		retried_as = CASE WHEN ? = '' THEN retried_as ELSE ? END,
		error_kind = CASE WHEN ? THEN ? ELSE error_kind END,
		error_message = CASE WHEN ? THEN ? ELSE error_message END,
		started_at = CASE WHEN ? = 0 THEN started_at ELSE ? END,
		completed_at = CASE WHEN ? = 0 THEN completed_at ELSE ? END
		WHERE id = ?`,
		u.Status.String(),
		u.BatchID, u.BatchID,
		u.OutputRef, u.OutputRef,
		u.RetriedAs, u.RetriedAs,
		u.Error != nil, errKind,
		u.Error != nil, errMsg,
		toNanos(u.StartedAt), toNanos(u.StartedAt),
		toNanos(u.CompletedAt), toNanos(u.CompletedAt),
		u.ID)
	if err != nil {
		return errors.Wrapf(err, "updating job %s", u.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "updating job %s", u.ID)
	}
	if n == 0 {
		return errors.Wrap(store.ErrNotFound, u.ID)
	}
	return nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	if err != nil {
		return domain.Job{}, errors.Wrapf(err, "reading job %s", id)
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return domain.Job{}, err
	}
	if len(jobs) == 0 {
		return domain.Job{}, errors.Wrap(store.ErrNotFound, id)
	}
	return jobs[0], nil
}

func (s *SQLiteStore) ListPending(ctx context.Context) ([]domain.Job, error) {
	return s.list(ctx, domain.Pending)
}

func (s *SQLiteStore) ListRunning(ctx context.Context) ([]domain.Job, error) {
	return s.list(ctx, domain.Running)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) list(ctx context.Context, status domain.Status) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY created_at, seq`, status.String())
	if err != nil {
		return nil, errors.Wrapf(err, "listing %s jobs", status)
	}
	return scanJobs(rows)
}

func scanJobs(rows *sql.Rows) ([]domain.Job, error) {
	defer rows.Close()
	var jobs []domain.Job
	for rows.Next() {
		var (
			j                           domain.Job
			kind, controls, status      string
			created, started, completed int64
			errKind, errMsg             string
		)
		if err := rows.Scan(&j.ID, &j.PromptRef, &kind, &controls, &status, &j.BatchID, &j.RetryCount,
			&j.ParentID, &j.RetriedAs, &created, &started, &completed, &j.OutputRef, &errKind, &errMsg); err != nil {
			return nil, errors.Wrap(err, "scanning job")
		}
		var err error
		if j.Kind, err = domain.ParseKind(kind); err != nil {
			return nil, errors.Wrapf(err, "job %s", j.ID)
		}
		if j.Status, err = domain.ParseStatus(status); err != nil {
			return nil, errors.Wrapf(err, "job %s", j.ID)
		}
		if j.Controls, err = decodeControls(controls); err != nil {
			return nil, errors.Wrapf(err, "decoding controls of %s", j.ID)
		}
		j.CreatedAt, j.StartedAt, j.CompletedAt = fromNanos(created), fromNanos(started), fromNanos(completed)
		if errKind != "" {
			j.Error = &domain.ErrorInfo{Kind: domain.ErrorKind(errKind), Message: errMsg}
		}
		jobs = append(jobs, j)
	}
	return jobs, errors.Wrap(rows.Err(), "iterating jobs")
}
