package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/finforge/statement-engine/internal/cache"
	"github.com/finforge/statement-engine/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS reports (
	id              TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	year            INTEGER NOT NULL,
	file_ref        TEXT NOT NULL,
	file_kind       TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'queued',
	error           TEXT NOT NULL DEFAULT '',
	artifact_ref    TEXT NOT NULL DEFAULT '',
	certificate_ref TEXT NOT NULL DEFAULT '',
	created_at      DATETIME NOT NULL,
	updated_at      DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS stage_records (
	id            TEXT PRIMARY KEY,
	job_id        TEXT NOT NULL REFERENCES reports(id),
	stage_index   INTEGER NOT NULL,
	stage_name    TEXT NOT NULL,
	model         TEXT NOT NULL DEFAULT '',
	input_digest  TEXT NOT NULL DEFAULT '',
	output_digest TEXT NOT NULL DEFAULT '',
	latency_ms    INTEGER NOT NULL DEFAULT 0,
	outcome       TEXT NOT NULL,
	summary       TEXT NOT NULL DEFAULT '',
	usage         TEXT NOT NULL DEFAULT '{}',
	cost_usd      REAL NOT NULL DEFAULT 0,
	created_at    DATETIME NOT NULL,
	UNIQUE (job_id, stage_index)
);

CREATE TABLE IF NOT EXISTS mapping_results (
	job_id     TEXT PRIMARY KEY REFERENCES reports(id),
	result     TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS certificates (
	id        TEXT PRIMARY KEY,
	job_id    TEXT NOT NULL UNIQUE REFERENCES reports(id),
	payload   TEXT NOT NULL,
	signed_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS ai_cache (
	digest     TEXT PRIMARY KEY,
	stage      TEXT NOT NULL,
	model      TEXT NOT NULL,
	response   BLOB NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reports_user ON reports(user_id);
CREATE INDEX IF NOT EXISTS idx_reports_status ON reports(status);
CREATE INDEX IF NOT EXISTS idx_stage_records_job ON stage_records(job_id);
CREATE INDEX IF NOT EXISTS idx_ai_cache_created ON ai_cache(created_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateJob(ctx context.Context, job *model.ReportJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = model.JobStatusQueued
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reports (id, user_id, year, file_ref, file_kind, status, error, artifact_ref, certificate_ref, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.UserID, job.Year, job.FileRef, string(job.FileKind), string(job.Status),
		job.Error, job.ArtifactRef, job.CertificateRef, job.CreatedAt, job.UpdatedAt,
	)
	return eris.Wrap(err, "sqlite: insert job")
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.ReportJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, year, file_ref, file_kind, status, error, artifact_ref, certificate_ref, created_at, updated_at
		 FROM reports WHERE id = ?`, id)
	return scanJob(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.ReportJob, error) {
	var job model.ReportJob
	var kind, status string
	err := row.Scan(&job.ID, &job.UserID, &job.Year, &job.FileRef, &kind, &status,
		&job.Error, &job.ArtifactRef, &job.CertificateRef, &job.CreatedAt, &job.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan job")
	}
	job.FileKind = model.FileKind(kind)
	job.Status = model.JobStatus(status)
	return &job, nil
}

func (s *SQLiteStore) UpdateJobStatus(ctx context.Context, id string, status model.JobStatus, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reports SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(status), errMsg, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update job status %s", id)
	}
	return checkRowsAffected(res)
}

func (s *SQLiteStore) UpdateJobArtifacts(ctx context.Context, id, artifactRef, certificateRef string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reports SET artifact_ref = ?, certificate_ref = ?, updated_at = ? WHERE id = ?`,
		artifactRef, certificateRef, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update job artifacts %s", id)
	}
	return checkRowsAffected(res)
}

func (s *SQLiteStore) ListJobsByUser(ctx context.Context, userID string) ([]model.ReportJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, year, file_ref, file_kind, status, error, artifact_ref, certificate_ref, created_at, updated_at
		 FROM reports WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var jobs []model.ReportJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list jobs")
}

func (s *SQLiteStore) AppendStageRecord(ctx context.Context, rec *model.StageRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	usageJSON, err := json.Marshal(rec.Usage)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal usage")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO stage_records (id, job_id, stage_index, stage_name, model, input_digest, output_digest, latency_ms, outcome, summary, usage, cost_usd, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.JobID, rec.StageIndex, rec.StageName, rec.Model, rec.InputDigest, rec.OutputDigest,
		rec.LatencyMS, string(rec.Outcome), rec.Summary, string(usageJSON), rec.CostUSD, rec.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert stage record %s/%d", rec.JobID, rec.StageIndex)
}

func (s *SQLiteStore) ListStageRecords(ctx context.Context, jobID string) ([]model.StageRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, stage_index, stage_name, model, input_digest, output_digest, latency_ms, outcome, summary, usage, cost_usd, created_at
		 FROM stage_records WHERE job_id = ? ORDER BY stage_index`, jobID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list stage records")
	}
	defer rows.Close()

	var records []model.StageRecord
	for rows.Next() {
		var rec model.StageRecord
		var outcome, usageJSON string
		if err := rows.Scan(&rec.ID, &rec.JobID, &rec.StageIndex, &rec.StageName, &rec.Model,
			&rec.InputDigest, &rec.OutputDigest, &rec.LatencyMS, &outcome, &rec.Summary,
			&usageJSON, &rec.CostUSD, &rec.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan stage record")
		}
		rec.Outcome = model.StageOutcome(outcome)
		if err := json.Unmarshal([]byte(usageJSON), &rec.Usage); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal usage")
		}
		records = append(records, rec)
	}
	return records, eris.Wrap(rows.Err(), "sqlite: list stage records")
}

func (s *SQLiteStore) SaveMappingResult(ctx context.Context, jobID string, result *model.MappingResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal mapping result")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO mapping_results (job_id, result, created_at) VALUES (?, ?, ?)
		 ON CONFLICT (job_id) DO UPDATE SET result = excluded.result, created_at = excluded.created_at`,
		jobID, string(resultJSON), time.Now().UTC(),
	)
	return eris.Wrap(err, "sqlite: save mapping result")
}

func (s *SQLiteStore) GetMappingResult(ctx context.Context, jobID string) (*model.MappingResult, error) {
	var resultJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT result FROM mapping_results WHERE job_id = ?`, jobID).Scan(&resultJSON)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get mapping result")
	}
	var result model.MappingResult
	if err := json.Unmarshal([]byte(resultJSON), &result); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal mapping result")
	}
	return &result, nil
}

func (s *SQLiteStore) SaveCertificate(ctx context.Context, cert *model.VerificationCertificate) error {
	if cert.ID == "" {
		cert.ID = uuid.New().String()
	}
	payload, err := json.Marshal(cert)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal certificate")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO certificates (id, job_id, payload, signed_at) VALUES (?, ?, ?, ?)`,
		cert.ID, cert.JobID, string(payload), cert.SignedAt,
	)
	return eris.Wrap(err, "sqlite: insert certificate")
}

func (s *SQLiteStore) GetCertificate(ctx context.Context, jobID string) (*model.VerificationCertificate, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM certificates WHERE job_id = ?`, jobID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get certificate")
	}
	var cert model.VerificationCertificate
	if err := json.Unmarshal([]byte(payload), &cert); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal certificate")
	}
	return &cert, nil
}

func (s *SQLiteStore) GetEntry(ctx context.Context, digest string) (*cache.Entry, error) {
	var entry cache.Entry
	err := s.db.QueryRowContext(ctx,
		`SELECT digest, stage, model, response, created_at FROM ai_cache WHERE digest = ?`, digest).
		Scan(&entry.Digest, &entry.Stage, &entry.Model, &entry.Response, &entry.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get cache entry")
	}
	return &entry, nil
}

func (s *SQLiteStore) PutEntry(ctx context.Context, entry cache.Entry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ai_cache (digest, stage, model, response, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (digest) DO UPDATE SET stage = excluded.stage, model = excluded.model,
		 response = excluded.response, created_at = excluded.created_at`,
		entry.Digest, entry.Stage, entry.Model, entry.Response, entry.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: put cache entry")
}

func (s *SQLiteStore) DeleteEntry(ctx context.Context, digest string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM ai_cache WHERE digest = ?`, digest)
	return eris.Wrap(err, "sqlite: delete cache entry")
}

func (s *SQLiteStore) PurgeEntries(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM ai_cache WHERE created_at < ?`, olderThan)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: purge cache entries")
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "sqlite: purge cache entries")
}

func checkRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
