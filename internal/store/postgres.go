package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/finforge/statement-engine/internal/cache"
	"github.com/finforge/statement-engine/internal/model"
)

// Pool is the subset of pgxpool.Pool used by the store. Tests substitute
// a pgxmock pool.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool Pool
}

// NewPostgres connects to the given database URL with pooling tuned for
// the engine's write pattern: short bursts of small transactions.
func NewPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	cfg.MaxConns = 10
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 15 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

const postgresMigration = `
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
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS stage_records (
	id            TEXT PRIMARY KEY,
	job_id        TEXT NOT NULL REFERENCES reports(id),
	stage_index   INTEGER NOT NULL,
	stage_name    TEXT NOT NULL,
	model         TEXT NOT NULL DEFAULT '',
	input_digest  TEXT NOT NULL DEFAULT '',
	output_digest TEXT NOT NULL DEFAULT '',
	latency_ms    BIGINT NOT NULL DEFAULT 0,
	outcome       TEXT NOT NULL,
	summary       TEXT NOT NULL DEFAULT '',
	usage         JSONB NOT NULL DEFAULT '{}',
	cost_usd      DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL,
	UNIQUE (job_id, stage_index)
);

CREATE TABLE IF NOT EXISTS mapping_results (
	job_id     TEXT PRIMARY KEY REFERENCES reports(id),
	result     JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS certificates (
	id        TEXT PRIMARY KEY,
	job_id    TEXT NOT NULL UNIQUE REFERENCES reports(id),
	payload   JSONB NOT NULL,
	signed_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS ai_cache (
	digest     TEXT PRIMARY KEY,
	stage      TEXT NOT NULL,
	model      TEXT NOT NULL,
	response   BYTEA NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reports_user ON reports(user_id);
CREATE INDEX IF NOT EXISTS idx_reports_status ON reports(status);
CREATE INDEX IF NOT EXISTS idx_stage_records_job ON stage_records(job_id);
CREATE INDEX IF NOT EXISTS idx_ai_cache_created ON ai_cache(created_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *model.ReportJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = model.JobStatusQueued
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO reports (id, user_id, year, file_ref, file_kind, status, error, artifact_ref, certificate_ref, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		job.ID, job.UserID, job.Year, job.FileRef, string(job.FileKind), string(job.Status),
		job.Error, job.ArtifactRef, job.CertificateRef, job.CreatedAt, job.UpdatedAt,
	)
	return eris.Wrap(err, "postgres: insert job")
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*model.ReportJob, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, user_id, year, file_ref, file_kind, status, error, artifact_ref, certificate_ref, created_at, updated_at
		 FROM reports WHERE id = $1`, id)
	return scanPgJob(row)
}

func scanPgJob(row pgx.Row) (*model.ReportJob, error) {
	var job model.ReportJob
	var kind, status string
	err := row.Scan(&job.ID, &job.UserID, &job.Year, &job.FileRef, &kind, &status,
		&job.Error, &job.ArtifactRef, &job.CertificateRef, &job.CreatedAt, &job.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan job")
	}
	job.FileKind = model.FileKind(kind)
	job.Status = model.JobStatus(status)
	return &job, nil
}

func (s *PostgresStore) UpdateJobStatus(ctx context.Context, id string, status model.JobStatus, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE reports SET status = $1, error = $2, updated_at = $3 WHERE id = $4`,
		string(status), errMsg, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update job status %s", id)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateJobArtifacts(ctx context.Context, id, artifactRef, certificateRef string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE reports SET artifact_ref = $1, certificate_ref = $2, updated_at = $3 WHERE id = $4`,
		artifactRef, certificateRef, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update job artifacts %s", id)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListJobsByUser(ctx context.Context, userID string) ([]model.ReportJob, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, year, file_ref, file_kind, status, error, artifact_ref, certificate_ref, created_at, updated_at
		 FROM reports WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var jobs []model.ReportJob
	for rows.Next() {
		job, err := scanPgJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: list jobs")
}

func (s *PostgresStore) AppendStageRecord(ctx context.Context, rec *model.StageRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	usageJSON, err := json.Marshal(rec.Usage)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal usage")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO stage_records (id, job_id, stage_index, stage_name, model, input_digest, output_digest, latency_ms, outcome, summary, usage, cost_usd, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		rec.ID, rec.JobID, rec.StageIndex, rec.StageName, rec.Model, rec.InputDigest, rec.OutputDigest,
		rec.LatencyMS, string(rec.Outcome), rec.Summary, usageJSON, rec.CostUSD, rec.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: insert stage record %s/%d", rec.JobID, rec.StageIndex)
}

func (s *PostgresStore) ListStageRecords(ctx context.Context, jobID string) ([]model.StageRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, job_id, stage_index, stage_name, model, input_digest, output_digest, latency_ms, outcome, summary, usage, cost_usd, created_at
		 FROM stage_records WHERE job_id = $1 ORDER BY stage_index`, jobID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list stage records")
	}
	defer rows.Close()

	var records []model.StageRecord
	for rows.Next() {
		var rec model.StageRecord
		var outcome string
		var usageJSON []byte
		if err := rows.Scan(&rec.ID, &rec.JobID, &rec.StageIndex, &rec.StageName, &rec.Model,
			&rec.InputDigest, &rec.OutputDigest, &rec.LatencyMS, &outcome, &rec.Summary,
			&usageJSON, &rec.CostUSD, &rec.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan stage record")
		}
		rec.Outcome = model.StageOutcome(outcome)
		if err := json.Unmarshal(usageJSON, &rec.Usage); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal usage")
		}
		records = append(records, rec)
	}
	return records, eris.Wrap(rows.Err(), "postgres: list stage records")
}

func (s *PostgresStore) SaveMappingResult(ctx context.Context, jobID string, result *model.MappingResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal mapping result")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO mapping_results (job_id, result, created_at) VALUES ($1, $2, $3)
		 ON CONFLICT (job_id) DO UPDATE SET result = EXCLUDED.result, created_at = EXCLUDED.created_at`,
		jobID, resultJSON, time.Now().UTC(),
	)
	return eris.Wrap(err, "postgres: save mapping result")
}

func (s *PostgresStore) GetMappingResult(ctx context.Context, jobID string) (*model.MappingResult, error) {
	var resultJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT result FROM mapping_results WHERE job_id = $1`, jobID).Scan(&resultJSON)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get mapping result")
	}
	var result model.MappingResult
	if err := json.Unmarshal(resultJSON, &result); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal mapping result")
	}
	return &result, nil
}

func (s *PostgresStore) SaveCertificate(ctx context.Context, cert *model.VerificationCertificate) error {
	if cert.ID == "" {
		cert.ID = uuid.New().String()
	}
	payload, err := json.Marshal(cert)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal certificate")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO certificates (id, job_id, payload, signed_at) VALUES ($1, $2, $3, $4)`,
		cert.ID, cert.JobID, payload, cert.SignedAt,
	)
	return eris.Wrap(err, "postgres: insert certificate")
}

func (s *PostgresStore) GetCertificate(ctx context.Context, jobID string) (*model.VerificationCertificate, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM certificates WHERE job_id = $1`, jobID).Scan(&payload)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get certificate")
	}
	var cert model.VerificationCertificate
	if err := json.Unmarshal(payload, &cert); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal certificate")
	}
	return &cert, nil
}

func (s *PostgresStore) GetEntry(ctx context.Context, digest string) (*cache.Entry, error) {
	var entry cache.Entry
	err := s.pool.QueryRow(ctx,
		`SELECT digest, stage, model, response, created_at FROM ai_cache WHERE digest = $1`, digest).
		Scan(&entry.Digest, &entry.Stage, &entry.Model, &entry.Response, &entry.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get cache entry")
	}
	return &entry, nil
}

func (s *PostgresStore) PutEntry(ctx context.Context, entry cache.Entry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ai_cache (digest, stage, model, response, created_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (digest) DO UPDATE SET stage = EXCLUDED.stage, model = EXCLUDED.model,
		 response = EXCLUDED.response, created_at = EXCLUDED.created_at`,
		entry.Digest, entry.Stage, entry.Model, entry.Response, entry.CreatedAt,
	)
	return eris.Wrap(err, "postgres: put cache entry")
}

func (s *PostgresStore) DeleteEntry(ctx context.Context, digest string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM ai_cache WHERE digest = $1`, digest)
	return eris.Wrap(err, "postgres: delete cache entry")
}

func (s *PostgresStore) PurgeEntries(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM ai_cache WHERE created_at < $1`, olderThan)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: purge cache entries")
	}
	return tag.RowsAffected(), nil
}
