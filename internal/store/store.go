package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/finforge/statement-engine/internal/cache"
	"github.com/finforge/statement-engine/internal/config"
	"github.com/finforge/statement-engine/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = eris.New("store: not found")

// Store defines the persistence interface for the workflow engine: job
// rows, the per-job stage ledger, mapping decisions, certificates, and
// the shared model response cache.
type Store interface {
	// Jobs
	CreateJob(ctx context.Context, job *model.ReportJob) error
	GetJob(ctx context.Context, id string) (*model.ReportJob, error)
	UpdateJobStatus(ctx context.Context, id string, status model.JobStatus, errMsg string) error
	UpdateJobArtifacts(ctx context.Context, id, artifactRef, certificateRef string) error
	ListJobsByUser(ctx context.Context, userID string) ([]model.ReportJob, error)

	// Stage ledger
	AppendStageRecord(ctx context.Context, rec *model.StageRecord) error
	ListStageRecords(ctx context.Context, jobID string) ([]model.StageRecord, error)

	// Mapping decisions
	SaveMappingResult(ctx context.Context, jobID string, result *model.MappingResult) error
	GetMappingResult(ctx context.Context, jobID string) (*model.MappingResult, error)

	// Certificates
	SaveCertificate(ctx context.Context, cert *model.VerificationCertificate) error
	GetCertificate(ctx context.Context, jobID string) (*model.VerificationCertificate, error)

	// Model response cache, shared across jobs and users.
	cache.Backend

	// Lifecycle
	Close() error
}

// Open creates a Store from configuration.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "sqlite", "":
		s, err := NewSQLite(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	case "postgres":
		s, err := NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
}
