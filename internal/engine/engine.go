package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/finforge/statement-engine/internal/model"
	"github.com/finforge/statement-engine/internal/stage"
	"github.com/finforge/statement-engine/internal/store"
)

// Alerter receives notifications about jobs that need human attention.
// The monitoring package provides a webhook implementation; a nil
// Alerter disables alerting.
type Alerter interface {
	JobNeedsReview(ctx context.Context, job *model.ReportJob, report *model.AuditReport)
	JobFailed(ctx context.Context, job *model.ReportJob, reason string)
}

// Observer receives workflow-level measurements. The metrics package
// implements it for Prometheus.
type Observer interface {
	ObserveJob(status model.JobStatus, duration time.Duration)
	ObserveStage(name string, outcome model.StageOutcome, duration time.Duration)
}

// Engine drives a report job through the six-stage pipeline. One job
// runs at a time per job ID; concurrent Run calls for the same ID are
// rejected.
type Engine struct {
	store store.Store
	deps  stage.Deps

	alerter  Alerter
	observer Observer

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// Option configures optional engine collaborators.
type Option func(*Engine)

func WithAlerter(a Alerter) Option {
	return func(e *Engine) { e.alerter = a }
}

func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// New creates an Engine.
func New(st store.Store, deps stage.Deps, opts ...Option) *Engine {
	e := &Engine{
		store:   st,
		deps:    deps,
		running: make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Submit registers a new report job in the queued state. It does not
// start processing; callers follow up with Run.
func (e *Engine) Submit(ctx context.Context, userID string, year int, fileRef string) (*model.ReportJob, error) {
	if userID == "" {
		return nil, eris.New("engine: user id is required")
	}
	if fileRef == "" {
		return nil, eris.New("engine: file reference is required")
	}
	if year < 1900 || year > 2200 {
		return nil, eris.Errorf("engine: implausible fiscal year %d", year)
	}

	job := &model.ReportJob{
		UserID:  userID,
		Year:    year,
		FileRef: fileRef,
	}
	if err := e.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	zap.L().Info("engine: job submitted",
		zap.String("job_id", job.ID),
		zap.String("user_id", userID),
		zap.String("file_ref", fileRef),
	)
	return job, nil
}

// Cancel requests cancellation of a job. A running job stops at the next
// stage boundary; a queued job is cancelled immediately. Terminal jobs
// cannot be cancelled.
func (e *Engine) Cancel(ctx context.Context, jobID string) error {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return eris.Errorf("engine: job %s is already %s", jobID, job.Status)
	}

	e.mu.Lock()
	cancel, active := e.running[jobID]
	e.mu.Unlock()

	if active {
		cancel()
		return nil
	}
	return e.store.UpdateJobStatus(ctx, jobID, model.JobStatusCancelled, "")
}

// errCancelled marks a stage aborted by job cancellation, as opposed to
// a stage failure.
var errCancelled = eris.New("engine: job cancelled")

// Run executes the pipeline for a queued job and returns its final
// state. Fatal stage errors fail the job; a non-PASS audit sends it to
// review instead.
func (e *Engine) Run(ctx context.Context, jobID string) (*model.ReportJob, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != model.JobStatusQueued {
		return nil, eris.Errorf("engine: job %s is %s, not queued", jobID, job.Status)
	}

	runCtx, err := e.claim(ctx, jobID)
	if err != nil {
		return nil, err
	}
	defer e.release(jobID)

	log := zap.L().With(zap.String("job_id", job.ID), zap.String("user_id", job.UserID))
	log.Info("engine: starting job", zap.String("file_ref", job.FileRef))
	started := time.Now()

	run := &jobRun{engine: e, ctx: runCtx, job: job, log: log}
	finalStatus := run.execute()

	if e.observer != nil {
		e.observer.ObserveJob(finalStatus, time.Since(started))
	}
	log.Info("engine: job finished",
		zap.String("status", string(finalStatus)),
		zap.Duration("duration", time.Since(started)),
	)

	return e.store.GetJob(ctx, jobID)
}

func (e *Engine) claim(ctx context.Context, jobID string) (context.Context, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.running[jobID]; exists {
		return nil, eris.Errorf("engine: job %s is already running", jobID)
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.running[jobID] = cancel
	return runCtx, nil
}

func (e *Engine) release(jobID string) {
	e.mu.Lock()
	if cancel, ok := e.running[jobID]; ok {
		cancel()
		delete(e.running, jobID)
	}
	e.mu.Unlock()
}

// jobRun holds the state threaded through one pipeline execution.
type jobRun struct {
	engine *Engine
	ctx    context.Context
	job    *model.ReportJob
	log    *zap.Logger

	stageIndex int
	records    []model.StageRecord
}

// execute walks the stage sequence and returns the terminal status it
// persisted.
func (r *jobRun) execute() model.JobStatus {
	var (
		analysis   *stage.Analysis
		extraction *stage.Extraction
		healing    *stage.Healing
		mapping    *model.MappingResult
		statement  *stage.Statement
		report     *model.AuditReport
	)

	steps := []struct {
		name   string
		status model.JobStatus
		fn     func(ctx context.Context) (stage.Metrics, error)
	}{
		{stage.NameAnalysis, model.JobStatusAnalyzing, func(ctx context.Context) (m stage.Metrics, err error) {
			analysis, m, err = stage.Analyze(ctx, r.engine.deps, r.job)
			return
		}},
		{stage.NameExtraction, model.JobStatusExtracting, func(ctx context.Context) (m stage.Metrics, err error) {
			extraction, m, err = stage.Extract(ctx, r.engine.deps, r.job, analysis)
			return
		}},
		{stage.NameHealing, model.JobStatusHealing, func(ctx context.Context) (m stage.Metrics, err error) {
			healing, m, err = stage.Heal(ctx, r.engine.deps, r.job, extraction)
			return
		}},
		{stage.NameMapping, model.JobStatusMapping, func(ctx context.Context) (m stage.Metrics, err error) {
			mapping, m, err = stage.Map(ctx, r.engine.deps, r.job, healing)
			if err == nil {
				if saveErr := r.engine.store.SaveMappingResult(ctx, r.job.ID, mapping); saveErr != nil {
					r.log.Warn("engine: failed to save mapping result", zap.Error(saveErr))
				}
			}
			return
		}},
		{stage.NameGeneration, model.JobStatusGenerating, func(ctx context.Context) (m stage.Metrics, err error) {
			statement, m, err = stage.Generate(ctx, r.engine.deps, r.job, healing, mapping)
			return
		}},
		{stage.NameAudit, model.JobStatusAuditing, func(ctx context.Context) (m stage.Metrics, err error) {
			report, m, err = stage.Audit(ctx, r.engine.deps, r.job, healing, mapping, statement)
			return
		}},
	}

	for _, step := range steps {
		if err := r.runStage(step.name, step.status, step.fn); err != nil {
			if eris.Is(err, errCancelled) {
				return r.finish(model.JobStatusCancelled, "")
			}
			if !stage.Fatal(err) {
				// Not one of the known fatal kinds: an infrastructure
				// fault rather than a document or model problem.
				r.log.Error("engine: unclassified stage error", zap.Error(err))
			}
			status := r.finish(model.JobStatusFailed, err.Error())
			if r.engine.alerter != nil {
				r.engine.alerter.JobFailed(context.WithoutCancel(r.ctx), r.job, err.Error())
			}
			return status
		}
	}

	return r.conclude(report, statement)
}

// runStage persists the in-progress status, executes the stage, and
// appends its record to the audit trail before the next stage starts.
func (r *jobRun) runStage(name string, status model.JobStatus, fn func(ctx context.Context) (stage.Metrics, error)) error {
	if r.ctx.Err() != nil {
		return errCancelled
	}
	if err := r.engine.store.UpdateJobStatus(r.ctx, r.job.ID, status, ""); err != nil {
		return eris.Wrapf(err, "engine: persist status %s", status)
	}
	r.job.Status = status

	start := time.Now()
	metrics, err := fn(r.ctx)
	latency := time.Since(start)

	if r.ctx.Err() != nil && err != nil {
		return errCancelled
	}

	rec := model.StageRecord{
		JobID:        r.job.ID,
		StageIndex:   r.stageIndex,
		StageName:    name,
		Model:        metrics.Model,
		InputDigest:  metrics.InputDigest,
		OutputDigest: metrics.OutputDigest,
		LatencyMS:    latency.Milliseconds(),
		Outcome:      metrics.Outcome,
		Summary:      metrics.Summary,
		Usage:        metrics.Usage,
		CostUSD:      metrics.CostUSD,
	}
	if err != nil {
		rec.Outcome = model.OutcomeFailed
		rec.Summary = err.Error()
		r.log.Error("engine: stage failed",
			zap.String("stage", name),
			zap.Duration("latency", latency),
			zap.Error(err),
		)
	} else {
		r.log.Info("engine: stage complete",
			zap.String("stage", name),
			zap.String("outcome", string(rec.Outcome)),
			zap.Duration("latency", latency),
			zap.Float64("cost_usd", rec.CostUSD),
		)
	}

	// The trail is written even for the failing stage, so a failed job
	// still explains itself.
	appendCtx := context.WithoutCancel(r.ctx)
	if appendErr := r.engine.store.AppendStageRecord(appendCtx, &rec); appendErr != nil {
		r.log.Warn("engine: failed to append stage record", zap.String("stage", name), zap.Error(appendErr))
	}
	r.records = append(r.records, rec)
	r.stageIndex++

	if r.engine.observer != nil {
		r.engine.observer.ObserveStage(name, rec.Outcome, latency)
	}
	return err
}

// conclude signs the certificate, persists artifacts, and settles the
// terminal status from the audit verdict.
func (r *jobRun) conclude(report *model.AuditReport, statement *stage.Statement) model.JobStatus {
	ctx := context.WithoutCancel(r.ctx)

	cert := r.buildCertificate(report)
	if err := r.engine.store.SaveCertificate(ctx, cert); err != nil {
		r.log.Warn("engine: failed to save certificate", zap.Error(err))
	}

	certRef, err := writeCertificateArtifacts(r.engine.deps.Blob, r.job.ID, cert)
	if err != nil {
		r.log.Warn("engine: failed to write certificate artifacts", zap.Error(err))
	}
	if err := r.engine.store.UpdateJobArtifacts(ctx, r.job.ID, statement.ArtifactRef, certRef); err != nil {
		r.log.Warn("engine: failed to record artifact refs", zap.Error(err))
	}

	status := model.JobStatusCompleted
	if report.Status != model.CompliancePass {
		status = model.JobStatusReview
	}
	final := r.finish(status, "")

	if status == model.JobStatusReview && r.engine.alerter != nil {
		r.engine.alerter.JobNeedsReview(ctx, r.job, report)
	}
	return final
}

func (r *jobRun) finish(status model.JobStatus, errMsg string) model.JobStatus {
	ctx := context.WithoutCancel(r.ctx)
	if err := r.engine.store.UpdateJobStatus(ctx, r.job.ID, status, errMsg); err != nil {
		r.log.Warn("engine: failed to persist terminal status",
			zap.String("status", string(status)), zap.Error(err))
	}
	r.job.Status = status
	r.job.Error = errMsg
	return status
}

func (r *jobRun) buildCertificate(report *model.AuditReport) *model.VerificationCertificate {
	var totalCost float64
	for _, rec := range r.records {
		totalCost += rec.CostUSD
	}
	cert := &model.VerificationCertificate{
		JobID:            r.job.ID,
		StageRecords:     r.records,
		MathProofs:       report.MathProofs,
		Checks:           report.Checks,
		ComplianceStatus: report.Status,
		Confidence:       report.Score,
		TotalCostUSD:     totalCost,
	}
	if err := cert.Sign(time.Now().UTC()); err != nil {
		r.log.Warn("engine: failed to sign certificate", zap.Error(err))
	}
	return cert
}
