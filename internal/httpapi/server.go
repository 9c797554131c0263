package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/finforge/statement-engine/internal/config"
	"github.com/finforge/statement-engine/internal/engine"
	"github.com/finforge/statement-engine/internal/model"
	"github.com/finforge/statement-engine/internal/store"
)

// Runner is the engine surface the API depends on.
type Runner interface {
	Submit(ctx context.Context, userID string, year int, fileRef string) (*model.ReportJob, error)
	Run(ctx context.Context, jobID string) (*model.ReportJob, error)
	Cancel(ctx context.Context, jobID string) error
}

var _ Runner = (*engine.Engine)(nil)

// Server exposes the workflow engine over HTTP. Jobs run asynchronously;
// POST returns 202 and clients poll the status endpoint.
type Server struct {
	engine  Runner
	store   store.Store
	cfg     config.ServerConfig
	metrics http.Handler
}

// New creates the API server. metricsHandler may be nil to disable the
// /metrics endpoint.
func New(eng Runner, st store.Store, cfg config.ServerConfig, metricsHandler http.Handler) *Server {
	return &Server{engine: eng, store: st, cfg: cfg, metrics: metricsHandler}
}

// Router builds the chi handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealthz)
	if s.metrics != nil {
		r.Method("GET", "/metrics", s.metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/jobs", s.handleSubmit)
		r.Get("/jobs/{id}/status", s.handleStatus)
		r.Get("/jobs/{id}/result", s.handleResult)
		r.Delete("/jobs/{id}", s.handleCancel)
		r.Get("/reports/{userID}", s.handleUserReports)
	})
	return r
}

type submitRequest struct {
	FileReference string `json:"file_reference"`
	UserID        string `json:"user_id"`
	Year          int    `json:"year"`
}

type submitResponse struct {
	JobID  string          `json:"job_id"`
	Status model.JobStatus `json:"status"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, eris.Wrap(err, "httpapi: decode request"))
		return
	}

	job, err := s.engine.Submit(r.Context(), req.UserID, req.Year, req.FileReference)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	// The job outlives the request.
	go func() {
		if _, runErr := s.engine.Run(context.Background(), job.ID); runErr != nil {
			zap.L().Error("httpapi: background run failed",
				zap.String("job_id", job.ID), zap.Error(runErr))
		}
	}()

	writeJSON(w, http.StatusAccepted, submitResponse{JobID: job.ID, Status: job.Status})
}

type statusResponse struct {
	JobID     string              `json:"job_id"`
	Status    model.JobStatus     `json:"status"`
	Error     string              `json:"error,omitempty"`
	Stages    []model.StageRecord `json:"stages"`
	UpdatedAt string              `json:"updated_at"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	records, err := s.store.ListStageRecords(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		JobID:     job.ID,
		Status:    job.Status,
		Error:     job.Error,
		Stages:    records,
		UpdatedAt: job.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
	})
}

type resultResponse struct {
	JobID          string                         `json:"job_id"`
	Status         model.JobStatus                `json:"status"`
	ArtifactRef    string                         `json:"artifact_ref"`
	CertificateRef string                         `json:"certificate_ref"`
	Certificate    *model.VerificationCertificate `json:"certificate"`
	Mapping        *model.MappingResult           `json:"mapping,omitempty"`
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if job.Status != model.JobStatusCompleted && job.Status != model.JobStatusReview {
		writeError(w, http.StatusNotFound, eris.Errorf("httpapi: job %s has no result (status %s)", id, job.Status))
		return
	}
	cert, err := s.store.GetCertificate(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	resp := resultResponse{
		JobID:          job.ID,
		Status:         job.Status,
		ArtifactRef:    job.ArtifactRef,
		CertificateRef: job.CertificateRef,
		Certificate:    cert,
	}
	if mapping, mErr := s.store.GetMappingResult(r.Context(), id); mErr == nil {
		resp.Mapping = mapping
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.engine.Cancel(r.Context(), id); err != nil {
		if eris.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": id, "status": "cancelling"})
}

func (s *Server) handleUserReports(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	jobs, err := s.store.ListJobsByUser(r.Context(), userID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if jobs == nil {
		jobs = []model.ReportJob{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "jobs": jobs})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("httpapi: failed to encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeStoreError(w http.ResponseWriter, err error) {
	if eris.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}
