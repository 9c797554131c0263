package model

import "time"

// JobStatus tracks a report job through the pipeline. It is the single
// source of truth for progress and is mutated only by the engine.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusAnalyzing  JobStatus = "analyzing"
	JobStatusExtracting JobStatus = "extracting"
	JobStatusHealing    JobStatus = "healing"
	JobStatusMapping    JobStatus = "mapping"
	JobStatusGenerating JobStatus = "generating"
	JobStatusAuditing   JobStatus = "auditing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusReview     JobStatus = "review"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether the status is a terminal state.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusReview, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// FileKind classifies the input file for routing.
type FileKind string

const (
	FileKindTabular   FileKind = "tabular"   // xlsx / xls
	FileKindPaginated FileKind = "paginated" // pdf
)

// ReportJob identifies one end-to-end processing request.
type ReportJob struct {
	ID       string    `json:"id"`
	UserID   string    `json:"user_id"`
	Year     int       `json:"year"`
	FileRef  string    `json:"file_ref"`
	FileKind FileKind  `json:"file_kind"`
	Status   JobStatus `json:"status"`
	Error    string    `json:"error,omitempty"`

	ArtifactRef    string `json:"artifact_ref,omitempty"`
	CertificateRef string `json:"certificate_ref,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StageOutcome is the tri-state result of a stage execution. "Audit failed"
// and "one page lost" are expected business data, not exceptions.
type StageOutcome string

const (
	OutcomeSuccess  StageOutcome = "success"
	OutcomeDegraded StageOutcome = "degraded"
	OutcomeFailed   StageOutcome = "failed"
)

// StageRecord is one entry in a job's audit trail. Immutable once written;
// appended in strict stage order.
type StageRecord struct {
	ID           string       `json:"id"`
	JobID        string       `json:"job_id"`
	StageIndex   int          `json:"stage_index"`
	StageName    string       `json:"stage_name"`
	Model        string       `json:"model"`
	InputDigest  string       `json:"input_digest"`
	OutputDigest string       `json:"output_digest"`
	LatencyMS    int64        `json:"latency_ms"`
	Outcome      StageOutcome `json:"outcome"`
	Summary      string       `json:"summary"`
	Usage        TokenUsage   `json:"usage"`
	CostUSD      float64      `json:"cost_usd"`
	CreatedAt    time.Time    `json:"created_at"`
}

// PageResult is the outcome of processing a single document page. Results
// are always returned in original page order regardless of completion order.
type PageResult struct {
	Page    int          `json:"page"` // 1-indexed
	Outcome StageOutcome `json:"outcome"`
	Method  string       `json:"method"` // "vision", "ocr_fallback", "failed"
	Tables  []Table      `json:"tables,omitempty"`
	RawText string       `json:"raw_text,omitempty"`
	Err     string       `json:"error,omitempty"`
}

// Table is one extracted tabular block from a page.
type Table struct {
	Title   string     `json:"title,omitempty"`
	Headers []string   `json:"headers"`
	Rows    [][]string `json:"rows"`
}

// Dataset is a flat tabular view of extracted financial data. Healing
// preserves row-for-row correspondence with the extraction output.
type Dataset struct {
	Headers []string   `json:"headers"`
	Rows    [][]string `json:"rows"`
}

// CellFix records a single healed cell so provenance survives downstream.
type CellFix struct {
	Row        int     `json:"row"`
	Column     string  `json:"column"`
	Kind       string  `json:"kind"` // "missing", "encoding", "format", "ocr_artifact"
	Before     string  `json:"before"`
	After      string  `json:"after"`
	Confidence float64 `json:"confidence"`
}
