package stage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/finforge/statement-engine/internal/blob"
	"github.com/finforge/statement-engine/internal/config"
	"github.com/finforge/statement-engine/internal/gateway"
	"github.com/finforge/statement-engine/internal/model"
	"github.com/finforge/statement-engine/internal/ocr"
	"github.com/finforge/statement-engine/internal/pagework"
	"github.com/finforge/statement-engine/internal/template"
)

// Stage names in execution order. The index of a name in this list is
// its stage index on the audit trail.
const (
	NameAnalysis   = "analysis"
	NameExtraction = "extraction"
	NameHealing    = "healing"
	NameMapping    = "mapping"
	NameGeneration = "generation"
	NameAudit      = "audit"
)

// Invoker is the model-call surface stages depend on. *gateway.Gateway
// implements it; tests substitute deterministic fakes.
type Invoker interface {
	Invoke(ctx context.Context, req gateway.Request) (*gateway.Response, error)
	Model(class gateway.ModelClass) string
}

// Deps carries the collaborators every stage executor receives. Stages
// never reach for ambient singletons.
type Deps struct {
	Gateway  Invoker
	Blob     *blob.Store
	OCR      ocr.Extractor
	Pages    *pagework.Pool
	Template *template.Template
	Pipeline config.PipelineConfig

	// PageCount overrides PDF page counting. Nil means pdfcpu.
	PageCount func(path string) (int, error)
}

// Metrics is what a stage execution contributes to its StageRecord.
// Latency is measured by the caller around the whole stage.
type Metrics struct {
	Model        string
	Usage        model.TokenUsage
	CostUSD      float64
	Outcome      model.StageOutcome
	Summary      string
	InputDigest  string
	OutputDigest string
}

func (m *Metrics) absorb(resp *gateway.Response) {
	m.Model = resp.Model
	m.Usage.Add(resp.Usage)
	m.CostUSD += resp.CostUSD
}

// UnsupportedFormatError rejects inputs outside {pdf, xlsx, xls}.
type UnsupportedFormatError struct {
	Ext string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("stage: unsupported input format %q (want pdf, xlsx or xls)", e.Ext)
}

// OversizeFileError rejects inputs over the size limit.
type OversizeFileError struct {
	SizeBytes  int64
	LimitBytes int64
}

func (e *OversizeFileError) Error() string {
	return fmt.Sprintf("stage: input file is %d bytes, limit is %d", e.SizeBytes, e.LimitBytes)
}

// TooManyPagesError rejects PDFs over the page limit before any model call.
type TooManyPagesError struct {
	Pages int
	Limit int
}

func (e *TooManyPagesError) Error() string {
	return fmt.Sprintf("stage: document has %d pages, limit is %d", e.Pages, e.Limit)
}

// GenerationError reports required template sections with no resolved
// mapping. Fatal: the statement cannot be laid out.
type GenerationError struct {
	MissingAccounts []string
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("stage: required accounts have no resolved mapping: %s", strings.Join(e.MissingAccounts, ", "))
}

// Fatal reports whether err is one of the known terminal failure kinds.
// Every surfaced stage error fails the job; errors outside this set are
// infrastructure faults rather than document or model problems. Audit
// verdicts and page-level losses never reach here; they are business
// data, not errors.
func Fatal(err error) bool {
	var (
		unsupported *UnsupportedFormatError
		oversize    *OversizeFileError
		pages       *TooManyPagesError
		generation  *GenerationError
		modelErr    *gateway.ModelError
	)
	return errors.As(err, &unsupported) ||
		errors.As(err, &oversize) ||
		errors.As(err, &pages) ||
		errors.As(err, &generation) ||
		errors.As(err, &modelErr)
}

// digestOf fingerprints a stage input or output for the audit trail.
func digestOf(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// decodeModelJSON parses a model reply into out, tolerating markdown
// code fences and prose around the JSON body.
func decodeModelJSON(text string, out any) error {
	body := strings.TrimSpace(text)

	if i := strings.Index(body, "```"); i >= 0 {
		body = body[i+3:]
		body = strings.TrimPrefix(body, "json")
		if j := strings.Index(body, "```"); j >= 0 {
			body = body[:j]
		}
	}
	body = strings.TrimSpace(body)

	// Fall back to the outermost JSON value when the model adds prose.
	if !strings.HasPrefix(body, "{") && !strings.HasPrefix(body, "[") {
		start := strings.IndexAny(body, "{[")
		if start < 0 {
			return eris.Errorf("stage: no JSON found in model reply: %.80s", body)
		}
		closer := byte('}')
		if body[start] == '[' {
			closer = ']'
		}
		end := strings.LastIndexByte(body, closer)
		if end <= start {
			return eris.Errorf("stage: unterminated JSON in model reply: %.80s", body)
		}
		body = body[start : end+1]
	}

	if err := json.Unmarshal([]byte(body), out); err != nil {
		return eris.Wrap(err, "stage: decode model JSON")
	}
	return nil
}
