package stage

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/finforge/statement-engine/internal/model"
)

// Analysis routes the rest of the pipeline: tabular inputs skip the
// vision model entirely, paginated inputs fan out per page.
type Analysis struct {
	Kind      model.FileKind `json:"kind"`
	Ext       string         `json:"ext"`
	SizeBytes int64          `json:"size_bytes"`
	PageCount int            `json:"page_count,omitempty"` // paginated only
}

// Analyze validates the input reference and classifies it. All limit
// violations fail here, before any model call is made.
func Analyze(ctx context.Context, deps Deps, job *model.ReportJob) (*Analysis, Metrics, error) {
	m := Metrics{InputDigest: digestOf(job.FileRef)}

	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(job.FileRef), "."))
	var kind model.FileKind
	switch ext {
	case "pdf":
		kind = model.FileKindPaginated
	case "xlsx", "xls":
		kind = model.FileKindTabular
	default:
		m.Outcome = model.OutcomeFailed
		return nil, m, &UnsupportedFormatError{Ext: ext}
	}

	size, err := deps.Blob.Size(job.FileRef)
	if err != nil {
		m.Outcome = model.OutcomeFailed
		return nil, m, eris.Wrap(err, "stage: stat input")
	}
	limit := int64(deps.Pipeline.MaxFileSizeMB) * 1024 * 1024
	if size > limit {
		m.Outcome = model.OutcomeFailed
		return nil, m, &OversizeFileError{SizeBytes: size, LimitBytes: limit}
	}

	analysis := &Analysis{Kind: kind, Ext: ext, SizeBytes: size}

	if kind == model.FileKindPaginated {
		path, err := deps.Blob.Resolve(job.FileRef)
		if err != nil {
			m.Outcome = model.OutcomeFailed
			return nil, m, err
		}
		countPages := deps.PageCount
		if countPages == nil {
			countPages = api.PageCountFile
		}
		pages, err := countPages(path)
		if err != nil {
			m.Outcome = model.OutcomeFailed
			return nil, m, eris.Wrapf(err, "stage: count pages of %s", job.FileRef)
		}
		if pages > deps.Pipeline.MaxPDFPages {
			m.Outcome = model.OutcomeFailed
			return nil, m, &TooManyPagesError{Pages: pages, Limit: deps.Pipeline.MaxPDFPages}
		}
		analysis.PageCount = pages
	}

	zap.L().Info("input analyzed",
		zap.String("job_id", job.ID),
		zap.String("kind", string(analysis.Kind)),
		zap.Int64("size_bytes", analysis.SizeBytes),
		zap.Int("pages", analysis.PageCount))

	m.Outcome = model.OutcomeSuccess
	m.Summary = summaryForAnalysis(analysis)
	m.OutputDigest = digestOf(analysis)
	return analysis, m, nil
}

func summaryForAnalysis(a *Analysis) string {
	if a.Kind == model.FileKindPaginated {
		return fmt.Sprintf("routed %s as paginated document (%d pages)", a.Ext, a.PageCount)
	}
	return fmt.Sprintf("routed %s as tabular input", a.Ext)
}
