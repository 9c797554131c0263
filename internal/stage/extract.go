package stage

import (
	"context"
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/finforge/statement-engine/internal/gateway"
	"github.com/finforge/statement-engine/internal/model"
	"github.com/finforge/statement-engine/pkg/gemini"
)

const extractPagePrompt = `You are a financial document analyst extracting tabular data from one page of a scanned financial statement.

The attached PDF is the full document. Extract ONLY page %d.

Return a valid JSON object:
{"tables": [{"title": "<table title or empty>", "headers": ["<col>", ...], "rows": [["<cell>", ...], ...]}], "raw_text": "<all non-tabular text on the page>"}

Rules:
- Preserve cell values exactly as printed, including currency symbols and parentheses.
- Emit every financial table on the page; skip decorative elements.
- If the page has no tables, return an empty tables array.`

// Extraction is the combined output of the extraction stage: per-page
// results for paginated inputs, and the flattened dataset downstream
// stages consume.
type Extraction struct {
	Pages   []model.PageResult `json:"pages,omitempty"`
	Dataset model.Dataset      `json:"dataset"`
}

type pageExtractReply struct {
	Tables  []model.Table `json:"tables"`
	RawText string        `json:"raw_text"`
}

// Extract turns the routed input into a dataset. Paginated documents
// fan out across the page pool against the vision tier with a per-page
// OCR fallback; tabular inputs are a structural parse with no model call.
func Extract(ctx context.Context, deps Deps, job *model.ReportJob, analysis *Analysis) (*Extraction, Metrics, error) {
	switch analysis.Kind {
	case model.FileKindTabular:
		return extractTabular(deps, job, analysis)
	case model.FileKindPaginated:
		return extractPaginated(ctx, deps, job, analysis)
	default:
		return nil, Metrics{Outcome: model.OutcomeFailed}, eris.Errorf("stage: unknown file kind %q", analysis.Kind)
	}
}

func extractTabular(deps Deps, job *model.ReportJob, analysis *Analysis) (*Extraction, Metrics, error) {
	m := Metrics{InputDigest: digestOf(analysis)}

	path, err := deps.Blob.Resolve(job.FileRef)
	if err != nil {
		m.Outcome = model.OutcomeFailed
		return nil, m, err
	}
	f, err := xlsx.OpenFile(path)
	if err != nil {
		m.Outcome = model.OutcomeFailed
		return nil, m, eris.Wrapf(err, "stage: open workbook %s", job.FileRef)
	}
	if len(f.Sheets) == 0 {
		m.Outcome = model.OutcomeFailed
		return nil, m, eris.Errorf("stage: workbook %s has no sheets", job.FileRef)
	}

	sheet := f.Sheets[0]
	var rows [][]string
	for _, row := range sheet.Rows {
		cells := make([]string, len(row.Cells))
		empty := true
		for j, cell := range row.Cells {
			cells[j] = strings.TrimSpace(cell.String())
			if cells[j] != "" {
				empty = false
			}
		}
		if !empty {
			rows = append(rows, cells)
		}
	}
	if len(rows) == 0 {
		m.Outcome = model.OutcomeFailed
		return nil, m, eris.Errorf("stage: workbook %s is empty", job.FileRef)
	}

	out := &Extraction{Dataset: model.Dataset{Headers: rows[0], Rows: rows[1:]}}
	m.Outcome = model.OutcomeSuccess
	m.Summary = fmt.Sprintf("parsed %d rows from sheet %q", len(out.Dataset.Rows), sheet.Name)
	m.OutputDigest = digestOf(out)
	return out, m, nil
}

func extractPaginated(ctx context.Context, deps Deps, job *model.ReportJob, analysis *Analysis) (*Extraction, Metrics, error) {
	m := Metrics{InputDigest: digestOf(analysis), Model: deps.Gateway.Model(gateway.ClassVision)}

	raw, err := deps.Blob.Read(job.FileRef)
	if err != nil {
		m.Outcome = model.OutcomeFailed
		return nil, m, err
	}
	docB64 := base64.StdEncoding.EncodeToString(raw)

	pdfPath, err := deps.Blob.Resolve(job.FileRef)
	if err != nil {
		m.Outcome = model.OutcomeFailed
		return nil, m, err
	}

	var mu sync.Mutex
	pages, summary, err := deps.Pages.Run(ctx, analysis.PageCount, func(ctx context.Context, page int) (*model.PageResult, error) {
		resp, err := deps.Gateway.Invoke(ctx, gateway.Request{
			Stage:  NameExtraction,
			Class:  gateway.ClassVision,
			Prompt: fmt.Sprintf(extractPagePrompt, page),
			Inline: []gemini.InlineData{{MIMEType: "application/pdf", DataB64: docB64}},
		})
		if err == nil {
			mu.Lock()
			m.absorb(resp)
			mu.Unlock()

			var reply pageExtractReply
			if derr := decodeModelJSON(resp.Text, &reply); derr == nil {
				return &model.PageResult{
					Outcome: model.OutcomeSuccess,
					Method:  "vision",
					Tables:  reply.Tables,
					RawText: reply.RawText,
				}, nil
			}
			err = eris.Errorf("stage: page %d reply was not valid JSON", page)
		}

		// Vision path lost this page; fall back to plain text extraction
		// so the stage degrades instead of failing.
		zap.L().Warn("vision extraction failed, using OCR fallback",
			zap.String("job_id", job.ID),
			zap.Int("page", page),
			zap.Error(err))

		text, ocrErr := deps.OCR.ExtractPage(ctx, pdfPath, page)
		if ocrErr != nil {
			return nil, eris.Wrapf(err, "stage: OCR fallback also failed: %v", ocrErr)
		}
		return &model.PageResult{
			Outcome: model.OutcomeDegraded,
			Method:  "ocr_fallback",
			RawText: text,
		}, nil
	})
	if err != nil {
		m.Outcome = model.OutcomeFailed
		return nil, m, err
	}

	if summary.FailureRatio() > deps.Pipeline.DegradedMaxRatio {
		m.Outcome = model.OutcomeFailed
		m.Summary = fmt.Sprintf("%d of %d pages failed extraction", summary.Failed, summary.Total)
		return nil, m, eris.Errorf("stage: %d of %d pages failed extraction, above tolerated ratio %.2f",
			summary.Failed, summary.Total, deps.Pipeline.DegradedMaxRatio)
	}

	out := &Extraction{Pages: pages, Dataset: assembleDataset(pages)}

	switch {
	case summary.Failed > 0:
		m.Outcome = model.OutcomeDegraded
		m.Summary = fmt.Sprintf("extracted %d pages, %d failed, %d via OCR fallback", summary.Total, summary.Failed, summary.Fallback)
	case summary.Fallback > 0:
		m.Outcome = model.OutcomeDegraded
		m.Summary = fmt.Sprintf("extracted %d pages, %d via OCR fallback", summary.Total, summary.Fallback)
	default:
		m.Outcome = model.OutcomeSuccess
		m.Summary = fmt.Sprintf("extracted %d pages", summary.Total)
	}
	m.OutputDigest = digestOf(out)
	return out, m, nil
}

// assembleDataset flattens per-page tables into one dataset in page
// order. OCR-fallback pages contribute rows parsed from layout text.
func assembleDataset(pages []model.PageResult) model.Dataset {
	var ds model.Dataset
	for _, page := range pages {
		for _, table := range page.Tables {
			if len(ds.Headers) == 0 {
				ds.Headers = table.Headers
			}
			ds.Rows = append(ds.Rows, table.Rows...)
		}
		if page.Method == "ocr_fallback" && page.RawText != "" {
			ds.Rows = append(ds.Rows, parseTextRows(page.RawText)...)
		}
	}
	if len(ds.Headers) == 0 && len(ds.Rows) > 0 {
		ds.Headers = []string{"account", "amount"}
	}
	return ds
}

var amountRe = regexp.MustCompile(`^\(?-?[$€£]?\s*[\d.,]+\)?$`)

// parseTextRows recovers label/amount pairs from pdftotext layout
// output: the last whitespace-separated field of a line is taken as the
// amount when it looks numeric.
func parseTextRows(text string) [][]string {
	var rows [][]string
	for _, line := range strings.Split(text, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		last := fields[len(fields)-1]
		if !amountRe.MatchString(last) {
			continue
		}
		label := strings.Join(fields[:len(fields)-1], " ")
		rows = append(rows, []string{label, last})
	}
	return rows
}
