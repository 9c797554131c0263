package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/finforge/statement-engine/internal/gateway"
	"github.com/finforge/statement-engine/internal/model"
)

const healSystemPrompt = `You are a data quality specialist repairing OCR and formatting defects in extracted financial data. You fix encoding artifacts, broken number formats, and obviously garbled labels. You NEVER change a numeric value unless it is a clear OCR artifact (e.g. "1O0" for "100", "l,200" for "1,200").`

const healPrompt = `Repair the following extracted financial dataset.

Headers: %s
Rows (JSON array, one array per row):
%s

Return a valid JSON object:
{"rows": [[...], ...], "fixes": [{"row": <0-based row index>, "column": "<header>", "kind": "missing|encoding|format|ocr_artifact", "before": "<original>", "after": "<repaired>", "confidence": <0.0-1.0>}]}

Rules:
- Output exactly one row per input row, in the same order.
- Leave cells you are not confident about unchanged.
- Record every change in "fixes".`

// Healing is the output of the data healing stage: the repaired dataset
// plus the provenance of every changed cell.
type Healing struct {
	Dataset model.Dataset   `json:"dataset"`
	Fixes   []model.CellFix `json:"fixes,omitempty"`
}

type healReply struct {
	Rows  [][]string      `json:"rows"`
	Fixes []model.CellFix `json:"fixes"`
}

// Heal normalizes formatting and encoding issues in the extracted
// dataset. A deterministic Unicode pass runs first; the fast model tier
// then repairs what normalization cannot. Row-for-row correspondence
// with the input is enforced, and numeric values survive untouched
// unless flagged as OCR artifacts.
func Heal(ctx context.Context, deps Deps, job *model.ReportJob, extraction *Extraction) (*Healing, Metrics, error) {
	m := Metrics{InputDigest: digestOf(extraction.Dataset)}

	normalized, normFixes := normalizeDataset(extraction.Dataset)
	out := &Healing{Dataset: normalized, Fixes: normFixes}

	if len(normalized.Rows) == 0 {
		m.Outcome = model.OutcomeSuccess
		m.Summary = "nothing to heal: dataset is empty"
		m.OutputDigest = digestOf(out)
		return out, m, nil
	}

	rowsJSON, err := json.Marshal(normalized.Rows)
	if err != nil {
		m.Outcome = model.OutcomeFailed
		return nil, m, err
	}

	resp, err := deps.Gateway.Invoke(ctx, gateway.Request{
		Stage:  NameHealing,
		Class:  gateway.ClassFast,
		System: healSystemPrompt,
		Prompt: fmt.Sprintf(healPrompt, strings.Join(normalized.Headers, ", "), rowsJSON),
	})
	if err != nil {
		m.Outcome = model.OutcomeFailed
		return nil, m, err
	}
	m.absorb(resp)

	var reply healReply
	if err := decodeModelJSON(resp.Text, &reply); err != nil || len(reply.Rows) != len(normalized.Rows) {
		// The normalized dataset is still usable; keep it and degrade.
		zap.L().Warn("model healing discarded",
			zap.String("job_id", job.ID),
			zap.Int("want_rows", len(normalized.Rows)),
			zap.Int("got_rows", len(reply.Rows)),
			zap.Error(err))
		m.Outcome = model.OutcomeDegraded
		m.Summary = fmt.Sprintf("model repair discarded, kept %d normalized rows (%d unicode fixes)", len(normalized.Rows), len(normFixes))
		m.OutputDigest = digestOf(out)
		return out, m, nil
	}

	healed, applied := applyHealedRows(normalized, reply)
	out.Dataset = healed
	out.Fixes = append(out.Fixes, applied...)

	m.Outcome = model.OutcomeSuccess
	m.Summary = fmt.Sprintf("healed %d rows: %d unicode fixes, %d model fixes", len(healed.Rows), len(normFixes), len(applied))
	m.OutputDigest = digestOf(out)
	return out, m, nil
}

// normalizeDataset applies NFKC normalization and whitespace collapsing
// to every cell, recording changed cells as encoding fixes.
func normalizeDataset(ds model.Dataset) (model.Dataset, []model.CellFix) {
	out := model.Dataset{Headers: make([]string, len(ds.Headers)), Rows: make([][]string, len(ds.Rows))}
	for i, h := range ds.Headers {
		out.Headers[i] = normalizeCell(h)
	}

	var fixes []model.CellFix
	for i, row := range ds.Rows {
		out.Rows[i] = make([]string, len(row))
		for j, cell := range row {
			fixed := normalizeCell(cell)
			out.Rows[i][j] = fixed
			if fixed != cell {
				fixes = append(fixes, model.CellFix{
					Row:        i,
					Column:     columnName(ds.Headers, j),
					Kind:       "encoding",
					Before:     cell,
					After:      fixed,
					Confidence: 1.0,
				})
			}
		}
	}
	return out, fixes
}

func normalizeCell(s string) string {
	return strings.Join(strings.Fields(norm.NFKC.String(s)), " ")
}

func columnName(headers []string, j int) string {
	if j < len(headers) {
		return headers[j]
	}
	return strconv.Itoa(j)
}

// applyHealedRows merges the model's repaired rows cell by cell,
// reverting any change to a numeric value that was not flagged as an
// OCR artifact.
func applyHealedRows(ds model.Dataset, reply healReply) (model.Dataset, []model.CellFix) {
	artifact := make(map[[2]int]bool)
	for _, fix := range reply.Fixes {
		if fix.Kind == "ocr_artifact" {
			for j, h := range ds.Headers {
				if strings.EqualFold(h, fix.Column) {
					artifact[[2]int{fix.Row, j}] = true
				}
			}
		}
	}

	out := model.Dataset{Headers: ds.Headers, Rows: make([][]string, len(ds.Rows))}
	var applied []model.CellFix
	for i, row := range ds.Rows {
		out.Rows[i] = make([]string, len(row))
		healed := reply.Rows[i]
		for j, cell := range row {
			out.Rows[i][j] = cell
			if j >= len(healed) || healed[j] == cell {
				continue
			}
			if numericValueChanged(cell, healed[j]) && !artifact[[2]int{i, j}] {
				continue
			}
			out.Rows[i][j] = healed[j]
			applied = append(applied, model.CellFix{
				Row:        i,
				Column:     columnName(ds.Headers, j),
				Kind:       fixKind(reply.Fixes, i, ds.Headers, j),
				Before:     cell,
				After:      healed[j],
				Confidence: fixConfidence(reply.Fixes, i, ds.Headers, j),
			})
		}
	}
	return out, applied
}

func fixKind(fixes []model.CellFix, row int, headers []string, col int) string {
	for _, f := range fixes {
		if f.Row == row && strings.EqualFold(f.Column, columnName(headers, col)) {
			return f.Kind
		}
	}
	return "format"
}

func fixConfidence(fixes []model.CellFix, row int, headers []string, col int) float64 {
	for _, f := range fixes {
		if f.Row == row && strings.EqualFold(f.Column, columnName(headers, col)) {
			return f.Confidence
		}
	}
	return 0.5
}

// numericValueChanged reports whether both cells parse as amounts with
// different values.
func numericValueChanged(before, after string) bool {
	b, bok := parseAmount(before)
	a, aok := parseAmount(after)
	return bok && aok && b != a
}
