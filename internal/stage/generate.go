package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/finforge/statement-engine/internal/gateway"
	"github.com/finforge/statement-engine/internal/model"
)

const generateSystemPrompt = `You are a financial reporting specialist laying out a formatted financial statement from mapped account balances.`

const generatePrompt = `Compose the presentation layout for a %d financial statement.

Template sections and mapped balances (JSON):
%s

Return a valid JSON object:
{"title": "<statement title>", "sections": [{"name": "<section name>", "order": ["<account code>", ...]}]}

Rules:
- Include every section that has at least one mapped account.
- "order" lists that section's account codes in presentation order.
- Do not invent account codes.`

// StatementLine is one rendered line item.
type StatementLine struct {
	Code    string   `json:"code"`
	Name    string   `json:"name"`
	Amount  float64  `json:"amount"`
	Sources []string `json:"sources"` // source accounts folded into this line
}

// StatementSection is one rendered section with its subtotal.
type StatementSection struct {
	Name     string          `json:"name"`
	Lines    []StatementLine `json:"lines"`
	Subtotal float64         `json:"subtotal"`
}

// Statement is the output of the generation stage: the rendered artifact
// reference plus the structured figures the audit stage recomputes from.
type Statement struct {
	Title       string             `json:"title"`
	Currency    string             `json:"currency"`
	Year        int                `json:"year"`
	Sections    []StatementSection `json:"sections"`
	ArtifactRef string             `json:"artifact_ref"`
}

type layoutReply struct {
	Title    string `json:"title"`
	Sections []struct {
		Name  string   `json:"name"`
		Order []string `json:"order"`
	} `json:"sections"`
}

// Generate renders the formatted statement from healed data and resolved
// mappings. Required template accounts with no resolved mapping are a
// fatal GenerationError.
func Generate(ctx context.Context, deps Deps, job *model.ReportJob, healing *Healing, mapping *model.MappingResult) (*Statement, Metrics, error) {
	m := Metrics{InputDigest: digestOf([]any{healing.Dataset, mapping})}

	balances := balancesByTarget(healing.Dataset, mapping)

	var missing []string
	for _, code := range deps.Template.Required() {
		if _, ok := balances[code]; !ok {
			missing = append(missing, code)
		}
	}
	if len(missing) > 0 {
		m.Outcome = model.OutcomeFailed
		return nil, m, &GenerationError{MissingAccounts: missing}
	}

	stmt := &Statement{
		Title:    fmt.Sprintf("%s Financial Statement %d", deps.Template.Name, job.Year),
		Currency: deps.Template.Currency,
		Year:     job.Year,
		Sections: sectionsFromTemplate(deps, balances),
	}

	// Ask the generation tier for presentation order and title; fall
	// back to template order when the reply is unusable.
	layoutInput, err := json.Marshal(stmt.Sections)
	if err != nil {
		m.Outcome = model.OutcomeFailed
		return nil, m, err
	}
	resp, err := deps.Gateway.Invoke(ctx, gateway.Request{
		Stage:  NameGeneration,
		Class:  gateway.ClassVision,
		System: generateSystemPrompt,
		Prompt: fmt.Sprintf(generatePrompt, job.Year, layoutInput),
	})
	if err != nil {
		m.Outcome = model.OutcomeFailed
		return nil, m, err
	}
	m.absorb(resp)

	layoutApplied := true
	var layout layoutReply
	if err := decodeModelJSON(resp.Text, &layout); err == nil && layout.Title != "" {
		applyLayout(stmt, layout)
	} else {
		zap.L().Warn("layout reply discarded, keeping template order",
			zap.String("job_id", job.ID),
			zap.Error(err))
		layoutApplied = false
	}

	artifact, err := renderXLSX(stmt)
	if err != nil {
		m.Outcome = model.OutcomeFailed
		return nil, m, err
	}
	ref, err := deps.Blob.Write(job.ID, "statement.xlsx", artifact)
	if err != nil {
		m.Outcome = model.OutcomeFailed
		return nil, m, err
	}
	stmt.ArtifactRef = ref

	if layoutApplied {
		m.Outcome = model.OutcomeSuccess
		m.Summary = fmt.Sprintf("generated %d sections, %d line items", len(stmt.Sections), lineCount(stmt))
	} else {
		m.Outcome = model.OutcomeDegraded
		m.Summary = fmt.Sprintf("generated %d sections in template order (layout reply unusable)", len(stmt.Sections))
	}
	// The artifact path embeds the job ID; the digest covers content only,
	// so identical inputs fingerprint identically across jobs.
	content := *stmt
	content.ArtifactRef = ""
	m.OutputDigest = digestOf(content)
	return stmt, m, nil
}

// balancesByTarget folds row amounts into their resolved target account.
func balancesByTarget(ds model.Dataset, mapping *model.MappingResult) map[string]*StatementLine {
	resolved := mapping.Resolved()
	col := amountColumn(ds)

	out := make(map[string]*StatementLine)
	for _, row := range ds.Rows {
		if len(row) == 0 || col >= len(row) {
			continue
		}
		source := strings.TrimSpace(row[0])
		target, ok := resolved[source]
		if !ok {
			continue
		}
		amount, ok := parseAmount(row[col])
		if !ok {
			continue
		}
		line, ok := out[target]
		if !ok {
			line = &StatementLine{Code: target}
			out[target] = line
		}
		line.Amount += amount
		if !slices.Contains(line.Sources, source) {
			line.Sources = append(line.Sources, source)
		}
	}
	return out
}

// amountColumn picks the column where the most cells parse as amounts,
// preferring later columns on a tie (labels lead, figures trail).
func amountColumn(ds model.Dataset) int {
	width := len(ds.Headers)
	for _, row := range ds.Rows {
		if len(row) > width {
			width = len(row)
		}
	}
	best, bestCount := width-1, -1
	for j := width - 1; j >= 1; j-- {
		count := 0
		for _, row := range ds.Rows {
			if j < len(row) {
				if _, ok := parseAmount(row[j]); ok {
					count++
				}
			}
		}
		if count > bestCount {
			best, bestCount = j, count
		}
	}
	return best
}

func sectionsFromTemplate(deps Deps, balances map[string]*StatementLine) []StatementSection {
	var out []StatementSection
	for _, sec := range deps.Template.Sections {
		section := StatementSection{Name: sec.Name}
		for _, acct := range sec.Accounts {
			line, ok := balances[acct.Code]
			if !ok {
				continue
			}
			line.Name = acct.Name
			section.Lines = append(section.Lines, *line)
			section.Subtotal += line.Amount
		}
		if len(section.Lines) > 0 {
			out = append(out, section)
		}
	}
	return out
}

func applyLayout(stmt *Statement, layout layoutReply) {
	stmt.Title = layout.Title

	order := make(map[string]map[string]int)
	for _, sec := range layout.Sections {
		ranks := make(map[string]int, len(sec.Order))
		for i, code := range sec.Order {
			ranks[code] = i
		}
		order[sec.Name] = ranks
	}

	for si := range stmt.Sections {
		ranks, ok := order[stmt.Sections[si].Name]
		if !ok {
			continue
		}
		lines := stmt.Sections[si].Lines
		for i := 0; i < len(lines); i++ {
			for j := i + 1; j < len(lines); j++ {
				ri, iok := ranks[lines[i].Code]
				rj, jok := ranks[lines[j].Code]
				if iok && jok && rj < ri {
					lines[i], lines[j] = lines[j], lines[i]
				}
			}
		}
	}
}

func renderXLSX(stmt *Statement) ([]byte, error) {
	f := excelize.NewFile()
	const sheet = "Statement"
	if _, err := f.NewSheet(sheet); err != nil {
		return nil, eris.Wrap(err, "stage: create sheet")
	}
	if idx, err := f.GetSheetIndex(sheet); err == nil {
		f.SetActiveSheet(idx)
	}
	_ = f.DeleteSheet("Sheet1")

	write := func(col, row int, v any) {
		cell, _ := excelize.CoordinatesToCellName(col, row)
		_ = f.SetCellValue(sheet, cell, v)
	}

	write(1, 1, stmt.Title)
	write(1, 2, fmt.Sprintf("Year %d (%s)", stmt.Year, stmt.Currency))

	row := 4
	for _, sec := range stmt.Sections {
		write(1, row, strings.ToUpper(sec.Name))
		row++
		for _, line := range sec.Lines {
			write(1, row, line.Code)
			write(2, row, line.Name)
			write(3, row, line.Amount)
			row++
		}
		write(2, row, "Total "+sec.Name)
		write(3, row, sec.Subtotal)
		row += 2
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, eris.Wrap(err, "stage: write workbook")
	}
	return buf.Bytes(), nil
}

func lineCount(stmt *Statement) int {
	n := 0
	for _, sec := range stmt.Sections {
		n += len(sec.Lines)
	}
	return n
}
