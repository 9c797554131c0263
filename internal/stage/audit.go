package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/finforge/statement-engine/internal/gateway"
	"github.com/finforge/statement-engine/internal/model"
)

const auditSystemPrompt = `You are an independent financial auditor reviewing a generated statement against its source data. You flag semantic anomalies a mathematical check cannot catch: account sign reversals, period mismatches, implausible balances, misclassified accounts.`

const auditPrompt = `Review this generated financial statement for semantic anomalies.

Statement (JSON):
%s

Mapping decisions (JSON):
%s

Return a valid JSON object:
{"anomalies": ["<one sentence per anomaly>"], "severity": "none|review|fail"}

Rules:
- "fail" only for anomalies that make the statement materially wrong.
- "review" for anomalies a human should look at.
- An empty anomaly list means severity "none".`

// balanceTolerance absorbs rounding in printed figures.
const balanceTolerance = 0.01

type auditReply struct {
	Anomalies []string `json:"anomalies"`
	Severity  string   `json:"severity"`
}

// Audit independently recomputes the statement's mathematical invariants
// and asks the reasoning tier for semantic anomalies. A failing audit is
// business data: it never errors, it produces a FAIL or REVIEW report.
func Audit(ctx context.Context, deps Deps, job *model.ReportJob, healing *Healing, mapping *model.MappingResult, stmt *Statement) (*model.AuditReport, Metrics, error) {
	// The artifact path embeds the job ID and carries no audit signal;
	// digests and the prompt see the statement content only.
	content := *stmt
	content.ArtifactRef = ""
	m := Metrics{InputDigest: digestOf([]any{content, mapping})}

	report := &model.AuditReport{MathProofs: make(map[string]string)}
	runMathChecks(report, healing, mapping, stmt)

	stmtJSON, err := json.Marshal(content)
	if err != nil {
		m.Outcome = model.OutcomeFailed
		return nil, m, err
	}
	mappingJSON, err := json.Marshal(mapping.Decisions)
	if err != nil {
		m.Outcome = model.OutcomeFailed
		return nil, m, err
	}

	resp, err := deps.Gateway.Invoke(ctx, gateway.Request{
		Stage:  NameAudit,
		Class:  gateway.ClassReasoning,
		System: auditSystemPrompt,
		Prompt: fmt.Sprintf(auditPrompt, stmtJSON, mappingJSON),
	})
	if err != nil {
		m.Outcome = model.OutcomeFailed
		return nil, m, err
	}
	m.absorb(resp)

	var reply auditReply
	if derr := decodeModelJSON(resp.Text, &reply); derr == nil {
		applyModelVerdict(report, reply)
	} else {
		report.Checks = append(report.Checks, model.AuditCheck{
			Name:    "semantic_anomaly_scan",
			Status:  model.ComplianceReview,
			Details: "model reply was not parseable, manual review required",
		})
	}

	finalizeReport(report)

	m.Outcome = model.OutcomeSuccess
	m.Summary = fmt.Sprintf("audit %s: %d checks, %d failed, %d for review",
		report.Status, len(report.Checks), report.FailedChecks(), report.ReviewChecks())
	m.OutputDigest = digestOf(report)
	return report, m, nil
}

func runMathChecks(report *model.AuditReport, healing *Healing, mapping *model.MappingResult, stmt *Statement) {
	totals := make(map[string]float64, len(stmt.Sections))
	for _, sec := range stmt.Sections {
		totals[sec.Name] = sec.Subtotal
	}

	// Subtotals must equal the sum of their lines.
	subtotalsOK := true
	for _, sec := range stmt.Sections {
		var sum float64
		for _, line := range sec.Lines {
			sum += line.Amount
		}
		if math.Abs(sum-sec.Subtotal) > balanceTolerance {
			subtotalsOK = false
			report.MathProofs["subtotal_"+sec.Name] = fmt.Sprintf("sum(lines)=%.2f != subtotal=%.2f", sum, sec.Subtotal)
		}
	}
	report.Checks = append(report.Checks, check("subtotal_recomputation", subtotalsOK,
		fmt.Sprintf("recomputed subtotals for %d sections", len(stmt.Sections))))
	if subtotalsOK {
		report.MathProofs["subtotal_recomputation"] = "every section subtotal equals the sum of its line items"
	}

	// Balance equation, when the statement carries all three sides.
	assets, hasAssets := totals["assets"]
	liabilities, hasLiab := totals["liabilities"]
	equity, hasEquity := totals["equity"]
	if hasAssets && hasLiab && hasEquity {
		diff := assets - (liabilities + equity)
		ok := math.Abs(diff) <= balanceTolerance
		report.MathProofs["balance_equation"] = fmt.Sprintf("assets %.2f vs liabilities+equity %.2f (diff %.2f)",
			assets, liabilities+equity, diff)
		report.Checks = append(report.Checks, check("balance_equation", ok,
			report.MathProofs["balance_equation"]))
	}

	// Statement totals must reconcile with the mapped source rows.
	var sourceSum float64
	resolved := mapping.Resolved()
	col := amountColumn(healing.Dataset)
	for _, row := range healing.Dataset.Rows {
		if len(row) == 0 || col >= len(row) {
			continue
		}
		if _, ok := resolved[row[0]]; !ok {
			continue
		}
		if v, ok := parseAmount(row[col]); ok {
			sourceSum += v
		}
	}
	var stmtSum float64
	for _, sec := range stmt.Sections {
		stmtSum += sec.Subtotal
	}
	reconciled := math.Abs(sourceSum-stmtSum) <= balanceTolerance
	report.MathProofs["source_reconciliation"] = fmt.Sprintf("mapped source rows %.2f vs statement lines %.2f", sourceSum, stmtSum)
	report.Checks = append(report.Checks, check("source_reconciliation", reconciled,
		report.MathProofs["source_reconciliation"]))

	// Ratio recomputation, when an income side exists.
	if revenue, ok := totals["revenue"]; ok {
		expenses := totals["expenses"]
		if revenue != 0 {
			margin := (revenue - expenses) / revenue
			report.MathProofs["net_margin"] = fmt.Sprintf("(%.2f - %.2f) / %.2f = %.4f", revenue, expenses, revenue, margin)
			report.Checks = append(report.Checks, check("ratio_recomputation", true, report.MathProofs["net_margin"]))
		} else {
			report.Checks = append(report.Checks, model.AuditCheck{
				Name:    "ratio_recomputation",
				Status:  model.ComplianceReview,
				Details: "revenue is zero, margin undefined",
			})
		}
	}
}

func check(name string, ok bool, details string) model.AuditCheck {
	status := model.CompliancePass
	score := 1.0
	if !ok {
		status = model.ComplianceFail
		score = 0.0
	}
	return model.AuditCheck{Name: name, Status: status, Score: score, Details: details}
}

func applyModelVerdict(report *model.AuditReport, reply auditReply) {
	report.Anomalies = reply.Anomalies
	report.ModelFlagged = len(reply.Anomalies) > 0

	status := model.CompliancePass
	score := 1.0
	switch reply.Severity {
	case "fail":
		status, score = model.ComplianceFail, 0.0
	case "review":
		status, score = model.ComplianceReview, 0.5
	default:
		if report.ModelFlagged {
			status, score = model.ComplianceReview, 0.5
		}
	}
	report.Checks = append(report.Checks, model.AuditCheck{
		Name:    "semantic_anomaly_scan",
		Status:  status,
		Score:   score,
		Details: fmt.Sprintf("%d anomalies flagged", len(reply.Anomalies)),
	})
}

func finalizeReport(report *model.AuditReport) {
	var scoreSum float64
	status := model.CompliancePass
	for _, c := range report.Checks {
		scoreSum += c.Score
		switch c.Status {
		case model.ComplianceFail:
			status = model.ComplianceFail
		case model.ComplianceReview:
			if status != model.ComplianceFail {
				status = model.ComplianceReview
			}
		}
	}
	report.Status = status
	if len(report.Checks) > 0 {
		report.Score = scoreSum / float64(len(report.Checks))
	}
}
