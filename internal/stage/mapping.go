package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/finforge/statement-engine/internal/gateway"
	"github.com/finforge/statement-engine/internal/model"
)

const mapSystemPrompt = `You are a financial accountant mapping source account labels from an extracted statement onto a target chart of accounts. Judge semantic similarity, not string similarity: "Turnover" and "Sales Revenue" are the same account.`

const mapPrompt = `Map each source account onto the best-matching target account.

Target chart of accounts (JSON):
%s

Source accounts (JSON):
%s

Return a valid JSON object:
{"decisions": [{"source_account": "<source>", "target_account": "<target code>", "similarity": <0.0-1.0>, "confidence": <0.0-1.0>, "synonyms": ["<synonym used>", ...], "reasoning": "<one sentence>"}]}

Rules:
- Exactly one decision per source account.
- similarity reflects how certain you are the two labels denote the same account.
- Always report the best match even when similarity is low.`

type mapReply struct {
	Decisions []model.MappingDecision `json:"decisions"`
}

type chartEntry struct {
	Code    string   `json:"code"`
	Name    string   `json:"name"`
	Section string   `json:"section"`
	Aliases []string `json:"aliases,omitempty"`
}

// Map classifies every source account against the template chart. The
// threshold classification is applied here, not taken from the model:
// AUTO_MAP at or above 0.85, REVIEW_NEEDED in [0.70, 0.85), NEW_ACCOUNT
// below. Advisory decisions keep their best match so later stages can
// proceed provisionally.
func Map(ctx context.Context, deps Deps, job *model.ReportJob, healing *Healing) (*model.MappingResult, Metrics, error) {
	m := Metrics{InputDigest: digestOf(healing.Dataset)}

	sources := sourceAccounts(healing.Dataset)
	if len(sources) == 0 {
		m.Outcome = model.OutcomeFailed
		return nil, m, eris.New("stage: no source accounts found in healed dataset")
	}

	chart := chartEntries(deps)
	chartJSON, err := json.Marshal(chart)
	if err != nil {
		m.Outcome = model.OutcomeFailed
		return nil, m, err
	}
	sourcesJSON, err := json.Marshal(sources)
	if err != nil {
		m.Outcome = model.OutcomeFailed
		return nil, m, err
	}

	resp, err := deps.Gateway.Invoke(ctx, gateway.Request{
		Stage:  NameMapping,
		Class:  gateway.ClassReasoning,
		System: mapSystemPrompt,
		Prompt: fmt.Sprintf(mapPrompt, chartJSON, sourcesJSON),
	})
	if err != nil {
		m.Outcome = model.OutcomeFailed
		return nil, m, err
	}
	m.absorb(resp)

	var reply mapReply
	if err := decodeModelJSON(resp.Text, &reply); err != nil {
		m.Outcome = model.OutcomeFailed
		return nil, m, err
	}

	result := buildMappingResult(deps, sources, reply.Decisions)
	m.Outcome = model.OutcomeSuccess
	m.Summary = fmt.Sprintf("mapped %d accounts: %d auto, %d review, %d new",
		len(result.Decisions), result.AutoMapped, result.ReviewNeeded, result.NewAccounts)
	m.OutputDigest = digestOf(result)
	return result, m, nil
}

// sourceAccounts returns the distinct labels of the first column, in
// first-appearance order.
func sourceAccounts(ds model.Dataset) []string {
	seen := make(map[string]bool)
	var out []string
	for _, row := range ds.Rows {
		if len(row) == 0 {
			continue
		}
		label := strings.TrimSpace(row[0])
		if label == "" || seen[label] {
			continue
		}
		seen[label] = true
		out = append(out, label)
	}
	return out
}

func chartEntries(deps Deps) []chartEntry {
	var out []chartEntry
	for _, sec := range deps.Template.Sections {
		for _, acct := range sec.Accounts {
			out = append(out, chartEntry{
				Code:    acct.Code,
				Name:    acct.Name,
				Section: sec.Name,
				Aliases: acct.Aliases,
			})
		}
	}
	return out
}

func buildMappingResult(deps Deps, sources []string, decisions []model.MappingDecision) *model.MappingResult {
	bysource := make(map[string]model.MappingDecision, len(decisions))
	for _, d := range decisions {
		bysource[d.SourceAccount] = d
	}

	result := &model.MappingResult{}
	for _, source := range sources {
		d, ok := bysource[source]
		if !ok {
			d = model.MappingDecision{SourceAccount: source, Reasoning: "no decision returned by model"}
		}
		// An unknown target code cannot be trusted, nor can its score.
		if _, found := deps.Template.FindByCode(d.TargetAccount); !found {
			d.TargetAccount = ""
			d.Similarity = 0
		}
		d.Action = model.ClassifySimilarity(d.Similarity)
		result.Decisions = append(result.Decisions, d)
	}
	result.Tally()
	return result
}
