package model

// Similarity thresholds for the mapping stage. A source account at or above
// AutoMapThreshold maps automatically; between ReviewThreshold (inclusive)
// and AutoMapThreshold it is advisory; below ReviewThreshold it is treated
// as a new account.
const (
	AutoMapThreshold = 0.85
	ReviewThreshold  = 0.70
)

// MappingAction classifies a source account against the template.
type MappingAction string

const (
	ActionAutoMap      MappingAction = "AUTO_MAP"
	ActionReviewNeeded MappingAction = "REVIEW_NEEDED"
	ActionNewAccount   MappingAction = "NEW_ACCOUNT"
)

// ClassifySimilarity maps a similarity score onto a MappingAction.
func ClassifySimilarity(score float64) MappingAction {
	switch {
	case score >= AutoMapThreshold:
		return ActionAutoMap
	case score >= ReviewThreshold:
		return ActionReviewNeeded
	default:
		return ActionNewAccount
	}
}

// MappingDecision records how one source account was matched against the
// template's target accounts. Never mutated after creation; a later job run
// supersedes the whole set.
type MappingDecision struct {
	SourceAccount string        `json:"source_account"`
	TargetAccount string        `json:"target_account"`
	Similarity    float64       `json:"similarity"`
	Action        MappingAction `json:"action"`
	Confidence    float64       `json:"confidence"`
	Synonyms      []string      `json:"synonyms,omitempty"`
	Reasoning     string        `json:"reasoning,omitempty"`
}

// MappingResult collects the decisions for one job run.
type MappingResult struct {
	Decisions []MappingDecision `json:"decisions"`

	AutoMapped    int     `json:"auto_mapped"`
	ReviewNeeded  int     `json:"review_needed"`
	NewAccounts   int     `json:"new_accounts"`
	AvgConfidence float64 `json:"avg_confidence"`
}

// Resolved returns the provisional source→target mapping the remaining
// stages proceed with. REVIEW_NEEDED and NEW_ACCOUNT decisions stay
// advisory, but their best match is used so the pipeline is not blocked.
func (r *MappingResult) Resolved() map[string]string {
	out := make(map[string]string, len(r.Decisions))
	for _, d := range r.Decisions {
		if d.TargetAccount != "" {
			out[d.SourceAccount] = d.TargetAccount
		}
	}
	return out
}

// Tally recomputes the summary counters from the decision list.
func (r *MappingResult) Tally() {
	r.AutoMapped, r.ReviewNeeded, r.NewAccounts = 0, 0, 0
	var confSum float64
	for _, d := range r.Decisions {
		confSum += d.Confidence
		switch d.Action {
		case ActionAutoMap:
			r.AutoMapped++
		case ActionReviewNeeded:
			r.ReviewNeeded++
		case ActionNewAccount:
			r.NewAccounts++
		}
	}
	if len(r.Decisions) > 0 {
		r.AvgConfidence = confSum / float64(len(r.Decisions))
	}
}
