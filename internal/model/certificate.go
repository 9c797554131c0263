package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// ComplianceStatus is the overall verdict of the QA audit.
type ComplianceStatus string

const (
	CompliancePass   ComplianceStatus = "PASS"
	ComplianceFail   ComplianceStatus = "FAIL"
	ComplianceReview ComplianceStatus = "REVIEW"
)

// AuditCheck is one named check in the QA audit checklist.
type AuditCheck struct {
	Name    string           `json:"name"`
	Status  ComplianceStatus `json:"status"`
	Score   float64          `json:"score"`
	Details string           `json:"details,omitempty"`
	Proof   string           `json:"proof,omitempty"`
}

// AuditReport is the output of the QA audit stage. A failing audit does not
// fail the job; it degrades the terminal status to review.
type AuditReport struct {
	Status       ComplianceStatus  `json:"status"`
	Score        float64           `json:"score"`
	Checks       []AuditCheck      `json:"checks"`
	MathProofs   map[string]string `json:"math_proofs"`
	Anomalies    []string          `json:"anomalies,omitempty"`
	ModelFlagged bool              `json:"model_flagged"`
}

// FailedChecks counts checks with a FAIL verdict.
func (r *AuditReport) FailedChecks() int {
	n := 0
	for _, c := range r.Checks {
		if c.Status == ComplianceFail {
			n++
		}
	}
	return n
}

// ReviewChecks counts checks with a REVIEW verdict.
func (r *AuditReport) ReviewChecks() int {
	n := 0
	for _, c := range r.Checks {
		if c.Status == ComplianceReview {
			n++
		}
	}
	return n
}

// VerificationCertificate is the final, immutable audit artifact for one
// job: the complete stage trail, mathematical proofs, and the compliance
// verdict. Immutable once signed.
type VerificationCertificate struct {
	ID               string            `json:"id"`
	JobID            string            `json:"job_id"`
	StageRecords     []StageRecord     `json:"stage_records"`
	MathProofs       map[string]string `json:"math_proofs"`
	Checks           []AuditCheck      `json:"checks"`
	ComplianceStatus ComplianceStatus  `json:"compliance_status"`
	Confidence       float64           `json:"confidence"`
	TotalCostUSD     float64           `json:"total_cost_usd"`
	Signature        string            `json:"signature"`
	SignedAt         time.Time         `json:"signed_at"`
}

// Sign computes the certificate content digest and timestamps it. The
// signature covers everything except the signature and timestamp
// themselves, so re-running on identical inputs yields an identical
// signature.
func (c *VerificationCertificate) Sign(now time.Time) error {
	unsigned := *c
	unsigned.ID = ""
	unsigned.Signature = ""
	unsigned.SignedAt = time.Time{}
	unsigned.StageRecords = append([]StageRecord(nil), c.StageRecords...)
	for i := range unsigned.StageRecords {
		unsigned.StageRecords[i].ID = ""
		unsigned.StageRecords[i].CreatedAt = time.Time{}
	}

	raw, err := json.Marshal(unsigned)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(raw)
	c.Signature = hex.EncodeToString(sum[:])
	c.SignedAt = now.UTC()
	return nil
}
