package engine

import (
	"bytes"
	"encoding/json"
	"html/template"

	"github.com/rotisserie/eris"

	"github.com/finforge/statement-engine/internal/blob"
	"github.com/finforge/statement-engine/internal/model"
)

// certificateHTML renders the human-readable companion to the JSON
// certificate. The JSON is the canonical, signed artifact.
const certificateHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Verification Certificate {{.ID}}</title>
<style>
body { font-family: Georgia, serif; max-width: 52rem; margin: 2rem auto; color: #1a1a1a; }
h1 { border-bottom: 2px solid #1a1a1a; padding-bottom: .5rem; }
table { border-collapse: collapse; width: 100%; margin: 1rem 0; }
th, td { border: 1px solid #ccc; padding: .4rem .6rem; text-align: left; font-size: .9rem; }
th { background: #f4f4f4; }
.pass { color: #1a7a1a; font-weight: bold; }
.fail { color: #a11a1a; font-weight: bold; }
.review { color: #a1701a; font-weight: bold; }
code { font-size: .8rem; word-break: break-all; }
</style>
</head>
<body>
<h1>Verification Certificate</h1>
<p>Job <code>{{.JobID}}</code> &middot; verdict
<span class="{{verdictClass .ComplianceStatus}}">{{.ComplianceStatus}}</span>
&middot; confidence {{printf "%.2f" .Confidence}}
&middot; total cost ${{printf "%.4f" .TotalCostUSD}}</p>

<h2>Stage Trail</h2>
<table>
<tr><th>#</th><th>Stage</th><th>Model</th><th>Outcome</th><th>Latency</th><th>Cost</th><th>Summary</th></tr>
{{range .StageRecords}}
<tr>
<td>{{.StageIndex}}</td>
<td>{{.StageName}}</td>
<td>{{.Model}}</td>
<td>{{.Outcome}}</td>
<td>{{.LatencyMS}} ms</td>
<td>${{printf "%.4f" .CostUSD}}</td>
<td>{{.Summary}}</td>
</tr>
{{end}}
</table>

<h2>Audit Checks</h2>
<table>
<tr><th>Check</th><th>Status</th><th>Score</th><th>Details</th></tr>
{{range .Checks}}
<tr>
<td>{{.Name}}</td>
<td><span class="{{verdictClass .Status}}">{{.Status}}</span></td>
<td>{{printf "%.2f" .Score}}</td>
<td>{{.Details}}</td>
</tr>
{{end}}
</table>

{{if .MathProofs}}
<h2>Mathematical Proofs</h2>
<table>
<tr><th>Proof</th><th>Statement</th></tr>
{{range $name, $proof := .MathProofs}}
<tr><td>{{$name}}</td><td><code>{{$proof}}</code></td></tr>
{{end}}
</table>
{{end}}

<p>Signature <code>{{.Signature}}</code><br>
Signed {{.SignedAt.Format "2006-01-02 15:04:05 MST"}}</p>
</body>
</html>
`

var certificateTmpl = template.Must(template.New("certificate").Funcs(template.FuncMap{
	"verdictClass": func(s model.ComplianceStatus) string {
		switch s {
		case model.CompliancePass:
			return "pass"
		case model.ComplianceFail:
			return "fail"
		default:
			return "review"
		}
	},
}).Parse(certificateHTML))

// writeCertificateArtifacts writes the signed certificate as JSON and
// HTML and returns the JSON reference.
func writeCertificateArtifacts(store *blob.Store, jobID string, cert *model.VerificationCertificate) (string, error) {
	payload, err := json.MarshalIndent(cert, "", "  ")
	if err != nil {
		return "", eris.Wrap(err, "engine: marshal certificate")
	}
	ref, err := store.Write(jobID, "certificate.json", payload)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := certificateTmpl.Execute(&buf, cert); err != nil {
		return ref, eris.Wrap(err, "engine: render certificate html")
	}
	if _, err := store.Write(jobID, "certificate.html", buf.Bytes()); err != nil {
		return ref, err
	}
	return ref, nil
}
