package engine

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/finforge/statement-engine/internal/blob"
	"github.com/finforge/statement-engine/internal/config"
	"github.com/finforge/statement-engine/internal/gateway"
	"github.com/finforge/statement-engine/internal/model"
	"github.com/finforge/statement-engine/internal/pagework"
	"github.com/finforge/statement-engine/internal/stage"
	"github.com/finforge/statement-engine/internal/store"
	"github.com/finforge/statement-engine/internal/template"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// fakeInvoker scripts model replies per stage name.
type fakeInvoker struct {
	mu      sync.Mutex
	replies map[string]func(req gateway.Request) (*gateway.Response, error)
	calls   map[string]int
}

func newFakeInvoker() *fakeInvoker {
	return &fakeInvoker{
		replies: make(map[string]func(req gateway.Request) (*gateway.Response, error)),
		calls:   make(map[string]int),
	}
}

func (f *fakeInvoker) on(stageName string, fn func(req gateway.Request) (*gateway.Response, error)) {
	f.replies[stageName] = fn
}

func (f *fakeInvoker) reply(stageName, text string) {
	f.on(stageName, func(gateway.Request) (*gateway.Response, error) {
		return &gateway.Response{
			Text:     text,
			Model:    "fake-model",
			Usage:    model.TokenUsage{InputTokens: 10, OutputTokens: 5},
			CostUSD:  0.001,
			Attempts: 1,
		}, nil
	})
}

func (f *fakeInvoker) Invoke(_ context.Context, req gateway.Request) (*gateway.Response, error) {
	f.mu.Lock()
	f.calls[req.Stage]++
	fn, ok := f.replies[req.Stage]
	f.mu.Unlock()
	if !ok {
		panic("no scripted reply for stage " + req.Stage)
	}
	return fn(req)
}

func (f *fakeInvoker) Model(class gateway.ModelClass) string {
	return "fake-" + string(class)
}

func (f *fakeInvoker) callCount(stageName string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[stageName]
}

type fakeOCR struct{}

func (fakeOCR) ExtractText(context.Context, string) (string, error)      { return "", nil }
func (fakeOCR) ExtractPage(context.Context, string, int) (string, error) { return "", nil }

// recordingAlerter captures alert calls.
type recordingAlerter struct {
	mu       sync.Mutex
	reviews  []string
	failures []string
}

func (a *recordingAlerter) JobNeedsReview(_ context.Context, job *model.ReportJob, _ *model.AuditReport) {
	a.mu.Lock()
	a.reviews = append(a.reviews, job.ID)
	a.mu.Unlock()
}

func (a *recordingAlerter) JobFailed(_ context.Context, job *model.ReportJob, _ string) {
	a.mu.Lock()
	a.failures = append(a.failures, job.ID)
	a.mu.Unlock()
}

type testHarness struct {
	engine  *Engine
	store   store.Store
	blob    *blob.Store
	invoker *fakeInvoker
	alerter *recordingAlerter
}

func newHarness(t *testing.T, inv *fakeInvoker) *testHarness {
	t.Helper()
	st, err := store.Open(context.Background(), config.StoreConfig{
		Driver:      "sqlite",
		DatabaseURL: filepath.Join(t.TempDir(), "engine.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	blobStore, err := blob.NewStore(t.TempDir())
	require.NoError(t, err)

	deps := stage.Deps{
		Gateway:  inv,
		Blob:     blobStore,
		OCR:      fakeOCR{},
		Pages:    pagework.New(4),
		Template: template.Default(),
		Pipeline: config.PipelineConfig{
			MaxFileSizeMB:    50,
			MaxPDFPages:      100,
			PageWorkers:      4,
			MaxAttempts:      3,
			DegradedMaxRatio: 0.5,
		},
	}
	alerter := &recordingAlerter{}
	return &testHarness{
		engine:  New(st, deps, WithAlerter(alerter)),
		store:   st,
		blob:    blobStore,
		invoker: inv,
		alerter: alerter,
	}
}

// balancedRows satisfies assets = liabilities + equity after mapping.
var balancedRows = [][]string{
	{"account", "amount"},
	{"Cash", "5000"},
	{"Payables", "1200"},
	{"Retained Earnings", "3800"},
	{"Sales", "10000"},
	{"Operating Expenses", "7500"},
}

func writeWorkbook(t *testing.T, blobStore *blob.Store, name string, rows [][]string) string {
	t.Helper()
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Data")
	require.NoError(t, err)
	for _, row := range rows {
		r := sheet.AddRow()
		for _, cell := range row {
			r.AddCell().SetString(cell)
		}
	}
	path, err := blobStore.Resolve(name)
	require.NoError(t, err)
	require.NoError(t, f.Save(path))
	return name
}

func healEcho(t *testing.T, rows [][]string) string {
	t.Helper()
	payload, err := json.Marshal(map[string]any{"rows": rows, "fixes": []any{}})
	require.NoError(t, err)
	return string(payload)
}

func fullMappingReply(t *testing.T) string {
	t.Helper()
	payload, err := json.Marshal(map[string]any{"decisions": []model.MappingDecision{
		{SourceAccount: "Cash", TargetAccount: "1000", Similarity: 0.97, Confidence: 0.95},
		{SourceAccount: "Payables", TargetAccount: "2000", Similarity: 0.92, Confidence: 0.9},
		{SourceAccount: "Retained Earnings", TargetAccount: "3900", Similarity: 0.99, Confidence: 0.95},
		{SourceAccount: "Sales", TargetAccount: "4000", Similarity: 0.9, Confidence: 0.9},
		{SourceAccount: "Operating Expenses", TargetAccount: "6000", Similarity: 0.93, Confidence: 0.9},
	}})
	require.NoError(t, err)
	return string(payload)
}

// scriptHappyPath wires model replies for a clean xlsx run.
func scriptHappyPath(t *testing.T, inv *fakeInvoker) {
	inv.reply(stage.NameHealing, healEcho(t, balancedRows[1:]))
	inv.reply(stage.NameMapping, fullMappingReply(t))
	inv.reply(stage.NameGeneration, `{"title": "FY2025 Annual Statement", "sections": [{"name": "assets", "order": ["1000"]}]}`)
	inv.reply(stage.NameAudit, `{"anomalies": [], "severity": "none"}`)
}

func TestRunCompletesCleanJob(t *testing.T) {
	inv := newFakeInvoker()
	scriptHappyPath(t, inv)
	h := newHarness(t, inv)
	ctx := context.Background()

	fileRef := writeWorkbook(t, h.blob, "statement.xlsx", balancedRows)
	job, err := h.engine.Submit(ctx, "user-1", 2025, fileRef)
	require.NoError(t, err)

	final, err := h.engine.Run(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, final.Status)
	assert.Empty(t, final.Error)
	assert.NotEmpty(t, final.ArtifactRef)
	assert.NotEmpty(t, final.CertificateRef)

	records, err := h.store.ListStageRecords(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, records, 6)
	names := make([]string, len(records))
	for i, rec := range records {
		names[i] = rec.StageName
		assert.Equal(t, i, rec.StageIndex)
		assert.Equal(t, model.OutcomeSuccess, rec.Outcome)
	}
	assert.Equal(t, []string{
		stage.NameAnalysis, stage.NameExtraction, stage.NameHealing,
		stage.NameMapping, stage.NameGeneration, stage.NameAudit,
	}, names)

	cert, err := h.store.GetCertificate(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CompliancePass, cert.ComplianceStatus)
	assert.NotEmpty(t, cert.Signature)
	assert.Len(t, cert.StageRecords, 6)
	assert.Greater(t, cert.TotalCostUSD, 0.0)

	mapping, err := h.store.GetMappingResult(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, mapping.AutoMapped)

	// Both certificate renderings land next to the statement artifact.
	_, err = h.blob.Read(job.ID + "/certificate.json")
	assert.NoError(t, err)
	html, err := h.blob.Read(job.ID + "/certificate.html")
	assert.NoError(t, err)
	assert.Contains(t, string(html), "PASS")

	assert.Empty(t, h.alerter.failures)
	assert.Empty(t, h.alerter.reviews)
}

func TestRunFailsOnUnsupportedFormat(t *testing.T) {
	inv := newFakeInvoker()
	h := newHarness(t, inv)
	ctx := context.Background()

	path, err := h.blob.Resolve("report.docx")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("not a statement"), 0o644))
	job, err := h.engine.Submit(ctx, "user-1", 2025, "report.docx")
	require.NoError(t, err)

	final, err := h.engine.Run(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, final.Status)
	assert.Contains(t, final.Error, "docx")

	records, err := h.store.ListStageRecords(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, stage.NameAnalysis, records[0].StageName)
	assert.Equal(t, model.OutcomeFailed, records[0].Outcome)

	assert.Equal(t, []string{job.ID}, h.alerter.failures)
}

func TestRunFailsOnModelExhaustion(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	prev := zap.L()
	zap.ReplaceGlobals(zap.New(core))
	defer zap.ReplaceGlobals(prev)

	inv := newFakeInvoker()
	scriptHappyPath(t, inv)
	inv.on(stage.NameMapping, func(gateway.Request) (*gateway.Response, error) {
		return nil, &gateway.ModelError{Stage: stage.NameMapping, Class: gateway.ClassReasoning, Attempts: 3, Err: errors.New("overloaded")}
	})
	h := newHarness(t, inv)
	ctx := context.Background()

	fileRef := writeWorkbook(t, h.blob, "statement.xlsx", balancedRows)
	job, err := h.engine.Submit(ctx, "user-1", 2025, fileRef)
	require.NoError(t, err)

	final, err := h.engine.Run(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, final.Status)
	assert.Contains(t, final.Error, "overloaded")

	// Exhaustion is a known fatal kind, not an infrastructure fault.
	assert.Zero(t, logs.FilterMessage("engine: unclassified stage error").Len())
	assert.Equal(t, []string{job.ID}, h.alerter.failures)
}

func TestRunFlagsUnclassifiedStageError(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	prev := zap.L()
	zap.ReplaceGlobals(zap.New(core))
	defer zap.ReplaceGlobals(prev)

	inv := newFakeInvoker()
	scriptHappyPath(t, inv)
	inv.on(stage.NameHealing, func(gateway.Request) (*gateway.Response, error) {
		return nil, errors.New("dial tcp: connection refused")
	})
	h := newHarness(t, inv)
	ctx := context.Background()

	fileRef := writeWorkbook(t, h.blob, "statement.xlsx", balancedRows)
	job, err := h.engine.Submit(ctx, "user-1", 2025, fileRef)
	require.NoError(t, err)

	final, err := h.engine.Run(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, final.Status)
	assert.Equal(t, 1, logs.FilterMessage("engine: unclassified stage error").Len())
	assert.Equal(t, []string{job.ID}, h.alerter.failures)
}

func TestRunSendsFlaggedJobToReview(t *testing.T) {
	inv := newFakeInvoker()
	scriptHappyPath(t, inv)
	inv.reply(stage.NameAudit, `{"anomalies": ["revenue implausibly flat year over year"], "severity": "fail"}`)
	h := newHarness(t, inv)
	ctx := context.Background()

	fileRef := writeWorkbook(t, h.blob, "statement.xlsx", balancedRows)
	job, err := h.engine.Submit(ctx, "user-1", 2025, fileRef)
	require.NoError(t, err)

	final, err := h.engine.Run(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusReview, final.Status)
	assert.Empty(t, final.Error)

	// A flagged audit still completes the trail and signs a certificate.
	records, err := h.store.ListStageRecords(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, records, 6)
	cert, err := h.store.GetCertificate(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ComplianceFail, cert.ComplianceStatus)

	assert.Equal(t, []string{job.ID}, h.alerter.reviews)
}

func TestRunRejectsNonQueuedJob(t *testing.T) {
	inv := newFakeInvoker()
	h := newHarness(t, inv)
	ctx := context.Background()

	job, err := h.engine.Submit(ctx, "user-1", 2025, "a.xlsx")
	require.NoError(t, err)
	require.NoError(t, h.store.UpdateJobStatus(ctx, job.ID, model.JobStatusCompleted, ""))

	_, err = h.engine.Run(ctx, job.ID)
	assert.Error(t, err)
}

func TestCancelQueuedJob(t *testing.T) {
	inv := newFakeInvoker()
	h := newHarness(t, inv)
	ctx := context.Background()

	job, err := h.engine.Submit(ctx, "user-1", 2025, "a.xlsx")
	require.NoError(t, err)
	require.NoError(t, h.engine.Cancel(ctx, job.ID))

	got, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCancelled, got.Status)

	// Terminal jobs cannot be cancelled again.
	assert.Error(t, h.engine.Cancel(ctx, job.ID))
}

func TestCancelRunningJobStopsAtStageBoundary(t *testing.T) {
	inv := newFakeInvoker()
	scriptHappyPath(t, inv)

	healing := make(chan struct{})
	proceed := make(chan struct{})
	inv.on(stage.NameHealing, func(gateway.Request) (*gateway.Response, error) {
		close(healing)
		<-proceed
		return &gateway.Response{Text: healEcho(t, balancedRows[1:]), Model: "fake-model", Attempts: 1}, nil
	})

	h := newHarness(t, inv)
	ctx := context.Background()

	fileRef := writeWorkbook(t, h.blob, "statement.xlsx", balancedRows)
	job, err := h.engine.Submit(ctx, "user-1", 2025, fileRef)
	require.NoError(t, err)

	done := make(chan *model.ReportJob, 1)
	go func() {
		final, runErr := h.engine.Run(ctx, job.ID)
		assert.NoError(t, runErr)
		done <- final
	}()

	<-healing
	require.NoError(t, h.engine.Cancel(ctx, job.ID))
	close(proceed)

	select {
	case final := <-done:
		assert.Equal(t, model.JobStatusCancelled, final.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after cancellation")
	}

	// Mapping never ran.
	assert.Zero(t, inv.callCount(stage.NameMapping))
}

func TestRunRejectsConcurrentExecution(t *testing.T) {
	inv := newFakeInvoker()
	scriptHappyPath(t, inv)

	healing := make(chan struct{})
	proceed := make(chan struct{})
	inv.on(stage.NameHealing, func(gateway.Request) (*gateway.Response, error) {
		close(healing)
		<-proceed
		return &gateway.Response{Text: healEcho(t, balancedRows[1:]), Model: "fake-model", Attempts: 1}, nil
	})

	h := newHarness(t, inv)
	ctx := context.Background()

	fileRef := writeWorkbook(t, h.blob, "statement.xlsx", balancedRows)
	job, err := h.engine.Submit(ctx, "user-1", 2025, fileRef)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.engine.Run(ctx, job.ID)
	}()

	<-healing
	_, err = h.engine.Run(ctx, job.ID)
	assert.Error(t, err)
	close(proceed)
	<-done
}

func TestSubmitValidation(t *testing.T) {
	inv := newFakeInvoker()
	h := newHarness(t, inv)
	ctx := context.Background()

	_, err := h.engine.Submit(ctx, "", 2025, "a.xlsx")
	assert.Error(t, err)
	_, err = h.engine.Submit(ctx, "user-1", 2025, "")
	assert.Error(t, err)
	_, err = h.engine.Submit(ctx, "user-1", 1492, "a.xlsx")
	assert.Error(t, err)
}
