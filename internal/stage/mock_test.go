package stage

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/finforge/statement-engine/internal/blob"
	"github.com/finforge/statement-engine/internal/config"
	"github.com/finforge/statement-engine/internal/gateway"
	"github.com/finforge/statement-engine/internal/model"
	"github.com/finforge/statement-engine/internal/pagework"
	"github.com/finforge/statement-engine/internal/template"
)

// fakeInvoker scripts model replies per stage name. Paginated extraction
// drives it from several workers at once, so the maps are mutex-guarded.
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

func (f *fakeInvoker) on(stage string, fn func(req gateway.Request) (*gateway.Response, error)) {
	f.replies[stage] = fn
}

func (f *fakeInvoker) reply(stage, text string) {
	f.on(stage, func(gateway.Request) (*gateway.Response, error) {
		return &gateway.Response{Text: text, Model: "fake-model", Usage: model.TokenUsage{InputTokens: 10, OutputTokens: 5}, CostUSD: 0.001, Attempts: 1}, nil
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

func (f *fakeInvoker) callCount(stage string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[stage]
}

// fakeOCR returns canned text per page.
type fakeOCR struct {
	pages map[int]string
	err   error
}

func (f *fakeOCR) ExtractText(context.Context, string) (string, error) {
	return "", f.err
}

func (f *fakeOCR) ExtractPage(_ context.Context, _ string, page int) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.pages[page], nil
}

func testDeps(t *testing.T, inv Invoker) Deps {
	t.Helper()
	store, err := blob.NewStore(t.TempDir())
	require.NoError(t, err)
	return Deps{
		Gateway:  inv,
		Blob:     store,
		OCR:      &fakeOCR{pages: map[int]string{}},
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
}

func testJob() *model.ReportJob {
	return &model.ReportJob{ID: "job-1", UserID: "user-1", Year: 2025, Status: model.JobStatusQueued}
}

// writeWorkbook builds an xlsx fixture in the blob store and returns its
// reference.
func writeWorkbook(t *testing.T, store *blob.Store, name string, rows [][]string) string {
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

	path, err := store.Resolve(name)
	require.NoError(t, err)
	require.NoError(t, f.Save(path))
	return name
}
