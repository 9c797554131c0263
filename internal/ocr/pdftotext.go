package ocr

import (
	"bytes"
	"context"
	"os/exec"
	"strconv"

	"github.com/rotisserie/eris"
)

// Extractor extracts text content from PDF files. It is the offline
// fallback when the vision model cannot read a page.
type Extractor interface {
	ExtractText(ctx context.Context, pdfPath string) (string, error)
	ExtractPage(ctx context.Context, pdfPath string, page int) (string, error)
}

// PdfToText extracts text using the pdftotext CLI tool.
type PdfToText struct {
	binPath string
}

// NewPdfToText creates a PdfToText extractor. If binPath is empty,
// "pdftotext" is used.
func NewPdfToText(binPath string) *PdfToText {
	if binPath == "" {
		binPath = "pdftotext"
	}
	return &PdfToText{binPath: binPath}
}

// ExtractText runs pdftotext -layout on the given PDF and returns stdout.
func (p *PdfToText) ExtractText(ctx context.Context, pdfPath string) (string, error) {
	return p.run(ctx, pdfPath, "-layout", pdfPath, "-")
}

// ExtractPage extracts a single 1-indexed page.
func (p *PdfToText) ExtractPage(ctx context.Context, pdfPath string, page int) (string, error) {
	if page < 1 {
		return "", eris.Errorf("ocr: invalid page number %d", page)
	}
	n := strconv.Itoa(page)
	return p.run(ctx, pdfPath, "-layout", "-f", n, "-l", n, pdfPath, "-")
}

func (p *PdfToText) run(ctx context.Context, pdfPath string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, p.binPath, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", eris.Wrapf(err, "ocr: pdftotext failed for %s: %s", pdfPath, stderr.String())
	}

	return stdout.String(), nil
}
