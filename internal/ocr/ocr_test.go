package ocr

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPdfToTextDefaultBin(t *testing.T) {
	p := NewPdfToText("")
	assert.Equal(t, "pdftotext", p.binPath)

	p = NewPdfToText("/custom/pdftotext")
	assert.Equal(t, "/custom/pdftotext", p.binPath)
}

func TestExtractPageRejectsInvalidPage(t *testing.T) {
	p := NewPdfToText("")
	_, err := p.ExtractPage(context.Background(), "doc.pdf", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid page number")
}

// fakePdftotext writes a shell script that echoes its arguments, so we
// can assert the page-range flags without a real pdftotext install.
func fakePdftotext(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fake not supported on windows")
	}
	path := filepath.Join(t.TempDir(), "pdftotext")
	script := "#!/bin/sh\necho \"$@\"\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestExtractPagePassesRangeFlags(t *testing.T) {
	p := NewPdfToText(fakePdftotext(t))

	out, err := p.ExtractPage(context.Background(), "statement.pdf", 7)
	require.NoError(t, err)
	assert.Equal(t, "-layout -f 7 -l 7 statement.pdf -\n", out)
}

func TestExtractTextPassesLayoutFlag(t *testing.T) {
	p := NewPdfToText(fakePdftotext(t))

	out, err := p.ExtractText(context.Background(), "statement.pdf")
	require.NoError(t, err)
	assert.Equal(t, "-layout statement.pdf -\n", out)
}

func TestExtractTextMissingBinary(t *testing.T) {
	p := NewPdfToText(filepath.Join(t.TempDir(), "nope"))
	_, err := p.ExtractText(context.Background(), "statement.pdf")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pdftotext failed")
}
