package template

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemplate(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "template.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadValidTemplate(t *testing.T) {
	path := writeTemplate(t, `
name: smb-annual
currency: EUR
sections:
  - name: assets
    accounts:
      - code: "1000"
        name: Cash
        required: true
        aliases: [bank, petty cash]
  - name: revenue
    accounts:
      - code: "4000"
        name: Sales
`)

	tpl, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "smb-annual", tpl.Name)
	assert.Equal(t, "EUR", tpl.Currency)
	require.Len(t, tpl.Accounts(), 2)
	assert.Equal(t, []string{"1000"}, tpl.Required())

	acct, ok := tpl.FindByCode("4000")
	require.True(t, ok)
	assert.Equal(t, "Sales", acct.Name)

	_, ok = tpl.FindByCode("9999")
	assert.False(t, ok)
}

func TestLoadRejectsDuplicateCodes(t *testing.T) {
	path := writeTemplate(t, `
name: dup
sections:
  - name: assets
    accounts:
      - {code: "1000", name: Cash}
  - name: liabilities
    accounts:
      - {code: "1000", name: Payables}
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `account code "1000" appears in sections`)
}

func TestLoadRejectsEmptySections(t *testing.T) {
	path := writeTemplate(t, "name: empty\nsections: []\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no sections defined")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestDefaultTemplateIsValid(t *testing.T) {
	tpl := Default()
	require.NoError(t, tpl.Validate())
	assert.NotEmpty(t, tpl.Required())
	assert.Len(t, tpl.Sections, 5)
}
