package template

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Template defines the target statement layout: the sections to render
// and the chart of accounts that extracted data is mapped onto.
type Template struct {
	Name     string    `yaml:"name"`
	Currency string    `yaml:"currency"`
	Sections []Section `yaml:"sections"`
}

// Section is one block of the generated statement (assets, revenue, ...).
type Section struct {
	Name     string    `yaml:"name"`
	Accounts []Account `yaml:"accounts"`
}

// Account is a target account in the chart.
type Account struct {
	Code     string   `yaml:"code"`
	Name     string   `yaml:"name"`
	Required bool     `yaml:"required,omitempty"`
	Aliases  []string `yaml:"aliases,omitempty"`
}

// Load reads and validates a template from a YAML file.
func Load(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "template: read %s", path)
	}

	var tpl Template
	if err := yaml.Unmarshal(data, &tpl); err != nil {
		return nil, eris.Wrapf(err, "template: parse %s", path)
	}
	if err := tpl.Validate(); err != nil {
		return nil, err
	}
	return &tpl, nil
}

// Validate checks the template for structural problems.
func (t *Template) Validate() error {
	if t.Name == "" {
		return eris.New("template: missing name")
	}
	if len(t.Sections) == 0 {
		return eris.New("template: no sections defined")
	}

	seen := make(map[string]string)
	for _, sec := range t.Sections {
		if sec.Name == "" {
			return eris.New("template: section with empty name")
		}
		for _, acct := range sec.Accounts {
			if acct.Code == "" {
				return eris.Errorf("template: account %q in section %q has no code", acct.Name, sec.Name)
			}
			if prev, ok := seen[acct.Code]; ok {
				return eris.Errorf("template: account code %q appears in sections %q and %q", acct.Code, prev, sec.Name)
			}
			seen[acct.Code] = sec.Name
		}
	}
	return nil
}

// Accounts returns the flattened chart of accounts in section order.
func (t *Template) Accounts() []Account {
	var out []Account
	for _, sec := range t.Sections {
		out = append(out, sec.Accounts...)
	}
	return out
}

// Required returns the codes of all required accounts.
func (t *Template) Required() []string {
	var out []string
	for _, acct := range t.Accounts() {
		if acct.Required {
			out = append(out, acct.Code)
		}
	}
	return out
}

// FindByCode returns the account with the given code, if any.
func (t *Template) FindByCode(code string) (Account, bool) {
	for _, acct := range t.Accounts() {
		if acct.Code == code {
			return acct, true
		}
	}
	return Account{}, false
}

// Default returns a minimal general-purpose layout used when no
// template file is configured.
func Default() *Template {
	return &Template{
		Name:     "standard",
		Currency: "USD",
		Sections: []Section{
			{Name: "assets", Accounts: []Account{
				{Code: "1000", Name: "Cash and Cash Equivalents", Required: true, Aliases: []string{"cash", "bank"}},
				{Code: "1100", Name: "Accounts Receivable", Aliases: []string{"receivables", "debtors"}},
				{Code: "1200", Name: "Inventory"},
				{Code: "1500", Name: "Property, Plant and Equipment", Aliases: []string{"fixed assets", "ppe"}},
			}},
			{Name: "liabilities", Accounts: []Account{
				{Code: "2000", Name: "Accounts Payable", Required: true, Aliases: []string{"payables", "creditors"}},
				{Code: "2100", Name: "Accrued Liabilities"},
				{Code: "2500", Name: "Long-Term Debt", Aliases: []string{"loans payable"}},
			}},
			{Name: "equity", Accounts: []Account{
				{Code: "3000", Name: "Common Stock"},
				{Code: "3900", Name: "Retained Earnings", Required: true},
			}},
			{Name: "revenue", Accounts: []Account{
				{Code: "4000", Name: "Sales Revenue", Required: true, Aliases: []string{"sales", "turnover", "income"}},
				{Code: "4900", Name: "Other Income"},
			}},
			{Name: "expenses", Accounts: []Account{
				{Code: "5000", Name: "Cost of Goods Sold", Aliases: []string{"cogs", "cost of sales"}},
				{Code: "6000", Name: "Operating Expenses", Required: true, Aliases: []string{"opex", "sg&a"}},
				{Code: "6500", Name: "Depreciation and Amortization"},
				{Code: "7000", Name: "Interest Expense"},
			}},
		},
	}
}
