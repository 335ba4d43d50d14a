package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dvloznov/bank-sync/internal/domain"
)

// Sign rules understood by the normalizer.
const (
	SignAsIs   = "as_is"   // exported amount already negative for outflows
	SignInvert = "invert"  // exported amount positive for outflows
	SignByType = "by_type" // sign comes from the type column
)

// Bank is one institution's selector configuration. The core treats it as
// opaque data: logical action names map to locators, account types map to
// institution codes, and layouts describe the exported columns.
type Bank struct {
	InstitutionID   string                    `yaml:"institution_id"`
	DisplayName     string                    `yaml:"display_name"`
	LoginURL        string                    `yaml:"login_url"`
	Accounts        []string                  `yaml:"accounts"`
	Selectors       map[string]string         `yaml:"selectors"`
	AccountCodes    map[string]string         `yaml:"account_codes"`
	DateInputFormat string                    `yaml:"date_input_format"`
	Layouts         map[string]Layout         `yaml:"layouts"`
	Landmarks       map[string][]LandmarkSpec `yaml:"landmarks,omitempty"`
}

// Layout describes one export file shape.
type Layout struct {
	Columns           []string `yaml:"columns"`
	HasHeader         bool     `yaml:"has_header"`
	DateFormat        string   `yaml:"date_format"`
	PostDateFormat    string   `yaml:"post_date_format,omitempty"`
	Sign              string   `yaml:"sign"`
	TypeColumn        string   `yaml:"type_column,omitempty"`
	DebitValues       []string `yaml:"debit_values,omitempty"`
	AccountCodeColumn string   `yaml:"account_code_column,omitempty"`
	SkipDescriptions  []string `yaml:"skip_descriptions,omitempty"`
	StripPrefixes     []string `yaml:"strip_prefixes,omitempty"`
}

// LandmarkSpec overrides one entry of the session landmark table.
type LandmarkSpec struct {
	Selector string `yaml:"selector"`
	Next     string `yaml:"next"`
	Reject   bool   `yaml:"reject,omitempty"`
}

// AccountTypes parses the configured default accounts.
func (b Bank) AccountTypes() ([]domain.AccountType, error) {
	types := make([]domain.AccountType, 0, len(b.Accounts))
	for _, a := range b.Accounts {
		at, err := domain.ParseAccountType(a)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.InstitutionID, err)
		}
		types = append(types, at)
	}
	return types, nil
}

// AccountCode returns the institution's code for at, or "" when unmapped.
func (b Bank) AccountCode(at domain.AccountType) string {
	return b.AccountCodes[at.Key()]
}

// AccountTypeForCode is the reverse of AccountCode, case-insensitive.
func (b Bank) AccountTypeForCode(code string) (domain.AccountType, bool) {
	for key, c := range b.AccountCodes {
		if strings.EqualFold(c, strings.TrimSpace(code)) {
			at, err := domain.ParseAccountType(key)
			return at, err == nil
		}
	}
	return "", false
}

// LayoutFor returns the account-specific layout or the "default" one.
func (b Bank) LayoutFor(at domain.AccountType) (Layout, error) {
	if l, ok := b.Layouts[at.Key()]; ok {
		return l, nil
	}
	if l, ok := b.Layouts["default"]; ok {
		return l, nil
	}
	return Layout{}, fmt.Errorf("%s: no layout for %s", b.InstitutionID, at)
}

// Validate checks the fields the session and normalizer cannot run without.
func (b Bank) Validate() error {
	if b.InstitutionID == "" {
		return fmt.Errorf("institution_id is required")
	}
	if len(b.Layouts) == 0 {
		return fmt.Errorf("%s: at least one layout is required", b.InstitutionID)
	}
	for name, l := range b.Layouts {
		if len(l.Columns) == 0 {
			return fmt.Errorf("%s: layout %s has no columns", b.InstitutionID, name)
		}
		if l.DateFormat == "" {
			return fmt.Errorf("%s: layout %s has no date_format", b.InstitutionID, name)
		}
		switch l.Sign {
		case "", SignAsIs, SignInvert:
		case SignByType:
			if l.TypeColumn == "" {
				return fmt.Errorf("%s: layout %s uses sign by_type without type_column", b.InstitutionID, name)
			}
		default:
			return fmt.Errorf("%s: layout %s has unknown sign rule %q", b.InstitutionID, name, l.Sign)
		}
	}
	if _, err := b.AccountTypes(); err != nil {
		return err
	}
	return nil
}

// Merge overlays non-empty fields of o onto b. Map entries are merged key by key.
func (b Bank) Merge(o Bank) Bank {
	out := b
	if o.DisplayName != "" {
		out.DisplayName = o.DisplayName
	}
	if o.LoginURL != "" {
		out.LoginURL = o.LoginURL
	}
	if len(o.Accounts) > 0 {
		out.Accounts = o.Accounts
	}
	if o.DateInputFormat != "" {
		out.DateInputFormat = o.DateInputFormat
	}
	out.Selectors = mergeStrings(b.Selectors, o.Selectors)
	out.AccountCodes = mergeStrings(b.AccountCodes, o.AccountCodes)
	if len(o.Layouts) > 0 {
		out.Layouts = make(map[string]Layout, len(b.Layouts)+len(o.Layouts))
		for k, v := range b.Layouts {
			out.Layouts[k] = v
		}
		for k, v := range o.Layouts {
			out.Layouts[k] = v
		}
	}
	if len(o.Landmarks) > 0 {
		out.Landmarks = o.Landmarks
	}
	return out
}

func mergeStrings(a, b map[string]string) map[string]string {
	out := make(map[string]string, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

// LoadBank reads one banks/<id>.yaml file.
func LoadBank(path string) (Bank, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Bank{}, fmt.Errorf("reading bank config: %w", err)
	}
	var b Bank
	if err := yaml.Unmarshal(data, &b); err != nil {
		return Bank{}, fmt.Errorf("parsing bank config %s: %w", path, err)
	}
	if b.InstitutionID == "" {
		b.InstitutionID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	b.InstitutionID = strings.ToLower(b.InstitutionID)
	return b, nil
}

// LoadBanks reads every *.yaml file in dir keyed by institution id.
// A missing directory is not an error.
func LoadBanks(dir string) (map[string]Bank, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]Bank{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading banks dir: %w", err)
	}

	banks := make(map[string]Bank)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		b, err := LoadBank(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		if _, dup := banks[b.InstitutionID]; dup {
			return nil, fmt.Errorf("duplicate bank config for %s", b.InstitutionID)
		}
		banks[b.InstitutionID] = b
	}
	return banks, nil
}

// SortedIDs returns the map keys in order.
func SortedIDs(banks map[string]Bank) []string {
	ids := make([]string, 0, len(banks))
	for id := range banks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
