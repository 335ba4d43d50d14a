// Package suggest asks a language model for categories of transactions that
// no rule matched. Suggestions are checked against the known taxonomy and
// only ever fill empty categories.
package suggest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"google.golang.org/genai"

	"github.com/dvloznov/bank-sync/internal/domain"
	"github.com/dvloznov/bank-sync/internal/logger"
	"github.com/dvloznov/bank-sync/internal/reconcile"
)

// DefaultModelName is the Gemini model used when settings name none.
const DefaultModelName = "gemini-2.5-flash"

// maxBatch caps how many transactions go into one prompt.
const maxBatch = 200

// Suggestion is a proposed category for the transaction with Fingerprint.
type Suggestion struct {
	Fingerprint string
	Category    string
	Subcategory string
}

// Suggester proposes categories for uncategorized transactions.
type Suggester interface {
	Suggest(ctx context.Context, txs []domain.Transaction) ([]Suggestion, error)
}

// Taxonomy maps each known category to its allowed subcategories.
type Taxonomy map[string][]string

// TaxonomyFromRules collects the categories and subcategories a rule set can assign.
func TaxonomyFromRules(rules reconcile.RuleSet) Taxonomy {
	tax := make(Taxonomy)
	for _, r := range rules {
		if r.Category == "" {
			continue
		}
		subs := tax[r.Category]
		if r.Subcategory != "" && !contains(subs, r.Subcategory) {
			subs = append(subs, r.Subcategory)
		}
		tax[r.Category] = subs
	}
	return tax
}

// Categories returns the category names sorted.
func (t Taxonomy) Categories() []string {
	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// resolve maps a model answer onto the taxonomy's spelling. Unknown categories
// are rejected; an unknown subcategory is dropped.
func (t Taxonomy) resolve(category, subcategory string) (string, string, bool) {
	for name, subs := range t {
		if !strings.EqualFold(strings.TrimSpace(category), name) {
			continue
		}
		for _, s := range subs {
			if strings.EqualFold(strings.TrimSpace(subcategory), s) {
				return name, s, true
			}
		}
		return name, "", true
	}
	return "", "", false
}

// Generator sends a prompt to a model and returns its raw text answer.
type Generator func(ctx context.Context, prompt string) (string, error)

// GeminiSuggester batches uncategorized transactions into one prompt per
// maxBatch records.
type GeminiSuggester struct {
	taxonomy Taxonomy
	generate Generator
}

// NewGeminiSuggester creates a Gemini client. The API key is read from the
// environment by the client (GOOGLE_API_KEY).
func NewGeminiSuggester(ctx context.Context, model string, taxonomy Taxonomy) (*GeminiSuggester, error) {
	if model == "" {
		model = DefaultModelName
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		HTTPOptions: genai.HTTPOptions{APIVersion: "v1"},
	})
	if err != nil {
		return nil, fmt.Errorf("NewGeminiSuggester: create genai client: %w", err)
	}

	generate := func(ctx context.Context, prompt string) (string, error) {
		contents := []*genai.Content{
			{
				Role:  "user",
				Parts: []*genai.Part{{Text: prompt}},
			},
		}
		resp, err := client.Models.GenerateContent(ctx, model, contents, nil)
		if err != nil {
			return "", fmt.Errorf("generate content: %w", err)
		}
		return resp.Text(), nil
	}
	return NewSuggester(taxonomy, generate), nil
}

// NewSuggester builds a suggester around any Generator.
func NewSuggester(taxonomy Taxonomy, generate Generator) *GeminiSuggester {
	return &GeminiSuggester{taxonomy: taxonomy, generate: generate}
}

// Suggest returns validated suggestions for the transactions in txs that have
// no category yet.
func (s *GeminiSuggester) Suggest(ctx context.Context, txs []domain.Transaction) ([]Suggestion, error) {
	log := logger.FromContext(ctx)

	var pending []domain.Transaction
	for _, tx := range txs {
		if tx.Category == "" {
			pending = append(pending, tx)
		}
	}
	if len(pending) == 0 || len(s.taxonomy) == 0 {
		return nil, nil
	}

	var out []Suggestion
	for start := 0; start < len(pending); start += maxBatch {
		end := min(start+maxBatch, len(pending))
		batch := pending[start:end]

		raw, err := s.generate(ctx, BuildPrompt(s.taxonomy, batch))
		if err != nil {
			return out, fmt.Errorf("suggest: %w", err)
		}
		if raw == "" {
			return out, fmt.Errorf("suggest: empty response from model")
		}

		got, rejected, err := ParseSuggestions(raw, s.taxonomy, batch)
		if err != nil {
			return out, fmt.Errorf("suggest: %w", err)
		}
		log.Debug().
			Int("batch_size", len(batch)).
			Int("suggested", len(got)).
			Int("rejected", rejected).
			Msg("received category suggestions")
		out = append(out, got...)
	}
	return out, nil
}

// BuildPrompt lists the taxonomy and one numbered line per transaction.
func BuildPrompt(taxonomy Taxonomy, txs []domain.Transaction) string {
	var b strings.Builder
	b.WriteString("You categorize personal bank transactions.\n\n")
	b.WriteString("Use ONLY the following Categories and Subcategories:\n\n")
	for _, cat := range taxonomy.Categories() {
		b.WriteString(cat + ":\n")
		subs := taxonomy[cat]
		if len(subs) == 0 {
			b.WriteString("  (no subcategories - use empty string \"\")\n")
			continue
		}
		for _, sub := range subs {
			b.WriteString("  - " + sub + "\n")
		}
	}

	b.WriteString("\nTransactions (id | date | amount | description). Negative amounts are money OUT.\n")
	for i, tx := range txs {
		fmt.Fprintf(&b, "%d | %s | %s | %s\n", i, tx.TransactionDate, tx.Amount.StringFixed(2), tx.NormalizedDescription())
	}

	b.WriteString("\nRules:\n")
	b.WriteString("- Category must be EXACTLY one of the category names shown above.\n")
	b.WriteString("- If you are unsure about a transaction, leave it out.\n")
	b.WriteString("Return ONLY a raw JSON array of objects with fields \"id\" (number), \"category\" and \"subcategory\" (strings).\n")
	b.WriteString("Do NOT wrap the response in code fences.\n")
	return b.String()
}

type modelAnswer struct {
	ID          int    `json:"id"`
	Category    string `json:"category"`
	Subcategory string `json:"subcategory"`
}

// ParseSuggestions decodes the model output for batch. Entries that point
// outside the batch or name an unknown category are counted as rejected.
func ParseSuggestions(raw string, taxonomy Taxonomy, batch []domain.Transaction) ([]Suggestion, int, error) {
	var answers []modelAnswer
	if err := json.Unmarshal([]byte(cleanModelJSON(raw)), &answers); err != nil {
		return nil, 0, fmt.Errorf("unmarshal JSON: %w\nraw response: %s", err, raw)
	}

	seen := make(map[int]bool)
	var out []Suggestion
	rejected := 0
	for _, a := range answers {
		if a.ID < 0 || a.ID >= len(batch) || seen[a.ID] {
			rejected++
			continue
		}
		cat, sub, ok := taxonomy.resolve(a.Category, a.Subcategory)
		if !ok {
			rejected++
			continue
		}
		seen[a.ID] = true
		tx := batch[a.ID]
		fp := tx.Fingerprint
		if fp == "" {
			fp = tx.ComputeFingerprint()
		}
		out = append(out, Suggestion{Fingerprint: fp, Category: cat, Subcategory: sub})
	}
	return out, rejected, nil
}

// Apply returns a copy of txs with suggestions filled into empty categories,
// plus how many records changed.
func Apply(txs []domain.Transaction, suggestions []Suggestion) ([]domain.Transaction, int) {
	byFP := make(map[string]Suggestion, len(suggestions))
	for _, s := range suggestions {
		byFP[s.Fingerprint] = s
	}

	out := make([]domain.Transaction, len(txs))
	copy(out, txs)
	applied := 0
	for i := range out {
		if out[i].Category != "" {
			continue
		}
		s, ok := byFP[out[i].Fingerprint]
		if !ok {
			continue
		}
		out[i].Category = s.Category
		out[i].Subcategory = s.Subcategory
		applied++
	}
	return out, applied
}

// cleanModelJSON strips Markdown fences and any text around the JSON array.
func cleanModelJSON(raw string) string {
	s := strings.TrimSpace(raw)

	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		} else {
			return s
		}
		s = strings.TrimSpace(s)
	}
	if idx := strings.LastIndex(s, "```"); idx != -1 {
		s = s[:idx]
	}
	s = strings.TrimSpace(s)

	if start := strings.Index(s, "["); start != -1 {
		if end := strings.LastIndex(s, "]"); end != -1 && end > start {
			s = strings.TrimSpace(s[start : end+1])
		}
	}
	return s
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

var _ Suggester = (*GeminiSuggester)(nil)
