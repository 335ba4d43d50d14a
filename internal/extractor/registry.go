package extractor

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dvloznov/bank-sync/internal/config"
	"github.com/dvloznov/bank-sync/internal/domain"
)

// Constructor builds an Extractor from its institution config and shared deps.
type Constructor func(bank config.Bank, deps Deps) (Extractor, error)

type registration struct {
	ctor Constructor
	bank config.Bank
}

// Registry maps institution ids to extractor constructors. It is filled once
// at process start and read afterwards.
type Registry struct {
	entries map[string]registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registration)}
}

func registryKey(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// Register adds an institution. Panics on a duplicate id.
func (r *Registry) Register(institutionID string, ctor Constructor, bank config.Bank) {
	key := registryKey(institutionID)
	if _, ok := r.entries[key]; ok {
		panic("duplicate institution: " + key)
	}
	bank.InstitutionID = key
	r.entries[key] = registration{ctor: ctor, bank: bank}
}

// Configure overlays a bank config loaded from disk. Known institutions keep
// their constructor and merge the overlay; new ones run on the data-driven
// browser extractor.
func (r *Registry) Configure(bank config.Bank) {
	key := registryKey(bank.InstitutionID)
	if reg, ok := r.entries[key]; ok {
		reg.bank = reg.bank.Merge(bank)
		r.entries[key] = reg
		return
	}
	r.Register(key, NewBrowserExtractor, bank)
}

// Resolve builds the extractor for institutionID.
func (r *Registry) Resolve(institutionID string, deps Deps) (Extractor, error) {
	reg, ok := r.entries[registryKey(institutionID)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownInstitution, institutionID)
	}
	if err := reg.bank.Validate(); err != nil {
		return nil, fmt.Errorf("invalid bank config: %w", err)
	}
	return reg.ctor(reg.bank, deps)
}

// Bank returns the effective configuration for institutionID.
func (r *Registry) Bank(institutionID string) (config.Bank, error) {
	reg, ok := r.entries[registryKey(institutionID)]
	if !ok {
		return config.Bank{}, fmt.Errorf("%w: %q", domain.ErrUnknownInstitution, institutionID)
	}
	return reg.bank, nil
}

// Institutions lists registered ids in order.
func (r *Registry) Institutions() []string {
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DefaultRegistry returns the built-in institutions with overlays applied.
func DefaultRegistry(overlays map[string]config.Bank) *Registry {
	r := NewRegistry()
	r.Register(ChaseID, NewBrowserExtractor, Chase())
	r.Register(WellsFargoID, NewBrowserExtractor, WellsFargo())
	for _, id := range config.SortedIDs(overlays) {
		r.Configure(overlays[id])
	}
	return r
}
