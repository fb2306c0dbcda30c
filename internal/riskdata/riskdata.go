// Package riskdata supplies the drug-risk and interaction predicates the
// reconciliation engine consumes. The authoritative knowledge base is an
// external service; a static catalog backs tests and degraded operation.
package riskdata

import (
	"context"
	"strings"
	"sync"

	"github.com/carelink/go-mar/internal/engine/reconcile"
)

// Entry is one catalog row for an active ingredient
type Entry struct {
	Ingredient  string                        `json:"ingredient"`
	HighRisk    bool                          `json:"high_risk"`
	RiskClass   string                        `json:"risk_class,omitempty"`
	Interaction reconcile.InteractionSeverity `json:"interaction,omitempty"`
}

// Catalog is an in-memory risk source. Lookups are case-insensitive on the
// ingredient name. Safe for concurrent use.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewCatalog builds a catalog from the given entries
func NewCatalog(entries []Entry) *Catalog {
	c := &Catalog{entries: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		c.entries[normalize(e.Ingredient)] = e
	}
	return c
}

// DefaultCatalog returns a seed catalog of the common high-risk classes
// (anticoagulants, insulins, opioids, hypoglycemics). Deployments replace it
// with data loaded from the drug knowledge base.
func DefaultCatalog() *Catalog {
	return NewCatalog([]Entry{
		{Ingredient: "warfarin", HighRisk: true, RiskClass: "anticoagulant", Interaction: reconcile.InteractionMajor},
		{Ingredient: "apixaban", HighRisk: true, RiskClass: "anticoagulant"},
		{Ingredient: "rivaroxaban", HighRisk: true, RiskClass: "anticoagulant"},
		{Ingredient: "enoxaparin", HighRisk: true, RiskClass: "anticoagulant"},
		{Ingredient: "insulin glargine", HighRisk: true, RiskClass: "insulin"},
		{Ingredient: "insulin aspart", HighRisk: true, RiskClass: "insulin"},
		{Ingredient: "morphine sulfate", HighRisk: true, RiskClass: "opioid"},
		{Ingredient: "oxycodone", HighRisk: true, RiskClass: "opioid"},
		{Ingredient: "fentanyl", HighRisk: true, RiskClass: "opioid"},
		{Ingredient: "methotrexate", HighRisk: true, RiskClass: "antimetabolite", Interaction: reconcile.InteractionContraindicated},
		{Ingredient: "digoxin", HighRisk: true, RiskClass: "cardiac_glycoside", Interaction: reconcile.InteractionMajor},
		{Ingredient: "lithium", HighRisk: true, RiskClass: "mood_stabilizer", Interaction: reconcile.InteractionMajor},
		{Ingredient: "gliclazide", HighRisk: true, RiskClass: "sulfonylurea"},
		{Ingredient: "simvastatin", HighRisk: false, Interaction: reconcile.InteractionMajor},
		{Ingredient: "clarithromycin", HighRisk: false, Interaction: reconcile.InteractionMajor},
	})
}

// Upsert adds or replaces a catalog entry
func (c *Catalog) Upsert(e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[normalize(e.Ingredient)] = e
}

// IsHighRisk implements reconcile.RiskSource
func (c *Catalog) IsHighRisk(_ context.Context, ingredient string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[normalize(ingredient)].HighRisk, nil
}

// InteractionSeverity implements reconcile.RiskSource
func (c *Catalog) InteractionSeverity(_ context.Context, ingredient string) (reconcile.InteractionSeverity, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[normalize(ingredient)]
	if !ok || e.Interaction == "" {
		return reconcile.InteractionNone, nil
	}
	return e.Interaction, nil
}

func normalize(ingredient string) string {
	return strings.ToLower(strings.Join(strings.Fields(ingredient), " "))
}
