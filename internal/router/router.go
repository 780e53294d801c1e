// Package router implements the Model Router (C4): a pure (plan, task) →
// tier mapping plus tier → concrete model id resolution against the
// pricing table. No I/O, no mutable state.
package router

import (
	"fmt"
	"sort"
)

// Tier is a symbolic model tier resolved to a concrete model id via the
// pricing table.
type Tier string

const (
	FastTier    Tier = "fast-tier"
	QualityTier Tier = "quality-tier"
)

// Plan is a subscription plan.
type Plan string

const (
	PlanFreemium   Plan = "freemium"
	PlanPaygo      Plan = "paygo"
	PlanProMonthly Plan = "pro_monthly"
	PlanProAnnual  Plan = "pro_annual"
)

// Task is a unit of work the facade is asked to perform.
type Task string

const (
	TaskExtraction           Task = "extraction"
	TaskCVDraft              Task = "cv_draft"
	TaskCoverLetter          Task = "cover_letter"
	TaskValidation           Task = "validation"
	TaskExtractionValidation Task = "extraction_validation"
)

type planTaskKey struct {
	plan Plan
	task Task
}

// planTaskTiers is the concrete policy table from spec.md §4.4.
var planTaskTiers = map[planTaskKey]Tier{
	{PlanFreemium, TaskExtraction}:   FastTier,
	{PlanFreemium, TaskCVDraft}:      FastTier,
	{PlanFreemium, TaskCoverLetter}:  FastTier,
	{PlanFreemium, TaskValidation}:   FastTier,
	{PlanPaygo, TaskExtraction}:      FastTier,
	{PlanPaygo, TaskCVDraft}:         FastTier,
	{PlanPaygo, TaskCoverLetter}:     FastTier,
	{PlanPaygo, TaskValidation}:       FastTier,
	{PlanProMonthly, TaskExtraction}:  FastTier,
	{PlanProMonthly, TaskCVDraft}:     QualityTier,
	{PlanProMonthly, TaskCoverLetter}: QualityTier,
	{PlanProMonthly, TaskValidation}:  FastTier,
	{PlanProAnnual, TaskExtraction}:   FastTier,
	{PlanProAnnual, TaskCVDraft}:      QualityTier,
	{PlanProAnnual, TaskCoverLetter}:  QualityTier,
	{PlanProAnnual, TaskValidation}:   FastTier,
}

// WarnFunc receives a warning record for an unknown (plan, task) pair that
// fell back to fast-tier. Callers typically wire this to their slog logger.
type WarnFunc func(plan Plan, task Task)

// PricingRow is one row of the static, read-only-at-runtime pricing table.
type PricingRow struct {
	ModelID              string
	Tier                 Tier
	Priority             int
	Enabled              bool
	InputCostMicroPerTok  int64
	OutputCostMicroPerTok int64
}

// Router resolves (plan, task) to a tier and a tier to a concrete model id.
type Router struct {
	pricing []PricingRow
	warn    WarnFunc
}

// New builds a Router over a pricing table. It returns an error if any
// tier referenced by planTaskTiers has no enabled pricing row — the
// router must be a total function, per spec invariant 10.
func New(pricing []PricingRow, warn WarnFunc) (*Router, error) {
	r := &Router{pricing: pricing, warn: warn}
	for _, tier := range []Tier{FastTier, QualityTier} {
		if _, err := r.modelForTier(tier); err != nil {
			return nil, fmt.Errorf("router: %w", err)
		}
	}
	return r, nil
}

// TierFor returns the tier for a (plan, task) pair, defaulting to
// fast-tier with a warning for an unrecognized combination.
func (r *Router) TierFor(plan Plan, task Task) Tier {
	if tier, ok := planTaskTiers[planTaskKey{plan, task}]; ok {
		return tier
	}
	if r.warn != nil {
		r.warn(plan, task)
	}
	return FastTier
}

// ModelFor resolves (plan, task) directly to a concrete model id.
func (r *Router) ModelFor(plan Plan, task Task) (string, error) {
	tier := r.TierFor(plan, task)
	return r.modelForTier(tier)
}

// modelForTier returns the highest-Priority enabled pricing row tagged
// with tier.
func (r *Router) modelForTier(tier Tier) (string, error) {
	var candidates []PricingRow
	for _, row := range r.pricing {
		if row.Tier == tier && row.Enabled {
			candidates = append(candidates, row)
		}
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("no enabled pricing row for tier %q", tier)
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Priority > candidates[j].Priority })
	return candidates[0].ModelID, nil
}

// CostMicroUSD computes the micro-USD cost of a call against the pricing
// row for modelID. Returns 0 if modelID has no pricing row (cache hits and
// the env-fallback path may carry a model id outside the pricing table).
func (r *Router) CostMicroUSD(modelID string, inputTokens, outputTokens int64) int64 {
	for _, row := range r.pricing {
		if row.ModelID == modelID {
			return inputTokens*row.InputCostMicroPerTok + outputTokens*row.OutputCostMicroPerTok
		}
	}
	return 0
}
