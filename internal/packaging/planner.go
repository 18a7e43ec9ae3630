// Package packaging turns cart or order lines into carrier-compliant parcels.
package packaging

import (
	"errors"
	"fmt"
	"math"

	"github.com/storefront/fulfillment/internal/domain"
)

// Limits describes the carrier ceilings and packing constants used by the planner.
type Limits struct {
	MaxLinearInches  float64
	MaxWeightLb      float64
	WeightMarginLb   float64
	LinearMarginIn   float64
	OverheadWeightLb float64
	OverheadHeightIn float64
	MinLengthIn      float64
	MinWidthIn       float64
	MinHeightIn      float64
	DefaultItem      domain.Dimensions
	DefaultWeightLb  float64
}

// DefaultLimits returns the ceilings of the configured carrier account.
func DefaultLimits() Limits {
	return Limits{
		MaxLinearInches:  108,
		MaxWeightLb:      150,
		WeightMarginLb:   10,
		LinearMarginIn:   20,
		OverheadWeightLb: 2,
		OverheadHeightIn: 4,
		MinLengthIn:      12,
		MinWidthIn:       12,
		MinHeightIn:      6,
		DefaultItem:      domain.Dimensions{Length: 12, Width: 12, Height: 2},
		DefaultWeightLb:  5,
	}
}

// Item is a line to be packed; nil or non-positive measurements fall back to defaults.
type Item struct {
	Dimensions *domain.Dimensions
	WeightLb   *float64
	Quantity   int
}

// Planner builds packages under a fixed set of limits.
type Planner struct {
	limits Limits
}

// NewPlanner constructs a planner, filling zero limits from DefaultLimits.
func NewPlanner(limits Limits) *Planner {
	def := DefaultLimits()
	if limits.MaxLinearInches <= 0 {
		limits.MaxLinearInches = def.MaxLinearInches
	}
	if limits.MaxWeightLb <= 0 {
		limits.MaxWeightLb = def.MaxWeightLb
	}
	if limits.WeightMarginLb < 0 {
		limits.WeightMarginLb = def.WeightMarginLb
	}
	if limits.LinearMarginIn < 0 {
		limits.LinearMarginIn = def.LinearMarginIn
	}
	if limits.DefaultItem.Length <= 0 || limits.DefaultItem.Width <= 0 || limits.DefaultItem.Height <= 0 {
		limits.DefaultItem = def.DefaultItem
	}
	if limits.DefaultWeightLb <= 0 {
		limits.DefaultWeightLb = def.DefaultWeightLb
	}
	return &Planner{limits: limits}
}

// Limits exposes the planner configuration.
func (p *Planner) Limits() Limits {
	return p.limits
}

var defaultPlanner = NewPlanner(DefaultLimits())

// BuildPackages plans packages with the default carrier limits.
func BuildPackages(items []Item) []domain.Package {
	return defaultPlanner.BuildPackages(items)
}

// ErrOversize reports a unit that exceeds the carrier ceilings even when packed alone.
var ErrOversize = errors.New("packaging: unit exceeds carrier limits")

// Fits reports whether pkg is within the carrier linear and weight ceilings.
func (p *Planner) Fits(pkg domain.Package) bool {
	return pkg.LinearInches() <= p.limits.MaxLinearInches && pkg.WeightLb <= p.limits.MaxWeightLb
}

// Plan builds packages like BuildPackages and fails with ErrOversize when any package is
// still over the ceilings, which only happens for a single unit that cannot ship alone.
func (p *Planner) Plan(items []Item) ([]domain.Package, error) {
	packages := p.BuildPackages(items)
	for i, pkg := range packages {
		if !p.Fits(pkg) {
			return nil, fmt.Errorf("%w: package %d is %.0f in and %.2f lb, limits are %.0f in and %.0f lb",
				ErrOversize, i+1, pkg.LinearInches(), pkg.WeightLb, p.limits.MaxLinearInches, p.limits.MaxWeightLb)
		}
	}
	return packages, nil
}

// BuildPackages consolidates every unit into a single stacked package when it fits the
// carrier ceilings, otherwise falls back to greedy per-unit packing with a safety margin.
func (p *Planner) BuildPackages(items []Item) []domain.Package {
	units := p.expand(items)
	if len(units) == 0 {
		return nil
	}

	combined := p.pack(units)
	if p.Fits(combined) {
		return []domain.Package{combined}
	}

	weightCap := p.limits.MaxWeightLb - p.limits.WeightMarginLb
	linearCap := p.limits.MaxLinearInches - p.limits.LinearMarginIn

	var (
		packages []domain.Package
		current  []unit
	)
	for _, u := range units {
		candidate := append(append([]unit(nil), current...), u)
		pkg := p.pack(candidate)
		if len(current) > 0 && (pkg.WeightLb > weightCap || pkg.LinearInches() > linearCap) {
			packages = append(packages, p.pack(current))
			current = []unit{u}
			continue
		}
		current = candidate
	}
	if len(current) > 0 {
		packages = append(packages, p.pack(current))
	}
	return packages
}

type unit struct {
	dims   domain.Dimensions
	weight float64
}

func (p *Planner) expand(items []Item) []unit {
	var units []unit
	for _, item := range items {
		if item.Quantity <= 0 {
			continue
		}
		dims := p.limits.DefaultItem
		if d := item.Dimensions; d != nil && d.Length > 0 && d.Width > 0 && d.Height > 0 {
			dims = *d
		}
		weight := p.limits.DefaultWeightLb
		if item.WeightLb != nil && *item.WeightLb > 0 {
			weight = *item.WeightLb
		}
		for i := 0; i < item.Quantity; i++ {
			units = append(units, unit{dims: dims, weight: weight})
		}
	}
	return units
}

// pack stacks units on the widest footprint and applies overhead and minimum box size.
func (p *Planner) pack(units []unit) domain.Package {
	var length, width, height, weight float64
	for _, u := range units {
		length = math.Max(length, u.dims.Length)
		width = math.Max(width, u.dims.Width)
		height += u.dims.Height
		weight += u.weight
	}
	height += p.limits.OverheadHeightIn
	weight += p.limits.OverheadWeightLb

	return domain.Package{
		Dimensions: domain.Dimensions{
			Length: math.Max(length, p.limits.MinLengthIn),
			Width:  math.Max(width, p.limits.MinWidthIn),
			Height: math.Max(height, p.limits.MinHeightIn),
		},
		WeightLb:  round2(weight),
		ItemCount: len(units),
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// FromOrderLines adapts order lines to planner items.
func FromOrderLines(lines []domain.OrderLine) []Item {
	items := make([]Item, 0, len(lines))
	for _, line := range lines {
		items = append(items, Item{Dimensions: line.Dimensions, WeightLb: line.WeightLb, Quantity: line.Quantity})
	}
	return items
}

// FromCartLines adapts cart lines to planner items.
func FromCartLines(lines []domain.CartLine) []Item {
	items := make([]Item, 0, len(lines))
	for _, line := range lines {
		items = append(items, Item{Dimensions: line.Dimensions, WeightLb: line.WeightLb, Quantity: line.Quantity})
	}
	return items
}
