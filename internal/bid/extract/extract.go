// Package extract turns the lines of a costed estimate into bid-able items.
package extract

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/bitfantasy/bidportal/internal/bid/entity"
)

const (
	defaultQuantity = 1
	defaultUnit     = "EA"
)

// ErrInvalidFilter is wrapped by every filter validation failure.
var ErrInvalidFilter = errors.New("invalid filter")

// Filter selects which estimate lines and cost types become bid items.
// Build it with NewFilter; the zero value is not valid.
type Filter struct {
	categories []string
	costTypes  map[string]bool
}

// NewFilter validates raw filter input. Categories are trimmed and must not be
// empty after trimming. Cost types must be MATERIAL, LABOR or EQUIPMENT
// (case-insensitive); an empty list means MATERIAL only.
func NewFilter(categories []string, costTypes []string) (Filter, error) {
	f := Filter{costTypes: make(map[string]bool)}

	for _, c := range categories {
		c = strings.TrimSpace(c)
		if c == "" {
			return Filter{}, fmt.Errorf("%w: empty category prefix", ErrInvalidFilter)
		}
		f.categories = append(f.categories, c)
	}

	for _, ct := range costTypes {
		norm := strings.ToUpper(strings.TrimSpace(ct))
		if !validCostType(norm) {
			return Filter{}, fmt.Errorf("%w: unknown cost type %q", ErrInvalidFilter, ct)
		}
		f.costTypes[norm] = true
	}
	if len(f.costTypes) == 0 {
		f.costTypes[entity.CostTypeMaterial] = true
	}

	return f, nil
}

func validCostType(ct string) bool {
	for _, known := range entity.CostTypes {
		if ct == known {
			return true
		}
	}
	return false
}

// Config returns the normalized filter for persistence on the bid request.
func (f Filter) Config() entity.FilterConfig {
	cfg := entity.FilterConfig{
		Categories: append([]string{}, f.categories...),
		CostTypes:  []string{},
	}
	for _, ct := range entity.CostTypes {
		if f.costTypes[ct] {
			cfg.CostTypes = append(cfg.CostTypes, ct)
		}
	}
	return cfg
}

// Matches reports whether a composite category key passes the category filter.
func (f Filter) Matches(catSel string) bool {
	if len(f.categories) == 0 {
		return true
	}
	for _, prefix := range f.categories {
		if strings.HasPrefix(catSel, prefix) {
			return true
		}
	}
	return false
}

// CatSel joins category and selection codes with "/", dropping empty parts.
func CatSel(categoryCode, selectionCode string) string {
	parts := make([]string, 0, 2)
	for _, p := range []string{categoryCode, selectionCode} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "/")
}

// Items emits one bid item per (line, cost type) the line contributes a
// positive amount for. Lines are visited in LineNo order and, within a line,
// cost types in MATERIAL, LABOR, EQUIPMENT order. SortOrder is assigned
// sequentially; IDs and BidRequestID are left for the caller.
func Items(lines []entity.EstimateLine, f Filter) []entity.BidRequestItem {
	ordered := make([]entity.EstimateLine, len(lines))
	copy(ordered, lines)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].LineNo < ordered[j].LineNo
	})

	var items []entity.BidRequestItem
	for _, line := range ordered {
		catSel := CatSel(line.CategoryCode, line.SelectionCode)
		if !f.Matches(catSel) {
			continue
		}

		material := amount(line.MaterialAmount)
		total := amount(line.ItemAmount)

		if f.costTypes[entity.CostTypeMaterial] && material > 0 {
			items = append(items, newItem(line, catSel, entity.CostTypeMaterial, line.Description))
		}
		// 人工差额只在有材料金额时可推算
		if f.costTypes[entity.CostTypeLabor] && material > 0 && line.ItemAmount != nil && total > material {
			items = append(items, newItem(line, catSel, entity.CostTypeLabor, line.Description+" (Labor)"))
		}
		if f.costTypes[entity.CostTypeEquipment] && amount(line.EquipmentAmount) > 0 {
			items = append(items, newItem(line, catSel, entity.CostTypeEquipment, line.Description+" (Equipment)"))
		}
	}

	for i := range items {
		items[i].SortOrder = i
	}
	return items
}

func newItem(line entity.EstimateLine, catSel, costType, description string) entity.BidRequestItem {
	sourceID := line.ID
	qty := float64(defaultQuantity)
	if line.Qty != nil {
		qty = *line.Qty
	}
	unit := line.Unit
	if unit == "" {
		unit = defaultUnit
	}
	return entity.BidRequestItem{
		SourceType:  entity.SourceTypeEstimateLine,
		SourceID:    &sourceID,
		CatSel:      catSel,
		Description: description,
		Quantity:    qty,
		Unit:        unit,
		CostType:    costType,
	}
}

func amount(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

// Options lists what a staff user can filter on for an estimate.
type Options struct {
	Categories []string `json:"categories"`
	CatSels    []string `json:"cat_sels"`
	CostTypes  []string `json:"cost_types"`
}

// FilterOptions collects distinct category codes and composite keys, sorted.
func FilterOptions(lines []entity.EstimateLine) Options {
	categories := make(map[string]struct{})
	catSels := make(map[string]struct{})
	for _, line := range lines {
		if c := strings.TrimSpace(line.CategoryCode); c != "" {
			categories[c] = struct{}{}
		}
		if cs := CatSel(line.CategoryCode, line.SelectionCode); cs != "" {
			catSels[cs] = struct{}{}
		}
	}
	return Options{
		Categories: sortedKeys(categories),
		CatSels:    sortedKeys(catSels),
		CostTypes:  append([]string{}, entity.CostTypes...),
	}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
