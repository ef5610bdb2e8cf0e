package discount

import (
	"fmt"
	"sort"
	"strings"

	"tillpoint/backend/internal/domain"
)

// BOGOStrategy decides how much a buy-one-get-one discount is worth for a
// given set of cart lines.
type BOGOStrategy interface {
	Name() string
	Amount(lines []domain.CartLine) int64
}

const (
	PolicyPairPerLine      = "pair_per_line"
	PolicyCheapestUnitFree = "cheapest_unit_free"
	PolicyNone             = "none"
)

// PairPerLine makes every second unit of a line free.
type PairPerLine struct{}

func (PairPerLine) Name() string { return PolicyPairPerLine }

func (PairPerLine) Amount(lines []domain.CartLine) int64 {
	var total int64
	for _, line := range lines {
		if line.Qty < 2 || line.UnitEffectivePriceCents <= 0 {
			continue
		}
		total += int64(line.Qty/2) * line.UnitEffectivePriceCents
	}
	return total
}

// CheapestUnitFree gives away the single cheapest unit once the cart holds
// at least two units.
type CheapestUnitFree struct{}

func (CheapestUnitFree) Name() string { return PolicyCheapestUnitFree }

func (CheapestUnitFree) Amount(lines []domain.CartLine) int64 {
	units := 0
	cheapest := int64(-1)
	for _, line := range lines {
		if line.Qty <= 0 {
			continue
		}
		units += line.Qty
		if cheapest < 0 || line.UnitEffectivePriceCents < cheapest {
			cheapest = line.UnitEffectivePriceCents
		}
	}
	if units < 2 || cheapest <= 0 {
		return 0
	}
	return cheapest
}

// NoBOGO disables BOGO discounts entirely.
type NoBOGO struct{}

func (NoBOGO) Name() string { return PolicyNone }

func (NoBOGO) Amount([]domain.CartLine) int64 { return 0 }

var strategies = map[string]BOGOStrategy{
	PolicyPairPerLine:      PairPerLine{},
	PolicyCheapestUnitFree: CheapestUnitFree{},
	PolicyNone:             NoBOGO{},
}

// StrategyByName looks up a built-in strategy. An empty name selects
// pair_per_line.
func StrategyByName(name string) (BOGOStrategy, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return PairPerLine{}, nil
	}
	s, ok := strategies[name]
	if !ok {
		return nil, fmt.Errorf("unknown BOGO policy %q (known: %s)", name, strings.Join(Policies(), ", "))
	}
	return s, nil
}

func Policies() []string {
	names := make([]string, 0, len(strategies))
	for name := range strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
