package sitemap

import "math"

const (
	// DefaultPositionBase is the position given to the first child of an empty sibling group.
	DefaultPositionBase = 10.0
	// DefaultPositionStep is the gap left after the last sibling on append.
	DefaultPositionStep = 10.0
)

// PositionAllocator computes fractional sibling-order values.
type PositionAllocator struct {
	Base float64
	Step float64
}

// NewPositionAllocator returns an allocator with the default base and step.
func NewPositionAllocator() PositionAllocator {
	return PositionAllocator{Base: DefaultPositionBase, Step: DefaultPositionStep}
}

// Allocate returns the position for an insertion at targetIndex into the ordered sibling
// positions. Index 0 takes the midpoint between 0 and the first sibling.
func (a PositionAllocator) Allocate(siblings []float64, targetIndex int) float64 {
	if len(siblings) == 0 {
		return a.Base
	}
	if targetIndex >= len(siblings) {
		return siblings[len(siblings)-1] + a.Step
	}
	if targetIndex <= 0 {
		return siblings[0] / 2
	}
	return siblings[targetIndex-1] + (siblings[targetIndex]-siblings[targetIndex-1])/2
}

// Sibling is one member of an ordered sibling group.
type Sibling struct {
	ID       string
	Position float64
}

// SiblingPosition is a planned position write for an untouched sibling.
type SiblingPosition struct {
	ID       string
	Position float64
}

// PositionPlan is the outcome of placing one node into a sibling group.
type PositionPlan struct {
	// Position is the value for the placed node.
	Position float64
	// Changed is false when the node keeps its current value.
	Changed bool
	// Rebalanced lists sibling rewrites, empty unless the fractional space was exhausted.
	Rebalanced []SiblingPosition
}

// Plan places movingID at targetIndex. siblings is the current ordered group and may contain the
// moving node; targetIndex is interpreted after removing it. A node that already sits at the
// target keeps its value. When no representable value lies strictly between the neighbours, the
// whole group is renumbered from Base in Step increments.
func (a PositionAllocator) Plan(siblings []Sibling, movingID string, targetIndex int) PositionPlan {
	movingIndex := -1
	rest := make([]Sibling, 0, len(siblings))
	for index, sibling := range siblings {
		if movingID != "" && sibling.ID == movingID {
			movingIndex = index
			continue
		}
		rest = append(rest, sibling)
	}

	if targetIndex < 0 {
		targetIndex = 0
	}
	if targetIndex > len(rest) {
		targetIndex = len(rest)
	}
	if movingIndex >= 0 && movingIndex == targetIndex {
		return PositionPlan{Position: siblings[movingIndex].Position}
	}

	positions := make([]float64, 0, len(rest))
	for _, sibling := range rest {
		positions = append(positions, sibling.Position)
	}
	candidate := a.Allocate(positions, targetIndex)
	if fitsBetween(positions, targetIndex, candidate) {
		return PositionPlan{Position: candidate, Changed: true}
	}
	return a.rebalance(rest, targetIndex)
}

func (a PositionAllocator) rebalance(rest []Sibling, targetIndex int) PositionPlan {
	plan := PositionPlan{Changed: true}
	slot := 0
	for index := 0; index <= len(rest); index++ {
		value := a.Base + float64(slot)*a.Step
		if index == targetIndex {
			plan.Position = value
			slot++
			value = a.Base + float64(slot)*a.Step
		}
		if index == len(rest) {
			break
		}
		if rest[index].Position != value {
			plan.Rebalanced = append(plan.Rebalanced, SiblingPosition{ID: rest[index].ID, Position: value})
		}
		slot++
	}
	return plan
}

func fitsBetween(positions []float64, targetIndex int, candidate float64) bool {
	if math.IsNaN(candidate) || math.IsInf(candidate, 0) {
		return false
	}
	if targetIndex > 0 && !(positions[targetIndex-1] < candidate) {
		return false
	}
	if targetIndex < len(positions) && !(candidate < positions[targetIndex]) {
		return false
	}
	return true
}
