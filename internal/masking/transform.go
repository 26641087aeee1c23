// Package masking converts sensitive numeric fields into relative indicators
// for viewers without the view-financials capability.
package masking

import "encoding/json"

// ImpactLevel classifies a masked value's relative size.
type ImpactLevel string

const (
	ImpactLow      ImpactLevel = "LOW"
	ImpactMedium   ImpactLevel = "MEDIUM"
	ImpactHigh     ImpactLevel = "HIGH"
	ImpactCritical ImpactLevel = "CRITICAL"
)

// Placeholder is rendered in place of a hidden number.
const Placeholder = "restricted"

// Peer is one member of the category peer group used for ranking.
type Peer struct {
	Category string
	Value    float64
}

// Bundle is the relative-indicator replacement for a hidden number. It must
// never carry enough precision to back-solve the raw value.
type Bundle struct {
	Placeholder string      `json:"placeholder"`
	Impact      ImpactLevel `json:"impact_level"`
	Percentile  int         `json:"percentile"`
	Comparison  string      `json:"comparison"`
}

// Value is the read-model wrapper around a numeric field: either the raw
// number (authorized viewer) or a Bundle.
type Value struct {
	raw    float64
	bundle *Bundle
}

// Raw returns the underlying number and whether it is visible.
func (v Value) Raw() (float64, bool) {
	if v.bundle != nil {
		return 0, false
	}
	return v.raw, true
}

// Masked returns the indicator bundle when the value is hidden.
func (v Value) Masked() *Bundle {
	return v.bundle
}

// MarshalJSON serializes either the raw number or the bundle, so response
// structs can embed Value directly.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.bundle != nil {
		return json.Marshal(v.bundle)
	}
	return json.Marshal(v.raw)
}

// Mask applies the capability decision to a numeric field. Authorized viewers
// get the raw value back unchanged; everyone else gets a rank-based indicator
// computed against peers of the same category.
func Mask(value float64, category string, peers []Peer, hasViewFinancials bool) Value {
	if hasViewFinancials {
		return Value{raw: value}
	}
	group := filterCategory(peers, category)
	pct := percentile(value, group)
	return Value{bundle: &Bundle{
		Placeholder: Placeholder,
		Impact:      classify(pct),
		Percentile:  pct,
		Comparison:  comparison(value, group),
	}}
}

func filterCategory(peers []Peer, category string) []float64 {
	out := make([]float64, 0, len(peers))
	for _, p := range peers {
		if p.Category == category {
			out = append(out, p.Value)
		}
	}
	return out
}

// percentile ranks value within its peer group: the share of peers with a
// value at or below it, as an integer 0-100. A group of one carries no
// information and reports 50.
func percentile(value float64, group []float64) int {
	if len(group) <= 1 {
		return 50
	}
	atOrBelow := 0
	for _, v := range group {
		if v <= value {
			atOrBelow++
		}
	}
	return atOrBelow * 100 / len(group)
}

func classify(pct int) ImpactLevel {
	switch {
	case pct >= 90:
		return ImpactCritical
	case pct >= 70:
		return ImpactHigh
	case pct >= 50:
		return ImpactMedium
	default:
		return ImpactLow
	}
}

// comparison buckets value/mean coarsely. Buckets are deliberately wide so a
// reader cannot recover the raw value from the mean.
func comparison(value float64, group []float64) string {
	if len(group) == 0 {
		return "no category peers"
	}
	var sum float64
	for _, v := range group {
		sum += v
	}
	mean := sum / float64(len(group))
	if mean == 0 {
		return "no category baseline"
	}
	ratio := value / mean
	switch {
	case ratio >= 3:
		return "≥3× category average"
	case ratio >= 1.5:
		return "1.5×–3× category average"
	case ratio >= 0.75:
		return "near category average"
	default:
		return "below category average"
	}
}
