package stats

import "github.com/gkobilansky/abkit/internal/store"

// DefaultIntervalConfidence is the confidence level of the per-variant Wilson interval.
const DefaultIntervalConfidence = 0.95

// VariantStats is the computed, never persisted, summary of one variant.
type VariantStats struct {
	VariantID      string  `json:"variant_id"`
	Name           string  `json:"name"`
	IsControl      bool    `json:"is_control"`
	Visitors       int     `json:"visitors"`
	Conversions    int     `json:"conversions"`
	ConversionRate float64 `json:"conversion_rate"`
	// Confidence is the two-sided p-value against the control. It stays 0 for the
	// control and whenever the test could not be run.
	Confidence    float64  `json:"confidence"`
	IsSignificant bool     `json:"is_significant"`
	UpliftPercent *float64 `json:"uplift_percent,omitempty"`
	CILower       float64  `json:"ci_lower"`
	CIUpper       float64  `json:"ci_upper"`
}

type counts struct {
	visitors    int
	conversions int
}

// Calculate computes per-variant statistics for exp from its visitor outcomes, in
// variant definition order. Outcomes for other experiments or unknown variants
// are ignored.
func Calculate(exp *store.Experiment, outcomes []*store.VisitorOutcome) []VariantStats {
	if exp == nil || len(exp.Variants) == 0 {
		return nil
	}

	// Distinct visitors per variant; a visitor converts if any outcome of theirs does.
	seen := make(map[string]map[string]bool, len(exp.Variants))
	for _, v := range exp.Variants {
		seen[v.ID] = make(map[string]bool)
	}
	for _, o := range outcomes {
		if o.ExperimentID != exp.ID {
			continue
		}
		visitors, ok := seen[o.VariantID]
		if !ok {
			continue
		}
		visitors[o.VisitorID] = visitors[o.VisitorID] || o.Converted(exp)
	}

	byVariant := make(map[string]counts, len(seen))
	for id, visitors := range seen {
		var c counts
		for _, converted := range visitors {
			c.visitors++
			if converted {
				c.conversions++
			}
		}
		byVariant[id] = c
	}

	control := byVariant[exp.Control().ID]
	controlRate := rate(control)

	results := make([]VariantStats, len(exp.Variants))
	for i, v := range exp.Variants {
		c := byVariant[v.ID]
		lower, upper := WilsonInterval(c.conversions, c.visitors, DefaultIntervalConfidence)

		vs := VariantStats{
			VariantID:      v.ID,
			Name:           v.Name,
			IsControl:      i == 0,
			Visitors:       c.visitors,
			Conversions:    c.conversions,
			ConversionRate: rate(c),
			CILower:        lower,
			CIUpper:        upper,
		}

		if i > 0 {
			if controlRate > 0 {
				uplift := (vs.ConversionRate - controlRate) / controlRate * 100
				vs.UpliftPercent = &uplift
			}

			if c.visitors >= exp.MinimumSampleSize {
				p, ok := TwoProportionTest(control.conversions, control.visitors, c.conversions, c.visitors)
				if ok {
					vs.Confidence = p
					vs.IsSignificant = p < exp.SignificanceThreshold
				}
			}
		}

		results[i] = vs
	}

	return results
}

func rate(c counts) float64 {
	if c.visitors == 0 {
		return 0
	}
	return float64(c.conversions) / float64(c.visitors)
}
