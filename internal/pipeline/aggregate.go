package pipeline

import (
	"sort"

	playbook "github.com/parchmint/playbook-engine"
)

// MeanConfidence averages per-item confidences, clamping each input and the
// result into [0, 1]. An empty slice means nothing was found and scores 0.
func MeanConfidence(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += playbook.ClampConfidence(v)
	}
	return playbook.ClampConfidence(sum / float64(len(values)))
}

// DedupeMaxConfidence merges duplicate items sharing a semantic key, keeping
// the occurrence with the higher confidence. First-seen order is preserved,
// so chunk order determines output order for distinct keys.
func DedupeMaxConfidence[T any](items []T, key func(T) string, confidence func(T) float64) []T {
	out := make([]T, 0, len(items))
	index := make(map[string]int, len(items))
	for _, item := range items {
		k := key(item)
		if at, seen := index[k]; seen {
			if confidence(item) > confidence(out[at]) {
				out[at] = item
			}
			continue
		}
		index[k] = len(out)
		out = append(out, item)
	}
	return out
}

// Amount is one extracted monetary value attributed to a category.
type Amount struct {
	Category string  `json:"category"`
	Currency string  `json:"currency"`
	Value    float64 `json:"value"`
}

// CurrencyConverter converts a value from the given currency into the base
// currency. The second return reports whether a conversion was available.
type CurrencyConverter func(value float64, currency string) (float64, bool)

// StaticRates builds a converter from a fixed rate table. Rates are expressed
// as units of base per unit of foreign currency; the base currency itself
// always converts at 1.
func StaticRates(base string, rates map[string]float64) CurrencyConverter {
	return func(value float64, currency string) (float64, bool) {
		if currency == base || currency == "" {
			return value, true
		}
		rate, ok := rates[currency]
		if !ok {
			return value, false
		}
		return value * rate, true
	}
}

// TotalsByCategory sums amounts per category, converting each into the base
// currency first. Amounts with no available conversion are summed at face
// value; the unconverted currencies are reported so callers can flag them.
func TotalsByCategory(items []Amount, convert CurrencyConverter) (totals map[string]float64, unconverted []string) {
	totals = make(map[string]float64, len(items))
	seen := make(map[string]bool)
	for _, item := range items {
		value := item.Value
		if convert != nil {
			converted, ok := convert(item.Value, item.Currency)
			if ok {
				value = converted
			} else if !seen[item.Currency] {
				seen[item.Currency] = true
				unconverted = append(unconverted, item.Currency)
			}
		}
		totals[item.Category] += value
	}
	sort.Strings(unconverted)
	return totals, unconverted
}

// TotalsByCurrency sums amounts per currency with no conversion.
func TotalsByCurrency(items []Amount) map[string]float64 {
	totals := make(map[string]float64, len(items))
	for _, item := range items {
		totals[item.Currency] += item.Value
	}
	return totals
}

// GrandTotal sums all category totals into one figure.
func GrandTotal(totals map[string]float64) float64 {
	var sum float64
	for _, v := range totals {
		sum += v
	}
	return sum
}
