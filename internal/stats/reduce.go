package stats

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Reducer folds the stored values of one aggregate key into a single result.
// To add a new policy: implement this interface and register it in Reducers.
type Reducer interface {
	Reduce(valueType string, values []string) (any, error)
}

// Reducers is the registry of all reduce policies.
var Reducers = map[Policy]Reducer{
	PolicyFrequency: frequencyReducer{},
	PolicyAverage:   averageReducer{},
	PolicyMaximum:   maximumReducer{},
}

// Reduce applies the policy's reducer. All-marker inputs reduce to nil
// before any policy runs.
func Reduce(policy Policy, valueType string, values []string) (any, error) {
	if allNone(values) {
		return nil, nil
	}
	r, ok := Reducers[policy]
	if !ok {
		return nil, fmt.Errorf("unknown reduce policy %q", policy)
	}
	return r.Reduce(valueType, values)
}

func allNone(values []string) bool {
	for _, v := range values {
		if v != NoneMarker {
			return false
		}
	}
	return true
}

func present(values []string) []string {
	out := values[:0:0]
	for _, v := range values {
		if v != NoneMarker {
			out = append(out, v)
		}
	}
	return out
}

// frequencyReducer picks the most frequent value. Ties break toward the value
// seen first, which keeps repeated reductions stable.
type frequencyReducer struct{}

func (frequencyReducer) Reduce(valueType string, values []string) (any, error) {
	counts := make(map[string]int)
	var order []string
	for _, v := range present(values) {
		if counts[v] == 0 {
			order = append(order, v)
		}
		counts[v]++
	}
	best := order[0]
	for _, v := range order[1:] {
		if counts[v] > counts[best] {
			best = v
		}
	}
	return Decode(valueType, best), nil
}

// averageReducer computes the exact mean. Integer keys truncate toward zero,
// float keys round to two decimal places.
type averageReducer struct{}

func (averageReducer) Reduce(valueType string, values []string) (any, error) {
	vals := present(values)
	sum := decimal.Zero
	for _, v := range vals {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("average over non-numeric value %q: %w", v, err)
		}
		sum = sum.Add(d)
	}
	mean := sum.Div(decimal.NewFromInt(int64(len(vals))))
	switch valueType {
	case "int":
		return mean.IntPart(), nil
	case "float":
		f, _ := mean.Round(2).Float64()
		return f, nil
	}
	return nil, fmt.Errorf("average over non-numeric key type %q", valueType)
}

// maximumReducer keeps the largest value: numerically for numeric keys,
// lexicographically otherwise. Canonical time encoding makes the
// lexicographic order the chronological one.
type maximumReducer struct{}

func (maximumReducer) Reduce(valueType string, values []string) (any, error) {
	vals := present(values)
	switch valueType {
	case "int", "float":
		best, err := decimal.NewFromString(vals[0])
		if err != nil {
			return nil, fmt.Errorf("maximum over non-numeric value %q: %w", vals[0], err)
		}
		for _, v := range vals[1:] {
			d, err := decimal.NewFromString(v)
			if err != nil {
				return nil, fmt.Errorf("maximum over non-numeric value %q: %w", v, err)
			}
			if d.GreaterThan(best) {
				best = d
			}
		}
		return Decode(valueType, best.String()), nil
	}
	best := vals[0]
	for _, v := range vals[1:] {
		if v > best {
			best = v
		}
	}
	return Decode(valueType, best), nil
}
