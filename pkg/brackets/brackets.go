// Package brackets groups holder balances into power-of-ten magnitude buckets.
package brackets

import (
	"math/big"
	"strings"
)

// DefaultMinDigits puts everything under 10,000 in the lowest bucket.
const DefaultMinDigits = 4

// Bracket is one magnitude bucket. Upper is nil for the open-ended top bucket and Lower is zero
// for the lowest one. Membership is Lower <= balance < Upper.
type Bracket struct {
	Label string   `json:"label"`
	Lower *big.Int `json:"lower"`
	Upper *big.Int `json:"upper,omitempty"`
	Count uint64   `json:"count"`
}

// Compute returns the ordered buckets for balances, lowest first. Zero and nil balances are
// ignored; with no positive balance there are no buckets.
func Compute(balances map[string]*big.Int, minDigits int) []Bracket {
	if minDigits < 1 {
		minDigits = DefaultMinDigits
	}

	var max *big.Int
	positive := make([]*big.Int, 0, len(balances))
	for _, b := range balances {
		if b == nil || b.Sign() <= 0 {
			continue
		}
		positive = append(positive, b)
		if max == nil || b.Cmp(max) > 0 {
			max = b
		}
	}
	if max == nil {
		return []Bracket{}
	}

	numDigits := len(max.String()) - 1
	if numDigits < minDigits {
		numDigits = minDigits
	}

	// bounds[i] = 10^(minDigits+i)
	bounds := make([]*big.Int, 0, numDigits-minDigits+1)
	ten := big.NewInt(10)
	for k := minDigits; k <= numDigits; k++ {
		bounds = append(bounds, new(big.Int).Exp(ten, big.NewInt(int64(k)), nil))
	}

	out := make([]Bracket, 0, len(bounds)+1)
	out = append(out, Bracket{Label: "less than " + group(bounds[0]), Lower: new(big.Int), Upper: bounds[0]})
	for i := 0; i < len(bounds)-1; i++ {
		out = append(out, Bracket{
			Label: group(bounds[i]) + " - " + group(bounds[i+1]),
			Lower: bounds[i],
			Upper: bounds[i+1],
		})
	}
	top := bounds[len(bounds)-1]
	out = append(out, Bracket{Label: group(top) + "+", Lower: top})

	for _, b := range positive {
		out[classify(b, bounds)].Count++
	}
	return out
}

// Recompute returns the label -> count view persisted with the ledger snapshot.
func Recompute(balances map[string]*big.Int, minDigits int) map[string]uint64 {
	buckets := Compute(balances, minDigits)
	out := make(map[string]uint64, len(buckets))
	for _, b := range buckets {
		out[b.Label] = b.Count
	}
	return out
}

// classify returns the bucket index: 0 below bounds[0], i+1 for bounds[i] <= b < bounds[i+1].
func classify(b *big.Int, bounds []*big.Int) int {
	idx := 0
	for i, bound := range bounds {
		if b.Cmp(bound) < 0 {
			break
		}
		idx = i + 1
	}
	return idx
}

// group renders n with comma thousands separators.
func group(n *big.Int) string {
	s := n.String()
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	lead := len(s) % 3
	if lead == 0 {
		lead = 3
	}
	b.WriteString(s[:lead])
	for i := lead; i < len(s); i += 3 {
		b.WriteByte(',')
		b.WriteString(s[i : i+3])
	}
	return b.String()
}
