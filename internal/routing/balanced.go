package routing

import (
	"cmp"
	"slices"

	"github.com/omniscient-ai/provider-gateway/internal/registry"
)

// balanced scores each provider as
//
//	w.Cost*cheapness + w.Speed*quickness + w.Quality*quality
//
// where every term is min-max normalized to [0,1] across the pool. Cheapness
// and quickness are reversed so the cheapest and fastest score 1; a free
// provider stays finite. When all providers tie on a dimension it scores 1.
func balanced(pool Candidates, w Weights, lat LatencySource) Candidates {
	n := len(pool)
	cost := make([]float64, n)
	speed := make([]float64, n)
	quality := make([]float64, n)
	for i, p := range pool {
		cost[i] = p.CostPer1KTokens.InexactFloat64()
		speed[i] = float64(latency(p, lat).Milliseconds())
		quality[i] = float64(p.QualityScore)
	}
	cost = normalize(cost, true)
	speed = normalize(speed, true)
	quality = normalize(quality, false)

	type scored struct {
		p     registry.Provider
		score float64
	}
	s := make([]scored, n)
	for i, p := range pool {
		s[i] = scored{p, w.Cost*cost[i] + w.Speed*speed[i] + w.Quality*quality[i]}
	}
	slices.SortStableFunc(s, func(a, b scored) int {
		return cmp.Compare(b.score, a.score)
	})

	out := make(Candidates, n)
	for i := range s {
		out[i] = s[i].p
	}
	return out
}

func normalize(xs []float64, lowerIsBetter bool) []float64 {
	lo, hi := slices.Min(xs), slices.Max(xs)
	out := make([]float64, len(xs))
	for i, x := range xs {
		switch {
		case hi == lo:
			out[i] = 1
		case lowerIsBetter:
			out[i] = (hi - x) / (hi - lo)
		default:
			out[i] = (x - lo) / (hi - lo)
		}
	}
	return out
}
