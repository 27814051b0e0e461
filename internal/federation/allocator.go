package federation

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// SampleBudget is round(totalClients * sampleRatio), clamped to [0, totalClients]
func SampleBudget(totalClients int, sampleRatio float64) int {
	budget := int(math.Round(float64(totalClients) * sampleRatio))
	return max(0, min(budget, totalClients))
}

// StratumDispersion returns S_h, the population standard deviation of the
// member signature norms of every group. Groups with fewer than two members
// have zero dispersion
func StratumDispersion(groups [][]int, norms []float64) []float64 {
	out := make([]float64, len(groups))
	for h, members := range groups {
		if len(members) < 2 {
			continue
		}
		values := make([]float64, len(members))
		for i, k := range members {
			values[i] = norms[k]
		}
		out[h] = stat.PopStdDev(values, nil)
	}
	return out
}

// Allocate computes the Neyman allocation m_h of the sample budget across
// groups. Shares are proportional to N_h*S_h; when every product is zero they
// fall back to N_h. The result satisfies sum(m_h) == budget and
// 0 <= m_h <= N_h
func Allocate(groups [][]int, norms []float64, sampleRatio float64) []int {
	sizes := make([]int, len(groups))
	var population int
	for h, members := range groups {
		sizes[h] = len(members)
		population += len(members)
	}
	budget := SampleBudget(population, sampleRatio)

	dispersion := StratumDispersion(groups, norms)
	shares := make([]float64, len(groups))
	var total float64
	for h := range groups {
		shares[h] = float64(sizes[h]) * dispersion[h]
		total += shares[h]
	}
	if total == 0 {
		for h := range groups {
			shares[h] = float64(sizes[h])
			total += shares[h]
		}
	}

	alloc := make([]int, len(groups))
	if total == 0 || budget == 0 {
		return alloc
	}

	type remainder struct {
		stratum int
		frac    float64
	}
	rems := make([]remainder, 0, len(groups))
	placed := 0
	for h := range groups {
		exact := float64(budget) * shares[h] / total
		alloc[h] = int(math.Floor(exact))
		placed += alloc[h]
		if shares[h] > 0 {
			rems = append(rems, remainder{stratum: h, frac: exact - math.Floor(exact)})
		}
	}
	sort.SliceStable(rems, func(i, j int) bool {
		return rems[i].frac > rems[j].frac
	})
	for i := 0; placed < budget && len(rems) > 0; i++ {
		alloc[rems[i%len(rems)].stratum]++
		placed++
	}

	overflow := 0
	for h := range alloc {
		if alloc[h] > sizes[h] {
			overflow += alloc[h] - sizes[h]
			alloc[h] = sizes[h]
		}
	}
	for ; overflow > 0; overflow-- {
		best, bestCap := -1, 0
		for h := range alloc {
			if c := sizes[h] - alloc[h]; c > bestCap {
				best, bestCap = h, c
			}
		}
		if best < 0 {
			break
		}
		alloc[best]++
	}

	return alloc
}
