// Package noise samples the differentially-private padding each server
// adds to its share of the database before the offline shuffle, and
// computes the row range a given server is responsible for noising.
package noise

import (
	"math"
	"math/rand"

	"github.com/auroradata-ai/dppir/internal/logging"
	"github.com/auroradata-ai/dppir/internal/types"
)

// laplace draws one sample from a Laplace(mean, span) distribution.
func laplace(rng *rand.Rand, mean, span float64) float64 {
	sign := 1.0
	if rng.Float64() < 0.5 {
		sign = -1.0
	}
	u := rng.Float64()
	return mean - sign*span*math.Log(1-2*math.Abs(u-0.5))
}

// invCDF returns the x such that Prob[Laplace(mean, span) >= x] = prob.
func invCDF(mean, span, prob float64) float64 {
	sign := 1.0
	if prob > 0.5 {
		sign = -1.0
	}
	return mean - sign*span*math.Log(1-2*math.Abs(prob-0.5))
}

// Distribution samples the number of noise queries to add for one row.
// With epsilon or delta set to 0, it runs in debug mode and adds no noise.
// Otherwise it draws genuine Laplace(0, 2/epsilon) noise, clamped into
// [0, 2*cutoff] where cutoff is the delta/2 inverse-CDF point, so the
// noise span itself leaks no more than delta of the privacy budget.
type Distribution struct {
	debug  bool
	span   float64
	cutoff float64
	rng    *rand.Rand
}

// NewDistribution builds the per-row noise sampler for the given privacy
// budget. seed drives the underlying PRNG so a party's noise draws are
// reproducible across offline/online replays of the same run.
func NewDistribution(epsilon, delta float64, seed int64) *Distribution {
	d := &Distribution{rng: rand.New(rand.NewSource(seed))}
	if epsilon == 0 || delta == 0 {
		d.debug = true
		logging.Info("noise: epsilon or delta is zero, running without noise")
		return d
	}
	d.span = 2 / epsilon
	d.cutoff = invCDF(0, d.span, delta/2)
	logging.Info("noise: cutoff=%f", d.cutoff)

	max := math.Floor(2 * d.cutoff)
	if max != math.Trunc(float64(types.Sample(max))) {
		logging.Error("noise: sample domain too small to hold cutoff=%f (max=%f)", d.cutoff, max)
	}
	return d
}

// Sample draws one noise count. In debug mode it always returns 0.
func (d *Distribution) Sample() types.Sample {
	if d.debug {
		return 0
	}
	u := laplace(d.rng, 0, d.span)
	u = math.Max(0, d.cutoff+math.Min(d.cutoff, u))
	return types.Sample(math.Floor(u))
}

// Mean returns the deterministic expected noise count (the cutoff itself)
// without drawing from the PRNG. Useful for reproducible small-scale runs
// where averaging out the variance of real sampling isn't practical.
func (d *Distribution) Mean() types.Sample {
	if d.debug {
		return 0
	}
	return types.Sample(d.cutoff)
}

// FindRange returns the half-open [start, end) row range that server_id is
// responsible for noising, splitting db_size as evenly as possible across
// servers_count siblings with any remainder absorbed by the last server.
func FindRange(serverID, serverCount types.ServerID, dbSize types.Index) (types.Key, types.Key) {
	rangeSize := types.Index(math.Ceil(float64(dbSize) / float64(serverCount)))
	start := types.Key(serverID) * types.Key(rangeSize)
	end := start + types.Key(rangeSize)
	if serverID == serverCount-1 {
		end = types.Key(dbSize)
	}
	return start, end
}
