package hmmlib

import (
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
)

// Iteration cap for the mixture initializer.
const gmmIter = 30

// gmm is a Gaussian mixture fitted by EM to the pooled observations,
// ignoring the sequence structure.  It seeds the emission parameters of
// the first restart.
type gmm struct {
	ncomp int
	dim   int

	mix  []float64
	mean [][]float64
	cov  [][]float64

	dists []*distmv.Normal
	ridge float64
}

// fitGMM fits a mixture with ncomp components to the pooled rows.  The
// means are seeded from distinct random rows and every covariance starts
// at the pooled covariance cov0.  The result depends only on the data and
// on rng.
func fitGMM(rows [][]float64, ncomp, dim int, cov0 []float64, rng *rand.Rand) *gmm {

	g := &gmm{
		ncomp: ncomp,
		dim:   dim,
		mix:   make([]float64, ncomp),
		mean:  makeFloatArray(ncomp, dim),
		cov:   makeFloatArray(ncomp, dim*dim),
	}

	var tr float64
	for j := 0; j < dim; j++ {
		tr += cov0[j*dim+j]
	}
	g.ridge = 1e-3*tr/float64(dim) + varFloor

	taken := make(map[int]bool)
	for k := 0; k < ncomp; k++ {
		ii := rng.Intn(len(rows))
		for len(taken) < len(rows) && taken[ii] {
			ii = rng.Intn(len(rows))
		}
		taken[ii] = true
		copy(g.mean[k], rows[ii])
		copy(g.cov[k], cov0)
		for j := 0; j < dim; j++ {
			g.cov[k][j*dim+j] += g.ridge
		}
		g.mix[k] = 1 / float64(ncomp)
	}
	g.refresh(cov0)

	resp := makeFloatArray(len(rows), ncomp)
	lp := make([]float64, ncomp)

	var last float64
	for iter := 0; iter < gmmIter; iter++ {

		// E-step: component responsibilities on the log scale
		var llf float64
		for n, x := range rows {
			for k := 0; k < ncomp; k++ {
				lp[k] = math.Log(g.mix[k]+logEps) + g.dists[k].LogProb(x)
			}
			lse := floats.LogSumExp(lp)
			llf += lse
			for k := 0; k < ncomp; k++ {
				resp[n][k] = math.Exp(lp[k] - lse)
			}
		}

		g.update(rows, resp)
		g.refresh(cov0)

		if iter > 0 && math.Abs(llf-last) < 1e-8*(math.Abs(last)+1) {
			break
		}
		last = llf
	}

	return g
}

// update replaces the mixture parameters with the weighted moments of the
// responsibilities, adding a diagonal ridge to every covariance.
func (g *gmm) update(rows, resp [][]float64) {

	d := g.dim
	w := make([]float64, g.ncomp)
	for k := range g.mean {
		zero(g.mean[k])
		zero(g.cov[k])
	}

	for n, x := range rows {
		for k := 0; k < g.ncomp; k++ {
			w[k] += resp[n][k]
			floats.AddScaled(g.mean[k], resp[n][k], x)
		}
	}
	for k := 0; k < g.ncomp; k++ {
		if w[k] > normFloor {
			floats.Scale(1/w[k], g.mean[k])
		}
		g.mix[k] = w[k] / float64(len(rows))
	}

	buf := make([]float64, d)
	for n, x := range rows {
		for k := 0; k < g.ncomp; k++ {
			if resp[n][k] == 0 {
				continue
			}
			floats.SubTo(buf, x, g.mean[k])
			addScaledOuter(g.cov[k], d, resp[n][k], buf)
		}
	}
	for k := 0; k < g.ncomp; k++ {
		if w[k] > normFloor {
			floats.Scale(1/w[k], g.cov[k])
		}
		for j := 0; j < d; j++ {
			g.cov[k][j*d+j] += g.ridge
		}
		symmetrize(g.cov[k], d)
	}
}

// refresh rebuilds the component distributions.  A component whose
// covariance is not positive definite falls back to the pooled covariance
// inflated by the identity.
func (g *gmm) refresh(cov0 []float64) {

	d := g.dim
	g.dists = make([]*distmv.Normal, g.ncomp)
	for k := 0; k < g.ncomp; k++ {
		sig := mat.NewSymDense(d, append([]float64(nil), g.cov[k]...))
		nd, ok := distmv.NewNormal(g.mean[k], sig, nil)
		if !ok {
			copy(g.cov[k], cov0)
			for j := 0; j < d; j++ {
				g.cov[k][j*d+j]++
			}
			sig = mat.NewSymDense(d, append([]float64(nil), g.cov[k]...))
			nd, _ = distmv.NewNormal(g.mean[k], sig, nil)
		}
		g.dists[k] = nd
	}
}

// assign returns the most probable component for one observation.
func (g *gmm) assign(x []float64) int {

	best := math.Inf(-1)
	var kb int
	for k := 0; k < g.ncomp; k++ {
		v := math.Log(g.mix[k]+logEps) + g.dists[k].LogProb(x)
		if v > best {
			best = v
			kb = k
		}
	}

	return kb
}
