package hmmlib

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
	"gonum.org/v1/gonum/stat/distuv"
)

// gaussianModel fits multivariate Gaussian emission distributions under a
// Normal-Inverse-Wishart prior.  The MAP update for each state combines
// the prior with the weighted moments of the observations assigned to the
// state by the E-step.
type gaussianModel struct {
	nstate int
	dim    int
	conf   *Config
	data   *SequenceSet

	// Resolved prior: mean, concentration, degrees of freedom, scale
	mu0    []float64
	kappa0 float64
	nu0    float64
	s0     *mat.SymDense

	// Pooled moments of the training data
	pooledMean []float64
	pooledVar  []float64
	pooledCov  []float64

	// Per-state emission distributions at the current parameters
	dists []*distmv.Normal
}

func (g *gaussianModel) setup(data *SequenceSet, nstate int, conf *Config) error {

	g.nstate = nstate
	g.dim = data.Dim
	g.conf = conf
	g.data = data
	d := g.dim

	if conf.Emis != nil {
		return fmt.Errorf("starting Emis requires a discrete emission model: %w", ErrInvalidInput)
	}

	if (conf.Mean == nil) != (conf.Cov == nil) {
		return fmt.Errorf("starting Mean and Cov must be set together: %w", ErrInvalidInput)
	}
	if conf.Mean != nil {
		if len(conf.Mean) != nstate || len(conf.Cov) != nstate {
			return fmt.Errorf("starting Mean/Cov have %d/%d rows, need %d: %w",
				len(conf.Mean), len(conf.Cov), nstate, ErrInvalidInput)
		}
		for k := 0; k < nstate; k++ {
			if len(conf.Mean[k]) != d || len(conf.Cov[k]) != d*d {
				return fmt.Errorf("starting Mean/Cov for state %d have the wrong shape: %w",
					k, ErrInvalidInput)
			}
		}
	}

	g.pooledMoments()

	return g.resolvePrior()
}

// pooledMoments computes the mean, componentwise variances and covariance
// of the observations with the sequence structure ignored.
func (g *gaussianModel) pooledMoments() {

	d := g.dim
	nobs := float64(g.data.NObs())

	g.pooledMean = make([]float64, d)
	g.pooledVar = make([]float64, d)
	g.pooledCov = make([]float64, d*d)

	for p := range g.data.Obs {
		for t := 0; t < g.data.SeqLen(p); t++ {
			floats.Add(g.pooledMean, g.data.row(p, t))
		}
	}
	floats.Scale(1/nobs, g.pooledMean)

	buf := make([]float64, d)
	for p := range g.data.Obs {
		for t := 0; t < g.data.SeqLen(p); t++ {
			floats.SubTo(buf, g.data.row(p, t), g.pooledMean)
			addScaledOuter(g.pooledCov, d, 1, buf)
		}
	}
	floats.Scale(1/nobs, g.pooledCov)

	for j := 0; j < d; j++ {
		g.pooledVar[j] = g.pooledCov[j*d+j]
	}
}

// resolvePrior fills the NIW hyperparameters, defaulting to a weak prior
// centered at the pooled moments of the data.
func (g *gaussianModel) resolvePrior() error {

	conf := g.conf
	d := g.dim

	switch {
	case conf.PriorMean == nil:
		g.mu0 = append([]float64(nil), g.pooledMean...)
	case len(conf.PriorMean) == d:
		g.mu0 = append([]float64(nil), conf.PriorMean...)
	default:
		return fmt.Errorf("PriorMean has length %d, need %d: %w",
			len(conf.PriorMean), d, ErrInvalidInput)
	}

	g.kappa0 = conf.PriorKappa
	if g.kappa0 == 0 {
		g.kappa0 = 0.01
	}
	if g.kappa0 < 0 {
		return fmt.Errorf("PriorKappa is negative: %w", ErrInvalidInput)
	}

	g.nu0 = conf.PriorDof
	if g.nu0 == 0 {
		g.nu0 = float64(d) + 2
	}
	if g.nu0 <= float64(d)-1 {
		return fmt.Errorf("PriorDof %f must exceed dim-1: %w", g.nu0, ErrInvalidInput)
	}

	switch {
	case conf.PriorScale == nil:
		s := make([]float64, d*d)
		for j := 0; j < d; j++ {
			s[j*d+j] = 0.1 * (g.pooledVar[j] + varFloor)
		}
		g.s0 = mat.NewSymDense(d, s)
	case len(conf.PriorScale) == d*d:
		g.s0 = mat.NewSymDense(d, append([]float64(nil), conf.PriorScale...))
	default:
		return fmt.Errorf("PriorScale has length %d, need %d: %w",
			len(conf.PriorScale), d*d, ErrInvalidInput)
	}

	return nil
}

// start writes starting emission parameters for restart r.  The first
// restart is seeded from a mixture fit to the pooled data; later restarts
// perturb the pooled moments to diversify the search.
func (g *gaussianModel) start(m *HMM, r int, rng *rand.Rand) {

	ns := g.nstate
	d := g.dim

	m.Mean = makeFloatArray(ns, d)
	m.Cov = makeFloatArray(ns, d*d)

	if g.conf.Mean != nil {
		for k := 0; k < ns; k++ {
			copy(m.Mean[k], g.conf.Mean[k])
			copy(m.Cov[k], g.conf.Cov[k])
		}
		return
	}

	if r == 0 {
		g.startMixture(m, rng)
		return
	}

	zn := distuv.Normal{Mu: 0, Sigma: 1, Src: rng}
	for k := 0; k < ns; k++ {
		for j := 0; j < d; j++ {
			sd := math.Sqrt(g.pooledVar[j] + varFloor)
			m.Mean[k][j] = g.pooledMean[j] + sd*zn.Rand()
		}
		copy(m.Cov[k], g.pooledCov)
		for j := 0; j < d; j++ {
			m.Cov[k][j*d+j] += 1
		}
	}
}

// startMixture seeds the emission parameters from a Gaussian mixture fit
// to the pooled observations, inflating each covariance by the identity.
// When the caller supplied no starting Init or Trans, empirical values are
// derived from the hard component assignments with add-one smoothing.
func (g *gaussianModel) startMixture(m *HMM, rng *rand.Rand) {

	ns := g.nstate
	d := g.dim

	rows := make([][]float64, 0, g.data.NObs())
	for p := range g.data.Obs {
		for t := 0; t < g.data.SeqLen(p); t++ {
			rows = append(rows, g.data.row(p, t))
		}
	}

	gm := fitGMM(rows, ns, d, g.pooledCov, rng)

	for k := 0; k < ns; k++ {
		copy(m.Mean[k], gm.mean[k])
		copy(m.Cov[k], gm.cov[k])
		for j := 0; j < d; j++ {
			m.Cov[k][j*d+j] += 1
		}
	}

	icnt := make([]float64, ns)
	tcnt := make([]float64, ns*ns)
	for j := range icnt {
		icnt[j] = 1
	}
	for ij := range tcnt {
		tcnt[ij] = 1
	}

	for p := range g.data.Obs {
		prev := -1
		for t := 0; t < g.data.SeqLen(p); t++ {
			lab := gm.assign(g.data.row(p, t))
			if t == 0 {
				icnt[lab]++
			} else {
				tcnt[prev*ns+lab]++
			}
			prev = lab
		}
	}

	normalizeSum(icnt, 1/float64(ns))
	for i := 0; i < ns; i++ {
		normalizeSum(tcnt[i*ns:(i+1)*ns], 1/float64(ns))
	}

	m.Init = icnt
	m.Trans = tcnt
}

// refresh rebuilds the per-state emission distributions.  A covariance
// matrix that fails its Cholesky factorization makes the state degenerate.
func (g *gaussianModel) refresh(m *HMM) error {

	d := m.Dim

	g.dists = make([]*distmv.Normal, m.NState)
	for k := range g.dists {
		sig := mat.NewSymDense(d, append([]float64(nil), m.Cov[k]...))
		nd, ok := distmv.NewNormal(m.Mean[k], sig, nil)
		if !ok {
			return fmt.Errorf("state %d covariance is not positive definite: %w",
				k, ErrDegenerateEmission)
		}
		g.dists[k] = nd
	}

	return nil
}

// localEvidence fills b with the per-state Gaussian densities of each
// observation.  Each row is computed on the log scale and shifted by its
// maximum before exponentiating; the total shift is returned so the
// forward pass can restore it in the log-likelihood.
func (g *gaussianModel) localEvidence(m *HMM, obs []float64, b []float64) float64 {

	ns := m.NState
	d := m.Dim
	nt := len(obs) / d

	var shift float64
	for t := 0; t < nt; t++ {
		x := obs[t*d : (t+1)*d]
		row := b[t*ns : (t+1)*ns]
		for k := 0; k < ns; k++ {
			row[k] = g.dists[k].LogProb(x)
		}
		shift += normalizeMaxLog(row)
	}

	return shift
}

// extendEstep computes the per-state weighted moments of the observations
// and returns the prior log-density evaluated at the current parameters.
func (g *gaussianModel) extendEstep(st *suffStats, m *HMM) float64 {

	ns := g.nstate
	d := g.dim

	if st.xbar == nil {
		st.xbar = makeFloatArray(ns, d)
		st.xx = makeFloatArray(ns, d*d)
		st.w = make([]float64, ns)
	}
	zero(st.w)
	for k := 0; k < ns; k++ {
		zero(st.xbar[k])
		zero(st.xx[k])
	}

	n := 0
	for p := range g.data.Obs {
		for t := 0; t < g.data.SeqLen(p); t++ {
			wrow := st.weights[n]
			x := g.data.row(p, t)
			for k := 0; k < ns; k++ {
				st.w[k] += wrow[k]
				floats.AddScaled(st.xbar[k], wrow[k], x)
			}
			n++
		}
	}

	for k := 0; k < ns; k++ {
		if st.w[k] > normFloor {
			floats.Scale(1/st.w[k], st.xbar[k])
		}
	}

	buf := make([]float64, d)
	n = 0
	for p := range g.data.Obs {
		for t := 0; t < g.data.SeqLen(p); t++ {
			wrow := st.weights[n]
			x := g.data.row(p, t)
			for k := 0; k < ns; k++ {
				if wrow[k] == 0 {
					continue
				}
				floats.SubTo(buf, x, st.xbar[k])
				addScaledOuter(st.xx[k], d, wrow[k], buf)
			}
			n++
		}
	}

	var lp float64
	for k := 0; k < ns; k++ {
		lp += g.logNIW(m.Mean[k], m.Cov[k])
	}

	return lp
}

// mstep replaces the mean and covariance of every state with the mode of
// its Normal-Inverse-Wishart posterior.
func (g *gaussianModel) mstep(st *suffStats, m *HMM) error {

	ns := g.nstate
	d := g.dim

	mean := makeFloatArray(ns, d)
	cov := makeFloatArray(ns, d*d)
	buf := make([]float64, d)

	for k := 0; k < ns; k++ {
		wk := st.w[k]

		for j := 0; j < d; j++ {
			mean[k][j] = (wk*st.xbar[k][j] + g.kappa0*g.mu0[j]) / (wk + g.kappa0)
		}

		a := g.kappa0 * wk / (g.kappa0 + wk)
		floats.SubTo(buf, st.xbar[k], g.mu0)
		for i := 0; i < d; i++ {
			for j := 0; j < d; j++ {
				cov[k][i*d+j] = g.s0.At(i, j) + st.xx[k][i*d+j]
			}
		}
		addScaledOuter(cov[k], d, a, buf)
		floats.Scale(1/(g.nu0+wk+float64(d)+2), cov[k])

		symmetrize(cov[k], d)
	}

	m.Mean = mean
	m.Cov = cov

	return nil
}

// logNIW returns the log-density of (mean, cov) under the resolved prior:
// a normal log-density for the mean given covariance cov/kappa0, plus an
// inverse-Wishart log-density for the covariance.
func (g *gaussianModel) logNIW(mean, cov []float64) float64 {

	d := g.dim
	fd := float64(d)

	sig := mat.NewSymDense(d, append([]float64(nil), cov...))
	var ch mat.Cholesky
	if !ch.Factorize(sig) {
		return math.Inf(-1)
	}
	ld := ch.LogDet()

	dv := make([]float64, d)
	floats.SubTo(dv, mean, g.mu0)
	qv := mat.NewVecDense(d, nil)
	_ = ch.SolveVecTo(qv, mat.NewVecDense(d, dv))
	quad := g.kappa0 * floats.Dot(dv, qv.RawVector().Data)

	lp := -0.5*fd*math.Log(2*math.Pi) + 0.5*fd*math.Log(g.kappa0) - 0.5*ld - 0.5*quad

	lds := math.Inf(-1)
	var chs mat.Cholesky
	if chs.Factorize(g.s0) {
		lds = chs.LogDet()
	}

	var tm mat.Dense
	_ = ch.SolveTo(&tm, g.s0)
	tr := mat.Trace(&tm)

	lp += 0.5*g.nu0*lds - 0.5*g.nu0*fd*math.Log(2) - logMvGamma(d, 0.5*g.nu0)
	lp += -0.5*(g.nu0+fd+1)*ld - 0.5*tr

	return lp
}

// genSeq samples one observation sequence along the given state path.
func (g *gaussianModel) genSeq(m *HMM, states []int, rng *rand.Rand) []float64 {

	d := m.Dim

	dists := make([]*distmv.Normal, m.NState)
	for k := range dists {
		sig := mat.NewSymDense(d, append([]float64(nil), m.Cov[k]...))
		nd, ok := distmv.NewNormal(m.Mean[k], sig, rng)
		if !ok {
			panic(fmt.Sprintf("state %d covariance is not positive definite", k))
		}
		dists[k] = nd
	}

	obs := make([]float64, len(states)*d)
	for t, s := range states {
		dists[s].Rand(obs[t*d : (t+1)*d])
	}

	return obs
}

// addScaledOuter adds alpha * x * x' to the flattened d x d matrix s.
func addScaledOuter(s []float64, d int, alpha float64, x []float64) {
	for i := 0; i < d; i++ {
		ai := alpha * x[i]
		for j := 0; j < d; j++ {
			s[i*d+j] += ai * x[j]
		}
	}
}

// symmetrize averages the off-diagonal pairs of a flattened square matrix.
func symmetrize(s []float64, d int) {
	for i := 0; i < d; i++ {
		for j := i + 1; j < d; j++ {
			v := 0.5 * (s[i*d+j] + s[j*d+i])
			s[i*d+j] = v
			s[j*d+i] = v
		}
	}
}

// logMvGamma returns the log of the multivariate gamma function.
func logMvGamma(d int, a float64) float64 {

	v := 0.25 * float64(d*(d-1)) * math.Log(math.Pi)
	for j := 1; j <= d; j++ {
		v += lgamma(a + 0.5*float64(1-j))
	}

	return v
}

func lgamma(x float64) float64 {
	v, _ := math.Lgamma(x)
	return v
}
