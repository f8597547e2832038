package hmmlib

import (
	"fmt"
	"math"
	"path/filepath"
	"testing"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// discreteTruth is a well-separated two-state model over two symbols.
func discreteTruth() *HMM {
	return &HMM{
		NState:   2,
		Dim:      1,
		ObsModel: Discrete,
		Init:     []float64{0.5, 0.5},
		Trans:    []float64{0.9, 0.1, 0.2, 0.8},
		Emis:     []float64{0.7, 0.3, 0.1, 0.9},
		Symbols:  []float64{0, 1},
		NSymbol:  2,
	}
}

// gaussianTruth is a well-separated two-state scalar Gaussian model.
func gaussianTruth() *HMM {
	return &HMM{
		NState:   2,
		Dim:      1,
		ObsModel: Gaussian,
		Init:     []float64{0.5, 0.5},
		Trans:    []float64{0.9, 0.1, 0.2, 0.8},
		Mean:     [][]float64{{-2}, {2}},
		Cov:      [][]float64{{1}, {1}},
	}
}

// gendata samples nseq sequences of length ntime from the given model.
func gendata(t *testing.T, m *HMM, nseq, ntime int, seed uint64) *SequenceSet {

	rng := rand.New(rand.NewSource(seed))
	lengths := make([]int, nseq)
	for p := range lengths {
		lengths[p] = ntime
	}

	states := m.GenStates(lengths, rng)
	ss, err := m.GenObs(states, rng)
	if err != nil {
		t.Fatalf("GenObs: %v", err)
	}

	return ss
}

func checkSimplex(t *testing.T, x []float64, msg string) {
	if math.Abs(floats.Sum(x)-1) > 1e-9 {
		fmt.Printf("%s sums to %v\n", msg, floats.Sum(x))
		t.Fail()
	}
	for _, v := range x {
		if v < 0 {
			fmt.Printf("%s has negative entry %v\n", msg, v)
			t.Fail()
		}
	}
}

// TestStochastic confirms that every fitted parameter set consists of
// proper probability distributions and positive definite covariances.
func TestStochastic(t *testing.T) {

	ss := gendata(t, discreteTruth(), 5, 200, 3)
	conf := DefaultConfig()
	conf.MaxIter = 30
	m, err := Fit(ss, 2, Discrete, conf)
	if err != nil {
		t.Fatalf("discrete fit: %v", err)
	}

	checkSimplex(t, m.Init, "Init")
	for i := 0; i < m.NState; i++ {
		checkSimplex(t, m.Trans[i*m.NState:(i+1)*m.NState], fmt.Sprintf("Trans row %d", i))
		checkSimplex(t, m.Emis[i*m.NSymbol:(i+1)*m.NSymbol], fmt.Sprintf("Emis row %d", i))
	}

	ss = gendata(t, gaussianTruth(), 5, 200, 3)
	m, err = Fit(ss, 2, Gaussian, conf)
	if err != nil {
		t.Fatalf("gaussian fit: %v", err)
	}

	checkSimplex(t, m.Init, "Init")
	for i := 0; i < m.NState; i++ {
		checkSimplex(t, m.Trans[i*m.NState:(i+1)*m.NState], fmt.Sprintf("Trans row %d", i))
	}

	d := m.Dim
	var ch mat.Cholesky
	for k := 0; k < m.NState; k++ {
		for i := 0; i < d; i++ {
			for j := 0; j < d; j++ {
				if m.Cov[k][i*d+j] != m.Cov[k][j*d+i] {
					fmt.Printf("Cov %d is not symmetric\n", k)
					t.Fail()
				}
			}
		}
		if !ch.Factorize(mat.NewSymDense(d, m.Cov[k])) {
			fmt.Printf("Cov %d is not positive definite\n", k)
			t.Fail()
		}
	}
}

// TestDeterminism confirms that two fits with identical data, options and
// seed produce identical parameters and traces.
func TestDeterminism(t *testing.T) {

	ss := gendata(t, discreteTruth(), 5, 300, 7)

	conf := DefaultConfig()
	conf.MaxIter = 40
	conf.Restarts = 3
	conf.Seed = 11

	m1, err := Fit(ss, 2, Discrete, conf)
	if err != nil {
		t.Fatalf("first fit: %v", err)
	}
	m2, err := Fit(ss, 2, Discrete, conf)
	if err != nil {
		t.Fatalf("second fit: %v", err)
	}

	if !floats.Equal(m1.Init, m2.Init) || !floats.Equal(m1.Trans, m2.Trans) ||
		!floats.Equal(m1.Emis, m2.Emis) || !floats.Equal(m1.LLF, m2.LLF) {
		fmt.Printf("m1: %v %v %v\n", m1.Init, m1.Trans, m1.Emis)
		fmt.Printf("m2: %v %v %v\n", m2.Init, m2.Trans, m2.Emis)
		t.Fail()
	}
}

// TestK1Gaussian checks the single-state fit against the closed-form
// posterior of the pooled data.  With one state every responsibility is 1,
// so the fitted mean and covariance are the posterior mode directly.
func TestK1Gaussian(t *testing.T) {

	ss := &SequenceSet{
		Dim: 1,
		Obs: [][]float64{
			{0.3, -1.2, 0.8, 2.1},
			{-0.4},
			{1.5, 0.2, -0.9, 0.6, 1.1, -0.3, 0.9},
		},
	}

	mu0 := 0.0
	kappa0 := 1.0
	nu0 := 3.0
	s0 := 1.0

	conf := DefaultConfig()
	conf.MaxIter = 5
	conf.PriorMean = []float64{mu0}
	conf.PriorScale = []float64{s0}
	conf.PriorDof = nu0
	conf.PriorKappa = kappa0

	m, err := Fit(ss, 1, Gaussian, conf)
	if err != nil {
		t.Fatalf("fit: %v", err)
	}

	if math.Abs(m.Init[0]-1) > 1e-9 || math.Abs(m.Trans[0]-1) > 1e-9 {
		fmt.Printf("Init=%v Trans=%v\n", m.Init, m.Trans)
		t.Fail()
	}

	var n, xbar float64
	for _, obs := range ss.Obs {
		for _, v := range obs {
			xbar += v
			n++
		}
	}
	xbar /= n

	var xx float64
	for _, obs := range ss.Obs {
		for _, v := range obs {
			xx += (v - xbar) * (v - xbar)
		}
	}

	mean := (n*xbar + kappa0*mu0) / (n + kappa0)
	a := kappa0 * n / (kappa0 + n)
	cov := (s0 + xx + a*(xbar-mu0)*(xbar-mu0)) / (nu0 + n + 1 + 2)

	if math.Abs(m.Mean[0][0]-mean) > 1e-8 {
		fmt.Printf("mean=%v expected=%v\n", m.Mean[0][0], mean)
		t.Fail()
	}
	if math.Abs(m.Cov[0][0]-cov) > 1e-8 {
		fmt.Printf("cov=%v expected=%v\n", m.Cov[0][0], cov)
		t.Fail()
	}
}

// TestK1Discrete checks the single-state fit against the Dirichlet
// posterior mode of the pooled symbol counts.  The collection includes a
// length-1 sequence, which contributes no transitions.
func TestK1Discrete(t *testing.T) {

	ss := &SequenceSet{
		Dim: 1,
		Obs: [][]float64{
			{0, 0, 1, 2, 2, 2},
			{1},
		},
	}

	conf := DefaultConfig()
	conf.MaxIter = 5

	m, err := Fit(ss, 1, Discrete, conf)
	if err != nil {
		t.Fatalf("fit: %v", err)
	}

	if math.Abs(m.Init[0]-1) > 1e-9 || math.Abs(m.Trans[0]-1) > 1e-9 {
		fmt.Printf("Init=%v Trans=%v\n", m.Init, m.Trans)
		t.Fail()
	}

	// Pooled counts (2, 2, 3) with a uniform pseudo-count of 2
	expected := []float64{3.0 / 10, 3.0 / 10, 4.0 / 10}
	for o := range expected {
		if math.Abs(m.Emis[o]-expected[o]) > 1e-9 {
			fmt.Printf("Emis=%v expected=%v\n", m.Emis, expected)
			t.Fail()
			break
		}
	}
}

// TestSingletonTrans confirms that length-1 sequences contribute nothing
// to the transition counts, so the fitted matrix is the prior mode.
func TestSingletonTrans(t *testing.T) {

	ss := &SequenceSet{
		Dim: 1,
		Obs: [][]float64{{0}, {1}, {0}, {1}},
	}

	conf := DefaultConfig()
	conf.MaxIter = 3
	conf.TransPrior = []float64{2, 3}

	m, err := Fit(ss, 2, Discrete, conf)
	if err != nil {
		t.Fatalf("fit: %v", err)
	}

	// With zero transition counts each row is normalize(prior - 1)
	expected := []float64{1.0 / 3, 2.0 / 3}
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			if math.Abs(m.Trans[i*2+j]-expected[j]) > 1e-9 {
				fmt.Printf("Trans=%v\n", m.Trans)
				t.Fail()
			}
		}
	}
}

// TestRecoveryDiscrete fits long sequences generated from a known model
// and checks that the generating parameters are recovered up to a
// relabeling of the states.
func TestRecoveryDiscrete(t *testing.T) {

	truth := discreteTruth()
	ss := gendata(t, truth, 10, 2000, 23)

	conf := DefaultConfig()
	conf.MaxIter = 200
	conf.Tol = 1e-10
	conf.Seed = 5

	m, err := Fit(ss, 2, Discrete, conf)
	if err != nil {
		t.Fatalf("fit: %v", err)
	}

	ns := m.NState
	nv := m.NSymbol
	cost := make([][]float64, ns)
	for i := range cost {
		cost[i] = make([]float64, ns)
		for j := 0; j < ns; j++ {
			for o := 0; o < nv; o++ {
				cost[i][j] += math.Abs(m.Emis[i*nv+o] - truth.Emis[j*nv+o])
			}
		}
	}
	perm := AlignStates(cost)

	for i := 0; i < ns; i++ {
		for o := 0; o < nv; o++ {
			d := math.Abs(m.Emis[i*nv+o] - truth.Emis[perm[i]*nv+o])
			if d > 0.05 {
				fmt.Printf("Emis[%d,%d] off by %f\n", i, o, d)
				t.Fail()
			}
		}
		for j := 0; j < ns; j++ {
			d := math.Abs(m.Trans[i*ns+j] - truth.Trans[perm[i]*ns+perm[j]])
			if d > 0.05 {
				fmt.Printf("Trans[%d,%d] off by %f\n", i, j, d)
				t.Fail()
			}
		}
	}
}

// TestRecoveryGaussian is the Gaussian analogue of the discrete recovery
// test, with looser tolerances.
func TestRecoveryGaussian(t *testing.T) {

	truth := gaussianTruth()
	ss := gendata(t, truth, 10, 1000, 31)

	conf := DefaultConfig()
	conf.MaxIter = 100
	conf.Tol = 1e-8
	conf.Seed = 5

	m, err := Fit(ss, 2, Gaussian, conf)
	if err != nil {
		t.Fatalf("fit: %v", err)
	}

	ns := m.NState
	cost := make([][]float64, ns)
	for i := range cost {
		cost[i] = make([]float64, ns)
		for j := 0; j < ns; j++ {
			cost[i][j] = math.Abs(m.Mean[i][0] - truth.Mean[j][0])
		}
	}
	perm := AlignStates(cost)

	for i := 0; i < ns; i++ {
		if d := math.Abs(m.Mean[i][0] - truth.Mean[perm[i]][0]); d > 0.15 {
			fmt.Printf("Mean[%d] off by %f\n", i, d)
			t.Fail()
		}
		if d := math.Abs(m.Cov[i][0] - truth.Cov[perm[i]][0]); d > 0.2 {
			fmt.Printf("Cov[%d] off by %f\n", i, d)
			t.Fail()
		}
		for j := 0; j < ns; j++ {
			d := math.Abs(m.Trans[i*ns+j] - truth.Trans[perm[i]*ns+perm[j]])
			if d > 0.05 {
				fmt.Printf("Trans[%d,%d] off by %f\n", i, j, d)
				t.Fail()
			}
		}
	}
}

// TestIdempotence runs one additional EM iteration on an already converged
// model and confirms that no parameter moves appreciably.
func TestIdempotence(t *testing.T) {

	ss := gendata(t, discreteTruth(), 5, 1000, 13)

	conf := DefaultConfig()
	conf.MaxIter = 300
	conf.Tol = 1e-10

	m1, err := Fit(ss, 2, Discrete, conf)
	if err != nil {
		t.Fatalf("fit: %v", err)
	}

	conf2 := DefaultConfig()
	conf2.MaxIter = 1
	conf2.Init = m1.Init
	conf2.Trans = m1.Trans
	conf2.Emis = m1.Emis

	m2, err := Fit(ss, 2, Discrete, conf2)
	if err != nil {
		t.Fatalf("refit: %v", err)
	}

	if d := floats.Distance(m1.Init, m2.Init, math.Inf(1)); d > 1e-3 {
		fmt.Printf("Init moved by %e\n", d)
		t.Fail()
	}
	if d := floats.Distance(m1.Trans, m2.Trans, math.Inf(1)); d > 1e-3 {
		fmt.Printf("Trans moved by %e\n", d)
		t.Fail()
	}
	if d := floats.Distance(m1.Emis, m2.Emis, math.Inf(1)); d > 1e-3 {
		fmt.Printf("Emis moved by %e\n", d)
		t.Fail()
	}
}

// TestDecode checks the posterior marginals and the Viterbi path of a
// well-separated model against the generating states.
func TestDecode(t *testing.T) {

	truth := gaussianTruth()
	rng := rand.New(rand.NewSource(17))
	states := truth.GenStates([]int{500}, rng)
	ss, err := truth.GenObs(states, rng)
	if err != nil {
		t.Fatalf("GenObs: %v", err)
	}

	gamma, ll, err := truth.Posterior(ss.Obs[0])
	if err != nil {
		t.Fatalf("Posterior: %v", err)
	}
	if math.IsNaN(ll) || math.IsInf(ll, 0) {
		t.Fatalf("log-likelihood is %v", ll)
	}
	for tt, g := range gamma {
		if math.Abs(floats.Sum(g)-1) > 1e-9 {
			fmt.Printf("gamma row %d sums to %v\n", tt, floats.Sum(g))
			t.Fail()
		}
	}

	path, err := truth.Viterbi(ss.Obs[0])
	if err != nil {
		t.Fatalf("Viterbi: %v", err)
	}
	e, n := CompareStates(path, ss.States[0])
	if float64(e)/float64(n) > 0.1 {
		fmt.Printf("Viterbi error rate %d/%d\n", e, n)
		t.Fail()
	}
}

// TestInvalidInput confirms that malformed calls fail eagerly.
func TestInvalidInput(t *testing.T) {

	for _, p := range []struct {
		ss  *SequenceSet
		ns  int
		om  ObsModelType
		cnf *Config
	}{
		{&SequenceSet{Dim: 1}, 2, Discrete, nil},
		{&SequenceSet{Dim: 1, Obs: [][]float64{{}}}, 2, Discrete, nil},
		{&SequenceSet{Dim: 2, Obs: [][]float64{{1, 2, 3}}}, 2, Gaussian, nil},
		{&SequenceSet{Dim: 1, Obs: [][]float64{{0, 1}}}, 0, Discrete, nil},
		{&SequenceSet{Dim: 1, Obs: [][]float64{{0, 0.5}}}, 2, Discrete, nil},
		{&SequenceSet{Dim: 1, Obs: [][]float64{{0, 1}}}, 2, Discrete,
			&Config{InitPrior: []float64{1, 2, 3}}},
		{&SequenceSet{Dim: 2, Obs: [][]float64{{0, 1, 2, 3}}}, 2, Gaussian,
			&Config{PriorMean: []float64{1}}},
	} {
		_, err := Fit(p.ss, p.ns, p.om, p.cnf)
		if err == nil {
			fmt.Printf("no error for %+v\n", p)
			t.Fail()
		}
	}
}

// TestSaveRead round-trips a model and a dataset through their gob files.
func TestSaveRead(t *testing.T) {

	dir := t.TempDir()

	truth := discreteTruth()
	ss := gendata(t, truth, 3, 50, 5)

	mname := filepath.Join(dir, "model.gob.gz")
	dname := filepath.Join(dir, "data.gob.gz")

	if err := truth.Save(mname); err != nil {
		t.Fatalf("save model: %v", err)
	}
	if err := ss.Save(dname); err != nil {
		t.Fatalf("save data: %v", err)
	}

	m, err := ReadHMM(mname)
	if err != nil {
		t.Fatalf("read model: %v", err)
	}
	if !floats.Equal(m.Init, truth.Init) || !floats.Equal(m.Trans, truth.Trans) ||
		!floats.Equal(m.Emis, truth.Emis) || m.NSymbol != truth.NSymbol {
		t.Fail()
	}

	ss2, err := ReadSequenceSet(dname)
	if err != nil {
		t.Fatalf("read data: %v", err)
	}
	if ss2.Dim != ss.Dim || ss2.NSeq() != ss.NSeq() {
		t.Fail()
	}
	for p := range ss.Obs {
		if !floats.Equal(ss.Obs[p], ss2.Obs[p]) {
			t.Fail()
		}
	}
}
