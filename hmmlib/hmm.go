// Package hmmlib fits hidden Markov models to collections of observation
// sequences by MAP-regularized EM (Baum-Welch), with Gaussian or discrete
// emission distributions.
package hmmlib

import (
	"bytes"
	"compress/gzip"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"sync"

	"github.com/schollz/progressbar"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distmv"
	"gonum.org/v1/gonum/stat/distuv"
)

const (
	// Additive guard applied before taking the log of a probability that
	// may be exactly zero.
	logEps = 1e-12

	// A vector whose mass falls below this value is replaced with a
	// fallback distribution when normalizing.
	normFloor = 1e-10

	// Floor for pooled variances used to build default priors and
	// restart perturbations.
	varFloor = 1e-6

	// A log-likelihood decrease greater than this triggers a warning.
	declTol = 1e-10
)

// Sentinel errors returned by Fit and the model query methods.
var (
	ErrInvalidInput       = errors.New("hmmlib: invalid input")
	ErrDegenerateEmission = errors.New("hmmlib: degenerate emission distribution")
	ErrAllRestartsFailed  = errors.New("hmmlib: all restarts failed")
)

// ObsModelType indicates the emission model distribution.
type ObsModelType uint8

// Gaussian and Discrete are the available emission models.
const (
	Gaussian ObsModelType = iota
	Discrete
)

// SequenceSet holds an ordered collection of observation sequences that
// follow a common HMM law.  Each sequence is stored flattened in row-major
// order, so Obs[p][t*Dim+j] is component j of the observation at time t in
// sequence p.  Sequences may have different lengths.
type SequenceSet struct {

	// Number of components per observation (1 for discrete data)
	Dim int

	// The observations, one flattened T x Dim block per sequence
	Obs [][]float64

	// The generating states, if known (e.g. for simulated data)
	States [][]int
}

// NSeq returns the number of sequences in the collection.
func (ss *SequenceSet) NSeq() int {
	return len(ss.Obs)
}

// SeqLen returns the number of time points in sequence p.
func (ss *SequenceSet) SeqLen(p int) int {
	return len(ss.Obs[p]) / ss.Dim
}

// NObs returns the total number of time points across all sequences.
func (ss *SequenceSet) NObs() int {
	var n int
	for p := range ss.Obs {
		n += ss.SeqLen(p)
	}
	return n
}

// row returns the observation vector at time t of sequence p, as a view.
func (ss *SequenceSet) row(p, t int) []float64 {
	return ss.Obs[p][t*ss.Dim : (t+1)*ss.Dim]
}

func (ss *SequenceSet) validate() error {

	if ss == nil || len(ss.Obs) == 0 {
		return fmt.Errorf("empty sequence collection: %w", ErrInvalidInput)
	}

	if ss.Dim < 1 {
		return fmt.Errorf("dimension %d: %w", ss.Dim, ErrInvalidInput)
	}

	for p, obs := range ss.Obs {
		if len(obs) == 0 {
			return fmt.Errorf("sequence %d is empty: %w", p, ErrInvalidInput)
		}
		if len(obs)%ss.Dim != 0 {
			return fmt.Errorf("sequence %d has length %d, not a multiple of dimension %d: %w",
				p, len(obs), ss.Dim, ErrInvalidInput)
		}
	}

	return nil
}

// HMM holds the parameters of a fitted hidden Markov model.  The transition
// matrix and the discrete emission matrix are stored flattened in row-major
// order.
type HMM struct {

	// Number of states
	NState int

	// Number of components per observation
	Dim int

	// The emission model distribution
	ObsModel ObsModelType

	// The initial state distribution
	Init []float64

	// The transition probability matrix, Trans[i*NState+j] is the
	// probability of moving from state i to state j.
	Trans []float64

	// The emission mean vectors, one row per state (Gaussian only)
	Mean [][]float64

	// The emission covariance matrices, one flattened Dim x Dim block
	// per state (Gaussian only)
	Cov [][]float64

	// The emission probabilities, Emis[i*NSymbol+j] is the probability
	// of emitting symbol j in state i (discrete only)
	Emis []float64

	// The distinct symbol values in the training data, ascending
	// (discrete only)
	Symbols []float64

	// Number of distinct symbols (discrete only)
	NSymbol int

	// The MAP objective value at each EM iteration of the selected
	// restart
	LLF []float64

	Warnings warnings
}

type warnings struct {
	LogLikeDecreased int
	ZeroEvidence     int
	ClampedMass      int
}

// Config holds the settings of a single call to Fit.  The zero value of any
// field means "use the default"; DefaultConfig fills the scalar fields.
// A Config is not modified by Fit.
type Config struct {

	// Starting values.  When set, the corresponding random
	// initialization is skipped in every restart.  Mean and Cov must be
	// set together.
	Init  []float64
	Trans []float64
	Mean  [][]float64
	Cov   [][]float64
	Emis  []float64

	// Dirichlet pseudo-count priors for the initial state distribution
	// and the transition matrix.  TransPrior may have length NState
	// (one row broadcast to all rows) or NState*NState.  Defaults are
	// uniform pseudo-counts of 2.
	InitPrior  []float64
	TransPrior []float64

	// Normal-Inverse-Wishart prior for Gaussian emissions.  When
	// PriorMean is nil a weak data-dependent prior is used: the pooled
	// mean, a scaled diagonal of the pooled variances, PriorDof = Dim+2
	// and PriorKappa = 0.01.
	PriorMean  []float64
	PriorScale []float64
	PriorDof   float64
	PriorKappa float64

	// Dirichlet pseudo-count prior for the discrete emission matrix,
	// of length NSymbol (broadcast) or NState*NSymbol.  Default is a
	// uniform pseudo-count of 2.
	EmisPrior []float64

	// Maximum number of EM iterations per restart
	MaxIter int

	// Convergence tolerance for the relative change of the objective
	Tol float64

	// Number of random restarts
	Restarts int

	// Seed for the random source used by initialization
	Seed uint64

	// Display a progress bar while fitting
	ProgressBar bool

	// Write progress messages to stderr, or to LogName_msg.log and
	// parameter snapshots to LogName_par.log when LogName is set
	Verbose bool
	LogName string
}

// DefaultConfig returns the configuration used by Fit when the caller
// passes nil.
func DefaultConfig() *Config {
	return &Config{
		MaxIter:  100,
		Tol:      1e-4,
		Restarts: 1,
		Seed:     1,
	}
}

func (conf *Config) fillDefaults() {
	if conf.MaxIter == 0 {
		conf.MaxIter = 100
	}
	if conf.Tol == 0 {
		conf.Tol = 1e-4
	}
	if conf.Restarts == 0 {
		conf.Restarts = 1
	}
	if conf.Seed == 0 {
		conf.Seed = 1
	}
}

// emissionModel is the family-specific half of the EM procedure.  The
// fitter drives one implementation per emission distribution.
type emissionModel interface {

	// setup validates the family-specific configuration against the
	// data and resolves prior defaults.  Called once per Fit.
	setup(data *SequenceSet, nstate int, conf *Config) error

	// start writes starting emission parameters for restart r into the
	// model.  On the first restart it may also propose Init and Trans.
	start(m *HMM, r int, rng *rand.Rand)

	// refresh rebuilds derived quantities after the model parameters
	// change, and reports a degenerate emission distribution.
	refresh(m *HMM) error

	// localEvidence fills the flattened T x NState matrix b with the
	// per-state evidence of each observation, each row rescaled to a
	// maximum of 1, and returns the total log-scale shift.
	localEvidence(m *HMM, obs []float64, b []float64) float64

	// extendEstep derives the family sufficient statistics from the
	// stacked responsibility weights and returns the emission prior
	// log-density at the current parameters.
	extendEstep(st *suffStats, m *HMM) float64

	// mstep replaces the emission parameters of m with their MAP
	// update given the statistics bundle.
	mstep(st *suffStats, m *HMM) error
}

// suffStats is the statistics bundle accumulated by one E-step and
// consumed by the following M-step.
type suffStats struct {

	// Expected state counts at the first time point
	start []float64

	// Expected transition counts
	trans []float64

	// Stacked responsibility weights, one row per time point across
	// all sequences
	weights [][]float64

	// Gaussian family: weighted means, scatters and total weights
	xbar [][]float64
	xx   [][]float64
	w    []float64

	// Discrete family: weighted symbol counts and total weights
	counts []float64
	wsum   []float64
}

// seqWork holds the per-sequence workspaces of the forward-backward pass.
// Each sequence owns one value, so the E-step can run all sequences
// concurrently without sharing.
type seqWork struct {
	obs []float64
	nt  int

	// Row offset of this sequence in the stacked weights
	off int

	// Flattened T x NState workspaces
	alpha []float64
	beta  []float64
	b     []float64

	// Per-step normalizing constants of the forward recursion
	scale []float64

	// Rows of the stacked weights belonging to this sequence
	gamma [][]float64

	// Accumulated two-slice marginals, NState x NState
	xisum []float64

	joint []float64
	wk    []float64

	llf          float64
	zeroEvidence int
}

func newSeqWork(obs []float64, nt, ns, off int) *seqWork {
	return &seqWork{
		obs:   obs,
		nt:    nt,
		off:   off,
		alpha: make([]float64, nt*ns),
		beta:  make([]float64, nt*ns),
		b:     make([]float64, nt*ns),
		scale: make([]float64, nt),
		xisum: make([]float64, ns*ns),
		joint: make([]float64, ns*ns),
		wk:    make([]float64, ns),
	}
}

// fitter carries the state of one call to Fit.
type fitter struct {
	data   *SequenceSet
	nstate int
	conf   *Config
	em     emissionModel

	// The current model parameters, replaced wholesale by each M-step
	model *HMM

	stats *suffStats
	seqs  []*seqWork

	initPrior  []float64
	transPrior []float64

	rng      *rand.Rand
	warnings warnings

	msglogger *log.Logger
	parlogger *log.Logger
	bar       *progressbar.ProgressBar
}

// Fit estimates the parameters of an HMM with nstate states from the given
// collection of sequences, using EM with the stated emission family.  The
// returned model carries the MAP objective trace of the best restart in its
// LLF field.  Passing a nil Config is equivalent to DefaultConfig().
func Fit(data *SequenceSet, nstate int, obsmodel ObsModelType, conf *Config) (*HMM, error) {

	if conf == nil {
		conf = DefaultConfig()
	}

	fit, err := newFitter(data, nstate, obsmodel, conf)
	if err != nil {
		return nil, err
	}

	return fit.run()
}

func newFitter(data *SequenceSet, nstate int, obsmodel ObsModelType, conf *Config) (*fitter, error) {

	if err := data.validate(); err != nil {
		return nil, err
	}

	if nstate < 1 {
		return nil, fmt.Errorf("nstate=%d: %w", nstate, ErrInvalidInput)
	}

	cf := *conf
	cf.fillDefaults()

	var em emissionModel
	switch obsmodel {
	case Gaussian:
		em = new(gaussianModel)
	case Discrete:
		em = new(discreteModel)
	default:
		return nil, fmt.Errorf("unknown emission model %d: %w", obsmodel, ErrInvalidInput)
	}

	fit := &fitter{
		data:   data,
		nstate: nstate,
		conf:   &cf,
		em:     em,
		rng:    rand.New(rand.NewSource(cf.Seed)),
	}

	if err := fit.resolvePriors(); err != nil {
		return nil, err
	}

	if err := fit.checkStartValues(); err != nil {
		return nil, err
	}

	if err := em.setup(data, nstate, fit.conf); err != nil {
		return nil, err
	}

	fit.setLoggers()
	fit.allocate()

	return fit, nil
}

// resolvePriors expands the pi and transition priors to their full shapes,
// filling the default pseudo-count of 2 where the caller supplied nothing.
func (fit *fitter) resolvePriors() error {

	ns := fit.nstate
	conf := fit.conf

	fit.initPrior = make([]float64, ns)
	switch {
	case conf.InitPrior == nil:
		for j := range fit.initPrior {
			fit.initPrior[j] = 2
		}
	case len(conf.InitPrior) == ns:
		copy(fit.initPrior, conf.InitPrior)
	default:
		return fmt.Errorf("InitPrior has length %d, need %d: %w",
			len(conf.InitPrior), ns, ErrInvalidInput)
	}

	fit.transPrior = make([]float64, ns*ns)
	switch {
	case conf.TransPrior == nil:
		for j := range fit.transPrior {
			fit.transPrior[j] = 2
		}
	case len(conf.TransPrior) == ns:
		// One row, broadcast to all rows
		for i := 0; i < ns; i++ {
			copy(fit.transPrior[i*ns:(i+1)*ns], conf.TransPrior)
		}
	case len(conf.TransPrior) == ns*ns:
		copy(fit.transPrior, conf.TransPrior)
	default:
		return fmt.Errorf("TransPrior has length %d, need %d or %d: %w",
			len(conf.TransPrior), ns, ns*ns, ErrInvalidInput)
	}

	for _, v := range fit.initPrior {
		if v < 0 {
			return fmt.Errorf("negative InitPrior entry: %w", ErrInvalidInput)
		}
	}
	for _, v := range fit.transPrior {
		if v < 0 {
			return fmt.Errorf("negative TransPrior entry: %w", ErrInvalidInput)
		}
	}

	return nil
}

func (fit *fitter) checkStartValues() error {

	ns := fit.nstate
	conf := fit.conf

	if conf.Init != nil && len(conf.Init) != ns {
		return fmt.Errorf("starting Init has length %d, need %d: %w",
			len(conf.Init), ns, ErrInvalidInput)
	}

	if conf.Trans != nil && len(conf.Trans) != ns*ns {
		return fmt.Errorf("starting Trans has length %d, need %d: %w",
			len(conf.Trans), ns*ns, ErrInvalidInput)
	}

	return nil
}

func (fit *fitter) setLoggers() {

	conf := fit.conf

	switch {
	case conf.LogName != "":
		fid, err := os.Create(conf.LogName + "_msg.log")
		if err != nil {
			panic(err)
		}
		fit.msglogger = log.New(fid, "", log.Ltime)

		fid, err = os.Create(conf.LogName + "_par.log")
		if err != nil {
			panic(err)
		}
		fit.parlogger = log.New(fid, "", 0)
	case conf.Verbose:
		fit.msglogger = log.New(os.Stderr, "", log.Ltime)
		fit.parlogger = log.New(io.Discard, "", 0)
	default:
		fit.msglogger = log.New(io.Discard, "", 0)
		fit.parlogger = log.New(io.Discard, "", 0)
	}
}

// allocate builds the per-sequence workspaces and the statistics bundle.
// The stacked weight rows of each sequence begin at a fixed offset given by
// the position of the sequence in the collection.
func (fit *fitter) allocate() {

	ns := fit.nstate
	nobs := fit.data.NObs()

	fit.stats = &suffStats{
		start:   make([]float64, ns),
		trans:   make([]float64, ns*ns),
		weights: makeFloatArray(nobs, ns),
	}

	fit.seqs = make([]*seqWork, fit.data.NSeq())
	off := 0
	for p := range fit.data.Obs {
		nt := fit.data.SeqLen(p)
		w := newSeqWork(fit.data.Obs[p], nt, ns, off)
		w.gamma = fit.stats.weights[off : off+nt]
		fit.seqs[p] = w
		off += nt
	}
}

func (fit *fitter) run() (*HMM, error) {

	conf := fit.conf

	if conf.ProgressBar {
		fit.bar = progressbar.New(conf.Restarts * conf.MaxIter)
	}

	fit.msglogger.Printf("%d sequences\n", fit.data.NSeq())
	fit.msglogger.Printf("%d total time points\n", fit.data.NObs())
	fit.msglogger.Printf("%d components per observation\n", fit.data.Dim)
	fit.msglogger.Printf("%d states\n", fit.nstate)

	var best *HMM
	for r := 0; r < conf.Restarts; r++ {

		fit.msglogger.Printf("Starting restart %d...\n", r)
		m, err := fit.restart(r)
		if err != nil {
			if errors.Is(err, ErrDegenerateEmission) {
				fit.msglogger.Printf("Restart %d abandoned: %v\n", r, err)
				continue
			}
			return nil, err
		}

		fit.parlogger.Printf("Restart %d:\n", r)
		m.WriteSummary(fit.parlogger, nil, "Estimated parameters:")

		if best == nil || m.LLF[len(m.LLF)-1] > best.LLF[len(best.LLF)-1] {
			best = m
		}
	}

	if best == nil {
		return nil, fmt.Errorf("%d restarts: %w", conf.Restarts, ErrAllRestartsFailed)
	}

	best.Warnings = fit.warnings
	fit.msglogger.Printf("%+v\n", fit.warnings)

	return best, nil
}

// restart runs one full EM pass from a fresh starting point and returns the
// fitted model with its objective trace.
func (fit *fitter) restart(r int) (*HMM, error) {

	m := &HMM{
		NState:   fit.nstate,
		Dim:      fit.data.Dim,
		ObsModel: fit.modelType(),
	}

	fit.em.start(m, r, fit.rng)
	fit.startInitTrans(m)
	if err := fit.em.refresh(m); err != nil {
		return nil, err
	}
	fit.model = m

	conf := fit.conf
	llf := make([]float64, 0, conf.MaxIter)
	var last float64

	for i := 0; i < conf.MaxIter; i++ {

		obj := fit.estep()
		llf = append(llf, obj)

		fit.updateInitTrans(m)
		if err := fit.em.mstep(fit.stats, m); err != nil {
			return nil, err
		}
		if err := fit.em.refresh(m); err != nil {
			return nil, err
		}

		if fit.bar != nil {
			fit.bar.Add(1)
		}

		if i > 0 {
			if obj < last-declTol {
				fit.msglogger.Printf("Objective decreased by %f at iteration %d\n", last-obj, i)
				fit.warnings.LogLikeDecreased++
			} else if (obj-last)/(math.Abs(last)+normFloor) < conf.Tol {
				fit.msglogger.Printf("Converged at iteration %d\n", i)
				last = obj
				break
			}
		}

		last = obj
		fit.msglogger.Printf("llf=%f\n", obj)
	}

	m.LLF = llf

	return m, nil
}

func (fit *fitter) modelType() ObsModelType {
	if _, ok := fit.em.(*discreteModel); ok {
		return Discrete
	}
	return Gaussian
}

// startInitTrans fills any starting values for Init and Trans that were not
// supplied by the caller or proposed by the emission initializer.  The
// remaining values are sampled from the prior with added noise.
func (fit *fitter) startInitTrans(m *HMM) {

	ns := fit.nstate
	conf := fit.conf

	switch {
	case conf.Init != nil:
		m.Init = append([]float64(nil), conf.Init...)
	case m.Init == nil:
		m.Init = samplePriorDist(fit.initPrior, fit.rng)
	}

	switch {
	case conf.Trans != nil:
		m.Trans = append([]float64(nil), conf.Trans...)
	case m.Trans == nil:
		m.Trans = make([]float64, ns*ns)
		for i := 0; i < ns; i++ {
			row := samplePriorDist(fit.transPrior[i*ns:(i+1)*ns], fit.rng)
			copy(m.Trans[i*ns:(i+1)*ns], row)
		}
	}
}

// samplePriorDist draws a probability vector from a Dirichlet distribution
// whose concentration is the given prior plus uniform noise.
func samplePriorDist(prior []float64, rng *rand.Rand) []float64 {

	un := distuv.Uniform{Min: 0, Max: 1, Src: rng}

	alpha := make([]float64, len(prior))
	for j := range alpha {
		alpha[j] = prior[j] + un.Rand()
		if alpha[j] < normFloor {
			alpha[j] = normFloor
		}
	}

	return distmv.NewDirichlet(alpha, rng).Rand(nil)
}

// estep runs the forward-backward engine over every sequence, accumulates
// the statistics bundle, and returns the MAP objective at the current
// parameters.  The per-sequence passes run concurrently; each sequence
// writes only its own workspace and its own rows of the stacked weights,
// and the reduction below runs serially in collection order so that the
// result does not depend on goroutine scheduling.
func (fit *fitter) estep() float64 {

	m := fit.model

	var wg sync.WaitGroup
	for _, w := range fit.seqs {
		wg.Add(1)
		go func(w *seqWork) {
			defer wg.Done()
			shift := fit.em.localEvidence(m, w.obs, w.b)
			ll := forwardPass(m, w)
			backwardPass(m, w)
			marginalPass(m, w)
			twoSlicePass(m, w)
			w.llf = shift + ll
		}(w)
	}
	wg.Wait()

	st := fit.stats
	zero(st.start)
	zero(st.trans)

	var obj float64
	for _, w := range fit.seqs {
		floats.Add(st.start, w.gamma[0])
		floats.Add(st.trans, w.xisum)
		obj += w.llf
		fit.warnings.ZeroEvidence += w.zeroEvidence
		w.zeroEvidence = 0
	}

	obj += dirichletLogTerm(m.Init, fit.initPrior)
	obj += dirichletLogTerm(m.Trans, fit.transPrior)
	obj += fit.em.extendEstep(st, m)

	return obj
}

// dirichletLogTerm returns sum over j of log(p[j]+logEps) * (prior[j]-1),
// the log-density kernel of a Dirichlet prior.
func dirichletLogTerm(p, prior []float64) float64 {

	var v float64
	for j := range p {
		v += math.Log(p[j]+logEps) * (prior[j] - 1)
	}

	return v
}

// updateInitTrans replaces Init and Trans with the modes of their Dirichlet
// posteriors.  Negative intermediate mass arising from pseudo-counts below
// 1 is clamped at zero, and a row losing all mass falls back to uniform.
func (fit *fitter) updateInitTrans(m *HMM) {

	ns := fit.nstate
	st := fit.stats

	init := make([]float64, ns)
	for j := range init {
		init[j] = fit.posteriorMode(st.start[j] + fit.initPrior[j] - 1)
	}
	normalizeSum(init, 1/float64(ns))
	m.Init = init

	trans := make([]float64, ns*ns)
	for ij := range trans {
		trans[ij] = fit.posteriorMode(st.trans[ij] + fit.transPrior[ij] - 1)
	}
	for i := 0; i < ns; i++ {
		normalizeSum(trans[i*ns:(i+1)*ns], 1/float64(ns))
	}
	m.Trans = trans
}

func (fit *fitter) posteriorMode(v float64) float64 {
	if v < 0 {
		fit.warnings.ClampedMass++
		return 0
	}
	return v
}

// forwardPass runs the scaled forward recursion for one sequence using the
// evidence matrix in w.b, and returns the log-likelihood contribution
// sum over t of log(c_t).  The alpha rows are normalized to sum to 1 and
// the constants c_t are recorded in w.scale.
func forwardPass(m *HMM, w *seqWork) float64 {

	ns := m.NState

	a := w.alpha[0:ns]
	floats.MulTo(a, m.Init, w.b[0:ns])
	llf := w.rescale(0, a)

	for t := 1; t < w.nt; t++ {
		j0 := (t - 1) * ns
		j1 := t * ns
		ap := w.alpha[j0:j1]
		ac := w.alpha[j1 : j1+ns]

		for j := 0; j < ns; j++ {
			var u float64
			for i := 0; i < ns; i++ {
				u += ap[i] * m.Trans[i*ns+j]
			}
			ac[j] = u * w.b[j1+j]
		}

		llf += w.rescale(t, ac)
	}

	return llf
}

// rescale normalizes x to sum to 1, records the normalizing constant, and
// returns its log.  A row with no mass falls back to uniform with a
// constant of 1, so the step contributes nothing to the log-likelihood and
// the backward recursion stays bounded.
func (w *seqWork) rescale(t int, x []float64) float64 {

	c := floats.Sum(x)
	if c < normFloor {
		for j := range x {
			x[j] = 1 / float64(len(x))
		}
		w.zeroEvidence++
		c = 1
	} else {
		floats.Scale(1/c, x)
	}
	w.scale[t] = c

	return math.Log(c)
}

// backwardPass runs the scaled backward recursion, dividing each step by
// the forward constant of the following time point.
func backwardPass(m *HMM, w *seqWork) {

	ns := m.NState

	last := (w.nt - 1) * ns
	for j := 0; j < ns; j++ {
		w.beta[last+j] = 1
	}

	for t := w.nt - 2; t >= 0; t-- {
		j1 := (t + 1) * ns

		floats.MulTo(w.wk, w.b[j1:j1+ns], w.beta[j1:j1+ns])

		bc := w.beta[t*ns : t*ns+ns]
		for i := 0; i < ns; i++ {
			bc[i] = floats.Dot(m.Trans[i*ns:(i+1)*ns], w.wk)
		}
		floats.Scale(1/w.scale[t+1], bc)
	}
}

// marginalPass forms the posterior state marginals gamma = alpha * beta,
// writing one row per time point into the stacked weights.
func marginalPass(m *HMM, w *seqWork) {

	ns := m.NState

	for t := 0; t < w.nt; t++ {
		g := w.gamma[t]
		floats.MulTo(g, w.alpha[t*ns:(t+1)*ns], w.beta[t*ns:(t+1)*ns])
		normalizeSum(g, 1/float64(ns))
	}
}

// twoSlicePass accumulates the expected transition counts of one sequence:
// for each pair of adjacent time points the joint posterior over state
// pairs is formed, normalized to sum to 1, and added into w.xisum.  A
// sequence of length 1 leaves w.xisum at zero.
func twoSlicePass(m *HMM, w *seqWork) {

	ns := m.NState

	zero(w.xisum)
	joint := w.joint

	for t := 0; t < w.nt-1; t++ {
		j1 := (t + 1) * ns

		floats.MulTo(w.wk, w.b[j1:j1+ns], w.beta[j1:j1+ns])

		for i := 0; i < ns; i++ {
			ai := w.alpha[t*ns+i]
			for j := 0; j < ns; j++ {
				joint[i*ns+j] = ai * m.Trans[i*ns+j] * w.wk[j]
			}
		}

		normalizeSum(joint, 0)
		floats.Add(w.xisum, joint)
	}
}

// Posterior returns the posterior state marginals for one sequence under
// the fitted model, one row per time point, together with the sequence
// log-likelihood.
func (m *HMM) Posterior(obs []float64) ([][]float64, float64, error) {

	nt, err := m.checkSeq(obs)
	if err != nil {
		return nil, 0, err
	}

	em, err := emissionFor(m)
	if err != nil {
		return nil, 0, err
	}

	w := newSeqWork(obs, nt, m.NState, 0)
	w.gamma = makeFloatArray(nt, m.NState)

	shift := em.localEvidence(m, obs, w.b)
	ll := shift + forwardPass(m, w)
	backwardPass(m, w)
	marginalPass(m, w)

	return w.gamma, ll, nil
}

// Viterbi returns the most probable state path for one sequence under the
// fitted model.
func (m *HMM) Viterbi(obs []float64) ([]int, error) {

	nt, err := m.checkSeq(obs)
	if err != nil {
		return nil, err
	}

	em, err := emissionFor(m)
	if err != nil {
		return nil, err
	}

	ns := m.NState
	b := make([]float64, nt*ns)
	em.localEvidence(m, obs, b)

	lt := make([]float64, ns*ns)
	for ij := range lt {
		lt[ij] = math.Log(m.Trans[ij] + logEps)
	}

	score := make([]float64, nt*ns)
	ptr := makeIntArray(nt, ns)

	for j := 0; j < ns; j++ {
		score[j] = math.Log(m.Init[j]+logEps) + math.Log(b[j]+logEps)
	}

	for t := 1; t < nt; t++ {
		j0 := (t - 1) * ns
		j1 := t * ns
		for j := 0; j < ns; j++ {
			best := math.Inf(-1)
			var bi int
			for i := 0; i < ns; i++ {
				v := score[j0+i] + lt[i*ns+j]
				if v > best {
					best = v
					bi = i
				}
			}
			score[j1+j] = best + math.Log(b[j1+j]+logEps)
			ptr[t][j] = bi
		}
	}

	states := make([]int, nt)
	states[nt-1] = argmax(score[(nt-1)*ns : nt*ns])
	for t := nt - 2; t >= 0; t-- {
		states[t] = ptr[t+1][states[t+1]]
	}

	return states, nil
}

func (m *HMM) checkSeq(obs []float64) (int, error) {

	if len(obs) == 0 || len(obs)%m.Dim != 0 {
		return 0, fmt.Errorf("sequence has length %d with dimension %d: %w",
			len(obs), m.Dim, ErrInvalidInput)
	}

	return len(obs) / m.Dim, nil
}

// emissionFor builds an emission model bound to the parameters of a fitted
// HMM, for use outside of Fit.
func emissionFor(m *HMM) (emissionModel, error) {

	var em emissionModel
	switch m.ObsModel {
	case Gaussian:
		em = new(gaussianModel)
	case Discrete:
		em = new(discreteModel)
	default:
		return nil, fmt.Errorf("unknown emission model %d: %w", m.ObsModel, ErrInvalidInput)
	}

	if err := em.refresh(m); err != nil {
		return nil, err
	}

	return em, nil
}

// GenStates samples one state path per requested length by walking the
// initial and transition distributions.
func (m *HMM) GenStates(lengths []int, rng *rand.Rand) [][]int {

	ns := m.NState
	states := make([][]int, len(lengths))

	for p, nt := range lengths {
		sv := make([]int, nt)
		sv[0] = sampleProb(m.Init, rng)
		for t := 1; t < nt; t++ {
			row := m.Trans[sv[t-1]*ns : (sv[t-1]+1)*ns]
			sv[t] = sampleProb(row, rng)
		}
		states[p] = sv
	}

	return states
}

// sampleProb draws one index from a probability vector by cumulative
// inversion.
func sampleProb(pr []float64, rng *rand.Rand) int {

	u := rng.Float64()
	var c float64
	for j, p := range pr {
		c += p
		if u < c {
			return j
		}
	}

	return len(pr) - 1
}

// GenObs samples an observation sequence for each state path and returns
// the resulting collection, with the generating states attached.
func (m *HMM) GenObs(states [][]int, rng *rand.Rand) (*SequenceSet, error) {

	em, err := emissionFor(m)
	if err != nil {
		return nil, err
	}

	ss := &SequenceSet{
		Dim:    m.Dim,
		Obs:    make([][]float64, len(states)),
		States: states,
	}

	switch em := em.(type) {
	case *gaussianModel:
		for p, sv := range states {
			ss.Obs[p] = em.genSeq(m, sv, rng)
		}
	case *discreteModel:
		for p, sv := range states {
			ss.Obs[p] = em.genSeq(m, sv, rng)
		}
	}

	return ss, nil
}

// Loglike returns the final MAP objective value of the fit.
func (m *HMM) Loglike() float64 {

	if len(m.LLF) == 0 {
		return math.NaN()
	}

	return m.LLF[len(m.LLF)-1]
}

// AIC returns the fitted objective penalized by the number of free
// parameters.
func (m *HMM) AIC() float64 {

	df := m.NState - 1
	df += m.NState * (m.NState - 1)

	switch m.ObsModel {
	case Gaussian:
		df += m.NState * m.Dim
		df += m.NState * m.Dim * (m.Dim + 1) / 2
	case Discrete:
		df += m.NState * (m.NSymbol - 1)
	}

	return m.Loglike() - float64(df)
}

// WriteSummary writes the model parameters in text form to the logger.
// The optional state labels are used if provided.
func (m *HMM) WriteSummary(lg *log.Logger, labels []string, title string) {

	lg.Printf(title)
	lg.Printf("\n")

	lg.Printf("Initial state distribution:\n")
	writeMatrix(lg, m.Init, 0, m.NState, 1, labels, nil)
	lg.Printf("\n")

	lg.Printf("Transition matrix:\n")
	writeMatrix(lg, m.Trans, 0, m.NState, m.NState, labels, labels)
	lg.Printf("\n")

	switch m.ObsModel {
	case Gaussian:
		lg.Printf("Means:\n")
		for i := 0; i < m.NState; i++ {
			writeMatrix(lg, m.Mean[i], 0, 1, m.Dim, nil, nil)
		}
		lg.Printf("\n")
		for i := 0; i < m.NState; i++ {
			lg.Printf("Covariance for state %d:\n", i)
			writeMatrix(lg, m.Cov[i], 0, m.Dim, m.Dim, nil, nil)
			lg.Printf("\n")
		}
	case Discrete:
		lg.Printf("Emission probabilities:\n")
		writeMatrix(lg, m.Emis, 0, m.NState, m.NSymbol, labels, nil)
		lg.Printf("\n")
	}
}

// writeMatrix writes a matrix in text format to the logger.
func writeMatrix(lg *log.Logger, x []float64, off, nrow, ncol int, rowlabels, collabels []string) {

	var buf bytes.Buffer

	if collabels != nil {
		if rowlabels != nil {
			_, _ = io.WriteString(&buf, fmt.Sprintf("%20s", ""))
		}
		for _, c := range collabels {
			_, _ = io.WriteString(&buf, fmt.Sprintf("%20s", c))
		}
		lg.Printf(buf.String())
	}

	for i := 0; i < nrow; i++ {

		buf.Reset()

		if rowlabels != nil {
			_, _ = io.WriteString(&buf, fmt.Sprintf("%-20s", rowlabels[i]))
		}
		for j := 0; j < ncol; j++ {
			_, _ = io.WriteString(&buf, fmt.Sprintf("%20.4f", x[off+i*ncol+j]))
		}

		lg.Printf(buf.String())
	}
}

// Save writes the model to a gzip-compressed gob file.
func (m *HMM) Save(fname string) error {

	fid, err := os.Create(fname)
	if err != nil {
		return err
	}
	defer fid.Close()

	gid := gzip.NewWriter(fid)
	defer gid.Close()

	enc := gob.NewEncoder(gid)

	return enc.Encode(m)
}

// ReadHMM reads a model from a gzip-compressed gob file.
func ReadHMM(fname string) (*HMM, error) {

	fid, err := os.Open(fname)
	if err != nil {
		return nil, err
	}
	defer fid.Close()

	gid, err := gzip.NewReader(fid)
	if err != nil {
		return nil, err
	}
	defer gid.Close()

	dec := gob.NewDecoder(gid)

	var m HMM
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}

	return &m, nil
}

// Save writes the sequence collection to a gzip-compressed gob file.
func (ss *SequenceSet) Save(fname string) error {

	fid, err := os.Create(fname)
	if err != nil {
		return err
	}
	defer fid.Close()

	gid := gzip.NewWriter(fid)
	defer gid.Close()

	enc := gob.NewEncoder(gid)

	return enc.Encode(ss)
}

// ReadSequenceSet reads a sequence collection from a gzip-compressed gob
// file.
func ReadSequenceSet(fname string) (*SequenceSet, error) {

	fid, err := os.Open(fname)
	if err != nil {
		return nil, err
	}
	defer fid.Close()

	gid, err := gzip.NewReader(fid)
	if err != nil {
		return nil, err
	}
	defer gid.Close()

	dec := gob.NewDecoder(gid)

	var ss SequenceSet
	if err := dec.Decode(&ss); err != nil {
		return nil, err
	}

	return &ss, nil
}

// CompareStates returns the number of positions where the state sequences
// x and y disagree, and the sequence length.  Panics if the lengths of x
// and y differ.
func CompareStates(x, y []int) (int, int) {

	if len(x) != len(y) {
		panic("Lengths are not equal")
	}

	var e int
	for t := range x {
		if x[t] != y[t] {
			e++
		}
	}

	return e, len(x)
}

// normalize the values in x to have a sum of 1, filling with z if there is
// no mass to normalize.
func normalizeSum(x []float64, z float64) {
	scale := floats.Sum(x)
	if scale < normFloor {
		for j := range x {
			x[j] = z
		}
		return
	}
	floats.Scale(1/scale, x)
}

// Subtract the maximum value from x, then exponentiate.  Returns the
// maximum, which is the log of the scale removed from the row.
func normalizeMaxLog(x []float64) float64 {
	mx := floats.Max(x)
	floats.AddConst(-mx, x)
	for j := range x {
		x[j] = math.Exp(x[j])
	}

	return mx
}

func argmax(x []float64) int {
	j := 0
	v := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > v {
			v = x[i]
			j = i
		}
	}

	return j
}

// Zero the elements of x
func zero(x []float64) {
	for j := range x {
		x[j] = 0
	}
}

// makeIntArray makes a collection of r slices
// of length c, packed contiguously.
func makeIntArray(r, c int) [][]int {

	bka := make([]int, r*c)
	x := make([][]int, r)
	ii := 0
	for j := 0; j < r; j++ {
		x[j] = bka[ii : ii+c]
		ii += c
	}

	return x
}

// makeFloatArray makes a collection of r slices
// of length c, packed contiguously.
func makeFloatArray(r, c int) [][]float64 {

	bka := make([]float64, r*c)
	x := make([][]float64, r)
	ii := 0
	for j := 0; j < r; j++ {
		x[j] = bka[ii : ii+c]
		ii += c
	}

	return x
}
