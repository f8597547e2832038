package hmmlib

import (
	"fmt"
	"math"
	"sort"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
)

// discreteModel fits categorical emission distributions under a Dirichlet
// prior.  Observations are one-dimensional and must take integer values;
// the distinct values seen in the training data form the symbol set, coded
// in ascending order.
type discreteModel struct {
	nstate int
	conf   *Config
	data   *SequenceSet

	// Distinct symbol values, ascending
	symbols []float64

	// Prior pseudo-counts per state and symbol, and the same minus one
	// with negative entries clamped at zero
	prior []float64
	epc   []float64

	// Lookup from symbol value to column position
	code map[float64]int
}

func (dm *discreteModel) setup(data *SequenceSet, nstate int, conf *Config) error {

	dm.nstate = nstate
	dm.conf = conf
	dm.data = data

	if data.Dim != 1 {
		return fmt.Errorf("discrete emissions require dimension 1, data has dimension %d: %w",
			data.Dim, ErrInvalidInput)
	}
	if conf.Mean != nil || conf.Cov != nil {
		return fmt.Errorf("starting values Mean/Cov require a Gaussian emission model: %w",
			ErrInvalidInput)
	}

	seen := make(map[float64]bool)
	for p, obs := range data.Obs {
		for _, v := range obs {
			if math.IsNaN(v) || math.IsInf(v, 0) || v != math.Trunc(v) {
				return fmt.Errorf("sequence %d contains non-integer symbol %v: %w",
					p, v, ErrInvalidInput)
			}
			seen[v] = true
		}
	}

	dm.symbols = make([]float64, 0, len(seen))
	for v := range seen {
		dm.symbols = append(dm.symbols, v)
	}
	sort.Float64s(dm.symbols)

	dm.code = make(map[float64]int, len(dm.symbols))
	for j, v := range dm.symbols {
		dm.code[v] = j
	}

	nv := len(dm.symbols)
	if conf.Emis != nil && len(conf.Emis) != nstate*nv {
		return fmt.Errorf("starting value Emis has length %d, need %d: %w",
			len(conf.Emis), nstate*nv, ErrInvalidInput)
	}

	return dm.resolvePrior(nv)
}

// resolvePrior expands the emission prior to a full NState x NSymbol array
// of pseudo-counts.  A prior of length NSymbol is broadcast to every state.
// The posterior mode uses the pseudo-counts minus one, clamped at zero so
// that states receiving little weight keep a proper distribution.
func (dm *discreteModel) resolvePrior(nv int) error {

	ns := dm.nstate
	conf := dm.conf

	dm.prior = make([]float64, ns*nv)
	switch {
	case conf.EmisPrior == nil:
		for j := range dm.prior {
			dm.prior[j] = 2
		}
	case len(conf.EmisPrior) == nv:
		for i := 0; i < ns; i++ {
			copy(dm.prior[i*nv:(i+1)*nv], conf.EmisPrior)
		}
	case len(conf.EmisPrior) == ns*nv:
		copy(dm.prior, conf.EmisPrior)
	default:
		return fmt.Errorf("EmisPrior has length %d, need %d or %d: %w",
			len(conf.EmisPrior), nv, ns*nv, ErrInvalidInput)
	}

	dm.epc = make([]float64, ns*nv)
	for j, v := range dm.prior {
		if v < 0 || math.IsNaN(v) {
			return fmt.Errorf("EmisPrior entries must be non-negative: %w", ErrInvalidInput)
		}
		if v > 1 {
			dm.epc[j] = v - 1
		}
	}

	return nil
}

// start sets the emission matrix of a new restart, either from the
// configured starting values or by sampling each row from the prior.
func (dm *discreteModel) start(m *HMM, r int, rng *rand.Rand) {

	ns := dm.nstate
	nv := len(dm.symbols)

	m.Symbols = append([]float64(nil), dm.symbols...)
	m.NSymbol = nv

	if dm.conf.Emis != nil {
		m.Emis = append([]float64(nil), dm.conf.Emis...)
		return
	}

	m.Emis = make([]float64, ns*nv)
	for i := 0; i < ns; i++ {
		row := samplePriorDist(dm.prior[i*nv:(i+1)*nv], rng)
		copy(m.Emis[i*nv:(i+1)*nv], row)
	}
}

func (dm *discreteModel) refresh(m *HMM) error {

	if m.NSymbol < 1 || len(m.Symbols) != m.NSymbol {
		return fmt.Errorf("model has NSymbol=%d with %d symbol values: %w",
			m.NSymbol, len(m.Symbols), ErrInvalidInput)
	}
	if len(m.Emis) != m.NState*m.NSymbol {
		return fmt.Errorf("emission matrix has length %d, need %d: %w",
			len(m.Emis), m.NState*m.NSymbol, ErrInvalidInput)
	}

	if dm.code == nil {
		dm.code = make(map[float64]int, m.NSymbol)
		for j, v := range m.Symbols {
			dm.code[v] = j
		}
	}

	return nil
}

// localEvidence fills b with the per-state emission probability of the
// symbol at each time point, each row rescaled to a maximum of 1, and
// returns the total log-scale shift.  A value outside the model's symbol
// set leaves its row at zero, which the forward pass treats as a
// no-evidence time point.
func (dm *discreteModel) localEvidence(m *HMM, obs []float64, b []float64) float64 {

	ns := m.NState
	nv := m.NSymbol

	var shift float64
	for t, v := range obs {
		row := b[t*ns : (t+1)*ns]
		o, ok := dm.code[v]
		if !ok {
			zero(row)
			continue
		}
		for k := 0; k < ns; k++ {
			row[k] = m.Emis[k*nv+o]
		}
		mx := floats.Max(row)
		if mx > normFloor {
			floats.Scale(1/mx, row)
			shift += math.Log(mx)
		}
	}

	return shift
}

// extendEstep accumulates the expected symbol counts per state from the
// posterior state probabilities, and returns the emission prior log-term
// at the current parameters.
func (dm *discreteModel) extendEstep(st *suffStats, m *HMM) float64 {

	ns := dm.nstate
	nv := m.NSymbol

	if st.counts == nil {
		st.counts = make([]float64, ns*nv)
		st.wsum = make([]float64, ns)
	}
	zero(st.counts)
	zero(st.wsum)

	n := 0
	for p := range dm.data.Obs {
		obs := dm.data.Obs[p]
		for t := 0; t < dm.data.SeqLen(p); t++ {
			wrow := st.weights[n]
			o := dm.code[obs[t]]
			for k := 0; k < ns; k++ {
				st.wsum[k] += wrow[k]
				st.counts[k*nv+o] += wrow[k]
			}
			n++
		}
	}

	return dirichletLogTerm(m.Emis, dm.prior)
}

// mstep replaces the emission matrix with the mode of its Dirichlet
// posterior.  A state with no mass falls back to a uniform row.
func (dm *discreteModel) mstep(st *suffStats, m *HMM) error {

	ns := dm.nstate
	nv := m.NSymbol

	emis := make([]float64, ns*nv)
	floats.AddTo(emis, st.counts, dm.epc)
	for i := 0; i < ns; i++ {
		normalizeSum(emis[i*nv:(i+1)*nv], 1/float64(nv))
	}
	m.Emis = emis

	return nil
}

// genSeq samples one symbol sequence along the given state path.
func (dm *discreteModel) genSeq(m *HMM, states []int, rng *rand.Rand) []float64 {

	nv := m.NSymbol
	obs := make([]float64, len(states))
	for t, s := range states {
		o := sampleProb(m.Emis[s*nv:(s+1)*nv], rng)
		obs[t] = m.Symbols[o]
	}

	return obs
}
