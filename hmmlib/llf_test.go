// This is a series of tests to confirm that the MAP objective is
// non-decreasing over the EM iterations.

package hmmlib

import (
	"fmt"
	"math"
	"testing"

	"golang.org/x/exp/rand"
)

const (
	niter = 20

	// The emission prior log-term is evaluated at the parameters from
	// before each M-step, so the trace is monotone only up to a small
	// tolerance.
	montol = 1e-6
)

// genraw builds a collection of random sequences with no HMM structure.
// Sequence lengths vary around ntime.
func genraw(nseq, ntime, dim int, discrete bool, rng *rand.Rand) *SequenceSet {

	ss := &SequenceSet{
		Dim: dim,
		Obs: make([][]float64, nseq),
	}

	for p := 0; p < nseq; p++ {
		nt := ntime + p%4
		obs := make([]float64, nt*dim)
		for j := range obs {
			if discrete {
				obs[j] = math.Floor(5 * rng.Float64())
			} else {
				obs[j] = rng.NormFloat64()
			}
		}
		ss.Obs[p] = obs
	}

	return ss
}

func checkAscending(t *testing.T, llf []float64, msg string) {
	for i := 1; i < len(llf); i++ {
		if llf[i] < llf[i-1]-montol {
			fmt.Printf("%s iter=%d\n", msg, i)
			fmt.Printf("%f %f %f\n", llf[i-1], llf[i], llf[i-1]-llf[i])
			t.Fail()
		}
	}
}

func TestLLFGaussian(t *testing.T) {

	var seed uint64 = 1
	for _, nseq := range []int{3, 10} {
		for _, nst := range []int{2, 4} {
			for _, ntm := range []int{10, 30} {
				for _, dim := range []int{1, 2} {

					rng := rand.New(rand.NewSource(seed))
					ss := genraw(nseq, ntm, dim, false, rng)

					conf := DefaultConfig()
					conf.MaxIter = niter
					conf.Tol = 1e-12
					conf.Seed = seed
					seed++

					m, err := Fit(ss, nst, Gaussian, conf)
					if err != nil {
						t.Fatalf("nseq=%d nst=%d ntm=%d dim=%d: %v", nseq, nst, ntm, dim, err)
					}

					msg := fmt.Sprintf("nseq=%d nst=%d ntm=%d dim=%d", nseq, nst, ntm, dim)
					checkAscending(t, m.LLF, msg)
				}
			}
		}
	}
}

func TestLLFDiscrete(t *testing.T) {

	var seed uint64 = 1
	for _, nseq := range []int{3, 10} {
		for _, nst := range []int{2, 4} {
			for _, ntm := range []int{10, 30} {

				rng := rand.New(rand.NewSource(seed))
				ss := genraw(nseq, ntm, 1, true, rng)

				conf := DefaultConfig()
				conf.MaxIter = niter
				conf.Tol = 1e-12
				conf.Seed = seed
				seed++

				m, err := Fit(ss, nst, Discrete, conf)
				if err != nil {
					t.Fatalf("nseq=%d nst=%d ntm=%d: %v", nseq, nst, ntm, err)
				}

				msg := fmt.Sprintf("nseq=%d nst=%d ntm=%d", nseq, nst, ntm)
				checkAscending(t, m.LLF, msg)
			}
		}
	}
}
