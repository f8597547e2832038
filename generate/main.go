// Command generate builds an HMM with known parameters, samples a
// collection of sequences from it, and writes the model and the data to
// gzip-compressed gob files.  The output of this command is the input of
// the estimate command.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/NicozRobin/pmtk3/hmmlib"
	"golang.org/x/exp/rand"
)

func main() {

	var obsmodel, outname string
	flag.StringVar(&obsmodel, "obsmodel", "gaussian", "Observation distribution (gaussian or discrete)")
	flag.StringVar(&outname, "outname", "", "Prefix of the output file names")

	var snr float64
	flag.Float64Var(&snr, "snr", 4, "Separation between the state means (Gaussian only)")

	var nseq, nstate, ntime, dim, nsymbol int
	flag.IntVar(&nseq, "nseq", 20, "Number of sequences")
	flag.IntVar(&nstate, "nstate", 3, "Number of states")
	flag.IntVar(&ntime, "ntime", 100, "Number of time points per sequence")
	flag.IntVar(&dim, "dim", 2, "Number of components per observation (Gaussian only)")
	flag.IntVar(&nsymbol, "nsymbol", 0, "Number of symbols, defaults to nstate (discrete only)")

	var seed uint64
	flag.Uint64Var(&seed, "seed", 1, "Seed for the random source")
	flag.Parse()

	if outname == "" {
		panic("'outname' is required")
	}
	if nsymbol < 2 {
		nsymbol = nstate
	}

	hmm := &hmmlib.HMM{
		NState: nstate,
	}

	// Set the initial state probabilities
	hmm.Init = make([]float64, nstate)
	for i := 0; i < nstate; i++ {
		hmm.Init[i] = 1 / float64(nstate)
	}

	// Set a sticky transition matrix, with self-transition probabilities
	// increasing over the states
	hmm.Trans = make([]float64, nstate*nstate)
	if nstate == 1 {
		hmm.Trans = []float64{1}
	} else {
		for i := 0; i < nstate; i++ {
			p := 0.8 + 0.1*float64(i)/float64(nstate-1)
			for j := 0; j < nstate; j++ {
				if i == j {
					hmm.Trans[i*nstate+j] = p
				} else {
					hmm.Trans[i*nstate+j] = (1 - p) / float64(nstate-1)
				}
			}
		}
	}

	// Set the parameters of the observation distribution
	switch obsmodel {
	case "gaussian":
		hmm.ObsModel = hmmlib.Gaussian
		hmm.Dim = dim
		hmm.Mean = make([][]float64, nstate)
		hmm.Cov = make([][]float64, nstate)
		for k := 0; k < nstate; k++ {
			hmm.Mean[k] = make([]float64, dim)
			hmm.Mean[k][k%dim] = snr * float64(1+k/dim)
			hmm.Cov[k] = make([]float64, dim*dim)
			for j := 0; j < dim; j++ {
				hmm.Cov[k][j*dim+j] = 1
			}
		}
	case "discrete":
		hmm.ObsModel = hmmlib.Discrete
		hmm.Dim = 1
		hmm.NSymbol = nsymbol
		hmm.Symbols = make([]float64, nsymbol)
		for o := 0; o < nsymbol; o++ {
			hmm.Symbols[o] = float64(o)
		}
		hmm.Emis = make([]float64, nstate*nsymbol)
		for k := 0; k < nstate; k++ {
			for o := 0; o < nsymbol; o++ {
				switch {
				case nsymbol == 1:
					hmm.Emis[k] = 1
				case o == k%nsymbol:
					hmm.Emis[k*nsymbol+o] = 0.8
				default:
					hmm.Emis[k*nsymbol+o] = 0.2 / float64(nsymbol-1)
				}
			}
		}
	default:
		panic(fmt.Sprintf("generate: unknown obsmodel '%s'\n", obsmodel))
	}

	rng := rand.New(rand.NewSource(seed))

	lengths := make([]int, nseq)
	for p := range lengths {
		lengths[p] = ntime
	}

	states := hmm.GenStates(lengths, rng)
	data, err := hmm.GenObs(states, rng)
	if err != nil {
		panic(err)
	}

	if err := hmm.Save(outname + "_model.gob.gz"); err != nil {
		panic(err)
	}
	if err := data.Save(outname + "_data.gob.gz"); err != nil {
		panic(err)
	}

	fmt.Fprintf(os.Stderr, "Wrote %d sequences to %s_data.gob.gz\n", nseq, outname)
}
