// Command estimate fits an HMM to a saved sequence collection, writes
// parameter summaries to the logs, and saves the fitted model.  When the
// data carry their generating states, the Viterbi reconstruction is
// compared to them after aligning the state labels.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/NicozRobin/pmtk3/hmmlib"
)

var (
	logger *log.Logger
)

// report decodes every sequence, aligns the decoded labels to the
// generating labels, and logs the per-sequence and total error counts.
func report(logger *log.Logger, data *hmmlib.SequenceSet, model *hmmlib.HMM) {

	ns := model.NState

	pred := make([][]int, data.NSeq())
	for p := range data.Obs {
		var err error
		pred[p], err = model.Viterbi(data.Obs[p])
		if err != nil {
			panic(err)
		}
	}

	// Fitted labels are arbitrary, so match them to the generating
	// labels by their co-occurrence counts.
	cost := make([][]float64, ns)
	for i := range cost {
		cost[i] = make([]float64, ns)
	}
	for p := range pred {
		for t, s := range pred[p] {
			cost[s][data.States[p][t]]--
		}
	}
	perm := hmmlib.AlignStates(cost)

	var te, tn int
	logger.Printf("Per-sequence errors:")
	for p := range pred {
		for t, s := range pred[p] {
			pred[p][t] = perm[s]
		}
		e, n := hmmlib.CompareStates(pred[p], data.States[p])
		logger.Printf("%d %d/%d\n", p, e, n)
		te += e
		tn += n
	}
	logger.Printf("%d/%d total errors\n", te, tn)
}

func main() {

	gobname := flag.String("gobfile", "", "The data file")
	nstate := flag.Int("nstate", 0, "Number of states")
	obsmodel := flag.String("obsmodel", "gaussian", "Observation distribution (gaussian or discrete)")
	maxiter := flag.Int("maxiter", 100, "Maximum number of EM iterations")
	tol := flag.Float64("tol", 1e-4, "Convergence tolerance")
	restarts := flag.Int("restarts", 1, "Number of random restarts")
	seed := flag.Uint64("seed", 1, "Seed for the random source")
	logname := flag.String("logname", "hmm", "Prefix of log file")
	outname := flag.String("outname", "", "File name of the fitted model")
	decode := flag.Bool("decode", true, "Reconstruct the states and compare to the generating states")
	flag.Parse()

	if *gobname == "" {
		_, _ = io.WriteString(os.Stderr, "'gobfile' is a required argument")
		os.Exit(1)
	}
	if *nstate < 1 {
		_, _ = io.WriteString(os.Stderr, "'nstate' is a required argument")
		os.Exit(1)
	}

	data, err := hmmlib.ReadSequenceSet(*gobname)
	if err != nil {
		panic(err)
	}

	var om hmmlib.ObsModelType
	switch *obsmodel {
	case "gaussian":
		om = hmmlib.Gaussian
	case "discrete":
		om = hmmlib.Discrete
	default:
		panic(fmt.Sprintf("estimate: unknown obsmodel '%s'", *obsmodel))
	}

	conf := hmmlib.DefaultConfig()
	conf.MaxIter = *maxiter
	conf.Tol = *tol
	conf.Restarts = *restarts
	conf.Seed = *seed
	conf.LogName = *logname
	conf.ProgressBar = true

	model, err := hmmlib.Fit(data, *nstate, om, conf)
	if err != nil {
		panic(err)
	}

	fid, err := os.Create(*logname + "_out.log")
	if err != nil {
		panic(err)
	}
	defer fid.Close()
	logger = log.New(fid, "", log.Ltime)

	model.WriteSummary(logger, nil, "Estimated parameters:")
	logger.Printf("Final log-likelihood: %f", model.Loglike())
	logger.Printf("Final AIC: %f", model.AIC())

	if *outname == "" {
		*outname = *gobname + ".fit"
	}
	if err := model.Save(*outname); err != nil {
		panic(err)
	}

	if *decode && data.States != nil {
		report(logger, data, model)
	}
}
