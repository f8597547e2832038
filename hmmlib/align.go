package hmmlib

import "sort"

// aligner matches the state labels of one parameter set to the labels of
// another by enumerating one-to-one label assignments.  Fitted HMM states
// are identified only up to a relabeling, so comparing two fits, or a fit
// to its generating values, requires finding the permutation that best
// matches the two sets.
type aligner struct {

	// cost[i][j] quantifies how poorly label i of the first set fits
	// label j of the second set.  Smaller costs correspond to better
	// matches.
	cost [][]float64

	nstate int

	// Workspaces for the enumeration
	perm []int
	used []bool

	recs []alignRec
}

// alignRec represents one complete label assignment with its total cost.
type alignRec struct {
	score float64
	ix    []int
}

func newAligner(cost [][]float64) *aligner {

	ns := len(cost)
	for _, row := range cost {
		if len(row) != ns {
			panic("Cost matrix is not square")
		}
	}

	return &aligner{
		cost:   cost,
		nstate: ns,
		perm:   make([]int, ns),
		used:   make([]bool, ns),
	}
}

// enumerate visits every one-to-one assignment of the labels in position
// p and beyond, accumulating the complete assignments into recs.
func (al *aligner) enumerate(p int, run float64) {

	if p == al.nstate {
		ix := make([]int, al.nstate)
		copy(ix, al.perm)
		al.recs = append(al.recs, alignRec{run, ix})
		return
	}

	for j := 0; j < al.nstate; j++ {
		if al.used[j] {
			continue
		}
		al.used[j] = true
		al.perm[p] = j
		al.enumerate(p+1, run+al.cost[p][j])
		al.used[j] = false
	}
}

// alignments returns every one-to-one label assignment in ascending cost
// order.
func (al *aligner) alignments() []alignRec {

	al.recs = al.recs[0:0]
	al.enumerate(0, 0)

	sort.SliceStable(al.recs, func(i, j int) bool {
		return al.recs[i].score < al.recs[j].score
	})

	return al.recs
}

// AlignStates returns the label permutation ix minimizing the total cost
// sum over i of cost[i][ix[i]], over all one-to-one assignments.  ix[i] is
// the label in the second set matched to label i in the first set.  The
// cost matrix must be square; its order is the number of states.
func AlignStates(cost [][]float64) []int {

	al := newAligner(cost)
	return al.alignments()[0].ix
}
