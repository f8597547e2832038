package hmmlib

import (
	"fmt"
	"testing"
)

func TestAlignStates(t *testing.T) {

	for pix, p := range []struct {
		cost     [][]float64
		expected []int
	}{
		{
			cost: [][]float64{
				{0, 5},
				{5, 0},
			},
			expected: []int{0, 1},
		},
		{
			cost: [][]float64{
				{5, 0},
				{0, 5},
			},
			expected: []int{1, 0},
		},
		{
			cost: [][]float64{
				{1, 3, 4},
				{2, 7, 11},
				{5, 9, 9},
			},
			expected: []int{1, 0, 2},
		},
		{
			cost: [][]float64{
				{1},
			},
			expected: []int{0},
		},
	} {
		ix := AlignStates(p.cost)
		if !intSliceEqual(ix, p.expected) {
			fmt.Printf("pix=%d\n", pix)
			fmt.Printf("observed=%v\n", ix)
			fmt.Printf("expected=%v\n", p.expected)
			t.Fail()
		}
	}
}

func TestAlignments(t *testing.T) {

	al := newAligner([][]float64{
		{0, 2},
		{3, 1},
	})

	expected := []alignRec{
		{1, []int{0, 1}},
		{5, []int{1, 0}},
	}

	recs := al.alignments()
	if len(recs) != len(expected) {
		t.Fatalf("got %d alignments, expected %d", len(recs), len(expected))
	}

	for i := range recs {
		if recs[i].score != expected[i].score || !intSliceEqual(recs[i].ix, expected[i].ix) {
			fmt.Printf("i=%d\n", i)
			fmt.Printf("observed=%v\n", recs)
			fmt.Printf("expected=%v\n", expected)
			t.Fail()
		}
	}
}

func intSliceEqual(u, v []int) bool {

	if len(u) != len(v) {
		return false
	}

	for i := range u {
		if u[i] != v[i] {
			return false
		}
	}

	return true
}
