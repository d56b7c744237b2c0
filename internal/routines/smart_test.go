package routines

import (
	"testing"
)

func TestDigCalculationThreeByThree(t *testing.T) {
	got := digCalculation(0, 0, 3, 3)
	want := []digPoint{
		{X: 0, Z: 0, Class: classCorner, Edge: 0, Corner: 1},
		{X: 2, Z: 0, Class: classMoved, Edge: 3, Corner: 0},
		{X: 0, Z: 3, Class: classMoved, Edge: 4, Corner: 0},
		{X: 1, Z: 2, Class: classEdge, Edge: 1, Corner: 0},
		{X: 2, Z: 1, Class: classMoved, Edge: 2, Corner: 0},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d points, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("point %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestDigCalculationTwoByTwo(t *testing.T) {
	got := digCalculation(0, 0, 2, 2)
	want := []digPoint{
		{X: 0, Z: 0, Class: classCorner, Edge: 0, Corner: 1},
		{X: 2, Z: 0, Class: classMoved, Edge: 3, Corner: 0},
		{X: 1, Z: 1, Class: classMoved, Edge: 1, Corner: 0},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d points, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("point %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestDigCalculationAppliesOffset(t *testing.T) {
	got := digCalculation(10, -5, 3, 3)
	if len(got) == 0 {
		t.Fatal("no points produced")
	}
	first := got[0]
	if first.X != 10 || first.Z != -5 {
		t.Errorf("first point = (%d,%d), want (10,-5)", first.X, first.Z)
	}
	if first.Class != classCorner || first.Corner != 1 {
		t.Errorf("first point classification = %+v", first)
	}
}

func TestChunkOrigin(t *testing.T) {
	cases := []struct {
		x, z     int
		ox, oz   int
	}{
		{0, 0, 0, 0},
		{15, 15, 0, 0},
		{16, 16, 16, 16},
		{17, 31, 16, 16},
		{-1, -1, -16, -16},
		{-16, -17, -16, -32},
		{296, 9, 288, 0},
	}
	for _, c := range cases {
		ox, oz := chunkOrigin(c.x, c.z)
		if ox != c.ox || oz != c.oz {
			t.Errorf("chunkOrigin(%d,%d) = (%d,%d), want (%d,%d)",
				c.x, c.z, ox, oz, c.ox, c.oz)
		}
	}
}
