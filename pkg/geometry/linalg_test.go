package geometry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCholeskySolveRecoversKnownSolution(t *testing.T) {
	// A symmetric positive-definite system with a known exact solution.
	a := Matrix{
		{4, 1, 0},
		{1, 3, 1},
		{0, 1, 2},
	}
	x := []float64{1, 2, 3}
	b := make([]float64, 3)
	for i := range b {
		sum := 0.0
		for j := range x {
			sum += a[i][j] * x[j]
		}
		b[i] = sum
	}

	got := make([]float64, 3)
	require.NoError(t, a.CholeskySolve(b, got))
	for i := range x {
		assert.InDelta(t, x[i], got[i], 1e-9)
	}
}

func TestCholeskyRejectsNonPositiveDefinite(t *testing.T) {
	a := Matrix{
		{1, 2},
		{2, 1},
	}
	dst := NewMatrix(2, 2)
	assert.Error(t, a.Cholesky(dst))
}

func TestAddDiagonal(t *testing.T) {
	m := NewMatrix(2, 2)
	m.AddDiagonal(5)
	assert.Equal(t, 5.0, m[0][0])
	assert.Equal(t, 5.0, m[1][1])
	assert.Equal(t, 0.0, m[0][1])
}
