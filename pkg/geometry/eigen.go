package geometry

import "math"

// JacobiEigen computes the eigenvalues and eigenvectors of a symmetric
// matrix a using the classic cyclic Jacobi rotation method. a is not
// modified. Eigenvectors are returned as the columns of v, matched by index
// to eigenvalues. Suited to small (3x3, 4x4) symmetric systems such as the
// rigid-motion fit's 4x4 matrix; not a general large-matrix eigensolver.
func JacobiEigen(a Matrix, maxSweeps int) (eigenvalues []float64, v Matrix) {
	n := a.Rows()
	work := NewMatrix(n, n)
	for i := 0; i < n; i++ {
		copy(work[i], a[i])
	}

	v = NewMatrix(n, n)
	for i := 0; i < n; i++ {
		v[i][i] = 1
	}

	for sweep := 0; sweep < maxSweeps; sweep++ {
		off := offDiagonalSum(work)
		if off < 1e-14 {
			break
		}
		for p := 0; p < n-1; p++ {
			for q := p + 1; q < n; q++ {
				if math.Abs(work[p][q]) < 1e-300 {
					continue
				}
				theta := (work[q][q] - work[p][p]) / (2 * work[p][q])
				t := sign(theta) / (math.Abs(theta) + math.Sqrt(theta*theta+1))
				if theta == 0 {
					t = 1
				}
				c := 1 / math.Sqrt(t*t+1)
				s := t * c

				app, aqq, apq := work[p][p], work[q][q], work[p][q]
				work[p][p] = c*c*app - 2*s*c*apq + s*s*aqq
				work[q][q] = s*s*app + 2*s*c*apq + c*c*aqq
				work[p][q] = 0
				work[q][p] = 0

				for i := 0; i < n; i++ {
					if i == p || i == q {
						continue
					}
					aip, aiq := work[i][p], work[i][q]
					work[i][p] = c*aip - s*aiq
					work[p][i] = work[i][p]
					work[i][q] = s*aip + c*aiq
					work[q][i] = work[i][q]
				}

				for i := 0; i < n; i++ {
					vip, viq := v[i][p], v[i][q]
					v[i][p] = c*vip - s*viq
					v[i][q] = s*vip + c*viq
				}
			}
		}
	}

	eigenvalues = make([]float64, n)
	for i := 0; i < n; i++ {
		eigenvalues[i] = work[i][i]
	}
	return eigenvalues, v
}

func offDiagonalSum(m Matrix) float64 {
	var sum float64
	for i := range m {
		for j := range m[i] {
			if i != j {
				sum += m[i][j] * m[i][j]
			}
		}
	}
	return sum
}

func sign(x float64) float64 {
	if x < 0 {
		return -1
	}
	return 1
}
