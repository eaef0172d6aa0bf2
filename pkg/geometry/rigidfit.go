package geometry

import "errors"

// FitRigid estimates the rigid transform that best maps src points onto
// their corresponding dst points in a least-squares sense (Horn's
// quaternion-based absolute orientation method). src and dst must be the
// same length and at least 3 points, non-degenerate (not all collinear).
//
// Used by the reference feature engine's RANSAC motion estimator and by
// any map-matching step that needs a closed-form pose from 3D-3D
// correspondences.
func FitRigid(src, dst []Vec3) (SE3, error) {
	n := len(src)
	if n != len(dst) {
		return SE3{}, errors.New("geometry: FitRigid: point count mismatch")
	}
	if n < 3 {
		return SE3{}, errors.New("geometry: FitRigid: need at least 3 correspondences")
	}

	var centroidSrc, centroidDst Vec3
	for i := 0; i < n; i++ {
		centroidSrc = centroidSrc.Add(src[i])
		centroidDst = centroidDst.Add(dst[i])
	}
	centroidSrc = centroidSrc.Scale(1 / float64(n))
	centroidDst = centroidDst.Scale(1 / float64(n))

	var sxx, sxy, sxz, syx, syy, syz, szx, szy, szz float64
	for i := 0; i < n; i++ {
		a := src[i].Sub(centroidSrc)
		b := dst[i].Sub(centroidDst)
		sxx += a.X * b.X
		sxy += a.X * b.Y
		sxz += a.X * b.Z
		syx += a.Y * b.X
		syy += a.Y * b.Y
		syz += a.Y * b.Z
		szx += a.Z * b.X
		szy += a.Z * b.Y
		szz += a.Z * b.Z
	}

	n4 := NewMatrix(4, 4)
	n4[0] = []float64{sxx + syy + szz, syz - szy, szx - sxz, sxy - syx}
	n4[1] = []float64{syz - szy, sxx - syy - szz, sxy + syx, szx + sxz}
	n4[2] = []float64{szx - sxz, sxy + syx, -sxx + syy - szz, syz + szy}
	n4[3] = []float64{sxy - syx, szx + sxz, syz + szy, -sxx - syy + szz}

	values, vectors := JacobiEigen(n4, 64)
	best := 0
	for i := 1; i < 4; i++ {
		if values[i] > values[best] {
			best = i
		}
	}

	q := Quaternion{X: vectors[1][best], Y: vectors[2][best], Z: vectors[3][best], W: vectors[0][best]}
	q = q.Normalized()
	r := q.ToRotationMatrix()
	t := centroidDst.Sub(r.MulVec(centroidSrc))

	return SE3{R: r, T: t}, nil
}

// RigidFitResidual returns the Euclidean distance between a transformed
// src point and its dst correspondence, the per-point error a RANSAC loop
// uses to classify inliers.
func RigidFitResidual(pose SE3, src, dst Vec3) float64 {
	return pose.TransformPoint(src).Distance(dst)
}
