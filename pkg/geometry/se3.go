package geometry

// SE3 is a rigid 6-DoF transform: a rotation plus a translation, composed
// right-to-left as spec.md section 4.1 requires:
//
//	T_wc_new = T_wc_prev . DeltaT
type SE3 struct {
	R Mat3
	T Vec3
}

// IdentitySE3 is the no-motion transform.
var IdentitySE3 = SE3{R: IdentityMat3}

// FromRT builds a pose from a rotation matrix and translation.
func FromRT(r Mat3, t Vec3) SE3 { return SE3{R: r, T: t} }

// FromQuaternion builds a pose from a unit quaternion and translation.
func FromQuaternion(q Quaternion, t Vec3) SE3 {
	return SE3{R: q.ToRotationMatrix(), T: t}
}

// Quaternion extracts the Hamilton, scalar-last quaternion for this pose's
// rotation, as required by the Freiburg trajectory format.
func (p SE3) Quaternion() Quaternion {
	return QuaternionFromRotationMatrix(p.R)
}

// Compose returns p . delta, i.e. apply delta first in the local frame, then p.
func (p SE3) Compose(delta SE3) SE3 {
	return SE3{
		R: p.R.Mul(delta.R),
		T: p.R.MulVec(delta.T).Add(p.T),
	}
}

// Inverse returns the transform that undoes p.
func (p SE3) Inverse() SE3 {
	rt := p.R.Transpose()
	return SE3{
		R: rt,
		T: rt.MulVec(p.T).Scale(-1),
	}
}

// TransformPoint maps a point from this pose's local frame into world
// coordinates: p_w = R*p_l + t (local-to-world uses T directly, per
// spec.md section 4.1).
func (p SE3) TransformPoint(local Vec3) Vec3 {
	return p.R.MulVec(local).Add(p.T)
}

// WorldToLocal maps a world point into this pose's local frame using T^-1,
// per spec.md section 4.1 ("world->local" uses the inverse transform).
func (p SE3) WorldToLocal(world Vec3) Vec3 {
	return p.Inverse().TransformPoint(world)
}

// Translation returns the translation component.
func (p SE3) Translation() Vec3 { return p.T }
