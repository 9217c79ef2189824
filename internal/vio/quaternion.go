package vio

import "math"

// quat is a unit quaternion in [w,x,y,z] order, matching the state vector's
// layout (§3, §4.L).
type quat struct {
	W, X, Y, Z float64
}

func (q quat) norm() float64 {
	return math.Sqrt(q.W*q.W + q.X*q.X + q.Y*q.Y + q.Z*q.Z)
}

func (q quat) normalized() quat {
	n := q.norm()
	if n == 0 {
		return quat{W: 1}
	}
	return quat{W: q.W / n, X: q.X / n, Y: q.Y / n, Z: q.Z / n}
}

// multiply computes the Hamilton product q * r.
func (q quat) multiply(r quat) quat {
	return quat{
		W: q.W*r.W - q.X*r.X - q.Y*r.Y - q.Z*r.Z,
		X: q.W*r.X + q.X*r.W + q.Y*r.Z - q.Z*r.Y,
		Y: q.W*r.Y - q.X*r.Z + q.Y*r.W + q.Z*r.X,
		Z: q.W*r.Z + q.X*r.Y - q.Y*r.X + q.Z*r.W,
	}
}

// axisAngle builds the quaternion representing a rotation of angle
// |omega*dt| about axis omega/|omega|, used to advance orientation by one
// gyro integration step.
func axisAngle(omega [3]float64, dt float64) quat {
	theta := math.Sqrt(omega[0]*omega[0]+omega[1]*omega[1]+omega[2]*omega[2]) * dt
	if theta < 1e-12 {
		return quat{W: 1}
	}
	half := theta / 2
	s := math.Sin(half) / (theta / dt)
	return quat{
		W: math.Cos(half),
		X: omega[0] * s,
		Y: omega[1] * s,
		Z: omega[2] * s,
	}
}

// rotationMatrix returns R, the body-to-world rotation matrix for q, as a
// row-major 3x3 array (R[row][col]).
func (q quat) rotationMatrix() [3][3]float64 {
	w, x, y, z := q.W, q.X, q.Y, q.Z
	return [3][3]float64{
		{1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y)},
		{2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x)},
		{2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y)},
	}
}

// rotationMatrixDerivatives returns dR/dw, dR/dx, dR/dy, dR/dz, each a 3x3
// matrix, for the analytic visual-update Jacobian (§4.L).
func (q quat) rotationMatrixDerivatives() (dw, dx, dy, dz [3][3]float64) {
	w, x, y, z := q.W, q.X, q.Y, q.Z
	dw = [3][3]float64{
		{0, -2 * z, 2 * y},
		{2 * z, 0, -2 * x},
		{-2 * y, 2 * x, 0},
	}
	dx = [3][3]float64{
		{0, 2 * y, 2 * z},
		{2 * y, -4 * x, -2 * w},
		{2 * z, 2 * w, -4 * x},
	}
	dy = [3][3]float64{
		{-4 * y, 2 * x, 2 * w},
		{2 * x, 0, 2 * z},
		{-2 * w, 2 * z, -4 * y},
	}
	dz = [3][3]float64{
		{-4 * z, -2 * w, 2 * x},
		{2 * w, -4 * z, 2 * y},
		{2 * x, 2 * y, 0},
	}
	return
}

// xi returns the 4x3 matrix Xi(q) such that qdot = 0.5*Xi(q)*omega,
// the quaternion/angular-velocity coupling block of the process Jacobian.
func (q quat) xi() [4][3]float64 {
	return [4][3]float64{
		{-q.X, -q.Y, -q.Z},
		{q.W, -q.Z, q.Y},
		{q.Z, q.W, -q.X},
		{-q.Y, q.X, q.W},
	}
}

func matVec3(m [3][3]float64, v [3]float64) [3]float64 {
	return [3]float64{
		m[0][0]*v[0] + m[0][1]*v[1] + m[0][2]*v[2],
		m[1][0]*v[0] + m[1][1]*v[1] + m[1][2]*v[2],
		m[2][0]*v[0] + m[2][1]*v[1] + m[2][2]*v[2],
	}
}

func transpose3(m [3][3]float64) [3][3]float64 {
	return [3][3]float64{
		{m[0][0], m[1][0], m[2][0]},
		{m[0][1], m[1][1], m[2][1]},
		{m[0][2], m[1][2], m[2][2]},
	}
}
