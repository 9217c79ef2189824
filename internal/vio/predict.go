package vio

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Predict advances the filter by dt seconds given a raw IMU sample,
// rejecting dt outside (0, 0.1] (§4.L Predict).
func (f *Filter) Predict(sample IMUSample, dt float64) error {
	if !f.initialized {
		return errors.New("filter not initialized")
	}
	if dt <= 0 || dt > 0.1 {
		return errors.Errorf("dt out of range (0, 0.1]: %v", dt)
	}

	q := f.currentQuat()
	accelBias := f.vec3(idxAccelBias)
	gyroBias := f.vec3(idxGyroBias)
	velocity := f.vec3(idxVelocity)
	position := f.vec3(idxPosition)

	correctedAccel := [3]float64{
		sample.Accel[0] - accelBias[0],
		sample.Accel[1] - accelBias[1],
		sample.Accel[2] - accelBias[2],
	}
	correctedGyro := [3]float64{
		sample.Gyro[0] - gyroBias[0],
		sample.Gyro[1] - gyroBias[1],
		sample.Gyro[2] - gyroBias[2],
	}

	rot := q.rotationMatrix()
	worldAccel := matVec3(rot, correctedAccel)
	worldAccel[2] -= gravityMagnitude // gravity compensation in world frame

	var newPosition, newVelocity [3]float64
	for i := 0; i < 3; i++ {
		newPosition[i] = position[i] + velocity[i]*dt
		newVelocity[i] = velocity[i] + worldAccel[i]*dt
	}

	deltaQ := axisAngle(correctedGyro, dt)
	newQuat := q.multiply(deltaQ).normalized()

	f.setVec3(idxPosition, newPosition)
	f.setVec3(idxVelocity, newVelocity)
	f.x.SetVec(idxQuaternion+0, newQuat.W)
	f.x.SetVec(idxQuaternion+1, newQuat.X)
	f.x.SetVec(idxQuaternion+2, newQuat.Y)
	f.x.SetVec(idxQuaternion+3, newQuat.Z)
	f.setVec3(idxAngularVel, correctedGyro)
	// accel/gyro biases: random walk, state unchanged (identity transition).

	fJac := f.processJacobian(q, dt)
	f.propagateCovariance(fJac, dt)

	return nil
}

// processJacobian builds the sparse F matrix (§4.L Predict): position
// depends on velocity, quaternion on angular velocity, everything else
// (including biases) is identity.
func (f *Filter) processJacobian(q quat, dt float64) *mat.Dense {
	fJac := mat.NewDense(stateDim, stateDim, nil)
	for i := 0; i < stateDim; i++ {
		fJac.Set(i, i, 1)
	}
	for i := 0; i < 3; i++ {
		fJac.Set(idxPosition+i, idxVelocity+i, dt)
	}
	xi := q.xi()
	for r := 0; r < 4; r++ {
		for c := 0; c < 3; c++ {
			fJac.Set(idxQuaternion+r, idxAngularVel+c, 0.5*dt*xi[r][c])
		}
	}
	return fJac
}

// propagateCovariance applies P <- F P F^T + Q*dt.
func (f *Filter) propagateCovariance(fJac *mat.Dense, dt float64) {
	var fp mat.Dense
	fp.Mul(fJac, f.p)
	var fpft mat.Dense
	fpft.Mul(&fp, fJac.T())

	var qdt mat.Dense
	qdt.Scale(dt, f.q)

	var newP mat.Dense
	newP.Add(&fpft, &qdt)
	f.p = &newP
}

func (f *Filter) currentQuat() quat {
	return quat{
		W: f.x.AtVec(idxQuaternion + 0),
		X: f.x.AtVec(idxQuaternion + 1),
		Y: f.x.AtVec(idxQuaternion + 2),
		Z: f.x.AtVec(idxQuaternion + 3),
	}
}

func (f *Filter) vec3(offset int) [3]float64 {
	return [3]float64{f.x.AtVec(offset), f.x.AtVec(offset + 1), f.x.AtVec(offset + 2)}
}

func (f *Filter) setVec3(offset int, v [3]float64) {
	f.x.SetVec(offset, v[0])
	f.x.SetVec(offset+1, v[1])
	f.x.SetVec(offset+2, v[2])
}

// VisualUpdate applies a Kalman correction from >= 4 2D/3D correspondences
// using a real pinhole projection model and its analytic Jacobian (§4.L
// Visual update, §9 Open Question (b)). Returns false without mutating
// state if there are too few correspondences or S is singular.
func (f *Filter) VisualUpdate(correspondences []Correspondence, intrinsics CameraIntrinsics, pixelNoiseStdDev float64) bool {
	if !f.initialized || len(correspondences) < 4 {
		return false
	}

	m := len(correspondences) * 2
	q := f.currentQuat()
	position := f.vec3(idxPosition)
	rot := q.rotationMatrix()
	rotT := transpose3(rot)
	dw, dx, dy, dz := q.rotationMatrixDerivatives()
	dwT, dxT, dyT, dzT := transpose3(dw), transpose3(dx), transpose3(dy), transpose3(dz)

	innovation := mat.NewVecDense(m, nil)
	h := mat.NewDense(m, stateDim, nil)

	for i, c := range correspondences {
		diff := [3]float64{c.Landmark[0] - position[0], c.Landmark[1] - position[1], c.Landmark[2] - position[2]}
		pc := matVec3(rotT, diff)
		zc := pc[2]
		if math.Abs(zc) < 1e-6 {
			return false
		}

		uPred := intrinsics.Fx*(pc[0]/zc) + intrinsics.Cx
		vPred := intrinsics.Fy*(pc[1]/zc) + intrinsics.Cy
		innovation.SetVec(2*i, c.Observed[0]-uPred)
		innovation.SetVec(2*i+1, c.Observed[1]-vPred)

		// d(u,v)/d(Pc)
		duDPc := [3]float64{intrinsics.Fx / zc, 0, -intrinsics.Fx * pc[0] / (zc * zc)}
		dvDPc := [3]float64{0, intrinsics.Fy / zc, -intrinsics.Fy * pc[1] / (zc * zc)}

		// d(Pc)/d(position) = -R^T
		dPcDPos := scale3(rotT, -1)
		for row := 0; row < 3; row++ {
			h.Set(2*i, idxPosition+row, dot3(duDPc, column3(dPcDPos, row)))
			h.Set(2*i+1, idxPosition+row, dot3(dvDPc, column3(dPcDPos, row)))
		}

		// d(Pc)/d(quaternion component k) = dR^T/dq_k * diff
		quatDerivs := [4][3][3]float64{dwT, dxT, dyT, dzT}
		for k := 0; k < 4; k++ {
			dPcDqk := matVec3(quatDerivs[k], diff)
			h.Set(2*i, idxQuaternion+k, dot3(duDPc, dPcDqk))
			h.Set(2*i+1, idxQuaternion+k, dot3(dvDPc, dPcDqk))
		}
	}

	r := mat.NewDense(m, m, nil)
	for i := 0; i < m; i++ {
		r.Set(i, i, pixelNoiseStdDev*pixelNoiseStdDev)
	}

	var hp mat.Dense
	hp.Mul(h, f.p)
	var hpht mat.Dense
	hpht.Mul(&hp, h.T())
	var s mat.Dense
	s.Add(&hpht, r)

	var sInv mat.Dense
	if err := sInv.Inverse(&s); err != nil {
		return false
	}

	var pht mat.Dense
	pht.Mul(f.p, h.T())
	var k mat.Dense
	k.Mul(&pht, &sInv)

	var correction mat.VecDense
	correction.MulVec(&k, innovation)

	for i := 0; i < stateDim; i++ {
		f.x.SetVec(i, f.x.AtVec(i)+correction.AtVec(i))
	}
	newQuat := f.currentQuat().normalized()
	f.x.SetVec(idxQuaternion+0, newQuat.W)
	f.x.SetVec(idxQuaternion+1, newQuat.X)
	f.x.SetVec(idxQuaternion+2, newQuat.Y)
	f.x.SetVec(idxQuaternion+3, newQuat.Z)

	identity := mat.NewDiagDense(stateDim, nil)
	for i := 0; i < stateDim; i++ {
		identity.SetDiag(i, 1)
	}
	var kh mat.Dense
	kh.Mul(&k, h)
	var imKh mat.Dense
	imKh.Sub(identity, &kh)
	var newP mat.Dense
	newP.Mul(&imKh, f.p)
	f.p = &newP

	return true
}

func scale3(m [3][3]float64, s float64) [3][3]float64 {
	var out [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = m[i][j] * s
		}
	}
	return out
}

func column3(m [3][3]float64, col int) [3]float64 {
	return [3]float64{m[0][col], m[1][col], m[2][col]}
}

func dot3(a, b [3]float64) float64 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
}
