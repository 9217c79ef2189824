// Package vio implements the 19-state Extended Kalman filter fusing IMU
// propagation with sparse visual corrections (§4.L). Grounded on
// vio_kalman_filter.py; the visual update here is a faithful pinhole
// projection and analytic Jacobian rather than the source's zero-innovation
// placeholder (§9 Open Question (b)).
package vio

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

const stateDim = 19

// state vector block offsets.
const (
	idxPosition       = 0
	idxQuaternion     = 3
	idxVelocity       = 7
	idxAngularVel     = 10
	idxAccelBias      = 13
	idxGyroBias       = 16
)

const gravityMagnitude = 9.81

// TrackingState classifies the filter's confidence (§4.L outputs).
type TrackingState string

const (
	TrackingUninitialized TrackingState = "uninitialized"
	TrackingInitializing  TrackingState = "initializing"
	TrackingTracking      TrackingState = "tracking"
	TrackingLimited       TrackingState = "limited"
	TrackingLost          TrackingState = "lost"
)

// IMUSample is one raw accelerometer+gyroscope reading.
type IMUSample struct {
	Accel [3]float64
	Gyro  [3]float64
}

// Correspondence is one known 3-D landmark and its observed 2-D projection,
// used by VisualUpdate.
type Correspondence struct {
	Landmark [3]float64 // world frame
	Observed [2]float64 // pixel coordinates
}

// CameraIntrinsics is the pinhole camera model (§4.L).
type CameraIntrinsics struct {
	Fx, Fy, Cx, Cy float64
}

// VioState is the filter's externally-visible snapshot (§4.L outputs).
type VioState struct {
	Position      [3]float64
	Quaternion    [4]float64 // w,x,y,z
	Velocity      [3]float64
	AngularVel    [3]float64
	AccelBias     [3]float64
	GyroBias      [3]float64
	PositionCov   [3]float64 // diagonal of the position covariance block
	OrientationCov [3]float64 // diagonal of the quaternion covariance block (x,y,z components)
	Confidence    float64
	TrackingState TrackingState
}

// Filter is the 19-state EKF. Not safe for concurrent use; one filter
// instance per tracked session/device.
type Filter struct {
	x             *mat.VecDense // 19
	p             *mat.Dense    // 19x19
	q             *mat.Dense    // 19x19 process noise, built once
	initialized   bool
}

// NewFilter constructs an uninitialized filter with a fixed diagonal
// process noise matrix, domain-appropriate per state block.
func NewFilter() *Filter {
	q := mat.NewDense(stateDim, stateDim, nil)
	setDiagBlock(q, idxPosition, 3, 1e-4)
	setDiagBlock(q, idxQuaternion, 4, 1e-5)
	setDiagBlock(q, idxVelocity, 3, 1e-3)
	setDiagBlock(q, idxAngularVel, 3, 1e-3)
	setDiagBlock(q, idxAccelBias, 3, 1e-6)
	setDiagBlock(q, idxGyroBias, 3, 1e-6)

	return &Filter{
		x: mat.NewVecDense(stateDim, nil),
		p: mat.NewDense(stateDim, stateDim, nil),
		q: q,
	}
}

func setDiagBlock(m *mat.Dense, start, size int, v float64) {
	for i := start; i < start+size; i++ {
		m.Set(i, i, v)
	}
}

// Initialize collects a window of stationary IMU samples to estimate the
// initial orientation (via Rodrigues gravity alignment), gyro bias, and
// accel bias (§4.L Initialization). Requires at least 50 samples of which
// at least 80% register as stationary.
func (f *Filter) Initialize(samples []IMUSample) error {
	if len(samples) < 50 {
		return errors.Errorf("need at least 50 IMU samples to initialize, got %d", len(samples))
	}

	var stationary []IMUSample
	for _, s := range samples {
		accelMag := math.Sqrt(s.Accel[0]*s.Accel[0] + s.Accel[1]*s.Accel[1] + s.Accel[2]*s.Accel[2])
		gyroMag := math.Sqrt(s.Gyro[0]*s.Gyro[0] + s.Gyro[1]*s.Gyro[1] + s.Gyro[2]*s.Gyro[2])
		if math.Abs(accelMag-gravityMagnitude) < 0.5 && gyroMag < 0.1 {
			stationary = append(stationary, s)
		}
	}
	if float64(len(stationary))/float64(len(samples)) < 0.8 {
		return errors.Errorf("only %d/%d samples are stationary, need >= 80%%", len(stationary), len(samples))
	}

	var meanAccel, meanGyro [3]float64
	for _, s := range stationary {
		for i := 0; i < 3; i++ {
			meanAccel[i] += s.Accel[i]
			meanGyro[i] += s.Gyro[i]
		}
	}
	n := float64(len(stationary))
	for i := 0; i < 3; i++ {
		meanAccel[i] /= n
		meanGyro[i] /= n
	}

	initialQuat := gravityAlignQuaternion(meanAccel)

	// accel bias = mean(a) - expected reading at rest in body frame, where the
	// expected specific-force reading at rest is +g along world +Z rotated
	// into body frame (the same convention Predict compensates for).
	rot := initialQuat.rotationMatrix()
	rotT := transpose3(rot)
	expectedGravityBody := matVec3(rotT, [3]float64{0, 0, gravityMagnitude})
	var accelBias [3]float64
	for i := 0; i < 3; i++ {
		accelBias[i] = meanAccel[i] - expectedGravityBody[i]
	}

	f.x.SetVec(idxPosition+0, 0)
	f.x.SetVec(idxPosition+1, 0)
	f.x.SetVec(idxPosition+2, 0)
	f.x.SetVec(idxQuaternion+0, initialQuat.W)
	f.x.SetVec(idxQuaternion+1, initialQuat.X)
	f.x.SetVec(idxQuaternion+2, initialQuat.Y)
	f.x.SetVec(idxQuaternion+3, initialQuat.Z)
	for i := 0; i < 3; i++ {
		f.x.SetVec(idxVelocity+i, 0)
		f.x.SetVec(idxAngularVel+i, 0)
		f.x.SetVec(idxAccelBias+i, accelBias[i])
		f.x.SetVec(idxGyroBias+i, meanGyro[i])
	}

	for i := 0; i < stateDim; i++ {
		f.p.Set(i, i, 1000)
	}
	scaleDiagBlock(f.p, idxPosition, 3, 1.0)
	scaleDiagBlock(f.p, idxQuaternion, 4, 0.1)
	scaleDiagBlock(f.p, idxVelocity, 3, 0.1)
	scaleDiagBlock(f.p, idxAccelBias, 3, 0.01)
	scaleDiagBlock(f.p, idxGyroBias, 3, 0.001)

	f.initialized = true
	return nil
}

func scaleDiagBlock(m *mat.Dense, start, size int, factor float64) {
	for i := start; i < start+size; i++ {
		m.Set(i, i, m.At(i, i)*factor)
	}
}

// gravityAlignQuaternion aligns the measured specific-force vector to +Z
// (so gravity, which points opposite it, lies along -Z) via Rodrigues'
// rotation formula, returning the rotation from body frame to world frame
// that makes it so (§4.L Initialization).
func gravityAlignQuaternion(measuredGravity [3]float64) quat {
	mag := math.Sqrt(measuredGravity[0]*measuredGravity[0] + measuredGravity[1]*measuredGravity[1] + measuredGravity[2]*measuredGravity[2])
	if mag < 1e-9 {
		return quat{W: 1}
	}
	a := [3]float64{measuredGravity[0] / mag, measuredGravity[1] / mag, measuredGravity[2] / mag}
	b := [3]float64{0, 0, 1} // target: +Z in world frame (gravity along -Z)

	cosTheta := a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
	cross := [3]float64{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
	sinTheta := math.Sqrt(cross[0]*cross[0] + cross[1]*cross[1] + cross[2]*cross[2])

	if sinTheta < 1e-9 {
		if cosTheta > 0 {
			return quat{W: 1}
		}
		// 180 degree rotation about any axis orthogonal to a.
		axis := orthogonalTo(a)
		return quat{W: 0, X: axis[0], Y: axis[1], Z: axis[2]}
	}

	axis := [3]float64{cross[0] / sinTheta, cross[1] / sinTheta, cross[2] / sinTheta}
	theta := math.Atan2(sinTheta, cosTheta)
	half := theta / 2
	return quat{
		W: math.Cos(half),
		X: axis[0] * math.Sin(half),
		Y: axis[1] * math.Sin(half),
		Z: axis[2] * math.Sin(half),
	}.normalized()
}

func orthogonalTo(v [3]float64) [3]float64 {
	if math.Abs(v[0]) < 0.9 {
		return normalize3(cross3(v, [3]float64{1, 0, 0}))
	}
	return normalize3(cross3(v, [3]float64{0, 1, 0}))
}

func cross3(a, b [3]float64) [3]float64 {
	return [3]float64{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func normalize3(v [3]float64) [3]float64 {
	n := math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
	if n < 1e-12 {
		return v
	}
	return [3]float64{v[0] / n, v[1] / n, v[2] / n}
}

// IsInitialized reports whether Initialize has succeeded.
func (f *Filter) IsInitialized() bool { return f.initialized }
