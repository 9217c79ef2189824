package vio

// State returns the filter's externally-visible snapshot (§4.L Outputs).
// Confidence is derived from the trace of the position and orientation
// covariance blocks; tracking_state buckets that confidence.
func (f *Filter) State() VioState {
	if !f.initialized {
		return VioState{TrackingState: TrackingUninitialized}
	}

	posTrace := f.p.At(idxPosition, idxPosition) + f.p.At(idxPosition+1, idxPosition+1) + f.p.At(idxPosition+2, idxPosition+2)
	oriTrace := f.p.At(idxQuaternion+1, idxQuaternion+1) + f.p.At(idxQuaternion+2, idxQuaternion+2) + f.p.At(idxQuaternion+3, idxQuaternion+3)

	confidence := 1 - (posTrace+oriTrace)/10
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	var trackingState TrackingState
	switch {
	case confidence >= 0.7:
		trackingState = TrackingTracking
	case confidence >= 0.3:
		trackingState = TrackingLimited
	default:
		trackingState = TrackingLost
	}

	q := f.currentQuat()
	return VioState{
		Position:       f.vec3(idxPosition),
		Quaternion:     [4]float64{q.W, q.X, q.Y, q.Z},
		Velocity:       f.vec3(idxVelocity),
		AngularVel:     f.vec3(idxAngularVel),
		AccelBias:      f.vec3(idxAccelBias),
		GyroBias:       f.vec3(idxGyroBias),
		PositionCov:    [3]float64{f.p.At(idxPosition, idxPosition), f.p.At(idxPosition+1, idxPosition+1), f.p.At(idxPosition+2, idxPosition+2)},
		OrientationCov: [3]float64{f.p.At(idxQuaternion+1, idxQuaternion+1), f.p.At(idxQuaternion+2, idxQuaternion+2), f.p.At(idxQuaternion+3, idxQuaternion+3)},
		Confidence:     confidence,
		TrackingState:  trackingState,
	}
}
