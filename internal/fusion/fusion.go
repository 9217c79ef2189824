// Package fusion implements the pose fusion core (§4.K): confidence-gated
// source selection between SLAM, VIO, and VPS, freshness invalidation, a
// quality score, and short-horizon linear prediction. Grounded on
// pose_manager.py.
package fusion

import (
	"time"
)

// Source identifies which upstream produced a pose sample.
type Source string

const (
	SourceSLAM      Source = "slam"
	SourceVIO       Source = "vio"
	SourceVPS       Source = "vps"
	SourcePredicted Source = "predicted"
)

// Vector3 mirrors protocol.Vector3's shape without importing it, keeping
// this package transport-agnostic.
type Vector3 struct {
	X, Y, Z float64
}

// Quaternion mirrors protocol.Quaternion's shape, [w,x,y,z] order.
type Quaternion struct {
	W, X, Y, Z float64
}

// Sample is one accepted pose observation.
type Sample struct {
	Source     Source
	Position   Vector3
	Rotation   Quaternion
	Confidence float64
	Timestamp  time.Time
}

// Pose is the fused output, possibly a prediction.
type Pose struct {
	Position     Vector3
	Rotation     Quaternion
	Confidence   float64
	Source       Source
	Timestamp    time.Time
	IsPrediction bool
}

// Config holds the fuser's tunables (grounded in pose_manager.py).
type Config struct {
	MinSLAMConfidence float64
	MinVIOConfidence  float64
	MaxHistorySize    int
	PoseStaleness     time.Duration
	QualityAgeWindow  time.Duration
}

func DefaultConfig() Config {
	return Config{
		MinSLAMConfidence: 0.7,
		MinVIOConfidence:  0.5,
		MaxHistorySize:    30,
		PoseStaleness:     time.Second,
		QualityAgeWindow:  2 * time.Second,
	}
}

// Fuser holds one session's (or one user's) fused pose state. It is not
// safe for concurrent use; callers serialize access per session the same
// way the fan-out engine serializes a session's other mutable state.
type Fuser struct {
	cfg Config

	current    *Pose
	history    []Sample
	slamActive bool
	slamSeen   bool
	vioSeen    bool
}

func NewFuser(cfg Config) *Fuser {
	return &Fuser{cfg: cfg}
}

// IngestSLAM offers a SLAM pose sample; accepted when confidence meets
// MinSLAMConfidence.
func (f *Fuser) IngestSLAM(pos Vector3, rot Quaternion, confidence float64, ts time.Time) bool {
	if confidence < f.cfg.MinSLAMConfidence {
		f.slamActive = false
		return false
	}
	f.slamActive = true
	f.slamSeen = true
	f.accept(Sample{Source: SourceSLAM, Position: pos, Rotation: rot, Confidence: confidence, Timestamp: ts})
	return true
}

// IngestVIO offers a VIO pose sample; accepted when confidence meets
// MinVIOConfidence AND SLAM is not currently active (§4.K selection: SLAM
// wins whenever both are active).
func (f *Fuser) IngestVIO(pos Vector3, rot Quaternion, confidence float64, ts time.Time) bool {
	f.vioSeen = true
	if confidence < f.cfg.MinVIOConfidence || f.slamActive {
		return false
	}
	f.accept(Sample{Source: SourceVIO, Position: pos, Rotation: rot, Confidence: confidence, Timestamp: ts})
	return true
}

// IngestVPS offers a VPS fix as an absolute correction whenever its
// confidence exceeds threshold; it always overwrites current_pose when
// accepted, irrespective of SLAM/VIO activity.
func (f *Fuser) IngestVPS(pos Vector3, rot Quaternion, confidence, threshold float64, ts time.Time) bool {
	if confidence < threshold {
		return false
	}
	f.accept(Sample{Source: SourceVPS, Position: pos, Rotation: rot, Confidence: confidence, Timestamp: ts})
	return true
}

func (f *Fuser) accept(s Sample) {
	f.current = &Pose{
		Position:   s.Position,
		Rotation:   s.Rotation,
		Confidence: s.Confidence,
		Source:     s.Source,
		Timestamp:  s.Timestamp,
	}
	f.history = append(f.history, s)
	if len(f.history) > f.cfg.MaxHistorySize {
		f.history = f.history[len(f.history)-f.cfg.MaxHistorySize:]
	}
}

// Current returns the fused pose, invalidated (ok=false) when older than
// PoseStaleness (§4.K freshness).
func (f *Fuser) Current(now time.Time) (Pose, bool) {
	if f.current == nil {
		return Pose{}, false
	}
	if now.Sub(f.current.Timestamp) > f.cfg.PoseStaleness {
		return Pose{}, false
	}
	return *f.current, true
}

// QualityScore computes last_sample.confidence x age_factor x source_boost,
// capped at 1.0 (§4.K).
func (f *Fuser) QualityScore(now time.Time) float64 {
	if f.current == nil {
		return 0
	}
	age := now.Sub(f.current.Timestamp)
	ageFactor := 1.0 - float64(age)/float64(f.cfg.QualityAgeWindow)
	if ageFactor < 0 {
		ageFactor = 0
	}
	if ageFactor > 1 {
		ageFactor = 1
	}

	sourceBoost := 1.0
	if f.bothContributedRecently(now) {
		sourceBoost = 1.2
	}

	score := f.current.Confidence * ageFactor * sourceBoost
	if score > 1.0 {
		score = 1.0
	}
	return score
}

func (f *Fuser) bothContributedRecently(now time.Time) bool {
	sawSLAM, sawVIO := false, false
	cutoff := now.Add(-f.cfg.QualityAgeWindow)
	for i := len(f.history) - 1; i >= 0; i-- {
		s := f.history[i]
		if s.Timestamp.Before(cutoff) {
			break
		}
		switch s.Source {
		case SourceSLAM:
			sawSLAM = true
		case SourceVIO:
			sawVIO = true
		}
		if sawSLAM && sawVIO {
			return true
		}
	}
	return false
}

// Predict linearly extrapolates position from the last two samples'
// velocity, holds rotation constant, attenuates confidence by 0.8 (floored
// at 0.1), and marks the result a prediction (§4.K).
func (f *Fuser) Predict(at time.Time) (Pose, bool) {
	if len(f.history) < 2 {
		return Pose{}, false
	}
	p0 := f.history[len(f.history)-2]
	p1 := f.history[len(f.history)-1]
	dt := p1.Timestamp.Sub(p0.Timestamp).Seconds()
	if dt <= 0 {
		return Pose{}, false
	}

	vx := (p1.Position.X - p0.Position.X) / dt
	vy := (p1.Position.Y - p0.Position.Y) / dt
	vz := (p1.Position.Z - p0.Position.Z) / dt

	horizon := at.Sub(p1.Timestamp).Seconds()
	pos := Vector3{
		X: p1.Position.X + vx*horizon,
		Y: p1.Position.Y + vy*horizon,
		Z: p1.Position.Z + vz*horizon,
	}

	confidence := p1.Confidence * 0.8
	if confidence < 0.1 {
		confidence = 0.1
	}

	return Pose{
		Position:     pos,
		Rotation:     p1.Rotation,
		Confidence:   confidence,
		Source:       SourcePredicted,
		Timestamp:    at,
		IsPrediction: true,
	}, true
}
