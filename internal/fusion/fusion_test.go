package fusion

import (
	"testing"
	"time"
)

func TestFuser_IngestSLAM_RejectsLowConfidence(t *testing.T) {
	f := NewFuser(DefaultConfig())
	ok := f.IngestSLAM(Vector3{}, Quaternion{W: 1}, 0.5, time.Now())
	if ok {
		t.Error("expected SLAM sample below min_slam_confidence to be rejected")
	}
	if _, ok := f.Current(time.Now()); ok {
		t.Error("rejected sample should not become current pose")
	}
}

func TestFuser_SLAMWinsOverVIOWhenBothActive(t *testing.T) {
	f := NewFuser(DefaultConfig())
	now := time.Now()

	f.IngestSLAM(Vector3{X: 1}, Quaternion{W: 1}, 0.9, now)
	ok := f.IngestVIO(Vector3{X: 99}, Quaternion{W: 1}, 0.9, now.Add(time.Millisecond))
	if ok {
		t.Error("VIO should be rejected while SLAM is active")
	}

	pose, ok := f.Current(now.Add(time.Millisecond))
	if !ok {
		t.Fatal("expected a current pose")
	}
	if pose.Source != SourceSLAM || pose.Position.X != 1 {
		t.Errorf("expected SLAM pose to remain current, got %+v", pose)
	}
}

func TestFuser_VIOAcceptedWhenSLAMInactive(t *testing.T) {
	f := NewFuser(DefaultConfig())
	now := time.Now()

	ok := f.IngestVIO(Vector3{X: 5}, Quaternion{W: 1}, 0.6, now)
	if !ok {
		t.Fatal("expected VIO sample accepted when SLAM inactive")
	}
	pose, _ := f.Current(now)
	if pose.Source != SourceVIO {
		t.Errorf("expected VIO source, got %v", pose.Source)
	}
}

func TestFuser_Current_InvalidatedWhenStale(t *testing.T) {
	f := NewFuser(DefaultConfig())
	now := time.Now()
	f.IngestSLAM(Vector3{}, Quaternion{W: 1}, 0.9, now)

	if _, ok := f.Current(now.Add(2 * time.Second)); ok {
		t.Error("pose older than pose_staleness should be invalidated")
	}
}

func TestFuser_QualityScore_DecaysWithAge(t *testing.T) {
	f := NewFuser(DefaultConfig())
	now := time.Now()
	f.IngestSLAM(Vector3{}, Quaternion{W: 1}, 1.0, now)

	fresh := f.QualityScore(now)
	aged := f.QualityScore(now.Add(time.Second))
	if !(fresh > aged) {
		t.Errorf("expected quality score to decay with age: fresh=%v aged=%v", fresh, aged)
	}
}

func TestFuser_QualityScore_SourceBoostWhenBothContribute(t *testing.T) {
	cfg := DefaultConfig()
	f := NewFuser(cfg)
	now := time.Now()

	f.IngestVIO(Vector3{}, Quaternion{W: 1}, 0.6, now)
	f.IngestSLAM(Vector3{}, Quaternion{W: 1}, 0.9, now.Add(10*time.Millisecond))

	got := f.QualityScore(now.Add(10 * time.Millisecond))
	want := 0.9 * 1.0 * 1.2
	if want > 1.0 {
		want = 1.0
	}
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("QualityScore = %v, want ~%v", got, want)
	}
}

func TestFuser_Predict_ExtrapolatesLinearlyAndAttenuatesConfidence(t *testing.T) {
	f := NewFuser(DefaultConfig())
	now := time.Now()

	f.IngestSLAM(Vector3{X: 0}, Quaternion{W: 1}, 0.9, now)
	f.IngestSLAM(Vector3{X: 1}, Quaternion{W: 1}, 0.9, now.Add(time.Second))

	pred, ok := f.Predict(now.Add(2 * time.Second))
	if !ok {
		t.Fatal("expected a prediction with 2 history samples")
	}
	if pred.Position.X < 1.99 || pred.Position.X > 2.01 {
		t.Errorf("Predict().Position.X = %v, want ~2.0", pred.Position.X)
	}
	if !pred.IsPrediction || pred.Source != SourcePredicted {
		t.Errorf("expected prediction flag/source, got %+v", pred)
	}
	wantConfidence := 0.9 * 0.8
	if diff := pred.Confidence - wantConfidence; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("Confidence = %v, want %v", pred.Confidence, wantConfidence)
	}
}

func TestFuser_Predict_InsufficientHistory(t *testing.T) {
	f := NewFuser(DefaultConfig())
	f.IngestSLAM(Vector3{}, Quaternion{W: 1}, 0.9, time.Now())

	if _, ok := f.Predict(time.Now()); ok {
		t.Error("expected Predict to fail with fewer than 2 history samples")
	}
}

func TestFuser_VPS_OverwritesRegardlessOfSLAMActivity(t *testing.T) {
	f := NewFuser(DefaultConfig())
	now := time.Now()
	f.IngestSLAM(Vector3{X: 1}, Quaternion{W: 1}, 0.9, now)

	ok := f.IngestVPS(Vector3{X: 42}, Quaternion{W: 1}, 0.95, 0.8, now.Add(time.Millisecond))
	if !ok {
		t.Fatal("expected VPS fix above threshold to be accepted")
	}
	pose, _ := f.Current(now.Add(time.Millisecond))
	if pose.Source != SourceVPS || pose.Position.X != 42 {
		t.Errorf("expected VPS pose to overwrite current, got %+v", pose)
	}
}
