package vio

import (
	"math"
	"testing"
)

func stationarySamples(n int) []IMUSample {
	samples := make([]IMUSample, n)
	for i := range samples {
		samples[i] = IMUSample{Accel: [3]float64{0, 0, gravityMagnitude}, Gyro: [3]float64{0, 0, 0}}
	}
	return samples
}

func TestFilter_Initialize_RequiresMinimumSamples(t *testing.T) {
	f := NewFilter()
	err := f.Initialize(stationarySamples(10))
	if err == nil {
		t.Fatal("expected error with fewer than 50 samples")
	}
}

func TestFilter_Initialize_RequiresMostlyStationarySamples(t *testing.T) {
	f := NewFilter()
	samples := stationarySamples(50)
	for i := 0; i < 30; i++ {
		samples[i].Gyro = [3]float64{5, 5, 5} // not stationary
	}
	if err := f.Initialize(samples); err == nil {
		t.Fatal("expected error when fewer than 80% of samples are stationary")
	}
}

func TestFilter_Initialize_SucceedsWithStationaryWindow(t *testing.T) {
	f := NewFilter()
	if err := f.Initialize(stationarySamples(60)); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if !f.IsInitialized() {
		t.Fatal("expected filter to report initialized")
	}
	st := f.State()
	if st.TrackingState == TrackingUninitialized {
		t.Error("expected a non-uninitialized tracking state after Initialize")
	}
}

func TestFilter_Initialize_GravityAlignedUprightOrientation(t *testing.T) {
	f := NewFilter()
	if err := f.Initialize(stationarySamples(60)); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	// Device at rest, accel reads +Z (specific force cancels gravity when
	// upright in this convention); resulting orientation should be close to
	// identity (no rotation needed).
	q := f.currentQuat()
	if math.Abs(q.W-1) > 0.05 {
		t.Errorf("expected near-identity orientation for upright rest, got %+v", q)
	}
}

func TestFilter_Predict_RejectsOutOfRangeDt(t *testing.T) {
	f := NewFilter()
	_ = f.Initialize(stationarySamples(60))

	if err := f.Predict(IMUSample{}, 0); err == nil {
		t.Error("expected error for dt=0")
	}
	if err := f.Predict(IMUSample{}, 0.2); err == nil {
		t.Error("expected error for dt=0.2 (> 0.1 max)")
	}
}

func TestFilter_Predict_RequiresInitialization(t *testing.T) {
	f := NewFilter()
	if err := f.Predict(IMUSample{}, 0.01); err == nil {
		t.Error("expected error predicting before Initialize")
	}
}

func TestFilter_Predict_StationaryStaysNearOrigin(t *testing.T) {
	f := NewFilter()
	_ = f.Initialize(stationarySamples(60))

	for i := 0; i < 100; i++ {
		if err := f.Predict(IMUSample{Accel: [3]float64{0, 0, gravityMagnitude}, Gyro: [3]float64{0, 0, 0}}, 0.01); err != nil {
			t.Fatalf("Predict step %d: %v", i, err)
		}
	}

	st := f.State()
	for i, p := range st.Position {
		if math.Abs(p) > 0.01 {
			t.Errorf("position[%d] = %v, expected near 0 while stationary", i, p)
		}
	}
}

func TestFilter_VisualUpdate_RejectsFewerThanFourCorrespondences(t *testing.T) {
	f := NewFilter()
	_ = f.Initialize(stationarySamples(60))

	correspondences := []Correspondence{
		{Landmark: [3]float64{0, 0, 5}, Observed: [2]float64{320, 240}},
	}
	ok := f.VisualUpdate(correspondences, CameraIntrinsics{Fx: 500, Fy: 500, Cx: 320, Cy: 240}, 1.0)
	if ok {
		t.Error("expected VisualUpdate to fail with fewer than 4 correspondences")
	}
}

func TestFilter_VisualUpdate_AcceptsConsistentCorrespondences(t *testing.T) {
	f := NewFilter()
	_ = f.Initialize(stationarySamples(60))

	intrinsics := CameraIntrinsics{Fx: 500, Fy: 500, Cx: 320, Cy: 240}
	landmarks := [][3]float64{
		{-1, -1, 5}, {1, -1, 5}, {1, 1, 5}, {-1, 1, 5},
	}
	var correspondences []Correspondence
	for _, l := range landmarks {
		u := intrinsics.Fx*(l[0]/l[2]) + intrinsics.Cx
		v := intrinsics.Fy*(l[1]/l[2]) + intrinsics.Cy
		correspondences = append(correspondences, Correspondence{Landmark: l, Observed: [2]float64{u, v}})
	}

	ok := f.VisualUpdate(correspondences, intrinsics, 1.0)
	if !ok {
		t.Fatal("expected VisualUpdate to succeed with 4 consistent correspondences")
	}

	st := f.State()
	for i, p := range st.Position {
		if math.Abs(p) > 1.0 {
			t.Errorf("position[%d] = %v drifted too far from consistent zero-innovation correction", i, p)
		}
	}
}
