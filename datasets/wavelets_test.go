package datasets

import (
	"math"
	"math/rand"
	"strings"
	"sync"
	"testing"
)

// makeRecording builds a deterministic pseudo-random recording so that
// normalization statistics are non-degenerate.
func makeRecording(t *testing.T, T, F, C int, seed int64) *Recording {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	data := make([]float32, T*F*C)
	for i := range data {
		data[i] = float32(rng.NormFloat64()*3 + 10)
	}
	rec, err := NewRecording(data, T, F, C)
	if err != nil {
		t.Fatalf("NewRecording error: %v", err)
	}
	return rec
}

// makePositions builds a position channel from a per-step generator.
func makePositions(t *testing.T, T int, at func(step int) (x, y float32)) *TargetChannel {
	t.Helper()
	data := make([]float32, T*2)
	for i := 0; i < T; i++ {
		x, y := at(i)
		data[2*i] = x
		data[2*i+1] = y
	}
	ch, err := NewTargetChannel(TargetPosition, data, T, 2)
	if err != nil {
		t.Fatalf("NewTargetChannel error: %v", err)
	}
	return ch
}

// makeScalarChannel builds a zero-filled scalar channel. The extractor never
// reads these values (derived labels come from the position channel), but
// the channel must exist for every configured target.
func makeScalarChannel(t *testing.T, name string, T int) *TargetChannel {
	t.Helper()
	ch, err := NewTargetChannel(name, make([]float32, T), T, 1)
	if err != nil {
		t.Fatalf("NewTargetChannel error: %v", err)
	}
	return ch
}

func baseConfig() Config {
	return Config{
		Targets:        []Target{{Name: TargetPosition, Dim: 2}},
		ModelTimesteps: 8,
		NumCVs:         3,
		Seed:           7,
	}
}

func TestPositionLabelIsWindowLastStep(t *testing.T) {
	const T = 64
	rec := makeRecording(t, T, 3, 2, 1)
	pos := makePositions(t, T, func(i int) (float32, float32) {
		return float32(i), float32(2 * i)
	})

	train, _, err := Split(baseConfig(), rec, map[string]*TargetChannel{TargetPosition: pos})
	if err != nil {
		t.Fatalf("Split error: %v", err)
	}

	// Training index 0 starts at recording step 0, so the position label
	// is the value at step ModelTimesteps-1.
	_, labels, err := train.Sample(0)
	if err != nil {
		t.Fatalf("Sample error: %v", err)
	}
	want := pos.At(7)
	if labels[0][0] != want[0] || labels[0][1] != want[1] {
		t.Fatalf("position label = %v, want %v", labels[0], want)
	}
}

func TestSpeedLabelIsUnitForUnitSteps(t *testing.T) {
	const T = 64
	rec := makeRecording(t, T, 2, 2, 2)
	pos := makePositions(t, T, func(i int) (float32, float32) {
		return float32(i), 0 // one unit of displacement per step
	})
	channels := map[string]*TargetChannel{
		TargetPosition: pos,
		TargetSpeed:    makeScalarChannel(t, TargetSpeed, T),
	}

	cfg := baseConfig()
	cfg.Targets = []Target{{Name: TargetPosition, Dim: 2}, {Name: TargetSpeed, Dim: 1}}
	train, test, err := Split(cfg, rec, channels)
	if err != nil {
		t.Fatalf("Split error: %v", err)
	}

	for _, view := range []*WaveletDataset{train, test} {
		for i := 0; i < view.Len(); i++ {
			_, labels, err := view.Sample(i)
			if err != nil {
				t.Fatalf("Sample(%d) error: %v", i, err)
			}
			if got := labels[1][0]; math.Abs(float64(got)-1.0) > 1e-6 {
				t.Fatalf("speed label at %d = %v, want 1.0", i, got)
			}
		}
	}
}

func TestDirectionLabelFollowsMotionAxis(t *testing.T) {
	const T = 64
	cases := []struct {
		name string
		at   func(i int) (float32, float32)
		want float64
	}{
		{"plus-x", func(i int) (float32, float32) { return float32(i), 0 }, 0},
		{"plus-y", func(i int) (float32, float32) { return 0, float32(i) }, math.Pi / 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := makeRecording(t, T, 2, 2, 3)
			channels := map[string]*TargetChannel{
				TargetPosition:  makePositions(t, T, tc.at),
				TargetDirection: makeScalarChannel(t, TargetDirection, T),
			}
			cfg := baseConfig()
			cfg.Targets = []Target{{Name: TargetPosition, Dim: 2}, {Name: TargetDirection, Dim: 1}}
			train, _, err := Split(cfg, rec, channels)
			if err != nil {
				t.Fatalf("Split error: %v", err)
			}
			_, labels, err := train.Sample(0)
			if err != nil {
				t.Fatalf("Sample error: %v", err)
			}
			if got := float64(labels[1][0]); math.Abs(got-tc.want) > 1e-6 {
				t.Fatalf("direction label = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestNormalizationMedianIsZeroOverTrainingRows(t *testing.T) {
	const T, F, C = 97, 4, 3
	rec := makeRecording(t, T, F, C, 4)
	pos := makePositions(t, T, func(i int) (float32, float32) { return float32(i), float32(i) })

	train, _, err := Split(baseConfig(), rec, map[string]*TargetChannel{TargetPosition: pos})
	if err != nil {
		t.Fatalf("Split error: %v", err)
	}

	st := train.Stats()
	for cell := 0; cell < F*C; cell++ {
		values := make([]float64, 0, train.Len())
		for _, row := range train.Indices() {
			v := (float64(rec.Data[row*F*C+cell]) - st.Mean[cell]) / st.Scale[cell]
			values = append(values, v)
		}
		if m := median(values); math.Abs(m) > 1e-9 {
			t.Fatalf("cell %d: median of normalized training rows = %v, want 0", cell, m)
		}
	}
}

func TestSampleAppliesNormalization(t *testing.T) {
	const T = 48
	rec := makeRecording(t, T, 2, 2, 5)
	pos := makePositions(t, T, func(i int) (float32, float32) { return float32(i), 0 })

	train, _, err := Split(baseConfig(), rec, map[string]*TargetChannel{TargetPosition: pos})
	if err != nil {
		t.Fatalf("Split error: %v", err)
	}
	input, _, err := train.Sample(0)
	if err != nil {
		t.Fatalf("Sample error: %v", err)
	}

	dims := train.InputDims()
	if dims != [4]int{2, 8, 2, 1} {
		t.Fatalf("InputDims = %v", dims)
	}
	if len(input) != 2*8*2 {
		t.Fatalf("window length = %d, want %d", len(input), 2*8*2)
	}

	// Spot-check one element: window starts at recording step 0, so input
	// position (c=1, t=3, f=0) must be the normalized value of rec(3,0,1).
	st := train.Stats()
	want := (float64(rec.At(3, 0, 1)) - st.Mean[0*2+1]) / st.Scale[0*2+1]
	got := float64(input[(1*8+3)*2+0])
	if math.Abs(got-want) > 1e-6 {
		t.Fatalf("normalized value = %v, want %v", got, want)
	}
}

func TestRegionFilterExhaustionReturnsError(t *testing.T) {
	const T = 64
	rec := makeRecording(t, T, 2, 2, 6)
	// All positions sit in the bottom half, so a "top" training region can
	// never be satisfied.
	pos := makePositions(t, T, func(i int) (float32, float32) { return float32(i), 0.05 })

	cfg := baseConfig()
	cfg.TrainRegion = "top"
	train, _, err := Split(cfg, rec, map[string]*TargetChannel{TargetPosition: pos})
	if err != nil {
		t.Fatalf("Split error: %v", err)
	}
	if _, _, err := train.Sample(0); err == nil {
		t.Fatal("expected error when the region filter rejects every candidate")
	} else if !strings.Contains(err.Error(), "rejected") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestShuffleDrawsFromIndexSet(t *testing.T) {
	const T = 128
	rec := makeRecording(t, T, 2, 2, 8)
	pos := makePositions(t, T, func(i int) (float32, float32) { return float32(i), 0 })

	cfg := baseConfig()
	cfg.Shuffle = true
	train, _, err := Split(cfg, rec, map[string]*TargetChannel{TargetPosition: pos})
	if err != nil {
		t.Fatalf("Split error: %v", err)
	}

	valid := make(map[float32]bool)
	for _, idx := range train.Indices() {
		valid[pos.At(idx+7)[0]] = true
	}
	distinct := make(map[float32]bool)
	for i := 0; i < 50; i++ {
		// The requested position is ignored in shuffle mode.
		_, labels, err := train.Sample(0)
		if err != nil {
			t.Fatalf("Sample error: %v", err)
		}
		if !valid[labels[0][0]] {
			t.Fatalf("shuffled draw produced label %v outside the index set", labels[0])
		}
		distinct[labels[0][0]] = true
	}
	if len(distinct) < 2 {
		t.Fatal("shuffle mode always resolved the same index")
	}
}

func TestConcurrentSampling(t *testing.T) {
	const T = 128
	rec := makeRecording(t, T, 3, 2, 9)
	pos := makePositions(t, T, func(i int) (float32, float32) { return float32(i), 0 })

	cfg := baseConfig()
	cfg.Shuffle = true
	train, _, err := Split(cfg, rec, map[string]*TargetChannel{TargetPosition: pos})
	if err != nil {
		t.Fatalf("Split error: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				if _, _, err := train.Sample(i % train.Len()); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	if err := <-errs; err != nil {
		t.Fatalf("concurrent Sample error: %v", err)
	}
}

func TestConfigRejectsBadTargets(t *testing.T) {
	const T = 64
	rec := makeRecording(t, T, 2, 2, 10)
	pos := makePositions(t, T, func(i int) (float32, float32) { return float32(i), 0 })
	channels := map[string]*TargetChannel{TargetPosition: pos}

	cases := []struct {
		name    string
		targets []Target
	}{
		{"unknown name", []Target{{Name: "velocity", Dim: 1}}},
		{"bad position dim", []Target{{Name: TargetPosition, Dim: 3}}},
		{"bad scalar dim", []Target{{Name: TargetPosition, Dim: 2}, {Name: TargetSpeed, Dim: 2}}},
		{"duplicate", []Target{{Name: TargetPosition, Dim: 2}, {Name: TargetPosition, Dim: 2}}},
		{"empty", nil},
	}
	for _, tc := range cases {
		cfg := baseConfig()
		cfg.Targets = tc.targets
		if _, _, err := Split(cfg, rec, channels); err == nil {
			t.Errorf("%s: expected configuration error", tc.name)
		}
	}
}

func TestMissingChannelRejected(t *testing.T) {
	const T = 64
	rec := makeRecording(t, T, 2, 2, 11)
	pos := makePositions(t, T, func(i int) (float32, float32) { return float32(i), 0 })

	cfg := baseConfig()
	cfg.Targets = []Target{{Name: TargetPosition, Dim: 2}, {Name: TargetSpeed, Dim: 1}}
	// The speed channel is missing.
	if _, _, err := Split(cfg, rec, map[string]*TargetChannel{TargetPosition: pos}); err == nil {
		t.Fatal("expected error for missing speed channel")
	}

	// The position channel is required even when position is not decoded.
	cfg.Targets = []Target{{Name: TargetSpeed, Dim: 1}}
	channels := map[string]*TargetChannel{TargetSpeed: makeScalarChannel(t, TargetSpeed, T)}
	if _, _, err := Split(cfg, rec, channels); err == nil {
		t.Fatal("expected error for missing position channel")
	}
}
