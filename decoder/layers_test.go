package decoder

import (
	"math"
	"math/rand"
	"testing"
)

func testRNG() *rand.Rand { return rand.New(rand.NewSource(1)) }

func TestConv2DSumKernel(t *testing.T) {
	c := NewConv2D("c", 1, 1, 2, 2, 1, 1, 0, 0, testRNG())
	for i := range c.Weight {
		c.Weight[i] = 1
	}
	x, err := FromFlat([]float32{1, 2, 3, 4}, 1, 1, 2, 2)
	if err != nil {
		t.Fatalf("FromFlat failed: %v", err)
	}
	y, err := c.Apply(x, false)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if y.Dims[2] != 1 || y.Dims[3] != 1 {
		t.Fatalf("expected 1x1 output, got %v", y.Dims)
	}
	if y.Data[0] != 10 {
		t.Errorf("expected sum 10, got %v", y.Data[0])
	}
}

func TestConv2DStridedShape(t *testing.T) {
	c := NewConv2D("c", 1, 4, 3, 3, 2, 1, 1, 1, testRNG())
	x := NewTensor(2, 1, 8, 4)
	y, err := c.Apply(x, false)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	want := []int{2, 4, 4, 4}
	for i, d := range want {
		if y.Dims[i] != d {
			t.Fatalf("expected dims %v, got %v", want, y.Dims)
		}
	}
}

func TestConv2DPaddingReachesBorder(t *testing.T) {
	// A 1x1 input with a 3x3 kernel and padding 1 produces one output
	// that only sees the center tap.
	c := NewConv2D("c", 1, 1, 3, 3, 1, 1, 1, 1, testRNG())
	for i := range c.Weight {
		c.Weight[i] = 1
	}
	c.Bias[0] = 0.5
	x, err := FromFlat([]float32{3}, 1, 1, 1, 1)
	if err != nil {
		t.Fatalf("FromFlat failed: %v", err)
	}
	y, err := c.Apply(x, false)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if y.Data[0] != 3.5 {
		t.Errorf("expected 3.5, got %v", y.Data[0])
	}
}

func TestConv2DRejectsChannelMismatch(t *testing.T) {
	c := NewConv2D("c", 2, 1, 3, 3, 1, 1, 1, 1, testRNG())
	if _, err := c.Apply(NewTensor(1, 3, 4, 4), false); err == nil {
		t.Errorf("expected error for channel mismatch")
	}
}

func TestDenseKnownValues(t *testing.T) {
	d := NewDense("d", 2, 2, testRNG())
	copy(d.Weight, []float32{1, 2, 3, 4})
	copy(d.Bias, []float32{10, 20})
	x, err := FromFlat([]float32{1, 1, 2, 0}, 2, 2)
	if err != nil {
		t.Fatalf("FromFlat failed: %v", err)
	}
	y, err := d.Apply(x, false)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	want := []float32{13, 27, 12, 26}
	for i, w := range want {
		if y.Data[i] != w {
			t.Errorf("element %d: got %v, want %v", i, y.Data[i], w)
		}
	}
}

func TestActivationKinds(t *testing.T) {
	x, _ := FromFlat([]float32{-1, 0, 2}, 3)

	relu, err := NewActivation("a", "relu")
	if err != nil {
		t.Fatalf("relu: %v", err)
	}
	y, _ := relu.Apply(x, false)
	if y.Data[0] != 0 || y.Data[1] != 0 || y.Data[2] != 2 {
		t.Errorf("relu: got %v", y.Data)
	}

	elu, err := NewActivation("a", "ELU")
	if err != nil {
		t.Fatalf("elu: %v", err)
	}
	y, _ = elu.Apply(x, false)
	want := float32(math.Exp(-1) - 1)
	if math.Abs(float64(y.Data[0]-want)) > 1e-6 || y.Data[2] != 2 {
		t.Errorf("elu: got %v", y.Data)
	}

	if _, err := NewActivation("a", "swish"); err == nil {
		t.Errorf("expected error for unknown activation")
	}
}

func TestDropoutModes(t *testing.T) {
	d := NewDropout("d", 0.5, testRNG())
	x := NewTensor(1000)
	for i := range x.Data {
		x.Data[i] = 1
	}

	y, err := d.Apply(x, false)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if y != x {
		t.Errorf("eval dropout should be identity")
	}

	y, err = d.Apply(x, true)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	zeros := 0
	for _, v := range y.Data {
		switch v {
		case 0:
			zeros++
		case 2:
		default:
			t.Fatalf("survivor should be rescaled to 2, got %v", v)
		}
	}
	if zeros < 300 || zeros > 700 {
		t.Errorf("expected roughly half dropped, got %d of 1000", zeros)
	}
}

func TestGaussianNoiseIsRelative(t *testing.T) {
	g := NewGaussianNoise("g", 0.5, testRNG())
	x := NewTensor(100)
	for i := 0; i < 50; i++ {
		x.Data[i] = 1
	}

	y, err := g.Apply(x, false)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if y != x {
		t.Errorf("eval noise should be identity")
	}

	y, err = g.Apply(x, true)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	changed := 0
	for i := 0; i < 50; i++ {
		if y.Data[i] != 1 {
			changed++
		}
	}
	if changed == 0 {
		t.Errorf("training noise should perturb nonzero elements")
	}
	for i := 50; i < 100; i++ {
		if y.Data[i] != 0 {
			t.Errorf("zero elements must stay zero under relative noise, got %v", y.Data[i])
		}
	}
}

func TestTimeDistributedMatchesManualFold(t *testing.T) {
	d := NewDense("d", 3, 2, testRNG())
	td := NewTimeDistributed(d)

	x := NewTensor(2, 4, 3)
	rng := testRNG()
	for i := range x.Data {
		x.Data[i] = float32(rng.NormFloat64())
	}

	got, err := td.Apply(x, false)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if got.Dims[0] != 2 || got.Dims[1] != 4 || got.Dims[2] != 2 {
		t.Fatalf("expected dims [2 4 2], got %v", got.Dims)
	}

	folded, _ := x.Reshape(8, 3)
	want, err := d.Apply(folded, false)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	for i := range want.Data {
		if got.Data[i] != want.Data[i] {
			t.Fatalf("element %d: got %v, want %v", i, got.Data[i], want.Data[i])
		}
	}
}

func TestFlattenKeepsLeadingAxes(t *testing.T) {
	f := NewFlatten("f")
	x := NewTensor(2, 3, 4, 5)
	y, err := f.Apply(x, false)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if y.Dims[0] != 2 || y.Dims[1] != 3 || y.Dims[2] != 20 {
		t.Errorf("expected dims [2 3 20], got %v", y.Dims)
	}
}
