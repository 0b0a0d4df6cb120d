package decoder

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
)

// Layer is a single forward-pass transformation. Layers hold their own
// parameters; anything stochastic (dropout, noise) only fires when training
// is true and is the identity otherwise.
type Layer interface {
	Name() string
	Apply(x *Tensor, training bool) (*Tensor, error)
}

// Parameter exposes a layer's learnable buffer. Data aliases the layer's
// own storage, so writes through it update the layer.
type Parameter struct {
	Name string
	Data []float32
	Dims []int
}

// Parameterized is implemented by layers that carry learnable state.
type Parameterized interface {
	Parameters() []Parameter
}

// Conv2D is a 2D convolution over inputs shaped [batch, channels, height,
// width] with zero padding. Weights are laid out [out, in, kh, kw].
type Conv2D struct {
	name             string
	InChannels       int
	OutChannels      int
	KernelH, KernelW int
	StrideH, StrideW int
	PadH, PadW       int
	Weight           []float32
	Bias             []float32
}

// NewConv2D builds a convolution with Kaiming-normal weights
// (std = sqrt(2/fanIn)) and zero biases.
func NewConv2D(name string, inC, outC, kh, kw, sh, sw, ph, pw int, rng *rand.Rand) *Conv2D {
	c := &Conv2D{
		name:       name,
		InChannels: inC, OutChannels: outC,
		KernelH: kh, KernelW: kw,
		StrideH: sh, StrideW: sw,
		PadH: ph, PadW: pw,
		Weight: make([]float32, outC*inC*kh*kw),
		Bias:   make([]float32, outC),
	}
	std := math.Sqrt(2.0 / float64(inC*kh*kw))
	for i := range c.Weight {
		c.Weight[i] = float32(rng.NormFloat64() * std)
	}
	return c
}

func (c *Conv2D) Name() string { return c.name }

func (c *Conv2D) Parameters() []Parameter {
	return []Parameter{
		{Name: c.name + ".weight", Data: c.Weight, Dims: []int{c.OutChannels, c.InChannels, c.KernelH, c.KernelW}},
		{Name: c.name + ".bias", Data: c.Bias, Dims: []int{c.OutChannels}},
	}
}

func (c *Conv2D) Apply(x *Tensor, _ bool) (*Tensor, error) {
	if x.Rank() != 4 {
		return nil, fmt.Errorf("%s: expected rank 4 input, got %v", c.name, x.Dims)
	}
	n, inC, h, w := x.Dims[0], x.Dims[1], x.Dims[2], x.Dims[3]
	if inC != c.InChannels {
		return nil, fmt.Errorf("%s: expected %d input channels, got %d", c.name, c.InChannels, inC)
	}
	outH := (h+2*c.PadH-c.KernelH)/c.StrideH + 1
	outW := (w+2*c.PadW-c.KernelW)/c.StrideW + 1
	if outH <= 0 || outW <= 0 {
		return nil, fmt.Errorf("%s: input %dx%d too small for kernel %dx%d", c.name, h, w, c.KernelH, c.KernelW)
	}

	out := NewTensor(n, c.OutChannels, outH, outW)
	for b := 0; b < n; b++ {
		for oc := 0; oc < c.OutChannels; oc++ {
			for oh := 0; oh < outH; oh++ {
				for ow := 0; ow < outW; ow++ {
					sum := c.Bias[oc]
					for ic := 0; ic < inC; ic++ {
						for kh := 0; kh < c.KernelH; kh++ {
							ih := oh*c.StrideH - c.PadH + kh
							if ih < 0 || ih >= h {
								continue
							}
							for kw := 0; kw < c.KernelW; kw++ {
								iw := ow*c.StrideW - c.PadW + kw
								if iw < 0 || iw >= w {
									continue
								}
								wIdx := ((oc*inC+ic)*c.KernelH+kh)*c.KernelW + kw
								xIdx := ((b*inC+ic)*h+ih)*w + iw
								sum += c.Weight[wIdx] * x.Data[xIdx]
							}
						}
					}
					out.Data[((b*c.OutChannels+oc)*outH+oh)*outW+ow] = sum
				}
			}
		}
	}
	return out, nil
}

// Dense is a fully connected layer applied over the last axis. Leading axes
// are treated as independent rows. Weights are laid out [out, in].
type Dense struct {
	name   string
	In     int
	Out    int
	Weight []float32
	Bias   []float32
}

// NewDense builds a dense layer with Kaiming-normal weights and zero biases.
func NewDense(name string, in, out int, rng *rand.Rand) *Dense {
	d := &Dense{
		name: name, In: in, Out: out,
		Weight: make([]float32, out*in),
		Bias:   make([]float32, out),
	}
	std := math.Sqrt(2.0 / float64(in))
	for i := range d.Weight {
		d.Weight[i] = float32(rng.NormFloat64() * std)
	}
	return d
}

func (d *Dense) Name() string { return d.name }

func (d *Dense) Parameters() []Parameter {
	return []Parameter{
		{Name: d.name + ".weight", Data: d.Weight, Dims: []int{d.Out, d.In}},
		{Name: d.name + ".bias", Data: d.Bias, Dims: []int{d.Out}},
	}
}

func (d *Dense) Apply(x *Tensor, _ bool) (*Tensor, error) {
	if x.Rank() < 1 {
		return nil, fmt.Errorf("%s: scalar input", d.name)
	}
	in := x.Dims[len(x.Dims)-1]
	if in != d.In {
		return nil, fmt.Errorf("%s: expected %d input features, got %d", d.name, d.In, in)
	}
	rows := x.Size() / in
	outDims := append(append([]int{}, x.Dims[:len(x.Dims)-1]...), d.Out)
	out := NewTensor(outDims...)
	for r := 0; r < rows; r++ {
		row := x.Data[r*in : (r+1)*in]
		for o := 0; o < d.Out; o++ {
			sum := d.Bias[o]
			w := d.Weight[o*in : (o+1)*in]
			for i, v := range row {
				sum += w[i] * v
			}
			out.Data[r*d.Out+o] = sum
		}
	}
	return out, nil
}

// Activation applies a named elementwise nonlinearity.
type Activation struct {
	name string
	kind string
	fn   func(float32) float32
}

// NewActivation resolves an activation by name. Unknown names are an error
// rather than a silent passthrough.
func NewActivation(name, kind string) (*Activation, error) {
	a := &Activation{name: name, kind: strings.ToLower(kind)}
	switch a.kind {
	case "relu":
		a.fn = func(v float32) float32 {
			if v < 0 {
				return 0
			}
			return v
		}
	case "elu":
		a.fn = func(v float32) float32 {
			if v < 0 {
				return float32(math.Exp(float64(v)) - 1)
			}
			return v
		}
	case "tanh":
		a.fn = func(v float32) float32 { return float32(math.Tanh(float64(v))) }
	case "sigmoid":
		a.fn = func(v float32) float32 { return float32(1.0 / (1.0 + math.Exp(-float64(v)))) }
	default:
		return nil, fmt.Errorf("unknown activation %q", kind)
	}
	return a, nil
}

func (a *Activation) Name() string { return a.name }

func (a *Activation) Apply(x *Tensor, _ bool) (*Tensor, error) {
	out := NewTensor(x.Dims...)
	for i, v := range x.Data {
		out.Data[i] = a.fn(v)
	}
	return out, nil
}

// Dropout zeros elements with probability Rate during training and rescales
// survivors by 1/(1-Rate) so activations keep their expected magnitude.
// Outside training it is the identity.
type Dropout struct {
	name string
	Rate float64
	rng  *rand.Rand
}

func NewDropout(name string, rate float64, rng *rand.Rand) *Dropout {
	return &Dropout{name: name, Rate: rate, rng: rng}
}

func (d *Dropout) Name() string { return d.name }

func (d *Dropout) Apply(x *Tensor, training bool) (*Tensor, error) {
	if !training || d.Rate <= 0 {
		return x, nil
	}
	scale := float32(1.0 / (1.0 - d.Rate))
	out := NewTensor(x.Dims...)
	for i, v := range x.Data {
		if d.rng.Float64() >= d.Rate {
			out.Data[i] = v * scale
		}
	}
	return out, nil
}

// GaussianNoise perturbs each element by zero-mean Gaussian noise scaled by
// the element's own magnitude, so the corruption is relative to signal
// strength. The scale is treated as a constant of the forward pass, not a
// quantity to differentiate through. Outside training it is the identity.
type GaussianNoise struct {
	name  string
	Sigma float64
	rng   *rand.Rand
}

func NewGaussianNoise(name string, sigma float64, rng *rand.Rand) *GaussianNoise {
	return &GaussianNoise{name: name, Sigma: sigma, rng: rng}
}

func (g *GaussianNoise) Name() string { return g.name }

func (g *GaussianNoise) Apply(x *Tensor, training bool) (*Tensor, error) {
	if !training || g.Sigma <= 0 {
		return x, nil
	}
	out := NewTensor(x.Dims...)
	for i, v := range x.Data {
		out.Data[i] = v + float32(g.rng.NormFloat64()*g.Sigma)*v
	}
	return out, nil
}

// TimeDistributed applies an inner layer independently to every slice along
// the second axis by folding [d0, d1, rest...] into [d0*d1, rest...],
// applying the layer, and unfolding the result.
type TimeDistributed struct {
	inner Layer
}

func NewTimeDistributed(inner Layer) *TimeDistributed {
	return &TimeDistributed{inner: inner}
}

func (td *TimeDistributed) Name() string { return td.inner.Name() }

func (td *TimeDistributed) Parameters() []Parameter {
	if p, ok := td.inner.(Parameterized); ok {
		return p.Parameters()
	}
	return nil
}

func (td *TimeDistributed) Apply(x *Tensor, training bool) (*Tensor, error) {
	if x.Rank() <= 2 {
		return td.inner.Apply(x, training)
	}
	d0, d1 := x.Dims[0], x.Dims[1]
	folded, err := x.Reshape(append([]int{d0 * d1}, x.Dims[2:]...)...)
	if err != nil {
		return nil, err
	}
	y, err := td.inner.Apply(folded, training)
	if err != nil {
		return nil, err
	}
	return y.Reshape(append([]int{d0, d1}, y.Dims[1:]...)...)
}

// Permute reorders tensor axes.
type Permute struct {
	name string
	perm []int
}

func NewPermute(name string, perm ...int) *Permute {
	return &Permute{name: name, perm: perm}
}

func (p *Permute) Name() string { return p.name }

func (p *Permute) Apply(x *Tensor, _ bool) (*Tensor, error) {
	return x.Transpose(p.perm...)
}

// Flatten collapses every axis after the second into one, turning
// [d0, d1, rest...] into [d0, d1, prod(rest)]. Each slice along the second
// axis keeps its own feature vector.
type Flatten struct {
	name string
}

func NewFlatten(name string) *Flatten { return &Flatten{name: name} }

func (f *Flatten) Name() string { return f.name }

func (f *Flatten) Apply(x *Tensor, _ bool) (*Tensor, error) {
	if x.Rank() < 2 {
		return nil, fmt.Errorf("%s: expected rank >= 2, got %v", f.name, x.Dims)
	}
	rest := 1
	for _, d := range x.Dims[2:] {
		rest *= d
	}
	return x.Reshape(x.Dims[0], x.Dims[1], rest)
}
