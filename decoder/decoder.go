// Package decoder implements a multi-head convolutional network that maps
// windows of wavelet-transformed neural recordings to behavioral targets.
//
// The input is a window shaped [batch, channel, timestep, frequency, 1].
// A shared trunk of strided convolutions squeezes time and frequency, then a
// channel-collapse stage halves the channel axis until at most two channels
// remain. Each behavioral target gets its own dense head over the shared
// features, so heads can specialize while the trunk stays common.
//
// The forward pass runs in plain Go on flat float32 buffers; gomlx tensors
// appear only at the parameter snapshot boundary (see state.go), mirroring
// how the rest of the project keeps heavy frameworks at the edges.
package decoder

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/ratlab/lfpdecode/datasets"
)

// Config collects every knob of the network. Zero values pick sensible
// defaults via withDefaults; Validate rejects anything the architecture
// cannot support before a single weight is allocated.
type Config struct {
	// Targets lists the behavioral outputs, one dense head each, in order.
	Targets []datasets.Target

	// Channels, Timesteps, Frequencies describe the expected input window.
	// Timesteps must be a power of two so the strided time convolutions
	// divide it cleanly.
	Channels    int
	Timesteps   int
	Frequencies int

	// NumConvs is the number of time/frequency downsampling steps in the
	// shared trunk.
	NumConvs int

	// FilterSize is the channel width of the trunk convolutions; the
	// channel-collapse stage doubles it.
	FilterSize int

	// KernelSize is the square kernel side for the trunk convolutions.
	KernelSize int

	// ConvActivation and DenseActivation name the nonlinearities
	// ("relu", "elu", "tanh", "sigmoid").
	ConvActivation  string
	DenseActivation string

	// NumDense and NumUnitsDense shape each head's hidden stack.
	NumDense      int
	NumUnitsDense int

	// DropoutRatio applies inside heads, TrunkDropout after every trunk
	// step. Both only fire during training.
	DropoutRatio float64
	TrunkDropout float64

	// NoiseSigma scales the relative Gaussian input corruption applied
	// during training. Unlike the other knobs it gets no default: zero
	// means no input noise, so callers that want the regularizer must set
	// it explicitly (0.1 is a reasonable starting point).
	NoiseSigma float64

	// Seed fixes weight initialization and the stochastic layers. Zero
	// means seed from the clock.
	Seed int64
}

func (c Config) withDefaults() Config {
	if c.NumConvs == 0 {
		c.NumConvs = 4
	}
	if c.FilterSize == 0 {
		c.FilterSize = 64
	}
	if c.KernelSize == 0 {
		c.KernelSize = 3
	}
	if c.ConvActivation == "" {
		c.ConvActivation = "elu"
	}
	if c.DenseActivation == "" {
		c.DenseActivation = "elu"
	}
	if c.NumDense == 0 {
		c.NumDense = 2
	}
	if c.NumUnitsDense == 0 {
		c.NumUnitsDense = 128
	}
	if c.Seed == 0 {
		c.Seed = time.Now().UnixNano()
	}
	return c
}

func (c Config) validate() error {
	if len(c.Targets) == 0 {
		return fmt.Errorf("at least one target is required")
	}
	for _, tg := range c.Targets {
		if tg.Dim <= 0 {
			return fmt.Errorf("target %q has non-positive dimension %d", tg.Name, tg.Dim)
		}
	}
	if c.Channels <= 0 || c.Frequencies <= 0 {
		return fmt.Errorf("channels and frequencies must be positive, got %d and %d", c.Channels, c.Frequencies)
	}
	if c.Timesteps < 2 || c.Timesteps&(c.Timesteps-1) != 0 {
		return fmt.Errorf("timesteps must be a power of two, got %d", c.Timesteps)
	}
	if c.NumConvs < 1 {
		return fmt.Errorf("at least one convolution step is required")
	}
	if c.FilterSize < 1 || c.KernelSize < 1 {
		return fmt.Errorf("filter size and kernel size must be positive")
	}
	if c.NumDense < 0 {
		return fmt.Errorf("number of dense layers cannot be negative")
	}
	if c.NumUnitsDense < 1 {
		return fmt.Errorf("dense units must be positive")
	}
	if c.DropoutRatio < 0 || c.DropoutRatio >= 1 {
		return fmt.Errorf("dropout ratio must be in [0, 1), got %g", c.DropoutRatio)
	}
	if c.TrunkDropout < 0 || c.TrunkDropout >= 1 {
		return fmt.Errorf("trunk dropout must be in [0, 1), got %g", c.TrunkDropout)
	}
	if c.NoiseSigma < 0 {
		return fmt.Errorf("noise sigma cannot be negative, got %g", c.NoiseSigma)
	}
	return nil
}

// Decoder is the assembled network. It is not safe for concurrent use; the
// stochastic layers share one RNG.
type Decoder struct {
	cfg      Config
	rng      *rand.Rand
	training bool

	noise     *GaussianNoise
	trunk     []Layer
	trunkDrop *Dropout
	flatten   *Flatten
	heads     [][]Layer

	featDim int
}

// NewDecoder validates the configuration, builds the trunk and heads, and
// initializes all weights. The head input width is discovered by pushing a
// zero window through the trunk rather than assumed from the configuration,
// so any arrangement of channels and frequencies that survives the
// convolutions is accepted.
func NewDecoder(cfg Config) (*Decoder, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid decoder config: %w", err)
	}

	d := &Decoder{
		cfg: cfg,
		rng: rand.New(rand.NewSource(cfg.Seed)),
	}
	d.noise = NewGaussianNoise("input_noise", cfg.NoiseSigma, d.rng)
	d.trunkDrop = NewDropout("trunk_dropout", cfg.TrunkDropout, d.rng)
	d.flatten = NewFlatten("flatten")

	if err := d.buildTrunk(); err != nil {
		return nil, err
	}
	if err := d.inferFeatureShape(); err != nil {
		return nil, err
	}
	if err := d.buildHeads(); err != nil {
		return nil, err
	}
	return d, nil
}

// buildTrunk assembles the shared stack: NumConvs pairs of time-strided and
// frequency-strided convolutions applied per recording channel, a permute
// that swaps the filter and channel axes, and a collapse stage that halves
// the channel count until at most two remain. The halving follows banker's
// rounding so an odd channel count shrinks the same way at every depth.
func (d *Decoder) buildTrunk() error {
	cfg := d.cfg
	k, pad := cfg.KernelSize, 1

	inC := 1
	for i := 0; i < cfg.NumConvs; i++ {
		timeConv := NewConv2D(fmt.Sprintf("time_conv_%d", i),
			inC, cfg.FilterSize, k, k, 2, 1, pad, pad, d.rng)
		timeAct, err := NewActivation(timeConv.Name()+"_act", cfg.ConvActivation)
		if err != nil {
			return err
		}
		freqConv := NewConv2D(fmt.Sprintf("freq_conv_%d", i),
			cfg.FilterSize, cfg.FilterSize, k, k, 1, 2, pad, pad, d.rng)
		freqAct, err := NewActivation(freqConv.Name()+"_act", cfg.ConvActivation)
		if err != nil {
			return err
		}
		d.trunk = append(d.trunk,
			NewTimeDistributed(timeConv), timeAct,
			NewTimeDistributed(freqConv), freqAct)
		inC = cfg.FilterSize
	}

	// After the per-channel convolutions the filter axis moves to the
	// back so the collapse stage can convolve across recording channels.
	d.trunk = append(d.trunk, NewPermute("filters_last", 0, 4, 2, 3, 1))

	numC := cfg.FilterSize
	height := float64(cfg.Channels)
	for j := 0; height > 2; j++ {
		collapse := NewConv2D(fmt.Sprintf("channel_conv_%d", j),
			numC, 2*cfg.FilterSize, 2, 1, 2, 2, 1, 0, d.rng)
		act, err := NewActivation(collapse.Name()+"_act", cfg.ConvActivation)
		if err != nil {
			return err
		}
		d.trunk = append(d.trunk, NewTimeDistributed(collapse), act)
		numC = 2 * cfg.FilterSize
		height = math.RoundToEven(height / 2)
	}
	return nil
}

// inferFeatureShape pushes a zero window through the trunk to learn the
// flattened feature width each head will see.
func (d *Decoder) inferFeatureShape() error {
	probe := NewTensor(1, d.cfg.Channels, d.cfg.Timesteps, d.cfg.Frequencies, 1)
	feat, err := d.trunkForward(probe, false)
	if err != nil {
		return fmt.Errorf("config produces an invalid trunk: %w", err)
	}
	d.featDim = feat.Dims[2]
	return nil
}

func (d *Decoder) buildHeads() error {
	cfg := d.cfg
	for _, tg := range cfg.Targets {
		var head []Layer
		in := d.featDim
		for i := 0; i < cfg.NumDense; i++ {
			dense := NewDense(fmt.Sprintf("%s_dense_%d", tg.Name, i), in, cfg.NumUnitsDense, d.rng)
			act, err := NewActivation(dense.Name()+"_act", cfg.DenseActivation)
			if err != nil {
				return err
			}
			head = append(head, dense, act,
				NewDropout(dense.Name()+"_dropout", cfg.DropoutRatio, d.rng))
			in = cfg.NumUnitsDense
		}
		head = append(head, NewDense(tg.Name+"_out", in, tg.Dim, d.rng))
		d.heads = append(d.heads, head)
	}
	return nil
}

// SetTraining switches the stochastic layers on or off.
func (d *Decoder) SetTraining(on bool) { d.training = on }

// Training reports whether the stochastic layers are active.
func (d *Decoder) Training() bool { return d.training }

// Targets returns the configured outputs in head order.
func (d *Decoder) Targets() []datasets.Target { return d.cfg.Targets }

// trunkForward runs the shared stack: axis rearrangement, input noise, the
// convolution steps with dropout after each, and the final flatten.
func (d *Decoder) trunkForward(x *Tensor, training bool) (*Tensor, error) {
	// [batch, channel, time, freq, 1] -> [batch, channel, 1, time, freq]
	// so each recording channel becomes a single-channel image.
	h, err := x.Transpose(0, 1, 4, 2, 3)
	if err != nil {
		return nil, err
	}
	if h, err = d.noise.Apply(h, training); err != nil {
		return nil, err
	}
	for _, layer := range d.trunk {
		if h, err = layer.Apply(h, training); err != nil {
			return nil, err
		}
		if h, err = d.trunkDrop.Apply(h, training); err != nil {
			return nil, err
		}
	}
	return d.flatten.Apply(h, training)
}

// Forward maps one batch of windows, shaped [batch, channel, timestep,
// frequency, 1], to one output tensor per target. When withSimilarity is
// set it also returns the absolute cosine similarity between every pair of
// heads' pre-output features, summed over the batch, a penalty that
// discourages heads from collapsing onto the same representation. Because
// it is a sum, not a mean, the penalty scales with batch size.
func (d *Decoder) Forward(x *Tensor, withSimilarity bool) ([]*Tensor, float64, error) {
	if err := d.checkInput(x); err != nil {
		return nil, 0, err
	}
	feat, err := d.trunkForward(x, d.training)
	if err != nil {
		return nil, 0, err
	}

	outputs := make([]*Tensor, len(d.heads))
	preFinal := make([]*Tensor, len(d.heads))
	for hi, head := range d.heads {
		v := feat
		for _, layer := range head[:len(head)-1] {
			if v, err = layer.Apply(v, d.training); err != nil {
				return nil, 0, err
			}
		}
		preFinal[hi] = v
		out, err := head[len(head)-1].Apply(v, d.training)
		if err != nil {
			return nil, 0, err
		}
		if out.Rank() == 3 && out.Dims[1] == 1 {
			if out, err = out.Reshape(out.Dims[0], out.Dims[2]); err != nil {
				return nil, 0, err
			}
		}
		outputs[hi] = out
	}

	var sim float64
	if withSimilarity {
		for i := 0; i < len(preFinal); i++ {
			for j := i + 1; j < len(preFinal); j++ {
				sim += absCosine(preFinal[i], preFinal[j])
			}
		}
	}
	return outputs, sim, nil
}

func (d *Decoder) checkInput(x *Tensor) error {
	cfg := d.cfg
	if x.Rank() != 5 {
		return fmt.Errorf("expected rank 5 input, got %v", x.Dims)
	}
	if x.Dims[1] != cfg.Channels || x.Dims[2] != cfg.Timesteps ||
		x.Dims[3] != cfg.Frequencies || x.Dims[4] != 1 {
		return fmt.Errorf("expected input [batch %d %d %d 1], got %v",
			cfg.Channels, cfg.Timesteps, cfg.Frequencies, x.Dims)
	}
	return nil
}

// absCosine sums |cos| between matching feature rows of two tensors with
// identical shapes, so the value grows with the number of rows. Zero rows
// contribute nothing.
func absCosine(a, b *Tensor) float64 {
	const eps = 1e-8
	n := a.Dims[len(a.Dims)-1]
	rows := a.Size() / n
	var total float64
	for r := 0; r < rows; r++ {
		var dot, na, nb float64
		for i := r * n; i < (r+1)*n; i++ {
			av, bv := float64(a.Data[i]), float64(b.Data[i])
			dot += av * bv
			na += av * av
			nb += bv * bv
		}
		denom := math.Sqrt(na) * math.Sqrt(nb)
		if denom < eps {
			denom = eps
		}
		total += math.Abs(dot / denom)
	}
	return total
}
