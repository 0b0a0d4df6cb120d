package datasets

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// WaveletSequenceDataset is a variant view that labels every window with the
// full label sequence over the window instead of a single derived value per
// target. Each target's label is the target channel's own values over
// [idx, idx+S), optionally decimated so only every AverageOutput-th step,
// aligned to the window end, is kept. There is no previous-window delta and
// no region filtering in this variant.
type WaveletSequenceDataset struct {
	cfg      Config
	rec      *Recording
	channels []*TargetChannel
	indices  []int
	stats    *Stats
	steps    []int // window-relative label steps after decimation

	mu     sync.Mutex
	rng    *rand.Rand
	cursor int
}

// SplitSequence partitions a recording into training and testing sequence
// views, with the same contiguous-block split and shared training-only
// statistics as Split. Region filtering does not apply to sequence labels,
// so a configured TrainRegion is rejected.
func SplitSequence(cfg Config, rec *Recording, channels map[string]*TargetChannel) (train, test *WaveletSequenceDataset, err error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, nil, err
	}
	if cfg.TrainRegion != "" {
		return nil, nil, fmt.Errorf("sequence datasets do not support region filtering (got %q)", cfg.TrainRegion)
	}
	if rec == nil {
		return nil, nil, fmt.Errorf("recording is nil")
	}
	valid := rec.T - cfg.ModelTimesteps
	if valid < cfg.NumCVs {
		return nil, nil, fmt.Errorf("recording with %d time steps cannot be split into %d blocks of %d-step windows", rec.T, cfg.NumCVs, cfg.ModelTimesteps)
	}

	blocks := splitBlocks(valid, cfg.NumCVs)
	var trainIdx []int
	for _, b := range blocks[:len(blocks)-1] {
		trainIdx = append(trainIdx, b...)
	}
	testIdx := blocks[len(blocks)-1]

	stats, err := ComputeStats(rec, trainIdx)
	if err != nil {
		return nil, nil, fmt.Errorf("normalization statistics: %w", err)
	}

	train, err = newWaveletSequenceDataset(cfg, rec, channels, trainIdx, stats)
	if err != nil {
		return nil, nil, fmt.Errorf("training view: %w", err)
	}
	test, err = newWaveletSequenceDataset(cfg, rec, channels, testIdx, stats)
	if err != nil {
		return nil, nil, fmt.Errorf("testing view: %w", err)
	}
	return train, test, nil
}

func newWaveletSequenceDataset(cfg Config, rec *Recording, channels map[string]*TargetChannel, indices []int, stats *Stats) (*WaveletSequenceDataset, error) {
	if len(indices) == 0 {
		return nil, fmt.Errorf("empty index set")
	}
	ordered := make([]*TargetChannel, len(cfg.Targets))
	for i, tg := range cfg.Targets {
		ch, ok := channels[tg.Name]
		if !ok {
			return nil, fmt.Errorf("no channel for target %q", tg.Name)
		}
		if ch.T != rec.T {
			return nil, fmt.Errorf("channel %q has %d time steps, recording has %d", tg.Name, ch.T, rec.T)
		}
		if ch.Dim != tg.Dim {
			return nil, fmt.Errorf("channel %q has dim %d, target expects %d", tg.Name, ch.Dim, tg.Dim)
		}
		ordered[i] = ch
	}

	S := cfg.ModelTimesteps
	step := cfg.AverageOutput
	if step <= 0 {
		step = 1
	}
	if step > S {
		return nil, fmt.Errorf("average output %d exceeds window length %d", step, S)
	}
	// Keep steps step-1, 2*step-1, ... so the window's last step is always
	// decoded when step divides S.
	var steps []int
	for t := step - 1; t < S; t += step {
		steps = append(steps, t)
	}

	return &WaveletSequenceDataset{
		cfg:      cfg,
		rec:      rec,
		channels: ordered,
		indices:  indices,
		stats:    stats,
		steps:    steps,
		rng:      rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

// Len returns the number of window-start indices in this view.
func (w *WaveletSequenceDataset) Len() int { return len(w.indices) }

// Targets returns the configured targets in label order.
func (w *WaveletSequenceDataset) Targets() []Target { return w.cfg.Targets }

// LabelSteps returns how many time steps each sequence label covers after
// decimation.
func (w *WaveletSequenceDataset) LabelSteps() int { return len(w.steps) }

// InputDims reports the shape of every input window: [channel, time,
// frequency, 1].
func (w *WaveletSequenceDataset) InputDims() [4]int {
	return [4]int{w.rec.C, w.cfg.ModelTimesteps, w.rec.F, 1}
}

// Sample returns the normalized input window and, per target, the flat
// [steps, dim] label sequence for the i-th index-set entry. Shuffle and
// random-batch modes draw a random index-set element instead, as in
// WaveletDataset.
func (w *WaveletSequenceDataset) Sample(i int) ([]float32, [][]float32, error) {
	if i < 0 || i >= len(w.indices) {
		return nil, nil, fmt.Errorf("index %d out of range [0, %d)", i, len(w.indices))
	}
	start := w.indices[i]
	if w.cfg.Shuffle || w.cfg.RandomBatches {
		w.mu.Lock()
		start = w.indices[w.rng.Intn(len(w.indices))]
		w.mu.Unlock()
	}

	labels := make([][]float32, len(w.channels))
	for ti, ch := range w.channels {
		seq := make([]float32, len(w.steps)*ch.Dim)
		for k, t := range w.steps {
			copy(seq[k*ch.Dim:], ch.At(start+t))
		}
		labels[ti] = seq
	}
	return normalizedWindow(w.rec, w.stats, start, w.cfg.ModelTimesteps), labels, nil
}

// Batch assembles inputs and labels for the provided index-set positions.
func (w *WaveletSequenceDataset) Batch(indices []int) ([][]float32, [][][]float32, error) {
	inputs := make([][]float32, len(indices))
	labels := make([][][]float32, len(indices))
	for bp, i := range indices {
		in, la, err := w.Sample(i)
		if err != nil {
			return nil, nil, fmt.Errorf("sample %d: %w", i, err)
		}
		inputs[bp] = in
		labels[bp] = la
	}
	return inputs, labels, nil
}

// Name returns the name of the dataset view.
func (w *WaveletSequenceDataset) Name() string { return "WaveletSequenceDataset" }

// Yield returns the next batch as gomlx tensors: the input tensor shaped
// [batch, channel, time, frequency, 1] and one [batch, steps, dim] label
// tensor per target.
func (w *WaveletSequenceDataset) Yield() (any, []*tensors.Tensor, []*tensors.Tensor, error) {
	n := w.cfg.BatchSize
	if n > len(w.indices) {
		n = len(w.indices)
	}
	w.mu.Lock()
	base := w.cursor
	w.cursor = (w.cursor + n) % len(w.indices)
	w.mu.Unlock()

	dims := w.InputDims()
	windowSize := dims[0] * dims[1] * dims[2] * dims[3]
	inFlat := make([]float32, n*windowSize)
	labelFlat := make([][]float32, len(w.channels))
	for ti, ch := range w.channels {
		labelFlat[ti] = make([]float32, n*len(w.steps)*ch.Dim)
	}
	for k := 0; k < n; k++ {
		in, la, err := w.Sample((base + k) % len(w.indices))
		if err != nil {
			return nil, nil, nil, err
		}
		copy(inFlat[k*windowSize:], in)
		for ti := range w.channels {
			copy(labelFlat[ti][k*len(la[ti]):], la[ti])
		}
	}

	in := tensors.FromFlatDataAndDimensions(inFlat, n, dims[0], dims[1], dims[2], dims[3])
	labels := make([]*tensors.Tensor, len(w.channels))
	for ti, ch := range w.channels {
		labels[ti] = tensors.FromFlatDataAndDimensions(labelFlat[ti], n, len(w.steps), ch.Dim)
	}
	return nil, []*tensors.Tensor{in}, labels, nil
}

// Restart resets the Yield cursor for a new epoch.
func (w *WaveletSequenceDataset) Restart() error {
	w.mu.Lock()
	w.cursor = 0
	w.mu.Unlock()
	return nil
}
