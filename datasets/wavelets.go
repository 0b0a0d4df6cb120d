package datasets

import (
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"gonum.org/v1/gonum/floats"
)

// maxFilterRetries bounds how many fresh window candidates Sample resolves
// when a region filter keeps rejecting them. The retry re-invokes the full
// index lookup (including the random draw in shuffle mode), so under a
// pathological configuration whose region never intersects the index set the
// cap is what turns an infinite loop into an error.
const maxFilterRetries = 10000

// WaveletDataset is one split view over a recording: it extracts fixed-length
// normalized input windows and derives one label per configured target.
//
// Label rules, all anchored at the window's last time step (idx+S-1) and the
// step before it (idx+S-2):
//
//   - position: the position channel value at the last step, unchanged.
//   - direction / head_direction: atan2(dy, dx) of the position delta between
//     those two steps.
//   - speed: the Euclidean length of the same delta, i.e. the displacement
//     magnitude, not a stored speed value.
//
// Note that direction and speed are derived from the position channel, not
// from their own nominally-named channels. This cross-channel dependency is
// part of the contract; decoupling the channels would change the labels.
//
// After construction everything except the sampling RNG is read-only, so
// concurrent Sample calls from multiple batch-loading workers are safe. The
// RNG is guarded by a mutex.
type WaveletDataset struct {
	cfg      Config
	rec      *Recording
	channels []*TargetChannel // aligned with cfg.Targets
	position *TargetChannel
	region   string
	indices  []int
	stats    *Stats

	mu     sync.Mutex
	rng    *rand.Rand
	cursor int
}

// newWaveletDataset wires one split view. cfg must already be defaulted and
// validated; region must be a recognized keyword or empty.
func newWaveletDataset(cfg Config, rec *Recording, channels map[string]*TargetChannel, indices []int, region string, stats *Stats) (*WaveletDataset, error) {
	if rec == nil {
		return nil, fmt.Errorf("recording is nil")
	}
	if len(indices) == 0 {
		return nil, fmt.Errorf("empty index set")
	}
	if stats == nil || stats.F != rec.F || stats.C != rec.C {
		return nil, fmt.Errorf("normalization statistics do not match recording layout")
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
		ordered[i] = ch
	}

	// Every recognized target derives its label from the position channel,
	// so it must be present even when position itself is not decoded.
	pos, ok := channels[TargetPosition]
	if !ok {
		return nil, fmt.Errorf("position channel is required to derive labels")
	}
	if pos.Dim != 2 {
		return nil, fmt.Errorf("position channel must have dim 2, got %d", pos.Dim)
	}
	if pos.T != rec.T {
		return nil, fmt.Errorf("position channel has %d time steps, recording has %d", pos.T, rec.T)
	}

	return &WaveletDataset{
		cfg:      cfg,
		rec:      rec,
		channels: ordered,
		position: pos,
		region:   region,
		indices:  indices,
		stats:    stats,
		rng:      rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

// Len returns the number of window-start indices in this view.
func (w *WaveletDataset) Len() int { return len(w.indices) }

// Targets returns the configured targets in label order.
func (w *WaveletDataset) Targets() []Target { return w.cfg.Targets }

// Region returns the region-filter keyword applied by this view, or "".
func (w *WaveletDataset) Region() string { return w.region }

// Stats returns the normalization statistics injected into this view.
func (w *WaveletDataset) Stats() *Stats { return w.stats }

// Indices returns the window-start index set. The slice must not be mutated.
func (w *WaveletDataset) Indices() []int { return w.indices }

// InputDims reports the shape of every input window: [channel, time,
// frequency, 1].
func (w *WaveletDataset) InputDims() [4]int {
	return [4]int{w.rec.C, w.cfg.ModelTimesteps, w.rec.F, 1}
}

// Sample returns the normalized input window and labels for the i-th entry
// of the index set. In shuffle / random-batch mode the entry is ignored and a
// uniformly random index-set element is drawn instead, with replacement, on
// every call. When a region filter rejects the candidate the index is
// resolved afresh, up to maxFilterRetries times, after which an error is
// returned.
func (w *WaveletDataset) Sample(i int) ([]float32, [][]float32, error) {
	if i < 0 || i >= len(w.indices) {
		return nil, nil, fmt.Errorf("index %d out of range [0, %d)", i, len(w.indices))
	}
	last := w.cfg.ModelTimesteps - 1
	for attempt := 0; attempt < maxFilterRetries; attempt++ {
		start := w.resolveIndex(i)
		if !acceptRegion(w.region, w.position.At(start+last)) {
			continue
		}
		return w.inputWindow(start), w.labelsAt(start), nil
	}
	return nil, nil, fmt.Errorf("region filter %q rejected %d consecutive window candidates", w.region, maxFilterRetries)
}

// Batch assembles inputs and labels for the provided index-set positions.
func (w *WaveletDataset) Batch(indices []int) ([][]float32, [][][]float32, error) {
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
func (w *WaveletDataset) Name() string {
	if w.region != "" {
		return "WaveletDataset(" + w.region + ")"
	}
	return "WaveletDataset"
}

// Yield returns the next batch as gomlx tensors: one input tensor shaped
// [batch, channel, time, frequency, 1] and one label tensor per target
// shaped [batch, dim]. Batches advance a wrapping cursor over the index set;
// in shuffle mode the cursor positions are ignored by Sample anyway.
func (w *WaveletDataset) Yield() (any, []*tensors.Tensor, []*tensors.Tensor, error) {
	n := w.cfg.BatchSize
	if n > len(w.indices) {
		n = len(w.indices)
	}
	w.mu.Lock()
	base := w.cursor
	w.cursor = (w.cursor + n) % len(w.indices)
	w.mu.Unlock()

	positions := make([]int, n)
	for k := range positions {
		positions[k] = (base + k) % len(w.indices)
	}
	inputs, labels, err := w.Batch(positions)
	if err != nil {
		return nil, nil, nil, err
	}
	batch, err := MakeWindowBatchFlat(inputs, labels, w.InputDims(), w.cfg.Targets)
	if err != nil {
		return nil, nil, nil, err
	}
	in, la, err := batch.ToGomlxTensors()
	if err != nil {
		return nil, nil, nil, err
	}
	return nil, []*tensors.Tensor{in}, la, nil
}

// Restart resets the Yield cursor for a new epoch.
func (w *WaveletDataset) Restart() error {
	w.mu.Lock()
	w.cursor = 0
	w.mu.Unlock()
	return nil
}

func (w *WaveletDataset) resolveIndex(i int) int {
	if w.cfg.Shuffle || w.cfg.RandomBatches {
		w.mu.Lock()
		j := w.rng.Intn(len(w.indices))
		w.mu.Unlock()
		return w.indices[j]
	}
	return w.indices[i]
}

func (w *WaveletDataset) inputWindow(start int) []float32 {
	return normalizedWindow(w.rec, w.stats, start, w.cfg.ModelTimesteps)
}

// normalizedWindow cuts [start, start+S) out of the recording, normalizes it
// with the training statistics and reorders the axes to [channel, time,
// frequency] with a trailing singleton dimension.
func normalizedWindow(rec *Recording, stats *Stats, start, S int) []float32 {
	F := rec.F
	C := rec.C
	out := make([]float32, C*S*F)
	for t := 0; t < S; t++ {
		row := rec.Row(start + t)
		for f := 0; f < F; f++ {
			for c := 0; c < C; c++ {
				v := (float64(row[f*C+c]) - stats.Mean[f*C+c]) / stats.Scale[f*C+c]
				out[(c*S+t)*F+f] = float32(v)
			}
		}
	}
	return out
}

// labelsAt derives the label tuple for the window starting at start. All
// derived labels use the position channel values at the window's last step
// and the step before it.
func (w *WaveletDataset) labelsAt(start int) [][]float32 {
	cur := w.position.At(start + w.cfg.ModelTimesteps - 1)
	prev := w.position.At(start + w.cfg.ModelTimesteps - 2)

	labels := make([][]float32, len(w.cfg.Targets))
	for i, tg := range w.cfg.Targets {
		switch tg.Name {
		case TargetPosition:
			p := make([]float32, 2)
			copy(p, cur)
			labels[i] = p
		case TargetDirection, TargetHeadDirection:
			d := math.Atan2(float64(cur[1])-float64(prev[1]), float64(cur[0])-float64(prev[0]))
			labels[i] = []float32{float32(d)}
		case TargetSpeed:
			a := []float64{float64(cur[0]), float64(cur[1])}
			b := []float64{float64(prev[0]), float64(prev[1])}
			labels[i] = []float32{float32(floats.Distance(a, b, 2))}
		}
	}
	return labels
}
