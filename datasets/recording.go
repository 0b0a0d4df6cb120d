package datasets

import (
	"fmt"
	"time"
)

// Recording is a wavelet-transformed multichannel LFP session: a dense
// [time, frequency, channel] float32 array stored as a flat contiguous
// buffer. It is treated as immutable for the lifetime of a run.
type Recording struct {
	Data []float32
	T    int // time steps
	F    int // frequency bands
	C    int // channels
}

// NewRecording wraps a flat [time, frequency, channel] buffer. The buffer
// length must equal t*f*c.
func NewRecording(data []float32, t, f, c int) (*Recording, error) {
	if t <= 0 || f <= 0 || c <= 0 {
		return nil, fmt.Errorf("recording dims must be positive, got [%d %d %d]", t, f, c)
	}
	if len(data) != t*f*c {
		return nil, fmt.Errorf("recording buffer length %d does not match dims [%d %d %d]", len(data), t, f, c)
	}
	return &Recording{Data: data, T: t, F: f, C: c}, nil
}

// At returns the value at (time, frequency, channel).
func (r *Recording) At(t, f, c int) float32 {
	return r.Data[(t*r.F+f)*r.C+c]
}

// Row returns the [frequency*channel] slice at one time step. The slice
// aliases the recording buffer and must not be mutated.
func (r *Recording) Row(t int) []float32 {
	return r.Data[t*r.F*r.C : (t+1)*r.F*r.C]
}

// TargetChannel is one named behavioral time series aligned 1:1 with a
// recording's time axis, stored as a flat [time, dim] buffer.
type TargetChannel struct {
	Name string
	Data []float32
	T    int
	Dim  int
}

// NewTargetChannel wraps a flat [time, dim] behavioral series.
func NewTargetChannel(name string, data []float32, t, dim int) (*TargetChannel, error) {
	if name == "" {
		return nil, fmt.Errorf("target channel needs a name")
	}
	if t <= 0 || dim <= 0 {
		return nil, fmt.Errorf("target channel %q dims must be positive, got [%d %d]", name, t, dim)
	}
	if len(data) != t*dim {
		return nil, fmt.Errorf("target channel %q buffer length %d does not match dims [%d %d]", name, len(data), t, dim)
	}
	return &TargetChannel{Name: name, Data: data, T: t, Dim: dim}, nil
}

// At returns the value vector at one time step. The slice aliases the
// channel buffer and must not be mutated.
func (tc *TargetChannel) At(t int) []float32 {
	return tc.Data[t*tc.Dim : (t+1)*tc.Dim]
}

// Config holds the sampling options shared by the dataset views produced by
// Split. All fields are explicit; unknown target names or region keywords are
// rejected at construction rather than silently ignored.
type Config struct {
	// Targets lists the behavioral variables to decode, in output order.
	Targets []Target

	// ModelTimesteps is the window length in recording time steps. Every
	// sample covers [idx, idx+ModelTimesteps).
	ModelTimesteps int

	// NumCVs is the number of contiguous blocks the valid window-start
	// range is split into. All blocks but the last form the training index
	// set; the last block is the testing index set. Must be >= 2.
	NumCVs int

	// Shuffle replaces the requested index with a uniformly random draw
	// from the index set on every Sample call. This intentionally breaks
	// deterministic reproducibility in exchange for i.i.d. mini-batches;
	// it is a sampling mode, not a bug.
	Shuffle bool

	// RandomBatches has the same effect as Shuffle and is kept as a
	// separate toggle because callers historically set either one.
	RandomBatches bool

	// TrainRegion optionally restricts the training view to a spatial
	// region of the maze ("top", "bottom", "inside", "outside", "left",
	// "right"). The testing view then uses the geometric complement. Empty
	// means no spatial filtering.
	TrainRegion string

	// BatchSize used by Yield. Defaults to 32.
	BatchSize int

	// AverageOutput decimates sequence labels in the sequence-label
	// variant: every AverageOutput-th step, aligned to the window end, is
	// kept. Zero keeps the full sequence. Ignored by WaveletDataset.
	AverageOutput int

	// Seed for the sampling RNG. Zero means time-based.
	Seed int64
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.BatchSize <= 0 {
		out.BatchSize = 32
	}
	if out.Seed == 0 {
		out.Seed = time.Now().UnixNano()
	}
	return out
}

// validate checks everything that does not depend on the recording size.
func (c *Config) validate() error {
	if c.ModelTimesteps < 2 {
		return fmt.Errorf("model timesteps must be >= 2, got %d", c.ModelTimesteps)
	}
	if c.NumCVs < 2 {
		return fmt.Errorf("num cvs must be >= 2, got %d", c.NumCVs)
	}
	if len(c.Targets) == 0 {
		return fmt.Errorf("at least one target is required")
	}
	seen := make(map[string]bool, len(c.Targets))
	for _, tg := range c.Targets {
		if seen[tg.Name] {
			return fmt.Errorf("duplicate target %q", tg.Name)
		}
		seen[tg.Name] = true
		switch tg.Name {
		case TargetPosition:
			if tg.Dim != 2 {
				return fmt.Errorf("target %q must have dim 2, got %d", tg.Name, tg.Dim)
			}
		case TargetDirection, TargetHeadDirection, TargetSpeed:
			if tg.Dim != 1 {
				return fmt.Errorf("target %q must have dim 1, got %d", tg.Name, tg.Dim)
			}
		default:
			return fmt.Errorf("unknown target %q", tg.Name)
		}
	}
	if c.TrainRegion != "" {
		if _, err := complementRegion(c.TrainRegion); err != nil {
			return err
		}
	}
	if c.AverageOutput < 0 {
		return fmt.Errorf("average output must be >= 0, got %d", c.AverageOutput)
	}
	return nil
}
