// Command decode runs the full decoding pipeline on a synthetic recording
// session: it generates a wavelet-power recording correlated with a figure
// eight trajectory, partitions it into train/test views, pushes test windows
// through the convolutional decoder and reports per-target error statistics.
// Optionally it snapshots the decoder weights to a gob file and plots true
// versus decoded positions.
package main

import (
	"encoding/gob"
	"flag"
	"fmt"
	"image/color"
	"log"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/ratlab/lfpdecode/datasets"
	"github.com/ratlab/lfpdecode/decoder"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// snapshotVersion is incremented when the on-disk weight format changes.
const snapshotVersion = 1

type snapshotVar struct {
	Name string
	Dims []int
	Data []float32
}

type snapshotFile struct {
	Version int
	Vars    []snapshotVar
}

func main() {
	duration := flag.Int("duration", 20000, "number of time steps in the synthetic session")
	channels := flag.Int("channels", 4, "number of recording channels")
	freqs := flag.Int("freqs", 8, "number of wavelet frequency bands")
	timesteps := flag.Int("timesteps", 64, "window length in time steps (must be a power of two)")
	cvs := flag.Int("cvs", 5, "number of contiguous blocks for the train/test split")
	targetsFlag := flag.String("targets", "position,speed,head_direction", "comma-separated decoding targets")
	trainRegion := flag.String("train-region", "", "optional region keyword restricting training windows (top, bottom, inside, outside, left, right)")
	batchSize := flag.Int("batch-size", 32, "evaluation batch size")
	evalBatches := flag.Int("eval-batches", 20, "number of test batches to evaluate")
	numConvs := flag.Int("num-convs", 4, "number of time/frequency downsampling steps")
	filterSize := flag.Int("filter-size", 32, "trunk convolution filter count")
	numDense := flag.Int("num-dense", 2, "hidden dense layers per head")
	denseUnits := flag.Int("dense-units", 128, "units per hidden dense layer")
	seed := flag.Int64("seed", time.Now().UnixNano(), "random seed")
	snapshot := flag.String("snapshot", "", "path to a gob weight snapshot; loaded if present, written otherwise")
	outDir := flag.String("out", "plots", "output directory for generated plots")
	flag.Parse()

	rng := rand.New(rand.NewSource(*seed))
	rec, chans, err := synthesizeSession(*duration, *freqs, *channels, rng)
	if err != nil {
		log.Fatalf("failed to synthesize session: %v", err)
	}
	log.Printf("Synthetic session: %d steps, %d freqs, %d channels", rec.T, rec.F, rec.C)

	targets, err := parseTargets(*targetsFlag)
	if err != nil {
		log.Fatalf("bad -targets: %v", err)
	}

	cfg := datasets.Config{
		Targets:        targets,
		ModelTimesteps: *timesteps,
		NumCVs:         *cvs,
		TrainRegion:    *trainRegion,
		BatchSize:      *batchSize,
		Seed:           *seed,
	}
	train, test, err := datasets.Split(cfg, rec, chans)
	if err != nil {
		log.Fatalf("failed to split session: %v", err)
	}
	log.Printf("Split: train=%d test=%d windows (train region %q, test region %q)",
		train.Len(), test.Len(), train.Region(), test.Region())

	dcfg := decoder.Config{
		Targets:       train.Targets(),
		Channels:      *channels,
		Timesteps:     *timesteps,
		Frequencies:   *freqs,
		NumConvs:      *numConvs,
		FilterSize:    *filterSize,
		NumDense:      *numDense,
		NumUnitsDense: *denseUnits,
		Seed:          *seed,
	}
	dec, err := decoder.NewDecoder(dcfg)
	if err != nil {
		log.Fatalf("failed to build decoder: %v", err)
	}

	if *snapshot != "" {
		if err := loadSnapshot(dec, *snapshot); err == nil {
			log.Printf("Loaded decoder snapshot from %s", *snapshot)
		} else {
			log.Printf("Snapshot load failed (%v), saving fresh weights to %s", err, *snapshot)
			if serr := saveSnapshot(dec, *snapshot); serr != nil {
				log.Printf("warning: failed to save snapshot: %v", serr)
			}
		}
	}

	start := time.Now()
	results, err := evaluate(dec, test, *evalBatches, *batchSize)
	if err != nil {
		log.Fatalf("evaluation failed: %v", err)
	}
	log.Printf("Evaluated %d windows in %v", len(results.trueXY), time.Since(start))

	for _, tg := range train.Targets() {
		errs := results.errors[tg.Name]
		if len(errs) == 0 {
			continue
		}
		sorted := append([]float64{}, errs...)
		sort.Float64s(sorted)
		fmt.Printf("%-16s mean=%.4f median=%.4f p90=%.4f\n",
			tg.Name,
			stat.Mean(errs, nil),
			stat.Quantile(0.5, stat.Empirical, sorted, nil),
			stat.Quantile(0.9, stat.Empirical, sorted, nil))
	}

	if len(results.trueXY) > 0 {
		if err := plotPositions(*outDir, results.trueXY, results.predXY); err != nil {
			log.Fatalf("failed to plot positions: %v", err)
		}
		log.Printf("Position plot written to %s", filepath.Join(*outDir, "decode_positions.png"))
	}
}

// parseTargets maps the comma-separated flag value onto typed targets.
// Position decodes two coordinates, everything else a scalar.
func parseTargets(s string) ([]datasets.Target, error) {
	var targets []datasets.Target
	for _, name := range strings.Split(s, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		dim := 1
		if name == datasets.TargetPosition {
			dim = 2
		}
		switch name {
		case datasets.TargetPosition, datasets.TargetDirection, datasets.TargetHeadDirection, datasets.TargetSpeed:
		default:
			return nil, fmt.Errorf("unknown target %q", name)
		}
		targets = append(targets, datasets.Target{Name: name, Dim: dim})
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("no targets given")
	}
	return targets, nil
}

// synthesizeSession builds a figure-eight trajectory and a wavelet-power
// recording whose band powers mix position, heading and noise, so the
// windows carry recoverable behavioral signal.
func synthesizeSession(T, F, C int, rng *rand.Rand) (*datasets.Recording, map[string]*datasets.TargetChannel, error) {
	pos := make([]float32, T*2)
	speed := make([]float32, T)
	heading := make([]float32, T)
	px, py := 0.0264, 0.2185
	for t := 0; t < T; t++ {
		ph := float64(t) * 0.01
		x := 0.0264 + 0.12*math.Sin(ph)
		y := 0.2185 + 0.12*math.Sin(2*ph)
		pos[2*t] = float32(x)
		pos[2*t+1] = float32(y)
		speed[t] = float32(math.Hypot(x-px, y-py))
		heading[t] = float32(math.Atan2(y-py, x-px))
		px, py = x, y
	}

	data := make([]float32, T*F*C)
	for t := 0; t < T; t++ {
		x := float64(pos[2*t])
		y := float64(pos[2*t+1])
		for f := 0; f < F; f++ {
			band := float64(f+1) / float64(F)
			for c := 0; c < C; c++ {
				gain := float64(c+1) / float64(C)
				v := 10 + 4*gain*band*x + 3*gain*y + float64(speed[t])*20*band +
					rng.NormFloat64()*0.5
				data[(t*F+f)*C+c] = float32(v)
			}
		}
	}

	rec, err := datasets.NewRecording(data, T, F, C)
	if err != nil {
		return nil, nil, err
	}
	posCh, err := datasets.NewTargetChannel(datasets.TargetPosition, pos, T, 2)
	if err != nil {
		return nil, nil, err
	}
	speedCh, err := datasets.NewTargetChannel(datasets.TargetSpeed, speed, T, 1)
	if err != nil {
		return nil, nil, err
	}
	headCh, err := datasets.NewTargetChannel(datasets.TargetHeadDirection, heading, T, 1)
	if err != nil {
		return nil, nil, err
	}
	dirCh, err := datasets.NewTargetChannel(datasets.TargetDirection, heading, T, 1)
	if err != nil {
		return nil, nil, err
	}
	chans := map[string]*datasets.TargetChannel{
		datasets.TargetPosition:      posCh,
		datasets.TargetSpeed:         speedCh,
		datasets.TargetHeadDirection: headCh,
		datasets.TargetDirection:     dirCh,
	}
	return rec, chans, nil
}

type evalResults struct {
	errors map[string][]float64
	trueXY plotter.XYs
	predXY plotter.XYs
}

// evaluate pushes sequential test batches through the decoder and collects
// one error per window and target: Euclidean distance for position, wrapped
// angular distance for the direction targets, absolute difference otherwise.
func evaluate(dec *decoder.Decoder, ds *datasets.WaveletDataset, batches, batchSize int) (*evalResults, error) {
	res := &evalResults{errors: make(map[string][]float64)}
	dims := ds.InputDims()
	targets := ds.Targets()

	pos := 0
	for b := 0; b < batches; b++ {
		indices := make([]int, 0, batchSize)
		for k := 0; k < batchSize && pos < ds.Len(); k++ {
			indices = append(indices, pos)
			pos++
		}
		if len(indices) == 0 {
			break
		}
		inputs, labels, err := ds.Batch(indices)
		if err != nil {
			return nil, fmt.Errorf("batch %d: %w", b, err)
		}

		flat := make([]float32, 0, len(inputs)*len(inputs[0]))
		for _, in := range inputs {
			flat = append(flat, in...)
		}
		x, err := decoder.FromFlat(flat, len(inputs), dims[0], dims[1], dims[2], dims[3])
		if err != nil {
			return nil, err
		}
		outs, _, err := dec.Forward(x, false)
		if err != nil {
			return nil, fmt.Errorf("forward batch %d: %w", b, err)
		}

		for ti, tg := range targets {
			out := outs[ti]
			if out.Rank() != 2 {
				return nil, fmt.Errorf("target %q: expected one output row per window, got shape %v", tg.Name, out.Dims)
			}
			for bi := range indices {
				truth := labels[bi][ti]
				pred := out.Data[bi*tg.Dim : (bi+1)*tg.Dim]
				switch tg.Name {
				case datasets.TargetPosition:
					e := math.Hypot(float64(pred[0]-truth[0]), float64(pred[1]-truth[1]))
					res.errors[tg.Name] = append(res.errors[tg.Name], e)
					res.trueXY = append(res.trueXY, plotter.XY{X: float64(truth[0]), Y: float64(truth[1])})
					res.predXY = append(res.predXY, plotter.XY{X: float64(pred[0]), Y: float64(pred[1])})
				case datasets.TargetDirection, datasets.TargetHeadDirection:
					res.errors[tg.Name] = append(res.errors[tg.Name], angularDistance(float64(pred[0]), float64(truth[0])))
				default:
					res.errors[tg.Name] = append(res.errors[tg.Name], math.Abs(float64(pred[0]-truth[0])))
				}
			}
		}
	}
	return res, nil
}

// angularDistance wraps the difference of two angles into [0, pi].
func angularDistance(a, b float64) float64 {
	d := math.Mod(a-b, 2*math.Pi)
	if d < -math.Pi {
		d += 2 * math.Pi
	} else if d > math.Pi {
		d -= 2 * math.Pi
	}
	return math.Abs(d)
}

// saveSnapshot writes the decoder weights with an atomic create-then-rename.
func saveSnapshot(dec *decoder.Decoder, path string) error {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	tmpFile, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmpFile.Name()
	defer func() {
		tmpFile.Close()
		_ = os.Remove(tmpName)
	}()

	sf := snapshotFile{Version: snapshotVersion}
	for _, v := range dec.State() {
		sf.Vars = append(sf.Vars, snapshotVar{
			Name: v.Name,
			Dims: v.Shape.Dimensions,
			Data: tensors.CopyFlatData[float32](v.Value),
		})
	}
	if err := gob.NewEncoder(tmpFile).Encode(&sf); err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		log.Printf("warning: sync temp snapshot: %v", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename snapshot into place: %w", err)
	}
	return nil
}

// loadSnapshot restores decoder weights from a gob snapshot on disk.
func loadSnapshot(dec *decoder.Decoder, path string) error {
	fh, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open snapshot %s: %w", path, err)
	}
	defer fh.Close()

	var sf snapshotFile
	if err := gob.NewDecoder(fh).Decode(&sf); err != nil {
		return fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	if sf.Version != snapshotVersion {
		return fmt.Errorf("snapshot version mismatch: file=%d expected=%d", sf.Version, snapshotVersion)
	}
	vars := make([]decoder.Variable, 0, len(sf.Vars))
	for _, sv := range sf.Vars {
		t := tensors.FromFlatDataAndDimensions(sv.Data, sv.Dims...)
		vars = append(vars, decoder.Variable{Name: sv.Name, Shape: t.Shape(), Value: t})
	}
	return dec.Restore(vars)
}

// plotPositions writes a scatter overlay of true (grey) and decoded (blue)
// positions.
func plotPositions(outDir string, truth, pred plotter.XYs) error {
	p := plot.New()
	p.Title.Text = "Positions: true (grey) vs decoded (blue)"
	p.X.Label.Text = "x"
	p.Y.Label.Text = "y"

	gr, err := plotter.NewScatter(truth)
	if err != nil {
		return err
	}
	gr.GlyphStyle.Color = color.RGBA{R: 120, G: 120, B: 120, A: 180}
	gr.GlyphStyle.Radius = vg.Points(1.8)
	p.Add(gr)
	p.Legend.Add("true", gr)

	pr, err := plotter.NewScatter(pred)
	if err != nil {
		return err
	}
	pr.GlyphStyle.Color = color.RGBA{R: 20, G: 80, B: 200, A: 220}
	pr.GlyphStyle.Radius = vg.Points(1.8)
	p.Add(pr)
	p.Legend.Add("decoded", pr)
	p.Add(plotter.NewGrid())

	if err := os.MkdirAll(outDir, 0755); err != nil {
		return err
	}
	return p.Save(8*vg.Inch, 6*vg.Inch, filepath.Join(outDir, "decode_positions.png"))
}
