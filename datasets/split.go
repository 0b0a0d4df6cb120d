package datasets

import (
	"fmt"
	"math"
)

// Maze geometry used by the spatial region filters. The top/bottom boundary
// and the inside/outside disc are expressed in the normalized coordinates of
// the position channel; left/right splits on the raw x coordinate.
const (
	regionSplitY      = 0.1
	regionCenterX     = 0.0264
	regionCenterY     = 0.2185
	regionInnerRadius = 0.15
	regionSplitX      = 400
)

// complementRegion maps a region keyword to its geometric complement, used
// to build the testing view when the training view is spatially restricted.
// Unknown keywords are a configuration error.
func complementRegion(region string) (string, error) {
	switch region {
	case "top":
		return "bottom", nil
	case "bottom":
		return "top", nil
	case "inside":
		return "outside", nil
	case "outside":
		return "inside", nil
	case "left":
		return "right", nil
	case "right":
		return "left", nil
	default:
		return "", fmt.Errorf("unknown region keyword %q", region)
	}
}

// acceptRegion evaluates a region predicate on a position label. The empty
// keyword accepts everything. Keywords are validated at construction, so an
// unknown one here is unreachable.
func acceptRegion(region string, pos []float32) bool {
	switch region {
	case "top":
		return pos[1] > regionSplitY
	case "bottom":
		return pos[1] <= regionSplitY
	case "inside":
		return math.Hypot(float64(pos[0])-regionCenterX, float64(pos[1])-regionCenterY) < regionInnerRadius
	case "outside":
		return math.Hypot(float64(pos[0])-regionCenterX, float64(pos[1])-regionCenterY) >= regionInnerRadius
	case "left":
		return pos[0] < regionSplitX
	case "right":
		return pos[0] >= regionSplitX
	default:
		return true
	}
}

// splitBlocks cuts [0, n) into count contiguous blocks. The first n%count
// blocks are one element longer, so concatenating all blocks reconstructs
// the range exactly once with no gaps or overlap.
func splitBlocks(n, count int) [][]int {
	blocks := make([][]int, count)
	base := n / count
	rem := n % count
	next := 0
	for b := 0; b < count; b++ {
		size := base
		if b < rem {
			size++
		}
		block := make([]int, size)
		for i := range block {
			block[i] = next + i
		}
		next += size
		blocks[b] = block
	}
	return blocks
}

// Split partitions a recording into training and testing WaveletDataset
// views.
//
// The valid window-start range [0, T-ModelTimesteps) is cut into NumCVs
// contiguous blocks; all but the last form the training index set and the
// last block the testing index set. Normalization statistics are computed
// once, from the training indices only, and shared by both views.
//
// When cfg.TrainRegion is set, the training view additionally filters
// samples to that spatial region and the testing view to its geometric
// complement. Both views still draw from their respective block splits, so
// the two index sets are filter-complementary rather than geometrically
// disjoint.
func Split(cfg Config, rec *Recording, channels map[string]*TargetChannel) (train, test *WaveletDataset, err error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, nil, err
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

	trainRegion := cfg.TrainRegion
	testRegion := ""
	if trainRegion != "" {
		testRegion, err = complementRegion(trainRegion)
		if err != nil {
			return nil, nil, err
		}
	}

	train, err = newWaveletDataset(cfg, rec, channels, trainIdx, trainRegion, stats)
	if err != nil {
		return nil, nil, fmt.Errorf("training view: %w", err)
	}
	test, err = newWaveletDataset(cfg, rec, channels, testIdx, testRegion, stats)
	if err != nil {
		return nil, nil, fmt.Errorf("testing view: %w", err)
	}
	return train, test, nil
}
