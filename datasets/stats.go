package datasets

import (
	"fmt"
	"math"
	"runtime"
	"sort"
	"sync"
)

// Stats holds the robust normalization estimates for one recording: the
// per-(frequency, channel) median and median absolute deviation over the
// rows addressed by the training index set. They are computed once, from
// training rows only, and injected unchanged into both split views so no
// test-row information leaks into the input scaling.
type Stats struct {
	Mean  []float64 // median per (frequency, channel), len F*C
	Scale []float64 // median absolute deviation per (frequency, channel)
	F     int
	C     int
}

// ComputeStats estimates Stats from the recording rows addressed by
// trainIdx. The F*C cells are independent, so they are distributed over a
// worker pool sized to the machine.
//
// A cell whose training values are constant gets a zero Scale; windows
// normalized with it come out non-finite, which downstream shape/numeric
// checks surface rather than this package masking it.
func ComputeStats(rec *Recording, trainIdx []int) (*Stats, error) {
	if rec == nil {
		return nil, fmt.Errorf("recording is nil")
	}
	if len(trainIdx) == 0 {
		return nil, fmt.Errorf("empty training index set")
	}
	for _, t := range trainIdx {
		if t < 0 || t >= rec.T {
			return nil, fmt.Errorf("training index %d out of recording range [0, %d)", t, rec.T)
		}
	}

	cells := rec.F * rec.C
	st := &Stats{
		Mean:  make([]float64, cells),
		Scale: make([]float64, cells),
		F:     rec.F,
		C:     rec.C,
	}

	jobs := make(chan int, cells)
	workerCount := runtime.NumCPU()
	if workerCount > cells {
		workerCount = cells
	}

	var wg sync.WaitGroup
	wg.Add(workerCount)
	for w := 0; w < workerCount; w++ {
		go func() {
			defer wg.Done()
			values := make([]float64, len(trainIdx))
			for cell := range jobs {
				for i, t := range trainIdx {
					values[i] = float64(rec.Data[t*cells+cell])
				}
				med := median(values)
				st.Mean[cell] = med
				for i := range values {
					values[i] = math.Abs(values[i] - med)
				}
				st.Scale[cell] = median(values)
			}
		}()
	}
	for cell := 0; cell < cells; cell++ {
		jobs <- cell
	}
	close(jobs)
	wg.Wait()

	return st, nil
}

// median sorts x in place and returns its median, averaging the two middle
// elements for even-length input.
func median(x []float64) float64 {
	sort.Float64s(x)
	n := len(x)
	if n%2 == 1 {
		return x[n/2]
	}
	return (x[n/2-1] + x[n/2]) / 2
}
