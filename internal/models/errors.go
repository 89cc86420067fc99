package models

import "fmt"

// InputShapeError reports an image stack whose layout does not match what
// the decoder was configured for, most commonly a (rounds x channels) bit
// count that differs from the codebook's barcode length. It is fatal and
// is never retried.
type InputShapeError struct {
	Expected int
	Got      int
	Detail   string
}

func (e *InputShapeError) Error() string {
	if e.Expected == 0 && e.Got == 0 {
		return "input shape: " + e.Detail
	}
	return fmt.Sprintf("input shape: %s (expected %d, got %d)", e.Detail, e.Expected, e.Got)
}

// LowSignalWarning is informational: Pixels pixels out of Total were
// excluded from decoding because their summed raw intensity was below
// Threshold. Processing continues when it is raised.
type LowSignalWarning struct {
	Pixels    int
	Total     int
	Threshold float64
}

func (w *LowSignalWarning) Error() string {
	return fmt.Sprintf("low signal: %d of %d pixels below total intensity %.4g", w.Pixels, w.Total, w.Threshold)
}

// Fraction returns the share of pixels flagged as low signal
func (w *LowSignalWarning) Fraction() float64 {
	if w.Total == 0 {
		return 0
	}
	return float64(w.Pixels) / float64(w.Total)
}
