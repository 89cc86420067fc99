package models

import "fmt"

// Background is the gene index assigned to pixels that did not decode
const Background = -1

// PixelCall is the decoded label of a single pixel
type PixelCall struct {
	// Gene is the codebook index of the decoded gene, or Background
	Gene int

	// Distance is the Hamming distance between the binarized pixel vector
	// and the matched barcode. Undefined for background pixels.
	Distance int

	// Confidence is the matcher's score in [0, 1]
	Confidence float64

	// Magnitude is the L2 norm of the equalized pixel vector before
	// per-pixel normalization
	Magnitude float64

	// LowSignal marks pixels whose raw intensity summed over all rounds
	// fell below the low-signal threshold
	LowSignal bool
}

// IsBackground reports whether the pixel carries no gene identity
func (p PixelCall) IsBackground() bool {
	return p.Gene == Background
}

// BackgroundCall returns a background label that keeps the pixel's magnitude
func BackgroundCall(magnitude float64, lowSignal bool) PixelCall {
	return PixelCall{Gene: Background, Magnitude: magnitude, LowSignal: lowSignal}
}

// MoleculeCall is one discrete decoded spot. It is the decoder's
// externally visible output and is not modified after emission.
type MoleculeCall struct {
	// Gene is the gene identifier from the codebook
	Gene string

	// GeneIndex is the codebook index of Gene
	GeneIndex int

	// Z, Y, X are the centroid coordinates in pixel units
	Z, Y, X float64

	// Area is the number of pixels in the region
	Area int

	// Confidence is the aggregate confidence of the region's pixels
	Confidence float64

	// MeanMagnitude is the mean pixel magnitude over the region
	MeanMagnitude float64

	// Pixels holds the flat indices of the region's pixels in ascending order
	Pixels []int
}

// String implements fmt.Stringer
func (m MoleculeCall) String() string {
	return fmt.Sprintf("%s@(%.2f,%.2f,%.2f) area=%d conf=%.3f", m.Gene, m.Z, m.Y, m.X, m.Area, m.Confidence)
}

// GroundTruthPoint is a reference molecule location used for scoring
type GroundTruthPoint struct {
	Gene    string
	Z, Y, X float64
}
