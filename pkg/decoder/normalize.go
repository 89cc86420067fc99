package decoder

import (
	"context"
	"fmt"

	"merfishdecode/internal/models"
	"merfishdecode/pkg/config"
	"merfishdecode/pkg/vectorize"
)

// Normalization is a set of per-plane equalization vectors refined by
// decoding
type Normalization struct {
	// Scales and Offsets have one entry per bit
	Scales  []float64 `json:"normalizationVector"`
	Offsets []float64 `json:"backgroundVector"`

	// Iterations is the number of refinement passes
	Iterations int `json:"iterations"`

	// Called is the number of pixels called by the last pass
	Called int `json:"calledPixels"`
}

// Apply returns a copy of cfg that uses the refined vectors and does not
// refine them again
func (n *Normalization) Apply(cfg *config.Config) *config.Config {
	out := *cfg
	out.Vectorize.NormalizationVector = append([]float64(nil), n.Scales...)
	out.Vectorize.BackgroundVector = append([]float64(nil), n.Offsets...)
	out.Vectorize.NormalizationIterations = 0
	return &out
}

// OptimizeNormalization refines the per-plane scales and offsets by
// decoding the stack iterations times. Each pass decodes with the current
// vectors and re-estimates them from the raw intensities of the called
// pixels, using each pixel's codebook barcode to tell on planes from off
// planes.
func (d *Decoder) OptimizeNormalization(ctx context.Context, stack *models.ImageStack, iterations int) (*Normalization, error) {
	if iterations < 0 {
		return nil, fmt.Errorf("%w: normalization iterations must be >= 0, got %d", config.ErrInvalidConfig, iterations)
	}
	if err := d.checkShape(stack); err != nil {
		return nil, err
	}
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	vec, norm, err := d.refine(ctx, stack, iterations)
	if err != nil {
		return nil, err
	}
	if norm == nil {
		norm = &Normalization{Scales: vec.Scales(), Offsets: vec.Offsets()}
	}
	return norm, nil
}

// refine runs the refinement passes and returns the vectorizer for the
// final vectors. The Normalization is nil when iterations is zero.
func (d *Decoder) refine(ctx context.Context, stack *models.ImageStack, iterations int) (*vectorize.Vectorizer, *Normalization, error) {
	vcfg := d.cfg.Vectorize
	vec, err := d.newVectorizer(ctx, stack, vcfg)
	if err != nil || iterations == 0 {
		return vec, nil, err
	}

	barcodes := make([][]bool, d.cb.Len())
	for g := range barcodes {
		barcodes[g] = d.cb.Barcode(g)
	}

	norm := &Normalization{}
	for i := 0; i < iterations; i++ {
		res, err := d.decodePixels(ctx, stack, vec, d.matcher)
		if err != nil {
			return nil, nil, err
		}

		pixels := make([]int, 0, res.Stats.Called)
		codes := make([][]bool, 0, res.Stats.Called)
		for idx, pc := range res.Pixels {
			if pc.IsBackground() {
				continue
			}
			pixels = append(pixels, idx)
			codes = append(codes, barcodes[pc.Gene])
		}

		scales, offsets, err := vec.Refine(pixels, codes)
		if err != nil {
			return nil, nil, err
		}
		vcfg.NormalizationVector, vcfg.BackgroundVector = scales, offsets
		if vec, err = d.newVectorizer(ctx, stack, vcfg); err != nil {
			return nil, nil, err
		}

		norm.Scales, norm.Offsets = scales, offsets
		norm.Iterations = i + 1
		norm.Called = len(pixels)
		d.log.InfoContext(ctx, "normalization refined",
			"iteration", i+1,
			"called_pixels", len(pixels),
		)
	}
	return vec, norm, nil
}
