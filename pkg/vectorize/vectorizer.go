// Package vectorize turns the per-plane intensities of an image stack into one
// comparable feature vector per pixel.
//
// The per-plane statistics are computed once in New over the full stack;
// Vector is then a pure function of the pixel index and may be called from
// any number of goroutines, each with its own Scratch.
package vectorize

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"merfishdecode/internal/models"
	"merfishdecode/pkg/config"
)

// FeatureVector is the normalized intensity vector of one pixel
type FeatureVector struct {
	// Values holds one normalized entry per bit. When produced by Vector it
	// aliases the caller's Scratch and is only valid until the next call.
	Values []float64

	// Magnitude is the L2 norm of the equalized (and unmixed) vector before
	// per-pixel normalization
	Magnitude float64

	// RawTotal is the raw intensity summed over all planes
	RawTotal float64

	// LowSignal is set when RawTotal is below the low-signal threshold or the
	// vector has no usable energy
	LowSignal bool
}

// Scratch holds per-goroutine buffers for Vector
type Scratch struct {
	values []float64
	in     *mat.VecDense
	out    *mat.VecDense
}

// Vectorizer produces normalized feature vectors from a read-only stack
type Vectorizer struct {
	stack *models.ImageStack
	cfg   config.Vectorize

	// scales and offsets are the per-plane equalization parameters:
	// equalized = max(raw - offset, 0) / scale
	scales  []float64
	offsets []float64

	// unmix is the channels x channels crosstalk correction, or nil
	unmix *mat.Dense
}

// New computes the per-plane statistics and prepares the crosstalk
// transform. The stack is not modified.
func New(stack *models.ImageStack, cfg config.Vectorize) (*Vectorizer, error) {
	if err := stack.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	v := &Vectorizer{stack: stack, cfg: cfg}
	nbits := stack.NumBits()

	if err := v.computeOffsets(nbits); err != nil {
		return nil, err
	}
	if err := v.computeScales(nbits); err != nil {
		return nil, err
	}
	if err := v.prepareUnmixing(); err != nil {
		return nil, err
	}
	return v, nil
}

func (v *Vectorizer) computeOffsets(nbits int) error {
	v.offsets = make([]float64, nbits)
	if len(v.cfg.BackgroundVector) > 0 {
		if len(v.cfg.BackgroundVector) != nbits {
			return &models.InputShapeError{
				Expected: nbits,
				Got:      len(v.cfg.BackgroundVector),
				Detail:   "background vector length does not match bit count",
			}
		}
		copy(v.offsets, v.cfg.BackgroundVector)
		return nil
	}
	if v.cfg.BackgroundPercentile <= 0 {
		return nil
	}
	for b, plane := range v.stack.Planes {
		v.offsets[b] = planeQuantile(plane, v.cfg.BackgroundPercentile/100)
	}
	return nil
}

// computeScales derives the robust per-plane brightness scale. Each scale
// is floored at ScaleFloorFraction of the median scale so a plane that
// carries no spots is not stretched until its noise looks like signal.
func (v *Vectorizer) computeScales(nbits int) error {
	v.scales = make([]float64, nbits)
	eps := v.cfg.Epsilon

	if len(v.cfg.NormalizationVector) > 0 {
		if len(v.cfg.NormalizationVector) != nbits {
			return &models.InputShapeError{
				Expected: nbits,
				Got:      len(v.cfg.NormalizationVector),
				Detail:   "normalization vector length does not match bit count",
			}
		}
		copy(v.scales, v.cfg.NormalizationVector)
		return nil
	}

	if v.cfg.ScalePercentile <= 0 {
		for b := range v.scales {
			v.scales[b] = 1
		}
		return nil
	}

	for b, plane := range v.stack.Planes {
		v.scales[b] = planeQuantile(plane, v.cfg.ScalePercentile/100) - v.offsets[b]
	}

	floor := v.cfg.ScaleFloorFraction * median(v.scales)

	for b := range v.scales {
		v.scales[b] = math.Max(v.scales[b], math.Max(floor, eps))
	}
	return nil
}

func (v *Vectorizer) prepareUnmixing() error {
	ct := v.cfg.Crosstalk
	if !ct.Enabled() {
		return nil
	}

	src := ct.Unmixing
	if len(src) == 0 {
		src = ct.Mixing
	}
	channels := v.stack.Channels
	if len(src) != channels {
		return fmt.Errorf("%w: crosstalk matrix is %dx%d but stack has %d channels",
			config.ErrInvalidConfig, len(src), len(src), channels)
	}

	flat := make([]float64, 0, channels*channels)
	for _, row := range src {
		flat = append(flat, row...)
	}
	m := mat.NewDense(channels, channels, flat)

	if len(ct.Unmixing) > 0 {
		v.unmix = m
		return nil
	}

	var inv mat.Dense
	if err := inv.Inverse(m); err != nil {
		return fmt.Errorf("%w: crosstalk mixing matrix is not invertible: %v", config.ErrInvalidConfig, err)
	}
	v.unmix = &inv
	return nil
}

// planeQuantile returns the empirical p-quantile of a plane without
// modifying it
func planeQuantile(plane []float64, p float64) float64 {
	sorted := make([]float64, len(plane))
	copy(sorted, plane)
	sort.Float64s(sorted)
	return stat.Quantile(p, stat.Empirical, sorted, nil)
}

// median returns the middle value of values, averaging the two middle
// values when the count is even. values is not modified.
func median(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)
	return stat.Mean(sorted[(n-1)/2:n/2+1], nil)
}

// NewScratch allocates buffers for one goroutine
func (v *Vectorizer) NewScratch() *Scratch {
	c := v.stack.Channels
	return &Scratch{
		values: make([]float64, v.stack.NumBits()),
		in:     mat.NewVecDense(c, nil),
		out:    mat.NewVecDense(c, nil),
	}
}

// NumBits returns the feature vector length
func (v *Vectorizer) NumBits() int { return v.stack.NumBits() }

// Scales returns a copy of the per-plane brightness scales
func (v *Vectorizer) Scales() []float64 {
	out := make([]float64, len(v.scales))
	copy(out, v.scales)
	return out
}

// Offsets returns a copy of the per-plane background offsets
func (v *Vectorizer) Offsets() []float64 {
	out := make([]float64, len(v.offsets))
	copy(out, v.offsets)
	return out
}

// Vector builds the feature vector of pixel idx into s.
//
//  1. equalize: (raw - offset) / scale, clamped at zero
//  2. unmix each round's channel readings when crosstalk is configured
//  3. L2- or max-normalize the full vector
func (v *Vectorizer) Vector(idx int, s *Scratch) FeatureVector {
	vals := s.values
	total := 0.0
	for b, plane := range v.stack.Planes {
		raw := plane[idx]
		total += raw
		vals[b] = math.Max(raw-v.offsets[b], 0) / v.scales[b]
	}

	if v.unmix != nil {
		v.applyUnmixing(vals, s)
	}

	eps := v.cfg.Epsilon
	magnitude := floats.Norm(vals, 2)
	fv := FeatureVector{
		Values:    vals,
		Magnitude: magnitude,
		RawTotal:  total,
		LowSignal: total < v.cfg.LowSignalThreshold || magnitude < eps,
	}

	var denom float64
	switch v.cfg.Normalization {
	case config.NormalizeMax:
		denom = floats.Max(vals)
	default:
		denom = magnitude
	}
	floats.Scale(1/math.Max(denom, eps), vals)

	return fv
}

// applyUnmixing replaces each round's channel readings by unmix * readings.
// Negative results of the linear correction are clamped to zero.
func (v *Vectorizer) applyUnmixing(vals []float64, s *Scratch) {
	c := v.stack.Channels
	in := s.in.RawVector().Data
	out := s.out.RawVector().Data
	for r := 0; r < v.stack.Rounds; r++ {
		seg := vals[r*c : (r+1)*c]
		copy(in, seg)
		s.out.MulVec(v.unmix, s.in)
		for i := range seg {
			seg[i] = math.Max(out[i], 0)
		}
	}
}

// Copy returns a FeatureVector whose Values no longer alias a Scratch
func (fv FeatureVector) Copy() FeatureVector {
	vals := make([]float64, len(fv.Values))
	copy(vals, fv.Values)
	fv.Values = vals
	return fv
}
