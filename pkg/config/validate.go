package config

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig is wrapped by every validation failure
var ErrInvalidConfig = errors.New("config: invalid parameter")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// Validate checks every parameter range. It is called by LoadConfig and by
// the decoder constructor so bad parameters are rejected before decoding.
func (c *Config) Validate() error {
	if c.Processing.NumWorkers < 0 {
		return invalid("numWorkers must be >= 0, got %d", c.Processing.NumWorkers)
	}
	if c.Processing.ChunkSize < 0 {
		return invalid("chunkSize must be >= 0, got %d", c.Processing.ChunkSize)
	}
	if c.Processing.TimeoutSeconds < 0 {
		return invalid("timeoutSeconds must be >= 0")
	}
	if c.Stack.Rounds < 0 || c.Stack.Channels < 0 {
		return invalid("declared rounds and channels must be >= 0")
	}
	if c.Codebook.Tolerance < 0 {
		return invalid("tolerance must be >= 0, got %d", c.Codebook.Tolerance)
	}
	if err := c.Vectorize.Validate(); err != nil {
		return err
	}
	if err := c.Match.Validate(); err != nil {
		return err
	}
	if err := c.Aggregate.Validate(); err != nil {
		return err
	}
	if c.Scoring.Radius < 0 {
		return invalid("scoring radius must be >= 0")
	}
	for _, v := range c.Scoring.VoxelSize {
		if v < 0 {
			return invalid("voxel size must be >= 0")
		}
	}
	return nil
}

// Validate checks the vectorizer parameters
func (v *Vectorize) Validate() error {
	if v.ScalePercentile < 0 || v.ScalePercentile > 100 {
		return invalid("scalePercentile must be in [0, 100], got %g", v.ScalePercentile)
	}
	if v.BackgroundPercentile < 0 || v.BackgroundPercentile > 100 {
		return invalid("backgroundPercentile must be in [0, 100], got %g", v.BackgroundPercentile)
	}
	if v.ScalePercentile > 0 && v.BackgroundPercentile >= v.ScalePercentile {
		return invalid("backgroundPercentile must be below scalePercentile")
	}
	if v.ScaleFloorFraction < 0 || v.ScaleFloorFraction > 1 {
		return invalid("scaleFloorFraction must be in [0, 1], got %g", v.ScaleFloorFraction)
	}
	switch v.Normalization {
	case NormalizeL2, NormalizeMax:
	default:
		return invalid("unknown normalization %q", v.Normalization)
	}
	if v.LowSignalThreshold < 0 {
		return invalid("lowSignalThreshold must be >= 0")
	}
	if v.Epsilon <= 0 {
		return invalid("epsilon must be > 0")
	}
	if v.NormalizationIterations < 0 {
		return invalid("normalizationIterations must be >= 0, got %d", v.NormalizationIterations)
	}
	for _, s := range v.NormalizationVector {
		if s <= 0 {
			return invalid("normalizationVector entries must be > 0")
		}
	}
	if v.Crosstalk.Enabled() {
		if len(v.Crosstalk.Unmixing) > 0 && len(v.Crosstalk.Mixing) > 0 {
			return invalid("crosstalk: set either unmixing or mixing, not both")
		}
		m := v.Crosstalk.Unmixing
		if len(m) == 0 {
			m = v.Crosstalk.Mixing
		}
		for _, row := range m {
			if len(row) != len(m) {
				return invalid("crosstalk matrix must be square")
			}
		}
	}
	return nil
}

// Validate checks the matcher parameters
func (m *Match) Validate() error {
	switch m.Binarization {
	case BinarizeFixed, BinarizeTopK:
	default:
		return invalid("unknown binarization %q", m.Binarization)
	}
	if m.TopK < 0 {
		return invalid("topK must be >= 0, got %d", m.TopK)
	}
	if m.MinConfidence < 0 || m.MinConfidence > 1 {
		return invalid("match minConfidence must be in [0, 1], got %g", m.MinConfidence)
	}
	if m.MinMagnitude < 0 || m.MaxMagnitude < 0 {
		return invalid("magnitude bounds must be >= 0")
	}
	if m.MaxMagnitude > 0 && m.MaxMagnitude < m.MinMagnitude {
		return invalid("maxMagnitude %g below minMagnitude %g", m.MaxMagnitude, m.MinMagnitude)
	}
	if m.MagnitudeSoftness < 0 {
		return invalid("magnitudeSoftness must be >= 0")
	}
	return nil
}

// Validate checks the aggregator parameters
func (a *Aggregate) Validate() error {
	if a.MinArea < 0 || a.MaxArea < 0 {
		return invalid("area bounds must be >= 0, got min=%d max=%d", a.MinArea, a.MaxArea)
	}
	if a.MaxArea > 0 && a.MaxArea < a.MinArea {
		return invalid("maxArea %d below minArea %d", a.MaxArea, a.MinArea)
	}
	if a.Connectivity != 4 && a.Connectivity != 8 {
		return invalid("connectivity must be 4 or 8, got %d", a.Connectivity)
	}
	if a.MinConfidence < 0 || a.MinConfidence > 1 {
		return invalid("aggregate minConfidence must be in [0, 1], got %g", a.MinConfidence)
	}
	switch a.ConfidenceMode {
	case ConfidenceMean, ConfidenceMax:
	default:
		return invalid("unknown confidenceMode %q", a.ConfidenceMode)
	}
	switch a.CentroidMode {
	case CentroidUniform, CentroidWeighted:
	default:
		return invalid("unknown centroidMode %q", a.CentroidMode)
	}
	if a.MaxElongation < 0 || (a.MaxElongation > 0 && a.MaxElongation < 1) {
		return invalid("maxElongation must be 0 or >= 1, got %g", a.MaxElongation)
	}
	if a.TileSize < 0 {
		return invalid("tileSize must be >= 0")
	}
	if a.FDRTarget < 0 || a.FDRTarget > 1 {
		return invalid("fdrTarget must be in [0, 1], got %g", a.FDRTarget)
	}
	return nil
}
