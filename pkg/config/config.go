// Package config provides configuration loading and management for merfishdecode.
// It handles loading configuration from YAML files, provides default values and
// validates every decoding parameter before any decode work begins.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Binarization strategies recognised by the barcode matcher
const (
	BinarizeFixed = "fixed-threshold"
	BinarizeTopK  = "top-k"
)

// Per-pixel normalization modes
const (
	NormalizeL2  = "l2"
	NormalizeMax = "max"
)

// Centroid modes
const (
	CentroidUniform  = "uniform"
	CentroidWeighted = "intensity-weighted"
)

// Region confidence aggregation modes
const (
	ConfidenceMean = "mean"
	ConfidenceMax  = "max"
)

// Crosstalk describes a linear channel unmixing transform. Exactly one of
// Unmixing or Mixing may be set. Mixing is the measured bleed-through matrix
// (observed = Mixing * true) and is inverted once at start-up.
type Crosstalk struct {
	Unmixing [][]float64 `yaml:"unmixing,omitempty"`
	Mixing   [][]float64 `yaml:"mixing,omitempty"`
}

// Enabled reports whether any crosstalk transform was configured
func (c *Crosstalk) Enabled() bool {
	return c != nil && (len(c.Unmixing) > 0 || len(c.Mixing) > 0)
}

// Vectorize holds the Pixel Vectorizer parameters
type Vectorize struct {
	// ScalePercentile is the per-plane percentile used as the robust
	// brightness scale. Zero disables brightness equalization.
	ScalePercentile float64 `yaml:"scalePercentile"`

	// ScaleFloorFraction bounds every plane scale from below by this
	// fraction of the median plane scale, so planes with no spots are not
	// amplified into false "on" bits.
	ScaleFloorFraction float64 `yaml:"scaleFloorFraction"`

	// BackgroundPercentile is the per-plane percentile subtracted before
	// scaling. Zero disables background subtraction.
	BackgroundPercentile float64 `yaml:"backgroundPercentile"`

	// NormalizationVector and BackgroundVector override the data-derived
	// per-plane scales and offsets when set (one entry per bit).
	NormalizationVector []float64 `yaml:"normalizationVector,omitempty"`
	BackgroundVector    []float64 `yaml:"backgroundVector,omitempty"`

	// Normalization is the per-pixel normalization: "l2" or "max"
	Normalization string `yaml:"normalization"`

	// LowSignalThreshold is the minimum raw intensity summed over all
	// planes for a pixel to be decoded at all
	LowSignalThreshold float64 `yaml:"lowSignalThreshold"`

	// Epsilon clamps every normalization denominator
	Epsilon float64 `yaml:"epsilon"`

	// Crosstalk is the optional channel unmixing transform
	Crosstalk *Crosstalk `yaml:"crosstalk,omitempty"`

	// NormalizationIterations is the number of decode passes used to refine
	// the normalization and background vectors from called pixels before
	// the final decode. Zero keeps the data-derived vectors.
	NormalizationIterations int `yaml:"normalizationIterations"`
}

// Match holds the Barcode Matcher parameters
type Match struct {
	// Binarization is "fixed-threshold" or "top-k"
	Binarization string `yaml:"binarization"`

	// Threshold is the on/off cut for fixed-threshold binarization,
	// applied to the normalized feature vector
	Threshold float64 `yaml:"threshold"`

	// TopK is the number of bits switched on by top-k binarization.
	// Zero uses the codebook's constant barcode weight.
	TopK int `yaml:"topK"`

	// MinConfidence is the minimum per-pixel confidence
	MinConfidence float64 `yaml:"minConfidence"`

	// MinMagnitude and MaxMagnitude bound the pre-normalization pixel
	// magnitude. MaxMagnitude of zero means unbounded.
	MinMagnitude float64 `yaml:"minMagnitude"`
	MaxMagnitude float64 `yaml:"maxMagnitude"`

	// MagnitudeSoftness damps the confidence of dim pixels by
	// m/(m+MagnitudeSoftness). Zero disables the damping.
	MagnitudeSoftness float64 `yaml:"magnitudeSoftness"`
}

// Aggregate holds the Spot Aggregator parameters
type Aggregate struct {
	MinArea int `yaml:"minArea"`

	// MaxArea of zero means unbounded
	MaxArea int `yaml:"maxArea"`

	// Connectivity is 4 or 8 (6 and 26 neighbours respectively in 3D)
	Connectivity int `yaml:"connectivity"`

	// MinConfidence is the minimum aggregate region confidence
	MinConfidence float64 `yaml:"minConfidence"`

	// ConfidenceMode is "mean" or "max"
	ConfidenceMode string `yaml:"confidenceMode"`

	// CentroidMode is "uniform" or "intensity-weighted"
	CentroidMode string `yaml:"centroidMode"`

	// MaxElongation rejects regions whose principal-axis ratio exceeds it.
	// Zero disables the shape check.
	MaxElongation float64 `yaml:"maxElongation"`

	// TileSize enables tiled labeling with a merge across tile borders.
	// Zero labels the full grid in a single pass.
	TileSize int `yaml:"tileSize"`

	// FDRTarget is the largest accepted false discovery rate, estimated
	// from calls of blank codewords. Zero disables the filter.
	FDRTarget float64 `yaml:"fdrTarget"`

	// BlankPrefix marks codebook genes that are blank (non-coding) codewords
	BlankPrefix string `yaml:"blankPrefix"`
}

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// NumWorkers specifies how many goroutines decode pixel chunks
		NumWorkers int `yaml:"numWorkers"`

		// ChunkSize is the number of pixels per work unit. Cancellation is
		// observed between chunks.
		ChunkSize int `yaml:"chunkSize"`

		// TimeoutSeconds bounds a whole decode. Zero disables the timeout.
		TimeoutSeconds float64 `yaml:"timeoutSeconds"`
	} `yaml:"processing"`

	// Stack declares the expected acquisition layout. Zero values accept
	// whatever the stack reports.
	Stack struct {
		Rounds   int `yaml:"rounds"`
		Channels int `yaml:"channels"`
	} `yaml:"stack"`

	// Codebook parameters
	Codebook struct {
		// Tolerance is the number of bit errors corrected during matching
		Tolerance int `yaml:"tolerance"`
	} `yaml:"codebook"`

	Vectorize Vectorize `yaml:"vectorize"`
	Match     Match     `yaml:"match"`
	Aggregate Aggregate `yaml:"aggregate"`

	// Scoring parameters for comparison against ground truth
	Scoring struct {
		// Radius is the matching distance in physical units
		Radius float64 `yaml:"radius"`

		// VoxelSize is the (z, y, x) pixel size used to convert decoded
		// centroids into physical units
		VoxelSize [3]float64 `yaml:"voxelSize"`
	} `yaml:"scoring"`

	// Output parameters
	Output struct {
		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`

		// Progress shows a progress bar during decoding
		Progress bool `yaml:"progress"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default processing parameters
	cfg.Processing.NumWorkers = runtime.NumCPU()
	cfg.Processing.ChunkSize = 4096

	// Single-bit tolerance is the usual choice for MHD4 codebooks
	cfg.Codebook.Tolerance = 1

	// Set default vectorizer parameters
	cfg.Vectorize.ScalePercentile = 99.9
	cfg.Vectorize.ScaleFloorFraction = 0.25
	cfg.Vectorize.Normalization = NormalizeL2
	cfg.Vectorize.LowSignalThreshold = 1e-6
	cfg.Vectorize.Epsilon = 1e-9

	// Set default matcher parameters
	cfg.Match.Binarization = BinarizeTopK
	cfg.Match.Threshold = 0.5
	cfg.Match.MinConfidence = 0.5

	// Set default aggregator parameters
	cfg.Aggregate.MinArea = 9
	cfg.Aggregate.MaxArea = 1000
	cfg.Aggregate.Connectivity = 8
	cfg.Aggregate.MinConfidence = 0.5
	cfg.Aggregate.ConfidenceMode = ConfidenceMean
	cfg.Aggregate.CentroidMode = CentroidWeighted
	cfg.Aggregate.BlankPrefix = "Blank"

	// Set default scoring parameters
	cfg.Scoring.Radius = 0.75
	cfg.Scoring.VoxelSize = [3]float64{1, 1, 1}

	// Set default output parameters
	cfg.Output.Verbose = false

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
