// Package matcher binarizes normalized pixel feature vectors and matches them
// against a codebook.
//
// Confidence for a match of gene g at Hamming distance d is
//
//	conf = cos(v, g) * sep * 1/(1+d) * m/(m+s)
//
// where cos(v, g) is the cosine similarity between the feature vector and the
// unit-normalized barcode of g, sep = 0.5 + 0.5*(cos(v,g) - cos(v,h))/cos(v,g)
// with h the most similar of g's confusable codewords (sep = 1 when g has
// none), m is the pixel magnitude and s the configured magnitude softness
// (the last factor is 1 when s is zero). Larger separation from the next-best
// candidate and smaller distance both raise confidence.
package matcher

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"merfishdecode/internal/models"
	"merfishdecode/pkg/codebook"
	"merfishdecode/pkg/config"
	"merfishdecode/pkg/vectorize"
)

// Matcher is stateless apart from the shared read-only codebook
type Matcher struct {
	cb   *codebook.Codebook
	cfg  config.Match
	topK int

	// onBits[g] lists the on positions of gene g and invNorm[g] is
	// 1/sqrt(weight), the value of each on entry of the unit barcode
	onBits  [][]int
	invNorm []float64

	// confusable[g] caches the codebook's next-best candidates for g
	confusable [][]int
}

// New prepares a matcher for a codebook. Top-k binarization with TopK of
// zero requires a constant-weight codebook.
func New(cb *codebook.Codebook, cfg config.Match) (*Matcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Matcher{
		cb:         cb,
		cfg:        cfg,
		onBits:     make([][]int, cb.Len()),
		invNorm:    make([]float64, cb.Len()),
		confusable: make([][]int, cb.Len()),
	}

	for g := 0; g < cb.Len(); g++ {
		for i, on := range cb.Barcode(g) {
			if on {
				m.onBits[g] = append(m.onBits[g], i)
			}
		}
		if w := len(m.onBits[g]); w > 0 {
			m.invNorm[g] = 1 / math.Sqrt(float64(w))
		}
		m.confusable[g] = cb.Confusable(g)
	}

	if cfg.Binarization == config.BinarizeTopK {
		m.topK = cfg.TopK
		if m.topK == 0 {
			w, ok := cb.ConstantWeight()
			if !ok {
				return nil, fmt.Errorf("%w: top-k binarization needs topK for a codebook with varying barcode weight",
					config.ErrInvalidConfig)
			}
			m.topK = w
		}
		if m.topK > cb.NumBits() {
			return nil, fmt.Errorf("%w: topK %d exceeds barcode length %d",
				config.ErrInvalidConfig, m.topK, cb.NumBits())
		}
	}

	return m, nil
}

// TopK returns the effective number of on bits for top-k binarization
func (m *Matcher) TopK() int { return m.topK }

// Binarize converts a normalized vector into a packed bit word. Top-k ties
// are broken toward the lower bit index so the result is deterministic.
func (m *Matcher) Binarize(values []float64) uint64 {
	var w uint64
	if m.cfg.Binarization == config.BinarizeFixed {
		for i, x := range values {
			if x >= m.cfg.Threshold {
				w |= 1 << uint(i)
			}
		}
		return w
	}

	// partial selection: topK passes, each taking the largest unset bit
	for k := 0; k < m.topK; k++ {
		best := -1
		for i, x := range values {
			if w&(1<<uint(i)) != 0 {
				continue
			}
			if best < 0 || x > values[best] {
				best = i
			}
		}
		if best < 0 {
			break
		}
		w |= 1 << uint(best)
	}
	return w
}

// Match decodes one feature vector. A vector of the wrong length is a
// programmer error and is reported without attempting to match.
func (m *Matcher) Match(fv vectorize.FeatureVector) (models.PixelCall, error) {
	if len(fv.Values) != m.cb.NumBits() {
		return models.PixelCall{}, &models.InputShapeError{
			Expected: m.cb.NumBits(),
			Got:      len(fv.Values),
			Detail:   "feature vector length does not match barcode length",
		}
	}
	return m.match(fv), nil
}

// MustMatch is Match for callers that have already validated the vector
// length; it panics on a length mismatch.
func (m *Matcher) MustMatch(fv vectorize.FeatureVector) models.PixelCall {
	call, err := m.Match(fv)
	if err != nil {
		panic(err)
	}
	return call
}

func (m *Matcher) match(fv vectorize.FeatureVector) models.PixelCall {
	bg := models.BackgroundCall(fv.Magnitude, fv.LowSignal)
	if fv.LowSignal {
		return bg
	}
	if fv.Magnitude < m.cfg.MinMagnitude {
		return bg
	}
	if m.cfg.MaxMagnitude > 0 && fv.Magnitude > m.cfg.MaxMagnitude {
		return bg
	}

	hit, ok := m.cb.Nearest(m.Binarize(fv.Values))
	if !ok {
		return bg
	}

	conf := m.Confidence(fv, hit)
	if conf < m.cfg.MinConfidence {
		return bg
	}

	return models.PixelCall{
		Gene:       hit.Gene,
		Distance:   hit.Distance,
		Confidence: conf,
		Magnitude:  fv.Magnitude,
	}
}

// Confidence scores a codebook hit for a feature vector
func (m *Matcher) Confidence(fv vectorize.FeatureVector, hit codebook.Match) float64 {
	norm := floats.Norm(fv.Values, 2)
	if norm == 0 {
		return 0
	}

	best := m.cosine(fv.Values, hit.Gene, norm)
	if best <= 0 {
		return 0
	}

	sep := 1.0
	if len(m.confusable[hit.Gene]) > 0 {
		runnerUp := math.Inf(-1)
		for _, h := range m.confusable[hit.Gene] {
			runnerUp = math.Max(runnerUp, m.cosine(fv.Values, h, norm))
		}
		gap := clamp01((best - runnerUp) / best)
		sep = 0.5 + 0.5*gap
	}

	conf := best * sep / float64(1+hit.Distance)
	if s := m.cfg.MagnitudeSoftness; s > 0 {
		conf *= fv.Magnitude / (fv.Magnitude + s)
	}
	return clamp01(conf)
}

// cosine returns the cosine similarity between values (with L2 norm norm)
// and the unit barcode of gene g
func (m *Matcher) cosine(values []float64, g int, norm float64) float64 {
	dot := 0.0
	for _, i := range m.onBits[g] {
		dot += values[i]
	}
	return dot * m.invNorm[g] / norm
}

func clamp01(x float64) float64 {
	return math.Min(math.Max(x, 0), 1)
}
