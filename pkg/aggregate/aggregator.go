// Package aggregate groups per-pixel gene calls into discrete molecule calls.
//
// Pixels are connected when they are neighbours under the configured
// connectivity and carry the same gene. Each connected region is filtered by
// area, aggregate confidence and elongation, then reduced to one centroid.
// Regions larger than the maximum area are rejected, never split. When an
// FDR target is set, calls of blank codewords estimate the false discovery
// rate and set a confidence threshold for the remaining calls.
package aggregate

import (
	"context"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"merfishdecode/internal/models"
	"merfishdecode/pkg/config"
)

// unlabeled marks pixels that belong to no region
const unlabeled = -1

// Grid is the spatial layout of a label grid
type Grid struct {
	Depth, Height, Width int
}

// Len returns the number of pixels in the grid
func (g Grid) Len() int { return g.Depth * g.Height * g.Width }

// Index converts spatial coordinates to a flat pixel index
func (g Grid) Index(z, y, x int) int { return (z*g.Height+y)*g.Width + x }

// Coordinate converts a flat pixel index back to (z, y, x)
func (g Grid) Coordinate(idx int) (z, y, x int) {
	plane := g.Height * g.Width
	rem := idx % plane
	return idx / plane, rem / g.Width, rem % g.Width
}

func (g Grid) contains(z, y, x int) bool {
	return z >= 0 && z < g.Depth && y >= 0 && y < g.Height && x >= 0 && x < g.Width
}

// offset is a neighbour displacement
type offset struct{ dz, dy, dx int }

// neighbourhood returns the neighbour offsets for a connectivity. In 2D
// connectivity 4 and 8 have their usual meaning; for 3D grids 4 selects the
// 6 face neighbours and 8 all 26 neighbours.
func neighbourhood(connectivity int, g Grid) []offset {
	var out []offset
	zr := 1
	if g.Depth == 1 {
		zr = 0
	}
	for dz := -zr; dz <= zr; dz++ {
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				nonzero := abs(dz) + abs(dy) + abs(dx)
				if nonzero == 0 {
					continue
				}
				if connectivity == 4 && nonzero > 1 {
					continue
				}
				out = append(out, offset{dz, dy, dx})
			}
		}
	}
	return out
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

// Stats counts regions by outcome
type Stats struct {
	Regions            int
	Accepted           int
	RejectedSmall      int
	RejectedLarge      int
	RejectedConfidence int
	RejectedShape      int
	RejectedFDR        int

	// RejectedBlank counts calls of blank codewords removed by the FDR filter
	RejectedBlank int

	// FDRThreshold is the confidence threshold set by the FDR filter
	FDRThreshold float64
}

// Rejected returns the total number of rejected regions
func (s Stats) Rejected() int {
	return s.RejectedSmall + s.RejectedLarge + s.RejectedConfidence + s.RejectedShape +
		s.RejectedFDR + s.RejectedBlank
}

// Aggregator turns a pixel call grid into molecule calls
type Aggregator struct {
	cfg   config.Aggregate
	genes []string

	// blank[g] marks blank codewords by BlankPrefix
	blank []bool
}

// New creates an aggregator. genes maps codebook indices to identifiers.
func New(cfg config.Aggregate, genes []string) (*Aggregator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &Aggregator{cfg: cfg, genes: genes, blank: make([]bool, len(genes))}
	if cfg.BlankPrefix != "" {
		for g, name := range genes {
			a.blank[g] = strings.HasPrefix(name, cfg.BlankPrefix)
		}
	}
	return a, nil
}

// Aggregate labels connected regions of equal gene and reduces the accepted
// ones to molecule calls sorted by (z, y, x, gene). An empty or all
// background grid yields no calls.
func (a *Aggregator) Aggregate(ctx context.Context, calls []models.PixelCall, g Grid) ([]models.MoleculeCall, Stats, error) {
	var stats Stats
	if len(calls) != g.Len() {
		return nil, stats, &models.InputShapeError{
			Expected: g.Len(),
			Got:      len(calls),
			Detail:   "pixel call grid does not match spatial dimensions",
		}
	}
	if len(calls) == 0 {
		return nil, stats, nil
	}

	labels, err := a.Label(ctx, calls, g)
	if err != nil {
		return nil, stats, err
	}

	regions := collectRegions(labels)
	stats.Regions = len(regions)

	var out []models.MoleculeCall
	for _, pixels := range regions {
		call, ok := a.reduce(calls, pixels, g, &stats)
		if ok {
			out = append(out, call)
		}
	}
	if a.cfg.FDRTarget > 0 {
		out = a.filterFDR(out, &stats)
	}
	stats.Accepted = len(out)

	sort.Slice(out, func(i, j int) bool {
		p, q := out[i], out[j]
		switch {
		case p.Z != q.Z:
			return p.Z < q.Z
		case p.Y != q.Y:
			return p.Y < q.Y
		case p.X != q.X:
			return p.X < q.X
		case p.GeneIndex != q.GeneIndex:
			return p.GeneIndex < q.GeneIndex
		}
		return p.Pixels[0] < q.Pixels[0]
	})

	return out, stats, nil
}

// Label assigns each non-background pixel the id of its connected region
// and every other pixel -1. A region's id is its smallest pixel index, so
// labels do not depend on whether the grid was processed in tiles.
func (a *Aggregator) Label(ctx context.Context, calls []models.PixelCall, g Grid) ([]int, error) {
	nbrs := neighbourhood(a.cfg.Connectivity, g)
	if a.cfg.TileSize > 0 && (g.Height > a.cfg.TileSize || g.Width > a.cfg.TileSize) {
		return labelTiled(ctx, calls, g, nbrs, a.cfg.TileSize)
	}

	labels := newLabels(len(calls))
	labelBox(calls, g, nbrs, labels, box{y1: g.Height, x1: g.Width})
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return labels, nil
}

func newLabels(n int) []int {
	labels := make([]int, n)
	for i := range labels {
		labels[i] = unlabeled
	}
	return labels
}

// box is a half-open (y, x) window spanning the full depth
type box struct {
	y0, y1, x0, x1 int
}

func (b box) contains(y, x int) bool {
	return y >= b.y0 && y < b.y1 && x >= b.x0 && x < b.x1
}

// labelBox runs a breadth-first search from every unlabeled called pixel of
// the box in ascending index order, never leaving the box
func labelBox(calls []models.PixelCall, g Grid, nbrs []offset, labels []int, b box) {
	var queue []int
	for z := 0; z < g.Depth; z++ {
		for y := b.y0; y < b.y1; y++ {
			for x := b.x0; x < b.x1; x++ {
				seed := g.Index(z, y, x)
				if labels[seed] != unlabeled || calls[seed].IsBackground() {
					continue
				}
				gene := calls[seed].Gene
				labels[seed] = seed
				queue = append(queue[:0], seed)
				for len(queue) > 0 {
					cur := queue[0]
					queue = queue[1:]
					cz, cy, cx := g.Coordinate(cur)
					for _, o := range nbrs {
						nz, ny, nx := cz+o.dz, cy+o.dy, cx+o.dx
						if !g.contains(nz, ny, nx) || !b.contains(ny, nx) {
							continue
						}
						n := g.Index(nz, ny, nx)
						if labels[n] != unlabeled || calls[n].Gene != gene {
							continue
						}
						labels[n] = seed
						queue = append(queue, n)
					}
				}
			}
		}
	}
}

// collectRegions groups pixel indices by label in ascending index order
func collectRegions(labels []int) [][]int {
	slot := make(map[int]int)
	var regions [][]int
	for idx, l := range labels {
		if l == unlabeled {
			continue
		}
		s, ok := slot[l]
		if !ok {
			s = len(regions)
			slot[l] = s
			regions = append(regions, nil)
		}
		regions[s] = append(regions[s], idx)
	}
	return regions
}

// reduce applies the region filters and computes the molecule call
func (a *Aggregator) reduce(calls []models.PixelCall, pixels []int, g Grid, stats *Stats) (models.MoleculeCall, bool) {
	area := len(pixels)
	if area < a.cfg.MinArea {
		stats.RejectedSmall++
		return models.MoleculeCall{}, false
	}
	if a.cfg.MaxArea > 0 && area > a.cfg.MaxArea {
		stats.RejectedLarge++
		return models.MoleculeCall{}, false
	}

	conf, magnitude := 0.0, 0.0
	for _, idx := range pixels {
		c := calls[idx]
		magnitude += c.Magnitude
		if a.cfg.ConfidenceMode == config.ConfidenceMax {
			conf = math.Max(conf, c.Confidence)
		} else {
			conf += c.Confidence
		}
	}
	if a.cfg.ConfidenceMode != config.ConfidenceMax {
		conf /= float64(area)
	}
	if conf < a.cfg.MinConfidence {
		stats.RejectedConfidence++
		return models.MoleculeCall{}, false
	}

	zs := make([]float64, area)
	ys := make([]float64, area)
	xs := make([]float64, area)
	ws := make([]float64, area)
	for i, idx := range pixels {
		z, y, x := g.Coordinate(idx)
		zs[i], ys[i], xs[i] = float64(z), float64(y), float64(x)
		ws[i] = calls[idx].Magnitude
	}

	if a.cfg.MaxElongation > 0 && Elongation(zs, ys, xs, g.Depth > 1) > a.cfg.MaxElongation {
		stats.RejectedShape++
		return models.MoleculeCall{}, false
	}

	weights := ws
	if a.cfg.CentroidMode != config.CentroidWeighted || floats.Sum(ws) <= 0 {
		weights = nil
	}

	gene := calls[pixels[0]].Gene
	call := models.MoleculeCall{
		GeneIndex:     gene,
		Z:             stat.Mean(zs, weights),
		Y:             stat.Mean(ys, weights),
		X:             stat.Mean(xs, weights),
		Area:          area,
		Confidence:    conf,
		MeanMagnitude: magnitude / float64(area),
		Pixels:        pixels,
	}
	if gene >= 0 && gene < len(a.genes) {
		call.Gene = a.genes[gene]
	}
	return call, true
}

// Elongation returns the square root of the ratio between the largest and
// smallest eigenvalue of the region's coordinate covariance. Each pixel is
// treated as a unit square (cube), adding 1/12 to every variance, so single
// pixels and compact blobs score 1. Only (y, x) are used unless volumetric.
func Elongation(zs, ys, xs []float64, volumetric bool) float64 {
	n := len(xs)
	if n < 2 {
		return 1
	}

	cols := [][]float64{ys, xs}
	if volumetric {
		cols = [][]float64{zs, ys, xs}
	}
	dims := len(cols)

	data := mat.NewDense(n, dims, nil)
	for j, col := range cols {
		data.SetCol(j, col)
	}

	var cov mat.SymDense
	stat.CovarianceMatrix(&cov, data, nil)
	for j := 0; j < dims; j++ {
		cov.SetSym(j, j, cov.At(j, j)+1.0/12)
	}

	var eig mat.EigenSym
	if !eig.Factorize(&cov, false) {
		return math.Inf(1)
	}
	values := eig.Values(nil)
	lo, hi := values[0], values[len(values)-1]
	if lo <= 0 {
		return math.Inf(1)
	}
	return math.Sqrt(hi / lo)
}

// RegionMask renders molecule calls back into a pixel call grid. Every
// region pixel carries the region's gene, confidence and mean magnitude;
// all other pixels are background.
func RegionMask(molecules []models.MoleculeCall, g Grid) []models.PixelCall {
	out := make([]models.PixelCall, g.Len())
	for i := range out {
		out[i] = models.BackgroundCall(0, false)
	}
	for _, m := range molecules {
		for _, idx := range m.Pixels {
			out[idx] = models.PixelCall{
				Gene:       m.GeneIndex,
				Confidence: m.Confidence,
				Magnitude:  m.MeanMagnitude,
			}
		}
	}
	return out
}
