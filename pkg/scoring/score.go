// Package scoring compares decoded molecule calls with ground-truth
// molecule locations.
//
// A call is a true positive when an unmatched ground-truth point of the same
// gene lies within the search radius; the nearest such point is consumed, so
// every ground-truth point is matched at most once. Calls without a partner
// are false positives and unmatched ground-truth points are false negatives.
package scoring

import (
	"math"

	"github.com/RoaringBitmap/roaring/v2"
	"gonum.org/v1/gonum/spatial/kdtree"

	"merfishdecode/internal/models"
)

// Options controls the matching geometry
type Options struct {
	// Radius is the search radius in physical units
	Radius float64

	// VoxelSize is the (z, y, x) size of one pixel. Call centroids are
	// multiplied by it before matching; ground truth is taken as already
	// physical. Zero entries are treated as 1.
	VoxelSize [3]float64
}

// Pair links a call to the ground-truth point it matched
type Pair struct {
	Call     int
	Truth    int
	Distance float64
}

// Result holds the detection counts and derived scores
type Result struct {
	TruePositives  int     `json:"truePositives"`
	FalsePositives int     `json:"falsePositives"`
	FalseNegatives int     `json:"falseNegatives"`
	Precision      float64 `json:"precision"`
	Recall         float64 `json:"recall"`
	F1             float64 `json:"f1"`
	Pairs          []Pair  `json:"-"`
}

// Point is a ground-truth location in the search tree
type Point struct {
	Z, Y, X float64
	Index   int
}

// Compare implements the kdtree.Comparable interface
func (p Point) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(Point)
	switch d {
	case 0:
		return p.Z - q.Z
	case 1:
		return p.Y - q.Y
	case 2:
		return p.X - q.X
	default:
		panic("illegal dimension")
	}
}

// Dims returns the number of dimensions for the KD-tree
func (p Point) Dims() int { return 3 }

// Distance returns the squared Euclidean distance between two points
func (p Point) Distance(c kdtree.Comparable) float64 {
	q := c.(Point)
	dz := p.Z - q.Z
	dy := p.Y - q.Y
	dx := p.X - q.X
	return dz*dz + dy*dy + dx*dx
}

// Points is a collection of Point that satisfies kdtree.Interface
type Points []Point

func (p Points) Index(i int) kdtree.Comparable         { return p[i] }
func (p Points) Len() int                              { return len(p) }
func (p Points) Slice(start, end int) kdtree.Interface { return p[start:end] }

// Pivot implements the kdtree.Interface method
func (p Points) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(pointPlane{Points: p, Dim: d}, kdtree.MedianOfMedians(pointPlane{Points: p, Dim: d}))
}

// pointPlane implements sort.Interface and kdtree.SortSlicer for Points
type pointPlane struct {
	Points
	kdtree.Dim
}

func (p pointPlane) Less(i, j int) bool {
	return p.Points[i].Compare(p.Points[j], p.Dim) < 0
}

func (p pointPlane) Slice(start, end int) kdtree.SortSlicer {
	return pointPlane{Points: p.Points[start:end], Dim: p.Dim}
}

func (p pointPlane) Swap(i, j int) {
	p.Points[i], p.Points[j] = p.Points[j], p.Points[i]
}

// Score matches calls to ground truth in call order
func Score(calls []models.MoleculeCall, truth []models.GroundTruthPoint, opts Options) Result {
	var res Result
	if len(truth) == 0 {
		res.FalsePositives = len(calls)
		return res.finish()
	}

	voxel := opts.VoxelSize
	for i := range voxel {
		if voxel[i] == 0 {
			voxel[i] = 1
		}
	}

	points := make(Points, len(truth))
	for i, gt := range truth {
		points[i] = Point{Z: gt.Z, Y: gt.Y, X: gt.X, Index: i}
	}
	tree := kdtree.New(points, false)

	matched := roaring.New()
	r2 := opts.Radius * opts.Radius

	for ci, call := range calls {
		q := Point{Z: call.Z * voxel[0], Y: call.Y * voxel[1], X: call.X * voxel[2]}
		keeper := kdtree.NewDistKeeper(r2)
		tree.NearestSet(keeper, q)

		best, bestDist := -1, math.Inf(1)
		for _, cd := range keeper.Heap {
			if cd.Comparable == nil {
				continue
			}
			p := cd.Comparable.(Point)
			if matched.Contains(uint32(p.Index)) || truth[p.Index].Gene != call.Gene {
				continue
			}
			if cd.Dist < bestDist || (cd.Dist == bestDist && p.Index < best) {
				best, bestDist = p.Index, cd.Dist
			}
		}

		if best < 0 {
			res.FalsePositives++
			continue
		}
		matched.Add(uint32(best))
		res.TruePositives++
		res.Pairs = append(res.Pairs, Pair{Call: ci, Truth: best, Distance: math.Sqrt(bestDist)})
	}

	res.FalseNegatives = len(truth) - int(matched.GetCardinality())
	return res.finish()
}

func (r Result) finish() Result {
	if n := r.TruePositives + r.FalsePositives; n > 0 {
		r.Precision = float64(r.TruePositives) / float64(n)
	}
	if n := r.TruePositives + r.FalseNegatives; n > 0 {
		r.Recall = float64(r.TruePositives) / float64(n)
	}
	if s := r.Precision + r.Recall; s > 0 {
		r.F1 = 2 * r.Precision * r.Recall / s
	}
	return r
}
