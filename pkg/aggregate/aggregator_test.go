package aggregate

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"merfishdecode/internal/models"
	"merfishdecode/pkg/config"
)

var testGenes = []string{"a", "b", "c"}

// parseGrid builds a single-plane call grid from rows where '.' is
// background and letters are gene indices ('a' = 0); every called pixel has
// confidence 1 and magnitude 1
func parseGrid(rows ...string) ([]models.PixelCall, Grid) {
	g := Grid{Depth: 1, Height: len(rows), Width: len(rows[0])}
	calls := make([]models.PixelCall, 0, g.Len())
	for _, row := range rows {
		for _, c := range row {
			if c == '.' {
				calls = append(calls, models.BackgroundCall(0, false))
				continue
			}
			calls = append(calls, models.PixelCall{Gene: int(c - 'a'), Confidence: 1, Magnitude: 1})
		}
	}
	return calls, g
}

func params() config.Aggregate {
	p := config.DefaultConfig().Aggregate
	p.MinArea = 1
	p.MaxArea = 0
	p.MinConfidence = 0
	return p
}

func run(t *testing.T, p config.Aggregate, calls []models.PixelCall, g Grid) ([]models.MoleculeCall, Stats) {
	t.Helper()
	agg, err := New(p, testGenes)
	require.NoError(t, err)
	out, stats, err := agg.Aggregate(context.Background(), calls, g)
	require.NoError(t, err)
	return out, stats
}

func TestEmptyGridYieldsNoCalls(t *testing.T) {
	out, stats := run(t, params(), nil, Grid{Depth: 1})
	assert.Empty(t, out)
	assert.Zero(t, stats.Regions)

	calls, g := parseGrid("....", "....")
	out, stats = run(t, params(), calls, g)
	assert.Empty(t, out)
	assert.Zero(t, stats.Regions)
}

func TestAreaBoundaries(t *testing.T) {
	p := params()
	p.MinArea = 4
	p.MaxArea = 6

	testCases := []struct {
		area  int
		kept  bool
		small int
		large int
	}{
		{3, false, 1, 0},
		{4, true, 0, 0},
		{6, true, 0, 0},
		{7, false, 0, 1},
	}

	for _, tc := range testCases {
		row := strings.Repeat("a", tc.area) + strings.Repeat(".", 10-tc.area)
		calls, g := parseGrid(row)
		out, stats := run(t, p, calls, g)
		if tc.kept {
			require.Len(t, out, 1, "area %d", tc.area)
			assert.Equal(t, tc.area, out[0].Area)
		} else {
			assert.Empty(t, out, "area %d", tc.area)
		}
		assert.Equal(t, tc.small, stats.RejectedSmall, "area %d", tc.area)
		assert.Equal(t, tc.large, stats.RejectedLarge, "area %d", tc.area)
	}
}

func TestOversizedRegionIsRejectedNotSplit(t *testing.T) {
	p := params()
	p.MaxArea = 5
	calls, g := parseGrid(
		"aaaa",
		"aaaa",
		"aaaa",
	)
	out, stats := run(t, p, calls, g)
	assert.Empty(t, out)
	assert.Equal(t, 1, stats.Regions)
	assert.Equal(t, 1, stats.RejectedLarge)
}

func TestConnectivity(t *testing.T) {
	calls, g := parseGrid(
		"a..",
		".a.",
		"..a",
	)

	p := params()
	p.Connectivity = 8
	out, _ := run(t, p, calls, g)
	require.Len(t, out, 1)
	assert.Equal(t, 3, out[0].Area)
	assert.InDelta(t, 1.0, out[0].Y, 1e-12)
	assert.InDelta(t, 1.0, out[0].X, 1e-12)

	p.Connectivity = 4
	out, _ = run(t, p, calls, g)
	assert.Len(t, out, 3)
}

func TestDifferentGenesStaySeparate(t *testing.T) {
	calls, g := parseGrid(
		"aabb",
		"aabb",
	)
	out, _ := run(t, params(), calls, g)
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].Gene)
	assert.Equal(t, "b", out[1].Gene)
	assert.Equal(t, []int{0, 1, 4, 5}, out[0].Pixels)
	assert.Equal(t, []int{2, 3, 6, 7}, out[1].Pixels)
}

func TestVolumetricConnectivity(t *testing.T) {
	g := Grid{Depth: 2, Height: 2, Width: 2}
	calls := make([]models.PixelCall, g.Len())
	for i := range calls {
		calls[i] = models.BackgroundCall(0, false)
	}
	hit := models.PixelCall{Gene: 0, Confidence: 1, Magnitude: 1}
	calls[g.Index(0, 0, 0)] = hit
	calls[g.Index(1, 0, 0)] = hit
	calls[g.Index(1, 1, 1)] = hit

	p := params()
	p.Connectivity = 4
	out, _ := run(t, p, calls, g)
	require.Len(t, out, 2)
	assert.Equal(t, 2, out[0].Area)
	assert.InDelta(t, 0.5, out[0].Z, 1e-12)

	p.Connectivity = 8
	out, _ = run(t, p, calls, g)
	require.Len(t, out, 1)
	assert.Equal(t, 3, out[0].Area)
}

func TestConfidenceModes(t *testing.T) {
	calls, g := parseGrid("aa")
	calls[0].Confidence = 0.2
	calls[1].Confidence = 0.6

	p := params()
	p.MinConfidence = 0.5
	p.ConfidenceMode = config.ConfidenceMean
	out, stats := run(t, p, calls, g)
	assert.Empty(t, out)
	assert.Equal(t, 1, stats.RejectedConfidence)

	p.ConfidenceMode = config.ConfidenceMax
	out, _ = run(t, p, calls, g)
	require.Len(t, out, 1)
	assert.InDelta(t, 0.6, out[0].Confidence, 1e-12)
}

func TestCentroidModes(t *testing.T) {
	calls, g := parseGrid("aa")
	calls[0].Magnitude = 1
	calls[1].Magnitude = 3

	p := params()
	p.CentroidMode = config.CentroidUniform
	out, _ := run(t, p, calls, g)
	require.Len(t, out, 1)
	assert.InDelta(t, 0.5, out[0].X, 1e-12)
	assert.InDelta(t, 2.0, out[0].MeanMagnitude, 1e-12)

	p.CentroidMode = config.CentroidWeighted
	out, _ = run(t, p, calls, g)
	require.Len(t, out, 1)
	assert.InDelta(t, 0.75, out[0].X, 1e-12)
}

func TestElongationFilter(t *testing.T) {
	calls, g := parseGrid(
		"aaa.bbbbbbbb",
		"aaa.........",
		"aaa.........",
	)
	p := params()
	p.MaxElongation = 3
	out, stats := run(t, p, calls, g)
	require.Len(t, out, 1)
	assert.Equal(t, "a", out[0].Gene)
	assert.Equal(t, 1, stats.RejectedShape)
}

func TestElongation(t *testing.T) {
	assert.Equal(t, 1.0, Elongation(nil, []float64{0}, []float64{0}, false))

	zs := make([]float64, 9)
	var ys, xs []float64
	for y := 0; y < 3; y++ {
		for x := 0; x < 3; x++ {
			ys = append(ys, float64(y))
			xs = append(xs, float64(x))
		}
	}
	assert.InDelta(t, 1.0, Elongation(zs, ys, xs, false), 1e-9)

	line := []float64{0, 1, 2, 3, 4, 5, 6, 7}
	zero := make([]float64, 8)
	// variance 6 along x plus the 1/12 pixel extent on both axes
	want := math.Sqrt((6 + 1.0/12) / (1.0 / 12))
	assert.InDelta(t, want, Elongation(zero, zero, line, false), 1e-9)
}

func TestOutputOrder(t *testing.T) {
	calls, g := parseGrid(
		"....b",
		"c....",
		"...a.",
	)
	out, _ := run(t, params(), calls, g)
	require.Len(t, out, 3)
	assert.Equal(t, []string{"b", "c", "a"}, []string{out[0].Gene, out[1].Gene, out[2].Gene})
}

func TestGridMismatch(t *testing.T) {
	calls, _ := parseGrid("aa")
	agg, err := New(params(), testGenes)
	require.NoError(t, err)
	_, _, err = agg.Aggregate(context.Background(), calls, Grid{Depth: 1, Height: 2, Width: 2})
	var shapeErr *models.InputShapeError
	assert.True(t, errors.As(err, &shapeErr))
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	p := params()
	p.Connectivity = 6
	_, err := New(p, testGenes)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

// randomGrid scatters calls of three genes with the given density
func randomGrid(seed int64, g Grid, density float64) []models.PixelCall {
	rng := rand.New(rand.NewSource(seed))
	calls := make([]models.PixelCall, g.Len())
	for i := range calls {
		if rng.Float64() >= density {
			calls[i] = models.BackgroundCall(rng.Float64(), false)
			continue
		}
		calls[i] = models.PixelCall{
			Gene:       rng.Intn(3),
			Confidence: rng.Float64(),
			Magnitude:  0.5 + rng.Float64(),
		}
	}
	return calls
}

func TestTiledLabelingMatchesSinglePass(t *testing.T) {
	grids := []Grid{
		{Depth: 1, Height: 17, Width: 23},
		{Depth: 3, Height: 11, Width: 9},
	}
	for gi, g := range grids {
		calls := randomGrid(int64(gi+1), g, 0.55)
		for _, conn := range []int{4, 8} {
			p := params()
			p.Connectivity = conn

			single, err := New(p, testGenes)
			require.NoError(t, err)
			want, err := single.Label(context.Background(), calls, g)
			require.NoError(t, err)

			for _, tile := range []int{1, 3, 4, 8} {
				p.TileSize = tile
				tiled, err := New(p, testGenes)
				require.NoError(t, err)
				got, err := tiled.Label(context.Background(), calls, g)
				require.NoError(t, err)
				assert.Equal(t, want, got, "grid %d connectivity %d tile %d", gi, conn, tile)
			}
		}
	}
}

func TestTiledLabelingHonoursCancellation(t *testing.T) {
	g := Grid{Depth: 1, Height: 16, Width: 16}
	calls := randomGrid(7, g, 0.5)
	p := params()
	p.TileSize = 4
	agg, err := New(p, testGenes)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = agg.Aggregate(ctx, calls, g)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRegionMaskIsIdempotent(t *testing.T) {
	g := Grid{Depth: 1, Height: 20, Width: 20}
	calls := randomGrid(3, g, 0.5)

	p := params()
	p.MinArea = 2
	p.MaxArea = 40
	p.MinConfidence = 0.3
	p.CentroidMode = config.CentroidUniform

	first, _ := run(t, p, calls, g)
	require.NotEmpty(t, first)

	second, stats := run(t, p, RegionMask(first, g), g)
	assert.Zero(t, stats.Rejected())
	require.Len(t, second, len(first))
	for i := range first {
		assert.Equal(t, first[i].GeneIndex, second[i].GeneIndex)
		assert.Equal(t, first[i].Pixels, second[i].Pixels)
		assert.Equal(t, first[i].Z, second[i].Z)
		assert.Equal(t, first[i].Y, second[i].Y)
		assert.Equal(t, first[i].X, second[i].X)
		assert.InDelta(t, first[i].Confidence, second[i].Confidence, 1e-12)
	}
}

// blankCalls builds single-pixel calls with the given confidences from a
// row parsed against genes {a, b, Blank1}
func blankCalls(row string, confidences map[int]float64) ([]models.PixelCall, Grid) {
	calls, g := parseGrid(row)
	for idx, c := range confidences {
		calls[idx].Confidence = c
	}
	return calls, g
}

func TestFDRFilterUsesBlankCodewords(t *testing.T) {
	genes := []string{"a", "b", "Blank1"}
	calls, g := blankCalls("a.b.a.c.a.b", map[int]float64{
		0: 0.9, 2: 0.8, 4: 0.7, 6: 0.6, 8: 0.5, 10: 0.4,
	})

	tests := []struct {
		name      string
		target    float64
		threshold float64
		kept      int
		rejected  int
	}{
		{"strict target stops above the blank", 0.3, 0.7, 3, 2},
		{"loose target admits every coding call", 0.45, 0.4, 5, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := params()
			p.FDRTarget = tt.target
			agg, err := New(p, genes)
			require.NoError(t, err)
			out, stats, err := agg.Aggregate(context.Background(), calls, g)
			require.NoError(t, err)

			assert.InDelta(t, tt.threshold, stats.FDRThreshold, 1e-12)
			assert.Len(t, out, tt.kept)
			assert.Equal(t, tt.kept, stats.Accepted)
			assert.Equal(t, tt.rejected, stats.RejectedFDR)
			assert.Equal(t, 1, stats.RejectedBlank)
			assert.Equal(t, stats.Regions, stats.Accepted+stats.Rejected())
			for _, m := range out {
				assert.NotEqual(t, "Blank1", m.Gene)
				assert.GreaterOrEqual(t, m.Confidence, tt.threshold)
			}
		})
	}
}

func TestFDRFilterDisabledKeepsBlankCalls(t *testing.T) {
	calls, g := blankCalls("a.c", nil)
	agg, err := New(params(), []string{"a", "b", "Blank1"})
	require.NoError(t, err)
	out, stats, err := agg.Aggregate(context.Background(), calls, g)
	require.NoError(t, err)
	assert.Len(t, out, 2)
	assert.Zero(t, stats.RejectedBlank)
}

func TestFDRThreshold(t *testing.T) {
	blank := []bool{false, false, true}
	call := func(gene int, conf float64) models.MoleculeCall {
		return models.MoleculeCall{GeneIndex: gene, Confidence: conf}
	}

	t.Run("no blank codewords", func(t *testing.T) {
		got := FDRThreshold([]models.MoleculeCall{call(0, 0.5)}, []bool{false, false}, 0.1)
		assert.Zero(t, got)
	})
	t.Run("unreachable target", func(t *testing.T) {
		got := FDRThreshold([]models.MoleculeCall{call(2, 0.9), call(0, 0.8)}, blank, 0.1)
		assert.True(t, math.IsInf(got, 1))
	})
	t.Run("ties are evaluated together", func(t *testing.T) {
		// the 0.8 group holds one blank and three coding calls: fdr = 1 * 2 / 3
		molecules := []models.MoleculeCall{call(0, 0.9), call(2, 0.8), call(0, 0.8), call(1, 0.8)}
		assert.InDelta(t, 0.9, FDRThreshold(molecules, blank, 0.5), 1e-12)
		assert.InDelta(t, 0.8, FDRThreshold(molecules, blank, 1), 1e-12)
	})
}
