package decoder

import (
	"context"

	"merfishdecode/internal/models"
	"merfishdecode/pkg/aggregate"
	"merfishdecode/pkg/matcher"
	"merfishdecode/pkg/scoring"
)

// SweepGrid lists the pixel thresholds and FDR targets to evaluate. An
// empty list uses the decoder's configured value.
type SweepGrid struct {
	MinConfidence []float64 `json:"minConfidence"`
	MinMagnitude  []float64 `json:"minMagnitude"`
	FDRTarget     []float64 `json:"fdrTarget"`
}

// SweepPoint is the outcome of one threshold combination
type SweepPoint struct {
	MinConfidence float64        `json:"minConfidence"`
	MinMagnitude  float64        `json:"minMagnitude"`
	FDRTarget     float64        `json:"fdrTarget"`
	Molecules     int            `json:"molecules"`
	Score         scoring.Result `json:"score"`
}

// Sweep scores every (minimum confidence, minimum magnitude, FDR target)
// combination against ground truth. Pixels are vectorized and matched once with both
// thresholds at zero; each point then re-labels the pixels that fall below
// its thresholds as background and aggregates again, which gives the same
// calls as a full decode with those thresholds.
func (d *Decoder) Sweep(ctx context.Context, stack *models.ImageStack, grid SweepGrid, truth []models.GroundTruthPoint) ([]SweepPoint, error) {
	if err := d.checkShape(stack); err != nil {
		return nil, err
	}

	confs := grid.MinConfidence
	if len(confs) == 0 {
		confs = []float64{d.cfg.Match.MinConfidence}
	}
	mags := grid.MinMagnitude
	if len(mags) == 0 {
		mags = []float64{d.cfg.Match.MinMagnitude}
	}

	fdrs := grid.FDRTarget
	if len(fdrs) == 0 {
		fdrs = []float64{d.cfg.Aggregate.FDRTarget}
	}

	// validate every point before any decoding work
	for _, c := range confs {
		for _, m := range mags {
			p := d.cfg.Match
			p.MinConfidence, p.MinMagnitude = c, m
			if err := p.Validate(); err != nil {
				return nil, err
			}
		}
	}
	aggs := make([]*aggregate.Aggregator, len(fdrs))
	for i, f := range fdrs {
		p := d.cfg.Aggregate
		p.FDRTarget = f
		agg, err := aggregate.New(p, d.cb.Genes())
		if err != nil {
			return nil, err
		}
		aggs[i] = agg
	}

	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	open := d.cfg.Match
	open.MinConfidence, open.MinMagnitude = 0, 0
	m, err := matcher.New(d.cb, open)
	if err != nil {
		return nil, err
	}
	vec, _, err := d.refine(ctx, stack, d.cfg.Vectorize.NormalizationIterations)
	if err != nil {
		return nil, err
	}
	base, err := d.decodePixels(ctx, stack, vec, m)
	if err != nil {
		return nil, err
	}

	opts := scoring.Options{Radius: d.cfg.Scoring.Radius, VoxelSize: d.cfg.Scoring.VoxelSize}
	filtered := make([]models.PixelCall, len(base.Pixels))
	out := make([]SweepPoint, 0, len(confs)*len(mags)*len(fdrs))
	for _, c := range confs {
		for _, mag := range mags {
			for i, pc := range base.Pixels {
				if !pc.IsBackground() && (pc.Confidence < c || pc.Magnitude < mag) {
					pc = models.BackgroundCall(pc.Magnitude, pc.LowSignal)
				}
				filtered[i] = pc
			}

			for i, agg := range aggs {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				molecules, _, err := agg.Aggregate(ctx, filtered, base.Grid)
				if err != nil {
					return nil, err
				}
				point := SweepPoint{
					MinConfidence: c,
					MinMagnitude:  mag,
					FDRTarget:     fdrs[i],
					Molecules:     len(molecules),
					Score:         scoring.Score(molecules, truth, opts),
				}
				d.log.InfoContext(ctx, "sweep point",
					"min_confidence", c,
					"min_magnitude", mag,
					"fdr_target", fdrs[i],
					"molecules", point.Molecules,
					"f1", point.Score.F1,
				)
				out = append(out, point)
			}
		}
	}
	return out, nil
}
