// Package decoder runs the full pixel-based decoding pipeline: vectorize
// every pixel, match it against the codebook, and aggregate the pixel calls
// into molecule calls.
//
// Pixels are processed in fixed-size chunks by a bounded pool of
// goroutines. Each pixel is written by exactly one chunk and aggregation
// runs on the complete grid, so the output does not depend on scheduling.
// Cancellation is observed between chunks.
package decoder

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"golang.org/x/sync/errgroup"

	"merfishdecode/internal/logging"
	"merfishdecode/internal/models"
	"merfishdecode/internal/progress"
	"merfishdecode/pkg/aggregate"
	"merfishdecode/pkg/codebook"
	"merfishdecode/pkg/config"
	"merfishdecode/pkg/matcher"
	"merfishdecode/pkg/vectorize"
)

// Stats summarises one decode
type Stats struct {
	// Pixels is the number of spatial pixels decoded
	Pixels int

	// Called is the number of pixels assigned a gene
	Called int

	// LowSignal is the number of pixels excluded for low signal
	LowSignal int

	// Chunks is the number of work units processed
	Chunks int

	// Regions counts connected regions by outcome
	Regions aggregate.Stats

	Elapsed time.Duration
}

// Result is the output of a decode
type Result struct {
	Grid aggregate.Grid

	// Pixels holds one call per spatial pixel in flat index order
	Pixels []models.PixelCall

	// Molecules are the accepted molecule calls sorted by (z, y, x, gene)
	Molecules []models.MoleculeCall

	// LowSignal holds the indices of pixels excluded for low signal
	LowSignal *roaring.Bitmap

	// Warnings holds non-fatal conditions such as *models.LowSignalWarning
	Warnings []error

	// Normalization holds the refined per-plane vectors when the decode
	// refined them, and is nil otherwise
	Normalization *Normalization

	Stats Stats
}

// Option configures a Decoder
type Option func(*Decoder)

// WithLogger sets the logger. The default discards all output.
func WithLogger(l *logging.Logger) Option {
	return func(d *Decoder) { d.log = l }
}

// WithProgress sets a reporter that is advanced once per chunk
func WithProgress(p progress.Reporter) Option {
	return func(d *Decoder) { d.progress = p }
}

// Decoder decodes image stacks against one codebook. It holds no per-decode
// state and may be reused, including concurrently; concurrent decodes share
// the progress reporter.
type Decoder struct {
	cb       *codebook.Codebook
	cfg      *config.Config
	matcher  *matcher.Matcher
	agg      *aggregate.Aggregator
	log      *logging.Logger
	progress progress.Reporter
}

// New validates the configuration and prepares a decoder. No decoding work
// starts before every parameter has been checked.
func New(cb *codebook.Codebook, cfg *config.Config, opts ...Option) (*Decoder, error) {
	if cb == nil {
		return nil, fmt.Errorf("%w: codebook is required", config.ErrInvalidConfig)
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
		cfg.Codebook.Tolerance = cb.Tolerance()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Codebook.Tolerance != cb.Tolerance() {
		return nil, fmt.Errorf("%w: codebook tolerance is %d but configuration sets %d",
			config.ErrInvalidConfig, cb.Tolerance(), cfg.Codebook.Tolerance)
	}

	m, err := matcher.New(cb, cfg.Match)
	if err != nil {
		return nil, err
	}
	agg, err := aggregate.New(cfg.Aggregate, cb.Genes())
	if err != nil {
		return nil, err
	}

	d := &Decoder{
		cb:      cb,
		cfg:     cfg,
		matcher: m,
		agg:     agg,
		log:     logging.Noop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Codebook returns the decoder's codebook
func (d *Decoder) Codebook() *codebook.Codebook { return d.cb }

// Config returns the decoder's configuration
func (d *Decoder) Config() *config.Config { return d.cfg }

// checkShape rejects stacks whose layout disagrees with the codebook or the
// declared acquisition layout
func (d *Decoder) checkShape(stack *models.ImageStack) error {
	if err := stack.Validate(); err != nil {
		return err
	}
	if stack.NumBits() != d.cb.NumBits() {
		return &models.InputShapeError{
			Expected: d.cb.NumBits(),
			Got:      stack.NumBits(),
			Detail:   fmt.Sprintf("stack has %d rounds x %d channels but barcodes have %d bits", stack.Rounds, stack.Channels, d.cb.NumBits()),
		}
	}
	if r := d.cfg.Stack.Rounds; r > 0 && r != stack.Rounds {
		return &models.InputShapeError{Expected: r, Got: stack.Rounds, Detail: "round count differs from configuration"}
	}
	if c := d.cfg.Stack.Channels; c > 0 && c != stack.Channels {
		return &models.InputShapeError{Expected: c, Got: stack.Channels, Detail: "channel count differs from configuration"}
	}
	return nil
}

// Decode runs the pipeline on a stack. The stack is only read.
func (d *Decoder) Decode(ctx context.Context, stack *models.ImageStack) (*Result, error) {
	start := time.Now()
	if err := d.checkShape(stack); err != nil {
		return nil, err
	}

	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	vec, norm, err := d.refine(ctx, stack, d.cfg.Vectorize.NormalizationIterations)
	if err != nil {
		return nil, err
	}
	res, err := d.decodePixels(ctx, stack, vec, d.matcher)
	if err != nil {
		return nil, err
	}
	res.Normalization = norm

	stageStart := time.Now()
	molecules, regionStats, err := d.agg.Aggregate(ctx, res.Pixels, res.Grid)
	d.log.LogStage(ctx, "aggregate", time.Since(stageStart), err)
	if err != nil {
		return nil, err
	}
	res.Molecules = molecules
	res.Stats.Regions = regionStats
	res.Stats.Elapsed = time.Since(start)

	d.log.LogDecode(ctx, res.Stats.Pixels, res.Stats.Called, len(molecules), regionStats.Rejected(), res.Stats.Elapsed)
	return res, nil
}

// withTimeout bounds ctx by the configured processing timeout
func (d *Decoder) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if t := d.cfg.Processing.TimeoutSeconds; t > 0 {
		return context.WithTimeout(ctx, time.Duration(t*float64(time.Second)))
	}
	return ctx, func() {}
}

// newVectorizer computes the per-plane statistics of stack under cfg
func (d *Decoder) newVectorizer(ctx context.Context, stack *models.ImageStack, cfg config.Vectorize) (*vectorize.Vectorizer, error) {
	stageStart := time.Now()
	vec, err := vectorize.New(stack, cfg)
	d.log.LogStage(ctx, "vectorize", time.Since(stageStart), err)
	return vec, err
}

// decodePixels vectorizes every pixel with vec and matches it with m
func (d *Decoder) decodePixels(ctx context.Context, stack *models.ImageStack, vec *vectorize.Vectorizer, m *matcher.Matcher) (*Result, error) {
	n := stack.NumPixels()
	chunk := d.cfg.Processing.ChunkSize
	if chunk <= 0 {
		chunk = n
	}
	workers := d.cfg.Processing.NumWorkers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	numChunks := (n + chunk - 1) / chunk

	calls := make([]models.PixelCall, n)
	lowByChunk := make([][]uint32, numChunks)

	if d.progress != nil {
		d.progress.Start(numChunks)
		defer d.progress.Finish()
	}

	stageStart := time.Now()
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(workers)
	for c := 0; c < numChunks; c++ {
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			s := vec.NewScratch()
			lo, hi := c*chunk, min((c+1)*chunk, n)
			for idx := lo; idx < hi; idx++ {
				fv := vec.Vector(idx, s)
				calls[idx] = m.MustMatch(fv)
				if fv.LowSignal {
					lowByChunk[c] = append(lowByChunk[c], uint32(idx))
				}
			}
			if d.progress != nil {
				d.progress.Increment()
			}
			return nil
		})
	}
	err := eg.Wait()
	if err == nil {
		err = ctx.Err()
	}
	d.log.LogStage(ctx, "match", time.Since(stageStart), err)
	if err != nil {
		return nil, err
	}

	low := roaring.New()
	for _, idxs := range lowByChunk {
		low.AddMany(idxs)
	}

	res := &Result{
		Grid:      aggregate.Grid{Depth: stack.Depth, Height: stack.Height, Width: stack.Width},
		Pixels:    calls,
		LowSignal: low,
		Stats: Stats{
			Pixels:    n,
			LowSignal: int(low.GetCardinality()),
			Chunks:    numChunks,
		},
	}
	for _, c := range calls {
		if !c.IsBackground() {
			res.Stats.Called++
		}
	}

	if res.Stats.LowSignal > 0 {
		w := &models.LowSignalWarning{
			Pixels:    res.Stats.LowSignal,
			Total:     n,
			Threshold: d.cfg.Vectorize.LowSignalThreshold,
		}
		d.log.LogLowSignal(ctx, w.Pixels, w.Total, w.Threshold)
		res.Warnings = append(res.Warnings, w)
	}
	return res, nil
}
