package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"merfishdecode/internal/logging"
	"merfishdecode/internal/models"
	"merfishdecode/internal/progress"
	"merfishdecode/pkg/config"
	"merfishdecode/pkg/decoder"
	"merfishdecode/pkg/scoring"
	"merfishdecode/pkg/stackio"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "merfishdecode.yaml", "Path to the YAML configuration file")
	createConfig := flag.Bool("create-config", false, "Write a default configuration file to -config and exit")
	stackPath := flag.String("stack", "", "Image stack: a .json[.zst|.lz4] file or a directory of r<round>c<channel> planes")
	codebookPath := flag.String("codebook", "", "Codebook CSV (gene,barcode)")
	truthPath := flag.String("truth", "", "Optional ground truth CSV (gene,z,y,x) to score against")
	outPath := flag.String("out", "calls.csv", "Output CSV for molecule calls")
	scoreOut := flag.String("score-out", "", "Optional JSON file for the score against ground truth")
	sweepConf := flag.String("sweep-conf", "", "Comma-separated pixel confidence thresholds to sweep")
	sweepMag := flag.String("sweep-mag", "", "Comma-separated pixel magnitude thresholds to sweep")
	sweepFDR := flag.String("sweep-fdr", "", "Comma-separated FDR targets to sweep")
	sweepOut := flag.String("sweep-out", "sweep.json", "Output JSON for sweep results")
	normOut := flag.String("normalization-out", "", "Optional JSON file for the refined normalization vectors")
	workers := flag.Int("workers", 0, "Number of decode goroutines (default: from config)")
	verbose := flag.Bool("verbose", false, "Enable info-level logging (overrides the config when given)")
	showProgress := flag.Bool("progress", false, "Show a progress bar (overrides the config when given)")
	flag.Parse()

	if *createConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to create config: %v", err)
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return
	}

	// Validate inputs
	if *stackPath == "" || *codebookPath == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *workers > 0 {
		cfg.Processing.NumWorkers = *workers
	}
	applyOutputFlags(flag.CommandLine, cfg, *verbose, *showProgress)

	logger := logging.ForVerbosity(cfg.Output.Verbose)

	cb, err := stackio.LoadCodebook(*codebookPath, cfg.Codebook.Tolerance)
	if err != nil {
		log.Fatalf("Failed to load codebook: %v", err)
	}
	stack, err := stackio.LoadStack(*stackPath, cfg.Stack.Rounds, cfg.Stack.Channels)
	if err != nil {
		log.Fatalf("Failed to load image stack: %v", err)
	}
	logger.Info("inputs loaded",
		"genes", cb.Len(),
		"bits", cb.NumBits(),
		"min_distance", cb.MinDistance(),
		"rounds", stack.Rounds,
		"channels", stack.Channels,
		"depth", stack.Depth,
		"height", stack.Height,
		"width", stack.Width,
	)

	var truth []models.GroundTruthPoint
	if *truthPath != "" {
		truth, err = stackio.LoadGroundTruth(*truthPath)
		if err != nil {
			log.Fatalf("Failed to load ground truth: %v", err)
		}
	}

	dec, err := decoder.New(cb, cfg,
		decoder.WithLogger(logger),
		decoder.WithProgress(progress.New(cfg.Output.Progress && progress.DefaultEnabled(), "decoding")),
	)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if *sweepConf != "" || *sweepMag != "" || *sweepFDR != "" {
		runSweep(ctx, dec, stack, truth, *sweepConf, *sweepMag, *sweepFDR, *sweepOut)
		return
	}

	startTime := time.Now()
	res, err := dec.Decode(ctx, stack)
	if err != nil {
		log.Fatalf("Decoding failed: %v", err)
	}
	for _, w := range res.Warnings {
		log.Printf("Warning: %v", w)
	}
	if res.Normalization != nil && *normOut != "" {
		if err := stackio.SaveJSON(*normOut, res.Normalization); err != nil {
			log.Fatalf("Failed to save normalization: %v", err)
		}
		fmt.Printf("Normalization refined over %d passes, saved to: %s\n", res.Normalization.Iterations, *normOut)
	}

	if err := stackio.SaveCalls(*outPath, res.Molecules); err != nil {
		log.Fatalf("Failed to save calls: %v", err)
	}

	fmt.Printf("Decoded %d pixels in %.2f seconds\n", res.Stats.Pixels, time.Since(startTime).Seconds())
	fmt.Printf("- Pixels called: %d (%d below the signal floor)\n", res.Stats.Called, res.Stats.LowSignal)
	fmt.Printf("- Regions: %d, accepted %d, rejected %d (small %d, large %d, confidence %d, shape %d)\n",
		res.Stats.Regions.Regions, res.Stats.Regions.Accepted, res.Stats.Regions.Rejected(),
		res.Stats.Regions.RejectedSmall, res.Stats.Regions.RejectedLarge,
		res.Stats.Regions.RejectedConfidence, res.Stats.Regions.RejectedShape)
	if cfg.Aggregate.FDRTarget > 0 {
		fmt.Printf("- FDR target %.3f: confidence threshold %.4f, rejected %d below it and %d blank\n",
			cfg.Aggregate.FDRTarget, res.Stats.Regions.FDRThreshold,
			res.Stats.Regions.RejectedFDR, res.Stats.Regions.RejectedBlank)
	}
	fmt.Printf("Molecule calls saved to: %s\n", *outPath)

	if truth == nil {
		return
	}
	score := scoring.Score(res.Molecules, truth, scoring.Options{
		Radius:    cfg.Scoring.Radius,
		VoxelSize: cfg.Scoring.VoxelSize,
	})
	fmt.Printf("\nScore against %d ground truth points (radius %.2f):\n", len(truth), cfg.Scoring.Radius)
	fmt.Printf("- True positives: %d, false positives: %d, false negatives: %d\n",
		score.TruePositives, score.FalsePositives, score.FalseNegatives)
	fmt.Printf("- Precision: %.4f, recall: %.4f, F1: %.4f\n", score.Precision, score.Recall, score.F1)
	if *scoreOut != "" {
		if err := stackio.SaveJSON(*scoreOut, score); err != nil {
			log.Fatalf("Failed to save score: %v", err)
		}
	}
}

// runSweep evaluates every threshold combination against ground truth
func runSweep(ctx context.Context, dec *decoder.Decoder, stack *models.ImageStack, truth []models.GroundTruthPoint, confs, mags, fdrs, out string) {
	if truth == nil {
		log.Fatalf("A sweep requires -truth")
	}
	grid := decoder.SweepGrid{}
	var err error
	if grid.MinConfidence, err = parseList(confs); err != nil {
		log.Fatalf("Invalid -sweep-conf: %v", err)
	}
	if grid.MinMagnitude, err = parseList(mags); err != nil {
		log.Fatalf("Invalid -sweep-mag: %v", err)
	}
	if grid.FDRTarget, err = parseList(fdrs); err != nil {
		log.Fatalf("Invalid -sweep-fdr: %v", err)
	}

	points, err := dec.Sweep(ctx, stack, grid, truth)
	if err != nil {
		log.Fatalf("Sweep failed: %v", err)
	}
	if err := stackio.SaveJSON(out, points); err != nil {
		log.Fatalf("Failed to save sweep: %v", err)
	}

	best := 0
	for i, p := range points {
		fmt.Printf("confidence %.3f magnitude %.3f fdr %.3f: %d molecules, F1 %.4f\n",
			p.MinConfidence, p.MinMagnitude, p.FDRTarget, p.Molecules, p.Score.F1)
		if p.Score.F1 > points[best].Score.F1 {
			best = i
		}
	}
	if len(points) > 0 {
		fmt.Printf("Best: confidence %.3f magnitude %.3f fdr %.3f (F1 %.4f)\n",
			points[best].MinConfidence, points[best].MinMagnitude, points[best].FDRTarget, points[best].Score.F1)
	}
	fmt.Printf("Sweep results saved to: %s\n", out)
}

// applyOutputFlags copies -verbose and -progress into cfg when they were
// given on the command line, in either direction
func applyOutputFlags(fs *flag.FlagSet, cfg *config.Config, verbose, showProgress bool) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "verbose":
			cfg.Output.Verbose = verbose
		case "progress":
			cfg.Output.Progress = showProgress
		}
	})
}

func parseList(s string) ([]float64, error) {
	if s == "" {
		return nil, nil
	}
	var out []float64
	for _, f := range strings.Split(s, ",") {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
