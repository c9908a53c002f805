package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"

	"slidesampler/internal/logging"
	"slidesampler/internal/models"
	"slidesampler/pkg/config"
	"slidesampler/pkg/pyramid"
	"slidesampler/pkg/sampler"
	"slidesampler/pkg/store"
	"slidesampler/pkg/tissue"
)

// job is one slide to sample, with its optional annotation mask
type job struct {
	slide      string
	annotation string
}

// result summarises one sampled slide
type result struct {
	slideID     string
	description string
	rows        int
	classes     map[models.Class]int
	maskPath    string
	tablePath   string
	runID       string
	elapsed     time.Duration
}

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "slidesampler.yaml", "YAML configuration file")
	initConfig := flag.Bool("init-config", false, "Write the default configuration to -config and exit")
	annotations := flag.String("annotations", "", "Comma-separated annotation masks, in slide order (empty entries for none)")
	maskDir := flag.String("mask-dir", "", "Directory of previously saved mask bundles to reuse")
	outputDir := flag.String("out", "", "Output directory (overrides output.dir)")
	numPatches := flag.Int("n", 0, "Patches per slide (overrides sampling.numPatches)")
	patchSize := flag.Int("size", 0, "Patch size in pixels (overrides sampling.patchSize)")
	downsampling := flag.Float64("downsampling", 0, "Sampling downsampling (overrides sampling.downsampling)")
	numCores := flag.Int("cores", 0, "Slides processed concurrently (overrides processing.numCores)")
	seed := flag.Uint64("seed", 0, "Sampler seed (overrides processing.seed)")
	backend := flag.String("backend", "", "Mask backend, go or opencv (overrides background.backend)")
	catalogPath := flag.String("catalog", "", "SQLite patch catalog (overrides output.catalog)")
	savePatches := flag.Bool("save-patches", false, "Write every accepted patch as an image")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	if *initConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to write default configuration: %v", err)
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return
	}

	slides := flag.Args()
	if len(slides) == 0 {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] slide...\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Explicit flags override the configuration file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "out":
			cfg.Output.Dir = *outputDir
		case "n":
			cfg.Sampling.NumPatches = *numPatches
		case "size":
			cfg.Sampling.PatchSize = *patchSize
		case "downsampling":
			cfg.Sampling.Downsampling = *downsampling
		case "cores":
			cfg.Processing.NumCores = *numCores
		case "seed":
			cfg.Processing.Seed = *seed
		case "backend":
			cfg.Background.Backend = *backend
		case "catalog":
			cfg.Output.Catalog = *catalogPath
		case "save-patches":
			cfg.Output.SavePatches = *savePatches
		case "verbose":
			cfg.Output.Verbose = *verbose
		}
	})
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	jobs, err := makeJobs(slides, *annotations)
	if err != nil {
		log.Fatalf("%v", err)
	}

	closer := logging.Setup(logging.Config{
		Logfile: cfg.Output.LogFile,
		MaxSize: 100,
		MaxAge:  30,
		Verbose: cfg.Output.Verbose,
	})
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var catalog *store.Catalog
	if cfg.Output.Catalog != "" {
		catalog, err = store.OpenCatalog(cfg.Output.Catalog)
		if err != nil {
			log.Fatalf("Failed to open catalog: %v", err)
		}
		defer catalog.Close()
	}

	fmt.Println("================================")
	fmt.Println("WHOLE SLIDE IMAGE PATCH SAMPLER")
	fmt.Println("================================")
	fmt.Printf("Sampling %d patches of %dpx at downsampling %g from %d slide(s) using %d core(s)\n",
		cfg.Sampling.NumPatches, cfg.Sampling.PatchSize, cfg.Sampling.Downsampling, len(jobs), cfg.Processing.NumCores)

	startTime := time.Now()
	results := make([]*result, len(jobs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Processing.NumCores)
	for i, j := range jobs {
		i, j := i, j
		g.Go(func() error {
			r, err := processSlide(gctx, cfg, j, i, *maskDir, catalog)
			if err != nil {
				return fmt.Errorf("%s: %w", j.slide, err)
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if errors.Is(err, sampler.ErrSamplingExhausted) {
			log.Fatalf("Sampling failed, consider lowering sampling.tissueThreshold or raising sampling.maxAttempts: %v", err)
		}
		log.Fatalf("Sampling failed: %v", err)
	}
	processingTime := time.Since(startTime)

	fmt.Printf("\nSampling completed successfully in %.2f seconds!\n\n", processingTime.Seconds())
	total := 0
	for _, r := range results {
		total += r.rows
		fmt.Print(r.description)
		fmt.Printf("  %s patches in %.2fs", humanize.Comma(int64(r.rows)), r.elapsed.Seconds())
		if n, ok := r.classes[models.ClassNone]; !ok || n != r.rows {
			fmt.Printf(" (class 0: %d, class 1: %d)", r.classes[models.ClassBackground], r.classes[models.ClassForeground])
		}
		fmt.Println()
		if r.maskPath != "" {
			fmt.Printf("  mask bundle: %s (%s)\n", r.maskPath, fileSize(r.maskPath))
		}
		fmt.Printf("  patch table: %s (%s)\n", r.tablePath, fileSize(r.tablePath))
		if r.runID != "" {
			fmt.Printf("  catalog run: %s\n", r.runID)
		}
	}
	fmt.Printf("\nTotal: %s patches from %d slide(s)\n", humanize.Comma(int64(total)), len(results))
}

// makeJobs pairs slides with the comma-separated annotation list.
func makeJobs(slides []string, annotations string) ([]job, error) {
	jobs := make([]job, len(slides))
	for i, s := range slides {
		jobs[i].slide = s
	}
	if annotations == "" {
		return jobs, nil
	}
	parts := strings.Split(annotations, ",")
	if len(parts) != len(slides) {
		return nil, fmt.Errorf("got %d annotations for %d slides", len(parts), len(slides))
	}
	for i, a := range parts {
		jobs[i].annotation = strings.TrimSpace(a)
	}
	return jobs, nil
}

// processSlide builds the session of one slide, samples its patch table and
// persists the results.
func processSlide(ctx context.Context, cfg *config.Config, j job, index int, maskDir string, catalog *store.Catalog) (*result, error) {
	start := time.Now()
	slideID := sampler.SlideID(j.slide)
	logger := slog.Default().With("slide", slideID)

	slide, err := pyramid.OpenAny(j.slide, cfg.Pyramid.Factors)
	if err != nil {
		return nil, fmt.Errorf("failed to open slide: %w", err)
	}
	logger.Info("opened slide", "geometry", pyramid.Describe(slide))

	segmenter, err := tissue.NewSegmenter(cfg.Background.Backend, cfg.Background.DiskRadius)
	if err != nil {
		return nil, err
	}

	params := sampler.DefaultParams()
	params.Parent = j.slide
	params.Downsampling = cfg.Sampling.Downsampling
	params.LevelTolerance = cfg.Sampling.LevelTolerance
	params.PatchSize = cfg.Sampling.PatchSize
	params.TissueThreshold = cfg.Sampling.TissueThreshold
	params.ClassLow = cfg.Sampling.ClassLow
	params.ClassHigh = cfg.Sampling.ClassHigh
	params.MaxAttempts = cfg.Sampling.MaxAttempts
	params.BackgroundDownsampling = cfg.Background.Downsampling
	params.BackgroundTolerance = cfg.Background.Tolerance

	opts := []sampler.Option{sampler.WithSegmenter(segmenter), sampler.WithLogger(logger)}
	reused := false
	if maskDir != "" {
		path := store.MaskBundlePath(maskDir, slideID)
		if _, err := os.Stat(path); err == nil {
			mask, err := store.LoadMask(path)
			if err != nil {
				return nil, err
			}
			logger.Info("reusing background mask", "path", path)
			opts = append(opts, sampler.WithMask(mask))
			reused = true
		}
	}

	session, err := sampler.NewSession(slide, params, opts...)
	if err != nil {
		return nil, err
	}

	if j.annotation != "" {
		encoding, err := models.ParseEncoding(cfg.Sampling.AnnotationEncoding)
		if err != nil {
			return nil, err
		}
		annot, err := pyramid.OpenAny(j.annotation, cfg.Pyramid.Factors, pyramid.WithInterpolator(draw.NearestNeighbor))
		if err != nil {
			return nil, fmt.Errorf("failed to open annotation: %w", err)
		}
		session, err = session.WithAnnotation(annot, encoding)
		if err != nil {
			return nil, err
		}
	}

	seed := cfg.Processing.Seed
	if seed != 0 {
		seed += uint64(index)
	}
	smp := sampler.NewSampler(session, seed)
	if cfg.Output.SavePatches {
		smp.SetSink(&sampler.DirSink{
			Dir:    filepath.Join(cfg.Output.Dir, "patches", slideID),
			Format: cfg.Output.PatchFormat,
		})
	}

	var table *models.PatchTable
	if session.HasAnnotation() {
		table, err = smp.BuildPatchTable(ctx, cfg.Sampling.NumPatches)
	} else {
		table, err = smp.BuildPatchTableUnclassed(ctx, cfg.Sampling.NumPatches)
	}
	if err != nil {
		return nil, err
	}

	r := &result{
		slideID:     slideID,
		description: session.Describe(),
		rows:        table.Len(),
		classes:     table.ClassCounts(),
	}

	if cfg.Output.SaveMaskBundle && !reused {
		if r.maskPath, err = store.SaveMask(cfg.Output.Dir, slideID, session.Mask()); err != nil {
			return nil, err
		}
	}
	if r.tablePath, err = store.SaveTable(cfg.Output.Dir, slideID, table); err != nil {
		return nil, err
	}
	if catalog != nil {
		if r.runID, err = catalog.AddRun(ctx, j.slide, session.Binding(), params.PatchSize, table); err != nil {
			return nil, err
		}
	}

	r.elapsed = time.Since(start)
	logger.Info("finished slide", "rows", r.rows, "elapsed", r.elapsed)
	return r, nil
}

func fileSize(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return "unknown size"
	}
	return humanize.Bytes(uint64(info.Size()))
}
