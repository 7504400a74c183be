// Package datasetmaker builds YOLO training datasets from labelme-style
// annotation folders.
//
// A Maker ties the pieces together: it reads the category taxonomy from the
// catalog, snapshots the category list of the product being exported, runs
// the build in the background, writes data.yaml and records the result in
// the dataset registry.
//
// Basic usage:
//
//	cfg := config.Default()
//	m, err := datasetmaker.New(cfg, slog.Default())
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer m.Close()
//
//	res, err := m.Build(ctx, datasetmaker.BuildOptions{
//		SourceDir: "data/panel",
//		Product:   "panel",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	fmt.Println(res.Summary())
//
// The package consists of these components:
//
//  1. Catalog (pkg/catalog): products and their defect categories
//  2. Annotation (pkg/annotation): reads annotation files and finds their images
//  3. Dataset (pkg/dataset): normalizes shapes, splits files and writes the dataset tree
//  4. Job (pkg/job): background builds with progress and cancellation
//  5. Prelabel (pkg/prelabel): drafts annotation files with a vision model
package datasetmaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/menta2k/dataset-maker/internal/config"
	"github.com/menta2k/dataset-maker/internal/registry"
	"github.com/menta2k/dataset-maker/pkg/annotation"
	"github.com/menta2k/dataset-maker/pkg/catalog"
	"github.com/menta2k/dataset-maker/pkg/client"
	"github.com/menta2k/dataset-maker/pkg/dataset"
	"github.com/menta2k/dataset-maker/pkg/job"
	"github.com/menta2k/dataset-maker/pkg/llamacpp"
	"github.com/menta2k/dataset-maker/pkg/ollama"
	"github.com/menta2k/dataset-maker/pkg/prelabel"
	"github.com/menta2k/dataset-maker/pkg/progress"
)

// Version of the dataset maker
const Version = "1.0.0"

// ErrNoCategories is returned when the catalog yields no category to export
var ErrNoCategories = errors.New("no categories configured")

// Maker is the high-level entry point
type Maker struct {
	cfg      *config.Config
	logger   *slog.Logger
	flat     *catalog.Store
	products *catalog.ProductStore
	registry *registry.Registry
	runner   *job.Runner
}

// New opens the catalog and, when enabled, the registry described by cfg
func New(cfg *config.Config, logger *slog.Logger) (*Maker, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	policy, err := catalog.ParseIDPolicy(cfg.Catalog.IDPolicy)
	if err != nil {
		return nil, err
	}

	m := &Maker{cfg: cfg, logger: logger}
	switch cfg.Catalog.Mode {
	case "flat":
		m.flat, err = catalog.Open(cfg.Catalog.Path, catalog.WithIDPolicy(policy))
	default:
		m.products, err = catalog.OpenProducts(cfg.Catalog.Path, catalog.WithIDPolicy(policy))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}

	if cfg.Registry.Enabled {
		m.registry, err = registry.Open(cfg.Registry.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open registry: %w", err)
		}
	}

	m.runner = job.NewRunner(logger).WithBuildFunc(m.buildAndRecord)
	return m, nil
}

// Close releases the registry
func (m *Maker) Close() error {
	if m.registry != nil {
		return m.registry.Close()
	}
	return nil
}

// Config returns the active configuration
func (m *Maker) Config() *config.Config { return m.cfg }

// Products returns the two-level catalog, nil in flat mode
func (m *Maker) Products() *catalog.ProductStore { return m.products }

// Flat returns the flat catalog, nil in products mode
func (m *Maker) Flat() *catalog.Store { return m.flat }

// Registry returns the dataset ledger, nil when disabled
func (m *Maker) Registry() *registry.Registry { return m.registry }

// Categories returns the ordered category names to export. With a product
// name only that product's defect categories are returned.
func (m *Maker) Categories(product string) ([]string, error) {
	if m.flat != nil {
		if product != "" {
			return nil, fmt.Errorf("product %q: catalog is in flat mode", product)
		}
		return m.flat.Names(), nil
	}
	if product == "" {
		return m.products.CategoryNames(), nil
	}
	p, err := m.products.FindByName(product)
	if err != nil {
		return nil, err
	}
	return m.products.DefectCategoryNames(p.ID), nil
}

// BuildOptions describes one dataset build. Zero values fall back to the
// configuration.
type BuildOptions struct {
	SourceDir string
	// OutputDir defaults to <parent>/<source name>_yolo_dataset
	OutputDir string
	// Product selects the product whose defect categories are exported
	Product string
	// Categories overrides the catalog lookup
	Categories []string
	TrainRatio float64
	Seed       *uint64
	Reporter   progress.Reporter
	Verbose    bool
}

func (m *Maker) datasetOptions(opts BuildOptions) (dataset.Options, error) {
	if opts.SourceDir == "" {
		return dataset.Options{}, fmt.Errorf("source directory is required")
	}
	categories := opts.Categories
	if len(categories) == 0 {
		var err error
		if categories, err = m.Categories(opts.Product); err != nil {
			return dataset.Options{}, err
		}
	}
	if len(categories) == 0 {
		return dataset.Options{}, ErrNoCategories
	}
	if dups := duplicateNames(categories); len(dups) > 0 {
		m.logger.Warn("duplicate category names; later copies get class ids that are never used",
			slog.Any("names", dups),
			slog.Int("classes", len(categories)),
		)
	}

	out := opts.OutputDir
	if out == "" {
		out = dataset.DefaultOutputDir(opts.SourceDir)
	}
	ratio := opts.TrainRatio
	if ratio == 0 {
		ratio = m.cfg.Dataset.TrainRatio
	}
	seed := opts.Seed
	if seed == nil {
		seed = m.cfg.Dataset.Seed
	}

	return dataset.Options{
		SourceDir:       opts.SourceDir,
		OutputDir:       out,
		Categories:      categories,
		TrainRatio:      ratio,
		Seed:            seed,
		ImageExtensions: m.cfg.Dataset.ImageExtensions,
		Reporter:        opts.Reporter,
		Logger:          m.logger,
		Verbose:         opts.Verbose,
	}, nil
}

// duplicateNames returns the names occurring more than once, in first-seen order
func duplicateNames(names []string) []string {
	count := make(map[string]int, len(names))
	var dups []string
	for _, n := range names {
		count[n]++
		if count[n] == 2 {
			dups = append(dups, n)
		}
	}
	return dups
}

// Start launches a build in the background
func (m *Maker) Start(ctx context.Context, opts BuildOptions) (*job.Job, error) {
	dopts, err := m.datasetOptions(opts)
	if err != nil {
		return nil, err
	}
	return m.runner.Start(ctx, dopts)
}

// Build runs a build and waits for it
func (m *Maker) Build(ctx context.Context, opts BuildOptions) (*dataset.Result, error) {
	j, err := m.Start(ctx, opts)
	if err != nil {
		return nil, err
	}
	return j.Wait()
}

func (m *Maker) buildAndRecord(ctx context.Context, opts dataset.Options) (*dataset.Result, error) {
	res, err := dataset.Build(ctx, opts)
	if err != nil || m.registry == nil {
		return res, err
	}

	entry, rerr := m.registry.Record(context.WithoutCancel(ctx), registry.Entry{
		SourceDir:  absPath(opts.SourceDir),
		OutputDir:  absPath(opts.OutputDir),
		Descriptor: res.Descriptor,
		NumClasses: len(opts.Categories),
		ClassNames: opts.Categories,
		TrainCount: res.Train,
		ValCount:   res.Val,
		Skipped:    res.Skipped,
		Status:     string(res.Status),
		CreatedAt:  time.Now(),
	})
	if rerr != nil {
		m.logger.Error("failed to record dataset", slog.Any("error", rerr))
		return res, nil
	}
	m.logger.Info("dataset recorded", slog.String("id", entry.ID))
	return res, nil
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

// History returns the most recent recorded builds
func (m *Maker) History(ctx context.Context, limit int) ([]registry.Entry, error) {
	if m.registry == nil {
		return nil, fmt.Errorf("registry is disabled")
	}
	return m.registry.List(ctx, limit)
}

// ScanLabels returns the distinct labels used by the annotation files in dir
func (m *Maker) ScanLabels(dir string) ([]string, error) {
	return annotation.ScanLabels(dir)
}

// SyncLabels adds the labels found in dir to the product's defect
// categories and returns how many were added
func (m *Maker) SyncLabels(product, dir string) (int, error) {
	if m.products == nil {
		return 0, fmt.Errorf("sync-labels needs the products catalog")
	}
	p, err := m.products.FindByName(product)
	if err != nil {
		return 0, err
	}
	labels, err := annotation.ScanLabels(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to scan labels: %w", err)
	}
	return m.products.SyncLabels(p.ID, labels)
}

// VisionClient builds the client for the configured pre-annotation backend
func (m *Maker) VisionClient() (client.VisionClient, error) {
	pc := m.cfg.Prelabel
	timeout := time.Duration(pc.TimeoutSeconds) * time.Second
	switch pc.Backend {
	case "llamacpp":
		c, err := llamacpp.NewClient(pc.LlamaCppURL)
		if err != nil {
			return nil, fmt.Errorf("failed to create llama.cpp client: %w", err)
		}
		c.SetTimeout(timeout)
		return c, nil
	case "", "ollama":
		c, err := ollama.NewClient(pc.OllamaURL)
		if err != nil {
			return nil, fmt.Errorf("failed to create Ollama client: %w", err)
		}
		c.SetTimeout(timeout)
		return c, nil
	}
	return nil, fmt.Errorf("unknown backend %q (use 'ollama' or 'llamacpp')", pc.Backend)
}

// Prelabel drafts annotation files in dir with the configured backend
func (m *Maker) Prelabel(ctx context.Context, dir, product string) (*prelabel.Summary, error) {
	c, err := m.VisionClient()
	if err != nil {
		return nil, err
	}
	return m.PrelabelWith(ctx, c, dir, product)
}

// PrelabelWith drafts annotation files in dir using the given labeler client
func (m *Maker) PrelabelWith(ctx context.Context, c client.VisionClient, dir, product string) (*prelabel.Summary, error) {
	categories, err := m.Categories(product)
	if err != nil {
		return nil, err
	}
	if len(categories) == 0 {
		return nil, ErrNoCategories
	}

	pc := m.cfg.Prelabel
	l := prelabel.New(c, prelabel.Config{
		Model:           pc.Model,
		MinConfidence:   pc.MinConfidence,
		MaxDimension:    pc.MaxDimension,
		JPEGQuality:     pc.JPEGQuality,
		WriteEmpty:      pc.WriteEmpty,
		ImageExtensions: m.cfg.Dataset.ImageExtensions,
	}, m.logger)
	return l.Run(ctx, dir, categories)
}

// GetVersion returns the library version
func GetVersion() string {
	return Version
}
