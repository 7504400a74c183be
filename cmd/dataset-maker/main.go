package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"

	datasetmaker "github.com/menta2k/dataset-maker"
	"github.com/menta2k/dataset-maker/internal/config"
	"github.com/menta2k/dataset-maker/internal/logging"
	"github.com/menta2k/dataset-maker/internal/utils"
	"github.com/menta2k/dataset-maker/pkg/annotation"
	"github.com/menta2k/dataset-maker/pkg/progress"
)

const usage = `usage: %s <command> [flags]

commands:
  build        convert an annotation folder into a YOLO dataset
  scan         list the labels and file counts of an annotation folder
  sync-labels  add labels found in a folder to a product's defect categories
  prelabel     draft annotation files with a vision model
  catalog      manage products, defect categories and flat categories
  history      list recorded dataset builds
  version      print the version
`

// env holds what every command needs once flags are parsed
type env struct {
	cfg    *config.Config
	logger *slog.Logger
	maker  *datasetmaker.Maker
	closer io.Closer
}

func (e *env) Close() {
	if e.maker != nil {
		if err := e.maker.Close(); err != nil {
			log.Printf("close failed: %v", err)
		}
	}
	if e.closer != nil {
		e.closer.Close()
	}
}

// common registers the flags shared by all commands
type common struct {
	configPath string
	envFile    string
	logLevel   string
}

func (c *common) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "config file (default ~/.config/dataset-maker/config.json)")
	fs.StringVar(&c.envFile, "env", ".env", "env file with DATASET_* overrides")
	fs.StringVar(&c.logLevel, "log-level", "", "override log level: debug|info|warn|error")
}

func (c *common) open() (*env, error) {
	path := c.configPath
	if path == "" {
		path = config.GetConfigPath()
	}
	cfg, err := config.Load(path, c.envFile)
	if err != nil {
		return nil, err
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
	}

	logger, closer, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	m, err := datasetmaker.New(cfg, logger)
	if err != nil {
		closer.Close()
		return nil, err
	}
	return &env{cfg: cfg, logger: logger, maker: m, closer: closer}, nil
}

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		log.Fatalf(usage, filepath.Base(os.Args[0]))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "build":
		err = runBuild(ctx, args)
	case "scan":
		err = runScan(args)
	case "sync-labels":
		err = runSyncLabels(args)
	case "prelabel":
		err = runPrelabel(ctx, args)
	case "catalog":
		err = runCatalog(args)
	case "history":
		err = runHistory(ctx, args)
	case "version", "-version", "--version":
		fmt.Println(datasetmaker.GetVersion())
	case "help", "-h", "-help", "--help":
		fmt.Printf(usage, filepath.Base(os.Args[0]))
	default:
		log.Fatalf("unknown command %q\n"+usage, cmd, filepath.Base(os.Args[0]))
	}
	if err != nil {
		stop()
		log.Fatalf("%s: %v", cmd, err)
	}
}

func runBuild(ctx context.Context, args []string) error {
	var c common
	var src, out, product, categories string
	var ratio float64
	var seed int64
	var verbose, quiet bool

	fs := flag.NewFlagSet("build", flag.ExitOnError)
	c.register(fs)
	fs.StringVar(&src, "src", "", "annotation folder (defaults to the product path)")
	fs.StringVar(&out, "out", "", "output directory (default <src>_yolo_dataset)")
	fs.StringVar(&product, "product", "", "product whose defect categories are exported")
	fs.StringVar(&categories, "categories", "", "comma separated category list, overrides the catalog")
	fs.Float64Var(&ratio, "ratio", 0, "train ratio in (0, 1), 0 uses the configured value")
	fs.Int64Var(&seed, "seed", -1, "shuffle seed, -1 uses the configured value")
	fs.BoolVar(&verbose, "verbose", false, "log every dropped shape")
	fs.BoolVar(&quiet, "quiet", false, "do not print progress")
	fs.Parse(args)

	e, err := c.open()
	if err != nil {
		return err
	}
	defer e.Close()

	if src == "" && product != "" && e.maker.Products() != nil {
		if p, err := e.maker.Products().FindByName(product); err == nil {
			src = p.Path
		}
	}
	if src == "" {
		return fmt.Errorf("-src is required")
	}

	opts := datasetmaker.BuildOptions{
		SourceDir:  src,
		OutputDir:  out,
		Product:    product,
		Categories: splitCSV(categories),
		TrainRatio: ratio,
		Verbose:    verbose,
		Reporter:   &progress.Log{Logger: e.logger},
	}
	if seed >= 0 {
		s := uint64(seed)
		opts.Seed = &s
	}

	j, err := e.maker.Start(ctx, opts)
	if err != nil {
		return err
	}
	for ev := range j.Events() {
		if !quiet {
			fmt.Fprintf(os.Stderr, "\r[%3d%%] %-60.60s", percent(ev), ev.Message)
		}
	}
	if !quiet {
		fmt.Fprintln(os.Stderr)
	}

	res, err := j.Wait()
	if err != nil {
		return err
	}

	fmt.Println(res.Summary())
	for _, s := range res.Skips {
		fmt.Printf("  skipped %s (%s): %s\n", s.File, s.Split, s.Reason)
	}
	if verbose {
		for _, d := range res.Diagnostics {
			fmt.Printf("  dropped %s shape %d %q: %s\n", d.File, d.Shape, d.Label, d.Reason)
		}
	}
	if res.Descriptor != "" {
		size, err := utils.DirSize(j.OutputDir)
		if err != nil {
			log.Printf("failed to measure %s: %v", j.OutputDir, err)
		}
		fmt.Printf("dataset: %s (%s)\n", res.Descriptor, utils.FormatFileSize(size))
	}
	return nil
}

func percent(ev progress.Event) int {
	if ev.Total > 0 {
		return ev.Step * 100 / ev.Total
	}
	return ev.Stage.Percent()
}

func runScan(args []string) error {
	var src string
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	fs.StringVar(&src, "src", "", "annotation folder")
	fs.Parse(args)
	if src == "" {
		return fmt.Errorf("-src is required")
	}

	stats, err := annotation.Stats(src)
	if err != nil {
		return err
	}
	labels, err := annotation.ScanLabels(src)
	if err != nil {
		return err
	}

	fmt.Printf("%d images, %d annotation files\n", stats.Images, stats.Annotations)
	for _, l := range labels {
		fmt.Println(l)
	}
	return nil
}

func runSyncLabels(args []string) error {
	var c common
	var src, product string
	fs := flag.NewFlagSet("sync-labels", flag.ExitOnError)
	c.register(fs)
	fs.StringVar(&src, "src", "", "annotation folder (defaults to the product path)")
	fs.StringVar(&product, "product", "", "product to update")
	fs.Parse(args)
	if product == "" {
		return fmt.Errorf("-product is required")
	}

	e, err := c.open()
	if err != nil {
		return err
	}
	defer e.Close()

	if src == "" && e.maker.Products() != nil {
		if p, err := e.maker.Products().FindByName(product); err == nil {
			src = p.Path
		}
	}
	if src == "" {
		return fmt.Errorf("-src is required")
	}

	added, err := e.maker.SyncLabels(product, src)
	if err != nil {
		return err
	}
	fmt.Printf("added %d defect categories to %s\n", added, product)
	return nil
}

func runPrelabel(ctx context.Context, args []string) error {
	var c common
	var dir, product, backend, model, url string
	var minConf float64
	var writeEmpty bool

	fs := flag.NewFlagSet("prelabel", flag.ExitOnError)
	c.register(fs)
	fs.StringVar(&dir, "dir", "", "image folder")
	fs.StringVar(&product, "product", "", "product whose defect categories are detected")
	fs.StringVar(&backend, "backend", "", "model backend: ollama|llamacpp (default from config)")
	fs.StringVar(&model, "model", "", "model name (default from config)")
	fs.StringVar(&url, "url", "", "server URL of the selected backend (default from config)")
	fs.Float64Var(&minConf, "min-confidence", -1, "drop detections below this confidence")
	fs.BoolVar(&writeEmpty, "write-empty", false, "write annotation files for images without detections")
	fs.Parse(args)
	if dir == "" {
		return fmt.Errorf("-dir is required")
	}

	e, err := c.open()
	if err != nil {
		return err
	}
	defer e.Close()

	pc := &e.cfg.Prelabel
	switch backend {
	case "":
	case "ollama", "llamacpp":
		pc.Backend = backend
	default:
		return fmt.Errorf("unknown backend %q (use 'ollama' or 'llamacpp')", backend)
	}
	if model != "" {
		pc.Model = model
	}
	if url != "" {
		if pc.Backend == "llamacpp" {
			pc.LlamaCppURL = url
		} else {
			pc.OllamaURL = url
		}
	}
	if minConf >= 0 {
		pc.MinConfidence = minConf
	}
	if writeEmpty {
		pc.WriteEmpty = true
	}

	sum, err := e.maker.Prelabel(ctx, dir, product)
	if err != nil {
		return err
	}
	fmt.Printf("%d images: %d annotated, %d written, %d empty, %d failed (%d boxes, %d rejected)\n",
		sum.Images, sum.Annotated, sum.Written, sum.Empty, sum.Failed, sum.Boxes, sum.Rejected)
	return nil
}

func runHistory(ctx context.Context, args []string) error {
	var c common
	var limit int
	var asJSON bool
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	c.register(fs)
	fs.IntVar(&limit, "limit", 20, "number of builds to show")
	fs.BoolVar(&asJSON, "json", false, "print JSON")
	fs.Parse(args)

	e, err := c.open()
	if err != nil {
		return err
	}
	defer e.Close()

	entries, err := e.maker.History(ctx, limit)
	if err != nil {
		return err
	}
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CREATED\tNAME\tCLASSES\tTRAIN\tVAL\tSKIPPED\tSTATUS\tOUTPUT")
	for _, en := range entries {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
			en.CreatedAt.Local().Format("2006-01-02 15:04"), en.Name, en.NumClasses,
			en.TrainCount, en.ValCount, en.Skipped, en.Status, en.OutputDir)
	}
	return w.Flush()
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
