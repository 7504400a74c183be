// Package dataset turns a directory of annotated images into a YOLO
// training dataset.
//
// The produced layout is:
//
//	<output>/
//	  images/train/  images/val/
//	  labels/train/  labels/val/
//	  data.yaml
//
// Every image copied into images/<split> has a label file with the same stem
// in labels/<split>; the label file is empty when no shape matched the
// category list. Existing files in the output tree are overwritten by name
// and never removed.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mdobak/go-xerrors"

	"github.com/menta2k/dataset-maker/internal/utils"
	"github.com/menta2k/dataset-maker/pkg/annotation"
	"github.com/menta2k/dataset-maker/pkg/normalize"
	"github.com/menta2k/dataset-maker/pkg/partition"
	"github.com/menta2k/dataset-maker/pkg/progress"
	"github.com/menta2k/dataset-maker/pkg/types"
)

const (
	imagesDir = "images"
	labelsDir = "labels"
	labelExt  = ".txt"
)

// Status is the outcome of a build that did not fail
type Status string

const (
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Options configures Materialize
type Options struct {
	SourceDir  string
	OutputDir  string
	Categories []string
	TrainRatio float64

	// Seed makes the train/val split reproducible; nil picks a fresh seed
	Seed *uint64

	// ImageExtensions is the sibling image lookup order; defaults to
	// annotation.DefaultImageExtensions
	ImageExtensions []string

	// Reporter receives progress events. Progress, when set, takes
	// precedence so several build steps can share one step sequence.
	Reporter progress.Reporter
	Progress *progress.Counter

	Logger *slog.Logger
	// Verbose logs every shape diagnostic at info level instead of debug
	Verbose bool
}

// Skip records an annotation file left out of the dataset
type Skip struct {
	File   string     `json:"file"`
	Split  types.Split `json:"split"`
	Reason string     `json:"reason"`
}

// Diagnostic records a shape dropped for malformed geometry or type
type Diagnostic struct {
	File      string `json:"file"`
	Shape     int    `json:"shape"`
	Label     string `json:"label"`
	ShapeType string `json:"shape_type"`
	Reason    string `json:"reason"`
}

// Result summarizes a build
type Result struct {
	Status Status `json:"status"`

	// Train and Val count samples written to each split
	Train int `json:"train"`
	Val   int `json:"val"`

	// Assigned counts files the partitioner put in each split
	AssignedTrain int `json:"assigned_train"`
	AssignedVal   int `json:"assigned_val"`

	Skipped     int          `json:"skipped"`
	Skips       []Skip       `json:"skips,omitempty"`
	Diagnostics []Diagnostic `json:"diagnostics,omitempty"`

	// Boxes is the number of label lines written; Labels breaks it down by class
	Boxes  int            `json:"boxes"`
	Labels map[string]int `json:"labels"`

	// Descriptor is the data.yaml path, set by Build once it is written
	Descriptor string `json:"descriptor,omitempty"`
}

// Summary returns the single-line message shown to users
func (r *Result) Summary() string {
	var b strings.Builder
	if r.Status == StatusCancelled {
		b.WriteString("cancelled after ")
	} else {
		b.WriteString("processed ")
	}
	fmt.Fprintf(&b, "%d train samples, %d val samples", r.Train, r.Val)
	if r.Skipped > 0 {
		fmt.Fprintf(&b, ", %d skipped", r.Skipped)
	}
	if len(r.Diagnostics) > 0 {
		fmt.Fprintf(&b, ", %d shapes dropped", len(r.Diagnostics))
	}
	return b.String()
}

// SplitDirs returns the image and label directories of split under root
func SplitDirs(root string, split types.Split) (images, labels string) {
	return filepath.Join(root, imagesDir, string(split)), filepath.Join(root, labelsDir, string(split))
}

// DefaultOutputDir names the dataset next to the source directory:
// <parent>/<source name>_yolo_dataset
func DefaultOutputDir(sourceDir string) string {
	clean := filepath.Clean(sourceDir)
	return filepath.Join(filepath.Dir(clean), filepath.Base(clean)+"_yolo_dataset")
}

// Build runs Materialize and, unless the build was cancelled, writes the
// descriptor. Progress runs through the analyzing, converting, descriptor
// and done stages.
func Build(ctx context.Context, opts Options) (*Result, error) {
	if opts.Progress == nil {
		opts.Progress = progress.NewCounter(opts.Reporter, 0)
	}
	res, err := Materialize(ctx, opts)
	if err != nil {
		return res, err
	}
	if res.Status == StatusCancelled {
		return res, nil
	}

	opts.Progress.Emit(progress.StageDescriptor, "writing "+DescriptorFile)
	path, err := WriteDescriptor(opts.OutputDir, opts.Categories)
	if err != nil {
		return res, err
	}
	res.Descriptor = path
	opts.Progress.Emit(progress.StageDone, res.Summary())
	return res, nil
}

type materializer struct {
	opts     Options
	index    map[string]int
	names    []string
	logger   *slog.Logger
	progress *progress.Counter
	result   *Result
}

// Materialize converts every annotation file in opts.SourceDir into the
// dataset layout under opts.OutputDir. It does not write the descriptor;
// call WriteDescriptor afterwards.
//
// Problems with individual files are logged, counted in the result and do
// not stop the build. Invalid options, an empty source, output directory
// creation failures and label write failures return an *Error; in the last
// case the partial result is returned alongside it. When ctx is cancelled between files
// the partial result is returned with StatusCancelled and a nil error.
func Materialize(ctx context.Context, opts Options) (*Result, error) {
	if err := partition.ValidateRatio(opts.TrainRatio); err != nil {
		return nil, newError(KindInput, err, "invalid train ratio")
	}
	if opts.SourceDir == "" {
		return nil, newError(KindInput, nil, "source directory is required")
	}
	if opts.OutputDir == "" {
		return nil, newError(KindInput, nil, "output directory is required")
	}
	if !utils.DirExists(opts.SourceDir) {
		return nil, newError(KindInput, nil, "source directory %s does not exist", opts.SourceDir)
	}

	m := &materializer{
		opts:   opts,
		names:  append([]string(nil), opts.Categories...),
		logger: opts.Logger,
		result: &Result{Labels: map[string]int{}},
	}
	m.index = normalize.Index(m.names)
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.progress = opts.Progress
	if m.progress == nil {
		m.progress = progress.NewCounter(opts.Reporter, 0)
	}

	m.progress.Emit(progress.StageAnalyzing, "analyzing annotation files")

	for _, split := range []types.Split{types.SplitTrain, types.SplitVal} {
		imgDir, lblDir := SplitDirs(opts.OutputDir, split)
		for _, dir := range []string{imgDir, lblDir} {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, newError(KindFilesystem, err, "create %s", dir)
			}
		}
	}

	files, err := annotation.List(opts.SourceDir)
	if err != nil {
		return nil, newError(KindFilesystem, err, "list annotation files in %s", opts.SourceDir)
	}
	if len(files) == 0 {
		return nil, newError(KindNoAnnotations, nil, "no annotation files found in %s", opts.SourceDir)
	}

	var popts []partition.Option
	if opts.Seed != nil {
		popts = append(popts, partition.WithSeed(*opts.Seed))
	}
	train, val, err := partition.Partition(files, opts.TrainRatio, popts...)
	if err != nil {
		return nil, newError(KindInput, err, "partition annotation files")
	}
	m.result.AssignedTrain, m.result.AssignedVal = len(train), len(val)

	m.logger.Info("dataset split",
		slog.String("source", opts.SourceDir),
		slog.String("output", opts.OutputDir),
		slog.Int("train", len(train)),
		slog.Int("val", len(val)),
		slog.Int("categories", len(m.names)),
	)

	m.progress.SetTotal(m.progress.Step() + len(files) + 3)
	m.progress.Emit(progress.StageConverting, "generating YOLO labels")

	done := 0
	for _, batch := range []struct {
		split types.Split
		files []string
	}{{types.SplitTrain, train}, {types.SplitVal, val}} {
		for _, path := range batch.files {
			if ctx.Err() != nil {
				m.result.Status = StatusCancelled
				m.logger.Warn("dataset build cancelled",
					slog.Int("processed", done),
					slog.Int("total", len(files)),
				)
				return m.result, nil
			}

			if err := m.process(path, batch.split); err != nil {
				return m.result, err
			}
			done++
			m.progress.Emit(progress.StageConverting,
				fmt.Sprintf("%s (%d/%d)", filepath.Base(path), done, len(files)))
		}
	}

	m.result.Status = StatusCompleted
	m.logger.Info("dataset build finished",
		slog.Int("train", m.result.Train),
		slog.Int("val", m.result.Val),
		slog.Int("skipped", m.result.Skipped),
		slog.Int("boxes", m.result.Boxes),
	)
	return m.result, nil
}

// process converts one annotation file. Record problems are recorded as
// skips; only a failed label write is returned.
func (m *materializer) process(path string, split types.Split) error {
	boxes, err := m.convert(path, split)
	var derr *Error
	if errors.As(err, &derr) && derr.Kind == KindPersistence {
		m.logger.Error("failed to write label file",
			slog.String("file", filepath.Base(path)),
			slog.Any("error", xerrors.New(err)),
		)
		return err
	}
	if err != nil {
		m.result.Skipped++
		m.result.Skips = append(m.result.Skips, Skip{
			File:   filepath.Base(path),
			Split:  split,
			Reason: err.Error(),
		})
		m.logger.Warn("skipping annotation file",
			slog.String("file", filepath.Base(path)),
			slog.String("split", string(split)),
			slog.Any("error", xerrors.New(err)),
		)
		return nil
	}

	if split == types.SplitTrain {
		m.result.Train++
	} else {
		m.result.Val++
	}
	m.result.Boxes += len(boxes)
	for _, b := range boxes {
		m.result.Labels[m.names[b.ClassID]]++
	}
	return nil
}

func (m *materializer) convert(path string, split types.Split) ([]types.Box, error) {
	rec, err := annotation.Load(path, m.opts.ImageExtensions)
	if err != nil {
		return nil, err
	}

	boxes := make([]types.Box, 0, len(rec.Shapes))
	lines := make([]string, 0, len(rec.Shapes))
	for i, shape := range rec.Shapes {
		box, err := normalize.Normalize(shape, rec.ImageWidth, rec.ImageHeight, m.index)
		if err != nil {
			if !normalize.IsSilent(err) {
				m.diagnose(path, i, shape, err)
			}
			continue
		}
		boxes = append(boxes, box)
		lines = append(lines, box.String())
	}

	imgDir, lblDir := SplitDirs(m.opts.OutputDir, split)
	imgDst := filepath.Join(imgDir, filepath.Base(rec.ImagePath))
	lblDst := filepath.Join(lblDir, utils.Stem(rec.ImagePath)+labelExt)

	if err := utils.CopyFile(rec.ImagePath, imgDst); err != nil {
		return nil, fmt.Errorf("copy image: %w", err)
	}
	if err := os.WriteFile(lblDst, []byte(strings.Join(lines, "\n")), 0644); err != nil {
		if rmErr := os.Remove(imgDst); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			m.logger.Error("failed to remove orphaned image",
				slog.String("image", imgDst),
				slog.Any("error", rmErr),
			)
		}
		return nil, newError(KindPersistence, err, "write label file %s", lblDst)
	}
	return boxes, nil
}

func (m *materializer) diagnose(path string, idx int, shape types.Shape, err error) {
	d := Diagnostic{
		File:      filepath.Base(path),
		Shape:     idx,
		Label:     shape.Label,
		ShapeType: shape.ShapeType,
		Reason:    err.Error(),
	}
	m.result.Diagnostics = append(m.result.Diagnostics, d)

	level := slog.LevelDebug
	if m.opts.Verbose {
		level = slog.LevelInfo
	}
	m.logger.Log(context.Background(), level, "dropping shape",
		slog.String("file", d.File),
		slog.Int("shape", d.Shape),
		slog.String("label", d.Label),
		slog.String("shape_type", d.ShapeType),
		slog.String("reason", d.Reason),
	)
}
