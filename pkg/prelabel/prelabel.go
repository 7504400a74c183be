// Package prelabel pre-populates annotation files with boxes proposed by a
// vision model, so annotators start from a draft instead of a blank image.
package prelabel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mdobak/go-xerrors"

	"github.com/menta2k/dataset-maker/internal/utils"
	"github.com/menta2k/dataset-maker/pkg/annotation"
	"github.com/menta2k/dataset-maker/pkg/client"
	"github.com/menta2k/dataset-maker/pkg/imageio"
	"github.com/menta2k/dataset-maker/pkg/types"
)

// DefaultPromptTemplate asks for defect boxes; %s is replaced with the
// comma-separated category list
const DefaultPromptTemplate = `You are a visual defect inspector.

Find every instance of these defect categories in the image: %s.

Return JSON only:
{
  "objects": [
    {"label": "category", "confidence": 0.0, "box": {"x": 0.0, "y": 0.0, "w": 0.0, "h": 0.0}}
  ]
}

HARD RULES
- "label" must be exactly one of the listed categories.
- Coordinates are normalized to [0,1] (NOT pixels); x,y is the top-left corner.
- Boxes must tightly enclose the defect.
- If nothing is found, return {"objects": []}.
- JSON only. No markdown, no code fences, no comments, no trailing commas.`

// checkPrompt is sent once before a run to confirm the model answers
const checkPrompt = "Reply with OK."

var (
	// ErrNoCategories is returned when Run is given an empty category list
	ErrNoCategories = errors.New("no categories to detect")
	// ErrModelUnavailable is returned when the model does not answer the
	// check query sent before a run
	ErrModelUnavailable = errors.New("vision model unavailable")
)

// Config tunes a Labeler
type Config struct {
	Model           string
	Prompt          string
	MinConfidence   float64
	MaxDimension    int
	JPEGQuality     int
	WriteEmpty      bool
	ImageExtensions []string
}

// DefaultConfig returns the settings used when none are configured
func DefaultConfig() Config {
	return Config{
		Model:           "llava:13b",
		Prompt:          DefaultPromptTemplate,
		MinConfidence:   0.5,
		MaxDimension:    1024,
		JPEGQuality:     90,
		ImageExtensions: annotation.DefaultImageExtensions,
	}
}

// Summary counts what a Run did
type Summary struct {
	Images    int `json:"images"`
	Annotated int `json:"annotated"`
	Written   int `json:"written"`
	Empty     int `json:"empty"`
	Failed    int `json:"failed"`
	Boxes     int `json:"boxes"`
	Rejected  int `json:"rejected"`
}

// Labeler drafts annotation files for unannotated images
type Labeler struct {
	client client.VisionClient
	cfg    Config
	logger *slog.Logger
}

// New creates a Labeler; a nil logger uses slog.Default
func New(c client.VisionClient, cfg Config, logger *slog.Logger) *Labeler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Prompt == "" {
		cfg.Prompt = DefaultPromptTemplate
	}
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = 90
	}
	if len(cfg.ImageExtensions) == 0 {
		cfg.ImageExtensions = annotation.DefaultImageExtensions
	}
	return &Labeler{client: c, cfg: cfg, logger: logger}
}

// Prompt renders the prompt for categories
func (l *Labeler) Prompt(categories []string) string {
	if !strings.Contains(l.cfg.Prompt, "%s") {
		return l.cfg.Prompt
	}
	return fmt.Sprintf(l.cfg.Prompt, strings.Join(categories, ", "))
}

// Images lists the images directly inside dir that have no annotation file
// yet, sorted by name
func (l *Labeler) Images(dir string) (pending []string, annotated int, err error) {
	seen := map[string]bool{}
	var all []string
	for _, ext := range l.cfg.ImageExtensions {
		files, err := utils.ListFiles(dir, ext)
		if err != nil {
			return nil, 0, err
		}
		for _, f := range files {
			if !seen[f] {
				seen[f] = true
				all = append(all, f)
			}
		}
	}
	sort.Strings(all)

	for _, img := range all {
		if utils.FileExists(annotationPath(img)) {
			annotated++
			continue
		}
		pending = append(pending, img)
	}
	return pending, annotated, nil
}

func annotationPath(imagePath string) string {
	return strings.TrimSuffix(imagePath, filepath.Ext(imagePath)) + annotation.Extension
}

// Run drafts an annotation file for every image in dir that lacks one.
// Existing annotation files are never touched. Failures on single images
// are logged and counted; cancelling ctx stops between images.
func (l *Labeler) Run(ctx context.Context, dir string, categories []string) (*Summary, error) {
	if len(categories) == 0 {
		return nil, ErrNoCategories
	}
	pending, annotated, err := l.Images(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}

	sum := &Summary{Images: len(pending) + annotated, Annotated: annotated}
	prompt := l.Prompt(categories)
	canonical := make(map[string]string, len(categories))
	for _, c := range categories {
		canonical[strings.ToLower(c)] = c
	}

	if len(pending) > 0 {
		if err := l.Check(ctx); err != nil {
			return sum, err
		}
	}

	l.logger.Info("pre-labeling images",
		slog.String("dir", dir),
		slog.Int("pending", len(pending)),
		slog.Int("annotated", annotated),
		slog.String("model", l.cfg.Model),
	)

	for _, img := range pending {
		if err := ctx.Err(); err != nil {
			return sum, err
		}

		boxes, rejected, err := l.labelImage(ctx, img, prompt, canonical)
		sum.Rejected += rejected
		switch {
		case errors.Is(err, os.ErrExist):
			sum.Annotated++
		case err != nil:
			if ctx.Err() != nil {
				return sum, ctx.Err()
			}
			sum.Failed++
			l.logger.Warn("pre-labeling failed",
				slog.String("image", filepath.Base(img)),
				slog.Any("error", xerrors.New(err)),
			)
		case boxes == 0 && !l.cfg.WriteEmpty:
			sum.Empty++
		default:
			sum.Written++
			sum.Boxes += boxes
			if boxes == 0 {
				sum.Empty++
			}
		}
	}

	l.logger.Info("pre-labeling finished",
		slog.Int("written", sum.Written),
		slog.Int("boxes", sum.Boxes),
		slog.Int("failed", sum.Failed),
	)
	return sum, nil
}

// Check sends a short text-only query so an unreachable server or missing
// model fails the run once instead of once per image
func (l *Labeler) Check(ctx context.Context) error {
	if _, err := l.client.SimpleQuery(ctx, l.cfg.Model, checkPrompt, ""); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s: %w", ErrModelUnavailable, l.cfg.Model, err)
	}
	return nil
}

func (l *Labeler) labelImage(ctx context.Context, imgPath, prompt string, canonical map[string]string) (boxes, rejected int, err error) {
	img, err := imageio.LoadImage(imgPath)
	if err != nil {
		return 0, 0, err
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	imgB64, err := imageio.PrepareImageForModel(img, "jpeg", l.cfg.MaxDimension, l.cfg.JPEGQuality)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to encode image: %w", err)
	}

	dets, err := l.client.DetectObjects(ctx, l.cfg.Model, prompt, imgB64)
	if err != nil {
		return 0, 0, err
	}

	rec := &types.Record{ImagePath: imgPath, ImageWidth: w, ImageHeight: h}
	for _, d := range dets {
		shape, ok := l.toShape(d, w, h, canonical)
		if !ok {
			rejected++
			continue
		}
		rec.Shapes = append(rec.Shapes, shape)
	}
	if len(rec.Shapes) == 0 && !l.cfg.WriteEmpty {
		return 0, rejected, nil
	}

	// an annotator may have saved a file while the model was running
	if err := annotation.WriteNew(annotationPath(imgPath), rec); err != nil {
		return 0, rejected, err
	}
	return len(rec.Shapes), rejected, nil
}

// toShape converts a normalized detection to a pixel rectangle, dropping
// unknown labels, low confidence and degenerate boxes
func (l *Labeler) toShape(d types.Detection, w, h int, canonical map[string]string) (types.Shape, bool) {
	label, ok := canonical[strings.ToLower(strings.TrimSpace(d.Label))]
	if !ok || d.Confidence < l.cfg.MinConfidence {
		return types.Shape{}, false
	}

	x1, y1, x2, y2 := normalizeBox(d, w, h)
	if x2-x1 < 1 || y2-y1 < 1 {
		return types.Shape{}, false
	}
	return types.Shape{
		Label:     label,
		ShapeType: types.ShapeRectangle,
		Points:    [][2]float64{{x1, y1}, {x2, y2}},
	}, true
}

// normalizeBox clamps a detection to the image and returns pixel corners.
// Values above 1 are taken as pixels.
func normalizeBox(d types.Detection, w, h int) (x1, y1, x2, y2 float64) {
	fw, fh := float64(w), float64(h)
	x, y, bw, bh := d.X, d.Y, d.W, d.H
	if x > 1 || y > 1 || bw > 1 || bh > 1 {
		x, y, bw, bh = x/fw, y/fh, bw/fw, bh/fh
	}
	x, y = clamp(x, 0, 1), clamp(y, 0, 1)
	right := clamp(x+math.Max(bw, 0), 0, 1)
	bottom := clamp(y+math.Max(bh, 0), 0, 1)
	return round2(x * fw), round2(y * fh), round2(right * fw), round2(bottom * fh)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
