// Package annotation reads and writes labelme-style annotation files.
//
// An annotation file is a JSON document stored next to the image it
// describes, sharing the image's filename stem:
//
//	{"imageWidth": 640, "imageHeight": 480,
//	 "shapes": [{"label": "scratch", "shape_type": "rectangle",
//	             "points": [[10, 20], [110, 80]]}]}
//
// Fields other than the ones above are ignored on read.
package annotation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/menta2k/dataset-maker/internal/utils"
	"github.com/menta2k/dataset-maker/pkg/imageio"
	"github.com/menta2k/dataset-maker/pkg/types"
)

// Extension is the filename extension of annotation files
const Extension = ".json"

// DefaultImageExtensions is the sibling image lookup order
var DefaultImageExtensions = []string{".jpg", ".png", ".jpeg"}

// statsImageExtensions are counted by Stats
var statsImageExtensions = []string{".jpg", ".jpeg", ".png", ".bmp"}

var (
	// ErrMalformedRecord matches any *MalformedRecordError
	ErrMalformedRecord = errors.New("malformed annotation record")
	// ErrImageNotFound means no sibling image exists for an annotation file
	ErrImageNotFound = errors.New("image file not found")
	// ErrImageUndecodable means the sibling image exists but its size can't be read
	ErrImageUndecodable = errors.New("cannot read image dimensions")
)

// MalformedRecordError reports an annotation file that is not valid JSON or
// does not have the expected structure
type MalformedRecordError struct {
	Path string
	Err  error
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed annotation %s: %v", e.Path, e.Err)
}

func (e *MalformedRecordError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrMalformedRecord) match
func (e *MalformedRecordError) Is(target error) bool {
	return target == ErrMalformedRecord
}

// file mirrors the on-disk layout. Dimensions are floats because some tools
// write 640.0; shape_type is kept raw so a missing key and an explicit null
// can be told apart.
type file struct {
	ImagePath   string      `json:"imagePath,omitempty"`
	ImageWidth  float64     `json:"imageWidth"`
	ImageHeight float64     `json:"imageHeight"`
	Shapes      []fileShape `json:"shapes"`
}

type fileShape struct {
	Label     string          `json:"label"`
	ShapeType json.RawMessage `json:"shape_type,omitempty"`
	Points    [][2]float64    `json:"points"`
}

// dimension truncates a stored size; anything not positive reads as missing
func dimension(v float64) int {
	if math.IsNaN(v) || v < 1 || v > math.MaxInt32 {
		return 0
	}
	return int(v)
}

// shapeType defaults a missing shape_type to rectangle. An explicit null or
// a non-string value yields a type no normalizer accepts.
func shapeType(raw json.RawMessage) string {
	if len(raw) == 0 {
		return types.ShapeRectangle
	}
	var st string
	if err := json.Unmarshal(raw, &st); err != nil {
		return string(raw)
	}
	return st
}

// Parse reads a single annotation file. Image dimensions are returned as
// stored; zero means the file did not provide them.
func Parse(path string) (*types.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read annotation file: %w", err)
	}
	return decode(path, data)
}

func decode(path string, data []byte) (*types.Record, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))

	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, &MalformedRecordError{Path: path, Err: err}
	}

	rec := &types.Record{
		Path:        path,
		ImageWidth:  dimension(f.ImageWidth),
		ImageHeight: dimension(f.ImageHeight),
		Shapes:      make([]types.Shape, 0, len(f.Shapes)),
	}
	for _, s := range f.Shapes {
		rec.Shapes = append(rec.Shapes, types.Shape{
			Label:     s.Label,
			ShapeType: shapeType(s.ShapeType),
			Points:    s.Points,
		})
	}
	return rec, nil
}

// ResolveImage finds the image sharing the annotation file's stem, trying
// exts in order
func ResolveImage(annotationPath string, exts []string) (string, error) {
	if len(exts) == 0 {
		exts = DefaultImageExtensions
	}
	base := strings.TrimSuffix(annotationPath, filepath.Ext(annotationPath))
	for _, ext := range exts {
		candidate := base + ext
		if utils.FileExists(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w for %s", ErrImageNotFound, filepath.Base(annotationPath))
}

// Load parses an annotation file, resolves its image and fills in missing
// image dimensions from the image itself
func Load(path string, exts []string) (*types.Record, error) {
	rec, err := Parse(path)
	if err != nil {
		return nil, err
	}

	imagePath, err := ResolveImage(path, exts)
	if err != nil {
		return nil, err
	}
	rec.ImagePath = imagePath

	if rec.ImageWidth <= 0 || rec.ImageHeight <= 0 {
		info, err := imageio.Dimensions(imagePath)
		if err != nil {
			return nil, fmt.Errorf("%w %s: %v", ErrImageUndecodable, filepath.Base(imagePath), err)
		}
		rec.ImageWidth, rec.ImageHeight = info.Width, info.Height
	}
	return rec, nil
}

// List returns the annotation files directly inside dir, sorted
func List(dir string) ([]string, error) {
	return utils.ListFiles(dir, Extension)
}

// ScanLabels collects the distinct non-empty labels used in all annotation
// files in dir. Files that fail to parse are skipped. The result is sorted.
func ScanLabels(dir string) ([]string, error) {
	files, err := List(dir)
	if err != nil {
		return nil, err
	}

	seen := map[string]struct{}{}
	for _, path := range files {
		rec, err := Parse(path)
		if err != nil {
			continue
		}
		for _, s := range rec.Shapes {
			if s.Label != "" {
				seen[s.Label] = struct{}{}
			}
		}
	}

	labels := make([]string, 0, len(seen))
	for l := range seen {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	return labels, nil
}

// DirStats summarizes the contents of an annotation directory
type DirStats struct {
	Images      int
	Annotations int
}

// Stats counts the image and annotation files directly inside dir
func Stats(dir string) (DirStats, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return DirStats{}, err
	}

	var st DirStats
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch {
		case strings.EqualFold(filepath.Ext(e.Name()), Extension):
			st.Annotations++
		case utils.IsImageFile(e.Name(), statsImageExtensions):
			st.Images++
		}
	}
	return st, nil
}

// Write stores rec as a labelme-style annotation file at path, replacing any
// existing file. The image path is recorded relative to the annotation file.
func Write(path string, rec *types.Record) error {
	data, err := encode(rec)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write annotation file: %w", err)
	}
	return nil
}

// WriteNew is Write for a file that must not exist yet. The error wraps
// fs.ErrExist when another writer got there first.
func WriteNew(path string, rec *types.Record) error {
	data, err := encode(rec)
	if err != nil {
		return err
	}
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("failed to create annotation file: %w", err)
	}
	if _, err := out.Write(data); err != nil {
		out.Close()
		os.Remove(path)
		return fmt.Errorf("failed to write annotation file: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(path)
		return fmt.Errorf("failed to write annotation file: %w", err)
	}
	return nil
}

func encode(rec *types.Record) ([]byte, error) {
	f := file{
		ImageWidth:  float64(rec.ImageWidth),
		ImageHeight: float64(rec.ImageHeight),
		Shapes:      make([]fileShape, 0, len(rec.Shapes)),
	}
	if rec.ImagePath != "" {
		f.ImagePath = filepath.Base(rec.ImagePath)
	}
	for _, s := range rec.Shapes {
		st, err := json.Marshal(s.ShapeType)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal annotation: %w", err)
		}
		f.Shapes = append(f.Shapes, fileShape{
			Label:     s.Label,
			ShapeType: st,
			Points:    s.Points,
		})
	}

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal annotation: %w", err)
	}
	return data, nil
}
