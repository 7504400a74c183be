// Package normalize converts annotation shapes into YOLO bounding boxes.
//
// Polygons are flattened into their axis-aligned bounding rectangle; the
// original geometry is not kept.
package normalize

import (
	"errors"
	"math"

	"github.com/menta2k/dataset-maker/pkg/types"
)

var (
	// ErrUnknownLabel means the shape's label is not an active category
	ErrUnknownLabel = errors.New("label not in category list")
	// ErrUnsupportedShape means the shape type is neither rectangle nor polygon
	ErrUnsupportedShape = errors.New("unsupported shape type")
	// ErrPointCount means a rectangle without exactly 2 points or a polygon
	// with fewer than 3
	ErrPointCount = errors.New("invalid point count")
	// ErrInvalidDimensions means the image width or height is not positive
	ErrInvalidDimensions = errors.New("invalid image dimensions")
)

// Index maps category names to class ids by position. When a name repeats,
// the first position wins.
func Index(categories []string) map[string]int {
	idx := make(map[string]int, len(categories))
	for i, name := range categories {
		if _, ok := idx[name]; !ok {
			idx[name] = i
		}
	}
	return idx
}

// Normalize converts shape into a box normalized by the image size.
// ErrUnknownLabel is returned for labels missing from index; callers are
// expected to drop those silently.
func Normalize(shape types.Shape, imageWidth, imageHeight int, index map[string]int) (types.Box, error) {
	classID, ok := index[shape.Label]
	if !ok {
		return types.Box{}, ErrUnknownLabel
	}
	if imageWidth <= 0 || imageHeight <= 0 {
		return types.Box{}, ErrInvalidDimensions
	}

	var x1, y1, x2, y2 float64
	switch shape.ShapeType {
	case types.ShapeRectangle:
		if len(shape.Points) != 2 {
			return types.Box{}, ErrPointCount
		}
		x1, y1 = shape.Points[0][0], shape.Points[0][1]
		x2, y2 = shape.Points[1][0], shape.Points[1][1]
	case types.ShapePolygon:
		if len(shape.Points) < 3 {
			return types.Box{}, ErrPointCount
		}
		x1, y1, x2, y2 = bounds(shape.Points)
	default:
		return types.Box{}, ErrUnsupportedShape
	}

	w, h := float64(imageWidth), float64(imageHeight)
	return types.Box{
		ClassID: classID,
		XCenter: ((x1 + x2) / 2) / w,
		YCenter: ((y1 + y2) / 2) / h,
		Width:   math.Abs(x2-x1) / w,
		Height:  math.Abs(y2-y1) / h,
	}, nil
}

// bounds returns the axis-aligned bounding rectangle of points
func bounds(points [][2]float64) (minX, minY, maxX, maxY float64) {
	minX, minY = math.Inf(1), math.Inf(1)
	maxX, maxY = math.Inf(-1), math.Inf(-1)
	for _, p := range points {
		minX = math.Min(minX, p[0])
		minY = math.Min(minY, p[1])
		maxX = math.Max(maxX, p[0])
		maxY = math.Max(maxY, p[1])
	}
	return minX, minY, maxX, maxY
}

// IsSilent reports whether a Normalize error is an expected skip that should
// not be surfaced as a diagnostic
func IsSilent(err error) bool {
	return errors.Is(err, ErrUnknownLabel)
}
