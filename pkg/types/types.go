package types

import "fmt"

// Shape types understood by the converter
const (
	ShapeRectangle = "rectangle"
	ShapePolygon   = "polygon"
)

// Shape is one labeled region of an annotation file
type Shape struct {
	Label     string       `json:"label"`
	ShapeType string       `json:"shape_type"`
	Points    [][2]float64 `json:"points"`
}

// Record is a parsed annotation file together with the image it describes
type Record struct {
	Path        string  `json:"-"`
	ImagePath   string  `json:"-"`
	ImageWidth  int     `json:"imageWidth"`
	ImageHeight int     `json:"imageHeight"`
	Shapes      []Shape `json:"shapes"`
}

// Box represents a normalized bounding box with center coordinates in [0,1] range
type Box struct {
	ClassID int     `json:"class_id"`
	XCenter float64 `json:"x_center"`
	YCenter float64 `json:"y_center"`
	Width   float64 `json:"width"`
	Height  float64 `json:"height"`
}

// String renders the box as a YOLO label line
func (b Box) String() string {
	return fmt.Sprintf("%d %.6f %.6f %.6f %.6f", b.ClassID, b.XCenter, b.YCenter, b.Width, b.Height)
}

// Split names a dataset partition
type Split string

const (
	SplitTrain Split = "train"
	SplitVal   Split = "val"
)

// Detection is an object reported by a vision model, box normalized to [0,1]
// with X/Y at the top-left corner
type Detection struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	W          float64 `json:"w"`
	H          float64 `json:"h"`
}
