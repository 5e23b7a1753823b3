package detect

import "strings"

// Class is a detection label from the PPE model vocabulary.
type Class string

const (
	ClassPerson    Class = "Person"
	ClassHardhat   Class = "Hardhat"
	ClassNoHardhat Class = "NoHardhat"
	ClassVest      Class = "Vest"
	ClassNoVest    Class = "NoVest"
)

// wireAliases maps the label spellings emitted by the trained model to the
// internal whitespace-free names.
var wireAliases = map[string]Class{
	"person":         ClassPerson,
	"hardhat":        ClassHardhat,
	"no-hardhat":     ClassNoHardhat,
	"no hardhat":     ClassNoHardhat,
	"nohardhat":      ClassNoHardhat,
	"vest":           ClassVest,
	"safety vest":    ClassVest,
	"safetyvest":     ClassVest,
	"no-vest":        ClassNoVest,
	"no vest":        ClassNoVest,
	"novest":         ClassNoVest,
	"no-safety vest": ClassNoVest,
	"nosafetyvest":   ClassNoVest,
}

// NormalizeClass maps a model label to the internal vocabulary.
// Unknown labels return ("", false) and are dropped by the facade.
func NormalizeClass(raw string) (Class, bool) {
	c, ok := wireAliases[strings.ToLower(strings.TrimSpace(raw))]
	return c, ok
}

// BBox is an axis-aligned box in original frame pixel coordinates.
type BBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

func (b BBox) Width() float64  { return b.X2 - b.X1 }
func (b BBox) Height() float64 { return b.Y2 - b.Y1 }

func (b BBox) Area() float64 {
	w, h := b.Width(), b.Height()
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Intersection returns the overlapping area of two boxes.
func (b BBox) Intersection(o BBox) float64 {
	x1 := max(b.X1, o.X1)
	y1 := max(b.Y1, o.Y1)
	x2 := min(b.X2, o.X2)
	y2 := min(b.Y2, o.Y2)
	if x2 <= x1 || y2 <= y1 {
		return 0
	}
	return (x2 - x1) * (y2 - y1)
}

// IoU is intersection over union.
func (b BBox) IoU(o BBox) float64 {
	inter := b.Intersection(o)
	if inter == 0 {
		return 0
	}
	union := b.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Box is one labelled detection.
type Box struct {
	Class      Class   `json:"class"`
	Confidence float64 `json:"confidence"`
	BBox       BBox    `json:"bbox"`
}
