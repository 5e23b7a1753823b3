package annotate

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/technosupport/ppe-sentinel/internal/detect"
	"github.com/technosupport/ppe-sentinel/internal/ppe"
)

var (
	colorPerson   = color.RGBA{66, 133, 244, 255} // blue
	colorPositive = color.RGBA{52, 168, 83, 255}  // green
	colorNegative = color.RGBA{234, 67, 53, 255}  // red
	colorDefault  = color.RGBA{251, 188, 5, 255}  // yellow
	colorText     = color.RGBA{255, 255, 255, 255}
	colorTextBg   = color.RGBA{0, 0, 0, 180}
)

func classColor(c detect.Class) color.RGBA {
	switch c {
	case detect.ClassPerson:
		return colorPerson
	case detect.ClassHardhat, detect.ClassVest:
		return colorPositive
	case detect.ClassNoHardhat, detect.ClassNoVest:
		return colorNegative
	}
	return colorDefault
}

// Render decodes a JPEG frame, draws detection boxes, labels and worker ID
// tags, and re-encodes at the given quality. On any decode failure the
// original bytes are returned so the stream keeps flowing.
func Render(frame []byte, boxes []detect.Box, evals []ppe.Evaluation, quality int) []byte {
	img, err := jpeg.Decode(bytes.NewReader(frame))
	if err != nil {
		return frame
	}

	bounds := img.Bounds()
	rgba := image.NewRGBA(bounds)
	draw.Draw(rgba, bounds, img, bounds.Min, draw.Src)

	for _, box := range boxes {
		c := classColor(box.Class)
		drawRect(rgba, box.BBox, c, 2)
		label := fmt.Sprintf("%s %.0f%%", box.Class, box.Confidence*100)
		drawLabel(rgba, int(box.BBox.X1), int(box.BBox.Y1)-4, label, c)
	}

	// Worker tags go under the person box so they do not collide with
	// the class label above it.
	for _, e := range evals {
		tag := fmt.Sprintf("Worker %d", e.WorkerID)
		drawLabel(rgba, int(e.BBox.X1), int(e.BBox.Y2)+12, tag, colorPerson)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, rgba, &jpeg.Options{Quality: quality}); err != nil {
		return frame
	}
	return buf.Bytes()
}

func drawRect(img *image.RGBA, b detect.BBox, c color.RGBA, thickness int) {
	bounds := img.Bounds()
	x1, y1, x2, y2 := int(b.X1), int(b.Y1), int(b.X2), int(b.Y2)

	for t := 0; t < thickness; t++ {
		for x := x1; x <= x2; x++ {
			setPixel(img, bounds, x, y1+t, c)
			setPixel(img, bounds, x, y2-t, c)
		}
		for y := y1; y <= y2; y++ {
			setPixel(img, bounds, x1+t, y, c)
			setPixel(img, bounds, x2-t, y, c)
		}
	}
}

func setPixel(img *image.RGBA, bounds image.Rectangle, x, y int, c color.RGBA) {
	if x >= bounds.Min.X && x < bounds.Max.X && y >= bounds.Min.Y && y < bounds.Max.Y {
		img.Set(x, y, c)
	}
}

func drawLabel(img *image.RGBA, x, y int, label string, accent color.RGBA) {
	if y < 12 {
		y = 12
	}
	if x < 0 {
		x = 0
	}

	face := basicfont.Face7x13
	width := font.MeasureString(face, label).Ceil()

	bg := image.Rect(x-2, y-11, x+width+2, y+3)
	draw.Draw(img, bg.Intersect(img.Bounds()), &image.Uniform{colorTextBg}, image.Point{}, draw.Over)

	// Accent strip on the left edge ties the label to its box colour.
	strip := image.Rect(x-2, y-11, x, y+3)
	draw.Draw(img, strip.Intersect(img.Bounds()), &image.Uniform{accent}, image.Point{}, draw.Over)

	d := &font.Drawer{
		Dst:  img,
		Src:  &image.Uniform{colorText},
		Face: face,
		Dot:  fixed.P(x+2, y),
	}
	d.DrawString(label)
}
