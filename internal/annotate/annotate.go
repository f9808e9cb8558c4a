package annotate

import (
	"fmt"
	"image"
	"image/color"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/Capitan-Parrot/detection-stream/internal/models"
)

var (
	// BoxColor is the outline and label colour.
	BoxColor = color.RGBA{R: 255, G: 165, B: 0, A: 255}

	font *truetype.Font
)

const (
	lineWidth = 2
	fontSize  = 14
	labelGap  = 10
)

func init() {
	var err error
	font, err = truetype.Parse(goregular.TTF)
	if err != nil {
		panic(err)
	}
}

// Label formats the text drawn above a box. percent is already on the
// 0-100 scale.
func Label(className string, percent float64) string {
	return fmt.Sprintf("%s %.1f%%", className, percent)
}

// Draw returns a copy of img with one rectangle and one label per detection.
// scale turns detection confidence into a percentage for the label only: 1
// when the detector already reports 0-100, 100 for raw probabilities. The
// input frame is left untouched.
func Draw(img image.Image, detections []models.Detection, scale float64) image.Image {
	dc := gg.NewContextForImage(img)
	dc.SetFontFace(truetype.NewFace(font, &truetype.Options{Size: fontSize}))

	for _, d := range detections {
		drawRectangle(dc, d.Box.Rect())
		drawLabel(dc, Label(d.ClassName, d.Confidence*scale), d.Box)
	}
	return dc.Image()
}

// DrawFPS writes the frame rate in the top-left corner.
func DrawFPS(img image.Image, fps float64) image.Image {
	dc := gg.NewContextForImage(img)
	dc.SetFontFace(truetype.NewFace(font, &truetype.Options{Size: fontSize}))
	dc.SetColor(color.RGBA{G: 255, A: 255})
	dc.DrawStringAnchored(fmt.Sprintf("FPS: %.1f", fps), 10, 10, 0, 1)
	return dc.Image()
}

func drawRectangle(dc *gg.Context, r image.Rectangle) {
	dc.SetColor(BoxColor)
	dc.SetLineWidth(lineWidth)
	dc.DrawRectangle(float64(r.Min.X), float64(r.Min.Y), float64(r.Dx()), float64(r.Dy()))
	dc.Stroke()
}

// drawLabel ставит подпись над боксом, а если места нет, то под верхней гранью
func drawLabel(dc *gg.Context, text string, box models.Box) {
	y := float64(box.Y1 - labelGap)
	if y < fontSize {
		y = float64(box.Y1 + labelGap + fontSize)
	}
	dc.SetColor(BoxColor)
	dc.DrawString(text, float64(box.X1), y)
}
