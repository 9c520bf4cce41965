package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"

	"github.com/pkg/errors"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	panelWidth = 400
	titleH     = 20
	legendH    = 44
)

// Panel is one titled image of a preview sheet.
type Panel struct {
	Title string
	Image image.Image
}

// Legend annotates the colour bar under a preview sheet.
type Legend struct {
	Near, Far float64
	Unit      string
	// Summary is printed on the line below the colour bar.
	Summary string
}

// RenderPreview writes the panels side by side as a JPEG file.
func RenderPreview(panels []Panel, legend *Legend, outputPath string) error {
	img, err := renderPreviewImage(panels, legend)
	if err != nil {
		return err
	}

	f, err := os.Create(outputPath)
	if err != nil {
		return errors.Wrap(err, "create preview file")
	}
	defer f.Close()

	return jpeg.Encode(f, img, &jpeg.Options{Quality: 90})
}

// RenderPreviewBytes renders the panels and returns the JPEG bytes.
func RenderPreviewBytes(panels []Panel, legend *Legend) ([]byte, error) {
	img, err := renderPreviewImage(panels, legend)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func renderPreviewImage(panels []Panel, legend *Legend) (*image.RGBA, error) {
	if len(panels) == 0 {
		return nil, errors.New("no preview panels")
	}
	src := panels[0].Image.Bounds()
	if src.Empty() {
		return nil, errors.New("empty preview panel")
	}

	// All panels are scaled to the aspect of the first one.
	panelH := src.Dy() * panelWidth / src.Dx()
	if panelH < 1 {
		panelH = 1
	}
	totalW := panelWidth * len(panels)
	totalH := titleH + panelH
	if legend != nil {
		totalH += legendH
	}

	img := image.NewRGBA(image.Rect(0, 0, totalW, totalH))
	xdraw.Draw(img, img.Bounds(), image.NewUniform(color.RGBA{0, 0, 0, 255}), image.Point{}, xdraw.Src)

	face := basicfont.Face7x13
	textColor := color.RGBA{255, 255, 255, 255}
	for i, p := range panels {
		x0 := i * panelWidth
		dst := image.Rect(x0, titleH, x0+panelWidth, titleH+panelH)
		xdraw.ApproxBiLinear.Scale(img, dst, p.Image, p.Image.Bounds(), xdraw.Src, nil)
		drawCenteredText(img, face, p.Title, x0+panelWidth/2, titleH-6, textColor)
	}

	if legend != nil {
		drawLegend(img, face, legend, titleH+panelH)
	}
	return img, nil
}

// drawLegend draws the magma bar from near (left) to far (right).
func drawLegend(img *image.RGBA, face font.Face, l *Legend, top int) {
	const margin, barH = 10, 10
	w := img.Bounds().Dx() - 2*margin
	if w < 2 {
		return
	}
	for x := 0; x < w; x++ {
		// Near objects carry the largest disparity index.
		c := Magma[255-x*255/(w-1)]
		for y := 0; y < barH; y++ {
			img.SetRGBA(margin+x, top+4+y, c)
		}
	}

	textColor := color.RGBA{220, 220, 220, 255}
	near := fmt.Sprintf("%.0f %s", l.Near, l.Unit)
	far := fmt.Sprintf("%.0f %s", l.Far, l.Unit)
	drawText(img, face, near, margin, top+barH+18, textColor)
	drawText(img, face, far, margin+w-font.MeasureString(face, far).Round(), top+barH+18, textColor)
	if l.Summary != "" {
		drawCenteredText(img, face, l.Summary, img.Bounds().Dx()/2, top+barH+18, textColor)
	}
}

// drawText draws a string at (x, y) using the given font face.
func drawText(img *image.RGBA, face font.Face, s string, x, y int, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}

// drawCenteredText draws a string centered at (cx, y).
func drawCenteredText(img *image.RGBA, face font.Face, s string, cx, y int, c color.RGBA) {
	advance := font.MeasureString(face, s)
	drawText(img, face, s, cx-advance.Round()/2, y, c)
}
