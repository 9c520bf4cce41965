// Package render turns estimator outputs into viewable images.
package render

import (
	"image"
	"image/color"

	colorful "github.com/lucasb-eyer/go-colorful"

	"birefdepth/pkg/imgproc"
)

// magmaKeys are evenly spaced samples of the magma colour map.
var magmaKeys = []string{
	"#000004", "#1c1044", "#4f127b", "#812581", "#b5367a",
	"#e55964", "#fb8761", "#fec287", "#fcfdbf",
}

// Magma is a 256 entry lookup table interpolated in Lab space between magmaKeys.
var Magma = buildLUT(magmaKeys)

func buildLUT(keys []string) [256]color.RGBA {
	cs := make([]colorful.Color, len(keys))
	for i, k := range keys {
		c, err := colorful.Hex(k)
		if err != nil {
			panic(err)
		}
		cs[i] = c
	}

	var lut [256]color.RGBA
	segments := float64(len(cs) - 1)
	for i := range lut {
		pos := float64(i) / 255 * segments
		seg := int(pos)
		if seg >= len(cs)-1 {
			seg = len(cs) - 2
		}
		r, g, b := cs[seg].BlendLab(cs[seg+1], pos-float64(seg)).Clamped().RGB255()
		lut[i] = color.RGBA{R: r, G: g, B: b, A: 0xff}
	}
	return lut
}

// ColorizeDisparity renders a sparse 0-255 disparity map. Valid values are
// compressed into the upper part of the map (0.8*v + 64) so they stand out
// from the invalid black background, then grown by a 3x3 dilation.
func ColorizeDisparity(sparse imgproc.Mat) *image.RGBA {
	shifted := imgproc.NewMat()
	defer shifted.Close()
	lifted := imgproc.NewMat()
	defer lifted.Close()
	valid := imgproc.NewMat()
	defer valid.Close()

	imgproc.Scale(sparse, &shifted, 0.8, 0)
	imgproc.CompareScalar(shifted, 0, imgproc.CmpGT, &valid)
	imgproc.Scale(shifted, &lifted, 1, 0.25*255)
	imgproc.CopyToWithMask(lifted, &shifted, valid)
	imgproc.Dilate(shifted, &shifted, 3, 3)

	return ApplyLUT(shifted, &Magma)
}

// ApplyLUT maps a single-channel 8-bit matrix through lut.
func ApplyLUT(m imgproc.Mat, lut *[256]color.RGBA) *image.RGBA {
	c := m.Clone()
	defer c.Close()
	rows, cols := c.Rows(), c.Cols()
	out := image.NewRGBA(image.Rect(0, 0, cols, rows))
	data := c.DataUint8()
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			out.SetRGBA(x, y, lut[data[y*cols+x]])
		}
	}
	return out
}
