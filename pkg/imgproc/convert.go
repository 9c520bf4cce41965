package imgproc

import (
	"image"
	"image/draw"
)

// ToImage converts an 8-bit one- or three-channel (BGR) matrix to a Go image.
// Other types yield nil.
func ToImage(m Mat) image.Image {
	c := m.Clone()
	defer c.Close()
	data := c.DataUint8()
	rows, cols := c.Rows(), c.Cols()

	switch c.Type() {
	case TypeUint8C1:
		g := image.NewGray(image.Rect(0, 0, cols, rows))
		for y := 0; y < rows; y++ {
			copy(g.Pix[y*g.Stride:y*g.Stride+cols], data[y*cols:(y+1)*cols])
		}
		return g
	case TypeUint8C3:
		out := image.NewNRGBA(image.Rect(0, 0, cols, rows))
		for y := 0; y < rows; y++ {
			for x := 0; x < cols; x++ {
				s := (y*cols + x) * 3
				d := y*out.Stride + x*4
				out.Pix[d] = data[s+2]
				out.Pix[d+1] = data[s+1]
				out.Pix[d+2] = data[s]
				out.Pix[d+3] = 0xff
			}
		}
		return out
	}
	return nil
}

// FromImage converts a Go image to a three-channel 8-bit matrix in BGR order.
func FromImage(img image.Image) Mat {
	b := img.Bounds()
	rgba := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)

	out := NewMatWithSize(b.Dy(), b.Dx(), TypeUint8C3)
	data := out.DataUint8()
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			s := y*rgba.Stride + x*4
			d := (y*b.Dx() + x) * 3
			data[d] = rgba.Pix[s+2]
			data[d+1] = rgba.Pix[s+1]
			data[d+2] = rgba.Pix[s]
		}
	}
	return out
}

// GrayAt reads one element of a contiguous single-channel 8-bit matrix.
func GrayAt(m Mat, x, y int) uint8 {
	return m.DataUint8()[y*m.Cols()+x]
}
