package depth

import (
	"image"

	"birefdepth/pkg/imgproc"
)

// RestoreImage removes the extraordinary copy from a rectified blended image
// for one candidate disparity. Two rounds are applied: the current estimate
// is shifted by the rounded disparity, scaled by tau and subtracted, then the
// corrected estimate is shifted by twice the disparity, scaled by tau squared
// and added back. translated must be preallocated with the size and type of
// rectified; columns the shift does not cover keep their previous content.
func RestoreImage(disparity, tau float32, rectified imgproc.Mat, translated, candidate *imgproc.Mat) {
	imgproc.CopyMatTo(rectified, candidate)
	cols, rows := rectified.Cols(), rectified.Rows()

	for k := 0; k < 2; k++ {
		var d int
		if disparity < 0 {
			d = int(disparity - 0.5)
		} else {
			d = int(disparity + 0.5)
		}
		switch {
		case d <= -cols || d >= cols:
		case d < 0:
			imgproc.CopyRect(*candidate, image.Rect(-d, 0, cols, rows), translated, image.Pt(0, 0))
		default:
			imgproc.CopyRect(*candidate, image.Rect(0, 0, cols-d, rows), translated, image.Pt(d, 0))
		}

		imgproc.Scale(*translated, translated, float64(tau), 0)
		if k == 0 {
			imgproc.Subtract(*candidate, *translated, candidate)
		} else {
			imgproc.Add(*candidate, *translated, candidate)
		}

		disparity *= 2
		tau *= tau
	}
}
