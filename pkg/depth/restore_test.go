package depth

import (
	"math"
	"testing"

	"go.viam.com/test"

	"birefdepth/pkg/imgproc"
)

// blendRow returns a one-row BGR image of (s(x) + tau*s(x-d)) / (1+tau) and
// the source row s, for a textured s in [60, 200].
func blendRow(cols, d int, tau float64) (imgproc.Mat, []float64) {
	ext := cols + 8*int(math.Abs(float64(d))) + 8
	s := make([]float64, ext)
	for x := range s {
		s[x] = float64(60 + (x*37+11)%141)
	}
	m := imgproc.NewMatWithSize(1, cols, imgproc.TypeUint8C3)
	data := m.DataUint8()
	for x := 0; x < cols; x++ {
		v := math.Round((s[x] + tau*s[x-d]) / (1 + tau))
		for c := 0; c < 3; c++ {
			data[3*x+c] = uint8(v)
		}
	}
	return m, s
}

func TestRestoreImageRecoversSource(t *testing.T) {
	const cols, d = 120, -5
	var errs []float64
	for _, tau := range []float64{0.5, 0.3, 0.1} {
		blended, s := blendRow(cols, d, tau)
		translated := imgproc.NewMatWithSize(1, cols, imgproc.TypeUint8C3)
		candidate := imgproc.NewMat()

		RestoreImage(d, float32(tau), blended, &translated, &candidate)
		imgproc.Scale(candidate, &candidate, (1+tau)/(1+math.Pow(tau, 4)), 0)

		out := candidate.DataUint8()
		maxErr := 0.0
		for x := 0; x < 100; x++ {
			for c := 0; c < 3; c++ {
				maxErr = math.Max(maxErr, math.Abs(float64(out[3*x+c])-s[x]))
			}
		}
		test.That(t, maxErr, test.ShouldBeLessThanOrEqualTo, 400*math.Pow(tau, 4)+3)
		errs = append(errs, maxErr)

		blended.Close()
		translated.Close()
		candidate.Close()
	}
	test.That(t, errs[2], test.ShouldBeLessThan, errs[0])
}

func TestRestoreImageLeavesUncoveredColumns(t *testing.T) {
	const cols = 10
	rectified := imgproc.NewMatWithSize(1, cols, imgproc.TypeUint8C3)
	defer rectified.Close()
	rectified.SetTo(80)
	translated := imgproc.NewMatWithSize(1, cols, imgproc.TypeUint8C3)
	defer translated.Close()
	translated.SetTo(100)
	candidate := imgproc.NewMat()
	defer candidate.Close()

	RestoreImage(-3, 0.5, rectified, &translated, &candidate)

	// Columns 7..9 are never covered: 100 * 0.5 * 0.25.
	data := translated.DataUint8()
	for x := 7; x < cols; x++ {
		test.That(t, data[3*x], test.ShouldEqual, uint8(12))
	}
	// Round one: 80 - 40 = 40 on covered columns; round two adds 40 * 0.25.
	out := candidate.DataUint8()
	test.That(t, out[0], test.ShouldEqual, uint8(50))
}

func TestRestoreImageDisparityBeyondWidth(t *testing.T) {
	rectified := imgproc.NewMatWithSize(2, 4, imgproc.TypeUint8C3)
	defer rectified.Close()
	rectified.SetTo(100)
	translated := imgproc.NewMatWithSize(2, 4, imgproc.TypeUint8C3)
	defer translated.Close()
	candidate := imgproc.NewMat()
	defer candidate.Close()

	RestoreImage(40, 0.5, rectified, &translated, &candidate)
	for _, v := range candidate.DataUint8() {
		test.That(t, v, test.ShouldEqual, uint8(100))
	}
}
