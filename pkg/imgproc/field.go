package imgproc

import (
	"image"
	"math"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// MergeFields interleaves two single-channel float planes into an offset field.
func MergeFields(xs, ys Mat) (Mat, error) {
	if xs.Type() != TypeFloat32C1 || ys.Type() != TypeFloat32C1 {
		return NewMat(), errors.Errorf("merge fields: want %s planes, got %s and %s", TypeFloat32C1, xs.Type(), ys.Type())
	}
	if xs.Size() != ys.Size() {
		return NewMat(), errors.Errorf("merge fields: size mismatch %v vs %v", xs.Size(), ys.Size())
	}
	xc, yc := xs.Clone(), ys.Clone()
	defer xc.Close()
	defer yc.Close()

	out := NewMatWithSize(xs.Rows(), xs.Cols(), TypeFloat32C2)
	xd, yd, od := xc.DataFloat32(), yc.DataFloat32(), out.DataFloat32()
	for i := 0; i < xs.Rows()*xs.Cols(); i++ {
		od[2*i] = xd[i]
		od[2*i+1] = yd[i]
	}
	return out, nil
}

// SplitField separates an offset field into its x and y planes.
func SplitField(xy Mat) (Mat, Mat, error) {
	if xy.Type() != TypeFloat32C2 {
		return NewMat(), NewMat(), errors.Errorf("split field: want %s, got %s", TypeFloat32C2, xy.Type())
	}
	src := xy.Clone()
	defer src.Close()

	xs := NewMatWithSize(xy.Rows(), xy.Cols(), TypeFloat32C1)
	ys := NewMatWithSize(xy.Rows(), xy.Cols(), TypeFloat32C1)
	sd, xd, yd := src.DataFloat32(), xs.DataFloat32(), ys.DataFloat32()
	for i := range xd {
		xd[i] = sd[2*i]
		yd[i] = sd[2*i+1]
	}
	return xs, ys, nil
}

// ReadField loads an offset field stored as two single-channel float files.
func ReadField(xPath, yPath string) (Mat, error) {
	xs, err := ReadFloat(xPath)
	if err != nil {
		return NewMat(), err
	}
	defer xs.Close()
	ys, err := ReadFloat(yPath)
	if err != nil {
		return NewMat(), err
	}
	defer ys.Close()
	return MergeFields(xs, ys)
}

// WriteField stores an offset field as two single-channel float files.
func WriteField(xy Mat, xPath, yPath string) error {
	xs, ys, err := SplitField(xy)
	if err != nil {
		return err
	}
	defer xs.Close()
	defer ys.Close()
	return multierr.Combine(WriteFloat(xPath, xs), WriteFloat(yPath, ys))
}

// SampleField bilinearly interpolates a contiguous two-channel float field at
// (x, y). Taps outside the field contribute zero.
func SampleField(data []float32, rows, cols int, x, y float32) (float32, float32) {
	if math.IsNaN(float64(x)) || math.IsNaN(float64(y)) {
		return 0, 0
	}
	x0f, y0f := float32(math.Floor(float64(x))), float32(math.Floor(float64(y)))
	fx, fy := x-x0f, y-y0f
	x0, y0 := int(x0f), int(y0f)

	var sx, sy float32
	tap := func(xx, yy int, w float32) {
		if xx < 0 || yy < 0 || xx >= cols || yy >= rows {
			return
		}
		i := 2 * (yy*cols + xx)
		sx += w * data[i]
		sy += w * data[i+1]
	}
	tap(x0, y0, (1-fx)*(1-fy))
	tap(x0+1, y0, fx*(1-fy))
	tap(x0, y0+1, (1-fx)*fy)
	tap(x0+1, y0+1, fx*fy)
	return sx, sy
}

// CopyRect copies the rectangle r of src into dst with its top-left corner at at.
func CopyRect(src Mat, r image.Rectangle, dst *Mat, at image.Point) {
	if r.Empty() {
		return
	}
	s := src.Region(r)
	d := dst.Region(r.Sub(r.Min).Add(at))
	CopyMatTo(s, &d)
	s.Close()
	d.Close()
}
