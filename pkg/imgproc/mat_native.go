//go:build !purego

package imgproc

import (
	"image"
	"image/color"
	"os"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// Backend names the primitive implementation compiled into this binary.
const Backend = "opencv"

// FloatExt is the file extension used for single-channel float fields.
const FloatExt = ".exr"

func init() {
	// OpenCV refuses EXR I/O unless this is set before the first codec lookup.
	if os.Getenv("OPENCV_IO_ENABLE_OPENEXR") == "" {
		os.Setenv("OPENCV_IO_ENABLE_OPENEXR", "1")
	}
}

// Mat wraps gocv.Mat for the native OpenCV backend.
type Mat struct {
	m gocv.Mat
}

func toCV(t MatType) gocv.MatType {
	switch t {
	case TypeUint8C3:
		return gocv.MatTypeCV8UC3
	case TypeFloat32C1:
		return gocv.MatTypeCV32FC1
	case TypeFloat32C2:
		return gocv.MatTypeCV32FC2
	default:
		return gocv.MatTypeCV8UC1
	}
}

func fromCV(t gocv.MatType) MatType {
	switch t {
	case gocv.MatTypeCV8UC3:
		return TypeUint8C3
	case gocv.MatTypeCV32FC1:
		return TypeFloat32C1
	case gocv.MatTypeCV32FC2:
		return TypeFloat32C2
	default:
		return TypeUint8C1
	}
}

func interpFlag(interp Interpolation) gocv.InterpolationFlags {
	if interp == InterpNearest {
		return gocv.InterpolationNearestNeighbor
	}
	return gocv.InterpolationLinear
}

func NewMat() Mat { return Mat{m: gocv.NewMat()} }

// NewMatWithSize allocates a zero-filled matrix.
func NewMatWithSize(rows, cols int, t MatType) Mat {
	return Mat{m: gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), rows, cols, toCV(t))}
}

func (mat Mat) Rows() int                    { return mat.m.Rows() }
func (mat Mat) Cols() int                    { return mat.m.Cols() }
func (mat Mat) Type() MatType                { return fromCV(mat.m.Type()) }
func (mat Mat) Channels() int                { return mat.m.Channels() }
func (mat Mat) Empty() bool                  { return mat.m.Empty() }
func (mat Mat) Size() image.Point            { return image.Pt(mat.m.Cols(), mat.m.Rows()) }
func (mat Mat) Clone() Mat                   { return Mat{m: mat.m.Clone()} }
func (mat *Mat) Close() error                { return mat.m.Close() }
func (mat Mat) Region(r image.Rectangle) Mat { return Mat{m: mat.m.Region(r)} }

// DataFloat32 returns the backing float32 slice.
// Only valid for contiguous mats (not un-cloned sub-matrices from Region).
func (mat Mat) DataFloat32() []float32 {
	data, _ := mat.m.DataPtrFloat32()
	return data
}

// DataUint8 returns the backing uint8 slice.
// Only valid for contiguous mats (not un-cloned sub-matrices from Region).
func (mat Mat) DataUint8() []uint8 {
	data, _ := mat.m.DataPtrUint8()
	return data
}

func (mat *Mat) SetTo(v float64) {
	mat.m.SetTo(gocv.NewScalar(v, v, v, v))
}

// CopyMatTo copies src into dst. A dst of matching shape (including a
// Region view) is written in place; otherwise dst is replaced.
func CopyMatTo(src Mat, dst *Mat) {
	src.m.CopyTo(&dst.m)
}

// CopyToWithMask copies the elements of src where mask is non-zero.
func CopyToWithMask(src Mat, dst *Mat, mask Mat) {
	src.m.CopyToWithMask(&dst.m, mask.m)
}

// SetToWithMask sets every channel of dst to v where mask is non-zero.
func SetToWithMask(dst *Mat, v float64, mask Mat) {
	fill := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(v, v, v, v), dst.m.Rows(), dst.m.Cols(), dst.m.Type())
	defer fill.Close()
	fill.CopyToWithMask(&dst.m, mask.m)
}

// --- CV operations ---

// Remap samples src at the (x, y) positions stored in the two-channel float
// field xy. Samples falling outside src read as zero.
func Remap(src Mat, dst *Mat, xy Mat, interp Interpolation) {
	empty := gocv.NewMat()
	defer empty.Close()
	gocv.Remap(src.m, &dst.m, &xy.m, &empty, interpFlag(interp), gocv.BorderConstant, color.RGBA{})
}

// Resize scales src to size (width, height).
func Resize(src Mat, dst *Mat, size image.Point, interp Interpolation) {
	gocv.Resize(src.m, &dst.m, size, 0, 0, interpFlag(interp))
}

// Filter2D correlates every channel of src with k (anchor at the centre,
// reflect-101 borders). The result keeps the source depth.
func Filter2D(src Mat, dst *Mat, k Kernel3) {
	kernel := gocv.NewMatWithSize(3, 3, gocv.MatTypeCV32F)
	defer kernel.Close()
	for i, v := range k {
		kernel.SetFloatAt(i/3, i%3, v)
	}
	gocv.Filter2D(src.m, &dst.m, -1, kernel, image.Pt(-1, -1), 0, gocv.BorderReflect101)
}

// BoxFilter replaces each element with the normalised sum over a kw x kh window.
func BoxFilter(src Mat, dst *Mat, kw, kh int) {
	gocv.BoxFilter(src.m, &dst.m, -1, image.Pt(kw, kh))
}

// RGBToGray converts a three-channel 8-bit image to luma, weighting the
// channels in (R, G, B) order.
func RGBToGray(src Mat, dst *Mat) {
	gocv.CvtColor(src.m, &dst.m, gocv.ColorRGBToGray)
}

// Erode applies one grey-level erosion with a kw x kh rectangle.
func Erode(src Mat, dst *Mat, kw, kh int) {
	kernel := gocv.GetStructuringElement(gocv.MorphRect, image.Pt(kw, kh))
	defer kernel.Close()
	gocv.Erode(src.m, &dst.m, kernel)
}

// Dilate applies one grey-level dilation with a kw x kh rectangle.
func Dilate(src Mat, dst *Mat, kw, kh int) {
	kernel := gocv.GetStructuringElement(gocv.MorphRect, image.Pt(kw, kh))
	defer kernel.Close()
	gocv.Dilate(src.m, &dst.m, kernel)
}

// Add computes a + b, saturating for 8-bit types.
func Add(a, b Mat, dst *Mat) { gocv.Add(a.m, b.m, &dst.m) }

// Subtract computes a - b, saturating for 8-bit types.
func Subtract(a, b Mat, dst *Mat) { gocv.Subtract(a.m, b.m, &dst.m) }

// AbsDiff computes |a - b|.
func AbsDiff(a, b Mat, dst *Mat) { gocv.AbsDiff(a.m, b.m, &dst.m) }

// Max computes the element-wise maximum.
func Max(a, b Mat, dst *Mat) { gocv.Max(a.m, b.m, &dst.m) }

// CompareGE writes 255 where a >= b and 0 elsewhere.
func CompareGE(a, b Mat, dst *Mat) {
	gocv.Compare(a.m, b.m, &dst.m, gocv.CompareGE)
}

// CompareScalar writes 255 where (a op v) holds and 0 elsewhere.
func CompareScalar(a Mat, v float64, op CmpOp, dst *Mat) {
	ref := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(v, v, v, v), a.m.Rows(), a.m.Cols(), a.m.Type())
	defer ref.Close()
	ct := gocv.CompareGT
	switch op {
	case CmpLT:
		ct = gocv.CompareLT
	case CmpLE:
		ct = gocv.CompareLE
	case CmpGE:
		ct = gocv.CompareGE
	}
	gocv.Compare(a.m, ref, &dst.m, ct)
}

// Scale computes src*alpha + beta keeping the source type (saturating for 8-bit).
func Scale(src Mat, dst *Mat, alpha, beta float64) {
	src.m.ConvertToWithParams(&dst.m, src.m.Type(), float32(alpha), float32(beta))
}

// ConvertTo computes src*alpha + beta into a matrix of type t with the same
// channel count.
func ConvertTo(src Mat, dst *Mat, t MatType, alpha, beta float64) {
	src.m.ConvertToWithParams(&dst.m, toCV(t), float32(alpha), float32(beta))
}

// --- File I/O ---

// ReadImage loads an 8-bit colour image in BGR channel order.
func ReadImage(path string) (Mat, error) {
	m := gocv.IMRead(path, gocv.IMReadColor)
	if m.Empty() {
		m.Close()
		return Mat{}, errors.Errorf("read image %s: empty or unreadable", path)
	}
	return Mat{m: m}, nil
}

// WriteImage saves an 8-bit one- or three-channel (BGR) matrix; the format
// follows the file extension.
func WriteImage(path string, mat Mat) error {
	if !gocv.IMWrite(path, mat.m) {
		return errors.Errorf("write image %s failed", path)
	}
	return nil
}

// ReadFloat loads a single-channel float field (EXR or any float format
// OpenCV can decode). Multi-channel files contribute their first channel.
func ReadFloat(path string) (Mat, error) {
	m := gocv.IMRead(path, gocv.IMReadUnchanged)
	if m.Empty() {
		m.Close()
		return Mat{}, errors.Errorf("read field %s: empty or unreadable", path)
	}
	if m.Channels() > 1 {
		planes := gocv.Split(m)
		m.Close()
		for _, p := range planes[1:] {
			p.Close()
		}
		m = planes[0]
	}
	if m.Type() != gocv.MatTypeCV32FC1 {
		converted := gocv.NewMat()
		m.ConvertTo(&converted, gocv.MatTypeCV32FC1)
		m.Close()
		m = converted
	}
	return Mat{m: m}, nil
}

// WriteFloat stores a single-channel float field.
func WriteFloat(path string, mat Mat) error {
	if mat.Type() != TypeFloat32C1 {
		return errors.Errorf("write field %s: unsupported type %s", path, mat.Type())
	}
	if !gocv.IMWrite(path, mat.m) {
		return errors.Errorf("write field %s failed", path)
	}
	return nil
}
