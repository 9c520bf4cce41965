//go:build purego

package imgproc

import (
	"image"
	"math"
	"os"

	"github.com/disintegration/imaging"
	"github.com/mdouchement/hdr"
	"github.com/mdouchement/hdr/codec/pfm"
	"github.com/mdouchement/hdr/hdrcolor"
	"github.com/pkg/errors"
)

// Backend names the primitive implementation compiled into this binary.
const Backend = "pure-go"

// FloatExt is the file extension used for single-channel float fields.
const FloatExt = ".pfm"

// Mat is a pure Go 2D matrix of uint8 or float32 elements with interleaved channels.
type Mat struct {
	typ    MatType
	rows   int
	cols   int
	stride int // elements per row in backing array (may differ for sub-matrices)
	off    int // offset into backing array for sub-matrices
	f32    []float32
	u8     []uint8
	owned  bool
}

func NewMat() Mat { return Mat{} }

// NewMatWithSize allocates a zero-filled matrix.
func NewMatWithSize(rows, cols int, t MatType) Mat {
	m := Mat{typ: t, rows: rows, cols: cols, stride: cols * t.Channels(), owned: true}
	if t.IsFloat() {
		m.f32 = make([]float32, rows*m.stride)
	} else {
		m.u8 = make([]uint8, rows*m.stride)
	}
	return m
}

func (m Mat) Rows() int         { return m.rows }
func (m Mat) Cols() int         { return m.cols }
func (m Mat) Type() MatType     { return m.typ }
func (m Mat) Channels() int     { return m.typ.Channels() }
func (m Mat) Empty() bool       { return (m.f32 == nil && m.u8 == nil) || m.rows == 0 || m.cols == 0 }
func (m Mat) Size() image.Point { return image.Pt(m.cols, m.rows) }

func (m Mat) rowLen() int { return m.cols * m.typ.Channels() }

func (m Mat) contiguous() bool { return m.off == 0 && m.stride == m.rowLen() }

func (m Mat) Clone() Mat {
	out := NewMatWithSize(m.rows, m.cols, m.typ)
	n := m.rowLen()
	for r := 0; r < m.rows; r++ {
		srcOff := m.off + r*m.stride
		if m.typ.IsFloat() {
			copy(out.f32[r*n:], m.f32[srcOff:srcOff+n])
		} else {
			copy(out.u8[r*n:], m.u8[srcOff:srcOff+n])
		}
	}
	return out
}

func (m *Mat) Close() error {
	if m.owned {
		m.f32 = nil
		m.u8 = nil
	}
	m.rows = 0
	m.cols = 0
	return nil
}

// DataFloat32 returns the backing float32 slice.
// Only valid for contiguous mats (not un-cloned sub-matrices from Region).
func (m Mat) DataFloat32() []float32 {
	if m.f32 == nil {
		return nil
	}
	return m.f32[m.off:]
}

// DataUint8 returns the backing uint8 slice.
// Only valid for contiguous mats (not un-cloned sub-matrices from Region).
func (m Mat) DataUint8() []uint8 {
	if m.u8 == nil {
		return nil
	}
	return m.u8[m.off:]
}

func (m Mat) Region(r image.Rectangle) Mat {
	ch := m.typ.Channels()
	return Mat{
		typ:    m.typ,
		rows:   r.Dy(),
		cols:   r.Dx(),
		stride: m.stride,
		off:    m.off + r.Min.Y*m.stride + r.Min.X*ch,
		f32:    m.f32,
		u8:     m.u8,
		owned:  false,
	}
}

// compact returns m itself when contiguous, otherwise a packed copy.
func (m Mat) compact() Mat {
	if m.contiguous() {
		return m
	}
	return m.Clone()
}

func (m Mat) at(i int) float64 {
	if m.f32 != nil {
		return float64(m.f32[i])
	}
	return float64(m.u8[i])
}

func (m Mat) put(i int, v float64) {
	if m.f32 != nil {
		m.f32[i] = float32(v)
		return
	}
	m.u8[i] = sat8(v)
}

func sat8(v float64) uint8 {
	v = math.RoundToEven(v)
	if v <= 0 || math.IsNaN(v) {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(v)
}

// assign stores a freshly computed contiguous result into dst, writing
// through existing storage when the shape already matches.
func assign(dst *Mat, out Mat) {
	if !dst.Empty() && dst.rows == out.rows && dst.cols == out.cols && dst.typ == out.typ {
		CopyMatTo(out, dst)
		return
	}
	*dst = out
}

func (m *Mat) SetTo(v float64) {
	n := m.rowLen()
	for r := 0; r < m.rows; r++ {
		off := m.off + r*m.stride
		for c := 0; c < n; c++ {
			m.put(off+c, v)
		}
	}
}

// CopyMatTo copies src into dst. A dst of matching shape (including a
// Region view) is written in place; otherwise dst is replaced.
func CopyMatTo(src Mat, dst *Mat) {
	if dst.Empty() || dst.rows != src.rows || dst.cols != src.cols || dst.typ != src.typ {
		*dst = src.Clone()
		return
	}
	n := src.rowLen()
	for r := 0; r < src.rows; r++ {
		so := src.off + r*src.stride
		do := dst.off + r*dst.stride
		if src.typ.IsFloat() {
			copy(dst.f32[do:do+n], src.f32[so:so+n])
		} else {
			copy(dst.u8[do:do+n], src.u8[so:so+n])
		}
	}
}

// CopyToWithMask copies the elements of src where mask is non-zero.
func CopyToWithMask(src Mat, dst *Mat, mask Mat) {
	src, mask = src.compact(), mask.compact()
	if dst.Empty() || dst.rows != src.rows || dst.cols != src.cols || dst.typ != src.typ {
		*dst = NewMatWithSize(src.rows, src.cols, src.typ)
	}
	ch := src.Channels()
	for y := 0; y < src.rows; y++ {
		do := dst.off + y*dst.stride
		for x := 0; x < src.cols; x++ {
			if mask.u8[y*mask.cols+x] == 0 {
				continue
			}
			for c := 0; c < ch; c++ {
				dst.put(do+x*ch+c, src.at((y*src.cols+x)*ch+c))
			}
		}
	}
}

// SetToWithMask sets every channel of dst to v where mask is non-zero.
func SetToWithMask(dst *Mat, v float64, mask Mat) {
	mask = mask.compact()
	ch := dst.Channels()
	for y := 0; y < dst.rows; y++ {
		do := dst.off + y*dst.stride
		for x := 0; x < dst.cols; x++ {
			if mask.u8[y*mask.cols+x] == 0 {
				continue
			}
			for c := 0; c < ch; c++ {
				dst.put(do+x*ch+c, v)
			}
		}
	}
}

// --- CV operations ---

// reflectIndex maps an out-of-range index with BORDER_REFLECT_101 semantics.
func reflectIndex(idx, size int) int {
	if size == 1 {
		return 0
	}
	if idx < 0 {
		idx = -idx
	}
	for idx >= size {
		idx = 2*size - 2 - idx
		if idx < 0 {
			idx = -idx
		}
	}
	return idx
}

// Remap samples src at the (x, y) positions stored in the two-channel float
// field xy. Samples falling outside src read as zero.
func Remap(src Mat, dst *Mat, xy Mat, interp Interpolation) {
	src, xy = src.compact(), xy.compact()
	ch := src.Channels()
	out := NewMatWithSize(xy.rows, xy.cols, src.typ)
	maps := xy.f32
	acc := make([]float64, ch)

	for y := 0; y < xy.rows; y++ {
		for x := 0; x < xy.cols; x++ {
			i := y*xy.cols + x
			mx, my := float64(maps[2*i]), float64(maps[2*i+1])
			if math.IsNaN(mx) || math.IsNaN(my) || math.IsInf(mx, 0) || math.IsInf(my, 0) {
				continue
			}
			o := i * ch
			if interp == InterpNearest {
				ix, iy := int(math.RoundToEven(mx)), int(math.RoundToEven(my))
				if ix < 0 || iy < 0 || ix >= src.cols || iy >= src.rows {
					continue
				}
				so := (iy*src.cols + ix) * ch
				for c := 0; c < ch; c++ {
					out.put(o+c, src.at(so+c))
				}
				continue
			}

			x0f, y0f := math.Floor(mx), math.Floor(my)
			fx, fy := mx-x0f, my-y0f
			x0, y0 := int(x0f), int(y0f)
			for c := range acc {
				acc[c] = 0
			}
			for t := 0; t < 4; t++ {
				xx, yy := x0+t%2, y0+t/2
				if xx < 0 || yy < 0 || xx >= src.cols || yy >= src.rows {
					continue
				}
				w := (1 - fx) * (1 - fy)
				switch t {
				case 1:
					w = fx * (1 - fy)
				case 2:
					w = (1 - fx) * fy
				case 3:
					w = fx * fy
				}
				so := (yy*src.cols + xx) * ch
				for c := 0; c < ch; c++ {
					acc[c] += w * src.at(so+c)
				}
			}
			for c := 0; c < ch; c++ {
				out.put(o+c, acc[c])
			}
		}
	}
	assign(dst, out)
}

// resizeCoord returns the two source taps and the weight of the second one
// for destination index d, using half-pixel centres and edge clamping.
func resizeCoord(d int, scale float64, n int) (int, int, float64) {
	s := (float64(d)+0.5)*scale - 0.5
	if s < 0 {
		s = 0
	}
	i0 := int(math.Floor(s))
	f := s - float64(i0)
	if i0 >= n-1 {
		return n - 1, n - 1, 0
	}
	return i0, i0 + 1, f
}

// Resize scales src to size (width, height).
func Resize(src Mat, dst *Mat, size image.Point, interp Interpolation) {
	src = src.compact()
	ch := src.Channels()
	out := NewMatWithSize(size.Y, size.X, src.typ)
	sx := float64(src.cols) / float64(size.X)
	sy := float64(src.rows) / float64(size.Y)

	for y := 0; y < size.Y; y++ {
		for x := 0; x < size.X; x++ {
			o := (y*size.X + x) * ch
			if interp == InterpNearest {
				ix := min(int(math.Floor(float64(x)*sx)), src.cols-1)
				iy := min(int(math.Floor(float64(y)*sy)), src.rows-1)
				so := (iy*src.cols + ix) * ch
				for c := 0; c < ch; c++ {
					out.put(o+c, src.at(so+c))
				}
				continue
			}
			x0, x1, fx := resizeCoord(x, sx, src.cols)
			y0, y1, fy := resizeCoord(y, sy, src.rows)
			for c := 0; c < ch; c++ {
				v00 := src.at((y0*src.cols+x0)*ch + c)
				v01 := src.at((y0*src.cols+x1)*ch + c)
				v10 := src.at((y1*src.cols+x0)*ch + c)
				v11 := src.at((y1*src.cols+x1)*ch + c)
				top := v00*(1-fx) + v01*fx
				bottom := v10*(1-fx) + v11*fx
				out.put(o+c, top*(1-fy)+bottom*fy)
			}
		}
	}
	assign(dst, out)
}

// Filter2D correlates every channel of src with k (anchor at the centre,
// reflect-101 borders). The result keeps the source depth.
func Filter2D(src Mat, dst *Mat, k Kernel3) {
	src = src.compact()
	ch := src.Channels()
	out := NewMatWithSize(src.rows, src.cols, src.typ)

	for y := 0; y < src.rows; y++ {
		for x := 0; x < src.cols; x++ {
			for c := 0; c < ch; c++ {
				sum := 0.0
				for ky := 0; ky < 3; ky++ {
					yy := reflectIndex(y+ky-1, src.rows)
					for kx := 0; kx < 3; kx++ {
						w := k[ky*3+kx]
						if w == 0 {
							continue
						}
						xx := reflectIndex(x+kx-1, src.cols)
						sum += float64(w) * src.at((yy*src.cols+xx)*ch+c)
					}
				}
				out.put((y*src.cols+x)*ch+c, sum)
			}
		}
	}
	assign(dst, out)
}

// BoxFilter replaces each element with the normalised sum over a kw x kh window.
func BoxFilter(src Mat, dst *Mat, kw, kh int) {
	src = src.compact()
	ch := src.Channels()
	rows, cols := src.rows, src.cols
	ax, ay := kw/2, kh/2

	horiz := make([]float64, rows*cols*ch)
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			for c := 0; c < ch; c++ {
				sum := 0.0
				for dx := -ax; dx < kw-ax; dx++ {
					xx := reflectIndex(x+dx, cols)
					sum += src.at((y*cols+xx)*ch + c)
				}
				horiz[(y*cols+x)*ch+c] = sum
			}
		}
	}

	out := NewMatWithSize(rows, cols, src.typ)
	norm := 1.0 / float64(kw*kh)
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			for c := 0; c < ch; c++ {
				sum := 0.0
				for dy := -ay; dy < kh-ay; dy++ {
					yy := reflectIndex(y+dy, rows)
					sum += horiz[(yy*cols+x)*ch+c]
				}
				out.put((y*cols+x)*ch+c, sum*norm)
			}
		}
	}
	assign(dst, out)
}

// RGBToGray converts a three-channel 8-bit image to luma, weighting the
// channels in (R, G, B) order with OpenCV's fixed-point coefficients.
func RGBToGray(src Mat, dst *Mat) {
	src = src.compact()
	out := NewMatWithSize(src.rows, src.cols, TypeUint8C1)
	for i := 0; i < src.rows*src.cols; i++ {
		c0 := int(src.u8[3*i])
		c1 := int(src.u8[3*i+1])
		c2 := int(src.u8[3*i+2])
		out.u8[i] = uint8((c0*4899 + c1*9617 + c2*1868 + 8192) >> 14)
	}
	assign(dst, out)
}

func morph(src Mat, dst *Mat, kw, kh int, erode bool) {
	src = src.compact()
	ch := src.Channels()
	out := NewMatWithSize(src.rows, src.cols, src.typ)
	ax, ay := kw/2, kh/2

	for y := 0; y < src.rows; y++ {
		for x := 0; x < src.cols; x++ {
			for c := 0; c < ch; c++ {
				best := math.Inf(1)
				if !erode {
					best = math.Inf(-1)
				}
				for dy := -ay; dy < kh-ay; dy++ {
					yy := y + dy
					if yy < 0 || yy >= src.rows {
						continue
					}
					for dx := -ax; dx < kw-ax; dx++ {
						xx := x + dx
						if xx < 0 || xx >= src.cols {
							continue
						}
						v := src.at((yy*src.cols+xx)*ch + c)
						if (erode && v < best) || (!erode && v > best) {
							best = v
						}
					}
				}
				out.put((y*src.cols+x)*ch+c, best)
			}
		}
	}
	assign(dst, out)
}

// Erode applies one grey-level erosion with a kw x kh rectangle.
func Erode(src Mat, dst *Mat, kw, kh int) { morph(src, dst, kw, kh, true) }

// Dilate applies one grey-level dilation with a kw x kh rectangle.
func Dilate(src Mat, dst *Mat, kw, kh int) { morph(src, dst, kw, kh, false) }

func binaryOp(a, b Mat, dst *Mat, f func(x, y float64) float64) {
	a, b = a.compact(), b.compact()
	out := NewMatWithSize(a.rows, a.cols, a.typ)
	n := a.rows * a.rowLen()
	for i := 0; i < n; i++ {
		out.put(i, f(a.at(i), b.at(i)))
	}
	assign(dst, out)
}

// Add computes a + b, saturating for 8-bit types.
func Add(a, b Mat, dst *Mat) { binaryOp(a, b, dst, func(x, y float64) float64 { return x + y }) }

// Subtract computes a - b, saturating for 8-bit types.
func Subtract(a, b Mat, dst *Mat) { binaryOp(a, b, dst, func(x, y float64) float64 { return x - y }) }

// AbsDiff computes |a - b|.
func AbsDiff(a, b Mat, dst *Mat) { binaryOp(a, b, dst, func(x, y float64) float64 { return math.Abs(x - y) }) }

// Max computes the element-wise maximum.
func Max(a, b Mat, dst *Mat) { binaryOp(a, b, dst, math.Max) }

func maskType(t MatType) MatType {
	if t.Channels() == 3 {
		return TypeUint8C3
	}
	return TypeUint8C1
}

// CompareGE writes 255 where a >= b and 0 elsewhere.
func CompareGE(a, b Mat, dst *Mat) {
	a, b = a.compact(), b.compact()
	out := NewMatWithSize(a.rows, a.cols, maskType(a.typ))
	for i := range out.u8 {
		if a.at(i) >= b.at(i) {
			out.u8[i] = 255
		}
	}
	assign(dst, out)
}

// CompareScalar writes 255 where (a op v) holds and 0 elsewhere.
func CompareScalar(a Mat, v float64, op CmpOp, dst *Mat) {
	a = a.compact()
	out := NewMatWithSize(a.rows, a.cols, maskType(a.typ))
	for i := range out.u8 {
		if cmp(op, a.at(i), v) {
			out.u8[i] = 255
		}
	}
	assign(dst, out)
}

// Scale computes src*alpha + beta keeping the source type (saturating for 8-bit).
func Scale(src Mat, dst *Mat, alpha, beta float64) {
	ConvertTo(src, dst, src.typ, alpha, beta)
}

// ConvertTo computes src*alpha + beta into a matrix of type t with the same
// channel count.
func ConvertTo(src Mat, dst *Mat, t MatType, alpha, beta float64) {
	src = src.compact()
	out := NewMatWithSize(src.rows, src.cols, t)
	n := src.rows * src.rowLen()
	for i := 0; i < n; i++ {
		out.put(i, src.at(i)*alpha+beta)
	}
	assign(dst, out)
}

// --- File I/O ---

// ReadImage loads an 8-bit colour image in BGR channel order.
func ReadImage(path string) (Mat, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return Mat{}, errors.Wrapf(err, "read image %s", path)
	}
	nrgba := imaging.Clone(img)
	b := nrgba.Bounds()
	out := NewMatWithSize(b.Dy(), b.Dx(), TypeUint8C3)
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			s := y*nrgba.Stride + x*4
			d := (y*b.Dx() + x) * 3
			out.u8[d] = nrgba.Pix[s+2]
			out.u8[d+1] = nrgba.Pix[s+1]
			out.u8[d+2] = nrgba.Pix[s]
		}
	}
	return out, nil
}

// WriteImage saves an 8-bit one- or three-channel (BGR) matrix; the format
// follows the file extension.
func WriteImage(path string, m Mat) error {
	if m.typ.IsFloat() {
		return errors.Errorf("write image %s: unsupported type %s", path, m.typ)
	}
	if err := imaging.Save(ToImage(m), path); err != nil {
		return errors.Wrapf(err, "write image %s", path)
	}
	return nil
}

// ReadFloat loads a single-channel float field stored as PFM.
func ReadFloat(path string) (Mat, error) {
	f, err := os.Open(path)
	if err != nil {
		return Mat{}, errors.Wrapf(err, "read field %s", path)
	}
	defer f.Close()

	img, err := pfm.Decode(f)
	if err != nil {
		return Mat{}, errors.Wrapf(err, "decode field %s", path)
	}
	hm, ok := img.(hdr.Image)
	if !ok {
		return Mat{}, errors.Errorf("decode field %s: not an HDR image", path)
	}
	b := hm.Bounds()
	out := NewMatWithSize(b.Dy(), b.Dx(), TypeFloat32C1)
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			r, _, _, _ := hm.HDRAt(b.Min.X+x, b.Min.Y+y).HDRRGBA()
			out.f32[y*b.Dx()+x] = float32(r)
		}
	}
	return out, nil
}

// WriteFloat stores a single-channel float field as PFM.
func WriteFloat(path string, m Mat) error {
	if m.typ != TypeFloat32C1 {
		return errors.Errorf("write field %s: unsupported type %s", path, m.typ)
	}
	m = m.compact()
	img := hdr.NewRGB(image.Rect(0, 0, m.cols, m.rows))
	for y := 0; y < m.rows; y++ {
		for x := 0; x < m.cols; x++ {
			v := float64(m.f32[y*m.cols+x])
			img.SetRGB(x, y, hdrcolor.RGB{R: v, G: v, B: v})
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "write field %s", path)
	}
	if err := pfm.Encode(f, img); err != nil {
		f.Close()
		return errors.Wrapf(err, "encode field %s", path)
	}
	return errors.Wrapf(f.Close(), "write field %s", path)
}
