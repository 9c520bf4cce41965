// Package rectify builds the lookup fields that map between the captured
// birefractive image and its rectified grid, in which the displacement
// between the ordinary and extraordinary copies runs along image rows.
package rectify

import (
	"image"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"

	"birefdepth/pkg/imgproc"
)

const (
	// RightMargin is the number of extra columns appended to the rectified grid.
	RightMargin = 30
	// DefaultReverseScale is the supersampling factor used by Reverse.
	DefaultReverseScale = 6.0
)

// Result is the output of Build.
type Result struct {
	// Forward maps every rectified pixel to its position in the captured image.
	Forward imgproc.Mat
	// Baseline is the mean horizontal o/e displacement in pixels. Multiplied
	// by the focal length it gives the disparity coefficient.
	Baseline float32
}

// Close releases the forward field.
func (r *Result) Close() error {
	return r.Forward.Close()
}

// Build integrates the normalised o/e displacement field column by column,
// starting from an identity first column, so that consecutive rectified
// columns are one baseline-normalised disparity step apart.
func Build(oOffset, eOffset imgproc.Mat) (*Result, error) {
	if oOffset.Type() != imgproc.TypeFloat32C2 || eOffset.Type() != imgproc.TypeFloat32C2 {
		return nil, errors.Errorf("offset fields must be %s, got %s and %s",
			imgproc.TypeFloat32C2, oOffset.Type(), eOffset.Type())
	}
	if oOffset.Size() != eOffset.Size() {
		return nil, errors.Errorf("offset field size mismatch: %v vs %v", oOffset.Size(), eOffset.Size())
	}
	rows, cols := oOffset.Rows(), oOffset.Cols()
	if rows == 0 || cols == 0 {
		return nil, errors.New("offset fields are empty")
	}

	oc, ec := oOffset.Clone(), eOffset.Clone()
	defer oc.Close()
	defer ec.Close()
	od, ed := oc.DataFloat32(), ec.DataFloat32()

	// Step 1: difference field and its mean horizontal component
	n := rows * cols
	diff := make([]float32, 2*n)
	xs := make([]float64, n)
	for i := 0; i < n; i++ {
		diff[2*i] = od[2*i] - ed[2*i]
		diff[2*i+1] = od[2*i+1] - ed[2*i+1]
		xs[i] = float64(diff[2*i])
	}
	baseline := stat.Mean(xs, nil)
	if baseline == 0 || math.IsNaN(baseline) || math.IsInf(baseline, 0) {
		return nil, errors.Errorf("degenerate baseline %v", baseline)
	}

	// Step 2: normalise to unit horizontal disparity
	inv := float32(1 / baseline)
	for i := range diff {
		diff[i] *= inv
	}

	// Step 3: integrate column by column
	outCols := cols + RightMargin
	forward := imgproc.NewMatWithSize(rows, outCols, imgproc.TypeFloat32C2)
	fd := forward.DataFloat32()
	for i := 0; i < rows; i++ {
		row := 2 * i * outCols
		fd[row] = 0
		fd[row+1] = float32(i)
		for j := 1; j < outCols; j++ {
			px, py := fd[row+2*(j-1)], fd[row+2*(j-1)+1]
			dx, dy := imgproc.SampleField(diff, rows, cols, px, py)
			fd[row+2*j] = px + dx
			fd[row+2*j+1] = py + dy
		}
	}

	return &Result{Forward: forward, Baseline: float32(baseline)}, nil
}

// Reverse inverts a forward field onto a captured grid of the given size.
// The forward field is supersampled by scale, every interior sample is
// scattered to the 3x3 cells around its rounded target keeping the nearest
// source per cell, and the result is reduced back to size.
func Reverse(forward imgproc.Mat, size image.Point, scale float64) (imgproc.Mat, error) {
	if forward.Type() != imgproc.TypeFloat32C2 {
		return imgproc.NewMat(), errors.Errorf("forward field must be %s, got %s", imgproc.TypeFloat32C2, forward.Type())
	}
	if scale <= 0 {
		return imgproc.NewMat(), errors.Errorf("invalid reverse scale %v", scale)
	}
	if size.X <= 0 || size.Y <= 0 {
		return imgproc.NewMat(), errors.Errorf("invalid inverse size %v", size)
	}

	// Step 1: supersample the forward field, scaling positions with it
	up := imgproc.NewMat()
	defer up.Close()
	upSize := image.Pt(int(math.Round(float64(forward.Cols())*scale)), int(math.Round(float64(forward.Rows())*scale)))
	imgproc.Resize(forward, &up, upSize, imgproc.InterpLinear)
	imgproc.Scale(up, &up, scale, 0)

	// Step 2: nearest-source scatter
	invW := int(math.Round(float64(size.X) * scale))
	invH := int(math.Round(float64(size.Y) * scale))
	invUp := imgproc.NewMatWithSize(invH, invW, imgproc.TypeFloat32C2)
	defer invUp.Close()
	best := make([]float32, invW*invH)
	for i := range best {
		best[i] = 1
	}

	ud, id := up.DataFloat32(), invUp.DataFloat32()
	for i := 1; i < upSize.Y-1; i++ {
		for j := 1; j < upSize.X-1; j++ {
			px, py := ud[2*(i*upSize.X+j)], ud[2*(i*upSize.X+j)+1]
			if math.IsNaN(float64(px)) || math.IsNaN(float64(py)) {
				continue
			}
			cx, cy := int(math.RoundToEven(float64(px))), int(math.RoundToEven(float64(py)))
			if cx <= 1 || cy <= 1 || cx >= invW-1 || cy >= invH-1 {
				continue
			}
			for k := 0; k < 9; k++ {
				x, y := cx-1+k%3, cy-1+k/3
				dx, dy := px-float32(x), py-float32(y)
				d := (dx*dx + dy*dy) / 2
				cell := y*invW + x
				if d < best[cell] {
					best[cell] = d
					id[2*cell] = float32(j)
					id[2*cell+1] = float32(i)
				}
			}
		}
	}

	// Step 3: reduce to the captured grid
	inverse := imgproc.NewMat()
	imgproc.Resize(invUp, &inverse, size, imgproc.InterpLinear)
	imgproc.Scale(inverse, &inverse, 1/scale, -1)
	return inverse, nil
}
