package depth

import (
	"context"
	"image"
	"math"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"birefdepth/pkg/imgproc"
)

const (
	filterRadius  = 10
	sigmaSpace    = 5.0
	sigmaGuide    = 20.0
	outlierThresh = 6
)

// DisparityFilter turns the confidence-gated disparity map (candidate index
// plus one, zero where unreliable) into the sparse 0-255 output map.
type DisparityFilter interface {
	Name() string
	// Filter writes into dst, which has the size of gated. guide is the
	// restored colour image at the same size; scale maps indices to 0-255.
	Filter(gated, guide imgproc.Mat, scale float64, dst *imgproc.Mat) error
	Close() error
}

// fallbackFilter emits the rescaled gated map unchanged.
type fallbackFilter struct{}

func (fallbackFilter) Name() string { return "none" }

func (fallbackFilter) Filter(gated, _ imgproc.Mat, scale float64, dst *imgproc.Mat) error {
	imgproc.Scale(gated, dst, scale, 0)
	return nil
}

func (fallbackFilter) Close() error { return nil }

// acceleratedFilter runs a confidence-gated joint bilateral filter guided by
// the restored image, split into row bands on the compute context, followed
// by outlier rejection against the unfiltered values.
type acceleratedFilter struct {
	device  *computeContext
	offsets []image.Point
	weights []float32
	// rangeLUT[d] is the guide weight for a squared colour distance d.
	rangeLUT []float32

	scaled, diff, outliers imgproc.Mat
}

func newAcceleratedFilter(device *computeContext, size image.Point) *acceleratedFilter {
	f := &acceleratedFilter{
		device:   device,
		scaled:   imgproc.NewMatWithSize(size.Y, size.X, imgproc.TypeUint8C1),
		diff:     imgproc.NewMatWithSize(size.Y, size.X, imgproc.TypeUint8C1),
		outliers: imgproc.NewMatWithSize(size.Y, size.X, imgproc.TypeUint8C1),
	}

	spaceCoeff := -0.5 / (sigmaSpace * sigmaSpace)
	for i := -filterRadius; i <= filterRadius; i++ {
		for j := -filterRadius; j <= filterRadius; j++ {
			r2 := float64(i*i + j*j)
			if math.Sqrt(r2) > filterRadius {
				continue
			}
			f.offsets = append(f.offsets, image.Pt(j, i))
			f.weights = append(f.weights, float32(math.Exp(r2*spaceCoeff)))
		}
	}

	guideCoeff := -0.5 / (sigmaGuide * sigmaGuide)
	f.rangeLUT = make([]float32, 3*255*255+1)
	for d := range f.rangeLUT {
		f.rangeLUT[d] = float32(math.Exp(float64(d) * guideCoeff))
	}
	return f
}

func (f *acceleratedFilter) Name() string { return "bilateral" }

func (f *acceleratedFilter) Filter(gated, guide imgproc.Mat, scale float64, dst *imgproc.Mat) error {
	imgproc.Scale(gated, &f.scaled, scale, 0)
	dst.SetTo(0)

	rows, cols := f.scaled.Rows(), f.scaled.Cols()
	disp, g, out := f.scaled.DataUint8(), guide.DataUint8(), dst.DataUint8()

	band := (rows + f.device.workers - 1) / f.device.workers
	eg, _ := errgroup.WithContext(context.Background())
	eg.SetLimit(f.device.workers)
	for y0 := 0; y0 < rows; y0 += band {
		y0, y1 := y0, min(y0+band, rows)
		eg.Go(func() error {
			f.filterRows(disp, g, out, rows, cols, y0, y1)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	imgproc.AbsDiff(f.scaled, *dst, &f.diff)
	imgproc.CompareScalar(f.diff, outlierThresh, imgproc.CmpGT, &f.outliers)
	imgproc.SetToWithMask(dst, 0, f.outliers)
	return nil
}

// filterRows filters rows [y0, y1). Pixels without a disparity neither
// contribute nor receive a value.
func (f *acceleratedFilter) filterRows(disp, guide, out []uint8, rows, cols, y0, y1 int) {
	for y := y0; y < y1; y++ {
		for x := 0; x < cols; x++ {
			p := y*cols + x
			if disp[p] == 0 {
				continue
			}
			gb, gg, gr := int(guide[3*p]), int(guide[3*p+1]), int(guide[3*p+2])

			var sum, wsum float32
			for k, off := range f.offsets {
				qx, qy := x+off.X, y+off.Y
				if qx < 0 || qy < 0 || qx >= cols || qy >= rows {
					continue
				}
				q := qy*cols + qx
				if disp[q] == 0 {
					continue
				}
				db := int(guide[3*q]) - gb
				dg := int(guide[3*q+1]) - gg
				dr := int(guide[3*q+2]) - gr
				w := f.weights[k] * f.rangeLUT[db*db+dg*dg+dr*dr]
				sum += w * float32(disp[q])
				wsum += w
			}
			if wsum > 0 {
				out[p] = uint8(min(255, math.RoundToEven(float64(sum/wsum))))
			}
		}
	}
}

func (f *acceleratedFilter) Close() error {
	return multierr.Combine(f.scaled.Close(), f.diff.Close(), f.outliers.Close())
}
