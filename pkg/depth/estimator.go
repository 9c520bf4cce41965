// Package depth recovers a restored colour image and a sparse depth map from
// a single frame captured through a birefringent element that blends a
// weaker, horizontally displaced copy of the scene over the direct image.
package depth

import (
	"image"
	"math"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"birefdepth/internal/logging"
	"birefdepth/pkg/imgproc"
)

const (
	// Rows at the top and bottom and columns at the right of the restored
	// image that are copied from the input unchanged.
	boundaryRows = 5
	boundaryCols = 40
)

// GradKernel is the horizontal gradient kernel used for costs and edges. The
// cost at a pixel is the saturated sum of this kernel's response and of its
// negation, so both gradient polarities count.
var GradKernel = imgproc.Kernel3{
	-6, 0, 6,
	-20, 0, 20,
	-6, 0, 6,
}

// Estimator holds the lookup fields, candidate set and all working buffers
// for a fixed frame geometry. It is not safe for concurrent use; buffers are
// reused across frames.
type Estimator struct {
	params  Params
	logger  logging.Logger
	cands   Candidates
	winSize int
	tau     float32

	forward     imgproc.Mat // rectified (working resolution) -> captured
	inverse     imgproc.Mat // captured -> rectified
	inverseMask imgproc.Mat // mask grid -> rectified

	imgSize, rectSize, maskSize image.Point

	// Restoration
	img               imgproc.Mat
	imgRectified      imgproc.Mat
	restored          imgproc.Mat
	restoredRectified imgproc.Mat
	translated        imgproc.Mat
	candidate         imgproc.Mat

	// Cost volume
	cost, costHandle imgproc.Mat
	costPos, costNeg imgproc.Mat
	minCost, maxCost imgproc.Mat
	maskBest         imgproc.Mat

	// Disparity
	fullDisparity     imgproc.Mat
	fullDisparityConf imgproc.Mat
	sparseDisparity   imgproc.Mat

	// Confidence
	confidence           imgproc.Mat
	restoredConf         imgproc.Mat
	minCostConf          imgproc.Mat
	edgesPos, edgesNeg   imgproc.Mat
	edgesGray            imgproc.Mat
	confHandle, maskConf imgproc.Mat

	filter DisparityFilter
	frames int
}

// NewEstimator prepares an estimator for frames of the inverse field's size.
// forward maps the rectified grid to captured coordinates and inverse maps
// the captured grid to rectified coordinates. A missing compute device is
// logged and degrades filtering; it is never returned as an error.
func NewEstimator(forward, inverse imgproc.Mat, p Params, logger logging.Logger) (*Estimator, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if forward.Type() != imgproc.TypeFloat32C2 || inverse.Type() != imgproc.TypeFloat32C2 {
		return nil, errors.Errorf("lookup fields must be %s, got %s and %s",
			imgproc.TypeFloat32C2, forward.Type(), inverse.Type())
	}
	if forward.Empty() || inverse.Empty() {
		return nil, errors.New("lookup fields are empty")
	}

	up := p.Upsampling
	win := int(up * float64(p.WinSize))
	e := &Estimator{
		params:  p,
		logger:  logger,
		cands:   NewCandidates(up*p.DisparityCoef, p.MinDepth, p.MaxDepth),
		winSize: win + 1 - win%2,
		tau:     float32(p.Tau),
	}

	// Step 1: lookup fields at working resolution
	e.imgSize = inverse.Size()
	e.rectSize = scaleSize(forward.Size(), up)
	e.maskSize = scaleSize(e.imgSize, p.ScaleMask)

	e.inverse = imgproc.NewMat()
	imgproc.Scale(inverse, &e.inverse, up, 0)
	e.inverseMask = imgproc.NewMat()
	imgproc.Resize(e.inverse, &e.inverseMask, e.maskSize, imgproc.InterpLinear)
	e.forward = imgproc.NewMat()
	if e.rectSize == forward.Size() {
		imgproc.CopyMatTo(forward, &e.forward)
	} else {
		imgproc.Resize(forward, &e.forward, e.rectSize, imgproc.InterpLinear)
	}

	// Step 2: working buffers
	alloc := func(size image.Point, t imgproc.MatType) imgproc.Mat {
		return imgproc.NewMatWithSize(size.Y, size.X, t)
	}
	e.img = alloc(e.imgSize, imgproc.TypeUint8C3)
	e.restored = alloc(e.imgSize, imgproc.TypeUint8C3)

	e.imgRectified = alloc(e.rectSize, imgproc.TypeUint8C3)
	e.restoredRectified = alloc(e.rectSize, imgproc.TypeUint8C3)
	e.translated = alloc(e.rectSize, imgproc.TypeUint8C3)
	e.candidate = alloc(e.rectSize, imgproc.TypeUint8C3)
	e.cost = alloc(e.rectSize, imgproc.TypeUint8C1)
	e.costHandle = alloc(e.rectSize, imgproc.TypeUint8C1)
	e.costPos = alloc(e.rectSize, imgproc.TypeUint8C3)
	e.costNeg = alloc(e.rectSize, imgproc.TypeUint8C3)
	e.minCost = alloc(e.rectSize, imgproc.TypeUint8C1)
	e.maxCost = alloc(e.rectSize, imgproc.TypeUint8C1)
	e.maskBest = alloc(e.rectSize, imgproc.TypeUint8C1)
	e.fullDisparity = alloc(e.rectSize, imgproc.TypeUint8C1)

	e.sparseDisparity = alloc(e.maskSize, imgproc.TypeUint8C1)
	e.fullDisparityConf = alloc(e.maskSize, imgproc.TypeUint8C1)
	e.confidence = alloc(e.maskSize, imgproc.TypeUint8C1)
	e.restoredConf = alloc(e.maskSize, imgproc.TypeUint8C3)
	e.minCostConf = alloc(e.maskSize, imgproc.TypeUint8C1)
	e.edgesPos = alloc(e.maskSize, imgproc.TypeUint8C3)
	e.edgesNeg = alloc(e.maskSize, imgproc.TypeUint8C3)
	e.edgesGray = alloc(e.maskSize, imgproc.TypeUint8C1)
	e.confHandle = alloc(e.maskSize, imgproc.TypeUint8C1)
	e.maskConf = alloc(e.maskSize, imgproc.TypeUint8C1)

	// Step 3: filter strategy, chosen once
	device, err := acquireComputeContext(p)
	if err != nil {
		logger.Warnw("compute device unavailable, disparity filtering will be skipped", "error", err)
		e.filter = fallbackFilter{}
	} else {
		logger.Debugw("compute device acquired", "device", device.name, "workers", device.workers)
		e.filter = newAcceleratedFilter(device, e.maskSize)
	}

	logger.Debugw("estimator ready",
		"backend", imgproc.Backend,
		"candidates", e.cands.Len(),
		"win_size", e.winSize,
		"image", e.imgSize,
		"rectified", e.rectSize,
		"mask", e.maskSize,
		"filter", e.filter.Name())
	maybeSaveText(p.DebugDir, "00-params.txt", paramsSummary(e))
	return e, nil
}

func scaleSize(s image.Point, f float64) image.Point {
	return image.Pt(int(math.Round(float64(s.X)*f)), int(math.Round(float64(s.Y)*f)))
}

// ProcessFrame runs the full pipeline on one BGR frame. Results are read with
// RestoredImage, DisparityMap and Depth until the next call.
func (e *Estimator) ProcessFrame(img imgproc.Mat) error {
	if img.Type() != imgproc.TypeUint8C3 {
		return errors.Errorf("frame must be %s, got %s", imgproc.TypeUint8C3, img.Type())
	}
	if img.Size() != e.imgSize {
		return errors.Errorf("frame size %v does not match lookup fields %v", img.Size(), e.imgSize)
	}
	start := time.Now()
	dir := e.params.DebugDir

	imgproc.CopyMatTo(img, &e.img)
	maybeSaveImage(e.img, dir, "01-input.png")

	// Step 1: rectify
	imgproc.Remap(e.img, &e.imgRectified, e.forward, imgproc.InterpLinear)
	maybeSaveImage(e.imgRectified, dir, "02-rectified.png")

	// Step 2: cost volume and winner-take-all
	e.reconstructDepthAndColour()
	maybeSaveImage(e.restoredRectified, dir, "03-restored-rectified.png")
	maybeSaveImage(e.minCost, dir, "03-min-cost.png")
	maybeSaveImage(e.maxCost, dir, "03-max-cost.png")

	// Step 3: back to the captured grid
	e.unwarpAndFixColour()
	maybeSaveImage(e.restored, dir, "04-restored.png")

	// Step 4: confidence
	e.maskDisparityMap()
	maybeSaveImage(e.fullDisparityConf, dir, "05-disparity-gated.png")

	// Step 5: sparse filtering
	if err := e.filterDisparity(); err != nil {
		return errors.Wrap(err, "filter disparity")
	}
	maybeSaveImage(e.sparseDisparity, dir, "06-disparity-sparse.png")

	e.frames++
	e.logger.Debugw("frame processed", "frame", e.frames, "elapsed", time.Since(start))
	return nil
}

func (e *Estimator) reconstructDepthAndColour() {
	neg := GradKernel.Negate()
	for z, d := range e.cands.Disparities {
		RestoreImage(d, e.tau, e.imgRectified, &e.translated, &e.candidate)

		imgproc.Filter2D(e.candidate, &e.costPos, GradKernel)
		imgproc.Filter2D(e.candidate, &e.costNeg, neg)
		imgproc.Add(e.costNeg, e.costPos, &e.costPos)
		imgproc.RGBToGray(e.costPos, &e.cost)

		imgproc.BoxFilter(e.cost, &e.costHandle, e.winSize, 1)
		imgproc.BoxFilter(e.costHandle, &e.cost, 1, e.winSize)

		if z == 0 {
			imgproc.CopyMatTo(e.cost, &e.minCost)
			imgproc.CopyMatTo(e.cost, &e.maxCost)
			e.fullDisparity.SetTo(1)
			imgproc.CopyMatTo(e.candidate, &e.restoredRectified)
			continue
		}

		// A later candidate wins ties.
		imgproc.CompareGE(e.minCost, e.cost, &e.maskBest)
		imgproc.CopyToWithMask(e.cost, &e.minCost, e.maskBest)
		imgproc.Max(e.maxCost, e.cost, &e.maxCost)
		imgproc.SetToWithMask(&e.fullDisparity, float64(z+1), e.maskBest)
		imgproc.CopyToWithMask(e.candidate, &e.restoredRectified, e.maskBest)
	}
}

func (e *Estimator) unwarpAndFixColour() {
	tau := float64(e.tau)
	imgproc.Scale(e.restoredRectified, &e.restoredRectified, (1+tau)/(1+math.Pow(tau, 4)), 0)

	imgproc.Remap(e.restoredRectified, &e.restored, e.inverse, imgproc.InterpLinear)
	imgproc.Remap(e.restoredRectified, &e.restoredConf, e.inverseMask, imgproc.InterpLinear)
	imgproc.Remap(e.fullDisparity, &e.fullDisparityConf, e.inverseMask, imgproc.InterpNearest)
	imgproc.Remap(e.maxCost, &e.confidence, e.inverseMask, imgproc.InterpNearest)
	imgproc.Remap(e.minCost, &e.minCostConf, e.inverseMask, imgproc.InterpNearest)

	// The restoration is unreliable along the frame boundary.
	cols, rows := e.imgSize.X, e.imgSize.Y
	br, bc := min(boundaryRows, rows), min(boundaryCols, cols)
	imgproc.CopyRect(e.img, image.Rect(0, 0, cols, br), &e.restored, image.Pt(0, 0))
	imgproc.CopyRect(e.img, image.Rect(0, rows-br, cols, rows), &e.restored, image.Pt(0, rows-br))
	imgproc.CopyRect(e.img, image.Rect(cols-bc, 0, cols, rows), &e.restored, image.Pt(cols-bc, 0))
}

func (e *Estimator) maskDisparityMap() {
	e.maskByCostSpread()
	e.maskByEdges()

	imgproc.CompareScalar(e.confidence, 0, imgproc.CmpLE, &e.maskConf)
	imgproc.SetToWithMask(&e.fullDisparityConf, 0, e.maskConf)
}

// maskByCostSpread initialises the confidence map: a pixel is reliable when
// the max/min cost spread exceeds ThreshCost and its shifted max cost is above 1.
func (e *Estimator) maskByCostSpread() {
	imgproc.Subtract(e.confidence, e.minCostConf, &e.minCostConf)
	imgproc.CompareScalar(e.minCostConf, e.params.ThreshCost, imgproc.CmpLE, &e.maskConf)

	// Artefacts of a wrong candidate sit half a window to the left of the
	// structure that causes them.
	displacement := int(float64(e.winSize*e.maskSize.X) / float64(e.rectSize.X*2))
	e.shiftRight(&e.fullDisparityConf, displacement)
	e.shiftRight(&e.confidence, displacement)

	imgproc.Scale(e.confidence, &e.confidence, 1, -1)
	imgproc.SetToWithMask(&e.confidence, 0, e.maskConf)
	imgproc.CompareScalar(e.confidence, 0, imgproc.CmpGT, &e.maskConf)
	imgproc.SetToWithMask(&e.confidence, 1, e.maskConf)
}

// maskByEdges clears confidence where the restored image has weak edges,
// then erodes once with a 2x2 kernel.
func (e *Estimator) maskByEdges() {
	imgproc.Filter2D(e.restoredConf, &e.edgesPos, GradKernel)
	imgproc.Filter2D(e.restoredConf, &e.edgesNeg, GradKernel.Negate())
	imgproc.Add(e.edgesNeg, e.edgesPos, &e.edgesPos)
	imgproc.RGBToGray(e.edgesPos, &e.edgesGray)
	imgproc.CompareScalar(e.edgesGray, e.params.ThreshGrad, imgproc.CmpLT, &e.maskConf)
	imgproc.SetToWithMask(&e.confidence, 0, e.maskConf)
	imgproc.Erode(e.confidence, &e.confidence, 2, 2)
}

// shiftRight moves the content of m right by d columns. The leftmost d
// columns keep their previous values.
func (e *Estimator) shiftRight(m *imgproc.Mat, d int) {
	cols, rows := m.Cols(), m.Rows()
	if d <= 0 || d >= cols {
		return
	}
	imgproc.CopyMatTo(*m, &e.confHandle)
	imgproc.CopyRect(e.confHandle, image.Rect(0, 0, cols-d, rows), m, image.Pt(d, 0))
}

func (e *Estimator) filterDisparity() error {
	return e.filter.Filter(e.fullDisparityConf, e.restoredConf, 255/float64(e.cands.Len()), &e.sparseDisparity)
}

// RestoredImage returns a copy of the last restored frame (BGR, input size).
func (e *Estimator) RestoredImage() imgproc.Mat {
	return e.restored.Clone()
}

// DisparityMap returns a copy of the last sparse disparity map at mask
// resolution. Values are round((index+1)*255/N); 0 marks unreliable pixels.
func (e *Estimator) DisparityMap() imgproc.Mat {
	return e.sparseDisparity.Clone()
}

// Confidence returns a copy of the last confidence map (1 reliable, 0 not).
func (e *Estimator) Confidence() imgproc.Mat {
	return e.confidence.Clone()
}

// Depth converts the last sparse disparity map to depth through the
// candidate set. Unreliable pixels are 0.
func (e *Estimator) Depth() imgproc.Mat {
	src := e.sparseDisparity.Clone()
	defer src.Close()
	out := imgproc.NewMatWithSize(src.Rows(), src.Cols(), imgproc.TypeFloat32C1)

	n := float64(e.cands.Len())
	od := out.DataFloat32()
	for i, s := range src.DataUint8() {
		if s == 0 {
			continue
		}
		od[i] = float32(e.cands.DepthAt(float64(s)*n/255 - 1))
	}
	return out
}

// Candidates returns the disparity candidates at working resolution.
func (e *Estimator) Candidates() Candidates { return e.cands }

// Params returns the parameters the estimator was built with.
func (e *Estimator) Params() Params { return e.params }

// WinSize returns the cost window at working resolution.
func (e *Estimator) WinSize() int { return e.winSize }

// Filtering names the active disparity filter strategy.
func (e *Estimator) Filtering() string { return e.filter.Name() }

// ImageSize returns the frame size accepted by ProcessFrame.
func (e *Estimator) ImageSize() image.Point { return e.imgSize }

func (e *Estimator) buffers() []*imgproc.Mat {
	return []*imgproc.Mat{
		&e.forward, &e.inverse, &e.inverseMask,
		&e.img, &e.imgRectified, &e.restored, &e.restoredRectified, &e.translated, &e.candidate,
		&e.cost, &e.costHandle, &e.costPos, &e.costNeg, &e.minCost, &e.maxCost, &e.maskBest,
		&e.fullDisparity, &e.fullDisparityConf, &e.sparseDisparity,
		&e.confidence, &e.restoredConf, &e.minCostConf, &e.edgesPos, &e.edgesNeg, &e.edgesGray,
		&e.confHandle, &e.maskConf,
	}
}

// WorkingSetBytes returns the size of all buffers held by the estimator.
func (e *Estimator) WorkingSetBytes() int64 {
	var total int64
	for _, m := range e.buffers() {
		elem := int64(1)
		if m.Type().IsFloat() {
			elem = 4
		}
		total += int64(m.Rows()) * int64(m.Cols()) * int64(m.Channels()) * elem
	}
	return total
}

// Close releases all buffers.
func (e *Estimator) Close() error {
	var err error
	for _, m := range e.buffers() {
		err = multierr.Append(err, m.Close())
	}
	return multierr.Append(err, e.filter.Close())
}
