package depth

import (
	"math"
	"math/rand"
	"sort"
	"testing"

	"go.viam.com/test"

	"birefdepth/internal/logging"
	"birefdepth/pkg/imgproc"
	"birefdepth/pkg/rectify"
)

// identityFields returns lookup fields for a camera whose o/e displacement
// is already horizontal.
func identityFields(rows, cols int) (imgproc.Mat, imgproc.Mat) {
	fwdCols := cols + rectify.RightMargin
	fwd := imgproc.NewMatWithSize(rows, fwdCols, imgproc.TypeFloat32C2)
	fd := fwd.DataFloat32()
	for i := 0; i < rows; i++ {
		for j := 0; j < fwdCols; j++ {
			fd[2*(i*fwdCols+j)] = float32(j)
			fd[2*(i*fwdCols+j)+1] = float32(i)
		}
	}
	inv := imgproc.NewMatWithSize(rows, cols, imgproc.TypeFloat32C2)
	id := inv.DataFloat32()
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			id[2*(y*cols+x)] = float32(x)
			id[2*(y*cols+x)+1] = float32(y)
		}
	}
	return fwd, inv
}

// testParams gives seven candidates with disparities -4 ... -10, i.e.
// depths 25 ... 10.
func testParams() Params {
	p := DefaultParams()
	p.MinDepth = 10
	p.MaxDepth = 25
	p.DisparityCoef = -100
	p.Tau = 0.5
	p.WinSize = 21
	p.ScaleMask = 0.5
	p.ThreshGrad = 20
	p.FilterWorkers = 2
	return p
}

// blendedScene renders fine grey noise blended with its own copy shifted by
// disparity(y) columns.
func blendedScene(rows, cols int, tau float64, disparity func(y int) int) imgproc.Mat {
	rng := rand.New(rand.NewSource(7))
	ext := cols + 64
	m := imgproc.NewMatWithSize(rows, cols, imgproc.TypeUint8C3)
	data := m.DataUint8()
	for y := 0; y < rows; y++ {
		s := make([]float64, ext)
		for x := range s {
			s[x] = float64(124 + rng.Intn(9))
		}
		d := disparity(y)
		for x := 0; x < cols; x++ {
			v := uint8(math.Round((s[x] + tau*s[x-d]) / (1 + tau)))
			data[3*(y*cols+x)] = v
			data[3*(y*cols+x)+1] = v
			data[3*(y*cols+x)+2] = v
		}
	}
	return m
}

func newTestEstimator(t *testing.T, rows, cols int, p Params) *Estimator {
	t.Helper()
	fwd, inv := identityFields(rows, cols)
	defer fwd.Close()
	defer inv.Close()
	e, err := NewEstimator(fwd, inv, p, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	return e
}

func TestNewEstimator(t *testing.T) {
	p := testParams()
	e := newTestEstimator(t, 32, 64, p)
	defer e.Close()

	test.That(t, e.Candidates().Len(), test.ShouldEqual, 7)
	test.That(t, e.WinSize(), test.ShouldEqual, 21)
	test.That(t, e.Filtering(), test.ShouldEqual, "bilateral")
	test.That(t, e.ImageSize().X, test.ShouldEqual, 64)
	test.That(t, e.ImageSize().Y, test.ShouldEqual, 32)
	test.That(t, e.WorkingSetBytes(), test.ShouldBeGreaterThan, 0)

	p.WinSize = 10
	p.Upsampling = 1.5
	e2 := newTestEstimator(t, 32, 64, p)
	defer e2.Close()
	test.That(t, e2.WinSize(), test.ShouldEqual, 15)
	test.That(t, e2.Candidates().Disparities[0], test.ShouldAlmostEqual, -6, 1e-4)

	p = testParams()
	p.WinSize = 10
	e3 := newTestEstimator(t, 32, 64, p)
	defer e3.Close()
	test.That(t, e3.WinSize(), test.ShouldEqual, 11)
}

func TestNewEstimatorFallsBackWithoutDevice(t *testing.T) {
	orig := probeDevice
	defer func() { probeDevice = orig }()
	probeDevice = func() (int, string) { return 0, "" }

	p := testParams()
	p.FilterWorkers = 0
	e := newTestEstimator(t, 16, 32, p)
	defer e.Close()
	test.That(t, e.Filtering(), test.ShouldEqual, "none")

	p.Filter = FilterOff
	p.FilterWorkers = 4
	e2 := newTestEstimator(t, 16, 32, p)
	defer e2.Close()
	test.That(t, e2.Filtering(), test.ShouldEqual, "none")
}

func TestNewEstimatorErrors(t *testing.T) {
	fwd, inv := identityFields(8, 8)
	defer fwd.Close()
	defer inv.Close()
	logger := logging.NewTestLogger(t)

	p := testParams()
	p.Tau = 0
	_, err := NewEstimator(fwd, inv, p, logger)
	test.That(t, err, test.ShouldNotBeNil)

	gray := imgproc.NewMatWithSize(8, 8, imgproc.TypeUint8C1)
	defer gray.Close()
	_, err = NewEstimator(fwd, gray, testParams(), logger)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestProcessFrameRejectsMismatchedFrame(t *testing.T) {
	e := newTestEstimator(t, 16, 32, testParams())
	defer e.Close()

	small := imgproc.NewMatWithSize(16, 30, imgproc.TypeUint8C3)
	defer small.Close()
	test.That(t, e.ProcessFrame(small), test.ShouldNotBeNil)

	gray := imgproc.NewMatWithSize(16, 32, imgproc.TypeUint8C1)
	defer gray.Close()
	test.That(t, e.ProcessFrame(gray), test.ShouldNotBeNil)
}

func TestProcessFrameFlatImage(t *testing.T) {
	const rows, cols = 32, 160
	e := newTestEstimator(t, rows, cols, testParams())
	defer e.Close()

	frame := imgproc.NewMatWithSize(rows, cols, imgproc.TypeUint8C3)
	defer frame.Close()
	frame.SetTo(128)
	test.That(t, e.ProcessFrame(frame), test.ShouldBeNil)

	// Every candidate costs zero away from the right edge, so the last
	// candidate wins the ties.
	n := uint8(e.Candidates().Len())
	full := e.fullDisparity.Clone()
	defer full.Close()
	rectCols := full.Cols()
	for y := 0; y < rows; y++ {
		for x := 5; x <= 100; x++ {
			test.That(t, full.DataUint8()[y*rectCols+x], test.ShouldEqual, n)
		}
	}

	disparity := e.DisparityMap()
	defer disparity.Close()
	depth := e.Depth()
	defer depth.Close()
	confidence := e.Confidence()
	defer confidence.Close()
	mc := disparity.Cols()
	for y := 0; y < disparity.Rows(); y++ {
		for x := 2; x <= 50; x++ {
			test.That(t, disparity.DataUint8()[y*mc+x], test.ShouldEqual, uint8(0))
			test.That(t, confidence.DataUint8()[y*mc+x], test.ShouldEqual, uint8(0))
			test.That(t, depth.DataFloat32()[y*mc+x], test.ShouldEqual, float32(0))
		}
	}

	restored := e.RestoredImage()
	defer restored.Close()
	test.That(t, restored.Size(), test.ShouldResemble, frame.Size())
	// Boundary bands are copied from the input.
	test.That(t, restored.DataUint8()[0], test.ShouldEqual, uint8(128))
	test.That(t, restored.DataUint8()[3*(cols-1)], test.ShouldEqual, uint8(128))
}

func twoPlaneDisparity(y int) int {
	if y < 32 {
		return -5
	}
	return -8
}

func TestProcessFrameSelectsTrueCandidate(t *testing.T) {
	const rows, cols = 64, 160
	p := testParams()
	p.Filter = FilterOff
	e := newTestEstimator(t, rows, cols, p)
	defer e.Close()

	frame := blendedScene(rows, cols, p.Tau, twoPlaneDisparity)
	defer frame.Close()
	test.That(t, e.ProcessFrame(frame), test.ShouldBeNil)

	full := e.fullDisparity.Clone()
	defer full.Close()
	fd, rectCols := full.DataUint8(), full.Cols()
	fraction := func(y0, y1 int, want uint8) float64 {
		hits, total := 0, 0
		for y := y0; y <= y1; y++ {
			for x := 5; x <= 110; x++ {
				total++
				if fd[y*rectCols+x] == want {
					hits++
				}
			}
		}
		return float64(hits) / float64(total)
	}
	// Candidate index 1 is disparity -5 and index 4 is -8; stored values are index+1.
	test.That(t, fraction(2, 20, 2), test.ShouldBeGreaterThanOrEqualTo, 0.8)
	test.That(t, fraction(44, 61, 5), test.ShouldBeGreaterThanOrEqualTo, 0.8)

	depth := e.Depth()
	defer depth.Close()
	median := func(y0, y1 int) (float64, int) {
		var vals []float64
		dd, mc := depth.DataFloat32(), depth.Cols()
		for y := y0; y <= y1; y++ {
			for x := 3; x <= 55; x++ {
				if v := dd[y*mc+x]; v > 0 {
					vals = append(vals, float64(v))
				}
			}
		}
		if len(vals) == 0 {
			return 0, 0
		}
		sort.Float64s(vals)
		return vals[len(vals)/2], len(vals)
	}
	top, n := median(2, 10)
	test.That(t, n, test.ShouldBeGreaterThan, 0)
	test.That(t, top, test.ShouldAlmostEqual, 20, 1.5)
	bottom, n := median(22, 30)
	test.That(t, n, test.ShouldBeGreaterThan, 0)
	test.That(t, bottom, test.ShouldAlmostEqual, 12.5, 1.0)
}

func TestConfidenceOnlyShrinks(t *testing.T) {
	const rows, cols = 64, 160
	p := testParams()
	e := newTestEstimator(t, rows, cols, p)
	defer e.Close()

	frame := blendedScene(rows, cols, p.Tau, twoPlaneDisparity)
	defer frame.Close()
	imgproc.CopyMatTo(frame, &e.img)
	imgproc.Remap(e.img, &e.imgRectified, e.forward, imgproc.InterpLinear)
	e.reconstructDepthAndColour()
	e.unwarpAndFixColour()

	e.maskByCostSpread()
	snapshot := e.confidence.Clone()
	defer snapshot.Close()
	afterCost := snapshot.DataUint8()
	for _, v := range afterCost {
		test.That(t, v <= 1, test.ShouldBeTrue)
	}

	e.maskByEdges()
	afterEdges := e.confidence.Clone()
	defer afterEdges.Close()
	for i, v := range afterEdges.DataUint8() {
		if afterCost[i] == 0 {
			test.That(t, v, test.ShouldEqual, uint8(0))
		}
	}
}

func TestDepthInvertsCandidates(t *testing.T) {
	e := newTestEstimator(t, 16, 32, testParams())
	defer e.Close()

	n := e.Candidates().Len()
	sd := e.sparseDisparity.DataUint8()
	for i := range sd {
		sd[i] = 0
	}
	sd[0] = uint8(math.Round(2 * 255 / float64(n)))
	sd[1] = uint8(math.Round(5 * 255 / float64(n)))
	sd[2] = 255

	depth := e.Depth()
	defer depth.Close()
	dd := depth.DataFloat32()
	test.That(t, dd[0], test.ShouldAlmostEqual, 20, 0.1)
	test.That(t, dd[1], test.ShouldAlmostEqual, 12.5, 0.1)
	test.That(t, dd[2], test.ShouldAlmostEqual, 10, 0.1)
	test.That(t, dd[3], test.ShouldEqual, float32(0))
}

func TestWinnerTakeAllMatchesExhaustiveCosts(t *testing.T) {
	const rows, cols = 64, 160
	p := testParams()
	p.Filter = FilterOff
	e := newTestEstimator(t, rows, cols, p)
	defer e.Close()

	frame := blendedScene(rows, cols, p.Tau, twoPlaneDisparity)
	defer frame.Close()
	test.That(t, e.ProcessFrame(frame), test.ShouldBeNil)

	// Recompute every candidate's cost field separately. The translation
	// buffer is shared across candidates in order, as in the estimator.
	size := e.imgRectified.Size()
	translated := imgproc.NewMatWithSize(size.Y, size.X, imgproc.TypeUint8C3)
	defer translated.Close()
	candidate := imgproc.NewMat()
	defer candidate.Close()
	pos, neg := imgproc.NewMat(), imgproc.NewMat()
	defer pos.Close()
	defer neg.Close()
	gray, handle := imgproc.NewMat(), imgproc.NewMat()
	defer gray.Close()
	defer handle.Close()

	costs := make([][]uint8, e.cands.Len())
	for k, d := range e.cands.Disparities {
		RestoreImage(d, e.tau, e.imgRectified, &translated, &candidate)
		imgproc.Filter2D(candidate, &pos, GradKernel)
		imgproc.Filter2D(candidate, &neg, GradKernel.Negate())
		imgproc.Add(neg, pos, &pos)
		imgproc.RGBToGray(pos, &gray)
		imgproc.BoxFilter(gray, &handle, e.winSize, 1)
		imgproc.BoxFilter(handle, &gray, 1, e.winSize)
		costs[k] = append([]uint8(nil), gray.DataUint8()...)
	}

	minCost, maxCost, full := e.minCost.Clone(), e.maxCost.Clone(), e.fullDisparity.Clone()
	defer minCost.Close()
	defer maxCost.Close()
	defer full.Close()
	md, xd, fd := minCost.DataUint8(), maxCost.DataUint8(), full.DataUint8()

	var badMin, badMax, badIdx int
	for i := range md {
		lo, hi, best := costs[0][i], costs[0][i], 0
		for k := 1; k < len(costs); k++ {
			c := costs[k][i]
			if c <= lo {
				lo, best = c, k
			}
			hi = max(hi, c)
		}
		if md[i] != lo {
			badMin++
		}
		if xd[i] != hi {
			badMax++
		}
		if int(fd[i]) != best+1 {
			badIdx++
		}
	}
	test.That(t, len(md), test.ShouldEqual, size.X*size.Y)
	test.That(t, badMin, test.ShouldEqual, 0)
	test.That(t, badMax, test.ShouldEqual, 0)
	test.That(t, badIdx, test.ShouldEqual, 0)
}

func TestProcessFrameReusesBuffers(t *testing.T) {
	const rows, cols = 64, 160
	p := testParams()

	first := blendedScene(rows, cols, p.Tau, twoPlaneDisparity)
	defer first.Close()
	second := blendedScene(rows, cols, p.Tau, func(int) int { return -6 })
	defer second.Close()

	reused := newTestEstimator(t, rows, cols, p)
	defer reused.Close()
	test.That(t, reused.ProcessFrame(first), test.ShouldBeNil)
	test.That(t, reused.ProcessFrame(second), test.ShouldBeNil)

	fresh := newTestEstimator(t, rows, cols, p)
	defer fresh.Close()
	test.That(t, fresh.ProcessFrame(second), test.ShouldBeNil)

	compare := func(a, b imgproc.Mat) {
		defer a.Close()
		defer b.Close()
		test.That(t, a.DataUint8(), test.ShouldResemble, b.DataUint8())
	}
	compare(reused.RestoredImage(), fresh.RestoredImage())
	compare(reused.DisparityMap(), fresh.DisparityMap())
	compare(reused.fullDisparity.Clone(), fresh.fullDisparity.Clone())
}
