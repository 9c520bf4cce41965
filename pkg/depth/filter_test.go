package depth

import (
	"image"
	"testing"

	"go.viam.com/test"

	"birefdepth/pkg/imgproc"
)

func gatedMap(rows, cols int) imgproc.Mat {
	m := imgproc.NewMatWithSize(rows, cols, imgproc.TypeUint8C1)
	d := m.DataUint8()
	for y := 0; y < rows; y++ {
		for x := 5; x < cols; x++ {
			d[y*cols+x] = 3
		}
	}
	d[15*cols+15] = 7
	return m
}

func TestAcceleratedFilterRejectsOutliers(t *testing.T) {
	const rows, cols = 30, 30
	gated := gatedMap(rows, cols)
	defer gated.Close()
	guide := imgproc.NewMatWithSize(rows, cols, imgproc.TypeUint8C3)
	defer guide.Close()
	guide.SetTo(128)

	f := newAcceleratedFilter(&computeContext{name: "test", workers: 3}, image.Pt(cols, rows))
	defer f.Close()
	dst := imgproc.NewMatWithSize(rows, cols, imgproc.TypeUint8C1)
	defer dst.Close()

	test.That(t, f.Filter(gated, guide, 255.0/7, &dst), test.ShouldBeNil)

	out := dst.DataUint8()
	for y := 0; y < rows; y++ {
		for x := 0; x < 5; x++ {
			test.That(t, out[y*cols+x], test.ShouldEqual, uint8(0))
		}
	}
	test.That(t, out[15*cols+15], test.ShouldEqual, uint8(0))
	test.That(t, int(out[15*cols+16]), test.ShouldBeBetweenOrEqual, 109-6, 109+6)
	test.That(t, int(out[2*cols+25]), test.ShouldBeBetweenOrEqual, 108, 110)
}

func TestAcceleratedFilterIndependentOfWorkers(t *testing.T) {
	const rows, cols = 30, 30
	gated := gatedMap(rows, cols)
	defer gated.Close()
	guide := imgproc.NewMatWithSize(rows, cols, imgproc.TypeUint8C3)
	defer guide.Close()
	gd := guide.DataUint8()
	for i := range gd {
		gd[i] = uint8(i * 7 % 256)
	}

	var results [][]uint8
	for _, workers := range []int{1, 4, 64} {
		f := newAcceleratedFilter(&computeContext{workers: workers}, image.Pt(cols, rows))
		dst := imgproc.NewMatWithSize(rows, cols, imgproc.TypeUint8C1)
		test.That(t, f.Filter(gated, guide, 255.0/7, &dst), test.ShouldBeNil)
		results = append(results, append([]uint8(nil), dst.DataUint8()...))
		dst.Close()
		f.Close()
	}
	test.That(t, results[1], test.ShouldResemble, results[0])
	test.That(t, results[2], test.ShouldResemble, results[0])
}

func TestFallbackFilterRescales(t *testing.T) {
	gated := gatedMap(30, 30)
	defer gated.Close()
	dst := imgproc.NewMatWithSize(30, 30, imgproc.TypeUint8C1)
	defer dst.Close()

	var f fallbackFilter
	test.That(t, f.Name(), test.ShouldEqual, "none")
	test.That(t, f.Filter(gated, imgproc.NewMat(), 255.0/7, &dst), test.ShouldBeNil)
	out := dst.DataUint8()
	test.That(t, out[0], test.ShouldEqual, uint8(0))
	test.That(t, out[15*30+15], test.ShouldEqual, uint8(255))
	test.That(t, out[15*30+16], test.ShouldEqual, uint8(109))
}

func TestAcquireComputeContext(t *testing.T) {
	orig := probeDevice
	defer func() { probeDevice = orig }()

	p := DefaultParams()
	p.Filter = FilterOff
	_, err := acquireComputeContext(p)
	test.That(t, err, test.ShouldNotBeNil)

	p = DefaultParams()
	p.FilterWorkers = 3
	ctx, err := acquireComputeContext(p)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ctx.workers, test.ShouldEqual, 3)

	probeDevice = func() (int, string) { return 0, "" }
	_, err = acquireComputeContext(DefaultParams())
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "no compute device")

	probeDevice = func() (int, string) { return 8, "test cpu" }
	ctx, err = acquireComputeContext(DefaultParams())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ctx.workers, test.ShouldEqual, 8)
	test.That(t, ctx.name, test.ShouldEqual, "test cpu")
}
