package render

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"go.viam.com/test"

	"birefdepth/pkg/imgproc"
)

func TestMagmaEndpoints(t *testing.T) {
	test.That(t, Magma[0], test.ShouldResemble, color.RGBA{0, 0, 4, 255})
	test.That(t, Magma[255], test.ShouldResemble, color.RGBA{0xfc, 0xfd, 0xbf, 255})

	// Brightness rises along the map.
	luma := func(c color.RGBA) int { return 299*int(c.R) + 587*int(c.G) + 114*int(c.B) }
	test.That(t, luma(Magma[64]), test.ShouldBeLessThan, luma(Magma[128]))
	test.That(t, luma(Magma[128]), test.ShouldBeLessThan, luma(Magma[192]))
}

func TestColorizeDisparity(t *testing.T) {
	sparse := imgproc.NewMatWithSize(9, 9, imgproc.TypeUint8C1)
	defer sparse.Close()
	sparse.DataUint8()[4*9+4] = 100

	img := ColorizeDisparity(sparse)
	test.That(t, img.Bounds(), test.ShouldResemble, image.Rect(0, 0, 9, 9))

	// 0.8*100 + 64 = 144, grown over the 3x3 neighbourhood.
	for y := 3; y <= 5; y++ {
		for x := 3; x <= 5; x++ {
			test.That(t, img.RGBAAt(x, y), test.ShouldResemble, Magma[144])
		}
	}
	test.That(t, img.RGBAAt(0, 0), test.ShouldResemble, Magma[0])
	test.That(t, img.RGBAAt(6, 4), test.ShouldResemble, Magma[0])
}

func TestColorizeDisparitySaturates(t *testing.T) {
	sparse := imgproc.NewMatWithSize(3, 3, imgproc.TypeUint8C1)
	defer sparse.Close()
	sparse.SetTo(255)

	img := ColorizeDisparity(sparse)
	test.That(t, img.RGBAAt(1, 1), test.ShouldResemble, Magma[255])
}

func TestRenderPreviewBytes(t *testing.T) {
	a := image.NewGray(image.Rect(0, 0, 80, 40))
	b := image.NewRGBA(image.Rect(0, 0, 80, 40))

	data, err := RenderPreviewBytes([]Panel{{"restored", a}, {"disparity", b}}, &Legend{Near: 450, Far: 800, Unit: "mm"})
	test.That(t, err, test.ShouldBeNil)

	decoded, err := jpeg.Decode(bytes.NewReader(data))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, decoded.Bounds().Dx(), test.ShouldEqual, 2*panelWidth)
	test.That(t, decoded.Bounds().Dy(), test.ShouldEqual, titleH+200+legendH)

	data, err = RenderPreviewBytes([]Panel{{"only", a}}, nil)
	test.That(t, err, test.ShouldBeNil)
	decoded, err = jpeg.Decode(bytes.NewReader(data))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, decoded.Bounds().Dy(), test.ShouldEqual, titleH+200)
}

func TestRenderPreviewErrors(t *testing.T) {
	_, err := RenderPreviewBytes(nil, nil)
	test.That(t, err, test.ShouldNotBeNil)

	_, err = RenderPreviewBytes([]Panel{{"empty", image.NewGray(image.Rectangle{})}}, nil)
	test.That(t, err, test.ShouldNotBeNil)
}
