package sigsurface

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func solid(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func drawLine(s *Surface) {
	s.Pointer(Event{Kind: PointerDown, Point: Point{X: 20, Y: 20}})
	s.Pointer(Event{Kind: PointerMove, Point: Point{X: 120, Y: 60}})
	s.Pointer(Event{Kind: PointerMove, Point: Point{X: 200, Y: 30}})
	s.Pointer(Event{Kind: PointerUp, Point: Point{X: 200, Y: 30}})
}

func TestFreshSurfaceHasNoContent(t *testing.T) {
	s := New(300, 100, 2)
	assert.False(t, s.HasContent())
	assert.Equal(t, ModeEmpty, s.Mode())
	_, err := s.ToImage()
	assert.ErrorIs(t, err, ErrNoContent)
}

func TestPointerDownAloneIsNotContent(t *testing.T) {
	s := New(300, 100, 1)
	s.Pointer(Event{Kind: PointerDown, Point: Point{X: 10, Y: 10}})
	s.Pointer(Event{Kind: PointerUp, Point: Point{X: 10, Y: 10}})
	assert.False(t, s.HasContent())
	assert.Equal(t, 1, s.Strokes())
}

func TestMoveWithoutDownIsIgnored(t *testing.T) {
	s := New(300, 100, 1)
	s.Pointer(Event{Kind: PointerMove, Point: Point{X: 10, Y: 10}})
	assert.False(t, s.HasContent())
	assert.Equal(t, 0, s.Strokes())
}

func TestDrawExportAndClear(t *testing.T) {
	s := New(300, 100, 2)
	drawLine(s)
	s.Pointer(Event{Kind: PointerDown, Point: Point{X: 40, Y: 80}})
	s.Pointer(Event{Kind: PointerMove, Point: Point{X: 90, Y: 80}})
	s.Pointer(Event{Kind: PointerLeave, Point: Point{X: 90, Y: 80}})
	// Moves after leave do not extend the ended stroke.
	s.Pointer(Event{Kind: PointerMove, Point: Point{X: 290, Y: 90}})

	require.True(t, s.HasContent())
	assert.Equal(t, ModeDrawn, s.Mode())
	assert.Equal(t, 2, s.Strokes())

	b := s.Image().Bounds()
	assert.Equal(t, 600, b.Dx(), "raster is scaled by device pixel ratio")
	assert.Equal(t, 200, b.Dy())

	uri, err := s.ToImage()
	require.NoError(t, err)
	info, err := Inspect(uri, Limits{})
	require.NoError(t, err)
	assert.Equal(t, MIMEPNG, info.MIME)
	assert.Greater(t, info.InkPixels, DefaultMinInkPixels)

	s.Clear()
	assert.False(t, s.HasContent())
	assert.Equal(t, 0, s.Strokes())
	_, err = s.ToImage()
	assert.ErrorIs(t, err, ErrNoContent)
}

func TestNormalizeScalesDisplayedRect(t *testing.T) {
	s := New(300, 100, 2)
	p := s.Normalize(85, 45, Rect{Left: 10, Top: 20, Width: 150, Height: 50})
	assert.InDelta(t, 150, p.X, 1e-9)
	assert.InDelta(t, 50, p.Y, 1e-9)

	p = s.Normalize(15, 25, Rect{Left: 10, Top: 20})
	assert.InDelta(t, 5, p.X, 1e-9)
	assert.InDelta(t, 5, p.Y, 1e-9)
}

func TestUploadFitsAndCenters(t *testing.T) {
	s := New(300, 100, 1)
	require.NoError(t, s.Upload(MIMEPNG, encodePNG(t, solid(200, 50, color.Black))))
	assert.True(t, s.HasContent())
	assert.Equal(t, ModeUploaded, s.Mode())

	img := s.Image()
	_, _, _, a := img.At(150, 50).RGBA()
	assert.Equal(t, uint32(0xffff), a, "center is covered")
	_, _, _, a = img.At(150, 2).RGBA()
	assert.Zero(t, a, "letterbox band above a 300x75 fit stays empty")

	uri, err := s.ToImage()
	require.NoError(t, err)
	_, err = Inspect(uri, Limits{})
	assert.NoError(t, err)
}

func TestDrawingAfterUploadStartsOver(t *testing.T) {
	s := New(300, 100, 1)
	require.NoError(t, s.Upload(MIMEPNG, encodePNG(t, solid(10, 10, color.Black))))
	s.Pointer(Event{Kind: PointerDown, Point: Point{X: 10, Y: 10}})
	assert.False(t, s.HasContent())
	s.Pointer(Event{Kind: PointerMove, Point: Point{X: 60, Y: 10}})
	assert.Equal(t, ModeDrawn, s.Mode())
}

// An oversized upload is rejected before the canvas changes.
func TestUploadTooLargeLeavesSurfaceUntouched(t *testing.T) {
	s := New(300, 100, 1)
	drawLine(s)
	before := encodePNG(t, s.Image())

	big := make([]byte, 6<<20)
	copy(big, []byte("\x89PNG\r\n\x1a\n"))
	err := s.Upload(MIMEPNG, big)
	assert.ErrorIs(t, err, ErrTooLarge)

	assert.Equal(t, ModeDrawn, s.Mode())
	assert.Equal(t, before, encodePNG(t, s.Image()))
}

func TestUploadRejectsTypeAndGarbage(t *testing.T) {
	s := New(300, 100, 1)
	assert.ErrorIs(t, s.Upload("image/svg+xml", []byte("<svg/>")), ErrUnsupportedType)
	assert.ErrorIs(t, s.Upload(MIMEPNG, []byte("not an image")), ErrUndecodable)
	assert.False(t, s.HasContent())

	compact := New(300, 100, 1, WithMaxUploadBytes(2<<20))
	assert.ErrorIs(t, compact.Upload(MIMEJPEG, make([]byte, 2<<20+1)), ErrTooLarge)
}

func TestUploadHugeDimensionsLeavesSurfaceUntouched(t *testing.T) {
	s := New(300, 100, 1)
	drawLine(s)
	before := encodePNG(t, s.Image())

	err := s.Upload(MIMEPNG, pngHeader(12000, 12000))
	assert.ErrorIs(t, err, ErrTooManyPixels)
	assert.Equal(t, ModeDrawn, s.Mode())
	assert.Equal(t, before, encodePNG(t, s.Image()))
}
