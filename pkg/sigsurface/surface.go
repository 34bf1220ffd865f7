// Package sigsurface renders a hand-drawn or uploaded signature into a
// single raster image.
package sigsurface

import (
	"bytes"
	"image"
	"image/color"

	"github.com/accordsai/signdesk/pkg/apperr"

	"github.com/fogleman/gg"
)

const StrokeWidth = 2.0

var ErrNoContent = apperr.Validation("draw or upload a signature before continuing")

type EventKind int

const (
	PointerDown EventKind = iota
	PointerMove
	PointerUp
	PointerLeave
)

type Point struct {
	X, Y float64
}

// Event is a unified mouse/touch event in surface coordinates.
type Event struct {
	Kind EventKind
	Point
}

// Rect is the on-screen bounding box of the surface element.
type Rect struct {
	Left, Top, Width, Height float64
}

type Mode int

const (
	ModeEmpty Mode = iota
	ModeDrawn
	ModeUploaded
)

type Surface struct {
	width, height float64
	dpr           float64
	maxUpload     int

	dc       *gg.Context
	strokes  [][]Point
	active   bool
	segments int
	uploaded bool
}

type Option func(*Surface)

func WithMaxUploadBytes(n int) Option {
	return func(s *Surface) {
		if n > 0 {
			s.maxUpload = n
		}
	}
}

// New creates a surface of width x height CSS pixels backed by a raster
// scaled by the device pixel ratio.
func New(width, height int, dpr float64, opts ...Option) *Surface {
	if dpr <= 0 {
		dpr = 1
	}
	s := &Surface{
		width:     float64(width),
		height:    float64(height),
		dpr:       dpr,
		maxUpload: DefaultMaxBytes,
	}
	for _, o := range opts {
		o(s)
	}
	s.reset()
	return s
}

func (s *Surface) reset() {
	dc := gg.NewContext(int(s.width*s.dpr+0.5), int(s.height*s.dpr+0.5))
	dc.Scale(s.dpr, s.dpr)
	dc.SetLineWidth(StrokeWidth)
	dc.SetLineCap(gg.LineCapRound)
	dc.SetLineJoin(gg.LineJoinRound)
	dc.SetColor(color.Black)
	s.dc = dc
	s.strokes = nil
	s.active = false
	s.segments = 0
	s.uploaded = false
}

// Normalize maps client coordinates into surface space, compensating for
// the element being displayed at a different CSS size than its logical
// size.
func (s *Surface) Normalize(clientX, clientY float64, r Rect) Point {
	sx, sy := 1.0, 1.0
	if r.Width > 0 {
		sx = s.width / r.Width
	}
	if r.Height > 0 {
		sy = s.height / r.Height
	}
	return Point{X: (clientX - r.Left) * sx, Y: (clientY - r.Top) * sy}
}

func (s *Surface) Pointer(ev Event) {
	switch ev.Kind {
	case PointerDown:
		if s.uploaded {
			// Drawing over an uploaded image starts a fresh signature.
			s.reset()
		}
		s.active = true
		s.strokes = append(s.strokes, []Point{ev.Point})
	case PointerMove:
		if !s.active {
			return
		}
		cur := &s.strokes[len(s.strokes)-1]
		last := (*cur)[len(*cur)-1]
		s.dc.MoveTo(last.X, last.Y)
		s.dc.LineTo(ev.X, ev.Y)
		s.dc.Stroke()
		*cur = append(*cur, ev.Point)
		s.segments++
	case PointerUp, PointerLeave:
		s.active = false
	}
}

func (s *Surface) Clear() { s.reset() }

// Upload replaces the surface content with img scaled to fit and
// centered. The type and size checks run before the canvas is touched.
func (s *Surface) Upload(mime string, data []byte) error {
	if !AllowedType(mime) {
		return ErrUnsupportedType
	}
	if len(data) > s.maxUpload {
		return ErrTooLarge
	}
	img, err := Decode(data, DefaultMaxPixels)
	if err != nil {
		return err
	}
	b := img.Bounds()
	s.reset()
	scale := min(s.width/float64(b.Dx()), s.height/float64(b.Dy()))
	w, h := float64(b.Dx())*scale, float64(b.Dy())*scale
	s.dc.Push()
	s.dc.Translate((s.width-w)/2, (s.height-h)/2)
	s.dc.Scale(scale, scale)
	s.dc.DrawImage(img, -b.Min.X, -b.Min.Y)
	s.dc.Pop()
	s.uploaded = true
	return nil
}

// HasContent reports whether the surface holds a real signature: at least
// one rendered stroke segment or an uploaded image.
func (s *Surface) HasContent() bool {
	return s.uploaded || s.segments > 0
}

func (s *Surface) Mode() Mode {
	switch {
	case s.uploaded:
		return ModeUploaded
	case s.segments > 0:
		return ModeDrawn
	default:
		return ModeEmpty
	}
}

func (s *Surface) Strokes() int { return len(s.strokes) }

func (s *Surface) Image() image.Image { return s.dc.Image() }

// ToImage exports the surface as a PNG data URI.
func (s *Surface) ToImage() (string, error) {
	if !s.HasContent() {
		return "", ErrNoContent
	}
	var buf bytes.Buffer
	if err := s.dc.EncodePNG(&buf); err != nil {
		return "", apperr.Wrap(apperr.CodeInternal, "encode signature", err)
	}
	return EncodeDataURI(MIMEPNG, buf.Bytes()), nil
}
