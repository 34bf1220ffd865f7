package sigsurface

import (
	"bytes"
	"encoding/base64"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/accordsai/signdesk/pkg/apperr"

	_ "golang.org/x/image/webp"
)

const (
	MIMEPNG  = "image/png"
	MIMEJPEG = "image/jpeg"
	MIMEWebP = "image/webp"
	MIMEGIF  = "image/gif"

	DefaultMaxBytes     = 5 << 20
	DefaultMinInkPixels = 20
	// DefaultMaxPixels bounds the decoded raster, which a small compressed
	// payload can otherwise inflate to gigabytes.
	DefaultMaxPixels = 4096 * 4096
)

var (
	ErrMalformedDataURI = apperr.Validation("signature image must be a base64 data URI")
	ErrUnsupportedType  = apperr.Validation("signature image must be PNG, JPEG, WebP or GIF")
	ErrTooLarge         = apperr.Validation("signature image exceeds the size limit")
	ErrTooManyPixels    = apperr.Validation("signature image dimensions exceed the limit")
	ErrUndecodable      = apperr.Validation("signature image could not be decoded")
	ErrBlank            = apperr.Validation("no signature provided")
)

var allowedTypes = map[string]struct{}{
	MIMEPNG:  {},
	MIMEJPEG: {},
	MIMEWebP: {},
	MIMEGIF:  {},
}

func AllowedType(mime string) bool {
	_, ok := allowedTypes[strings.ToLower(strings.TrimSpace(mime))]
	return ok
}

type Limits struct {
	MaxBytes     int
	MinInkPixels int
	MaxPixels    int
}

func (l Limits) withDefaults() Limits {
	if l.MaxBytes <= 0 {
		l.MaxBytes = DefaultMaxBytes
	}
	if l.MinInkPixels <= 0 {
		l.MinInkPixels = DefaultMinInkPixels
	}
	if l.MaxPixels <= 0 {
		l.MaxPixels = DefaultMaxPixels
	}
	return l
}

type Info struct {
	MIME      string
	Bytes     int
	Width     int
	Height    int
	InkPixels int
}

func EncodeDataURI(mime string, data []byte) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// ParseDataURI splits a base64 data URI into its media type and payload.
// The size bound is checked before decoding.
func ParseDataURI(uri string, maxBytes int) (string, []byte, error) {
	uri = strings.TrimSpace(uri)
	if len(uri) < 5 || !strings.EqualFold(uri[:5], "data:") {
		return "", nil, ErrMalformedDataURI
	}
	meta, payload, ok := strings.Cut(uri[5:], ",")
	if !ok {
		return "", nil, ErrMalformedDataURI
	}
	mime, ok := strings.CutSuffix(strings.ToLower(meta), ";base64")
	if !ok {
		return "", nil, ErrMalformedDataURI
	}
	if !AllowedType(mime) {
		return "", nil, ErrUnsupportedType
	}
	if maxBytes > 0 && base64.StdEncoding.DecodedLen(len(payload)) > maxBytes+2 {
		return "", nil, ErrTooLarge
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, ErrMalformedDataURI
	}
	if maxBytes > 0 && len(data) > maxBytes {
		return "", nil, ErrTooLarge
	}
	return mime, data, nil
}

// Inspect validates a submitted signature image. A canvas exported with
// nothing drawn still produces a valid PNG, so the image must carry a
// minimum amount of ink to count as a signature.
func Inspect(uri string, lim Limits) (Info, error) {
	lim = lim.withDefaults()
	mime, data, err := ParseDataURI(uri, lim.MaxBytes)
	if err != nil {
		return Info{}, err
	}
	img, err := Decode(data, lim.MaxPixels)
	if err != nil {
		return Info{}, err
	}
	b := img.Bounds()
	info := Info{MIME: mime, Bytes: len(data), Width: b.Dx(), Height: b.Dy(), InkPixels: countInk(img)}
	if info.InkPixels < lim.MinInkPixels {
		return info, ErrBlank
	}
	return info, nil
}

// Decode reads the header first and refuses images whose width times
// height exceeds maxPixels (DefaultMaxPixels when zero) before allocating
// the raster.
func Decode(data []byte, maxPixels int) (image.Image, error) {
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, ErrUndecodable
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, ErrUndecodable
	}
	if cfg.Width > maxPixels/cfg.Height {
		return nil, ErrTooManyPixels
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, ErrUndecodable
	}
	return img, nil
}

// countInk counts pixels that are visibly opaque and not near white.
func countInk(img image.Image) int {
	b := img.Bounds()
	n := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, a := img.At(x, y).RGBA()
			if a < 0x1000 {
				continue
			}
			// RGBA() is alpha-premultiplied; compare against alpha.
			limit := a * 94 / 100
			if r >= limit && g >= limit && bl >= limit {
				continue
			}
			n++
		}
	}
	return n
}
