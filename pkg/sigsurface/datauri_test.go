package sigsurface

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInspectRejectsBlankCanvas(t *testing.T) {
	blank := EncodeDataURI(MIMEPNG, encodePNG(t, solid(300, 100, color.Transparent)))
	info, err := Inspect(blank, Limits{})
	assert.ErrorIs(t, err, ErrBlank)
	assert.Zero(t, info.InkPixels)

	white := EncodeDataURI(MIMEPNG, encodePNG(t, solid(300, 100, color.White)))
	_, err = Inspect(white, Limits{})
	assert.ErrorIs(t, err, ErrBlank)
}

func TestInspectAcceptsInk(t *testing.T) {
	uri := EncodeDataURI(MIMEPNG, encodePNG(t, solid(10, 10, color.RGBA{R: 20, G: 20, B: 120, A: 255})))
	info, err := Inspect(uri, Limits{})
	require.NoError(t, err)
	assert.Equal(t, 100, info.InkPixels)
	assert.Equal(t, 10, info.Width)

	_, err = Inspect(uri, Limits{MinInkPixels: 101})
	assert.ErrorIs(t, err, ErrBlank)
}

func TestParseDataURI(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want error
	}{
		{"no scheme", "iVBORw0KGgo=", ErrMalformedDataURI},
		{"no comma", "data:image/png;base64", ErrMalformedDataURI},
		{"not base64", "data:image/png,rawbytes", ErrMalformedDataURI},
		{"bad payload", "data:image/png;base64,***", ErrMalformedDataURI},
		{"svg", "data:image/svg+xml;base64,PHN2Zy8+", ErrUnsupportedType},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := ParseDataURI(tc.in, DefaultMaxBytes)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	mime, data, err := ParseDataURI("DATA:IMAGE/PNG;BASE64,aGVsbG8=", 0)
	require.NoError(t, err)
	assert.Equal(t, MIMEPNG, mime)
	assert.Equal(t, []byte("hello"), data)
}

func TestParseDataURIChecksSizeBeforeDecoding(t *testing.T) {
	huge := "data:image/png;base64," + strings.Repeat("A", 8<<20)
	_, _, err := ParseDataURI(huge, DefaultMaxBytes)
	assert.ErrorIs(t, err, ErrTooLarge)

	_, _, err = ParseDataURI(EncodeDataURI(MIMEPNG, make([]byte, 2048)), 1024)
	assert.ErrorIs(t, err, ErrTooLarge)
}

// pngHeader is a PNG that ends after IHDR: enough for DecodeConfig to
// report its dimensions, never enough to decode.
func pngHeader(w, h uint32) []byte {
	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")
	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:], w)
	binary.BigEndian.PutUint32(ihdr[4:], h)
	ihdr[8] = 8 // bit depth
	ihdr[9] = 0 // grayscale
	chunk := append([]byte("IHDR"), ihdr...)
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(ihdr)))
	buf.Write(chunk)
	_ = binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(chunk))
	return buf.Bytes()
}

// A compressed payload well under the byte limit can still declare a
// raster of hundreds of megabytes; it must be refused from the header.
func TestInspectRejectsHugeDimensions(t *testing.T) {
	huge := image.NewGray(image.Rect(0, 0, 4100, 4100))
	data := encodePNG(t, huge)
	require.Less(t, len(data), DefaultMaxBytes)

	_, err := Inspect(EncodeDataURI(MIMEPNG, data), Limits{})
	assert.ErrorIs(t, err, ErrTooManyPixels)

	_, err = Inspect(EncodeDataURI(MIMEPNG, pngHeader(12000, 12000)), Limits{})
	assert.ErrorIs(t, err, ErrTooManyPixels)
}

func TestDecodeHonoursPixelLimit(t *testing.T) {
	data := encodePNG(t, solid(10, 10, color.Black))

	img, err := Decode(data, 100)
	require.NoError(t, err)
	assert.Equal(t, 10, img.Bounds().Dx())

	_, err = Decode(data, 99)
	assert.ErrorIs(t, err, ErrTooManyPixels)

	_, err = Decode(pngHeader(1<<30, 1<<30), 0)
	assert.ErrorIs(t, err, ErrTooManyPixels)

	_, err = Decode([]byte("not an image"), 0)
	assert.ErrorIs(t, err, ErrUndecodable)
}
