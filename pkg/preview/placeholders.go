package preview

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"sync"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// PlaceholderKind names one of the fallback images.
type PlaceholderKind string

const (
	PlaceholderUnauthorized PlaceholderKind = "401"
	PlaceholderForbidden    PlaceholderKind = "403"
	PlaceholderNotFound     PlaceholderKind = "404"
	PlaceholderNoPreview    PlaceholderKind = "no-preview"
)

// PlaceholderForStatus maps a denial status to its placeholder.
func PlaceholderForStatus(status int) PlaceholderKind {
	switch status {
	case 401:
		return PlaceholderUnauthorized
	case 403:
		return PlaceholderForbidden
	case 404:
		return PlaceholderNotFound
	default:
		return PlaceholderNoPreview
	}
}

const placeholderSize = 512

var placeholderCaptions = map[PlaceholderKind]string{
	PlaceholderUnauthorized: "401 - sign in to view this preview",
	PlaceholderForbidden:    "403 - you cannot view this preview",
	PlaceholderNotFound:     "404 - nothing to preview here",
	PlaceholderNoPreview:    "no preview available yet",
}

var (
	placeholderOnce  sync.Once
	placeholderBytes map[PlaceholderKind][]byte
)

// Placeholder returns the PNG bytes of a fallback image. The images are
// rendered once and are identical for every request.
func Placeholder(kind PlaceholderKind) []byte {
	placeholderOnce.Do(func() {
		placeholderBytes = make(map[PlaceholderKind][]byte, len(placeholderCaptions))
		for k, caption := range placeholderCaptions {
			placeholderBytes[k] = renderPlaceholder(caption)
		}
	})
	if b, ok := placeholderBytes[kind]; ok {
		return b
	}
	return placeholderBytes[PlaceholderNoPreview]
}

func renderPlaceholder(caption string) []byte {
	img := image.NewRGBA(image.Rect(0, 0, placeholderSize, placeholderSize))
	fill(img, img.Bounds(), color.RGBA{0xf3, 0xf4, 0xf6, 0xff})
	drawCentered(img, caption, placeholderSize/2, color.RGBA{0x6b, 0x72, 0x80, 0xff})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func fill(img *image.RGBA, r image.Rectangle, c color.Color) {
	draw.Draw(img, r, image.NewUniform(c), image.Point{}, draw.Src)
}

// drawCentered writes text horizontally centred with its baseline at y.
func drawCentered(img *image.RGBA, text string, y int, c color.Color) {
	d := &font.Drawer{Dst: img, Src: image.NewUniform(c), Face: basicfont.Face7x13}
	width := d.MeasureString(text).Ceil()
	x := (img.Bounds().Dx() - width) / 2
	if x < 0 {
		x = 0
	}
	d.Dot = fixed.P(x, y)
	d.DrawString(text)
}
