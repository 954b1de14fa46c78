package preview

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"

	"golang.org/x/image/draw"
)

// Open graph canvas dimensions.
const (
	OGWidth  = 1200
	OGHeight = 630
	ogFooter = 80
)

// MakeOGImage composes a rendered preview onto a 1200x630 canvas with the
// stream name in a footer band.
func MakeOGImage(preview []byte, streamName string) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(preview))
	if err != nil {
		return nil, fmt.Errorf("decode preview: %w", err)
	}
	canvas := image.NewRGBA(image.Rect(0, 0, OGWidth, OGHeight))
	fill(canvas, canvas.Bounds(), color.White)

	area := image.Rect(0, 0, OGWidth, OGHeight-ogFooter)
	draw.CatmullRom.Scale(canvas, fit(src.Bounds(), area), src, src.Bounds(), draw.Over, nil)

	band := image.Rect(0, OGHeight-ogFooter, OGWidth, OGHeight)
	fill(canvas, band, color.RGBA{0x1f, 0x29, 0x37, 0xff})
	drawCentered(canvas, streamName, band.Min.Y+ogFooter/2+4, color.White)

	var buf bytes.Buffer
	if err := png.Encode(&buf, canvas); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// fit returns the largest rectangle with src's aspect ratio centred in dst.
func fit(src, dst image.Rectangle) image.Rectangle {
	sw, sh := src.Dx(), src.Dy()
	dw, dh := dst.Dx(), dst.Dy()
	if sw == 0 || sh == 0 {
		return image.Rectangle{}
	}
	w, h := dw, sh*dw/sw
	if h > dh {
		w, h = sw*dh/sh, dh
	}
	x := dst.Min.X + (dw-w)/2
	y := dst.Min.Y + (dh-h)/2
	return image.Rect(x, y, x+w, y+h)
}
