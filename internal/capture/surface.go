package capture

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"

	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/vzahanych/firewatch/internal/video"
)

var (
	fireColor   = color.RGBA{R: 255, A: 255}
	noFireColor = color.RGBA{G: 128, A: 255}
	backdrop    = color.RGBA{A: 160}
)

// drawSurface copies the frame onto a fresh surface at native resolution,
// downscaled when wider than maxWidth
func drawSurface(frame *video.Frame, maxWidth int) *image.NRGBA {
	if maxWidth > 0 && frame.Width > maxWidth {
		return imaging.Resize(frame.Image, maxWidth, 0, imaging.Lanczos)
	}
	return imaging.Clone(frame.Image)
}

// overlayText formats a prediction the way it is drawn on the surface
func overlayText(p Prediction) string {
	label := "NO FIRE"
	if p.IsFire() {
		label = "FIRE"
	}
	return fmt.Sprintf("%s (%.2f)", label, p.Score)
}

// drawOverlay writes the held prediction in the top left corner.
// Nothing is drawn before the first prediction.
func drawOverlay(dst *image.NRGBA, p Prediction) {
	if p.Empty() {
		return
	}

	text := overlayText(p)
	col := noFireColor
	if p.IsFire() {
		col = fireColor
	}

	face := basicfont.Face7x13
	textWidth := font.MeasureString(face, text).Ceil()
	pad := 3
	label := image.NewRGBA(image.Rect(0, 0, textWidth+2*pad, face.Height+2*pad))
	draw.Draw(label, label.Bounds(), image.NewUniform(backdrop), image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  label,
		Src:  image.NewUniform(col),
		Face: face,
		Dot:  fixed.Point26_6{X: fixed.I(pad), Y: fixed.I(pad + face.Ascent)},
	}
	d.DrawString(text)

	// scale the 7x13 face with the surface so it stays legible
	scale := dst.Bounds().Dx() / 320
	if scale < 1 {
		scale = 1
	}
	var scaled image.Image = label
	if scale > 1 {
		scaled = imaging.Resize(label, label.Bounds().Dx()*scale, 0, imaging.NearestNeighbor)
	}

	at := dst.Bounds().Min.Add(image.Pt(10, 10))
	draw.Draw(dst, scaled.Bounds().Add(at), scaled, scaled.Bounds().Min, draw.Over)
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode display frame: %w", err)
	}
	return buf.Bytes(), nil
}
