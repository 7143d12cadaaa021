// Package thumbnail renders a cut's thumbnail image per its ThumbnailSpec
// (spec.md's BARE/TEMPLATE/CUSTOM modes): BARE passes a captured frame
// through (cropped when the spec carries a crop), TEMPLATE scales and
// composites a cropped frame under a named template PNG, and CUSTOM uses an
// operator-supplied image outright.
package thumbnail

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"image/png"

	"golang.org/x/image/draw"

	"wubloader/internal/models"
)

// TemplateSet resolves a named template to its decoded image and the
// rectangle within it where the captured frame should be placed.
type TemplateSet interface {
	Lookup(name string) (img image.Image, placement image.Rectangle, ok bool)
}

// MapTemplateSet is the simplest TemplateSet: a fixed map built at startup
// from on-disk template PNGs.
type MapTemplateSet map[string]struct {
	Image     image.Image
	Placement image.Rectangle
}

func (m MapTemplateSet) Lookup(name string) (image.Image, image.Rectangle, bool) {
	entry, ok := m[name]
	if !ok {
		return nil, image.Rectangle{}, false
	}
	return entry.Image, entry.Placement, true
}

// Render produces the PNG bytes for spec's chosen thumbnail mode, given a
// raw captured frame (PNG bytes, from internal/frame.Extract).
func Render(spec models.ThumbnailSpec, frame []byte, templates TemplateSet) ([]byte, error) {
	switch spec.Mode {
	case models.ThumbnailNone:
		return nil, nil
	case models.ThumbnailCustom:
		if len(spec.CustomImage) == 0 {
			return nil, fmt.Errorf("thumbnail: CUSTOM mode requires CustomImage")
		}
		return spec.CustomImage, nil
	case models.ThumbnailBare:
		return renderBare(spec, frame)
	case models.ThumbnailTemplate:
		return renderTemplate(spec, frame, templates)
	default:
		return nil, fmt.Errorf("thumbnail: unknown mode %q", spec.Mode)
	}
}

func renderBare(spec models.ThumbnailSpec, frame []byte) ([]byte, error) {
	if spec.Crop == nil {
		return frame, nil
	}
	img, err := png.Decode(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	cropped := cropImage(img, *spec.Crop)
	return encodePNG(cropped)
}

func renderTemplate(spec models.ThumbnailSpec, frame []byte, templates TemplateSet) ([]byte, error) {
	if templates == nil {
		return nil, fmt.Errorf("thumbnail: TEMPLATE mode requires a template set")
	}
	templateImg, placement, ok := templates.Lookup(spec.TemplateName)
	if !ok {
		return nil, fmt.Errorf("thumbnail: unknown template %q", spec.TemplateName)
	}

	frameImg, err := png.Decode(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if spec.Crop != nil {
		frameImg = cropImage(frameImg, *spec.Crop)
	}

	// The frame goes down first and the template is drawn over it, so the
	// frame shows through the template's transparent areas.
	canvas := image.NewRGBA(templateImg.Bounds())
	draw.CatmullRom.Scale(canvas, placement, frameImg, frameImg.Bounds(), draw.Src, nil)
	draw.Draw(canvas, canvas.Bounds(), templateImg, image.Point{}, draw.Over)

	return encodePNG(canvas)
}

func cropImage(img image.Image, crop models.Crop) image.Image {
	rect := image.Rect(crop.X, crop.Y, crop.X+crop.Width, crop.Y+crop.Height).Intersect(img.Bounds())
	dst := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(dst, dst.Bounds(), img, rect.Min, draw.Src)
	return dst
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// Hash returns a stable identifier for rendered thumbnail bytes, used to
// populate an event row's thumbnail_last_written and decide whether a
// MODIFIED row's thumbnail needs re-rendering (spec.md §4.4).
func Hash(rendered []byte) string {
	sum := sha256.Sum256(rendered)
	return hex.EncodeToString(sum[:])
}
