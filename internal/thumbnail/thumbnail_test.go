package thumbnail

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/require"

	"wubloader/internal/models"
)

func solidPNG(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestRenderNoneReturnsNil(t *testing.T) {
	out, err := Render(models.ThumbnailSpec{Mode: models.ThumbnailNone}, []byte("frame"), nil)
	require.NoError(t, err)
	require.Nil(t, out)
}

func TestRenderCustomReturnsSuppliedImage(t *testing.T) {
	custom := []byte("custom-png-bytes")
	out, err := Render(models.ThumbnailSpec{Mode: models.ThumbnailCustom, CustomImage: custom}, nil, nil)
	require.NoError(t, err)
	require.Equal(t, custom, out)
}

func TestRenderCustomWithoutImageErrors(t *testing.T) {
	_, err := Render(models.ThumbnailSpec{Mode: models.ThumbnailCustom}, nil, nil)
	require.Error(t, err)
}

func TestRenderBarePassesFrameThroughWithoutCrop(t *testing.T) {
	frame := solidPNG(t, 4, 4, color.White)
	out, err := Render(models.ThumbnailSpec{Mode: models.ThumbnailBare}, frame, nil)
	require.NoError(t, err)
	require.Equal(t, frame, out)
}

func TestRenderBareCropsFrame(t *testing.T) {
	frame := solidPNG(t, 10, 10, color.White)
	out, err := Render(models.ThumbnailSpec{
		Mode: models.ThumbnailBare,
		Crop: &models.Crop{X: 0, Y: 0, Width: 4, Height: 4},
	}, frame, nil)
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	require.Equal(t, 4, img.Bounds().Dx())
	require.Equal(t, 4, img.Bounds().Dy())
}

func TestRenderTemplateCompositesFrameOntoTemplate(t *testing.T) {
	frame := solidPNG(t, 20, 20, color.RGBA{R: 255, A: 255})
	templateImg := image.NewRGBA(image.Rect(0, 0, 100, 100))
	for y := 0; y < 100; y++ {
		for x := 0; x < 100; x++ {
			if x >= 10 && x < 90 && y >= 10 && y < 90 {
				continue // transparent window over the placement
			}
			templateImg.Set(x, y, color.Black)
		}
	}

	templates := MapTemplateSet{
		"default": {
			Image:     templateImg,
			Placement: image.Rect(10, 10, 90, 90),
		},
	}

	out, err := Render(models.ThumbnailSpec{
		Mode:         models.ThumbnailTemplate,
		TemplateName: "default",
	}, frame, templates)
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	require.Equal(t, 100, img.Bounds().Dx())
	require.Equal(t, 100, img.Bounds().Dy())

	r, _, _, _ := img.At(50, 50).RGBA()
	require.Greater(t, r, uint32(0))
}

func TestRenderTemplateUnknownNameErrors(t *testing.T) {
	_, err := Render(models.ThumbnailSpec{
		Mode:         models.ThumbnailTemplate,
		TemplateName: "missing",
	}, solidPNG(t, 4, 4, color.White), MapTemplateSet{})
	require.Error(t, err)
}

func TestHashIsStableForIdenticalBytes(t *testing.T) {
	data := []byte("rendered-thumbnail")
	require.Equal(t, Hash(data), Hash(append([]byte(nil), data...)))
}

func TestHashDiffersForDifferentBytes(t *testing.T) {
	require.NotEqual(t, Hash([]byte("a")), Hash([]byte("b")))
}
