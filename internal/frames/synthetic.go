package frames

import (
	"context"
	"image"
	"image/color"
)

// SyntheticDecoder ignores the video content and yields Total generated
// frames. It stands in for ffmpeg in local stub runs and tests.
type SyntheticDecoder struct {
	Total  int
	Width  int
	Height int
}

func NewSyntheticDecoder(total int) *SyntheticDecoder {
	return &SyntheticDecoder{Total: total, Width: 64, Height: 48}
}

func (d *SyntheticDecoder) Decode(ctx context.Context, _ string, every int, emit func(img image.Image) error) error {
	if every < 1 {
		every = 1
	}
	for n := 0; n < d.Total; n += every {
		if err := ctx.Err(); err != nil {
			return err
		}
		img := image.NewRGBA(image.Rect(0, 0, d.Width, d.Height))
		shade := color.RGBA{R: uint8(n), G: uint8(n >> 8), B: 128, A: 255}
		for y := 0; y < d.Height; y++ {
			for x := 0; x < d.Width; x++ {
				img.Set(x, y, shade)
			}
		}
		if err := emit(img); err != nil {
			return err
		}
	}
	return nil
}
