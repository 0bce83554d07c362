package proctor

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
)

// Reference grid and threshold for the ambient-light check.
const (
	LumaGridWidth  = 40
	LumaGridHeight = 30
	LowLightLuma   = 40
)

// LumaMeter downsamples a frame to a fixed grid and averages (R+G+B)/3 on a 0–255 scale.
type LumaMeter struct {
	Width     int
	Height    int
	Threshold float64
}

// NewLumaMeter returns a meter with the reference grid and threshold.
func NewLumaMeter() *LumaMeter {
	return &LumaMeter{Width: LumaGridWidth, Height: LumaGridHeight, Threshold: LowLightLuma}
}

// Mean samples the image on the grid with nearest-neighbour lookup.
func (m *LumaMeter) Mean(img image.Image) float64 {
	b := img.Bounds()
	if b.Empty() {
		return 0
	}

	var sum float64
	for gy := 0; gy < m.Height; gy++ {
		y := b.Min.Y + gy*b.Dy()/m.Height
		for gx := 0; gx < m.Width; gx++ {
			x := b.Min.X + gx*b.Dx()/m.Width
			r, g, bl, _ := img.At(x, y).RGBA()
			// RGBA is 16-bit per channel.
			sum += float64((r>>8)+(g>>8)+(bl>>8)) / 3
		}
	}
	return sum / float64(m.Width*m.Height)
}

// LowLight reports whether the frame is darker than the threshold, with the measured mean.
func (m *LumaMeter) LowLight(img image.Image) (bool, float64) {
	mean := m.Mean(img)
	return mean < m.Threshold, mean
}

// DecodeImage decodes a JPEG or PNG thumbnail sent by the browser.
func DecodeImage(raw []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return img, nil
}
