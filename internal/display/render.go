package display

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"time"
)

const (
	chartWidth  = 320
	chartHeight = 160
	chartMargin = 8
)

// WriteShotImage renders the frame's flow history to a PNG in dir and
// returns the written path. The file name sorts chronologically.
func WriteShotImage(dir string, s Snapshot) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("display: image dir: %w", err)
	}

	img := image.NewRGBA(image.Rect(0, 0, chartWidth, chartHeight))
	bg := color.RGBA{R: 0x11, G: 0x11, B: 0x11, A: 0xff}
	for y := 0; y < chartHeight; y++ {
		for x := 0; x < chartWidth; x++ {
			img.SetRGBA(x, y, bg)
		}
	}

	line := parseHexColor(s.Memory.Color)
	drawFlow(img, s.Flow, line)

	name := fmt.Sprintf("shot-%s-%04.1fg-%04.1fs.png",
		time.Now().Format("20060102-150405"), s.Weight, s.ShotElapsed.Seconds())
	path := filepath.Join(dir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("display: create image: %w", err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		return "", fmt.Errorf("display: encode image: %w", err)
	}
	return path, nil
}

// drawFlow plots samples as vertical bars scaled to the peak flow.
func drawFlow(img *image.RGBA, samples []float64, c color.RGBA) {
	if len(samples) == 0 {
		return
	}
	peak := 0.0
	for _, v := range samples {
		if v > peak {
			peak = v
		}
	}
	if peak <= 0 {
		peak = 1
	}

	plotW := chartWidth - 2*chartMargin
	plotH := chartHeight - 2*chartMargin
	for x := 0; x < plotW; x++ {
		i := x * len(samples) / plotW
		v := samples[i]
		if v < 0 {
			v = 0
		}
		h := int(v / peak * float64(plotH))
		for y := 0; y < h; y++ {
			img.SetRGBA(chartMargin+x, chartHeight-chartMargin-1-y, c)
		}
	}
}

func parseHexColor(s string) color.RGBA {
	var r, g, b uint8
	if _, err := fmt.Sscanf(s, "#%02x%02x%02x", &r, &g, &b); err != nil {
		return color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
	}
	return color.RGBA{R: r, G: g, B: b, A: 0xff}
}
