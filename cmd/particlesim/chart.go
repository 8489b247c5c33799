package main

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math"
	"os"

	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
	"golang.org/x/image/vector"
)

const (
	chartMargin    = 48
	chartLineWidth = 2
	chartFontSize  = 12
)

var (
	chartBackground = color.RGBA{R: 0x16, G: 0x18, B: 0x1d, A: 0xff}
	chartAxis       = color.RGBA{R: 0x70, G: 0x74, B: 0x7c, A: 0xff}
	chartPalette    = []color.RGBA{
		{R: 0xf2, G: 0x8c, B: 0x28, A: 0xff},
		{R: 0x3b, G: 0xa3, B: 0xe0, A: 0xff},
		{R: 0x8b, G: 0xd4, B: 0x50, A: 0xff},
		{R: 0xe0, G: 0x4f, B: 0x8a, A: 0xff},
		{R: 0xc9, G: 0xc2, B: 0x3f, A: 0xff},
	}
)

// renderChart draws one line per series, stacked under a translucent
// area of their total.
func renderChart(data []series, width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), image.NewUniform(chartBackground), image.Point{}, draw.Src)

	plot := image.Rect(chartMargin, chartMargin/2, width-chartMargin/2, height-chartMargin)
	if plot.Dx() <= 0 || plot.Dy() <= 0 {
		return img
	}
	frames, top := chartExtent(data)

	total := make([]float64, frames)
	for _, s := range data {
		for i, v := range s.Values {
			total[i] += float64(v)
		}
	}
	top = max(top, maxOf(total))
	if top == 0 {
		top = 1
	}
	scale := chartScale{plot: plot, frames: frames, top: top}

	fillArea(img, scale, total, color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0x18})
	for i, s := range data {
		values := make([]float64, len(s.Values))
		for j, v := range s.Values {
			values[j] = float64(v)
		}
		strokeLine(img, scale, values, chartPalette[i%len(chartPalette)])
	}
	drawAxes(img, plot)

	face, err := chartFace()
	if err != nil {
		return img
	}
	defer func() { _ = face.Close() }()
	label(img, face, chartAxis, plot.Min.X, plot.Max.Y+chartFontSize+6, "0")
	label(img, face, chartAxis, plot.Max.X-40, plot.Max.Y+chartFontSize+6, fmt.Sprintf("frame %d", frames))
	label(img, face, chartAxis, 4, plot.Min.Y+chartFontSize, fmt.Sprintf("%.0f", top))
	for i, s := range data {
		c := chartPalette[i%len(chartPalette)]
		label(img, face, c, plot.Min.X+8+i*90, plot.Min.Y+chartFontSize+4, s.Name)
	}
	return img
}

// chartExtent returns the longest series length and the largest value.
func chartExtent(data []series) (int, float64) {
	frames, top := 0, 0.0
	for _, s := range data {
		frames = max(frames, len(s.Values))
		for _, v := range s.Values {
			top = max(top, float64(v))
		}
	}
	return frames, top
}

func maxOf(values []float64) float64 {
	m := 0.0
	for _, v := range values {
		m = max(m, v)
	}
	return m
}

// chartScale maps (frame, value) to image coordinates within plot.
type chartScale struct {
	plot   image.Rectangle
	frames int
	top    float64
}

func (s chartScale) point(frame int, value float64) (float32, float32) {
	x := float64(s.plot.Min.X)
	if s.frames > 1 {
		x += float64(frame) / float64(s.frames-1) * float64(s.plot.Dx())
	}
	y := float64(s.plot.Max.Y) - value/s.top*float64(s.plot.Dy())
	return float32(x), float32(y)
}

// fillArea fills the region between values and the x axis.
func fillArea(dst draw.Image, s chartScale, values []float64, c color.Color) {
	if len(values) < 2 {
		return
	}
	b := dst.Bounds()
	z := vector.NewRasterizer(b.Dx(), b.Dy())
	x0, y0 := s.point(0, 0)
	z.MoveTo(x0, y0)
	for i, v := range values {
		z.LineTo(s.point(i, v))
	}
	z.LineTo(s.point(len(values)-1, 0))
	z.ClosePath()
	z.Draw(dst, b, image.NewUniform(c), image.Point{})
}

// strokeLine draws values as a polyline of quads chartLineWidth wide.
func strokeLine(dst draw.Image, s chartScale, values []float64, c color.Color) {
	if len(values) < 2 {
		return
	}
	b := dst.Bounds()
	z := vector.NewRasterizer(b.Dx(), b.Dy())
	half := float64(chartLineWidth) / 2
	for i := 1; i < len(values); i++ {
		ax, ay := s.point(i-1, values[i-1])
		bx, by := s.point(i, values[i])
		dx, dy := float64(bx-ax), float64(by-ay)
		n := math.Hypot(dx, dy)
		if n == 0 {
			continue
		}
		nx, ny := float32(-dy/n*half), float32(dx/n*half)
		z.MoveTo(ax+nx, ay+ny)
		z.LineTo(bx+nx, by+ny)
		z.LineTo(bx-nx, by-ny)
		z.LineTo(ax-nx, ay-ny)
		z.ClosePath()
	}
	z.Draw(dst, b, image.NewUniform(c), image.Point{})
}

func drawAxes(dst draw.Image, plot image.Rectangle) {
	u := image.NewUniform(chartAxis)
	draw.Draw(dst, image.Rect(plot.Min.X, plot.Max.Y, plot.Max.X, plot.Max.Y+1), u, image.Point{}, draw.Src)
	draw.Draw(dst, image.Rect(plot.Min.X-1, plot.Min.Y, plot.Min.X, plot.Max.Y+1), u, image.Point{}, draw.Src)
}

func chartFace() (font.Face, error) {
	f, err := opentype.Parse(goregular.TTF)
	if err != nil {
		return nil, err
	}
	return opentype.NewFace(f, &opentype.FaceOptions{
		Size:    chartFontSize,
		DPI:     72,
		Hinting: font.HintingFull,
	})
}

func label(dst draw.Image, face font.Face, c color.Color, x, y int, text string) {
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}

func savePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
