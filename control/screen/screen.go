// Package screen writes frames to the tubes, and retains them for debugging the rest of the program
// without the tubes attached.
package screen

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"net/http"
	"sync"

	"github.com/jrockway/nixie-clock/nixie"
	"github.com/rs/zerolog/log"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	tubes        = 4
	previewScale = 6  // Size of one font pixel in the rendered image.
	tubeWidth    = 9  // In font pixels, including the gap between tubes.
	tubeHeight   = 16 // In font pixels, including room for the dot.
	dotSize      = 2
)

var (
	glow     = color.NRGBA{R: 0xff, G: 0x8c, B: 0x1a, A: 0xff}
	dark     = color.NRGBA{R: 0x10, G: 0x10, B: 0x10, A: 0xff}
	unlitDot = color.NRGBA{R: 0x30, G: 0x20, B: 0x10, A: 0xff}
)

// Writer is where frames actually go; *nixie.Display in production.
type Writer interface {
	Write(f nixie.Frame) error
}

// Screen represents the four tubes and their dots.  Each tube has a dot at its lower right; the
// extra indicator LED is drawn to the right of the last tube.
type Screen struct {
	w Writer

	frameMu sync.Mutex
	frame   nixie.Frame // must hold frameMu to read or write.
}

// New returns a Screen that writes to w.  If w is nil frames are only retained.
func New(w Writer) *Screen {
	return &Screen{w: w, frame: nixie.BlankFrame}
}

// Write displays f on the tubes.  The frame is retained even if the write fails, since it is
// what the rest of the program intended to show.
func (s *Screen) Write(f nixie.Frame) error {
	s.frameMu.Lock()
	s.frame = f
	s.frameMu.Unlock()
	if s.w == nil {
		return nil
	}
	if err := s.w.Write(f); err != nil {
		return fmt.Errorf("write to tubes: %w", err)
	}
	return nil
}

// Blank blanks the tubes.
func (s *Screen) Blank() error {
	if err := s.Write(nixie.BlankFrame); err != nil {
		return fmt.Errorf("blank display: %w", err)
	}
	return nil
}

// Last returns the frame most recently written.
func (s *Screen) Last() nixie.Frame {
	s.frameMu.Lock()
	defer s.frameMu.Unlock()
	return s.frame
}

// Render draws a frame at font resolution.
func Render(f nixie.Frame) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, tubes*tubeWidth+dotSize*2, tubeHeight))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)
	face := basicfont.Face7x13
	for i, d := range f.Digits {
		x := i * tubeWidth
		draw.Draw(img, image.Rect(x, 0, x+tubeWidth-1, tubeHeight), image.NewUniform(dark), image.Point{}, draw.Src)
		if d < nixie.Blank {
			drawer := &font.Drawer{
				Dst:  img,
				Src:  image.NewUniform(glow),
				Face: face,
				Dot:  fixed.P(x+1, face.Ascent+1),
			}
			drawer.DrawString(string(rune('0' + d)))
		}
		c := unlitDot
		if f.Dots&nixie.DotAt(i) != 0 {
			c = glow
		}
		dx, dy := x+tubeWidth-1-dotSize, tubeHeight-dotSize
		draw.Draw(img, image.Rect(dx, dy, dx+dotSize, dy+dotSize), image.NewUniform(c), image.Point{}, draw.Src)
	}
	c := unlitDot
	if f.Dots&nixie.DotExtra != 0 {
		c = glow
	}
	ex := tubes*tubeWidth + dotSize/2
	draw.Draw(img, image.Rect(ex, tubeHeight/2-1, ex+dotSize, tubeHeight/2-1+dotSize), image.NewUniform(c), image.Point{}, draw.Src)
	return img
}

// scale enlarges img by previewScale so that it is visible in a browser.
func scale(img image.Image) *image.NRGBA {
	b := img.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, b.Dx()*previewScale, b.Dy()*previewScale))
	for x := 0; x < b.Dx(); x++ {
		for y := 0; y < b.Dy(); y++ {
			c := img.At(b.Min.X+x, b.Min.Y+y)
			draw.Draw(out, image.Rect(x*previewScale, y*previewScale, (x+1)*previewScale, (y+1)*previewScale), image.NewUniform(c), image.Point{}, draw.Src)
		}
	}
	return out
}

// Preview renders f large enough to see in a browser.
func Preview(f nixie.Frame) *image.NRGBA {
	return scale(Render(f))
}

// ServeHTTP serves the current frame as a PNG.
func (s *Screen) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	img := Preview(s.Last())
	w.Header().Add("content-type", "image/png")
	w.WriteHeader(http.StatusOK)
	if err := png.Encode(w, img); err != nil {
		log.Error().Err(err).Msg("encoding image")
	}
}
