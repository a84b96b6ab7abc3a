// Package preview draws what the meters should be showing, for debugging the rest of the program
// without the meters attached.
package preview

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log"
	"math"
	"net/http"
	"sync"

	"github.com/jrockway/voltmeter-clock/control/clock"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Hand identifies one meter on the face.
type Hand int

const (
	Seconds Hand = iota
	Minutes
	Hours
	hands
)

func (h Hand) String() string {
	switch h {
	case Seconds:
		return "seconds"
	case Minutes:
		return "minutes"
	case Hours:
		return "hours"
	}
	return fmt.Sprintf("Hand(%d)", int(h))
}

const (
	panelWidth  = 200
	panelHeight = 120
	needle      = 90 // Length of the needle in pixels.
	pivotY      = panelHeight - 10
)

var (
	background = color.NRGBA{R: 0xf4, G: 0xee, B: 0xdc, A: 0xff}
	ink        = color.NRGBA{R: 0x20, G: 0x20, B: 0x20, A: 0xff}
	red        = color.NRGBA{R: 0xc0, G: 0x10, B: 0x10, A: 0xff}
)

// Preview remembers the last level written to each hand.
type Preview struct {
	mu     sync.Mutex
	levels [hands]uint8 // must hold mu to read or write.
}

// New returns an empty preview; all needles at rest.
func New() *Preview {
	return new(Preview)
}

type tap struct {
	p    *Preview
	hand Hand
	ch   clock.Channel
}

// Write records the level and passes it on to the real meter, if there is one.
func (t *tap) Write(level uint8) error {
	t.p.mu.Lock()
	t.p.levels[t.hand] = level
	t.p.mu.Unlock()
	if t.ch == nil {
		return nil
	}
	return t.ch.Write(level)
}

// Tap returns a Channel that mirrors writes to ch into the preview.  ch may be nil to run with no
// meter attached.
func (p *Preview) Tap(hand Hand, ch clock.Channel) clock.Channel {
	return &tap{p: p, hand: hand, ch: ch}
}

// Levels returns the last level written to each hand.
func (p *Preview) Levels() clock.Levels {
	p.mu.Lock()
	defer p.mu.Unlock()
	return clock.Levels{
		Seconds: p.levels[Seconds],
		Minutes: p.levels[Minutes],
		Hours:   p.levels[Hours],
	}
}

// angle returns the needle angle for level, in radians counterclockwise from 3 o'clock.  The
// needle sweeps 90 degrees, from upper-left at 0 to upper-right at full scale.
func angle(level uint8) float64 {
	return 3*math.Pi/4 - (math.Pi/2)*float64(level)/255
}

// point returns the point r pixels from the pivot of panel at the angle for level.
func point(panel int, level uint8, r float64) image.Point {
	a := angle(level)
	return image.Pt(
		panel*panelWidth+panelWidth/2+int(math.Round(r*math.Cos(a))),
		pivotY-int(math.Round(r*math.Sin(a))),
	)
}

// ray draws a line from r0 to r1 pixels out from the pivot of panel.
func ray(img *image.NRGBA, panel int, level uint8, r0, r1 float64, c color.Color) {
	for r := r0; r <= r1; r += 0.5 {
		p := point(panel, level, r)
		img.Set(p.X, p.Y, c)
	}
}

// Render draws the three meters side by side.
func (p *Preview) Render() *image.NRGBA {
	levels := p.Levels()
	img := image.NewNRGBA(image.Rect(0, 0, int(hands)*panelWidth, panelHeight))
	for x := 0; x < img.Bounds().Dx(); x++ {
		for y := 0; y < panelHeight; y++ {
			img.SetNRGBA(x, y, background)
		}
	}
	for i, level := range []uint8{levels.Seconds, levels.Minutes, levels.Hours} {
		// Scale marks every quarter of full scale.
		for _, mark := range []uint8{0, 64, 128, 191, 255} {
			ray(img, i, mark, needle-8, needle, ink)
		}
		ray(img, i, level, 0, needle-2, red)

		drawer := &font.Drawer{
			Dst:  img,
			Src:  image.NewUniform(ink),
			Face: basicfont.Face7x13,
			Dot:  fixed.P(i*panelWidth+6, 14),
		}
		drawer.DrawString(fmt.Sprintf("%s %3d", Hand(i), level))
	}
	return img
}

// ServeHTTP serves the current face as a PNG.
func (p *Preview) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	w.Header().Add("content-type", "image/png")
	w.WriteHeader(http.StatusOK)
	if err := png.Encode(w, p.Render()); err != nil {
		log.Printf("encoding image: %v", err)
	}
}
