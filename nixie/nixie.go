// Package nixie drives four nixie tubes and their dot LEDs through a chain of shift registers on
// an SPI bus.
//
// Each tube has ten cathodes, so the four tubes take 40 bits.  The shift register outputs sink
// current, which means a cathode lights when its bit is 0.  A sixth byte drives the dot LEDs,
// which are active high.
package nixie

import (
	"fmt"
	"strings"

	"github.com/jrockway/nixie-clock/calendar"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

// Blank is the digit value that turns a tube off.  Any value above 9 renders blank.
const Blank = 10

// FrameSize is the number of bytes sent to the shift registers per frame.
const FrameSize = 6

// Dots is a bitmask of lit dot LEDs.
type Dots uint8

const (
	DotM0    Dots = 1 << iota // rightmost tube
	DotM1                     // third tube
	DotH0                     // second tube
	DotH1                     // leftmost tube; the blinking seconds indicator
	DotExtra                  // the separate indicator LED
)

// DotAt returns the dot for tube position pos, counted from the left starting at 0.
func DotAt(pos int) Dots {
	if pos < 0 || pos > 3 {
		return 0
	}
	return DotH1 >> pos
}

// Frame is the intended state of the display.
type Frame struct {
	Digits [4]uint8 // left to right; Blank or above turns the tube off
	Dots   Dots
}

// BlankFrame turns everything off.
var BlankFrame = Frame{Digits: [4]uint8{Blank, Blank, Blank, Blank}}

// String renders the frame as text, using "_" for a blank tube and "." after a tube whose dot is
// lit.
func (f Frame) String() string {
	var b strings.Builder
	for i, d := range f.Digits {
		if d > 9 {
			b.WriteByte('_')
		} else {
			b.WriteByte('0' + d)
		}
		if f.Dots&DotAt(i) != 0 {
			b.WriteByte('.')
		}
	}
	if f.Dots&DotExtra != 0 {
		b.WriteString("*")
	}
	return b.String()
}

// pins maps a digit to the cathode bits of one tube, in the order the tubes are wired.
var pins = [11]uint16{
	0b0000010000, // 0
	0b0000100000, // 1
	0b0001000000, // 2
	0b0010000000, // 3
	0b0100000000, // 4
	0b1000000000, // 5
	0b0000000001, // 6
	0b0000000010, // 7
	0b0000000100, // 8
	0b0000001000, // 9
	0,            // off
}

func pin(d uint8) uint64 {
	if d > Blank {
		d = Blank
	}
	return uint64(pins[d])
}

// Encode returns the bytes to shift out for a frame, most significant byte first.
func Encode(f Frame) [FrameSize]byte {
	var v uint64
	for _, d := range f.Digits {
		v = v<<10 | pin(d)
	}
	v = ^v & (1<<40 - 1)
	var result [FrameSize]byte
	for i := 0; i < 5; i++ {
		result[i] = byte(v >> (8 * (4 - i)))
	}
	result[5] = byte(f.Dots)
	return result
}

// Digits returns a frame showing n's last four decimal digits, with leading zeros.
func Digits(n int) Frame {
	if n < 0 {
		n = -n
	}
	return Frame{Digits: [4]uint8{uint8(n / 1000 % 10), uint8(n / 100 % 10), uint8(n / 10 % 10), uint8(n % 10)}}
}

// RenderTime shows hours and minutes of local wall-clock time.  In 12-hour mode the leading zero
// of the hour is blanked.
func RenderTime(local calendar.Instant, dot, hour12 bool) Frame {
	d := local.Date()
	h := d.Hour
	if hour12 {
		if h %= 12; h == 0 {
			h = 12
		}
	}
	f := Digits(h*100 + d.Minute)
	if hour12 && h < 10 {
		f.Digits[0] = Blank
	}
	if dot {
		f.Dots = DotH1
	}
	return f
}

// RenderDate shows the day and month of local wall-clock time.
func RenderDate(local calendar.Instant, dot bool) Frame {
	d := local.Date()
	f := Digits(d.Day*100 + d.Month)
	if dot {
		f.Dots = DotH1
	}
	return f
}

// Error codes shown on the tubes.
const (
	ErrorNetworkTime = 1 // the network time service did not answer
	ErrorNetwork     = 2 // no network connection
)

// ErrorFrame shows a four-digit error code.
func ErrorFrame(code int) Frame {
	return Digits(code)
}

var (
	framesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nixie_frames_written_total",
		Help: "Frames successfully sent to the shift registers.",
	})
	writeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nixie_write_errors_total",
		Help: "Frames that failed to send.",
	})
)

// Conn is the part of spi.Conn the display needs.
type Conn interface {
	Tx(w, r []byte) error
}

// Display sends frames to the tubes.
type Display struct {
	conn Conn
}

// New returns a display that writes to c.
func New(c Conn) *Display {
	return &Display{conn: c}
}

// NewSPI connects to the shift registers on p: 1MHz, mode 0, 8-bit words, MSB first.
func NewSPI(p spi.Port) (*Display, error) {
	c, err := p.Connect(physic.MegaHertz, spi.Mode0, 8)
	if err != nil {
		return nil, fmt.Errorf("connect to spi port: %w", err)
	}
	return New(c), nil
}

// Write sends one frame in a single transaction.
func (d *Display) Write(f Frame) error {
	buf := Encode(f)
	if err := d.conn.Tx(buf[:], nil); err != nil {
		writeErrors.Inc()
		return fmt.Errorf("write frame %v: %w", f, err)
	}
	framesWritten.Inc()
	return nil
}
