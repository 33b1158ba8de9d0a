// Package scroll shows numbers too long for four tubes by scrolling them through a four-digit
// window.
package scroll

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/jonboulle/clockwork"
	"github.com/jrockway/nixie-clock/nixie"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Width is the number of tubes.
	Width = 4
	// MaxDigits is the longest number that will be scrolled.
	MaxDigits = 16
)

var (
	ErrBufferOverflow = errors.New("scroll: too many digits")
	ErrNotNumeric     = errors.New("scroll: not a decimal number")
)

var rejected = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "scroll_rejected_values_total",
	Help: "Values the scrolling renderer refused to show, by reason.",
}, []string{"reason"})

// Buffer is a parsed number padded with Width blanks on each side, so that the window starts and
// ends showing nothing.
type Buffer struct {
	Digits   []uint8
	Point    int // index into Digits of the digit followed by the decimal point, or -1
	Lead     int // index into Digits of the first real digit
	Negative bool
}

// Parse builds a scroll buffer from a signed decimal string.  Whitespace anywhere is ignored.
func Parse(value string) (*Buffer, error) {
	s := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, value)
	b := &Buffer{Point: -1, Lead: Width}
	if strings.HasPrefix(s, "-") {
		b.Negative = true
		s = s[1:]
	} else if strings.HasPrefix(s, "+") {
		s = s[1:]
	}
	if s == "" || s == "." {
		return nil, fmt.Errorf("%w: %q", ErrNotNumeric, value)
	}
	digits := make([]uint8, Width, MaxDigits+2*Width+1)
	for i := range digits {
		digits[i] = nixie.Blank
	}
	n := 0
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
			digits = append(digits, uint8(c-'0'))
			n++
		case c == '.' && b.Point < 0:
			if n == 0 {
				digits = append(digits, 0)
				n++
			}
			b.Point = len(digits) - 1
		default:
			return nil, fmt.Errorf("%w: %q", ErrNotNumeric, value)
		}
		if n > MaxDigits {
			return nil, fmt.Errorf("%w: %q has more than %d", ErrBufferOverflow, value, MaxDigits)
		}
	}
	for i := 0; i < Width; i++ {
		digits = append(digits, nixie.Blank)
	}
	b.Digits = digits
	return b, nil
}

// Len is the number of real digits.
func (b *Buffer) Len() int {
	return len(b.Digits) - 2*Width
}

// Positions is the number of distinct window positions.
func (b *Buffer) Positions() int {
	return len(b.Digits) - Width + 1
}

func (b *Buffer) dots(idx, pos int) nixie.Dots {
	var d nixie.Dots
	if idx == b.Point {
		d |= nixie.DotAt(pos)
	}
	if b.Negative && idx == b.Lead {
		d |= nixie.DotAt(pos)
	}
	return d
}

// Window renders the four digits starting at cursor.
func (b *Buffer) Window(cursor int) nixie.Frame {
	var f nixie.Frame
	for p := 0; p < Width; p++ {
		idx := cursor + p
		f.Digits[p] = nixie.Blank
		if idx >= 0 && idx < len(b.Digits) {
			f.Digits[p] = b.Digits[idx]
			f.Dots |= b.dots(idx, p)
		}
	}
	return f
}

// Static renders the first four real digits, right-aligned if there are fewer.
func (b *Buffer) Static() nixie.Frame {
	n := b.Len()
	if n > Width {
		n = Width
	}
	return b.Window(b.Lead - (Width - n))
}

// Renderer keeps the state of a scrolling readout between calls.
type Renderer struct {
	clock  clockwork.Clock
	value  string
	buf    *Buffer
	cursor int
	next   time.Time
	frame  nixie.Frame
}

// NewRenderer returns a renderer that starts out blank.
func NewRenderer(c clockwork.Clock) *Renderer {
	if c == nil {
		c = clockwork.NewRealClock()
	}
	return &Renderer{clock: c, frame: nixie.BlankFrame}
}

// Present returns the frame to show for value now.  A value different from the last one restarts
// the scroll from an empty window.  The window advances one digit each time cadence elapses, and
// wraps to the start after the number has scrolled off.  A zero cadence shows the first four
// digits without scrolling.  Values that cannot be shown return an error along with the previous
// frame.
func (r *Renderer) Present(value string, cadence time.Duration) (nixie.Frame, error) {
	now := r.clock.Now()
	if r.buf == nil || value != r.value {
		b, err := Parse(value)
		if err != nil {
			reason := "not_numeric"
			if errors.Is(err, ErrBufferOverflow) {
				reason = "overflow"
			}
			rejected.WithLabelValues(reason).Inc()
			return r.frame, err
		}
		r.value, r.buf, r.cursor = value, b, 0
		r.next = now.Add(cadence)
	} else if cadence > 0 && !now.Before(r.next) {
		steps := 1 + int(now.Sub(r.next)/cadence)
		r.cursor = (r.cursor + steps) % r.buf.Positions()
		r.next = r.next.Add(time.Duration(steps) * cadence)
	}
	if cadence <= 0 {
		r.frame = r.buf.Static()
	} else {
		r.frame = r.buf.Window(r.cursor)
	}
	return r.frame, nil
}

// Cursor returns the index of the leftmost digit in the window.
func (r *Renderer) Cursor() int {
	return r.cursor
}

// Buffer returns the current scroll buffer, or nil if nothing has been presented.
func (r *Renderer) Buffer() *Buffer {
	return r.buf
}
