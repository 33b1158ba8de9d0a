// Package antipoison keeps nixie cathodes from poisoning.  A cathode that is never lit collects
// sputtered metal from its neighbours and stops glowing evenly, so once a minute every tube is
// run through all ten digits before settling back on the digit it should show.
package antipoison

import (
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/jrockway/nixie-clock/nixie"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultOrder alternates between cathodes at the front and back of the stack, so consecutive
// steps light cathodes that are physically far apart.
var DefaultOrder = [10]uint8{1, 0, 2, 9, 3, 8, 4, 7, 5, 6}

// DefaultStep is how long each digit is shown during a cycle.
const DefaultStep = 30 * time.Millisecond

var (
	cycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "antipoison_cycles_total",
		Help: "Completed anti-poison cycles.",
	})
	steps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "antipoison_steps_total",
		Help: "Frames shown during anti-poison cycles.",
	})
)

// FrameWriter is something that can show a frame, like a *nixie.Display.
type FrameWriter interface {
	Write(nixie.Frame) error
}

// Scheduler decides when to cycle the tubes and runs the cycle.  It is not safe for concurrent
// use; the main loop owns it.
type Scheduler struct {
	Order [10]uint8
	// Step is the delay between frames.  Zero means no delay.
	Step  time.Duration
	Clock clockwork.Clock

	marker int         // ones digit of the last minute seen, or -1
	cursor [4]int      // index into Order where each slot last stopped
	found  [4]bool     // slots that have landed on their target this cycle
	last   nixie.Frame // target of the last cycle
}

// State is a snapshot of the scheduler for debugging.
type State struct {
	Minute int     `json:"minute"`
	Cursor [4]int  `json:"cursor"`
	Found  [4]bool `json:"found"`
	Last   string  `json:"last"`
}

// State returns a snapshot of the scheduler.
func (s *Scheduler) State() State {
	return State{Minute: s.marker, Cursor: s.cursor, Found: s.found, Last: s.last.String()}
}

// New returns a scheduler using DefaultOrder and DefaultStep.
func New() *Scheduler {
	return &Scheduler{
		Order:  DefaultOrder,
		Step:   DefaultStep,
		Clock:  clockwork.NewRealClock(),
		marker: -1,
	}
}

// Due reports whether a cycle should run for minute.  It returns true once each time the ones
// digit of the minute changes; repeated calls with the same minute return false.  The first
// minute ever seen only primes the scheduler.
func (s *Scheduler) Due(minute int) bool {
	ones := minute % 10
	if s.marker < 0 {
		s.marker = ones
		return false
	}
	if ones == s.marker {
		return false
	}
	s.marker = ones
	return true
}

// Last returns the target of the most recent cycle.
func (s *Scheduler) Last() nixie.Frame {
	return s.last
}

func (s *Scheduler) sleep() {
	if s.Step <= 0 {
		return
	}
	if s.Clock == nil {
		time.Sleep(s.Step)
		return
	}
	s.Clock.Sleep(s.Step)
}

func (s *Scheduler) index(d uint8) int {
	for i, o := range s.Order {
		if o == d {
			return i
		}
	}
	return -1
}

// Cycle animates each tube in turn, left to right.  While a tube cycles the others show their
// target digits.  Each tube starts on the digit after resting in the wear-leveling order and
// stops once it has shown all ten digits and is showing its target, which takes at most 19
// steps.  The display is left showing target.
func (s *Scheduler) Cycle(w FrameWriter, resting, target nixie.Frame) error {
	s.found = [4]bool{}
	n := 0
	for slot := range target.Digits {
		f := target
		want := target.Digits[slot]
		var seen [10]bool
		left := len(seen)
		i := s.index(resting.Digits[slot])
		for {
			i = (i + 1) % len(s.Order)
			d := s.Order[i]
			f.Digits[slot] = d
			if err := w.Write(f); err != nil {
				return fmt.Errorf("anti-poison slot %d: %w", slot, err)
			}
			n++
			s.sleep()
			if !seen[d] {
				seen[d] = true
				left--
			}
			// A blank target is reached as soon as every digit has been shown.
			if left == 0 && (d == want || want > 9) {
				break
			}
		}
		s.cursor[slot] = i
		s.found[slot] = true
	}
	if err := w.Write(target); err != nil {
		return fmt.Errorf("anti-poison: restore frame: %w", err)
	}
	s.last = target
	cycles.Inc()
	steps.Add(float64(n))
	return nil
}

// Startup runs every tube through the wear-leveling order together, laps times, then blanks the
// display.  It is meant for the startup window, when there is no time to show yet.
func (s *Scheduler) Startup(w FrameWriter, laps int) error {
	for lap := 0; lap < laps; lap++ {
		for _, d := range s.Order {
			if err := w.Write(nixie.Frame{Digits: [4]uint8{d, d, d, d}}); err != nil {
				return fmt.Errorf("startup sweep: %w", err)
			}
			s.sleep()
		}
	}
	if err := w.Write(nixie.BlankFrame); err != nil {
		return fmt.Errorf("startup sweep: blank: %w", err)
	}
	return nil
}
