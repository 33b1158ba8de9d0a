// Package edge turns GPIO interrupts into counters and wakeups for the main loop.
//
// A Watcher goroutine sits in WaitForEdge and does nothing else when an edge arrives: it bumps a
// counter and posts to a channel that never blocks.  All real work happens in whatever reads the
// channel.
package edge

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
)

// DefaultPoll is how long a Watcher waits for an edge before checking for cancellation.
const DefaultPoll = 100 * time.Millisecond

var interruptsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "edge_interrupts_total",
	Help: "Edges seen on each watched GPIO pin.",
}, []string{"pin"})

// Pin is the part of gpio.PinIn that a Watcher needs.
type Pin interface {
	WaitForEdge(timeout time.Duration) bool
}

// Open looks up a pin by name and configures it as an input that reports the given edge.
func Open(name string, pull gpio.Pull, e gpio.Edge) (gpio.PinIO, error) {
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("gpio pin %q not found", name)
	}
	if err := p.In(pull, e); err != nil {
		return nil, fmt.Errorf("configure %s as input: %w", p, err)
	}
	return p, nil
}

// Watcher counts edges on one pin.
type Watcher struct {
	Name string
	Poll time.Duration // DefaultPoll if zero

	pin     Pin
	pending atomic.Uint64
	total   atomic.Uint64
	c       chan struct{}
}

// New returns a Watcher for pin.  Call Run to start watching.
func New(name string, pin Pin) *Watcher {
	return &Watcher{Name: name, pin: pin, c: make(chan struct{}, 1)}
}

// C receives a value after one or more edges.  Several edges may collapse into one wakeup; use
// Take to find out how many there were.
func (w *Watcher) C() <-chan struct{} {
	return w.c
}

// Take returns the number of edges since the last call and resets the count.
func (w *Watcher) Take() uint64 {
	return w.pending.Swap(0)
}

// Total returns the number of edges seen since the Watcher was created.
func (w *Watcher) Total() uint64 {
	return w.total.Load()
}

func (w *Watcher) fire() {
	w.pending.Add(1)
	w.total.Add(1)
	interruptsCounter.WithLabelValues(w.Name).Inc()
	select {
	case w.c <- struct{}{}:
	default:
	}
}

// Run waits for edges until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	poll := w.Poll
	if poll <= 0 {
		poll = DefaultPoll
	}
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("watch %s: %w", w.Name, err)
		}
		if w.pin.WaitForEdge(poll) {
			w.fire()
		}
	}
}
