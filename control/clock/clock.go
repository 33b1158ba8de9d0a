// Package clock decides what the tubes show, and when.
package clock

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/jrockway/nixie-clock/antipoison"
	"github.com/jrockway/nixie-clock/arbiter"
	"github.com/jrockway/nixie-clock/bq32000"
	"github.com/jrockway/nixie-clock/nixie"
	"github.com/jrockway/nixie-clock/ntpsync"
	"github.com/jrockway/nixie-clock/scroll"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

const (
	// DotsEvery is how many 512Hz interrupts pass between steps of the startup animation.
	DotsEvery             = 100
	dotStep               = DotsEvery * time.Second / 512
	DefaultErrorHold      = 3 * time.Second
	DefaultStartupTimeout = 15 * time.Second
)

// startupDots is the sequence a single dot moves through while waiting for the first sync.
var startupDots = []nixie.Dots{nixie.DotM1, nixie.DotH0, nixie.DotH1, nixie.DotExtra, 0}

var (
	missedTicksCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "missed_ticks",
		Help: "count of ticks that were generated but never received by anything",
	})

	tickDelayMetric = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tick_delay",
		Help:    "amount of time between seconds tick and when it is sent to the channel, in nanoseconds",
		Buckets: prometheus.ExponentialBuckets(1000, 10, 20),
	})

	errorsShown = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clock_error_codes_shown_total",
		Help: "Error codes shown on the tubes.",
	}, []string{"code"})

	modeChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clock_mode_changes_total",
		Help: "Display mode changes by the mode changed to.",
	}, []string{"mode"})
)

// Tick sends the current time to the provided channel at the exact instant that the seconds change.
// An absent listener will not receive an outdated time; the tick will be skipped and the
// missedTicksCounter incremented.  Cancelling the context causes this to return immediately.
func Tick(ctx context.Context, clk clockwork.Clock, ch chan<- time.Time) error {
	for {
		now := clk.Now()
		nextSecond := now.Add(time.Second).Truncate(time.Second)

		// Wait until the next second starts.
		select {
		case <-clk.After(nextSecond.Sub(now)):
		case <-ctx.Done():
			return fmt.Errorf("waiting for next second: %w", ctx.Err())
		}

		// Send the time to the channel.
		select {
		case <-clk.After(500 * time.Millisecond):
			missedTicksCounter.Inc()
		case <-ctx.Done():
			return fmt.Errorf("waiting to send tick: %w", ctx.Err())
		case ch <- nextSecond:
			tickDelayMetric.Observe(float64(clk.Since(nextSecond).Nanoseconds()))
		}
	}
}

// Mode is what the tubes show while the time is known.
type Mode int

const (
	ModeTime Mode = iota
	ModeDate
	ModeAux
)

func (m Mode) String() string {
	switch m {
	case ModeTime:
		return "time"
	case ModeDate:
		return "date"
	case ModeAux:
		return "aux"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Edges is a source of interrupts, like *edge.Watcher.
type Edges interface {
	C() <-chan struct{}
	Take() uint64
}

// Interrupts switches the RTC's square-wave output, like *bq32000.Dev.
type Interrupts interface {
	SetInterruptMode(bq32000.InterruptMode) error
}

// Options configures a Clock.
type Options struct {
	Arbiter *arbiter.Arbiter
	Display antipoison.FrameWriter
	// AntiPoison, if set, cycles the tubes each time the minute's ones digit changes.
	AntiPoison  *antipoison.Scheduler
	StartupLaps int
	// IRQ is the RTC square wave.  If nil, seconds come from Clock instead.
	IRQ        Edges
	Interrupts Interrupts
	// Button taps cycle the display mode.  May be nil.
	Button Edges
	// Proposals are submitted to the arbiter one per loop iteration.
	Proposals <-chan arbiter.Proposal
	// Aux, if set, is the value shown in ModeAux.  It reports false while it has nothing to
	// show.
	Aux            func() (string, bool)
	Hour12         bool
	ScrollCadence  time.Duration
	ErrorHold      time.Duration // DefaultErrorHold if zero
	StartupTimeout time.Duration // DefaultStartupTimeout if zero
	Clock          clockwork.Clock
}

type manualRequest struct {
	m     arbiter.Manual
	reply chan arbiter.Outcome
}

// Clock is the main loop.  It is the only writer of the arbiter and the display.
type Clock struct {
	opts   Options
	clock  clockwork.Clock
	scroll *scroll.Renderer
	manual chan manualRequest

	dot          bool
	errorFrame   nixie.Frame
	errorUntil   time.Time
	edges        int
	anim         int
	writeFailing bool
	animTicker   clockwork.Ticker
	scrollTicker clockwork.Ticker
	startupTimer clockwork.Timer

	mu      sync.Mutex
	mode    Mode        // must hold mu to write, or read outside the loop.
	startup bool        // must hold mu to write, or read outside the loop.
	last    nixie.Frame // must hold mu to write, or read outside the loop.
}

// New returns a Clock.
func New(opts Options) *Clock {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.ErrorHold <= 0 {
		opts.ErrorHold = DefaultErrorHold
	}
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = DefaultStartupTimeout
	}
	return &Clock{
		opts:   opts,
		clock:  opts.Clock,
		scroll: scroll.NewRenderer(opts.Clock),
		manual: make(chan manualRequest),
		last:   nixie.BlankFrame,
	}
}

// Status is a snapshot of the loop for debugging.
type Status struct {
	Mode    string `json:"mode"`
	Startup bool   `json:"startup"`
	Frame   string `json:"frame"`
}

// Status returns a snapshot of the loop.
func (c *Clock) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{Mode: c.mode.String(), Startup: c.startup, Frame: c.last.String()}
}

// SetManual submits a manually entered time through the main loop and waits for the outcome.
func (c *Clock) SetManual(ctx context.Context, m arbiter.Manual) (arbiter.Outcome, error) {
	req := manualRequest{m: m, reply: make(chan arbiter.Outcome, 1)}
	select {
	case c.manual <- req:
	case <-ctx.Done():
		return arbiter.Outcome{}, fmt.Errorf("submit manual time: %w", ctx.Err())
	}
	select {
	case out := <-req.reply:
		return out, nil
	case <-ctx.Done():
		return arbiter.Outcome{}, fmt.Errorf("wait for manual time outcome: %w", ctx.Err())
	}
}

func (c *Clock) write(f nixie.Frame) {
	c.mu.Lock()
	c.last = f
	c.mu.Unlock()
	if err := c.opts.Display.Write(f); err != nil {
		if !c.writeFailing {
			log.Error().Err(err).Msg("display write failed")
		}
		c.writeFailing = true
		return
	}
	if c.writeFailing {
		log.Info().Msg("display writes recovered")
	}
	c.writeFailing = false
}

func (c *Clock) setInterruptMode(m bq32000.InterruptMode) {
	if c.opts.Interrupts == nil {
		return
	}
	if err := c.opts.Interrupts.SetInterruptMode(m); err != nil {
		log.Warn().Err(err).Stringer("mode", m).Msg("set rtc interrupt mode")
	}
}

// beginStartup shows the moving dot until the first network time arrives.  There is nothing to
// wait for if the arbiter ignores the network.
func (c *Clock) beginStartup() {
	if c.opts.Proposals == nil || !c.opts.Arbiter.Accepts(arbiter.NetworkSync) {
		return
	}
	c.mu.Lock()
	c.startup = true
	c.mu.Unlock()
	c.startupTimer = c.clock.NewTimer(c.opts.StartupTimeout)
	if c.opts.IRQ != nil {
		c.setInterruptMode(bq32000.IRQ512Hz)
	} else {
		c.animTicker = c.clock.NewTicker(dotStep)
	}
	log.Info().Dur("timeout", c.opts.StartupTimeout).Msg("waiting for network time")
	c.write(nixie.BlankFrame)
}

func (c *Clock) endStartup(why string) {
	if !c.startup {
		return
	}
	c.mu.Lock()
	c.startup = false
	c.mu.Unlock()
	if c.startupTimer != nil {
		c.startupTimer.Stop()
		c.startupTimer = nil
	}
	if c.animTicker != nil {
		c.animTicker.Stop()
		c.animTicker = nil
	}
	c.setInterruptMode(bq32000.IRQ1Hz)
	log.Info().Str("reason", why).Msg("startup finished")
}

// animate advances the startup animation by n interrupts' worth.
func (c *Clock) animate(n int) {
	c.edges += n
	for c.edges >= DotsEvery {
		c.edges -= DotsEvery
		f := nixie.BlankFrame
		f.Dots = startupDots[c.anim]
		c.anim = (c.anim + 1) % len(startupDots)
		c.write(f)
	}
}

func (c *Clock) second() {
	c.dot = !c.dot
	c.paint()
}

func (c *Clock) setMode(m Mode) {
	c.mu.Lock()
	c.mode = m
	c.mu.Unlock()
	if c.scrollTicker != nil {
		c.scrollTicker.Stop()
		c.scrollTicker = nil
	}
	if m == ModeAux && c.opts.ScrollCadence > 0 {
		c.scrollTicker = c.clock.NewTicker(c.opts.ScrollCadence)
	}
	modeChanges.WithLabelValues(m.String()).Inc()
	log.Info().Stringer("mode", m).Msg("display mode changed")
}

func (c *Clock) tap(n int) {
	for i := 0; i < n; i++ {
		next := (c.mode + 1) % 3
		if next == ModeAux && c.opts.Aux == nil {
			next = ModeTime
		}
		c.setMode(next)
	}
	if n > 0 {
		c.paint()
	}
}

// errorCode picks the code shown for a failed sync.
func errorCode(err error) int {
	if errors.Is(err, ntpsync.ErrTimeout) {
		return nixie.ErrorNetworkTime
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return nixie.ErrorNetwork
	}
	return nixie.ErrorNetworkTime
}

func (c *Clock) showError(code int) {
	c.errorFrame = nixie.ErrorFrame(code)
	c.errorUntil = c.clock.Now().Add(c.opts.ErrorHold)
	errorsShown.WithLabelValues(c.errorFrame.String()).Inc()
}

func (c *Clock) propose(p arbiter.Proposal) {
	out := c.opts.Arbiter.Submit(p)
	ev := log.Info()
	if !out.Accepted {
		ev = log.Warn()
	}
	ev.Stringer("source", p.Source).Bool("accepted", out.Accepted).AnErr("reason", out.Reason).Msg("time proposal")
	if out.WriteBack != nil {
		log.Warn().Err(out.WriteBack).Msg("write accepted time to rtc")
	}
	if p.Source == arbiter.NetworkSync {
		if !out.Accepted && p.Err != nil {
			c.showError(errorCode(p.Err))
		}
		if out.Accepted {
			c.endStartup("network time accepted")
		} else {
			c.endStartup("network time rejected")
		}
	}
	c.paint()
}

// paint shows whatever should be on the tubes now.
func (c *Clock) paint() {
	if c.startup {
		return
	}
	if c.clock.Now().Before(c.errorUntil) {
		c.write(c.errorFrame)
		return
	}
	local, ok := c.opts.Arbiter.Now()
	if !ok {
		c.write(nixie.BlankFrame)
		return
	}
	var f nixie.Frame
	switch c.mode {
	case ModeDate:
		f = nixie.RenderDate(local, true)
	case ModeAux:
		v, ok := "", false
		if c.opts.Aux != nil {
			v, ok = c.opts.Aux()
		}
		if !ok {
			f = nixie.RenderTime(local, c.dot, c.opts.Hour12)
			break
		}
		var err error
		if f, err = c.scroll.Present(v, c.opts.ScrollCadence); err != nil {
			log.Warn().Err(err).Str("value", v).Msg("cannot show auxiliary value")
		}
	default:
		f = nixie.RenderTime(local, c.dot, c.opts.Hour12)
	}
	if ap := c.opts.AntiPoison; ap != nil && ap.Due(local.Date().Minute) {
		if err := ap.Cycle(c.opts.Display, c.last, f); err != nil {
			log.Warn().Err(err).Msg("anti-poison cycle")
		}
		c.mu.Lock()
		c.last = f
		c.mu.Unlock()
		return
	}
	c.write(f)
}

func tickerChan(t clockwork.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.Chan()
}

// Run runs the clock until the context is cancelled.
func (c *Clock) Run(ctx context.Context) error {
	if ap := c.opts.AntiPoison; ap != nil && c.opts.StartupLaps > 0 {
		if err := ap.Startup(c.opts.Display, c.opts.StartupLaps); err != nil {
			log.Warn().Err(err).Msg("startup sweep")
		}
	}

	var irqCh, buttonCh <-chan struct{}
	if c.opts.IRQ != nil {
		irqCh = c.opts.IRQ.C()
	}
	if c.opts.Button != nil {
		buttonCh = c.opts.Button.C()
	}

	var tickErrCh chan error
	var tickCh chan time.Time
	if c.opts.IRQ == nil {
		tickErrCh = make(chan error)
		tickCh = make(chan time.Time)
		go func() {
			err := Tick(ctx, c.clock, tickCh)
			select {
			case tickErrCh <- err:
			case <-ctx.Done():
			}
		}()
	}

	c.beginStartup()
	defer c.endStartup("shutting down")
	c.paint()

	proposals := c.opts.Proposals
	for {
		var startupCh <-chan time.Time
		if c.startupTimer != nil {
			startupCh = c.startupTimer.Chan()
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("clock loop: %w", ctx.Err())
		case err := <-tickErrCh:
			return fmt.Errorf("ticker: %w", err)
		case <-tickCh:
			c.second()
		case <-irqCh:
			n := int(c.opts.IRQ.Take())
			if n == 0 {
				continue
			}
			if c.startup {
				c.animate(n)
			} else {
				c.second()
			}
		case <-tickerChan(c.animTicker):
			c.animate(DotsEvery)
		case <-startupCh:
			c.startupTimer = nil
			c.showError(nixie.ErrorNetworkTime)
			c.endStartup("timed out waiting for network time")
			c.paint()
		case <-buttonCh:
			c.tap(int(c.opts.Button.Take()))
		case p, ok := <-proposals:
			if !ok {
				proposals = nil
				continue
			}
			c.propose(p)
		case req := <-c.manual:
			out := c.opts.Arbiter.SubmitManual(req.m)
			ev := log.Info()
			if !out.Accepted {
				ev = log.Warn()
			}
			ev.Bool("accepted", out.Accepted).AnErr("reason", out.Reason).Msg("manual time entry")
			req.reply <- out
			c.paint()
		case <-tickerChan(c.scrollTicker):
			c.paint()
		}
	}
}
