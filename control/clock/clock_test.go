package clock

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/jrockway/nixie-clock/antipoison"
	"github.com/jrockway/nixie-clock/arbiter"
	"github.com/jrockway/nixie-clock/bq32000"
	"github.com/jrockway/nixie-clock/calendar"
	"github.com/jrockway/nixie-clock/nixie"
	"github.com/jrockway/nixie-clock/ntpsync"
	"github.com/jrockway/nixie-clock/scroll"
	"github.com/jrockway/nixie-clock/timezone"
)

func TestTick(t *testing.T) {
	ctx, c := context.WithCancel(context.Background())
	timeout := 1500 * time.Millisecond
	jitter := 100 * time.Millisecond

	tch := make(chan time.Time)
	errch := make(chan error)
	go func() {
		errch <- Tick(ctx, clockwork.NewRealClock(), tch)
		close(errch)
	}()

	// Check that ticks arrive and they're about a second apart.
	var a, b time.Time
	select {
	case <-time.After(timeout):
		t.Fatal("timeout waiting for first tick")
	case err := <-errch:
		t.Fatalf("unexpected error waiting for first tick: %v", err)
	case a = <-tch:
		if delay := time.Since(a); delay > jitter {
			t.Errorf("delayed first tick: %s", delay)
		}
	}
	select {
	case <-time.After(timeout):
		t.Fatal("timeout waiting for second tick")
	case err := <-errch:
		t.Fatalf("unexpected error waiting for second tick: %v", err)
	case b = <-tch:
		if delay := time.Since(b); delay > jitter {
			t.Errorf("delayed second tick: %s", delay)
		}
	}
	if diff := b.Sub(a); diff > timeout {
		t.Errorf("too much delay between ticks: %s", diff)
	}

	// Check that missed ticks do not block the ticker.
	select {
	case <-time.After(2500 * time.Millisecond):
	case err := <-errch:
		t.Fatalf("unexpected error while sleeping: %v", err)
	}
	select {
	case <-time.After(timeout):
		t.Fatal("timeout waiting for third tick")
	case err := <-errch:
		t.Fatalf("unexpected error waiting for third tick: %v", err)
	case new := <-tch:
		if delay := time.Since(new); delay > jitter {
			t.Errorf("delayed third tick: %s", delay)
		}
	}

	// Check that cancelling the context stops the ticking.
	c()
	select {
	case <-time.After(timeout):
		t.Fatal("timeout waiting for cancel")
	case err := <-errch:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("unexpected error after cancel: %v", err)
		}
	}
}

type fakeEdges struct {
	c       chan struct{}
	pending atomic.Uint64
}

func newFakeEdges() *fakeEdges {
	return &fakeEdges{c: make(chan struct{}, 1)}
}

func (e *fakeEdges) C() <-chan struct{} { return e.c }
func (e *fakeEdges) Take() uint64      { return e.pending.Swap(0) }

func (e *fakeEdges) fire(n uint64) {
	e.pending.Add(n)
	e.c <- struct{}{}
}

type fakeInterrupts struct {
	sync.Mutex
	modes []bq32000.InterruptMode
}

func (i *fakeInterrupts) SetInterruptMode(m bq32000.InterruptMode) error {
	i.Lock()
	defer i.Unlock()
	i.modes = append(i.modes, m)
	return nil
}

func (i *fakeInterrupts) get() []bq32000.InterruptMode {
	i.Lock()
	defer i.Unlock()
	return append([]bq32000.InterruptMode(nil), i.modes...)
}

type fakeRTC struct{ date calendar.Date }

func (r *fakeRTC) ReadTime() (calendar.Date, error) { return r.date, nil }
func (r *fakeRTC) WriteTime(calendar.Date) error    { return nil }

type frameRecorder struct {
	frames chan nixie.Frame
}

func (r *frameRecorder) Write(f nixie.Frame) error {
	r.frames <- f
	return nil
}

type harness struct {
	t          *testing.T
	c          *Clock
	clk        clockwork.FakeClock
	arb        *arbiter.Arbiter
	frames     chan nixie.Frame
	irq        *fakeEdges
	button     *fakeEdges
	interrupts *fakeInterrupts
	proposals  chan arbiter.Proposal
}

// start runs a clock against fakes.  If boot is non-nil the arbiter starts with that time from
// the RTC.  If waitSync is true the clock waits for network time at startup.
func start(t *testing.T, opts Options, boot *calendar.Date, waitSync bool) *harness {
	t.Helper()
	utc, err := timezone.Lookup("utc")
	if err != nil {
		t.Fatal(err)
	}
	clk := clockwork.NewFakeClockAt(time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))
	arb := arbiter.New(arbiter.Config{Strategy: arbiter.NetworkFixed, Policy: utc, Clock: clk})
	t.Cleanup(arb.Close)
	if boot != nil {
		if out := arb.Boot(&fakeRTC{date: *boot}); !out.Accepted {
			t.Fatalf("boot: %v", out.Reason)
		}
	}
	h := &harness{
		t:          t,
		clk:        clk,
		arb:        arb,
		frames:     make(chan nixie.Frame, 10000),
		irq:        newFakeEdges(),
		button:     newFakeEdges(),
		interrupts: &fakeInterrupts{},
	}
	if waitSync {
		h.proposals = make(chan arbiter.Proposal)
		opts.Proposals = h.proposals
	}
	opts.Arbiter = arb
	opts.Display = &frameRecorder{frames: h.frames}
	opts.IRQ = h.irq
	opts.Button = h.button
	opts.Interrupts = h.interrupts
	opts.Clock = clk
	h.c = New(opts)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-errCh; !errors.Is(err, context.Canceled) {
			t.Errorf("unexpected error after cancel: %v", err)
		}
	})
	return h
}

func (h *harness) next() nixie.Frame {
	h.t.Helper()
	select {
	case f := <-h.frames:
		return f
	case <-time.After(5 * time.Second):
		h.t.Fatal("timeout waiting for a frame")
	}
	return nixie.Frame{}
}

func (h *harness) expect(what string, want nixie.Frame) {
	h.t.Helper()
	if got := h.next(); got != want {
		h.t.Errorf("%s:\n  got: %v\n want: %v", what, got, want)
	}
}

func (h *harness) now() calendar.Instant {
	h.t.Helper()
	now, ok := h.arb.Now()
	if !ok {
		h.t.Fatal("arbiter has no time")
	}
	return now
}

func dots(d nixie.Dots) nixie.Frame {
	f := nixie.BlankFrame
	f.Dots = d
	return f
}

func TestStartup(t *testing.T) {
	h := start(t, Options{}, nil, true)
	h.expect("startup", nixie.BlankFrame)
	if got := h.c.Status(); !got.Startup {
		t.Errorf("status: %+v, want startup", got)
	}

	h.irq.fire(DotsEvery)
	h.expect("first dot", dots(nixie.DotM1))
	h.irq.fire(2*DotsEvery + 50)
	h.expect("second dot", dots(nixie.DotH0))
	h.expect("third dot", dots(nixie.DotH1))
	h.irq.fire(50)
	h.expect("fourth dot", dots(nixie.DotExtra))

	h.proposals <- arbiter.Proposal{
		Source:    arbiter.NetworkSync,
		Trust:     arbiter.UTC,
		Instant:   calendar.FromTime(time.Date(2030, 1, 1, 12, 34, 0, 0, time.UTC)),
		Requested: h.clk.Now(),
	}
	h.expect("synced time", nixie.Frame{Digits: [4]uint8{1, 2, 3, 4}})
	h.irq.fire(1)
	h.expect("next second", nixie.RenderTime(h.now(), true, false))

	if got, want := h.interrupts.get(), []bq32000.InterruptMode{bq32000.IRQ512Hz, bq32000.IRQ1Hz}; fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("interrupt modes:\n  got: %v\n want: %v", got, want)
	}
	if got := h.c.Status(); got.Startup {
		t.Errorf("status: %+v, want startup finished", got)
	}
}

func TestSyncFailureShowsError(t *testing.T) {
	h := start(t, Options{}, &calendar.Date{Year: 2030, Month: 1, Day: 1, Hour: 8}, true)
	h.expect("startup", nixie.BlankFrame)

	h.proposals <- arbiter.Proposal{
		Source:    arbiter.NetworkSync,
		Trust:     arbiter.UTC,
		Requested: h.clk.Now(),
		Err:       fmt.Errorf("%w: read udp: i/o timeout", ntpsync.ErrTimeout),
	}
	h.expect("after failed sync", nixie.ErrorFrame(nixie.ErrorNetworkTime))
	h.irq.fire(1)
	h.expect("during error hold", nixie.ErrorFrame(nixie.ErrorNetworkTime))

	h.clk.Advance(DefaultErrorHold)
	h.irq.fire(1)
	want := nixie.RenderTime(h.now(), false, false)
	if got, want := want.Digits, [4]uint8{0, 8, 0, 0}; got != want {
		t.Fatalf("retained time:\n  got: %v\n want: %v", got, want)
	}
	h.expect("after error hold", want)
}

func TestStartupTimeout(t *testing.T) {
	h := start(t, Options{}, nil, true)
	h.expect("startup", nixie.BlankFrame)
	h.clk.Advance(DefaultStartupTimeout)
	h.expect("after timeout", nixie.ErrorFrame(nixie.ErrorNetworkTime))
	if got, want := h.interrupts.get(), []bq32000.InterruptMode{bq32000.IRQ512Hz, bq32000.IRQ1Hz}; fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("interrupt modes:\n  got: %v\n want: %v", got, want)
	}
	h.clk.Advance(DefaultErrorHold)
	h.irq.fire(1)
	h.expect("no time yet", nixie.BlankFrame)
}

func TestButtonModes(t *testing.T) {
	aux := func() (string, bool) { return "21.5", true }
	h := start(t, Options{Aux: aux}, &calendar.Date{Year: 2030, Month: 3, Day: 15, Hour: 10, Minute: 20}, false)
	h.expect("time", nixie.Frame{Digits: [4]uint8{1, 0, 2, 0}})

	h.button.fire(1)
	h.expect("date", nixie.RenderDate(h.now(), true))
	if got, want := h.c.Status().Mode, "date"; got != want {
		t.Errorf("mode:\n  got: %v\n want: %v", got, want)
	}

	buf, err := scroll.Parse("21.5")
	if err != nil {
		t.Fatal(err)
	}
	h.button.fire(1)
	h.expect("aux", buf.Static())

	h.button.fire(1)
	h.expect("back to time", nixie.Frame{Digits: [4]uint8{1, 0, 2, 0}})
}

func TestButtonModesWithoutAux(t *testing.T) {
	h := start(t, Options{}, &calendar.Date{Year: 2030, Month: 3, Day: 15, Hour: 10, Minute: 20}, false)
	h.expect("time", nixie.Frame{Digits: [4]uint8{1, 0, 2, 0}})
	h.button.fire(2)
	h.expect("time after two taps", nixie.Frame{Digits: [4]uint8{1, 0, 2, 0}})
	if got, want := h.c.Status().Mode, "time"; got != want {
		t.Errorf("mode:\n  got: %v\n want: %v", got, want)
	}
}

func TestManualEntry(t *testing.T) {
	h := start(t, Options{}, nil, false)
	h.expect("no time", nixie.BlankFrame)

	ctx := context.Background()
	out, err := h.c.SetManual(ctx, arbiter.Manual{Year: "2031", Month: "2", Day: "3", Hour: "4", Minute: "5"})
	if err != nil {
		t.Fatal(err)
	}
	if !out.Accepted {
		t.Fatalf("manual entry rejected: %v", out.Reason)
	}
	h.expect("manual time", nixie.Frame{Digits: [4]uint8{0, 4, 0, 5}})

	out, err = h.c.SetManual(ctx, arbiter.Manual{Year: "2031", Month: "2", Day: "30", Hour: "4", Minute: "5"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Accepted || !errors.Is(out.Reason, calendar.ErrInvalidDateTime) {
		t.Errorf("february 30th:\n  got: %+v\n want: rejected with %v", out, calendar.ErrInvalidDateTime)
	}
	h.expect("time unchanged", nixie.Frame{Digits: [4]uint8{0, 4, 0, 5}})
}

func TestAntiPoisonOnMinuteChange(t *testing.T) {
	ap := antipoison.New()
	ap.Step = 0
	h := start(t, Options{AntiPoison: ap}, &calendar.Date{Year: 2030, Month: 1, Day: 1, Second: 59}, false)
	h.expect("before", nixie.Frame{Digits: [4]uint8{0, 0, 0, 0}})

	h.clk.Advance(time.Second)
	target := nixie.RenderTime(h.now(), true, false)
	h.irq.fire(1)
	// A rejected manual entry repaints once the loop gets to it, after the cycle.
	if out, err := h.c.SetManual(context.Background(), arbiter.Manual{Year: "bogus"}); err != nil || out.Accepted {
		t.Fatalf("manual entry: %+v, %v", out, err)
	}
	var frames []nixie.Frame
	for len(h.frames) > 0 {
		frames = append(frames, <-h.frames)
	}
	// Each tube takes 10 to 19 steps, then the target is restored, then repainted.
	if n := len(frames); n < 4*10+2 || n > 4*19+2 {
		t.Fatalf("frames written: %d", n)
	}
	for i, f := range frames[len(frames)-2:] {
		if f != target {
			t.Errorf("frame %d after the cycle:\n  got: %v\n want: %v", i, f, target)
		}
	}
	for i, f := range frames {
		if f.Dots != target.Dots {
			t.Errorf("frame %d: dots changed during the cycle: %v", i, f)
		}
	}

	// The same minute does not cycle again.
	h.clk.Advance(time.Second)
	h.irq.fire(1)
	h.expect("next second", nixie.RenderTime(h.now(), false, false))
	if _, err := h.c.SetManual(context.Background(), arbiter.Manual{Year: "bogus"}); err != nil {
		t.Fatal(err)
	}
	h.expect("repaint", nixie.RenderTime(h.now(), false, false))
	if n := len(h.frames); n != 0 {
		t.Errorf("%d unexpected extra frames", n)
	}
}

func TestErrorCode(t *testing.T) {
	testData := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: i/o timeout", ntpsync.ErrTimeout), nixie.ErrorNetworkTime},
		{fmt.Errorf("dial: %w", &net.OpError{Op: "dial", Net: "udp", Err: errors.New("network is unreachable")}), nixie.ErrorNetwork},
		{ntpsync.ErrBadReply, nixie.ErrorNetworkTime},
	}
	for _, test := range testData {
		if got := errorCode(test.err); got != test.want {
			t.Errorf("%v:\n  got: %v\n want: %v", test.err, got, test.want)
		}
	}
}
