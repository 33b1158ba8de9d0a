// Package ntpsync fetches the time from the network and turns it into proposals for the arbiter.
package ntpsync

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/jrockway/nixie-clock/arbiter"
	"github.com/jrockway/nixie-clock/calendar"
	"github.com/jrockway/nixie-clock/timezone"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/net/trace"
)

const (
	DefaultTimeout  = 10 * time.Second
	DefaultInterval = time.Hour
)

// ErrTimeout means the time service did not answer in time.
var ErrTimeout = errors.New("network time: timed out")

// Provider is a network source of UTC time.
type Provider interface {
	Now(ctx context.Context) (time.Time, error)
}

var (
	attempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ntpsync_attempts_total",
		Help: "Network time sync attempts by result.",
	}, []string{"result"})
	attemptDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ntpsync_attempt_duration_seconds",
		Help:    "How long each network time sync attempt took.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
	})
)

// Syncer periodically asks a Provider for the time.
type Syncer struct {
	Provider Provider
	// Resolver, if set, is asked for the UTC offset at each synced time.  A failed lookup still
	// yields a proposal, without a zone.
	Resolver timezone.Resolver
	Hint     string
	Timeout  time.Duration // DefaultTimeout if zero
	Interval time.Duration // DefaultInterval if zero
	Clock    clockwork.Clock
	// Suspended, if set, is checked before each scheduled attempt.
	Suspended func() bool
	// Name identifies the syncer on /debug/events.
	Name string
}

func (s *Syncer) clock() clockwork.Clock {
	if s.Clock == nil {
		return clockwork.NewRealClock()
	}
	return s.Clock
}

func classify(err error) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

// Sync makes one attempt and returns the resulting proposal.  A failure is returned as a
// proposal carrying an error, so the arbiter can report it.
func (s *Syncer) Sync(ctx context.Context, l trace.EventLog) arbiter.Proposal {
	clk := s.clock()
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	start := clk.Now()
	p := arbiter.Proposal{Source: arbiter.NetworkSync, Trust: arbiter.UTC, Requested: start}

	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	t, err := s.Provider.Now(tctx)
	attemptDuration.Observe(clk.Since(start).Seconds())
	if err != nil {
		p.Err = classify(err)
		attempts.WithLabelValues("error").Inc()
		l.Errorf("sync: %v", p.Err)
		return p
	}
	p.Instant = calendar.FromTime(t)
	attempts.WithLabelValues("ok").Inc()
	l.Printf("sync: network time is %v", p.Instant)

	if s.Resolver != nil {
		off, err := s.Resolver.ResolveOffset(tctx, p.Instant, s.Hint)
		if err != nil {
			l.Errorf("sync: resolve offset: %v", err)
			return p
		}
		l.Printf("sync: offset %+d minutes (%s, daylight=%v)", off.Minutes, off.Name, off.Daylight)
		p.Zone = &off
	}
	return p
}

// Run syncs immediately, then every Interval, sending each proposal to out.  It returns when the
// context is cancelled.
func (s *Syncer) Run(ctx context.Context, out chan<- arbiter.Proposal) error {
	name := s.Name
	if name == "" {
		name = "sync"
	}
	l := trace.NewEventLog("ntpsync", name)
	defer l.Finish()

	interval := s.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	t := s.clock().NewTicker(interval)
	defer t.Stop()
	for {
		if s.Suspended == nil || !s.Suspended() {
			p := s.Sync(ctx, l)
			select {
			case out <- p:
			case <-ctx.Done():
				return fmt.Errorf("send proposal: %w", ctx.Err())
			}
		} else {
			l.Printf("sync suspended; skipping")
		}
		select {
		case <-t.Chan():
		case <-ctx.Done():
			return fmt.Errorf("wait for next sync: %w", ctx.Err())
		}
	}
}
