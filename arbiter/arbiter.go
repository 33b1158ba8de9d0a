// Package arbiter decides what time it is.  Proposals arrive from the RTC at boot, from the network
// time service, and from manual entry; the arbiter accepts or rejects each one according to the
// configured strategy, localizes it, and writes accepted times back to the RTC.
//
// Internally the authoritative time is kept as a UTC instant plus the reading of a monotonic clock
// at the moment it was accepted.  The RTC holds local wall-clock time.
package arbiter

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/jrockway/nixie-clock/calendar"
	"github.com/jrockway/nixie-clock/timezone"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/net/trace"
)

// Source is where a proposal came from.
type Source int

const (
	RtcReadback Source = iota
	NetworkSync
	ManualEntry
)

func (s Source) String() string {
	switch s {
	case RtcReadback:
		return "rtc"
	case NetworkSync:
		return "network"
	case ManualEntry:
		return "manual"
	}
	return fmt.Sprintf("Source(%d)", int(s))
}

// Trust describes how a proposal's instant is expressed.
type Trust int

const (
	// Local instants are wall-clock seconds in the clock's zone, like the RTC or a person typing
	// in the time.
	Local Trust = iota
	// UTC instants come from a time service and need to be localized.
	UTC
)

// Proposal is a candidate for the current time.
type Proposal struct {
	Source  Source
	Instant calendar.Instant
	Trust   Trust
	// Zone, if set, is the offset a resolver found for Instant.  It takes precedence over the
	// configured policy.
	Zone *timezone.Offset
	// Requested is when the proposal was asked for.  Network proposals requested before the
	// latest manual entry are dropped.
	Requested time.Time
	// Err means the source failed to produce a time; the proposal is rejected.
	Err error
}

// Manual is the raw form a person fills in to set the clock.
type Manual struct {
	Year, Month, Day, Hour, Minute string
}

// Strategy is how a deployment gets its time.
type Strategy int

const (
	// ManualOnly trusts the RTC and manual entry only.
	ManualOnly Strategy = iota
	// NetworkFixed syncs from the network and localizes with a fixed offset or rule policy.
	NetworkFixed
	// NetworkLookup syncs from the network and resolves the offset dynamically.
	NetworkLookup
)

func (s Strategy) String() string {
	switch s {
	case ManualOnly:
		return "manual"
	case NetworkFixed:
		return "network-fixed"
	case NetworkLookup:
		return "network-lookup"
	}
	return fmt.Sprintf("Strategy(%d)", int(s))
}

// ParseStrategy is the inverse of Strategy.String.
func ParseStrategy(s string) (Strategy, error) {
	for _, st := range []Strategy{ManualOnly, NetworkFixed, NetworkLookup} {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown strategy %q", s)
}

// DefaultAccept returns the sources a strategy arbitrates.
func DefaultAccept(s Strategy) map[Source]bool {
	if s == ManualOnly {
		return map[Source]bool{RtcReadback: true, ManualEntry: true}
	}
	return map[Source]bool{RtcReadback: true, NetworkSync: true, ManualEntry: true}
}

// RTC is where accepted times are written back to, and read from at boot.
type RTC interface {
	ReadTime() (calendar.Date, error)
	WriteTime(calendar.Date) error
}

// Config configures an Arbiter.
type Config struct {
	Strategy Strategy
	// Accept is the set of sources to arbitrate; nil means DefaultAccept(Strategy).  Among
	// accepted sources the last writer wins.  RTC readback is always accepted.
	Accept map[Source]bool
	// Policy localizes UTC proposals that carry no resolved zone.  If nil, and no zone has been
	// resolved, the clock shows UTC.
	Policy *timezone.Policy
	// ResumeSyncAfterManual keeps scheduled network sync running after a manual entry.  By
	// default manual entry suspends it for the rest of the session.
	ResumeSyncAfterManual bool
	// RTC receives accepted network and manual times.  May be nil.
	RTC   RTC
	Clock clockwork.Clock
}

var (
	ErrNotAccepted = errors.New("source not arbitrated by the active strategy")
	ErrSuperseded  = errors.New("rtc readback superseded by a synced source")
	ErrStale       = errors.New("network time requested before the latest manual entry")
)

var (
	proposals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arbiter_proposals_total",
		Help: "Time proposals by source and outcome.",
	}, []string{"source", "outcome"})
	rtcWriteErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arbiter_rtc_write_errors_total",
		Help: "Accepted times that could not be written back to the RTC.",
	})
)

// Outcome is the result of submitting a proposal.
type Outcome struct {
	Accepted bool
	Source   Source
	// Reason is why the proposal was rejected.
	Reason error
	// WriteBack is the error writing an accepted time back to the RTC, if any.  The time is
	// accepted regardless.
	WriteBack error
}

// Arbiter owns the authoritative time.  Submit is meant to be called from one goroutine; the
// query methods are safe to call from any.
type Arbiter struct {
	cfg    Config
	accept map[Source]bool
	events trace.EventLog

	mu        sync.RWMutex
	synced    bool
	source    Source
	base      calendar.Instant // UTC at baseAt
	baseAt    time.Time
	zone      *timezone.Offset // last resolved zone, if any
	manualAt  time.Time
	suspended bool
	lastErr   error
	errSource Source
	errAt     time.Time
}

// New returns an unsynced arbiter.
func New(cfg Config) *Arbiter {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	accept := make(map[Source]bool)
	src := cfg.Accept
	if src == nil {
		src = DefaultAccept(cfg.Strategy)
	}
	for s, ok := range src {
		accept[s] = ok
	}
	accept[RtcReadback] = true
	return &Arbiter{
		cfg:    cfg,
		accept: accept,
		events: trace.NewEventLog("arbiter", cfg.Strategy.String()),
	}
}

// Close finishes the arbiter's event log.
func (a *Arbiter) Close() {
	a.events.Finish()
}

// Accepts reports whether the strategy arbitrates proposals from s.
func (a *Arbiter) Accepts(s Source) bool {
	return a.accept[s]
}

// Boot reads the RTC and accepts its time if it has one.  A missing chip or stopped oscillator
// leaves the arbiter unsynced.
func (a *Arbiter) Boot(rtc RTC) Outcome {
	p := Proposal{Source: RtcReadback, Trust: Local, Requested: a.cfg.Clock.Now()}
	d, err := rtc.ReadTime()
	if err != nil {
		p.Err = fmt.Errorf("read rtc: %w", err)
	} else {
		p.Instant = d.Instant()
	}
	return a.Submit(p)
}

// SubmitManual validates a manual entry and submits it.
func (a *Arbiter) SubmitManual(m Manual) Outcome {
	d, err := calendar.ParseManual(m.Year, m.Month, m.Day, m.Hour, m.Minute)
	if err != nil {
		return a.reject(Proposal{Source: ManualEntry}, err)
	}
	return a.Submit(Proposal{Source: ManualEntry, Instant: d.Instant(), Trust: Local, Requested: a.cfg.Clock.Now()})
}

func (a *Arbiter) reject(p Proposal, reason error) Outcome {
	proposals.WithLabelValues(p.Source.String(), "rejected").Inc()
	a.events.Errorf("rejected %v proposal: %v", p.Source, reason)
	if !errors.Is(reason, ErrNotAccepted) {
		a.mu.Lock()
		a.lastErr, a.errSource, a.errAt = reason, p.Source, a.cfg.Clock.Now()
		a.mu.Unlock()
	}
	return Outcome{Source: p.Source, Reason: reason}
}

// toUTC converts a local instant using the best information available.  a.mu must be held.
func (a *Arbiter) toUTC(local calendar.Instant) calendar.Instant {
	switch {
	case a.zone != nil:
		return local.Add(-time.Duration(a.zone.Minutes) * time.Minute)
	case a.cfg.Policy != nil:
		return a.cfg.Policy.ToUTC(local)
	}
	return local
}

// toLocal is the inverse of toUTC.  a.mu must be held for reading.
func (a *Arbiter) toLocal(utc calendar.Instant) calendar.Instant {
	switch {
	case a.zone != nil:
		return utc.Add(time.Duration(a.zone.Minutes) * time.Minute)
	case a.cfg.Policy != nil:
		return a.cfg.Policy.ToLocal(utc)
	}
	return utc
}

// Submit arbitrates one proposal.
func (a *Arbiter) Submit(p Proposal) Outcome {
	if !a.accept[p.Source] {
		return a.reject(p, fmt.Errorf("%v under %v: %w", p.Source, a.cfg.Strategy, ErrNotAccepted))
	}
	if p.Err != nil {
		return a.reject(p, p.Err)
	}

	a.mu.RLock()
	synced, source, manualAt := a.synced, a.source, a.manualAt
	a.mu.RUnlock()

	switch p.Source {
	case RtcReadback:
		if synced && source != RtcReadback {
			return a.reject(p, ErrSuperseded)
		}
	case NetworkSync:
		if !manualAt.IsZero() && !p.Requested.IsZero() && p.Requested.Before(manualAt) {
			return a.reject(p, ErrStale)
		}
	case ManualEntry:
		d := p.Instant.Date()
		if err := d.Validate(); err != nil {
			return a.reject(p, err)
		}
		if d.Year < calendar.MinManualYear {
			return a.reject(p, fmt.Errorf("%w: year %d", calendar.ErrInvalidDateTime, d.Year))
		}
	}

	now := a.cfg.Clock.Now()
	a.mu.Lock()
	if p.Zone != nil {
		z := *p.Zone
		a.zone = &z
	}
	utc := p.Instant
	if p.Trust == Local {
		utc = a.toUTC(p.Instant)
	}
	a.synced, a.source, a.base, a.baseAt = true, p.Source, utc, now
	if p.Source == ManualEntry {
		a.manualAt = now
		if !a.cfg.ResumeSyncAfterManual {
			a.suspended = true
		}
	}
	local := a.toLocal(utc)
	a.mu.Unlock()

	proposals.WithLabelValues(p.Source.String(), "accepted").Inc()
	a.events.Printf("accepted %v proposal: local %v (utc %v)", p.Source, local, utc)
	o := Outcome{Accepted: true, Source: p.Source}
	if p.Source != RtcReadback && a.cfg.RTC != nil {
		if err := a.cfg.RTC.WriteTime(local.Date()); err != nil {
			rtcWriteErrors.Inc()
			a.events.Errorf("write back to rtc: %v", err)
			o.WriteBack = err
		}
	}
	return o
}

// UTC returns the authoritative UTC time, and false if the clock has never been set.
func (a *Arbiter) UTC() (calendar.Instant, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.utc()
}

func (a *Arbiter) utc() (calendar.Instant, bool) {
	if !a.synced {
		return 0, false
	}
	return a.base.Add(a.cfg.Clock.Since(a.baseAt)), true
}

// Now returns the authoritative local time, and false if the clock has never been set.
func (a *Arbiter) Now() (calendar.Instant, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	utc, ok := a.utc()
	if !ok {
		return 0, false
	}
	return a.toLocal(utc), true
}

// SyncSuspended reports whether scheduled network sync should be skipped.
func (a *Arbiter) SyncSuspended() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.suspended || !a.accept[NetworkSync]
}

// Status is a snapshot of the arbiter for the debug server.
type Status struct {
	Strategy      string `json:"strategy"`
	Synced        bool   `json:"synced"`
	Source        string `json:"source,omitempty"`
	Local         string `json:"local,omitempty"`
	UTC           string `json:"utc,omitempty"`
	OffsetMinutes int    `json:"offset_minutes"`
	Zone          string `json:"zone,omitempty"`
	SyncSuspended bool   `json:"sync_suspended"`
	LastError     string `json:"last_error,omitempty"`
	LastErrorFrom string `json:"last_error_source,omitempty"`
	LastErrorAt   string `json:"last_error_at,omitempty"`
}

// State returns a snapshot of the arbiter.
func (a *Arbiter) State() Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s := Status{
		Strategy:      a.cfg.Strategy.String(),
		Synced:        a.synced,
		SyncSuspended: a.suspended || !a.accept[NetworkSync],
	}
	if utc, ok := a.utc(); ok {
		local := a.toLocal(utc)
		s.Source = a.source.String()
		s.UTC = utc.String()
		s.Local = local.String()
		s.OffsetMinutes = int(local.Sub(utc) / time.Minute)
	}
	switch {
	case a.zone != nil:
		s.Zone = a.zone.Name
	case a.cfg.Policy != nil:
		s.Zone = a.cfg.Policy.String()
	}
	if a.lastErr != nil {
		s.LastError = a.lastErr.Error()
		s.LastErrorFrom = a.errSource.String()
		s.LastErrorAt = a.errAt.Format(time.RFC3339)
	}
	return s
}
