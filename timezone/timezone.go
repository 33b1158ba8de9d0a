// Package timezone converts UTC to local time under a pair of daylight saving rules, and resolves
// UTC offsets from other sources (a fixed offset, or a web service that knows the zone for a
// location).
package timezone

import (
	"fmt"
	"sync"
	"time"

	"github.com/jrockway/nixie-clock/calendar"
)

// Week selects which occurrence of a weekday in a month a rule fires on.
type Week int

const (
	Last Week = iota
	First
	Second
	Third
	Fourth
)

func (w Week) String() string {
	switch w {
	case Last:
		return "last"
	case First:
		return "first"
	case Second:
		return "second"
	case Third:
		return "third"
	case Fourth:
		return "fourth"
	}
	return fmt.Sprintf("Week(%d)", int(w))
}

// Rule is a time change rule, like "second Sunday in March at 2am local, UTC-4".
type Rule struct {
	Name    string // abbreviation shown while the rule is in force, like "EDT"
	Week    Week
	Weekday time.Weekday
	Month   time.Month
	Hour    int // local wall-clock hour at which the change happens
	Offset  int // minutes east of UTC
}

// At returns the local wall-clock instant at which the rule fires in year.  "Last" rules are
// computed from the first of the following month, stepping back to the most recent matching
// weekday strictly before it.
func (r Rule) At(year int) calendar.Instant {
	m, w, y := r.Month, int(r.Week), year
	if r.Week == Last {
		if m++; m > time.December {
			m = time.January
			y++
		}
		w = 1
	}
	t := time.Date(y, m, 1, r.Hour, 0, 0, 0, time.UTC)
	days := 7*(w-1) + (int(r.Weekday)-int(t.Weekday())+7)%7
	if r.Week == Last {
		days -= 7
	}
	return calendar.FromTime(t.AddDate(0, 0, days))
}

// Policy is a daylight rule and a standard rule.  The transition instants for one year are
// cached; queries for another year recompute them.  A Policy is safe for concurrent use.
type Policy struct {
	dst, std Rule

	mu             sync.Mutex
	year           int
	dstLoc, stdLoc calendar.Instant
	dstUTC, stdUTC calendar.Instant
}

// NewPolicy returns a policy that switches to dst and back to std every year.  If both rules
// are equal the zone has no daylight saving time.
func NewPolicy(dst, std Rule) *Policy {
	return &Policy{dst: dst, std: std}
}

// Fixed returns a policy with a constant offset.
func Fixed(name string, offset int) *Policy {
	r := Rule{Name: name, Week: First, Weekday: time.Sunday, Month: time.January, Offset: offset}
	return NewPolicy(r, r)
}

// Rules returns the daylight and standard rules.
func (p *Policy) Rules() (dst, std Rule) {
	return p.dst, p.std
}

func (p *Policy) String() string {
	if p.dst == p.std {
		return fmt.Sprintf("%s (%+d)", p.std.Name, p.std.Offset)
	}
	return fmt.Sprintf("%s (%+d) / %s (%+d)", p.dst.Name, p.dst.Offset, p.std.Name, p.std.Offset)
}

// calc recomputes the cached transitions for year.  p.mu must be held.
func (p *Policy) calc(year int) {
	p.year = year
	p.dstLoc = p.dst.At(year)
	p.stdLoc = p.std.At(year)
	// Each transition happens at a local time expressed in the rule being left.
	p.dstUTC = p.dstLoc.Add(-time.Duration(p.std.Offset) * time.Minute)
	p.stdUTC = p.stdLoc.Add(-time.Duration(p.dst.Offset) * time.Minute)
}

func (p *Policy) load(year int) {
	if p.year != year {
		p.calc(year)
	}
}

func inDaylight(t, dst, std calendar.Instant) bool {
	if std > dst {
		// Northern hemisphere.
		return t >= dst && t < std
	}
	return !(t >= std && t < dst)
}

// IsDaylight reports whether daylight time is in force at the UTC instant utc.
func (p *Policy) IsDaylight(utc calendar.Instant) bool {
	if p.dst == p.std {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.load(utc.Year())
	return inDaylight(utc, p.dstUTC, p.stdUTC)
}

// IsDaylightLocal reports whether daylight time is in force at the local instant local.  Local
// times in the repeated hour at the end of daylight time are reported as daylight time.
func (p *Policy) IsDaylightLocal(local calendar.Instant) bool {
	if p.dst == p.std {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.load(local.Year())
	return inDaylight(local, p.dstLoc, p.stdLoc)
}

// Active returns the rule in force at utc.
func (p *Policy) Active(utc calendar.Instant) Rule {
	if p.IsDaylight(utc) {
		return p.dst
	}
	return p.std
}

// Offset returns the offset from UTC in minutes at utc.
func (p *Policy) Offset(utc calendar.Instant) int {
	return p.Active(utc).Offset
}

// ToLocal converts a UTC instant to local wall-clock seconds.
func (p *Policy) ToLocal(utc calendar.Instant) calendar.Instant {
	return utc.Add(time.Duration(p.Offset(utc)) * time.Minute)
}

// ToUTC converts local wall-clock seconds back to UTC.
func (p *Policy) ToUTC(local calendar.Instant) calendar.Instant {
	r := p.std
	if p.IsDaylightLocal(local) {
		r = p.dst
	}
	return local.Add(-time.Duration(r.Offset) * time.Minute)
}
