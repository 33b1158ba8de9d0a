package arbiter

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/jrockway/nixie-clock/bq32000"
	"github.com/jrockway/nixie-clock/calendar"
	"github.com/jrockway/nixie-clock/timezone"
)

type fakeRTC struct {
	date    calendar.Date
	readErr error
	writes  []calendar.Date
}

func (r *fakeRTC) ReadTime() (calendar.Date, error) {
	if r.readErr != nil {
		return calendar.Date{}, r.readErr
	}
	return r.date, nil
}

func (r *fakeRTC) WriteTime(d calendar.Date) error {
	r.writes = append(r.writes, d)
	return nil
}

func instant(year int, month time.Month, day, hour, min, sec int) calendar.Instant {
	return calendar.FromTime(time.Date(year, month, day, hour, min, sec, 0, time.UTC))
}

func newArbiter(t *testing.T, cfg Config) (*Arbiter, clockwork.FakeClock, *fakeRTC) {
	t.Helper()
	clk := clockwork.NewFakeClockAt(time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))
	rtc := &fakeRTC{}
	cfg.Clock = clk
	cfg.RTC = rtc
	a := New(cfg)
	t.Cleanup(a.Close)
	return a, clk, rtc
}

func mustNow(t *testing.T, a *Arbiter) calendar.Instant {
	t.Helper()
	now, ok := a.Now()
	if !ok {
		t.Fatal("arbiter has no time")
	}
	return now
}

func TestBoot(t *testing.T) {
	testData := []struct {
		name    string
		rtc     *fakeRTC
		synced  bool
		wantErr error
	}{
		{"ok", &fakeRTC{date: calendar.Date{Year: 2024, Month: 5, Day: 1, Hour: 8}}, true, nil},
		{"absent", &fakeRTC{readErr: bq32000.ErrNotPresent}, false, bq32000.ErrNotPresent},
		{"stopped", &fakeRTC{readErr: bq32000.ErrOscillatorStopped}, false, bq32000.ErrOscillatorStopped},
	}
	for _, test := range testData {
		t.Run(test.name, func(t *testing.T) {
			a, _, _ := newArbiter(t, Config{Strategy: ManualOnly})
			o := a.Boot(test.rtc)
			if got, want := o.Accepted, test.synced; got != want {
				t.Errorf("accepted:\n  got: %v\n want: %v", got, want)
			}
			if test.wantErr != nil && !errors.Is(o.Reason, test.wantErr) {
				t.Errorf("reason:\n  got: %v\n want: %v", o.Reason, test.wantErr)
			}
			now, ok := a.Now()
			if got, want := ok, test.synced; got != want {
				t.Fatalf("has time:\n  got: %v\n want: %v", got, want)
			}
			if !ok {
				if now != 0 {
					t.Errorf("unsynced arbiter returned a time: %v", now)
				}
				if a.State().LastError == "" {
					t.Error("boot failure not recorded")
				}
				return
			}
			if got, want := now, test.rtc.date.Instant(); got != want {
				t.Errorf("now:\n  got: %v\n want: %v", got, want)
			}
		})
	}
}

func TestElapsed(t *testing.T) {
	a, clk, rtc := newArbiter(t, Config{Strategy: ManualOnly})
	a.Boot(&fakeRTC{date: calendar.Date{Year: 2024, Month: 12, Day: 31, Hour: 23, Minute: 59, Second: 58}})
	clk.Advance(3 * time.Second)
	if got, want := mustNow(t, a), instant(2025, time.January, 1, 0, 0, 1); got != want {
		t.Errorf("now:\n  got: %v\n want: %v", got, want)
	}
	if len(rtc.writes) != 0 {
		t.Errorf("rtc readback should not be written back: %v", rtc.writes)
	}
}

func TestNetworkLocalization(t *testing.T) {
	eastern, err := timezone.Lookup("us-eastern")
	if err != nil {
		t.Fatal(err)
	}
	a, clk, rtc := newArbiter(t, Config{Strategy: NetworkFixed, Policy: eastern})
	o := a.Submit(Proposal{Source: NetworkSync, Trust: UTC, Instant: instant(2024, time.March, 10, 6, 59, 58), Requested: clk.Now()})
	if !o.Accepted {
		t.Fatalf("network proposal rejected: %v", o.Reason)
	}
	if got, want := mustNow(t, a), instant(2024, time.March, 10, 1, 59, 58); got != want {
		t.Errorf("local before transition:\n  got: %v\n want: %v", got, want)
	}
	// The policy is applied continuously, so the clock springs forward without another sync.
	clk.Advance(2 * time.Second)
	if got, want := mustNow(t, a), instant(2024, time.March, 10, 3, 0, 0); got != want {
		t.Errorf("local after transition:\n  got: %v\n want: %v", got, want)
	}
	if diff := cmp.Diff([]calendar.Date{{Year: 2024, Month: 3, Day: 10, Hour: 1, Minute: 59, Second: 58}}, rtc.writes); diff != "" {
		t.Errorf("rtc writes (-want +got):\n%s", diff)
	}

	// A resolved zone overrides the policy.
	a.Submit(Proposal{Source: NetworkSync, Trust: UTC, Instant: instant(2024, time.July, 1, 12, 0, 0), Zone: &timezone.Offset{Minutes: 330, Name: "IST"}})
	if got, want := mustNow(t, a), instant(2024, time.July, 1, 17, 30, 0); got != want {
		t.Errorf("local with resolved zone:\n  got: %v\n want: %v", got, want)
	}
	if got, want := a.State().Zone, "IST"; got != want {
		t.Errorf("zone:\n  got: %v\n want: %v", got, want)
	}
	if got, want := a.State().OffsetMinutes, 330; got != want {
		t.Errorf("offset:\n  got: %v\n want: %v", got, want)
	}

	// Without a policy or zone the clock shows UTC.
	b, _, _ := newArbiter(t, Config{Strategy: NetworkFixed})
	b.Submit(Proposal{Source: NetworkSync, Trust: UTC, Instant: instant(2024, time.July, 1, 12, 0, 0)})
	if got, want := mustNow(t, b), instant(2024, time.July, 1, 12, 0, 0); got != want {
		t.Errorf("utc clock:\n  got: %v\n want: %v", got, want)
	}
}

func TestNetworkOverridesManual(t *testing.T) {
	testData := []struct {
		name     string
		cfg      Config
		accepted bool
		wantErr  error
	}{
		{"network strategy with sync resumed", Config{Strategy: NetworkFixed, ResumeSyncAfterManual: true}, true, nil},
		{"manual only", Config{Strategy: ManualOnly}, false, ErrNotAccepted},
		{"explicit accept set", Config{Strategy: NetworkLookup, Accept: map[Source]bool{ManualEntry: true}}, false, ErrNotAccepted},
	}
	for _, test := range testData {
		t.Run(test.name, func(t *testing.T) {
			a, clk, _ := newArbiter(t, test.cfg)
			if o := a.SubmitManual(Manual{Year: "2024", Month: "2", Day: "29", Hour: "12", Minute: "00"}); !o.Accepted {
				t.Fatalf("manual entry rejected: %v", o.Reason)
			}
			manual := mustNow(t, a)
			clk.Advance(time.Second)
			net := instant(2024, time.March, 1, 0, 0, 0)
			o := a.Submit(Proposal{Source: NetworkSync, Trust: UTC, Instant: net, Requested: clk.Now()})
			if got, want := o.Accepted, test.accepted; got != want {
				t.Fatalf("network accepted:\n  got: %v\n want: %v (%v)", got, want, o.Reason)
			}
			if test.wantErr != nil && !errors.Is(o.Reason, test.wantErr) {
				t.Errorf("reason:\n  got: %v\n want: %v", o.Reason, test.wantErr)
			}
			want := manual.Add(time.Second)
			if test.accepted {
				want = net
			}
			if got := mustNow(t, a); got != want {
				t.Errorf("now:\n  got: %v\n want: %v", got, want)
			}
		})
	}
}

func TestManualSuspendsSync(t *testing.T) {
	a, clk, rtc := newArbiter(t, Config{Strategy: NetworkFixed})
	if a.SyncSuspended() {
		t.Fatal("sync suspended before manual entry")
	}
	inflight := clk.Now()
	clk.Advance(time.Second)
	if o := a.SubmitManual(Manual{Year: "2031", Month: "6", Day: "15", Hour: "9", Minute: "30"}); !o.Accepted {
		t.Fatalf("manual entry rejected: %v", o.Reason)
	}
	if !a.SyncSuspended() {
		t.Error("sync not suspended after manual entry")
	}
	o := a.Submit(Proposal{Source: NetworkSync, Trust: UTC, Instant: 1, Requested: inflight})
	if !errors.Is(o.Reason, ErrStale) {
		t.Errorf("in-flight network proposal:\n  got: %v\n want: %v", o.Reason, ErrStale)
	}
	if got, want := mustNow(t, a), instant(2031, time.June, 15, 9, 30, 0); got != want {
		t.Errorf("now:\n  got: %v\n want: %v", got, want)
	}
	if diff := cmp.Diff([]calendar.Date{{Year: 2031, Month: 6, Day: 15, Hour: 9, Minute: 30}}, rtc.writes); diff != "" {
		t.Errorf("rtc writes (-want +got):\n%s", diff)
	}
}

func TestManualValidation(t *testing.T) {
	a, _, rtc := newArbiter(t, Config{Strategy: ManualOnly})
	a.Boot(&fakeRTC{date: calendar.Date{Year: 2024, Month: 1, Day: 1}})
	for _, m := range []Manual{
		{Year: "2023", Month: "2", Day: "29", Hour: "0", Minute: "0"},
		{Year: "2024", Month: "13", Day: "1", Hour: "0", Minute: "0"},
		{Year: "2024", Month: "4", Day: "31", Hour: "0", Minute: "0"},
		{Year: "1970", Month: "1", Day: "1", Hour: "0", Minute: "0"},
		{Year: "2024", Month: "1", Day: "1", Hour: "24", Minute: "0"},
	} {
		o := a.SubmitManual(m)
		if o.Accepted || !errors.Is(o.Reason, calendar.ErrInvalidDateTime) {
			t.Errorf("manual %v: accepted=%v reason=%v", m, o.Accepted, o.Reason)
		}
	}
	if got, want := mustNow(t, a), instant(2024, time.January, 1, 0, 0, 0); got != want {
		t.Errorf("now after rejected entries:\n  got: %v\n want: %v", got, want)
	}
	if !a.SyncSuspended() {
		t.Error("manual-only strategy should never sync")
	}
	if len(rtc.writes) != 0 {
		t.Errorf("rejected entries reached the rtc: %v", rtc.writes)
	}
	if got := a.State().LastErrorFrom; got != "manual" {
		t.Errorf("last error source:\n  got: %v\n want: manual", got)
	}
}

func TestFailedSyncRetainsTime(t *testing.T) {
	a, clk, _ := newArbiter(t, Config{Strategy: NetworkFixed})
	a.Boot(&fakeRTC{date: calendar.Date{Year: 2024, Month: 1, Day: 1}})
	clk.Advance(time.Minute)
	o := a.Submit(Proposal{Source: NetworkSync, Err: errors.New("timeout")})
	if o.Accepted {
		t.Fatal("failed sync accepted")
	}
	if got, want := mustNow(t, a), instant(2024, time.January, 1, 0, 1, 0); got != want {
		t.Errorf("now:\n  got: %v\n want: %v", got, want)
	}
	if got, want := a.State().Source, "rtc"; got != want {
		t.Errorf("source:\n  got: %v\n want: %v", got, want)
	}
}

func TestRtcSuperseded(t *testing.T) {
	a, _, _ := newArbiter(t, Config{Strategy: NetworkFixed})
	a.Submit(Proposal{Source: NetworkSync, Trust: UTC, Instant: instant(2024, time.May, 1, 0, 0, 0)})
	o := a.Boot(&fakeRTC{date: calendar.Date{Year: 2020, Month: 1, Day: 1}})
	if !errors.Is(o.Reason, ErrSuperseded) {
		t.Errorf("late rtc readback:\n  got: %v\n want: %v", o.Reason, ErrSuperseded)
	}
	if got, want := mustNow(t, a), instant(2024, time.May, 1, 0, 0, 0); got != want {
		t.Errorf("now:\n  got: %v\n want: %v", got, want)
	}
}

func TestParseStrategy(t *testing.T) {
	for _, s := range []Strategy{ManualOnly, NetworkFixed, NetworkLookup} {
		got, err := ParseStrategy(s.String())
		if err != nil {
			t.Fatal(err)
		}
		if got != s {
			t.Errorf("parse %v:\n  got: %v\n want: %v", s, got, s)
		}
	}
	if _, err := ParseStrategy("gps"); err == nil {
		t.Error("expected error")
	}
}
