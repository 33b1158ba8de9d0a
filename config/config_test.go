package config

import (
	"strconv"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jrockway/nixie-clock/arbiter"
	"github.com/jrockway/nixie-clock/bq32000"
	"github.com/jrockway/nixie-clock/calendar"
	"github.com/jrockway/nixie-clock/ntpsync"
	"github.com/jrockway/nixie-clock/sensor"
	"github.com/jrockway/nixie-clock/timezone"
)

func TestLoadExample(t *testing.T) {
	cfg, err := Load("clock.example.toml")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if got, want := cfg.RTC, (RTC{Bus: "I2C1", Charger: bq32000.LowVoltage, Calibration: -3, IRQPin: "GPIO17"}); got != want {
		t.Errorf("rtc:\n  got: %+v\n want: %+v", got, want)
	}
	wantDisplay := Display{
		SPI:            "SPI0.0",
		ButtonPin:      "GPIO27",
		ScrollCadence:  300 * time.Millisecond,
		AntiPoisonStep: 30 * time.Millisecond,
		ErrorHold:      3 * time.Second,
		StartupLaps:    1,
	}
	if got := cfg.Display; got != wantDisplay {
		t.Errorf("display:\n  got: %+v\n want: %+v", got, wantDisplay)
	}
	wantSync := Sync{
		Strategy: arbiter.NetworkLookup,
		Provider: ProviderSNTP,
		Server:   "pool.ntp.org:123",
		Timeout:  10 * time.Second,
		Interval: time.Hour,
		Accept:   map[arbiter.Source]bool{arbiter.RtcReadback: true, arbiter.NetworkSync: true, arbiter.ManualEntry: true},
	}
	if diff := cmp.Diff(wantSync, cfg.Sync); diff != "" {
		t.Errorf("sync (-want +got):\n%s", diff)
	}
	if dst, std := cfg.Timezone.Policy.Rules(); dst.Name != "EDT" || std.Name != "EST" {
		t.Errorf("policy:\n  got: %v/%v\n want: EDT/EST", dst.Name, std.Name)
	}
	if got, want := cfg.Timezone.Location, "40.7,-74.0"; got != want {
		t.Errorf("location:\n  got: %v\n want: %v", got, want)
	}
	if got, want := cfg.Sensor, (Sensor{Enabled: true, Bus: "I2C1", Addr: 0x77, Quantity: sensor.Temperature, Interval: 30 * time.Second}); got != want {
		t.Errorf("sensor:\n  got: %+v\n want: %+v", got, want)
	}
	if got, want := cfg.Debug.Bind, ":8080"; got != want {
		t.Errorf("bind:\n  got: %v\n want: %v", got, want)
	}
	r, ok := cfg.NewResolver(nil).(*timezone.GeoIPResolver)
	if !ok {
		t.Fatalf("resolver: got %T, want *timezone.GeoIPResolver", cfg.NewResolver(nil))
	}
	if r.Coordinates == nil {
		t.Error("geoip resolver has no coordinate resolver")
	}
}

func TestDefaults(t *testing.T) {
	cfg, err := Parse("")
	if err != nil {
		t.Fatal(err)
	}
	want := Default()
	if got := cfg.Sync.Strategy; got != want.Sync.Strategy {
		t.Errorf("strategy:\n  got: %v\n want: %v", got, want.Sync.Strategy)
	}
	if got := cfg.Display.ErrorHold; got != 3*time.Second {
		t.Errorf("error hold:\n  got: %v\n want: %v", got, 3*time.Second)
	}
	if got := cfg.Timezone.Policy.Offset(0); got != 0 {
		t.Errorf("default offset:\n  got: %v\n want: %v", got, 0)
	}
	if _, ok := cfg.Sync.NewProvider().(*ntpsync.SNTP); !ok {
		t.Errorf("provider: got %T, want *ntpsync.SNTP", cfg.Sync.NewProvider())
	}
	if r := cfg.NewResolver(nil); r != nil {
		t.Errorf("resolver for %v: got %T, want nil", cfg.Sync.Strategy, r)
	}
}

func TestChronyDefaultAddr(t *testing.T) {
	cfg, err := Parse("[sync]\nprovider = \"chrony\"\n")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := cfg.Sync.Server, ntpsync.DefaultChronyAddr; got != want {
		t.Errorf("server:\n  got: %v\n want: %v", got, want)
	}
	if _, ok := cfg.Sync.NewProvider().(*ntpsync.Chrony); !ok {
		t.Errorf("provider: got %T, want *ntpsync.Chrony", cfg.Sync.NewProvider())
	}
}

func TestFixedOffset(t *testing.T) {
	testData := []struct {
		offset int
		want   string
	}{
		{330, "UTC+05:30"},
		{-210, "UTC-03:30"},
		{-30, "UTC-00:30"},
		{0, "UTC+00:00"},
	}
	for _, test := range testData {
		cfg, err := Parse("[timezone]\nfixed_offset = " + strconv.Itoa(test.offset) + "\n")
		if err != nil {
			t.Fatalf("offset %d: %v", test.offset, err)
		}
		p := cfg.Timezone.Policy
		if got := p.Offset(calendar.Instant(1e9)); got != test.offset {
			t.Errorf("offset %d:\n  got: %v\n want: %v", test.offset, got, test.offset)
		}
		if got := p.Active(calendar.Instant(1e9)).Name; got != test.want {
			t.Errorf("name for %d:\n  got: %v\n want: %v", test.offset, got, test.want)
		}
	}
}

func TestCustomRules(t *testing.T) {
	cfg, err := Parse(`
[timezone.daylight]
name = "NZDT"
week = "last"
weekday = "Sunday"
month = 9
hour = 2
offset = 780

[timezone.standard]
name = "NZST"
week = "first"
weekday = "sunday"
month = 4
hour = 3
offset = 720
`)
	if err != nil {
		t.Fatal(err)
	}
	dst, std := cfg.Timezone.Policy.Rules()
	wantDST := timezone.Rule{Name: "NZDT", Week: timezone.Last, Weekday: time.Sunday, Month: time.September, Hour: 2, Offset: 780}
	wantSTD := timezone.Rule{Name: "NZST", Week: timezone.First, Weekday: time.Sunday, Month: time.April, Hour: 3, Offset: 720}
	if diff := cmp.Diff(wantDST, dst); diff != "" {
		t.Errorf("daylight rule (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(wantSTD, std); diff != "" {
		t.Errorf("standard rule (-want +got):\n%s", diff)
	}
	// January is summer in New Zealand.
	jan := calendar.Date{Year: 2024, Month: 1, Day: 15, Hour: 12}.Instant()
	if got, want := cfg.Timezone.Policy.Offset(jan), 780; got != want {
		t.Errorf("january offset:\n  got: %v\n want: %v", got, want)
	}
}

func TestErrors(t *testing.T) {
	testData := []struct {
		name   string
		config string
	}{
		{"unknown key", "[rtc]\nbogus = 1\n"},
		{"unknown section", "[gps]\ndevice = \"/dev/ttyS1\"\n"},
		{"bad charger", "[rtc]\ncharger = \"fast\"\n"},
		{"calibration range", "[rtc]\ncalibration = 32\n"},
		{"bad duration", "[display]\nscroll_cadence = \"fast\"\n"},
		{"negative duration", "[sync]\ninterval = \"-1h\"\n"},
		{"bad strategy", "[sync]\nstrategy = \"gps\"\n"},
		{"bad provider", "[sync]\nprovider = \"gpsd\"\n"},
		{"bad source", "[sync]\naccept = [\"gps\"]\n"},
		{"bad preset", "[timezone]\npreset = \"mars\"\n"},
		{"two policies", "[timezone]\npreset = \"uk\"\nfixed_offset = 60\n"},
		{"huge offset", "[timezone]\nfixed_offset = 1000\n"},
		{"half a rule pair", "[timezone.daylight]\nweek = \"last\"\nweekday = \"sunday\"\nmonth = 3\n"},
		{"bad week", "[timezone.daylight]\nweek = \"fifth\"\nweekday = \"sunday\"\nmonth = 3\n[timezone.standard]\nweek = \"last\"\nweekday = \"sunday\"\nmonth = 10\n"},
		{"bad resolver", "[timezone]\nresolver = \"gps\"\n"},
		{"coordinates without location", "[timezone]\nresolver = \"coordinates\"\n"},
		{"bad address", "[sensor]\naddr = 512\n"},
		{"bad quantity", "[sensor]\nquantity = \"lux\"\n"},
		{"not toml", "[rtc\n"},
	}
	for _, test := range testData {
		if _, err := Parse(test.config); err == nil {
			t.Errorf("%s: expected error", test.name)
		}
	}
}
