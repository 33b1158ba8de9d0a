// Package config loads the clock's deployment settings from a TOML file.
package config

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/jrockway/nixie-clock/arbiter"
	"github.com/jrockway/nixie-clock/bq32000"
	"github.com/jrockway/nixie-clock/ntpsync"
	"github.com/jrockway/nixie-clock/sensor"
	"github.com/jrockway/nixie-clock/timezone"
)

// Provider names.
const (
	ProviderSNTP   = "sntp"
	ProviderChrony = "chrony"
)

// Resolver names.
const (
	ResolverRules       = "rules"
	ResolverCoordinates = "coordinates"
	ResolverGeoIP       = "geoip"
)

// RTC configures the BQ32000.
type RTC struct {
	Bus         string // i2creg name; empty for the default bus
	Charger     bq32000.Charger
	Calibration int
	IRQPin      string // empty to run without the square-wave interrupt
	ActiveHigh  bool
}

// Display configures the tubes and the button.
type Display struct {
	SPI            string // spireg name; empty for the default port
	Hour12         bool
	ButtonPin      string
	ScrollCadence  time.Duration
	AntiPoisonStep time.Duration
	ErrorHold      time.Duration
	StartupLaps    int
}

// Sync configures network time.
type Sync struct {
	Strategy arbiter.Strategy
	Provider string
	Server   string
	Timeout  time.Duration
	Interval time.Duration
	// Accept overrides the sources the strategy arbitrates.  Nil means the strategy's default.
	Accept            map[arbiter.Source]bool
	ResumeAfterManual bool
}

// Timezone configures localization.
type Timezone struct {
	// Policy is the rule policy: a preset, custom rules, or a fixed offset.
	Policy *timezone.Policy
	// Resolver picks how network-synced times are localized under the network-lookup strategy.
	Resolver    string
	Location    string // "lat,lng"; empty means locate by IP address
	APIKey      string
	TimeZoneURL string
	GeoIPURL    string
}

// Sensor configures the optional BME280.
type Sensor struct {
	Enabled  bool
	Bus      string
	Addr     uint16
	Quantity sensor.Quantity
	Interval time.Duration
}

// Debug configures the debug and metrics server.
type Debug struct {
	Bind string
}

// Config is the whole configuration.
type Config struct {
	RTC      RTC
	Display  Display
	Sync     Sync
	Timezone Timezone
	Sensor   Sensor
	Debug    Debug
}

// Default returns the configuration used when no file is given.
func Default() Config {
	utc, _ := timezone.Lookup("utc")
	return Config{
		RTC: RTC{Charger: bq32000.LowVoltage},
		Display: Display{
			ScrollCadence:  300 * time.Millisecond,
			AntiPoisonStep: 30 * time.Millisecond,
			ErrorHold:      3 * time.Second,
			StartupLaps:    1,
		},
		Sync: Sync{
			Strategy: arbiter.NetworkFixed,
			Provider: ProviderSNTP,
			Server:   "pool.ntp.org:123",
			Timeout:  ntpsync.DefaultTimeout,
			Interval: ntpsync.DefaultInterval,
		},
		Timezone: Timezone{Policy: utc, Resolver: ResolverRules},
		Sensor: Sensor{
			Addr:     sensor.Addr,
			Quantity: sensor.Temperature,
			Interval: sensor.DefaultInterval,
		},
		Debug: Debug{Bind: ":8080"},
	}
}

type fileRule struct {
	Name    string `toml:"name"`
	Week    string `toml:"week"`
	Weekday string `toml:"weekday"`
	Month   int    `toml:"month"`
	Hour    int    `toml:"hour"`
	Offset  int    `toml:"offset"`
}

type fileConfig struct {
	RTC struct {
		Bus         string `toml:"bus"`
		Charger     string `toml:"charger"`
		Calibration int    `toml:"calibration"`
		IRQPin      string `toml:"irq_pin"`
		ActiveHigh  bool   `toml:"active_high"`
	} `toml:"rtc"`
	Display struct {
		SPI            string `toml:"spi"`
		Hour12         bool   `toml:"hour12"`
		ButtonPin      string `toml:"button_pin"`
		ScrollCadence  string `toml:"scroll_cadence"`
		AntiPoisonStep string `toml:"antipoison_step"`
		ErrorHold      string `toml:"error_hold"`
		StartupLaps    int    `toml:"startup_laps"`
	} `toml:"display"`
	Sync struct {
		Strategy          string   `toml:"strategy"`
		Provider          string   `toml:"provider"`
		Server            string   `toml:"server"`
		Timeout           string   `toml:"timeout"`
		Interval          string   `toml:"interval"`
		Accept            []string `toml:"accept"`
		ResumeAfterManual bool     `toml:"resume_after_manual"`
	} `toml:"sync"`
	Timezone struct {
		Preset      string   `toml:"preset"`
		FixedOffset int      `toml:"fixed_offset"`
		FixedName   string   `toml:"fixed_name"`
		Daylight    fileRule `toml:"daylight"`
		Standard    fileRule `toml:"standard"`
		Resolver    string   `toml:"resolver"`
		Location    string   `toml:"location"`
		APIKey      string   `toml:"api_key"`
		TimeZoneURL string   `toml:"timezone_url"`
		GeoIPURL    string   `toml:"geoip_url"`
	} `toml:"timezone"`
	Sensor struct {
		Enabled  bool   `toml:"enabled"`
		Bus      string `toml:"bus"`
		Addr     int    `toml:"addr"`
		Quantity string `toml:"quantity"`
		Interval string `toml:"interval"`
	} `toml:"sensor"`
	Debug struct {
		Bind string `toml:"bind"`
	} `toml:"debug"`
}

// Load reads path over the defaults.  Keys absent from the file keep their default values.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	cfg, err := apply(Default(), &raw, meta)
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse is Load for a config held in memory.
func Parse(data string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return apply(Default(), &raw, meta)
}

func parseDuration(meta toml.MetaData, value string, key ...string) (time.Duration, bool, error) {
	if !meta.IsDefined(key...) {
		return 0, false, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, false, fmt.Errorf("parse %s: %w", strings.Join(key, "."), err)
	}
	if d <= 0 {
		return 0, false, fmt.Errorf("parse %s: duration must be positive, got %v", strings.Join(key, "."), d)
	}
	return d, true, nil
}

func apply(cfg Config, raw *fileConfig, meta toml.MetaData) (Config, error) {
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("unknown key %q", undecoded[0].String())
	}

	// [rtc]
	if meta.IsDefined("rtc", "bus") {
		cfg.RTC.Bus = strings.TrimSpace(raw.RTC.Bus)
	}
	if meta.IsDefined("rtc", "charger") {
		c, err := parseCharger(strings.TrimSpace(raw.RTC.Charger))
		if err != nil {
			return Config{}, err
		}
		cfg.RTC.Charger = c
	}
	if meta.IsDefined("rtc", "calibration") {
		if c := raw.RTC.Calibration; c < -31 || c > 31 {
			return Config{}, fmt.Errorf("rtc.calibration %d out of range -31..31", c)
		}
		cfg.RTC.Calibration = raw.RTC.Calibration
	}
	if meta.IsDefined("rtc", "irq_pin") {
		cfg.RTC.IRQPin = strings.TrimSpace(raw.RTC.IRQPin)
	}
	if meta.IsDefined("rtc", "active_high") {
		cfg.RTC.ActiveHigh = raw.RTC.ActiveHigh
	}

	// [display]
	if meta.IsDefined("display", "spi") {
		cfg.Display.SPI = strings.TrimSpace(raw.Display.SPI)
	}
	if meta.IsDefined("display", "hour12") {
		cfg.Display.Hour12 = raw.Display.Hour12
	}
	if meta.IsDefined("display", "button_pin") {
		cfg.Display.ButtonPin = strings.TrimSpace(raw.Display.ButtonPin)
	}
	if d, ok, err := parseDuration(meta, raw.Display.ScrollCadence, "display", "scroll_cadence"); err != nil {
		return Config{}, err
	} else if ok {
		cfg.Display.ScrollCadence = d
	}
	if d, ok, err := parseDuration(meta, raw.Display.AntiPoisonStep, "display", "antipoison_step"); err != nil {
		return Config{}, err
	} else if ok {
		cfg.Display.AntiPoisonStep = d
	}
	if d, ok, err := parseDuration(meta, raw.Display.ErrorHold, "display", "error_hold"); err != nil {
		return Config{}, err
	} else if ok {
		cfg.Display.ErrorHold = d
	}
	if meta.IsDefined("display", "startup_laps") {
		if raw.Display.StartupLaps < 0 {
			return Config{}, fmt.Errorf("display.startup_laps must not be negative")
		}
		cfg.Display.StartupLaps = raw.Display.StartupLaps
	}

	// [sync]
	if meta.IsDefined("sync", "strategy") {
		s, err := arbiter.ParseStrategy(strings.TrimSpace(raw.Sync.Strategy))
		if err != nil {
			return Config{}, fmt.Errorf("sync.strategy: %w", err)
		}
		cfg.Sync.Strategy = s
	}
	if meta.IsDefined("sync", "provider") {
		switch p := strings.TrimSpace(raw.Sync.Provider); p {
		case ProviderSNTP, ProviderChrony:
			cfg.Sync.Provider = p
		default:
			return Config{}, fmt.Errorf("sync.provider: unknown provider %q", p)
		}
		if cfg.Sync.Provider == ProviderChrony && !meta.IsDefined("sync", "server") {
			cfg.Sync.Server = ntpsync.DefaultChronyAddr
		}
	}
	if meta.IsDefined("sync", "server") {
		cfg.Sync.Server = strings.TrimSpace(raw.Sync.Server)
	}
	if d, ok, err := parseDuration(meta, raw.Sync.Timeout, "sync", "timeout"); err != nil {
		return Config{}, err
	} else if ok {
		cfg.Sync.Timeout = d
	}
	if d, ok, err := parseDuration(meta, raw.Sync.Interval, "sync", "interval"); err != nil {
		return Config{}, err
	} else if ok {
		cfg.Sync.Interval = d
	}
	if meta.IsDefined("sync", "accept") {
		accept, err := parseAccept(raw.Sync.Accept)
		if err != nil {
			return Config{}, err
		}
		cfg.Sync.Accept = accept
	}
	if meta.IsDefined("sync", "resume_after_manual") {
		cfg.Sync.ResumeAfterManual = raw.Sync.ResumeAfterManual
	}

	// [timezone]
	if err := applyTimezone(&cfg.Timezone, raw, meta); err != nil {
		return Config{}, err
	}

	// [sensor]
	if meta.IsDefined("sensor", "enabled") {
		cfg.Sensor.Enabled = raw.Sensor.Enabled
	}
	if meta.IsDefined("sensor", "bus") {
		cfg.Sensor.Bus = strings.TrimSpace(raw.Sensor.Bus)
	}
	if meta.IsDefined("sensor", "addr") {
		if a := raw.Sensor.Addr; a <= 0 || a > 0x7f {
			return Config{}, fmt.Errorf("sensor.addr 0x%x is not a 7-bit i2c address", a)
		}
		cfg.Sensor.Addr = uint16(raw.Sensor.Addr)
	}
	if meta.IsDefined("sensor", "quantity") {
		q, err := sensor.ParseQuantity(strings.TrimSpace(raw.Sensor.Quantity))
		if err != nil {
			return Config{}, fmt.Errorf("sensor.quantity: %w", err)
		}
		cfg.Sensor.Quantity = q
	}
	if d, ok, err := parseDuration(meta, raw.Sensor.Interval, "sensor", "interval"); err != nil {
		return Config{}, err
	} else if ok {
		cfg.Sensor.Interval = d
	}

	// [debug]
	if meta.IsDefined("debug", "bind") {
		cfg.Debug.Bind = strings.TrimSpace(raw.Debug.Bind)
	}
	return cfg, nil
}

func applyTimezone(tz *Timezone, raw *fileConfig, meta toml.MetaData) error {
	set := 0
	for _, k := range []string{"preset", "fixed_offset", "daylight"} {
		if meta.IsDefined("timezone", k) {
			set++
		}
	}
	if set > 1 {
		return fmt.Errorf("timezone: only one of preset, fixed_offset, or daylight/standard rules may be set")
	}
	switch {
	case meta.IsDefined("timezone", "preset"):
		p, err := timezone.Lookup(strings.TrimSpace(raw.Timezone.Preset))
		if err != nil {
			return fmt.Errorf("timezone.preset: %w", err)
		}
		tz.Policy = p
	case meta.IsDefined("timezone", "fixed_offset"):
		off := raw.Timezone.FixedOffset
		if off < -14*60 || off > 14*60 {
			return fmt.Errorf("timezone.fixed_offset %d minutes is not a real offset", off)
		}
		name := strings.TrimSpace(raw.Timezone.FixedName)
		if name == "" {
			sign := '+'
			if off < 0 {
				sign = '-'
			}
			name = fmt.Sprintf("UTC%c%02d:%02d", sign, abs(off)/60, abs(off)%60)
		}
		tz.Policy = timezone.Fixed(name, off)
	case meta.IsDefined("timezone", "daylight"):
		if !meta.IsDefined("timezone", "standard") {
			return fmt.Errorf("timezone: daylight rule given without a standard rule")
		}
		dst, err := parseRule(raw.Timezone.Daylight)
		if err != nil {
			return fmt.Errorf("timezone.daylight: %w", err)
		}
		std, err := parseRule(raw.Timezone.Standard)
		if err != nil {
			return fmt.Errorf("timezone.standard: %w", err)
		}
		tz.Policy = timezone.NewPolicy(dst, std)
	case meta.IsDefined("timezone", "standard"):
		return fmt.Errorf("timezone: standard rule given without a daylight rule")
	}

	if meta.IsDefined("timezone", "resolver") {
		switch r := strings.TrimSpace(raw.Timezone.Resolver); r {
		case ResolverRules, ResolverCoordinates, ResolverGeoIP:
			tz.Resolver = r
		default:
			return fmt.Errorf("timezone.resolver: unknown resolver %q", r)
		}
	}
	if meta.IsDefined("timezone", "location") {
		tz.Location = strings.ReplaceAll(raw.Timezone.Location, " ", "")
	}
	if meta.IsDefined("timezone", "api_key") {
		tz.APIKey = strings.TrimSpace(raw.Timezone.APIKey)
	}
	if meta.IsDefined("timezone", "timezone_url") {
		tz.TimeZoneURL = strings.TrimSpace(raw.Timezone.TimeZoneURL)
	}
	if meta.IsDefined("timezone", "geoip_url") {
		tz.GeoIPURL = strings.TrimSpace(raw.Timezone.GeoIPURL)
	}
	if tz.Resolver == ResolverCoordinates && tz.Location == "" {
		return fmt.Errorf("timezone: the coordinates resolver needs a location")
	}
	return nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func parseRule(r fileRule) (timezone.Rule, error) {
	var week timezone.Week
	found := false
	for w := timezone.Last; w <= timezone.Fourth; w++ {
		if w.String() == strings.ToLower(strings.TrimSpace(r.Week)) {
			week, found = w, true
		}
	}
	if !found {
		return timezone.Rule{}, fmt.Errorf("unknown week %q", r.Week)
	}
	var weekday time.Weekday
	found = false
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.EqualFold(d.String(), strings.TrimSpace(r.Weekday)) {
			weekday, found = d, true
		}
	}
	if !found {
		return timezone.Rule{}, fmt.Errorf("unknown weekday %q", r.Weekday)
	}
	if r.Month < 1 || r.Month > 12 {
		return timezone.Rule{}, fmt.Errorf("month %d out of range", r.Month)
	}
	if r.Hour < 0 || r.Hour > 23 {
		return timezone.Rule{}, fmt.Errorf("hour %d out of range", r.Hour)
	}
	return timezone.Rule{
		Name:    strings.TrimSpace(r.Name),
		Week:    week,
		Weekday: weekday,
		Month:   time.Month(r.Month),
		Hour:    r.Hour,
		Offset:  r.Offset,
	}, nil
}

func parseCharger(s string) (bq32000.Charger, error) {
	for c := bq32000.ChargerOff; c <= bq32000.HighVoltage; c++ {
		if c.String() == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("rtc.charger: unknown charger mode %q", s)
}

func parseAccept(names []string) (map[arbiter.Source]bool, error) {
	accept := map[arbiter.Source]bool{}
	for _, n := range names {
		n = strings.TrimSpace(n)
		found := false
		for _, s := range []arbiter.Source{arbiter.RtcReadback, arbiter.NetworkSync, arbiter.ManualEntry} {
			if s.String() == n {
				accept[s] = true
				found = true
			}
		}
		if !found {
			return nil, fmt.Errorf("sync.accept: unknown source %q", n)
		}
	}
	return accept, nil
}

// NewProvider builds the network time provider.
func (s Sync) NewProvider() ntpsync.Provider {
	if s.Provider == ProviderChrony {
		return &ntpsync.Chrony{Addr: s.Server}
	}
	return &ntpsync.SNTP{Server: s.Server}
}

// NewResolver builds the resolver used to localize network-synced times, or nil when the
// strategy localizes with the configured policy alone.
func (c Config) NewResolver(client *http.Client) timezone.Resolver {
	if c.Sync.Strategy != arbiter.NetworkLookup {
		return nil
	}
	switch c.Timezone.Resolver {
	case ResolverCoordinates:
		return &timezone.CoordinateResolver{BaseURL: c.Timezone.TimeZoneURL, Key: c.Timezone.APIKey, Client: client}
	case ResolverGeoIP:
		return &timezone.GeoIPResolver{
			URL:         c.Timezone.GeoIPURL,
			Client:      client,
			Coordinates: &timezone.CoordinateResolver{BaseURL: c.Timezone.TimeZoneURL, Key: c.Timezone.APIKey, Client: client},
		}
	}
	return &timezone.RuleResolver{Policy: c.Timezone.Policy}
}
