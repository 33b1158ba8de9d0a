// Package sensor reads the optional BME280 and formats its readings for the tubes.
package sensor

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/net/trace"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/devices/v3/bmxx80"
)

const (
	// Addr is where the BME280 breakout answers with SDO pulled high.
	Addr            = 0x77
	DefaultInterval = 30 * time.Second
)

// Quantity selects which reading is shown.
type Quantity int

const (
	Temperature Quantity = iota
	Fahrenheit
	Humidity
	Pressure
)

func (q Quantity) String() string {
	switch q {
	case Temperature:
		return "temperature"
	case Fahrenheit:
		return "fahrenheit"
	case Humidity:
		return "humidity"
	case Pressure:
		return "pressure"
	}
	return fmt.Sprintf("quantity(%d)", int(q))
}

// ParseQuantity parses the names returned by Quantity.String.
func ParseQuantity(s string) (Quantity, error) {
	for q := Temperature; q <= Pressure; q++ {
		if q.String() == s {
			return q, nil
		}
	}
	return 0, fmt.Errorf("unknown sensor quantity %q", s)
}

// Format renders one quantity of e as a decimal string for the scrolling renderer: degrees
// Celsius or Fahrenheit, percent relative humidity, or hectopascals.
func Format(e physic.Env, q Quantity) string {
	var v float64
	switch q {
	case Temperature:
		v = float64(e.Temperature-physic.ZeroCelsius) / float64(physic.Kelvin)
	case Fahrenheit:
		v = float64(e.Temperature-physic.ZeroCelsius)/float64(physic.Kelvin)*9/5 + 32
	case Humidity:
		v = float64(e.Humidity) / float64(physic.PercentRH)
	case Pressure:
		// Pressure is in nanopascals.
		v = float64(e.Pressure) / float64(100*physic.Pascal)
	}
	return strconv.FormatFloat(v, 'f', 1, 64)
}

// Sensor is satisfied by *bmxx80.Dev.
type Sensor interface {
	Sense(e *physic.Env) error
}

// Open initializes a BME280 on the bus with the oversampling the clock has always used.
func Open(bus i2c.Bus, addr uint16) (*bmxx80.Dev, error) {
	opts := bmxx80.Opts{Temperature: bmxx80.O16x, Pressure: bmxx80.O16x, Humidity: bmxx80.O16x}
	dev, err := bmxx80.NewI2C(bus, addr, &opts)
	if err != nil {
		return nil, fmt.Errorf("init bme280: %w", err)
	}
	return dev, nil
}

// Reader polls a Sensor and keeps the latest reading.
type Reader struct {
	Sensor   Sensor
	Quantity Quantity
	Interval time.Duration // DefaultInterval if zero
	Clock    clockwork.Clock

	mu   sync.Mutex
	env  physic.Env
	ok   bool
	when time.Time
}

func (r *Reader) clock() clockwork.Clock {
	if r.Clock == nil {
		return clockwork.NewRealClock()
	}
	return r.Clock
}

// Poll takes one reading.
func (r *Reader) Poll() error {
	var e physic.Env
	if err := r.Sensor.Sense(&e); err != nil {
		return fmt.Errorf("read environment: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.env = e
	r.ok = true
	r.when = r.clock().Now()
	return nil
}

// Value returns the latest reading formatted for display, and whether there has been one.
func (r *Reader) Value() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.ok {
		return "", false
	}
	return Format(r.env, r.Quantity), true
}

// Env returns the latest raw reading and when it was taken.
func (r *Reader) Env() (physic.Env, time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.env, r.when
}

// Run polls immediately and then every Interval until the context is cancelled.  Failed reads
// are logged and the previous reading is kept.
func (r *Reader) Run(ctx context.Context) error {
	l := trace.NewEventLog("sensor", "environment")
	defer l.Finish()
	interval := r.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	t := r.clock().NewTicker(interval)
	defer t.Stop()
	for {
		if err := r.Poll(); err != nil {
			l.Errorf("error: %v", err)
		} else {
			e, _ := r.Env()
			l.Printf("Temp: %v, Pressure: %v, Humidity: %v", e.Temperature, e.Pressure, e.Humidity)
		}
		select {
		case <-t.Chan():
		case <-ctx.Done():
			return fmt.Errorf("wait for next reading: %w", ctx.Err())
		}
	}
}
