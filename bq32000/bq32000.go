// Package bq32000 drives the TI BQ32000 real-time clock over I2C.
//
// The chip keeps time in BCD registers starting at address 0x00 and auto-increments the register
// pointer, so the whole time can be read or written in one transaction.  Configuration registers
// live at 0x07-0x09, and the square-wave frequency register at 0x22 is guarded by two key
// registers that must be written immediately before it.
package bq32000

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jrockway/nixie-clock/bcd"
	"github.com/jrockway/nixie-clock/calendar"
	"periph.io/x/conn/v3/i2c"
)

// Addr is the fixed I2C address of the BQ32000.
const Addr = 0x68

type Register uint8

const (
	RegisterSeconds Register = 0x00
	RegisterMinutes Register = 0x01
	RegisterHours   Register = 0x02
	RegisterWeekday Register = 0x03
	RegisterDay     Register = 0x04
	RegisterMonth   Register = 0x05
	RegisterYear    Register = 0x06
	RegisterCalCfg1 Register = 0x07
	RegisterTCH2    Register = 0x08
	RegisterCfg2    Register = 0x09
	RegisterSFKey1  Register = 0x20
	RegisterSFKey2  Register = 0x21
	RegisterSFR     Register = 0x22
)

const (
	bitStop  = 1 << 7 // RegisterSeconds: oscillator stopped
	bitOut   = 1 << 7 // RegisterCalCfg1: IRQ level when the square wave is off
	bitFT    = 1 << 6 // RegisterCalCfg1: frequency test (square wave) enable
	bitCalS  = 1 << 5 // RegisterCalCfg1: calibration sign
	bitTCH2  = 1 << 5 // RegisterTCH2: trickle charge switch
	bitTCFE  = 1 << 6 // RegisterCfg2: bypass the charge diode
	calMask  = 0x3f
	calLimit = 31

	chargeEnable = 0x05
	sfKey1       = 0x5e
	sfKey2       = 0xc7
	sfr1Hz       = 0x01
	sfr512Hz     = 0x00

	// The year register counts years since this one.
	yearBase = 1970
)

// DefaultSettle is how long the chip needs after a write before it accepts the next transaction.
const DefaultSettle = 60 * time.Microsecond

var (
	// ErrNotPresent means the chip did not acknowledge a transaction.
	ErrNotPresent = errors.New("bq32000: device not present")
	// ErrOscillatorStopped means the stop flag is set and the stored time is not trustworthy,
	// usually because backup power was lost.
	ErrOscillatorStopped = errors.New("bq32000: oscillator stopped")
)

// InterruptMode selects what the IRQ pin does.
type InterruptMode int

const (
	IRQOff InterruptMode = iota
	IRQ1Hz
	IRQ512Hz
)

func (m InterruptMode) String() string {
	switch m {
	case IRQOff:
		return "off"
	case IRQ1Hz:
		return "1Hz"
	case IRQ512Hz:
		return "512Hz"
	}
	return fmt.Sprintf("InterruptMode(%d)", int(m))
}

// Level is the IRQ pin's output level while the square wave is disabled.
type Level int

const (
	Low Level = iota
	High
)

// Charger is the trickle charger state, for clocks backed by a supercapacitor.
type Charger int

const (
	// ChargerOff disables the trickle charger.
	ChargerOff Charger = iota
	// LowVoltage charges through a diode, to about VCC-0.5V.
	LowVoltage
	// HighVoltage bypasses the diode and charges to VCC.
	HighVoltage
)

func (c Charger) String() string {
	switch c {
	case ChargerOff:
		return "off"
	case LowVoltage:
		return "low-voltage"
	case HighVoltage:
		return "high-voltage"
	}
	return fmt.Sprintf("Charger(%d)", int(c))
}

// Opts configures a Dev.
type Opts struct {
	// Settle is the delay after each write.  Zero means DefaultSettle.
	Settle time.Duration
}

// Dev is a BQ32000 on an I2C bus.
type Dev struct {
	c       i2c.Dev
	settle  time.Duration
	present atomic.Bool
}

// New returns a Dev on bus.  No transaction is made; Present reports false until the first
// successful one.
func New(bus i2c.Bus, opts *Opts) *Dev {
	d := &Dev{
		c:      i2c.Dev{Bus: bus, Addr: Addr},
		settle: DefaultSettle,
	}
	if opts != nil && opts.Settle > 0 {
		d.settle = opts.Settle
	}
	return d
}

func (d *Dev) String() string {
	return fmt.Sprintf("BQ32000{%s}", d.c.String())
}

// Present reports whether the most recent transaction was acknowledged.
func (d *Dev) Present() bool {
	return d.present.Load()
}

func (d *Dev) tx(w, r []byte) error {
	if err := d.c.Tx(w, r); err != nil {
		d.present.Store(false)
		return fmt.Errorf("%w: %w", ErrNotPresent, err)
	}
	d.present.Store(true)
	return nil
}

func (d *Dev) write(w []byte) error {
	if err := d.tx(w, nil); err != nil {
		return err
	}
	time.Sleep(d.settle)
	return nil
}

// ReadRegister returns the value of a single register.
func (d *Dev) ReadRegister(r Register) (byte, error) {
	var buf [1]byte
	if err := d.tx([]byte{byte(r)}, buf[:]); err != nil {
		return 0, fmt.Errorf("read register 0x%02x: %w", byte(r), err)
	}
	return buf[0], nil
}

// WriteRegister sets a single register.
func (d *Dev) WriteRegister(r Register, value byte) error {
	if err := d.write([]byte{byte(r), value}); err != nil {
		return fmt.Errorf("write register 0x%02x: %w", byte(r), err)
	}
	return nil
}

func (d *Dev) modify(r Register, clear, set byte) error {
	v, err := d.ReadRegister(r)
	if err != nil {
		return err
	}
	return d.WriteRegister(r, v&^clear|set)
}

// ReadTime reads all seven time registers in one transaction.
func (d *Dev) ReadTime() (calendar.Date, error) {
	var buf [7]byte
	if err := d.tx([]byte{byte(RegisterSeconds)}, buf[:]); err != nil {
		return calendar.Date{}, fmt.Errorf("read time: %w", err)
	}
	if buf[0]&bitStop != 0 {
		return calendar.Date{}, ErrOscillatorStopped
	}
	// The high bits of the hours register are the century flags; the weekday is ignored.
	t := calendar.Date{
		Second: int(bcd.Decode(buf[0] & 0x7f)),
		Minute: int(bcd.Decode(buf[1] & 0x7f)),
		Hour:   int(bcd.Decode(buf[2] & 0x3f)),
		Day:    int(bcd.Decode(buf[4] & 0x3f)),
		Month:  int(bcd.Decode(buf[5] & 0x1f)),
		Year:   yearBase + int(bcd.Decode(buf[6])),
	}
	if err := t.Validate(); err != nil {
		return calendar.Date{}, fmt.Errorf("read time: registers hold %v: %w", t, err)
	}
	return t, nil
}

// WriteTime sets the clock.  Writing the seconds register also clears the stop flag.
func (d *Dev) WriteTime(t calendar.Date) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("write time: %w", err)
	}
	if t.Year < yearBase || t.Year >= yearBase+100 {
		return fmt.Errorf("write time: year %d does not fit the year register: %w", t.Year, calendar.ErrInvalidDateTime)
	}
	w := []byte{
		byte(RegisterSeconds),
		bcd.Encode(uint8(t.Second)),
		bcd.Encode(uint8(t.Minute)),
		bcd.Encode(uint8(t.Hour)),
		bcd.Encode(uint8(t.Weekday()) + 1),
		bcd.Encode(uint8(t.Day)),
		bcd.Encode(uint8(t.Month)),
		bcd.Encode(uint8(t.Year - yearBase)),
	}
	if err := d.write(w); err != nil {
		return fmt.Errorf("write time: %w", err)
	}
	return nil
}

// Running reports whether the oscillator is running.
func (d *Dev) Running() (bool, error) {
	v, err := d.ReadRegister(RegisterSeconds)
	if err != nil {
		return false, err
	}
	return v&bitStop == 0, nil
}

// SetInterruptMode enables or disables the square wave on the IRQ pin.
func (d *Dev) SetInterruptMode(m InterruptMode) error {
	switch m {
	case IRQOff:
		if err := d.modify(RegisterCalCfg1, bitFT, 0); err != nil {
			return fmt.Errorf("disable square wave: %w", err)
		}
		return nil
	case IRQ1Hz, IRQ512Hz:
	default:
		return fmt.Errorf("unknown interrupt mode %v", m)
	}
	freq := byte(sfr1Hz)
	if m == IRQ512Hz {
		freq = sfr512Hz
	}
	for _, kv := range []struct {
		r Register
		v byte
	}{{RegisterSFKey1, sfKey1}, {RegisterSFKey2, sfKey2}, {RegisterSFR, freq}} {
		if err := d.WriteRegister(kv.r, kv.v); err != nil {
			return fmt.Errorf("set square wave frequency to %v: %w", m, err)
		}
	}
	if err := d.modify(RegisterCalCfg1, 0, bitFT); err != nil {
		return fmt.Errorf("enable square wave: %w", err)
	}
	return nil
}

// SetInterruptActiveLevel sets the level the IRQ pin rests at while the square wave is off.
func (d *Dev) SetInterruptActiveLevel(l Level) error {
	var set byte
	if l == High {
		set = bitOut
	}
	if err := d.modify(RegisterCalCfg1, bitOut, set); err != nil {
		return fmt.Errorf("set irq level: %w", err)
	}
	return nil
}

// SetCalibration sets the oscillator trim, clamped to -31..31.  Each step is about 2ppm when
// positive and 4ppm when negative; see table 13 in the datasheet.
func (d *Dev) SetCalibration(value int) error {
	if value > calLimit {
		value = calLimit
	}
	if value < -calLimit {
		value = -calLimit
	}
	set := byte(value)
	if value < 0 {
		set = byte(-value) | bitCalS
	}
	if err := d.modify(RegisterCalCfg1, calMask, set); err != nil {
		return fmt.Errorf("set calibration: %w", err)
	}
	return nil
}

// SetTrickleCharger configures the supercapacitor charger.  The charger is always switched off
// first so that it never runs in high-voltage mode while low-voltage mode is being selected.
func (d *Dev) SetTrickleCharger(c Charger) error {
	if err := d.WriteRegister(RegisterTCH2, 0); err != nil {
		return fmt.Errorf("disable trickle charger: %w", err)
	}
	if c != LowVoltage && c != HighVoltage {
		return nil
	}
	cfg := byte(chargeEnable)
	if c == HighVoltage {
		cfg |= bitTCFE
	}
	if err := d.WriteRegister(RegisterCfg2, cfg); err != nil {
		return fmt.Errorf("configure trickle charger: %w", err)
	}
	if err := d.WriteRegister(RegisterTCH2, bitTCH2); err != nil {
		return fmt.Errorf("enable trickle charger: %w", err)
	}
	return nil
}
