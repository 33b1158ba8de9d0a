package ntpsync

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/facebookincubator/ntp/protocol/chrony"
	"github.com/jonboulle/clockwork"
)

// DefaultChronyAddr is where chronyd listens for monitoring commands.
const DefaultChronyAddr = "127.0.0.1:323"

// ErrUnsynchronized means chronyd has not synchronized the system clock.
var ErrUnsynchronized = errors.New("chrony: system clock not synchronized")

// leapUnsynchronized is the leap status chronyd reports before its first sync.
const leapUnsynchronized = 3

// Chrony proposes the system clock, but only when chronyd says it is disciplined.
type Chrony struct {
	Addr  string // DefaultChronyAddr if empty
	Clock clockwork.Clock

	mu   sync.Mutex
	last chrony.Tracking
	at   time.Time
}

// Tracking returns the most recent tracking report and when it was received.  The time is zero
// if chronyd has never answered.
func (c *Chrony) Tracking() (chrony.Tracking, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, c.at
}

func checkTracking(t *chrony.ReplyTracking) error {
	if t.LeapStatus == leapUnsynchronized {
		return fmt.Errorf("%w (reference %s, stratum %d)", ErrUnsynchronized, RefID(t.RefID), t.Stratum)
	}
	return nil
}

func (c *Chrony) Now(ctx context.Context) (time.Time, error) {
	clk := c.Clock
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	addr := c.Addr
	if addr == "" {
		addr = DefaultChronyAddr
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return time.Time{}, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = clk.Now().Add(DefaultTimeout)
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return time.Time{}, fmt.Errorf("set read deadline: %w", err)
	}

	client := chrony.Client{Sequence: 1, Connection: conn}
	res, err := client.Communicate(chrony.NewTrackingPacket())
	if err != nil {
		return time.Time{}, fmt.Errorf("get tracking info: communicate: %w", err)
	}
	tracking, ok := res.(*chrony.ReplyTracking)
	if !ok {
		return time.Time{}, fmt.Errorf("tracking reply was of unexpected type: %T", res)
	}
	now := clk.Now()
	c.mu.Lock()
	c.last, c.at = tracking.Tracking, now
	c.mu.Unlock()
	if err := checkTracking(tracking); err != nil {
		return time.Time{}, err
	}
	return now.UTC(), nil
}

// refID renders a reference ID the way chronyc does: as text for refclocks like "GPS" or
// "PPS", otherwise as an address.
func refID(ip net.IP) string {
	if v4 := ip.To4(); v4 != nil {
		last := len(v4)
		for i, b := range v4 {
			if b == 0 && i > 0 {
				last = i
				break
			}
			if b < '0' || b > 'z' {
				last = 0
				break
			}
		}
		if last > 0 {
			return string(v4[0:last])
		}
	}
	return ip.String()
}

// RefID renders a chrony reference ID.
func RefID(ip uint32) string {
	return refID(net.IPv4(byte(ip>>24), byte(ip>>16), byte(ip>>8), byte(ip)))
}
