package ntpsync

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/facebookincubator/ntp/protocol/ntp"
	"github.com/jonboulle/clockwork"
)

const (
	packetSize = 48
	// Seconds between the NTP epoch (1900) and the Unix epoch.
	ntpEpochOffset = 2208988800
	// Leap indicator 3 (unsynchronized), version 4, mode 3 (client).
	clientSettings = 0b11100011
	modeServer     = 4
	modeBroadcast  = 5
)

var (
	ErrBadReply = errors.New("sntp: bad reply")
	// ErrKissOfDeath means the server sent stratum 0 and wants us to go away.
	ErrKissOfDeath = errors.New("sntp: kiss of death")
)

// SNTP asks one NTP server for the time, once per call.
type SNTP struct {
	Server string // host:port, usually port 123
	Clock  clockwork.Clock
}

func toNTP(t time.Time) (sec, frac uint32) {
	sec = uint32(t.Unix() + ntpEpochOffset)
	frac = uint32((uint64(t.Nanosecond()) << 32) / uint64(time.Second))
	return
}

func fromNTP(sec, frac uint32) time.Time {
	nsec := (uint64(frac) * uint64(time.Second)) >> 32
	return time.Unix(int64(sec)-ntpEpochOffset, int64(nsec)).UTC()
}

func (s *SNTP) Now(ctx context.Context) (time.Time, error) {
	clk := s.Clock
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", s.Server)
	if err != nil {
		return time.Time{}, fmt.Errorf("dial %s: %w", s.Server, err)
	}
	defer conn.Close()
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = clk.Now().Add(DefaultTimeout)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return time.Time{}, fmt.Errorf("set deadline: %w", err)
	}

	req := &ntp.Packet{Settings: clientSettings}
	sent := clk.Now()
	req.TxTimeSec, req.TxTimeFrac = toNTP(sent)
	var w bytes.Buffer
	if err := binary.Write(&w, binary.BigEndian, req); err != nil {
		return time.Time{}, fmt.Errorf("encode request: %w", err)
	}
	if _, err := conn.Write(w.Bytes()); err != nil {
		return time.Time{}, fmt.Errorf("send request: %w", err)
	}

	buf := make([]byte, packetSize*2)
	n, err := conn.Read(buf)
	if err != nil {
		return time.Time{}, fmt.Errorf("read reply: %w", err)
	}
	recv := clk.Now()
	if n < packetSize {
		return time.Time{}, fmt.Errorf("%w: %d bytes", ErrBadReply, n)
	}
	res := new(ntp.Packet)
	if err := binary.Read(bytes.NewReader(buf[:packetSize]), binary.BigEndian, res); err != nil {
		return time.Time{}, fmt.Errorf("decode reply: %w", err)
	}
	if mode := res.Settings & 0x7; mode != modeServer && mode != modeBroadcast {
		return time.Time{}, fmt.Errorf("%w: mode %d", ErrBadReply, mode)
	}
	if res.Stratum == 0 {
		return time.Time{}, ErrKissOfDeath
	}
	if res.OrigTimeSec != req.TxTimeSec || res.OrigTimeFrac != req.TxTimeFrac {
		return time.Time{}, fmt.Errorf("%w: origin timestamp does not match request", ErrBadReply)
	}

	// Half the round trip, less the time the server held the packet, is the one-way delay.
	rx, tx := fromNTP(res.RxTimeSec, res.RxTimeFrac), fromNTP(res.TxTimeSec, res.TxTimeFrac)
	delay := recv.Sub(sent) - tx.Sub(rx)
	if delay < 0 {
		delay = 0
	}
	return tx.Add(delay / 2), nil
}
