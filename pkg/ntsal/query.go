package ntsal

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/ntsal/ntsal/internal/sysclock"
	"github.com/ntsal/ntsal/internal/timemath"
	"github.com/ntsal/ntsal/pkg/wire"
)

// QueryResult is a one-shot offset measurement: the offset of the best
// sample and its maximum error bound.
type QueryResult struct {
	Offset float64
	Err    float64
}

var (
	ErrNoSync     = errors.New("ntsal: server is not synchronized")
	ErrNoResponse = errors.New("ntsal: server did not respond")
)

// Query polls a server the given number of times without steering the
// clock and reports the minimum-delay sample. progress, if non-nil, is
// called after each poll.
func Query(ctx context.Context, host string, messages int, clock sysclock.Clock, progress func(done int)) (*QueryResult, error) {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, "123"))
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	var best *sample
	var rootDelay, rootDisp float64
	buf := make([]byte, MTU)

	for i := 0; i < messages; i++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Second):
			}
		}

		p := &wire.Packet{
			Version:   VERSION,
			Mode:      wire.ModeClient,
			Precision: clock.Precision(),
			Transmit:  randomTimestamp(),
		}
		sentAt := clock.Now()
		if _, err := conn.Write(wire.Encode(p)); err != nil {
			return nil, err
		}

		conn.SetReadDeadline(time.Now().Add(time.Second))
		n, err := conn.Read(buf)
		arrived := clock.Now()
		if err != nil {
			if progress != nil {
				progress(i + 1)
			}
			continue
		}

		reply, err := wire.Decode(buf[:n], nil)
		if err != nil || reply.Mode != wire.ModeServer || reply.Origin != p.Transmit {
			if progress != nil {
				progress(i + 1)
			}
			continue
		}
		if reply.Leap == wire.LeapUnsynchronized || reply.Stratum == 0 ||
			reply.Stratum >= MAXSTRAT {
			return nil, ErrNoSync
		}

		s, serr := newSample(sentAt, reply.Receive, reply.Transmit, arrived,
			reply.Precision, clock.Precision())
		if serr == nil && (best == nil || s.delay < best.delay) {
			cp := s
			best = &cp
			rootDelay = timemath.ShortToDouble(reply.RootDelay)
			rootDisp = timemath.ShortToDouble(reply.RootDisp)
		}
		if progress != nil {
			progress(i + 1)
		}
	}

	if best == nil {
		return nil, ErrNoResponse
	}
	return &QueryResult{
		Offset: best.offset,
		Err:    rootDelay/2 + rootDisp + best.delay,
	}, nil
}
