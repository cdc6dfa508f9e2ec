package ntsal

import (
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"errors"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ntsal/ntsal/internal/sysclock"
	"github.com/ntsal/ntsal/internal/timemath"
	"github.com/ntsal/ntsal/pkg/nts"
	"github.com/ntsal/ntsal/pkg/wire"
)

// PeerStatus is the externally visible state of one source.
type PeerStatus uint8

const (
	PeerIdle PeerStatus = iota
	PeerAwaiting
	PeerUnreachable
	PeerKissOfDeath
)

func (s PeerStatus) String() string {
	switch s {
	case PeerAwaiting:
		return "awaiting"
	case PeerUnreachable:
		return "unreachable"
	case PeerKissOfDeath:
		return "kiss-of-death"
	default:
		return "idle"
	}
}

// PeerInfo is a point-in-time view of a source for reporting.
type PeerInfo struct {
	ID      uuid.UUID
	Host    string
	Address string
	Status  PeerStatus
	Stratum uint8
	Reach   uint8
	Poll    int8
	Offset  float64
	Delay   float64
	Disp    float64
	Jitter  float64
	NTS     bool
	Cookies int
}

type inbound struct {
	data    []byte
	arrived timemath.Timestamp
}

// Association is the peer state machine for one configured source. All
// protocol state is owned by its run goroutine; the only outputs are
// snapshot messages to the system and the PeerInfo view under its lock.
type Association struct {
	ID   uuid.UUID
	Host string
	Addr *net.UDPAddr

	cfg       SourceConfig
	log       *zap.Logger
	clock     sysclock.Clock
	transport Transport
	disc      *Discipline
	samples   chan<- peerSnapshot
	stepEpoch *atomic.Uint64
	inbox     chan inbound

	session     *nts.Session
	keyExchange func(ctx context.Context) (*nts.Session, error)

	filter         *clockFilter
	epoch          uint64
	hpoll          int8
	reach          uint8
	unreach        int
	awaiting       bool
	denied         bool
	expectedOrigin timemath.Timestamp
	sentAt         timemath.Timestamp
	lastXmt        timemath.Timestamp

	stratum   uint8
	leap      wire.LeapIndicator
	refid     uint32
	precision int8
	rootDelay float64
	rootDisp  float64

	mu   sync.Mutex
	info PeerInfo
}

func newAssociation(cfg SourceConfig, addr *net.UDPAddr, deps systemDeps) *Association {
	a := &Association{
		ID:        uuid.New(),
		Host:      cfg.Host,
		Addr:      addr,
		cfg:       cfg,
		log:       deps.log.Named("peer").With(zap.String("host", cfg.Host)),
		clock:     deps.clock,
		transport: deps.transport,
		disc:      deps.disc,
		samples:   deps.samples,
		stepEpoch: deps.stepEpoch,
		inbox:     make(chan inbound, 4),
		hpoll:     cfg.MinPoll,
		leap:      wire.LeapUnsynchronized,
		stratum:   MAXSTRAT,
	}
	a.filter = newClockFilter(deps.clock.Now())
	a.info = PeerInfo{ID: a.ID, Host: cfg.Host, Address: addr.String(), NTS: cfg.NTS}
	return a
}

// Info returns the current reporting view of the source.
func (a *Association) Info() PeerInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.info
}

func (a *Association) publishInfo(mutate func(*PeerInfo)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.info.Stratum = a.stratum
	a.info.Reach = a.reach
	a.info.Poll = a.hpoll
	if a.session != nil {
		a.info.Cookies = a.session.Jar.Len()
	}
	if mutate != nil {
		mutate(&a.info)
	}
}

func (a *Association) run(ctx context.Context) {
	// Spread the first polls so a restart does not hit every source in
	// the same instant.
	first := time.Second + time.Duration(rand.Int63n(int64(pollDuration(a.cfg.MinPoll))))
	timer := time.NewTimer(first)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if a.awaiting {
				a.missedPoll()
			}
			if a.denied {
				return
			}
			a.sendPoll(ctx)
			timer.Reset(pollDuration(a.hpoll))
		case in := <-a.inbox:
			a.handleReply(in)
		}
	}
}

func pollDuration(poll int8) time.Duration {
	return time.Duration(timemath.Log2ToDouble(poll) * float64(time.Second))
}

func (a *Association) sendPoll(ctx context.Context) {
	a.checkEpoch()

	// One shift per transmitted poll; an accepted reply ORs in the low
	// bit, so the register reads as the last eight poll outcomes.
	wasReached := a.reach != 0
	a.reach <<= 1
	if a.reach&0x07 == 0 {
		// Nothing heard for three polls; a worst-case sample makes the
		// stale estimate age out of selection.
		now := a.clock.Now()
		a.filter.update(sample{delay: MAXDISP, disp: MAXDISP, t: now},
			now, a.clock.Precision(), a.hpoll, false)
	}
	if a.reach == 0 {
		a.unreach++
		if wasReached {
			a.log.Warn("source unreachable", zap.Error(ErrUnreachable))
			a.publishInfo(func(i *PeerInfo) { i.Status = PeerUnreachable })
		}
	} else {
		a.unreach = 0
	}

	// Track the system poll upward, inside this source's bounds.
	if sys := a.disc.Poll(); sys > a.hpoll {
		a.hpoll = sys
	}
	if a.hpoll < a.cfg.MinPoll {
		a.hpoll = a.cfg.MinPoll
	}
	if a.hpoll > a.cfg.MaxPoll {
		a.hpoll = a.cfg.MaxPoll
	}
	if a.unreach > UNREACH && a.hpoll < a.cfg.MaxPoll {
		a.hpoll++
	}

	if a.session != nil && a.session.Jar.Len() == 0 {
		if a.keyExchange == nil {
			a.log.Error("no cookies left and no key exchange configured",
				zap.Error(nts.ErrNoCookies))
			a.publishInfo(nil)
			return
		}
		sess, err := a.keyExchange(ctx)
		if err != nil {
			a.log.Error("key exchange failed", zap.Error(err))
			a.publishInfo(nil)
			return
		}
		a.session = sess
	}

	// The transmit timestamp is random, never the real clock reading.
	// The server echoes it back as the origin, which lets us match the
	// reply without telling on-path observers what our clock says. The
	// true send time is kept locally for the measurement.
	p := &wire.Packet{
		Version:   VERSION,
		Mode:      wire.ModeClient,
		Poll:      a.hpoll,
		Precision: a.clock.Precision(),
		Transmit:  randomTimestamp(),
	}

	var raw []byte
	if a.session != nil {
		var err error
		raw, err = a.session.ProtectRequest(p)
		if err != nil {
			a.log.Error("request protection failed", zap.Error(err))
			a.publishInfo(nil)
			return
		}
	} else {
		raw = wire.Encode(p)
	}

	a.expectedOrigin = p.Transmit
	a.sentAt = a.clock.Now()
	if err := a.transport.Send(a.Addr, raw); err != nil {
		a.log.Warn("send failed", zap.Error(err))
		a.publishInfo(nil)
		return
	}
	a.awaiting = true
	// Unreachable and kiss-of-death stick until the source answers.
	a.publishInfo(func(i *PeerInfo) {
		if i.Status == PeerIdle {
			i.Status = PeerAwaiting
		}
	})
}

func (a *Association) handleReply(in inbound) {
	if !a.awaiting {
		return
	}
	a.checkEpoch()

	var p *wire.Packet
	var err error
	if a.session != nil {
		p, err = a.session.VerifyResponse(in.data)
	} else {
		p, err = wire.Decode(in.data, nil)
	}
	if err != nil {
		if errors.Is(err, nts.ErrAuthenticationFailed) {
			a.log.Warn("reply failed authentication", zap.Error(err))
		} else {
			a.log.Debug("undecodable reply", zap.Error(err))
		}
		return
	}

	if p.Mode != wire.ModeServer {
		return
	}
	// The origin must echo the token we sent. Anything else is spoofed,
	// stale, or duplicated; keep waiting for the genuine reply.
	if p.Origin != a.expectedOrigin {
		a.log.Debug("origin mismatch, discarding reply")
		return
	}
	if p.Transmit == a.lastXmt {
		return
	}

	if p.Stratum == 0 {
		a.handleKiss(p)
		return
	}
	if p.Leap == wire.LeapUnsynchronized || p.Stratum >= MAXSTRAT ||
		p.Transmit == 0 || p.Receive == 0 {
		a.log.Debug("reply from unsynchronized source",
			zap.Uint8("stratum", p.Stratum))
		return
	}

	a.awaiting = false
	a.expectedOrigin = 0
	a.lastXmt = p.Transmit
	a.reach |= 1
	a.unreach = 0

	a.stratum = p.Stratum
	a.leap = p.Leap
	a.refid = p.RefID
	a.precision = p.Precision
	a.rootDelay = timemath.ShortToDouble(p.RootDelay)
	a.rootDisp = timemath.ShortToDouble(p.RootDisp)

	s, err := newSample(a.sentAt, p.Receive, p.Transmit, in.arrived,
		p.Precision, a.clock.Precision())
	if err != nil {
		a.log.Warn("sample rejected", zap.Error(err))
		a.publishInfo(func(i *PeerInfo) { i.Status = PeerIdle })
		return
	}

	now := a.clock.Now()
	res, ok := a.filter.update(s, now, a.clock.Precision(), a.hpoll, a.disc.Stable())
	a.publishInfo(func(i *PeerInfo) {
		i.Status = PeerIdle
		if ok {
			i.Offset = res.offset
			i.Delay = res.delay
			i.Disp = res.disp
			i.Jitter = res.jitter
		}
	})
	if !ok {
		return
	}

	a.samples <- peerSnapshot{
		id:         a.ID,
		offset:     res.offset,
		delay:      res.delay,
		disp:       res.disp,
		jitter:     res.jitter,
		rootDelay:  a.rootDelay,
		rootDisp:   a.rootDisp,
		stratum:    a.stratum,
		leap:       a.leap,
		reach:      a.reach,
		t:          res.t,
		lastUpdate: now,
	}
}

func (a *Association) handleKiss(p *wire.Packet) {
	// The kiss answers the outstanding poll; it must not also count as
	// a timeout at the next tick.
	a.awaiting = false
	a.expectedOrigin = 0

	code := p.KissCode()
	switch code {
	case wire.KissRate:
		if a.hpoll < a.cfg.MaxPoll {
			a.hpoll++
		}
		a.log.Warn("rate limited, backing off",
			zap.Int8("poll", a.hpoll), zap.Error(ErrKissOfDeath))
		a.publishInfo(func(i *PeerInfo) { i.Status = PeerKissOfDeath })
	case wire.KissDeny, wire.KissRstr:
		a.denied = true
		a.log.Error("access denied, stopping polls",
			zap.String("code", code), zap.Error(ErrKissOfDeath))
		a.publishInfo(func(i *PeerInfo) { i.Status = PeerKissOfDeath })
	default:
		a.log.Debug("unrecognized kiss code ignored", zap.String("code", code))
	}
}

// missedPoll abandons the outstanding request. The unanswered poll
// shows up as a zero bit when the register shifts at the next send.
func (a *Association) missedPoll() {
	a.awaiting = false
	a.expectedOrigin = 0
	a.publishInfo(func(i *PeerInfo) {
		if i.Status == PeerAwaiting {
			i.Status = PeerIdle
		}
	})
}

// checkEpoch discards the filter contents when the clock has been
// stepped since this source last looked.
func (a *Association) checkEpoch() {
	if e := a.stepEpoch.Load(); e != a.epoch {
		a.epoch = e
		a.filter.reset(a.clock.Now())
	}
}

func randomTimestamp() timemath.Timestamp {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		panic(err)
	}
	return binary.BigEndian.Uint64(b[:])
}
