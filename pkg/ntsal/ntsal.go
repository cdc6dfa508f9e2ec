// Package ntsal implements an NTS-secured NTP client: per-source peer
// state machines feed clock filters, a Marzullo-style selection picks
// the truechimers, and a PLL/FLL discipline steers the local clock.
package ntsal

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
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

// Estimate is the combined truechimer estimate, superseded atomically
// on every accepted selection round.
type Estimate struct {
	Offset    float64
	Jitter    float64
	RootDelay float64
	RootDisp  float64
	Stratum   uint8
	Leap      wire.LeapIndicator
	Survivors int
	Peer      uuid.UUID
	Time      time.Time
}

// systemDeps bundles what every association borrows from the system.
type systemDeps struct {
	log       *zap.Logger
	clock     sysclock.Clock
	transport Transport
	disc      *Discipline
	samples   chan<- peerSnapshot
	stepEpoch *atomic.Uint64
}

// System wires the whole client together. It owns the transport, the
// dispatcher routing datagrams to associations, the selection pass over
// their snapshots, and the discipline. Snapshot state is mutated only
// on the system goroutine.
type System struct {
	cfg       *Config
	log       *zap.Logger
	clock     sysclock.Clock
	transport Transport
	disc      *Discipline

	associations []*Association
	byAddr       map[string]*Association
	samples      chan peerSnapshot
	stepEpoch    atomic.Uint64

	snapshots map[uuid.UUID]*peerSnapshot
	prevPeer  uuid.UUID
	lastT     timemath.Timestamp
	estimate  atomic.Pointer[Estimate]

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewSystem builds a system from configuration. transport may be nil,
// in which case a UDP socket is bound on cfg.Listen.
func NewSystem(cfg *Config, clock sysclock.Clock, transport Transport, log *zap.Logger) (*System, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if transport == nil {
		var err error
		transport, err = NewUDPTransport(cfg.Listen, clock)
		if err != nil {
			return nil, err
		}
	}
	return &System{
		cfg:       cfg,
		log:       log.Named("ntsal"),
		clock:     clock,
		transport: transport,
		disc:      NewDiscipline(clock, log),
		byAddr:    make(map[string]*Association),
		samples:   make(chan peerSnapshot, 16),
		snapshots: make(map[uuid.UUID]*peerSnapshot),
	}, nil
}

// Start resolves the sources, runs the initial NTS key exchanges, and
// launches the peer, dispatcher, and discipline goroutines.
func (s *System) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	if s.cfg.DriftFile != "" {
		freq, ok, err := readDrift(s.cfg.DriftFile)
		if err != nil {
			return err
		}
		if ok {
			s.disc.SetFrequency(freq)
			s.log.Info("loaded drift", zap.Float64("frequency", freq))
		}
	}

	deps := systemDeps{
		log:       s.log,
		clock:     s.clock,
		transport: s.transport,
		disc:      s.disc,
		samples:   s.samples,
		stepEpoch: &s.stepEpoch,
	}

	for _, src := range s.cfg.Sources {
		a, err := s.buildAssociation(ctx, src, deps)
		if err != nil {
			return err
		}
		if _, taken := s.byAddr[a.Addr.String()]; taken {
			return configErrorf("duplicate source address %s", a.Addr)
		}
		s.associations = append(s.associations, a)
		s.byAddr[a.Addr.String()] = a
		s.log.Info("source configured",
			zap.String("host", a.Host),
			zap.Stringer("addr", a.Addr),
			zap.Bool("nts", src.NTS))
	}

	s.wg.Add(len(s.associations) + 2)
	for _, a := range s.associations {
		go func(a *Association) {
			defer s.wg.Done()
			a.run(ctx)
		}(a)
	}
	go func() {
		defer s.wg.Done()
		s.dispatch()
	}()
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
	return nil
}

// Stop cancels every goroutine and closes the socket. It blocks until
// all of them have exited.
func (s *System) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.transport.Close()
	s.wg.Wait()
	if s.cfg.DriftFile != "" {
		if err := writeDrift(s.cfg.DriftFile, s.disc.Frequency()); err != nil {
			s.log.Error("writing drift file", zap.Error(err))
		}
	}
}

func (s *System) buildAssociation(ctx context.Context, src SourceConfig, deps systemDeps) (*Association, error) {
	host := src.Host
	port := src.Port

	var session *nts.Session
	var exchange func(ctx context.Context) (*nts.Session, error)
	if src.NTS {
		keServer := src.KEServer
		if keServer == "" {
			keServer = src.Host
		}
		tlsConfig := &tls.Config{InsecureSkipVerify: src.InsecureSkipVerify}
		exchange = func(ctx context.Context) (*nts.Session, error) {
			ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			result, err := nts.DialExchange(ctx, keServer, tlsConfig)
			if err != nil {
				return nil, err
			}
			return nts.NewSession(result.Keys, result.Cookies)
		}

		// The initial exchange also decides where NTP packets go; the
		// KE server may hand the association off to another host.
		result, err := nts.DialExchange(ctx, keServer, tlsConfig)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", src.Host, err)
		}
		session, err = nts.NewSession(result.Keys, result.Cookies)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", src.Host, err)
		}
		host = result.Server
		port = int(result.Port)
	}

	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, configErrorf("source %s: %v", src.Host, err)
	}

	a := newAssociation(src, addr, deps)
	a.session = session
	a.keyExchange = exchange
	return a, nil
}

// dispatch routes inbound datagrams to their associations by source
// address. Datagrams from unknown addresses are dropped.
func (s *System) dispatch() {
	buf := make([]byte, MTU)
	for {
		n, addr, arrived, err := s.transport.Receive(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Debug("receive failed", zap.Error(err))
			continue
		}
		a, ok := s.byAddr[addr.String()]
		if !ok {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case a.inbox <- inbound{data: data, arrived: arrived}:
		default:
		}
	}
}

// run is the system goroutine: selection on every snapshot, discipline
// tick at one hertz, drift persistence hourly.
func (s *System) run(ctx context.Context) {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	drift := time.NewTicker(time.Hour)
	defer drift.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-s.samples:
			s.snapshots[snap.id] = &snap
			s.processSnapshots()
		case <-tick.C:
			s.disc.Tick()
		case <-drift.C:
			if s.cfg.DriftFile != "" {
				if err := writeDrift(s.cfg.DriftFile, s.disc.Frequency()); err != nil {
					s.log.Error("writing drift file", zap.Error(err))
				}
			}
		}
	}
}

func (s *System) processSnapshots() {
	now := s.clock.Now()
	peers := make([]*peerSnapshot, 0, len(s.snapshots))
	for _, p := range s.snapshots {
		peers = append(peers, p)
	}

	est, ok := selectAndCombine(peers, s.prevPeer, now, s.disc.Poll(), s.cfg.MinSurvivors)
	if !ok {
		// A quiescent round, not an error. The clock coasts on the
		// current frequency until the sources sort themselves out.
		return
	}
	// Never feed the discipline the same sample twice.
	if s.lastT != 0 && est.t <= s.lastT {
		return
	}
	s.prevPeer = est.peer
	s.lastT = est.t

	switch s.disc.Update(est.offset, est.t) {
	case ActionPanic:
		s.log.Error("time error beyond panic threshold, set the clock manually",
			zap.Float64("offset", est.offset))
	case ActionStepped:
		// Every in-flight measurement is now against the old clock.
		s.stepEpoch.Add(1)
		s.snapshots = make(map[uuid.UUID]*peerSnapshot)
		s.estimate.Store(nil)
	default:
		s.estimate.Store(&Estimate{
			Offset:    est.offset,
			Jitter:    est.jitter,
			RootDelay: est.rootDelay,
			RootDisp:  est.rootDisp,
			Stratum:   est.stratum,
			Leap:      est.leap,
			Survivors: est.survivors,
			Peer:      est.peer,
			Time:      timemath.TimestampToTime(now),
		})
	}
}

// Estimate returns the latest combined estimate, or nil before the
// first accepted selection round or right after a step.
func (s *System) Estimate() *Estimate {
	return s.estimate.Load()
}

// State reports the discipline's synchronization state.
func (s *System) State() State {
	return s.disc.State()
}

// Peers returns a reporting view of every configured source.
func (s *System) Peers() []PeerInfo {
	out := make([]PeerInfo, 0, len(s.associations))
	for _, a := range s.associations {
		out = append(out, a.Info())
	}
	return out
}
