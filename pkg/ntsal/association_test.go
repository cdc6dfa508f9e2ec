package ntsal

import (
	"context"
	"encoding/binary"
	"net"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ntsal/ntsal/internal/sysclock"
	"github.com/ntsal/ntsal/internal/timemath"
	"github.com/ntsal/ntsal/pkg/nts"
	"github.com/ntsal/ntsal/pkg/wire"
)

type fakeTransport struct {
	sent [][]byte
	errs []error
}

func (t *fakeTransport) Send(addr *net.UDPAddr, data []byte) error {
	if len(t.errs) > 0 {
		err := t.errs[0]
		t.errs = t.errs[1:]
		return err
	}
	t.sent = append(t.sent, data)
	return nil
}

func (t *fakeTransport) Receive(buf []byte) (int, *net.UDPAddr, timemath.Timestamp, error) {
	return 0, nil, 0, net.ErrClosed
}

func (t *fakeTransport) Close() error { return nil }

type peerFixture struct {
	assoc     *Association
	clock     *sysclock.Simulated
	transport *fakeTransport
	samples   chan peerSnapshot
	epoch     atomic.Uint64
}

func newPeerFixture(t *testing.T, cfg SourceConfig) *peerFixture {
	t.Helper()
	if cfg.Host == "" {
		cfg.Host = "time.test"
	}
	if cfg.MinPoll == 0 {
		cfg.MinPoll = defaultMinPoll
	}
	if cfg.MaxPoll == 0 {
		cfg.MaxPoll = defaultMaxPoll
	}

	fx := &peerFixture{
		clock:     sysclock.NewSimulated(testEpoch),
		transport: &fakeTransport{},
		samples:   make(chan peerSnapshot, 8),
	}
	log := zap.NewNop()
	deps := systemDeps{
		log:       log,
		clock:     fx.clock,
		transport: fx.transport,
		disc:      NewDiscipline(fx.clock, log),
		samples:   fx.samples,
		stepEpoch: &fx.epoch,
	}
	addr := &net.UDPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 123}
	fx.assoc = newAssociation(cfg, addr, deps)
	return fx
}

// lastRequest decodes the most recently sent poll.
func (fx *peerFixture) lastRequest(t *testing.T) *wire.Packet {
	t.Helper()
	require.NotEmpty(t, fx.transport.sent)
	p, err := wire.Decode(fx.transport.sent[len(fx.transport.sent)-1], nil)
	require.NoError(t, err)
	return p
}

// serverReply builds a plausible reply to the outstanding poll: the
// server is 10 ms ahead with a 10 ms round trip.
func (fx *peerFixture) serverReply(t *testing.T) ([]byte, timemath.Timestamp) {
	t.Helper()
	req := fx.lastRequest(t)
	t1 := fx.assoc.sentAt
	t2 := after(t1, 0.015)
	t3 := after(t2, 0.001)
	t4 := after(t1, 0.011)
	reply := &wire.Packet{
		Leap:      wire.LeapNoWarning,
		Version:   VERSION,
		Mode:      wire.ModeServer,
		Stratum:   2,
		Precision: -20,
		RootDelay: timemath.DoubleToShort(0.001),
		RootDisp:  timemath.DoubleToShort(0.001),
		Origin:    req.Transmit,
		Receive:   t2,
		Transmit:  t3,
	}
	return wire.Encode(reply), t4
}

func TestPeerPollResponseProducesSample(t *testing.T) {
	fx := newPeerFixture(t, SourceConfig{})
	a := fx.assoc

	a.sendPoll(context.Background())
	require.True(t, a.awaiting)
	assert.Equal(t, PeerAwaiting, a.Info().Status)

	raw, arrived := fx.serverReply(t)
	a.handleReply(inbound{data: raw, arrived: arrived})

	assert.False(t, a.awaiting)
	assert.Equal(t, uint8(1), a.reach)
	assert.Equal(t, PeerIdle, a.Info().Status)

	select {
	case snap := <-fx.samples:
		assert.InDelta(t, 0.010, snap.offset, 1e-6)
		assert.InDelta(t, 0.010, snap.delay, 1e-6)
		assert.Equal(t, uint8(2), snap.stratum)
		assert.Equal(t, a.ID, snap.id)
	default:
		t.Fatal("no snapshot published")
	}
}

func TestPeerRandomizedTransmitNotClockReading(t *testing.T) {
	fx := newPeerFixture(t, SourceConfig{})
	fx.assoc.sendPoll(context.Background())

	req := fx.lastRequest(t)
	// The wire transmit field is a random token, not the send time we
	// keep for the measurement.
	assert.NotEqual(t, fx.assoc.sentAt, req.Transmit)
	assert.NotZero(t, req.Transmit)
	assert.Equal(t, req.Transmit, fx.assoc.expectedOrigin)
}

func TestPeerOriginMismatchKeepsWaiting(t *testing.T) {
	fx := newPeerFixture(t, SourceConfig{})
	a := fx.assoc

	a.sendPoll(context.Background())
	raw, arrived := fx.serverReply(t)

	// Corrupt the echoed origin.
	binary.BigEndian.PutUint64(raw[24:], randomTimestamp())
	a.handleReply(inbound{data: raw, arrived: arrived})

	assert.True(t, a.awaiting)
	assert.Empty(t, fx.samples)
	assert.Equal(t, uint8(0), a.reach)

	// The genuine reply is still accepted afterwards.
	raw, arrived = fx.serverReply(t)
	a.handleReply(inbound{data: raw, arrived: arrived})
	assert.False(t, a.awaiting)
	assert.Len(t, fx.samples, 1)
}

func TestPeerKissRateBacksOffPoll(t *testing.T) {
	fx := newPeerFixture(t, SourceConfig{})
	a := fx.assoc

	a.sendPoll(context.Background())
	poll := a.hpoll

	req := fx.lastRequest(t)
	kiss := &wire.Packet{
		Version:  VERSION,
		Mode:     wire.ModeServer,
		Stratum:  0,
		RefID:    binary.BigEndian.Uint32([]byte(wire.KissRate)),
		Origin:   req.Transmit,
		Transmit: after(a.sentAt, 0.001),
	}
	a.handleReply(inbound{data: wire.Encode(kiss), arrived: after(a.sentAt, 0.002)})

	assert.Equal(t, poll+1, a.hpoll)
	assert.Equal(t, PeerKissOfDeath, a.Info().Status)
	assert.False(t, a.denied)
	assert.Empty(t, fx.samples)

	// The kiss answered the poll; it must not read as a timeout.
	assert.False(t, a.awaiting)
}

func TestPeerKissRateIsNotAMissedPoll(t *testing.T) {
	fx := newPeerFixture(t, SourceConfig{})
	a := fx.assoc

	a.sendPoll(context.Background())
	req := fx.lastRequest(t)
	kiss := &wire.Packet{
		Version:  VERSION,
		Mode:     wire.ModeServer,
		Stratum:  0,
		RefID:    binary.BigEndian.Uint32([]byte(wire.KissRate)),
		Origin:   req.Transmit,
		Transmit: after(a.sentAt, 0.001),
	}
	a.handleReply(inbound{data: wire.Encode(kiss), arrived: after(a.sentAt, 0.002)})
	require.False(t, a.awaiting)

	// Next tick: no outstanding request, so the loop goes straight to
	// the next poll and the source stays in kiss-of-death, not
	// unreachable.
	fx.clock.Advance(64)
	a.sendPoll(context.Background())
	assert.Len(t, fx.transport.sent, 2)
	assert.Equal(t, PeerKissOfDeath, a.Info().Status)

	// An answered poll clears the kiss.
	raw, arrived := fx.serverReply(t)
	a.handleReply(inbound{data: raw, arrived: arrived})
	assert.Equal(t, PeerIdle, a.Info().Status)
	assert.Equal(t, uint8(1), a.reach)
}

func TestPeerKissDenyStopsPolling(t *testing.T) {
	fx := newPeerFixture(t, SourceConfig{})
	a := fx.assoc

	a.sendPoll(context.Background())
	req := fx.lastRequest(t)
	kiss := &wire.Packet{
		Version:  VERSION,
		Mode:     wire.ModeServer,
		Stratum:  0,
		RefID:    binary.BigEndian.Uint32([]byte(wire.KissDeny)),
		Origin:   req.Transmit,
		Transmit: after(a.sentAt, 0.001),
	}
	a.handleReply(inbound{data: wire.Encode(kiss), arrived: after(a.sentAt, 0.002)})

	assert.True(t, a.denied)
	assert.Equal(t, PeerKissOfDeath, a.Info().Status)
}

func TestPeerMissedPollsDrainReach(t *testing.T) {
	fx := newPeerFixture(t, SourceConfig{})
	a := fx.assoc

	a.sendPoll(context.Background())
	raw, arrived := fx.serverReply(t)
	a.handleReply(inbound{data: raw, arrived: arrived})
	<-fx.samples
	require.Equal(t, uint8(1), a.reach)

	// Seven unanswered polls leave the success bit still in the
	// register; the eighth shifts it out.
	for i := 0; i < 7; i++ {
		fx.clock.Advance(64)
		a.sendPoll(context.Background())
		assert.NotEqual(t, PeerUnreachable, a.Info().Status)
		a.missedPoll()
	}
	fx.clock.Advance(64)
	a.sendPoll(context.Background())
	assert.Equal(t, uint8(0), a.reach)
	assert.Equal(t, PeerUnreachable, a.Info().Status)
}

func TestPeerReachTracksPollHistory(t *testing.T) {
	fx := newPeerFixture(t, SourceConfig{})
	a := fx.assoc

	answer := func() {
		raw, arrived := fx.serverReply(t)
		a.handleReply(inbound{data: raw, arrived: arrived})
	}

	for i := 0; i < 8; i++ {
		fx.clock.Advance(64)
		a.sendPoll(context.Background())
		answer()
		<-fx.samples
	}
	assert.Equal(t, uint8(0xff), a.reach)
	assert.Equal(t, uint8(0xff), a.Info().Reach)

	// One timeout punches a hole in the history.
	fx.clock.Advance(64)
	a.sendPoll(context.Background())
	a.missedPoll()
	fx.clock.Advance(64)
	a.sendPoll(context.Background())
	answer()
	<-fx.samples
	assert.Equal(t, uint8(0xfd), a.reach)
}

func TestPeerUnsynchronizedReplyDiscarded(t *testing.T) {
	fx := newPeerFixture(t, SourceConfig{})
	a := fx.assoc

	a.sendPoll(context.Background())
	req := fx.lastRequest(t)
	reply := &wire.Packet{
		Leap:     wire.LeapUnsynchronized,
		Version:  VERSION,
		Mode:     wire.ModeServer,
		Stratum:  2,
		Origin:   req.Transmit,
		Receive:  after(a.sentAt, 0.005),
		Transmit: after(a.sentAt, 0.006),
	}
	a.handleReply(inbound{data: wire.Encode(reply), arrived: after(a.sentAt, 0.010)})

	assert.True(t, a.awaiting)
	assert.Empty(t, fx.samples)
}

func TestPeerCookieExhaustionSendsNothing(t *testing.T) {
	fx := newPeerFixture(t, SourceConfig{NTS: true})
	a := fx.assoc

	keys := nts.Keys{C2S: make([]byte, 32), S2C: make([]byte, 32)}
	sess, err := nts.NewSession(keys, [][]byte{[]byte("only-cookie-0001")})
	require.NoError(t, err)
	_, err = sess.Jar.Next()
	require.NoError(t, err)
	require.Equal(t, 0, sess.Jar.Len())
	a.session = sess

	a.sendPoll(context.Background())

	assert.Empty(t, fx.transport.sent)
	assert.False(t, a.awaiting)
	assert.Equal(t, 1, a.unreach)
}

func TestPeerSendFailureCountsAsMiss(t *testing.T) {
	fx := newPeerFixture(t, SourceConfig{})
	fx.transport.errs = []error{net.ErrClosed}

	fx.assoc.sendPoll(context.Background())
	assert.False(t, fx.assoc.awaiting)
	assert.Equal(t, 1, fx.assoc.unreach)
}

func TestPeerStepEpochResetsFilter(t *testing.T) {
	fx := newPeerFixture(t, SourceConfig{})
	a := fx.assoc

	a.sendPoll(context.Background())
	raw, arrived := fx.serverReply(t)
	a.handleReply(inbound{data: raw, arrived: arrived})
	require.Len(t, fx.samples, 1)
	<-fx.samples

	fx.epoch.Add(1)
	fx.clock.Advance(64)

	// The next cycle runs against a clean register: the post-step
	// sample becomes the representative immediately.
	a.sendPoll(context.Background())
	raw, arrived = fx.serverReply(t)
	a.handleReply(inbound{data: raw, arrived: arrived})
	require.Len(t, fx.samples, 1)
	snap := <-fx.samples
	assert.InDelta(t, 0.010, snap.offset, 1e-6)
}
