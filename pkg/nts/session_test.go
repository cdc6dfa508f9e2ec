package nts

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ntsal/ntsal/pkg/wire"
)

func testKeys() Keys {
	c2s := make([]byte, 32)
	s2c := make([]byte, 32)
	for i := range c2s {
		c2s[i] = byte(i)
		s2c[i] = byte(32 + i)
	}
	return Keys{C2S: c2s, S2C: s2c}
}

func testCookies(n int) [][]byte {
	cookies := make([][]byte, n)
	for i := range cookies {
		c := make([]byte, 100)
		for j := range c {
			c[j] = byte(i)
		}
		cookies[i] = c
	}
	return cookies
}

// serverReply seals a response the way a real NTS server would: with the
// s2c key, echoing the request's unique identifier, carrying fresh
// cookies inside the ciphertext.
func serverReply(t *testing.T, keys Keys, request []byte, freshCookies [][]byte) []byte {
	t.Helper()

	c2s, err := NewCipher(keys.C2S)
	require.NoError(t, err)
	req, err := wire.Decode(request, c2s)
	require.NoError(t, err)

	uid := req.Field(wire.FieldUniqueIdentifier)
	require.NotNil(t, uid)

	reply := &wire.Packet{
		Version:       4,
		Mode:          wire.ModeServer,
		Stratum:       2,
		Origin:        req.Transmit,
		Receive:       req.Transmit + 100,
		Transmit:      req.Transmit + 200,
		Authenticated: []wire.ExtensionField{wire.UniqueIdentifier(uid.Body)},
	}
	for _, c := range freshCookies {
		reply.Encrypted = append(reply.Encrypted, wire.NTSCookie(c))
	}

	s2c, err := NewCipher(keys.S2C)
	require.NoError(t, err)
	return wire.EncodeProtected(reply, s2c)
}

func TestProtectVerifyRoundTrip(t *testing.T) {
	keys := testKeys()
	session, err := NewSession(keys, testCookies(3))
	require.NoError(t, err)

	raw, err := session.ProtectRequest(&wire.Packet{Version: 4, Mode: wire.ModeClient, Transmit: 42})
	require.NoError(t, err)
	assert.Equal(t, 2, session.Jar.Len())

	reply := serverReply(t, keys, raw, testCookies(6))
	p, err := session.VerifyResponse(reply)
	require.NoError(t, err)
	assert.Equal(t, wire.ModeServer, p.Mode)
	assert.Equal(t, 8, session.Jar.Len())
}

func TestRequestCarriesOneCookieAndPlaceholders(t *testing.T) {
	keys := testKeys()
	session, err := NewSession(keys, testCookies(2))
	require.NoError(t, err)

	raw, err := session.ProtectRequest(&wire.Packet{Version: 4, Mode: wire.ModeClient})
	require.NoError(t, err)

	// Inspect with the c2s key, as the server would.
	c2s, err := NewCipher(keys.C2S)
	require.NoError(t, err)
	req, err := wire.Decode(raw, c2s)
	require.NoError(t, err)

	assert.Len(t, req.Fields(wire.FieldNTSCookie), 1)
	// Jar held 2, one was spent, its echo covers one slot: 6 placeholders
	// bring the eventual total back to capacity.
	assert.Len(t, req.Fields(wire.FieldNTSCookiePlaceholder), 6)
	uid := req.Field(wire.FieldUniqueIdentifier)
	require.NotNil(t, uid)
	assert.Len(t, uid.Body, 32)
}

func TestForgedReplyRejected(t *testing.T) {
	keys := testKeys()
	session, err := NewSession(keys, testCookies(3))
	require.NoError(t, err)

	raw, err := session.ProtectRequest(&wire.Packet{Version: 4, Mode: wire.ModeClient})
	require.NoError(t, err)
	reply := serverReply(t, keys, raw, testCookies(2))

	jarBefore := session.Jar.Len()
	for _, idx := range []int{0, 60, len(reply) - 1} {
		tampered := append([]byte{}, reply...)
		tampered[idx] ^= 0x40
		_, err := session.VerifyResponse(tampered)
		assert.Error(t, err, "flipped byte %d", idx)
	}
	// Failures mutate nothing; the genuine reply still verifies.
	assert.Equal(t, jarBefore, session.Jar.Len())
	_, err = session.VerifyResponse(reply)
	assert.NoError(t, err)
}

func TestWrongUniqueIdentifierRejected(t *testing.T) {
	keys := testKeys()
	session, err := NewSession(keys, testCookies(3))
	require.NoError(t, err)

	_, err = session.ProtectRequest(&wire.Packet{Version: 4, Mode: wire.ModeClient})
	require.NoError(t, err)

	// A validly signed reply for some other request.
	other := make([]byte, 32)
	reply := &wire.Packet{
		Version:       4,
		Mode:          wire.ModeServer,
		Authenticated: []wire.ExtensionField{wire.UniqueIdentifier(other)},
	}
	s2c, err := NewCipher(keys.S2C)
	require.NoError(t, err)

	_, err = session.VerifyResponse(wire.EncodeProtected(reply, s2c))
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestUnauthenticatedReplyRejected(t *testing.T) {
	session, err := NewSession(testKeys(), testCookies(1))
	require.NoError(t, err)

	_, err = session.ProtectRequest(&wire.Packet{Version: 4, Mode: wire.ModeClient})
	require.NoError(t, err)

	plain := wire.Encode(&wire.Packet{Version: 4, Mode: wire.ModeServer, Stratum: 2})
	_, err = session.VerifyResponse(plain)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestCookieExhaustion(t *testing.T) {
	session, err := NewSession(testKeys(), testCookies(1))
	require.NoError(t, err)

	_, err = session.ProtectRequest(&wire.Packet{Version: 4, Mode: wire.ModeClient})
	require.NoError(t, err)

	_, err = session.ProtectRequest(&wire.Packet{Version: 4, Mode: wire.ModeClient})
	assert.ErrorIs(t, err, ErrNoCookies)
}

func TestCookieJarFIFO(t *testing.T) {
	jar := NewCookieJar(nil)
	jar.Put([]byte{1})
	jar.Put([]byte{2})

	c, err := jar.Next()
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, c)

	c, err = jar.Next()
	require.NoError(t, err)
	assert.Equal(t, []byte{2}, c)

	_, err = jar.Next()
	assert.ErrorIs(t, err, ErrNoCookies)
}

func TestCookieJarBounded(t *testing.T) {
	jar := NewCookieJar(nil)
	for i := 0; i < jarCapacity+3; i++ {
		jar.Put([]byte{byte(i)})
	}
	assert.Equal(t, jarCapacity, jar.Len())

	// The oldest three were evicted.
	c, err := jar.Next()
	require.NoError(t, err)
	assert.Equal(t, []byte{3}, c)
}

func TestCiphersAreDirectional(t *testing.T) {
	keys := testKeys()
	c2s, err := NewCipher(keys.C2S)
	require.NoError(t, err)
	s2c, err := NewCipher(keys.S2C)
	require.NoError(t, err)

	aad := []byte("header bytes")
	nonce, ct := c2s.Seal([]byte("payload"), aad)

	_, err = s2c.Open(nonce, ct, aad)
	assert.Error(t, err)

	pt, err := c2s.Open(nonce, ct, aad)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), pt)
}

func TestSealUsesFreshNonces(t *testing.T) {
	c, err := NewCipher(testKeys().C2S)
	require.NoError(t, err)

	n1, _ := c.Seal([]byte("x"), nil)
	n2, _ := c.Seal([]byte("x"), nil)
	assert.False(t, bytes.Equal(n1, n2))
}
