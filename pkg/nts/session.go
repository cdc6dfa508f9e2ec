package nts

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/ntsal/ntsal/pkg/wire"
)

const uniqueIDSize = 32

// Session carries the per-association NTS state: the AEAD key pair from
// the key exchange, the cookie pool, and the unique identifier of the
// outstanding request. A Session belongs to exactly one association and
// is driven from its poll loop only.
type Session struct {
	c2s *Cipher
	s2c *Cipher
	Jar *CookieJar

	// uid of the request in flight; replies must echo it.
	uid []byte
}

func NewSession(keys Keys, cookies [][]byte) (*Session, error) {
	c2s, err := NewCipher(keys.C2S)
	if err != nil {
		return nil, err
	}
	s2c, err := NewCipher(keys.S2C)
	if err != nil {
		return nil, err
	}
	return &Session{c2s: c2s, s2c: s2c, Jar: NewCookieJar(cookies)}, nil
}

// ProtectRequest consumes one cookie and turns the packet skeleton into
// wire bytes carrying the NTS request fields: a fresh unique identifier,
// the cookie, placeholders sized like the cookie for every replacement the
// jar is missing, and the authenticator covering all of it.
func (s *Session) ProtectRequest(p *wire.Packet) ([]byte, error) {
	cookie, err := s.Jar.Next()
	if err != nil {
		return nil, err
	}

	uid := make([]byte, uniqueIDSize)
	if _, err := rand.Read(uid); err != nil {
		return nil, fmt.Errorf("nts: generating unique identifier: %w", err)
	}
	s.uid = uid

	p.Authenticated = []wire.ExtensionField{
		wire.UniqueIdentifier(uid),
		wire.NTSCookie(cookie),
	}
	// One replacement comes back for the spent cookie itself; ask for the
	// rest of the deficit with placeholders.
	for want := jarCapacity - s.Jar.Len() - 1; want > 0; want-- {
		p.Authenticated = append(p.Authenticated, wire.NTSCookiePlaceholder(len(cookie)))
	}

	return wire.EncodeProtected(p, s.c2s), nil
}

// VerifyResponse authenticates and decrypts a reply. On any failure the
// session is untouched: no cookies are stored and the outstanding unique
// identifier stays armed, so the real reply can still be accepted.
func (s *Session) VerifyResponse(raw []byte) (*wire.Packet, error) {
	p, err := wire.Decode(raw, s.s2c)
	if err != nil {
		if errors.Is(err, wire.ErrDecrypt) || errors.Is(err, wire.ErrUnexpectedAuthenticator) {
			return nil, fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
		}
		return nil, err
	}

	uidField := p.Field(wire.FieldUniqueIdentifier)
	if s.uid == nil || uidField == nil ||
		subtle.ConstantTimeCompare(uidField.Body, s.uid) != 1 {
		return nil, fmt.Errorf("%w: unique identifier mismatch", ErrAuthenticationFailed)
	}
	s.uid = nil

	for _, c := range p.Fields(wire.FieldNTSCookie) {
		s.Jar.Put(c.Body)
	}

	return p, nil
}
