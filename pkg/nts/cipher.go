// Package nts implements the client side of Network Time Security (RFC
// 8915): the key-establishment record protocol, the per-association cookie
// pool, and authenticated encryption of NTP extension fields.
package nts

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/secure-io/siv-go"
)

var (
	// ErrAuthenticationFailed means a reply failed tag verification or
	// echoed the wrong unique identifier. The reply must be treated as if
	// it never arrived.
	ErrAuthenticationFailed = errors.New("nts: authentication failed")
	// ErrNoCookies means the cookie pool is exhausted; no request can be
	// sent until the pool is replenished by a new key exchange.
	ErrNoCookies = errors.New("nts: cookie pool exhausted")
)

// Keys is the AEAD key pair exported from a completed NTS-KE handshake.
// Immutable for the lifetime of an association.
type Keys struct {
	C2S []byte
	S2C []byte
}

const nonceSize = 16

// Cipher is an AES-SIV-CMAC AEAD in the shape the wire codec consumes.
// Each Seal draws a fresh random nonce.
type Cipher struct {
	aead cipher.AEAD
}

func NewCipher(key []byte) (*Cipher, error) {
	aead, err := siv.NewCMAC(key)
	if err != nil {
		return nil, fmt.Errorf("nts: bad AEAD key: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

func (c *Cipher) Seal(plaintext, aad []byte) (nonce, ciphertext []byte) {
	nonce = make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		// crypto/rand failure means the platform RNG is broken; nothing
		// sensible can be sent.
		panic(err)
	}
	return nonce, c.aead.Seal(nil, nonce, plaintext, aad)
}

func (c *Cipher) Open(nonce, ciphertext, aad []byte) ([]byte, error) {
	return c.aead.Open(nil, nonce, ciphertext, aad)
}
