package wire

import (
	"bytes"
	"encoding/binary"
)

// FieldType identifies an extension field. The NTS codes are fixed by RFC
// 8915 and must match compliant peers byte for byte.
type FieldType uint16

const (
	FieldUniqueIdentifier     FieldType = 0x0104
	FieldNTSCookie            FieldType = 0x0204
	FieldNTSCookiePlaceholder FieldType = 0x0304
	FieldNTSAuthenticator     FieldType = 0x0404
)

// minFieldLength is the smallest on-wire extension field length accepted,
// per RFC 7822. Keeps degenerate fields from slipping through the parser.
const minFieldLength = 16

// ExtensionField is one type-length-value block. Body holds the field
// payload without the four byte header or trailing padding.
type ExtensionField struct {
	Type FieldType
	Body []byte
}

// UniqueIdentifier builds the NTS unique-identifier field. The identifier
// must be at least 32 octets of entropy; the caller owns generation.
func UniqueIdentifier(id []byte) ExtensionField {
	return ExtensionField{Type: FieldUniqueIdentifier, Body: id}
}

func NTSCookie(cookie []byte) ExtensionField {
	return ExtensionField{Type: FieldNTSCookie, Body: cookie}
}

// NTSCookiePlaceholder reserves response space for one fresh cookie of the
// given length. The body is all zeros by definition.
func NTSCookiePlaceholder(cookieLength int) ExtensionField {
	return ExtensionField{Type: FieldNTSCookiePlaceholder, Body: make([]byte, cookieLength)}
}

func nextMultipleOf4(n int) int {
	if r := n % 4; r != 0 {
		return n + (4 - r)
	}
	return n
}

// wireLength is the full on-wire size of the field: header plus padded body.
func (f ExtensionField) wireLength() int {
	return 4 + nextMultipleOf4(len(f.Body))
}

func (f ExtensionField) encode(w *bytes.Buffer) {
	var pad [4]byte

	var hdr [4]byte
	binary.BigEndian.PutUint16(hdr[0:2], uint16(f.Type))
	binary.BigEndian.PutUint16(hdr[2:4], uint16(4+len(f.Body)))
	w.Write(hdr[:])
	w.Write(f.Body)
	w.Write(pad[:nextMultipleOf4(len(f.Body))-len(f.Body)])
}

// parseField reads one extension field starting at data[0]. It returns the
// field and the number of wire bytes consumed. Every length is checked
// against the remaining buffer before anything is sliced.
func parseField(data []byte) (ExtensionField, int, error) {
	if len(data) < 4 {
		return ExtensionField{}, 0, ErrTruncated
	}

	typ := FieldType(binary.BigEndian.Uint16(data[0:2]))
	length := int(binary.BigEndian.Uint16(data[2:4]))
	if length < minFieldLength {
		return ExtensionField{}, 0, ErrInvalidLength
	}

	padded := nextMultipleOf4(length)
	if padded > len(data) {
		return ExtensionField{}, 0, ErrTruncated
	}

	body := data[4:length]
	for _, b := range data[length:padded] {
		if b != 0 {
			return ExtensionField{}, 0, ErrInvalidLength
		}
	}

	field := ExtensionField{Type: typ, Body: body}
	switch typ {
	case FieldUniqueIdentifier:
		// RFC 8915: the identifier string MUST be at least 32 octets.
		if len(body) < 32 {
			return ExtensionField{}, 0, ErrInvalidLength
		}
	case FieldNTSCookiePlaceholder:
		for _, b := range body {
			if b != 0 {
				return ExtensionField{}, 0, ErrInvalidLength
			}
		}
	}

	return field, 4 + nextMultipleOf4(len(body)), nil
}

// authenticator is the decoded structure of the 0x0404 field body.
type authenticator struct {
	nonce      []byte
	ciphertext []byte
}

func parseAuthenticator(body []byte) (authenticator, error) {
	if len(body) < 4 {
		return authenticator{}, ErrMalformedAuthenticator
	}

	nonceLen := int(binary.BigEndian.Uint16(body[0:2]))
	ctLen := int(binary.BigEndian.Uint16(body[2:4]))

	if 4+nextMultipleOf4(nonceLen)+nextMultipleOf4(ctLen) != nextMultipleOf4(len(body)) {
		return authenticator{}, ErrMalformedAuthenticator
	}

	ctStart := 4 + nextMultipleOf4(nonceLen)
	if ctStart+ctLen > len(body) {
		return authenticator{}, ErrMalformedAuthenticator
	}

	nonce := body[4 : 4+nonceLen]
	for _, b := range body[4+nonceLen : ctStart] {
		if b != 0 {
			return authenticator{}, ErrMalformedAuthenticator
		}
	}

	// The nonce length is the AEAD's business; Open rejects one the
	// negotiated algorithm cannot take.
	return authenticator{nonce: nonce, ciphertext: body[ctStart : ctStart+ctLen]}, nil
}

func encodeAuthenticator(w *bytes.Buffer, nonce, ciphertext []byte) {
	var pad [4]byte

	// The declared field length covers the field header, both length
	// prefixes, and the padded nonce and ciphertext.
	length := 8 + nextMultipleOf4(len(nonce)+len(ciphertext))

	var hdr [8]byte
	binary.BigEndian.PutUint16(hdr[0:2], uint16(FieldNTSAuthenticator))
	binary.BigEndian.PutUint16(hdr[2:4], uint16(length))
	binary.BigEndian.PutUint16(hdr[4:6], uint16(len(nonce)))
	binary.BigEndian.PutUint16(hdr[6:8], uint16(len(ciphertext)))
	w.Write(hdr[:])

	w.Write(nonce)
	w.Write(pad[:nextMultipleOf4(len(nonce))-len(nonce)])
	w.Write(ciphertext)
	w.Write(pad[:nextMultipleOf4(len(ciphertext))-len(ciphertext)])
}
