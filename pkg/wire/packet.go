// Package wire encodes and decodes NTPv4 packets and their NTS extension
// fields. Parsing never trusts a length or count from the wire: every
// declared size is checked against the actual buffer before use.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/ntsal/ntsal/internal/timemath"
)

type LeapIndicator byte

const (
	LeapNoWarning LeapIndicator = iota
	LeapAddSecond
	LeapDelSecond
	LeapUnsynchronized
)

type Mode byte

const (
	ModeReserved Mode = iota
	ModeSymmetricActive
	ModeSymmetricPassive
	ModeClient
	ModeServer
	ModeBroadcast
	ModeControl
	ModePrivate
)

const headerLength = 48

// AEADCipher seals and opens NTS authenticator payloads. Implementations
// live in pkg/nts; the codec only needs the mechanics.
type AEADCipher interface {
	Seal(plaintext, aad []byte) (nonce, ciphertext []byte)
	Open(nonce, ciphertext, aad []byte) ([]byte, error)
}

// Packet is a parsed NTP packet. Extension fields are grouped by how much
// the receiver may trust them: Authenticated fields preceded the NTS
// authenticator and were covered by its tag, Encrypted fields were carried
// inside its ciphertext, Untrusted fields arrived outside any
// authenticator.
type Packet struct {
	Leap      LeapIndicator
	Version   byte
	Mode      Mode
	Stratum   byte
	Poll      int8
	Precision int8
	RootDelay timemath.Short
	RootDisp  timemath.Short
	RefID     uint32
	RefTime   timemath.Timestamp
	Origin    timemath.Timestamp
	Receive   timemath.Timestamp
	Transmit  timemath.Timestamp

	Authenticated []ExtensionField
	Encrypted     []ExtensionField
	Untrusted     []ExtensionField
}

// Decode parses a packet. A non-nil cipher is required to accept packets
// carrying an NTS authenticator; its tag is verified over everything that
// precedes the authenticator field. Version 3 headers are accepted for
// interoperability but may not carry extension fields.
func Decode(data []byte, cipher AEADCipher) (*Packet, error) {
	if len(data) < headerLength {
		return nil, ErrTruncated
	}
	if len(data)%4 != 0 {
		return nil, ErrInvalidLength
	}

	version := (data[0] >> 3) & 0x07
	switch version {
	case 3:
		if len(data) != headerLength {
			return nil, ErrInvalidLength
		}
	case 4:
	default:
		return nil, fmt.Errorf("%w: %d", ErrInvalidVersion, version)
	}

	p := &Packet{
		Leap:      LeapIndicator(data[0] >> 6),
		Version:   version,
		Mode:      Mode(data[0] & 0x07),
		Stratum:   data[1],
		Poll:      int8(data[2]),
		Precision: int8(data[3]),
		RootDelay: binary.BigEndian.Uint32(data[4:8]),
		RootDisp:  binary.BigEndian.Uint32(data[8:12]),
		RefID:     binary.BigEndian.Uint32(data[12:16]),
		RefTime:   binary.BigEndian.Uint64(data[16:24]),
		Origin:    binary.BigEndian.Uint64(data[24:32]),
		Receive:   binary.BigEndian.Uint64(data[32:40]),
		Transmit:  binary.BigEndian.Uint64(data[40:48]),
	}

	offset := headerLength
	for offset < len(data) {
		field, n, err := parseField(data[offset:])
		if err != nil {
			return nil, err
		}

		if field.Type != FieldNTSAuthenticator {
			// Unknown non-critical fields are kept but not trusted.
			p.Untrusted = append(p.Untrusted, field)
			offset += n
			continue
		}

		if cipher == nil {
			return nil, ErrUnexpectedAuthenticator
		}

		auth, err := parseAuthenticator(field.Body)
		if err != nil {
			return nil, err
		}

		plaintext, err := cipher.Open(auth.nonce, auth.ciphertext, data[:offset])
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDecrypt, err)
		}

		// The tag covered everything parsed so far.
		p.Authenticated = p.Untrusted
		p.Untrusted = nil

		if p.Encrypted, err = parsePlaintextFields(plaintext); err != nil {
			return nil, err
		}

		// The authenticator closes the packet; trailing data would not
		// be covered by the tag.
		if offset+n != len(data) {
			return nil, ErrMalformedAuthenticator
		}
		return p, nil
	}

	return p, nil
}

func parsePlaintextFields(plaintext []byte) ([]ExtensionField, error) {
	var fields []ExtensionField
	offset := 0
	for offset < len(plaintext) {
		field, n, err := parseField(plaintext[offset:])
		if err != nil {
			return nil, err
		}
		if field.Type == FieldNTSAuthenticator {
			// A nested authenticator cannot be valid.
			return nil, ErrMalformedAuthenticator
		}
		fields = append(fields, field)
		offset += n
	}
	return fields, nil
}

// Encode serializes an unauthenticated packet: the header followed by any
// untrusted extension fields. It is total for structurally valid packets.
func Encode(p *Packet) []byte {
	var w bytes.Buffer
	encodeHeader(&w, p)
	for _, field := range p.Untrusted {
		field.encode(&w)
	}
	return w.Bytes()
}

// EncodeProtected serializes a packet with an NTS authenticator: the
// header, the Authenticated fields, then the 0x0404 field whose tag covers
// everything before it and whose ciphertext carries the Encrypted fields.
func EncodeProtected(p *Packet, cipher AEADCipher) []byte {
	var w bytes.Buffer
	encodeHeader(&w, p)
	for _, field := range p.Authenticated {
		field.encode(&w)
	}

	var plaintext bytes.Buffer
	for _, field := range p.Encrypted {
		field.encode(&plaintext)
	}

	nonce, ciphertext := cipher.Seal(plaintext.Bytes(), w.Bytes())
	encodeAuthenticator(&w, nonce, ciphertext)
	return w.Bytes()
}

func encodeHeader(w *bytes.Buffer, p *Packet) {
	var hdr [headerLength]byte
	hdr[0] = (byte(p.Leap) << 6) | (p.Version << 3) | byte(p.Mode)
	hdr[1] = p.Stratum
	hdr[2] = byte(p.Poll)
	hdr[3] = byte(p.Precision)
	binary.BigEndian.PutUint32(hdr[4:8], p.RootDelay)
	binary.BigEndian.PutUint32(hdr[8:12], p.RootDisp)
	binary.BigEndian.PutUint32(hdr[12:16], p.RefID)
	binary.BigEndian.PutUint64(hdr[16:24], p.RefTime)
	binary.BigEndian.PutUint64(hdr[24:32], p.Origin)
	binary.BigEndian.PutUint64(hdr[32:40], p.Receive)
	binary.BigEndian.PutUint64(hdr[40:48], p.Transmit)
	w.Write(hdr[:])
}

// IsKiss reports whether the packet is a Kiss-o'-Death: stratum zero with
// the kiss code in the reference ID.
func (p *Packet) IsKiss() bool {
	return p.Stratum == 0
}

// KissCode returns the four character kiss code, or "" if the packet is
// not a KoD.
func (p *Packet) KissCode() string {
	if !p.IsKiss() {
		return ""
	}
	var code [4]byte
	binary.BigEndian.PutUint32(code[:], p.RefID)
	return string(code[:])
}

// Field returns the first extension field of the given type from the
// packet's trusted fields (authenticated, then encrypted), or nil.
func (p *Packet) Field(typ FieldType) *ExtensionField {
	for i := range p.Authenticated {
		if p.Authenticated[i].Type == typ {
			return &p.Authenticated[i]
		}
	}
	for i := range p.Encrypted {
		if p.Encrypted[i].Type == typ {
			return &p.Encrypted[i]
		}
	}
	return nil
}

// Fields returns all trusted extension fields of the given type.
func (p *Packet) Fields(typ FieldType) []ExtensionField {
	var out []ExtensionField
	for _, f := range p.Authenticated {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	for _, f := range p.Encrypted {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

// KissCodes this implementation reacts to.
const (
	KissRate = "RATE"
	KissDeny = "DENY"
	KissRstr = "RSTR"
)
