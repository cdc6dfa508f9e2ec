package nts

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// NTS-KE record types (RFC 8915 section 4).
const (
	recEndOfMessage  uint16 = 0
	recNextProtocol  uint16 = 1
	recError         uint16 = 2
	recWarning       uint16 = 3
	recAEADAlgorithm uint16 = 4
	recCookie        uint16 = 5
	recServer        uint16 = 6
	recPort          uint16 = 7

	criticalBit uint16 = 0x8000
)

const (
	// ProtocolNTPv4 is the only next-protocol this client negotiates.
	ProtocolNTPv4 uint16 = 0
	// AEADAESSIVCMAC256 is the negotiated AEAD algorithm identifier.
	AEADAESSIVCMAC256 uint16 = 15

	// ALPN is the application protocol the TLS handshake must negotiate
	// before key exchange records can flow.
	ALPN = "ntske/1"
	// DefaultPort is the NTS-KE TCP port.
	DefaultPort = 4460

	exportLabel   = "EXPORTER-network-time-security"
	exportKeySize = 32
)

var (
	// ErrKeyExchange wraps any failure of the record protocol.
	ErrKeyExchange = errors.New("nts: key exchange failed")
	// ErrNoAgreement means the server rejected or ignored the offered
	// protocol or AEAD algorithm.
	ErrNoAgreement = errors.New("nts: no agreement on protocol or algorithm")
)

// Record is one NTS-KE type-length-value record.
type Record struct {
	Type     uint16
	Critical bool
	Body     []byte
}

func (r Record) write(w io.Writer) error {
	typ := r.Type
	if r.Critical {
		typ |= criticalBit
	}
	var hdr [4]byte
	binary.BigEndian.PutUint16(hdr[0:2], typ)
	binary.BigEndian.PutUint16(hdr[2:4], uint16(len(r.Body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(r.Body)
	return err
}

func readRecord(r io.Reader) (Record, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Record{}, err
	}
	typ := binary.BigEndian.Uint16(hdr[0:2])
	length := binary.BigEndian.Uint16(hdr[2:4])

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Record{}, err
	}

	return Record{
		Type:     typ &^ criticalBit,
		Critical: typ&criticalBit != 0,
		Body:     body,
	}, nil
}

func uint16Body(v uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return b[:]
}

// clientRecords is the fixed request this client sends: NTPv4 as next
// protocol, AES-SIV-CMAC-256 as the AEAD, end of message.
func clientRecords() []Record {
	return []Record{
		{Type: recNextProtocol, Critical: true, Body: uint16Body(ProtocolNTPv4)},
		{Type: recAEADAlgorithm, Critical: true, Body: uint16Body(AEADAESSIVCMAC256)},
		{Type: recEndOfMessage, Critical: true},
	}
}

// ExportKeyingMaterial extracts keys from the TLS session that carried the
// exchange. tls.ConnectionState.ExportKeyingMaterial has this shape; the
// TLS handshake itself stays outside this package.
type ExportKeyingMaterial func(label string, context []byte, length int) ([]byte, error)

// KeyExchangeResult is everything an NTS association needs to start
// polling: the AEAD keys, the initial cookie supply, and where to send
// NTP packets (the KE server may redirect to a different host or port).
type KeyExchangeResult struct {
	Server  string
	Port    uint16
	Keys    Keys
	Cookies [][]byte
}

// Exchange drives the NTS-KE record protocol over an established,
// ALPN-negotiated TLS connection and exports the AEAD key pair from it.
// The records are written in a single flush; some servers close the
// connection on fragmented writes.
func Exchange(conn io.ReadWriter, export ExportKeyingMaterial) (*KeyExchangeResult, error) {
	var request bytes.Buffer
	for _, rec := range clientRecords() {
		if err := rec.write(&request); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrKeyExchange, err)
		}
	}
	if _, err := conn.Write(request.Bytes()); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyExchange, err)
	}

	result := &KeyExchangeResult{Port: 123}
	sawProtocol := false
	sawAEAD := false

	for {
		rec, err := readRecord(conn)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrKeyExchange, err)
		}

		switch rec.Type {
		case recEndOfMessage:
			if !sawProtocol || !sawAEAD {
				return nil, ErrNoAgreement
			}
			if len(result.Cookies) == 0 {
				return nil, fmt.Errorf("%w: server sent no cookies", ErrKeyExchange)
			}

			c2s, err := export(exportLabel, exportContext(0), exportKeySize)
			if err != nil {
				return nil, fmt.Errorf("%w: exporting c2s key: %w", ErrKeyExchange, err)
			}
			s2c, err := export(exportLabel, exportContext(1), exportKeySize)
			if err != nil {
				return nil, fmt.Errorf("%w: exporting s2c key: %w", ErrKeyExchange, err)
			}
			result.Keys = Keys{C2S: c2s, S2C: s2c}
			return result, nil

		case recError:
			code := uint16(0)
			if len(rec.Body) >= 2 {
				code = binary.BigEndian.Uint16(rec.Body)
			}
			return nil, fmt.Errorf("%w: server error record %d", ErrKeyExchange, code)

		case recWarning:
			// Warnings are critical per the RFC; an unknown warning code
			// must abort the exchange.
			return nil, fmt.Errorf("%w: server warning record", ErrKeyExchange)

		case recNextProtocol:
			if len(rec.Body) != 2 || binary.BigEndian.Uint16(rec.Body) != ProtocolNTPv4 {
				return nil, ErrNoAgreement
			}
			sawProtocol = true

		case recAEADAlgorithm:
			if len(rec.Body) != 2 || binary.BigEndian.Uint16(rec.Body) != AEADAESSIVCMAC256 {
				return nil, ErrNoAgreement
			}
			sawAEAD = true

		case recCookie:
			result.Cookies = append(result.Cookies, rec.Body)

		case recServer:
			result.Server = string(rec.Body)

		case recPort:
			if len(rec.Body) != 2 {
				return nil, fmt.Errorf("%w: malformed port record", ErrKeyExchange)
			}
			result.Port = binary.BigEndian.Uint16(rec.Body)

		default:
			if rec.Critical {
				return nil, fmt.Errorf("%w: unknown critical record %d", ErrKeyExchange, rec.Type)
			}
			// Unknown non-critical records are skipped.
		}
	}
}

// exportContext builds the RFC 8915 keying material context: protocol ID,
// AEAD ID, and the direction octet (0 = client to server).
func exportContext(direction byte) []byte {
	return []byte{
		byte(ProtocolNTPv4 >> 8), byte(ProtocolNTPv4),
		byte(AEADAESSIVCMAC256 >> 8), byte(AEADAESSIVCMAC256),
		direction,
	}
}
