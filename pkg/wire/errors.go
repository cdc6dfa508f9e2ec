package wire

import "errors"

var (
	// ErrTruncated means the buffer ended before a structure it promised.
	ErrTruncated = errors.New("wire: truncated packet")
	// ErrInvalidLength means a length field or padding is inconsistent
	// with the actual bytes on the wire.
	ErrInvalidLength = errors.New("wire: invalid length field")
	ErrInvalidVersion = errors.New("wire: unsupported protocol version")
	// ErrUnknownCriticalExtension means an extension field that may not be
	// skipped was not understood.
	ErrUnknownCriticalExtension = errors.New("wire: unknown critical extension field")
	// ErrMalformedAuthenticator covers structural problems with the NTS
	// authenticator field: bad nonce length, nested or repeated
	// authenticators, or data following it.
	ErrMalformedAuthenticator = errors.New("wire: malformed authenticator field")
	// ErrUnexpectedAuthenticator is returned when an authenticator is
	// present but no cipher was supplied to verify it.
	ErrUnexpectedAuthenticator = errors.New("wire: authenticator present without negotiated keys")
	// ErrDecrypt is returned when the authenticator's tag does not verify.
	ErrDecrypt = errors.New("wire: authenticator verification failed")
)
