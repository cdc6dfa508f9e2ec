package nts

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"
)

const dialTimeout = 10 * time.Second

// DialExchange connects to an NTS-KE server over TLS, runs the key
// exchange, and closes the connection. server may omit the port, in
// which case the well-known NTS-KE port is used. The returned result's
// Server field is always filled in, defaulting to the KE host when the
// server does not redirect.
func DialExchange(ctx context.Context, server string, cfg *tls.Config) (*KeyExchangeResult, error) {
	host, port, err := net.SplitHostPort(server)
	if err != nil {
		host = server
		port = strconv.Itoa(DefaultPort)
	}

	tlsConfig := cfg.Clone()
	if tlsConfig == nil {
		tlsConfig = &tls.Config{}
	}
	tlsConfig.NextProtos = []string{ALPN}
	tlsConfig.MinVersion = tls.VersionTLS13
	if tlsConfig.ServerName == "" {
		tlsConfig.ServerName = host
	}

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: dialTimeout},
		Config:    tlsConfig,
	}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyExchange, err)
	}
	defer conn.Close()

	tlsConn := conn.(*tls.Conn)
	if deadline, ok := ctx.Deadline(); ok {
		tlsConn.SetDeadline(deadline)
	} else {
		tlsConn.SetDeadline(time.Now().Add(dialTimeout))
	}

	state := tlsConn.ConnectionState()
	if state.NegotiatedProtocol != ALPN {
		return nil, fmt.Errorf("%w: server did not negotiate %q", ErrKeyExchange, ALPN)
	}

	result, err := Exchange(tlsConn, state.ExportKeyingMaterial)
	if err != nil {
		return nil, err
	}
	if result.Server == "" {
		result.Server = host
	}
	return result, nil
}
