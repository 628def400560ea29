package imap

import (
	"context"
	"crypto/tls"
	"net"
)

// dialConn opens a TCP connection to addr, wrapped in TLS when tlsCfg is
// set. Both the dial and the TLS handshake stop when ctx ends or after
// dialTimeout.
func dialConn(ctx context.Context, addr string, tlsCfg *tls.Config) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	d := &net.Dialer{}
	if tlsCfg != nil {
		return (&tls.Dialer{NetDialer: d, Config: tlsCfg}).DialContext(ctx, "tcp", addr)
	}
	return d.DialContext(ctx, "tcp", addr)
}

// greet runs the blocking part of connection setup, such as a STARTTLS
// exchange, closing conn if ctx ends or dialTimeout passes first.
func greet(ctx context.Context, conn net.Conn, fn func() error) error {
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	if err := runWithContext(ctx, fn, func() { _ = conn.Close() }); err != nil {
		_ = conn.Close()
		return err
	}
	return nil
}

// withServerName returns cfg, or a copy naming host when it names none.
func withServerName(cfg *tls.Config, host string) *tls.Config {
	if cfg == nil {
		return &tls.Config{ServerName: host}
	}
	if cfg.ServerName != "" {
		return cfg
	}
	cfg = cfg.Clone()
	cfg.ServerName = host
	return cfg
}
