package imap

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/nhle/inboxd/internal/mailbox"
	"github.com/nhle/inboxd/internal/model"
)

// SMTPConfig holds the SMTP submission settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string

	// Security is one of model.SecurityTLS, SecurityStartTLS, SecurityNone.
	Security string

	TLSConfig *tls.Config
}

// Sender submits messages over SMTP, one connection per submission.
type Sender struct {
	cfg SMTPConfig
}

// NewSender returns a Sender for cfg.
func NewSender(cfg SMTPConfig) *Sender {
	return &Sender{cfg: cfg}
}

// Submit delivers raw to the recipients with from as the envelope sender.
func (s *Sender) Submit(ctx context.Context, from string, to []string, raw []byte) error {
	return s.session(ctx, func(c *smtp.Client) error {
		if err := c.SendMail(from, to, bytes.NewReader(raw)); err != nil {
			return fmt.Errorf("sending message: %w", err)
		}
		return nil
	})
}

// Verify connects and authenticates without sending anything.
func (s *Sender) Verify(ctx context.Context) error {
	return s.session(ctx, func(c *smtp.Client) error {
		return c.Noop()
	})
}

func (s *Sender) session(ctx context.Context, fn func(c *smtp.Client) error) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))

	c, err := s.dial(ctx, addr)
	if err != nil {
		return fmt.Errorf("connecting to SMTP %s: %w", addr, err)
	}
	defer c.Close()

	return runWithContext(ctx, func() error {
		if s.cfg.Password != "" {
			auth := sasl.NewPlainClient("", s.cfg.Username, s.cfg.Password)
			if err := c.Auth(auth); err != nil {
				return classifySMTPAuth(s.cfg.Username, err)
			}
		}
		if err := fn(c); err != nil {
			return err
		}
		return c.Quit()
	}, func() { _ = c.Close() })
}

func (s *Sender) dial(ctx context.Context, addr string) (*smtp.Client, error) {
	tlsCfg := withServerName(s.cfg.TLSConfig, s.cfg.Host)

	switch s.cfg.Security {
	case model.SecurityNone:
		conn, err := dialConn(ctx, addr, nil)
		if err != nil {
			return nil, err
		}
		return smtp.NewClient(conn), nil
	case model.SecurityTLS:
		conn, err := dialConn(ctx, addr, tlsCfg)
		if err != nil {
			return nil, err
		}
		return smtp.NewClient(conn), nil
	default:
		conn, err := dialConn(ctx, addr, nil)
		if err != nil {
			return nil, err
		}
		var c *smtp.Client
		err = greet(ctx, conn, func() error {
			var err error
			c, err = smtp.NewClientStartTLS(conn, tlsCfg)
			return err
		})
		return c, err
	}
}

// classifySMTPAuth turns 534/535 replies into a mailbox.AuthError.
func classifySMTPAuth(username string, err error) error {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) && (smtpErr.Code == 535 || smtpErr.Code == 534) {
		return &mailbox.AuthError{
			Backend: mailbox.BackendIMAP,
			Message: fmt.Sprintf("SMTP authentication failed for %s: %s", username, smtpErr.Message),
			Err:     err,
		}
	}
	return fmt.Errorf("SMTP authentication: %w", err)
}
