// Package imap implements mailbox.Mailbox over an IMAP session for reading
// and SMTP submission for sending.
package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/rs/zerolog"

	"github.com/nhle/inboxd/internal/mailbox"
	"github.com/nhle/inboxd/internal/model"
)

const dialTimeout = 30 * time.Second

// Config holds the IMAP connection settings.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string

	// Security is one of model.SecurityTLS, SecurityStartTLS, SecurityNone.
	Security string

	// Mailbox is the mailbox synchronized, INBOX when empty.
	Mailbox string

	TLSConfig *tls.Config
}

func (c Config) addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c Config) mailboxName() string {
	if c.Mailbox == "" {
		return "INBOX"
	}
	return c.Mailbox
}

// Session is an explicitly owned IMAP session. It connects lazily on first
// use, reconnects after a dropped connection, and serializes commands so a
// single Session may be shared between goroutines. Close must be called to
// release the connection.
type Session struct {
	cfg    Config
	sender *Sender
	from   string
	log    zerolog.Logger

	mu     sync.Mutex
	client *imapclient.Client
}

var _ mailbox.Mailbox = (*Session)(nil)

// NewSession returns an unconnected session. Outgoing mail is submitted
// through sender with from as the envelope sender.
func NewSession(cfg Config, sender *Sender, from string, log zerolog.Logger) *Session {
	return &Session{
		cfg:    cfg,
		sender: sender,
		from:   from,
		log:    log.With().Str("backend", string(mailbox.BackendIMAP)).Logger(),
	}
}

// Opener opens IMAP sessions with fixed settings.
type Opener struct {
	Config Config
	Sender *Sender
	From   string
	Log    zerolog.Logger
}

// Open connects and authenticates a new Session.
func (o *Opener) Open(ctx context.Context) (mailbox.Mailbox, error) {
	s := NewSession(o.Config, o.Sender, o.From, o.Log)
	if err := s.Open(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Backend returns mailbox.BackendIMAP.
func (s *Session) Backend() mailbox.Backend {
	return mailbox.BackendIMAP
}

// Open connects and logs in if the session is not already connected.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectLocked(ctx)
}

// Close logs out and closes the connection. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		return nil
	}
	c := s.client
	s.client = nil

	if err := c.Logout().Wait(); err != nil {
		s.log.Debug().Err(err).Msg("imap logout failed")
	}
	return c.Close()
}

func (s *Session) connectLocked(ctx context.Context) error {
	if s.client != nil && s.client.State() != imap.ConnStateLogout {
		return nil
	}
	if s.client != nil {
		_ = s.client.Close()
		s.client = nil
	}

	addr := s.cfg.addr()
	client, err := dial(ctx, s.cfg)
	if err != nil {
		return fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}

	err = runWithContext(ctx, func() error {
		return client.Login(s.cfg.Username, s.cfg.Password).Wait()
	}, func() { _ = client.Close() })
	if err != nil {
		_ = client.Close()
		var imapErr *imap.Error
		if errors.As(err, &imapErr) {
			return &mailbox.AuthError{
				Backend: mailbox.BackendIMAP,
				Message: fmt.Sprintf("authentication failed for %s: %v", s.cfg.Username, imapErr),
				Err:     err,
			}
		}
		return fmt.Errorf("logging in to IMAP %s: %w", addr, err)
	}

	s.log.Debug().Str("addr", addr).Str("username", s.cfg.Username).Msg("imap session opened")
	s.client = client
	return nil
}

func dial(ctx context.Context, cfg Config) (*imapclient.Client, error) {
	tlsCfg := withServerName(cfg.TLSConfig, cfg.Host)
	opts := &imapclient.Options{TLSConfig: tlsCfg}

	switch cfg.Security {
	case model.SecurityNone:
		conn, err := dialConn(ctx, cfg.addr(), nil)
		if err != nil {
			return nil, err
		}
		return imapclient.New(conn, opts), nil
	case model.SecurityStartTLS:
		conn, err := dialConn(ctx, cfg.addr(), nil)
		if err != nil {
			return nil, err
		}
		var client *imapclient.Client
		err = greet(ctx, conn, func() error {
			var err error
			client, err = imapclient.NewStartTLS(conn, opts)
			return err
		})
		return client, err
	default:
		implicit := tlsCfg.Clone()
		if implicit.NextProtos == nil {
			implicit.NextProtos = []string{"imap"}
		}
		conn, err := dialConn(ctx, cfg.addr(), implicit)
		if err != nil {
			return nil, err
		}
		return imapclient.New(conn, opts), nil
	}
}

// withMailbox selects the configured mailbox and runs fn while holding the
// session lock. If ctx ends first the connection is dropped, fn is awaited,
// and the next call reconnects.
func (s *Session) withMailbox(
	ctx context.Context,
	fn func(c *imapclient.Client, sel *imap.SelectData) error,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.connectLocked(ctx); err != nil {
		return err
	}
	c := s.client
	name := s.cfg.mailboxName()

	err := runWithContext(ctx, func() error {
		sel, err := c.Select(name, nil).Wait()
		if err != nil {
			return fmt.Errorf("selecting %s: %w", name, err)
		}
		return fn(c, sel)
	}, func() { _ = c.Close() })

	if ctx.Err() != nil || c.State() == imap.ConnStateLogout {
		_ = c.Close()
		if s.client == c {
			s.client = nil
		}
	}
	return err
}

// runWithContext runs op and returns its error, or ctx.Err() if ctx ends
// first. On cancellation abort is called to unblock op, which is then
// awaited.
func runWithContext(ctx context.Context, op func() error, abort func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- op() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		abort()
		<-done
		return ctx.Err()
	}
}

// ListRecent fetches envelopes for the last limit sequence numbers and
// returns their handles newest first.
func (s *Session) ListRecent(ctx context.Context, limit int) ([]mailbox.Handle, error) {
	var handles []mailbox.Handle
	err := s.withMailbox(ctx, func(c *imapclient.Client, sel *imap.SelectData) error {
		total := sel.NumMessages
		if total == 0 {
			return nil
		}

		start := uint32(1)
		if limit > 0 && total > uint32(limit) {
			start = total - uint32(limit) + 1
		}

		var seqSet imap.SeqSet
		seqSet.AddRange(start, total)

		msgs, err := c.Fetch(seqSet, &imap.FetchOptions{
			Envelope: true,
			UID:      true,
		}).Collect()
		if err != nil {
			return fmt.Errorf("fetching envelopes %d:%d: %w", start, total, err)
		}

		sort.Slice(msgs, func(i, j int) bool {
			return msgs[i].SeqNum > msgs[j].SeqNum
		})

		handles = make([]mailbox.Handle, 0, len(msgs))
		for _, buf := range msgs {
			h := mailbox.Handle{ID: strconv.FormatUint(uint64(buf.UID), 10)}
			if buf.Envelope != nil {
				h.Identity = strings.Trim(buf.Envelope.MessageID, "<>")
			}
			handles = append(handles, h)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing recent messages: %w", err)
	}
	return handles, nil
}

// Fetch retrieves the full message for h without setting \Seen.
func (s *Session) Fetch(ctx context.Context, h mailbox.Handle) (*mailbox.Payload, error) {
	var payload *mailbox.Payload
	err := s.withMailbox(ctx, func(c *imapclient.Client, _ *imap.SelectData) error {
		uids, err := resolveUIDs(c, h)
		if err != nil {
			return err
		}
		if len(uids) == 0 {
			return fmt.Errorf("message %s not found", describe(h))
		}

		section := &imap.FetchItemBodySection{Peek: true}
		msgs, err := c.Fetch(imap.UIDSetNum(uids[0]), &imap.FetchOptions{
			UID:         true,
			BodySection: []*imap.FetchItemBodySection{section},
		}).Collect()
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			return fmt.Errorf("message UID %d not found", uids[0])
		}

		raw := msgs[0].FindBodySection(section)
		if raw == nil {
			return fmt.Errorf("message UID %d has no body", uids[0])
		}
		payload = &mailbox.Payload{Raw: raw}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetching message %s: %w", describe(h), err)
	}
	return payload, nil
}

// SetFlags maps FlagRead to \Seen and FlagStarred to \Flagged.
func (s *Session) SetFlags(ctx context.Context, h mailbox.Handle, add, remove []mailbox.Flag) error {
	err := s.withMailbox(ctx, func(c *imapclient.Client, _ *imap.SelectData) error {
		uids, err := targetUIDs(c, h)
		if err != nil {
			return err
		}
		if len(uids) == 0 {
			return fmt.Errorf("message %s not found", describe(h))
		}
		set := imap.UIDSetNum(uids...)

		if flags := imapFlags(add); len(flags) > 0 {
			if err := storeFlags(c, set, imap.StoreFlagsAdd, flags); err != nil {
				return err
			}
		}
		if flags := imapFlags(remove); len(flags) > 0 {
			if err := storeFlags(c, set, imap.StoreFlagsDel, flags); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("setting flags on %s: %w", describe(h), err)
	}
	return nil
}

// Trash marks the message \Deleted. A message that cannot be found is not
// an error.
func (s *Session) Trash(ctx context.Context, h mailbox.Handle) error {
	err := s.withMailbox(ctx, func(c *imapclient.Client, _ *imap.SelectData) error {
		uids, err := targetUIDs(c, h)
		if err != nil {
			return err
		}
		if len(uids) == 0 {
			return nil
		}
		return storeFlags(c, imap.UIDSetNum(uids...), imap.StoreFlagsAdd, []imap.Flag{imap.FlagDeleted})
	})
	if err != nil {
		return fmt.Errorf("trashing %s: %w", describe(h), err)
	}
	return nil
}

// Send renders msg and submits it over SMTP. It returns the generated
// Message-ID.
func (s *Session) Send(ctx context.Context, msg mailbox.Outgoing) (string, error) {
	if s.sender == nil {
		return "", errors.New("no SMTP sender configured")
	}
	if msg.From == "" {
		msg.From = s.from
	}

	id := mailbox.GenerateMessageID(msg.From)
	raw, err := mailbox.BuildEnvelope(msg, id, time.Now())
	if err != nil {
		return "", fmt.Errorf("building message: %w", err)
	}

	to, err := mailbox.Recipients(msg.To)
	if err != nil {
		return "", err
	}
	if err := s.sender.Submit(ctx, msg.From, to, raw); err != nil {
		return "", err
	}

	s.log.Info().Str("message_id", id).Int("recipients", len(to)).Msg("message submitted")
	return id, nil
}

// resolveUIDs returns the UID named by h.ID, or searches by Message-ID
// header when only the identity is known. Reads use it with handles from
// ListRecent on the same session, where the UID is current.
func resolveUIDs(c *imapclient.Client, h mailbox.Handle) ([]imap.UID, error) {
	if h.ID != "" {
		return parseUID(h.ID)
	}
	if h.Identity == "" {
		return nil, errors.New("handle has neither UID nor Message-ID")
	}
	return searchMessageID(c, h.Identity)
}

// targetUIDs selects the messages a flag change or trash applies to. A
// stored UID goes stale when UIDVALIDITY changes or the mailbox is
// recreated, so the Message-ID is searched whenever it is known and the
// UID is used only for messages without one.
func targetUIDs(c *imapclient.Client, h mailbox.Handle) ([]imap.UID, error) {
	if h.Identity != "" {
		return searchMessageID(c, h.Identity)
	}
	if h.ID == "" {
		return nil, errors.New("handle has neither UID nor Message-ID")
	}
	return parseUID(h.ID)
}

func parseUID(id string) ([]imap.UID, error) {
	uid, err := strconv.ParseUint(id, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid UID %q: %w", id, err)
	}
	return []imap.UID{imap.UID(uid)}, nil
}

func searchMessageID(c *imapclient.Client, messageID string) ([]imap.UID, error) {
	data, err := c.UIDSearch(&imap.SearchCriteria{
		Header: []imap.SearchCriteriaHeaderField{
			{Key: "Message-ID", Value: messageID},
		},
	}, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("searching Message-ID %s: %w", messageID, err)
	}
	return data.AllUIDs(), nil
}

func storeFlags(c *imapclient.Client, set imap.UIDSet, op imap.StoreFlagsOp, flags []imap.Flag) error {
	return c.Store(set, &imap.StoreFlags{
		Op:     op,
		Silent: true,
		Flags:  flags,
	}, nil).Close()
}

func imapFlags(flags []mailbox.Flag) []imap.Flag {
	var out []imap.Flag
	for _, f := range flags {
		switch f {
		case mailbox.FlagRead:
			out = append(out, imap.FlagSeen)
		case mailbox.FlagStarred:
			out = append(out, imap.FlagFlagged)
		}
	}
	return out
}

func describe(h mailbox.Handle) string {
	if h.Identity != "" {
		return "<" + h.Identity + ">"
	}
	return "UID " + h.ID
}
