// Package gmail implements mailbox.Mailbox over the Gmail REST API.
package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/nhle/inboxd/internal/mailbox"
)

const (
	userID = "me"

	labelInbox   = "INBOX"
	labelUnread  = "UNREAD"
	labelStarred = "STARRED"

	// See https://developers.google.com/gmail/api/reference/quota
	quotaUnitsMessagesList   = 5
	quotaUnitsMessagesGet    = 5
	quotaUnitsMessagesSend   = 100
	quotaUnitsMessagesModify = 5
	quotaUnitsMessagesTrash  = 5
	quotaUnitsGetProfile     = 1

	defaultQuotaUnitsPerSecond = 200
	maxPageSize                = 500
	maxRateLimitRetries        = 3
	maxRateLimitBackoff        = 30 * time.Second
)

// ErrNotFound is returned when the API reports the message does not exist.
var ErrNotFound = errors.New("gmail message not found")

// Adapter talks to one Gmail account. It holds no connection state, so
// Close is a no-op and an Adapter is safe for concurrent use.
type Adapter struct {
	svc     *gmailapi.Service
	from    string
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker
	log     zerolog.Logger

	// backoff is the first wait after a 429 without Retry-After; it
	// doubles on each further attempt.
	backoff time.Duration
}

var _ mailbox.Mailbox = (*Adapter)(nil)

// Config holds adapter settings.
type Config struct {
	// From is the account address used on outgoing mail.
	From string

	// QuotaUnitsPerSecond bounds API usage; zero selects the default.
	QuotaUnitsPerSecond float64
}

// New creates an Adapter. Authentication and endpoint are supplied as
// client options, typically option.WithTokenSource.
func New(ctx context.Context, cfg Config, log zerolog.Logger, opts ...option.ClientOption) (*Adapter, error) {
	svc, err := gmailapi.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating gmail service: %w", err)
	}

	quota := cfg.QuotaUnitsPerSecond
	if quota <= 0 {
		quota = defaultQuotaUnitsPerSecond
	}

	log = log.With().Str("backend", string(mailbox.BackendGmail)).Logger()

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "gmail-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || isClientError(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	})

	return &Adapter{
		svc:     svc,
		from:    cfg.From,
		limiter: rate.NewLimiter(rate.Limit(quota*0.8), int(quota)),
		cb:      cb,
		log:     log,
		backoff: time.Second,
	}, nil
}

// Opener hands out one shared Adapter, so breaker and quota state carry
// over between sync runs, sends and health checks.
type Opener struct {
	Config Config
	Log    zerolog.Logger

	// TokenSource supplies bearer tokens. When nil, Options must carry
	// authentication.
	TokenSource oauth2.TokenSource
	Options     []option.ClientOption

	mu      sync.Mutex
	adapter *Adapter
}

// Open verifies the token source and returns the shared Adapter, creating
// it on first use.
func (o *Opener) Open(ctx context.Context) (mailbox.Mailbox, error) {
	if o.TokenSource != nil {
		if _, err := o.TokenSource.Token(); err != nil {
			return nil, classify("obtaining token", err)
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.adapter != nil {
		return o.adapter, nil
	}

	opts := append([]option.ClientOption(nil), o.Options...)
	if o.TokenSource != nil {
		opts = append(opts, option.WithTokenSource(o.TokenSource))
	}
	// The adapter outlives the call that created it.
	a, err := New(context.WithoutCancel(ctx), o.Config, o.Log, opts...)
	if err != nil {
		return nil, err
	}
	o.adapter = a
	return a, nil
}

// Backend returns mailbox.BackendGmail.
func (a *Adapter) Backend() mailbox.Backend {
	return mailbox.BackendGmail
}

// Close is a no-op.
func (a *Adapter) Close() error {
	return nil
}

// Verify checks that the credentials are accepted by fetching the profile.
func (a *Adapter) Verify(ctx context.Context) error {
	return a.call(ctx, "getting profile", quotaUnitsGetProfile, func() error {
		_, err := a.svc.Users.GetProfile(userID).Context(ctx).Do()
		return err
	})
}

// ListRecent pages through INBOX, newest first, until limit ids are seen.
func (a *Adapter) ListRecent(ctx context.Context, limit int) ([]mailbox.Handle, error) {
	var handles []mailbox.Handle
	pageToken := ""

	for {
		pageSize := int64(maxPageSize)
		if remaining := limit - len(handles); limit > 0 && remaining < maxPageSize {
			pageSize = int64(remaining)
		}

		req := a.svc.Users.Messages.List(userID).LabelIds(labelInbox).MaxResults(pageSize).Context(ctx)
		if pageToken != "" {
			req = req.PageToken(pageToken)
		}

		var resp *gmailapi.ListMessagesResponse
		err := a.call(ctx, "listing messages", quotaUnitsMessagesList, func() error {
			var err error
			resp, err = req.Do()
			return err
		})
		if err != nil {
			return nil, err
		}

		for _, m := range resp.Messages {
			handles = append(handles, mailbox.Handle{ID: m.Id, Identity: m.Id})
			if limit > 0 && len(handles) >= limit {
				return handles, nil
			}
		}

		if resp.NextPageToken == "" {
			return handles, nil
		}
		pageToken = resp.NextPageToken
	}
}

// Fetch downloads the message in raw format.
func (a *Adapter) Fetch(ctx context.Context, h mailbox.Handle) (*mailbox.Payload, error) {
	id, err := a.resolveID(ctx, h)
	if err != nil {
		return nil, err
	}

	var msg *gmailapi.Message
	err = a.call(ctx, "getting message "+id, quotaUnitsMessagesGet, func() error {
		var err error
		msg, err = a.svc.Users.Messages.Get(userID, id).Format("raw").Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}

	raw, err := decodeRaw(msg.Raw)
	if err != nil {
		return nil, fmt.Errorf("decoding message %s: %w", id, err)
	}
	return &mailbox.Payload{Raw: raw}, nil
}

// Send submits msg and returns the Gmail message id.
func (a *Adapter) Send(ctx context.Context, msg mailbox.Outgoing) (string, error) {
	if msg.From == "" {
		msg.From = a.from
	}

	raw, err := mailbox.BuildEnvelope(msg, mailbox.GenerateMessageID(msg.From), time.Now())
	if err != nil {
		return "", fmt.Errorf("building message: %w", err)
	}

	var sent *gmailapi.Message
	err = a.call(ctx, "sending message", quotaUnitsMessagesSend, func() error {
		var err error
		sent, err = a.svc.Users.Messages.Send(userID, &gmailapi.Message{
			Raw: base64.RawURLEncoding.EncodeToString(raw),
		}).Context(ctx).Do()
		return err
	})
	if err != nil {
		return "", err
	}

	a.log.Info().Str("gmail_id", sent.Id).Msg("message sent")
	return sent.Id, nil
}

// SetFlags maps FlagRead to the absence of UNREAD and FlagStarred to STARRED.
func (a *Adapter) SetFlags(ctx context.Context, h mailbox.Handle, add, remove []mailbox.Flag) error {
	req := &gmailapi.ModifyMessageRequest{}
	for _, f := range add {
		switch f {
		case mailbox.FlagRead:
			req.RemoveLabelIds = append(req.RemoveLabelIds, labelUnread)
		case mailbox.FlagStarred:
			req.AddLabelIds = append(req.AddLabelIds, labelStarred)
		}
	}
	for _, f := range remove {
		switch f {
		case mailbox.FlagRead:
			req.AddLabelIds = append(req.AddLabelIds, labelUnread)
		case mailbox.FlagStarred:
			req.RemoveLabelIds = append(req.RemoveLabelIds, labelStarred)
		}
	}
	if len(req.AddLabelIds) == 0 && len(req.RemoveLabelIds) == 0 {
		return nil
	}

	id, err := a.resolveID(ctx, h)
	if err != nil {
		return err
	}

	return a.call(ctx, "modifying message "+id, quotaUnitsMessagesModify, func() error {
		_, err := a.svc.Users.Messages.Modify(userID, id, req).Context(ctx).Do()
		return err
	})
}

// Trash moves the message to the Gmail trash.
func (a *Adapter) Trash(ctx context.Context, h mailbox.Handle) error {
	id, err := a.resolveID(ctx, h)
	if err != nil {
		return err
	}

	return a.call(ctx, "trashing message "+id, quotaUnitsMessagesTrash, func() error {
		_, err := a.svc.Users.Messages.Trash(userID, id).Context(ctx).Do()
		return err
	})
}

// resolveID returns h.ID, or looks the message up by its RFC 822
// Message-ID when only the identity is known.
func (a *Adapter) resolveID(ctx context.Context, h mailbox.Handle) (string, error) {
	if h.ID != "" {
		return h.ID, nil
	}
	if h.Identity == "" {
		return "", errors.New("handle has neither id nor Message-ID")
	}

	var resp *gmailapi.ListMessagesResponse
	err := a.call(ctx, "searching Message-ID "+h.Identity, quotaUnitsMessagesList, func() error {
		var err error
		resp, err = a.svc.Users.Messages.List(userID).Q("rfc822msgid:" + h.Identity).MaxResults(1).Context(ctx).Do()
		return err
	})
	if err != nil {
		return "", err
	}
	if len(resp.Messages) == 0 {
		return "", fmt.Errorf("message <%s>: %w", h.Identity, ErrNotFound)
	}
	return resp.Messages[0].Id, nil
}

// call waits for quota, runs fn through the circuit breaker, retries
// rate-limited responses, and classifies the resulting error.
func (a *Adapter) call(ctx context.Context, op string, units int, fn func() error) error {
	for attempt := 0; ; attempt++ {
		if err := a.limiter.WaitN(ctx, units); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}

		_, err := a.cb.Execute(func() (interface{}, error) {
			return nil, fn()
		})
		if err == nil {
			return nil
		}

		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusTooManyRequests && attempt < maxRateLimitRetries {
			wait := retryAfter(apiErr.Header, attempt, a.backoff)
			a.log.Debug().Str("op", op).Int("attempt", attempt+1).Dur("wait", wait).Msg("rate limited, retrying")

			select {
			case <-ctx.Done():
				return fmt.Errorf("%s: %w", op, ctx.Err())
			case <-time.After(wait):
				continue
			}
		}
		return classify(op, err)
	}
}

// retryAfter reads the Retry-After header in seconds and falls back to
// exponential backoff from base, capped at maxRateLimitBackoff.
func retryAfter(header http.Header, attempt int, base time.Duration) time.Duration {
	if v := header.Get("Retry-After"); v != "" {
		if seconds, err := strconv.Atoi(v); err == nil && seconds >= 0 {
			return min(time.Duration(seconds)*time.Second, maxRateLimitBackoff)
		}
	}
	return min(base<<uint(attempt), maxRateLimitBackoff)
}

// classify maps API and token errors onto mailbox errors.
func classify(op string, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return &mailbox.AuthError{
			Backend: mailbox.BackendGmail,
			Message: fmt.Sprintf("%s: token refresh failed: %v", op, retrieveErr),
			Err:     err,
		}
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusUnauthorized:
			return &mailbox.AuthError{
				Backend: mailbox.BackendGmail,
				Message: fmt.Sprintf("%s: %s", op, apiErr.Message),
				Err:     err,
			}
		case http.StatusNotFound:
			return fmt.Errorf("%s: %w", op, ErrNotFound)
		}
	}

	return fmt.Errorf("%s: %w", op, err)
}

// isClientError reports whether err is a caller-side failure that says
// nothing about the health of the API.
func isClientError(err error) bool {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return true
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code >= 400 && apiErr.Code < 500 && apiErr.Code != http.StatusTooManyRequests
	}
	return errors.Is(err, context.Canceled)
}

// decodeRaw decodes a base64url message body, with or without padding.
func decodeRaw(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}
