// Package sync pulls recent remote messages into the local store.
package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/inboxd/internal/mailbox"
	"github.com/nhle/inboxd/internal/model"
	"github.com/nhle/inboxd/internal/normalize"
	"github.com/nhle/inboxd/internal/store"
)

// DefaultLimit is the number of recent remote messages examined when a run
// is given no limit.
const DefaultLimit = 50

// defaultFetchTimeout bounds a single remote fetch when Options leaves it unset.
const defaultFetchTimeout = 30 * time.Second

// ErrNoOwner is returned by Run when no account owner is given.
var ErrNoOwner = errors.New("sync owner must not be empty")

// Outcome classifies what a run did with one remote message.
type Outcome string

const (
	OutcomeNew       Outcome = "new"
	OutcomeExisting  Outcome = "existing"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeFailed    Outcome = "failed"
)

// ItemResult records the result for one remote handle.
type ItemResult struct {
	Handle   mailbox.Handle
	Identity string

	// MessageID is the local id of the created message, for OutcomeNew.
	MessageID string
	Outcome   Outcome
	Err       error
}

// Report summarizes a sync run.
type Report struct {
	New        int
	Existing   int
	Duplicates int
	Failed     int
	Items      []ItemResult
}

func (r *Report) add(item ItemResult) {
	switch item.Outcome {
	case OutcomeNew:
		r.New++
	case OutcomeExisting:
		r.Existing++
	case OutcomeDuplicate:
		r.Duplicates++
	case OutcomeFailed:
		r.Failed++
	}
	r.Items = append(r.Items, item)
}

// Options tunes a Syncer.
type Options struct {
	Limit        int
	FetchTimeout time.Duration

	// FetchRetries is how many extra attempts a fetch gets after its
	// deadline expires.
	FetchRetries int

	// Now supplies the fallback receive time for undated messages.
	Now func() time.Time
}

// Syncer runs inbound synchronization for one remote mailbox.
type Syncer struct {
	opener mailbox.Opener
	store  store.Store
	opts   Options
	log    zerolog.Logger
}

// NewSyncer creates a Syncer. Zero options take their defaults.
func NewSyncer(opener mailbox.Opener, s store.Store, opts Options, log zerolog.Logger) *Syncer {
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}
	if opts.FetchRetries < 0 {
		opts.FetchRetries = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Syncer{
		opener: opener,
		store:  s,
		opts:   opts,
		log:    log.With().Str("component", "sync").Logger(),
	}
}

// Run examines up to limit of the most recent remote messages for owner and
// stores the ones not seen before in the inbox folder. A limit of zero or
// less uses the configured default.
//
// Failing to open the mailbox or to list it aborts the run. Failures on a
// single message are recorded in the report and the run continues, except
// for authentication errors, which abort and are returned together with
// the partial report.
func (s *Syncer) Run(ctx context.Context, owner string, limit int) (*Report, error) {
	if owner == "" {
		return nil, ErrNoOwner
	}
	if limit <= 0 {
		limit = s.opts.Limit
	}
	log := s.log.With().Str("owner", owner).Logger()

	mb, err := s.opener.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening mailbox: %w", err)
	}
	defer func() {
		if err := mb.Close(); err != nil {
			log.Warn().Err(err).Msg("closing mailbox")
		}
	}()

	handles, err := mb.ListRecent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("listing recent messages: %w", err)
	}
	log.Debug().Int("handles", len(handles)).Str("backend", string(mb.Backend())).Msg("listed remote messages")

	report := &Report{}
	for _, h := range handles {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		item := s.syncOne(ctx, mb, owner, h)
		report.add(item)

		if item.Outcome == OutcomeFailed {
			log.Warn().Err(item.Err).Str("handle", h.ID).Str("identity", item.Identity).Msg("message not synced")
			if mailbox.IsAuthError(item.Err) {
				return report, fmt.Errorf("syncing message %s: %w", h.ID, item.Err)
			}
		}
	}

	log.Info().
		Int("new", report.New).
		Int("existing", report.Existing).
		Int("duplicates", report.Duplicates).
		Int("failed", report.Failed).
		Msg("sync finished")
	return report, nil
}

func (s *Syncer) syncOne(ctx context.Context, mb mailbox.Mailbox, owner string, h mailbox.Handle) ItemResult {
	item := ItemResult{Handle: h, Identity: h.Identity}
	fail := func(err error) ItemResult {
		item.Outcome = OutcomeFailed
		item.Err = err
		return item
	}

	if h.Identity != "" {
		found, err := s.exists(ctx, owner, h.Identity)
		if err != nil {
			return fail(err)
		}
		if found {
			item.Outcome = OutcomeExisting
			return item
		}
	}

	payload, err := s.fetch(ctx, mb, h)
	if err != nil {
		return fail(err)
	}

	draft, err := normalize.Parse(payload.Raw, s.opts.Now())
	if err != nil {
		return fail(fmt.Errorf("parsing message: %w", err))
	}

	identity := h.Identity
	if identity == "" {
		identity = draft.MessageID
	}
	if identity == "" {
		identity = normalize.Fingerprint(draft)
	}
	item.Identity = identity

	if identity != h.Identity {
		found, err := s.exists(ctx, owner, identity)
		if err != nil {
			return fail(err)
		}
		if found {
			item.Outcome = OutcomeExisting
			return item
		}
	}

	msg := &model.Message{
		Identity:       identity,
		Owner:          owner,
		RemoteID:       h.ID,
		Sender:         draft.Sender,
		Recipient:      draft.Recipient,
		Subject:        draft.Subject,
		PlainBody:      draft.PlainBody,
		HTMLBody:       draft.HTMLBody,
		Folder:         model.FolderInbox,
		HasAttachments: draft.HasAttachments,
		ReceivedAt:     draft.ReceivedAt,
	}
	if err := s.store.CreateMessage(ctx, msg); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			item.Outcome = OutcomeDuplicate
			return item
		}
		return fail(fmt.Errorf("storing message: %w", err))
	}

	item.MessageID = msg.ID
	item.Outcome = OutcomeNew
	return item
}

func (s *Syncer) exists(ctx context.Context, owner, identity string) (bool, error) {
	_, err := s.store.FindByIdentity(ctx, owner, identity)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, store.ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("checking identity %s: %w", identity, err)
	}
}

// fetch retrieves h under a per-call deadline, retrying when only that
// deadline expired.
func (s *Syncer) fetch(ctx context.Context, mb mailbox.Mailbox, h mailbox.Handle) (*mailbox.Payload, error) {
	var lastErr error
	for attempt := 0; attempt <= s.opts.FetchRetries; attempt++ {
		fetchCtx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
		payload, err := mb.Fetch(fetchCtx, h)
		cancel()
		if err == nil {
			return payload, nil
		}
		lastErr = err

		if !errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			break
		}
		s.log.Debug().Str("handle", h.ID).Int("attempt", attempt+1).Msg("fetch timed out")
	}
	return nil, fmt.Errorf("fetching message: %w", lastErr)
}
