// Package inbox implements the mailbox operations exposed to clients:
// sending, browsing and editing stored messages, and triggering sync.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/nhle/inboxd/internal/mailbox"
	"github.com/nhle/inboxd/internal/model"
	"github.com/nhle/inboxd/internal/normalize"
	"github.com/nhle/inboxd/internal/store"
	appsync "github.com/nhle/inboxd/internal/sync"
)

const (
	// DefaultPageSize is used when a listing does not specify a limit.
	DefaultPageSize = 50

	// MaxPageSize caps the page size a client may request.
	MaxPageSize = 500
)

// ValidationError reports a request that cannot be served as given.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// IsValidationError reports whether err (or any error in its chain) is a
// ValidationError.
func IsValidationError(err error) bool {
	var vErr *ValidationError
	return errors.As(err, &vErr)
}

// SyncRunner runs inbound synchronization. *sync.Syncer and *sync.Poller
// implement it.
type SyncRunner interface {
	Run(ctx context.Context, owner string, limit int) (*appsync.Report, error)
}

// Verifier checks that the remote account accepts the configured
// credentials without changing anything.
type Verifier interface {
	Verify(ctx context.Context) error
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(ctx context.Context) error

// Verify calls f(ctx).
func (f VerifierFunc) Verify(ctx context.Context) error {
	return f(ctx)
}

// Scheduler reports sync status and accepts requests for a background run.
// *sync.Poller implements it.
type Scheduler interface {
	Status() appsync.Status
	Trigger()
}

// Config identifies the account served.
type Config struct {
	// Owner scopes every stored message.
	Owner string

	// Address is the From of sent messages.
	Address string
	Backend string
}

// Deps holds the collaborators of a Service. Verifier and Poller are
// optional.
type Deps struct {
	Store    store.Store
	Opener   mailbox.Opener
	Syncer   SyncRunner
	Verifier Verifier
	Poller   Scheduler
	Log      zerolog.Logger
}

// Service implements the client-facing mailbox operations.
type Service struct {
	cfg      Config
	store    store.Store
	opener   mailbox.Opener
	syncer   SyncRunner
	verifier Verifier
	poller   Scheduler
	log      zerolog.Logger
	now      func() time.Time
}

// New creates a Service.
func New(cfg Config, deps Deps) *Service {
	return &Service{
		cfg:      cfg,
		store:    deps.Store,
		opener:   deps.Opener,
		syncer:   deps.Syncer,
		verifier: deps.Verifier,
		poller:   deps.Poller,
		log:      deps.Log.With().Str("component", "inbox").Logger(),
		now:      time.Now,
	}
}

// Sync pulls up to limit recent remote messages into the inbox.
func (s *Service) Sync(ctx context.Context, limit int) (*appsync.Report, error) {
	return s.syncer.Run(ctx, s.cfg.Owner, limit)
}

// TriggerSync asks the scheduler for a background run and returns without
// waiting for it.
func (s *Service) TriggerSync() error {
	if s.poller == nil {
		return &ValidationError{Message: "background sync is not available"}
	}
	s.poller.Trigger()
	return nil
}

// SendRequest is an outgoing message as submitted by a client.
type SendRequest struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text,omitempty"`
	HTML    string `json:"html,omitempty"`
}

// Send submits req through the remote mailbox and records it in the sent
// folder, already read.
func (s *Service) Send(ctx context.Context, req SendRequest) (*model.Message, error) {
	req.To = strings.TrimSpace(req.To)
	req.Subject = strings.TrimSpace(req.Subject)
	if req.To == "" || req.Subject == "" {
		return nil, &ValidationError{Message: "missing required fields"}
	}
	if _, err := mailbox.Recipients(req.To); err != nil {
		return nil, &ValidationError{Field: "to", Message: err.Error()}
	}

	mb, err := s.opener.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening mailbox: %w", err)
	}
	defer s.closeMailbox(mb)

	id, err := mb.Send(ctx, mailbox.Outgoing{
		From:    s.cfg.Address,
		To:      req.To,
		Subject: req.Subject,
		Text:    req.Text,
		HTML:    req.HTML,
	})
	if err != nil {
		return nil, fmt.Errorf("sending message: %w", err)
	}

	msg := &model.Message{
		Identity:   id,
		Owner:      s.cfg.Owner,
		Sender:     s.cfg.Address,
		Recipient:  req.To,
		Subject:    req.Subject,
		PlainBody:  req.Text,
		HTMLBody:   req.HTML,
		Folder:     model.FolderSent,
		IsRead:     true,
		ReceivedAt: s.now(),
	}
	if mb.Backend() == mailbox.BackendGmail {
		msg.RemoteID = id
	}

	if err := s.store.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("recording sent message %s: %w", id, err)
	}
	return msg, nil
}

// Get returns the stored message with the given id.
func (s *Service) Get(ctx context.Context, id string) (*model.Message, error) {
	return s.store.GetMessage(ctx, id)
}

// ListQuery selects a page of one folder. Folder may name a storage
// folder or the starred view; empty means the inbox.
type ListQuery struct {
	Folder string
	Page   int
	Limit  int
}

// Page is one page of a listing.
type Page struct {
	Messages []model.Message `json:"emails"`
	Page     int             `json:"page"`
	Limit    int             `json:"limit"`
	Total    int             `json:"total"`
	Pages    int             `json:"pages"`
}

// List returns the page of messages selected by q, newest first.
func (s *Service) List(ctx context.Context, q ListQuery) (*Page, error) {
	filter, err := s.folderFilter(q.Folder)
	if err != nil {
		return nil, err
	}

	if q.Page < 1 {
		q.Page = 1
	}
	switch {
	case q.Limit <= 0:
		q.Limit = DefaultPageSize
	case q.Limit > MaxPageSize:
		q.Limit = MaxPageSize
	}

	total, err := s.store.CountMessages(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("counting messages: %w", err)
	}

	filter.Limit = q.Limit
	filter.Offset = (q.Page - 1) * q.Limit
	msgs, err := s.store.ListMessages(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	if msgs == nil {
		msgs = []model.Message{}
	}

	return &Page{
		Messages: msgs,
		Page:     q.Page,
		Limit:    q.Limit,
		Total:    total,
		Pages:    (total + q.Limit - 1) / q.Limit,
	}, nil
}

func (s *Service) folderFilter(name string) (store.MessageFilter, error) {
	filter := store.MessageFilter{Owner: s.cfg.Owner}
	switch name {
	case "":
		inbox := model.FolderInbox
		filter.Folder = &inbox
	case model.StarredView:
		starred := true
		filter.Starred = &starred
	default:
		folder, err := model.ParseFolder(name)
		if err != nil {
			return filter, &ValidationError{Field: "folder", Message: err.Error()}
		}
		filter.Folder = &folder
	}
	return filter, nil
}

// Update applies patch to the stored message. It does not touch the remote
// mailbox; see PushFlags.
func (s *Service) Update(ctx context.Context, id string, patch model.MessagePatch) (*model.Message, error) {
	if patch.Empty() {
		return nil, &ValidationError{Message: "nothing to update"}
	}
	if patch.Folder != nil {
		if _, err := model.ParseFolder(string(*patch.Folder)); err != nil {
			return nil, &ValidationError{Field: "folder", Message: err.Error()}
		}
	}
	return s.store.UpdateMessage(ctx, id, patch)
}

// Delete removes the stored message, then moves the remote copy to trash.
// Remote failures are logged and do not fail the delete.
func (s *Service) Delete(ctx context.Context, id string) error {
	msg, err := s.store.GetMessage(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteMessage(ctx, id); err != nil {
		return err
	}

	h, ok := remoteHandle(msg)
	if !ok {
		return nil
	}
	log := s.log.With().Str("id", id).Str("identity", msg.Identity).Logger()

	mb, err := s.opener.Open(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("remote trash skipped")
		return nil
	}
	defer s.closeMailbox(mb)

	if err := mb.Trash(ctx, h); err != nil {
		log.Warn().Err(err).Msg("remote trash failed")
	}
	return nil
}

// PushFlags copies the stored read and starred state of a message to the
// remote mailbox.
func (s *Service) PushFlags(ctx context.Context, id string) (*model.Message, error) {
	msg, err := s.store.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	h, ok := remoteHandle(msg)
	if !ok {
		return nil, &ValidationError{Message: "message has no remote counterpart"}
	}

	add, remove := flagDelta(msg)

	mb, err := s.opener.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening mailbox: %w", err)
	}
	defer s.closeMailbox(mb)

	if err := mb.SetFlags(ctx, h, add, remove); err != nil {
		return nil, fmt.Errorf("pushing flags for %s: %w", id, err)
	}
	return msg, nil
}

// FolderCount is the number of messages in one folder or view.
type FolderCount struct {
	Name  string `json:"name"`
	Label string `json:"label"`
	Count int    `json:"count"`
}

// FolderCounts returns counts for every storage folder and the starred view.
func (s *Service) FolderCounts(ctx context.Context) ([]FolderCount, error) {
	names := make([]string, 0, len(model.Folders)+1)
	for _, f := range model.Folders {
		names = append(names, string(f))
	}
	names = append(names, model.StarredView)

	counts := make([]FolderCount, len(names))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			filter, err := s.folderFilter(name)
			if err != nil {
				return err
			}
			n, err := s.store.CountMessages(gctx, filter)
			if err != nil {
				return fmt.Errorf("counting %s: %w", name, err)
			}
			counts[i] = FolderCount{Name: name, Label: label(name), Count: n}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return counts, nil
}

// Status values reported by Health.
const (
	StatusOK      = "ok"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// ComponentHealth is the status of one dependency.
type ComponentHealth struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Health is a configuration and connectivity report.
type Health struct {
	Timestamp  time.Time       `json:"timestamp"`
	Backend    string          `json:"backend"`
	AccountSet bool            `json:"accountConfigured"`
	Store      ComponentHealth `json:"store"`
	Remote     ComponentHealth `json:"remote"`
	Sync       *appsync.Status `json:"sync,omitempty"`
}

// OK reports whether every checked component is healthy.
func (h *Health) OK() bool {
	return h.Store.Status == StatusOK && h.Remote.Status != StatusFailed
}

// Health checks the store and, when a Verifier is configured, the remote
// credentials.
func (s *Service) Health(ctx context.Context) *Health {
	h := &Health{
		Timestamp:  s.now().UTC(),
		Backend:    s.cfg.Backend,
		AccountSet: s.cfg.Address != "",
		Store:      check(ctx, s.store.Ping),
		Remote:     ComponentHealth{Status: StatusSkipped},
	}
	if s.verifier != nil {
		h.Remote = check(ctx, s.verifier.Verify)
	}
	if s.poller != nil {
		st := s.poller.Status()
		h.Sync = &st
	}
	return h
}

func check(ctx context.Context, fn func(context.Context) error) ComponentHealth {
	if err := fn(ctx); err != nil {
		return ComponentHealth{Status: StatusFailed, Error: err.Error()}
	}
	return ComponentHealth{Status: StatusOK}
}

func (s *Service) closeMailbox(mb mailbox.Mailbox) {
	if err := mb.Close(); err != nil {
		s.log.Warn().Err(err).Msg("closing mailbox")
	}
}

// remoteHandle addresses the remote copy of msg. Fingerprint identities
// cannot be searched for, so without a remote id there is nothing to address.
func remoteHandle(msg *model.Message) (mailbox.Handle, bool) {
	h := mailbox.Handle{ID: msg.RemoteID}
	if !normalize.IsFingerprint(msg.Identity) {
		h.Identity = msg.Identity
	}
	return h, h.ID != "" || h.Identity != ""
}

// flagDelta splits the stored flag state into flags to set and to clear.
func flagDelta(msg *model.Message) (add, remove []mailbox.Flag) {
	for _, f := range []struct {
		flag mailbox.Flag
		set  bool
	}{
		{mailbox.FlagRead, msg.IsRead},
		{mailbox.FlagStarred, msg.IsStarred},
	} {
		if f.set {
			add = append(add, f.flag)
		} else {
			remove = append(remove, f.flag)
		}
	}
	return add, remove
}

func label(name string) string {
	if name == "" {
		return ""
	}
	return strings.ToUpper(name[:1]) + name[1:]
}
