package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/nhle/inboxd/internal/mailbox"
)

// RawMessage builds a minimal RFC 822 message. An empty messageID omits the
// Message-ID header.
func RawMessage(from, subject, messageID, body string) []byte {
	lines := []string{
		"From: " + from,
		"To: me@example.com",
		"Subject: " + subject,
		"Date: Mon, 10 Feb 2026 08:00:00 +0000",
	}
	if messageID != "" {
		lines = append(lines, "Message-Id: <"+messageID+">")
	}
	lines = append(lines, "Content-Type: text/plain; charset=utf-8", "", body)
	return []byte(strings.Join(lines, "\r\n"))
}

// FakeMessage is one remote message held by a FakeMailbox.
type FakeMessage struct {
	Handle mailbox.Handle
	Raw    []byte
}

// FlagCall records a SetFlags invocation.
type FlagCall struct {
	Handle mailbox.Handle
	Add    []mailbox.Flag
	Remove []mailbox.Flag
}

// FakeMailbox is an in-memory mailbox.Mailbox. Messages are listed in slice
// order, which callers treat as most recent first.
type FakeMailbox struct {
	mu sync.Mutex

	BackendName mailbox.Backend
	Messages    []FakeMessage

	// OpenErr, ListErr, SendErr, FlagErr and TrashErr are returned by the
	// matching operation when set.
	OpenErr  error
	ListErr  error
	SendErr  error
	FlagErr  error
	TrashErr error

	// FetchErrs queues errors per handle id; each Fetch consumes one.
	FetchErrs map[string][]error

	Sent    []mailbox.Outgoing
	Flags   []FlagCall
	Trashed []mailbox.Handle
	Fetches map[string]int
	Opens   int
	Closes  int
}

// NewFakeMailbox creates an empty FakeMailbox.
func NewFakeMailbox() *FakeMailbox {
	return &FakeMailbox{
		BackendName: mailbox.BackendIMAP,
		FetchErrs:   make(map[string][]error),
		Fetches:     make(map[string]int),
	}
}

// Add appends a message with the given handle id and identity.
func (f *FakeMailbox) Add(id, identity string, raw []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Messages = append(f.Messages, FakeMessage{
		Handle: mailbox.Handle{ID: id, Identity: identity},
		Raw:    raw,
	})
}

// Opener returns an Opener handing out f.
func (f *FakeMailbox) Opener() mailbox.Opener {
	return mailbox.OpenerFunc(func(ctx context.Context) (mailbox.Mailbox, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.Opens++
		if f.OpenErr != nil {
			return nil, f.OpenErr
		}
		return f, nil
	})
}

func (f *FakeMailbox) Backend() mailbox.Backend { return f.BackendName }

func (f *FakeMailbox) ListRecent(ctx context.Context, limit int) ([]mailbox.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ListErr != nil {
		return nil, f.ListErr
	}

	var handles []mailbox.Handle
	for _, m := range f.Messages {
		if limit > 0 && len(handles) >= limit {
			break
		}
		handles = append(handles, m.Handle)
	}
	return handles, nil
}

func (f *FakeMailbox) Fetch(ctx context.Context, h mailbox.Handle) (*mailbox.Payload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Fetches[h.ID]++

	if queued := f.FetchErrs[h.ID]; len(queued) > 0 {
		f.FetchErrs[h.ID] = queued[1:]
		if queued[0] != nil {
			return nil, queued[0]
		}
	}
	for _, m := range f.Messages {
		if m.Handle.ID == h.ID {
			return &mailbox.Payload{Raw: m.Raw}, nil
		}
	}
	return nil, fmt.Errorf("message %s not found", h.ID)
}

func (f *FakeMailbox) Send(ctx context.Context, msg mailbox.Outgoing) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return "", f.SendErr
	}
	f.Sent = append(f.Sent, msg)
	return fmt.Sprintf("sent-%d@example.com", len(f.Sent)), nil
}

func (f *FakeMailbox) SetFlags(ctx context.Context, h mailbox.Handle, add, remove []mailbox.Flag) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FlagErr != nil {
		return f.FlagErr
	}
	f.Flags = append(f.Flags, FlagCall{Handle: h, Add: add, Remove: remove})
	return nil
}

func (f *FakeMailbox) Trash(ctx context.Context, h mailbox.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.TrashErr != nil {
		return f.TrashErr
	}
	f.Trashed = append(f.Trashed, h)
	return nil
}

func (f *FakeMailbox) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closes++
	return nil
}
