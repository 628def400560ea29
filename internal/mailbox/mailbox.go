// Package mailbox defines the contract between the sync pipeline and a
// remote mail account, independent of the transport used to reach it.
package mailbox

import (
	"context"
	"errors"
	"fmt"
)

// Backend identifies the kind of remote mailbox integration.
type Backend string

const (
	BackendIMAP  Backend = "imap"
	BackendGmail Backend = "gmail"
)

// AuthError indicates that credentials were rejected or have expired.
// Every adapter operation returns it for login failures, SMTP 535
// responses, HTTP 401 responses and failed token refreshes.
type AuthError struct {
	Backend Backend
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s): %s", e.Backend, e.Message)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// Flag is a backend-neutral message flag.
type Flag string

const (
	FlagRead    Flag = "read"
	FlagStarred Flag = "starred"
)

// Handle references one remote message.
type Handle struct {
	// ID is the backend-native handle: an IMAP UID or a Gmail message id.
	ID string

	// Identity is the transport message identity when the listing already
	// knows it. IMAP fills it from the envelope Message-ID; Gmail uses the
	// message id itself.
	Identity string
}

// Payload is the raw RFC 822 content of a fetched message.
type Payload struct {
	Raw []byte
}

// Outgoing is a message to submit. HTML falls back to Text when empty.
type Outgoing struct {
	From    string
	To      string
	Subject string
	Text    string
	HTML    string
}

// Body returns the content placed in the envelope body.
func (o Outgoing) Body() string {
	if o.HTML != "" {
		return o.HTML
	}
	return o.Text
}

// Mailbox is an acquired remote mailbox. Implementations are not safe for
// concurrent use unless documented otherwise.
type Mailbox interface {
	// Backend returns the backend identifier.
	Backend() Backend

	// ListRecent returns up to limit handles of the most recent INBOX
	// messages, most recent first.
	ListRecent(ctx context.Context, limit int) ([]Handle, error)

	// Fetch returns the raw RFC 822 content for h.
	Fetch(ctx context.Context, h Handle) (*Payload, error)

	// Send submits msg and returns the identity assigned to it.
	Send(ctx context.Context, msg Outgoing) (string, error)

	// SetFlags adds and removes flags on the remote message.
	SetFlags(ctx context.Context, h Handle, add, remove []Flag) error

	// Trash moves the remote message to trash or marks it deleted.
	Trash(ctx context.Context, h Handle) error

	// Close releases any connection held by the mailbox.
	Close() error
}

// Opener acquires a Mailbox bound to the configured credentials.
type Opener interface {
	Open(ctx context.Context) (Mailbox, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(ctx context.Context) (Mailbox, error)

// Open calls f(ctx).
func (f OpenerFunc) Open(ctx context.Context) (Mailbox, error) {
	return f(ctx)
}
