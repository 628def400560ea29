package model

import (
	"fmt"
	"time"
)

// Folder is the storage classification of a message.
type Folder string

// Storage folders. Starred is not among them: it is a filter over IsStarred
// layered on top of whatever folder the message is in.
const (
	FolderInbox  Folder = "inbox"
	FolderSent   Folder = "sent"
	FolderDrafts Folder = "drafts"
)

// StarredView is the name of the pseudo-folder listing starred messages.
const StarredView = "starred"

// Folders is the closed set of storage folders in display order.
var Folders = []Folder{FolderInbox, FolderSent, FolderDrafts}

// ParseFolder validates s against the closed folder set.
func ParseFolder(s string) (Folder, error) {
	for _, f := range Folders {
		if string(f) == s {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown folder %q", s)
}

// Message is the canonical normalized email record.
type Message struct {
	// ID is the store-assigned identifier.
	ID string `json:"id" db:"id"`

	// Identity is the dedup key: the transport message identifier
	// (RFC 822 Message-ID or the remote API's id), or a content
	// fingerprint when the message carries neither.
	Identity string `json:"messageId" db:"identity"`

	// Owner identifies the mailbox/account the message belongs to.
	Owner string `json:"userId" db:"owner"`

	// RemoteID is the backend-native handle (IMAP UID, Gmail id) used
	// for flag and trash operations against the remote mailbox.
	RemoteID string `json:"remoteId,omitempty" db:"remote_id"`

	Sender    string `json:"from" db:"sender"`
	Recipient string `json:"to" db:"recipient"`
	Subject   string `json:"subject" db:"subject"`
	PlainBody string `json:"body" db:"plain_body"`

	// HTMLBody is empty when the message has no HTML part.
	HTMLBody string `json:"htmlBody,omitempty" db:"html_body"`

	Folder         Folder `json:"folder" db:"folder"`
	IsRead         bool   `json:"isRead" db:"is_read"`
	IsStarred      bool   `json:"isStarred" db:"is_starred"`
	HasAttachments bool   `json:"hasAttachments" db:"has_attachments"`

	// ReceivedAt orders listings and drives pagination.
	ReceivedAt time.Time `json:"receivedAt" db:"received_at"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// MessagePatch holds the user-mutable fields of a message. Nil fields are
// left unchanged.
type MessagePatch struct {
	IsRead    *bool   `json:"isRead,omitempty"`
	IsStarred *bool   `json:"isStarred,omitempty"`
	Folder    *Folder `json:"folder,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p MessagePatch) Empty() bool {
	return p.IsRead == nil && p.IsStarred == nil && p.Folder == nil
}
