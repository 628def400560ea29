package store

import (
	"context"
	"errors"

	"github.com/nhle/inboxd/internal/model"
)

var (
	// ErrNotFound is returned when no message matches the lookup.
	ErrNotFound = errors.New("message not found")

	// ErrDuplicate is returned by CreateMessage when the owner already has
	// a message with the same identity.
	ErrDuplicate = errors.New("message already exists")
)

// MessageFilter controls filtering and pagination for message queries.
// Results are ordered by ReceivedAt, newest first.
type MessageFilter struct {
	Owner string

	// Folder restricts to one storage folder when set.
	Folder *model.Folder

	// Starred restricts by the starred predicate when set.
	Starred *bool

	Limit  int
	Offset int
}

// Store defines the persistence interface for normalized messages.
type Store interface {
	// CreateMessage inserts msg, assigning ID and bookkeeping timestamps.
	// It returns ErrDuplicate when (Owner, Identity) already exists.
	CreateMessage(ctx context.Context, msg *model.Message) error

	// FindByIdentity returns the owner's message with the given identity.
	FindByIdentity(ctx context.Context, owner, identity string) (*model.Message, error)

	GetMessage(ctx context.Context, id string) (*model.Message, error)
	ListMessages(ctx context.Context, filter MessageFilter) ([]model.Message, error)
	CountMessages(ctx context.Context, filter MessageFilter) (int, error)

	// UpdateMessage applies patch and returns the updated message.
	UpdateMessage(ctx context.Context, id string, patch model.MessagePatch) (*model.Message, error)

	DeleteMessage(ctx context.Context, id string) error

	// Ping verifies the database is reachable.
	Ping(ctx context.Context) error
	Close() error
}
