package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/inboxd/internal/model"
)

const messageColumns = `id, identity, owner, remote_id, sender, recipient, subject,
	plain_body, html_body, folder, is_read, is_starred, has_attachments,
	received_at, created_at, updated_at`

// CreateMessage inserts a new message. Generates a UUID if ID is empty.
func (s *SQLStore) CreateMessage(ctx context.Context, msg *model.Message) error {
	if strings.TrimSpace(msg.Owner) == "" {
		return fmt.Errorf("message owner must not be empty")
	}
	if strings.TrimSpace(msg.Identity) == "" {
		return fmt.Errorf("message identity must not be empty")
	}
	if _, err := model.ParseFolder(string(msg.Folder)); err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	msg.CreatedAt = now
	msg.UpdatedAt = now
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = now
	}
	msg.ReceivedAt = msg.ReceivedAt.UTC()

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		msg.ID, msg.Identity, msg.Owner, msg.RemoteID,
		msg.Sender, msg.Recipient, msg.Subject,
		msg.PlainBody, msg.HTMLBody, string(msg.Folder),
		boolToInt(msg.IsRead), boolToInt(msg.IsStarred), boolToInt(msg.HasAttachments),
		msg.ReceivedAt, msg.CreatedAt, msg.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("creating message %s for %s: %w", msg.Identity, msg.Owner, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("creating message: %w", err)
	}
	return nil
}

// FindByIdentity retrieves the owner's message with the given identity.
func (s *SQLStore) FindByIdentity(ctx context.Context, owner, identity string) (*model.Message, error) {
	return s.getOne(ctx, "identity "+identity,
		"SELECT "+messageColumns+" FROM messages WHERE owner = ? AND identity = ?",
		owner, identity)
}

// GetMessage retrieves a single message by ID.
func (s *SQLStore) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	return s.getOne(ctx, id, "SELECT "+messageColumns+" FROM messages WHERE id = ?", id)
}

func (s *SQLStore) getOne(ctx context.Context, what, query string, args ...interface{}) (*model.Message, error) {
	var msg model.Message
	err := s.db.GetContext(ctx, &msg, s.db.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("getting message %s: %w", what, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting message %s: %w", what, err)
	}
	return &msg, nil
}

// ListMessages retrieves messages matching the filter, newest first.
func (s *SQLStore) ListMessages(ctx context.Context, filter MessageFilter) ([]model.Message, error) {
	where, args := filterClause(filter)

	query := "SELECT " + messageColumns + " FROM messages" + where +
		" ORDER BY received_at DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		if filter.Limit <= 0 && s.driver == DriverSQLite {
			query += " LIMIT -1"
		}
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	var msgs []model.Message
	if err := s.db.SelectContext(ctx, &msgs, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	return msgs, nil
}

// CountMessages returns the number of messages matching the filter,
// ignoring Limit and Offset.
func (s *SQLStore) CountMessages(ctx context.Context, filter MessageFilter) (int, error) {
	where, args := filterClause(filter)

	var count int
	err := s.db.GetContext(ctx, &count, s.db.Rebind("SELECT COUNT(*) FROM messages"+where), args...)
	if err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}
	return count, nil
}

func filterClause(filter MessageFilter) (string, []interface{}) {
	var conditions []string
	var args []interface{}

	if filter.Owner != "" {
		conditions = append(conditions, "owner = ?")
		args = append(args, filter.Owner)
	}
	if filter.Folder != nil {
		conditions = append(conditions, "folder = ?")
		args = append(args, string(*filter.Folder))
	}
	if filter.Starred != nil {
		conditions = append(conditions, "is_starred = ?")
		args = append(args, boolToInt(*filter.Starred))
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

// UpdateMessage applies the non-nil fields of patch.
func (s *SQLStore) UpdateMessage(ctx context.Context, id string, patch model.MessagePatch) (*model.Message, error) {
	sets := []string{"updated_at = ?"}
	args := []interface{}{time.Now().UTC()}

	if patch.IsRead != nil {
		sets = append(sets, "is_read = ?")
		args = append(args, boolToInt(*patch.IsRead))
	}
	if patch.IsStarred != nil {
		sets = append(sets, "is_starred = ?")
		args = append(args, boolToInt(*patch.IsStarred))
	}
	if patch.Folder != nil {
		if _, err := model.ParseFolder(string(*patch.Folder)); err != nil {
			return nil, err
		}
		sets = append(sets, "folder = ?")
		args = append(args, string(*patch.Folder))
	}
	args = append(args, id)

	result, err := s.db.ExecContext(ctx,
		s.db.Rebind("UPDATE messages SET "+strings.Join(sets, ", ")+" WHERE id = ?"), args...)
	if err != nil {
		return nil, fmt.Errorf("updating message %s: %w", id, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return nil, fmt.Errorf("updating message %s: %w", id, ErrNotFound)
	}

	return s.GetMessage(ctx, id)
}

// DeleteMessage removes a message by ID.
func (s *SQLStore) DeleteMessage(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind("DELETE FROM messages WHERE id = ?"), id)
	if err != nil {
		return fmt.Errorf("deleting message %s: %w", id, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("deleting message %s: %w", id, ErrNotFound)
	}
	return nil
}
