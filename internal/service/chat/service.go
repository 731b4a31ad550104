package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jmoiron/sqlx"

	"blockquery/internal/models"
)

// ErrNotFound reports that no chat matched the lookup. For owner-scoped
// lookups an existing chat owned by someone else is indistinguishable from a
// missing one.
var ErrNotFound = errors.New("chat not found")

// ErrForbidden reports that the chat exists but belongs to another identity.
// Only DeleteChat distinguishes this case.
var ErrForbidden = errors.New("chat owned by another user")

// titleLimit caps titles derived from the first question.
const titleLimit = 40

// IncomingMessage is the caller-supplied content for one message to persist.
type IncomingMessage struct {
	Content   string `json:"content"`
	ModelUsed string `json:"modelUsed"`
}

// Service is the persistence gateway for chats and their messages.
type Service struct {
	db *sqlx.DB
}

// NewService builds a chat service on the given database.
func NewService(db *sqlx.DB) *Service {
	return &Service{db: db}
}

// CreateChat inserts a chat owned by the identity together with its first USER
// message and one BOT message per answer, all in a single transaction. No
// chat-without-messages state is ever visible to readers.
func (s *Service) CreateChat(ctx context.Context, owner, title, firstMessage, firstModel string, answers []IncomingMessage) (*models.Chat, error) {
	if owner == "" {
		return nil, errors.New("owner identity is required")
	}
	firstMessage = strings.TrimSpace(firstMessage)
	if firstMessage == "" {
		return nil, errors.New("first message is required")
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = deriveTitle(firstMessage)
	}
	if firstModel == "" {
		firstModel = models.ModelUnknown
	}

	now := time.Now().UTC()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	// No-op after a successful commit; on any error path it releases the
	// write transaction so the connection returns to the pool.
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO chats (title, owner_identity, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		title, owner, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create chat: %w", err)
	}
	chatID, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("chat id: %w", err)
	}

	chat := &models.Chat{
		ID:            chatID,
		Title:         title,
		OwnerIdentity: owner,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	userMsg, err := insertMessage(ctx, tx, chatID, firstMessage, models.RoleUser, firstModel)
	if err != nil {
		return nil, err
	}
	chat.Messages = append(chat.Messages, userMsg)
	for _, answer := range answers {
		botMsg, err := insertMessage(ctx, tx, chatID, answer.Content, models.RoleBot, answer.ModelUsed)
		if err != nil {
			return nil, err
		}
		chat.Messages = append(chat.Messages, botMsg)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit create chat: %w", err)
	}
	return chat, nil
}

// AppendMessages adds one USER message followed by one BOT message per
// response to an existing chat owned by the identity. All inserts and the
// chat's updated_at refresh happen in one transaction; either every message is
// persisted or none are.
func (s *Service) AppendMessages(ctx context.Context, owner string, chatID int64, userMessage IncomingMessage, botResponses []IncomingMessage) ([]*models.Message, error) {
	if owner == "" {
		return nil, errors.New("owner identity is required")
	}
	if chatID <= 0 {
		return nil, errors.New("invalid chat id")
	}
	content := strings.TrimSpace(userMessage.Content)
	if content == "" {
		return nil, errors.New("message content is required")
	}

	// Ownership enforced by scoping the lookup: a chat owned by someone else
	// looks exactly like a missing one.
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM chats WHERE id = ? AND owner_identity = ?)`,
		chatID, owner,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("verify chat: %w", err)
	}
	if !exists {
		return nil, ErrNotFound
	}

	model := userMessage.ModelUsed
	if model == "" {
		model = models.ModelUnknown
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var created []*models.Message
	userMsg, err := insertMessage(ctx, tx, chatID, content, models.RoleUser, model)
	if err != nil {
		return nil, err
	}
	created = append(created, userMsg)
	for _, resp := range botResponses {
		botMsg, err := insertMessage(ctx, tx, chatID, resp.Content, models.RoleBot, resp.ModelUsed)
		if err != nil {
			return nil, err
		}
		created = append(created, botMsg)
	}
	if _, err = tx.ExecContext(ctx,
		`UPDATE chats SET updated_at = ? WHERE id = ?`, time.Now().UTC(), chatID); err != nil {
		return nil, fmt.Errorf("touch chat: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append messages: %w", err)
	}
	return created, nil
}

// DeleteChat removes the chat and all its messages in one transaction. The
// chat is looked up by id alone so a non-owner gets ErrForbidden rather than
// ErrNotFound.
func (s *Service) DeleteChat(ctx context.Context, owner string, chatID int64) error {
	if chatID <= 0 {
		return errors.New("invalid chat id")
	}
	var chatOwner string
	err := s.db.QueryRowContext(ctx,
		`SELECT owner_identity FROM chats WHERE id = ?`, chatID,
	).Scan(&chatOwner)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("get chat: %w", err)
	}
	if chatOwner != owner {
		return ErrForbidden
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE chat_id = ?`, chatID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM chats WHERE id = ?`, chatID); err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit delete chat: %w", err)
	}
	return nil
}

// ListChats returns all chats owned by the identity with message counts,
// ordered by last activity.
func (s *Service) ListChats(ctx context.Context, owner string) ([]models.ChatSummary, error) {
	chats := make([]models.ChatSummary, 0)
	err := s.db.SelectContext(ctx, &chats,
		`SELECT c.id, c.title, c.created_at, c.updated_at, COUNT(m.id) AS message_count
		 FROM chats c
		 LEFT JOIN messages m ON m.chat_id = c.id
		 WHERE c.owner_identity = ?
		 GROUP BY c.id, c.title, c.created_at, c.updated_at
		 ORDER BY c.updated_at DESC`,
		owner,
	)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	return chats, nil
}

// GetChatWithMessages returns one owner-scoped chat and its ordered messages.
func (s *Service) GetChatWithMessages(ctx context.Context, owner string, chatID int64) (*models.Chat, []*models.Message, error) {
	var chat models.Chat
	err := s.db.GetContext(ctx, &chat,
		`SELECT id, title, owner_identity, created_at, updated_at FROM chats WHERE id = ? AND owner_identity = ?`,
		chatID, owner,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("get chat: %w", err)
	}

	var messages []*models.Message
	err = s.db.SelectContext(ctx, &messages,
		`SELECT id, chat_id, content, role, model_used, created_at
		 FROM messages WHERE chat_id = ? ORDER BY created_at ASC, id ASC`,
		chatID,
	)
	if err != nil {
		return &chat, nil, fmt.Errorf("list messages: %w", err)
	}
	return &chat, messages, nil
}

func insertMessage(ctx context.Context, tx *sqlx.Tx, chatID int64, content string, role models.Role, model string) (*models.Message, error) {
	if model == "" {
		model = models.ModelUnknown
	}
	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (chat_id, content, role, model_used, created_at) VALUES (?, ?, ?, ?, ?)`,
		chatID, content, role, model, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}
	return &models.Message{
		ID:        id,
		ChatID:    chatID,
		Content:   content,
		Role:      role,
		ModelUsed: model,
		CreatedAt: now,
	}, nil
}

// deriveTitle truncates the first question into a chat title. Callers only
// pass a non-empty trimmed question, so the result is never empty.
func deriveTitle(firstMessage string) string {
	if utf8.RuneCountInString(firstMessage) <= titleLimit {
		return firstMessage
	}
	runes := []rune(firstMessage)
	return strings.TrimSpace(string(runes[:titleLimit])) + "..."
}
