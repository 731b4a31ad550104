package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"blockquery/internal/inference"
	"blockquery/internal/models"
	"blockquery/internal/service/chat"
)

// ErrBusy rejects a submission while another one is still in flight for the
// same controller.
var ErrBusy = errors.New("a submission is already in flight")

// ErrEmptyQuestion rejects blank input before any network call.
var ErrEmptyQuestion = errors.New("question cannot be empty")

// Asker is the inference dependency of a controller.
type Asker interface {
	AskQuestion(ctx context.Context, question string, modelNames []string) ([]inference.ModelAnswer, error)
}

// ChatStore is the persistence dependency of a controller.
type ChatStore interface {
	CreateChat(ctx context.Context, owner, title, firstMessage, firstModel string, answers []chat.IncomingMessage) (*models.Chat, error)
	AppendMessages(ctx context.Context, owner string, chatID int64, userMessage chat.IncomingMessage, botResponses []chat.IncomingMessage) ([]*models.Message, error)
	GetChatWithMessages(ctx context.Context, owner string, chatID int64) (*models.Chat, []*models.Message, error)
}

// View names the three render states of the active chat area.
type View int

const (
	ViewWelcome View = iota
	ViewThread
	ViewNotFound
)

// DurabilityEvent reports the outcome of the persistence phase of one turn.
// A subscriber could reconcile or roll back on failure; this implementation
// deliberately keeps the optimistic state either way.
type DurabilityEvent struct {
	ChatID    int64
	Persisted bool
	Err       error
}

// TurnResult is what one completed submission produced.
type TurnResult struct {
	ChatID      int64
	Created     bool
	UserMessage *models.Message
	BotMessages []*models.Message
	Persisted   bool
}

// Controller owns the in-memory message list of the active chat for one
// signed-in identity. Optimistic appends run ahead of, and independent of,
// persistence confirmation.
type Controller struct {
	identity string
	asker    Asker
	store    ChatStore

	mu          sync.Mutex
	view        View
	activeID    int64
	thread      []*models.Message
	submitting  bool
	lastLocalID int64

	onDurability func(DurabilityEvent)
}

// NewController builds a controller showing the welcome state.
func NewController(identity string, asker Asker, store ChatStore) *Controller {
	return &Controller{
		identity: identity,
		asker:    asker,
		store:    store,
		view:     ViewWelcome,
	}
}

// SetDurabilityHook registers an observer for persistence outcomes. Must be
// called before the controller is shared.
func (c *Controller) SetDurabilityHook(fn func(DurabilityEvent)) {
	c.onDurability = fn
}

// AppendUserMessage synchronously appends a USER message with a locally
// generated identity to the active thread. Never blocks on I/O.
func (c *Controller) AppendUserMessage(content, model string) *models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.appendLocked(c.activeID, content, models.RoleUser, model)
}

// AppendBotMessage appends a BOT message, one per model answer.
func (c *Controller) AppendBotMessage(content, model string) *models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.appendLocked(c.activeID, content, models.RoleBot, model)
}

func (c *Controller) appendLocked(chatID int64, content string, role models.Role, model string) *models.Message {
	if model == "" {
		model = models.ModelUnknown
	}
	msg := &models.Message{
		ID:        c.nextLocalIDLocked(),
		ChatID:    chatID,
		Content:   content,
		Role:      role,
		ModelUsed: model,
		CreatedAt: time.Now().UTC(),
	}
	c.thread = append(c.thread, msg)
	return msg
}

// Local ids derive from the current time plus a disambiguator so that two
// appends in the same millisecond never collide, and ids stay monotonic.
func (c *Controller) nextLocalIDLocked() int64 {
	id := time.Now().UnixMilli() * 1000
	if id <= c.lastLocalID {
		id = c.lastLocalID + 1
	}
	c.lastLocalID = id
	return id
}

// SwitchActiveChat replaces the displayed thread with the messages of the
// given chat, or the welcome state when chatID is zero. A chat the store does
// not have for this identity yields the distinct not-found view rather than an
// empty thread.
func (c *Controller) SwitchActiveChat(ctx context.Context, chatID int64) error {
	if chatID == 0 {
		c.mu.Lock()
		c.view = ViewWelcome
		c.activeID = 0
		c.thread = nil
		c.mu.Unlock()
		return nil
	}

	_, messages, err := c.store.GetChatWithMessages(ctx, c.identity, chatID)
	if err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			c.mu.Lock()
			c.view = ViewNotFound
			c.activeID = 0
			c.thread = nil
			c.mu.Unlock()
			return nil
		}
		return err
	}

	c.mu.Lock()
	c.view = ViewThread
	c.activeID = chatID
	c.thread = messages
	c.mu.Unlock()
	return nil
}

// Snapshot returns the current render state and a copy of the thread.
func (c *Controller) Snapshot() (View, int64, []*models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	thread := make([]*models.Message, len(c.thread))
	copy(thread, c.thread)
	return c.view, c.activeID, thread
}

// Submit runs one turn: ask the models, then either create a new chat or
// optimistically extend the active one and persist in the background of the
// user's perception. Inference failure terminates the turn with no state
// change; persistence failure after optimistic appends is reported through the
// durability hook but never rolls the thread back.
func (c *Controller) Submit(ctx context.Context, question string, modelNames []string) (*TurnResult, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, ErrEmptyQuestion
	}

	c.mu.Lock()
	if c.submitting {
		c.mu.Unlock()
		return nil, ErrBusy
	}
	c.submitting = true
	activeID := c.activeID
	hasActive := c.view == ViewThread && activeID > 0
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.submitting = false
		c.mu.Unlock()
	}()

	answers, err := c.asker.AskQuestion(ctx, question, modelNames)
	if err != nil {
		return nil, err
	}

	userModel := models.ModelUnknown
	if len(modelNames) > 0 {
		userModel = modelNames[0]
	}
	botInputs := make([]chat.IncomingMessage, 0, len(answers))
	for _, a := range answers {
		botInputs = append(botInputs, chat.IncomingMessage{Content: a.Answer, ModelUsed: a.ModelName})
	}

	if !hasActive {
		// No chat to append to, so nothing optimistic is created: the chat id
		// only exists once persistence succeeds.
		created, err := c.store.CreateChat(ctx, c.identity, "", question, userModel, botInputs)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.view = ViewThread
		c.activeID = created.ID
		c.thread = created.Messages
		c.mu.Unlock()
		c.emitDurability(DurabilityEvent{ChatID: created.ID, Persisted: true})

		result := &TurnResult{ChatID: created.ID, Created: true, Persisted: true}
		if len(created.Messages) > 0 {
			result.UserMessage = created.Messages[0]
			result.BotMessages = created.Messages[1:]
		}
		return result, nil
	}

	// The optimistic messages stay tagged with the chat captured at submit
	// time; a switch racing this turn must not retag them.
	c.mu.Lock()
	userMsg := c.appendLocked(activeID, question, models.RoleUser, userModel)
	botMsgs := make([]*models.Message, 0, len(answers))
	for _, a := range answers {
		botMsgs = append(botMsgs, c.appendLocked(activeID, a.Answer, models.RoleBot, a.ModelName))
	}
	c.mu.Unlock()

	result := &TurnResult{
		ChatID:      activeID,
		UserMessage: userMsg,
		BotMessages: botMsgs,
		Persisted:   true,
	}
	_, err = c.store.AppendMessages(ctx, c.identity, activeID,
		chat.IncomingMessage{Content: question, ModelUsed: userModel}, botInputs)
	if err != nil {
		// The user keeps seeing the answer; the unsaved turn is lost on the
		// next reload. Known durability gap, surfaced but not repaired.
		logrus.WithError(err).WithField("chat_id", activeID).
			Warn("turn displayed but not persisted")
		result.Persisted = false
		c.emitDurability(DurabilityEvent{ChatID: activeID, Persisted: false, Err: err})
		return result, nil
	}
	c.emitDurability(DurabilityEvent{ChatID: activeID, Persisted: true})
	return result, nil
}

func (c *Controller) emitDurability(evt DurabilityEvent) {
	if c.onDurability != nil {
		c.onDurability(evt)
	}
}
