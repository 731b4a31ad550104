package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"blockquery/internal/inference"
	"blockquery/internal/models"
	"blockquery/internal/service/chat"
)

type fakeAsker struct {
	answers []inference.ModelAnswer
	err     error

	mu       sync.Mutex
	calls    int
	blocking chan struct{}
}

func (f *fakeAsker) AskQuestion(ctx context.Context, question string, modelNames []string) ([]inference.ModelAnswer, error) {
	f.mu.Lock()
	f.calls++
	block := f.blocking
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.answers, nil
}

type fakeStore struct {
	mu        sync.Mutex
	nextID    int64
	chats     map[int64]*models.Chat
	appendErr error
	createErr error
	appends   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{nextID: 1, chats: make(map[int64]*models.Chat)}
}

func (f *fakeStore) CreateChat(ctx context.Context, owner, title, firstMessage, firstModel string, answers []chat.IncomingMessage) (*models.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	id := f.nextID
	f.nextID++
	now := time.Now().UTC()
	c := &models.Chat{ID: id, Title: title, OwnerIdentity: owner, CreatedAt: now, UpdatedAt: now}
	c.Messages = append(c.Messages, &models.Message{ID: id * 100, ChatID: id, Content: firstMessage, Role: models.RoleUser, ModelUsed: models.ModelUnknown, CreatedAt: now})
	for i, a := range answers {
		c.Messages = append(c.Messages, &models.Message{ID: id*100 + int64(i) + 1, ChatID: id, Content: a.Content, Role: models.RoleBot, ModelUsed: a.ModelUsed, CreatedAt: now})
	}
	f.chats[id] = c
	return c, nil
}

func (f *fakeStore) AppendMessages(ctx context.Context, owner string, chatID int64, userMessage chat.IncomingMessage, botResponses []chat.IncomingMessage) ([]*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appends++
	if f.appendErr != nil {
		return nil, f.appendErr
	}
	c, ok := f.chats[chatID]
	if !ok || c.OwnerIdentity != owner {
		return nil, chat.ErrNotFound
	}
	now := time.Now().UTC()
	var created []*models.Message
	created = append(created, &models.Message{ChatID: chatID, Content: userMessage.Content, Role: models.RoleUser, CreatedAt: now})
	for _, r := range botResponses {
		created = append(created, &models.Message{ChatID: chatID, Content: r.Content, Role: models.RoleBot, ModelUsed: r.ModelUsed, CreatedAt: now})
	}
	c.Messages = append(c.Messages, created...)
	return created, nil
}

func (f *fakeStore) GetChatWithMessages(ctx context.Context, owner string, chatID int64) (*models.Chat, []*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.chats[chatID]
	if !ok || c.OwnerIdentity != owner {
		return nil, nil, chat.ErrNotFound
	}
	return c, c.Messages, nil
}

func oneAnswer() []inference.ModelAnswer {
	return []inference.ModelAnswer{{ModelName: "bart", Answer: "Proof of Stake is...", LatencyMS: 50}}
}

func TestSubmitRejectsEmptyQuestion(t *testing.T) {
	ctrl := NewController("alice", &fakeAsker{answers: oneAnswer()}, newFakeStore())
	if _, err := ctrl.Submit(context.Background(), "   \n\t ", nil); !errors.Is(err, ErrEmptyQuestion) {
		t.Fatalf("expected ErrEmptyQuestion, got %v", err)
	}
}

func TestSubmitCreatesChatWhenNoneActive(t *testing.T) {
	store := newFakeStore()
	ctrl := NewController("alice", &fakeAsker{answers: oneAnswer()}, store)

	result, err := ctrl.Submit(context.Background(), "What is PoS?", []string{"bart"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !result.Created || !result.Persisted {
		t.Fatalf("expected created+persisted turn, got %+v", result)
	}
	if result.UserMessage == nil || result.UserMessage.Content != "What is PoS?" {
		t.Fatalf("unexpected user message: %+v", result.UserMessage)
	}
	if len(result.BotMessages) != 1 || result.BotMessages[0].ModelUsed != "bart" {
		t.Fatalf("unexpected bot messages: %+v", result.BotMessages)
	}

	view, activeID, thread := ctrl.Snapshot()
	if view != ViewThread || activeID != result.ChatID {
		t.Fatalf("expected thread view on new chat, got view=%v active=%d", view, activeID)
	}
	if len(thread) != 2 {
		t.Fatalf("expected 2 messages in thread, got %d", len(thread))
	}
}

func TestSubmitInferenceFailureLeavesStateUnchanged(t *testing.T) {
	store := newFakeStore()
	asker := &fakeAsker{err: inference.ErrInference}
	ctrl := NewController("alice", asker, store)

	if _, err := ctrl.Submit(context.Background(), "Q", nil); !errors.Is(err, inference.ErrInference) {
		t.Fatalf("expected inference error, got %v", err)
	}
	view, activeID, thread := ctrl.Snapshot()
	if view != ViewWelcome || activeID != 0 || len(thread) != 0 {
		t.Fatalf("expected untouched welcome state, got view=%v active=%d thread=%d", view, activeID, len(thread))
	}
	if store.appends != 0 {
		t.Fatalf("no persistence should be attempted after inference failure")
	}

	// The controller accepts the next submission.
	asker.err = nil
	asker.answers = oneAnswer()
	if _, err := ctrl.Submit(context.Background(), "Q", nil); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
}

func TestSubmitBusyGuard(t *testing.T) {
	store := newFakeStore()
	blocking := make(chan struct{})
	asker := &fakeAsker{answers: oneAnswer(), blocking: blocking}
	ctrl := NewController("alice", asker, store)

	firstDone := make(chan error, 1)
	go func() {
		_, err := ctrl.Submit(context.Background(), "slow question", nil)
		firstDone <- err
	}()

	// Wait until the first submission is inside the asker.
	for {
		asker.mu.Lock()
		calls := asker.calls
		asker.mu.Unlock()
		if calls > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := ctrl.Submit(context.Background(), "second question", nil); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy while first submission in flight, got %v", err)
	}

	close(blocking)
	if err := <-firstDone; err != nil {
		t.Fatalf("first submission: %v", err)
	}

	// Completion releases the guard.
	asker.blocking = nil
	if _, err := ctrl.Submit(context.Background(), "third question", nil); err != nil {
		t.Fatalf("submission after release: %v", err)
	}
}

func TestSubmitOptimisticAppendSurvivesPersistenceFailure(t *testing.T) {
	store := newFakeStore()
	asker := &fakeAsker{answers: oneAnswer()}
	ctrl := NewController("alice", asker, store)

	// Establish an active chat first.
	first, err := ctrl.Submit(context.Background(), "first question", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	var events []DurabilityEvent
	ctrl.SetDurabilityHook(func(evt DurabilityEvent) { events = append(events, evt) })

	store.appendErr = errors.New("disk full")
	result, err := ctrl.Submit(context.Background(), "second question", nil)
	if err != nil {
		t.Fatalf("persistence failure must not fail the turn: %v", err)
	}
	if result.Persisted {
		t.Fatal("expected Persisted=false after append failure")
	}
	if result.ChatID != first.ChatID || result.Created {
		t.Fatalf("unexpected result: %+v", result)
	}

	// The displayed thread keeps the unsaved turn.
	_, _, thread := ctrl.Snapshot()
	if len(thread) != 4 {
		t.Fatalf("expected 4 messages displayed, got %d", len(thread))
	}
	if thread[2].Content != "second question" || thread[2].Role != models.RoleUser {
		t.Fatalf("unexpected optimistic user message: %+v", thread[2])
	}

	if len(events) != 1 || events[0].Persisted || events[0].Err == nil || events[0].ChatID != first.ChatID {
		t.Fatalf("unexpected durability events: %+v", events)
	}

	// Reloading from the store drops the unsaved turn.
	if err := ctrl.SwitchActiveChat(context.Background(), first.ChatID); err != nil {
		t.Fatalf("SwitchActiveChat: %v", err)
	}
	_, _, reloaded := ctrl.Snapshot()
	if len(reloaded) != 2 {
		t.Fatalf("expected reload to show only persisted messages, got %d", len(reloaded))
	}
}

func TestSubmitKeepsCapturedChatAcrossSwitch(t *testing.T) {
	store := newFakeStore()
	blocking := make(chan struct{})
	asker := &fakeAsker{answers: oneAnswer(), blocking: blocking}
	ctrl := NewController("alice", asker, store)
	ctx := context.Background()

	created, err := store.CreateChat(ctx, "alice", "t", "Q", "", nil)
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}
	if err := ctrl.SwitchActiveChat(ctx, created.ID); err != nil {
		t.Fatalf("SwitchActiveChat: %v", err)
	}

	type outcome struct {
		res *TurnResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := ctrl.Submit(ctx, "racing question", nil)
		done <- outcome{res, err}
	}()

	// Wait until the submission is inside the asker, then switch away.
	for {
		asker.mu.Lock()
		calls := asker.calls
		asker.mu.Unlock()
		if calls > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if err := ctrl.SwitchActiveChat(ctx, 0); err != nil {
		t.Fatalf("SwitchActiveChat: %v", err)
	}
	close(blocking)

	out := <-done
	if out.err != nil {
		t.Fatalf("Submit: %v", out.err)
	}
	if out.res.ChatID != created.ID {
		t.Fatalf("expected turn bound to chat %d, got %d", created.ID, out.res.ChatID)
	}
	if out.res.UserMessage.ChatID != created.ID {
		t.Fatalf("user message tagged with chat %d, want %d", out.res.UserMessage.ChatID, created.ID)
	}
	for _, m := range out.res.BotMessages {
		if m.ChatID != created.ID {
			t.Fatalf("bot message tagged with chat %d, want %d", m.ChatID, created.ID)
		}
	}

	// The turn persisted to the chat captured at submit time.
	_, messages, err := store.GetChatWithMessages(ctx, "alice", created.ID)
	if err != nil {
		t.Fatalf("GetChatWithMessages: %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("expected turn persisted to original chat, got %d messages", len(messages))
	}
}

func TestSwitchActiveChat(t *testing.T) {
	store := newFakeStore()
	ctrl := NewController("alice", &fakeAsker{answers: oneAnswer()}, store)

	created, err := store.CreateChat(context.Background(), "alice", "t", "Q", "", nil)
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}

	if err := ctrl.SwitchActiveChat(context.Background(), created.ID); err != nil {
		t.Fatalf("SwitchActiveChat: %v", err)
	}
	view, activeID, thread := ctrl.Snapshot()
	if view != ViewThread || activeID != created.ID || len(thread) != 1 {
		t.Fatalf("unexpected state: view=%v active=%d thread=%d", view, activeID, len(thread))
	}

	// Unknown chat yields the not-found view, not an error.
	if err := ctrl.SwitchActiveChat(context.Background(), 9999); err != nil {
		t.Fatalf("SwitchActiveChat: %v", err)
	}
	view, activeID, _ = ctrl.Snapshot()
	if view != ViewNotFound || activeID != 0 {
		t.Fatalf("expected not-found view, got view=%v active=%d", view, activeID)
	}

	// Zero returns to welcome.
	if err := ctrl.SwitchActiveChat(context.Background(), 0); err != nil {
		t.Fatalf("SwitchActiveChat: %v", err)
	}
	view, _, _ = ctrl.Snapshot()
	if view != ViewWelcome {
		t.Fatalf("expected welcome view, got %v", view)
	}
}

func TestLocalIDsMonotonic(t *testing.T) {
	ctrl := NewController("alice", &fakeAsker{}, newFakeStore())
	var prev int64
	for i := 0; i < 50; i++ {
		msg := ctrl.AppendUserMessage("m", "")
		if msg.ID <= prev {
			t.Fatalf("ids not strictly increasing: %d after %d", msg.ID, prev)
		}
		prev = msg.ID
	}
}

func TestManagerIsolatesIdentities(t *testing.T) {
	store := newFakeStore()
	mgr := NewManager(&fakeAsker{answers: oneAnswer()}, store)

	alice := mgr.ForIdentity("alice")
	bob := mgr.ForIdentity("bob")
	if alice == bob {
		t.Fatal("expected distinct controllers per identity")
	}
	if mgr.ForIdentity("alice") != alice {
		t.Fatal("expected stable controller for repeated lookups")
	}

	if _, err := alice.Submit(context.Background(), "Q", nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	_, _, bobThread := bob.Snapshot()
	if len(bobThread) != 0 {
		t.Fatalf("bob's controller must stay empty, got %d messages", len(bobThread))
	}

	mgr.Reset("alice")
	if mgr.ForIdentity("alice") == alice {
		t.Fatal("expected a fresh controller after Reset")
	}
}
