package delivery

import (
	"context"
	"sync"
	"testing"
	"time"

	"whisperim/internal/presence"
	"whisperim/internal/push"
	"whisperim/pkg/domain"
)

type fakeEmitter struct {
	mu         sync.Mutex
	emits      []string
	broadcasts []string
	accept     bool
}

func (f *fakeEmitter) Emit(connectionID, event string, data any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emits = append(f.emits, connectionID+":"+event)
	return f.accept
}

func (f *fakeEmitter) Broadcast(event string, data any) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, event)
	return 1
}

type dispatched struct {
	userID string
	note   push.Notification
}

type fakeDispatcher struct {
	calls chan dispatched
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{calls: make(chan dispatched, 4)}
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, userID string, note push.Notification) error {
	f.calls <- dispatched{userID: userID, note: note}
	return nil
}

func (f *fakeDispatcher) expectCall(t *testing.T) dispatched {
	t.Helper()
	select {
	case call := <-f.calls:
		return call
	case <-time.After(time.Second):
		t.Fatal("push dispatcher was not called")
		return dispatched{}
	}
}

func (f *fakeDispatcher) expectIdle(t *testing.T) {
	t.Helper()
	select {
	case call := <-f.calls:
		t.Fatalf("unexpected push dispatch: %+v", call)
	case <-time.After(50 * time.Millisecond):
	}
}

type fakeNames struct{ users map[string]domain.User }

func (f *fakeNames) ByID(_ context.Context, id string) (domain.User, bool, error) {
	u, ok := f.users[id]
	return u, ok, nil
}

func testConversation() domain.Conversation {
	return domain.Conversation{
		ID:                "c1",
		InitiatorID:       "alice",
		RecipientID:       "bob",
		InitiatorUsername: "Whisp_AbCdEfGh",
	}
}

func newTestCoordinator(accept bool) (*Coordinator, *presence.MemoryRegistry, *fakeEmitter, *fakeDispatcher) {
	registry := presence.NewMemoryRegistry()
	emitter := &fakeEmitter{accept: accept}
	dispatcher := newFakeDispatcher()
	names := &fakeNames{users: map[string]domain.User{
		"alice": {ID: "alice", Username: "alice"},
		"bob":   {ID: "bob", Username: "bob"},
	}}
	return NewCoordinator(registry, emitter, dispatcher, names), registry, emitter, dispatcher
}

func TestMessageCreatedOnlineGoesToSocket(t *testing.T) {
	c, registry, emitter, dispatcher := newTestCoordinator(true)
	registry.Announce(presence.Entry{UserID: "bob", Username: "bob", ConnectionID: "conn-bob"})

	conv := testConversation()
	c.MessageCreated(context.Background(), conv, domain.Message{ID: "m1", ConversationID: conv.ID, SenderID: "alice", Content: "hi"})

	if len(emitter.emits) != 1 || emitter.emits[0] != "conn-bob:conversation.c1" {
		t.Fatalf("emits = %v", emitter.emits)
	}
	dispatcher.expectIdle(t)
}

func TestMessageCreatedOfflineGoesToPush(t *testing.T) {
	c, _, emitter, dispatcher := newTestCoordinator(true)

	conv := testConversation()
	c.MessageCreated(context.Background(), conv, domain.Message{ID: "m1", ConversationID: conv.ID, SenderID: "alice", Content: "hi"})

	call := dispatcher.expectCall(t)
	if call.userID != "bob" {
		t.Fatalf("dispatched to %s, want bob", call.userID)
	}
	// The recipient knows the initiator only by the handle.
	if call.note.Title != conv.InitiatorUsername || call.note.Body != "hi" || call.note.ConversationID != "c1" {
		t.Fatalf("notification = %+v", call.note)
	}
	if len(emitter.emits) != 0 {
		t.Fatalf("unexpected socket emits: %v", emitter.emits)
	}
}

func TestMessageCreatedRecipientSenderUsesUsername(t *testing.T) {
	c, _, _, dispatcher := newTestCoordinator(true)

	conv := testConversation()
	c.MessageCreated(context.Background(), conv, domain.Message{ID: "m1", ConversationID: conv.ID, SenderID: "bob", Content: "hey"})

	call := dispatcher.expectCall(t)
	if call.userID != "alice" || call.note.Title != "bob" {
		t.Fatalf("dispatched %+v, want alice to see bob's username", call)
	}
}

func TestMessageCreatedSocketFailureFallsBack(t *testing.T) {
	c, registry, _, dispatcher := newTestCoordinator(false)
	registry.Announce(presence.Entry{UserID: "bob", Username: "bob", ConnectionID: "conn-bob"})

	conv := testConversation()
	c.MessageCreated(context.Background(), conv, domain.Message{ID: "m1", ConversationID: conv.ID, SenderID: "alice", Content: "hi"})

	if call := dispatcher.expectCall(t); call.userID != "bob" {
		t.Fatalf("fallback dispatched to %s", call.userID)
	}
}

func TestConversationCreated(t *testing.T) {
	c, _, _, dispatcher := newTestCoordinator(true)

	conv := testConversation()
	summary := domain.ConversationSummary{
		Conversation:  conv,
		LatestMessage: &domain.Message{ID: "m1", ConversationID: conv.ID, SenderID: "alice", Content: "hello there"},
	}
	c.ConversationCreated(context.Background(), summary, "bob")

	call := dispatcher.expectCall(t)
	if call.note.Title != conv.InitiatorUsername || call.note.Body != "hello there" {
		t.Fatalf("notification = %+v", call.note)
	}
}

func TestReadReceiptSocketOnly(t *testing.T) {
	c, registry, emitter, dispatcher := newTestCoordinator(true)
	now := time.Now().UTC()
	msg := domain.Message{ID: "m1", ConversationID: "c1", SenderID: "alice", Content: "hi", ReadAt: &now}

	// Author offline: nothing happens, in particular no push.
	c.ReadReceipt(msg)
	dispatcher.expectIdle(t)
	if len(emitter.emits) != 0 {
		t.Fatalf("emits = %v", emitter.emits)
	}

	registry.Announce(presence.Entry{UserID: "alice", Username: "alice", ConnectionID: "conn-alice"})
	c.ReadReceipt(msg)
	if len(emitter.emits) != 1 || emitter.emits[0] != "conn-alice:read.c1" {
		t.Fatalf("emits = %v", emitter.emits)
	}
}

func TestTypingBroadcasts(t *testing.T) {
	c, _, emitter, _ := newTestCoordinator(true)
	c.Typing("c1", true)
	c.Typing("c1", false)
	if len(emitter.broadcasts) != 2 || emitter.broadcasts[0] != "typing.c1" || emitter.broadcasts[1] != "stopTyping.c1" {
		t.Fatalf("broadcasts = %v", emitter.broadcasts)
	}
}
