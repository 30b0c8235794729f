package inbox

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

const localUser = "U1"

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func at(minutes int) time.Time {
	return t0.Add(time.Duration(minutes) * time.Minute)
}

func conv(id, otherID string, unread int, updated time.Time) Conversation {
	return Conversation{
		ID:             id,
		ParticipantIDs: []string{localUser, otherID},
		OtherUser:      Participant{ID: otherID, Name: "user " + otherID},
		UnreadCount:    unread,
		UpdatedAt:      updated,
	}
}

func msg(id, from, to, content string, created time.Time) Message {
	return Message{
		ID:        id,
		Sender:    Ref(from),
		Receiver:  Ref(to),
		Content:   content,
		CreatedAt: created,
	}
}

// fakeAPI is an in-memory PersistenceAPI that records calls.
type fakeAPI struct {
	mu            sync.Mutex
	conversations []Conversation
	history       map[string][]Message
	listErr       error
	sendFn        func(receiverID, content, productID string) (Message, error)
	markReadErr   error

	// beforeHistory runs before ListMessages returns, outside the lock.
	beforeHistory func(otherID string)
	// beforeList runs before ListConversations returns, outside the lock. A
	// non-nil error fails the call.
	beforeList func(ctx context.Context) error

	calls     map[string]int
	markReads []string
	deleted   []string
}

func newFakeAPI(convs ...Conversation) *fakeAPI {
	return &fakeAPI{
		conversations: convs,
		history:       make(map[string][]Message),
		calls:         make(map[string]int),
	}
}

func (f *fakeAPI) record(name string) {
	f.mu.Lock()
	f.calls[name]++
	f.mu.Unlock()
}

func (f *fakeAPI) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeAPI) setConversations(convs ...Conversation) {
	f.mu.Lock()
	f.conversations = convs
	f.mu.Unlock()
}

func (f *fakeAPI) readAcks() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.markReads)
}

func (f *fakeAPI) SendMessage(_ context.Context, receiverID, content, productID string) (Message, error) {
	f.record("send")
	f.mu.Lock()
	fn := f.sendFn
	f.mu.Unlock()
	if fn == nil {
		return Message{}, errors.New("send not configured")
	}
	return fn(receiverID, content, productID)
}

func (f *fakeAPI) setListErr(err error) {
	f.mu.Lock()
	f.listErr = err
	f.mu.Unlock()
}

func (f *fakeAPI) ListConversations(ctx context.Context) ([]Conversation, error) {
	f.record("conversations")
	f.mu.Lock()
	hook := f.beforeList
	f.mu.Unlock()
	if hook != nil {
		if err := hook(ctx); err != nil {
			return nil, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return slices.Clone(f.conversations), nil
}

func (f *fakeAPI) ListMessages(_ context.Context, _, otherUserID string) ([]Message, error) {
	f.record("messages")
	f.mu.Lock()
	hook := f.beforeHistory
	f.mu.Unlock()
	if hook != nil {
		hook(otherUserID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.history[otherUserID]), nil
}

func (f *fakeAPI) MarkRead(_ context.Context, _, otherUserID string) error {
	f.record("read")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markReadErr != nil {
		return f.markReadErr
	}
	f.markReads = append(f.markReads, otherUserID)
	return nil
}

func (f *fakeAPI) DeleteConversation(_ context.Context, id string) error {
	f.record("delete")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func newTestStore(api PersistenceAPI) *Store {
	return NewStore(api, NewStaticSession(localUser, "tok", nil), &StoreConfig{
		ReadAckDelay: 20 * time.Millisecond,
	})
}

func messageIDs(msgs []Message) []string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}

func conversationIDs(convs []Conversation) []string {
	ids := make([]string, len(convs))
	for i, c := range convs {
		ids[i] = c.ID
	}
	return ids
}
