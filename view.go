package inbox

import (
	"context"
	"sync"
)

// View is one messaging surface (inbox, quick-reply dialog) over the shared
// Messenger state. Closing it drops its observers and pending typing signal;
// after that every call returns ErrViewClosed.
type View struct {
	m *Messenger

	mu      sync.Mutex
	closed  bool
	offs    []func()
	typedTo string
}

func newView(m *Messenger) *View {
	return &View{m: m}
}

func (v *View) onClose(f func()) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		go f()
		return
	}
	v.offs = append(v.offs, f)
}

func (v *View) isClosed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closed
}

// State returns the shared state.
func (v *View) State() (State, error) {
	if v.isClosed() {
		return State{}, ErrViewClosed
	}
	return v.m.store.State(), nil
}

// OnChange observes state changes until the view closes.
func (v *View) OnChange(h func(State)) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return ErrViewClosed
	}
	v.mu.Unlock()
	off := v.m.store.Subscribe(func(s State) {
		if !v.isClosed() {
			h(s)
		}
	})
	v.onClose(off)
	return nil
}

// OnUnread observes the global unread count until the view closes.
func (v *View) OnUnread(h func(int)) error {
	if v.isClosed() {
		return ErrViewClosed
	}
	off := v.m.Unread().Subscribe(func(n int) {
		if !v.isClosed() {
			h(n)
		}
	})
	v.onClose(off)
	return nil
}

// Select opens conversation id.
func (v *View) Select(ctx context.Context, id string) error {
	if v.isClosed() {
		return ErrViewClosed
	}
	return v.m.store.SelectConversation(ctx, id)
}

// Keystroke reports local typing in the selected conversation.
func (v *View) Keystroke(ctx context.Context) error {
	if v.isClosed() {
		return ErrViewClosed
	}
	receiverID := v.m.store.SelectedCounterpart()
	if receiverID == "" {
		return ErrUnknownConversation
	}
	if err := v.m.typing.Keystroke(ctx, receiverID); err != nil {
		return err
	}
	v.mu.Lock()
	v.typedTo = receiverID
	v.mu.Unlock()
	return nil
}

// Send ends typing and sends in.
func (v *View) Send(ctx context.Context, in SendInput) (Message, error) {
	if v.isClosed() {
		return Message{}, ErrViewClosed
	}
	v.m.typing.Stop(ctx)
	return v.m.dispatcher.Send(ctx, in)
}

// MarkRead acknowledges conversation id.
func (v *View) MarkRead(ctx context.Context, id string) error {
	if v.isClosed() {
		return ErrViewClosed
	}
	return v.m.store.MarkRead(ctx, id)
}

// Delete removes conversation id.
func (v *View) Delete(ctx context.Context, id string) error {
	if v.isClosed() {
		return ErrViewClosed
	}
	return v.m.store.DeleteConversation(ctx, id)
}

// Close tears the view down. It is idempotent.
func (v *View) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	offs := v.offs
	v.offs = nil
	typed := v.typedTo != ""
	v.mu.Unlock()

	for _, off := range offs {
		off()
	}
	if typed {
		v.m.typing.Stop(context.Background())
	}
	v.m.forget(v)
}
