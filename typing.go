package inbox

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

const DefaultTypingIdleTimeout = 2 * time.Second

// TypingEmitter sends typing signals. *Channel implements it.
type TypingEmitter interface {
	EmitTypingStart(ctx context.Context, userID, receiverID string)
	EmitTypingStop(ctx context.Context, userID, receiverID string)
}

// Typing turns local keystrokes into typing:start/typing:stop signals and
// inbound typing signals into the store's remote typing flag.
type Typing struct {
	emitter     TypingEmitter
	session     Session
	store       *Store
	idleTimeout time.Duration
	log         *slog.Logger

	mu         sync.Mutex
	receiverID string
	timer      *time.Timer
	generation uint64
}

// NewTyping creates a coordinator. A zero idleTimeout means two seconds.
func NewTyping(emitter TypingEmitter, session Session, store *Store, idleTimeout time.Duration, log *slog.Logger) *Typing {
	if idleTimeout <= 0 {
		idleTimeout = DefaultTypingIdleTimeout
	}
	if log == nil {
		log = discardLogger()
	}
	return &Typing{
		emitter:     emitter,
		session:     session,
		store:       store,
		idleTimeout: idleTimeout,
		log:         log.With("component", "typing"),
	}
}

// Keystroke signals that the local user typed in the conversation with
// receiverID. typing:start goes out at once and typing:stop follows after
// the idle timeout unless another keystroke re-arms it.
func (t *Typing) Keystroke(ctx context.Context, receiverID string) error {
	userID := t.userID()
	if userID == "" {
		return ErrNoSession
	}
	if receiverID == "" {
		return ErrMissingReceiver
	}

	t.mu.Lock()
	prev := t.receiverID
	if prev != "" && prev != receiverID {
		t.stopLocked()
	}
	t.receiverID = receiverID
	t.generation++
	gen := t.generation
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.idleTimeout, func() { t.expire(gen) })
	t.mu.Unlock()

	if prev != "" && prev != receiverID {
		t.emitter.EmitTypingStop(ctx, userID, prev)
	}
	t.emitter.EmitTypingStart(ctx, userID, receiverID)
	return nil
}

func (t *Typing) expire(gen uint64) {
	t.mu.Lock()
	if gen != t.generation || t.receiverID == "" {
		t.mu.Unlock()
		return
	}
	receiverID := t.receiverID
	t.stopLocked()
	t.mu.Unlock()

	if userID := t.userID(); userID != "" {
		t.emitter.EmitTypingStop(context.Background(), userID, receiverID)
	}
}

// Stop ends the local typing session, if any, emitting typing:stop and
// cancelling the countdown.
func (t *Typing) Stop(ctx context.Context) {
	t.mu.Lock()
	receiverID := t.receiverID
	if receiverID == "" {
		t.mu.Unlock()
		return
	}
	t.stopLocked()
	t.mu.Unlock()

	if userID := t.userID(); userID != "" {
		t.emitter.EmitTypingStop(ctx, userID, receiverID)
	}
}

// Active reports whether a typing session is running.
func (t *Typing) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.receiverID != ""
}

func (t *Typing) stopLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.receiverID = ""
	t.generation++
}

func (t *Typing) userID() string {
	if t.session == nil {
		return ""
	}
	return t.session.UserID()
}

// Attach wires inbound typing events from ch into the store and ends the
// local typing session whenever the selection changes.
func (t *Typing) Attach(ch *Channel) func() {
	offs := []func(){
		ch.OnTypingStart(func(raw json.RawMessage) { t.remote(raw, true) }),
		ch.OnTypingStop(func(raw json.RawMessage) { t.remote(raw, false) }),
	}
	if t.store != nil {
		offs = append(offs, t.store.OnSelectionChange(func(SelectionChange) {
			t.Stop(context.Background())
		}))
	}
	return func() {
		for _, off := range offs {
			off()
		}
	}
}

func (t *Typing) remote(raw json.RawMessage, typing bool) {
	var p TypingPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		t.log.Debug("undecodable typing event", "err", err)
		return
	}
	if t.store == nil {
		return
	}
	if !t.store.SetRemoteTyping(p.UserID, typing) {
		t.log.Debug("ignoring typing event", "user", p.UserID)
	}
}
