package inbox

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/singleflight"
)

const DefaultReadAckDelay = 500 * time.Millisecond

// StoreConfig configures a Store.
type StoreConfig struct {
	// ReadAckDelay is how long an inbound message in the open conversation
	// stays unread before it is acknowledged.
	ReadAckDelay  time.Duration
	SeenCacheSize int
	SeenCacheTTL  time.Duration
	Logger        *slog.Logger
}

func (c *StoreConfig) defaults() {
	if c.ReadAckDelay == 0 {
		c.ReadAckDelay = DefaultReadAckDelay
	}
	if c.Logger == nil {
		c.Logger = discardLogger()
	}
}

// State is an immutable snapshot of the store.
type State struct {
	Conversations   []Conversation
	SelectedID      string
	Messages        []Message
	Loading         bool
	LoadingMessages bool
	RemoteTyping    bool
	Unread          int
	LastError       error

	version uint64
}

// Selected returns the selected conversation, if any.
func (s State) Selected() (Conversation, bool) {
	if s.SelectedID == "" {
		return Conversation{}, false
	}
	return lo.Find(s.Conversations, func(c Conversation) bool { return c.ID == s.SelectedID })
}

// SelectionChange is delivered to OnSelectionChange observers.
type SelectionChange struct {
	Previous string
	Current  string
}

// Store is the single owner of the conversation list and of the open
// conversation's history. All mutation happens under one lock and observers
// only ever see post-mutation snapshots.
type Store struct {
	api     PersistenceAPI
	session Session
	config  StoreConfig
	log     *slog.Logger

	mu              sync.Mutex
	conversations   []Conversation
	selectedID      string
	messages        []Message
	loading         bool
	loadingMessages bool
	remoteTyping    bool
	lastErr         error
	loadSeq         uint64
	version         uint64
	closed          bool
	ackTimers       map[string]*time.Timer

	unread  *UnreadCounter
	seen    *SeenCache
	group   singleflight.Group
	emitted atomic.Uint64

	lifetime context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	detach   []func()

	subs      handlerSet[State]
	selection handlerSet[SelectionChange]
}

// NewStore creates an empty store backed by api for session's user.
func NewStore(api PersistenceAPI, session Session, config *StoreConfig) *Store {
	var cfg StoreConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	lifetime, cancel := context.WithCancel(context.Background())
	return &Store{
		api:       api,
		session:   session,
		config:    cfg,
		log:       cfg.Logger.With("component", "store"),
		ackTimers: make(map[string]*time.Timer),
		unread:    NewUnreadCounter(),
		seen:      NewSeenCache(cfg.SeenCacheSize, cfg.SeenCacheTTL),
		lifetime:  lifetime,
		cancel:    cancel,
	}
}

// ============================================================================
// Observation
// ============================================================================

// State returns a snapshot of the current state.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() State {
	return State{
		Conversations:   slices.Clone(s.conversations),
		SelectedID:      s.selectedID,
		Messages:        slices.Clone(s.messages),
		Loading:         s.loading,
		LoadingMessages: s.loadingMessages,
		RemoteTyping:    s.remoteTyping,
		Unread:          TotalUnread(s.conversations),
		LastError:       s.lastErr,
		version:         s.version,
	}
}

// Subscribe registers h, delivers the current state and then every change.
func (s *Store) Subscribe(h func(State)) func() {
	unsubscribe := s.subs.add(h)
	snap := s.State()
	safeCall(s.log, func() { h(snap) })
	return unsubscribe
}

// OnSelectionChange registers h for selection changes.
func (s *Store) OnSelectionChange(h func(SelectionChange)) func() {
	return s.selection.add(h)
}

// Unread returns the global unread counter.
func (s *Store) Unread() *UnreadCounter {
	return s.unread
}

// notify publishes the latest snapshot. A snapshot older than one already
// delivered is dropped.
func (s *Store) notify() {
	snap := s.State()
	for {
		last := s.emitted.Load()
		if snap.version <= last {
			return
		}
		if s.emitted.CompareAndSwap(last, snap.version) {
			break
		}
	}
	s.unread.Recompute(snap.Conversations)
	s.subs.emit(s.log, snap)
}

// changedLocked bumps the state version. Callers hold mu.
func (s *Store) changedLocked() {
	s.version++
}

func (s *Store) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func (s *Store) localID() (string, error) {
	if s.session == nil {
		return "", ErrNoSession
	}
	id := s.session.UserID()
	if id == "" {
		return "", ErrNoSession
	}
	return id, nil
}

// ============================================================================
// Conversation list
// ============================================================================

// LoadConversations replaces the list from the server. The previous
// selection is kept if still present, otherwise cleared; with nothing
// selected the first conversation is selected and its history loaded.
// A silent load leaves Loading and LastError untouched.
func (s *Store) LoadConversations(ctx context.Context, silent bool) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if !silent {
		s.mu.Lock()
		s.loading = true
		s.changedLocked()
		s.mu.Unlock()
		s.notify()
	}

	v, err := s.fetchConversations(ctx)
	if err != nil {
		if silent {
			s.log.Debug("background reload failed", "err", err)
		} else {
			s.log.Error("failed to load conversations", "err", err)
			s.mu.Lock()
			s.loading = false
			s.lastErr = err
			s.changedLocked()
			s.mu.Unlock()
			s.notify()
		}
		return fmt.Errorf("load conversations: %w", err)
	}
	list := lo.UniqBy(v, func(c Conversation) string { return c.ID })
	slices.SortStableFunc(list, func(a, b Conversation) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	prev := s.selectedID
	s.conversations = list
	if !silent {
		s.loading = false
		s.lastErr = nil
	}
	load := ""
	switch {
	case prev != "" && !lo.ContainsBy(list, func(c Conversation) bool { return c.ID == prev }):
		s.clearSelectionLocked()
	case prev == "" && len(list) > 0:
		s.selectLocked(list[0].ID)
		load = list[0].ID
	}
	current := s.selectedID
	s.changedLocked()
	s.mu.Unlock()

	s.log.Debug("conversations loaded", "count", len(list), "silent", silent)
	s.notify()
	if current != prev {
		s.selection.emit(s.log, SelectionChange{Previous: prev, Current: current})
	}
	if load != "" {
		if err := s.LoadMessages(ctx, load); err != nil {
			s.log.Debug("initial history load failed", "conversation", load, "err", err)
		}
	}
	return nil
}

// fetchConversations coalesces concurrent list requests. The shared request
// runs on the store lifetime; each caller stops waiting when its own ctx ends.
func (s *Store) fetchConversations(ctx context.Context) ([]Conversation, error) {
	ch := s.group.DoChan("conversations", func() (any, error) {
		return s.api.ListConversations(s.lifetime)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]Conversation), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// reloadAsync runs a silent list reload bound to the store lifetime.
func (s *Store) reloadAsync(reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		s.log.Debug("reloading conversations", "reason", reason)
		_ = s.LoadConversations(s.lifetime, true)
	}()
}

// SelectConversation opens id: the buffer is cleared and its history is
// loaded. An empty id clears the selection.
func (s *Store) SelectConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	prev := s.selectedID
	if id == "" {
		s.clearSelectionLocked()
	} else {
		if _, ok := s.findLocked(id); !ok {
			s.mu.Unlock()
			return fmt.Errorf("select %q: %w", id, ErrUnknownConversation)
		}
		s.selectLocked(id)
	}
	s.changedLocked()
	s.mu.Unlock()

	s.notify()
	if prev != id {
		s.selection.emit(s.log, SelectionChange{Previous: prev, Current: id})
	}
	if id == "" {
		return nil
	}
	// A newer selection supersedes this one.
	if err := s.LoadMessages(ctx, id); err != nil && !errors.Is(err, ErrNotSelected) {
		return err
	}
	return nil
}

func (s *Store) selectLocked(id string) {
	if s.selectedID != "" && s.selectedID != id {
		s.stopAckLocked(s.selectedID)
	}
	s.selectedID = id
	s.messages = nil
	s.remoteTyping = false
	s.loadSeq++
}

func (s *Store) clearSelectionLocked() {
	if s.selectedID != "" {
		s.stopAckLocked(s.selectedID)
	}
	s.selectedID = ""
	s.messages = nil
	s.remoteTyping = false
	s.loadingMessages = false
	s.loadSeq++
}

func (s *Store) findLocked(id string) (int, bool) {
	i := slices.IndexFunc(s.conversations, func(c Conversation) bool { return c.ID == id })
	return i, i >= 0
}

// counterpartOf returns the conversation's other participant.
func counterpartOf(c Conversation, localID string) string {
	if id := c.OtherID(); id != "" {
		return id
	}
	for _, id := range c.ParticipantIDs {
		if id != localID {
			return id
		}
	}
	return ""
}

// DeleteConversation removes id on the server and locally. The ids of its
// known messages leave the applied-id cache.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.api.DeleteConversation(ctx, id); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}

	s.mu.Lock()
	prev := s.selectedID
	var forget []string
	if i, ok := s.findLocked(id); ok {
		if last := s.conversations[i].LastMessage; last != nil {
			forget = append(forget, last.ID)
		}
		s.conversations = slices.Delete(slices.Clone(s.conversations), i, i+1)
	}
	if prev == id {
		for _, m := range s.messages {
			forget = append(forget, m.ID)
		}
		s.clearSelectionLocked()
	}
	s.changedLocked()
	s.mu.Unlock()

	for _, mid := range forget {
		s.seen.Forget(mid)
	}

	s.notify()
	if prev == id {
		s.selection.emit(s.log, SelectionChange{Previous: prev})
	}
	return nil
}

// ============================================================================
// Message history
// ============================================================================

// LoadMessages fetches the history of the selected conversation id and
// acknowledges it. Any other id fails with ErrNotSelected. The response is
// dropped if the selection moved on meanwhile. Messages that were pushed
// while the request was in flight are kept.
func (s *Store) LoadMessages(ctx context.Context, id string) error {
	localID, err := s.localID()
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	i, ok := s.findLocked(id)
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("load messages %q: %w", id, ErrUnknownConversation)
	}
	if s.selectedID != id {
		s.mu.Unlock()
		return fmt.Errorf("load messages %q: %w", id, ErrNotSelected)
	}
	otherID := counterpartOf(s.conversations[i], localID)
	seq := s.loadSeq
	s.loadingMessages = true
	s.changedLocked()
	s.mu.Unlock()
	s.notify()

	history, err := s.api.ListMessages(ctx, localID, otherID)

	s.mu.Lock()
	if s.closed || s.selectedID != id || s.loadSeq != seq {
		s.mu.Unlock()
		s.log.Debug("discarding stale history", "conversation", id)
		return nil
	}
	s.loadingMessages = false
	if err != nil {
		s.lastErr = err
		s.changedLocked()
		s.mu.Unlock()
		s.log.Error("failed to load messages", "conversation", id, "err", err)
		s.notify()
		return fmt.Errorf("load messages: %w", err)
	}
	s.messages = mergeMessages(history, s.messages)
	s.changedLocked()
	s.mu.Unlock()
	s.notify()

	if err := s.MarkRead(ctx, id); err != nil {
		s.log.Warn("read acknowledgement failed", "conversation", id, "err", err)
	}
	return nil
}

// mergeMessages returns base plus the extra messages it lacks, ordered by
// creation time with no repeated ids.
func mergeMessages(base, extra []Message) []Message {
	out := make([]Message, 0, len(base)+len(extra))
	ids := make(map[string]struct{}, len(base)+len(extra))
	for _, m := range slices.Concat(base, extra) {
		if m.ID != "" {
			if _, dup := ids[m.ID]; dup {
				continue
			}
			ids[m.ID] = struct{}{}
		}
		out = append(out, m)
	}
	slices.SortStableFunc(out, func(a, b Message) int {
		return cmp.Compare(a.CreatedAt.UnixNano(), b.CreatedAt.UnixNano())
	})
	return out
}

// ============================================================================
// Reconciliation
// ============================================================================

// ApplyIncomingMessage merges a pushed message.
func (s *Store) ApplyIncomingMessage(msg Message) {
	s.apply(msg, "push")
}

// ApplySentMessage merges the server's record of a message the local user
// sent. It is safe to call before or after the same message arrives by push.
func (s *Store) ApplySentMessage(msg Message) {
	s.apply(msg, "sent")
}

func (s *Store) apply(msg Message, origin string) {
	localID, err := s.localID()
	if err != nil {
		s.log.Debug("dropping message without session", "id", msg.ID)
		return
	}
	senderID, receiverID := msg.SenderID(), msg.ReceiverID()
	if senderID != localID && receiverID != localID {
		s.log.Debug("dropping message for another user", "id", msg.ID)
		return
	}
	otherID := msg.Counterpart(localID)
	if otherID == "" {
		s.log.Debug("dropping message without counterpart", "id", msg.ID)
		return
	}
	inbound := senderID != localID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	changed := false

	// Open conversation buffer.
	selected := -1
	if s.selectedID != "" {
		if i, ok := s.findLocked(s.selectedID); ok && counterpartOf(s.conversations[i], localID) == otherID {
			selected = i
		}
	}
	if selected >= 0 {
		exists := msg.ID != "" && slices.ContainsFunc(s.messages, func(m Message) bool { return m.ID == msg.ID })
		if !exists {
			s.messages = append(slices.Clone(s.messages), msg)
			changed = true
			if inbound {
				s.scheduleAckLocked(s.selectedID)
			}
		}
	}

	// List entry.
	reload := false
	if !s.seen.MarkSeen(msg.ID) {
		i := slices.IndexFunc(s.conversations, func(c Conversation) bool {
			return counterpartOf(c, localID) == otherID
		})
		if i < 0 {
			reload = true
		} else {
			conv := s.conversations[i]
			last := msg
			conv.LastMessage = &last
			if msg.CreatedAt.After(conv.UpdatedAt) || conv.UpdatedAt.IsZero() {
				conv.UpdatedAt = msg.CreatedAt
			}
			if inbound && conv.ID != s.selectedID {
				conv.UnreadCount++
			}
			s.conversations = moveToFront(s.conversations, i, conv)
			changed = true
		}
	}
	if changed {
		s.changedLocked()
	}
	s.mu.Unlock()

	s.log.Debug("message applied", "origin", origin, "id", msg.ID, "inbound", inbound, "changed", changed)
	if changed {
		s.notify()
	}
	if reload {
		s.reloadAsync("unknown conversation")
	}
}

// moveToFront returns a copy of list with conv placed first in place of
// list[i].
func moveToFront(list []Conversation, i int, conv Conversation) []Conversation {
	out := make([]Conversation, 0, len(list))
	out = append(out, conv)
	out = append(out, list[:i]...)
	out = append(out, list[i+1:]...)
	return out
}

// ApplyMessagesRead marks the local user's messages to readerID as read.
func (s *Store) ApplyMessagesRead(readerID string) {
	localID, err := s.localID()
	if err != nil || readerID == "" {
		return
	}

	s.mu.Lock()
	changed := false
	msgs := slices.Clone(s.messages)
	for i, m := range msgs {
		if !m.Read && m.SenderID() == localID && m.ReceiverID() == readerID {
			msgs[i].Read = true
			changed = true
		}
	}
	s.messages = msgs
	convs := slices.Clone(s.conversations)
	for i, c := range convs {
		if c.LastMessage == nil || c.LastMessage.Read || counterpartOf(c, localID) != readerID {
			continue
		}
		if c.LastMessage.SenderID() == localID {
			last := *c.LastMessage
			last.Read = true
			convs[i].LastMessage = &last
			changed = true
		}
	}
	s.conversations = convs
	if changed {
		s.changedLocked()
	}
	s.mu.Unlock()

	if changed {
		s.notify()
	}
}

// SetRemoteTyping sets the typing indicator if userID is the selected
// conversation's other participant. It reports whether the event applied.
func (s *Store) SetRemoteTyping(userID string, typing bool) bool {
	localID, err := s.localID()
	if err != nil || userID == "" {
		return false
	}

	s.mu.Lock()
	i, ok := s.findLocked(s.selectedID)
	if !ok || s.closed || counterpartOf(s.conversations[i], localID) != userID {
		s.mu.Unlock()
		return false
	}
	changed := s.remoteTyping != typing
	s.remoteTyping = typing
	if changed {
		s.changedLocked()
	}
	s.mu.Unlock()

	if changed {
		s.notify()
	}
	return true
}

// SelectedCounterpart returns the other participant of the selected
// conversation, or "".
func (s *Store) SelectedCounterpart() string {
	localID, err := s.localID()
	if err != nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if i, ok := s.findLocked(s.selectedID); ok {
		return counterpartOf(s.conversations[i], localID)
	}
	return ""
}

// ============================================================================
// Read acknowledgement
// ============================================================================

// MarkRead acknowledges conversation id on the server, then zeroes its
// unread count and flips its inbound buffered messages to read.
func (s *Store) MarkRead(ctx context.Context, id string) error {
	localID, err := s.localID()
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	i, ok := s.findLocked(id)
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("mark read %q: %w", id, ErrUnknownConversation)
	}
	otherID := counterpartOf(s.conversations[i], localID)
	s.mu.Unlock()

	if err := s.api.MarkRead(ctx, localID, otherID); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}

	s.mu.Lock()
	if i, ok := s.findLocked(id); ok {
		convs := slices.Clone(s.conversations)
		convs[i].UnreadCount = 0
		if last := convs[i].LastMessage; last != nil && !last.Read && last.SenderID() == otherID {
			cp := *last
			cp.Read = true
			convs[i].LastMessage = &cp
		}
		s.conversations = convs
	}
	if s.selectedID == id {
		msgs := slices.Clone(s.messages)
		for j := range msgs {
			if msgs[j].SenderID() == otherID {
				msgs[j].Read = true
			}
		}
		s.messages = msgs
	}
	s.changedLocked()
	s.mu.Unlock()

	s.notify()
	return nil
}

// scheduleAckLocked (re)arms the delayed acknowledgement for id.
func (s *Store) scheduleAckLocked(id string) {
	if t, ok := s.ackTimers[id]; ok {
		t.Stop()
	}
	s.ackTimers[id] = time.AfterFunc(s.config.ReadAckDelay, func() {
		s.mu.Lock()
		delete(s.ackTimers, id)
		stale := s.closed || s.selectedID != id
		s.mu.Unlock()
		if stale {
			return
		}
		if err := s.MarkRead(s.lifetime, id); err != nil {
			s.log.Warn("delayed read acknowledgement failed", "conversation", id, "err", err)
		}
	})
}

func (s *Store) stopAckLocked(id string) {
	if t, ok := s.ackTimers[id]; ok {
		t.Stop()
		delete(s.ackTimers, id)
	}
}

// ============================================================================
// Push wiring and lifetime
// ============================================================================

// Attach subscribes the store to ch's message streams. The returned func
// detaches it; Close detaches as well.
func (s *Store) Attach(ch *Channel) func() {
	var connectedBefore atomic.Bool
	offs := []func(){
		ch.OnMessageNew(func(raw json.RawMessage) {
			msg, err := DecodeMessageEvent(raw)
			if err != nil {
				s.log.Debug("undecodable message:new", "err", err)
				return
			}
			s.ApplyIncomingMessage(msg)
		}),
		ch.OnMessageSent(func(raw json.RawMessage) {
			msg, err := DecodeMessageEvent(raw)
			if err != nil {
				s.log.Debug("undecodable message:sent", "err", err)
				return
			}
			s.ApplySentMessage(msg)
		}),
		ch.OnConversationUpdate(func(json.RawMessage) {
			s.reloadAsync("conversation update")
		}),
		ch.OnMessagesRead(func(raw json.RawMessage) {
			var p MessagesReadPayload
			if err := json.Unmarshal(raw, &p); err != nil {
				s.log.Debug("undecodable messages:read", "err", err)
				return
			}
			s.ApplyMessagesRead(p.UserID)
		}),
		// Events missed while disconnected are recovered by a reload.
		ch.Status().Subscribe(func(connected bool) {
			if !connected {
				return
			}
			if connectedBefore.Swap(true) {
				s.reloadAsync("reconnected")
			}
		}),
	}
	off := func() {
		for _, f := range offs {
			f()
		}
	}
	s.mu.Lock()
	s.detach = append(s.detach, off)
	s.mu.Unlock()
	return off
}

// Close detaches the store from the channel, stops pending timers and
// rejects further mutation. It waits for background reloads to finish.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for id, t := range s.ackTimers {
		t.Stop()
		delete(s.ackTimers, id)
	}
	detach := s.detach
	s.detach = nil
	s.mu.Unlock()

	for _, off := range detach {
		off()
	}
	s.cancel()
	s.wg.Wait()
	s.subs.clear()
	s.selection.clear()
	s.seen.Reset()
}
