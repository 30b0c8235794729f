package inbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// MessengerConfig tunes the components a Messenger builds. The zero value
// is usable.
type MessengerConfig struct {
	Channel           *ChannelConfig
	Store             *StoreConfig
	TypingIdleTimeout time.Duration
	Logger            *slog.Logger
}

// Messenger is the process-wide messaging core: one channel, one store and
// the coordinators built on them. Every view shares it.
type Messenger struct {
	client     *Client
	channel    *Channel
	store      *Store
	dispatcher *Dispatcher
	typing     *Typing
	log        *slog.Logger

	mu      sync.Mutex
	started bool
	closed  bool
	views   map[*View]struct{}
	detach  []func()
}

// NewMessenger wires the messaging components around client.
func NewMessenger(client *Client, config *MessengerConfig) *Messenger {
	var cfg MessengerConfig
	if config != nil {
		cfg = *config
	}
	log := cfg.Logger
	if log == nil {
		log = client.Logger()
	}

	chCfg := DefaultChannelConfig()
	if cfg.Channel != nil {
		c := *cfg.Channel
		chCfg = &c
	}
	if chCfg.Logger == nil {
		chCfg.Logger = log
	}
	stCfg := &StoreConfig{}
	if cfg.Store != nil {
		c := *cfg.Store
		stCfg = &c
	}
	if stCfg.Logger == nil {
		stCfg.Logger = log
	}

	session := client.Session()
	channel := NewChannel(client, chCfg)
	store := NewStore(client, session, stCfg)
	m := &Messenger{
		client:     client,
		channel:    channel,
		store:      store,
		dispatcher: NewDispatcher(client, session, store, log),
		typing:     NewTyping(channel, session, store, cfg.TypingIdleTimeout, log),
		log:        log.With("component", "messenger"),
		views:      make(map[*View]struct{}),
	}
	m.detach = append(m.detach, store.Attach(channel), m.typing.Attach(channel))
	return m
}

// Start connects the push channel for the session user and loads the
// conversation list. A failed connection is not fatal: it is retried in
// the background and the list is still loaded. If the load fails Start may
// be called again.
func (m *Messenger) Start(ctx context.Context) error {
	userID := m.client.Session().UserID()
	if userID == "" {
		return ErrNoSession
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrStoreClosed
	}
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	if err := m.channel.Connect(ctx, userID); err != nil {
		m.log.Warn("push channel unavailable, continuing without live updates", "err", err)
	}
	if err := m.store.LoadConversations(ctx, false); err != nil {
		m.mu.Lock()
		m.started = false
		m.mu.Unlock()
		return fmt.Errorf("start messenger: %w", err)
	}
	return nil
}

func (m *Messenger) Channel() *Channel { return m.channel }

func (m *Messenger) Store() *Store { return m.store }

func (m *Messenger) Dispatcher() *Dispatcher { return m.dispatcher }

func (m *Messenger) Typing() *Typing { return m.typing }

// Unread returns the global unread counter for badge display.
func (m *Messenger) Unread() *Value[int] { return m.store.Unread().Total() }

// OpenView creates a view over the shared state. It is closed by its own
// Close, by ctx ending or by the Messenger closing.
func (m *Messenger) OpenView(ctx context.Context) *View {
	v := newView(m)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		v.Close()
		return v
	}
	m.views[v] = struct{}{}
	m.mu.Unlock()

	if ctx != nil && ctx.Done() != nil {
		stop := context.AfterFunc(ctx, v.Close)
		v.onClose(func() { stop() })
	}
	return v
}

func (m *Messenger) forget(v *View) {
	m.mu.Lock()
	delete(m.views, v)
	m.mu.Unlock()
}

// Close closes every view, the store and the push channel.
func (m *Messenger) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	views := make([]*View, 0, len(m.views))
	for v := range m.views {
		views = append(views, v)
	}
	detach := m.detach
	m.detach = nil
	m.mu.Unlock()

	for _, v := range views {
		v.Close()
	}
	m.typing.Stop(context.Background())
	for _, off := range detach {
		off()
	}
	m.store.Close()
	return m.channel.Disconnect()
}
