package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Wire format
// ============================================================================

// Push channel event names.
const (
	EventUserJoin           = "user:join"
	EventMessageNew         = "message:new"
	EventMessageSent        = "message:sent"
	EventConversationUpdate = "conversation:update"
	EventMessagesRead       = "messages:read"
	EventTypingStart        = "typing:start"
	EventTypingStop         = "typing:stop"
)

// Envelope is the wire format for every frame in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ============================================================================
// Configuration
// ============================================================================

// ChannelConfig configures the push channel.
type ChannelConfig struct {
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	WriteTimeout         time.Duration
	HTTPClient           *http.Client
	Logger               *slog.Logger
}

// DefaultChannelConfig enables reconnection with the default policy.
func DefaultChannelConfig() *ChannelConfig {
	return &ChannelConfig{AutoReconnect: true}
}

func (c *ChannelConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 5 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = discardLogger()
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
}

func newReconnector(config *ChannelConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.attempt < r.maxAttempts
}

func (r *reconnector) nextDelay() time.Duration {
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
}

// ============================================================================
// Channel
// ============================================================================

// Channel owns the single push connection of the process. Inbound handlers
// run sequentially on the read goroutine, in arrival order, and receive the
// raw payload unfiltered.
type Channel struct {
	url    func() string
	config *ChannelConfig
	log    *slog.Logger

	mu         sync.Mutex
	conn       *websocket.Conn
	userID     string
	connecting bool
	lifetime   context.Context
	cancelFn   context.CancelFunc
	recon      *reconnector

	status *Value[bool]

	onMessageNew         handlerSet[json.RawMessage]
	onMessageSent        handlerSet[json.RawMessage]
	onConversationUpdate handlerSet[json.RawMessage]
	onMessagesRead       handlerSet[json.RawMessage]
	onTypingStart        handlerSet[json.RawMessage]
	onTypingStop         handlerSet[json.RawMessage]
	onReconnecting       handlerSet[ReconnectAttempt]
}

// ReconnectAttempt describes a scheduled reconnection.
type ReconnectAttempt struct {
	Attempt int
	Delay   time.Duration
}

// NewChannel creates a push channel for client's service and session.
// Call Connect to open it.
func NewChannel(client *Client, config *ChannelConfig) *Channel {
	if config == nil {
		config = DefaultChannelConfig()
	}
	cfg := *config
	if cfg.Logger == nil {
		cfg.Logger = client.Logger()
	}
	cfg.defaults()
	return &Channel{
		url:    client.WSURL,
		config: &cfg,
		log:    cfg.Logger.With("component", "channel"),
		recon:  newReconnector(&cfg),
		status: NewValue(false),
	}
}

// OnMessageNew registers a handler for message:new.
func (ch *Channel) OnMessageNew(h func(json.RawMessage)) func() {
	return ch.onMessageNew.add(h)
}

// OnMessageSent registers a handler for message:sent.
func (ch *Channel) OnMessageSent(h func(json.RawMessage)) func() {
	return ch.onMessageSent.add(h)
}

// OnConversationUpdate registers a handler for conversation:update.
func (ch *Channel) OnConversationUpdate(h func(json.RawMessage)) func() {
	return ch.onConversationUpdate.add(h)
}

// OnMessagesRead registers a handler for messages:read.
func (ch *Channel) OnMessagesRead(h func(json.RawMessage)) func() {
	return ch.onMessagesRead.add(h)
}

// OnTypingStart registers a handler for typing:start.
func (ch *Channel) OnTypingStart(h func(json.RawMessage)) func() {
	return ch.onTypingStart.add(h)
}

// OnTypingStop registers a handler for typing:stop.
func (ch *Channel) OnTypingStop(h func(json.RawMessage)) func() {
	return ch.onTypingStop.add(h)
}

// OnReconnecting registers a handler called before each reconnect attempt.
func (ch *Channel) OnReconnecting(h func(ReconnectAttempt)) func() {
	return ch.onReconnecting.add(h)
}

// Status is the connection-status signal.
func (ch *Channel) Status() *Value[bool] {
	return ch.status
}

// Connected reports the current status.
func (ch *Channel) Connected() bool {
	return ch.status.Get()
}

// Connect opens the connection for userID and announces it with user:join.
// It is a no-op while connected or connecting. A failed dial is returned and,
// with AutoReconnect, retried in the background.
func (ch *Channel) Connect(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrNoSession
	}
	ch.mu.Lock()
	if ch.conn != nil || ch.connecting || ch.cancelFn != nil {
		ch.mu.Unlock()
		return nil
	}
	lifetime, cancel := context.WithCancel(context.Background())
	ch.lifetime = lifetime
	ch.cancelFn = cancel
	ch.userID = userID
	ch.recon.reset()
	ch.mu.Unlock()

	err := ch.dial(ctx, lifetime)
	if err != nil {
		ch.log.Warn("connect failed", "err", err)
		if ch.config.AutoReconnect {
			go ch.reconnectLoop(lifetime)
		} else {
			ch.mu.Lock()
			ch.cancelFn = nil
			ch.mu.Unlock()
			cancel()
		}
	}
	return err
}

// Disconnect closes the connection and stops reconnection.
func (ch *Channel) Disconnect() error {
	ch.mu.Lock()
	if ch.cancelFn != nil {
		ch.cancelFn()
		ch.cancelFn = nil
	}
	conn := ch.conn
	ch.conn = nil
	ch.mu.Unlock()

	ch.status.Set(false)
	if conn != nil {
		ch.log.Info("disconnected")
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// EmitTypingStart tells receiverID that userID is typing. It is a no-op when
// not connected.
func (ch *Channel) EmitTypingStart(ctx context.Context, userID, receiverID string) {
	ch.emit(ctx, EventTypingStart, TypingPayload{UserID: userID, ReceiverID: receiverID})
}

// EmitTypingStop tells receiverID that userID stopped typing. It is a no-op
// when not connected.
func (ch *Channel) EmitTypingStop(ctx context.Context, userID, receiverID string) {
	ch.emit(ctx, EventTypingStop, TypingPayload{UserID: userID, ReceiverID: receiverID})
}

func (ch *Channel) emit(ctx context.Context, eventType string, payload any) {
	if err := ch.send(ctx, eventType, payload); err != nil && !errors.Is(err, errNotConnected) {
		ch.log.Warn("emit failed", "event", eventType, "err", err)
	}
}

var errNotConnected = errors.New("not connected")

func (ch *Channel) send(ctx context.Context, eventType string, payload any) error {
	ch.mu.Lock()
	conn := ch.conn
	ch.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}
	return ch.write(ctx, conn, eventType, payload)
}

func (ch *Channel) write(ctx context.Context, conn *websocket.Conn, eventType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(Envelope{Type: eventType, Payload: raw})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, ch.config.WriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// dial opens one connection, re-announces the user, and starts the read and
// heartbeat loops bound to lifetime.
func (ch *Channel) dial(ctx context.Context, lifetime context.Context) error {
	ch.mu.Lock()
	ch.connecting = true
	userID := ch.userID
	ch.mu.Unlock()
	defer func() {
		ch.mu.Lock()
		ch.connecting = false
		ch.mu.Unlock()
	}()

	dialCtx, cancel := mergeDone(ctx, lifetime)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, ch.url(), &websocket.DialOptions{
		HTTPClient: ch.config.HTTPClient,
	})
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	if err := ch.write(dialCtx, conn, EventUserJoin, map[string]string{"userId": userID}); err != nil {
		conn.Close(websocket.StatusInternalError, "join failed")
		return fmt.Errorf("announce user: %w", err)
	}

	ch.mu.Lock()
	if lifetime.Err() != nil {
		ch.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return lifetime.Err()
	}
	ch.conn = conn
	ch.mu.Unlock()

	ch.recon.reset()
	ch.status.Set(true)
	ch.log.Info("connected", "user", userID)

	connCtx, connCancel := context.WithCancel(lifetime)
	go ch.readLoop(connCtx, connCancel, conn)
	go ch.heartbeatLoop(connCtx, conn)
	return nil
}

func (ch *Channel) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			cancel()
			ch.mu.Lock()
			current := ch.conn == conn
			if current {
				ch.conn = nil
			}
			lifetime := ch.lifetime
			if ch.cancelFn == nil {
				lifetime = nil
			}
			ch.mu.Unlock()

			if !current || lifetime == nil {
				return
			}
			ch.status.Set(false)
			ch.log.Warn("connection lost", "err", err)

			if ch.config.AutoReconnect {
				ch.reconnectLoop(lifetime)
			} else {
				ch.mu.Lock()
				ch.cancelFn = nil
				ch.mu.Unlock()
			}
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			ch.log.Debug("dropping malformed frame")
			continue
		}
		ch.dispatch(env)
	}
}

func (ch *Channel) dispatch(env Envelope) {
	switch env.Type {
	case EventMessageNew:
		ch.onMessageNew.emit(ch.log, env.Payload)
	case EventMessageSent:
		ch.onMessageSent.emit(ch.log, env.Payload)
	case EventConversationUpdate:
		ch.onConversationUpdate.emit(ch.log, env.Payload)
	case EventMessagesRead:
		ch.onMessagesRead.emit(ch.log, env.Payload)
	case EventTypingStart:
		ch.onTypingStart.emit(ch.log, env.Payload)
	case EventTypingStop:
		ch.onTypingStop.emit(ch.log, env.Payload)
	default:
		ch.log.Debug("ignoring event", "type", env.Type)
	}
}

func (ch *Channel) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(ch.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				ch.log.Warn("heartbeat failed", "err", err)
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// reconnectLoop retries with backoff until a dial succeeds, attempts run out
// or the lifetime ends. Giving up leaves the status false.
func (ch *Channel) reconnectLoop(lifetime context.Context) {
	for ch.recon.shouldReconnect() {
		delay := ch.recon.nextDelay()
		ch.onReconnecting.emit(ch.log, ReconnectAttempt{Attempt: ch.recon.attempt, Delay: delay})

		select {
		case <-lifetime.Done():
			return
		case <-time.After(delay):
		}

		err := ch.dial(lifetime, lifetime)
		if err == nil || lifetime.Err() != nil {
			return
		}
		ch.log.Warn("reconnect failed", "attempt", ch.recon.attempt, "err", err)
	}

	ch.log.Warn("giving up reconnecting", "attempts", ch.recon.attempt)
	ch.mu.Lock()
	if ch.cancelFn != nil && ch.lifetime == lifetime {
		ch.cancelFn()
		ch.cancelFn = nil
	}
	ch.mu.Unlock()
	ch.status.Set(false)
}

// mergeDone returns a context cancelled when either parent is.
func mergeDone(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
