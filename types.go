package inbox

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// ============================================================================
// Participants
// ============================================================================

// Participant is the expanded form of a user taking part in a conversation.
type Participant struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// participantWire accepts both "id" and "_id" keys.
type participantWire struct {
	ID       string `json:"id"`
	MongoID  string `json:"_id"`
	Name     string `json:"name"`
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
}

func (p *Participant) UnmarshalJSON(data []byte) error {
	var w participantWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	p.ID = w.ID
	if p.ID == "" {
		p.ID = w.MongoID
	}
	p.Name = w.Name
	if p.Name == "" {
		p.Name = w.Username
	}
	p.Avatar = w.Avatar
	return nil
}

// ParticipantRef is a sender or receiver as the server sends it: either a bare
// identifier string or an expanded participant record. Use ExtractID to
// compare refs.
type ParticipantRef struct {
	ID      string
	Profile *Participant
}

// Ref builds a bare-identifier ParticipantRef.
func Ref(id string) ParticipantRef {
	return ParticipantRef{ID: id}
}

// UnmarshalJSON never fails on shape: a ref that is neither a string nor an
// object decodes to the empty identifier.
func (r *ParticipantRef) UnmarshalJSON(data []byte) error {
	*r = ParticipantRef{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	switch data[0] {
	case '"':
		var id string
		if err := json.Unmarshal(data, &id); err == nil {
			r.ID = strings.TrimSpace(id)
		}
	case '{':
		var p Participant
		if err := json.Unmarshal(data, &p); err == nil {
			r.ID = p.ID
			r.Profile = &p
		}
	}
	return nil
}

func (r ParticipantRef) MarshalJSON() ([]byte, error) {
	if r.Profile != nil {
		p := *r.Profile
		if p.ID == "" {
			p.ID = r.ID
		}
		return json.Marshal(p)
	}
	return json.Marshal(r.ID)
}

// ExtractID normalizes anything that may identify a participant into its
// identifier. It is total: nil, malformed or unknown input yields "".
func ExtractID(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case *string:
		if t == nil {
			return ""
		}
		return strings.TrimSpace(*t)
	case ParticipantRef:
		if t.ID != "" {
			return t.ID
		}
		if t.Profile != nil {
			return t.Profile.ID
		}
		return ""
	case *ParticipantRef:
		if t == nil {
			return ""
		}
		return ExtractID(*t)
	case Participant:
		return t.ID
	case *Participant:
		if t == nil {
			return ""
		}
		return t.ID
	case map[string]any:
		for _, key := range []string{"id", "_id", "userId"} {
			if s, ok := t[key].(string); ok && s != "" {
				return s
			}
		}
		return ""
	case json.RawMessage:
		var r ParticipantRef
		_ = r.UnmarshalJSON(t)
		return r.ID
	case []byte:
		return ExtractID(json.RawMessage(t))
	default:
		return ""
	}
}

// ============================================================================
// Messages
// ============================================================================

// Message is one direct message between two participants.
type Message struct {
	ID        string         `json:"id"`
	Sender    ParticipantRef `json:"sender"`
	Receiver  ParticipantRef `json:"receiver"`
	Content   string         `json:"content"`
	Read      bool           `json:"read"`
	ProductID string         `json:"productId,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

type messageWire struct {
	ID         string          `json:"id"`
	MongoID    string          `json:"_id"`
	Sender     ParticipantRef  `json:"sender"`
	SenderID   ParticipantRef  `json:"senderId"`
	Receiver   ParticipantRef  `json:"receiver"`
	ReceiverID ParticipantRef  `json:"receiverId"`
	Content    string          `json:"content"`
	Read       bool            `json:"read"`
	ProductID  json.RawMessage `json:"productId"`
	Product    json.RawMessage `json:"product"`
	CreatedAt  string          `json:"createdAt"`
}

// UnmarshalJSON accepts the field spellings used by the persistence API and
// the push channel ("_id", "senderId"/"sender", a product id or object).
func (m *Message) UnmarshalJSON(data []byte) error {
	var w messageWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*m = Message{
		ID:       firstNonEmpty(w.ID, w.MongoID),
		Sender:   w.Sender,
		Receiver: w.Receiver,
		Content:  w.Content,
		Read:     w.Read,
	}
	if ExtractID(m.Sender) == "" {
		m.Sender = w.SenderID
	}
	if ExtractID(m.Receiver) == "" {
		m.Receiver = w.ReceiverID
	}
	m.ProductID = ExtractID(w.ProductID)
	if m.ProductID == "" {
		m.ProductID = ExtractID(w.Product)
	}
	m.CreatedAt = parseTime(w.CreatedAt)
	return nil
}

// SenderID is ExtractID(m.Sender).
func (m Message) SenderID() string { return ExtractID(m.Sender) }

// ReceiverID is ExtractID(m.Receiver).
func (m Message) ReceiverID() string { return ExtractID(m.Receiver) }

// Counterpart returns the participant of m that is not localID.
func (m Message) Counterpart(localID string) string {
	if s := m.SenderID(); s != "" && s != localID {
		return s
	}
	return m.ReceiverID()
}

// ============================================================================
// Conversations
// ============================================================================

// Conversation is a two-participant thread as seen by the local user.
type Conversation struct {
	ID             string      `json:"id"`
	ParticipantIDs []string    `json:"participants"`
	OtherUser      Participant `json:"otherUser"`
	LastMessage    *Message    `json:"lastMessage,omitempty"`
	UnreadCount    int         `json:"unreadCount"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

type conversationWire struct {
	ID           string           `json:"id"`
	MongoID      string           `json:"_id"`
	Participants []ParticipantRef `json:"participants"`
	OtherUser    *Participant     `json:"otherUser"`
	User         *Participant     `json:"user"`
	LastMessage  *Message         `json:"lastMessage"`
	UnreadCount  int              `json:"unreadCount"`
	UpdatedAt    string           `json:"updatedAt"`
}

func (c *Conversation) UnmarshalJSON(data []byte) error {
	var w conversationWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*c = Conversation{
		ID:          firstNonEmpty(w.ID, w.MongoID),
		LastMessage: w.LastMessage,
		UnreadCount: max(w.UnreadCount, 0),
		UpdatedAt:   parseTime(w.UpdatedAt),
	}
	for _, p := range w.Participants {
		if id := ExtractID(p); id != "" {
			c.ParticipantIDs = append(c.ParticipantIDs, id)
		}
	}
	switch {
	case w.OtherUser != nil:
		c.OtherUser = *w.OtherUser
	case w.User != nil:
		c.OtherUser = *w.User
	}
	if c.UpdatedAt.IsZero() && c.LastMessage != nil {
		c.UpdatedAt = c.LastMessage.CreatedAt
	}
	return nil
}

// OtherID is the identifier of the non-local participant.
func (c Conversation) OtherID() string { return ExtractID(c.OtherUser) }

// ============================================================================
// Push payloads
// ============================================================================

// TypingPayload is carried by typing:start and typing:stop in both directions.
type TypingPayload struct {
	UserID     string `json:"userId"`
	ReceiverID string `json:"receiverId"`
}

// MessagesReadPayload is pushed when the other participant read our messages.
type MessagesReadPayload struct {
	UserID string `json:"userId"`
}

// DecodeMessageEvent decodes a message:new / message:sent payload, which is
// either {"message": {...}} or the message object itself.
func DecodeMessageEvent(raw json.RawMessage) (Message, error) {
	var wrapped struct {
		Message json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return Message{}, err
	}
	body := raw
	if len(wrapped.Message) > 0 && !bytes.Equal(wrapped.Message, []byte("null")) {
		body = wrapped.Message
	}
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return Message{}, err
	}
	return m, nil
}

// ============================================================================
// Helpers
// ============================================================================

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.000Z"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
