package chatsync

import (
	"fmt"
	"math"
	"time"
)

// APIError represents a non-2xx response from the gateway or auth service.
// Both services report failures as {"error": "..."}.
type APIError struct {
	Status  int    `json:"-"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %d", e.Status)
	}
	return fmt.Sprintf("http %d: %s", e.Status, e.Message)
}

// ============================================================================
// Messages
// ============================================================================

// Kind tags what a message (or inbound frame) represents.
type Kind string

const (
	KindDirect       Kind = "direct"
	KindGroup        Kind = "group"
	KindRecall       Kind = "recall"
	KindGroupCreated Kind = "group-created"
)

// Status tracks the delivery state of an optimistic send. Messages received
// from the server carry an empty status.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// DefaultDedupWindow is the timestamp tolerance used when matching messages
// that have no server-assigned ID.
const DefaultDedupWindow = time.Second

// Message is one chat message as held by the Store.
type Message struct {
	// ID is assigned by the server. Empty for optimistic local inserts.
	ID string `json:"id,omitempty"`
	// ClientID is set only on optimistic inserts; it is not part of identity.
	ClientID          string  `json:"client_id,omitempty"`
	SenderID          string  `json:"from"`
	SenderDisplayName string  `json:"from_username,omitempty"`
	Recipient         string  `json:"to,omitempty"`
	Kind              Kind    `json:"kind"`
	Content           string  `json:"content"`
	SentAt            float64 `json:"timestamp"`
	Status            Status  `json:"status,omitempty"`
}

// Provisional reports whether the message was inserted locally before the
// server acknowledged it.
func (m Message) Provisional() bool {
	return m.ID == ""
}

// Time returns SentAt as a time.Time.
func (m Message) Time() time.Time {
	sec, frac := math.Modf(m.SentAt)
	return time.Unix(int64(sec), int64(frac*1e9))
}

// SameMessage reports whether a and b denote the same logical message. Two
// messages with server IDs are the same only if the IDs match; otherwise they
// match on sender, content and a SentAt difference under window.
func SameMessage(a, b Message, window time.Duration) bool {
	if a.ID != "" && b.ID != "" {
		return a.ID == b.ID
	}
	return a.SenderID == b.SenderID &&
		a.Content == b.Content &&
		math.Abs(a.SentAt-b.SentAt) < window.Seconds()
}

func epochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// ============================================================================
// Conversations
// ============================================================================

// Member is a user participating in a group conversation.
type Member struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

// Conversation is the local view of one peer or group thread.
type Conversation struct {
	// PeerKey is the peer username or group name. Stable for the session.
	PeerKey        string    `json:"peer_key"`
	PeerID         string    `json:"peer_id,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	IsGroup        bool      `json:"is_group"`
	Members        []Member  `json:"members,omitempty"`
	Messages       []Message `json:"messages"`
}

// LastMessage returns the newest message, if any.
func (c *Conversation) LastMessage() (Message, bool) {
	if len(c.Messages) == 0 {
		return Message{}, false
	}
	return c.Messages[len(c.Messages)-1], true
}

func (c *Conversation) clone() Conversation {
	out := *c
	out.Members = append([]Member(nil), c.Members...)
	out.Messages = append([]Message(nil), c.Messages...)
	return out
}

// ConversationSummary is one entry of a bulk history response. Direct
// conversations carry OtherUser; groups carry Name and Members.
type ConversationSummary struct {
	ID        string           `json:"id"`
	Type      string           `json:"type"`
	Name      string           `json:"name,omitempty"`
	OtherUser *Member          `json:"other_user,omitempty"`
	Members   []Member         `json:"members,omitempty"`
	Messages  []HistoryMessage `json:"messages"`
}

// IsGroup reports whether the summary describes a group conversation.
func (s *ConversationSummary) IsGroup() bool {
	return s.Type == "group"
}

// HistoryMessage is a message as returned by the history endpoints.
type HistoryMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	SenderUsername string    `json:"sender_username,omitempty"`
	Content        string    `json:"content"`
	Status         string    `json:"status,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// ============================================================================
// HTTP payloads
// ============================================================================

// LoginResult is returned by the auth service on successful login.
type LoginResult struct {
	Token    string `json:"token"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// RegisterResult is returned by the auth service on account creation.
type RegisterResult struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Message  string `json:"message"`
}

// Friend is an entry of the friend list.
type Friend struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

// Group is an entry of the group list.
type Group struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Name     string           `json:"name"`
	Members  []Member         `json:"members,omitempty"`
	Messages []HistoryMessage `json:"messages,omitempty"`
}

// summary converts the group list entry into a history summary.
func (g Group) summary() ConversationSummary {
	return ConversationSummary{
		ID:       g.ID,
		Type:     "group",
		Name:     g.Name,
		Members:  g.Members,
		Messages: g.Messages,
	}
}

// StoredMessage is the server's representation of a persisted message, as
// returned by the HTTP send endpoints.
type StoredMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	Status         string    `json:"status,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
