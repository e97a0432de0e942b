package chatsync

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/aquilax/truncate"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

// KindUnknown tags inbound frames whose type is not recognized.
const KindUnknown Kind = "unknown"

// Wire discriminants sent by the gateway.
const (
	frameChat         = "chat"
	frameDirect       = "direct"
	frameGroupMessage = "group_message"
	frameRecalled     = "message_recalled"
	frameGroupCreated = "group_created"
)

// ErrMalformedFrame is returned by ClassifyFrame for frames that are not
// valid JSON or lack the fields their type requires.
var ErrMalformedFrame = errors.New("malformed frame")

// ============================================================================
// Inbound events
// ============================================================================

// Event is a classified inbound frame. Exactly one of Message, Recall or
// GroupCreated is set, according to Kind; none is set for KindUnknown.
type Event struct {
	Kind Kind
	// Type is the raw discriminant as received.
	Type         string
	Message      *Message
	Recall       *Recall
	GroupCreated *GroupCreated
	// ConversationID is set when the frame names its server conversation.
	ConversationID string
}

// Recall asks for a message to be replaced by a placeholder.
type Recall struct {
	// ConversationName may be empty; the server does not always send it.
	ConversationName string
	MessageID        string
	SenderID         string
	// Placeholder is the replacement text supplied by the server, if any.
	Placeholder string
}

// GroupCreated announces a group the current user was added to.
type GroupCreated struct {
	ConversationID string
	Name           string
}

type chatFrame struct {
	Type           string  `json:"type"`
	ID             string  `json:"id,omitempty"`
	From           string  `json:"from"`
	FromUsername   string  `json:"from_username,omitempty"`
	To             string  `json:"to,omitempty"`
	GroupName      string  `json:"group_name,omitempty"`
	ConversationID string  `json:"conversation_id,omitempty"`
	Content        string  `json:"content"`
	Timestamp      float64 `json:"timestamp,omitempty"`
}

type recallFrame struct {
	MessageID        string `json:"message_id"`
	ConversationName string `json:"conversation_name,omitempty"`
	GroupName        string `json:"group_name,omitempty"`
	SenderID         string `json:"sender_id,omitempty"`
	Content          string `json:"content,omitempty"`
}

type groupCreatedFrame struct {
	ConversationID string `json:"conversation_id"`
	GroupName      string `json:"group_name"`
}

// ClassifyFrame decodes one inbound text frame. Unrecognized types yield a
// KindUnknown event and no error.
func ClassifyFrame(data []byte) (Event, error) {
	if !gjson.ValidBytes(data) {
		return Event{}, errors.Wrap(ErrMalformedFrame, "invalid JSON")
	}
	typ := gjson.GetBytes(data, "type")
	if typ.Type != gjson.String {
		return Event{}, errors.Wrap(ErrMalformedFrame, "missing type")
	}

	ev := Event{Kind: KindUnknown, Type: typ.Str}
	switch typ.Str {
	case frameChat, frameDirect, frameGroupMessage:
		var f chatFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return Event{}, errors.Wrapf(ErrMalformedFrame, "%s: %v", typ.Str, err)
		}
		m := Message{
			ID:                f.ID,
			SenderID:          f.From,
			SenderDisplayName: f.FromUsername,
			Recipient:         f.To,
			Kind:              KindDirect,
			Content:           f.Content,
			SentAt:            f.Timestamp,
		}
		if typ.Str == frameGroupMessage {
			if f.GroupName == "" {
				return Event{}, errors.Wrap(ErrMalformedFrame, "group_message without group_name")
			}
			m.Kind = KindGroup
			m.Recipient = f.GroupName
		}
		if m.SenderID == "" {
			return Event{}, errors.Wrapf(ErrMalformedFrame, "%s without sender", typ.Str)
		}
		if m.SentAt == 0 {
			m.SentAt = epochSeconds(time.Now())
		}
		ev.Kind = m.Kind
		ev.Message = &m
		ev.ConversationID = f.ConversationID

	case frameRecalled:
		var f recallFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return Event{}, errors.Wrapf(ErrMalformedFrame, "%s: %v", typ.Str, err)
		}
		if f.MessageID == "" {
			return Event{}, errors.Wrap(ErrMalformedFrame, "recall without message_id")
		}
		name := f.ConversationName
		if name == "" {
			name = f.GroupName
		}
		ev.Kind = KindRecall
		ev.Recall = &Recall{
			ConversationName: name,
			MessageID:        f.MessageID,
			SenderID:         f.SenderID,
			Placeholder:      f.Content,
		}

	case frameGroupCreated:
		var f groupCreatedFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return Event{}, errors.Wrapf(ErrMalformedFrame, "%s: %v", typ.Str, err)
		}
		if f.GroupName == "" {
			return Event{}, errors.Wrap(ErrMalformedFrame, "group_created without group_name")
		}
		ev.Kind = KindGroupCreated
		ev.GroupCreated = &GroupCreated{ConversationID: f.ConversationID, Name: f.GroupName}
		ev.ConversationID = f.ConversationID
	}
	return ev, nil
}

// ============================================================================
// Outbound frames
// ============================================================================

// OutboundFrame is a message sent over the live channel. The gateway routes
// it to the user or group named by To.
type OutboundFrame struct {
	Type    string `json:"type"`
	To      string `json:"to"`
	Content string `json:"content"`
}

// ChatFrame builds the outbound frame for a direct message to peer.
func ChatFrame(peer, content string) OutboundFrame {
	return OutboundFrame{Type: frameChat, To: peer, Content: content}
}

// GroupFrame builds the outbound frame for a message to the named group.
func GroupFrame(group, content string) OutboundFrame {
	return OutboundFrame{Type: frameGroupMessage, To: group, Content: content}
}

// logPayload shortens a frame for log output.
func logPayload(data []byte) string {
	return truncate.Truncate(fmt.Sprintf("%q", data), 64, "...", truncate.PositionMiddle)
}
