package chatsync

import (
	"sort"
	"time"

	jww "github.com/spf13/jwalterweatherman"
)

// ============================================================================
// Store
// ============================================================================

// Store holds the conversation list, per-conversation message timelines and
// the active conversation. Entries are keyed by conversation ID once the
// server has supplied one, and by peer key before that; a peer-key index
// resolves either form.
//
// Store is not safe for concurrent use. Session serializes every call on its
// event loop.
type Store struct {
	window        time.Duration
	conversations map[string]*Conversation
	byPeer        map[string]string
	active        string
	loaded        bool
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithDedupWindow sets the SentAt tolerance for matching messages without
// server IDs. Defaults to DefaultDedupWindow.
func WithDedupWindow(d time.Duration) StoreOption {
	return func(s *Store) { s.window = d }
}

// NewStore creates an empty Store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{window: DefaultDedupWindow}
	for _, opt := range opts {
		opt(s)
	}
	s.reset()
	return s
}

func (s *Store) reset() {
	s.conversations = make(map[string]*Conversation)
	s.byPeer = make(map[string]string)
	s.active = ""
	s.loaded = false
}

func idKey(conversationID string) string { return "id:" + conversationID }
func peerKey(peer string) string         { return "peer:" + peer }

// PeerKeyFor derives the conversation a message belongs to, from the point of
// view of currentUserID. Group messages file under the group name; messages
// the current user sent file under their recipient; everything else files
// under the sender's display name, or the sender ID if no name was given.
func PeerKeyFor(m Message, currentUserID string) string {
	switch {
	case m.Kind == KindGroup:
		return m.Recipient
	case currentUserID != "" && m.SenderID == currentUserID:
		return m.Recipient
	case m.SenderDisplayName != "":
		return m.SenderDisplayName
	default:
		return m.SenderID
	}
}

func (s *Store) lookup(peer string) *Conversation {
	key, ok := s.byPeer[peer]
	if !ok {
		return nil
	}
	return s.conversations[key]
}

// ensure returns the conversation for peer, creating an empty one if needed.
func (s *Store) ensure(peer string, group bool) *Conversation {
	if c := s.lookup(peer); c != nil {
		if group {
			c.IsGroup = true
		}
		return c
	}
	c := &Conversation{PeerKey: peer, IsGroup: group, Messages: []Message{}}
	s.conversations[peerKey(peer)] = c
	s.byPeer[peer] = peerKey(peer)
	jww.DEBUG.Printf("[STORE] Created conversation %q (group=%t)", peer, group)
	return c
}

// bind records the server conversation ID for c and moves the entry under
// its ID key. The peer key and messages are untouched.
func (s *Store) bind(c *Conversation, conversationID string) {
	if conversationID == "" || c.ConversationID == conversationID {
		return
	}
	if other, ok := s.conversations[idKey(conversationID)]; ok && other != c {
		jww.WARN.Printf("[STORE] Conversation ID %s already bound to %q, "+
			"not rebinding to %q", conversationID, other.PeerKey, c.PeerKey)
		return
	}
	delete(s.conversations, s.byPeer[c.PeerKey])
	c.ConversationID = conversationID
	s.conversations[idKey(conversationID)] = c
	s.byPeer[c.PeerKey] = idKey(conversationID)
}

// UpsertMessage files m under its conversation, creating the conversation if
// needed, and keeps the timeline sorted by SentAt. Returns false if an
// equivalent message is already present or no conversation can be derived.
func (s *Store) UpsertMessage(m Message, currentUserID string) bool {
	peer := PeerKeyFor(m, currentUserID)
	if peer == "" {
		jww.WARN.Printf("[STORE] Dropping message from %q with no "+
			"conversation", m.SenderID)
		return false
	}
	c := s.ensure(peer, m.Kind == KindGroup)
	if containsMessage(c.Messages, m, s.window) {
		jww.TRACE.Printf("[STORE] Duplicate message in %q (id=%q)", peer, m.ID)
		return false
	}

	// Upper bound keeps arrival order among equal timestamps.
	i := sort.Search(len(c.Messages), func(i int) bool {
		return c.Messages[i].SentAt > m.SentAt
	})
	c.Messages = append(c.Messages, Message{})
	copy(c.Messages[i+1:], c.Messages[i:])
	c.Messages[i] = m
	return true
}

// MarkRecalled replaces the content of message messageID in conversation
// peer with placeholder. The message keeps its position. Returns false if the
// conversation or message is unknown.
func (s *Store) MarkRecalled(peer, messageID, placeholder string) bool {
	c := s.lookup(peer)
	if c == nil || messageID == "" {
		return false
	}
	for i := range c.Messages {
		if c.Messages[i].ID == messageID {
			c.Messages[i].Content = placeholder
			return true
		}
	}
	return false
}

// SetActiveConversation marks peer as the conversation being viewed,
// creating it if needed. An empty peer clears the selection.
func (s *Store) SetActiveConversation(peer string) {
	if peer != "" {
		s.ensure(peer, false)
	}
	s.active = peer
}

// Active returns the active peer key, or "" if none is selected.
func (s *Store) Active() string {
	return s.active
}

// ActiveConversation returns a copy of the active conversation.
func (s *Store) ActiveConversation() (Conversation, bool) {
	if s.active == "" {
		return Conversation{}, false
	}
	return s.Conversation(s.active)
}

// LoadBulkHistory merges server summaries into the store and returns the
// messages it added, by peer key. Messages matching one already held are
// not added. Direct summaries without an other_user are skipped. Loading the
// same summaries twice leaves the store unchanged.
func (s *Store) LoadBulkHistory(summaries []ConversationSummary, currentUserID string) map[string][]Message {
	added := make(map[string][]Message)
	for _, sum := range summaries {
		peer, peerID := summaryPeer(sum)
		group := sum.IsGroup()
		if peer == "" {
			jww.WARN.Printf("[STORE] Skipping %s conversation %s with no "+
				"peer", sum.Type, sum.ID)
			continue
		}

		c := s.ensure(peer, group)
		s.bind(c, sum.ID)
		if peerID != "" {
			c.PeerID = peerID
		}
		if len(sum.Members) > 0 {
			c.Members = append([]Member(nil), sum.Members...)
		}

		incoming := make([]Message, 0, len(sum.Messages))
		for _, hm := range sum.Messages {
			incoming = append(incoming, historyMessage(hm, peer, group, currentUserID))
		}
		var fresh []Message
		c.Messages, fresh = mergeMessages(c.Messages, incoming, s.window)
		if len(fresh) > 0 {
			added[peer] = append(added[peer], fresh...)
		}
	}
	s.loaded = true
	return added
}

// Loaded reports whether a bulk history load has completed since the last
// ClearAll.
func (s *Store) Loaded() bool {
	return s.loaded
}

// ClearAll drops every conversation and the active selection.
func (s *Store) ClearAll() {
	s.reset()
}

// AddGroup registers a group conversation, binding its server ID. Returns
// true if the conversation did not exist before.
func (s *Store) AddGroup(conversationID, name string) bool {
	if name == "" {
		return false
	}
	created := s.lookup(name) == nil
	c := s.ensure(name, true)
	s.bind(c, conversationID)
	return created
}

// FindMessage returns the peer key of the conversation holding messageID.
func (s *Store) FindMessage(messageID string) (string, bool) {
	if messageID == "" {
		return "", false
	}
	for _, c := range s.conversations {
		for _, m := range c.Messages {
			if m.ID == messageID {
				return c.PeerKey, true
			}
		}
	}
	return "", false
}

// SetStatus updates the delivery status of the optimistic message clientID.
func (s *Store) SetStatus(peer, clientID string, status Status) bool {
	c := s.lookup(peer)
	if c == nil || clientID == "" {
		return false
	}
	for i := range c.Messages {
		if c.Messages[i].ClientID == clientID {
			c.Messages[i].Status = status
			return true
		}
	}
	return false
}

// Conversation returns a copy of the conversation for peer.
func (s *Store) Conversation(peer string) (Conversation, bool) {
	c := s.lookup(peer)
	if c == nil {
		return Conversation{}, false
	}
	return c.clone(), true
}

// Conversations returns copies of all conversations, most recently active
// first. Conversations without messages sort last, by peer key.
func (s *Store) Conversations() []Conversation {
	out := make([]Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, c.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		li, iok := out[i].LastMessage()
		lj, jok := out[j].LastMessage()
		if iok != jok {
			return iok
		}
		if iok && li.SentAt != lj.SentAt {
			return li.SentAt > lj.SentAt
		}
		return out[i].PeerKey < out[j].PeerKey
	})
	return out
}

// ============================================================================
// Helpers
// ============================================================================

func containsMessage(list []Message, m Message, window time.Duration) bool {
	for _, existing := range list {
		if SameMessage(existing, m, window) {
			return true
		}
	}
	return false
}

// mergeMessages appends the messages of incoming not already present and
// returns the result stably sorted by SentAt, along with the messages added.
func mergeMessages(existing, incoming []Message, window time.Duration) ([]Message, []Message) {
	out := make([]Message, len(existing), len(existing)+len(incoming))
	copy(out, existing)
	var added []Message
	for _, m := range incoming {
		if !containsMessage(out, m, window) {
			out = append(out, m)
			added = append(added, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].SentAt < out[j].SentAt
	})
	return out, added
}

// summaryPeer returns the peer key and peer user ID a summary files under.
func summaryPeer(sum ConversationSummary) (string, string) {
	if sum.IsGroup() {
		return sum.Name, ""
	}
	if sum.OtherUser == nil {
		return "", ""
	}
	return sum.OtherUser.Username, sum.OtherUser.ID
}

func historyMessage(hm HistoryMessage, peer string, group bool, currentUserID string) Message {
	m := Message{
		ID:                hm.ID,
		SenderID:          hm.SenderID,
		SenderDisplayName: hm.SenderUsername,
		Kind:              KindDirect,
		Content:           hm.Content,
		SentAt:            epochSeconds(hm.CreatedAt),
	}
	switch {
	case group:
		m.Kind = KindGroup
		m.Recipient = peer
	case hm.SenderID == currentUserID:
		m.Recipient = peer
	default:
		m.Recipient = currentUserID
	}
	return m
}
