package chatsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"golang.org/x/sync/errgroup"
)

// DefaultRecallPlaceholder replaces recalled content when the server does not
// supply its own text.
const DefaultRecallPlaceholder = "[message recalled]"

const defaultQueueSize = 256

var (
	ErrSessionClosed    = errors.New("session closed")
	ErrNotStarted       = errors.New("session not started")
	ErrNoConversationID = errors.New("conversation has no server ID")
)

// SendError is returned when neither the live channel nor the HTTP fallback
// accepted a message. PeerKey and Content hold the caller's input so it can
// be offered for resubmission.
type SendError struct {
	PeerKey string
	Content string
	Err     error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s: %v", e.PeerKey, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// SendPath is the route that delivered an outbound message.
type SendPath string

const (
	SendLive SendPath = "live"
	SendHTTP SendPath = "http"
)

// SendResult describes a delivered message.
type SendResult struct {
	Path SendPath
	// Message is the local copy. It keeps its ClientID and never gains the
	// server ID, even when Stored is set.
	Message Message
	// Stored is the server's record, set for HTTP deliveries.
	Stored *StoredMessage
}

// ============================================================================
// Configuration
// ============================================================================

// SessionConfig configures a Session.
type SessionConfig struct {
	// Realtime configures the live channel. URL defaults to Client.WSURL.
	Realtime RealtimeConfig
	// RecallPlaceholder defaults to DefaultRecallPlaceholder.
	RecallPlaceholder string
	// DedupWindow defaults to DefaultDedupWindow.
	DedupWindow time.Duration
	// DisableOptimistic skips the local insert before a send is delivered.
	DisableOptimistic bool
	// Archive, if set, receives every message the store accepts. The caller
	// owns and closes it.
	Archive Archive
	Metrics *Metrics
	// QueueSize bounds the event queue. Defaults to 256.
	QueueSize int
}

func (c *SessionConfig) defaults() {
	if c.RecallPlaceholder == "" {
		c.RecallPlaceholder = DefaultRecallPlaceholder
	}
	if c.DedupWindow == 0 {
		c.DedupWindow = DefaultDedupWindow
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.Realtime.Metrics == nil {
		c.Realtime.Metrics = c.Metrics
	}
}

// ============================================================================
// Notifications
// ============================================================================

// sessionEmitter delivers notifications on a single goroutine, in the order
// they were raised. The queue is unbounded so the event loop never blocks on
// a slow handler.
type sessionEmitter struct {
	mu        sync.RWMutex
	onUpdated []func(peer string)
	onState   []func(ConnState)
	onWarning []func(error)

	qmu     sync.Mutex
	pending []func()
	wake    chan struct{}
	quit    chan struct{}
}

func newSessionEmitter() *sessionEmitter {
	return &sessionEmitter{
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
	}
}

func (e *sessionEmitter) run() {
	for {
		e.qmu.Lock()
		batch := e.pending
		e.pending = nil
		e.qmu.Unlock()

		for _, f := range batch {
			deliver(f)
		}
		if len(batch) > 0 {
			continue
		}
		select {
		case <-e.wake:
		case <-e.quit:
			return
		}
	}
}

func (e *sessionEmitter) stop() {
	close(e.quit)
}

func (e *sessionEmitter) push(f func()) {
	e.qmu.Lock()
	e.pending = append(e.pending, f)
	e.qmu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// deliver runs a user handler, logging instead of propagating a panic.
func deliver(f func()) {
	defer func() {
		if r := recover(); r != nil {
			jww.ERROR.Printf("[SYNC] Notification handler panicked: %v", r)
		}
	}()
	f()
}

func (e *sessionEmitter) updated(peer string) {
	e.mu.RLock()
	hs := append([]func(string){}, e.onUpdated...)
	e.mu.RUnlock()
	for _, h := range hs {
		h := h
		e.push(func() { h(peer) })
	}
}

func (e *sessionEmitter) state(st ConnState) {
	e.mu.RLock()
	hs := append([]func(ConnState){}, e.onState...)
	e.mu.RUnlock()
	for _, h := range hs {
		h := h
		e.push(func() { h(st) })
	}
}

func (e *sessionEmitter) warning(err error) {
	e.mu.RLock()
	hs := append([]func(error){}, e.onWarning...)
	e.mu.RUnlock()
	for _, h := range hs {
		h := h
		e.push(func() { h(err) })
	}
}

// OnConversationUpdated registers a handler called after a conversation's
// messages change. All handlers share one delivery goroutine and see
// notifications in the order they were raised; a handler that blocks delays
// the rest.
func (s *Session) OnConversationUpdated(h func(peer string)) {
	s.emitter.mu.Lock()
	s.emitter.onUpdated = append(s.emitter.onUpdated, h)
	s.emitter.mu.Unlock()
}

// OnStateChange registers a handler for live channel state transitions.
func (s *Session) OnStateChange(h func(ConnState)) {
	s.emitter.mu.Lock()
	s.emitter.onState = append(s.emitter.onState, h)
	s.emitter.mu.Unlock()
}

// OnWarning registers a handler for non-fatal failures, such as a history
// load that could not complete.
func (s *Session) OnWarning(h func(error)) {
	s.emitter.mu.Lock()
	s.emitter.onWarning = append(s.emitter.onWarning, h)
	s.emitter.mu.Unlock()
}

func (s *Session) updated(peer string) { s.emitter.updated(peer) }
func (s *Session) warn(err error)      { s.emitter.warning(err) }

// ============================================================================
// Session
// ============================================================================

// Session owns a Store and keeps it in sync with the server: it opens the
// live channel, merges bulk history with live traffic, and sends messages
// over the live channel with an HTTP fallback.
//
// Every store mutation runs on a single event loop goroutine, in the order
// it was posted.
type Session struct {
	client  *Client
	conn    *Connection
	config  *SessionConfig
	store   *Store
	emitter *sessionEmitter

	mu         sync.Mutex
	userID     string
	// epoch advances on Logout; work begun under an older epoch is dropped.
	epoch      uint64
	cancelSync context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
	queue  chan func()
	quit   chan struct{}
	done   chan struct{}
	once   sync.Once
}

// NewSession creates a session and starts its event loop. config may be nil.
func NewSession(client *Client, config *SessionConfig) *Session {
	var cfg SessionConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	if cfg.Realtime.URL == "" {
		cfg.Realtime.URL = client.WSURL()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		client:  client,
		config:  &cfg,
		store:   NewStore(WithDedupWindow(cfg.DedupWindow)),
		emitter: newSessionEmitter(),
		ctx:     ctx,
		cancel:  cancel,
		queue:   make(chan func(), cfg.QueueSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.conn = NewConnection(&cfg.Realtime)
	s.conn.OnEvent(s.handleEvent)
	s.conn.OnStateChange(s.emitter.state)

	go s.emitter.run()
	go s.run()
	return s
}

func (s *Session) run() {
	defer close(s.done)
	for {
		select {
		case fn := <-s.queue:
			fn()
		case <-s.quit:
			return
		}
	}
}

func (s *Session) post(fn func()) error {
	select {
	case s.queue <- fn:
		return nil
	case <-s.quit:
		return ErrSessionClosed
	}
}

// View runs fn on the event loop and waits for it to finish. fn must not
// retain the store.
func (s *Session) View(ctx context.Context, fn func(*Store)) error {
	finished := make(chan struct{})
	if err := s.post(func() {
		defer close(finished)
		fn(s.store)
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.quit:
		return ErrSessionClosed
	}
}

// Connection returns the live channel.
func (s *Session) Connection() *Connection {
	return s.conn
}

// UserID returns the current user, or "" before Start and after Logout.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// Start opens the live channel for userID and then loads bulk history in
// the background. A history failure is logged and reported through
// OnWarning; live messages keep flowing regardless.
func (s *Session) Start(token, userID string) error {
	select {
	case <-s.quit:
		return ErrSessionClosed
	default:
	}

	ctx, cancel := context.WithCancel(s.ctx)
	s.mu.Lock()
	if s.cancelSync != nil {
		s.cancelSync()
	}
	s.cancelSync = cancel
	s.userID = userID
	epoch := s.epoch
	s.mu.Unlock()
	s.client.SetToken(token)

	jww.INFO.Printf("[SYNC] Starting session for %s", userID)
	s.conn.Connect(token)
	go s.syncHistory(ctx, epoch)
	return nil
}

// SyncHistory fetches conversation history and the group list and merges
// them into the store. Safe to repeat. Returns ErrNotStarted before Start
// and after Logout.
func (s *Session) SyncHistory(ctx context.Context) error {
	s.mu.Lock()
	epoch, started := s.epoch, s.userID != ""
	s.mu.Unlock()
	if !started {
		return ErrNotStarted
	}
	return s.syncHistory(ctx, epoch)
}

func (s *Session) syncHistory(ctx context.Context, epoch uint64) error {
	summaries, err := s.fetchHistory(ctx)
	if err != nil {
		if !s.current(epoch) || ctx.Err() != nil {
			jww.DEBUG.Printf("[SYNC] History load abandoned: %v", err)
			return err
		}
		err = errors.Wrap(err, "load history")
		jww.WARN.Printf("[SYNC] %+v", err)
		s.warn(err)
		return err
	}
	return s.View(ctx, func(st *Store) {
		if !s.current(epoch) {
			jww.DEBUG.Printf("[SYNC] Discarding history fetched before logout")
			return
		}
		s.applyHistory(st, summaries)
	})
}

// current reports whether no Logout has happened since epoch was read.
func (s *Session) current(epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch == epoch
}

func (s *Session) fetchHistory(ctx context.Context) ([]ConversationSummary, error) {
	var (
		convs  []ConversationSummary
		groups []Group
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		convs, err = s.client.Conversations.History(gctx)
		return err
	})
	g.Go(func() (err error) {
		groups, err = s.client.Groups.List(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, grp := range groups {
		convs = append(convs, grp.summary())
	}
	return convs, nil
}

func (s *Session) applyHistory(st *Store, summaries []ConversationSummary) {
	added := st.LoadBulkHistory(summaries, s.UserID())

	touched := make(map[string]struct{})
	for _, sum := range summaries {
		if peer, _ := summaryPeer(sum); peer != "" {
			touched[peer] = struct{}{}
		}
	}
	if s.config.Archive != nil {
		for peer, msgs := range added {
			for _, m := range msgs {
				if err := s.config.Archive.Append(peer, m); err != nil {
					jww.ERROR.Printf("[SYNC] Archive append for %q: %+v", peer, err)
				}
			}
		}
	}
	jww.INFO.Printf("[SYNC] Loaded history for %d conversations", len(touched))
	for peer := range touched {
		s.updated(peer)
	}
}

// handleEvent runs on the connection's read goroutine and hands the event to
// the loop, preserving arrival order.
func (s *Session) handleEvent(ev Event) {
	s.mu.Lock()
	epoch, started := s.epoch, s.userID != ""
	s.mu.Unlock()
	if !started {
		jww.DEBUG.Printf("[SYNC] Dropping %s event outside a session", ev.Kind)
		return
	}
	if err := s.post(func() {
		if !s.current(epoch) {
			jww.DEBUG.Printf("[SYNC] Dropping %s event received before logout", ev.Kind)
			return
		}
		s.apply(ev)
	}); err != nil {
		jww.DEBUG.Printf("[SYNC] Dropping %s event: %v", ev.Kind, err)
	}
}

func (s *Session) apply(ev Event) {
	switch ev.Kind {
	case KindDirect, KindGroup:
		m := *ev.Message
		if ev.Kind == KindGroup && ev.ConversationID != "" {
			s.store.AddGroup(ev.ConversationID, m.Recipient)
		}
		s.accept(m, "live")

	case KindRecall:
		r := ev.Recall
		peer := r.ConversationName
		if peer == "" {
			peer, _ = s.store.FindMessage(r.MessageID)
		}
		placeholder := r.Placeholder
		if placeholder == "" {
			placeholder = s.config.RecallPlaceholder
		}
		if !s.store.MarkRecalled(peer, r.MessageID, placeholder) {
			jww.DEBUG.Printf("[SYNC] Recall of unknown message %s", r.MessageID)
			return
		}
		s.archiveRecall(peer, r.MessageID, placeholder)
		s.updated(peer)

	case KindGroupCreated:
		g := ev.GroupCreated
		if s.store.AddGroup(g.ConversationID, g.Name) {
			jww.INFO.Printf("[SYNC] Joined group %q", g.Name)
			s.updated(g.Name)
		}
	}
}

// accept upserts m and, if it was new, archives it and notifies. Must run on
// the loop.
func (s *Session) accept(m Message, source string) bool {
	userID := s.UserID()
	added := s.store.UpsertMessage(m, userID)
	s.config.Metrics.message(source, added)
	if !added {
		return false
	}
	peer := PeerKeyFor(m, userID)
	if s.config.Archive != nil {
		if err := s.config.Archive.Append(peer, m); err != nil {
			jww.ERROR.Printf("[SYNC] Archive append for %q: %+v", peer, err)
		}
	}
	s.updated(peer)
	return true
}

func (s *Session) archiveRecall(peer, messageID, placeholder string) {
	if s.config.Archive == nil {
		return
	}
	if err := s.config.Archive.Recall(peer, messageID, placeholder); err != nil {
		jww.ERROR.Printf("[SYNC] Archive recall for %q: %+v", peer, err)
	}
}

// Send delivers content to the conversation peer. Unless optimistic inserts
// are disabled, a pending local copy is added first. The live channel is
// tried first; if it is not open the message goes over HTTP. If both fail
// the local copy is marked failed and a *SendError is returned.
func (s *Session) Send(ctx context.Context, peer, content string) (*SendResult, error) {
	if peer == "" {
		return nil, errors.New("send: empty conversation")
	}
	userID := s.UserID()
	if userID == "" {
		return nil, ErrNotStarted
	}

	m := Message{
		ClientID:  uuid.NewString(),
		SenderID:  userID,
		Recipient: peer,
		Kind:      KindDirect,
		Content:   content,
		SentAt:    epochSeconds(time.Now()),
		Status:    StatusPending,
	}
	var conv Conversation
	err := s.View(ctx, func(st *Store) {
		conv, _ = st.Conversation(peer)
		if conv.IsGroup {
			m.Kind = KindGroup
		}
		if !s.config.DisableOptimistic {
			s.accept(m, "local")
		}
	})
	if err != nil {
		return nil, err
	}

	res := &SendResult{Message: m}
	frame := ChatFrame(peer, content)
	if m.Kind == KindGroup {
		frame = GroupFrame(peer, content)
	}
	if s.conn.Send(frame) {
		s.config.Metrics.send(string(SendLive), "ok")
		s.setStatus(peer, m.ClientID, StatusSent)
		res.Path = SendLive
		res.Message.Status = StatusSent
		return res, nil
	}

	jww.DEBUG.Printf("[SYNC] Live channel unavailable, sending to %q over HTTP", peer)
	var stored *StoredMessage
	switch {
	case m.Kind == KindGroup && conv.ConversationID == "":
		err = ErrNoConversationID
	case m.Kind == KindGroup:
		stored, err = s.client.Groups.Send(ctx, conv.ConversationID, content)
	default:
		to := peer
		if conv.PeerID != "" {
			to = conv.PeerID
		}
		stored, err = s.client.Messages.Send(ctx, to, content)
	}
	if err != nil {
		s.config.Metrics.send(string(SendHTTP), "error")
		s.setStatus(peer, m.ClientID, StatusFailed)
		jww.ERROR.Printf("[SYNC] Send to %q failed: %+v", peer, err)
		return nil, &SendError{PeerKey: peer, Content: content, Err: err}
	}

	s.config.Metrics.send(string(SendHTTP), "ok")
	s.setStatus(peer, m.ClientID, StatusSent)
	res.Path = SendHTTP
	res.Message.Status = StatusSent
	res.Stored = stored
	return res, nil
}

func (s *Session) setStatus(peer, clientID string, status Status) {
	if s.config.DisableOptimistic {
		return
	}
	s.post(func() {
		if s.store.SetStatus(peer, clientID, status) {
			s.updated(peer)
		}
	})
}

// Recall withdraws messageID on the server and replaces it locally.
func (s *Session) Recall(ctx context.Context, peer, messageID string) error {
	if err := s.client.Messages.Recall(ctx, messageID); err != nil {
		return errors.Wrapf(err, "recall %s", messageID)
	}
	return s.View(ctx, func(st *Store) {
		if st.MarkRecalled(peer, messageID, s.config.RecallPlaceholder) {
			s.archiveRecall(peer, messageID, s.config.RecallPlaceholder)
			s.updated(peer)
		}
	})
}

// SetActive selects the conversation being viewed; "" clears the selection.
func (s *Session) SetActive(ctx context.Context, peer string) error {
	return s.View(ctx, func(st *Store) { st.SetActiveConversation(peer) })
}

// Conversations returns a snapshot of all conversations.
func (s *Session) Conversations(ctx context.Context) ([]Conversation, error) {
	var out []Conversation
	err := s.View(ctx, func(st *Store) { out = st.Conversations() })
	return out, err
}

// Conversation returns a snapshot of the conversation for peer.
func (s *Session) Conversation(ctx context.Context, peer string) (Conversation, bool, error) {
	var (
		c  Conversation
		ok bool
	)
	err := s.View(ctx, func(st *Store) { c, ok = st.Conversation(peer) })
	return c, ok, err
}

// Logout closes the live channel and drops all local state, including the
// archive.
func (s *Session) Logout(ctx context.Context) error {
	s.mu.Lock()
	s.epoch++
	s.userID = ""
	if s.cancelSync != nil {
		s.cancelSync()
		s.cancelSync = nil
	}
	s.mu.Unlock()

	s.conn.Disconnect()
	err := s.View(ctx, func(st *Store) {
		st.ClearAll()
		if s.config.Archive != nil {
			if err := s.config.Archive.Clear(); err != nil {
				jww.ERROR.Printf("[SYNC] Archive clear: %+v", err)
			}
		}
	})
	s.client.SetToken("")
	return err
}

// Close disconnects and stops the event loop. Pending events are discarded.
func (s *Session) Close() {
	s.once.Do(func() {
		s.conn.Disconnect()
		s.cancel()
		close(s.quit)
		<-s.done
		s.emitter.stop()
		jww.DEBUG.Printf("[SYNC] Session closed")
	})
}
