package chatsync

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

const (
	historyJSON = `{"conversations":[
		{"id":"c-bob","type":"single","other_user":{"id":"u-bob","username":"bob"},"messages":[
			{"id":"m1","conversation_id":"c-bob","sender_id":"u-bob","sender_username":"bob","content":"hello","created_at":"2024-05-01T10:00:00Z"},
			{"id":"m2","conversation_id":"c-bob","sender_id":"me","sender_username":"me","content":"hey","created_at":"2024-05-01T10:00:30Z"}
		]}
	]}`
	groupsJSON = `{"groups":[{"id":"c-team","name":"team","type":"group","members":[{"id":"me","username":"me"},{"id":"u-bob","username":"bob"}]}]}`

	// 2024-05-01T10:00:00Z
	historyEpoch = 1714557600
)

type sessionFixture struct {
	session *Session
	client  *Client
	dialer  *fakeDialer
	clock   *fakeClock
	reqs    *requestLog
	archive *MemoryArchive
}

func defaultRoutes() map[string]http.HandlerFunc {
	return map[string]http.HandlerFunc{
		"GET /api/v1/conversations": jsonResponse(http.StatusOK, historyJSON),
		"GET /api/v1/groups":        jsonResponse(http.StatusOK, groupsJSON),
	}
}

func newSessionFixture(t *testing.T, routes map[string]http.HandlerFunc, cfg *SessionConfig) *sessionFixture {
	t.Helper()
	srv, reqs := newTestServer(t, routes)

	if cfg == nil {
		cfg = &SessionConfig{}
	}
	f := &sessionFixture{
		client:  NewClient(WithBaseURL(srv.URL)),
		dialer:  &fakeDialer{},
		clock:   &fakeClock{},
		reqs:    reqs,
		archive: NewMemoryArchive(),
	}
	cfg.Realtime.Dialer = f.dialer.dial
	cfg.Realtime.HeartbeatInterval = -1
	if cfg.Archive == nil {
		cfg.Archive = f.archive
	}

	f.session = NewSession(f.client, cfg)
	f.session.conn.afterFunc = f.clock.afterFunc
	t.Cleanup(f.session.Close)
	return f
}

func (f *sessionFixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.session.Start("tok", "me"))
}

func (f *sessionFixture) waitConnected(t *testing.T) *fakeTransport {
	t.Helper()
	waitState(t, f.session.Connection(), StateConnected)
	return f.dialer.last()
}

func (f *sessionFixture) waitLoaded(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		var loaded bool
		err := f.session.View(context.Background(), func(st *Store) { loaded = st.Loaded() })
		return err == nil && loaded
	}, 2*time.Second, 5*time.Millisecond, "history never loaded")
}

func (f *sessionFixture) messages(t *testing.T, peer string) []Message {
	c, _, err := f.session.Conversation(context.Background(), peer)
	if err != nil {
		t.Errorf("conversation %q: %v", peer, err)
	}
	return c.Messages
}

func (f *sessionFixture) waitMessages(t *testing.T, peer string, n int) []Message {
	t.Helper()
	require.Eventually(t, func() bool { return len(f.messages(t, peer)) == n },
		2*time.Second, 5*time.Millisecond, "%q never held %d messages", peer, n)
	return f.messages(t, peer)
}

func contents(msgs []Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Content)
	}
	return out
}

func nowFrame(from, fromName, to, content string) []byte {
	return []byte(fmt.Sprintf(
		`{"type":"chat","from":%q,"from_username":%q,"to":%q,"content":%q,"timestamp":%f}`,
		from, fromName, to, content, epochSeconds(time.Now())))
}

// ============================================================================
// Startup
// ============================================================================

func TestSession_HistoryMergesWithLive(t *testing.T) {
	f := newSessionFixture(t, defaultRoutes(), nil)
	f.start(t)
	tr := f.waitConnected(t)

	// A live copy of a history message and a new one, racing the history load.
	tr.frames <- []byte(fmt.Sprintf(`{"type":"chat","id":"m1","from":"u-bob","from_username":"bob","to":"me","content":"hello","timestamp":%d}`, historyEpoch))
	tr.frames <- []byte(fmt.Sprintf(`{"type":"chat","id":"m3","from":"u-bob","from_username":"bob","to":"me","content":"still there?","timestamp":%d}`, historyEpoch+100))

	f.waitLoaded(t)
	msgs := f.waitMessages(t, "bob", 3)
	assert.Equal(t, []string{"hello", "hey", "still there?"}, contents(msgs))

	bob, ok, err := f.session.Conversation(context.Background(), "bob")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "c-bob", bob.ConversationID)
	assert.Equal(t, "u-bob", bob.PeerID)

	team, ok, err := f.session.Conversation(context.Background(), "team")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, team.IsGroup)
	assert.Equal(t, "c-team", team.ConversationID)
	assert.Len(t, team.Members, 2)

	archived, err := f.archive.List("bob", 0)
	require.NoError(t, err)
	assert.Len(t, archived, 3)
}

func TestSession_ConnectsBeforeHistory(t *testing.T) {
	f := newSessionFixture(t, defaultRoutes(), nil)
	f.start(t)
	f.waitLoaded(t)
	f.waitConnected(t)

	assert.Equal(t, 1, f.dialer.dials())
	reqs := f.reqs.all()
	require.Len(t, reqs, 2)
	for _, r := range reqs {
		assert.Equal(t, "Bearer tok", r.Auth)
	}
	assert.Contains(t, f.dialer.urls[0], "token=tok")
}

func TestSession_HistoryFailureWarns(t *testing.T) {
	routes := defaultRoutes()
	routes["GET /api/v1/conversations"] = jsonResponse(http.StatusInternalServerError, `{"error":"db down"}`)
	f := newSessionFixture(t, routes, nil)

	warnings := make(chan error, 1)
	f.session.OnWarning(func(err error) { warnings <- err })
	f.start(t)

	select {
	case err := <-warnings:
		var apiErr *APIError
		require.True(t, errors.As(err, &apiErr), "got %v", err)
		assert.Equal(t, "db down", apiErr.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("no warning")
	}

	// Live traffic still flows.
	tr := f.waitConnected(t)
	tr.frames <- nowFrame("u-carol", "carol", "me", "hi")
	f.waitMessages(t, "carol", 1)

	var loaded bool
	require.NoError(t, f.session.View(context.Background(), func(st *Store) { loaded = st.Loaded() }))
	assert.False(t, loaded)
}

func TestSession_SyncHistoryRepeatable(t *testing.T) {
	f := newSessionFixture(t, defaultRoutes(), nil)
	f.start(t)
	f.waitLoaded(t)

	require.NoError(t, f.session.SyncHistory(context.Background()))
	require.NoError(t, f.session.SyncHistory(context.Background()))
	assert.Len(t, f.messages(t, "bob"), 2)
}

// ============================================================================
// Live events
// ============================================================================

func TestSession_RecallEvents(t *testing.T) {
	f := newSessionFixture(t, defaultRoutes(), nil)
	f.start(t)
	f.waitLoaded(t)
	tr := f.waitConnected(t)

	t.Run("named conversation with server placeholder", func(t *testing.T) {
		tr.frames <- []byte(`{"type":"message_recalled","conversation_name":"bob","message_id":"m1","content":"[撤回]"}`)
		require.Eventually(t, func() bool {
			return f.messages(t, "bob")[0].Content == "[撤回]"
		}, 2*time.Second, 5*time.Millisecond)
	})

	t.Run("resolved by message id with default placeholder", func(t *testing.T) {
		tr.frames <- []byte(`{"type":"message_recalled","message_id":"m2","sender_id":"me"}`)
		require.Eventually(t, func() bool {
			return f.messages(t, "bob")[1].Content == DefaultRecallPlaceholder
		}, 2*time.Second, 5*time.Millisecond)
	})

	t.Run("unknown message ignored", func(t *testing.T) {
		tr.frames <- []byte(`{"type":"message_recalled","conversation_name":"bob","message_id":"nope"}`)
		tr.frames <- nowFrame("u-bob", "bob", "me", "marker")
		msgs := f.waitMessages(t, "bob", 3)
		assert.Equal(t, []string{"[撤回]", DefaultRecallPlaceholder, "marker"}, contents(msgs))
	})

	archived, err := f.archive.List("bob", 0)
	require.NoError(t, err)
	assert.Equal(t, "[撤回]", archived[0].Content)
}

func TestSession_GroupEvents(t *testing.T) {
	f := newSessionFixture(t, defaultRoutes(), nil)
	updated := make(chan string, 16)
	f.session.OnConversationUpdated(func(peer string) { updated <- peer })
	f.start(t)
	tr := f.waitConnected(t)

	tr.frames <- []byte(`{"type":"group_created","conversation_id":"c-hike","group_name":"hikers","timestamp":1}`)
	tr.frames <- []byte(`{"type":"group_message","conversation_id":"c-hike","group_name":"hikers","from":"u-bob","from_username":"bob","content":"trail at 9","timestamp":2}`)

	msgs := f.waitMessages(t, "hikers", 1)
	assert.Equal(t, KindGroup, msgs[0].Kind)

	hikers, _, err := f.session.Conversation(context.Background(), "hikers")
	require.NoError(t, err)
	assert.True(t, hikers.IsGroup)
	assert.Equal(t, "c-hike", hikers.ConversationID)

	require.Eventually(t, func() bool {
		for {
			select {
			case peer := <-updated:
				if peer == "hikers" {
					return true
				}
			default:
				return false
			}
		}
	}, 2*time.Second, 5*time.Millisecond)
}

// ============================================================================
// Sending
// ============================================================================

func TestSession_SendLive(t *testing.T) {
	f := newSessionFixture(t, defaultRoutes(), nil)
	f.start(t)
	f.waitLoaded(t)
	tr := f.waitConnected(t)

	res, err := f.session.Send(context.Background(), "bob", "on my way")
	require.NoError(t, err)
	assert.Equal(t, SendLive, res.Path)
	assert.NotEmpty(t, res.Message.ClientID)
	assert.True(t, res.Message.Provisional())
	assert.Nil(t, res.Stored)

	sent := tr.sent()
	require.Len(t, sent, 1)
	assert.JSONEq(t, `{"type":"chat","to":"bob","content":"on my way"}`, string(sent[0]))

	msgs := f.waitMessages(t, "bob", 3)
	require.Eventually(t, func() bool {
		return f.messages(t, "bob")[2].Status == StatusSent
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "me", msgs[2].SenderID)

	// The server echo folds into the optimistic copy.
	tr.frames <- nowFrame("me", "me", "bob", "on my way")
	tr.frames <- nowFrame("u-bob", "bob", "me", "ok")
	msgs = f.waitMessages(t, "bob", 4)
	assert.Equal(t, []string{"hello", "hey", "on my way", "ok"}, contents(msgs))
}

func TestSession_SendLiveGroup(t *testing.T) {
	f := newSessionFixture(t, defaultRoutes(), nil)
	f.start(t)
	f.waitLoaded(t)
	tr := f.waitConnected(t)

	res, err := f.session.Send(context.Background(), "team", "standup?")
	require.NoError(t, err)
	assert.Equal(t, KindGroup, res.Message.Kind)

	sent := tr.sent()
	require.Len(t, sent, 1)
	assert.JSONEq(t, `{"type":"group_message","to":"team","content":"standup?"}`, string(sent[0]))
	assert.Len(t, f.waitMessages(t, "team", 1), 1)
}

func TestSession_SendHTTPFallback(t *testing.T) {
	routes := defaultRoutes()
	routes["POST /api/v1/messages"] = jsonResponse(http.StatusCreated,
		`{"id":"srv-9","conversation_id":"c-bob","sender_id":"me","content":"offline hi","created_at":"2024-05-01T11:00:00Z"}`)
	routes["POST /api/v1/groups/c-team/messages"] = jsonResponse(http.StatusCreated,
		`{"id":"srv-10","conversation_id":"c-team","sender_id":"me","content":"team hi","created_at":"2024-05-01T11:00:00Z"}`)
	f := newSessionFixture(t, routes, nil)
	f.dialer.failing.Store(true)
	f.start(t)
	f.waitLoaded(t)
	require.Eventually(t, func() bool { return f.clock.scheduled() == 1 }, 2*time.Second, 5*time.Millisecond)

	t.Run("direct goes to peer id", func(t *testing.T) {
		res, err := f.session.Send(context.Background(), "bob", "offline hi")
		require.NoError(t, err)
		assert.Equal(t, SendHTTP, res.Path)
		require.NotNil(t, res.Stored)
		assert.Equal(t, "srv-9", res.Stored.ID)

		reqs := f.reqs.all()
		last := reqs[len(reqs)-1]
		assert.Equal(t, "/api/v1/messages", last.Path)
		assert.Equal(t, "u-bob", last.Body["to"])

		require.Eventually(t, func() bool {
			msgs := f.messages(t, "bob")
			return len(msgs) == 3 && msgs[2].Status == StatusSent
		}, 2*time.Second, 5*time.Millisecond)
	})

	t.Run("unknown peer goes by name", func(t *testing.T) {
		_, err := f.session.Send(context.Background(), "dave", "offline hi")
		require.NoError(t, err)
		reqs := f.reqs.all()
		assert.Equal(t, "dave", reqs[len(reqs)-1].Body["to"])
	})

	t.Run("group goes to conversation id", func(t *testing.T) {
		res, err := f.session.Send(context.Background(), "team", "team hi")
		require.NoError(t, err)
		assert.Equal(t, "srv-10", res.Stored.ID)
		reqs := f.reqs.all()
		assert.Equal(t, "/api/v1/groups/c-team/messages", reqs[len(reqs)-1].Path)
	})
}

func TestSession_HistoryArchivesOnlyNewMessages(t *testing.T) {
	var history atomic.Value
	history.Store(`{"conversations":[]}`)
	routes := map[string]http.HandlerFunc{
		"GET /api/v1/conversations": func(w http.ResponseWriter, r *http.Request) {
			jsonResponse(http.StatusOK, history.Load().(string))(w, r)
		},
		"GET /api/v1/groups": jsonResponse(http.StatusOK, `{"groups":[]}`),
	}
	f := newSessionFixture(t, routes, nil)
	f.start(t)
	f.waitLoaded(t)
	f.waitConnected(t)

	_, err := f.session.Send(context.Background(), "bob", "yo")
	require.NoError(t, err)

	history.Store(fmt.Sprintf(`{"conversations":[
		{"id":"c-bob","type":"single","other_user":{"id":"u-bob","username":"bob"},"messages":[
			{"id":"srv1","conversation_id":"c-bob","sender_id":"me","content":"yo","created_at":%q}
		]}
	]}`, time.Now().UTC().Format(time.RFC3339Nano)))
	require.NoError(t, f.session.SyncHistory(context.Background()))

	msgs := f.messages(t, "bob")
	require.Len(t, msgs, 1)
	archived, err := f.archive.List("bob", 0)
	require.NoError(t, err)
	assert.Len(t, archived, len(msgs))
}

func TestSession_SendFailure(t *testing.T) {
	routes := defaultRoutes()
	routes["POST /api/v1/messages"] = jsonResponse(http.StatusBadGateway, `{"error":"relay down"}`)
	f := newSessionFixture(t, routes, nil)
	f.dialer.failing.Store(true)
	f.start(t)
	f.waitLoaded(t)

	_, err := f.session.Send(context.Background(), "bob", "lost words")
	require.Error(t, err)

	var sendErr *SendError
	require.True(t, errors.As(err, &sendErr))
	assert.Equal(t, "bob", sendErr.PeerKey)
	assert.Equal(t, "lost words", sendErr.Content)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)

	require.Eventually(t, func() bool {
		msgs := f.messages(t, "bob")
		return len(msgs) == 3 && msgs[2].Status == StatusFailed
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSession_SendGroupWithoutID(t *testing.T) {
	f := newSessionFixture(t, defaultRoutes(), nil)
	f.dialer.failing.Store(true)
	f.start(t)
	f.waitLoaded(t)
	require.NoError(t, f.session.View(context.Background(), func(st *Store) {
		st.AddGroup("", "pending-group")
	}))

	_, err := f.session.Send(context.Background(), "pending-group", "anyone?")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoConversationID))
	for _, r := range f.reqs.all() {
		assert.NotContains(t, r.Path, "/messages")
	}
}

func TestSession_SendWithoutOptimisticInsert(t *testing.T) {
	routes := defaultRoutes()
	routes["POST /api/v1/messages"] = jsonResponse(http.StatusBadGateway, `{"error":"relay down"}`)
	f := newSessionFixture(t, routes, &SessionConfig{DisableOptimistic: true})
	f.dialer.failing.Store(true)
	f.start(t)
	f.waitLoaded(t)

	_, err := f.session.Send(context.Background(), "bob", "lost words")
	require.Error(t, err)
	assert.Len(t, f.messages(t, "bob"), 2)
}

func TestSession_SendEmptyPeer(t *testing.T) {
	f := newSessionFixture(t, defaultRoutes(), nil)
	_, err := f.session.Send(context.Background(), "", "hi")
	assert.Error(t, err)
}

// ============================================================================
// Other operations
// ============================================================================

func TestSession_Recall(t *testing.T) {
	routes := defaultRoutes()
	routes["DELETE /api/v1/messages/m2"] = jsonResponse(http.StatusOK, `{}`)
	f := newSessionFixture(t, routes, &SessionConfig{RecallPlaceholder: "(withdrawn)"})
	f.start(t)
	f.waitLoaded(t)

	require.NoError(t, f.session.Recall(context.Background(), "bob", "m2"))
	assert.Equal(t, []string{"hello", "(withdrawn)"}, contents(f.messages(t, "bob")))

	err := f.session.Recall(context.Background(), "bob", "m1")
	require.Error(t, err)
	assert.Equal(t, "hello", f.messages(t, "bob")[0].Content)
}

func TestSession_SetActive(t *testing.T) {
	f := newSessionFixture(t, defaultRoutes(), nil)

	require.NoError(t, f.session.SetActive(context.Background(), "newfriend"))
	var active string
	require.NoError(t, f.session.View(context.Background(), func(st *Store) { active = st.Active() }))
	assert.Equal(t, "newfriend", active)

	convs, err := f.session.Conversations(context.Background())
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Empty(t, convs[0].Messages)
}

func TestSession_Logout(t *testing.T) {
	f := newSessionFixture(t, defaultRoutes(), nil)
	f.start(t)
	f.waitLoaded(t)
	f.waitConnected(t)

	require.NoError(t, f.session.Logout(context.Background()))

	assert.Equal(t, StateDisconnected, f.session.Connection().State())
	assert.Equal(t, "", f.session.UserID())
	assert.Equal(t, "", f.client.Token())

	convs, err := f.session.Conversations(context.Background())
	require.NoError(t, err)
	assert.Empty(t, convs)

	archived, err := f.archive.List("bob", 0)
	require.NoError(t, err)
	assert.Empty(t, archived)

	// No reconnect is scheduled after a logout.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, f.clock.scheduled())
}

func TestSession_LogoutDiscardsPendingHistory(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() {
		select {
		case <-release:
		default:
			close(release)
		}
	})
	routes := defaultRoutes()
	history := routes["GET /api/v1/conversations"]
	routes["GET /api/v1/conversations"] = func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
		history(w, r)
	}
	f := newSessionFixture(t, routes, nil)
	warnings := make(chan error, 4)
	f.session.OnWarning(func(err error) { warnings <- err })

	f.start(t)
	f.waitConnected(t)
	require.NoError(t, f.session.Logout(context.Background()))
	close(release)

	assert.Never(t, func() bool {
		convs, err := f.session.Conversations(context.Background())
		return err == nil && len(convs) > 0
	}, 200*time.Millisecond, 10*time.Millisecond, "store refilled after logout")

	archived, err := f.archive.List("bob", 0)
	require.NoError(t, err)
	assert.Empty(t, archived)
	assert.Empty(t, warnings)

	// A fresh start loads history again.
	require.NoError(t, f.session.Start("tok2", "me"))
	f.waitLoaded(t)
	assert.Len(t, f.messages(t, "bob"), 2)
}

func TestSession_LogoutDropsLateFrames(t *testing.T) {
	f := newSessionFixture(t, defaultRoutes(), nil)
	f.start(t)
	f.waitLoaded(t)
	f.waitConnected(t)
	require.NoError(t, f.session.Logout(context.Background()))

	// A frame read from the old connection just before it closed.
	f.session.handleEvent(Event{Kind: KindDirect, Message: &Message{
		ID: "late", SenderID: "u-carol", SenderDisplayName: "carol", Recipient: "me",
		Kind: KindDirect, Content: "still there?", SentAt: epochSeconds(time.Now()),
	}})

	convs, err := f.session.Conversations(context.Background())
	require.NoError(t, err)
	assert.Empty(t, convs)
}

func TestSession_NotStarted(t *testing.T) {
	f := newSessionFixture(t, defaultRoutes(), nil)

	_, err := f.session.Send(context.Background(), "bob", "too early")
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.ErrorIs(t, f.session.SyncHistory(context.Background()), ErrNotStarted)

	f.start(t)
	f.waitLoaded(t)
	require.NoError(t, f.session.Logout(context.Background()))

	_, err = f.session.Send(context.Background(), "bob", "too late")
	assert.ErrorIs(t, err, ErrNotStarted)
	for _, r := range f.reqs.all() {
		assert.NotContains(t, r.Path, "/messages")
	}
	convs, err := f.session.Conversations(context.Background())
	require.NoError(t, err)
	assert.Empty(t, convs)
}

func TestSession_Close(t *testing.T) {
	f := newSessionFixture(t, defaultRoutes(), nil)
	f.start(t)
	f.waitConnected(t)

	f.session.Close()
	f.session.Close()

	assert.Equal(t, StateDisconnected, f.session.Connection().State())
	assert.ErrorIs(t, f.session.Start("tok", "me"), ErrSessionClosed)
	_, err := f.session.Conversations(context.Background())
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSession_Metrics(t *testing.T) {
	m, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	f := newSessionFixture(t, defaultRoutes(), &SessionConfig{Metrics: m})
	f.start(t)
	f.waitLoaded(t)
	tr := f.waitConnected(t)

	_, err = f.session.Send(context.Background(), "bob", "counted")
	require.NoError(t, err)
	tr.frames <- nowFrame("me", "me", "bob", "counted")

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.duplicates.WithLabelValues("live")) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.accepted.WithLabelValues("local")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sends.WithLabelValues("live", "ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.connState))
}

// ============================================================================
// Notifications
// ============================================================================

func TestSessionEmitter_DeliversInOrder(t *testing.T) {
	e := newSessionEmitter()
	go e.run()
	defer e.stop()

	var (
		mu  sync.Mutex
		got []ConnState
	)
	e.onState = append(e.onState,
		func(ConnState) { panic("handler bug") },
		func(st ConnState) {
			mu.Lock()
			got = append(got, st)
			mu.Unlock()
		},
	)

	var want []ConnState
	for i := 0; i < 200; i++ {
		st := StateConnecting
		if i%2 == 1 {
			st = StateConnected
		}
		want = append(want, st)
		e.state(st)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == len(want)
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, got)
}
