package chat_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chatgpt-clone/internal/api"
	"chatgpt-clone/internal/backendtest"
	"chatgpt-clone/internal/chat"
	"chatgpt-clone/internal/store"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

type sendResult struct {
	outcome chat.Outcome
	err     error
}

func loggedIn(t *testing.T, srv *backendtest.Server, opts ...chat.Option) (*chat.Coordinator, *store.Memory) {
	t.Helper()
	srv.AddUser("alice", "secret")
	tokens := &store.Memory{}
	c := chat.Dial(srv.URL, tokens, nil, opts...)
	require.NoError(t, c.Authenticate(context.Background(), chat.ModeLogin, "alice", "secret", ""))
	return c, tokens
}

func sendAsync(c *chat.Coordinator, text string) <-chan sendResult {
	ch := make(chan sendResult, 1)
	go func() {
		out, err := c.SendMessage(context.Background(), text)
		ch <- sendResult{out, err}
	}()
	return ch
}

func await(t *testing.T, ch <-chan sendResult) sendResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("send did not finish")
		return sendResult{}
	}
}

func TestLoginLoadSelectScenario(t *testing.T) {
	srv := backendtest.New(t)
	c, tokens := loggedIn(t, srv)
	srv.AddSession("alice", "s1", "Hello", backendtest.Message{Sender: "User", Content: "hi"})
	ctx := context.Background()

	stored, _ := tokens.LoadToken(ctx)
	assert.Equal(t, c.Token(), stored, "token should be persisted after login")

	sessions, err := c.LoadSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []chat.Session{{ID: "s1", Title: "Hello"}}, sessions)
	assert.Empty(t, c.Snapshot().ActiveID, "loading sessions must not select one")

	require.NoError(t, c.SelectSession(ctx, "s1"))
	st := c.Snapshot()
	assert.Equal(t, "s1", st.ActiveID)
	if diff := cmp.Diff([]chat.Message{{Sender: chat.SenderUser, Content: "hi"}}, st.Messages); diff != "" {
		t.Fatalf("messages mismatch (-want +got):\n%s", diff)
	}
}

func TestImplicitCreateThenReply(t *testing.T) {
	srv := backendtest.New(t)
	srv.SetReply(func(string, string) string { return "hello!" })

	var (
		mu    sync.Mutex
		trace [][]chat.Message
		c     *chat.Coordinator
	)
	c, _ = loggedIn(t, srv, chat.WithNotify(func() {
		if c == nil {
			return
		}
		st := c.Snapshot()
		mu.Lock()
		trace = append(trace, st.Messages)
		mu.Unlock()
	}))

	out, err := c.SendMessage(context.Background(), "  hi  ")
	require.NoError(t, err)
	assert.Equal(t, chat.OutcomeFulfilled, out)
	assert.Equal(t, 1, srv.Calls("/new_chat"))

	st := c.Snapshot()
	require.Len(t, st.Sessions, 1)
	assert.Equal(t, chat.DefaultTitle, st.Sessions[0].Title)
	assert.Equal(t, st.Sessions[0].ID, st.ActiveID)
	want := []chat.Message{
		{Sender: chat.SenderUser, Content: "hi"},
		{Sender: chat.SenderBot, Content: "hello!"},
	}
	if diff := cmp.Diff(want, st.Messages); diff != "" {
		t.Fatalf("messages mismatch (-want +got):\n%s", diff)
	}

	mu.Lock()
	defer mu.Unlock()
	sawUserOnly := false
	for _, msgs := range trace {
		if cmp.Equal(msgs, want[:1]) {
			sawUserOnly = true
		}
	}
	assert.True(t, sawUserOnly, "user message should be visible before the reply lands")
	assert.False(t, st.Pending)
}

func TestUserMessageAppendedBeforeReply(t *testing.T) {
	srv := backendtest.New(t)
	c, _ := loggedIn(t, srv)
	srv.AddSession("alice", "s1", "Hello")
	require.NoError(t, c.SelectSession(context.Background(), "s1"))

	release := srv.Hold("chat:s1")
	res := sendAsync(c, "hi")
	srv.AwaitArrival(t, "chat:s1")

	st := c.Snapshot()
	assert.True(t, st.Pending)
	assert.Equal(t, "s1", st.PendingSessionID)
	assert.Equal(t, []chat.Message{{Sender: chat.SenderUser, Content: "hi"}}, st.Messages)

	release()
	r := await(t, res)
	require.NoError(t, r.err)
	assert.Equal(t, chat.OutcomeFulfilled, r.outcome)
	assert.Len(t, c.Snapshot().Messages, 2)
}

func TestSendFailureKeepsUserMessage(t *testing.T) {
	srv := backendtest.New(t)
	c, _ := loggedIn(t, srv)
	srv.AddSession("alice", "s1", "Hello")
	require.NoError(t, c.SelectSession(context.Background(), "s1"))

	srv.FailNext("/chat", http.StatusInternalServerError)
	out, err := c.SendMessage(context.Background(), "hi")
	require.Error(t, err)
	assert.Equal(t, chat.OutcomeFailed, out)
	assert.True(t, errors.Is(err, api.ErrNetwork))

	st := c.Snapshot()
	assert.False(t, st.Pending, "pending marker must clear on failure")
	assert.Equal(t, []chat.Message{{Sender: chat.SenderUser, Content: "hi"}}, st.Messages)
	assert.Error(t, st.Err)
	assert.True(t, st.Authenticated)
}

func TestBlankSendIsSkipped(t *testing.T) {
	srv := backendtest.New(t)
	c, _ := loggedIn(t, srv)

	out, err := c.SendMessage(context.Background(), " \n\t ")
	require.NoError(t, err)
	assert.Equal(t, chat.OutcomeSkipped, out)
	assert.Equal(t, 0, srv.Calls("/new_chat"))
	assert.Empty(t, c.Snapshot().Messages)
}

func TestLastSelectWins(t *testing.T) {
	srv := backendtest.New(t)
	c, _ := loggedIn(t, srv)
	srv.AddSession("alice", "A", "First", backendtest.Message{Sender: "User", Content: "from A"})
	srv.AddSession("alice", "B", "Second", backendtest.Message{Sender: "User", Content: "from B"})

	release := srv.Hold("session:A")
	done := make(chan error, 1)
	go func() { done <- c.SelectSession(context.Background(), "A") }()
	srv.AwaitArrival(t, "session:A")

	require.NoError(t, c.SelectSession(context.Background(), "B"))
	release()
	select {
	case err := <-done:
		assert.NoError(t, err, "a superseded fetch is not an error")
	case <-time.After(5 * time.Second):
		t.Fatal("first select did not return")
	}

	st := c.Snapshot()
	assert.Equal(t, "B", st.ActiveID)
	assert.Equal(t, []chat.Message{{Sender: chat.SenderUser, Content: "from B"}}, st.Messages)
	assert.NoError(t, st.Err)
}

func TestLastSelectWinsWhenFetchIgnoresCancel(t *testing.T) {
	fb := newFakeBackend()
	fb.messages["A"] = []api.MessageDTO{{Sender: "User", Content: "from A"}}
	fb.messages["B"] = []api.MessageDTO{{Sender: "User", Content: "from B"}}
	gate := fb.holdSession("A")
	c := chat.New(fb, nil)
	require.NoError(t, c.Authenticate(context.Background(), chat.ModeLogin, "alice", "secret", ""))

	done := make(chan error, 1)
	go func() { done <- c.SelectSession(context.Background(), "A") }()
	<-fb.sessionStarted

	require.NoError(t, c.SelectSession(context.Background(), "B"))
	close(gate)
	require.NoError(t, <-done)

	assert.Equal(t, []chat.Message{{Sender: chat.SenderUser, Content: "from B"}}, c.Snapshot().Messages)
}

func TestSendDuringFetchKeepsUserMessage(t *testing.T) {
	fb := newFakeBackend()
	fb.messages["s1"] = []api.MessageDTO{{Sender: "User", Content: "old"}}
	gate := fb.holdSession("s1")
	c := chat.New(fb, nil)
	require.NoError(t, c.Authenticate(context.Background(), chat.ModeLogin, "alice", "secret", ""))

	done := make(chan error, 1)
	go func() { done <- c.SelectSession(context.Background(), "s1") }()
	<-fb.sessionStarted

	res := sendAsync(c, "new question")
	<-fb.chatStarted
	assert.Equal(t, []chat.Message{{Sender: chat.SenderUser, Content: "new question"}}, c.Snapshot().Messages)

	close(gate)
	require.NoError(t, <-done)
	close(fb.chatGate)
	r := await(t, res)
	require.NoError(t, r.err)
	assert.Equal(t, chat.OutcomeFulfilled, r.outcome)

	want := []chat.Message{
		{Sender: chat.SenderUser, Content: "old"},
		{Sender: chat.SenderUser, Content: "new question"},
		{Sender: chat.SenderBot, Content: "late reply"},
	}
	if diff := cmp.Diff(want, c.Snapshot().Messages); diff != "" {
		t.Fatalf("messages mismatch (-want +got):\n%s", diff)
	}
}

func TestFetchAlreadyHoldingSentMessageIsNotDuplicated(t *testing.T) {
	srv := backendtest.New(t)
	c, _ := loggedIn(t, srv)
	srv.AddSession("alice", "s1", "Hello", backendtest.Message{Sender: "User", Content: "old"})

	releaseFetch := srv.Hold("session:s1")
	defer releaseFetch()
	done := make(chan error, 1)
	go func() { done <- c.SelectSession(context.Background(), "s1") }()
	srv.AwaitArrival(t, "session:s1")

	releaseChat := srv.Hold("chat:s1")
	defer releaseChat()
	res := sendAsync(c, "new question")
	srv.AwaitArrival(t, "chat:s1")

	releaseFetch()
	require.NoError(t, <-done)
	releaseChat()
	r := await(t, res)
	require.NoError(t, r.err)
	assert.Equal(t, chat.OutcomeFulfilled, r.outcome)

	want := []chat.Message{
		{Sender: chat.SenderUser, Content: "old"},
		{Sender: chat.SenderUser, Content: "new question"},
		{Sender: chat.SenderBot, Content: "echo: new question"},
	}
	if diff := cmp.Diff(want, c.Snapshot().Messages); diff != "" {
		t.Fatalf("messages mismatch (-want +got):\n%s", diff)
	}
}

func TestReselectingActiveSessionKeepsLateReply(t *testing.T) {
	srv := backendtest.New(t)
	c, _ := loggedIn(t, srv)
	srv.AddSession("alice", "s1", "Hello", backendtest.Message{Sender: "User", Content: "old"})
	ctx := context.Background()
	require.NoError(t, c.SelectSession(ctx, "s1"))

	releaseChat := srv.Hold("chat:s1")
	defer releaseChat()
	res := sendAsync(c, "hi")
	srv.AwaitArrival(t, "chat:s1")

	releaseFetch := srv.Hold("session:s1")
	defer releaseFetch()
	done := make(chan error, 1)
	go func() { done <- c.SelectSession(ctx, "s1") }()
	srv.AwaitArrival(t, "session:s1")

	releaseChat()
	r := await(t, res)
	require.NoError(t, r.err)
	assert.Equal(t, chat.OutcomeFulfilled, r.outcome)

	releaseFetch()
	require.NoError(t, <-done)

	want := []chat.Message{
		{Sender: chat.SenderUser, Content: "old"},
		{Sender: chat.SenderUser, Content: "hi"},
		{Sender: chat.SenderBot, Content: "echo: hi"},
	}
	if diff := cmp.Diff(want, c.Snapshot().Messages); diff != "" {
		t.Fatalf("messages mismatch (-want +got):\n%s", diff)
	}
	assert.Zero(t, srv.StopCount())
}

func TestImplicitSendSkippedWhenSelectionMovesOn(t *testing.T) {
	fb := newFakeBackend()
	fb.messages["B"] = []api.MessageDTO{{Sender: "User", Content: "from B"}}
	var (
		c     *chat.Coordinator
		moved atomic.Bool
	)
	c = chat.New(fb, nil, chat.WithNotify(func() {
		// Switch away right after the implicit session becomes active.
		if c.Snapshot().ActiveID == "created" && moved.CompareAndSwap(false, true) {
			require.NoError(t, c.SelectSession(context.Background(), "B"))
		}
	}))
	require.NoError(t, c.Authenticate(context.Background(), chat.ModeLogin, "alice", "secret", ""))

	out, err := c.SendMessage(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, chat.OutcomeSkipped, out)

	st := c.Snapshot()
	assert.Equal(t, "B", st.ActiveID)
	assert.Equal(t, []chat.Message{{Sender: chat.SenderUser, Content: "from B"}}, st.Messages)
	assert.False(t, st.Pending)
	assert.Empty(t, fb.chatStarted, "no chat request should be issued")
}

func TestSwitchingSessionDropsPendingReply(t *testing.T) {
	srv := backendtest.New(t)
	c, _ := loggedIn(t, srv)
	srv.AddSession("alice", "A", "First")
	srv.AddSession("alice", "B", "Second", backendtest.Message{Sender: "User", Content: "old"})
	ctx := context.Background()
	require.NoError(t, c.SelectSession(ctx, "A"))

	release := srv.Hold("chat:A")
	defer release()
	res := sendAsync(c, "hi")
	srv.AwaitArrival(t, "chat:A")

	require.NoError(t, c.SelectSession(ctx, "B"))
	r := await(t, res)
	require.NoError(t, r.err)
	assert.Equal(t, chat.OutcomeCancelled, r.outcome)

	st := c.Snapshot()
	assert.Equal(t, "B", st.ActiveID)
	assert.Equal(t, []chat.Message{{Sender: chat.SenderUser, Content: "old"}}, st.Messages)
	assert.False(t, st.Pending)
	assert.Equal(t, 1, srv.StopCount(), "switching away should ask the backend to stop")
}

func TestLateReplyForInactiveSessionIsDiscarded(t *testing.T) {
	fb := newFakeBackend()
	fb.messages["B"] = []api.MessageDTO{{Sender: "Chatbot", Content: "earlier"}}
	c := chat.New(fb, nil)
	ctx := context.Background()
	require.NoError(t, c.Authenticate(ctx, chat.ModeLogin, "alice", "secret", ""))
	require.NoError(t, c.SelectSession(ctx, "A"))

	res := sendAsync(c, "hi")
	<-fb.chatStarted
	require.NoError(t, c.SelectSession(ctx, "B"))
	close(fb.chatGate)

	r := await(t, res)
	require.NoError(t, r.err)
	assert.Equal(t, chat.OutcomeDiscarded, r.outcome)
	assert.Equal(t, []chat.Message{{Sender: chat.SenderBot, Content: "earlier"}}, c.Snapshot().Messages)
}

func TestStopGenerationCancelsQuietly(t *testing.T) {
	srv := backendtest.New(t)
	c, _ := loggedIn(t, srv)
	srv.AddSession("alice", "s1", "Hello")
	require.NoError(t, c.SelectSession(context.Background(), "s1"))

	release := srv.Hold("chat:s1")
	defer release()
	res := sendAsync(c, "hi")
	srv.AwaitArrival(t, "chat:s1")

	c.StopGeneration(context.Background())
	assert.False(t, c.Snapshot().Pending, "stop clears the pending marker immediately")

	r := await(t, res)
	require.NoError(t, r.err)
	assert.Equal(t, chat.OutcomeCancelled, r.outcome)

	st := c.Snapshot()
	assert.NoError(t, st.Err, "cancellation must not surface an error")
	assert.Equal(t, []chat.Message{{Sender: chat.SenderUser, Content: "hi"}}, st.Messages)
	assert.Equal(t, 1, srv.StopCount())
}

func TestStopGenerationClearsPendingWhenBackendUnreachable(t *testing.T) {
	fb := newFakeBackend()
	fb.stopErr = &api.Error{Op: "stop generation", Kind: api.ErrNetwork, Err: errors.New("connection refused")}
	c := chat.New(fb, nil)
	ctx := context.Background()
	require.NoError(t, c.Authenticate(ctx, chat.ModeLogin, "alice", "secret", ""))
	require.NoError(t, c.SelectSession(ctx, "A"))

	res := sendAsync(c, "hi")
	<-fb.chatStarted
	c.StopGeneration(ctx)
	close(fb.chatGate)

	r := await(t, res)
	assert.Equal(t, chat.OutcomeCancelled, r.outcome)
	st := c.Snapshot()
	assert.False(t, st.Pending)
	assert.NoError(t, st.Err)
	assert.Len(t, st.Messages, 1)
}

func TestStopWithoutPendingIsNoop(t *testing.T) {
	srv := backendtest.New(t)
	c, _ := loggedIn(t, srv)
	c.StopGeneration(context.Background())
	assert.Equal(t, 0, srv.StopCount())
}

func TestSecondSendSupersedesFirst(t *testing.T) {
	srv := backendtest.New(t)
	c, _ := loggedIn(t, srv)
	srv.AddSession("alice", "s1", "Hello")
	require.NoError(t, c.SelectSession(context.Background(), "s1"))

	release := srv.Hold("chat:s1")
	first := sendAsync(c, "one")
	srv.AwaitArrival(t, "chat:s1")
	second := sendAsync(c, "two")

	r1 := await(t, first)
	assert.Equal(t, chat.OutcomeCancelled, r1.outcome)
	release()
	r2 := await(t, second)
	require.NoError(t, r2.err)
	assert.Equal(t, chat.OutcomeFulfilled, r2.outcome)

	want := []chat.Message{
		{Sender: chat.SenderUser, Content: "one"},
		{Sender: chat.SenderUser, Content: "two"},
		{Sender: chat.SenderBot, Content: "echo: two"},
	}
	if diff := cmp.Diff(want, c.Snapshot().Messages); diff != "" {
		t.Fatalf("messages mismatch (-want +got):\n%s", diff)
	}
}

func TestRenameSession(t *testing.T) {
	srv := backendtest.New(t)
	c, _ := loggedIn(t, srv)
	srv.AddSession("alice", "s1", "Hello")
	ctx := context.Background()
	_, err := c.LoadSessions(ctx)
	require.NoError(t, err)

	require.NoError(t, c.RenameSession(ctx, "s1", "   "))
	assert.Equal(t, 0, srv.Calls("/rename_chat"), "blank titles must not reach the backend")
	assert.Equal(t, "Hello", c.Snapshot().Sessions[0].Title)

	srv.FailNext("/rename_chat", http.StatusInternalServerError)
	require.Error(t, c.RenameSession(ctx, "s1", "Nope"))
	assert.Equal(t, "Hello", c.Snapshot().Sessions[0].Title)

	require.NoError(t, c.RenameSession(ctx, "s1", "  Greetings "))
	assert.Equal(t, "Greetings", c.Snapshot().Sessions[0].Title)
	assert.Equal(t, "Greetings", srv.Title("s1"))
}

func TestDeleteSession(t *testing.T) {
	srv := backendtest.New(t)
	c, _ := loggedIn(t, srv)
	srv.AddSession("alice", "s1", "One", backendtest.Message{Sender: "User", Content: "hi"})
	srv.AddSession("alice", "s2", "Two")
	ctx := context.Background()
	_, err := c.LoadSessions(ctx)
	require.NoError(t, err)
	require.NoError(t, c.SelectSession(ctx, "s1"))

	require.NoError(t, c.DeleteSession(ctx, "s2"))
	st := c.Snapshot()
	assert.Equal(t, []chat.Session{{ID: "s1", Title: "One"}}, st.Sessions)
	assert.Equal(t, "s1", st.ActiveID, "deleting another session keeps the active one")
	assert.Len(t, st.Messages, 1)

	require.NoError(t, c.DeleteSession(ctx, "s1"))
	st = c.Snapshot()
	assert.Empty(t, st.Sessions)
	assert.Empty(t, st.ActiveID)
	assert.Empty(t, st.Messages)
	assert.False(t, srv.HasSession("s1"))
}

func TestCreateSessionInsertPolicy(t *testing.T) {
	cases := []struct {
		name   string
		policy chat.InsertPolicy
		want   func(id string) []string
	}{
		{"newest first", chat.InsertNewestFirst, func(id string) []string { return []string{id, "s1", "s2"} }},
		{"append", chat.InsertAppend, func(id string) []string { return []string{"s1", "s2", id} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := backendtest.New(t)
			c, _ := loggedIn(t, srv, chat.WithInsertPolicy(tc.policy))
			srv.AddSession("alice", "s1", "One", backendtest.Message{Sender: "User", Content: "hi"})
			srv.AddSession("alice", "s2", "Two")
			ctx := context.Background()
			_, err := c.LoadSessions(ctx)
			require.NoError(t, err)
			require.NoError(t, c.SelectSession(ctx, "s1"))

			sess, err := c.CreateSession(ctx, "")
			require.NoError(t, err)
			assert.Equal(t, chat.DefaultTitle, sess.Title)

			st := c.Snapshot()
			var ids []string
			for _, s := range st.Sessions {
				ids = append(ids, s.ID)
			}
			assert.Equal(t, tc.want(sess.ID), ids)
			assert.Equal(t, sess.ID, st.ActiveID)
			assert.Empty(t, st.Messages)
		})
	}
}

func TestLogoutClearsEverything(t *testing.T) {
	srv := backendtest.New(t)
	c, tokens := loggedIn(t, srv)
	srv.AddSession("alice", "s1", "Hello")
	ctx := context.Background()
	_, err := c.LoadSessions(ctx)
	require.NoError(t, err)
	require.NoError(t, c.SelectSession(ctx, "s1"))

	release := srv.Hold("chat:s1")
	defer release()
	res := sendAsync(c, "hi")
	srv.AwaitArrival(t, "chat:s1")

	c.Logout(ctx)
	r := await(t, res)
	assert.Equal(t, chat.OutcomeCancelled, r.outcome)

	st := c.Snapshot()
	assert.False(t, st.Authenticated)
	assert.Empty(t, c.Token())
	assert.Empty(t, st.Sessions)
	assert.Empty(t, st.Messages)
	assert.Empty(t, st.ActiveID)
	assert.False(t, st.Pending)
	assert.NoError(t, st.Err)
	stored, _ := tokens.LoadToken(ctx)
	assert.Empty(t, stored)
}

func TestAuthenticateValidation(t *testing.T) {
	srv := backendtest.New(t)
	c := chat.Dial(srv.URL, &store.Memory{}, nil)
	ctx := context.Background()

	cases := []struct {
		name                string
		mode                chat.AuthMode
		user, pass, confirm string
		want                error
	}{
		{"missing username", chat.ModeLogin, " ", "pw", "", chat.ErrMissingCredentials},
		{"missing password", chat.ModeRegister, "bob", "", "", chat.ErrMissingCredentials},
		{"mismatch", chat.ModeRegister, "bob", "pw", "pw2", chat.ErrPasswordMismatch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := c.Authenticate(ctx, tc.mode, tc.user, tc.pass, tc.confirm)
			assert.ErrorIs(t, err, tc.want)
			var verr *chat.ValidationError
			assert.True(t, errors.As(err, &verr))
			assert.Equal(t, err, c.Snapshot().Err)
		})
	}
	assert.Equal(t, 0, srv.Calls("/login")+srv.Calls("/register"))
	assert.False(t, c.Authenticated())
}

func TestAuthenticateFailures(t *testing.T) {
	srv := backendtest.New(t)
	srv.AddUser("alice", "secret")
	tokens := &store.Memory{}
	c := chat.Dial(srv.URL, tokens, nil)
	ctx := context.Background()

	err := c.Authenticate(ctx, chat.ModeLogin, "alice", "wrong", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, chat.ErrLoginFailed)
	assert.True(t, api.IsAuth(err))
	assert.Equal(t, "Login failed. Check your credentials.", chat.UserMessage(err))
	assert.False(t, c.Authenticated())

	err = c.Authenticate(ctx, chat.ModeRegister, "alice", "pw", "pw")
	assert.ErrorIs(t, err, chat.ErrRegisterFailed)
	assert.Equal(t, "Registration failed. Please try again.", chat.UserMessage(err))

	require.NoError(t, c.Authenticate(ctx, chat.ModeRegister, "bob", "pw", "pw"))
	assert.True(t, c.Authenticated())
	assert.NoError(t, c.Snapshot().Err, "a successful login clears the previous error")
	stored, _ := tokens.LoadToken(ctx)
	assert.Equal(t, c.Token(), stored)
}

func TestAuthFailureForcesLogout(t *testing.T) {
	srv := backendtest.New(t)
	c, tokens := loggedIn(t, srv)
	ctx := context.Background()

	srv.FailNext("/chat_history", http.StatusUnauthorized)
	_, err := c.LoadSessions(ctx)
	require.Error(t, err)
	assert.True(t, api.IsAuth(err))

	st := c.Snapshot()
	assert.False(t, st.Authenticated)
	require.Error(t, st.Err)
	assert.Equal(t, "Your session has expired. Please log in again.", chat.UserMessage(st.Err))
	stored, _ := tokens.LoadToken(ctx)
	assert.Empty(t, stored)
}

func TestAuthFailureWithoutForcedLogout(t *testing.T) {
	srv := backendtest.New(t)
	c, _ := loggedIn(t, srv, chat.WithLogoutOnAuthFailure(false))

	srv.FailNext("/chat_history", http.StatusUnauthorized)
	_, err := c.LoadSessions(context.Background())
	require.Error(t, err)

	st := c.Snapshot()
	assert.True(t, st.Authenticated)
	assert.True(t, api.IsAuth(st.Err))
}

func TestSelectFailureKeepsPointer(t *testing.T) {
	srv := backendtest.New(t)
	c, _ := loggedIn(t, srv)

	err := c.SelectSession(context.Background(), "missing")
	require.Error(t, err)
	st := c.Snapshot()
	assert.Equal(t, "missing", st.ActiveID)
	assert.Empty(t, st.Messages)
	assert.Error(t, st.Err)

	c.DismissError()
	assert.NoError(t, c.Snapshot().Err)
}

func TestRestore(t *testing.T) {
	srv := backendtest.New(t)
	ctx := context.Background()

	t.Run("valid token", func(t *testing.T) {
		tokens := &store.Memory{}
		_ = tokens.SaveToken(ctx, srv.AddUser("alice", "secret"))
		c := chat.Dial(srv.URL, tokens, nil)

		ok, err := c.Restore(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
		_, err = c.LoadSessions(ctx)
		assert.NoError(t, err)
	})

	t.Run("expired token", func(t *testing.T) {
		tokens := &store.Memory{}
		_ = tokens.SaveToken(ctx, srv.ExpiredToken("alice"))
		c := chat.Dial(srv.URL, tokens, nil)
		before := srv.Calls("/")

		ok, err := c.Restore(ctx)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.False(t, c.Authenticated())
		stored, _ := tokens.LoadToken(ctx)
		assert.Empty(t, stored, "expired token should be discarded")
		assert.Equal(t, before, srv.Calls("/"))
	})

	t.Run("nothing stored", func(t *testing.T) {
		c := chat.Dial(srv.URL, &store.Memory{}, nil)
		ok, err := c.Restore(ctx)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestOperationsRequireLogin(t *testing.T) {
	srv := backendtest.New(t)
	c := chat.Dial(srv.URL, nil, nil)
	ctx := context.Background()

	_, err := c.LoadSessions(ctx)
	assert.ErrorIs(t, err, chat.ErrNotAuthenticated)
	assert.ErrorIs(t, c.SelectSession(ctx, "s1"), chat.ErrNotAuthenticated)
	_, err = c.SendMessage(ctx, "hi")
	assert.ErrorIs(t, err, chat.ErrNotAuthenticated)
	assert.Equal(t, 0, srv.Calls("/"))
}

func TestNotifyFires(t *testing.T) {
	srv := backendtest.New(t)
	var n atomic.Int32
	c, _ := loggedIn(t, srv, chat.WithNotify(func() { n.Add(1) }))
	before := n.Load()
	_, err := c.SendMessage(context.Background(), "hi")
	require.NoError(t, err)
	assert.Greater(t, n.Load(), before)
}

// fakeBackend answers from memory. GetSession and Chat ignore context
// cancellation so tests can model a backend that replies anyway.
type fakeBackend struct {
	mu             sync.Mutex
	messages       map[string][]api.MessageDTO
	sessionGates   map[string]chan struct{}
	sessionStarted chan string
	chatGate       chan struct{}
	chatStarted    chan string
	stopErr        error
	created        int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		messages:       make(map[string][]api.MessageDTO),
		sessionGates:   make(map[string]chan struct{}),
		sessionStarted: make(chan string, 8),
		chatGate:       make(chan struct{}),
		chatStarted:    make(chan string, 8),
	}
}

func (f *fakeBackend) holdSession(id string) chan struct{} {
	gate := make(chan struct{})
	f.mu.Lock()
	f.sessionGates[id] = gate
	f.mu.Unlock()
	return gate
}

func (f *fakeBackend) Login(context.Context, string, string) (string, error) { return "tok", nil }

func (f *fakeBackend) Register(context.Context, string, string) (string, error) { return "tok", nil }

func (f *fakeBackend) ListSessions(context.Context) ([]api.SessionDTO, error) { return nil, nil }

func (f *fakeBackend) GetSession(_ context.Context, id string) ([]api.MessageDTO, error) {
	f.mu.Lock()
	gate := f.sessionGates[id]
	msgs := f.messages[id]
	f.mu.Unlock()
	if gate != nil {
		f.sessionStarted <- id
		<-gate
	}
	return msgs, nil
}

func (f *fakeBackend) CreateSession(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	return "created", nil
}

func (f *fakeBackend) RenameSession(context.Context, string, string) error { return nil }

func (f *fakeBackend) DeleteSession(context.Context, string) error { return nil }

func (f *fakeBackend) Chat(_ context.Context, sessionID, _ string) (string, error) {
	f.chatStarted <- sessionID
	<-f.chatGate
	return "late reply", nil
}

func (f *fakeBackend) StopGeneration(context.Context) error { return f.stopErr }
