package api_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"chatgpt-clone/internal/api"
	"chatgpt-clone/internal/backendtest"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T, srv *backendtest.Server, token *string) *api.Client {
	t.Helper()
	return api.New(srv.URL, func() string { return *token })
}

func TestLoginAndRegister(t *testing.T) {
	srv := backendtest.New(t)
	srv.AddUser("alice", "secret")
	var token string
	c := newClient(t, srv, &token)
	ctx := context.Background()

	tok, err := c.Login(ctx, "alice", "secret")
	require.NoError(t, err)
	assert.NotEmpty(t, tok)

	_, err = c.Login(ctx, "alice", "wrong")
	require.Error(t, err)
	assert.True(t, errors.Is(err, api.ErrAuth), "bad credentials should be an auth failure: %v", err)

	tok, err = c.Register(ctx, "bob", "pw")
	require.NoError(t, err)
	assert.NotEmpty(t, tok)

	_, err = c.Register(ctx, "bob", "pw")
	assert.True(t, errors.Is(err, api.ErrAuth), "duplicate registration should be an auth failure: %v", err)
}

func TestSessionLifecycleCalls(t *testing.T) {
	srv := backendtest.New(t)
	token := srv.AddUser("alice", "secret")
	c := newClient(t, srv, &token)
	ctx := context.Background()

	id, err := c.CreateSession(ctx, "New Chat")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	list, err := c.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, api.SessionDTO{ID: id, Title: "New Chat"}, list[0])

	reply, err := c.Chat(ctx, id, "hi")
	require.NoError(t, err)
	assert.Equal(t, "echo: hi", reply)

	msgs, err := c.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []api.MessageDTO{
		{Sender: "User", Content: "hi"},
		{Sender: "Chatbot", Content: "echo: hi"},
	}, msgs)

	require.NoError(t, c.RenameSession(ctx, id, "Greetings"))
	assert.Equal(t, "Greetings", srv.Title(id))

	require.NoError(t, c.StopGeneration(ctx))
	assert.Equal(t, 1, srv.StopCount())

	require.NoError(t, c.DeleteSession(ctx, id))
	assert.False(t, srv.HasSession(id))

	_, err = c.GetSession(ctx, id)
	require.Error(t, err)
	assert.True(t, errors.Is(err, api.ErrNetwork))
	var apiErr *api.Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}

func TestAuthenticatedCallsRequireToken(t *testing.T) {
	srv := backendtest.New(t)
	token := ""
	c := newClient(t, srv, &token)

	_, err := c.ListSessions(context.Background())
	assert.True(t, api.IsAuth(err))
	assert.Equal(t, 0, srv.Calls("/chat_history"), "no request should be sent without a token")

	token = srv.ExpiredToken("alice")
	_, err = c.ListSessions(context.Background())
	assert.True(t, api.IsAuth(err), "expired token should be rejected as auth failure: %v", err)
}

func TestChatCancellationIsDistinct(t *testing.T) {
	srv := backendtest.New(t)
	token := srv.AddUser("alice", "secret")
	id := srv.AddSession("alice", "s1", "Hello")
	release := srv.Hold("chat:" + id)
	defer release()
	c := newClient(t, srv, &token)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Chat(ctx, id, "hi")
		errCh <- err
	}()
	srv.AwaitArrival(t, "chat:"+id)
	cancel()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.True(t, api.IsCancelled(err))
		assert.False(t, errors.Is(err, api.ErrNetwork))
	case <-time.After(5 * time.Second):
		t.Fatal("chat call did not return after cancel")
	}
}

func TestUnreachableBackendIsNetworkFailure(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	url := dead.URL
	dead.Close()

	c := api.New(url, func() string { return "tok" })
	_, err := c.ListSessions(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, api.ErrNetwork))
	assert.False(t, api.IsCancelled(err))
}

func TestServerErrorIsNetworkFailure(t *testing.T) {
	srv := backendtest.New(t)
	token := srv.AddUser("alice", "secret")
	srv.FailNext("/chat_history", http.StatusInternalServerError)
	c := newClient(t, srv, &token)

	_, err := c.ListSessions(context.Background())
	assert.True(t, errors.Is(err, api.ErrNetwork))
	assert.False(t, api.IsAuth(err))
}

func TestPathIDsAreEscaped(t *testing.T) {
	var gotPath string
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"messages":[]}`))
	}))
	defer hs.Close()

	c := api.New(hs.URL+"/", func() string { return "tok" })
	msgs, err := c.GetSession(context.Background(), "a/b c")
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Equal(t, "/chat_session/a%2Fb%20c", gotPath)
}

func TestEmptyCreateSessionIDIsFailure(t *testing.T) {
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"chat_session_id":""}`))
	}))
	defer hs.Close()

	c := api.New(hs.URL, func() string { return "tok" })
	_, err := c.CreateSession(context.Background(), "New Chat")
	assert.True(t, errors.Is(err, api.ErrNetwork))
}

func TestTokenExpired(t *testing.T) {
	now := time.Now()
	sign := func(claims jwt.MapClaims) string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("k"))
		require.NoError(t, err)
		return s
	}

	cases := []struct {
		name  string
		token string
		want  bool
	}{
		{"empty", "", true},
		{"opaque", "not-a-jwt", false},
		{"future exp", sign(jwt.MapClaims{"exp": now.Add(time.Hour).Unix()}), false},
		{"past exp", sign(jwt.MapClaims{"exp": now.Add(-time.Minute).Unix()}), true},
		{"no exp", sign(jwt.MapClaims{"sub": "alice"}), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, api.TokenExpired(tc.token, now))
		})
	}
}
