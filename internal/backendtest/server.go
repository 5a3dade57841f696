// Package backendtest runs an in-memory chat backend over httptest for tests.
// Handlers can be held on named gates so tests decide when a response lands:
// "chat:<session id>" holds POST /chat and "session:<session id>" holds
// GET /chat_session/{id}.
package backendtest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

type Message struct {
	Sender  string `json:"sender"`
	Content string `json:"content"`
}

type session struct {
	ID       string
	Owner    string
	Title    string
	Messages []Message
}

type Server struct {
	*httptest.Server

	secret   []byte
	tokenTTL time.Duration

	mu        sync.Mutex
	users     map[string][]byte
	sessions  map[string]*session
	order     []string
	gates     map[string]chan struct{}
	failures  map[string]int
	calls     map[string]int
	stopCount int
	reply     func(sessionID, message string) string

	arrivals chan string
}

type ctxKey struct{}

// New starts a backend and registers t.Cleanup to shut it down.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		secret:   []byte("backendtest-secret"),
		tokenTTL: time.Hour,
		users:    make(map[string][]byte),
		sessions: make(map[string]*session),
		gates:    make(map[string]chan struct{}),
		failures: make(map[string]int),
		calls:    make(map[string]int),
		reply:    func(_, message string) string { return "echo: " + message },
		arrivals: make(chan string, 256),
	}
	s.Server = httptest.NewServer(s.routes())
	t.Cleanup(func() {
		s.ReleaseAll()
		s.Server.CloseClientConnections()
		s.Server.Close()
	})
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.count)
	r.Post("/register", s.handleRegister)
	r.Post("/login", s.handleLogin)
	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Get("/chat_history", s.handleHistory)
		r.Get("/chat_session/{id}", s.handleGetSession)
		r.Post("/new_chat", s.handleNewChat)
		r.Put("/rename_chat/{id}", s.handleRename)
		r.Delete("/delete_chat/{id}", s.handleDelete)
		r.Post("/chat", s.handleChat)
		r.Post("/stop_generation", s.handleStop)
	})
	return r
}

// AddUser registers a user directly and returns a valid token for it.
func (s *Server) AddUser(username, password string) string {
	hash, _ := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	s.mu.Lock()
	s.users[username] = hash
	s.mu.Unlock()
	tok, _ := s.issue(username, s.tokenTTL)
	return tok
}

// ExpiredToken returns a correctly signed token that expired an hour ago.
func (s *Server) ExpiredToken(username string) string {
	tok, _ := s.issue(username, -time.Hour)
	return tok
}

// AddSession seeds a session owned by username and returns its id.
func (s *Server) AddSession(username, id, title string, msgs ...Message) string {
	if id == "" {
		id = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = &session{ID: id, Owner: username, Title: title, Messages: append([]Message(nil), msgs...)}
	s.order = append(s.order, id)
	return id
}

// Title returns the stored title of a session.
func (s *Server) Title(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		return sess.Title
	}
	return ""
}

func (s *Server) HasSession(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[id]
	return ok
}

// SetReply replaces the function producing bot replies.
func (s *Server) SetReply(fn func(sessionID, message string) string) {
	s.mu.Lock()
	s.reply = fn
	s.mu.Unlock()
}

// FailNext makes the next request whose path starts with prefix answer status.
func (s *Server) FailNext(prefix string, status int) {
	s.mu.Lock()
	s.failures[prefix] = status
	s.mu.Unlock()
}

// Calls reports how many requests hit paths starting with prefix.
func (s *Server) Calls(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for path, c := range s.calls {
		if strings.HasPrefix(path, prefix) {
			n += c
		}
	}
	return n
}

func (s *Server) StopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCount
}

// Hold blocks handlers waiting on key until the returned release is called.
func (s *Server) Hold(key string) (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.gates[key] = gate
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			owned := s.gates[key] == gate
			if owned {
				delete(s.gates, key)
			}
			s.mu.Unlock()
			// ReleaseAll already closed it otherwise.
			if owned {
				close(gate)
			}
		})
	}
}

func (s *Server) ReleaseAll() {
	s.mu.Lock()
	gates := s.gates
	s.gates = make(map[string]chan struct{})
	s.mu.Unlock()
	for _, g := range gates {
		close(g)
	}
}

// AwaitArrival blocks until a handler reaches the gate named key.
func (s *Server) AwaitArrival(t testing.TB, key string) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case got := <-s.arrivals:
			if got == key {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %q to reach the backend", key)
		}
	}
}

func (s *Server) wait(ctx context.Context, key string) bool {
	s.mu.Lock()
	gate := s.gates[key]
	s.mu.Unlock()
	select {
	case s.arrivals <- key:
	default:
	}
	if gate == nil {
		return true
	}
	select {
	case <-gate:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Server) issue(username string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub": username,
		"exp": time.Now().Add(ttl).Unix(),
		"iat": time.Now().Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

func (s *Server) count(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls[r.URL.Path]++
		status := 0
		for prefix, st := range s.failures {
			if strings.HasPrefix(r.URL.Path, prefix) {
				status = st
				delete(s.failures, prefix)
				break
			}
		}
		s.mu.Unlock()
		if status != 0 {
			writeError(w, status, "injected failure")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		token, err := jwt.Parse(parts[1], func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return s.secret, nil
		})
		if err != nil || !token.Valid {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		sub, err := token.Claims.GetSubject()
		if err != nil || sub == "" {
			writeError(w, http.StatusUnauthorized, "invalid subject")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, sub)))
	})
}

func userFrom(r *http.Request) string {
	u, _ := r.Context().Value(ctxKey{}).(string)
	return u
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Username == "" || in.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}
	s.mu.Lock()
	_, exists := s.users[in.Username]
	s.mu.Unlock()
	if exists {
		writeError(w, http.StatusBadRequest, "username already registered")
		return
	}
	tok := s.AddUser(in.Username, in.Password)
	writeJSON(w, http.StatusOK, map[string]string{"access_token": tok})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.mu.Lock()
	hash, ok := s.users[in.Username]
	s.mu.Unlock()
	if !ok || bcrypt.CompareHashAndPassword(hash, []byte(in.Password)) != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	tok, err := s.issue(in.Username, s.tokenTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"access_token": tok})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	type item struct {
		ID    string `json:"_id"`
		Title string `json:"title"`
	}
	s.mu.Lock()
	out := make([]item, 0, len(s.order))
	for _, id := range s.order {
		if sess, ok := s.sessions[id]; ok && sess.Owner == user {
			out = append(out, item{ID: sess.ID, Title: sess.Title})
		}
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"chat_sessions": out})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.wait(r.Context(), "session:"+id) {
		return
	}
	sess, err := s.owned(r, id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.mu.Lock()
	msgs := append([]Message{}, sess.Messages...)
	title := sess.Title
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"_id": id, "title": title, "messages": msgs})
}

func (s *Server) handleNewChat(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Title string `json:"title"`
	}
	_ = json.NewDecoder(r.Body).Decode(&in)
	if in.Title == "" {
		in.Title = "New Chat"
	}
	id := s.AddSession(userFrom(r), "", in.Title)
	writeJSON(w, http.StatusOK, map[string]string{"chat_session_id": id})
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var in struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Title == "" {
		writeError(w, http.StatusBadRequest, "new title is required")
		return
	}
	sess, err := s.owned(r, id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.mu.Lock()
	sess.Title = in.Title
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"message": "Chat session renamed successfully"})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.owned(r, id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.mu.Lock()
	delete(s.sessions, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"message": "Chat session deleted successfully"})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var in struct {
		ChatSessionID string `json:"chat_session_id"`
		Message       string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.ChatSessionID == "" || in.Message == "" {
		writeError(w, http.StatusBadRequest, "Chat session ID and message are required")
		return
	}
	sess, err := s.owned(r, in.ChatSessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.mu.Lock()
	sess.Messages = append(sess.Messages, Message{Sender: "User", Content: in.Message})
	reply := s.reply
	s.mu.Unlock()

	if !s.wait(r.Context(), "chat:"+in.ChatSessionID) {
		return
	}
	answer := reply(in.ChatSessionID, in.Message)
	s.mu.Lock()
	sess.Messages = append(sess.Messages, Message{Sender: "Chatbot", Content: answer})
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"response": answer})
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	s.stopCount++
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"message": "stopped"})
}

func (s *Server) owned(r *http.Request, id string) (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || sess.Owner != userFrom(r) {
		return nil, errors.New("Chat session not found")
	}
	return sess, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"detail": message})
}
