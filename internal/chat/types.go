package chat

import (
	"errors"
	"strings"

	"chatgpt-clone/internal/api"
)

const DefaultTitle = "New Chat"

type Sender int

const (
	SenderUser Sender = iota
	SenderBot
)

func (s Sender) String() string {
	if s == SenderUser {
		return "User"
	}
	return "Bot"
}

// ParseSender maps backend sender labels onto Sender. The backend stores
// "User" and "Chatbot"; older clients wrote "You".
func ParseSender(raw string) Sender {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "user", "you", "human":
		return SenderUser
	default:
		return SenderBot
	}
}

type Message struct {
	Sender  Sender
	Content string
}

type Session struct {
	ID    string
	Title string
}

// State is a point-in-time copy of everything a view needs to render.
type State struct {
	Authenticated    bool
	Sessions         []Session
	ActiveID         string
	Messages         []Message
	Pending          bool
	PendingSessionID string
	Err              error
}

func (s State) ActiveSession() (Session, bool) {
	if s.ActiveID == "" {
		return Session{}, false
	}
	for _, sess := range s.Sessions {
		if sess.ID == s.ActiveID {
			return sess, true
		}
	}
	return Session{ID: s.ActiveID}, true
}

// LastReply returns the most recent bot message content, if any.
func (s State) LastReply() (string, bool) {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Sender == SenderBot {
			return s.Messages[i].Content, true
		}
	}
	return "", false
}

// Outcome is the terminal state of one SendMessage call.
type Outcome int

const (
	OutcomeSkipped Outcome = iota
	OutcomeFulfilled
	OutcomeDiscarded
	OutcomeCancelled
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSkipped:
		return "skipped"
	case OutcomeFulfilled:
		return "fulfilled"
	case OutcomeDiscarded:
		return "discarded"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type AuthMode int

const (
	ModeLogin AuthMode = iota
	ModeRegister
)

func (m AuthMode) String() string {
	if m == ModeRegister {
		return "register"
	}
	return "login"
}

// InsertPolicy decides where a newly created session lands in the list.
type InsertPolicy int

const (
	InsertNewestFirst InsertPolicy = iota
	InsertAppend
)

func ParseInsertPolicy(raw string) (InsertPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "prepend", "newest-first", "top":
		return InsertNewestFirst, nil
	case "append", "oldest-first", "bottom":
		return InsertAppend, nil
	default:
		return InsertNewestFirst, errors.New("unknown new session position: " + raw)
	}
}

// ValidationError is a client-side rejection raised before any request.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

var (
	ErrMissingCredentials = &ValidationError{Msg: "Username and password are required."}
	ErrPasswordMismatch   = &ValidationError{Msg: "Passwords do not match."}

	ErrLoginFailed    = errors.New("login failed")
	ErrRegisterFailed = errors.New("registration failed")

	ErrNotAuthenticated = &api.Error{Op: "chat", Kind: api.ErrAuth, Err: errors.New("not logged in")}
)

// UserMessage turns an error into the text shown to the user. Cancellation
// yields the empty string since it is not a failure.
func UserMessage(err error) string {
	var verr *ValidationError
	switch {
	case err == nil, api.IsCancelled(err):
		return ""
	case errors.As(err, &verr):
		return verr.Msg
	case errors.Is(err, ErrLoginFailed) && errors.Is(err, api.ErrAuth):
		return "Login failed. Check your credentials."
	case errors.Is(err, ErrRegisterFailed) && errors.Is(err, api.ErrAuth):
		return "Registration failed. Please try again."
	case errors.Is(err, ErrLoginFailed), errors.Is(err, ErrRegisterFailed):
		return "Could not reach the chat server. Try again."
	case errors.Is(err, ErrNotAuthenticated):
		return "You are not logged in."
	case errors.Is(err, api.ErrAuth):
		return "Your session has expired. Please log in again."
	case errors.Is(err, api.ErrNetwork):
		return "Could not reach the chat server: " + err.Error()
	default:
		return err.Error()
	}
}
