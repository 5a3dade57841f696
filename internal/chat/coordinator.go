// Package chat owns client-side chat state: the session list, the active
// session and its messages, and the single in-flight generation.
//
// Every asynchronous effect is tagged with a generation number when it is
// issued and applied only if that number is still current when it completes.
// Cancellation is an optimisation layered on top; the generation and
// session-identity checks are what keep responses from leaking across
// sessions.
package chat

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"chatgpt-clone/internal/api"
	"chatgpt-clone/internal/store"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const stopTimeout = 5 * time.Second

// Backend is the remote chat service. *api.Client implements it.
type Backend interface {
	Login(ctx context.Context, username, password string) (string, error)
	Register(ctx context.Context, username, password string) (string, error)
	ListSessions(ctx context.Context) ([]api.SessionDTO, error)
	GetSession(ctx context.Context, id string) ([]api.MessageDTO, error)
	CreateSession(ctx context.Context, title string) (string, error)
	RenameSession(ctx context.Context, id, title string) error
	DeleteSession(ctx context.Context, id string) error
	Chat(ctx context.Context, sessionID, message string) (string, error)
	StopGeneration(ctx context.Context) error
}

type pendingGeneration struct {
	gen       uint64
	sessionID string
	cancel    context.CancelFunc
}

type Coordinator struct {
	backend      Backend
	tokens       store.TokenStore
	logger       *zap.Logger
	policy       InsertPolicy
	logoutOnAuth bool
	notify       func()
	now          func() time.Time
	creates      singleflight.Group

	mu       sync.Mutex
	token    string
	sessions []Session
	active   string
	messages []Message
	pending  *pendingGeneration
	err      error

	authGen     uint64
	sessionsGen uint64
	fetchGen    uint64
	fetchCancel context.CancelFunc
	sendGen     uint64
}

type Option func(*Coordinator)

func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithInsertPolicy(p InsertPolicy) Option {
	return func(c *Coordinator) { c.policy = p }
}

// WithLogoutOnAuthFailure controls whether an authorization failure on an
// authenticated call ends the session. Enabled by default.
func WithLogoutOnAuthFailure(enabled bool) Option {
	return func(c *Coordinator) { c.logoutOnAuth = enabled }
}

// WithNotify registers fn to run after every state change. fn is called
// without the coordinator lock held and must not block.
func WithNotify(fn func()) Option {
	return func(c *Coordinator) { c.notify = fn }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

func New(backend Backend, tokens store.TokenStore, opts ...Option) *Coordinator {
	if tokens == nil {
		tokens = &store.Memory{}
	}
	c := &Coordinator{
		backend:      backend,
		tokens:       tokens,
		logger:       zap.NewNop(),
		policy:       InsertNewestFirst,
		logoutOnAuth: true,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dial builds an HTTP backend for baseURL whose bearer token is read from the
// returned coordinator.
func Dial(baseURL string, tokens store.TokenStore, clientOpts []api.Option, opts ...Option) *Coordinator {
	var c *Coordinator
	client := api.New(baseURL, func() string { return c.Token() }, clientOpts...)
	c = New(client, tokens, opts...)
	return c
}

func (c *Coordinator) changed() {
	if c.notify != nil {
		c.notify()
	}
}

func (c *Coordinator) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *Coordinator) Authenticated() bool {
	return c.Token() != ""
}

func (c *Coordinator) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := State{
		Authenticated: c.token != "",
		Sessions:      append([]Session(nil), c.sessions...),
		ActiveID:      c.active,
		Messages:      append([]Message(nil), c.messages...),
		Err:           c.err,
	}
	if c.pending != nil {
		st.Pending = true
		st.PendingSessionID = c.pending.sessionID
	}
	return st
}

func (c *Coordinator) DismissError() {
	c.mu.Lock()
	c.err = nil
	c.mu.Unlock()
	c.changed()
}

// Restore loads a persisted token. Tokens whose JWT exp has passed are
// discarded without contacting the backend.
func (c *Coordinator) Restore(ctx context.Context) (bool, error) {
	tok, err := c.tokens.LoadToken(ctx)
	if err != nil {
		return false, err
	}
	if tok == "" {
		return false, nil
	}
	if api.TokenExpired(tok, c.now()) {
		c.logger.Info("stored token expired; discarding")
		if err := c.tokens.ClearToken(ctx); err != nil {
			c.logger.Warn("clear expired token", zap.Error(err))
		}
		return false, nil
	}
	c.mu.Lock()
	c.authGen++
	c.token = tok
	c.mu.Unlock()
	c.changed()
	return true, nil
}

func (c *Coordinator) Authenticate(ctx context.Context, mode AuthMode, username, password, confirm string) error {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return c.surface(ErrMissingCredentials)
	}
	if mode == ModeRegister && password != confirm {
		return c.surface(ErrPasswordMismatch)
	}

	var (
		tok string
		err error
	)
	if mode == ModeRegister {
		tok, err = c.backend.Register(ctx, username, password)
	} else {
		tok, err = c.backend.Login(ctx, username, password)
	}
	if err != nil {
		if api.IsCancelled(err) {
			return err
		}
		failed := ErrLoginFailed
		if mode == ModeRegister {
			failed = ErrRegisterFailed
		}
		c.logger.Warn("authentication failed", zap.Stringer("mode", mode), zap.String("username", username), zap.Error(err))
		return c.surface(fmt.Errorf("%w: %w", failed, err))
	}

	if err := c.tokens.SaveToken(ctx, tok); err != nil {
		c.logger.Warn("persist token", zap.Error(err))
	}

	c.mu.Lock()
	c.cancelInFlightLocked()
	c.authGen++
	c.sessionsGen++
	c.token = tok
	c.sessions = nil
	c.active = ""
	c.messages = nil
	c.err = nil
	c.mu.Unlock()
	c.logger.Info("authenticated", zap.Stringer("mode", mode), zap.String("username", username))
	c.changed()
	return nil
}

func (c *Coordinator) surface(err error) error {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	c.changed()
	return err
}

// Logout drops the token and every piece of per-user state, cancelling any
// in-flight fetch or generation.
func (c *Coordinator) Logout(ctx context.Context) {
	c.logout(ctx, nil)
}

func (c *Coordinator) logout(ctx context.Context, cause error) {
	c.mu.Lock()
	c.cancelInFlightLocked()
	c.authGen++
	c.sessionsGen++
	c.token = ""
	c.sessions = nil
	c.active = ""
	c.messages = nil
	c.err = cause
	c.mu.Unlock()

	if err := c.tokens.ClearToken(ctx); err != nil {
		c.logger.Warn("clear persisted token", zap.Error(err))
	}
	c.logger.Info("logged out")
	c.changed()
}

// cancelInFlightLocked aborts and invalidates the pending generation and any
// session fetch. c.mu must be held.
func (c *Coordinator) cancelInFlightLocked() {
	if c.pending != nil {
		c.pending.cancel()
		c.pending = nil
	}
	c.sendGen++
	if c.fetchCancel != nil {
		c.fetchCancel()
		c.fetchCancel = nil
	}
	c.fetchGen++
}

// fail logs and surfaces err unless it is a cancellation or the user has
// since logged out. Authorization failures end the session when configured.
func (c *Coordinator) fail(op string, authGen uint64, err error) error {
	if api.IsCancelled(err) {
		c.logger.Debug(op+" cancelled", zap.Error(err))
		return err
	}
	c.logger.Warn(op+" failed", zap.Error(err))

	c.mu.Lock()
	if authGen != c.authGen {
		c.mu.Unlock()
		return err
	}
	forceLogout := c.logoutOnAuth && api.IsAuth(err) && c.token != ""
	c.err = err
	c.mu.Unlock()

	if forceLogout {
		c.logger.Info("authorization rejected; ending session", zap.String("op", op))
		c.logout(context.Background(), err)
		return err
	}
	c.changed()
	return err
}

func (c *Coordinator) authState() (string, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token, c.authGen
}

func (c *Coordinator) LoadSessions(ctx context.Context) ([]Session, error) {
	c.mu.Lock()
	if c.token == "" {
		c.mu.Unlock()
		return nil, ErrNotAuthenticated
	}
	c.sessionsGen++
	gen, authGen := c.sessionsGen, c.authGen
	c.mu.Unlock()

	dtos, err := c.backend.ListSessions(ctx)
	if err != nil {
		return nil, c.fail("load sessions", authGen, err)
	}

	c.mu.Lock()
	if gen != c.sessionsGen || authGen != c.authGen {
		out := append([]Session(nil), c.sessions...)
		c.mu.Unlock()
		c.logger.Debug("discarding superseded session list")
		return out, nil
	}
	c.sessions = sessionsFromDTO(dtos)
	out := append([]Session(nil), c.sessions...)
	c.mu.Unlock()
	c.changed()
	return out, nil
}

// SelectSession makes id active and loads its messages. When selects overlap,
// the most recently issued one determines the message list.
func (c *Coordinator) SelectSession(ctx context.Context, id string) error {
	c.mu.Lock()
	if c.token == "" {
		c.mu.Unlock()
		return ErrNotAuthenticated
	}
	stale := c.detachPendingLocked(func(p *pendingGeneration) bool { return p.sessionID != id })
	if c.fetchCancel != nil {
		c.fetchCancel()
	}
	c.fetchGen++
	gen, authGen := c.fetchGen, c.authGen
	fctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.fetchCancel = cancel
	c.active = id
	c.messages = nil
	c.err = nil
	c.mu.Unlock()
	c.changed()

	if stale {
		c.stopRemote(ctx)
	}

	dtos, err := c.backend.GetSession(fctx, id)

	c.mu.Lock()
	current := gen == c.fetchGen
	if current {
		c.fetchCancel = nil
	}
	if !current {
		c.mu.Unlock()
		c.logger.Debug("discarding superseded session fetch", zap.String("session_id", id))
		return nil
	}
	if err != nil {
		c.mu.Unlock()
		return c.fail("load session", authGen, err)
	}
	// Messages sent while the fetch was outstanding are already in c.messages.
	c.messages = mergeFetched(messagesFromDTO(dtos), c.messages)
	c.mu.Unlock()
	c.changed()
	return nil
}

func (c *Coordinator) CreateSession(ctx context.Context, title string) (Session, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = DefaultTitle
	}
	tok, authGen := c.authState()
	if tok == "" {
		return Session{}, ErrNotAuthenticated
	}

	id, err := c.backend.CreateSession(ctx, title)
	if err != nil {
		return Session{}, c.fail("create session", authGen, err)
	}
	sess := Session{ID: id, Title: title}

	c.mu.Lock()
	if authGen != c.authGen {
		c.mu.Unlock()
		return Session{}, ErrNotAuthenticated
	}
	c.insertLocked(sess)
	stale := c.detachPendingLocked(func(p *pendingGeneration) bool { return p.sessionID != id })
	if c.fetchCancel != nil {
		c.fetchCancel()
		c.fetchCancel = nil
	}
	c.fetchGen++
	c.active = id
	c.messages = nil
	c.mu.Unlock()
	c.logger.Info("created session", zap.String("session_id", id))
	c.changed()

	if stale {
		c.stopRemote(ctx)
	}
	return sess, nil
}

func (c *Coordinator) insertLocked(sess Session) {
	for i := range c.sessions {
		if c.sessions[i].ID == sess.ID {
			c.sessions[i].Title = sess.Title
			return
		}
	}
	if c.policy == InsertAppend {
		c.sessions = append(c.sessions, sess)
		return
	}
	c.sessions = append([]Session{sess}, c.sessions...)
}

// RenameSession is a no-op when title is blank.
func (c *Coordinator) RenameSession(ctx context.Context, id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil
	}
	tok, authGen := c.authState()
	if tok == "" {
		return ErrNotAuthenticated
	}
	if err := c.backend.RenameSession(ctx, id, title); err != nil {
		return c.fail("rename session", authGen, err)
	}

	c.mu.Lock()
	if authGen != c.authGen {
		c.mu.Unlock()
		return nil
	}
	for i := range c.sessions {
		if c.sessions[i].ID == id {
			c.sessions[i].Title = title
		}
	}
	c.mu.Unlock()
	c.changed()
	return nil
}

func (c *Coordinator) DeleteSession(ctx context.Context, id string) error {
	tok, authGen := c.authState()
	if tok == "" {
		return ErrNotAuthenticated
	}
	if err := c.backend.DeleteSession(ctx, id); err != nil {
		return c.fail("delete session", authGen, err)
	}

	c.mu.Lock()
	if authGen != c.authGen {
		c.mu.Unlock()
		return nil
	}
	kept := c.sessions[:0]
	for _, s := range c.sessions {
		if s.ID != id {
			kept = append(kept, s)
		}
	}
	c.sessions = kept
	stale := c.detachPendingLocked(func(p *pendingGeneration) bool { return p.sessionID == id })
	if c.active == id {
		if c.fetchCancel != nil {
			c.fetchCancel()
			c.fetchCancel = nil
		}
		c.fetchGen++
		c.active = ""
		c.messages = nil
	}
	c.mu.Unlock()
	c.logger.Info("deleted session", zap.String("session_id", id))
	c.changed()

	if stale {
		c.stopRemote(ctx)
	}
	return nil
}

// SendMessage posts text to the active session, creating one first when none
// is active. The user's message is appended before the request is issued and
// stays even if the request fails.
func (c *Coordinator) SendMessage(ctx context.Context, text string) (Outcome, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return OutcomeSkipped, nil
	}

	c.mu.Lock()
	if c.token == "" {
		c.mu.Unlock()
		return OutcomeSkipped, ErrNotAuthenticated
	}
	target := c.active
	if c.pending != nil && (target == "" || c.pending.sessionID != target) {
		c.mu.Unlock()
		c.logger.Debug("send skipped; generation pending for another session")
		return OutcomeSkipped, nil
	}
	c.mu.Unlock()

	if target == "" {
		v, err, _ := c.creates.Do("implicit", func() (interface{}, error) {
			return c.CreateSession(ctx, DefaultTitle)
		})
		if err != nil {
			if api.IsCancelled(err) {
				return OutcomeCancelled, nil
			}
			return OutcomeFailed, err
		}
		target = v.(Session).ID
	}

	c.mu.Lock()
	if c.token == "" {
		c.mu.Unlock()
		return OutcomeSkipped, ErrNotAuthenticated
	}
	if c.active != target {
		c.mu.Unlock()
		c.logger.Debug("send skipped; active session changed", zap.String("session_id", target))
		return OutcomeSkipped, nil
	}
	if c.pending != nil {
		if c.pending.sessionID != target {
			c.mu.Unlock()
			return OutcomeSkipped, nil
		}
		c.pending.cancel()
		c.pending = nil
	}
	c.sendGen++
	gen, authGen := c.sendGen, c.authGen
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.pending = &pendingGeneration{gen: gen, sessionID: target, cancel: cancel}
	c.messages = append(c.messages, Message{Sender: SenderUser, Content: text})
	c.err = nil
	c.mu.Unlock()
	c.changed()

	reply, err := c.backend.Chat(sctx, target, text)

	c.mu.Lock()
	mine := c.pending != nil && c.pending.gen == gen
	if mine {
		c.pending = nil
	}
	if err != nil && (api.IsCancelled(err) || sctx.Err() != nil) {
		c.mu.Unlock()
		c.logger.Debug("generation cancelled", zap.String("session_id", target))
		c.changed()
		return OutcomeCancelled, nil
	}
	if err != nil {
		c.mu.Unlock()
		return OutcomeFailed, c.fail("send message", authGen, err)
	}
	if c.active != target || authGen != c.authGen {
		c.mu.Unlock()
		c.logger.Debug("discarding reply for inactive session", zap.String("session_id", target))
		c.changed()
		return OutcomeDiscarded, nil
	}
	if !mine {
		// Stopped or superseded after the reply was already on its way.
		c.mu.Unlock()
		c.changed()
		return OutcomeCancelled, nil
	}
	c.messages = append(c.messages, Message{Sender: SenderBot, Content: reply})
	c.mu.Unlock()
	c.changed()
	return OutcomeFulfilled, nil
}

// StopGeneration aborts the pending generation locally and asks the backend to
// halt. The pending marker is cleared even if the backend cannot be reached.
func (c *Coordinator) StopGeneration(ctx context.Context) {
	c.mu.Lock()
	stale := c.detachPendingLocked(func(*pendingGeneration) bool { return true })
	c.mu.Unlock()
	if !stale {
		return
	}
	c.changed()
	c.stopRemote(ctx)
}

// detachPendingLocked cancels and clears the pending generation when match
// accepts it. c.mu must be held.
func (c *Coordinator) detachPendingLocked(match func(*pendingGeneration) bool) bool {
	if c.pending == nil || !match(c.pending) {
		return false
	}
	c.pending.cancel()
	c.pending = nil
	return true
}

func (c *Coordinator) stopRemote(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()
	if err := c.backend.StopGeneration(ctx); err != nil {
		c.logger.Warn("stop generation request failed", zap.Error(err))
		return
	}
	c.logger.Debug("stop generation request sent")
}

func sessionsFromDTO(in []api.SessionDTO) []Session {
	out := make([]Session, 0, len(in))
	for _, d := range in {
		out = append(out, Session{ID: d.ID, Title: d.Title})
	}
	return out
}

func messagesFromDTO(in []api.MessageDTO) []Message {
	out := make([]Message, 0, len(in))
	for _, d := range in {
		out = append(out, Message{Sender: ParseSender(d.Sender), Content: d.Content})
	}
	return out
}

// mergeFetched appends local to history, skipping the leading local messages
// the backend already recorded before it answered the fetch.
func mergeFetched(history, local []Message) []Message {
	overlap := 0
	for k := min(len(history), len(local)); k > 0; k-- {
		if slices.Equal(history[len(history)-k:], local[:k]) {
			overlap = k
			break
		}
	}
	return append(history, local[overlap:]...)
}
