package ui

import (
	"context"
	"fmt"
	"strings"

	"chatgpt-clone/internal/chat"
	"chatgpt-clone/internal/clipboard"
	"chatgpt-clone/internal/config"
	"chatgpt-clone/internal/export"
	"chatgpt-clone/internal/highlight"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"
)

type screen int

const (
	screenAuth screen = iota
	screenChat
)

const (
	fieldUsername = iota
	fieldPassword
	fieldConfirm
)

// Options carries the optional collaborators of a Model. Zero values are
// usable: no change feed, a no-op logger and the default clipboard.
type Options struct {
	Context context.Context
	Changes *Notifier
	Logger  *zap.Logger
	Copier  *clipboard.Copier
}

type Model struct {
	ctx      context.Context
	cfg      config.AppConfig
	coord    *chat.Coordinator
	exporter *export.Exporter
	copier   *clipboard.Copier
	changes  *Notifier
	logger   *zap.Logger

	list     list.Model
	viewport viewport.Model
	help     help.Model
	spinner  spinner.Model
	input    textinput.Model
	search   textinput.Model
	rename   textinput.Model
	auth     [3]textinput.Model
	keys     keyMap
	authKeys authKeyMap

	width  int
	height int

	screen    screen
	authMode  chat.AuthMode
	authFocus int
	authBusy  bool
	restoring bool
	spinning  bool

	focusOnList   bool
	searchMode    bool
	searchQuery   string
	renaming      string
	confirmDelete string

	st          chat.State
	rendering   bool
	renderNonce int
	renderKey   string
	rendered    map[string]string
	highlighted map[string]highlight.Result
	matches     highlight.Result
	matchIndex  int

	status string
	err    error
}

type restoredMsg struct {
	ok  bool
	err error
}

type authMsg struct {
	mode chat.AuthMode
	err  error
}

type sessionsMsg struct{ err error }

type selectMsg struct {
	id  string
	err error
}

type createdMsg struct {
	session chat.Session
	err     error
}

type renamedMsg struct {
	id  string
	err error
}

type deletedMsg struct {
	id  string
	err error
}

type sendMsg struct {
	outcome chat.Outcome
	err     error
}

type stoppedMsg struct{}

type loggedOutMsg struct{}

type exportMsg struct {
	path string
	err  error
}

type copyMsg struct {
	method string
	err    error
}

type renderMsg struct {
	sessionID string
	cacheKey  string
	rendered  string
	nonce     int
}

type sessionItem struct {
	session chat.Session
	active  bool
	pending bool
}

func (i sessionItem) Title() string {
	title := strings.TrimSpace(i.session.Title)
	if title == "" {
		title = chat.DefaultTitle
	}
	if i.active {
		return "● " + title
	}
	return title
}

func (i sessionItem) Description() string {
	desc := i.session.ID
	if i.pending {
		desc += " | replying..."
	}
	return desc
}

func (i sessionItem) FilterValue() string {
	return strings.ToLower(i.session.Title + " " + i.session.ID)
}

func NewModel(cfg config.AppConfig, coord *chat.Coordinator, exp *export.Exporter, opts Options) Model {
	l := list.New([]list.Item{}, list.NewDefaultDelegate(), 40, 20)
	l.Title = "Chats"
	l.SetShowFilter(false)
	l.SetFilteringEnabled(false)
	l.SetShowStatusBar(false)
	l.SetShowHelp(false)
	l.DisableQuitKeybindings()

	vp := viewport.New(60, 20)
	vp.SetContent(emptyChatHint)

	h := help.New()
	h.ShowAll = false

	sp := spinner.New()
	sp.Spinner = spinner.Points

	in := textinput.New()
	in.Placeholder = "Send a message..."
	in.Prompt = "> "
	in.CharLimit = 0

	search := textinput.New()
	search.Placeholder = "Search this chat..."
	search.Prompt = "/ "
	search.CharLimit = 256

	rename := textinput.New()
	rename.Prompt = "title: "
	rename.CharLimit = 200

	var fields [3]textinput.Model
	for i := range fields {
		f := textinput.New()
		f.CharLimit = 128
		f.Width = 32
		fields[i] = f
	}
	fields[fieldUsername].Prompt = "username: "
	fields[fieldPassword].Prompt = "password: "
	fields[fieldConfirm].Prompt = "confirm:  "
	for _, i := range []int{fieldPassword, fieldConfirm} {
		fields[i].EchoMode = textinput.EchoPassword
		fields[i].EchoCharacter = '•'
	}
	fields[fieldUsername].Focus()

	ctx := opts.Context
	if ctx == nil {
		ctx = context.Background()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	copier := opts.Copier
	if copier == nil {
		copier = clipboard.New()
	}

	return Model{
		ctx:      ctx,
		cfg:      cfg,
		coord:    coord,
		exporter: exp,
		copier:   copier,
		changes:  opts.Changes,
		logger:   logger,

		list:     l,
		viewport: vp,
		help:     h,
		spinner:  sp,
		input:    in,
		search:   search,
		rename:   rename,
		auth:     fields,
		keys:     defaultKeys(),
		authKeys: defaultAuthKeys(),

		screen:      screenAuth,
		restoring:   true,
		rendered:    make(map[string]string),
		highlighted: make(map[string]highlight.Result),
		matchIndex:  -1,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.restoreCmd(), m.changes.wait(), textinput.Blink)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		if m.screen == screenChat {
			cmds = append(cmds, m.renderActive(false))
		}

	case stateChangedMsg:
		cmds = append(cmds, m.sync(), m.changes.wait())

	case restoredMsg:
		m.restoring = false
		if msg.err != nil {
			m.err = msg.err
			m.status = "Could not read saved login"
		}
		if msg.ok {
			cmds = append(cmds, m.enterChat())
		}
		cmds = append(cmds, m.sync())

	case authMsg:
		m.authBusy = false
		if msg.err != nil {
			m.status = chat.UserMessage(msg.err)
			cmd := m.sync()
			return m, cmd
		}
		for i := range m.auth {
			if i != fieldUsername {
				m.auth[i].Reset()
			}
		}
		cmds = append(cmds, m.enterChat(), m.sync())

	case sessionsMsg:
		cmds = append(cmds, m.sync())
		if msg.err == nil && m.st.ActiveID == "" && len(m.st.Sessions) > 0 {
			cmds = append(cmds, m.selectCmd(m.st.Sessions[0].ID))
		}

	case selectMsg:
		cmds = append(cmds, m.sync())

	case createdMsg:
		if msg.err == nil {
			m.status = "New chat"
		}
		cmds = append(cmds, m.sync())

	case renamedMsg:
		if msg.err == nil {
			m.status = "Renamed chat"
		}
		cmds = append(cmds, m.sync())

	case deletedMsg:
		if msg.err == nil {
			m.status = "Deleted chat"
		}
		cmds = append(cmds, m.sync())

	case sendMsg:
		switch msg.outcome {
		case chat.OutcomeSkipped:
			if msg.err == nil {
				m.status = "A reply is still in progress (esc to stop)"
			}
		case chat.OutcomeCancelled:
			m.status = "Stopped"
		case chat.OutcomeFulfilled, chat.OutcomeDiscarded:
			m.status = ""
		}
		cmds = append(cmds, m.sync())

	case stoppedMsg:
		cmds = append(cmds, m.sync())

	case loggedOutMsg:
		m.toAuthScreen()
		m.status = "Logged out"
		cmds = append(cmds, m.sync())

	case exportMsg:
		if msg.err != nil {
			m.err = msg.err
			m.status = "Export failed"
		} else {
			m.err = nil
			m.status = "Exported to " + msg.path
		}

	case copyMsg:
		if msg.err != nil {
			m.err = msg.err
			m.status = "Copy failed"
		} else {
			m.err = nil
			m.status = "Copied last reply (" + msg.method + ")"
		}

	case renderMsg:
		if msg.nonce != m.renderNonce {
			return m, nil
		}
		m.rendering = false
		if len(m.rendered) > 64 {
			m.rendered = make(map[string]string)
			m.highlighted = make(map[string]highlight.Result)
		}
		m.rendered[msg.cacheKey] = msg.rendered
		if msg.sessionID == m.st.ActiveID {
			m.setViewportFromRendered(msg.cacheKey, msg.rendered, true)
		}

	case spinner.TickMsg:
		if !m.busy() {
			m.spinning = false
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		if m.screen == screenAuth {
			return m.updateAuth(msg)
		}
		return m.updateChat(msg)
	}

	return m, tea.Batch(cmds...)
}

func (m Model) updateAuth(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.authKeys.Quit):
		return m, tea.Quit
	case key.Matches(msg, m.authKeys.ToggleMode):
		if m.authMode == chat.ModeLogin {
			m.authMode = chat.ModeRegister
		} else {
			m.authMode = chat.ModeLogin
			if m.authFocus == fieldConfirm {
				m.authFocus = fieldPassword
			}
		}
		m.auth[fieldConfirm].Reset()
		m.status = ""
		m.coord.DismissError()
		m.focusAuth()
		return m, textinput.Blink
	case key.Matches(msg, m.authKeys.Next):
		m.authFocus = (m.authFocus + 1) % m.authFieldCount()
		m.focusAuth()
		return m, nil
	case key.Matches(msg, m.authKeys.Prev):
		n := m.authFieldCount()
		m.authFocus = (m.authFocus - 1 + n) % n
		m.focusAuth()
		return m, nil
	case key.Matches(msg, m.authKeys.Dismiss):
		m.status = ""
		m.coord.DismissError()
		cmd := m.sync()
		return m, cmd
	case key.Matches(msg, m.authKeys.Submit):
		if m.authBusy || m.restoring {
			return m, nil
		}
		m.authBusy = true
		if m.authMode == chat.ModeRegister {
			m.status = "Creating account..."
		} else {
			m.status = "Logging in..."
		}
		cmd := tea.Batch(m.authCmd(), m.startSpinner())
		return m, cmd
	}

	var cmd tea.Cmd
	m.auth[m.authFocus], cmd = m.auth[m.authFocus].Update(msg)
	return m, cmd
}

func (m Model) updateChat(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Matches(msg, m.keys.Quit) {
		return m, tea.Quit
	}

	if m.renaming != "" {
		switch msg.Type {
		case tea.KeyEsc:
			m.endRename()
			m.status = "Rename cancelled"
			return m, nil
		case tea.KeyEnter:
			id, title := m.renaming, m.rename.Value()
			m.endRename()
			return m, m.renameCmd(id, title)
		}
		var cmd tea.Cmd
		m.rename, cmd = m.rename.Update(msg)
		return m, cmd
	}

	if m.searchMode {
		switch {
		case msg.Type == tea.KeyEsc:
			m.searchMode = false
			m.searchQuery = ""
			m.search.Reset()
			m.search.Blur()
			m.focusInput()
			m.refreshViewportFromCache()
			return m, nil
		case msg.Type == tea.KeyEnter:
			m.searchMode = false
			m.search.Blur()
			m.focusInput()
			return m, nil
		case key.Matches(msg, m.keys.NextMatch):
			m.jumpToMatch(1)
			return m, nil
		case key.Matches(msg, m.keys.PrevMatch):
			m.jumpToMatch(-1)
			return m, nil
		}

		before := m.search.Value()
		var cmd tea.Cmd
		m.search, cmd = m.search.Update(msg)
		if after := m.search.Value(); after != before {
			m.searchQuery = after
			m.matchIndex = -1
			m.refreshViewportFromCache()
		}
		return m, cmd
	}

	if !key.Matches(msg, m.keys.Delete) {
		m.confirmDelete = ""
	}

	switch {
	case key.Matches(msg, m.keys.Stop):
		switch {
		case m.st.Pending:
			m.status = "Stopping..."
			return m, m.stopCmd()
		case m.st.Err != nil || m.err != nil:
			m.err = nil
			m.status = ""
			m.coord.DismissError()
			cmd := m.sync()
			return m, cmd
		case m.searchQuery != "":
			m.searchQuery = ""
			m.search.Reset()
			m.refreshViewportFromCache()
		}
		return m, nil
	case key.Matches(msg, m.keys.New):
		return m, m.createCmd()
	case key.Matches(msg, m.keys.Rename):
		sess, ok := m.targetSession()
		if !ok {
			m.status = "No chat selected"
			return m, nil
		}
		m.renaming = sess.ID
		m.rename.SetValue(sess.Title)
		m.rename.CursorEnd()
		m.rename.Focus()
		m.input.Blur()
		return m, textinput.Blink
	case key.Matches(msg, m.keys.Delete):
		sess, ok := m.targetSession()
		if !ok {
			m.status = "No chat selected"
			return m, nil
		}
		if m.confirmDelete != sess.ID {
			m.confirmDelete = sess.ID
			m.status = fmt.Sprintf("Press ctrl+d again to delete %q", displayTitle(sess))
			return m, nil
		}
		m.confirmDelete = ""
		return m, m.deleteCmd(sess.ID)
	case key.Matches(msg, m.keys.Reload):
		m.status = "Reloading chats..."
		return m, m.loadSessionsCmd()
	case key.Matches(msg, m.keys.Logout):
		return m, m.logoutCmd()
	case key.Matches(msg, m.keys.Tab):
		m.focusOnList = !m.focusOnList
		m.focusInput()
		return m, nil
	case key.Matches(msg, m.keys.Search):
		m.searchMode = true
		m.search.SetValue(m.searchQuery)
		m.search.CursorEnd()
		m.search.Focus()
		m.input.Blur()
		return m, textinput.Blink
	case key.Matches(msg, m.keys.Export):
		cmd := m.exportCmd()
		return m, cmd
	case key.Matches(msg, m.keys.Copy):
		cmd := m.copyCmd()
		return m, cmd
	case key.Matches(msg, m.keys.PageUp):
		m.viewport.HalfViewUp()
		return m, nil
	case key.Matches(msg, m.keys.PageDown):
		m.viewport.HalfViewDown()
		return m, nil
	}

	if m.focusOnList {
		if msg.Type == tea.KeyEnter {
			if id := m.currentListID(); id != "" && id != m.st.ActiveID {
				return m, m.selectCmd(id)
			}
			return m, nil
		}
		prev := m.currentListID()
		var cmd tea.Cmd
		m.list, cmd = m.list.Update(msg)
		if cur := m.currentListID(); cur != "" && cur != prev {
			return m, tea.Batch(cmd, m.selectCmd(cur))
		}
		return m, cmd
	}

	switch {
	case key.Matches(msg, m.keys.Send):
		text := m.input.Value()
		if strings.TrimSpace(text) == "" {
			return m, nil
		}
		m.input.Reset()
		m.status = ""
		cmd := tea.Batch(m.sendCmd(text), m.startSpinner())
		return m, cmd
	case key.Matches(msg, m.keys.Up):
		m.viewport.LineUp(1)
		return m, nil
	case key.Matches(msg, m.keys.Down):
		m.viewport.LineDown(1)
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// sync pulls a fresh snapshot from the coordinator.
func (m *Model) sync() tea.Cmd {
	return m.applyState(m.coord.Snapshot())
}

func (m *Model) applyState(st chat.State) tea.Cmd {
	prev := m.st
	m.st = st

	if !st.Authenticated {
		if m.screen == screenChat {
			m.toAuthScreen()
		}
		if text := chat.UserMessage(st.Err); text != "" {
			m.status = text
		}
		return nil
	}
	if m.screen != screenChat {
		return nil
	}

	if !sameSessions(prev.Sessions, st.Sessions) ||
		prev.ActiveID != st.ActiveID ||
		prev.Pending != st.Pending ||
		prev.PendingSessionID != st.PendingSessionID {
		m.applySessions()
	}
	if prev.ActiveID != st.ActiveID {
		m.matchIndex = -1
	}

	var cmds []tea.Cmd
	if prev.ActiveID != st.ActiveID || !sameMessages(prev.Messages, st.Messages) || m.renderKey != m.renderCacheKey() {
		cmds = append(cmds, m.renderActive(false))
	}
	if st.Pending {
		cmds = append(cmds, m.startSpinner())
	}
	return tea.Batch(cmds...)
}

func (m *Model) applySessions() {
	items := make([]list.Item, 0, len(m.st.Sessions))
	selected := -1
	for i, s := range m.st.Sessions {
		items = append(items, sessionItem{
			session: s,
			active:  s.ID == m.st.ActiveID,
			pending: m.st.Pending && s.ID == m.st.PendingSessionID,
		})
		if s.ID == m.st.ActiveID {
			selected = i
		}
	}
	cur := m.list.Index()
	m.list.SetItems(items)
	switch {
	case selected >= 0:
		m.list.Select(selected)
	case cur < len(items):
		m.list.Select(cur)
	}
}

func (m *Model) currentListID() string {
	item, ok := m.list.SelectedItem().(sessionItem)
	if !ok {
		return ""
	}
	return item.session.ID
}

// targetSession is the chat a rename or delete applies to: the highlighted
// list row when the list has focus, otherwise the active chat.
func (m *Model) targetSession() (chat.Session, bool) {
	id := m.st.ActiveID
	if m.focusOnList {
		id = m.currentListID()
	}
	if id == "" {
		return chat.Session{}, false
	}
	for _, s := range m.st.Sessions {
		if s.ID == id {
			return s, true
		}
	}
	return chat.Session{ID: id}, true
}

func (m *Model) enterChat() tea.Cmd {
	m.screen = screenChat
	m.focusOnList = false
	for i := range m.auth {
		m.auth[i].Blur()
	}
	m.focusInput()
	m.status = ""
	return tea.Batch(m.loadSessionsCmd(), textinput.Blink)
}

func (m *Model) toAuthScreen() {
	m.screen = screenAuth
	m.authBusy = false
	m.focusOnList = false
	m.searchMode = false
	m.searchQuery = ""
	m.search.Reset()
	m.renaming = ""
	m.confirmDelete = ""
	m.input.Reset()
	m.input.Blur()
	m.rename.Blur()
	m.list.SetItems(nil)
	m.rendered = make(map[string]string)
	m.highlighted = make(map[string]highlight.Result)
	m.renderKey = ""
	m.renderNonce++
	m.rendering = false
	m.clearMatches()
	m.viewport.SetContent(emptyChatHint)

	m.auth[fieldPassword].Reset()
	m.auth[fieldConfirm].Reset()
	m.authFocus = fieldUsername
	if m.auth[fieldUsername].Value() != "" {
		m.authFocus = fieldPassword
	}
	m.focusAuth()
}

func (m *Model) authFieldCount() int {
	if m.authMode == chat.ModeRegister {
		return 3
	}
	return 2
}

func (m *Model) focusAuth() {
	for i := range m.auth {
		if i == m.authFocus {
			m.auth[i].Focus()
		} else {
			m.auth[i].Blur()
		}
	}
}

func (m *Model) focusInput() {
	if m.focusOnList || m.searchMode || m.renaming != "" {
		m.input.Blur()
		return
	}
	m.input.Focus()
}

func (m *Model) endRename() {
	m.renaming = ""
	m.rename.Reset()
	m.rename.Blur()
	m.focusInput()
}

func (m *Model) busy() bool {
	return m.authBusy || m.st.Pending
}

// startSpinner begins the tick loop unless one is already running.
func (m *Model) startSpinner() tea.Cmd {
	if m.spinning {
		return nil
	}
	m.spinning = true
	return m.spinner.Tick
}

func displayTitle(s chat.Session) string {
	if t := strings.TrimSpace(s.Title); t != "" {
		return t
	}
	return chat.DefaultTitle
}

func sameSessions(a, b []chat.Session) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sameMessages(a, b []chat.Message) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
