package ui

import (
	"context"
	"time"

	"chatgpt-clone/internal/chat"

	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"
)

const copyTimeout = 3 * time.Second

type stateChangedMsg struct{}

// Notifier turns coordinator change callbacks into bubbletea messages. Bursts
// of changes collapse into a single pending message.
type Notifier struct {
	ch chan struct{}
}

func NewNotifier() *Notifier {
	return &Notifier{ch: make(chan struct{}, 1)}
}

// Notify never blocks; pass it to chat.WithNotify.
func (n *Notifier) Notify() {
	select {
	case n.ch <- struct{}{}:
	default:
	}
}

func (n *Notifier) wait() tea.Cmd {
	if n == nil {
		return nil
	}
	return func() tea.Msg {
		<-n.ch
		return stateChangedMsg{}
	}
}

func (m Model) restoreCmd() tea.Cmd {
	coord, ctx := m.coord, m.ctx
	return func() tea.Msg {
		ok, err := coord.Restore(ctx)
		return restoredMsg{ok: ok, err: err}
	}
}

func (m Model) authCmd() tea.Cmd {
	coord, ctx, mode := m.coord, m.ctx, m.authMode
	user := m.auth[fieldUsername].Value()
	pass := m.auth[fieldPassword].Value()
	confirm := m.auth[fieldConfirm].Value()
	return func() tea.Msg {
		return authMsg{mode: mode, err: coord.Authenticate(ctx, mode, user, pass, confirm)}
	}
}

func (m Model) loadSessionsCmd() tea.Cmd {
	coord, ctx := m.coord, m.ctx
	return func() tea.Msg {
		_, err := coord.LoadSessions(ctx)
		return sessionsMsg{err: err}
	}
}

func (m Model) selectCmd(id string) tea.Cmd {
	coord, ctx := m.coord, m.ctx
	return func() tea.Msg {
		return selectMsg{id: id, err: coord.SelectSession(ctx, id)}
	}
}

func (m Model) createCmd() tea.Cmd {
	coord, ctx := m.coord, m.ctx
	return func() tea.Msg {
		sess, err := coord.CreateSession(ctx, "")
		return createdMsg{session: sess, err: err}
	}
}

func (m Model) renameCmd(id, title string) tea.Cmd {
	coord, ctx := m.coord, m.ctx
	return func() tea.Msg {
		return renamedMsg{id: id, err: coord.RenameSession(ctx, id, title)}
	}
}

func (m Model) deleteCmd(id string) tea.Cmd {
	coord, ctx := m.coord, m.ctx
	return func() tea.Msg {
		return deletedMsg{id: id, err: coord.DeleteSession(ctx, id)}
	}
}

func (m Model) sendCmd(text string) tea.Cmd {
	coord, ctx := m.coord, m.ctx
	return func() tea.Msg {
		out, err := coord.SendMessage(ctx, text)
		return sendMsg{outcome: out, err: err}
	}
}

func (m Model) stopCmd() tea.Cmd {
	coord, ctx := m.coord, m.ctx
	return func() tea.Msg {
		coord.StopGeneration(ctx)
		return stoppedMsg{}
	}
}

func (m Model) logoutCmd() tea.Cmd {
	coord, ctx := m.coord, m.ctx
	return func() tea.Msg {
		coord.Logout(ctx)
		return loggedOutMsg{}
	}
}

func (m *Model) exportCmd() tea.Cmd {
	sess, ok := m.st.ActiveSession()
	if !ok {
		m.status = "No chat selected"
		return nil
	}
	if m.exporter == nil {
		m.status = "Export is not configured"
		return nil
	}
	exp, logger := m.exporter, m.logger
	msgs := append([]chat.Message(nil), m.st.Messages...)
	return func() tea.Msg {
		path, err := exp.Export(sess, msgs)
		if err != nil {
			logger.Warn("export failed", zap.String("session_id", sess.ID), zap.Error(err))
		}
		return exportMsg{path: path, err: err}
	}
}

func (m *Model) copyCmd() tea.Cmd {
	text, ok := m.st.LastReply()
	if !ok {
		m.status = "No reply to copy yet"
		return nil
	}
	copier, parent := m.copier, m.ctx
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(parent, copyTimeout)
		defer cancel()
		method, err := copier.Copy(ctx, text)
		return copyMsg{method: method, err: err}
	}
}
