package ui

import (
	"fmt"
	"strings"

	"chatgpt-clone/internal/chat"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
)

func (m *Model) resize() {
	if m.width <= 0 || m.height <= 0 {
		return
	}
	left, right := m.paneWidths()

	bodyHeight := m.height - 2
	if bodyHeight < 8 {
		bodyHeight = 8
	}

	m.list.SetSize(left-2, bodyHeight-2)
	m.viewport.Width = right - 2
	// Two rows below the transcript: the divider and the input line.
	m.viewport.Height = bodyHeight - 4
	m.input.Width = right - 6
	m.rename.Width = right - 10
	m.search.Width = m.width / 2
	m.help.Width = m.width
}

func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Starting..."
	}
	if m.screen == screenAuth {
		return m.authView()
	}

	status := m.statusLine()
	left, right := m.paneWidths()
	bodyHeight := m.height - 2

	leftPane := panelStyle(m.focusOnList).Width(left).Height(bodyHeight).Render(m.list.View())

	inputLine := m.input.View()
	if m.renaming != "" {
		inputLine = m.rename.View()
	}
	divider := dividerStyle.Render(strings.Repeat("─", max(right-2, 1)))
	chatPane := lipgloss.JoinVertical(lipgloss.Left, m.viewport.View(), divider, inputLine)
	rightPane := panelStyle(!m.focusOnList).Width(right).Height(bodyHeight).Render(chatPane)
	body := lipgloss.JoinHorizontal(lipgloss.Top, leftPane, rightPane)

	helpView := m.help.View(m.keys)
	if m.searchMode {
		helpView = m.search.View() + "  " + m.help.View(searchKeys{m.keys})
	} else if m.searchQuery != "" {
		helpView = "search: " + m.searchQuery + "  " + helpView
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		status,
		body,
		helpView,
	)
}

func (m Model) statusLine() string {
	status := "chat " + m.cfg.BaseURL
	if sess, ok := m.st.ActiveSession(); ok {
		status = fmt.Sprintf("%s  messages=%d", ansi.Truncate(displayTitle(sess), 32, "…"), len(m.st.Messages))
	}
	if m.st.Pending {
		status += "  " + m.spinner.View() + " replying (esc to stop)"
	}
	if m.searchQuery != "" || m.searchMode {
		status += "  [search]"
		if strings.TrimSpace(m.searchQuery) != "" {
			if n := len(m.matches.LineIndex); n > 0 {
				cur := m.matchIndex + 1
				if cur < 1 {
					cur = 1
				}
				status += fmt.Sprintf("  [match %d/%d]", cur, n)
			} else {
				status += "  [match 0]"
			}
		}
	}
	if m.rendering {
		status += "  [rendering]"
	}
	if s := strings.TrimSpace(m.status); s != "" {
		status += "  " + ansi.Truncate(s, 80, "…")
	}
	line := statusStyle.Render(status)

	var errText string
	switch {
	case m.st.Err != nil:
		errText = chat.UserMessage(m.st.Err)
	case m.err != nil:
		errText = m.err.Error()
	}
	if errText != "" {
		line += errorStyle.Render(ansi.Truncate("error: "+errText+" (esc to dismiss)", max(m.width-ansi.StringWidth(line), 10), "…"))
	}
	return line
}

func (m Model) authView() string {
	title := "Log in"
	if m.authMode == chat.ModeRegister {
		title = "Create an account"
	}

	rows := []string{titleStyle.Render(title), ""}
	for i := 0; i < m.authFieldCount(); i++ {
		rows = append(rows, m.auth[i].View())
	}
	rows = append(rows, "")

	switch {
	case m.restoring:
		rows = append(rows, hintStyle.Render("Checking saved login..."))
	case m.authBusy:
		rows = append(rows, m.spinner.View()+" "+m.status)
	case m.status != "":
		rows = append(rows, errorStyle.Render(ansi.Truncate(m.status, 60, "…")))
	default:
		other := "register"
		if m.authMode == chat.ModeRegister {
			other = "log in"
		}
		rows = append(rows, hintStyle.Render("ctrl+r to "+other+" instead"))
	}
	rows = append(rows, "", m.help.View(m.authKeys))

	box := panelStyle(true).Padding(1, 3).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, box)
}

func (m *Model) paneWidths() (int, int) {
	left := m.width / 4
	if left < 28 {
		left = 28
	}
	if left > m.width-32 {
		left = m.width - 32
	}
	if left < 20 {
		left = 20
	}
	right := m.width - left - 1
	if right < 20 {
		right = 20
	}
	return left, right
}

var (
	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")).
			Background(lipgloss.Color("24")).
			Padding(0, 1)
	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Background(lipgloss.Color("124")).
			Padding(0, 1)
	searchMatchStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("16")).
				Background(lipgloss.Color("220"))
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	hintStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	dividerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

func panelStyle(active bool) lipgloss.Style {
	border := lipgloss.NormalBorder()
	if active {
		return lipgloss.NewStyle().
			Border(border, true).
			BorderForeground(lipgloss.Color("39")).
			Padding(0, 1)
	}
	return lipgloss.NewStyle().
		Border(border, true).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)
}
