package ui

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"

	"chatgpt-clone/internal/chat"
	"chatgpt-clone/internal/export"
	"chatgpt-clone/internal/highlight"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
)

const (
	emptyChatHint   = "No chat selected. Press ctrl+n for a new chat or just start typing."
	emptyTranscript = "_No messages yet. Type below and press enter._"
)

// renderActive shows the active chat, from cache when possible, and
// otherwise starts a background glamour render tagged with a fresh nonce.
func (m *Model) renderActive(force bool) tea.Cmd {
	id := m.st.ActiveID
	if id == "" {
		m.renderKey = ""
		m.rendering = false
		m.renderNonce++
		m.viewport.SetContent(emptyChatHint)
		m.clearMatches()
		return nil
	}

	cacheKey := m.renderCacheKey()
	if !force {
		if rendered, ok := m.rendered[cacheKey]; ok {
			m.renderKey = cacheKey
			m.rendering = false
			m.renderNonce++
			m.setViewportFromRendered(cacheKey, rendered, true)
			return nil
		}
	}
	if !strings.HasPrefix(m.renderKey, id+"|") {
		m.viewport.SetContent("Loading chat...")
		m.clearMatches()
	}
	m.renderKey = cacheKey
	m.rendering = true
	m.renderNonce++

	wrap := m.viewport.Width - 2
	if wrap < 20 {
		wrap = 20
	}
	msgs := append([]chat.Message(nil), m.st.Messages...)
	return renderTranscriptCmd(id, cacheKey, msgs, m.cfg.GlamourStyle, wrap, m.renderNonce)
}

func renderTranscriptCmd(sessionID, cacheKey string, msgs []chat.Message, style string, wrap, nonce int) tea.Cmd {
	return func() tea.Msg {
		md := export.BuildTranscriptMarkdown(msgs)
		if strings.TrimSpace(md) == "" {
			md = emptyTranscript
		}
		md = sanitizeMarkdownForDisplay(md)

		if len(md) > 500_000 {
			return renderMsg{sessionID: sessionID, cacheKey: cacheKey, rendered: md, nonce: nonce}
		}

		rendered := md
		if style == "" {
			style = "dark"
		}
		r, err := glamour.NewTermRenderer(
			glamour.WithStandardStyle(style),
			glamour.WithWordWrap(wrap),
		)
		if err != nil {
			return renderMsg{sessionID: sessionID, cacheKey: cacheKey, rendered: md, nonce: nonce}
		}
		if out, renderErr := r.Render(md); renderErr == nil {
			rendered = out
		}
		return renderMsg{
			sessionID: sessionID,
			cacheKey:  cacheKey,
			rendered:  rendered,
			nonce:     nonce,
		}
	}
}

// renderCacheKey identifies one rendering of the active chat: the session,
// the wrap width and a digest of the messages.
func (m Model) renderCacheKey() string {
	if m.st.ActiveID == "" {
		return ""
	}
	h := fnv.New64a()
	for _, msg := range m.st.Messages {
		h.Write([]byte{byte(msg.Sender)})
		h.Write([]byte(msg.Content))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%s|w=%d|n=%d|h=%x", m.st.ActiveID, m.viewport.Width, len(m.st.Messages), h.Sum64())
}

func highlightCacheKey(cacheKey, query string) string {
	return cacheKey + "|q=" + strings.ToLower(strings.TrimSpace(query))
}

func (m *Model) refreshViewportFromCache() {
	if m.st.ActiveID == "" {
		m.clearMatches()
		return
	}
	rendered, ok := m.rendered[m.renderKey]
	if !ok {
		return
	}
	oldOffset := m.viewport.YOffset
	m.setViewportFromRendered(m.renderKey, rendered, false)
	if len(m.matches.LineIndex) > 0 && m.matchIndex == 0 {
		m.viewport.SetYOffset(m.clampViewportOffset(m.matches.LineIndex[0]))
		return
	}
	m.viewport.SetYOffset(m.clampViewportOffset(oldOffset))
}

// setViewportFromRendered applies the search highlight, then either jumps to
// the current match or, with follow set, to the newest message.
func (m *Model) setViewportFromRendered(cacheKey, rendered string, follow bool) {
	content := rendered
	query := strings.TrimSpace(m.searchQuery)
	if query != "" {
		hKey := highlightCacheKey(cacheKey, query)
		res, ok := m.highlighted[hKey]
		if !ok {
			res = highlight.ApplyANSI(rendered, query, func(s string) string {
				return searchMatchStyle.Render(s)
			})
			m.highlighted[hKey] = res
		}
		content = res.Text
		m.setMatchMeta(res)
	} else {
		m.clearMatches()
	}

	m.viewport.SetContent(content)
	if !follow {
		return
	}
	if len(m.matches.LineIndex) > 0 {
		m.viewport.SetYOffset(m.clampViewportOffset(m.matches.LineIndex[m.matchIndex]))
		return
	}
	m.viewport.GotoBottom()
}

func (m *Model) setMatchMeta(res highlight.Result) {
	if res.Count == 0 || len(res.LineIndex) == 0 {
		m.clearMatches()
		return
	}
	m.matches = res
	if m.matchIndex < 0 || m.matchIndex >= len(res.LineIndex) {
		m.matchIndex = 0
	}
}

func (m *Model) clearMatches() {
	m.matches = highlight.Result{}
	m.matchIndex = -1
}

func (m *Model) jumpToMatch(delta int) {
	next := m.matches.Step(m.matchIndex, delta)
	if next < 0 {
		m.status = "No search matches in this chat"
		return
	}
	m.matchIndex = next
	m.viewport.SetYOffset(m.clampViewportOffset(m.matches.LineIndex[next]))
	m.status = fmt.Sprintf("Match %d/%d", next+1, len(m.matches.LineIndex))
}

func (m *Model) clampViewportOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	maxOffset := m.viewport.TotalLineCount() - m.viewport.Height
	if maxOffset < 0 {
		maxOffset = 0
	}
	if offset > maxOffset {
		return maxOffset
	}
	return offset
}

func sanitizeMarkdownForDisplay(md string) string {
	md = stripEmbeddedImageData(md)
	md = clampLongLines(md, 8000)
	const maxDisplayChars = 1_000_000
	if len(md) <= maxDisplayChars {
		return md
	}
	trimmed := strings.TrimRight(md[:maxDisplayChars], "\n")
	return trimmed + "\n\n... [chat truncated for display; use export for full content] ...\n"
}

// stripEmbeddedImageData replaces inline data:image base64 payloads, which
// models sometimes echo back, with a short placeholder.
func stripEmbeddedImageData(s string) string {
	var b strings.Builder
	pos := 0
	for {
		i := strings.Index(s[pos:], "data:image/")
		if i < 0 {
			b.WriteString(s[pos:])
			break
		}
		start := pos + i
		b.WriteString(s[pos:start])

		marker := strings.Index(s[start:], ";base64,")
		if marker < 0 {
			b.WriteString("data:image/")
			pos = start + len("data:image/")
			continue
		}

		payloadStart := start + marker + len(";base64,")
		j := payloadStart
		for j < len(s) && isBase64Byte(s[j]) {
			j++
		}
		b.WriteString("[image data omitted: ")
		b.WriteString(strconv.Itoa(j - payloadStart))
		b.WriteString(" base64 chars]")
		pos = j
	}
	return b.String()
}

func isBase64Byte(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '+' || c == '/' || c == '=' || c == '\n' || c == '\r':
		return true
	default:
		return false
	}
}

func clampLongLines(s string, max int) string {
	if max <= 0 || len(s) == 0 {
		return s
	}
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		if len(line) <= max {
			continue
		}
		head := line[:max/2]
		tail := line[len(line)-max/2:]
		lines[i] = head + "... [line truncated " + strconv.Itoa(len(line)-max) + " chars] ..." + tail
	}
	return strings.Join(lines, "\n")
}
