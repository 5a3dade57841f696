package export

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"chatgpt-clone/internal/chat"
)

type Exporter struct {
	dir string
	cwd string
	now func() time.Time
}

// New returns an exporter writing into dir. Relative directories resolve
// against the working directory at construction time.
func New(dir string) (*Exporter, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve cwd: %w", err)
	}
	return &Exporter{dir: strings.TrimSpace(dir), cwd: cwd, now: time.Now}, nil
}

func (e *Exporter) Dir() string {
	if e.dir == "" {
		return e.cwd
	}
	if filepath.IsAbs(e.dir) {
		return e.dir
	}
	return filepath.Join(e.cwd, e.dir)
}

func (e *Exporter) Export(session chat.Session, messages []chat.Message) (string, error) {
	path := filepath.Join(e.Dir(), safeFileName(session.ID)+".md")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create export directory: %w", err)
	}

	body := BuildTranscriptMarkdown(messages)
	md := BuildSessionMarkdown(session, len(messages), body, e.now().UTC())
	if err := os.WriteFile(path, []byte(md), 0o644); err != nil {
		return "", fmt.Errorf("write export file: %w", err)
	}
	return path, nil
}

// BuildTranscriptMarkdown renders messages as alternating "You" and
// "Assistant" sections. Bot replies are already markdown and pass through.
func BuildTranscriptMarkdown(messages []chat.Message) string {
	var b strings.Builder
	for _, m := range messages {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		switch m.Sender {
		case chat.SenderUser:
			b.WriteString("## You\n\n")
			b.WriteString(escapeUserMarkdown(content) + "\n\n")
		default:
			b.WriteString("## Assistant\n\n")
			b.WriteString(content + "\n\n")
		}
	}
	return strings.TrimSpace(b.String()) + "\n"
}

// escapeUserMarkdown keeps user-typed lines from being read as headings or
// rules, which would break the section structure.
func escapeUserMarkdown(content string) string {
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		trimmed := strings.TrimLeft(line, " ")
		switch {
		case strings.HasPrefix(trimmed, "#"):
			lines[i] = `\` + trimmed
		case trimmed == "---", trimmed == "***", trimmed == "___":
			lines[i] = `\` + trimmed
		}
	}
	return strings.Join(lines, "\n")
}

func BuildSessionMarkdown(session chat.Session, messageCount int, transcript string, now time.Time) string {
	var b strings.Builder
	b.WriteString("# " + safeValue(session.Title, chat.DefaultTitle) + "\n\n")
	b.WriteString("Exported: " + now.Format(time.RFC3339) + "\n\n")
	b.WriteString("```text\n")
	b.WriteString("session_id: " + safeValue(session.ID, "n/a") + "\n")
	b.WriteString(fmt.Sprintf("message_count: %d\n", messageCount))
	b.WriteString("```\n\n")
	b.WriteString(transcript)
	if !strings.HasSuffix(transcript, "\n") {
		b.WriteString("\n")
	}
	return b.String()
}

func safeFileName(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "session"
	}
	replacer := strings.NewReplacer("/", "_", "\\", "_", ":", "_", " ", "_", "..", "_")
	return replacer.Replace(s)
}

func safeValue(s, fallback string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback
	}
	return s
}
