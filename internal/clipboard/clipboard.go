package clipboard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"

	"github.com/aymanbagabas/go-osc52/v2"
)

var ErrToolNotFound = errors.New("clipboard tool not found")

type Command struct {
	Path string
	Args []string
}

// Name is the tool's short label for status lines.
func (c Command) Name() string {
	if c.Path == "" {
		return ""
	}
	for i := len(c.Path) - 1; i >= 0; i-- {
		if c.Path[i] == '/' || c.Path[i] == '\\' {
			return c.Path[i+1:]
		}
	}
	return c.Path
}

func SelectCommand(goos string, lookPath func(string) (string, error)) (Command, error) {
	switch goos {
	case "darwin":
		path, err := lookPath("pbcopy")
		if err != nil {
			return Command{}, ErrToolNotFound
		}
		return Command{Path: path}, nil
	case "linux", "freebsd", "openbsd", "netbsd":
		if path, err := lookPath("wl-copy"); err == nil {
			return Command{Path: path}, nil
		}
		if path, err := lookPath("xclip"); err == nil {
			return Command{Path: path, Args: []string{"-selection", "clipboard"}}, nil
		}
		if path, err := lookPath("xsel"); err == nil {
			return Command{Path: path, Args: []string{"--clipboard", "--input"}}, nil
		}
		return Command{}, ErrToolNotFound
	case "windows":
		path, err := lookPath("clip.exe")
		if err != nil {
			return Command{}, ErrToolNotFound
		}
		return Command{Path: path}, nil
	default:
		return Command{}, ErrToolNotFound
	}
}

// Copier writes text to the system clipboard. When no clipboard tool is
// installed it falls back to an OSC 52 escape on Terminal, which most
// terminal emulators (and tmux with set-clipboard) forward to the host.
type Copier struct {
	GOOS     string
	LookPath func(string) (string, error)
	Terminal io.Writer
	InTmux   bool
}

func New() *Copier {
	return &Copier{
		GOOS:     runtime.GOOS,
		LookPath: exec.LookPath,
		Terminal: os.Stderr,
		InTmux:   os.Getenv("TMUX") != "",
	}
}

// Copy returns the name of the mechanism that received the text.
func (c *Copier) Copy(ctx context.Context, text string) (string, error) {
	cmdDef, err := SelectCommand(c.GOOS, c.LookPath)
	if errors.Is(err, ErrToolNotFound) && c.Terminal != nil {
		seq := osc52.New(text)
		if c.InTmux {
			seq = seq.Tmux()
		}
		if _, err := seq.WriteTo(c.Terminal); err != nil {
			return "", fmt.Errorf("write osc52 sequence: %w", err)
		}
		return "osc52", nil
	}
	if err != nil {
		return "", err
	}
	if err := run(ctx, cmdDef, text); err != nil {
		return "", err
	}
	return cmdDef.Name(), nil
}

func Copy(ctx context.Context, text string) error {
	_, err := New().Copy(ctx, text)
	return err
}

func run(ctx context.Context, cmdDef Command, text string) error {
	cmd := exec.CommandContext(ctx, cmdDef.Path, cmdDef.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("clipboard stdin: %w", err)
	}

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return fmt.Errorf("start clipboard command: %w", err)
	}

	if _, err := io.WriteString(stdin, text); err != nil {
		_ = stdin.Close()
		_ = cmd.Wait()
		return fmt.Errorf("write clipboard data: %w", err)
	}
	_ = stdin.Close()

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("%s failed: %w", cmdDef.Name(), err)
	}
	return nil
}
