package push

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// Permission mirrors the notification permission states.
type Permission string

const (
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
	PermissionPrompt  Permission = "prompt"
)

// Prompter asks the user for notification permission.
type Prompter interface {
	Ask(question string) (Permission, bool)
}

// TerminalPrompter asks on the controlling terminal. ok is false when the
// session is not interactive.
type TerminalPrompter struct {
	In  io.Reader
	Out io.Writer
	// Interactive overrides terminal detection.
	Interactive func() bool
}

// NewTerminalPrompter prompts on stdin and stderr.
func NewTerminalPrompter() *TerminalPrompter {
	return &TerminalPrompter{
		In:  os.Stdin,
		Out: os.Stderr,
		Interactive: func() bool {
			fd := os.Stdin.Fd()
			return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
		},
	}
}

func (p *TerminalPrompter) Ask(question string) (Permission, bool) {
	if p == nil || p.Interactive == nil || !p.Interactive() {
		return PermissionDenied, false
	}
	fmt.Fprintf(p.Out, "%s [s/N]: ", question)
	line, err := bufio.NewReader(p.In).ReadString('\n')
	if err != nil && line == "" {
		return PermissionDenied, false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "s", "si", "sí", "y", "yes":
		return PermissionGranted, true
	default:
		return PermissionDenied, true
	}
}
