package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"

	"routinesync/internal/api"
)

type statusKind int

const (
	statusInfo statusKind = iota
	statusOK
	statusWarn
	statusError
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiBlue   = "\x1b[34m"
)

const statusLabelWidth = 12

type statusLine struct {
	label   string
	kind    statusKind
	message string
}

func (l statusLine) render(colorize bool) string {
	tag := map[statusKind]string{statusOK: "OK", statusWarn: "WARN", statusError: "ERROR"}[l.kind]
	if tag == "" {
		tag = "INFO"
	}
	line := fmt.Sprintf("  %-*s [%s]", statusLabelWidth, l.label+":", tag)
	if l.message != "" {
		line += " " + l.message
	}
	if !colorize {
		return line
	}
	switch l.kind {
	case statusOK:
		return ansiGreen + line + ansiReset
	case statusWarn:
		return ansiYellow + line + ansiReset
	case statusError:
		return ansiRed + line + ansiReset
	default:
		return line
	}
}

// statusLines summarizes st, one line per subsystem.
func statusLines(st api.Status) []statusLine {
	lines := make([]statusLine, 0, 7)

	if st.Running {
		msg := fmt.Sprintf("running (pid %d)", st.PID)
		if st.StartedAt != "" {
			msg += " since " + st.StartedAt
		}
		lines = append(lines, statusLine{"Agent", statusOK, msg})
	} else {
		lines = append(lines, statusLine{"Agent", statusWarn, "not running"})
	}

	if st.Online {
		lines = append(lines, statusLine{"Backend", statusOK, "online " + st.Backend})
	} else {
		lines = append(lines, statusLine{"Backend", statusWarn, "offline " + st.Backend})
	}

	switch {
	case st.Session.Valid:
		lines = append(lines, statusLine{"Session", statusOK, fmt.Sprintf("%s (%s)", st.Session.UserID, st.Session.Source)})
	default:
		lines = append(lines, statusLine{"Session", statusError, "invalid: " + st.Session.Error})
	}

	outboxMsg := fmt.Sprintf("%d queued (%d due), %d dead", st.Outbox.Queued, st.Outbox.Due, st.Outbox.Dead)
	switch {
	case st.Outbox.Dead > 0:
		lines = append(lines, statusLine{"Outbox", statusError, outboxMsg})
	case st.Outbox.Queued > 0:
		lines = append(lines, statusLine{"Outbox", statusWarn, outboxMsg})
	default:
		lines = append(lines, statusLine{"Outbox", statusOK, outboxMsg})
	}
	if len(st.SyncTags) > 0 {
		lines = append(lines, statusLine{"Sync", statusInfo, "pending " + strings.Join(st.SyncTags, ", ")})
	}

	cacheMsg := fmt.Sprintf("%s, %d generation(s)", st.Cache.Shell, len(st.Cache.Generations))
	switch {
	case st.Cache.Activated:
		lines = append(lines, statusLine{"Cache", statusOK, "active " + cacheMsg})
	case st.Cache.Installed:
		lines = append(lines, statusLine{"Cache", statusInfo, "installed " + cacheMsg})
	default:
		lines = append(lines, statusLine{"Cache", statusWarn, "not active " + cacheMsg})
	}

	switch {
	case !st.Push.Enabled:
		lines = append(lines, statusLine{"Push", statusInfo, "disabled"})
	case st.Push.Endpoint == "":
		lines = append(lines, statusLine{"Push", statusWarn, "not subscribed (permission " + st.Push.Permission + ")"})
	default:
		msg := "subscribed"
		if !st.Push.Forwarded {
			msg += ", not yet forwarded"
		}
		if st.Push.Listening {
			msg += ", listening"
		}
		lines = append(lines, statusLine{"Push", statusOK, msg})
	}
	return lines
}

func printStatus(out io.Writer, st api.Status) {
	colorize := shouldColorize(out)
	header := "== routinesync =="
	if colorize {
		header = ansiBlue + header + ansiReset
	}
	fmt.Fprintln(out, header)
	for _, line := range statusLines(st) {
		fmt.Fprintln(out, line.render(colorize))
	}
	if st.OutboxPath != "" {
		fmt.Fprintf(out, "  %-*s %s\n", statusLabelWidth, "Outbox file:", st.OutboxPath)
	}
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
