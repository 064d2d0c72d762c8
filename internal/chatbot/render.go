package chatbot

import (
	"fmt"
	"strings"

	"MoltChat/internal/chat"
	"MoltChat/internal/connection"
	"MoltChat/internal/session"

	"github.com/charmbracelet/lipgloss"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62"))

	userStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39"))

	botStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	timeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	hintStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true)

	connectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	connectingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")).
			Bold(true)

	disconnectedStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("196")).
				Bold(true)

	activeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	idleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))
)

func renderTurn(turn chat.Turn) string {
	ts := timeStyle.Render(turn.Time().Format("15:04:05"))

	if turn.Role == chat.RoleUser {
		return fmt.Sprintf("%s %s %s", ts, userStyle.Render("You:"), turn.Text)
	}
	text := turn.Text
	if strings.HasPrefix(text, "Error: ") {
		text = errorStyle.Render(text)
	}
	return fmt.Sprintf("%s %s %s", ts, botStyle.Render("Bot:"), text)
}

func renderStatus(s connection.State) string {
	switch s {
	case connection.Connected:
		return connectedStyle.Render("● connected")
	case connection.Connecting:
		return connectingStyle.Render("◌ connecting")
	default:
		return disconnectedStyle.Render("○ disconnected")
	}
}

func renderSessions(groups []session.Group) string {
	if len(groups) == 0 {
		return hintStyle.Render("No sessions yet.")
	}

	var b strings.Builder
	for i, g := range groups {
		if i > 0 {
			b.WriteString("\n")
		}
		style := idleStyle
		if g.Status == session.StatusActive {
			style = activeStyle
		}
		label := g.Status
		if label == "" {
			label = "unknown"
		}
		b.WriteString(headerStyle.Render(fmt.Sprintf("%s (%d)", label, len(g.Sessions))))
		b.WriteString("\n")
		for _, s := range g.Sessions {
			line := "  " + style.Render(s.Key)
			if s.Model != "" {
				line += " " + timeStyle.Render(s.Model)
			}
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
