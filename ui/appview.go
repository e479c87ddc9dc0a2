package ui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"bookchat/chat"
)

// Options describes the surroundings shown in the title bar.
type Options struct {
	AgentName string
	AppName   string
	BaseURL   string
	Version   string
}

type AppView struct {
	ctx  context.Context
	ctrl Controller
	opts Options

	// UI Components
	viewport       viewport.Model
	textarea       textarea.Model
	loadingSpinner spinner.Model

	// Window state
	width  int
	height int
	ready  bool

	snapshot chat.Snapshot
	rendered map[int]renderedMarkdown

	// Dialog overlay for the current selection. dismissedDialog holds the
	// key of a dialog the user already answered, until the controller
	// clears the selection.
	dialog          *dialogState
	dismissedDialog string

	showHelp bool
	status   string
}

// NewAppView builds the chat view. ctx bounds every controller call the view
// makes.
func NewAppView(ctx context.Context, ctrl Controller, opts Options) AppView {
	ta := textarea.New()
	ta.Placeholder = "Type your message and press Enter..."
	ta.Focus()
	ta.CharLimit = 0
	ta.ShowLineNumbers = false
	ta.SetHeight(3)
	ta.SetWidth(80)

	// Alt+Enter for newline, Enter is handled as send
	ta.KeyMap.InsertNewline = key.NewBinding(key.WithKeys("alt+enter"))

	ta.SetPromptFunc(2, func(lineIdx int) string {
		if lineIdx == 0 {
			return "> "
		}
		return "| "
	})

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(accentColor)

	return AppView{
		ctx:            ctx,
		ctrl:           ctrl,
		opts:           opts,
		viewport:       viewport.New(0, 0),
		textarea:       ta,
		loadingSpinner: s,
		snapshot:       ctrl.Snapshot(),
		rendered:       make(map[int]renderedMarkdown),
	}
}

func (a AppView) Init() tea.Cmd {
	return tea.Batch(
		textarea.Blink,
		a.loadingSpinner.Tick,
		a.runOp("start", a.ctrl.Start),
	)
}

func (a AppView) agentName() string {
	if a.opts.AgentName != "" {
		return a.opts.AgentName
	}
	return "Agent"
}

// chromeHeight is the number of lines around the viewport.
func (a AppView) chromeHeight() int {
	// title, separator, textarea (3), status bar
	lines := 6
	if a.snapshot.Error != "" {
		lines++
	}
	if a.snapshot.Selection.PaymentURL != "" {
		lines++
	}
	return lines
}

func (a *AppView) layout() {
	a.viewport.Width = a.width
	a.viewport.Height = max(a.height-a.chromeHeight(), 1)
	a.textarea.SetWidth(a.width)
}

func (a AppView) View() string {
	if !a.ready {
		return "Initializing..."
	}

	if a.showHelp {
		return a.renderHelpModal(a.width, a.height)
	}

	if a.dialog != nil && !a.snapshot.Busy() {
		return a.dialog.render(a.width, a.height)
	}

	parts := []string{a.renderTitle(), "", a.viewport.View()}

	if a.snapshot.Error != "" {
		parts = append(parts, ErrorBannerStyle.Render(truncateLabel("⚠ "+a.snapshot.Error, a.width-16))+
			DimStyle.Render("  (Esc dismiss)"))
	}
	if url := a.snapshot.Selection.PaymentURL; url != "" {
		parts = append(parts, "Complete your payment: "+LinkStyle.Render(url))
	}

	parts = append(parts, a.textarea.View(), a.renderStatusBar())
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func (a AppView) renderTitle() string {
	title := TitleStyle.Render("bookchat") + DimStyle.Render(" | "+a.agentName())

	snap := a.snapshot
	switch {
	case snap.Phase == chat.PhaseAwaitingIdentity || snap.Phase == chat.PhaseAwaitingSession:
		title += DimStyle.Render(" | connecting " + a.loadingSpinner.View())
	case snap.Phase == chat.PhaseErrored:
		title += ErrorBannerStyle.Render(" | not connected")
	case snap.Session.SessionID != "" && !snap.SessionConfirmed:
		title += lipgloss.NewStyle().Foreground(warningColor).Render(" | session unconfirmed")
	}

	if b := snap.Booking; b.Status != "" {
		booking := " | booking " + b.Status
		if b.Slot != "" {
			booking += ": " + b.Slot
		}
		title += SelectedStyle.Render(truncateLabel(booking, max(a.width/2, 10)))
	}

	return title
}

func (a AppView) renderStatusBar() string {
	if a.status != "" {
		return StatusStyle.Render(a.status)
	}

	descStyle := lipgloss.NewStyle().Foreground(successColor).Bold(true)
	bar := fmt.Sprintf("Enter %s  Alt+Enter %s  Alt+N %s  Alt+Y %s  Alt+J/K %s  F1 %s  Ctrl+C %s",
		descStyle.Render("Send"),
		descStyle.Render("New Line"),
		descStyle.Render("New chat"),
		descStyle.Render("Copy"),
		descStyle.Render("Scroll"),
		descStyle.Render("Help"),
		descStyle.Render("Quit"),
	)
	return StatusStyle.Render(bar)
}

// lastAgentText returns the most recent agent reply with text.
func (a AppView) lastAgentText() string {
	msgs := a.snapshot.Messages
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].IsPlainAgentText() && strings.TrimSpace(msgs[i].Text) != "" {
			return msgs[i].Text
		}
	}
	return ""
}
