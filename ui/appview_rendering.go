package ui

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	markdown "github.com/MichaelMure/go-term-markdown"
	tea "github.com/charmbracelet/bubbletea"
	gomarkdown "github.com/gomarkdown/markdown"
	"github.com/gomarkdown/markdown/parser"
	"go.uber.org/zap"

	"bookchat/config"
	"bookchat/conversation"
)

var (
	inlineCodeRegex = regexp.MustCompile(`(?s)\x1b\[44;3m(.*?)\x1b\[0m`)
	mdLinkRegex     = regexp.MustCompile(`\[([^\]]+)\]\((https?://[^\)]+)\)`)
	urlRegex        = regexp.MustCompile(`(https?://[^\s\x1b]+)`)
)

// renderedMarkdown caches the terminal rendering of one completed agent
// message. An entry with pending set has a render in flight.
type renderedMarkdown struct {
	source   string
	width    int
	rendered string
	pending  bool
}

func (a AppView) contentWidth() int {
	return max(a.width-4, 20)
}

func (a *AppView) updateViewportContent(gotoBottom bool) {
	messages := a.snapshot.Messages
	if len(messages) == 0 {
		a.viewport.SetContent(DimStyle.Render("Connecting to the agent..."))
		return
	}

	width := a.contentWidth()

	var content strings.Builder
	for i, msg := range messages {
		timestamp := DimStyle.Render(msg.Timestamp.Format("[15:04]"))

		switch {
		case msg.Role == conversation.RoleUser:
			content.WriteString(formatUserMessage(timestamp, UserStyle.Render("You"), wordWrap(msg.Text, width)))

		case msg.FunctionCall != nil:
			label := ToolStyle.Render(msg.Text)
			if !msg.Completed {
				label = a.loadingSpinner.View() + " " + label
			}
			fmt.Fprintf(&content, "%s %s\n\n", timestamp, label)

		case msg.FunctionResponse != nil:
			fmt.Fprintf(&content, "%s %s\n\n", timestamp, ToolStyle.Render("✓ "+msg.Text))

		case msg.Role == conversation.RoleAgent:
			body := wordWrap(msg.Text, width)
			if msg.Streaming {
				body = wordWrap(msg.Text+"▋", width)
			} else if r, ok := a.rendered[i]; ok && !r.pending && r.source == msg.Text && r.width == width {
				body = r.rendered
			}
			fmt.Fprintf(&content, "%s %s\n%s\n\n", timestamp, AgentStyle.Render(a.agentName()), body)

		default:
			fmt.Fprintf(&content, "%s %s\n%s\n\n", timestamp, DimStyle.Render("System"), DimStyle.Render(wordWrap(msg.Text, width)))
		}
	}

	if a.snapshot.Loading && !a.hasLiveMessage() {
		fmt.Fprintf(&content, "%s %s\n", a.loadingSpinner.View(), DimStyle.Render("Waiting for the agent..."))
	}

	a.viewport.SetContent(content.String())
	if gotoBottom {
		a.viewport.GotoBottom()
	}
}

// hasLiveMessage reports whether the transcript already shows progress for
// the current turn (streaming text or a pending function call).
func (a AppView) hasLiveMessage() bool {
	msgs := a.snapshot.Messages
	if len(msgs) == 0 {
		return false
	}
	last := msgs[len(msgs)-1]
	return last.Streaming || (last.FunctionCall != nil && !last.Completed)
}

// formatUserMessage draws user turns behind a green bar.
func formatUserMessage(timestamp, role, content string) string {
	bar := UserStyle.Render("┃")

	var result strings.Builder
	fmt.Fprintf(&result, "%s %s %s\n", bar, timestamp, role)
	for _, line := range strings.Split(content, "\n") {
		fmt.Fprintf(&result, "%s %s\n", bar, line)
	}
	result.WriteString("\n")
	return result.String()
}

// renderMarkdownRequests starts a render for every completed agent message
// that has no up-to-date cached rendering.
func (a *AppView) renderMarkdownRequests() tea.Cmd {
	width := a.contentWidth()
	var cmds []tea.Cmd
	for i, msg := range a.snapshot.Messages {
		if !msg.IsPlainAgentText() || !msg.Completed || msg.Text == "" {
			continue
		}
		if r, ok := a.rendered[i]; ok && r.source == msg.Text && r.width == width {
			continue
		}
		a.rendered[i] = renderedMarkdown{source: msg.Text, width: width, pending: true}
		cmds = append(cmds, renderMarkdownAsync(i, msg.Text, width))
	}
	return tea.Batch(cmds...)
}

func renderMarkdownAsync(messageIndex int, content string, width int) tea.Cmd {
	return func() tea.Msg {
		start := time.Now()
		rendered := renderMarkdown(content, width)
		config.DebugLog.Debug("markdown rendered",
			zap.Int("message", messageIndex),
			zap.Int("length", len(content)),
			zap.Duration("elapsed", time.Since(start)))

		return markdownRenderedMsg{
			MessageIndex: messageIndex,
			Source:       content,
			Width:        width,
			Rendered:     rendered,
		}
	}
}

// renderMarkdown renders agent text for the terminal. Links are flattened to
// bare URLs and autolinking is off so the terminal can make them clickable.
func renderMarkdown(content string, width int) string {
	content = mdLinkRegex.ReplaceAllString(content, "$2")

	p := parser.NewWithExtensions(markdown.Extensions() &^ parser.Autolink)
	r := markdown.NewRenderer(width, 0)
	rendered := string(gomarkdown.Render(p.Parse([]byte(content)), r))

	rendered = inlineCodeRegex.ReplaceAllString(rendered, "\x1b[31m$1\x1b[0m")
	rendered = colorURLs(rendered)
	return strings.TrimRight(rendered, "\n ")
}

func colorURLs(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		// code block lines are left alone
		if !strings.Contains(line, "┃") {
			lines[i] = urlRegex.ReplaceAllStringFunc(line, func(u string) string {
				return LinkStyle.Render(u)
			})
		}
	}
	return strings.Join(lines, "\n")
}
