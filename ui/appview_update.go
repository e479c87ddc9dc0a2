package ui

import (
	"context"
	"errors"
	"strings"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	"bookchat/chat"
	"bookchat/config"
	"bookchat/conversation"
)

func (a AppView) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		if msg.Width != a.width {
			a.rendered = make(map[int]renderedMarkdown)
		}
		a.width = msg.Width
		a.height = msg.Height
		a.ready = true
		a.layout()
		a.updateViewportContent(true)
		return a, a.renderMarkdownRequests()

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.loadingSpinner, cmd = a.loadingSpinner.Update(msg)
		if a.ready && (a.snapshot.Loading || a.hasLiveMessage()) {
			a.updateViewportContent(a.viewport.AtBottom())
		}
		return a, cmd

	case snapshotMsg:
		return a, a.applySnapshot(chat.Snapshot(msg))

	case chatOpDoneMsg:
		cmd := a.applySnapshot(a.ctrl.Snapshot())
		if msg.err != nil {
			config.DebugLog.Warn("chat operation failed", zap.String("op", msg.op), zap.Error(msg.err))
			a.status = statusForError(msg.err)
		}
		return a, cmd

	case markdownRenderedMsg:
		if r, ok := a.rendered[msg.MessageIndex]; ok && r.source == msg.Source && r.width == msg.Width {
			a.rendered[msg.MessageIndex] = renderedMarkdown{source: msg.Source, width: msg.Width, rendered: msg.Rendered}
			if a.ready {
				a.updateViewportContent(a.viewport.AtBottom())
			}
		}
		return a, nil

	case copyDoneMsg:
		if msg.err != nil {
			a.status = "Copy failed: " + msg.err.Error()
		} else {
			a.status = "Copied the last reply to the clipboard"
		}
		return a, nil

	case tea.KeyMsg:
		return a.handleKey(msg)
	}

	return a, nil
}

// applySnapshot replaces the displayed state and keeps the dialog overlay
// and input focus in line with it.
func (a *AppView) applySnapshot(s chat.Snapshot) tea.Cmd {
	if len(s.Messages) < len(a.snapshot.Messages) {
		a.rendered = make(map[int]renderedMarkdown)
	}
	a.snapshot = s

	var cmds []tea.Cmd
	sel := s.Selection
	if sel.Dialog == conversation.DialogNone {
		a.dialog = nil
		a.dismissedDialog = ""
	} else if k := selectionKey(sel); k != a.dismissedDialog && (a.dialog == nil || a.dialog.key != k) {
		a.dialog = newDialogState(sel)
	}

	if s.Busy() || a.dialog != nil {
		a.textarea.Blur()
	} else {
		cmds = append(cmds, a.textarea.Focus())
	}

	if a.ready {
		a.layout()
		a.updateViewportContent(true)
		cmds = append(cmds, a.renderMarkdownRequests())
	}
	return tea.Batch(cmds...)
}

func (a AppView) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	// Always-global shortcuts
	switch msg.String() {
	case "ctrl+c":
		return a, tea.Quit
	case "f1":
		a.showHelp = !a.showHelp
		return a, nil
	}

	if a.showHelp {
		if msg.String() == "esc" {
			a.showHelp = false
		}
		return a, nil
	}

	if a.dialog != nil && !a.snapshot.Busy() {
		return a.handleDialogKey(msg)
	}

	a.status = ""

	switch msg.String() {
	case "esc":
		if a.snapshot.Error != "" {
			return a, a.runOp("dismiss", func(context.Context) error {
				a.ctrl.DismissError()
				return nil
			})
		}
		return a, nil

	case "alt+n":
		a.rendered = make(map[int]renderedMarkdown)
		a.dialog = nil
		a.dismissedDialog = ""
		a.textarea.Reset()
		return a, a.runOp("new_chat", a.ctrl.NewChat)

	case "alt+y":
		text := a.lastAgentText()
		if text == "" {
			a.status = "Nothing to copy yet"
			return a, nil
		}
		return a, copyToClipboard(text)

	case "alt+j", "alt+down":
		a.viewport.HalfPageDown()
		return a, nil

	case "alt+k", "alt+up":
		a.viewport.HalfPageUp()
		return a, nil

	case "pgdown":
		a.viewport.PageDown()
		return a, nil

	case "pgup":
		a.viewport.PageUp()
		return a, nil

	case "enter":
		if a.snapshot.Busy() {
			a.status = statusForError(chat.ErrBusy)
			return a, nil
		}
		text := strings.TrimSpace(a.textarea.Value())
		if text == "" {
			return a, nil
		}
		a.textarea.Reset()
		return a, a.runOp("send", func(ctx context.Context) error {
			return a.ctrl.Send(ctx, text)
		})
	}

	if a.snapshot.Busy() {
		return a, nil
	}

	var cmd tea.Cmd
	a.textarea, cmd = a.textarea.Update(msg)
	return a, cmd
}

func (a AppView) handleDialogKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	result, cmd := a.dialog.handleKey(msg)
	if !result.done {
		return a, cmd
	}

	a.dismissedDialog = a.dialog.key
	a.dialog = nil
	value := result.value
	return a, a.runOp("dialog_result", func(ctx context.Context) error {
		return a.ctrl.SubmitDialogResult(ctx, value)
	})
}

// runOp calls the controller off the update loop. The controller notifies
// the bridge while it works, which needs the loop to be free.
func (a AppView) runOp(op string, fn func(context.Context) error) tea.Cmd {
	ctx := a.ctx
	return func() tea.Msg {
		return chatOpDoneMsg{op: op, err: fn(ctx)}
	}
}

func copyToClipboard(text string) tea.Cmd {
	return func() tea.Msg {
		return copyDoneMsg{err: clipboard.WriteAll(text)}
	}
}

func statusForError(err error) string {
	switch {
	case errors.Is(err, chat.ErrBusy):
		return "Still waiting for the agent..."
	case errors.Is(err, chat.ErrNotReady):
		return "Not connected. Press Alt+N to start a new chat."
	case errors.Is(err, context.Canceled):
		return ""
	}
	return "Error: " + err.Error()
}
