package ui

import (
	"context"
	"sync/atomic"

	tea "github.com/charmbracelet/bubbletea"

	"bookchat/chat"
)

// Controller is the chat surface the view drives. *chat.Controller
// satisfies it.
type Controller interface {
	Start(ctx context.Context) error
	Send(ctx context.Context, text string) error
	SubmitDialogResult(ctx context.Context, value string) error
	NewChat(ctx context.Context) error
	DismissError()
	Snapshot() chat.Snapshot
}

// snapshotMsg carries controller state into the update loop.
type snapshotMsg chat.Snapshot

// chatOpDoneMsg reports the outcome of a controller call made from a command.
type chatOpDoneMsg struct {
	op  string
	err error
}

type markdownRenderedMsg struct {
	MessageIndex int
	Source       string
	Width        int
	Rendered     string
}

type copyDoneMsg struct {
	err error
}

// Bridge forwards controller snapshots to a running program. Register
// Observe with chat.WithObserver and call Attach once the program exists.
// Snapshots produced before Attach are dropped; the view pulls a fresh one
// on start.
type Bridge struct {
	program atomic.Pointer[tea.Program]
}

func NewBridge() *Bridge {
	return &Bridge{}
}

func (b *Bridge) Attach(p *tea.Program) {
	b.program.Store(p)
}

func (b *Bridge) Observe(s chat.Snapshot) {
	if p := b.program.Load(); p != nil {
		p.Send(snapshotMsg(s))
	}
}
