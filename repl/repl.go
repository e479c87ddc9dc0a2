// Package repl is the line-oriented chat front end used with -plain. It
// prints completed transcript messages and reads one line per turn, which
// also makes it the scripted surface for end-to-end runs.
package repl

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/fatih/color"

	"bookchat/chat"
	"bookchat/conversation"
)

// Controller is the part of *chat.Controller the loop uses.
type Controller interface {
	Start(ctx context.Context) error
	Send(ctx context.Context, text string) error
	SubmitDialogResult(ctx context.Context, value string) error
	NewChat(ctx context.Context) error
	Snapshot() chat.Snapshot
}

type REPL struct {
	ctrl      Controller
	in        io.Reader
	out       io.Writer
	agentName string

	printed    int
	dialogKey  string
	choices    []string
	lastStatus string
	lastURL    string

	prompt *color.Color
	agent  *color.Color
	system *color.Color
	tool   *color.Color
	faint  *color.Color
	errc   *color.Color
}

func New(ctrl Controller, in io.Reader, out io.Writer, agentName string) *REPL {
	if agentName == "" {
		agentName = "Agent"
	}
	return &REPL{
		ctrl:      ctrl,
		in:        in,
		out:       out,
		agentName: agentName,
		prompt:    color.New(color.FgGreen),
		agent:     color.New(color.FgCyan, color.Bold),
		system:    color.New(color.Faint),
		tool:      color.New(color.FgYellow),
		faint:     color.New(color.Faint, color.Italic),
		errc:      color.New(color.FgRed),
	}
}

// Run starts the conversation and reads lines until /quit, EOF or ctx ends.
func (r *REPL) Run(ctx context.Context) error {
	if err := r.ctrl.Start(ctx); err != nil {
		r.errc.Fprintf(r.out, "Could not start: %v\n", err)
	}
	r.flush()
	r.printHelp()

	scanner := bufio.NewScanner(r.in)
	scanner.Buffer(make([]byte, 0, bufio.MaxScanTokenSize), 1024*1024) // 1MB max input
	for {
		if ctx.Err() != nil {
			return nil
		}

		r.prompt.Fprint(r.out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(r.out)
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		quit, err := r.handleLine(ctx, line)
		if err != nil {
			r.reportError(err)
		}
		r.flush()
		if quit {
			return nil
		}
	}
}

func (r *REPL) handleLine(ctx context.Context, line string) (bool, error) {
	switch line {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		r.printHelp()
		return false, nil
	case "/new":
		r.printed = 0
		r.dialogKey = ""
		r.choices = nil
		r.lastStatus = ""
		r.lastURL = ""
		fmt.Fprintln(r.out)
		return false, r.ctrl.NewChat(ctx)
	}

	if r.dialogKey != "" {
		value := r.resolveChoice(line)
		r.dialogKey = ""
		r.choices = nil
		return false, r.ctrl.SubmitDialogResult(ctx, value)
	}

	if line == "" {
		return false, nil
	}
	return false, r.ctrl.Send(ctx, line)
}

// resolveChoice maps a 1-based number onto the offered choices; anything
// else is the answer itself.
func (r *REPL) resolveChoice(line string) string {
	if n, err := strconv.Atoi(line); err == nil && n >= 1 && n <= len(r.choices) {
		return r.choices[n-1]
	}
	return line
}

func (r *REPL) reportError(err error) {
	switch {
	case errors.Is(err, chat.ErrBusy):
		r.errc.Fprintln(r.out, "Still waiting for the agent.")
	case errors.Is(err, chat.ErrNotReady):
		r.errc.Fprintln(r.out, "Not connected. Type /new to start a new chat.")
	case errors.Is(err, context.Canceled):
	default:
		r.errc.Fprintf(r.out, "Error: %v\n", err)
	}
}

func (r *REPL) printHelp() {
	r.system.Fprintln(r.out, "Commands: /new start a new chat, /help show this help, /quit exit.")
	r.system.Fprintln(r.out, "When choices are listed, answer with a number or your own text; an empty line cancels.")
}

// flush prints transcript messages not shown yet, then any open dialog and
// booking or payment updates.
func (r *REPL) flush() {
	snap := r.ctrl.Snapshot()
	if r.printed > len(snap.Messages) {
		r.printed = 0
	}

	for i := r.printed; i < len(snap.Messages); i++ {
		msg := snap.Messages[i]
		if msg.Streaming {
			break
		}
		r.printMessage(msg)
		r.printed = i + 1
	}

	if status := snap.Booking.Status; status != "" && status != r.lastStatus {
		r.lastStatus = status
		line := "Booking " + status
		if snap.Booking.Slot != "" {
			line += ": " + snap.Booking.Slot
		}
		r.tool.Fprintln(r.out, line)
	}

	if url := snap.Selection.PaymentURL; url != "" && url != r.lastURL {
		r.lastURL = url
		fmt.Fprintf(r.out, "Complete your payment: %s\n", url)
	}

	if snap.Phase == chat.PhaseReady {
		r.printDialog(snap.Selection)
	}
}

func (r *REPL) printMessage(msg conversation.Message) {
	switch {
	case msg.Role == conversation.RoleUser:
		// already on screen as typed input
	case msg.FunctionCall != nil:
		r.tool.Fprintf(r.out, "[%s]\n", msg.Text)
	case msg.FunctionResponse != nil:
		r.faint.Fprintf(r.out, "  %s\n", msg.Text)
	case msg.Role == conversation.RoleAgent:
		if strings.TrimSpace(msg.Text) == "" {
			return
		}
		r.agent.Fprintf(r.out, "%s: ", r.agentName)
		fmt.Fprintln(r.out, msg.Text)
	default:
		r.system.Fprintln(r.out, msg.Text)
	}
}

func (r *REPL) printDialog(sel conversation.Selection) {
	if sel.Dialog == conversation.DialogNone {
		r.dialogKey = ""
		r.choices = nil
		return
	}

	key := fmt.Sprintf("%d|%s|%s|%s|%d", sel.Dialog, sel.Question,
		strings.Join(sel.Options, "\x1f"), strings.Join(sel.AvailableDates, "\x1f"), len(sel.Slots))
	if key == r.dialogKey {
		return
	}
	r.dialogKey = key
	r.choices = nil

	switch sel.Dialog {
	case conversation.DialogQualifier:
		question := sel.Question
		if question == "" {
			question = "The agent needs a bit more information."
		}
		r.agent.Fprintln(r.out, question)
		for _, opt := range sel.Options {
			r.addChoice(opt, opt)
		}
		if len(sel.Options) > 0 {
			r.system.Fprintln(r.out, "  or type your own answer")
		}

	case conversation.DialogDatePicker:
		r.agent.Fprintln(r.out, "Pick a date:")
		for _, date := range sel.AvailableDates {
			r.addChoice(conversation.DateLabel(date), date)
		}

	case conversation.DialogSlotPicker:
		r.agent.Fprintln(r.out, "Pick a time:")
		groups := sel.SlotGroups
		if len(groups) == 0 {
			groups = conversation.GroupSlotsByDate(sel.Slots)
		}
		for _, g := range groups {
			r.tool.Fprintf(r.out, "  %s\n", g.Title)
			for _, s := range g.Slots {
				r.addChoice(s.Label, s.Value)
			}
		}

	case conversation.DialogEmail:
		r.agent.Fprintln(r.out, "Please enter your email address (empty line to cancel):")
	}
}

func (r *REPL) addChoice(label, value string) {
	r.choices = append(r.choices, value)
	fmt.Fprintf(r.out, "  %d) %s\n", len(r.choices), label)
}
